package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/manlab/manlab/internal/diag"
	"github.com/manlab/manlab/internal/protocol"
)

const (
	// maxCommandOutput bounds the output the agent keeps per command.
	// The hub applies its own cap on top.
	maxCommandOutput = 256 << 10

	// outputFlushEvery is how often buffered output lines are pushed
	// as in_progress frames while a command runs.
	outputFlushEvery = 500 * time.Millisecond
	outputFlushLines = 32

	defaultShellTimeout = 10 * time.Minute
	netToolTimeout      = 30 * time.Second
)

type runningCommand struct {
	cancel    context.CancelFunc
	cancelled bool
}

// interactiveCommands reply on their own message types instead of the
// command-status channel; the hub never queues them.
var interactiveCommands = map[string]bool{
	protocol.CmdLogRead:       true,
	protocol.CmdTerminalOpen:  true,
	protocol.CmdTerminalInput: true,
	protocol.CmdTerminalClose: true,
	protocol.CmdFileList:      true,
	protocol.CmdFileRead:      true,
	protocol.CmdFileZip:       true,
	protocol.CmdFileStream:    true,
	protocol.CmdNetToolRun:    true,
}

// handleCommand routes one command envelope. Interactive commands run
// concurrently with queued ones; a long shell command must not block
// terminal keystrokes.
func (a *Agent) handleCommand(env protocol.CommandEnvelope) {
	a.log.Info().Str("id", env.ID).Str("type", env.Type).Msg("received command")

	capability, known := protocol.RequiredCapability(env.Type)
	if !known {
		a.sendCommandStatus(env.ID, protocol.StatusFailed, "", "unsupported command type "+env.Type, 1)
		return
	}
	if capability != "" && !a.cfg.Capabilities[capability] {
		if interactiveCommands[env.Type] {
			// No command-status channel to answer on; the hub enforces
			// capabilities before sending, so this is a config skew.
			a.log.Warn().Str("type", env.Type).Str("capability", capability).Msg("dropping command for disabled capability")
			return
		}
		a.sendCommandStatus(env.ID, protocol.StatusFailed, "", "capability disabled: "+capability, 1)
		return
	}

	switch env.Type {
	case protocol.CmdTerminalOpen:
		a.handleTerminalOpen(env)
	case protocol.CmdTerminalInput:
		a.handleTerminalInput(env)
	case protocol.CmdTerminalClose:
		a.handleTerminalClose(env)
	case protocol.CmdFileList:
		go a.handleFileList(env)
	case protocol.CmdFileRead:
		go a.handleFileRead(env)
	case protocol.CmdFileStream:
		go a.handleFileStream(env)
	case protocol.CmdFileZip:
		go a.handleFileZip(env)
	case protocol.CmdLogRead:
		go a.handleLogRead(env)
	case protocol.CmdNetToolRun:
		go a.handleNetToolRun(env)
	default:
		go a.execute(env)
	}
}

// execute wraps one queued command: in_progress first, then exactly
// one terminal status. Cancellation between the two yields Cancelled
// regardless of how the underlying process died.
func (a *Agent) execute(env protocol.CommandEnvelope) {
	ctx, cancel := context.WithCancel(a.ctx)
	rc := &runningCommand{cancel: cancel}

	a.cmdMu.Lock()
	if _, dup := a.running[env.ID]; dup {
		a.cmdMu.Unlock()
		cancel()
		a.log.Warn().Str("id", env.ID).Msg("duplicate command dropped")
		return
	}
	a.running[env.ID] = rc
	a.cmdMu.Unlock()

	defer func() {
		cancel()
		a.cmdMu.Lock()
		delete(a.running, env.ID)
		a.cmdMu.Unlock()
	}()

	a.sendCommandStatus(env.ID, protocol.StatusInProgress, "", "", 0)

	output, err := a.runCommand(ctx, env)

	a.cmdMu.Lock()
	cancelled := rc.cancelled
	a.cmdMu.Unlock()

	switch {
	case cancelled:
		a.sendCommandStatus(env.ID, protocol.StatusCancelled, output, "cancelled by operator", 130)
	case err != nil:
		code := 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		a.sendCommandStatus(env.ID, protocol.StatusFailed, output, err.Error(), code)
	default:
		a.sendCommandStatus(env.ID, protocol.StatusSuccess, output, "", 0)
	}
}

// cancelCommand aborts a running command by id. Unknown ids are logged
// only; the hub resolves those through its cancel timeout.
func (a *Agent) cancelCommand(id string) {
	a.cmdMu.Lock()
	rc, ok := a.running[id]
	if ok {
		rc.cancelled = true
	}
	a.cmdMu.Unlock()

	if !ok {
		a.log.Warn().Str("id", id).Msg("cancel for unknown command")
		return
	}
	a.log.Info().Str("id", id).Msg("cancelling command")
	rc.cancel()
}

// runCommand executes the queued-taxonomy command and returns its
// collected output. Streaming commands push in_progress frames along
// the way and return only a tail here.
func (a *Agent) runCommand(ctx context.Context, env protocol.CommandEnvelope) (string, error) {
	switch env.Type {
	case protocol.CmdDockerList:
		return a.runCollected(ctx, "docker", "ps", "-a", "--format", "{{json .}}")

	case protocol.CmdDockerStart, protocol.CmdDockerStop, protocol.CmdDockerRestart:
		var p protocol.DockerPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return "", err
		}
		if p.Container == "" {
			return "", errors.New("container name required")
		}
		action := strings.TrimPrefix(env.Type, "docker.")
		return a.runCollected(ctx, "docker", action, p.Container)

	case protocol.CmdSystemUpdate:
		update := a.updateCommand()
		if update == "" {
			return "", errors.New("no update command configured")
		}
		return a.runShellStreaming(ctx, env.ID, update, defaultShellTimeout)

	case protocol.CmdSystemShutdown:
		return a.schedulePower("poweroff")

	case protocol.CmdSystemRestart:
		return a.schedulePower("reboot")

	case protocol.CmdAgentShutdown:
		// Report success before dying so the hub sees a terminal state.
		time.AfterFunc(time.Second, func() {
			a.Shutdown()
			os.Exit(0)
		})
		return "agent exiting", nil

	case protocol.CmdAgentUninstall:
		return a.uninstall()

	case protocol.CmdAgentEnableTask, protocol.CmdAgentDisableTask:
		var p protocol.AgentTaskPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return "", err
		}
		enable := env.Type == protocol.CmdAgentEnableTask
		if !a.setTask(p.Task, enable) {
			return "", fmt.Errorf("unknown task %q", p.Task)
		}
		if enable {
			return "task " + p.Task + " enabled", nil
		}
		return "task " + p.Task + " disabled", nil

	case protocol.CmdShellExec:
		var p protocol.ShellExecPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return "", err
		}
		if p.Command == "" {
			return "", errors.New("command required")
		}
		timeout := defaultShellTimeout
		if p.TimeoutSec > 0 {
			timeout = time.Duration(p.TimeoutSec) * time.Second
		}
		return a.runShellStreaming(ctx, env.ID, p.Command, timeout)

	case protocol.CmdServiceStatus:
		var p protocol.ServicePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return "", err
		}
		return a.reportServiceStatus(ctx, p.Units)

	case protocol.CmdServiceRestart:
		var p protocol.ServicePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return "", err
		}
		if p.Unit == "" {
			return "", errors.New("unit required")
		}
		return a.runCollected(ctx, "systemctl", "restart", p.Unit)

	case protocol.CmdSmartScan:
		return a.collectSmart(ctx)

	case protocol.CmdScriptRun:
		var p protocol.ScriptRunPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return "", err
		}
		return a.runScript(ctx, env.ID, p)

	case protocol.CmdConfigUpdate:
		var p protocol.ConfigUpdatePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return "", err
		}
		return a.applyConfig(p.Key, p.Value)

	case protocol.CmdCancel:
		var p protocol.CancelCommandPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return "", err
		}
		a.cancelCommand(p.ID)
		return "cancel requested for " + p.ID, nil

	default:
		return "", fmt.Errorf("unsupported command type %s", env.Type)
	}
}

func decodePayload(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

// runCollected runs a short command and returns its bounded combined
// output.
func (a *Agent) runCollected(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if len(out) > maxCommandOutput {
		out = out[:maxCommandOutput]
	}
	return string(bytes.TrimSpace(out)), err
}

// runShellStreaming runs a shell command line, batching output into
// in_progress frames as it goes.
func (a *Agent) runShellStreaming(ctx context.Context, id, command string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command("sh", "-c", command)
	out, err := a.runStreaming(ctx, id, cmd)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s", timeout)
	}
	return out, err
}

// runStreaming starts cmd in its own process group, streams its output
// line-by-line in batched in_progress frames, and returns a bounded
// tail of the combined output. Context cancellation terminates the
// whole process group, SIGTERM first and SIGKILL three seconds later.
func (a *Agent) runStreaming(ctx context.Context, id string, cmd *exec.Cmd) (string, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}

	if err := cmd.Start(); err != nil {
		return "", err
	}

	a.log.Debug().Str("id", id).Int("pid", cmd.Process.Pid).Msg("command started")

	lines := make(chan string, 64)
	var readers sync.WaitGroup
	readers.Add(2)
	scan := func(r *bufio.Scanner) {
		defer readers.Done()
		r.Buffer(make([]byte, 64<<10), 64<<10)
		for r.Scan() {
			lines <- r.Text()
		}
	}
	go scan(bufio.NewScanner(stdout))
	go scan(bufio.NewScanner(stderr))
	go func() {
		readers.Wait()
		close(lines)
	}()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			terminate(cmd)
		case <-done:
		}
	}()

	collected := a.pumpOutput(id, lines)

	waitErr := cmd.Wait()
	close(done)
	if waitErr == nil && ctx.Err() != nil {
		waitErr = ctx.Err()
	}
	return collected, waitErr
}

// pumpOutput drains the line channel into batched in_progress frames
// and returns a bounded copy of everything seen.
func (a *Agent) pumpOutput(id string, lines <-chan string) string {
	var (
		all     strings.Builder
		batch   []string
		flushAt = time.NewTicker(outputFlushEvery)
	)
	defer flushAt.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		chunk := strings.Join(batch, "\n") + "\n"
		batch = batch[:0]
		a.sendCommandStatus(id, protocol.StatusInProgress, chunk, "", 0)
	}

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				flush()
				return all.String()
			}
			if all.Len() < maxCommandOutput {
				all.WriteString(line)
				all.WriteByte('\n')
			}
			batch = append(batch, line)
			if len(batch) >= outputFlushLines {
				flush()
			}
		case <-flushAt.C:
			flush()
		}
	}
}

// terminate stops a process group: SIGTERM now, SIGKILL after a grace
// period for processes that ignore it.
func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.AfterFunc(3*time.Second, func() {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	})
}

// schedulePower reports first, acts a moment later; the status frame
// has to leave before the machine goes down.
func (a *Agent) schedulePower(action string) (string, error) {
	if _, err := exec.LookPath("systemctl"); err != nil {
		return "", fmt.Errorf("systemctl not available: %w", err)
	}
	time.AfterFunc(2*time.Second, func() {
		if out, err := exec.Command("systemctl", action).CombinedOutput(); err != nil {
			a.log.Error().Err(err).Str("action", action).Str("output", string(out)).Msg("power action failed")
		}
	})
	return "scheduled " + action, nil
}

func (a *Agent) uninstall() (string, error) {
	// Best effort: drop state, disable the unit, exit. The unit stays
	// on disk for the package manager to clean up.
	if err := os.RemoveAll(a.cfg.StateDir); err != nil {
		a.log.Warn().Err(err).Msg("failed to remove state dir")
	}
	time.AfterFunc(time.Second, func() {
		_ = exec.Command("systemctl", "disable", "--now", "manlab-agent").Run()
		a.Shutdown()
		os.Exit(0)
	})
	return "agent uninstalling", nil
}

// reportServiceStatus queries systemd for each watched unit and ships
// the result as a service snapshot batch.
func (a *Agent) reportServiceStatus(ctx context.Context, units []string) (string, error) {
	if len(units) == 0 {
		return "no units to report", nil
	}

	items := make([]json.RawMessage, 0, len(units))
	for _, unit := range units {
		state := a.queryUnit(ctx, unit)
		item, err := json.Marshal(state)
		if err != nil {
			continue
		}
		items = append(items, item)
	}

	batch := protocol.SnapshotBatch{TakenAt: time.Now().UTC(), Items: items}
	if err := a.ws.SendMessage(protocol.TypeServiceStatus, batch); err != nil {
		return "", fmt.Errorf("send service snapshot: %w", err)
	}
	return fmt.Sprintf("reported %d units", len(items)), nil
}

type unitState struct {
	Unit        string `json:"unit"`
	Active      string `json:"active"`
	State       string `json:"state"`
	Description string `json:"description,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (a *Agent) queryUnit(ctx context.Context, unit string) unitState {
	state := unitState{Unit: unit}
	out, err := exec.CommandContext(ctx, "systemctl", "show", unit,
		"--property=ActiveState,SubState,Description", "--no-pager").Output()
	if err != nil {
		state.Error = err.Error()
		return state
	}
	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "ActiveState":
			state.Active = value
		case "SubState":
			state.State = value
		case "Description":
			state.Description = value
		}
	}
	return state
}

type smartDrive struct {
	Device  string `json:"device"`
	Type    string `json:"type,omitempty"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// collectSmart scans block devices with smartctl and ships the result
// as a SMART snapshot batch. Used by both the smart.scan command and
// the periodic task.
func (a *Agent) collectSmart(ctx context.Context) (string, error) {
	scan, err := exec.CommandContext(ctx, "smartctl", "--scan").Output()
	if err != nil {
		return "", fmt.Errorf("smartctl scan: %w", err)
	}

	var drives []smartDrive
	for _, line := range strings.Split(string(scan), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || !strings.HasPrefix(fields[0], "/dev/") {
			continue
		}
		drive := smartDrive{Device: fields[0]}
		if len(fields) >= 3 && fields[1] == "-d" {
			drive.Type = fields[2]
		}

		out, err := exec.CommandContext(ctx, "smartctl", "-H", drive.Device).CombinedOutput()
		text := string(out)
		switch {
		case strings.Contains(text, "PASSED") || strings.Contains(text, "OK"):
			drive.Healthy = true
		case err != nil:
			drive.Detail = err.Error()
		default:
			drive.Detail = lastNonEmptyLine(text)
		}
		drives = append(drives, drive)
	}

	if len(drives) == 0 {
		return "no drives found", nil
	}

	items := make([]json.RawMessage, 0, len(drives))
	for _, d := range drives {
		if item, err := json.Marshal(d); err == nil {
			items = append(items, item)
		}
	}
	batch := protocol.SnapshotBatch{TakenAt: time.Now().UTC(), Items: items}
	if err := a.ws.SendMessage(protocol.TypeSmartDrives, batch); err != nil {
		return "", fmt.Errorf("send smart snapshot: %w", err)
	}
	return fmt.Sprintf("scanned %d drives", len(drives)), nil
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// runScript writes the script body to a private temp file and runs it
// under the requested interpreter with streamed output.
func (a *Agent) runScript(ctx context.Context, id string, p protocol.ScriptRunPayload) (string, error) {
	if p.Script == "" {
		return "", errors.New("script body required")
	}
	interpreter := p.Interpreter
	if interpreter == "" {
		interpreter = "/bin/sh"
	}

	f, err := os.CreateTemp("", "manlab-script-*")
	if err != nil {
		return "", fmt.Errorf("create script file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.WriteString(p.Script); err != nil {
		f.Close()
		return "", fmt.Errorf("write script: %w", err)
	}
	if err := f.Chmod(0o700); err != nil {
		f.Close()
		return "", fmt.Errorf("chmod script: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	timeout := defaultShellTimeout
	if p.TimeoutSec > 0 {
		timeout = time.Duration(p.TimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(interpreter, path)
	return a.runStreaming(ctx, id, cmd)
}

// applyConfig changes one runtime setting in place. Only keys that are
// safe to flip without a restart are accepted.
func (a *Agent) applyConfig(key, value string) (string, error) {
	switch key {
	case "heartbeat_interval":
		seconds, err := strconv.Atoi(value)
		if err != nil || seconds < 1 {
			return "", fmt.Errorf("invalid heartbeat interval %q", value)
		}
		a.mu.Lock()
		a.interval = time.Duration(seconds) * time.Second
		a.mu.Unlock()
	case "ping_target":
		a.cfg.PingTarget = value
	case "disk_mount":
		a.cfg.DiskMount = value
	case "net_interface":
		a.cfg.NetInterface = value
		a.netMu.Lock()
		a.lastNet = nil
		a.netMu.Unlock()
	case "update_command":
		a.cfg.UpdateCommand = value
	case "top_process_count":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return "", fmt.Errorf("invalid top process count %q", value)
		}
		a.cfg.TopProcessCount = n
	default:
		return "", fmt.Errorf("unknown config key %q", key)
	}
	a.log.Info().Str("key", key).Str("value", value).Msg("config updated")
	return "applied " + key, nil
}

func (a *Agent) updateCommand() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg.UpdateCommand
}

// sendCommandStatus ships one command-status frame.
func (a *Agent) sendCommandStatus(id, status, output, errMsg string, exitCode int) {
	payload := protocol.CommandStatusPayload{
		ID:       id,
		Status:   status,
		Output:   output,
		Error:    errMsg,
		ExitCode: exitCode,
	}
	if err := a.ws.SendMessage(protocol.TypeCommandStatus, payload); err != nil {
		a.log.Error().Err(err).Str("id", id).Str("status", status).Msg("failed to send command status")
		return
	}
	if protocol.TerminalStatus(status) {
		a.log.Info().
			Str("id", id).
			Str("status", status).
			Int("exit_code", exitCode).
			Msg("command finished")
	}
}

// handleLogRead answers a bounded log read. Sources beginning with a
// slash are files; anything else is treated as a journald unit.
func (a *Agent) handleLogRead(env protocol.CommandEnvelope) {
	var p protocol.LogReadPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		a.log.Error().Err(err).Msg("malformed log.read payload")
		return
	}

	reply := protocol.LogContentPayload{SessionID: p.SessionID, Source: p.Source}

	maxBytes := p.MaxBytes
	if maxBytes <= 0 || maxBytes > 4<<20 {
		maxBytes = 1 << 20
	}
	lineCount := p.Lines
	if lineCount <= 0 {
		lineCount = 200
	}
	if lineCount > 5000 {
		lineCount = 5000
	}

	ctx, cancel := context.WithTimeout(a.ctx, 15*time.Second)
	defer cancel()

	var (
		lines     string
		truncated bool
		err       error
	)
	if strings.HasPrefix(p.Source, "/") {
		lines, truncated, err = tailFile(p.Source, lineCount, maxBytes)
	} else {
		lines, truncated, err = readJournal(ctx, p.Source, lineCount, maxBytes)
	}
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Lines = lines
		reply.Truncated = truncated
	}

	if err := a.ws.SendMessage(protocol.TypeLogContent, reply); err != nil {
		a.log.Error().Err(err).Msg("failed to send log content")
	}
}

func readJournal(ctx context.Context, unit string, lineCount int, maxBytes int64) (string, bool, error) {
	out, err := exec.CommandContext(ctx, "journalctl",
		"-u", unit, "-n", strconv.Itoa(lineCount), "--no-pager", "-o", "short-iso").Output()
	if err != nil {
		return "", false, fmt.Errorf("journalctl: %w", err)
	}
	if int64(len(out)) > maxBytes {
		return string(out[int64(len(out))-maxBytes:]), true, nil
	}
	return string(out), false, nil
}

// tailFile returns the last lineCount lines of a file, reading at most
// maxBytes from its end.
func tailFile(path string, lineCount int, maxBytes int64) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", false, err
	}

	truncated := false
	offset := int64(0)
	size := info.Size()
	if size > maxBytes {
		offset = size - maxBytes
		truncated = true
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return "", false, err
	}

	data := make([]byte, size-offset)
	if _, err := io.ReadFull(f, data); err != nil && err != io.ErrUnexpectedEOF {
		return "", false, err
	}

	text := string(data)
	if truncated {
		// Drop the likely partial first line.
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = text[i+1:]
		}
	}

	all := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(all) > lineCount {
		all = all[len(all)-lineCount:]
		truncated = true
	}
	return strings.Join(all, "\n"), truncated, nil
}

// handleNetToolRun executes one network diagnostic and replies with
// its result frame.
func (a *Agent) handleNetToolRun(env protocol.CommandEnvelope) {
	var p protocol.NetToolRunPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		a.log.Error().Err(err).Msg("malformed nettool.run payload")
		return
	}

	ctx, cancel := context.WithTimeout(a.ctx, netToolTimeout)
	defer cancel()

	result := diag.Run(ctx, p.Tool, p.Target, p.Count)
	result.RunID = p.RunID

	if err := a.ws.SendMessage(protocol.TypeNetToolResult, result); err != nil {
		a.log.Error().Err(err).Msg("failed to send nettool result")
	}
}
