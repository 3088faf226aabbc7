package agent

import (
	"os"
	"os/exec"

	"github.com/creack/pty"

	"github.com/manlab/manlab/internal/protocol"
)

// terminalSession is one PTY-backed shell bound to a hub session id.
type terminalSession struct {
	id   string
	ptmx *os.File
	cmd  *exec.Cmd
}

// handleTerminalOpen starts a shell on a fresh PTY and begins pumping
// its output to the hub. Failures surface as terminal output; the hub
// has no other channel for this session.
func (a *Agent) handleTerminalOpen(env protocol.CommandEnvelope) {
	var p protocol.TerminalOpenPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		a.log.Error().Err(err).Msg("malformed terminal.open payload")
		return
	}

	a.termMu.Lock()
	if _, exists := a.terminals[p.SessionID]; exists {
		a.termMu.Unlock()
		a.log.Warn().Str("session_id", p.SessionID).Msg("terminal session already open")
		return
	}
	a.termMu.Unlock()

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	rows, cols := p.Rows, p.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		a.log.Error().Err(err).Str("session_id", p.SessionID).Msg("failed to open pty")
		a.sendTerminalOutput(p.SessionID, []byte("failed to open terminal: "+err.Error()+"\r\n"))
		return
	}

	sess := &terminalSession{id: p.SessionID, ptmx: ptmx, cmd: cmd}

	a.termMu.Lock()
	a.terminals[p.SessionID] = sess
	a.termMu.Unlock()

	a.log.Info().Str("session_id", p.SessionID).Str("shell", shell).Msg("terminal opened")

	go a.terminalOutputLoop(sess)
}

// terminalOutputLoop forwards PTY output until the shell exits or the
// session is closed.
func (a *Agent) terminalOutputLoop(sess *terminalSession) {
	defer a.closeTerminal(sess.id)

	buf := make([]byte, 4096)
	for {
		n, err := sess.ptmx.Read(buf)
		if n > 0 {
			a.sendTerminalOutput(sess.id, buf[:n])
		}
		if err != nil {
			a.log.Debug().Err(err).Str("session_id", sess.id).Msg("terminal read ended")
			return
		}
	}
}

func (a *Agent) handleTerminalInput(env protocol.CommandEnvelope) {
	var p protocol.TerminalInputPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		a.log.Error().Err(err).Msg("malformed terminal.input payload")
		return
	}

	a.termMu.Lock()
	sess := a.terminals[p.SessionID]
	a.termMu.Unlock()

	if sess == nil {
		a.log.Warn().Str("session_id", p.SessionID).Msg("input for unknown terminal session")
		return
	}
	if _, err := sess.ptmx.Write(p.Data); err != nil {
		a.log.Debug().Err(err).Str("session_id", p.SessionID).Msg("terminal write failed")
	}
}

func (a *Agent) handleTerminalClose(env protocol.CommandEnvelope) {
	var p protocol.TerminalClosePayload
	if err := decodePayload(env.Payload, &p); err != nil {
		a.log.Error().Err(err).Msg("malformed terminal.close payload")
		return
	}
	a.closeTerminal(p.SessionID)
}

// closeTerminal tears one session down. Idempotent; the output loop
// and an explicit close both end up here.
func (a *Agent) closeTerminal(sessionID string) {
	a.termMu.Lock()
	sess := a.terminals[sessionID]
	delete(a.terminals, sessionID)
	a.termMu.Unlock()

	if sess == nil {
		return
	}

	_ = sess.ptmx.Close()
	if sess.cmd.Process != nil {
		_ = sess.cmd.Process.Kill()
	}
	go func() { _ = sess.cmd.Wait() }()

	a.log.Info().Str("session_id", sessionID).Msg("terminal closed")
}

// closeTerminals tears down every open session at shutdown.
func (a *Agent) closeTerminals() {
	a.termMu.Lock()
	ids := make([]string, 0, len(a.terminals))
	for id := range a.terminals {
		ids = append(ids, id)
	}
	a.termMu.Unlock()

	for _, id := range ids {
		a.closeTerminal(id)
	}
}

func (a *Agent) sendTerminalOutput(sessionID string, data []byte) {
	payload := protocol.TerminalOutputPayload{SessionID: sessionID, Data: data}
	if err := a.ws.SendMessage(protocol.TypeTerminalOutput, payload); err != nil {
		a.log.Debug().Err(err).Str("session_id", sessionID).Msg("failed to send terminal output")
	}
}
