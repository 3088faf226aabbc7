// Package agent implements the ManLab node agent: a single process that
// keeps a WebSocket session to the hub, reports telemetry, and executes
// commands the hub pushes down.
package agent

import (
	"context"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/manlab/manlab/internal/config"
	"github.com/manlab/manlab/internal/protocol"
)

// Version is the agent version, reported at registration.
const Version = "1.4.2"

// Agent coordinates the connection, the heartbeat loop, and command
// execution.
type Agent struct {
	cfg    *config.Config
	log    zerolog.Logger
	ws     *WebSocketClient
	spool  *Spool
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	nodeID     string
	registered bool
	interval   time.Duration

	cmdMu   sync.Mutex
	running map[string]*runningCommand

	taskMu sync.Mutex
	tasks  map[string]bool

	termMu    sync.Mutex
	terminals map[string]*terminalSession

	upMu    sync.Mutex
	uploads map[string]*upload

	netMu     sync.Mutex
	lastNet   *netSample
	replaying sync.Mutex
}

// New creates an agent. The state directory is created if missing; a
// spool that cannot be opened is a startup error.
func New(cfg *config.Config, log zerolog.Logger) (*Agent, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:       cfg,
		log:       log.With().Str("component", "agent").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		interval:  cfg.HeartbeatInterval,
		running:   make(map[string]*runningCommand),
		terminals: make(map[string]*terminalSession),
		uploads:   make(map[string]*upload),
		tasks:     map[string]bool{"smart": cfg.Capabilities["smart"]},
	}

	spool, err := OpenSpool(cfg.SpoolPath())
	if err != nil {
		cancel()
		return nil, err
	}
	a.spool = spool

	if data, err := os.ReadFile(cfg.NodeIDPath()); err == nil {
		a.nodeID = strings.TrimSpace(string(data))
	}
	return a, nil
}

// Run starts the agent and blocks until shutdown.
func (a *Agent) Run() error {
	a.log.Info().
		Str("hostname", a.cfg.Hostname).
		Str("url", a.cfg.HubURL).
		Str("node_id", a.NodeID()).
		Str("version", Version).
		Msg("starting agent")

	a.ws = NewWebSocketClient(a.cfg, a.log, a)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.messageLoop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.taskLoop()
	}()

	// Connection loop blocks until shutdown.
	a.ws.Run(a.ctx)

	wg.Wait()

	a.closeTerminals()
	if err := a.spool.Close(); err != nil {
		a.log.Debug().Err(err).Msg("error closing spool")
	}

	a.log.Info().Msg("agent stopped")
	return nil
}

// Shutdown initiates graceful shutdown.
func (a *Agent) Shutdown() {
	a.log.Info().Msg("shutting down")
	a.cancel()
	if a.ws != nil {
		if err := a.ws.Close(); err != nil {
			a.log.Debug().Err(err).Msg("error closing websocket")
		}
	}
}

// OnConnected is called when the WebSocket connects.
func (a *Agent) OnConnected() {
	a.log.Info().Msg("connected to hub")

	kernel, _ := host.KernelVersion()

	payload := protocol.RegisterPayload{
		NodeID:       a.NodeID(),
		Hostname:     a.cfg.Hostname,
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		KernelVer:    kernel,
		AgentVersion: Version,
		Interface:    a.cfg.NetInterface,
		MACAddress:   macAddress(a.cfg.NetInterface),
		Capabilities: a.cfg.Capabilities,
	}

	if err := a.ws.SendMessage(protocol.TypeRegister, payload); err != nil {
		a.log.Error().Err(err).Msg("failed to send registration")
		return
	}

	a.log.Debug().Msg("registration sent")
}

// OnDisconnected is called when the WebSocket disconnects.
func (a *Agent) OnDisconnected() {
	a.mu.Lock()
	a.registered = false
	a.mu.Unlock()
	a.log.Warn().Msg("disconnected from hub")
}

// OnMessage is called for each incoming message.
func (a *Agent) OnMessage(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeRegistered:
		var payload protocol.RegisteredPayload
		if err := msg.ParsePayload(&payload); err != nil {
			a.log.Error().Err(err).Msg("failed to parse registered payload")
			return
		}
		a.onRegistered(payload)

	case protocol.TypeCommand:
		var env protocol.CommandEnvelope
		if err := msg.ParsePayload(&env); err != nil {
			a.log.Error().Err(err).Msg("failed to parse command envelope")
			return
		}
		a.handleCommand(env)

	case protocol.TypeCancelCommand:
		var payload protocol.CancelCommandPayload
		if err := msg.ParsePayload(&payload); err != nil {
			a.log.Error().Err(err).Msg("failed to parse cancel payload")
			return
		}
		a.cancelCommand(payload.ID)

	case protocol.TypeRequestTelemetry:
		go a.sendHeartbeat()

	case protocol.TypeStreamAck:
		var payload protocol.StreamAckPayload
		if err := msg.ParsePayload(&payload); err != nil {
			return
		}
		a.ackStream(payload.StreamID)

	case protocol.TypeStreamCancel:
		var payload protocol.StreamCancelPayload
		if err := msg.ParsePayload(&payload); err != nil {
			return
		}
		a.cancelStream(payload.StreamID, payload.Reason)

	case protocol.TypeSuperseded:
		// Another live session registered with our node id. Exiting
		// makes the duplicate install visible instead of having two
		// agents silently fight over one identity.
		a.log.Error().Msg("session superseded by another agent, exiting")
		a.Shutdown()
		os.Exit(1)

	default:
		a.log.Warn().Str("type", msg.Type).Msg("unknown message type")
	}
}

// onRegistered stores the hub-assigned identity and interval, then
// pushes a first heartbeat and any spooled samples.
func (a *Agent) onRegistered(payload protocol.RegisteredPayload) {
	a.mu.Lock()
	a.registered = true
	changed := payload.NodeID != "" && payload.NodeID != a.nodeID
	if changed {
		a.nodeID = payload.NodeID
	}
	if payload.HeartbeatInterval > 0 {
		a.interval = time.Duration(payload.HeartbeatInterval) * time.Second
	}
	a.mu.Unlock()

	if changed {
		if err := os.WriteFile(a.cfg.NodeIDPath(), []byte(payload.NodeID+"\n"), 0o600); err != nil {
			a.log.Error().Err(err).Msg("failed to persist node id")
		}
	}

	a.log.Info().Str("node_id", payload.NodeID).Msg("registered with hub")

	go a.sendHeartbeat()
	go a.replaySpool()
}

// NodeID returns the hub-assigned node identity, empty before the
// first registration.
func (a *Agent) NodeID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nodeID
}

// IsRegistered returns whether the agent is registered with the hub.
func (a *Agent) IsRegistered() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.registered
}

func (a *Agent) heartbeatInterval() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.interval
}

// messageLoop handles incoming messages.
func (a *Agent) messageLoop() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case msg := <-a.ws.Messages():
			if msg != nil {
				a.OnMessage(msg)
			}
		}
	}
}

// taskLoop drives periodic collector tasks. SMART is the only one so
// far; it reports on a slow cadence because smartctl wakes drives.
func (a *Agent) taskLoop() {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if a.taskEnabled("smart") && a.IsRegistered() {
				if _, err := a.collectSmart(a.ctx); err != nil {
					a.log.Debug().Err(err).Msg("smart collection failed")
				}
			}
		}
	}
}

func (a *Agent) taskEnabled(task string) bool {
	a.taskMu.Lock()
	defer a.taskMu.Unlock()
	return a.tasks[task]
}

func (a *Agent) setTask(task string, enabled bool) bool {
	a.taskMu.Lock()
	defer a.taskMu.Unlock()
	if _, ok := a.tasks[task]; !ok {
		return false
	}
	a.tasks[task] = enabled
	return true
}

func macAddress(ifaceName string) string {
	if ifaceName != "" {
		if iface, err := net.InterfaceByName(ifaceName); err == nil {
			return iface.HardwareAddr.String()
		}
		return ""
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		if iface.Flags&net.FlagUp != 0 {
			return iface.HardwareAddr.String()
		}
	}
	return ""
}
