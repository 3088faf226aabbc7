package hub

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/manlab/manlab/internal/bus"
	"github.com/manlab/manlab/internal/protocol"
	"github.com/manlab/manlab/internal/store"
)

// Server is the hub's HTTP front: WebSocket endpoints for agents and
// dashboards plus the REST API.
type Server struct {
	cfg       *Config
	db        *store.Store
	log       zerolog.Logger
	auth      *AuthService
	hub       *Hub
	broker    *bus.Broker
	alerts    *AlertEngine
	memory    *MemoryWatcher
	resources *ResourcePublisher
	monitors  MonitorRunner
	router    *chi.Mux
	upgrader  websocket.Upgrader
}

// MonitorRunner is the slice of the monitor engine the REST API needs.
// Wired after construction to keep the engine's dependencies pointing
// at the hub, not the other way around.
type MonitorRunner interface {
	RunHTTPNow(ctx context.Context, monitorID string) error
	RunNetToolNow(ctx context.Context, configID string) error
	Reload(ctx context.Context) error
}

// New creates the hub server and everything behind it.
func New(cfg *Config, db *store.Store, log zerolog.Logger, broker *bus.Broker) (*Server, error) {
	// Mark all nodes offline on startup; no agent can be connected
	// before this process accepts its first socket.
	if n, err := db.MarkAllNodesOffline(context.Background()); err != nil {
		log.Warn().Err(err).Msg("failed to reset node status on startup")
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("marked nodes offline on startup (will reconnect)")
	}

	h := NewHub(log, cfg, db, broker)

	alerts, err := NewAlertEngine(h)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		db:        db,
		log:       log.With().Str("component", "server").Logger(),
		auth:      NewAuthService(cfg),
		hub:       h,
		broker:    broker,
		alerts:    alerts,
		memory:    NewMemoryWatcher(h),
		resources: NewResourcePublisher(h, alerts),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupRouter()
	return s, nil
}

// Hub exposes the hub core, mainly for wiring and tests.
func (s *Server) Hub() *Hub {
	return s.hub
}

// AttachMonitors wires the monitor engine into the REST API and routes
// scheduled nettool results to it.
func (s *Server) AttachMonitors(m MonitorRunner, onNetTool func(nodeID string, p protocol.NetToolResultPayload)) {
	s.monitors = m
	s.hub.onNetTool = onNetTool
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	// Public routes
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", MetricsHandler())
	r.Post("/api/login", s.handleLogin)

	// WebSocket endpoints
	r.Get("/hubs/agent", s.handleAgentSocket)
	r.Get("/hubs/dashboard", s.handleDashboardSocket)

	// Protected API
	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/overview", s.handleOverview)

		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", s.handleListNodes)
			r.Route("/{nodeID}", func(r chi.Router) {
				r.Get("/", s.handleGetNode)
				r.Delete("/", s.handleDeleteNode)
				r.Get("/telemetry", s.handleLatestTelemetry)
				r.Post("/telemetry/refresh", s.handleRefreshTelemetry)
				r.Get("/telemetry/history", s.handleTelemetryHistory)
				r.Get("/snapshots/{kind}", s.handleSnapshots)
				r.Get("/alerts", s.handleProcessAlerts)

				r.Post("/commands", s.handleEnqueueCommand)
				r.Get("/commands", s.handleCommandHistory)

				r.Get("/services", s.handleListServices)
				r.Put("/services", s.handleReplaceServices)

				r.Post("/logs/session", s.handleOpenLogSession)
				r.Post("/files/session", s.handleOpenFileSession)
				r.Post("/terminal", s.handleOpenTerminal)
				r.Get("/terminals", s.handleTerminalHistory)
				r.Post("/nettool", s.handleAdhocNetTool)

				r.Get("/policies/logs", s.handleGetLogPolicy)
				r.Put("/policies/logs", s.handlePutLogPolicy)
				r.Get("/policies/files", s.handleGetFilePolicy)
				r.Put("/policies/files", s.handlePutFilePolicy)
			})
		})

		r.Route("/commands", func(r chi.Router) {
			r.Get("/{commandID}", s.handleGetCommand)
			r.Post("/{commandID}/cancel", s.handleCancelCommand)
		})

		r.Route("/logs/{sessionID}", func(r chi.Router) {
			r.Post("/read", s.handleLogRead)
			r.Delete("/", s.handleCloseLogSession)
		})

		r.Route("/files/{sessionID}", func(r chi.Router) {
			r.Post("/list", s.handleFileList)
			r.Post("/read", s.handleFileRead)
			r.Post("/download", s.handlePrepareDownload)
			r.Post("/zip", s.handlePrepareZip)
			r.Delete("/", s.handleCloseFileSession)
		})

		r.Get("/downloads/{streamID}", s.handleDownload)

		r.Route("/terminals/{sessionID}", func(r chi.Router) {
			r.Post("/input", s.handleTerminalInput)
			r.Delete("/", s.handleCloseTerminal)
		})

		r.Route("/monitors", func(r chi.Router) {
			r.Route("/http", func(r chi.Router) {
				r.Get("/", s.handleListHTTPMonitors)
				r.Post("/", s.handleCreateHTTPMonitor)
				r.Put("/{monitorID}", s.handleUpdateHTTPMonitor)
				r.Delete("/{monitorID}", s.handleDeleteHTTPMonitor)
				r.Get("/{monitorID}/checks", s.handleHTTPChecks)
				r.Post("/{monitorID}/run", s.handleRunHTTPMonitor)
			})
			r.Route("/traffic", func(r chi.Router) {
				r.Get("/", s.handleListTrafficMonitors)
				r.Post("/", s.handleCreateTrafficMonitor)
				r.Put("/{monitorID}", s.handleUpdateTrafficMonitor)
				r.Delete("/{monitorID}", s.handleDeleteTrafficMonitor)
				r.Get("/{monitorID}/samples", s.handleTrafficSamples)
			})
			r.Route("/nettools", func(r chi.Router) {
				r.Get("/", s.handleListNetTools)
				r.Post("/", s.handleCreateNetTool)
				r.Put("/{configID}", s.handleUpdateNetTool)
				r.Delete("/{configID}", s.handleDeleteNetTool)
				r.Post("/{configID}/run", s.handleRunNetTool)
			})
		})

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings/{key}", s.handlePutSetting)
		r.Get("/audit", s.handleAudit)
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin validates the Origin header for browser connections.
// Agents send no Origin and always pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// requireAuth validates the dashboard token. The Authorization header
// wins; a token query parameter is accepted for browser-initiated
// downloads that cannot set headers.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		subject, err := s.auth.ValidateToken(token)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), subject)))
	})
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// handleAgentSocket upgrades an agent connection.
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		// Some WebSocket clients cannot set headers.
		token = r.URL.Query().Get("token")
	}
	if !s.auth.ValidateAgentToken(token) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("agent WebSocket upgrade failed")
		return
	}

	// The node ID is set after the register frame.
	client := newClient(s.hub, conn, clientAgent, "", remoteIP(r))
	s.hub.register <- client
	go client.writePump()
	go client.readPump()
}

// handleDashboardSocket upgrades a dashboard connection.
func (s *Server) handleDashboardSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if _, err := s.auth.ValidateToken(token); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("dashboard WebSocket upgrade failed")
		return
	}

	client := newClient(s.hub, conn, clientDashboard, uuid.NewString(), remoteIP(r))
	s.hub.register <- client
	go client.writePump()
	go client.readPump()
}

func remoteIP(r *http.Request) string {
	// middleware.RealIP already folded X-Forwarded-For into RemoteAddr.
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.HasSuffix(host, "]") {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}

// Run starts the background loops and serves HTTP until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.broker.Start()
	defer s.broker.Stop()

	go s.hub.Run(ctx)
	go s.hub.registry.Watch(ctx)
	go s.hub.dispatcher.Sweep(ctx)
	go s.hub.streams.Sweep(ctx)
	go s.hub.terminals.Sweep(ctx, s.cfg.SessionSweepEvery)
	go s.hub.logSessions.Sweep(ctx, s.cfg.SessionSweepEvery)
	go s.hub.fileSessions.Sweep(ctx, s.cfg.SessionSweepEvery)
	go s.hub.downloads.Sweep(ctx, s.cfg.SessionSweepEvery)
	go s.hub.intake.Run(ctx)
	go s.alerts.Run(ctx)
	go s.memory.Run(ctx)
	go s.resources.Run(ctx)

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting hub server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
