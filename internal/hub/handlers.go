package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/manlab/manlab/internal/errdefs"
	"github.com/manlab/manlab/internal/store"
)

type contextKey string

const actorKey contextKey = "actor"

func withActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func actorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey).(string); ok {
		return actor
	}
	return ""
}

// respondJSON writes a JSON response body.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// respondError maps a taxonomy error onto its HTTP status.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errdefs.IsNotFound(err):
		status = http.StatusNotFound
	case errdefs.IsUnauthorized(err):
		status = http.StatusUnauthorized
	case errdefs.IsPolicyViolation(err), errdefs.IsFeatureDisabled(err):
		status = http.StatusForbidden
	case errdefs.IsConflict(err):
		status = http.StatusConflict
	case errdefs.IsBadRequest(err):
		status = http.StatusBadRequest
	case errdefs.IsTimeout(err):
		status = http.StatusGatewayTimeout
	case errdefs.IsTransport(err):
		status = http.StatusBadGateway
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeBody parses a JSON request body.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errBadRequest("invalid request body: %v", err)
	}
	return nil
}

// audit records an operator action. Failures are logged and swallowed;
// auditing never blocks the audited operation.
func (s *Server) audit(ctx context.Context, action, nodeID string, detail any) {
	var raw json.RawMessage
	if detail != nil {
		if data, err := json.Marshal(detail); err == nil {
			raw = data
		}
	}
	err := s.db.InsertAudit(ctx, store.AuditEvent{
		Actor:     actorFromContext(ctx),
		Action:    action,
		NodeID:    nodeID,
		Detail:    raw,
		CreatedAt: time.Now(),
	})
	if err != nil {
		s.log.Error().Err(err).Str("action", action).Msg("failed to write audit event")
	}
}

// deny audits a refused privileged request, then reports it.
func (s *Server) deny(w http.ResponseWriter, r *http.Request, action, nodeID string, err error) {
	s.audit(r.Context(), action+".denied", nodeID, map[string]string{"reason": err.Error()})
	respondError(w, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": s.hub.registry.Count(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if s.auth.IsRateLimited(ip) {
		respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many login attempts"})
		return
	}

	var req struct {
		Password string `json:"password"`
		TOTPCode string `json:"totp_code"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	token, err := s.auth.Login(req.Password, req.TOTPCode)
	if err != nil {
		s.log.Warn().Str("ip", ip).Msg("failed login attempt")
		s.audit(r.Context(), "login.denied", "", map[string]string{"ip": ip})
		respondError(w, err)
		return
	}

	s.auth.ResetRateLimit(ip)
	s.audit(withActor(r.Context(), "admin"), "login", "", map[string]string{"ip": ip})
	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.db.ListNodes(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	online := 0
	for i := range nodes {
		if nodes[i].Status == store.NodeOnline {
			online++
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"nodes":        nodes,
		"nodes_online": online,
		"dashboards":   s.hub.DashboardCount(),
		"streams":      s.hub.streams.Count(),
		"sessions": map[string]int{
			"terminal": s.hub.terminals.Len(),
			"log":      s.hub.logSessions.Len(),
			"file":     s.hub.fileSessions.Len(),
			"download": s.hub.downloads.Len(),
		},
	})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.db.ListNodes(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.db.GetNode(r.Context(), chi.URLParam(r, "nodeID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, node)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")

	// A connected agent would just re-register; force it off first.
	if client := s.hub.Agent(nodeID); client != nil {
		_ = client.sendMessage("superseded", nil)
		_ = client.conn.Close()
	}

	if err := s.db.DeleteNode(r.Context(), nodeID); err != nil {
		respondError(w, err)
		return
	}
	s.audit(r.Context(), "node.delete", nodeID, nil)
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleLatestTelemetry(w http.ResponseWriter, r *http.Request) {
	sample, err := s.db.LatestTelemetry(r.Context(), chi.URLParam(r, "nodeID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sample)
}

func (s *Server) handleRefreshTelemetry(w http.ResponseWriter, r *http.Request) {
	node, err := s.db.GetNode(r.Context(), chi.URLParam(r, "nodeID"))
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.hub.RequestTelemetry(node.ID); err != nil {
		respondError(w, err)
		return
	}
	// The sample arrives over the agent socket and flows through the
	// normal intake; there is nothing to return yet.
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (s *Server) handleTelemetryHistory(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	from, to, err := timeRange(r, 24*time.Hour)
	if err != nil {
		respondError(w, err)
		return
	}

	bucket := store.RollupBucket(r.URL.Query().Get("bucket"))
	if bucket == "" {
		bucket = store.BucketRaw
	}

	switch bucket {
	case store.BucketRaw:
		samples, err := s.db.RawTelemetry(r.Context(), nodeID, from, to, queryInt(r, "limit", 1000))
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, samples)
	case store.BucketHour, store.BucketDay:
		points, err := s.db.TelemetryHistory(r.Context(), nodeID, from, to, bucket)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, points)
	default:
		respondError(w, errBadRequest("bucket must be raw, hour, or day"))
	}
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	kind := store.SnapshotKind(chi.URLParam(r, "kind"))
	snaps, err := s.db.ListSnapshots(r.Context(), kind, chi.URLParam(r, "nodeID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleProcessAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.db.RecentProcessAlerts(r.Context(), chi.URLParam(r, "nodeID"), queryInt(r, "limit", 100))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")

	var req struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	cmd, err := s.hub.dispatcher.Enqueue(r.Context(), nodeID, req.Type, req.Payload, actorFromContext(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}

	s.audit(r.Context(), "command.enqueue", nodeID, map[string]string{"command_id": cmd.ID, "type": cmd.Type})
	respondJSON(w, http.StatusAccepted, cmd)
}

func (s *Server) handleCommandHistory(w http.ResponseWriter, r *http.Request) {
	cmds, err := s.db.CommandHistory(r.Context(), chi.URLParam(r, "nodeID"),
		queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cmds)
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.db.GetCommand(r.Context(), chi.URLParam(r, "commandID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "commandID")
	cmd, err := s.hub.dispatcher.Cancel(r.Context(), id, actorFromContext(r.Context()))
	if err != nil {
		respondError(w, err)
		return
	}
	s.audit(r.Context(), "command.cancel", cmd.NodeID, map[string]string{"command_id": id})
	respondJSON(w, http.StatusOK, cmd)
}

// timeRange parses from/to query parameters (RFC 3339), defaulting to
// the trailing window.
func timeRange(r *http.Request, window time.Duration) (time.Time, time.Time, error) {
	now := time.Now()
	from := now.Add(-window)
	to := now

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, errBadRequest("invalid from: %v", err)
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, errBadRequest("invalid to: %v", err)
		}
		to = t
	}
	if !from.Before(to) {
		return from, to, errBadRequest("from must precede to")
	}
	return from, to, nil
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
