package hub

import (
	"encoding/json"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/manlab/manlab/internal/errdefs"
	"github.com/manlab/manlab/internal/protocol"
	"github.com/manlab/manlab/internal/store"
)

// validNetTools are the diagnostics agents and the hub know how to run.
var validNetTools = map[string]bool{"ping": true, "tcp": true, "dns": true}

func validSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return errBadRequest("invalid cron schedule %q: %v", expr, err)
	}
	return nil
}

// reloadMonitors re-registers the scheduler after a config change. A
// failed reload leaves the old schedule running, so it is logged, not
// returned.
func (s *Server) reloadMonitors(r *http.Request) {
	if s.monitors == nil {
		return
	}
	if err := s.monitors.Reload(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("failed to reload monitor schedules")
	}
}

// --- service monitors ---

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	monitors, err := s.db.ListServiceMonitors(r.Context(), nodeID)
	if err != nil {
		respondError(w, err)
		return
	}
	status, err := s.db.ListSnapshots(r.Context(), store.SnapshotService, nodeID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"monitors": monitors,
		"status":   status,
	})
}

func (s *Server) handleReplaceServices(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	if _, err := s.db.GetNode(r.Context(), nodeID); err != nil {
		respondError(w, err)
		return
	}

	var req []struct {
		Unit   string `json:"unit"`
		Notify bool   `json:"notify"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	units := make([]store.ServiceMonitor, 0, len(req))
	for _, u := range req {
		if u.Unit == "" {
			respondError(w, errBadRequest("unit name must not be empty"))
			return
		}
		units = append(units, store.ServiceMonitor{NodeID: nodeID, Unit: u.Unit, Notify: u.Notify})
	}

	if err := s.db.ReplaceServiceMonitors(r.Context(), nodeID, units); err != nil {
		respondError(w, err)
		return
	}

	// Best effort refresh so the dashboard sees fresh status for the
	// new watch list without waiting for the next poll.
	if len(units) > 0 {
		names := make([]string, len(units))
		for i, u := range units {
			names[i] = u.Unit
		}
		payload := mustJSON(protocol.ServicePayload{Units: names})
		if _, err := s.hub.EnqueueCommand(r.Context(), nodeID, protocol.CmdServiceStatus, payload, actorFromContext(r.Context())); err != nil {
			s.log.Debug().Err(err).Str("node_id", nodeID).Msg("service refresh not enqueued")
		}
	}

	s.audit(r.Context(), "services.update", nodeID, map[string]int{"units": len(units)})
	respondJSON(w, http.StatusOK, map[string]int{"units": len(units)})
}

// --- ad-hoc network diagnostics ---

func (s *Server) handleAdhocNetTool(w http.ResponseWriter, r *http.Request) {
	node, err := s.sessionNode(r, "nettools")
	if err != nil {
		respondError(w, err)
		return
	}

	var req struct {
		Tool   string `json:"tool"`
		Target string `json:"target"`
		Count  int    `json:"count"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if !validNetTools[req.Tool] {
		respondError(w, errBadRequest("unknown tool %q", req.Tool))
		return
	}
	if req.Target == "" {
		respondError(w, errBadRequest("target must not be empty"))
		return
	}

	result, err := s.hub.RunNetTool(r.Context(), node.ID, req.Tool, req.Target, req.Count, interactiveTimeout)
	if err != nil {
		respondError(w, err)
		return
	}

	s.audit(r.Context(), "nettool.run", node.ID, map[string]string{"tool": req.Tool, "target": req.Target})
	respondJSON(w, http.StatusOK, result)
}

// --- log and file policies ---

func (s *Server) handleGetLogPolicy(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	policy, err := s.db.GetLogPolicy(r.Context(), nodeID)
	if errdefs.IsNotFound(err) {
		// No row yet means the feature was never configured. The
		// settings page edits this default rather than a 404.
		respondJSON(w, http.StatusOK, store.LogPolicy{NodeID: nodeID})
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, policy)
}

func (s *Server) handlePutLogPolicy(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	if _, err := s.db.GetNode(r.Context(), nodeID); err != nil {
		respondError(w, err)
		return
	}

	var policy store.LogPolicy
	if err := decodeBody(r, &policy); err != nil {
		respondError(w, err)
		return
	}
	policy.NodeID = nodeID
	if policy.Enabled && len(policy.Sources) == 0 {
		respondError(w, errBadRequest("an enabled log policy needs at least one source"))
		return
	}
	if policy.MaxBytes <= 0 {
		policy.MaxBytes = 1 << 20
	}

	if err := s.db.UpsertLogPolicy(r.Context(), policy); err != nil {
		respondError(w, err)
		return
	}
	s.audit(r.Context(), "policy.logs", nodeID, policy)
	respondJSON(w, http.StatusOK, policy)
}

func (s *Server) handleGetFilePolicy(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	policy, err := s.db.GetFilePolicy(r.Context(), nodeID)
	if errdefs.IsNotFound(err) {
		respondJSON(w, http.StatusOK, store.FilePolicy{NodeID: nodeID})
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, policy)
}

func (s *Server) handlePutFilePolicy(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	if _, err := s.db.GetNode(r.Context(), nodeID); err != nil {
		respondError(w, err)
		return
	}

	var policy store.FilePolicy
	if err := decodeBody(r, &policy); err != nil {
		respondError(w, err)
		return
	}
	policy.NodeID = nodeID
	for i, root := range policy.Roots {
		if !path.IsAbs(root) {
			respondError(w, errBadRequest("root %q is not absolute", root))
			return
		}
		policy.Roots[i] = path.Clean(root)
	}
	if policy.Enabled && !policy.System && len(policy.Roots) == 0 {
		respondError(w, errBadRequest("an enabled file policy needs at least one root"))
		return
	}
	if policy.MaxFileBytes <= 0 {
		policy.MaxFileBytes = 4 << 20
	}

	if err := s.db.UpsertFilePolicy(r.Context(), policy); err != nil {
		respondError(w, err)
		return
	}
	s.audit(r.Context(), "policy.files", nodeID, policy)
	respondJSON(w, http.StatusOK, policy)
}

// --- HTTP monitors ---

func (s *Server) handleListHTTPMonitors(w http.ResponseWriter, r *http.Request) {
	monitors, err := s.db.ListHTTPMonitors(r.Context(), false)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, monitors)
}

func normalizeHTTPMonitor(m *store.HTTPMonitor) error {
	if m.Name == "" || m.URL == "" {
		return errBadRequest("name and url are required")
	}
	if m.Method == "" {
		m.Method = http.MethodGet
	}
	if m.ExpectStatus == 0 {
		m.ExpectStatus = http.StatusOK
	}
	if m.TimeoutSec <= 0 {
		m.TimeoutSec = 10
	}
	return validSchedule(m.Schedule)
}

func (s *Server) handleCreateHTTPMonitor(w http.ResponseWriter, r *http.Request) {
	var m store.HTTPMonitor
	if err := decodeBody(r, &m); err != nil {
		respondError(w, err)
		return
	}
	if err := normalizeHTTPMonitor(&m); err != nil {
		respondError(w, err)
		return
	}
	m.ID = uuid.NewString()

	if err := s.db.CreateHTTPMonitor(r.Context(), m); err != nil {
		respondError(w, err)
		return
	}
	s.reloadMonitors(r)
	s.audit(r.Context(), "monitor.http.create", "", m)
	respondJSON(w, http.StatusCreated, m)
}

func (s *Server) handleUpdateHTTPMonitor(w http.ResponseWriter, r *http.Request) {
	var m store.HTTPMonitor
	if err := decodeBody(r, &m); err != nil {
		respondError(w, err)
		return
	}
	m.ID = chi.URLParam(r, "monitorID")
	if err := normalizeHTTPMonitor(&m); err != nil {
		respondError(w, err)
		return
	}

	if err := s.db.UpdateHTTPMonitor(r.Context(), m); err != nil {
		respondError(w, err)
		return
	}
	s.reloadMonitors(r)
	s.audit(r.Context(), "monitor.http.update", "", m)
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteHTTPMonitor(w http.ResponseWriter, r *http.Request) {
	monitorID := chi.URLParam(r, "monitorID")
	if err := s.db.DeleteHTTPMonitor(r.Context(), monitorID); err != nil {
		respondError(w, err)
		return
	}
	s.reloadMonitors(r)
	s.audit(r.Context(), "monitor.http.delete", "", map[string]string{"monitor_id": monitorID})
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleHTTPChecks(w http.ResponseWriter, r *http.Request) {
	checks, err := s.db.RecentHTTPChecks(r.Context(), chi.URLParam(r, "monitorID"), queryInt(r, "limit", 100))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, checks)
}

func (s *Server) handleRunHTTPMonitor(w http.ResponseWriter, r *http.Request) {
	if s.monitors == nil {
		respondError(w, errFeatureDisabled("monitor engine not running"))
		return
	}
	if err := s.monitors.RunHTTPNow(r.Context(), chi.URLParam(r, "monitorID")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// --- traffic monitors ---

func (s *Server) handleListTrafficMonitors(w http.ResponseWriter, r *http.Request) {
	monitors, err := s.db.ListTrafficMonitors(r.Context(), false)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, monitors)
}

func (s *Server) handleCreateTrafficMonitor(w http.ResponseWriter, r *http.Request) {
	var m store.TrafficMonitor
	if err := decodeBody(r, &m); err != nil {
		respondError(w, err)
		return
	}
	if m.Interface == "" {
		respondError(w, errBadRequest("interface is required"))
		return
	}
	if err := validSchedule(m.Schedule); err != nil {
		respondError(w, err)
		return
	}
	m.ID = uuid.NewString()

	if err := s.db.CreateTrafficMonitor(r.Context(), m); err != nil {
		respondError(w, err)
		return
	}
	s.reloadMonitors(r)
	s.audit(r.Context(), "monitor.traffic.create", "", m)
	respondJSON(w, http.StatusCreated, m)
}

func (s *Server) handleUpdateTrafficMonitor(w http.ResponseWriter, r *http.Request) {
	var m store.TrafficMonitor
	if err := decodeBody(r, &m); err != nil {
		respondError(w, err)
		return
	}
	m.ID = chi.URLParam(r, "monitorID")
	if m.Interface == "" {
		respondError(w, errBadRequest("interface is required"))
		return
	}
	if err := validSchedule(m.Schedule); err != nil {
		respondError(w, err)
		return
	}

	if err := s.db.UpdateTrafficMonitor(r.Context(), m); err != nil {
		respondError(w, err)
		return
	}
	s.reloadMonitors(r)
	s.audit(r.Context(), "monitor.traffic.update", "", m)
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteTrafficMonitor(w http.ResponseWriter, r *http.Request) {
	monitorID := chi.URLParam(r, "monitorID")
	if err := s.db.DeleteTrafficMonitor(r.Context(), monitorID); err != nil {
		respondError(w, err)
		return
	}
	s.reloadMonitors(r)
	s.audit(r.Context(), "monitor.traffic.delete", "", map[string]string{"monitor_id": monitorID})
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleTrafficSamples(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeRange(r, 24*time.Hour)
	if err != nil {
		respondError(w, err)
		return
	}
	samples, err := s.db.RecentTrafficSamples(r.Context(), chi.URLParam(r, "monitorID"), from, to, queryInt(r, "limit", 500))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, samples)
}

// --- scheduled network tools ---

func (s *Server) normalizeNetTool(r *http.Request, n *store.NetToolConfig) error {
	if !validNetTools[n.Tool] {
		return errBadRequest("unknown tool %q", n.Tool)
	}
	if n.Target == "" {
		return errBadRequest("target must not be empty")
	}
	if err := validSchedule(n.Schedule); err != nil {
		return err
	}
	if n.NodeID != "" {
		if _, err := s.db.GetNode(r.Context(), n.NodeID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleListNetTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.db.ListNetTools(r.Context(), false)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tools)
}

func (s *Server) handleCreateNetTool(w http.ResponseWriter, r *http.Request) {
	var n store.NetToolConfig
	if err := decodeBody(r, &n); err != nil {
		respondError(w, err)
		return
	}
	if err := s.normalizeNetTool(r, &n); err != nil {
		respondError(w, err)
		return
	}
	n.ID = uuid.NewString()

	if err := s.db.CreateNetTool(r.Context(), n); err != nil {
		respondError(w, err)
		return
	}
	s.reloadMonitors(r)
	s.audit(r.Context(), "monitor.nettool.create", n.NodeID, n)
	respondJSON(w, http.StatusCreated, n)
}

func (s *Server) handleUpdateNetTool(w http.ResponseWriter, r *http.Request) {
	var n store.NetToolConfig
	if err := decodeBody(r, &n); err != nil {
		respondError(w, err)
		return
	}
	n.ID = chi.URLParam(r, "configID")
	if err := s.normalizeNetTool(r, &n); err != nil {
		respondError(w, err)
		return
	}

	if err := s.db.UpdateNetTool(r.Context(), n); err != nil {
		respondError(w, err)
		return
	}
	s.reloadMonitors(r)
	s.audit(r.Context(), "monitor.nettool.update", n.NodeID, n)
	respondJSON(w, http.StatusOK, n)
}

func (s *Server) handleDeleteNetTool(w http.ResponseWriter, r *http.Request) {
	configID := chi.URLParam(r, "configID")
	if err := s.db.DeleteNetTool(r.Context(), configID); err != nil {
		respondError(w, err)
		return
	}
	s.reloadMonitors(r)
	s.audit(r.Context(), "monitor.nettool.delete", "", map[string]string{"config_id": configID})
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRunNetTool(w http.ResponseWriter, r *http.Request) {
	if s.monitors == nil {
		respondError(w, errFeatureDisabled("monitor engine not running"))
		return
	}
	configID := chi.URLParam(r, "configID")
	if err := s.monitors.RunNetToolNow(r.Context(), configID); err != nil {
		respondError(w, err)
		return
	}

	cfg, err := s.db.GetNetTool(r.Context(), configID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// --- settings and audit ---

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.db.AllSettings(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		respondError(w, errBadRequest("failed to read body: %v", err))
		return
	}
	if !json.Valid(body) {
		respondError(w, errBadRequest("setting value must be valid JSON"))
		return
	}

	if err := s.db.SetSetting(r.Context(), key, body); err != nil {
		respondError(w, err)
		return
	}
	s.audit(r.Context(), "settings.update", "", map[string]string{"key": key})
	respondJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeRange(r, 7*24*time.Hour)
	if err != nil {
		respondError(w, err)
		return
	}
	events, err := s.db.QueryAudit(r.Context(),
		r.URL.Query().Get("actor"),
		r.URL.Query().Get("node_id"),
		from, to,
		queryInt(r, "limit", 100),
		queryInt(r, "offset", 0))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}
