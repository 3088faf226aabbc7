package hub

import (
	"errors"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/manlab/manlab/internal/errdefs"
	"github.com/manlab/manlab/internal/protocol"
	"github.com/manlab/manlab/internal/store"
)

// How long an interactive request may wait for the agent's answer.
const interactiveTimeout = 30 * time.Second

// sessionNode loads a node and checks the capability gating the
// session kind.
func (s *Server) sessionNode(r *http.Request, capability string) (*store.Node, error) {
	node, err := s.db.GetNode(r.Context(), chi.URLParam(r, "nodeID"))
	if err != nil {
		return nil, err
	}
	if !node.HasCapability(capability) {
		return nil, errFeatureDisabled("node %s has capability %q disabled", node.Hostname, capability)
	}
	return node, nil
}

// sendEnvelope delivers one interactive command frame to an agent.
// Interactive operations bypass the durable queue; an offline node
// fails immediately.
func (s *Server) sendEnvelope(nodeID, cmdType string, payload any) error {
	return s.hub.SendToAgent(nodeID, protocol.TypeCommand, protocol.CommandEnvelope{
		ID:      uuid.NewString(),
		Type:    cmdType,
		Payload: mustJSON(payload),
	})
}

func (s *Server) handleOpenLogSession(w http.ResponseWriter, r *http.Request) {
	node, err := s.sessionNode(r, "logs")
	if err != nil {
		respondError(w, err)
		return
	}

	policy, err := s.db.GetLogPolicy(r.Context(), node.ID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			err = errPolicy("node %s has no log viewer policy", node.Hostname)
		}
		respondError(w, err)
		return
	}
	if !policy.Enabled {
		respondError(w, errPolicy("log viewer disabled for node %s", node.Hostname))
		return
	}

	var req struct {
		TTLSec int `json:"ttl_sec"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			respondError(w, err)
			return
		}
	}

	sessionID := uuid.NewString()
	sess := &LogSession{
		ID:        sessionID,
		NodeID:    node.ID,
		Policy:    *policy,
		CreatedBy: actorFromContext(r.Context()),
	}
	if err := s.hub.logSessions.Put(sessionID, sess, time.Duration(req.TTLSec)*time.Second); err != nil {
		respondError(w, err)
		return
	}

	s.audit(r.Context(), "logs.open", node.ID, map[string]string{"session_id": sessionID})
	respondJSON(w, http.StatusCreated, map[string]any{
		"session_id": sessionID,
		"sources":    policy.Sources,
		"max_bytes":  policy.MaxBytes,
	})
}

func (s *Server) handleLogRead(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, ok := s.hub.logSessions.Get(sessionID)
	if !ok {
		respondError(w, errNotFound("log session", sessionID))
		return
	}

	var req struct {
		Source string `json:"source"`
		Tail   bool   `json:"tail"`
		Lines  int    `json:"lines"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := sess.AllowSource(req.Source); err != nil {
		s.deny(w, r, "logs.read", sess.NodeID, err)
		return
	}

	payload, err := s.hub.replies.wait(r.Context(), replyKeyLog(sessionID), interactiveTimeout, func() error {
		return s.sendEnvelope(sess.NodeID, protocol.CmdLogRead, protocol.LogReadPayload{
			SessionID: sessionID,
			Source:    req.Source,
			Tail:      req.Tail,
			Lines:     req.Lines,
			MaxBytes:  sess.Policy.MaxBytes,
		})
	})
	if err != nil {
		respondError(w, err)
		return
	}

	s.hub.logSessions.Touch(sessionID)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func (s *Server) handleCloseLogSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := s.hub.logSessions.Remove(sessionID); !ok {
		respondError(w, errNotFound("log session", sessionID))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleOpenFileSession(w http.ResponseWriter, r *http.Request) {
	node, err := s.sessionNode(r, "files")
	if err != nil {
		respondError(w, err)
		return
	}

	policy, err := s.db.GetFilePolicy(r.Context(), node.ID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			err = errPolicy("node %s has no file browser policy", node.Hostname)
		}
		respondError(w, err)
		return
	}
	if !policy.Enabled {
		respondError(w, errPolicy("file browser disabled for node %s", node.Hostname))
		return
	}

	var req struct {
		System bool `json:"system"`
		TTLSec int  `json:"ttl_sec"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			respondError(w, err)
			return
		}
	}
	if req.System && !policy.System {
		s.deny(w, r, "files.open", node.ID, errPolicy("system file browsing not allowed for node %s", node.Hostname))
		return
	}

	sessionID := uuid.NewString()
	sess := &FileSession{
		ID:        sessionID,
		NodeID:    node.ID,
		Policy:    *policy,
		System:    req.System,
		CreatedBy: actorFromContext(r.Context()),
	}
	if err := s.hub.fileSessions.Put(sessionID, sess, time.Duration(req.TTLSec)*time.Second); err != nil {
		respondError(w, err)
		return
	}

	s.audit(r.Context(), "files.open", node.ID, map[string]any{"session_id": sessionID, "system": req.System})
	respondJSON(w, http.StatusCreated, map[string]any{
		"session_id":     sessionID,
		"roots":          sess.Roots(),
		"max_file_bytes": policy.MaxFileBytes,
		"allow_download": policy.AllowDownload,
	})
}

// fileSession resolves a live file session from the URL.
func (s *Server) fileSession(r *http.Request) (*FileSession, error) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, ok := s.hub.fileSessions.Get(sessionID)
	if !ok {
		return nil, errNotFound("file session", sessionID)
	}
	return sess, nil
}

func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request) {
	sess, err := s.fileSession(r)
	if err != nil {
		respondError(w, err)
		return
	}

	var req struct {
		Path string `json:"path"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	cleaned, err := sess.AllowPath(req.Path)
	if err != nil {
		s.deny(w, r, "files.list", sess.NodeID, err)
		return
	}

	payload, err := s.hub.replies.wait(r.Context(), replyKeyFiles(sess.ID), interactiveTimeout, func() error {
		return s.sendEnvelope(sess.NodeID, protocol.CmdFileList, protocol.FileListPayload{
			SessionID: sess.ID,
			Path:      cleaned,
		})
	})
	if err != nil {
		respondError(w, err)
		return
	}

	s.hub.fileSessions.Touch(sess.ID)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func (s *Server) handleFileRead(w http.ResponseWriter, r *http.Request) {
	sess, err := s.fileSession(r)
	if err != nil {
		respondError(w, err)
		return
	}

	var req struct {
		Path     string `json:"path"`
		Offset   int64  `json:"offset"`
		MaxBytes int64  `json:"max_bytes"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	cleaned, err := sess.AllowPath(req.Path)
	if err != nil {
		s.deny(w, r, "files.read", sess.NodeID, err)
		return
	}

	maxBytes := req.MaxBytes
	if maxBytes <= 0 || maxBytes > sess.Policy.MaxFileBytes {
		maxBytes = sess.Policy.MaxFileBytes
	}

	payload, err := s.hub.replies.wait(r.Context(), replyKeyFiles(sess.ID), interactiveTimeout, func() error {
		return s.sendEnvelope(sess.NodeID, protocol.CmdFileRead, protocol.FileReadPayload{
			SessionID: sess.ID,
			Path:      cleaned,
			Offset:    req.Offset,
			MaxBytes:  maxBytes,
		})
	})
	if err != nil {
		respondError(w, err)
		return
	}

	s.hub.fileSessions.Touch(sess.ID)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func (s *Server) handlePrepareDownload(w http.ResponseWriter, r *http.Request) {
	sess, err := s.fileSession(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if !sess.Policy.AllowDownload {
		s.deny(w, r, "files.download", sess.NodeID, errPolicy("downloads disabled for node %s", sess.NodeID))
		return
	}

	var req struct {
		Path      string `json:"path"`
		SizeBytes int64  `json:"size_bytes"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	cleaned, err := sess.AllowPath(req.Path)
	if err != nil {
		s.deny(w, r, "files.download", sess.NodeID, err)
		return
	}

	streamID := uuid.NewString()
	s.hub.streams.Open(streamID, sess.NodeID, path.Base(cleaned), req.SizeBytes)

	err = s.sendEnvelope(sess.NodeID, protocol.CmdFileStream, protocol.FileStreamPayload{
		SessionID: sess.ID,
		StreamID:  streamID,
		Path:      cleaned,
	})
	if err != nil {
		s.hub.streams.Expire(streamID, "agent offline")
		respondError(w, err)
		return
	}

	s.registerDownload(sess.NodeID, streamID)
	s.audit(r.Context(), "files.download", sess.NodeID, map[string]string{"path": cleaned, "stream_id": streamID})
	respondJSON(w, http.StatusCreated, map[string]string{
		"stream_id": streamID,
		"url":       "/api/downloads/" + streamID,
	})
}

func (s *Server) handlePrepareZip(w http.ResponseWriter, r *http.Request) {
	sess, err := s.fileSession(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if !sess.Policy.AllowDownload {
		s.deny(w, r, "files.zip", sess.NodeID, errPolicy("downloads disabled for node %s", sess.NodeID))
		return
	}

	var req struct {
		Paths []string `json:"paths"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if len(req.Paths) == 0 {
		respondError(w, errBadRequest("paths must not be empty"))
		return
	}
	cleaned := make([]string, len(req.Paths))
	for i, p := range req.Paths {
		c, err := sess.AllowPath(p)
		if err != nil {
			s.deny(w, r, "files.zip", sess.NodeID, err)
			return
		}
		cleaned[i] = c
	}

	streamID := uuid.NewString()
	// Archive size is unknown up front; progress reports bytes only.
	s.hub.streams.Open(streamID, sess.NodeID, "files.zip", 0)

	err = s.sendEnvelope(sess.NodeID, protocol.CmdFileZip, protocol.FileZipPayload{
		SessionID: sess.ID,
		StreamID:  streamID,
		Paths:     cleaned,
	})
	if err != nil {
		s.hub.streams.Expire(streamID, "agent offline")
		respondError(w, err)
		return
	}

	s.registerDownload(sess.NodeID, streamID)
	s.audit(r.Context(), "files.zip", sess.NodeID, map[string]any{"paths": cleaned, "stream_id": streamID})
	respondJSON(w, http.StatusCreated, map[string]string{
		"stream_id": streamID,
		"url":       "/api/downloads/" + streamID,
	})
}

// registerDownload opens the claim window for a prepared stream. An
// unclaimed stream is cancelled when the window expires.
func (s *Server) registerDownload(nodeID, streamID string) {
	_ = s.hub.downloads.Put(streamID, &DownloadSession{
		ID:       streamID,
		NodeID:   nodeID,
		StreamID: streamID,
		Cancel: func() {
			s.hub.streams.Expire(streamID, "download not claimed in time")
		},
	}, 0)
}

func (s *Server) handleCloseFileSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := s.hub.fileSessions.Remove(sessionID); !ok {
		respondError(w, errNotFound("file session", sessionID))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")

	// Claiming consumes the download window.
	s.hub.downloads.Remove(streamID)

	stream, err := s.hub.streams.Claim(streamID)
	if err != nil {
		respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+stream.Name+`"`)

	flusher, _ := w.(http.Flusher)
	for {
		data, err := stream.Next(r.Context())
		if errors.Is(err, io.EOF) {
			stream.Finish(nil)
			return
		}
		if err != nil {
			// Headers are gone; the truncated body is the only signal
			// left for the client.
			s.log.Warn().Err(err).Str("stream_id", streamID).Msg("download aborted")
			stream.Finish(err)
			return
		}
		if _, err := w.Write(data); err != nil {
			stream.Finish(errTransport("dashboard disconnected: %v", err))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleOpenTerminal(w http.ResponseWriter, r *http.Request) {
	node, err := s.sessionNode(r, "terminal")
	if err != nil {
		respondError(w, err)
		return
	}

	var req struct {
		Rows   uint16 `json:"rows"`
		Cols   uint16 `json:"cols"`
		TTLSec int    `json:"ttl_sec"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			respondError(w, err)
			return
		}
	}
	if req.Rows == 0 {
		req.Rows = 24
	}
	if req.Cols == 0 {
		req.Cols = 80
	}

	sessionID := uuid.NewString()
	now := time.Now()
	sess := &TerminalSession{
		ID:       sessionID,
		NodeID:   node.ID,
		OpenedBy: actorFromContext(r.Context()),
		Rows:     req.Rows,
		Cols:     req.Cols,
		OpenedAt: now,
	}
	if err := s.hub.terminals.Put(sessionID, sess, time.Duration(req.TTLSec)*time.Second); err != nil {
		respondError(w, err)
		return
	}

	err = s.sendEnvelope(node.ID, protocol.CmdTerminalOpen, protocol.TerminalOpenPayload{
		SessionID: sessionID,
		Rows:      req.Rows,
		Cols:      req.Cols,
	})
	if err != nil {
		s.hub.terminals.Remove(sessionID)
		respondError(w, err)
		return
	}

	record := store.TerminalRecord{
		SessionID:  sessionID,
		NodeID:     node.ID,
		OpenedBy:   sess.OpenedBy,
		OpenedAt:   now,
		LastActive: now,
		Status:     "open",
	}
	if err := s.db.InsertTerminalRecord(r.Context(), record); err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to record terminal open")
	}

	s.audit(r.Context(), "terminal.open", node.ID, map[string]string{"session_id": sessionID})
	respondJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

func (s *Server) handleTerminalInput(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, ok := s.hub.terminals.Get(sessionID)
	if !ok {
		respondError(w, errNotFound("terminal session", sessionID))
		return
	}

	var req struct {
		Data []byte `json:"data"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	err := s.sendEnvelope(sess.NodeID, protocol.CmdTerminalInput, protocol.TerminalInputPayload{
		SessionID: sessionID,
		Data:      req.Data,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	s.hub.terminals.Touch(sessionID)
	if err := s.db.TouchTerminalRecord(r.Context(), sessionID, time.Now()); err != nil && !errdefs.IsNotFound(err) {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to touch terminal record")
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleCloseTerminal(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, ok := s.hub.terminals.Remove(sessionID)
	if !ok {
		respondError(w, errNotFound("terminal session", sessionID))
		return
	}

	_ = s.sendEnvelope(sess.NodeID, protocol.CmdTerminalClose, protocol.TerminalClosePayload{SessionID: sessionID})
	if err := s.db.CloseTerminalRecord(r.Context(), sessionID, "closed", time.Now()); err != nil && !errdefs.IsNotFound(err) {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to record terminal close")
	}

	s.audit(r.Context(), "terminal.close", sess.NodeID, map[string]string{"session_id": sessionID})
	respondJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleTerminalHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.db.TerminalHistory(r.Context(), chi.URLParam(r, "nodeID"), queryInt(r, "limit", 50))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}
