package hub

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/manlab/manlab/internal/protocol"
)

// Stream is one agent-to-dashboard file transfer. The agent may have at
// most protocol.StreamWindowChunks chunks in flight; the hub grants
// credit back one ack per consumed chunk, so the buffer below can never
// overflow while the agent honors the window.
type Stream struct {
	ID         string
	NodeID     string
	Name       string // suggested filename
	BytesTotal int64  // 0 when unknown (zip streams)

	registry *StreamRegistry
	chunks   chan streamChunk
	closed   sync.Once

	mu           sync.Mutex
	failErr      error
	claimed      bool
	expectSeq    uint64
	bytesDone    int64
	lastActivity time.Time
	lastEmit     time.Time
	lastPercent  float64
	createdAt    time.Time
}

type streamChunk struct {
	seq  uint64
	data []byte
}

// StreamRegistry tracks active download streams by ID.
type StreamRegistry struct {
	hub *Hub
	log zerolog.Logger

	mu      sync.Mutex
	streams map[string]*Stream
}

func NewStreamRegistry(h *Hub) *StreamRegistry {
	return &StreamRegistry{
		hub:     h,
		log:     h.log.With().Str("component", "streams").Logger(),
		streams: make(map[string]*Stream),
	}
}

// Open registers a new stream and announces it to dashboards.
func (r *StreamRegistry) Open(streamID, nodeID, name string, total int64) *Stream {
	now := time.Now()
	s := &Stream{
		ID:           streamID,
		NodeID:       nodeID,
		Name:         name,
		BytesTotal:   total,
		registry:     r,
		chunks:       make(chan streamChunk, protocol.StreamWindowChunks),
		expectSeq:    1,
		lastActivity: now,
		createdAt:    now,
	}

	r.mu.Lock()
	r.streams[streamID] = s
	r.mu.Unlock()

	r.hub.BroadcastEvent(protocol.EventDownloadStatus, protocol.DownloadStatusEvent{
		StreamID: streamID,
		NodeID:   nodeID,
		Status:   "active",
	})
	return s
}

// Get returns an active stream by ID.
func (r *StreamRegistry) Get(streamID string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[streamID]
	return s, ok
}

// Claim marks a stream as owned by one HTTP consumer. A second claim
// fails; concurrent readers would interleave chunks.
func (r *StreamRegistry) Claim(streamID string) (*Stream, error) {
	r.mu.Lock()
	s, ok := r.streams[streamID]
	r.mu.Unlock()
	if !ok {
		return nil, errNotFound("download", streamID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed {
		return nil, errConflict("download %s already claimed", streamID)
	}
	s.claimed = true
	return s, nil
}

// OnChunk buffers one chunk from the agent. Window or ordering
// violations abort the stream; this path runs on the hub loop and must
// never block.
func (r *StreamRegistry) OnChunk(client *Client, p protocol.StreamChunkPayload) {
	s, ok := r.Get(p.StreamID)
	if !ok {
		// Late chunk for a finished stream; tell the agent to stop.
		_ = client.sendMessage(protocol.TypeStreamAck, protocol.StreamAckPayload{StreamID: p.StreamID, AckedSeq: p.Seq})
		return
	}
	if s.NodeID != client.id {
		r.log.Warn().Str("stream_id", p.StreamID).Str("node_id", client.id).Msg("chunk from wrong node dropped")
		return
	}
	if len(p.Data) > protocol.MaxStreamChunk {
		r.fail(s, errBadRequest("chunk of %d bytes exceeds limit", len(p.Data)))
		return
	}

	s.mu.Lock()
	if p.Seq != s.expectSeq {
		seqWant := s.expectSeq
		s.mu.Unlock()
		r.fail(s, errBadRequest("chunk seq %d, expected %d", p.Seq, seqWant))
		return
	}
	s.expectSeq++
	s.lastActivity = time.Now()
	s.mu.Unlock()

	select {
	case s.chunks <- streamChunk{seq: p.Seq, data: p.Data}:
	default:
		r.fail(s, errBadRequest("agent overran the stream window"))
	}
}

// OnComplete finishes a stream normally. Buffered chunks stay readable;
// the consumer sees EOF after draining them.
func (r *StreamRegistry) OnComplete(p protocol.StreamCompletePayload) {
	s, ok := r.Get(p.StreamID)
	if !ok {
		return
	}
	s.closed.Do(func() { close(s.chunks) })
}

// OnError fails a stream from the agent side. The error surfaces to the
// consumer only after previously buffered chunks are drained.
func (r *StreamRegistry) OnError(p protocol.StreamErrorPayload) {
	s, ok := r.Get(p.StreamID)
	if !ok {
		return
	}
	r.fail(s, errTransport("agent stream error: %s", p.Message))
}

// AbortNode fails every stream owned by a node.
func (r *StreamRegistry) AbortNode(nodeID, reason string) {
	r.mu.Lock()
	var doomed []*Stream
	for _, s := range r.streams {
		if s.NodeID == nodeID {
			doomed = append(doomed, s)
		}
	}
	r.mu.Unlock()

	for _, s := range doomed {
		r.fail(s, errTransport("%s", reason))
	}
}

func (r *StreamRegistry) fail(s *Stream, err error) {
	s.mu.Lock()
	if s.failErr == nil {
		s.failErr = err
	}
	s.mu.Unlock()
	s.closed.Do(func() { close(s.chunks) })
}

// remove drops a stream from the registry and broadcasts its final
// status. Abnormal endings also tell the agent to stop sending.
func (r *StreamRegistry) remove(s *Stream, status, errMsg string) {
	r.mu.Lock()
	delete(r.streams, s.ID)
	r.mu.Unlock()

	if status != "complete" {
		_ = r.hub.SendToAgent(s.NodeID, protocol.TypeStreamCancel, protocol.StreamCancelPayload{
			StreamID: s.ID,
			Reason:   errMsg,
		})
	}

	r.hub.BroadcastEvent(protocol.EventDownloadStatus, protocol.DownloadStatusEvent{
		StreamID: s.ID,
		NodeID:   s.NodeID,
		Status:   status,
		Error:    errMsg,
	})
}

// Expire cancels an unclaimed stream.
func (r *StreamRegistry) Expire(streamID, reason string) {
	s, ok := r.Get(streamID)
	if !ok {
		return
	}
	r.fail(s, errTimeout("%s", reason))
	r.remove(s, "expired", reason)
}

// Sweep expires idle streams until ctx is cancelled.
func (r *StreamRegistry) Sweep(ctx context.Context) {
	ticker := time.NewTicker(r.hub.cfg.DownloadSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ExpireIdle(time.Now().Add(-r.hub.cfg.DownloadTTL))
		}
	}
}

// ExpireIdle fails every stream whose last activity predates cutoff.
// Returns the number of streams expired.
func (r *StreamRegistry) ExpireIdle(cutoff time.Time) int {
	r.mu.Lock()
	var expired []*Stream
	for _, s := range r.streams {
		s.mu.Lock()
		idle := s.lastActivity.Before(cutoff)
		s.mu.Unlock()
		if idle {
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.log.Info().Str("stream_id", s.ID).Str("node_id", s.NodeID).Msg("expiring idle download")
		r.fail(s, errTimeout("download expired"))
		r.remove(s, "expired", "download expired")
	}
	return len(expired)
}

// Count returns the number of active streams.
func (r *StreamRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// Next returns the next chunk in order. It blocks until a chunk
// arrives, the stream ends, or ctx is cancelled. io.EOF signals normal
// completion. Each consumed chunk grants the agent one credit.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case chunk, ok := <-s.chunks:
		if !ok {
			s.mu.Lock()
			err := s.failErr
			s.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return nil, io.EOF
		}

		_ = s.registry.hub.SendToAgent(s.NodeID, protocol.TypeStreamAck, protocol.StreamAckPayload{
			StreamID: s.ID,
			AckedSeq: chunk.seq,
		})
		s.noteProgress(int64(len(chunk.data)))
		return chunk.data, nil
	}
}

// Finish releases the stream after the consumer is done with it.
func (s *Stream) Finish(err error) {
	if err == nil {
		s.registry.remove(s, "complete", "")
		return
	}
	s.registry.fail(s, err)
	s.registry.remove(s, "failed", err.Error())
}

// noteProgress updates counters and emits a throttled progress event:
// at most one per 250ms, unless the advance is 5% or more.
func (s *Stream) noteProgress(n int64) {
	s.mu.Lock()
	s.bytesDone += n
	s.lastActivity = time.Now()

	var percent float64
	if s.BytesTotal > 0 {
		percent = float64(s.bytesDone) / float64(s.BytesTotal) * 100
	}
	now := time.Now()
	emit := now.Sub(s.lastEmit) >= 250*time.Millisecond || (s.BytesTotal > 0 && percent-s.lastPercent >= 5)
	if emit {
		s.lastEmit = now
		s.lastPercent = percent
	}
	done := s.bytesDone
	s.mu.Unlock()

	if emit {
		s.registry.hub.BroadcastEvent(protocol.EventDownloadProgress, protocol.DownloadProgressEvent{
			StreamID:   s.ID,
			NodeID:     s.NodeID,
			BytesDone:  done,
			BytesTotal: s.BytesTotal,
			Percent:    percent,
		})
	}
}
