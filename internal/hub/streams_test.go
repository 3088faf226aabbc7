package hub

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/manlab/manlab/internal/errdefs"
	"github.com/manlab/manlab/internal/protocol"
)

func chunkPayload(streamID string, seq uint64, data []byte) protocol.StreamChunkPayload {
	return protocol.StreamChunkPayload{StreamID: streamID, Seq: seq, Data: data}
}

func TestStreamDeliversChunksInOrderWithAcks(t *testing.T) {
	h := testHub(t)
	agent := testAgent(t, h, "n1")
	s := h.streams.Open("st1", "n1", "data.bin", 6)

	h.streams.OnChunk(agent, chunkPayload("st1", 1, []byte("ab")))
	h.streams.OnChunk(agent, chunkPayload("st1", 2, []byte("cd")))
	h.streams.OnChunk(agent, chunkPayload("st1", 3, []byte("ef")))
	h.streams.OnComplete(protocol.StreamCompletePayload{StreamID: "st1"})

	ctx := context.Background()
	var got []byte
	for i := 0; i < 3; i++ {
		chunk, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d: %v", i+1, err)
		}
		got = append(got, chunk...)

		// One credit per consumed chunk, in consumption order.
		msg := readFrame(t, agent)
		if msg.Type != protocol.TypeStreamAck {
			t.Fatalf("frame %d type = %q", i+1, msg.Type)
		}
		var ack protocol.StreamAckPayload
		if err := msg.ParsePayload(&ack); err != nil {
			t.Fatalf("parse ack: %v", err)
		}
		if ack.AckedSeq != uint64(i+1) {
			t.Errorf("acked seq = %d, want %d", ack.AckedSeq, i+1)
		}
	}
	if !bytes.Equal(got, []byte("abcdef")) {
		t.Errorf("reassembled = %q", got)
	}

	if _, err := s.Next(ctx); err != io.EOF {
		t.Errorf("after drain err = %v, want io.EOF", err)
	}
}

func TestStreamErrorSurfacesAfterDrain(t *testing.T) {
	h := testHub(t)
	agent := testAgent(t, h, "n1")
	s := h.streams.Open("st1", "n1", "data.bin", 0)

	h.streams.OnChunk(agent, chunkPayload("st1", 1, []byte("ok")))
	h.streams.OnError(protocol.StreamErrorPayload{StreamID: "st1", Message: "disk pulled"})

	ctx := context.Background()
	chunk, err := s.Next(ctx)
	if err != nil || !bytes.Equal(chunk, []byte("ok")) {
		t.Fatalf("buffered chunk must drain first: %q, %v", chunk, err)
	}
	_, err = s.Next(ctx)
	if !errdefs.IsTransport(err) {
		t.Errorf("err = %v, want transport error", err)
	}
	if errors.Is(err, io.EOF) {
		t.Error("a failed stream must not end in clean EOF")
	}
}

func TestStreamRejectsOutOfOrderChunk(t *testing.T) {
	h := testHub(t)
	agent := testAgent(t, h, "n1")
	s := h.streams.Open("st1", "n1", "data.bin", 0)

	h.streams.OnChunk(agent, chunkPayload("st1", 2, []byte("skipped ahead")))

	_, err := s.Next(context.Background())
	if !errdefs.IsBadRequest(err) {
		t.Errorf("err = %v, want bad request", err)
	}
}

func TestStreamWindowOverrunFailsStream(t *testing.T) {
	h := testHub(t)
	agent := testAgent(t, h, "n1")
	s := h.streams.Open("st1", "n1", "data.bin", 0)

	for seq := uint64(1); seq <= protocol.StreamWindowChunks; seq++ {
		h.streams.OnChunk(agent, chunkPayload("st1", seq, []byte{byte(seq)}))
	}
	// One past the window without any ack in between.
	h.streams.OnChunk(agent, chunkPayload("st1", protocol.StreamWindowChunks+1, []byte{0xff}))

	ctx := context.Background()
	for seq := 1; seq <= protocol.StreamWindowChunks; seq++ {
		if _, err := s.Next(ctx); err != nil {
			t.Fatalf("buffered chunk %d: %v", seq, err)
		}
		readFrame(t, agent) // the ack
	}
	_, err := s.Next(ctx)
	if !errdefs.IsBadRequest(err) {
		t.Errorf("err after overrun = %v, want bad request", err)
	}
}

func TestStreamOversizeChunkFailsStream(t *testing.T) {
	h := testHub(t)
	agent := testAgent(t, h, "n1")
	s := h.streams.Open("st1", "n1", "data.bin", 0)

	h.streams.OnChunk(agent, chunkPayload("st1", 1, make([]byte, protocol.MaxStreamChunk+1)))

	_, err := s.Next(context.Background())
	if !errdefs.IsBadRequest(err) {
		t.Errorf("err = %v, want bad request", err)
	}
}

func TestStreamIgnoresChunkFromWrongNode(t *testing.T) {
	h := testHub(t)
	testAgent(t, h, "n1")
	imposter := testAgent(t, h, "n2")
	s := h.streams.Open("st1", "n1", "data.bin", 0)

	h.streams.OnChunk(imposter, chunkPayload("st1", 1, []byte("spoof")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("spoofed chunk should not be delivered, got %v", err)
	}
}

func TestLateChunkStillAcknowledged(t *testing.T) {
	h := testHub(t)
	agent := testAgent(t, h, "n1")

	// No such stream: the ack tells the agent to stop retrying.
	h.streams.OnChunk(agent, chunkPayload("gone", 9, []byte("late")))

	msg := readFrame(t, agent)
	if msg.Type != protocol.TypeStreamAck {
		t.Fatalf("frame type = %q, want %q", msg.Type, protocol.TypeStreamAck)
	}
	var ack protocol.StreamAckPayload
	if err := msg.ParsePayload(&ack); err != nil {
		t.Fatalf("parse ack: %v", err)
	}
	if ack.StreamID != "gone" || ack.AckedSeq != 9 {
		t.Errorf("ack = %+v", ack)
	}
}

func TestStreamClaimIsExclusive(t *testing.T) {
	h := testHub(t)
	h.streams.Open("st1", "n1", "data.bin", 0)

	if _, err := h.streams.Claim("st1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := h.streams.Claim("st1")
	if !errdefs.IsConflict(err) {
		t.Errorf("second claim err = %v, want conflict", err)
	}

	_, err = h.streams.Claim("nope")
	if !errdefs.IsNotFound(err) {
		t.Errorf("unknown claim err = %v, want not found", err)
	}
}

func TestAbortNodeFailsOnlyThatNodesStreams(t *testing.T) {
	h := testHub(t)
	testAgent(t, h, "n1")
	agent2 := testAgent(t, h, "n2")

	s1 := h.streams.Open("st1", "n1", "a.bin", 0)
	s2 := h.streams.Open("st2", "n1", "b.bin", 0)
	s3 := h.streams.Open("st3", "n2", "c.bin", 0)

	h.streams.AbortNode("n1", "agent disconnected")

	ctx := context.Background()
	for _, s := range []*Stream{s1, s2} {
		if _, err := s.Next(ctx); !errdefs.IsTransport(err) {
			t.Errorf("stream %s err = %v, want transport error", s.ID, err)
		}
	}

	// The other node's stream keeps flowing.
	h.streams.OnChunk(agent2, chunkPayload("st3", 1, []byte("fine")))
	if chunk, err := s3.Next(ctx); err != nil || !bytes.Equal(chunk, []byte("fine")) {
		t.Errorf("surviving stream: %q, %v", chunk, err)
	}
}

func TestExpireIdleStreams(t *testing.T) {
	h := testHub(t)
	agent := testAgent(t, h, "n1")
	s := h.streams.Open("st1", "n1", "data.bin", 0)

	s.mu.Lock()
	s.lastActivity = time.Now().Add(-2 * time.Hour)
	s.mu.Unlock()

	if n := h.streams.ExpireIdle(time.Now().Add(-time.Hour)); n != 1 {
		t.Fatalf("expired %d streams, want 1", n)
	}
	if h.streams.Count() != 0 {
		t.Errorf("stream count = %d, want 0", h.streams.Count())
	}

	if _, err := s.Next(context.Background()); !errdefs.IsTimeout(err) {
		t.Errorf("err = %v, want timeout", err)
	}

	// The agent is told to stop sending.
	msg := readFrame(t, agent)
	if msg.Type != protocol.TypeStreamCancel {
		t.Errorf("frame type = %q, want %q", msg.Type, protocol.TypeStreamCancel)
	}
}

func TestExpireIdleKeepsActiveStreams(t *testing.T) {
	h := testHub(t)
	testAgent(t, h, "n1")
	h.streams.Open("st1", "n1", "data.bin", 0)

	if n := h.streams.ExpireIdle(time.Now().Add(-time.Hour)); n != 0 {
		t.Errorf("expired %d fresh streams", n)
	}
	if h.streams.Count() != 1 {
		t.Errorf("stream count = %d, want 1", h.streams.Count())
	}
}
