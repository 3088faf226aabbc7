package agent

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/manlab/manlab/internal/protocol"
)

// streamChunkSize is the agent's per-chunk payload. Well under the
// protocol ceiling so base64 framing never pushes a frame over it.
const streamChunkSize = 256 << 10

// upload is one outbound stream. The credits channel implements the
// flow-control window: it starts full, sending a chunk consumes one
// credit, and every ack frame from the hub returns one.
type upload struct {
	id      string
	cancel  context.CancelFunc
	credits chan struct{}
}

// handleFileStream streams one file back to the hub in bounded chunks.
func (a *Agent) handleFileStream(env protocol.CommandEnvelope) {
	var p protocol.FileStreamPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		a.log.Error().Err(err).Msg("malformed file.stream payload")
		return
	}

	f, err := os.Open(p.Path)
	if err != nil {
		a.sendStreamError(p.StreamID, err.Error())
		return
	}
	defer f.Close()

	a.log.Info().Str("stream_id", p.StreamID).Str("path", p.Path).Msg("starting file stream")
	a.streamFrom(p.StreamID, f)
}

// handleFileZip archives the requested paths and streams the archive.
// The zip is built through a pipe, so archive bytes flow out under the
// same window as a plain file and nothing is buffered on disk.
func (a *Agent) handleFileZip(env protocol.CommandEnvelope) {
	var p protocol.FileZipPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		a.log.Error().Err(err).Msg("malformed file.zip payload")
		return
	}
	if len(p.Paths) == 0 {
		a.sendStreamError(p.StreamID, "no paths to archive")
		return
	}

	pr, pw := io.Pipe()
	go func() {
		zw := zip.NewWriter(pw)
		var zerr error
		for _, root := range p.Paths {
			if zerr = addToZip(zw, root); zerr != nil {
				break
			}
		}
		if cerr := zw.Close(); zerr == nil {
			zerr = cerr
		}
		pw.CloseWithError(zerr)
	}()

	a.log.Info().Str("stream_id", p.StreamID).Int("paths", len(p.Paths)).Msg("starting zip stream")
	a.streamFrom(p.StreamID, pr)
}

// streamFrom moves bytes from r to the hub under the credit window,
// then finishes the stream with a complete or error frame. A cancel
// from the hub just stops the writer; the hub has already dropped its
// side and a trailing error frame would be an orphan.
func (a *Agent) streamFrom(streamID string, r io.Reader) {
	ctx, cancel := context.WithCancel(a.ctx)
	defer cancel()

	u := &upload{
		id:      streamID,
		cancel:  cancel,
		credits: make(chan struct{}, protocol.StreamWindowChunks),
	}
	for i := 0; i < protocol.StreamWindowChunks; i++ {
		u.credits <- struct{}{}
	}

	a.upMu.Lock()
	a.uploads[streamID] = u
	a.upMu.Unlock()
	defer func() {
		a.upMu.Lock()
		delete(a.uploads, streamID)
		a.upMu.Unlock()
	}()

	var (
		buf   = make([]byte, streamChunkSize)
		hash  = sha256.New()
		seq   uint64
		total int64
	)
	for {
		select {
		case <-ctx.Done():
			a.log.Info().Str("stream_id", streamID).Msg("stream cancelled")
			return
		case <-u.credits:
		}

		n, err := io.ReadFull(r, buf)
		if n > 0 {
			seq++
			total += int64(n)
			hash.Write(buf[:n])
			chunk := protocol.StreamChunkPayload{StreamID: streamID, Seq: seq, Data: buf[:n]}
			if sendErr := a.ws.SendMessage(protocol.TypeStreamChunk, chunk); sendErr != nil {
				// Transport gone; the hub sweeper reclaims the stream.
				a.log.Debug().Err(sendErr).Str("stream_id", streamID).Msg("stream send failed")
				return
			}
		}

		switch err {
		case nil:
			continue
		case io.EOF, io.ErrUnexpectedEOF:
			done := protocol.StreamCompletePayload{
				StreamID:   streamID,
				TotalBytes: total,
				SHA256:     hex.EncodeToString(hash.Sum(nil)),
			}
			if err := a.ws.SendMessage(protocol.TypeStreamComplete, done); err != nil {
				a.log.Debug().Err(err).Str("stream_id", streamID).Msg("stream complete send failed")
			}
			a.log.Info().Str("stream_id", streamID).Int64("bytes", total).Msg("stream complete")
			return
		default:
			a.sendStreamError(streamID, err.Error())
			return
		}
	}
}

// ackStream returns one window credit for a stream. Late acks after
// completion are harmless.
func (a *Agent) ackStream(streamID string) {
	a.upMu.Lock()
	u := a.uploads[streamID]
	a.upMu.Unlock()
	if u == nil {
		return
	}
	select {
	case u.credits <- struct{}{}:
	default:
	}
}

// cancelStream aborts an active upload at the hub's request.
func (a *Agent) cancelStream(streamID, reason string) {
	a.upMu.Lock()
	u := a.uploads[streamID]
	a.upMu.Unlock()
	if u == nil {
		return
	}
	a.log.Info().Str("stream_id", streamID).Str("reason", reason).Msg("hub cancelled stream")
	u.cancel()
}

func (a *Agent) sendStreamError(streamID, message string) {
	payload := protocol.StreamErrorPayload{StreamID: streamID, Message: message}
	if err := a.ws.SendMessage(protocol.TypeStreamError, payload); err != nil {
		a.log.Debug().Err(err).Str("stream_id", streamID).Msg("failed to send stream error")
	}
}

// addToZip writes root (a file or directory tree) into zw. Entries are
// named relative to root's parent so unpacking recreates the tree.
func addToZip(zw *zip.Writer, root string) error {
	base := filepath.Dir(root)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			// Sockets, devices, and symlinks do not zip meaningfully.
			return nil
		}

		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		if _, err := io.Copy(w, f); err != nil {
			return fmt.Errorf("archive %s: %w", path, err)
		}
		return nil
	})
}
