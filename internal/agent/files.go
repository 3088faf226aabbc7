package agent

import (
	"io"
	"os"
	"path/filepath"

	"github.com/manlab/manlab/internal/protocol"
)

const maxFileReadBytes = 4 << 20

// handleFileList answers a directory listing request. Errors ride back
// inside the reply so the hub request does not have to time out.
func (a *Agent) handleFileList(env protocol.CommandEnvelope) {
	var p protocol.FileListPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		a.log.Error().Err(err).Msg("malformed file.list payload")
		return
	}

	reply := protocol.FileListingPayload{SessionID: p.SessionID, Path: p.Path}

	entries, err := os.ReadDir(p.Path)
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Entries = make([]protocol.FileEntry, 0, len(entries))
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			fe := protocol.FileEntry{
				Name:    entry.Name(),
				Size:    info.Size(),
				Mode:    info.Mode().String(),
				ModTime: info.ModTime(),
				IsDir:   entry.IsDir(),
			}
			if info.Mode()&os.ModeSymlink != 0 {
				if target, err := os.Readlink(filepath.Join(p.Path, entry.Name())); err == nil {
					fe.Symlink = target
				}
			}
			reply.Entries = append(reply.Entries, fe)
		}
	}

	if err := a.ws.SendMessage(protocol.TypeFileListing, reply); err != nil {
		a.log.Error().Err(err).Msg("failed to send file listing")
	}
}

// handleFileRead answers a bounded byte-range read of one file.
func (a *Agent) handleFileRead(env protocol.CommandEnvelope) {
	var p protocol.FileReadPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		a.log.Error().Err(err).Msg("malformed file.read payload")
		return
	}

	reply := protocol.FileContentPayload{SessionID: p.SessionID, Path: p.Path, Offset: p.Offset}

	maxBytes := p.MaxBytes
	if maxBytes <= 0 || maxBytes > maxFileReadBytes {
		maxBytes = maxFileReadBytes
	}

	data, eof, err := readFileRange(p.Path, p.Offset, maxBytes)
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Data = data
		reply.EOF = eof
	}

	if err := a.ws.SendMessage(protocol.TypeFileContent, reply); err != nil {
		a.log.Error().Err(err).Msg("failed to send file content")
	}
}

func readFileRange(path string, offset, maxBytes int64) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	if info.IsDir() {
		return nil, false, &os.PathError{Op: "read", Path: path, Err: os.ErrInvalid}
	}

	size := info.Size()
	if offset >= size {
		return []byte{}, true, nil
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, false, err
		}
	}

	data, err := io.ReadAll(io.LimitReader(f, maxBytes))
	if err != nil {
		return nil, false, err
	}
	return data, offset+int64(len(data)) >= size, nil
}
