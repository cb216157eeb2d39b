package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/uhyunpark/atsim/pkg/risk"
)

// NopWAL discards governance events.
type NopWAL struct{}

func NewNopWAL() *NopWAL                    { return &NopWAL{} }
func (w *NopWAL) Append([]risk.Event) error { return nil }
func (w *NopWAL) Close() error              { return nil }

// FileWAL appends governance events to a file, one JSON object per line,
// and syncs after every append.
type FileWAL struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileWAL(path string) (*FileWAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileWAL{f: f}, nil
}

func (w *FileWAL) Append(events []risk.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	bw := bufio.NewWriter(w.f)
	enc := json.NewEncoder(bw)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode governance event: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// ReadWAL loads every event from a FileWAL file.
func ReadWAL(path string) ([]risk.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []risk.Event
	dec := json.NewDecoder(f)
	for dec.More() {
		var ev risk.Event
		if err := dec.Decode(&ev); err != nil {
			return out, fmt.Errorf("decode wal entry %d: %w", len(out)+1, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

var (
	_ risk.AuditSink = (*NopWAL)(nil)
	_ risk.AuditSink = (*FileWAL)(nil)
)
