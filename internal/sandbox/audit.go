package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditRecord is one allow/deny decision.
type AuditRecord struct {
	Timestamp  string   `json:"timestamp"`
	Action     string   `json:"action"` // "allow" or "deny"
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	DurationMS int64    `json:"duration_ms,omitempty"`
	OutputSize int      `json:"output_size,omitempty"`
	ExitCode   int      `json:"exit_code,omitempty"`
	Truncated  bool     `json:"truncated,omitempty"`
}

// AuditLog appends JSON lines to a size-capped rotating file. Rotation
// keeps a fixed number of numbered predecessors.
type AuditLog struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	keep     int
	now      func() time.Time
}

// NewAuditLog creates the log at path with the given rotation policy.
func NewAuditLog(path string, maxBytes int64, keep int) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	if keep <= 0 {
		keep = 3
	}
	return &AuditLog{path: path, maxBytes: maxBytes, keep: keep, now: time.Now}, nil
}

// Record appends one decision, rotating first if the file is full.
// Audit failures are returned but callers treat them as non-fatal; a
// broken audit disk must not take the tool surface down.
func (a *AuditLog) Record(rec AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec.Timestamp = a.now().UTC().Format(time.RFC3339Nano)
	line, err := json.Marshal(&rec)
	if err != nil {
		return err
	}

	if st, err := os.Stat(a.path); err == nil && st.Size()+int64(len(line))+1 > a.maxBytes {
		a.rotate()
	}

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// rotate shifts audit.log -> audit.log.1 -> ... -> audit.log.N, dropping
// the oldest.
func (a *AuditLog) rotate() {
	os.Remove(fmt.Sprintf("%s.%d", a.path, a.keep))
	for i := a.keep - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", a.path, i), fmt.Sprintf("%s.%d", a.path, i+1))
	}
	os.Rename(a.path, a.path+".1")
}
