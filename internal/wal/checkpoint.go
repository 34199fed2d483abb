package wal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Phase tags where a segment rotation stands so a crash mid-rotation is
// recoverable on the next startup.
type Phase string

const (
	PhaseNone           Phase = "none"
	PhaseRotating       Phase = "rotating"
	PhaseCleanupStarted Phase = "cleanup_started"
	PhaseCleanupDone    Phase = "cleanup_done"
)

const checkpointFile = "checkpoint.json"

// Checkpoint records the current head of the log plus rotation state.
type Checkpoint struct {
	HeadSeq            uint64    `json:"head_seq"`
	ActiveSegment      string    `json:"active_segment"`
	Phase              Phase     `json:"phase"`
	CleanupSegments    []string  `json:"cleanup_segments,omitempty"`
	ShutdownIncomplete bool      `json:"shutdown_incomplete,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func loadCheckpoint(dir string) (*Checkpoint, error) {
	raw, err := os.ReadFile(filepath.Join(dir, checkpointFile))
	if os.IsNotExist(err) {
		return &Checkpoint{Phase: PhaseNone}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	if cp.Phase == "" {
		cp.Phase = PhaseNone
	}
	return &cp, nil
}

// saveCheckpoint writes atomically via rename so a crash never leaves a
// torn checkpoint behind.
func saveCheckpoint(dir string, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmp := filepath.Join(dir, checkpointFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, checkpointFile)); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}
