// Package archive drains the write-ahead log and ledger files to an
// off-node object store. Sync runs on its own worker and never blocks
// the billing path. The checkpoint object is written last so a crash
// between uploads leaves the previous checkpoint intact; re-running a
// sync is idempotent because every upload is an overwrite.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ocx/metering/internal/faults"
	"github.com/ocx/metering/internal/wal"
)

const checkpointObject = "checkpoint.json"

// ObjectRef names one archived file and pins its content hash.
type ObjectRef struct {
	Path   string `json:"path"` // object key relative to the prefix
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// Checkpoint is the small manifest written after every successful sync.
type Checkpoint struct {
	CreatedAt  string      `json:"created_at"`
	HeadSeq    uint64      `json:"head_seq"`
	Objects    []ObjectRef `json:"objects"`
	SyncedRuns uint64      `json:"synced_runs"`
}

// Config locates the local state and the remote prefix.
type Config struct {
	WALDir    string
	LedgerDir string
	Prefix    string        // object key prefix, e.g. "metering/prod"
	Interval  time.Duration // sync cadence, default 5m
}

// Syncer uploads WAL segments and ledger files and maintains the
// checkpoint. One Syncer per process; SyncOnce is not reentrant.
type Syncer struct {
	store  ObjectStore
	cfg    Config
	status func() wal.Status // nil when no WAL is attached
	mirror *GitMirror        // nil when no secondary target
	now    func() time.Time
	runs   uint64
}

// NewSyncer builds a syncer. status may be nil when only ledger files
// are archived; mirror may be nil.
func NewSyncer(store ObjectStore, cfg Config, status func() wal.Status, mirror *GitMirror) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Syncer{store: store, cfg: cfg, status: status, mirror: mirror, now: time.Now}
}

// Run syncs on the configured cadence until the context is cancelled.
// Errors are logged and retried next tick; archival is best-effort by
// design and never surfaces into the request path.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cp, err := s.SyncOnce(ctx); err != nil {
				slog.Warn("archive: sync failed", "err", err)
			} else {
				slog.Info("archive: sync complete", "objects", len(cp.Objects), "head_seq", cp.HeadSeq)
			}
		}
	}
}

// SyncOnce uploads every local WAL segment and ledger file, then the
// checkpoint. Files already present remotely with the same hash are
// skipped.
func (s *Syncer) SyncOnce(ctx context.Context) (*Checkpoint, error) {
	prev := s.loadCheckpoint(ctx)
	prevHash := make(map[string]string, len(prev.Objects))
	for _, o := range prev.Objects {
		prevHash[o.Path] = o.SHA256
	}

	var objects []ObjectRef
	upload := func(localPath, key string) error {
		data, err := os.ReadFile(localPath)
		if err != nil {
			return faults.Wrap(faults.IO, "read "+localPath, err)
		}
		sum := sha256.Sum256(data)
		ref := ObjectRef{Path: key, SHA256: hex.EncodeToString(sum[:]), Bytes: int64(len(data))}
		objects = append(objects, ref)
		if prevHash[key] == ref.SHA256 {
			return nil // unchanged since last sync
		}
		if err := s.store.Put(ctx, s.objectKey(key), data, "application/octet-stream"); err != nil {
			return faults.Wrap(faults.IO, "put "+key, err)
		}
		return nil
	}

	if s.cfg.WALDir != "" {
		segs, err := filepath.Glob(filepath.Join(s.cfg.WALDir, "wal-*.log"))
		if err != nil {
			return nil, faults.Wrap(faults.IO, "list wal segments", err)
		}
		for _, seg := range segs {
			if err := upload(seg, "wal/"+filepath.Base(seg)); err != nil {
				return nil, err
			}
		}
	}

	if s.cfg.LedgerDir != "" {
		if err := s.syncLedgerDir(upload); err != nil {
			return nil, err
		}
	}

	cp := &Checkpoint{
		CreatedAt:  s.now().UTC().Format(time.RFC3339),
		Objects:    objects,
		SyncedRuns: s.runs + 1,
	}
	if s.status != nil {
		cp.HeadSeq = s.status().HeadSeq
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, faults.Wrap(faults.IO, "marshal checkpoint", err)
	}
	if err := s.store.Put(ctx, s.objectKey(checkpointObject), raw, "application/json"); err != nil {
		return nil, faults.Wrap(faults.IO, "put checkpoint", err)
	}
	s.runs++

	if s.mirror != nil {
		if err := s.mirror.Sync(ctx); err != nil {
			// The mirror is a secondary target; the object store copy
			// already landed, so log and move on.
			slog.Warn("archive: git mirror failed", "err", err)
		}
	}
	return cp, nil
}

func (s *Syncer) syncLedgerDir(upload func(localPath, key string) error) error {
	return filepath.WalkDir(s.cfg.LedgerDir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".jsonl") && !strings.HasSuffix(name, ".jsonl.gz") {
			return nil
		}
		rel, err := filepath.Rel(s.cfg.LedgerDir, p)
		if err != nil {
			return faults.Wrap(faults.IO, "ledger path "+p, err)
		}
		return upload(p, "ledger/"+filepath.ToSlash(rel))
	})
}

// Restore downloads the checkpoint, verifies every object hash and
// writes the files under destDir, preserving the wal/ and ledger/
// layout. A hash mismatch aborts the whole restore.
func (s *Syncer) Restore(ctx context.Context, destDir string) (*Checkpoint, error) {
	raw, err := s.store.Get(ctx, s.objectKey(checkpointObject))
	if err != nil {
		return nil, faults.Wrap(faults.IO, "get checkpoint", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, faults.Wrap(faults.IO, "parse checkpoint", err)
	}
	for _, o := range cp.Objects {
		data, err := s.store.Get(ctx, s.objectKey(o.Path))
		if err != nil {
			return nil, faults.Wrap(faults.IO, "get "+o.Path, err)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != o.SHA256 {
			return nil, faults.New(faults.IO, "hash mismatch for "+o.Path)
		}
		local := filepath.Join(destDir, filepath.FromSlash(o.Path))
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return nil, faults.Wrap(faults.IO, "mkdir for "+o.Path, err)
		}
		if err := os.WriteFile(local, data, 0o644); err != nil {
			return nil, faults.Wrap(faults.IO, "write "+o.Path, err)
		}
	}
	return &cp, nil
}

// loadCheckpoint fetches the previous manifest; a missing or corrupt
// checkpoint just means nothing can be skipped this run.
func (s *Syncer) loadCheckpoint(ctx context.Context) Checkpoint {
	var cp Checkpoint
	raw, err := s.store.Get(ctx, s.objectKey(checkpointObject))
	if err != nil {
		return cp
	}
	_ = json.Unmarshal(raw, &cp)
	return cp
}

func (s *Syncer) objectKey(rel string) string {
	if s.cfg.Prefix == "" {
		return rel
	}
	return path.Join(s.cfg.Prefix, rel)
}
