package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/metering/internal/wal"
)

// memObjectStore records puts in order so tests can assert the
// checkpoint-last contract.
type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []string
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: make(map[string][]byte)}
}

func (m *memObjectStore) Put(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
	m.puts = append(m.puts, key)
	return nil
}

func (m *memObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("object not found: " + key)
	}
	return data, nil
}

func writeLocalState(t *testing.T) (walDir, ledgerDir string) {
	t.Helper()
	walDir = t.TempDir()
	ledgerDir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(walDir, "wal-00000001.log"), []byte("entry-1\nentry-2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(walDir, "wal-00000002.log"), []byte("entry-3\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(ledgerDir, "acme"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ledgerDir, "acme", "usage.jsonl"), []byte("{\"trace_id\":\"tr-1\"}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ledgerDir, "acme", "usage.2026-02-01.jsonl.gz"), []byte{0x1f, 0x8b, 0x08}, 0o644))
	// Non-ledger files in the tree are not archived.
	require.NoError(t, os.WriteFile(filepath.Join(ledgerDir, "acme", "notes.txt"), []byte("ignore"), 0o644))
	return walDir, ledgerDir
}

func TestSyncOnceUploadsCheckpointLast(t *testing.T) {
	walDir, ledgerDir := writeLocalState(t)
	store := newMemObjectStore()
	s := NewSyncer(store, Config{WALDir: walDir, LedgerDir: ledgerDir, Prefix: "metering"}, func() wal.Status {
		return wal.Status{HeadSeq: 42}
	}, nil)

	cp, err := s.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cp.HeadSeq)
	assert.Len(t, cp.Objects, 4)

	require.NotEmpty(t, store.puts)
	assert.Equal(t, "metering/checkpoint.json", store.puts[len(store.puts)-1])
	assert.Contains(t, store.objects, "metering/wal/wal-00000001.log")
	assert.Contains(t, store.objects, "metering/wal/wal-00000002.log")
	assert.Contains(t, store.objects, "metering/ledger/acme/usage.jsonl")
	assert.Contains(t, store.objects, "metering/ledger/acme/usage.2026-02-01.jsonl.gz")
	assert.NotContains(t, store.objects, "metering/ledger/acme/notes.txt")
}

func TestSyncOnceSkipsUnchangedObjects(t *testing.T) {
	walDir, ledgerDir := writeLocalState(t)
	store := newMemObjectStore()
	s := NewSyncer(store, Config{WALDir: walDir, LedgerDir: ledgerDir}, nil, nil)
	ctx := context.Background()

	_, err := s.SyncOnce(ctx)
	require.NoError(t, err)
	before := len(store.puts)

	_, err = s.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, len(store.puts), "an unchanged run uploads only the checkpoint")

	// A changed file is re-uploaded.
	require.NoError(t, os.WriteFile(filepath.Join(walDir, "wal-00000002.log"), []byte("entry-3\nentry-4\n"), 0o644))
	_, err = s.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+3, len(store.puts))
}

func TestRestoreRoundTrip(t *testing.T) {
	walDir, ledgerDir := writeLocalState(t)
	store := newMemObjectStore()
	s := NewSyncer(store, Config{WALDir: walDir, LedgerDir: ledgerDir, Prefix: "p"}, nil, nil)
	ctx := context.Background()

	_, err := s.SyncOnce(ctx)
	require.NoError(t, err)

	dest := t.TempDir()
	cp, err := s.Restore(ctx, dest)
	require.NoError(t, err)
	assert.Len(t, cp.Objects, 4)

	restored, err := os.ReadFile(filepath.Join(dest, "wal", "wal-00000001.log"))
	require.NoError(t, err)
	assert.Equal(t, "entry-1\nentry-2\n", string(restored))

	restored, err = os.ReadFile(filepath.Join(dest, "ledger", "acme", "usage.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "{\"trace_id\":\"tr-1\"}\n", string(restored))
}

func TestRestoreRejectsHashMismatch(t *testing.T) {
	walDir, ledgerDir := writeLocalState(t)
	store := newMemObjectStore()
	s := NewSyncer(store, Config{WALDir: walDir, LedgerDir: ledgerDir}, nil, nil)
	ctx := context.Background()

	_, err := s.SyncOnce(ctx)
	require.NoError(t, err)

	// Corrupt one archived object in place.
	store.objects["wal/wal-00000001.log"] = []byte("tampered")

	_, err = s.Restore(ctx, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestRestoreWithoutCheckpointFails(t *testing.T) {
	s := NewSyncer(newMemObjectStore(), Config{}, nil, nil)
	_, err := s.Restore(context.Background(), t.TempDir())
	require.Error(t, err)
}
