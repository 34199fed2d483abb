package wal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/metering/internal/faults"
)

func openTestWAL(t *testing.T, dir string, mutate func(*Config)) *WAL {
	t.Helper()
	cfg := Config{Dir: dir, MaxSegmentSize: 1 << 20, ShutdownDrainTimeout: time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	w, err := Open(cfg)
	require.NoError(t, err)
	return w
}

func TestAppendAndReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, nil)

	ctx := context.Background()
	for i, payload := range []string{"one", "two", "three"} {
		seq, err := w.Append(ctx, OpWrite, "k", []byte(payload))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq, "sequence must be dense and increasing")
	}
	require.NoError(t, w.Shutdown())

	w2 := openTestWAL(t, dir, nil)
	defer w2.Shutdown()

	var seen []Entry
	stats, err := w2.Replay(func(e *Entry) error {
		require.True(t, e.VerifyChecksum())
		seen = append(seen, *e)
		return nil
	}, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Replayed)
	assert.Equal(t, 0, stats.Errors)
	require.Len(t, seen, 3)
	assert.Equal(t, []byte("three"), seen[2].Data)
	assert.Equal(t, uint64(3), w2.Status().HeadSeq)
}

func TestCompactKeepsLatestWritePerPath(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, nil)
	defer w.Shutdown()

	ctx := context.Background()
	_, err := w.Append(ctx, OpWrite, "a", []byte("a1"))
	require.NoError(t, err)
	_, err = w.Append(ctx, OpWrite, "b", []byte("b1"))
	require.NoError(t, err)
	_, err = w.Append(ctx, OpWrite, "a", []byte("a2"))
	require.NoError(t, err)

	entries, err := w.EntriesSince(0, 0)
	require.NoError(t, err)

	compacted := Compact(entries)
	require.Len(t, compacted, 2)
	assert.Equal(t, "b", compacted[0].Path)
	assert.Equal(t, []byte("b1"), compacted[0].Data)
	assert.Equal(t, "a", compacted[1].Path)
	assert.Equal(t, []byte("a2"), compacted[1].Data)
}

func TestCompactTrailingDelete(t *testing.T) {
	entries := []Entry{
		{Seq: 1, Op: OpWrite, Path: "x"},
		{Seq: 2, Op: OpDelete, Path: "x"},
		{Seq: 3, Op: OpWrite, Path: "y"},
		{Seq: 4, Op: OpAudit, Path: "a"},
	}
	out := Compact(entries)
	require.Len(t, out, 3)
	assert.Equal(t, OpDelete, out[0].Op)
	assert.Equal(t, "y", out[1].Path)
	assert.Equal(t, OpAudit, out[2].Op)
}

func TestReplayToleratesUnknownOperation(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, nil)
	_, err := w.Append(context.Background(), OpWrite, "p", nil)
	require.NoError(t, err)
	require.NoError(t, w.Shutdown())

	// Hand-craft an entry with a tag from a future version.
	e := Entry{ID: "future", Seq: 2, Timestamp: time.Now().UTC(), Op: Op("shard_move"), Path: "p"}
	e.EntryChecksum = e.ComputeChecksum()
	line, err := json.Marshal(&e)
	require.NoError(t, err)
	seg := filepath.Join(dir, segmentName(1))
	f, err := os.OpenFile(seg, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(append(line, '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2 := openTestWAL(t, dir, nil)
	defer w2.Shutdown()
	stats, err := w2.Replay(func(*Entry) error { return nil }, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Replayed, "unknown tags are delivered, not fatal")
	assert.Equal(t, 0, stats.Errors)
}

func TestReplaySkipsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, nil)
	_, err := w.Append(context.Background(), OpWrite, "p", []byte("ok"))
	require.NoError(t, err)
	require.NoError(t, w.Shutdown())

	e := Entry{ID: "bad", Seq: 2, Timestamp: time.Now().UTC(), Op: OpWrite, Path: "p", EntryChecksum: "deadbeefdeadbeef"}
	line, _ := json.Marshal(&e)
	seg := filepath.Join(dir, segmentName(1))
	f, err := os.OpenFile(seg, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	f.Write(append(line, '\n'))
	f.Close()

	w2 := openTestWAL(t, dir, nil)
	defer w2.Shutdown()
	stats, err := w2.Replay(func(*Entry) error { return nil }, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Replayed)
	assert.Equal(t, 1, stats.Errors)
}

func TestDiskPressureHysteresis(t *testing.T) {
	dir := t.TempDir()
	var free atomic.Uint64
	free.Store(1 << 30)

	w := openTestWAL(t, dir, func(c *Config) {
		c.PressureLowBytes = 100
		c.PressureHighBytes = 200
		c.FreeBytesProbe = func(string) (uint64, error) { return free.Load(), nil }
	})
	defer w.Shutdown()
	ctx := context.Background()

	_, err := w.Append(ctx, OpWrite, "p", nil)
	require.NoError(t, err)

	free.Store(50)
	_, err = w.Append(ctx, OpWrite, "p", nil)
	require.Error(t, err)
	assert.Equal(t, faults.DiskPressure, faults.KindOf(err))
	assert.True(t, w.Status().Pressure)

	// Between low and high the limiter must stay tripped (hysteresis).
	free.Store(150)
	_, err = w.Append(ctx, OpWrite, "p", nil)
	require.Error(t, err)
	assert.Equal(t, faults.DiskPressure, faults.KindOf(err))

	free.Store(250)
	_, err = w.Append(ctx, OpWrite, "p", nil)
	require.NoError(t, err)
	assert.False(t, w.Status().Pressure)
}

func TestSegmentRotation(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, func(c *Config) { c.MaxSegmentSize = 256 })
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := w.Append(ctx, OpWrite, "p", []byte("padding-padding-padding"))
		require.NoError(t, err)
	}
	st := w.Status()
	assert.Greater(t, st.SegmentCount, 1, "small segment size must force rotation")
	require.NoError(t, w.Shutdown())

	cp, err := loadCheckpoint(dir)
	require.NoError(t, err)
	assert.Equal(t, PhaseNone, cp.Phase)
	assert.Equal(t, uint64(10), cp.HeadSeq)

	w2 := openTestWAL(t, dir, nil)
	defer w2.Shutdown()
	stats, err := w2.Replay(func(*Entry) error { return nil }, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Replayed)
}

func TestCrashDuringCleanupIsRecovered(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, nil)
	_, err := w.Append(context.Background(), OpWrite, "p", nil)
	require.NoError(t, err)
	require.NoError(t, w.Shutdown())

	// Simulate a crash after cleanup_started was persisted but before the
	// listed segment was removed.
	stale := segmentName(99)
	require.NoError(t, os.WriteFile(filepath.Join(dir, stale), nil, 0o644))
	cp, err := loadCheckpoint(dir)
	require.NoError(t, err)
	cp.Phase = PhaseCleanupStarted
	cp.CleanupSegments = []string{stale, segmentName(98)} // 98 never existed
	require.NoError(t, saveCheckpoint(dir, cp))

	w2 := openTestWAL(t, dir, nil)
	defer w2.Shutdown()
	_, err = os.Stat(filepath.Join(dir, stale))
	assert.True(t, os.IsNotExist(err), "listed segment must be deleted on recovery")
	cp2, err := loadCheckpoint(dir)
	require.NoError(t, err)
	assert.Equal(t, PhaseNone, cp2.Phase)
}

func TestTornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, nil)
	_, err := w.Append(context.Background(), OpWrite, "p", []byte("whole"))
	require.NoError(t, err)
	require.NoError(t, w.Shutdown())

	seg := filepath.Join(dir, segmentName(1))
	f, err := os.OpenFile(seg, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	f.WriteString(`{"id":"torn","seq":2,"oper`)
	f.Close()

	w2 := openTestWAL(t, dir, nil)
	defer w2.Shutdown()
	assert.Equal(t, uint64(1), w2.Status().HeadSeq)
	stats, err := w2.Replay(func(*Entry) error { return nil }, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Replayed)
	assert.Equal(t, 0, stats.Errors)
}

func TestAppendAfterShutdownRejected(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, nil)
	require.NoError(t, w.Shutdown())

	_, err := w.Append(context.Background(), OpWrite, "p", nil)
	require.Error(t, err)
	assert.Equal(t, faults.ShuttingDown, faults.KindOf(err))
}

func TestLockTakeoverFromDeadProcess(t *testing.T) {
	dir := t.TempDir()
	// A pid that is certainly not running.
	require.NoError(t, os.WriteFile(filepath.Join(dir, lockFile), []byte("999999"), 0o644))
	w := openTestWAL(t, dir, nil)
	require.NoError(t, w.Shutdown())
}

func TestEntriesSincePagination(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, nil)
	defer w.Shutdown()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := w.Append(ctx, OpWrite, "p", nil)
		require.NoError(t, err)
	}

	page, err := w.EntriesSince(2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(3), page[0].Seq)
	assert.Equal(t, uint64(4), page[1].Seq)
}

// Appends racing a shutdown must all return: either with a sequence
// number (the drain answered them) or shutting_down, never a hang.
func TestAppendDuringShutdownAlwaysReturns(t *testing.T) {
	w := openTestWAL(t, t.TempDir(), nil)
	ctx := context.Background()

	const writers = 8
	done := make(chan error, writers)
	var started sync.WaitGroup
	started.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			started.Done()
			for {
				_, err := w.Append(ctx, OpWrite, "k", []byte{byte(i)})
				if err != nil {
					done <- err
					return
				}
			}
		}(i)
	}
	started.Wait()
	require.NoError(t, w.Shutdown())

	for i := 0; i < writers; i++ {
		select {
		case err := <-done:
			assert.True(t, faults.Is(err, faults.ShuttingDown), "unexpected append error: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("append did not return after shutdown")
		}
	}
}
