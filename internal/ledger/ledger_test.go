package ledger

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/metering/internal/faults"
)

func testEntry(trace, total string) *Entry {
	e := &Entry{
		SchemaVersion:      SchemaVersion,
		Timestamp:          NewTimestamp(time.Now()),
		TraceID:            trace,
		Agent:              "gateway",
		Provider:           "openai",
		Model:              "gpt-x",
		TenantID:           "acme",
		InputTokens:        10,
		OutputTokens:       20,
		InputCostMicro:     total,
		OutputCostMicro:    "0",
		ReasoningCostMicro: "0",
		TotalCostMicro:     total,
		BillingMethod:      BillingProviderReported,
	}
	return e
}

func newTestLedger(t *testing.T, mutate func(*Config)) *Ledger {
	t.Helper()
	cfg := Config{BaseDir: t.TempDir()}
	if mutate != nil {
		mutate(&cfg)
	}
	l, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestAppendStampsAndValidates(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()

	e := testEntry("tr-1", "750")
	require.NoError(t, l.Append(ctx, "acme", e))
	assert.True(t, e.VerifyCRC())

	n, err := l.CountEntries(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppendRejectsBadTenant(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()
	for _, tenant := range []string{"../etc", "a/b", "a..b/", "", "sp ace"} {
		err := l.Append(ctx, tenant, testEntry("tr", "1"))
		require.Error(t, err, "tenant %q must be rejected", tenant)
	}
}

func TestAppendRejectsOversizeEntry(t *testing.T) {
	l := newTestLedger(t, nil)
	e := testEntry("tr-big", "1")
	e.ProjectID = strings.Repeat("x", DefaultMaxEntryBytes)
	err := l.Append(context.Background(), "acme", e)
	require.Error(t, err)
	assert.Equal(t, faults.BudgetInvalid, faults.KindOf(err))
}

func TestAppendRejectsCostMismatch(t *testing.T) {
	l := newTestLedger(t, nil)
	e := testEntry("tr-sum", "750")
	e.TotalCostMicro = "751"
	err := l.Append(context.Background(), "acme", e)
	require.Error(t, err)
}

// A valid entry whose cost is mutated on disk must fail CRC and be
// dropped by recovery, counted as corruption.
func TestRecoverDropsMutatedEntry(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, "acme", testEntry("tr-mut", "750")))

	path := filepath.Join(l.cfg.BaseDir, "acme", liveFile)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	mutated := bytes.Replace(raw, []byte(`"750"`), []byte(`"999"`), -1)
	require.NotEqual(t, raw, mutated)
	require.NoError(t, os.WriteFile(path, mutated, 0o644))

	stats, err := l.Recover(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Valid)
	assert.Equal(t, 1, stats.Corrupted)

	n, err := l.CountEntries(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRecoverTruncatesTornTail(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, "acme", testEntry("tr-a", "10")))
	require.NoError(t, l.Append(ctx, "acme", testEntry("tr-b", "20")))

	path := filepath.Join(l.cfg.BaseDir, "acme", liveFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	f.WriteString(`{"schema_version":2,"trace_id":"torn`)
	f.Close()

	stats, err := l.Recover(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Valid)
	assert.Equal(t, 0, stats.Corrupted)
	assert.True(t, stats.TruncatedTail)

	// Every surviving entry verifies.
	require.NoError(t, l.ScanEntries(ctx, "acme", func(e *Entry) error {
		assert.True(t, e.VerifyCRC())
		return nil
	}))
}

func TestRecomputeDeduplicatesByTrace(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, "acme", testEntry("tr-1", "100")))
	require.NoError(t, l.Append(ctx, "acme", testEntry("tr-2", "250")))
	// Retry of tr-1 lands as a duplicate line.
	require.NoError(t, l.Append(ctx, "acme", testEntry("tr-1", "100")))

	stats, err := l.Recompute(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, 1, stats.DuplicatesRemoved)
	assert.Equal(t, "350", stats.TotalCostMicro)
}

func TestRotateCompressesAndTruncates(t *testing.T) {
	l := newTestLedger(t, func(c *Config) { c.RotationAgeDays = 1 })
	ctx := context.Background()

	old := testEntry("tr-old", "5")
	old.Timestamp = NewTimestamp(time.Now().AddDate(0, 0, -3))
	require.NoError(t, l.Append(ctx, "acme", old))

	rotated, err := l.Rotate(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, rotated)

	archives, err := l.ArchiveNames("acme")
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.Regexp(t, `usage\.\d{4}-\d{2}-\d{2}\.jsonl\.gz$`, archives[0])

	n, err := l.CountEntries(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// A second rotation for the same day must not clobber the archive.
	old2 := testEntry("tr-old2", "5")
	old2.Timestamp = old.Timestamp
	require.NoError(t, l.Append(ctx, "acme", old2))
	rotated, err = l.Rotate(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, rotated)
	archives, err = l.ArchiveNames("acme")
	require.NoError(t, err)
	assert.Len(t, archives, 2)
}

func TestCleanRetention(t *testing.T) {
	l := newTestLedger(t, func(c *Config) { c.RetentionDays = 30 })
	ctx := context.Background()
	dir := filepath.Join(l.cfg.BaseDir, "acme")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	oldDay := time.Now().UTC().AddDate(0, 0, -60).Format("2006-01-02")
	recentDay := time.Now().UTC().AddDate(0, 0, -2).Format("2006-01-02")
	require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("usage.%s.jsonl.gz", oldDay)), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("usage.%s.jsonl.gz", recentDay)), nil, 0o644))

	removed, err := l.CleanRetention(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	archives, err := l.ArchiveNames("acme")
	require.NoError(t, err)
	assert.Len(t, archives, 1)
}

func TestTenantIDs(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, "acme", testEntry("t1", "1")))
	require.NoError(t, l.Append(ctx, "globex", testEntry("t2", "1")))

	ids, err := l.TenantIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acme", "globex"}, ids)
}
