package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"os"

	"github.com/ocx/metering/internal/faults"
)

func newLineScanner(f *os.File) *bufio.Scanner {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return sc
}

// RecoveryStats summarizes a recovery pass over one tenant journal.
type RecoveryStats struct {
	Valid         int  `json:"valid"`
	Corrupted     int  `json:"corrupted"`
	TruncatedTail bool `json:"truncated_tail"`
}

// Recover scans the tenant journal line by line and rewrites it with only
// the surviving entries. A malformed final line is interpreted as a crash
// mid-write and truncated without counting as corruption; malformed or
// CRC-mismatched middle lines are dropped and counted.
func (l *Ledger) Recover(ctx context.Context, tenant string) (RecoveryStats, error) {
	var stats RecoveryStats
	err := l.run(ctx, tenant, func() error {
		path := l.livePath(tenant)
		raw, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return faults.Wrap(faults.IO, "ledger: read journal", err)
		}

		lines := splitLines(raw)
		var survivors [][]byte
		for i, line := range lines {
			var e Entry
			parseErr := json.Unmarshal(line, &e)
			ok := parseErr == nil && e.SchemaVersion == SchemaVersion && e.VerifyCRC()
			if ok {
				survivors = append(survivors, line)
				stats.Valid++
				continue
			}
			if i == len(lines)-1 && parseErr != nil {
				// Torn tail from a crash mid-write.
				stats.TruncatedTail = true
				slog.Warn("ledger: truncating torn tail", "tenant", tenant)
				continue
			}
			stats.Corrupted++
			slog.Warn("ledger: dropping corrupt entry", "tenant", tenant, "line", i+1)
		}

		return l.rewrite(path, survivors)
	})
	return stats, err
}

// rewrite replaces the journal atomically via temp file + rename.
func (l *Ledger) rewrite(path string, lines [][]byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return faults.Wrap(faults.IO, "ledger: rewrite", err)
	}
	for _, line := range lines {
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return faults.Wrap(faults.IO, "ledger: rewrite", err)
		}
	}
	if l.cfg.Fsync {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmp)
			return faults.Wrap(faults.IO, "ledger: rewrite fsync", err)
		}
	}
	if err := f.Close(); err != nil {
		return faults.Wrap(faults.IO, "ledger: rewrite close", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return faults.Wrap(faults.IO, "ledger: rewrite commit", err)
	}
	return nil
}

// RecomputeStats is the outcome of a cost recompute.
type RecomputeStats struct {
	TotalEntries      int    `json:"total_entries"`
	DuplicatesRemoved int    `json:"duplicates_removed"`
	TotalCostMicro    string `json:"total_cost_micro"`
}

// Recompute scans the journal, deduplicates by trace id (first entry for
// a trace wins), and sums total cost with arbitrary precision.
func (l *Ledger) Recompute(ctx context.Context, tenant string) (RecomputeStats, error) {
	stats := RecomputeStats{TotalCostMicro: "0"}
	seen := make(map[string]bool)
	total := new(big.Int)

	err := l.ScanEntries(ctx, tenant, func(e *Entry) error {
		if seen[e.TraceID] {
			stats.DuplicatesRemoved++
			return nil
		}
		seen[e.TraceID] = true
		stats.TotalEntries++
		n, ok := new(big.Int).SetString(e.TotalCostMicro, 10)
		if !ok {
			// Validate catches this at append time; a hand-edited file
			// could still carry one.
			return nil
		}
		total.Add(total, n)
		return nil
	})
	if err != nil {
		return stats, err
	}
	stats.TotalCostMicro = total.String()
	return stats, nil
}

func splitLines(raw []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			if i > start {
				lines = append(lines, raw[start:i])
			}
			start = i + 1
		}
	}
	if start < len(raw) {
		lines = append(lines, raw[start:])
	}
	return lines
}
