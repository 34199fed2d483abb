package ledger

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/ocx/metering/internal/faults"
)

var archiveRe = regexp.MustCompile(`^usage\.(\d{4}-\d{2}-\d{2})(?:-\d+)?\.jsonl\.gz$`)

// Rotate compresses the live journal to usage.YYYY-MM-DD.jsonl.gz and
// truncates it, when the journal's oldest entry is older than the
// configured rotation age. A name collision gets a numeric suffix.
func (l *Ledger) Rotate(ctx context.Context, tenant string) (bool, error) {
	if l.cfg.RotationAgeDays <= 0 {
		return false, nil
	}
	rotated := false
	err := l.run(ctx, tenant, func() error {
		path := l.livePath(tenant)
		oldest, ok, err := oldestEntryTime(path)
		if err != nil || !ok {
			return err
		}
		if time.Since(oldest) < time.Duration(l.cfg.RotationAgeDays)*24*time.Hour {
			return nil
		}

		archive := l.archivePath(tenant, oldest)
		if err := gzipFile(path, archive); err != nil {
			return err
		}
		if err := os.Truncate(path, 0); err != nil {
			return faults.Wrap(faults.IO, "ledger: truncate after rotation", err)
		}
		rotated = true
		slog.Info("ledger: rotated journal", "tenant", tenant, "archive", filepath.Base(archive))
		return nil
	})
	return rotated, err
}

// archivePath picks a collision-free archive name for the given day.
func (l *Ledger) archivePath(tenant string, day time.Time) string {
	base := filepath.Join(l.tenantDir(tenant), fmt.Sprintf("usage.%s.jsonl.gz", day.UTC().Format("2006-01-02")))
	path := base
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(l.tenantDir(tenant), fmt.Sprintf("usage.%s-%d.jsonl.gz", day.UTC().Format("2006-01-02"), i))
	}
}

// CleanRetention deletes archives older than the retention window.
// Returns the number removed.
func (l *Ledger) CleanRetention(ctx context.Context, tenant string) (int, error) {
	if l.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	removed := 0
	err := l.run(ctx, tenant, func() error {
		entries, err := os.ReadDir(l.tenantDir(tenant))
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return faults.Wrap(faults.IO, "ledger: list archives", err)
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -l.cfg.RetentionDays)
		for _, de := range entries {
			m := archiveRe.FindStringSubmatch(de.Name())
			if m == nil {
				continue
			}
			day, perr := time.Parse("2006-01-02", m[1])
			if perr != nil || !day.Before(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(l.tenantDir(tenant), de.Name())); err != nil {
				slog.Warn("ledger: retention delete failed", "archive", de.Name(), "err", err)
				continue
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// ArchiveNames lists the tenant's archive files, for archival sync.
func (l *Ledger) ArchiveNames(tenant string) ([]string, error) {
	entries, err := os.ReadDir(l.tenantDir(tenant))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Wrap(faults.IO, "ledger: list archives", err)
	}
	var out []string
	for _, de := range entries {
		if archiveRe.MatchString(de.Name()) {
			out = append(out, filepath.Join(l.tenantDir(tenant), de.Name()))
		}
	}
	return out, nil
}

func oldestEntryTime(path string) (time.Time, bool, error) {
	var oldest time.Time
	found := false
	err := scanFile(path, func(line []byte) error {
		if found {
			return nil
		}
		var e Entry
		if json.Unmarshal(line, &e) != nil {
			return nil
		}
		ts, perr := time.Parse(time.RFC3339Nano, e.Timestamp)
		if perr != nil {
			return nil
		}
		oldest = ts
		found = true
		return nil
	})
	return oldest, found, err
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return faults.Wrap(faults.IO, "ledger: open for rotation", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return faults.Wrap(faults.IO, "ledger: create archive", err)
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		os.Remove(dst)
		return faults.Wrap(faults.IO, "ledger: compress", err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return faults.Wrap(faults.IO, "ledger: finalize archive", err)
	}
	return out.Close()
}
