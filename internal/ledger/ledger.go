package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/ocx/metering/internal/faults"
)

const liveFile = "usage.jsonl"

// DefaultMaxEntryBytes keeps one serialized line within a single POSIX
// O_APPEND write so concurrent processes can never interleave bytes.
const DefaultMaxEntryBytes = 4096

// Config carries the recognized ledger options.
type Config struct {
	BaseDir         string
	Fsync           bool // fdatasync after each append; on by default in production
	RotationAgeDays int
	RetentionDays   int
	MaxEntryBytes   int
}

var tenantRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidTenant enforces the tenant allowlist: alphanumeric plus -_ only,
// which structurally rules out path separators and "..".
func ValidTenant(tenant string) bool { return tenantRe.MatchString(tenant) }

type chainOp struct {
	fn   func() error
	resp chan error
}

// Ledger manages one journal file per tenant. Writes to a tenant are
// funneled through that tenant's chain goroutine so no two writes to the
// same file ever interleave; maintenance operations (recover, recompute,
// rotate) ride the same chain for exclusivity.
type Ledger struct {
	cfg Config

	mu     sync.Mutex
	chains map[string]chan chainOp
	wg     sync.WaitGroup
	closed bool
}

// New builds a ledger rooted at cfg.BaseDir.
func New(cfg Config) (*Ledger, error) {
	if cfg.BaseDir == "" {
		return nil, faults.New(faults.ConfigInvalid, "ledger: baseDir is required")
	}
	if cfg.MaxEntryBytes <= 0 {
		cfg.MaxEntryBytes = DefaultMaxEntryBytes
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, faults.Wrap(faults.IO, "ledger: create base dir", err)
	}
	return &Ledger{cfg: cfg, chains: make(map[string]chan chainOp)}, nil
}

// Close drains every tenant chain and stops accepting work.
func (l *Ledger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for _, ch := range l.chains {
		close(ch)
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// chain returns the tenant's ordered write chain, creating it lazily.
func (l *Ledger) chain(tenant string) (chan chainOp, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, faults.New(faults.ShuttingDown, "ledger: closed")
	}
	ch, ok := l.chains[tenant]
	if !ok {
		ch = make(chan chainOp, 64)
		l.chains[tenant] = ch
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for op := range ch {
				op.resp <- op.fn()
			}
		}()
	}
	return ch, nil
}

// run executes fn on the tenant's chain and waits for completion.
func (l *Ledger) run(ctx context.Context, tenant string, fn func() error) error {
	if !ValidTenant(tenant) {
		return faults.Newf(faults.ConfigInvalid, "ledger: invalid tenant id %q", tenant)
	}
	ch, err := l.chain(tenant)
	if err != nil {
		return err
	}
	op := chainOp{fn: fn, resp: make(chan error, 1)}
	select {
	case ch <- op:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-op.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Ledger) tenantDir(tenant string) string {
	return filepath.Join(l.cfg.BaseDir, tenant)
}

func (l *Ledger) livePath(tenant string) string {
	return filepath.Join(l.tenantDir(tenant), liveFile)
}

// Append stamps, validates, and journals one entry for the tenant.
func (l *Ledger) Append(ctx context.Context, tenant string, e *Entry) error {
	if e.TenantID == "" {
		e.TenantID = tenant
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = SchemaVersion
	}
	if e.CRC32 == "" {
		e.Stamp()
	}
	if err := e.Validate(); err != nil {
		return faults.Wrap(faults.BudgetInvalid, "ledger: invalid entry", err)
	}
	line, err := json.Marshal(e)
	if err != nil {
		return faults.Wrap(faults.IO, "ledger: marshal entry", err)
	}
	if len(line)+1 > l.cfg.MaxEntryBytes {
		return faults.Newf(faults.BudgetInvalid, "ledger: entry is %d bytes, limit %d", len(line)+1, l.cfg.MaxEntryBytes)
	}
	line = append(line, '\n')

	return l.run(ctx, tenant, func() error {
		return l.appendLine(tenant, line)
	})
}

func (l *Ledger) appendLine(tenant string, line []byte) error {
	if err := os.MkdirAll(l.tenantDir(tenant), 0o755); err != nil {
		return faults.Wrap(faults.IO, "ledger: create tenant dir", err)
	}
	f, err := os.OpenFile(l.livePath(tenant), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return faults.Wrap(faults.IO, "ledger: open journal", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return faults.Wrap(faults.IO, "ledger: append", err)
	}
	if l.cfg.Fsync {
		if err := f.Sync(); err != nil {
			return faults.Wrap(faults.IO, "ledger: fsync", err)
		}
	}
	return nil
}

// ScanEntries streams each valid entry to fn without loading the whole
// file. Invalid lines are skipped; recovery is the operation that prunes
// them.
func (l *Ledger) ScanEntries(ctx context.Context, tenant string, fn func(*Entry) error) error {
	return l.run(ctx, tenant, func() error {
		return scanFile(l.livePath(tenant), func(line []byte) error {
			var e Entry
			if err := json.Unmarshal(line, &e); err != nil {
				return nil
			}
			if e.SchemaVersion != SchemaVersion || !e.VerifyCRC() {
				return nil
			}
			return fn(&e)
		})
	})
}

// CountEntries returns the number of valid entries in the live journal.
func (l *Ledger) CountEntries(ctx context.Context, tenant string) (int, error) {
	n := 0
	err := l.ScanEntries(ctx, tenant, func(*Entry) error {
		n++
		return nil
	})
	return n, err
}

// TenantIDs lists tenants that have a journal directory.
func (l *Ledger) TenantIDs() ([]string, error) {
	dirs, err := os.ReadDir(l.cfg.BaseDir)
	if err != nil {
		return nil, faults.Wrap(faults.IO, "ledger: list tenants", err)
	}
	var out []string
	for _, d := range dirs {
		if d.IsDir() && ValidTenant(d.Name()) {
			out = append(out, d.Name())
		}
	}
	return out, nil
}

func scanFile(path string, fn func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return faults.Wrap(faults.IO, "ledger: open", err)
	}
	defer f.Close()
	return scanLines(f, fn)
}

func scanLines(f *os.File, fn func([]byte) error) error {
	sc := newLineScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}
