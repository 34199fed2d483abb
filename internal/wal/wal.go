package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ocx/metering/internal/faults"
)

const lockFile = "wal.lock"

// Config carries the recognized WAL options.
type Config struct {
	Dir                  string
	MaxSegmentSize       int64         // bytes before the active segment rotates
	ShutdownDrainTimeout time.Duration // drain budget for Shutdown
	PressureLowBytes     uint64        // appends fail below this free-space mark
	PressureHighBytes    uint64        // appends resume above this mark
	MaxSegments          int           // closed segments retained; 0 keeps all

	// FreeBytesProbe overrides the statfs free-space probe. Tests and
	// exotic filesystems use this; nil selects statfs.
	FreeBytesProbe func(dir string) (uint64, error)
}

func (c *Config) applyDefaults() {
	if c.MaxSegmentSize <= 0 {
		c.MaxSegmentSize = 16 << 20
	}
	if c.ShutdownDrainTimeout <= 0 {
		c.ShutdownDrainTimeout = 5 * time.Second
	}
	if c.PressureLowBytes == 0 {
		c.PressureLowBytes = 128 << 20
	}
	if c.PressureHighBytes < c.PressureLowBytes {
		c.PressureHighBytes = 2 * c.PressureLowBytes
	}
}

// Status is the externally visible WAL state, safe to read concurrently.
type Status struct {
	HeadSeq       uint64 `json:"head_seq"`
	SegmentCount  int    `json:"segment_count"`
	ActiveSegment string `json:"active_segment"`
	Pressure      bool   `json:"pressure"`
	ShuttingDown  bool   `json:"shutting_down"`
}

type appendReq struct {
	op   Op
	path string
	data []byte
	resp chan appendResult
}

type appendResult struct {
	seq uint64
	err error
}

// WAL is the single-writer append-only log. All mutable segment state is
// owned by the writer goroutine; Append communicates with it over a
// bounded channel.
type WAL struct {
	cfg Config

	reqs   chan appendReq
	stopCh chan struct{}
	doneCh chan struct{}
	closed atomic.Bool

	// published for Status()
	headSeq   atomic.Uint64
	segCount  atomic.Int64
	pressured atomic.Bool
	activeSeg atomic.Value // string

	// writer-owned
	seq         uint64
	active      *os.File
	activeIndex uint64
	activeSize  int64
	segments    []string // closed + active, ascending
	cp          *Checkpoint
	pressure    bool

	// overridable in tests
	freeBytes func(dir string) (uint64, error)
}

// Open initializes the log: acquires the process lock, recovers any
// interrupted rotation, truncates a torn tail, and starts the writer.
func Open(cfg Config) (*WAL, error) {
	cfg.applyDefaults()
	if cfg.Dir == "" {
		return nil, faults.New(faults.ConfigInvalid, "wal: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, faults.Wrap(faults.IO, "wal: create dir", err)
	}

	w := &WAL{
		cfg:       cfg,
		reqs:      make(chan appendReq, 256),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		freeBytes: cfg.FreeBytesProbe,
	}
	if w.freeBytes == nil {
		w.freeBytes = statfsFree
	}
	w.activeSeg.Store("")

	if err := w.acquireLock(); err != nil {
		return nil, err
	}
	if err := w.recover(); err != nil {
		w.releaseLock()
		return nil, err
	}

	go w.writerLoop()
	return w, nil
}

// Append journals one operation and returns its sequence number. Errors
// are disk_pressure, shutting_down, or io; none are retried internally.
func (w *WAL) Append(ctx context.Context, op Op, path string, data []byte) (uint64, error) {
	if w.closed.Load() {
		return 0, faults.New(faults.ShuttingDown, "wal: append after shutdown")
	}
	req := appendReq{op: op, path: path, data: data, resp: make(chan appendResult, 1)}
	select {
	case w.reqs <- req:
	case <-w.doneCh:
		return 0, faults.New(faults.ShuttingDown, "wal: append after shutdown")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-req.resp:
		return res.seq, res.err
	case <-w.doneCh:
		// The writer loop is gone. The request may still have been
		// drained and answered just before doneCh closed.
		select {
		case res := <-req.resp:
			return res.seq, res.err
		default:
		}
		return 0, faults.New(faults.ShuttingDown, "wal: shutdown before append completed")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Status returns a consistent snapshot of the published counters.
func (w *WAL) Status() Status {
	return Status{
		HeadSeq:       w.headSeq.Load(),
		SegmentCount:  int(w.segCount.Load()),
		ActiveSegment: w.activeSeg.Load().(string),
		Pressure:      w.pressured.Load(),
		ShuttingDown:  w.closed.Load(),
	}
}

// Shutdown stops accepting appends and drains the queue within the
// configured deadline. If the drain misses the deadline the checkpoint is
// still written, flagged shutdown_incomplete, so the next startup
// reconciles.
func (w *WAL) Shutdown() error {
	if w.closed.Swap(true) {
		<-w.doneCh
		return nil
	}
	close(w.stopCh)
	<-w.doneCh
	return nil
}

// ---------------------------------------------------------------------------
// writer goroutine

func (w *WAL) writerLoop() {
	for {
		select {
		case req := <-w.reqs:
			req.resp <- w.handleAppend(req)
		case <-w.stopCh:
			w.drainAndClose()
			return
		}
	}
}

func (w *WAL) handleAppend(req appendReq) appendResult {
	if err := w.checkPressure(); err != nil {
		return appendResult{err: err}
	}

	now := time.Now().UTC()
	seq := w.seq + 1
	entry := Entry{
		ID:        newEntryID(now, seq),
		Seq:       seq,
		Timestamp: now,
		Op:        req.op,
		Path:      req.path,
		Data:      req.data,
	}
	entry.EntryChecksum = entry.ComputeChecksum()

	line, err := json.Marshal(&entry)
	if err != nil {
		return appendResult{err: faults.Wrap(faults.IO, "wal: marshal entry", err)}
	}
	line = append(line, '\n')

	n, err := w.active.Write(line)
	if err != nil {
		if n == 0 {
			// Nothing landed on disk; the sequence stays dense.
			return appendResult{err: faults.Wrap(faults.IO, "wal: append", err)}
		}
		// Partial line; startup truncation reclaims it but the sequence
		// number is burned.
		w.seq = seq
		w.headSeq.Store(seq)
		return appendResult{err: faults.Wrap(faults.IO, "wal: partial append", err)}
	}

	w.seq = seq
	w.headSeq.Store(seq)
	w.activeSize += int64(n)

	if w.activeSize >= w.cfg.MaxSegmentSize {
		if err := w.rotate(); err != nil {
			// The entry itself is durable; rotation failure surfaces on
			// this append so operators see it.
			return appendResult{seq: seq, err: faults.Wrap(faults.IO, "wal: rotate", err)}
		}
	}
	return appendResult{seq: seq}
}

func (w *WAL) drainAndClose() {
	deadline := time.Now().Add(w.cfg.ShutdownDrainTimeout)
	incomplete := false
drain:
	for {
		select {
		case req := <-w.reqs:
			if time.Now().After(deadline) {
				incomplete = true
				req.resp <- appendResult{err: faults.New(faults.ShuttingDown, "wal: drain deadline exceeded")}
				continue
			}
			req.resp <- w.handleAppend(req)
		default:
			break drain
		}
	}

	w.cp.HeadSeq = w.seq
	w.cp.ShutdownIncomplete = incomplete
	if err := saveCheckpoint(w.cfg.Dir, w.cp); err != nil {
		slog.Error("wal: final checkpoint failed", "err", err)
	}
	if w.active != nil {
		w.active.Sync()
		w.active.Close()
	}
	w.releaseLock()
	close(w.doneCh)
}

// checkPressure applies the low/high watermark hysteresis: once tripped,
// appends stay rejected until free space clears the high mark.
func (w *WAL) checkPressure() error {
	free, err := w.freeBytes(w.cfg.Dir)
	if err != nil {
		// Pressure probing is advisory; never block writes on a probe
		// failure.
		return nil
	}
	if w.pressure {
		if free > w.cfg.PressureHighBytes {
			w.pressure = false
			w.pressured.Store(false)
			slog.Info("wal: disk pressure cleared", "free_bytes", free)
		}
	} else if free < w.cfg.PressureLowBytes {
		w.pressure = true
		w.pressured.Store(true)
		slog.Warn("wal: disk pressure", "free_bytes", free, "low_watermark", w.cfg.PressureLowBytes)
	}
	if w.pressure {
		return faults.Newf(faults.DiskPressure, "wal: %d free bytes below watermark", free)
	}
	return nil
}

// rotate runs the three-phase rotation state machine, persisting each
// phase in the checkpoint before acting on it.
func (w *WAL) rotate() error {
	next := w.activeIndex + 1
	newName := segmentName(next)

	w.cp.HeadSeq = w.seq
	w.cp.ActiveSegment = newName
	w.cp.Phase = PhaseRotating
	if err := saveCheckpoint(w.cfg.Dir, w.cp); err != nil {
		return err
	}

	f, err := os.OpenFile(segmentPath(w.cfg.Dir, newName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.active.Sync()
	w.active.Close()
	w.active = f
	w.activeIndex = next
	w.activeSize = 0
	w.segments = append(w.segments, newName)
	w.activeSeg.Store(newName)
	w.segCount.Store(int64(len(w.segments)))

	retire := w.retirable()
	if len(retire) == 0 {
		w.cp.Phase = PhaseNone
		w.cp.CleanupSegments = nil
		return saveCheckpoint(w.cfg.Dir, w.cp)
	}

	w.cp.Phase = PhaseCleanupStarted
	w.cp.CleanupSegments = retire
	if err := saveCheckpoint(w.cfg.Dir, w.cp); err != nil {
		return err
	}
	w.deleteSegments(retire)
	w.cp.Phase = PhaseCleanupDone
	if err := saveCheckpoint(w.cfg.Dir, w.cp); err != nil {
		return err
	}
	w.cp.Phase = PhaseNone
	w.cp.CleanupSegments = nil
	return saveCheckpoint(w.cfg.Dir, w.cp)
}

// retirable lists closed segments beyond the retention count, oldest first.
func (w *WAL) retirable() []string {
	if w.cfg.MaxSegments <= 0 {
		return nil
	}
	closed := len(w.segments) - 1 // exclude active
	if closed <= w.cfg.MaxSegments {
		return nil
	}
	n := closed - w.cfg.MaxSegments
	retire := make([]string, n)
	copy(retire, w.segments[:n])
	return retire
}

func (w *WAL) deleteSegments(names []string) {
	for _, name := range names {
		err := os.Remove(segmentPath(w.cfg.Dir, name))
		if err != nil && !os.IsNotExist(err) {
			slog.Warn("wal: retire segment", "segment", name, "err", err)
			continue
		}
	}
	kept := w.segments[:0]
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	for _, s := range w.segments {
		if !drop[s] {
			kept = append(kept, s)
		}
	}
	w.segments = kept
	w.segCount.Store(int64(len(w.segments)))
}

// ---------------------------------------------------------------------------
// startup recovery

func (w *WAL) recover() error {
	cp, err := loadCheckpoint(w.cfg.Dir)
	if err != nil {
		return faults.Wrap(faults.IO, "wal: load checkpoint", err)
	}
	w.cp = cp

	switch cp.Phase {
	case PhaseRotating:
		// The new segment may or may not have been created before the
		// crash. Make sure it exists and is readable, then commit.
		p := segmentPath(w.cfg.Dir, cp.ActiveSegment)
		f, err := os.OpenFile(p, os.O_CREATE|os.O_RDONLY, 0o644)
		if err != nil {
			return faults.Wrap(faults.IO, "wal: verify rotated segment", err)
		}
		f.Close()
		slog.Warn("wal: committed interrupted rotation", "segment", cp.ActiveSegment)
	case PhaseCleanupStarted, PhaseCleanupDone:
		for _, name := range cp.CleanupSegments {
			err := os.Remove(segmentPath(w.cfg.Dir, name))
			if err != nil && !os.IsNotExist(err) {
				return faults.Wrap(faults.IO, "wal: resume segment cleanup", err)
			}
		}
		slog.Warn("wal: resumed interrupted cleanup", "segments", len(cp.CleanupSegments))
	}
	if cp.ShutdownIncomplete {
		slog.Warn("wal: previous shutdown did not drain; reconciling head from segments")
	}

	segs, err := listSegments(w.cfg.Dir)
	if err != nil {
		return faults.Wrap(faults.IO, "wal: list segments", err)
	}
	if len(segs) == 0 {
		segs = []string{segmentName(1)}
		f, err := os.OpenFile(segmentPath(w.cfg.Dir, segs[0]), os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return faults.Wrap(faults.IO, "wal: create first segment", err)
		}
		f.Close()
	}
	w.segments = segs

	last := segs[len(segs)-1]
	size, err := truncateTornTail(segmentPath(w.cfg.Dir, last))
	if err != nil {
		return faults.Wrap(faults.IO, "wal: repair tail", err)
	}

	head, err := w.scanHeadSeq(segs)
	if err != nil {
		return err
	}
	w.seq = head
	w.headSeq.Store(head)

	idx, _ := segmentIndex(last)
	w.activeIndex = idx
	w.activeSize = size
	f, err := os.OpenFile(segmentPath(w.cfg.Dir, last), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return faults.Wrap(faults.IO, "wal: open active segment", err)
	}
	w.active = f
	w.activeSeg.Store(last)
	w.segCount.Store(int64(len(segs)))

	w.cp.Phase = PhaseNone
	w.cp.CleanupSegments = nil
	w.cp.ActiveSegment = last
	w.cp.HeadSeq = head
	w.cp.ShutdownIncomplete = false
	return saveCheckpoint(w.cfg.Dir, w.cp)
}

// scanHeadSeq walks segments newest-first until it finds a valid entry.
func (w *WAL) scanHeadSeq(segs []string) (uint64, error) {
	for i := len(segs) - 1; i >= 0; i-- {
		var head uint64
		found := false
		err := scanSegment(segmentPath(w.cfg.Dir, segs[i]), func(e *Entry) {
			if e.Seq > head {
				head = e.Seq
				found = true
			}
		})
		if err != nil {
			return 0, faults.Wrap(faults.IO, "wal: scan segment", err)
		}
		if found {
			return head, nil
		}
	}
	return 0, nil
}

// ---------------------------------------------------------------------------
// process lock

func (w *WAL) acquireLock() error {
	path := filepath.Join(w.cfg.Dir, lockFile)
	raw, err := os.ReadFile(path)
	if err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if perr == nil && pid != os.Getpid() && processAlive(pid) {
			return faults.Newf(faults.IO, "wal: locked by running process %d", pid)
		}
		if perr == nil && pid != os.Getpid() {
			slog.Warn("wal: taking over lock from dead process", "pid", pid)
		}
	} else if !os.IsNotExist(err) {
		return faults.Wrap(faults.IO, "wal: read lock", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return faults.Wrap(faults.IO, "wal: write lock", err)
	}
	return nil
}

func (w *WAL) releaseLock() {
	os.Remove(filepath.Join(w.cfg.Dir, lockFile))
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func statfsFree(dir string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}
