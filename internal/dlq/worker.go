package dlq

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// ReplayFunc pushes one dead letter back through the billing path.
// A nil return resolves the entry; any error reschedules it.
type ReplayFunc func(ctx context.Context, e Entry) error

// WorkerConfig tunes the replay loop.
type WorkerConfig struct {
	Interval     time.Duration // poll cadence, default 30s
	BatchSize    int64         // entries claimed per tick, default 32
	LeaseTTL     time.Duration // exclusive claim duration, default 2m
	BaseBackoff  time.Duration // first retry delay, default 1m
	MaxBackoff   time.Duration // backoff ceiling, default 1h
	MaxAttempts  int           // attempts before poison, default 8
	OnReplayed   func(reservationID string)
	OnPoisoned   func(reservationID string)
	OnRetryLater func(reservationID string, attempt int)
}

func (c *WorkerConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Minute
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
}

// Worker periodically replays due dead letters. Multiple replicas may
// run one each; the per-entry lease keeps them from double-billing.
type Worker struct {
	store    *Store
	replay   ReplayFunc
	cfg      WorkerConfig
	workerID string
}

// NewWorker builds a replay worker around the dead-letter store.
func NewWorker(store *Store, replay ReplayFunc, cfg WorkerConfig) *Worker {
	cfg.defaults()
	return &Worker{
		store:    store,
		replay:   replay,
		cfg:      cfg,
		workerID: uuid.New().String(),
	}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[DLQ] replay worker %s started (interval=%s)", w.workerID, w.cfg.Interval)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[DLQ] replay worker %s stopped", w.workerID)
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick claims and replays one batch of due entries. Exposed so the
// admin surface can force a drain.
func (w *Worker) Tick(ctx context.Context) {
	ids, err := w.store.Ready(ctx, w.cfg.BatchSize)
	if err != nil {
		log.Printf("[DLQ] ready scan failed: %v", err)
		return
	}
	for _, id := range ids {
		w.replayOne(ctx, id)
	}
}

func (w *Worker) replayOne(ctx context.Context, reservationID string) {
	held, err := w.store.Lease(ctx, reservationID, w.workerID, w.cfg.LeaseTTL)
	if err != nil {
		log.Printf("[DLQ] lease %s failed: %v", reservationID, err)
		return
	}
	if !held {
		return // another replica has it
	}
	defer func() {
		if err := w.store.Unlease(ctx, reservationID); err != nil {
			log.Printf("[DLQ] unlease %s failed: %v", reservationID, err)
		}
	}()

	e, err := w.store.Get(ctx, reservationID)
	if err != nil {
		log.Printf("[DLQ] load %s failed: %v", reservationID, err)
		return
	}
	if e == nil {
		// Resolved between scan and lease. Drop the stale index entry.
		_ = w.store.Resolve(ctx, reservationID)
		return
	}

	if err := w.replay(ctx, *e); err != nil {
		if e.AttemptCount+1 >= w.cfg.MaxAttempts {
			if perr := w.store.Poison(ctx, e); perr != nil {
				log.Printf("[DLQ] poison %s failed: %v", reservationID, perr)
				return
			}
			log.Printf("[DLQ] entry %s poisoned after %d attempts: %v", reservationID, e.AttemptCount+1, err)
			if w.cfg.OnPoisoned != nil {
				w.cfg.OnPoisoned(reservationID)
			}
			return
		}
		backoff := w.backoffFor(e.AttemptCount + 1)
		if rerr := w.store.Reschedule(ctx, e, backoff); rerr != nil {
			log.Printf("[DLQ] reschedule %s failed: %v", reservationID, rerr)
			return
		}
		log.Printf("[DLQ] replay %s failed (attempt %d, retry in %s): %v", reservationID, e.AttemptCount, backoff, err)
		if w.cfg.OnRetryLater != nil {
			w.cfg.OnRetryLater(reservationID, e.AttemptCount)
		}
		return
	}

	if err := w.store.Resolve(ctx, reservationID); err != nil {
		log.Printf("[DLQ] resolve %s failed: %v", reservationID, err)
		return
	}
	if w.cfg.OnReplayed != nil {
		w.cfg.OnReplayed(reservationID)
	}
}

// backoffFor doubles per attempt from the base, capped at the ceiling.
func (w *Worker) backoffFor(attempt int) time.Duration {
	d := w.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	if d > w.cfg.MaxBackoff {
		return w.cfg.MaxBackoff
	}
	return d
}
