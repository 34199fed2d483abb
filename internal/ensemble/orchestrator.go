package ensemble

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ocx/metering/internal/circuitbreaker"
	"github.com/ocx/metering/internal/faults"
	"github.com/ocx/metering/internal/killswitch"
)

// BranchStatus is a branch's terminal state. Exactly one branch of a
// successful race is completed; the rest are cancelled or failed.
type BranchStatus string

const (
	BranchCompleted BranchStatus = "completed"
	BranchCancelled BranchStatus = "cancelled"
	BranchFailed    BranchStatus = "failed"
)

// Branch is the per-pool outcome, carrying what billing needs.
type Branch struct {
	PoolID        string       `json:"pool_id"`
	Provider      string       `json:"provider"`
	Model         string       `json:"model"`
	Status        BranchStatus `json:"status"`
	SawFirstChunk bool         `json:"saw_first_chunk"`
	ObservedBytes int          `json:"observed_bytes"`
	Usage         *Usage       `json:"usage,omitempty"`
	WasAborted    bool         `json:"was_aborted"`
	FirstChunkMS  int64        `json:"first_chunk_ms,omitempty"`
	Err           error        `json:"-"`
}

// Result is the outcome of a race.
type Result struct {
	WinnerPool string   `json:"winner_pool"`
	Branches   []Branch `json:"branches"`
}

// Config tunes the orchestrator.
type Config struct {
	// FirstChunkTimeout aborts the race when no pool has produced
	// content in time. Zero means wait indefinitely.
	FirstChunkTimeout time.Duration
}

// Orchestrator runs streaming races and non-streaming selections.
type Orchestrator struct {
	cfg      Config
	kill     *killswitch.Switch
	breakers *circuitbreaker.GatewayBreakers
	now      func() time.Time
}

// New builds an orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{cfg: cfg, now: time.Now}
}

// SetKillSwitch makes every branch consult the switch before its
// provider is invoked; killed targets fail without a provider call.
func (o *Orchestrator) SetKillSwitch(k *killswitch.Switch) { o.kill = k }

// SetBreakers routes each branch's stream open through the breaker for
// its provider, so a provider that keeps failing to open streams is
// short-circuited instead of re-dialed on every race.
func (o *Orchestrator) SetBreakers(g *circuitbreaker.GatewayBreakers) { o.breakers = g }

// Race opens a stream per pool and declares the first pool to yield
// content the winner. Winner chunks are forwarded to out in order; all
// other branches are cancelled. out is closed before Race returns.
//
// The returned Result is complete even on error: cancelled and failed
// branches still carry the byte counts billing needs.
func (o *Orchestrator) Race(ctx context.Context, req CompletionRequest, pools []Pool, out chan<- string) (*Result, error) {
	defer close(out)
	if len(pools) == 0 {
		return nil, faults.New(faults.EnsembleFailed, "no pools to race")
	}

	branches := make([]Branch, len(pools))
	cancels := make([]context.CancelFunc, len(pools))
	ctxs := make([]context.Context, len(pools))
	for i, p := range pools {
		branches[i] = Branch{PoolID: p.ID, Provider: p.Provider, Model: p.Model}
		ctxs[i], cancels[i] = context.WithCancel(ctx)
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	// Winner latch. The first branch to present content claims the race
	// under the lock and cancels everyone else; later claims by other
	// branches fail.
	var mu sync.Mutex
	winner := -1
	winnerDeclared := make(chan struct{})
	claim := func(i int) bool {
		mu.Lock()
		defer mu.Unlock()
		if winner == -1 {
			winner = i
			for j, cancel := range cancels {
				if j != i {
					cancel()
				}
			}
			close(winnerDeclared)
			return true
		}
		return winner == i
	}

	start := o.now()
	var wg sync.WaitGroup
	wg.Add(len(pools))
	for i := range pools {
		go func(i int) {
			defer wg.Done()
			o.runBranch(ctxs[i], req, pools[i], &branches[i], claim, i, out, start)
		}(i)
	}

	allDone := make(chan struct{})
	go func() { wg.Wait(); close(allDone) }()

	var timeout <-chan time.Time
	if o.cfg.FirstChunkTimeout > 0 {
		t := time.NewTimer(o.cfg.FirstChunkTimeout)
		defer t.Stop()
		timeout = t.C
	}

	var raceErr error
	select {
	case <-winnerDeclared:
		// Let the winning stream run to completion.
		<-allDone
	case <-allDone:
		// Every branch ended without content.
	case <-timeout:
		raceErr = faults.Newf(faults.EnsembleTimeout, "no content within %s", o.cfg.FirstChunkTimeout)
		for _, cancel := range cancels {
			cancel()
		}
		<-allDone
	case <-ctx.Done():
		for _, cancel := range cancels {
			cancel()
		}
		<-allDone
		raceErr = faults.Wrap(faults.EnsembleFailed, "race cancelled", ctx.Err())
	}

	mu.Lock()
	winnerIdx := winner
	mu.Unlock()

	res := &Result{Branches: branches}
	if winnerIdx >= 0 {
		res.WinnerPool = pools[winnerIdx].ID
		if raceErr == nil && branches[winnerIdx].Status != BranchCompleted {
			raceErr = faults.Wrap(faults.EnsembleFailed, "winner stream failed", branches[winnerIdx].Err)
		}
	} else if raceErr == nil {
		raceErr = faults.New(faults.EnsembleFailed, "every branch failed before content")
	}
	return res, raceErr
}

// runBranch consumes one provider stream. Only the branch that wins the
// latch writes to out, so downstream chunk order is the winner's order.
func (o *Orchestrator) runBranch(ctx context.Context, req CompletionRequest, pool Pool, b *Branch, claim func(int) bool, idx int, out chan<- string, start time.Time) {
	events, err := o.openStream(ctx, req, pool)
	if err != nil {
		b.Status, b.Err = o.terminalFor(ctx, err)
		return
	}

	isWinner := false
	var streamErr error
	for ev := range events {
		switch {
		case ev.Err != nil:
			streamErr = ev.Err
		case ev.Usage != nil:
			b.Usage = ev.Usage
		case ev.Delta != "":
			if !b.SawFirstChunk {
				b.SawFirstChunk = true
				b.FirstChunkMS = time.Since(start).Milliseconds()
				isWinner = claim(idx)
			}
			b.ObservedBytes += len(ev.Delta)
			if isWinner {
				select {
				case out <- ev.Delta:
				case <-ctx.Done():
					streamErr = ctx.Err()
				}
			}
		}
	}

	switch {
	case isWinner && streamErr == nil:
		b.Status = BranchCompleted
	case isWinner:
		b.Status, b.Err = BranchFailed, streamErr
		b.WasAborted = true
	default:
		if streamErr != nil {
			b.Status, b.Err = o.terminalFor(ctx, streamErr)
		} else {
			b.Status = BranchCancelled
		}
		b.WasAborted = true
	}
}

// openStream gates and opens one branch's provider stream: killed
// targets never reach the provider, and with breakers attached the open
// call runs under the provider's breaker.
func (o *Orchestrator) openStream(ctx context.Context, req CompletionRequest, pool Pool) (<-chan StreamEvent, error) {
	if o.kill != nil {
		if killed, reason := o.kill.Check(pool.Provider, pool.Model); killed {
			return nil, faults.Newf(faults.ProviderHalted, "%s/%s halted: %s", pool.Provider, pool.Model, reason)
		}
	}
	if o.breakers == nil {
		return pool.Stream.Stream(ctx, req)
	}
	var events <-chan StreamEvent
	err := o.breakers.Provider(pool.Provider).Execute(ctx, func(ctx context.Context) error {
		var err error
		events, err = pool.Stream.Stream(ctx, req)
		return err
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return nil, faults.Wrap(faults.ProviderHalted, pool.Provider+" circuit open", err)
		}
		return nil, err
	}
	return events, nil
}

// terminalFor maps a branch error to its terminal status: cancellation
// is an expected loss, anything else is a failure.
func (o *Orchestrator) terminalFor(ctx context.Context, err error) (BranchStatus, error) {
	if ctx.Err() != nil {
		return BranchCancelled, nil
	}
	return BranchFailed, err
}
