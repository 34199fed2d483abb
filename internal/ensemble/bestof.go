package ensemble

import (
	"context"
	"sync"

	"github.com/ocx/metering/internal/faults"
)

// Candidate is one fully-collected branch output.
type Candidate struct {
	PoolID  string
	Content string
	Usage   *Usage
	Err     error
}

// Scorer rates a candidate's content; higher is better.
type Scorer func(ctx context.Context, content string) (float64, error)

// Parser extracts the comparable value from a structured output, for
// consensus voting.
type Parser func(content string) (string, error)

// collectAll runs every pool to completion concurrently, no cancellation.
func (o *Orchestrator) collectAll(ctx context.Context, req CompletionRequest, pools []Pool) []Candidate {
	candidates := make([]Candidate, len(pools))
	var wg sync.WaitGroup
	wg.Add(len(pools))
	for i, pool := range pools {
		go func(i int, pool Pool) {
			defer wg.Done()
			candidates[i].PoolID = pool.ID
			events, err := pool.Stream.Stream(ctx, req)
			if err != nil {
				candidates[i].Err = err
				return
			}
			var buf []byte
			for ev := range events {
				switch {
				case ev.Err != nil:
					candidates[i].Err = ev.Err
				case ev.Usage != nil:
					candidates[i].Usage = ev.Usage
				case ev.Delta != "":
					buf = append(buf, ev.Delta...)
				}
			}
			candidates[i].Content = string(buf)
		}(i, pool)
	}
	wg.Wait()
	return candidates
}

// BestOfN awaits every branch, scores the successful ones, and returns
// the highest scorer. Ties break on source order so the selection is
// deterministic.
func (o *Orchestrator) BestOfN(ctx context.Context, req CompletionRequest, pools []Pool, score Scorer) (*Candidate, []Candidate, error) {
	if len(pools) == 0 {
		return nil, nil, faults.New(faults.EnsembleFailed, "no pools")
	}
	candidates := o.collectAll(ctx, req, pools)

	best := -1
	bestScore := 0.0
	for i := range candidates {
		if candidates[i].Err != nil {
			continue
		}
		s, err := score(ctx, candidates[i].Content)
		if err != nil {
			candidates[i].Err = err
			continue
		}
		// Strictly greater: earlier pools win ties.
		if best == -1 || s > bestScore {
			best, bestScore = i, s
		}
	}
	if best == -1 {
		return nil, candidates, faults.New(faults.EnsembleFailed, "every branch failed or was unscorable")
	}
	return &candidates[best], candidates, nil
}

// Consensus parses every successful output and returns the candidate
// holding the most agreed value. Ties break on the first pool, in source
// order, whose value reached the winning count.
func (o *Orchestrator) Consensus(ctx context.Context, req CompletionRequest, pools []Pool, parse Parser) (*Candidate, []Candidate, error) {
	if len(pools) == 0 {
		return nil, nil, faults.New(faults.EnsembleFailed, "no pools")
	}
	candidates := o.collectAll(ctx, req, pools)

	counts := make(map[string]int)
	values := make([]string, len(candidates))
	parsed := make([]bool, len(candidates))
	for i := range candidates {
		if candidates[i].Err != nil {
			continue
		}
		v, err := parse(candidates[i].Content)
		if err != nil {
			candidates[i].Err = err
			continue
		}
		values[i], parsed[i] = v, true
		counts[v]++
	}

	bestCount := 0
	for _, n := range counts {
		if n > bestCount {
			bestCount = n
		}
	}
	if bestCount == 0 {
		return nil, candidates, faults.New(faults.EnsembleFailed, "no parseable outputs")
	}
	for i := range candidates {
		if parsed[i] && counts[values[i]] == bestCount {
			return &candidates[i], candidates, nil
		}
	}
	return nil, candidates, faults.New(faults.EnsembleFailed, "no parseable outputs")
}
