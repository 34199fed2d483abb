// Package ensemble races one completion request across several provider
// pools. The first pool to produce content wins the stream; every other
// branch is cancelled and billed for what it actually consumed.
package ensemble

import (
	"context"
	"fmt"
	"sync"
)

// Usage is a provider's terminal token report.
type Usage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens"`
}

// StreamEvent is one item on a provider stream. Exactly one field is
// set: Delta for a content chunk, Usage for the terminal usage report,
// Err for a stream failure. The channel closes when the stream ends.
type StreamEvent struct {
	Delta string
	Usage *Usage
	Err   error
}

// CompletionRequest is the request fanned out to every pool.
type CompletionRequest struct {
	TraceID   string
	TenantID  string
	Prompt    string
	MaxTokens int64
}

// StreamProvider opens a streaming completion. Implementations must
// honor ctx cancellation by closing the event channel promptly.
type StreamProvider interface {
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error)
}

// Pool names a provider endpoint and its billing identity.
type Pool struct {
	ID       string
	Provider string // billing provider name, e.g. "openai"
	Model    string
	Stream   StreamProvider
}

// Registry holds the configured pools.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]Pool
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]Pool)}
}

// Register adds or replaces a pool.
func (r *Registry) Register(p Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[p.ID] = p
}

// Resolve maps pool ids to pools, in order. Unknown ids are an error.
func (r *Registry) Resolve(ids []string) ([]Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Pool, 0, len(ids))
	for _, id := range ids {
		p, ok := r.pools[id]
		if !ok {
			return nil, fmt.Errorf("unknown pool %q", id)
		}
		out = append(out, p)
	}
	return out, nil
}
