// Package circuitbreaker isolates failing payment and provider backends.
// A breaker is CLOSED in normal operation, trips OPEN after consecutive
// failures, and probes recovery through HALF_OPEN after a cool-down.
package circuitbreaker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed   State = iota // requests pass through
	StateOpen                  // requests blocked, backend cooling down
	StateHalfOpen              // limited probes testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many probes in half-open state")
)

// Config tunes a breaker.
type Config struct {
	Name string

	// MaxProbes is how many requests HALF_OPEN admits before deciding.
	MaxProbes uint32

	// Interval clears CLOSED-state counts periodically so old failures
	// age out. Zero keeps counts forever.
	Interval time.Duration

	// Cooldown is how long OPEN lasts before the first probe.
	Cooldown time.Duration

	// TripAfter is the consecutive-failure threshold that opens the
	// breaker from CLOSED.
	TripAfter uint32

	// OnStateChange fires on every transition.
	OnStateChange func(name string, from, to State)
}

func (cfg *Config) withDefaults() {
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 1
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 5
	}
}

// Counts is a window of request outcomes. Generations reset it on every
// state change so stale in-flight results cannot corrupt a new window.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) clear() { *c = Counts{} }

// Requests is incremented once per admitted call, in before; the
// outcome hooks only record how it ended.
func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker is a three-state circuit breaker safe for concurrent use.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	now        func() time.Time
}

// New builds a breaker from cfg, filling zero fields with defaults.
func New(cfg Config) *Breaker {
	cfg.withDefaults()
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = func(name string, from, to State) {
			log.Printf("[breaker:%s] %s -> %s", name, from, to)
		}
	}
	return &Breaker{cfg: cfg, state: StateClosed, now: time.Now}
}

// SetClock overrides the time source for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Name returns the breaker's configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State reports the current position, advancing OPEN to HALF_OPEN when
// the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(b.now())
	return state
}

// Counts returns a copy of the current window.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Allow reports whether a request may proceed, without executing one.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, _ := b.currentState(b.now())
	if state == StateOpen {
		return ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return ErrTooManyRequests
	}
	return nil
}

// Execute runs fn under the breaker. A panic counts as a failure and is
// re-raised.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	generation, err := b.before()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.after(generation, false)
			panic(r)
		}
	}()

	err = fn(ctx)
	b.after(generation, err == nil)
	return err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return generation, ErrTooManyRequests
	}
	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) after(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, current := b.currentState(now)
	if generation != current {
		// Result from a previous window; drop it.
		return
	}

	if success {
		b.counts.onSuccess()
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.cfg.TripAfter {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	b.cfg.OnStateChange(b.cfg.Name, prev, state)
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts.clear()
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.Cooldown)
	default:
		b.expiry = time.Time{}
	}
}

// GatewayBreakers bundles the breakers the billing path needs: one for
// the payment facilitator, one for the chain RPC pool, and a manager
// that hands out a breaker per upstream provider.
type GatewayBreakers struct {
	Facilitator *Breaker
	RPC         *Breaker

	mu        sync.Mutex
	providers map[string]*Breaker
}

// NewGatewayBreakers wires the standard set.
func NewGatewayBreakers() *GatewayBreakers {
	return &GatewayBreakers{
		Facilitator: New(Config{
			Name:      "facilitator",
			MaxProbes: 1,
			Interval:  60 * time.Second,
			Cooldown:  30 * time.Second,
			TripAfter: 5,
		}),
		RPC: New(Config{
			Name:      "chain-rpc",
			MaxProbes: 2,
			Interval:  60 * time.Second,
			Cooldown:  15 * time.Second,
			TripAfter: 5,
		}),
		providers: make(map[string]*Breaker),
	}
}

// Provider returns the breaker for an upstream provider, creating it on
// first use.
func (g *GatewayBreakers) Provider(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.providers[name]; ok {
		return b
	}
	b := New(Config{
		Name:      "provider-" + name,
		MaxProbes: 2,
		Interval:  60 * time.Second,
		Cooldown:  20 * time.Second,
		TripAfter: 5,
	})
	g.providers[name] = b
	return b
}

// Health reports every breaker's state and whether none are open.
func (g *GatewayBreakers) Health() (healthy bool, states map[string]string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	states = map[string]string{
		"facilitator": g.Facilitator.State().String(),
		"chain-rpc":   g.RPC.State().String(),
	}
	for name, b := range g.providers {
		states["provider-"+name] = b.State().String()
	}
	healthy = true
	for _, s := range states {
		if s == StateOpen.String() {
			healthy = false
		}
	}
	return healthy, states
}
