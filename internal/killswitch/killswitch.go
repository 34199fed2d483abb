// Package killswitch is the emergency halt for outbound provider
// calls. A switch can target one provider/model pair, a whole
// provider, or everything; the admission path checks it before any
// network call leaves the process.
package killswitch

import (
	"log"
	"sync"
	"time"
)

const globalTarget = "*"

// Record stores the metadata of an activation.
type Record struct {
	Target      string     `json:"target"` // "provider/model", "provider", or "*"
	Reason      string     `json:"reason"`
	TriggeredBy string     `json:"triggered_by"`
	TriggeredAt time.Time  `json:"triggered_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"` // nil = until revived
}

func (r *Record) active(now time.Time) bool {
	return r.ExpiresAt == nil || r.ExpiresAt.After(now)
}

// Switch tracks halted targets. Check sits on the hot path of every
// provider call, so reads take only the read lock.
type Switch struct {
	mu      sync.RWMutex
	records map[string]*Record
	logger  *log.Logger
	now     func() time.Time
}

// New builds an empty switch.
func New() *Switch {
	return &Switch{
		records: make(map[string]*Record),
		logger:  log.New(log.Writer(), "[KillSwitch] ", log.LstdFlags),
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Switch) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Kill halts a target. Target is "provider/model" for one model,
// "provider" for every model of a provider, or "*" for all outbound
// calls. A nil ttl holds until Revive.
func (s *Switch) Kill(target, reason, triggeredBy string, ttl *time.Duration) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &Record{
		Target:      target,
		Reason:      reason,
		TriggeredBy: triggeredBy,
		TriggeredAt: s.now(),
	}
	if ttl != nil {
		exp := s.now().Add(*ttl)
		r.ExpiresAt = &exp
	}
	s.records[target] = r
	s.logger.Printf("ACTIVATED: target=%s reason=%q by=%s", target, reason, triggeredBy)
	return r
}

// KillAll halts every outbound provider call.
func (s *Switch) KillAll(reason, triggeredBy string, ttl *time.Duration) *Record {
	return s.Kill(globalTarget, reason, triggeredBy, ttl)
}

// Check reports whether calls to provider/model are halted, and why.
// Specific targets shadow nothing; any matching active record halts.
func (s *Switch) Check(provider, model string) (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	for _, target := range []string{provider + "/" + model, provider, globalTarget} {
		if r, ok := s.records[target]; ok && r.active(now) {
			return true, r.Reason
		}
	}
	return false, ""
}

// Revive clears a target. Returns false when no record existed.
func (s *Switch) Revive(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[target]; !ok {
		return false
	}
	delete(s.records, target)
	s.logger.Printf("REVIVED: target=%s", target)
	return true
}

// Active lists the currently effective records, expired ones pruned.
func (s *Switch) Active() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []*Record
	for target, r := range s.records {
		if !r.active(now) {
			delete(s.records, target)
			continue
		}
		out = append(out, r)
	}
	return out
}
