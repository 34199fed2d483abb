// Package ratelimit enforces per-(provider, model) admission: a one-minute
// sliding-window RPM limit and a two-window weighted TPM limit. All
// ordering lives in the state store, not in process locks, and each
// admission is a single Eval so concurrent gateways
// cannot double-admit.
//
// When the store is unreachable both paths FAIL OPEN and admit: the
// upstream provider's own limits are the backstop. This is a deliberate
// availability choice; operators are told via the health surface and the
// fail-open counters.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/metering/internal/statestore"
)

// Limits is the per-model admission budget.
type Limits struct {
	RPM int64 `yaml:"rpm" json:"rpm"`
	TPM int64 `yaml:"tpm" json:"tpm"`
}

const (
	rpmWindow    = time.Minute
	rpmKeySlack  = 30 * time.Second // TTL = window + slack
	tpmKeyExpiry = 3 * time.Minute
)

// Limiter admits requests and token budgets against the store.
type Limiter struct {
	store  statestore.Store
	limits map[string]Limits // "provider/model" -> limits
	def    Limits            // fallback when a pair is unconfigured; zero disables that check
	now    func() time.Time

	// observability hooks, set by the metrics bundle
	OnAdmit    func(kind, outcome string)
	OnFailOpen func(kind string)
}

// New builds a limiter. limits keys are "provider/model"; def applies to
// unlisted pairs.
func New(store statestore.Store, limits map[string]Limits, def Limits) *Limiter {
	if limits == nil {
		limits = map[string]Limits{}
	}
	return &Limiter{store: store, limits: limits, def: def, now: time.Now}
}

// SetClock overrides the time source for tests.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

func (l *Limiter) limitsFor(provider, model string) Limits {
	if lim, ok := l.limits[provider+"/"+model]; ok {
		return lim
	}
	return l.def
}

func (l *Limiter) observe(kind, outcome string) {
	if l.OnAdmit != nil {
		l.OnAdmit(kind, outcome)
	}
}

func (l *Limiter) failOpen(kind, provider, model string, err error) bool {
	slog.Warn("ratelimit: store unreachable, failing open",
		"kind", kind, "provider", provider, "model", model, "err", err)
	if l.OnFailOpen != nil {
		l.OnFailOpen(kind)
	}
	l.observe(kind, "fail_open")
	return true
}

// AdmitRequest runs the RPM sliding-window check and, when admitted,
// records the request in the window.
func (l *Limiter) AdmitRequest(ctx context.Context, provider, model string) bool {
	lim := l.limitsFor(provider, model)
	if lim.RPM <= 0 {
		l.observe("rpm", "unlimited")
		return true
	}

	now := l.now()
	key := fmt.Sprintf("rate:%s:%s:rpm", provider, model)
	reply, err := l.store.Eval(ctx, statestore.ScriptRPMAdmit,
		[]string{key},
		[]interface{}{
			now.UnixMilli(),
			lim.RPM,
			fmt.Sprintf("%d-%s", now.UnixNano(), uuid.New().String()[:8]),
			rpmWindow.Milliseconds(),
			int64((rpmWindow + rpmKeySlack) / time.Second),
		},
	)
	if err != nil {
		return l.failOpen("rpm", provider, model, err)
	}
	admitted := evalBool(reply)
	if admitted {
		l.observe("rpm", "admitted")
	} else {
		l.observe("rpm", "denied")
	}
	return admitted
}

// AdmitTokens runs the two-window weighted TPM check and, when admitted,
// charges tokens to the current second bucket.
func (l *Limiter) AdmitTokens(ctx context.Context, provider, model string, tokens int64) bool {
	lim := l.limitsFor(provider, model)
	if lim.TPM <= 0 {
		l.observe("tpm", "unlimited")
		return true
	}

	now := l.now()
	minute := now.Unix() / 60
	elapsed := float64(now.Unix()%60) + float64(now.Nanosecond())/1e9
	curKey := fmt.Sprintf("rate:%s:%s:tpm:%d", provider, model, minute)
	prevKey := fmt.Sprintf("rate:%s:%s:tpm:%d", provider, model, minute-1)

	reply, err := l.store.Eval(ctx, statestore.ScriptTPMAdmit,
		[]string{curKey, prevKey},
		[]interface{}{
			tokens,
			lim.TPM,
			fmt.Sprintf("%.3f", elapsed),
			fmt.Sprintf("%d", now.Unix()%60),
			int64(tpmKeyExpiry / time.Second),
		},
	)
	if err != nil {
		return l.failOpen("tpm", provider, model, err)
	}
	admitted := evalBool(reply)
	if admitted {
		l.observe("tpm", "admitted")
	} else {
		l.observe("tpm", "denied")
	}
	return admitted
}

// Reachable reports whether the backing store answers, for the health
// surface. Never returns an error.
func (l *Limiter) Reachable(ctx context.Context) bool {
	return l.store.Ping(ctx) == nil
}

func evalBool(reply interface{}) bool {
	switch v := reply.(type) {
	case int64:
		return v == 1
	case int:
		return v == 1
	case string:
		return v == "1"
	}
	return false
}
