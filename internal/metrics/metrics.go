// Package metrics is the Prometheus bundle for the metering substrate.
// Components stay metrics-free; they expose hooks and status funcs,
// and the bundle binds to those at wiring time.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ocx/metering/internal/dlq"
	"github.com/ocx/metering/internal/ratelimit"
	"github.com/ocx/metering/internal/wal"
)

// Metrics holds every Prometheus metric the substrate emits.
type Metrics struct {
	// Admission
	RateAdmissions *prometheus.CounterVec
	RateFailOpen   *prometheus.CounterVec

	// Billing
	BudgetCommits   *prometheus.CounterVec
	LedgerAppends   *prometheus.CounterVec
	X402Verify      *prometheus.CounterVec
	SettlementRuns  *prometheus.CounterVec
	CreditDecisions *prometheus.CounterVec

	// Ensemble
	EnsembleRaces    *prometheus.CounterVec
	EnsembleBranches *prometheus.CounterVec

	// Sandbox
	SandboxRuns *prometheus.CounterVec

	// DLQ
	DLQReplayed prometheus.Counter
	DLQPoisoned prometheus.Counter
	DLQRetried  prometheus.Counter

	// Breakers
	BreakerState *prometheus.GaugeVec
}

// New registers the bundle on the given registerer. Tests pass a fresh
// registry; main passes prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RateAdmissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_rate_admissions_total",
				Help: "Rate limiter admission decisions",
			},
			[]string{"kind", "outcome"}, // kind: rpm, tpm; outcome: admitted, denied
		),
		RateFailOpen: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_rate_failopen_total",
				Help: "Admissions granted because the state store was unreachable",
			},
			[]string{"kind"},
		),
		BudgetCommits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_budget_commits_total",
				Help: "Atomic cost commits by result",
			},
			[]string{"result"}, // new, duplicate, failed
		),
		LedgerAppends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_ledger_appends_total",
				Help: "Ledger appends by tenant outcome",
			},
			[]string{"outcome"}, // ok, rejected, io_error
		),
		X402Verify: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_x402_verifications_total",
				Help: "Payment verification outcomes by taxonomy kind",
			},
			[]string{"outcome"},
		),
		SettlementRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_settlement_runs_total",
				Help: "Settlement attempts by path and outcome",
			},
			[]string{"path", "outcome"}, // path: facilitator, direct
		),
		CreditDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_credit_decisions_total",
				Help: "Payment routing decisions",
			},
			[]string{"decision"}, // credits, credits_locked, fallback_usdc
		),
		EnsembleRaces: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_ensemble_races_total",
				Help: "Ensemble races by outcome",
			},
			[]string{"outcome"}, // winner, timeout, failed
		),
		EnsembleBranches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_ensemble_branches_total",
				Help: "Ensemble branch terminal states by billing method",
			},
			[]string{"status", "billing_method"},
		),
		SandboxRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_sandbox_runs_total",
				Help: "Sandbox command executions",
			},
			[]string{"outcome"}, // ok, denied, timeout, error
		),
		DLQReplayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "metering_dlq_replayed_total",
			Help: "Dead letters successfully replayed",
		}),
		DLQPoisoned: factory.NewCounter(prometheus.CounterOpts{
			Name: "metering_dlq_poisoned_total",
			Help: "Dead letters moved to the poison partition",
		}),
		DLQRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "metering_dlq_retried_total",
			Help: "Dead letter replay attempts that were rescheduled",
		}),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "metering_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"breaker"},
		),
	}
}

// BindLimiter points the limiter's hooks at the admission counters.
func (m *Metrics) BindLimiter(l *ratelimit.Limiter) {
	l.OnAdmit = func(kind, outcome string) {
		m.RateAdmissions.WithLabelValues(kind, outcome).Inc()
	}
	l.OnFailOpen = func(kind string) {
		m.RateFailOpen.WithLabelValues(kind).Inc()
	}
}

// BindDLQWorker points the replay worker's hooks at the DLQ counters.
func (m *Metrics) BindDLQWorker(cfg *dlq.WorkerConfig) {
	cfg.OnReplayed = func(string) { m.DLQReplayed.Inc() }
	cfg.OnPoisoned = func(string) { m.DLQPoisoned.Inc() }
	cfg.OnRetryLater = func(string, int) { m.DLQRetried.Inc() }
}

// RegisterWAL exposes the WAL's status as gauges, sampled on scrape.
func RegisterWAL(reg prometheus.Registerer, status func() wal.Status) {
	factory := promauto.With(reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "metering_wal_head_seq",
		Help: "Highest sequence number written to the WAL",
	}, func() float64 { return float64(status().HeadSeq) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "metering_wal_segments",
		Help: "Number of WAL segments on disk",
	}, func() float64 { return float64(status().SegmentCount) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "metering_wal_pressure",
		Help: "1 when appends are rejected for disk pressure",
	}, func() float64 {
		if status().Pressure {
			return 1
		}
		return 0
	})
}

// RegisterDLQDepth exposes queue depth sampled on scrape.
func RegisterDLQDepth(reg prometheus.Registerer, depth func() (ready, poison int64)) {
	factory := promauto.With(reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "metering_dlq_depth",
		Help: "Dead letters awaiting replay",
	}, func() float64 { r, _ := depth(); return float64(r) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "metering_dlq_poison_depth",
		Help: "Dead letters in the poison partition",
	}, func() float64 { _, p := depth(); return float64(p) })
}
