// Package gateway is the operational HTTP surface of the substrate:
// readiness, metrics, and the admin controls an operator needs during
// an incident. The billing operations themselves are a library API;
// nothing here sits on the request hot path.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/metering/internal/budget"
	"github.com/ocx/metering/internal/circuitbreaker"
	"github.com/ocx/metering/internal/credits"
	"github.com/ocx/metering/internal/dlq"
	"github.com/ocx/metering/internal/ensemble"
	"github.com/ocx/metering/internal/faults"
	"github.com/ocx/metering/internal/killswitch"
	"github.com/ocx/metering/internal/ledger"
	"github.com/ocx/metering/internal/ratelimit"
	"github.com/ocx/metering/internal/settlement"
	"github.com/ocx/metering/internal/wal"
	"github.com/ocx/metering/internal/x402"
)

// Server exposes readiness and admin control. Every dependency is
// optional; absent ones simply drop out of the health report.
type Server struct {
	WALStatus func() wal.Status
	Ledger    *ledger.Ledger
	DLQ       *dlq.Store
	DLQWorker *dlq.Worker
	Limiter   *ratelimit.Limiter
	Breakers  *circuitbreaker.GatewayBreakers
	Kill      *killswitch.Switch
	Gatherer  prometheus.Gatherer

	Issuer     *x402.Issuer
	Verifier   *x402.Verifier
	Settlement *settlement.Service
	Credits    *credits.Ledger
	Committer  *budget.Committer

	Ensemble *ensemble.Orchestrator
	Pools    *ensemble.Registry
}

// Router builds the mux with all endpoints registered.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/killswitch", s.handleKillList).Methods("GET")
	admin.HandleFunc("/killswitch", s.handleKillActivate).Methods("POST")
	admin.HandleFunc("/killswitch/{target:.+}", s.handleKillRevive).Methods("DELETE")
	admin.HandleFunc("/dlq", s.handleDLQHealth).Methods("GET")
	admin.HandleFunc("/dlq/replay", s.handleDLQReplay).Methods("POST")

	s.registerBilling(r)
	return r
}

type healthReport struct {
	Status      string               `json:"status"` // ok or degraded
	WAL         *wal.Status          `json:"wal,omitempty"`
	Tenants     []string             `json:"tenants,omitempty"`
	DLQ         *dlq.Health          `json:"dlq,omitempty"`
	RateLimiter *string              `json:"rate_limiter,omitempty"` // reachable / unreachable
	Breakers    map[string]string    `json:"breakers,omitempty"`
	KillSwitch  []*killswitch.Record `json:"kill_switch,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := healthReport{Status: "ok"}

	if s.WALStatus != nil {
		st := s.WALStatus()
		report.WAL = &st
		if st.Pressure || st.ShuttingDown {
			report.Status = "degraded"
		}
	}
	if s.Ledger != nil {
		if tenants, err := s.Ledger.TenantIDs(); err == nil {
			report.Tenants = tenants
		}
	}
	if s.DLQ != nil {
		h := s.DLQ.Health(r.Context())
		report.DLQ = &h
		if h.Depth == nil {
			report.Status = "degraded"
		}
	}
	if s.Limiter != nil {
		state := "reachable"
		if !s.Limiter.Reachable(r.Context()) {
			state = "unreachable"
			report.Status = "degraded"
		}
		report.RateLimiter = &state
	}
	if s.Breakers != nil {
		healthy, states := s.Breakers.Health()
		report.Breakers = states
		if !healthy {
			report.Status = "degraded"
		}
	}
	if s.Kill != nil {
		report.KillSwitch = s.Kill.Active()
	}

	code := http.StatusOK
	if report.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

type killRequest struct {
	Target      string `json:"target"`
	Reason      string `json:"reason"`
	TriggeredBy string `json:"triggered_by"`
	TTLSeconds  int64  `json:"ttl_seconds"` // 0 = until revived
}

func (s *Server) handleKillActivate(w http.ResponseWriter, r *http.Request) {
	if s.Kill == nil {
		http.Error(w, "kill switch not configured", http.StatusNotImplemented)
		return
	}
	var req killRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target is required"})
		return
	}
	var ttl *time.Duration
	if req.TTLSeconds > 0 {
		d := time.Duration(req.TTLSeconds) * time.Second
		ttl = &d
	}
	rec := s.Kill.Kill(req.Target, req.Reason, req.TriggeredBy, ttl)
	slog.Info("gateway: kill switch activated", "target", req.Target, "by", req.TriggeredBy)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleKillRevive(w http.ResponseWriter, r *http.Request) {
	if s.Kill == nil {
		http.Error(w, "kill switch not configured", http.StatusNotImplemented)
		return
	}
	target := mux.Vars(r)["target"]
	if !s.Kill.Revive(target) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active record for " + target})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"revived": target})
}

func (s *Server) handleKillList(w http.ResponseWriter, _ *http.Request) {
	if s.Kill == nil {
		http.Error(w, "kill switch not configured", http.StatusNotImplemented)
		return
	}
	active := s.Kill.Active()
	if active == nil {
		active = []*killswitch.Record{}
	}
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleDLQHealth(w http.ResponseWriter, r *http.Request) {
	if s.DLQ == nil {
		http.Error(w, "dlq not configured", http.StatusNotImplemented)
		return
	}
	writeJSON(w, http.StatusOK, s.DLQ.Health(r.Context()))
}

func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	if s.DLQWorker == nil {
		http.Error(w, "dlq worker not configured", http.StatusNotImplemented)
		return
	}
	s.DLQWorker.Tick(r.Context())
	writeJSON(w, http.StatusOK, s.DLQ.Health(r.Context()))
}

// errorBody is the taxonomy-coded error payload clients see.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// WriteError maps a taxonomy error onto its HTTP status.
func WriteError(w http.ResponseWriter, err error) {
	writeJSON(w, faults.HTTPStatus(err), errorBody{
		Error: err.Error(),
		Kind:  string(faults.KindOf(err)),
	})
}

// InsufficientCreditsBody is the structured 402 payload for the
// credits path.
type InsufficientCreditsBody struct {
	Kind            string `json:"kind"`
	BalanceCU       int64  `json:"balance_cu"`
	EstimatedCostCU int64  `json:"estimated_cost_cu"`
	DeficitCU       int64  `json:"deficit_cu"`
}

// WriteInsufficientCredits emits the 402 a client can act on.
func WriteInsufficientCredits(w http.ResponseWriter, balanceCU, estimatedCU int64) {
	deficit := estimatedCU - balanceCU
	if deficit < 0 {
		deficit = 0
	}
	writeJSON(w, http.StatusPaymentRequired, InsufficientCreditsBody{
		Kind:            string(faults.InsufficientCredits),
		BalanceCU:       balanceCU,
		EstimatedCostCU: estimatedCU,
		DeficitCU:       deficit,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("gateway: response encode failed", "err", err)
	}
}
