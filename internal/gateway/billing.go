package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/ocx/metering/internal/ensemble"
	"github.com/ocx/metering/internal/faults"
	"github.com/ocx/metering/internal/settlement"
	"github.com/ocx/metering/internal/x402"
)

// registerBilling mounts the payment and recovery endpoints. Only the
// surfaces whose components are wired get routes.
func (s *Server) registerBilling(r *mux.Router) {
	if s.Issuer != nil {
		r.HandleFunc("/x402/challenge", s.handleChallenge).Methods("POST")
	}
	if s.Verifier != nil {
		r.HandleFunc("/x402/verify", s.handleVerify).Methods("POST")
	}
	if s.Settlement != nil {
		r.HandleFunc("/x402/settle", s.handleSettle).Methods("POST")
	}
	if s.Credits != nil {
		admin := r.PathPrefix("/admin").Subrouter()
		admin.HandleFunc("/credits/{wallet}", s.handleCreditsView).Methods("GET")
		admin.HandleFunc("/credits/{wallet}/grant", s.handleCreditsGrant).Methods("POST")
	}
	if s.Committer != nil {
		r.PathPrefix("/admin").Subrouter().
			HandleFunc("/recover/{tenant}", s.handleRecover).Methods("POST")
	}
	if s.Ensemble != nil && s.Pools != nil {
		r.HandleFunc("/v1/ensemble/race", s.handleRace).Methods("POST")
	}
}

type challengeRequest struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	AmountMicro int64  `json:"amount_micro"`
	TokenID     string `json:"token_id"`
	Model       string `json:"model"`
	MaxTokens   int64  `json:"max_tokens"`
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, faults.Wrap(faults.BudgetInvalid, "parse challenge request", err))
		return
	}
	c, err := s.Issuer.Issue(r.Context(), req.Method, req.Path, req.AmountMicro, req.TokenID, req.Model, req.MaxTokens)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req x402.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, faults.Wrap(faults.BudgetInvalid, "parse verify request", err))
		return
	}
	receipt, err := s.Verifier.Verify(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settlement.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, faults.Wrap(faults.BudgetInvalid, "parse settle request", err))
		return
	}
	res, err := s.Settlement.Settle(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreditsView(w http.ResponseWriter, r *http.Request) {
	wallet := mux.Vars(r)["wallet"]
	acct, ok := s.Credits.AccountSnapshot(wallet)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no account for " + wallet})
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

type grantRequest struct {
	Allocated int64 `json:"allocated"`
	Unlocked  int64 `json:"unlocked"`
}

func (s *Server) handleCreditsGrant(w http.ResponseWriter, r *http.Request) {
	wallet := mux.Vars(r)["wallet"]
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.Allocated <= 0 && req.Unlocked <= 0) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "allocated or unlocked must be positive"})
		return
	}
	s.Credits.Grant(wallet, req.Allocated, req.Unlocked)
	acct, _ := s.Credits.AccountSnapshot(wallet)
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	report, err := s.Committer.RecoverFromJournal(r.Context(), tenant)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type raceRequest struct {
	TraceID   string   `json:"trace_id"`
	TenantID  string   `json:"tenant_id"`
	Prompt    string   `json:"prompt"`
	MaxTokens int64    `json:"max_tokens"`
	Pools     []string `json:"pools"`
}

type raceResponse struct {
	Content    string            `json:"content"`
	WinnerPool string            `json:"winner_pool"`
	Branches   []ensemble.Branch `json:"branches"`
}

// handleRace runs one racing completion and returns the winner's
// aggregated content. Killed or circuit-open providers drop out of the
// race before they are invoked.
func (s *Server) handleRace(w http.ResponseWriter, r *http.Request) {
	var req raceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, faults.Wrap(faults.BudgetInvalid, "parse race request", err))
		return
	}
	pools, err := s.Pools.Resolve(req.Pools)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	out := make(chan string, 64)
	var content strings.Builder
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for chunk := range out {
			content.WriteString(chunk)
		}
	}()

	res, raceErr := s.Ensemble.Race(r.Context(), ensemble.CompletionRequest{
		TraceID:   req.TraceID,
		TenantID:  req.TenantID,
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
	}, pools, out)
	<-collected
	if raceErr != nil {
		WriteError(w, raceErr)
		return
	}
	writeJSON(w, http.StatusOK, raceResponse{
		Content:    content.String(),
		WinnerPool: res.WinnerPool,
		Branches:   res.Branches,
	})
}
