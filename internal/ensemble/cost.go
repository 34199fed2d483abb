package ensemble

import (
	"math/big"

	"github.com/ocx/metering/internal/faults"
	"github.com/ocx/metering/internal/ledger"
	"github.com/ocx/metering/internal/pricing"
)

// Usage sources recorded on ensemble ledger entries. Losers are billed
// in overcount mode: the gateway knowingly over-attributes rather than
// undercharge for work a provider actually did.
const (
	SourceProviderReported = "provider_reported"
	SourceByteEstimated    = "byte_estimated"
	SourcePromptOnly       = "prompt_only"
	SourceChunksOvercount  = "observed_chunks_overcount"
)

// BranchCost is one branch's billing attribution.
type BranchCost struct {
	PoolID      string
	Provider    string
	Model       string
	Method      ledger.BillingMethod
	UsageSource string
	WasAborted  bool

	InputTokens     int64
	OutputTokens    int64
	ReasoningTokens int64

	InputCostMicro     string
	OutputCostMicro    string
	ReasoningCostMicro string
	TotalCostMicro     string
}

// AttributeCosts prices every branch of a finished race. The total is
// the sum over all branches, winners and losers alike.
func AttributeCosts(req CompletionRequest, res *Result, table *pricing.Table) ([]BranchCost, string, error) {
	promptTokens := pricing.EstimateTokens(len(req.Prompt))
	total := new(big.Int)
	costs := make([]BranchCost, 0, len(res.Branches))

	for _, b := range res.Branches {
		card, ok := table.Find(b.Provider, b.Model)
		if !ok {
			return nil, "", faults.Newf(faults.ConfigInvalid, "no rate card for %s/%s", b.Provider, b.Model)
		}

		bc := BranchCost{
			PoolID:     b.PoolID,
			Provider:   b.Provider,
			Model:      b.Model,
			WasAborted: b.WasAborted,
		}

		var breakdown pricing.Breakdown
		switch {
		case b.Status == BranchCompleted && b.Usage != nil:
			bc.Method, bc.UsageSource = ledger.BillingProviderReported, SourceProviderReported
			bc.InputTokens, bc.OutputTokens, bc.ReasoningTokens =
				b.Usage.InputTokens, b.Usage.OutputTokens, b.Usage.ReasoningTokens
		case b.Status == BranchCompleted:
			bc.Method, bc.UsageSource = ledger.BillingByteEstimated, SourceByteEstimated
			bc.InputTokens = promptTokens
			bc.OutputTokens = pricing.EstimateTokens(b.ObservedBytes)
		case b.ObservedBytes > 0:
			bc.Method, bc.UsageSource = ledger.BillingByteEstimated, SourceChunksOvercount
			bc.InputTokens = promptTokens
			bc.OutputTokens = pricing.EstimateTokens(b.ObservedBytes)
		default:
			bc.Method, bc.UsageSource = ledger.BillingByteEstimated, SourcePromptOnly
			bc.InputTokens = promptTokens
		}

		breakdown = pricing.Calculate(bc.InputTokens, bc.OutputTokens, bc.ReasoningTokens, card)
		bc.InputCostMicro, bc.OutputCostMicro, bc.ReasoningCostMicro, bc.TotalCostMicro = breakdown.Strings()
		total.Add(total, breakdown.TotalCostMicro)
		costs = append(costs, bc)
	}
	return costs, total.String(), nil
}

// LedgerEntries renders branch costs as ledger entries sharing one
// ensemble id. The caller appends them through the tenant's journal.
func LedgerEntries(req CompletionRequest, ensembleID string, costs []BranchCost, tableVersion string) []ledger.Entry {
	entries := make([]ledger.Entry, 0, len(costs))
	for _, c := range costs {
		entries = append(entries, ledger.Entry{
			TraceID:            req.TraceID + "/" + c.PoolID,
			TenantID:           req.TenantID,
			Provider:           c.Provider,
			Model:              c.Model,
			PoolID:             c.PoolID,
			EnsembleID:         ensembleID,
			InputTokens:        c.InputTokens,
			OutputTokens:       c.OutputTokens,
			ReasoningTokens:    c.ReasoningTokens,
			InputCostMicro:     c.InputCostMicro,
			OutputCostMicro:    c.OutputCostMicro,
			ReasoningCostMicro: c.ReasoningCostMicro,
			TotalCostMicro:     c.TotalCostMicro,
			PriceTableVersion:  tableVersion,
			BillingMethod:      c.Method,
			UsageSource:        c.UsageSource,
			WasAborted:         c.WasAborted,
		})
	}
	return entries
}
