// Package ledger implements the per-tenant JSONL cost journal: CRC32
// integrity stamping, single-writer append chains, crash recovery,
// dedup-aware recompute, and rotation to compressed archives. The ledger
// is authoritative for cost recomputation; the state store budget counter
// is derived from it.
package ledger

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"math/big"
	"regexp"
	"time"
)

// SchemaVersion is the only entry schema this ledger writes or accepts.
const SchemaVersion = 2

// BillingMethod records how the cost on an entry was derived.
type BillingMethod string

const (
	BillingProviderReported BillingMethod = "provider_reported"
	BillingByteEstimated    BillingMethod = "byte_estimated"
	BillingReconciled       BillingMethod = "reconciled"
)

// Entry is the v2 wire format. All cost fields are decimal integer
// strings in micro-USD; floats never touch money.
type Entry struct {
	SchemaVersion int    `json:"schema_version"`
	Timestamp     string `json:"timestamp"`
	TraceID       string `json:"trace_id"`
	Agent         string `json:"agent"`
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	ProjectID     string `json:"project_id,omitempty"`
	PhaseID       string `json:"phase_id,omitempty"`
	SprintID      string `json:"sprint_id,omitempty"`
	TenantID      string `json:"tenant_id"`
	NFTID         string `json:"nft_id,omitempty"`
	PoolID        string `json:"pool_id,omitempty"`
	EnsembleID    string `json:"ensemble_id,omitempty"`

	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens"`

	InputCostMicro     string `json:"input_cost_micro"`
	OutputCostMicro    string `json:"output_cost_micro"`
	ReasoningCostMicro string `json:"reasoning_cost_micro"`
	TotalCostMicro     string `json:"total_cost_micro"`

	PriceTableVersion string        `json:"price_table_version,omitempty"`
	BillingMethod     BillingMethod `json:"billing_method"`
	LatencyMS         int64         `json:"latency_ms,omitempty"`
	UsageSource       string        `json:"usage_source,omitempty"`
	WasAborted        bool          `json:"was_aborted,omitempty"`

	CRC32 string `json:"crc32,omitempty"`
}

var decimalRe = regexp.MustCompile(`^(0|[1-9][0-9]*)$`)

// IsDecimalMicro reports whether s is a canonical non-negative decimal
// integer string.
func IsDecimalMicro(s string) bool { return decimalRe.MatchString(s) }

// NewTimestamp formats now for the Timestamp field.
func NewTimestamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// ComputeCRC returns the lowercase 8-hex CRC-32/IEEE over the entry's
// JSON encoding with the crc32 field removed.
func (e *Entry) ComputeCRC() string {
	c := *e
	c.CRC32 = ""
	raw, err := json.Marshal(&c)
	if err != nil {
		panic(fmt.Sprintf("ledger: marshal entry: %v", err))
	}
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE(raw))
}

// Stamp fills the CRC field in place.
func (e *Entry) Stamp() { e.CRC32 = e.ComputeCRC() }

// VerifyCRC recomputes and compares the stored CRC.
func (e *Entry) VerifyCRC() bool {
	return e.CRC32 != "" && e.CRC32 == e.ComputeCRC()
}

// Validate checks the structural invariants of a v2 entry.
func (e *Entry) Validate() error {
	if e.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema_version %d not supported", e.SchemaVersion)
	}
	if e.TraceID == "" {
		return fmt.Errorf("trace_id is required")
	}
	for name, v := range map[string]string{
		"input_cost_micro":     e.InputCostMicro,
		"output_cost_micro":    e.OutputCostMicro,
		"reasoning_cost_micro": e.ReasoningCostMicro,
		"total_cost_micro":     e.TotalCostMicro,
	} {
		if !IsDecimalMicro(v) {
			return fmt.Errorf("%s %q is not a decimal integer string", name, v)
		}
	}
	sum := new(big.Int)
	for _, v := range []string{e.InputCostMicro, e.OutputCostMicro, e.ReasoningCostMicro} {
		n, _ := new(big.Int).SetString(v, 10)
		sum.Add(sum, n)
	}
	total, _ := new(big.Int).SetString(e.TotalCostMicro, 10)
	if sum.Cmp(total) != 0 {
		return fmt.Errorf("total_cost_micro %s != input+output+reasoning %s", e.TotalCostMicro, sum)
	}
	switch e.BillingMethod {
	case BillingProviderReported, BillingByteEstimated, BillingReconciled:
	default:
		return fmt.Errorf("billing_method %q unknown", e.BillingMethod)
	}
	return nil
}
