// Package pricing computes provider costs in micro-USD. All arithmetic
// is integer (math/big); costs cross package boundaries as decimal
// strings, never floats.
package pricing

import (
	"fmt"
	"math/big"
)

// Pricing is the per-(provider, model) rate card: micro-USD per one
// million tokens of each class.
type Pricing struct {
	InputMicroPerMtok     int64 `yaml:"input_micro_per_mtok" json:"input_micro_per_mtok"`
	OutputMicroPerMtok    int64 `yaml:"output_micro_per_mtok" json:"output_micro_per_mtok"`
	ReasoningMicroPerMtok int64 `yaml:"reasoning_micro_per_mtok" json:"reasoning_micro_per_mtok"`
}

// Table maps "provider/model" to a rate card. Version travels into ledger
// entries so recomputation can tell which card priced an entry.
type Table struct {
	Version string             `yaml:"version" json:"version"`
	Cards   map[string]Pricing `yaml:"cards" json:"cards"`
}

// Key builds the lookup key for a provider/model pair.
func Key(provider, model string) string { return provider + "/" + model }

// Find looks up the card for provider/model, falling back to a
// provider-wide default card under "provider/*".
func (t *Table) Find(provider, model string) (Pricing, bool) {
	if t == nil || t.Cards == nil {
		return Pricing{}, false
	}
	if p, ok := t.Cards[Key(provider, model)]; ok {
		return p, true
	}
	p, ok := t.Cards[Key(provider, "*")]
	return p, ok
}

// Breakdown is one request's cost split by token class.
type Breakdown struct {
	InputCostMicro     *big.Int
	OutputCostMicro    *big.Int
	ReasoningCostMicro *big.Int
	TotalCostMicro     *big.Int
}

var mtok = big.NewInt(1_000_000)

// costFor charges ceil(tokens * rate / 1e6) so fractional micro-USD
// always rounds against undercharging.
func costFor(tokens, ratePerMtok int64) *big.Int {
	n := new(big.Int).Mul(big.NewInt(tokens), big.NewInt(ratePerMtok))
	n.Add(n, new(big.Int).Sub(mtok, big.NewInt(1)))
	return n.Div(n, mtok)
}

// Calculate prices a usage triple against a rate card.
func Calculate(inputTokens, outputTokens, reasoningTokens int64, p Pricing) Breakdown {
	b := Breakdown{
		InputCostMicro:     costFor(inputTokens, p.InputMicroPerMtok),
		OutputCostMicro:    costFor(outputTokens, p.OutputMicroPerMtok),
		ReasoningCostMicro: costFor(reasoningTokens, p.ReasoningMicroPerMtok),
	}
	b.TotalCostMicro = new(big.Int).Add(
		new(big.Int).Add(b.InputCostMicro, b.OutputCostMicro),
		b.ReasoningCostMicro,
	)
	return b
}

// Strings renders the breakdown in ledger wire format.
func (b Breakdown) Strings() (input, output, reasoning, total string) {
	return b.InputCostMicro.String(), b.OutputCostMicro.String(),
		b.ReasoningCostMicro.String(), b.TotalCostMicro.String()
}

// EstimateTokens is the byte-estimation fallback used when a provider
// stream ends without a usage event: roughly four bytes per token, never
// zero for non-empty content.
func EstimateTokens(byteLen int) int64 {
	if byteLen <= 0 {
		return 0
	}
	n := int64(byteLen) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// Validate rejects negative rates.
func (t *Table) Validate() error {
	for key, p := range t.Cards {
		if p.InputMicroPerMtok < 0 || p.OutputMicroPerMtok < 0 || p.ReasoningMicroPerMtok < 0 {
			return fmt.Errorf("pricing: negative rate for %s", key)
		}
	}
	return nil
}
