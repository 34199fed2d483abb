package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateRoundsUp(t *testing.T) {
	// 1 token at 1 micro-USD per Mtok is a fractional micro; it must
	// round up so the platform never undercharges.
	b := Calculate(1, 0, 0, Pricing{InputMicroPerMtok: 1})
	input, _, _, total := b.Strings()
	assert.Equal(t, "1", input)
	assert.Equal(t, "1", total)
}

func TestCalculateExact(t *testing.T) {
	p := Pricing{InputMicroPerMtok: 3_000_000, OutputMicroPerMtok: 15_000_000}
	b := Calculate(1_000_000, 2_000_000, 0, p)
	input, output, reasoning, total := b.Strings()
	assert.Equal(t, "3000000", input)
	assert.Equal(t, "30000000", output)
	assert.Equal(t, "0", reasoning)
	assert.Equal(t, "33000000", total)
}

func TestFindFallsBackToProviderDefault(t *testing.T) {
	table := &Table{
		Version: "v1",
		Cards: map[string]Pricing{
			"openai/gpt-x": {InputMicroPerMtok: 10},
			"openai/*":     {InputMicroPerMtok: 99},
		},
	}
	p, ok := table.Find("openai", "gpt-x")
	require.True(t, ok)
	assert.Equal(t, int64(10), p.InputMicroPerMtok)

	p, ok = table.Find("openai", "gpt-new")
	require.True(t, ok)
	assert.Equal(t, int64(99), p.InputMicroPerMtok)

	_, ok = table.Find("nobody", "m")
	assert.False(t, ok)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(0), EstimateTokens(0))
	assert.Equal(t, int64(1), EstimateTokens(3), "non-empty content is never free")
	assert.Equal(t, int64(25), EstimateTokens(100))
}
