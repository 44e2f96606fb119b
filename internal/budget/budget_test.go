package budget

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"maestro/internal/errors"
)

func TestCountTokens(t *testing.T) {
	if got := CountTokens("hello world"); got < 1 || got > 4 {
		t.Fatalf("CountTokens(\"hello world\") = %d, out of plausible range", got)
	}
	if got := CountTokens(""); got != 0 {
		t.Fatalf("CountTokens(\"\") = %d, want 0", got)
	}
}

func TestEstimateFastHeuristic(t *testing.T) {
	if got := estimateFast("one two three"); got != 3 {
		t.Fatalf("estimateFast = %d, want word count 3", got)
	}
	if got := estimateFast("x"); got != 1 {
		t.Fatalf("estimateFast single rune = %d, want 1", got)
	}
}

func TestTokenEstimatorUsesRates(t *testing.T) {
	e := NewTokenEstimator()

	known := e.Estimate(Call{Kind: "llm", Model: "gpt-4o-mini", Prompt: "summarize this paragraph for me"})
	require.Greater(t, known.Tokens, 0)
	require.Greater(t, known.USD, 0.0)

	// Unknown models fall back to the default rate, which is pricier
	// than gpt-4o-mini for the same prompt.
	unknown := e.Estimate(Call{Kind: "llm", Model: "mystery-model", Prompt: "summarize this paragraph for me"})
	require.Greater(t, unknown.USD, known.USD)

	// max_tokens drives the projected output size.
	capped := e.Estimate(Call{Kind: "llm", Model: "gpt-4o-mini", Prompt: "hi", Config: map[string]any{"max_tokens": 4000.0}})
	small := e.Estimate(Call{Kind: "llm", Model: "gpt-4o-mini", Prompt: "hi"})
	require.Greater(t, capped.USD, small.USD)
}

func TestTokenEstimatorFreesNonLLMKinds(t *testing.T) {
	e := NewTokenEstimator()
	for _, kind := range []string{"tool", "agent", "code", "condition"} {
		got := e.Estimate(Call{NodeID: "n1", Kind: kind, Inputs: map[string]any{"x": 1}})
		require.Zero(t, got.USD, kind)
		require.Zero(t, got.Tokens, kind)
	}
}

func TestAccountantReserveEnforcesLimit(t *testing.T) {
	a := NewAccountant(0.01)

	require.NoError(t, a.Reserve(Estimate{Tokens: 100, USD: 0.006}))
	err := a.Reserve(Estimate{Tokens: 100, USD: 0.006})
	require.Equal(t, errors.KindBudget, errors.KindOf(err))

	// Failed reservation must not charge.
	require.InDelta(t, 0.006, a.SpentUSD(), 1e-9)
	require.Equal(t, 100, a.Tokens())

	// A smaller estimate still fits.
	require.NoError(t, a.Reserve(Estimate{Tokens: 10, USD: 0.003}))
}

func TestAccountantZeroLimitIsUnlimited(t *testing.T) {
	a := NewAccountant(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, a.Reserve(Estimate{Tokens: 1000, USD: 1}))
	}
	require.InDelta(t, 100, a.SpentUSD(), 1e-9)
}

func TestAccountantSettleAdjustsReservation(t *testing.T) {
	a := NewAccountant(1)
	reserved := Estimate{Tokens: 200, USD: 0.5}
	require.NoError(t, a.Reserve(reserved))

	a.Settle(reserved, Estimate{Tokens: 80, USD: 0.2})
	require.InDelta(t, 0.2, a.SpentUSD(), 1e-9)
	require.Equal(t, 80, a.Tokens())
}

func TestAccountantConcurrentReserve(t *testing.T) {
	a := NewAccountant(1)

	var wg sync.WaitGroup
	granted := make([]bool, 50)
	for i := range granted {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			granted[i] = a.Reserve(Estimate{Tokens: 1, USD: 0.1}) == nil
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range granted {
		if ok {
			count++
		}
	}
	require.Equal(t, 10, count)
	require.InDelta(t, 1.0, a.SpentUSD(), 1e-9)
}

func TestBudgetErrorIsNotRetriable(t *testing.T) {
	a := NewAccountant(0.001)
	err := a.Reserve(Estimate{USD: 1})
	require.Error(t, err)
	require.False(t, errors.IsTransient(err))
}
