// Package budget provides cost estimation and run-scoped spend
// accounting. The engine reserves an estimate before each paid call and
// settles the difference afterwards, so a run can never overshoot its
// limit by more than one in-flight reservation.
package budget

import (
	"sync"

	"maestro/internal/errors"
)

// Estimate is a projected cost for one operation.
type Estimate struct {
	Tokens int
	USD    float64
}

// Call describes one node execution for cost projection. Model, Prompt
// and Config are populated for llm nodes; every other kind carries its
// effective inputs so custom estimators can price tools, agents and
// sandboxed code too.
type Call struct {
	NodeID string
	Kind   string
	Model  string
	Prompt string
	Config map[string]any
	Inputs map[string]any
}

// Estimator projects the cost of a node before it executes.
type Estimator interface {
	Estimate(call Call) Estimate
}

// EstimatorFunc adapts a function to the Estimator interface.
type EstimatorFunc func(call Call) Estimate

// Estimate implements Estimator.
func (f EstimatorFunc) Estimate(call Call) Estimate {
	return f(call)
}

// ModelRate prices a model in USD per thousand tokens.
type ModelRate struct {
	InputPer1K  float64
	OutputPer1K float64
}

// DefaultRates covers the models the default estimator knows. Unknown
// models use the "default" entry.
var DefaultRates = map[string]ModelRate{
	"gpt-4o":          {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":     {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"claude-sonnet-4": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-haiku-3":  {InputPer1K: 0.00025, OutputPer1K: 0.00125},
	"default":         {InputPer1K: 0.001, OutputPer1K: 0.002},
}

// TokenEstimator prices llm prompts with tiktoken counts against a rate
// table; every other node kind is free. Output tokens are projected from
// max_tokens when the config declares it, else assumed equal to the
// prompt.
type TokenEstimator struct {
	Rates map[string]ModelRate
}

// NewTokenEstimator returns an estimator over the default rate table.
func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{Rates: DefaultRates}
}

// Estimate implements Estimator.
func (e *TokenEstimator) Estimate(call Call) Estimate {
	if call.Model == "" && call.Prompt == "" {
		return Estimate{}
	}
	inTokens := CountTokens(call.Prompt)
	outTokens := inTokens
	if mt, ok := call.Config["max_tokens"].(float64); ok && mt > 0 {
		outTokens = int(mt)
	}

	rate, ok := e.Rates[call.Model]
	if !ok {
		rate = e.Rates["default"]
	}
	usd := float64(inTokens)/1000*rate.InputPer1K + float64(outTokens)/1000*rate.OutputPer1K
	return Estimate{Tokens: inTokens + outTokens, USD: usd}
}

// Accountant tracks spend for a single run against an optional USD
// limit. A zero limit means unlimited.
type Accountant struct {
	mu       sync.Mutex
	limitUSD float64
	spentUSD float64
	tokens   int
}

// NewAccountant returns an accountant with the given limit in USD.
func NewAccountant(limitUSD float64) *Accountant {
	return &Accountant{limitUSD: limitUSD}
}

// Reserve atomically charges an estimate. When the charge would push the
// run past its limit, nothing is charged and a BudgetExceeded error is
// returned; that error is never retriable.
func (a *Accountant) Reserve(est Estimate) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limitUSD > 0 && a.spentUSD+est.USD > a.limitUSD {
		return errors.New(errors.KindBudget,
			"estimated $%.4f would exceed budget ($%.4f spent of $%.4f)",
			est.USD, a.spentUSD, a.limitUSD)
	}
	a.spentUSD += est.USD
	a.tokens += est.Tokens
	return nil
}

// Settle replaces a reservation with the actual cost once known. Actual
// spend is recorded even when it exceeds the limit; only future
// reservations fail.
func (a *Accountant) Settle(reserved, actual Estimate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.spentUSD += actual.USD - reserved.USD
	a.tokens += actual.Tokens - reserved.Tokens
	if a.spentUSD < 0 {
		a.spentUSD = 0
	}
	if a.tokens < 0 {
		a.tokens = 0
	}
}

// SpentUSD reports the committed spend so far.
func (a *Accountant) SpentUSD() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spentUSD
}

// Tokens reports total tokens accounted so far.
func (a *Accountant) Tokens() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tokens
}
