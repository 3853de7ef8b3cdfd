package usage

import (
	"math"
	"strings"
)

// DefaultRatePer1K is the USD rate applied to models missing from the
// pricing table.
const DefaultRatePer1K = 0.002

// builtinRates are blended USD per-1k-token rates. They are estimates
// and are never reconciled against provider invoices.
var builtinRates = map[string]float64{
	"gpt-4o-mini":       0.0006,
	"gpt-4o":            0.01,
	"gpt-4-turbo":       0.03,
	"gpt-4":             0.06,
	"gpt-3.5-turbo":     0.002,
	"claude-3-5-haiku":  0.004,
	"claude-3-5-sonnet": 0.015,
	"claude-3-opus":     0.075,
	"claude-sonnet-4":   0.015,
	"claude-opus-4":     0.075,
}

// Pricing maps model names to per-1k-token rates.
type Pricing struct {
	defaultRate float64
	currency    string
	rates       map[string]float64
}

// NewPricing builds a pricing table from the built-in rates plus
// overrides. A non-positive defaultRate selects DefaultRatePer1K.
func NewPricing(defaultRate float64, currency string, overrides map[string]float64) *Pricing {
	if defaultRate <= 0 {
		defaultRate = DefaultRatePer1K
	}
	if currency == "" {
		currency = "USD"
	}
	rates := make(map[string]float64, len(builtinRates)+len(overrides))
	for model, rate := range builtinRates {
		rates[model] = rate
	}
	for model, rate := range overrides {
		rates[model] = rate
	}
	return &Pricing{defaultRate: defaultRate, currency: currency, rates: rates}
}

// Currency returns the currency costs are denominated in.
func (p *Pricing) Currency() string { return p.currency }

// Rate returns the per-1k rate for model. An exact entry wins, then the
// longest entry that prefixes model (so dated snapshots such as
// "gpt-4o-2024-08-06" price as "gpt-4o"), then the default rate.
func (p *Pricing) Rate(model string) float64 {
	if rate, ok := p.rates[model]; ok {
		return rate
	}
	best, bestLen := p.defaultRate, 0
	for name, rate := range p.rates {
		if len(name) > bestLen && strings.HasPrefix(model, name) {
			best, bestLen = rate, len(name)
		}
	}
	return best
}

// Cost is a priced usage figure.
type Cost struct {
	RatePer1K float64
	InputUSD  float64
	OutputUSD float64
	TotalUSD  float64
}

// Cost prices a call as tokens / 1000 * rate. totalTokens of zero is
// treated as input + output.
func (p *Pricing) Cost(model string, inputTokens, outputTokens, totalTokens int) Cost {
	if totalTokens == 0 {
		totalTokens = inputTokens + outputTokens
	}
	rate := p.Rate(model)
	return Cost{
		RatePer1K: rate,
		InputUSD:  round(float64(inputTokens) / 1000 * rate),
		OutputUSD: round(float64(outputTokens) / 1000 * rate),
		TotalUSD:  round(float64(totalTokens) / 1000 * rate),
	}
}

// Apply fills rec's rate, costs, and currency from its token counts.
// Records without a total token count are left unpriced.
func (p *Pricing) Apply(rec *Record) {
	if rec.TotalTokens == nil {
		return
	}
	var in, out int
	if rec.InputTokens != nil {
		in = *rec.InputTokens
	}
	if rec.OutputTokens != nil {
		out = *rec.OutputTokens
	}
	c := p.Cost(rec.Model, in, out, *rec.TotalTokens)
	rec.RatePer1K = &c.RatePer1K
	rec.CostInputUSD = &c.InputUSD
	rec.CostOutputUSD = &c.OutputUSD
	rec.CostTotalUSD = &c.TotalUSD
	rec.Currency = p.currency
}

// round trims float noise to ten decimal places.
func round(v float64) float64 {
	return math.Round(v*1e10) / 1e10
}
