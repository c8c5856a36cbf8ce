// Package meter implements a session-scoped token/cost recorder (spec
// §4.2). Wrappers around every provider call record into it; the
// orchestrator queries it for running totals and the session store
// snapshots it into tokens.json on completion.
package meter

import (
	"encoding/json"
	"sync"
)

// Record is one billed provider call.
type Record struct {
	Provider     string         `json:"provider"`
	Operation    string         `json:"operation"`
	Iteration    int            `json:"iteration"`
	Model        string         `json:"model"`
	Tokens       int            `json:"tokens"`
	InputTokens  int            `json:"inputTokens,omitempty"`
	OutputTokens int            `json:"outputTokens,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Meter records provider usage for a single job/session and answers
// concurrency-safe queries over it. The zero value is not usable; use New.
type Meter struct {
	mu      sync.RWMutex
	records []Record
}

// New creates an empty Meter.
func New() *Meter {
	return &Meter{}
}

// Record appends a usage record. Safe for concurrent use alongside Stats,
// EstimatedCost and OptimizationSuggestions.
func (m *Meter) Record(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
}

// Stats is the aggregate view returned by Stats().
type Stats struct {
	Total       int            `json:"total"`
	ByProvider  map[string]int `json:"byProvider"`
	ByOperation map[string]int `json:"byOperation"`
	ByIteration map[int]int    `json:"byIteration"`
}

// Stats computes the current aggregate totals. Read-only; callers may
// invoke it concurrently with Record from another goroutine.
func (m *Meter) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		ByProvider:  make(map[string]int),
		ByOperation: make(map[string]int),
		ByIteration: make(map[int]int),
	}
	for _, r := range m.records {
		s.Total += r.Tokens
		s.ByProvider[r.Provider] += r.Tokens
		s.ByOperation[r.Operation] += r.Tokens
		s.ByIteration[r.Iteration] += r.Tokens
	}
	return s
}

// Pricing gives the per-token (and flat per-image) price for one provider's
// model, used by EstimatedCost.
type Pricing struct {
	InputPricePerToken  float64
	OutputPricePerToken float64
	FlatPricePerCall    float64 // used for image-generation providers, priced per request
}

// CostBreakdown is the result of EstimatedCost.
type CostBreakdown struct {
	Total      float64            `json:"total"`
	ByProvider map[string]float64 `json:"byProvider"`
}

// EstimatedCost computes dollar cost per provider and in total, given a
// pricing table keyed by provider name (spec §4.2 cost formula).
//
// Σ(inputTokens·inputPrice + outputTokens·outputPrice); when only total
// tokens are known, falls back to using input price as an approximation.
// Image-generation providers are priced per call via FlatPricePerCall
// instead of per token.
func (m *Meter) EstimatedCost(pricing map[string]Pricing) CostBreakdown {
	m.mu.RLock()
	defer m.mu.RUnlock()

	breakdown := CostBreakdown{ByProvider: make(map[string]float64)}
	for _, r := range m.records {
		price, ok := pricing[r.Provider]
		if !ok {
			continue
		}

		var cost float64
		switch {
		case price.FlatPricePerCall > 0:
			cost = price.FlatPricePerCall
		case r.InputTokens > 0 || r.OutputTokens > 0:
			cost = float64(r.InputTokens)*price.InputPricePerToken + float64(r.OutputTokens)*price.OutputPricePerToken
		default:
			cost = float64(r.Tokens) * price.InputPricePerToken
		}

		breakdown.ByProvider[r.Provider] += cost
		breakdown.Total += cost
	}
	return breakdown
}

// OptimizationHint suggests switching (provider, operation) to a cheaper
// model tier.
type OptimizationHint struct {
	Provider         string  `json:"provider"`
	Operation        string  `json:"operation"`
	CurrentModel     string  `json:"currentModel"`
	SuggestedModel   string  `json:"suggestedModel"`
	PotentialSavings float64 `json:"potentialSavings"`
	Reason           string  `json:"reason"`
}

// CheaperTier names a cheaper, adequately capable alternative to a model.
type CheaperTier struct {
	Model   string
	Reason  string
	Pricing Pricing
}

// OptimizationSuggestions emits, for each (provider, operation) that used a
// model for which a cheaper adequate tier exists, a savings hint. Results
// are sorted descending by potential savings (spec §4.2).
func (m *Meter) OptimizationSuggestions(pricing map[string]Pricing, cheaperTiers map[string]CheaperTier) []OptimizationHint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type key struct {
		provider, operation, model string
	}
	usage := make(map[key]int) // total tokens per (provider, operation, model)
	for _, r := range m.records {
		usage[key{r.Provider, r.Operation, r.Model}] += r.Tokens
	}

	var hints []OptimizationHint
	for k, tokens := range usage {
		tier, ok := cheaperTiers[k.model]
		if !ok {
			continue
		}
		currentPrice, hasCurrent := pricing[k.provider]
		if !hasCurrent {
			continue
		}
		currentCost := float64(tokens) * currentPrice.InputPricePerToken
		suggestedCost := float64(tokens) * tier.Pricing.InputPricePerToken
		savings := currentCost - suggestedCost
		if savings <= 0 {
			continue
		}
		hints = append(hints, OptimizationHint{
			Provider:         k.provider,
			Operation:        k.operation,
			CurrentModel:     k.model,
			SuggestedModel:   tier.Model,
			PotentialSavings: savings,
			Reason:           tier.Reason,
		})
	}

	sortBySavingsDescending(hints)
	return hints
}

func sortBySavingsDescending(hints []OptimizationHint) {
	for i := 1; i < len(hints); i++ {
		for j := i; j > 0 && hints[j].PotentialSavings > hints[j-1].PotentialSavings; j-- {
			hints[j], hints[j-1] = hints[j-1], hints[j]
		}
	}
}

// MarshalJSON implements json round-trip of the meter's raw records
// (spec §4.2), so a session's tokens.json snapshot can be reloaded.
func (m *Meter) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.records)
}

// UnmarshalJSON restores a meter's records from a tokens.json snapshot.
func (m *Meter) UnmarshalJSON(data []byte) error {
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = records
	return nil
}
