package meter

import (
	"encoding/json"
	"sync"
	"testing"
)

func TestStats_AggregatesAcrossDimensions(t *testing.T) {
	m := New()
	m.Record(Record{Provider: "llm", Operation: "seed", Iteration: 0, Tokens: 100})
	m.Record(Record{Provider: "llm", Operation: "refine", Iteration: 1, Tokens: 50})
	m.Record(Record{Provider: "vision", Operation: "analyze", Iteration: 0, Tokens: 30})

	stats := m.Stats()
	if stats.Total != 180 {
		t.Errorf("Total = %d, want 180", stats.Total)
	}
	if stats.ByProvider["llm"] != 150 {
		t.Errorf("ByProvider[llm] = %d, want 150", stats.ByProvider["llm"])
	}
	if stats.ByIteration[0] != 130 {
		t.Errorf("ByIteration[0] = %d, want 130", stats.ByIteration[0])
	}
}

func TestEstimatedCost_UsesInputOutputWhenAvailable(t *testing.T) {
	m := New()
	m.Record(Record{Provider: "llm", InputTokens: 1000, OutputTokens: 500})

	cost := m.EstimatedCost(map[string]Pricing{
		"llm": {InputPricePerToken: 0.00001, OutputPricePerToken: 0.00003},
	})
	want := 1000*0.00001 + 500*0.00003
	if cost.ByProvider["llm"] != want {
		t.Errorf("cost = %v, want %v", cost.ByProvider["llm"], want)
	}
}

func TestEstimatedCost_FallsBackToTotalTokens(t *testing.T) {
	m := New()
	m.Record(Record{Provider: "llm", Tokens: 200})

	cost := m.EstimatedCost(map[string]Pricing{
		"llm": {InputPricePerToken: 0.00002},
	})
	want := 200 * 0.00002
	if cost.ByProvider["llm"] != want {
		t.Errorf("cost = %v, want %v", cost.ByProvider["llm"], want)
	}
}

func TestEstimatedCost_FlatPriceForImageGeneration(t *testing.T) {
	m := New()
	m.Record(Record{Provider: "flux", Tokens: 0})
	m.Record(Record{Provider: "flux", Tokens: 0})

	cost := m.EstimatedCost(map[string]Pricing{
		"flux": {FlatPricePerCall: 0.05},
	})
	if cost.ByProvider["flux"] != 0.10 {
		t.Errorf("cost = %v, want 0.10", cost.ByProvider["flux"])
	}
}

func TestOptimizationSuggestions_SortedDescendingBySavings(t *testing.T) {
	m := New()
	m.Record(Record{Provider: "llm", Operation: "refine", Model: "big-model", Tokens: 1000})
	m.Record(Record{Provider: "vision", Operation: "analyze", Model: "big-vision", Tokens: 5000})

	hints := m.OptimizationSuggestions(
		map[string]Pricing{
			"llm":    {InputPricePerToken: 0.00003},
			"vision": {InputPricePerToken: 0.00002},
		},
		map[string]CheaperTier{
			"big-model":  {Model: "small-model", Reason: "adequate for refine", Pricing: Pricing{InputPricePerToken: 0.00001}},
			"big-vision": {Model: "small-vision", Reason: "adequate for analyze", Pricing: Pricing{InputPricePerToken: 0.00001}},
		},
	)

	if len(hints) != 2 {
		t.Fatalf("len(hints) = %d, want 2", len(hints))
	}
	if hints[0].PotentialSavings < hints[1].PotentialSavings {
		t.Errorf("hints not sorted descending: %+v", hints)
	}
	if hints[0].Provider != "vision" {
		t.Errorf("expected vision (larger savings) first, got %s", hints[0].Provider)
	}
}

func TestOptimizationSuggestions_NoHintWhenNoCheaperTier(t *testing.T) {
	m := New()
	m.Record(Record{Provider: "llm", Operation: "refine", Model: "only-model", Tokens: 1000})

	hints := m.OptimizationSuggestions(map[string]Pricing{"llm": {InputPricePerToken: 0.00001}}, nil)
	if len(hints) != 0 {
		t.Errorf("expected no hints, got %+v", hints)
	}
}

func TestMeter_JSONRoundTrip(t *testing.T) {
	m := New()
	m.Record(Record{Provider: "llm", Operation: "seed", Tokens: 42})

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	restored := New()
	if err := json.Unmarshal(data, restored); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if restored.Stats().Total != 42 {
		t.Errorf("restored Total = %d, want 42", restored.Stats().Total)
	}
}

func TestMeter_ConcurrentRecordAndStats(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Record(Record{Provider: "llm", Tokens: 1})
		}()
	}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Stats()
		}()
	}
	wg.Wait()

	if got := m.Stats().Total; got != 50 {
		t.Errorf("Total = %d, want 50", got)
	}
}
