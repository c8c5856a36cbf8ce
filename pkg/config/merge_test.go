package config

import "testing"

func TestMergeConfig_UserOverridesOneServicePreservesOthers(t *testing.T) {
	builtin := GetBuiltinConfig()
	user := &Config{
		Services: map[ServiceName]ServiceConfig{
			ServiceFlux: {Port: 9001},
		},
		Pricing:         map[string]ProviderPricing{},
		OptimizationMap: map[string]CheaperTier{},
	}

	merged, err := mergeConfig(builtin, user)
	if err != nil {
		t.Fatalf("mergeConfig() error = %v", err)
	}

	if merged.Services[ServiceFlux].Port != 9001 {
		t.Errorf("flux port = %d, want 9001", merged.Services[ServiceFlux].Port)
	}
	if merged.Services[ServiceLLM].Port != 8003 {
		t.Errorf("llm port = %d, want 8003 (builtin default preserved)", merged.Services[ServiceLLM].Port)
	}
}

func TestMergeConfig_UserOverridesHTTPPort(t *testing.T) {
	builtin := GetBuiltinConfig()
	user := &Config{
		HTTP:            HTTPConfig{Port: 4000},
		Services:        map[ServiceName]ServiceConfig{},
		Pricing:         map[string]ProviderPricing{},
		OptimizationMap: map[string]CheaperTier{},
	}

	merged, err := mergeConfig(builtin, user)
	if err != nil {
		t.Fatalf("mergeConfig() error = %v", err)
	}
	if merged.HTTP.Port != 4000 {
		t.Errorf("HTTP.Port = %d, want 4000", merged.HTTP.Port)
	}
}
