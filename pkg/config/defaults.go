package config

import "time"

// GetBuiltinConfig returns the configuration used when no config file is
// present, or to fill in anything a partial user config omits.
func GetBuiltinConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{Port: 3000},
		SessionHistory: SessionHistoryConfig{
			Dir: "./session-history",
		},
		Services: map[ServiceName]ServiceConfig{
			ServiceFlux:   {Port: 8001, HealthPath: "/health", GracefulTimeout: 5 * time.Second},
			ServiceVision: {Port: 8002, HealthPath: "/health", GracefulTimeout: 5 * time.Second},
			ServiceLLM:    {Port: 8003, HealthPath: "/health", GracefulTimeout: 5 * time.Second},
			ServiceVLM:    {Port: 8004, HealthPath: "/health", GracefulTimeout: 5 * time.Second},
		},
		GPU: GPUConfig{CleanupDelay: 0},
		Defaults: BeamSearchDefaults{
			BeamWidth:   4,
			KeepTop:     2,
			Iterations:  3,
			Alpha:       0.7,
			Temperature: 0.8,
		},
		Pricing:         map[string]ProviderPricing{},
		OptimizationMap: map[string]CheaperTier{},
		Notify:          NotifyConfig{},
	}
}
