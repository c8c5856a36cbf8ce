package config

import (
	"fmt"

	"dario.cat/mergo"
)

// mergeConfig merges a user-supplied config over the built-in defaults.
// User-defined values override built-in values with the same key; maps are
// merged key-by-key rather than replaced wholesale.
func mergeConfig(builtin, user *Config) (*Config, error) {
	merged := *builtin

	if err := mergo.Merge(&merged, user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging configuration: %w", err)
	}

	// mergo treats a present-but-empty map as "no override"; services are
	// merged explicitly per-name so a user overriding just one service's
	// port doesn't drop the other three built-in services.
	for name, svc := range user.Services {
		merged.Services[name] = svc
	}
	for model, pricing := range user.Pricing {
		merged.Pricing[model] = pricing
	}
	for model, tier := range user.OptimizationMap {
		merged.OptimizationMap[model] = tier
	}

	return &merged, nil
}
