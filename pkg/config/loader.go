// Package config loads, merges, and validates the beam-search runtime's
// configuration from a single YAML file plus environment variable
// overrides, following the load → expand → merge → validate pipeline
// established by the rest of the corpus's config loaders.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load beamsearch.yaml from configDir (missing file is not an error —
//     the built-in defaults apply)
//  2. Expand ${VAR} environment variables in the raw YAML
//  3. Merge over the built-in defaults
//  4. Apply per-field environment variable overrides (§6 env vars)
//  5. Validate
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	builtin := GetBuiltinConfig()

	user, err := loadUserYAML(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg, err := mergeConfig(builtin, user)
	if err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}
	cfg.configDir = configDir

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"services", stats.Services,
		"priced_models", stats.PricedModels,
		"optimization_hints", stats.OptimizationHints)

	return cfg, nil
}

// loadUserYAML reads {configDir}/beamsearch.yaml. A missing file yields an
// empty (zero-value) Config rather than an error, so a bare `PORT=...`
// environment-only deployment works without any config file on disk.
func loadUserYAML(configDir string) (*Config, error) {
	cfg := &Config{
		Services:        map[ServiceName]ServiceConfig{},
		Pricing:         map[string]ProviderPricing{},
		OptimizationMap: map[string]CheaperTier{},
	}

	path := filepath.Join(configDir, "beamsearch.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, NewLoadError(path, err)
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	if cfg.Services == nil {
		cfg.Services = map[ServiceName]ServiceConfig{}
	}
	if cfg.Pricing == nil {
		cfg.Pricing = map[string]ProviderPricing{}
	}
	if cfg.OptimizationMap == nil {
		cfg.OptimizationMap = map[string]CheaperTier{}
	}

	return cfg, nil
}

// applyEnvOverrides applies the §6 environment variables on top of the
// merged file-based config. Environment variables take precedence over
// beamsearch.yaml, matching the 12-factor convention the rest of the
// corpus follows for deployment-time overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := parsePort(v); err == nil {
			cfg.HTTP.Port = port
		} else {
			slog.Warn("Invalid PORT env var, keeping configured value", "value", v, "error", err)
		}
	}
	if v := os.Getenv("SESSION_HISTORY_DIR"); v != "" {
		cfg.SessionHistory.Dir = v
	}
	if v := os.Getenv("GPU_CLEANUP_DELAY_MS"); v != "" {
		if d, err := parseMillis(v); err == nil {
			cfg.GPU.CleanupDelay = d
		} else {
			slog.Warn("Invalid GPU_CLEANUP_DELAY_MS env var, keeping configured value", "value", v, "error", err)
		}
	}

	for _, name := range AllServiceNames() {
		envVar := envVarForService(name)
		if v := os.Getenv(envVar); v != "" {
			if port, err := parsePort(v); err == nil {
				svc := cfg.Services[name]
				svc.Port = port
				cfg.Services[name] = svc
			} else {
				slog.Warn("Invalid service port env var, keeping configured value",
					"env_var", envVar, "value", v, "error", err)
			}
		}
	}

	if v := os.Getenv("SLACK_TOKEN"); v != "" {
		cfg.Notify.Enabled = true
		cfg.Notify.TokenEnv = "SLACK_TOKEN"
	}
	if v := os.Getenv("SLACK_CHANNEL"); v != "" {
		cfg.Notify.Channel = v
	}
}

func envVarForService(name ServiceName) string {
	switch name {
	case ServiceLLM:
		return "LLM_PORT"
	case ServiceFlux:
		return "FLUX_PORT"
	case ServiceVision:
		return "VISION_PORT"
	case ServiceVLM:
		return "VLM_PORT"
	default:
		return ""
	}
}

// validate performs comprehensive validation on loaded configuration.
func validate(cfg *Config) error {
	v := NewValidator(cfg)
	return v.ValidateAll()
}
