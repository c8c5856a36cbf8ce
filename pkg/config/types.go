package config

import "time"

// Config is the umbrella configuration object returned by Initialize and
// used throughout the application.
type Config struct {
	configDir string

	HTTP            HTTPConfig
	SessionHistory  SessionHistoryConfig `yaml:"session_history"`
	Services        map[ServiceName]ServiceConfig
	GPU             GPUConfig
	Defaults        BeamSearchDefaults
	Pricing         map[string]ProviderPricing
	OptimizationMap map[string]CheaperTier
	Notify          NotifyConfig
}

// HTTPConfig controls the HTTP/WebSocket boundary.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// SessionHistoryConfig controls where session artifacts are persisted.
type SessionHistoryConfig struct {
	Dir string `yaml:"dir"`
}

// ServiceName identifies one of the four local-service families.
type ServiceName string

// Local-service names, matching the four model families of §4.5/§4.6.
const (
	ServiceLLM    ServiceName = "llm"
	ServiceFlux   ServiceName = "flux"
	ServiceVision ServiceName = "vision"
	ServiceVLM    ServiceName = "vlm"
)

// IsValid reports whether name is one of the four known services.
func (n ServiceName) IsValid() bool {
	switch n {
	case ServiceLLM, ServiceFlux, ServiceVision, ServiceVLM:
		return true
	default:
		return false
	}
}

// AllServiceNames lists the four services in a stable order.
func AllServiceNames() []ServiceName {
	return []ServiceName{ServiceLLM, ServiceFlux, ServiceVision, ServiceVLM}
}

// ServiceConfig describes how to start and reach one local service.
type ServiceConfig struct {
	Port            int           `yaml:"port"`
	StartCommand    string        `yaml:"start_command,omitempty"`
	StartArgs       []string      `yaml:"start_args,omitempty"`
	HealthPath      string        `yaml:"health_path,omitempty"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout,omitempty"`
}

// GPUConfig controls the GPU coordinator's eviction/settle behavior.
type GPUConfig struct {
	CleanupDelay time.Duration `yaml:"cleanup_delay"`
}

// BeamSearchDefaults are the default submit params, used to fill in any
// field the caller omits.
type BeamSearchDefaults struct {
	BeamWidth   int     `yaml:"beam_width"`
	KeepTop     int     `yaml:"keep_top"`
	Iterations  int     `yaml:"iterations"`
	Alpha       float64 `yaml:"alpha"`
	Temperature float64 `yaml:"temperature"`
}

// ProviderPricing holds per-1k-token prices for one provider, used by
// the token/cost meter (§4.2).
type ProviderPricing struct {
	InputPricePer1K  float64 `yaml:"input_price_per_1k"`
	OutputPricePer1K float64 `yaml:"output_price_per_1k"`
	ImagePrice       float64 `yaml:"image_price"`
}

// CheaperTier names a cheaper model that offers adequate capability in
// place of the current one, used by optimizationSuggestions (§4.2).
type CheaperTier struct {
	SuggestedModel string `yaml:"suggested_model"`
	Reason         string `yaml:"reason"`
}

// NotifyConfig controls the optional Slack completion notifier (C11).
type NotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// ServiceConfig returns the configuration for the named service, or false
// if unconfigured (service-unavailable, §7).
func (c *Config) ServiceConfig(name ServiceName) (ServiceConfig, bool) {
	sc, ok := c.Services[name]
	return sc, ok
}
