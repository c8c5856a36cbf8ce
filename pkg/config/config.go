package config

// ConfigStats contains statistics about loaded configuration, logged by
// Initialize once the configuration is loaded.
type ConfigStats struct {
	Services          int
	PricedModels      int
	OptimizationHints int
}

// Stats returns configuration statistics for logging/monitoring.
func (c *Config) Stats() ConfigStats {
	return ConfigStats{
		Services:          len(c.Services),
		PricedModels:      len(c.Pricing),
		OptimizationHints: len(c.OptimizationMap),
	}
}
