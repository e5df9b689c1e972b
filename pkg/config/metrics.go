package config

import (
	"github.com/marmos91/dittorpc/pkg/metrics"

	// Registers the Prometheus constructors behind metrics.New*Metrics.
	_ "github.com/marmos91/dittorpc/pkg/metrics/prometheus"
)

// InitializeMetrics initializes the global registry and returns the HTTP
// server exposing it, or nil when metrics are disabled. Call it before
// building clients or servers so their constructors see the registry.
func InitializeMetrics(cfg *Config) *metrics.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}
	metrics.InitRegistry()
	return metrics.NewServer(metrics.ServerConfig{Port: cfg.Metrics.Port})
}
