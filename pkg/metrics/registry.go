// Package metrics provides optional Prometheus instrumentation for RPC
// clients, servers and the portmapper.
//
// Metrics are off until InitRegistry is called. Constructors then return
// live collectors; before that they return nil and instrumented code skips
// every observation.
//
// Usage:
//
//	metrics.InitRegistry()
//	srvMetrics := metrics.NewServerMetrics()
//	srv, err := server.New(server.Config{Metrics: srvMetrics, ...})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the global registry. Subsequent calls are no-ops.
// Go runtime and process collectors are registered alongside.
func InitRegistry() {
	registryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registry = reg
	})
}

// GetRegistry returns the global registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
