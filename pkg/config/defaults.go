package config

import (
	"strings"
	"time"

	"github.com/marmos91/dittorpc/internal/bytesize"
	"github.com/marmos91/dittorpc/pkg/portmap"
	"github.com/marmos91/dittorpc/pkg/portmap/types"
	"github.com/marmos91/dittorpc/pkg/rpc/client"
	"github.com/marmos91/dittorpc/pkg/rpc/server"
)

// ApplyDefaults fills zero-valued fields with defaults. Explicit values are
// preserved. Booleans are left alone; their defaults come from
// GetDefaultConfig.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyPortmapDefaults(&cfg.Portmap)
	applyClientDefaults(&cfg.Client)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{"cpu", "inuse_space", "goroutines"}
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyPortmapDefaults(cfg *PortmapConfig) {
	if cfg.Port == 0 {
		cfg.Port = types.DefaultPort
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = portmap.DefaultProbeTimeout
	}
	if cfg.SettleTime == 0 {
		cfg.SettleTime = portmap.DefaultSettleTime
	}
	if cfg.MaxTCPConnections == 0 {
		cfg.MaxTCPConnections = server.DefaultMaxTCPConns
	}
	if cfg.MaxRecordSize == 0 {
		cfg.MaxRecordSize = bytesize.MiB
	}
}

func applyClientDefaults(cfg *ClientConfig) {
	if cfg.Timeout == 0 {
		cfg.Timeout = client.DefaultTimeout
	}
	if cfg.RetransmitInterval == 0 {
		cfg.RetransmitInterval = client.DefaultRetransmitInterval
	}
	if cfg.MaxRecordSize == 0 {
		cfg.MaxRecordSize = bytesize.MiB
	}
	if cfg.Auth == "" {
		cfg.Auth = "none"
	}
}

// GetDefaultConfig returns a Config with every default applied.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Portmap: PortmapConfig{
			EnableTCP: true,
			EnableUDP: true,
			LocalOnly: true,
		},
	}
	ApplyDefaults(cfg)
	return cfg
}
