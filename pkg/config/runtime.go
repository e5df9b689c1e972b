package config

import (
	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/internal/protocol/rpc/auth"
	"github.com/marmos91/dittorpc/internal/telemetry"
	"github.com/marmos91/dittorpc/pkg/metrics"
	"github.com/marmos91/dittorpc/pkg/portmap"
	"github.com/marmos91/dittorpc/pkg/rpc/client"
)

// LoggerConfig converts the logging section for logger.Init.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}

// TelemetryConfig converts the telemetry section for telemetry.Init.
func (c *Config) TelemetryConfig(version string) telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Telemetry.Enabled,
		ServiceName:    "dittorpc",
		ServiceVersion: version,
		Endpoint:       c.Telemetry.Endpoint,
		Insecure:       c.Telemetry.Insecure,
		SampleRate:     c.Telemetry.SampleRate,
	}
}

// ProfilingConfig converts the profiling section for telemetry.InitProfiling.
func (c *Config) ProfilingConfig(version string) telemetry.ProfilingConfig {
	return telemetry.ProfilingConfig{
		Enabled:        c.Telemetry.Profiling.Enabled,
		ServiceName:    "dittorpc",
		ServiceVersion: version,
		Endpoint:       c.Telemetry.Profiling.Endpoint,
		ProfileTypes:   c.Telemetry.Profiling.ProfileTypes,
	}
}

// EmbeddedConfig builds the embedded portmapper settings. Metrics are
// attached when the registry has been initialized.
func (c *Config) EmbeddedConfig() portmap.EmbeddedConfig {
	p := c.Portmap
	return portmap.EmbeddedConfig{
		Host:          p.Host,
		Port:          p.Port,
		EnableTCP:     p.EnableTCP,
		EnableUDP:     p.EnableUDP,
		ProbeTimeout:  p.ProbeTimeout,
		SettleTime:    p.SettleTime,
		MaxTCPConns:   p.MaxTCPConnections,
		MaxRecordSize: uint32(p.MaxRecordSize),
		AllowRemote:   !p.LocalOnly,
		Metrics:       metrics.NewPortmapMetrics(),
		ServerMetrics: metrics.NewServerMetrics(),
	}
}

// RPCClientConfig builds client settings for program prog, version vers.
func (c *Config) RPCClientConfig(prog, vers uint32) (client.Config, error) {
	a, err := c.Client.NewAuth()
	if err != nil {
		return client.Config{}, err
	}
	return client.Config{
		Program:            prog,
		Version:            vers,
		Timeout:            c.Client.Timeout,
		RetransmitInterval: c.Client.RetransmitInterval,
		Charset:            c.Client.Charset,
		Auth:               a,
		MaxRecordSize:      uint32(c.Client.MaxRecordSize),
		Metrics:            metrics.NewClientMetrics(),
	}, nil
}

// NewAuth builds the configured credential strategy.
func (c *ClientConfig) NewAuth() (auth.Auth, error) {
	if c.Auth != "unix" {
		return auth.None(), nil
	}
	var (
		u   *auth.Unix
		err error
	)
	if c.MachineName == "" {
		u, err = auth.NewUnixFromProcess()
	} else {
		u, err = auth.NewUnix(c.MachineName, c.UID, c.GID, c.GIDs)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}
