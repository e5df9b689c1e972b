package config

import (
	"testing"
	"time"

	"github.com/marmos91/dittorpc/internal/bytesize"
)

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default log level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default log format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default log output 'stdout', got %q", cfg.Logging.Output)
	}
}

func TestApplyDefaults_Portmap(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Portmap.Port != 111 {
		t.Errorf("Expected default port 111, got %d", cfg.Portmap.Port)
	}
	if cfg.Portmap.ProbeTimeout != time.Second {
		t.Errorf("Expected default probe timeout 1s, got %v", cfg.Portmap.ProbeTimeout)
	}
	if cfg.Portmap.SettleTime != time.Second {
		t.Errorf("Expected default settle time 1s, got %v", cfg.Portmap.SettleTime)
	}
	if cfg.Portmap.MaxTCPConnections != 64 {
		t.Errorf("Expected default max connections 64, got %d", cfg.Portmap.MaxTCPConnections)
	}
	if cfg.Portmap.MaxRecordSize != bytesize.MiB {
		t.Errorf("Expected default record size 1MiB, got %s", cfg.Portmap.MaxRecordSize)
	}
}

func TestApplyDefaults_Client(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Client.Timeout != 25*time.Second {
		t.Errorf("Expected default timeout 25s, got %v", cfg.Client.Timeout)
	}
	if cfg.Client.RetransmitInterval != time.Second {
		t.Errorf("Expected default retransmit interval 1s, got %v", cfg.Client.RetransmitInterval)
	}
	if cfg.Client.Auth != "none" {
		t.Errorf("Expected default auth 'none', got %q", cfg.Client.Auth)
	}
}

func TestApplyDefaults_MetricsPortOnlyWhenEnabled(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Metrics.Port != 0 {
		t.Errorf("Expected no port with metrics disabled, got %d", cfg.Metrics.Port)
	}

	cfg = &Config{Metrics: MetricsConfig{Enabled: true}}
	ApplyDefaults(cfg)
	if cfg.Metrics.Port != 9090 {
		t.Errorf("Expected default metrics port 9090, got %d", cfg.Metrics.Port)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Portmap:         PortmapConfig{Port: 1111, SettleTime: 10 * time.Millisecond},
		ShutdownTimeout: time.Minute,
	}
	ApplyDefaults(cfg)

	if cfg.Portmap.Port != 1111 {
		t.Errorf("Expected port 1111 preserved, got %d", cfg.Portmap.Port)
	}
	if cfg.Portmap.SettleTime != 10*time.Millisecond {
		t.Errorf("Expected settle time preserved, got %v", cfg.Portmap.SettleTime)
	}
	if cfg.ShutdownTimeout != time.Minute {
		t.Errorf("Expected shutdown timeout preserved, got %v", cfg.ShutdownTimeout)
	}
}
