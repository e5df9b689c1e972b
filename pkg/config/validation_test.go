package config

import (
	"strings"
	"testing"
)

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(GetDefaultConfig()); err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_PortOutOfRange(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Portmap.Port = 70000

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for port out of range")
	}
	if !strings.Contains(err.Error(), "max") {
		t.Errorf("Expected 'max' validation error, got: %v", err)
	}
}

func TestValidate_NoTransport(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Portmap.EnableTCP = false
	cfg.Portmap.EnableUDP = false

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error with both transports disabled")
	}
}

func TestValidate_UnknownCharset(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Client.Charset = "no-such-charset"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for unknown charset")
	}
}

func TestValidate_KnownCharset(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Client.Charset = "ISO-8859-1"

	if err := Validate(cfg); err != nil {
		t.Errorf("Expected ISO-8859-1 to be accepted, got: %v", err)
	}
}

func TestValidate_TooManyGroups(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Client.GIDs = make([]uint32, 17)

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for 17 supplementary groups")
	}
}

func TestValidate_UnknownAuth(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Client.Auth = "kerberos"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for unknown auth flavor")
	}
}

func TestValidate_BadSampleRate(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Telemetry.SampleRate = 1.5

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for sample rate above 1")
	}
}
