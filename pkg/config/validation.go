package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/marmos91/dittorpc/internal/protocol/xdr"
	"github.com/marmos91/dittorpc/internal/telemetry"
)

// validate is the singleton validator instance
var validate = validator.New()

// Validate checks struct tags, then the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if !cfg.Portmap.EnableTCP && !cfg.Portmap.EnableUDP {
		return errors.New("portmap: at least one of enable_tcp and enable_udp must be set")
	}
	if cfg.Portmap.MaxRecordSize > 1<<31 {
		return fmt.Errorf("portmap.max_record_size: %s exceeds the record marking limit", cfg.Portmap.MaxRecordSize)
	}
	if cfg.Client.MaxRecordSize > 1<<31 {
		return fmt.Errorf("client.max_record_size: %s exceeds the record marking limit", cfg.Client.MaxRecordSize)
	}
	if _, err := xdr.LookupCharset(cfg.Client.Charset); err != nil {
		return fmt.Errorf("client.charset: %w", err)
	}
	if cfg.Telemetry.Profiling.Enabled {
		if _, err := telemetry.ParseProfileTypes(cfg.Telemetry.Profiling.ProfileTypes); err != nil {
			return fmt.Errorf("telemetry.profiling.profile_types: %w", err)
		}
	}
	return nil
}

// formatValidationError reports the first failed field.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
