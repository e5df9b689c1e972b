package config

import (
	"bytes"
	"fmt"
	"os"
)

const configHeader = `# dittorpc Configuration File
#
# Values can be overridden with DITTORPC_* environment variables, e.g.
#   DITTORPC_LOGGING_LEVEL=DEBUG
#   DITTORPC_PORTMAP_PORT=1111
#
# Durations use Go syntax ("500ms", "30s"); sizes accept "64KiB", "1MiB".

`

// InitConfig writes a default configuration file to the default location
// and returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigAt(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigAt writes a default configuration file to path.
func InitConfigAt(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
	}

	if err := SaveConfig(GetDefaultConfig(), path); err != nil {
		return err
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read generated config: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(configHeader)
	buf.Write(body)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
