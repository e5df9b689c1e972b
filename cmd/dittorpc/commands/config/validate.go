package config

import (
	"fmt"

	"github.com/marmos91/dittorpc/pkg/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the dittorpc configuration file.

Checks for syntax errors and invalid values.

Examples:
  # Validate default config
  dittorpc config validate

  # Validate specific config file
  dittorpc config validate --config /etc/dittorpc/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := configPath(cmd)

	cfg, err := config.MustLoad(path)
	if err != nil {
		return err
	}
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	var warnings []string
	if cfg.Portmap.Port != 0 && cfg.Portmap.Port < 1024 {
		warnings = append(warnings, fmt.Sprintf("portmap port %d is privileged and needs root", cfg.Portmap.Port))
	}
	if !cfg.Portmap.LocalOnly {
		warnings = append(warnings, "remote callers may SET and UNSET mappings")
	}
	if cfg.Client.Auth == "unix" && cfg.Client.MachineName == "" {
		warnings = append(warnings, "AUTH_UNIX will use the host name and process identity")
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file: %s\n", path)
	_, _ = fmt.Fprintln(out, "Validation: OK")

	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(out, "\nWarnings:")
		for _, w := range warnings {
			_, _ = fmt.Fprintf(out, "  - %s\n", w)
		}
	}

	_, _ = fmt.Fprintf(out, "\nConfiguration summary:\n")
	_, _ = fmt.Fprintf(out, "  Portmap port:    %d\n", cfg.Portmap.Port)
	_, _ = fmt.Fprintf(out, "  Transports:      tcp=%t udp=%t\n", cfg.Portmap.EnableTCP, cfg.Portmap.EnableUDP)
	_, _ = fmt.Fprintf(out, "  Client auth:     %s\n", cfg.Client.Auth)
	_, _ = fmt.Fprintf(out, "  Log level:       %s\n", cfg.Logging.Level)
	return nil
}
