// Package commands implements the dittorpc CLI.
package commands

import (
	"fmt"

	"github.com/marmos91/dittorpc/cmd/dittorpc/commands/config"
	"github.com/marmos91/dittorpc/internal/logger"
	pkgconfig "github.com/marmos91/dittorpc/pkg/config"
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "dittorpc",
	Short: "ONC RPC toolkit with an embedded portmapper",
	Long: `dittorpc runs a portmapper (program 100000, version 2) that starts only
when no system portmapper answers and stops once the last registration is
removed, and queries portmappers the way rpcinfo does.

Use "dittorpc [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/dittorpc/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(portmapCmd)
	rootCmd.AddCommand(rpcinfoCmd)
	rootCmd.AddCommand(config.Cmd)
}

// loadConfig loads the configuration (defaults when no file exists) and
// initializes the logger from it.
func loadConfig() (*pkgconfig.Config, error) {
	cfg, err := pkgconfig.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// configSource describes where the configuration was loaded from.
func configSource() string {
	if cfgFile != "" {
		return cfgFile
	}
	if pkgconfig.DefaultConfigExists() {
		return pkgconfig.GetDefaultConfigPath()
	}
	return "defaults"
}
