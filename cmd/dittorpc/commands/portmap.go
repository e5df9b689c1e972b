package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/internal/telemetry"
	"github.com/marmos91/dittorpc/pkg/config"
	"github.com/marmos91/dittorpc/pkg/portmap"
	"github.com/spf13/cobra"
)

var (
	portmapPort  int
	portmapWatch bool
)

var portmapCmd = &cobra.Command{
	Use:   "portmap",
	Short: "Run the embedded portmapper",
	Long: `Run a portmapper until interrupted.

If another portmapper already answers on the configured port, the command
reports it and exits. Otherwise it serves until a signal arrives or the
last non-portmapper registration is removed.

Examples:
  # Serve on the configured port (111 by default, usually needs root)
  dittorpc portmap

  # Serve on an unprivileged port with debug logging
  DITTORPC_LOGGING_LEVEL=DEBUG dittorpc portmap --port 1111`,
	RunE: runPortmap,
}

func init() {
	portmapCmd.Flags().IntVarP(&portmapPort, "port", "p", 0, "override the configured portmapper port")
	portmapCmd.Flags().BoolVar(&portmapWatch, "watch-config", false, "apply logging changes from the config file without restarting")
}

func runPortmap(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if portmapPort != 0 {
		cfg.Portmap.Port = portmapPort
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.TelemetryConfig(Version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		flushCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer done()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}()

	stopProfiling, err := telemetry.InitProfiling(cfg.ProfilingConfig(Version))
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := stopProfiling(); err != nil {
			logger.Error("profiling shutdown error", logger.Err(err))
		}
	}()

	logger.Info("Configuration loaded", "source", configSource(), "level", cfg.Logging.Level)

	if metricsServer := config.InitializeMetrics(cfg); metricsServer != nil {
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				logger.Error("metrics server error", logger.Err(err))
			}
		}()
		logger.Info("Metrics enabled", logger.Port(metricsServer.Port()))
	}

	if portmapWatch && cfgFile != "" {
		if err := config.Watch(cfgFile, func(c *config.Config) {
			logger.SetLevel(c.Logging.Level)
			logger.SetFormat(c.Logging.Format)
		}); err != nil {
			logger.Warn("config watch disabled", logger.Err(err))
		}
	}

	pm, err := portmap.StartEmbedded(ctx, cfg.EmbeddedConfig())
	if err != nil {
		return err
	}
	if pm.External() {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "A portmapper is already running on port %d\n", pm.Port())
		return nil
	}
	logger.Info("Portmapper running. Press Ctrl+C to stop.", logger.Port(pm.Port()))

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		return shutdownPortmap(pm, cfg.ShutdownTimeout)
	case <-pm.Done():
		logger.Info("Portmapper stopped: no registrations left")
		return nil
	}
}

func shutdownPortmap(pm *portmap.Embedded, timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		pm.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Portmapper stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("portmapper did not stop within %s", timeout)
	}
}
