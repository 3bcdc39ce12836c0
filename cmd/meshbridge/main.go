package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/meshforge/meshbridge/internal/bridge"
	"github.com/meshforge/meshbridge/internal/config"
	"github.com/meshforge/meshbridge/internal/connection"
	"github.com/meshforge/meshbridge/internal/diag"
	"github.com/meshforge/meshbridge/internal/dispatch"
	"github.com/meshforge/meshbridge/internal/health"
	"github.com/meshforge/meshbridge/internal/hostsim"
	"github.com/meshforge/meshbridge/internal/logging"
	"github.com/meshforge/meshbridge/internal/paths"
	"github.com/meshforge/meshbridge/internal/tools"
	"github.com/meshforge/meshbridge/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "meshbridge",
		Short:         "MCP bridge for the MeshForge 3D studio",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "",
		fmt.Sprintf("Path to config file (default: %s)", paths.ConfigFile()))

	root.AddCommand(
		newServeCmd(&cfgPath),
		newBridgeCmd(&cfgPath),
		newInitCmd(&cfgPath),
		newVersionCmd(),
	)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFrom(path)
}

// newServeCmd runs the MCP stdio server. Nothing touches stdout except the
// MCP transport itself; logs go to stderr and the optional file sink.
func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve MeshForge tools to an AI client over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Dir)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			var rec *diag.Recorder
			if cfg.Diagnostics.Enabled {
				rec, err = diag.Open(diag.Config{Dir: cfg.Diagnostics.Dir, Lean: cfg.Diagnostics.Lean}, logger)
				if err != nil {
					// Diagnostics are best-effort; the server runs without them.
					logger.Warn("diagnostics unavailable", zap.Error(err))
				} else {
					defer func() { _ = rec.Close() }()
				}
			}

			conn := connection.New(connection.Config{
				Host:           cfg.Connection.Host,
				Port:           cfg.Connection.Port,
				ConnectTimeout: cfg.Connection.ConnectTimeout.Std(),
				CommandTimeout: cfg.Connection.CommandTimeout.Std(),
			}, logger)
			defer conn.Disconnect()

			monitor := health.New(health.Config{
				Interval:     cfg.Health.Interval.Std(),
				CheckTimeout: cfg.Health.CheckTimeout.Std(),
				HistoryLimit: cfg.Health.HistoryLimit,
			}, conn, logger)
			defer monitor.Stop()

			svc := tools.NewService(conn, monitor, rec, logger)
			logger.Info("MCP server starting",
				zap.String("version", version.Full()),
				zap.String("bridge", fmt.Sprintf("%s:%d", cfg.Connection.Host, cfg.Connection.Port)))
			return mcpserver.ServeStdio(tools.NewServer(svc))
		},
	}
}

// newBridgeCmd runs a standalone bridge with the simulated host. It stands
// in for MeshForge during development and end-to-end testing.
func newBridgeCmd(cfgPath *string) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Run a development bridge backed by a simulated MeshForge host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Dir)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cmd.Flags().Changed("port") {
				cfg.Bridge.Port = port
			}

			table := dispatch.NewTable(logger)
			bridge.RegisterCoreHandlers(table, hostsim.AppVersion)
			hostsim.New(logger).Register(table)

			metrics := bridge.NewMetrics()
			b := bridge.New(bridge.Config{
				Port:         cfg.Bridge.Port,
				QueueSize:    cfg.Bridge.QueueSize,
				TickInterval: cfg.Bridge.TickInterval.Std(),
				GraceTimeout: cfg.Bridge.GraceTimeout.Std(),
			}, table, logger, metrics)
			if err := b.Start(); err != nil {
				return err
			}
			defer func() { _ = b.Stop() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if addr := cfg.Bridge.MetricsAddr; addr != "" {
				go serveMetrics(ctx, addr, metrics, logger)
			}

			logger.Info("bridge listening",
				zap.String("addr", b.Addr().String()),
				zap.String("app_version", hostsim.AppVersion))
			b.RunLoop(ctx)
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides config)")
	return cmd
}

// serveMetrics exposes the bridge's Prometheus registry until ctx is done.
func serveMetrics(ctx context.Context, addr string, metrics *bridge.Metrics, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Warn("metrics endpoint failed", zap.Error(err))
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func newInitCmd(cfgPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *cfgPath
			if path == "" {
				path = paths.ConfigFile()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.SaveTo(path, config.Default()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "meshbridge %s\n", version.Full())
		},
	}
}
