package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/archonlabs/archon/internal/bus"
	"github.com/archonlabs/archon/internal/capability"
	"github.com/archonlabs/archon/internal/config"
	"github.com/archonlabs/archon/internal/loop"
	"github.com/archonlabs/archon/internal/observability"
	"github.com/archonlabs/archon/internal/providers"
	"github.com/archonlabs/archon/internal/recorder"
	"github.com/archonlabs/archon/internal/router"
	"github.com/archonlabs/archon/internal/server"
	"github.com/archonlabs/archon/internal/toolserver"
)

const defaultConfigPath = "archon.yaml"

// exitCodeToolServer is the process exit code for a tool-server subprocess
// that could not be started when no remote server is configured.
const exitCodeToolServer = 2

// exitError carries a specific process exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// toolServerStartError classifies a supervisor startup failure. With a remote
// configured the proxy can serve without tools and reconnect later; without
// one the subprocess was the only path, so the failure is fatal.
func toolServerStartError(cfg config.ToolServerConfig, err error) error {
	if cfg.RemoteURL != "" {
		return nil
	}
	return &exitError{
		code: exitCodeToolServer,
		err:  fmt.Errorf("starting tool server subprocess: %w", err),
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "archon",
		Short: "Archon - capability-aware LLM proxy with an agentic tool loop",
		Long: `Archon is an intercepting proxy between OpenAI-compatible clients and
LLM providers. It classifies each chat request, runs tool-using requests
through a bounded planner/executor loop against an external tool server,
and records every turn durably.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildCheckCmd(),
	)
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the archon proxy",
		Example: `  # Start with default config
  archon serve

  # Start with custom config and debug logging
  archon serve --config /etc/archon/archon.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildCheckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("config ok: %d provider(s), main model %s, listening on %s\n",
				len(cfg.Providers), cfg.Routing.MainModel, cfg.Server.Addr())
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML or JSON5 configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logCfg := observability.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format}
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)

	eventBus := bus.New(logger)
	defer eventBus.Close()

	configs, err := config.NewManager(configPath, eventBus, logger)
	if err != nil {
		return fmt.Errorf("config manager: %w", err)
	}
	defer configs.Close()
	if err := configs.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	profileStore := capability.NewFileStore(cfg.Profiles.Path)
	caps, err := capability.NewRegistry(profileStore, logger)
	if err != nil {
		return fmt.Errorf("capability registry: %w", err)
	}
	defer caps.Close()
	caps.WatchInvalidations(eventBus)

	providerRegistry, err := providers.NewRegistry(cfg, logger)
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}

	supervisor := toolserver.NewSupervisor(
		cfg.ToolServer, cfg.Loop, caps, eventBus, metrics, logger)
	defer supervisor.Close()
	if err := supervisor.Start(ctx); err != nil {
		if fatal := toolServerStartError(cfg.ToolServer, err); fatal != nil {
			return fatal
		}
		logger.Warn("remote tool server unavailable at startup, continuing without tools",
			"error", err)
	}

	rec, err := recorder.New(cfg.Sessions.Dir, eventBus, logger)
	if err != nil {
		return fmt.Errorf("session recorder: %w", err)
	}
	defer rec.Close()

	runner := loop.NewRunner(providerRegistry, supervisor, caps, eventBus, metrics, logger)
	planner := router.New(configs, caps, supervisor, eventBus, logger)

	srv := server.New(server.Options{
		Configs:   configs,
		Router:    planner,
		Runner:    runner,
		Providers: providerRegistry,
		Bus:       eventBus,
		Metrics:   metrics,
		Registry:  registry,
		Checks: server.Checks{
			ToolServer:   supervisor.Ready,
			ProfileStore: func() bool { _, err := profileStore.LoadAll(); return err == nil },
			SessionStore: rec.Ready,
		},
		Logger: logger,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down", "reason", "context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
