package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/devpad/devpad/internal/jobmanager"
	"github.com/devpad/devpad/internal/registry"
	"github.com/devpad/devpad/internal/relay"
	"github.com/devpad/devpad/internal/scaffold"
)

func rootCmd() *cobra.Command {
	var configPath string

	flagOverrides := defaultConfig()

	c := &cobra.Command{
		Use:     "devserver",
		Short:   "Local development-job orchestrator",
		Example: "  devserver --listen 127.0.0.1:7070 --debug",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			// Flags set explicitly on the command line win over the file.
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = flagOverrides.ListenAddr
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = flagOverrides.Workers
			}
			if cmd.Flags().Changed("template-dir") {
				cfg.TemplateDir = flagOverrides.TemplateDir
			}
			if cmd.Flags().Changed("grace-period") {
				cfg.GracePeriod = flagOverrides.GracePeriod
			}
			if cmd.Flags().Changed("retention") {
				cfg.Retention = flagOverrides.Retention
			}
			if cmd.Flags().Changed("debug") {
				cfg.Debug = flagOverrides.Debug
			}

			if err := cfg.validate(); err != nil {
				return err
			}

			return runServer(cfg)
		},
	}

	c.Flags().StringVar(&configPath, "config", "", "Path to yaml config file")
	c.Flags().StringVar(&flagOverrides.ListenAddr, "listen", flagOverrides.ListenAddr, "HTTP listen address")
	c.Flags().IntVar(&flagOverrides.Workers, "workers", flagOverrides.Workers, "Job worker pool size")
	c.Flags().StringVar(&flagOverrides.TemplateDir, "template-dir", "", "Directory containing project templates")
	c.Flags().DurationVar(&flagOverrides.GracePeriod, "grace-period", flagOverrides.GracePeriod, "Grace between SIGTERM and SIGKILL of a job's process group")
	c.Flags().DurationVar(&flagOverrides.Retention, "retention", flagOverrides.Retention, "How long finished jobs are kept")
	c.Flags().BoolVar(&flagOverrides.Debug, "debug", false, "Enable debug logs")

	return c
}

func runServer(cfg *config) error {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(
		os.Stderr,
		&slog.HandlerOptions{Level: level},
	))

	reg := registry.New(registry.Config{
		Ports:    cfg.Ports,
		Displays: cfg.Displays,
	})

	rel := relay.New(cfg.EventBuffer)

	var engine scaffold.Engine
	if cfg.TemplateDir != "" {
		engine = scaffold.NewDirEngine(cfg.TemplateDir)
	}

	manager := jobmanager.New(
		jobmanager.Config{
			Workers:           cfg.Workers,
			QueueSize:         cfg.QueueSize,
			GracePeriod:       cfg.GracePeriod,
			ReadinessWindow:   cfg.ReadinessWindow,
			ReadinessInterval: cfg.ReadinessInterval,
			Retention:         cfg.Retention,
			ConflictScope:     jobmanager.ConflictScope(cfg.ConflictScope),
		},
		reg,
		rel,
		engine,
		logger,
	)

	manager.Start()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	srv := newServer(manager, reg, rel, logger, cfg)

	err := srv.run(ctx)

	// Jobs are cancelled, their process groups killed, and leases released
	// before the server reports stopped.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	manager.Shutdown(shutdownCtx)
	rel.Close()

	logger.Info("server stopped")

	return err
}
