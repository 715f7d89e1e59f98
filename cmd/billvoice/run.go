package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/billvoice/internal/app"
	"github.com/MrWong99/billvoice/internal/observe"
)

const shutdownTimeout = 15 * time.Second

func newRunCmd() *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the interactive billing assistant console",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), !noWatch)
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file while running")
	return cmd
}

func run(ctx context.Context, watch bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	lv := newLogger(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "billvoice",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	slog.Info("billvoice starting",
		"version", version,
		"config", flags.configPath,
		"log_level", cfg.Server.LogLevel,
	)

	var opts []app.Option
	if watch {
		opts = append(opts, app.WithConfigWatch(flags.configPath, lv))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}

	runErr := application.Run(ctx)
	if runErr != nil && errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(sctx); err != nil {
		slog.Error("shutdown error", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	if runErr != nil {
		slog.Error("billvoice stopped", "err", runErr)
		return runErr
	}
	slog.Info("goodbye")
	return nil
}
