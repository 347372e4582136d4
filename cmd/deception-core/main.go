// Package main is the entry point for the deception core service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"boundary-deception/internal/config"
	"boundary-deception/internal/deploy"
	"boundary-deception/internal/faults"
	"boundary-deception/internal/logging"
	"boundary-deception/internal/secrets"
	"boundary-deception/internal/startup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	if err := resolveSecrets(cfg, logger); err != nil {
		slog.Error("failed to resolve secrets", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	faults.SetProductionMode(os.Getenv("DECEPTION_ENV") == "production")

	diagCtx, diagCancel := context.WithTimeout(context.Background(), 10*time.Second)
	diag := startup.NewDiagnostics(cfg, logger)
	diag.RunAll(diagCtx)
	diagCancel()
	if diag.HasErrors() {
		slog.Error("startup diagnostics failed; refusing to start")
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"visibility_addr", cfg.Server.VisibilityAddr,
		"control_addr", cfg.Server.ControlAddr,
		"asset_dir", cfg.Registry.Dir,
		"topology_mode", cfg.Topology.Mode,
		"safe_halt_scope", cfg.Deploy.SafeHaltScope,
		"kafka_enabled", cfg.Kafka != nil && cfg.Kafka.Enabled,
		"redis_enabled", cfg.Redis.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
		"archive_enabled", cfg.Archive != nil && cfg.Archive.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())

	core, err := build(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to initialize deception core", "error", err)
		cancel()
		os.Exit(1)
	}

	core.start(ctx)

	serverErr := make(chan error, 2)
	for _, srv := range core.servers() {
		go func() {
			slog.Info("starting listener", "address", srv.Addr)
			var err error
			if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
				err = srv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("listener %s: %w", srv.Addr, err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		slog.Error("server error", "error", err)
		exitCode = 1
	}

	core.stopping()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer shutdownCancel()

	for _, srv := range core.servers() {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "address", srv.Addr, "error", err)
		}
	}

	core.teardownAll(shutdownCtx)
	cancel()
	core.close()

	slog.Info("shutdown complete",
		"signals_emitted", core.signals.Store().Total(),
		"deployed", len(core.ledger.Live()),
		"safe_halt", len(core.ledger.WithStatus(deploy.StatusSafeHalt)),
	)
	os.Exit(exitCode)
}

// resolveSecrets swaps env:, file: and vault: references in the config for
// their values. The manager is closed afterwards; nothing reads secrets at
// runtime.
func resolveSecrets(cfg *config.Config, logger *slog.Logger) error {
	m := secrets.NewManager(cfg.Secrets, logger)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return cfg.ResolveSecrets(ctx, m)
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}
