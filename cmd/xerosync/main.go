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

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/ericfisherdev/xerosync/internal/adapter/driven/sqlstore"
	"github.com/ericfisherdev/xerosync/internal/adapter/driven/xero"
	"github.com/ericfisherdev/xerosync/internal/adapter/driving/cli"
	httphandler "github.com/ericfisherdev/xerosync/internal/adapter/driving/http"
	"github.com/ericfisherdev/xerosync/internal/application"
	"github.com/ericfisherdev/xerosync/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (.env first, then fail fast on invalid env vars).
	if err := config.LoadEnvFile(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg))
	slog.Debug("config loaded",
		"db_driver", cfg.DBDriver,
		"listen_addr", cfg.ListenAddr,
		"sync_interval", cfg.SyncInterval,
		"tenant", cfg.TenantID,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database and run migrations on the writer connection.
	db, err := sqlstore.Open(ctx, sqlstore.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	if err := sqlstore.RunMigrations(db); err != nil {
		return err
	}
	slog.Debug("migrations complete", "driver", cfg.DBDriver)

	// 4. Wire adapters.
	credentialStore := sqlstore.NewCredentialRepo(db, cfg.SecretKey)
	targetStore := sqlstore.NewTargetRepo(db)
	runStore := sqlstore.NewSyncRunRepo(db)
	errorLog := sqlstore.NewErrorLogRepo(db)

	authProvider := xero.NewAuthProvider(cfg.ClientID, cfg.ClientSecret, cfg.RedirectURI, xero.DefaultScopes)
	sourceClient := xero.NewClient()

	// 5. Create services.
	tokenSvc := application.NewTokenService(credentialStore, authProvider, cfg.TokenMargin)
	syncSvc := application.NewSyncService(tokenSvc, sourceClient, targetStore, runStore, errorLog, application.SyncConfig{
		TenantID:      cfg.TenantID,
		Interval:      cfg.SyncInterval,
		RunOnStart:    cfg.SyncOnStart,
		MaxRetries:    cfg.MaxRetries,
		BackoffMax:    cfg.BackoffMax,
		StaleRunAfter: cfg.StaleRunAfter,
	})

	// 6. Dispatch the command line.
	root := cli.NewRootCommand(cli.Deps{
		Sync:     syncSvc,
		Auth:     tokenSvc,
		TenantID: cfg.TenantID,
		Daemon: func(ctx context.Context) error {
			return serve(ctx, cfg, syncSvc, tokenSvc)
		},
	})
	return root.ExecuteContext(ctx)
}

// serve runs the scheduler and the HTTP server until ctx is canceled.
func serve(ctx context.Context, cfg *config.Config, syncSvc *application.SyncService, tokenSvc *application.TokenService) error {
	go syncSvc.Start(ctx)

	apiHandler := httphandler.NewHandler(syncSvc, tokenSvc, cfg.TenantID, slog.Default())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(apiHandler, slog.Default()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	slog.Info("xerosync started",
		"listen_addr", cfg.ListenAddr,
		"sync_interval", cfg.SyncInterval,
		"db_driver", cfg.DBDriver,
	)

	// Wait for shutdown signal or a server failure.
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}
	slog.Info("shutting down")

	// Graceful shutdown with 10s timeout for in-flight requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return runErr
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
