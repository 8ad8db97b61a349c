// Package main serves the HTTP trigger surface over the core pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ibkr-flex-ledger/internal/config"
	"ibkr-flex-ledger/internal/flex"
	"ibkr-flex-ledger/internal/ledger"
	"ibkr-flex-ledger/internal/observability"
	"ibkr-flex-ledger/internal/orchestrator"
	"ibkr-flex-ledger/internal/server"
	pgstore "ibkr-flex-ledger/internal/storage/postgres"
)

func main() {
	logger := observability.NewLogger("server")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgstore.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to store: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	runStore := pgstore.NewRunStore(pool)
	rawStore := pgstore.NewRawStore(pool)
	canonicalStore := pgstore.NewCanonicalStore(pool)
	ledgerStore := pgstore.NewLedgerStore(pool)

	client, err := flex.NewClient(cfg.FlexToken, flex.WithRetryStrategy(cfg.RetryStrategy()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating flex client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	snapshots, err := ledger.NewSnapshotService(canonicalStore, rawStore, ledgerStore, cfg.BaseCurrency, cfg.LocalZone())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating snapshot service: %v\n", err)
		os.Exit(1)
	}

	metrics := observability.NewMetrics("")
	orchCfg := orchestrator.Config{
		AccountID:             cfg.AccountID,
		FlexQueryID:           cfg.FlexQueryID,
		BaseCurrency:          cfg.BaseCurrency,
		ReconciliationEnabled: cfg.ReconciliationEnabled,
	}

	ingestion := orchestrator.NewIngestion(runStore, rawStore, canonicalStore, client, snapshots, orchCfg, observability.NewLogger("ingestion")).WithMetrics(metrics)
	reprocess := orchestrator.NewReprocess(runStore, rawStore, canonicalStore, snapshots, orchCfg, observability.NewLogger("reprocess")).WithMetrics(metrics)

	srv := server.New(ingestion, reprocess, runStore, metrics, pool.Ping, logger)
	httpServer := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: srv.Router(),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
	}()

	logger.Info().Str("addr", cfg.ServerAddr).Msg("listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}
