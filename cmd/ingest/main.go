// Package main runs one ingestion pipeline execution.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ibkr-flex-ledger/internal/config"
	"ibkr-flex-ledger/internal/domain"
	"ibkr-flex-ledger/internal/flex"
	"ibkr-flex-ledger/internal/ledger"
	"ibkr-flex-ledger/internal/observability"
	"ibkr-flex-ledger/internal/orchestrator"
	pgstore "ibkr-flex-ledger/internal/storage/postgres"
)

func main() {
	runType := flag.String("run-type", domain.RunTypeManual, "Run type: manual or scheduled")
	flag.Parse()

	logger := observability.NewLogger("ingest")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warn().Str("signal", sig.String()).Msg("cancelling ingestion run")
		cancel()
	}()

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

	orch := orchestrator.NewIngestion(runStore, rawStore, canonicalStore, client, snapshots, orchestrator.Config{
		AccountID:             cfg.AccountID,
		FlexQueryID:           cfg.FlexQueryID,
		BaseCurrency:          cfg.BaseCurrency,
		ReconciliationEnabled: cfg.ReconciliationEnabled,
	}, logger)

	run, err := orch.Trigger(ctx, *runType)
	if err != nil {
		if run != nil {
			fmt.Fprintf(os.Stderr, "Run %s failed: %v\n", run.ID, err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}

	fmt.Printf("Run %s completed: status=%s report_date=%s\n", run.ID, run.Status, run.ReportDateLocal)
}
