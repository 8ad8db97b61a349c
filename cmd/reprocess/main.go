// Package main replays canonical mapping and snapshots from the raw store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ibkr-flex-ledger/internal/config"
	"ibkr-flex-ledger/internal/ledger"
	"ibkr-flex-ledger/internal/observability"
	"ibkr-flex-ledger/internal/orchestrator"
	pgstore "ibkr-flex-ledger/internal/storage/postgres"
)

func main() {
	periodKey := flag.String("period-key", "", "Period key to replay (empty for full replay)")
	flexQueryID := flag.String("flex-query-id", "", "Flex query id scope (empty for all)")
	flag.Parse()

	logger := observability.NewLogger("reprocess")

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
		logger.Warn().Str("signal", sig.String()).Msg("cancelling reprocess run")
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

	snapshots, err := ledger.NewSnapshotService(canonicalStore, rawStore, ledgerStore, cfg.BaseCurrency, cfg.LocalZone())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating snapshot service: %v\n", err)
		os.Exit(1)
	}

	orch := orchestrator.NewReprocess(runStore, rawStore, canonicalStore, snapshots, orchestrator.Config{
		AccountID:    cfg.AccountID,
		FlexQueryID:  cfg.FlexQueryID,
		BaseCurrency: cfg.BaseCurrency,
	}, logger)

	run, err := orch.Trigger(ctx, *periodKey, *flexQueryID)
	if err != nil {
		if run != nil {
			fmt.Fprintf(os.Stderr, "Run %s failed: %v\n", run.ID, err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}

	fmt.Printf("Reprocess run %s completed: status=%s report_date=%s\n", run.ID, run.Status, run.ReportDateLocal)
}
