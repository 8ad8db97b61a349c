// Package main applies the embedded PostgreSQL migrations.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"ibkr-flex-ledger/internal/storage/migrations"
	pgstore "ibkr-flex-ledger/internal/storage/postgres"
)

func main() {
	_ = godotenv.Load()

	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "Error: DATABASE_URL must be set")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgstore.NewPool(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to store: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		fmt.Fprintf(os.Stderr, "Error applying migrations: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Migrations applied successfully")
}
