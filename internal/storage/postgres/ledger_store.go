package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ibkr-flex-ledger/internal/domain"
	"ibkr-flex-ledger/internal/storage"
)

// LedgerStore implements storage.LedgerStore using PostgreSQL.
type LedgerStore struct {
	pool *Pool
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(pool *Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Compile-time interface check.
var _ storage.LedgerStore = (*LedgerStore)(nil)

// UpsertPositionLots upserts lots atomically in one transaction keyed by
// their deterministic ids. Open quantity is immutable after creation.
func (s *LedgerStore) UpsertPositionLots(ctx context.Context, lots []*domain.PositionLot) error {
	if len(lots) == 0 {
		return nil
	}

	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, lot := range lots {
		if lot == nil || lot.ID == "" {
			return storage.ErrInvalidInput
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO position_lot (
				position_lot_id, account_id, instrument_id, open_trade_fill_id,
				source_raw_record_id, opened_at_utc, closed_at_utc,
				open_quantity, remaining_quantity, open_price, cost_basis_open,
				realized_pnl_to_date, status
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7,
				$8::numeric, $9::numeric, $10::numeric, $11::numeric, $12::numeric, $13
			)
			ON CONFLICT (position_lot_id) DO UPDATE SET
				remaining_quantity = EXCLUDED.remaining_quantity,
				realized_pnl_to_date = EXCLUDED.realized_pnl_to_date,
				closed_at_utc = EXCLUDED.closed_at_utc,
				status = EXCLUDED.status,
				updated_at_utc = now()
		`,
			lot.ID, lot.AccountID, lot.InstrumentID, lot.OpenTradeFillID,
			lot.SourceRawRecordID, lot.OpenedAtUTC, lot.ClosedAtUTC,
			decimalParam(lot.OpenQuantity), decimalParam(lot.RemainingQuantity),
			decimalParam(lot.OpenPrice), decimalParam(lot.CostBasisOpen),
			decimalParam(lot.RealizedPnlToDate), lot.Status,
		)
		if err != nil {
			return fmt.Errorf("upsert position lot: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// UpsertSnapshots upserts snapshot rows atomically in one transaction keyed
// by (account_id, report_date_local, instrument_id); reruns converge.
func (s *LedgerStore) UpsertSnapshots(ctx context.Context, rows []*domain.PnlSnapshotDaily) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, row := range rows {
		if row == nil || row.AccountID == "" || row.ReportDateLocal == "" || row.InstrumentID == "" {
			return storage.ErrInvalidInput
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO pnl_snapshot_daily (
				account_id, report_date_local, instrument_id, position_qty,
				cost_basis, realized_pnl, unrealized_pnl, total_pnl, fees,
				withholding_tax, currency, provisional, valuation_source,
				fx_source, ingestion_run_id
			) VALUES (
				$1, $2::date, $3, $4::numeric, $5::numeric, $6::numeric,
				$7::numeric, $8::numeric, $9::numeric, $10::numeric,
				$11, $12, $13, $14, $15
			)
			ON CONFLICT (account_id, report_date_local, instrument_id) DO UPDATE SET
				position_qty = EXCLUDED.position_qty,
				cost_basis = EXCLUDED.cost_basis,
				realized_pnl = EXCLUDED.realized_pnl,
				unrealized_pnl = EXCLUDED.unrealized_pnl,
				total_pnl = EXCLUDED.total_pnl,
				fees = EXCLUDED.fees,
				withholding_tax = EXCLUDED.withholding_tax,
				currency = EXCLUDED.currency,
				provisional = EXCLUDED.provisional,
				valuation_source = EXCLUDED.valuation_source,
				fx_source = EXCLUDED.fx_source,
				ingestion_run_id = EXCLUDED.ingestion_run_id
		`,
			row.AccountID, row.ReportDateLocal, row.InstrumentID,
			decimalParam(row.PositionQty), nullableDecimalParam(row.CostBasis),
			decimalParam(row.RealizedPnl), decimalParam(row.UnrealizedPnl),
			decimalParam(row.TotalPnl), decimalParam(row.Fees),
			decimalParam(row.WithholdingTax), row.Currency, row.Provisional,
			row.ValuationSource, row.FxSource, row.IngestionRunID,
		)
		if err != nil {
			return fmt.Errorf("upsert snapshot row: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ListLots retrieves lots for one instrument ordered by opened_at.
func (s *LedgerStore) ListLots(ctx context.Context, accountID, instrumentID string) ([]*domain.PositionLot, error) {
	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT position_lot_id, account_id, instrument_id, open_trade_fill_id,
		       source_raw_record_id, opened_at_utc, closed_at_utc,
		       open_quantity::text, remaining_quantity::text, open_price::text,
		       cost_basis_open::text, realized_pnl_to_date::text, status,
		       created_at_utc, updated_at_utc
		FROM position_lot
		WHERE account_id = $1 AND instrument_id = $2
		ORDER BY opened_at_utc ASC, position_lot_id ASC
	`, accountID, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("list position lots: %w", err)
	}
	defer rows.Close()

	return scanLots(rows)
}

// ListSnapshots retrieves snapshot rows for one report date ordered by
// instrument.
func (s *LedgerStore) ListSnapshots(ctx context.Context, accountID, reportDateLocal string) ([]*domain.PnlSnapshotDaily, error) {
	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT pnl_snapshot_daily_id, account_id, report_date_local::text,
		       instrument_id, position_qty::text, cost_basis::text,
		       realized_pnl::text, unrealized_pnl::text, total_pnl::text,
		       fees::text, withholding_tax::text, currency, provisional,
		       valuation_source, fx_source, ingestion_run_id, created_at_utc
		FROM pnl_snapshot_daily
		WHERE account_id = $1 AND report_date_local = $2::date
		ORDER BY instrument_id ASC
	`, accountID, reportDateLocal)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*domain.PnlSnapshotDaily
	for rows.Next() {
		var row domain.PnlSnapshotDaily
		var positionQty, realizedPnl, unrealizedPnl, totalPnl, fees, withholdingTax string
		var costBasis *string

		err := rows.Scan(
			&row.ID, &row.AccountID, &row.ReportDateLocal, &row.InstrumentID,
			&positionQty, &costBasis, &realizedPnl, &unrealizedPnl, &totalPnl,
			&fees, &withholdingTax, &row.Currency, &row.Provisional,
			&row.ValuationSource, &row.FxSource, &row.IngestionRunID,
			&row.CreatedAtUTC,
		)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}

		if row.PositionQty, err = scanDecimal(positionQty); err != nil {
			return nil, fmt.Errorf("decode position qty: %w", err)
		}
		if row.CostBasis, err = scanNullableDecimal(costBasis); err != nil {
			return nil, fmt.Errorf("decode cost basis: %w", err)
		}
		if row.RealizedPnl, err = scanDecimal(realizedPnl); err != nil {
			return nil, fmt.Errorf("decode realized pnl: %w", err)
		}
		if row.UnrealizedPnl, err = scanDecimal(unrealizedPnl); err != nil {
			return nil, fmt.Errorf("decode unrealized pnl: %w", err)
		}
		if row.TotalPnl, err = scanDecimal(totalPnl); err != nil {
			return nil, fmt.Errorf("decode total pnl: %w", err)
		}
		if row.Fees, err = scanDecimal(fees); err != nil {
			return nil, fmt.Errorf("decode fees: %w", err)
		}
		if row.WithholdingTax, err = scanDecimal(withholdingTax); err != nil {
			return nil, fmt.Errorf("decode withholding tax: %w", err)
		}
		snapshots = append(snapshots, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}
	return snapshots, nil
}

func scanLots(rows pgx.Rows) ([]*domain.PositionLot, error) {
	var lots []*domain.PositionLot
	for rows.Next() {
		var lot domain.PositionLot
		var openQty, remainingQty, openPrice, costBasisOpen, realizedPnl string

		err := rows.Scan(
			&lot.ID, &lot.AccountID, &lot.InstrumentID, &lot.OpenTradeFillID,
			&lot.SourceRawRecordID, &lot.OpenedAtUTC, &lot.ClosedAtUTC,
			&openQty, &remainingQty, &openPrice, &costBasisOpen, &realizedPnl,
			&lot.Status, &lot.CreatedAtUTC, &lot.UpdatedAtUTC,
		)
		if err != nil {
			return nil, fmt.Errorf("scan position lot row: %w", err)
		}

		if lot.OpenQuantity, err = scanDecimal(openQty); err != nil {
			return nil, fmt.Errorf("decode open quantity: %w", err)
		}
		if lot.RemainingQuantity, err = scanDecimal(remainingQty); err != nil {
			return nil, fmt.Errorf("decode remaining quantity: %w", err)
		}
		if lot.OpenPrice, err = scanDecimal(openPrice); err != nil {
			return nil, fmt.Errorf("decode open price: %w", err)
		}
		if lot.CostBasisOpen, err = scanDecimal(costBasisOpen); err != nil {
			return nil, fmt.Errorf("decode cost basis: %w", err)
		}
		if lot.RealizedPnlToDate, err = scanDecimal(realizedPnl); err != nil {
			return nil, fmt.Errorf("decode realized pnl: %w", err)
		}
		lots = append(lots, &lot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position lot rows: %w", err)
	}
	return lots, nil
}
