package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"ibkr-flex-ledger/internal/domain"
	"ibkr-flex-ledger/internal/storage"
)

// CanonicalStore implements storage.CanonicalStore using PostgreSQL.
type CanonicalStore struct {
	pool *Pool
}

// NewCanonicalStore creates a new CanonicalStore.
func NewCanonicalStore(pool *Pool) *CanonicalStore {
	return &CanonicalStore{pool: pool}
}

// Compile-time interface check.
var _ storage.CanonicalStore = (*CanonicalStore)(nil)

const instrumentColumns = `
	instrument_id, account_id, conid, symbol, local_symbol, isin, cusip, figi,
	asset_category, currency, description, active, created_at_utc, updated_at_utc
`

// UpsertInstrument inserts or refreshes one instrument by (account_id,
// conid). Alias columns keep their stored values when the request carries
// nulls.
func (s *CanonicalStore) UpsertInstrument(ctx context.Context, instrument *domain.Instrument) (*domain.Instrument, error) {
	if instrument == nil || instrument.AccountID == "" || instrument.Conid == "" {
		return nil, storage.ErrInvalidInput
	}

	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO instrument (
			account_id, conid, symbol, local_symbol, isin, cusip, figi,
			asset_category, currency, description, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE)
		ON CONFLICT (account_id, conid) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			local_symbol = COALESCE(EXCLUDED.local_symbol, instrument.local_symbol),
			isin = COALESCE(EXCLUDED.isin, instrument.isin),
			cusip = COALESCE(EXCLUDED.cusip, instrument.cusip),
			figi = COALESCE(EXCLUDED.figi, instrument.figi),
			asset_category = EXCLUDED.asset_category,
			currency = EXCLUDED.currency,
			description = COALESCE(EXCLUDED.description, instrument.description),
			updated_at_utc = now()
		RETURNING `+instrumentColumns,
		instrument.AccountID, instrument.Conid, instrument.Symbol,
		instrument.LocalSymbol, instrument.ISIN, instrument.CUSIP, instrument.FIGI,
		instrument.AssetCategory, instrument.Currency, instrument.Description,
	)

	stored, err := scanInstrument(row)
	if err != nil {
		return nil, fmt.Errorf("upsert instrument: %w", err)
	}
	return stored, nil
}

// GetInstrumentByConid retrieves one instrument. Returns ErrNotFound.
func (s *CanonicalStore) GetInstrumentByConid(ctx context.Context, accountID, conid string) (*domain.Instrument, error) {
	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	row := s.pool.QueryRow(ctx,
		`SELECT `+instrumentColumns+` FROM instrument WHERE account_id = $1 AND conid = $2`,
		accountID, conid,
	)
	stored, err := scanInstrument(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get instrument by conid: %w", err)
	}
	return stored, nil
}

// ListInstruments retrieves all instruments for one account ordered by
// conid.
func (s *CanonicalStore) ListInstruments(ctx context.Context, accountID string) ([]*domain.Instrument, error) {
	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+instrumentColumns+` FROM instrument WHERE account_id = $1 ORDER BY conid ASC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	defer rows.Close()

	var instruments []*domain.Instrument
	for rows.Next() {
		instrument, err := scanInstrument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instrument row: %w", err)
		}
		instruments = append(instruments, instrument)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instrument rows: %w", err)
	}
	return instruments, nil
}

// UpsertTradeFill upserts by (account_id, ib_exec_id). Mutable numeric
// fields are rewritten; ingestion_run_id keeps the earliest observation.
func (s *CanonicalStore) UpsertTradeFill(ctx context.Context, fill *domain.TradeFill) error {
	if fill == nil || fill.AccountID == "" || fill.IBExecID == "" || fill.InstrumentID == "" {
		return storage.ErrInvalidInput
	}

	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_trade_fill (
			account_id, instrument_id, ingestion_run_id, source_raw_record_id,
			ib_exec_id, transaction_id, trade_timestamp_utc, report_date_local,
			side, quantity, price, cost, commission, fees, realized_pnl,
			net_cash, net_cash_in_base, fx_rate_to_base, currency, functional_currency
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8::date, $9,
			$10::numeric, $11::numeric, $12::numeric, $13::numeric, $14::numeric,
			$15::numeric, $16::numeric, $17::numeric, $18::numeric, $19, $20
		)
		ON CONFLICT ON CONSTRAINT uq_event_trade_fill_account_exec DO UPDATE SET
			commission = EXCLUDED.commission,
			realized_pnl = EXCLUDED.realized_pnl,
			net_cash = EXCLUDED.net_cash,
			cost = EXCLUDED.cost
	`,
		fill.AccountID, fill.InstrumentID, fill.IngestionRunID, fill.SourceRawRecordID,
		fill.IBExecID, fill.TransactionID, fill.TradeTimestampUTC, fill.ReportDateLocal,
		fill.Side, decimalParam(fill.Quantity), decimalParam(fill.Price),
		nullableDecimalParam(fill.Cost), nullableDecimalParam(fill.Commission),
		nullableDecimalParam(fill.Fees), nullableDecimalParam(fill.RealizedPnl),
		nullableDecimalParam(fill.NetCash), nullableDecimalParam(fill.NetCashInBase),
		nullableDecimalParam(fill.FxRateToBase), fill.Currency, fill.FunctionalCurrency,
	)
	if err != nil {
		return fmt.Errorf("upsert trade fill: %w", err)
	}
	return nil
}

// UpsertCashflow upserts by (account_id, transaction_id, cash_action,
// currency). A differing amount or report date flips is_correction.
func (s *CanonicalStore) UpsertCashflow(ctx context.Context, cashflow *domain.Cashflow) error {
	if cashflow == nil || cashflow.AccountID == "" || cashflow.TransactionID == "" {
		return storage.ErrInvalidInput
	}

	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_cashflow (
			account_id, instrument_id, ingestion_run_id, source_raw_record_id,
			transaction_id, cash_action, report_date_local, effective_at_utc,
			amount, amount_in_base, currency, functional_currency,
			withholding_tax, fees, is_correction
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7::date, $8,
			$9::numeric, $10::numeric, $11, $12, $13::numeric, $14::numeric, FALSE
		)
		ON CONFLICT ON CONSTRAINT uq_event_cashflow_account_txn_action_ccy DO UPDATE SET
			ingestion_run_id = EXCLUDED.ingestion_run_id,
			source_raw_record_id = EXCLUDED.source_raw_record_id,
			instrument_id = COALESCE(EXCLUDED.instrument_id, event_cashflow.instrument_id),
			report_date_local = EXCLUDED.report_date_local,
			effective_at_utc = EXCLUDED.effective_at_utc,
			amount = EXCLUDED.amount,
			amount_in_base = EXCLUDED.amount_in_base,
			withholding_tax = EXCLUDED.withholding_tax,
			fees = EXCLUDED.fees,
			is_correction = event_cashflow.is_correction
				OR event_cashflow.amount IS DISTINCT FROM EXCLUDED.amount
				OR event_cashflow.report_date_local IS DISTINCT FROM EXCLUDED.report_date_local
	`,
		cashflow.AccountID, cashflow.InstrumentID, cashflow.IngestionRunID,
		cashflow.SourceRawRecordID, cashflow.TransactionID, cashflow.CashAction,
		cashflow.ReportDateLocal, cashflow.EffectiveAtUTC,
		decimalParam(cashflow.Amount), nullableDecimalParam(cashflow.AmountInBase),
		cashflow.Currency, cashflow.FunctionalCurrency,
		nullableDecimalParam(cashflow.WithholdingTax), nullableDecimalParam(cashflow.Fees),
	)
	if err != nil {
		return fmt.Errorf("upsert cashflow: %w", err)
	}
	return nil
}

// UpsertFxEvent upserts by (account_id, transaction_id, currency,
// functional_currency).
func (s *CanonicalStore) UpsertFxEvent(ctx context.Context, event *domain.FxEvent) error {
	if event == nil || event.AccountID == "" || event.TransactionID == "" {
		return storage.ErrInvalidInput
	}

	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_fx (
			account_id, ingestion_run_id, source_raw_record_id, transaction_id,
			report_date_local, currency, functional_currency, fx_rate,
			fx_source, provisional, diagnostic_code
		) VALUES ($1, $2, $3, $4, $5::date, $6, $7, $8::numeric, $9, $10, $11)
		ON CONFLICT ON CONSTRAINT uq_event_fx_account_txn_ccy_pair DO UPDATE SET
			ingestion_run_id = EXCLUDED.ingestion_run_id,
			source_raw_record_id = EXCLUDED.source_raw_record_id,
			report_date_local = EXCLUDED.report_date_local,
			fx_rate = EXCLUDED.fx_rate,
			fx_source = EXCLUDED.fx_source,
			provisional = EXCLUDED.provisional,
			diagnostic_code = EXCLUDED.diagnostic_code
	`,
		event.AccountID, event.IngestionRunID, event.SourceRawRecordID,
		event.TransactionID, event.ReportDateLocal, event.Currency,
		event.FunctionalCurrency, nullableDecimalParam(event.FxRate),
		event.FxSource, event.Provisional, event.DiagnosticCode,
	)
	if err != nil {
		return fmt.Errorf("upsert fx event: %w", err)
	}
	return nil
}

// UpsertCorpAction resolves the primary and fallback natural keys inside
// one transaction. A simultaneous collision on both keys with distinct
// rows records a manual case, marks both rows provisional and skips the
// upsert.
func (s *CanonicalStore) UpsertCorpAction(ctx context.Context, action *domain.CorpAction) (*storage.CorpActionUpsertResult, error) {
	if action == nil || action.AccountID == "" || action.Conid == "" {
		return nil, storage.ErrInvalidInput
	}

	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var primaryID, fallbackID *string
	if action.ActionID != nil {
		var id string
		err := tx.QueryRow(ctx,
			`SELECT event_corp_action_id FROM event_corp_action WHERE account_id = $1 AND action_id = $2`,
			action.AccountID, *action.ActionID,
		).Scan(&id)
		switch {
		case err == nil:
			primaryID = &id
		case isNotFoundError(err):
		default:
			return nil, fmt.Errorf("lookup corp action by action id: %w", err)
		}
	}
	if action.TransactionID != nil {
		var id string
		err := tx.QueryRow(ctx, `
			SELECT event_corp_action_id FROM event_corp_action
			WHERE account_id = $1 AND transaction_id = $2 AND conid = $3
			  AND report_date_local = $4::date AND reorg_code = $5
		`,
			action.AccountID, *action.TransactionID, action.Conid,
			action.ReportDateLocal, action.ReorgCode,
		).Scan(&id)
		switch {
		case err == nil:
			fallbackID = &id
		case isNotFoundError(err):
		default:
			return nil, fmt.Errorf("lookup corp action by fallback key: %w", err)
		}
	}

	if primaryID != nil && fallbackID != nil && *primaryID != *fallbackID {
		_, err := tx.Exec(ctx, `
			UPDATE event_corp_action SET
				requires_manual = TRUE,
				provisional = TRUE,
				manual_case_id = COALESCE(manual_case_id, gen_random_uuid())
			WHERE event_corp_action_id::text = ANY($1)
		`, []string{*primaryID, *fallbackID})
		if err != nil {
			return nil, fmt.Errorf("open corp action manual case: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		return &storage.CorpActionUpsertResult{ManualCaseOpened: true}, nil
	}

	targetID := primaryID
	if targetID == nil {
		targetID = fallbackID
	}

	if targetID == nil {
		_, err := tx.Exec(ctx, `
			INSERT INTO event_corp_action (
				account_id, instrument_id, conid, ingestion_run_id,
				source_raw_record_id, action_id, transaction_id, reorg_code,
				report_date_local, description, requires_manual, provisional
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::date, $10, FALSE, FALSE)
		`,
			action.AccountID, action.InstrumentID, action.Conid,
			action.IngestionRunID, action.SourceRawRecordID,
			action.ActionID, action.TransactionID, action.ReorgCode,
			action.ReportDateLocal, action.Description,
		)
		if err != nil {
			return nil, fmt.Errorf("insert corp action: %w", err)
		}
	} else {
		_, err := tx.Exec(ctx, `
			UPDATE event_corp_action SET
				instrument_id = COALESCE($2, instrument_id),
				action_id = COALESCE($3, action_id),
				transaction_id = COALESCE($4, transaction_id),
				description = COALESCE($5, description)
			WHERE event_corp_action_id = $1
		`,
			*targetID, action.InstrumentID, action.ActionID,
			action.TransactionID, action.Description,
		)
		if err != nil {
			return nil, fmt.Errorf("update corp action: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return &storage.CorpActionUpsertResult{}, nil
}

// ListTradeFills retrieves fills with report date <= throughDate ordered by
// trade_timestamp_utc then source_raw_record_id.
func (s *CanonicalStore) ListTradeFills(ctx context.Context, accountID, throughDate string) ([]*domain.TradeFill, error) {
	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT event_trade_fill_id, account_id, instrument_id, ingestion_run_id,
		       source_raw_record_id, ib_exec_id, transaction_id,
		       trade_timestamp_utc, report_date_local::text, side,
		       quantity::text, price::text, cost::text, commission::text,
		       fees::text, realized_pnl::text, net_cash::text,
		       net_cash_in_base::text, fx_rate_to_base::text,
		       currency, functional_currency, created_at_utc
		FROM event_trade_fill
		WHERE account_id = $1 AND report_date_local <= $2::date
		ORDER BY trade_timestamp_utc ASC, source_raw_record_id ASC
	`, accountID, throughDate)
	if err != nil {
		return nil, fmt.Errorf("list trade fills: %w", err)
	}
	defer rows.Close()

	var fills []*domain.TradeFill
	for rows.Next() {
		fill, err := scanTradeFill(rows)
		if err != nil {
			return nil, err
		}
		fills = append(fills, fill)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade fill rows: %w", err)
	}
	return fills, nil
}

// ListCashflows retrieves cashflows with report date <= throughDate.
func (s *CanonicalStore) ListCashflows(ctx context.Context, accountID, throughDate string) ([]*domain.Cashflow, error) {
	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT event_cashflow_id, account_id, instrument_id, ingestion_run_id,
		       source_raw_record_id, transaction_id, cash_action,
		       report_date_local::text, effective_at_utc, amount::text,
		       amount_in_base::text, currency, functional_currency,
		       withholding_tax::text, fees::text, is_correction, created_at_utc
		FROM event_cashflow
		WHERE account_id = $1 AND report_date_local <= $2::date
		ORDER BY report_date_local ASC, transaction_id ASC
	`, accountID, throughDate)
	if err != nil {
		return nil, fmt.Errorf("list cashflows: %w", err)
	}
	defer rows.Close()

	var cashflows []*domain.Cashflow
	for rows.Next() {
		cashflow, err := scanCashflow(rows)
		if err != nil {
			return nil, err
		}
		cashflows = append(cashflows, cashflow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cashflow rows: %w", err)
	}
	return cashflows, nil
}

// ListFxEvents retrieves FX events for one currency pair ordered by report
// date.
func (s *CanonicalStore) ListFxEvents(ctx context.Context, accountID, currency, functionalCurrency string) ([]*domain.FxEvent, error) {
	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT event_fx_id, account_id, ingestion_run_id, source_raw_record_id,
		       transaction_id, report_date_local::text, currency,
		       functional_currency, fx_rate::text, fx_source, provisional,
		       diagnostic_code, created_at_utc
		FROM event_fx
		WHERE account_id = $1 AND currency = $2 AND functional_currency = $3
		ORDER BY report_date_local ASC, transaction_id ASC
	`, accountID, currency, functionalCurrency)
	if err != nil {
		return nil, fmt.Errorf("list fx events: %w", err)
	}
	defer rows.Close()

	var events []*domain.FxEvent
	for rows.Next() {
		var event domain.FxEvent
		var fxRate *string
		err := rows.Scan(
			&event.ID, &event.AccountID, &event.IngestionRunID,
			&event.SourceRawRecordID, &event.TransactionID,
			&event.ReportDateLocal, &event.Currency, &event.FunctionalCurrency,
			&fxRate, &event.FxSource, &event.Provisional,
			&event.DiagnosticCode, &event.CreatedAtUTC,
		)
		if err != nil {
			return nil, fmt.Errorf("scan fx event row: %w", err)
		}
		if event.FxRate, err = scanNullableDecimal(fxRate); err != nil {
			return nil, fmt.Errorf("decode fx rate: %w", err)
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fx event rows: %w", err)
	}
	return events, nil
}

// ListManualCaseInstrumentIDs returns instrument ids with unresolved manual
// corporate-action cases.
func (s *CanonicalStore) ListManualCaseInstrumentIDs(ctx context.Context, accountID string) ([]string, error) {
	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT instrument_id FROM event_corp_action
		WHERE account_id = $1 AND requires_manual AND instrument_id IS NOT NULL
		ORDER BY instrument_id ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list manual case instruments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan manual case row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate manual case rows: %w", err)
	}
	return ids, nil
}

func scanInstrument(r pgx.Row) (*domain.Instrument, error) {
	var instrument domain.Instrument
	err := r.Scan(
		&instrument.ID, &instrument.AccountID, &instrument.Conid,
		&instrument.Symbol, &instrument.LocalSymbol, &instrument.ISIN,
		&instrument.CUSIP, &instrument.FIGI, &instrument.AssetCategory,
		&instrument.Currency, &instrument.Description, &instrument.Active,
		&instrument.CreatedAtUTC, &instrument.UpdatedAtUTC,
	)
	if err != nil {
		return nil, err
	}
	return &instrument, nil
}

func scanTradeFill(rows pgx.Rows) (*domain.TradeFill, error) {
	var fill domain.TradeFill
	var quantity, price string
	var cost, commission, fees, realizedPnl, netCash, netCashInBase, fxRateToBase *string

	err := rows.Scan(
		&fill.ID, &fill.AccountID, &fill.InstrumentID, &fill.IngestionRunID,
		&fill.SourceRawRecordID, &fill.IBExecID, &fill.TransactionID,
		&fill.TradeTimestampUTC, &fill.ReportDateLocal, &fill.Side,
		&quantity, &price, &cost, &commission, &fees, &realizedPnl,
		&netCash, &netCashInBase, &fxRateToBase,
		&fill.Currency, &fill.FunctionalCurrency, &fill.CreatedAtUTC,
	)
	if err != nil {
		return nil, fmt.Errorf("scan trade fill row: %w", err)
	}

	if fill.Quantity, err = scanDecimal(quantity); err != nil {
		return nil, fmt.Errorf("decode quantity: %w", err)
	}
	if fill.Price, err = scanDecimal(price); err != nil {
		return nil, fmt.Errorf("decode price: %w", err)
	}
	for _, pair := range []struct {
		src *string
		dst **decimal.Decimal
	}{
		{cost, &fill.Cost}, {commission, &fill.Commission}, {fees, &fill.Fees},
		{realizedPnl, &fill.RealizedPnl}, {netCash, &fill.NetCash},
		{netCashInBase, &fill.NetCashInBase}, {fxRateToBase, &fill.FxRateToBase},
	} {
		parsed, err := scanNullableDecimal(pair.src)
		if err != nil {
			return nil, fmt.Errorf("decode trade fill numeric: %w", err)
		}
		*pair.dst = parsed
	}
	return &fill, nil
}

func scanCashflow(rows pgx.Rows) (*domain.Cashflow, error) {
	var cashflow domain.Cashflow
	var amount string
	var amountInBase, withholdingTax, fees *string

	err := rows.Scan(
		&cashflow.ID, &cashflow.AccountID, &cashflow.InstrumentID,
		&cashflow.IngestionRunID, &cashflow.SourceRawRecordID,
		&cashflow.TransactionID, &cashflow.CashAction,
		&cashflow.ReportDateLocal, &cashflow.EffectiveAtUTC, &amount,
		&amountInBase, &cashflow.Currency, &cashflow.FunctionalCurrency,
		&withholdingTax, &fees, &cashflow.IsCorrection, &cashflow.CreatedAtUTC,
	)
	if err != nil {
		return nil, fmt.Errorf("scan cashflow row: %w", err)
	}

	if cashflow.Amount, err = scanDecimal(amount); err != nil {
		return nil, fmt.Errorf("decode amount: %w", err)
	}
	if cashflow.AmountInBase, err = scanNullableDecimal(amountInBase); err != nil {
		return nil, fmt.Errorf("decode amount in base: %w", err)
	}
	if cashflow.WithholdingTax, err = scanNullableDecimal(withholdingTax); err != nil {
		return nil, fmt.Errorf("decode withholding tax: %w", err)
	}
	if cashflow.Fees, err = scanNullableDecimal(fees); err != nil {
		return nil, fmt.Errorf("decode fees: %w", err)
	}
	return &cashflow, nil
}
