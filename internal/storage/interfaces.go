package storage

import (
	"context"

	"ibkr-flex-ledger/internal/domain"
)

// IngestionRunStore owns ingestion_run lifecycle persistence, including the
// single-active-run lock.
type IngestionRunStore interface {
	// CreateStarted atomically acquires the per-account run lock and inserts
	// a started run row. Returns ErrRunAlreadyActive when any run for the
	// account is still started; no row is created in that case.
	CreateStarted(ctx context.Context, run *domain.IngestionRun) (*domain.IngestionRun, error)

	// Finalize transitions a run to success or failed, stamping the end
	// timestamp, duration, terminal error fields and the diagnostics
	// timeline in one statement.
	Finalize(ctx context.Context, req *RunFinalizeRequest) (*domain.IngestionRun, error)

	// GetByID retrieves one run. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, runID string) (*domain.IngestionRun, error)

	// List retrieves runs ordered by started_at DESC, id DESC.
	List(ctx context.Context, limit, offset int) ([]*domain.IngestionRun, error)
}

// RunFinalizeRequest carries the terminal state written to a run row.
type RunFinalizeRequest struct {
	RunID           string
	Status          string // success | failed
	ReportDateLocal string // ISO date; empty leaves the column untouched
	ErrorCode       *string
	ErrorMessage    *string
	Diagnostics     []domain.StageEvent
}

// RawArtifactUpsertResult reports the outcome of a content-addressed
// artifact upsert. CreatedNow=false is the dedupe signal.
type RawArtifactUpsertResult struct {
	Artifact   *domain.RawArtifact
	CreatedNow bool
}

// RawRecordInsertResult carries raw-row persistence counters.
type RawRecordInsertResult struct {
	Inserted     int
	Deduplicated int
}

// RawStore owns the immutable raw artifact and raw row tables.
type RawStore interface {
	// UpsertArtifact inserts the payload or returns the existing row for the
	// same content-addressed key. Existing rows are never overwritten.
	UpsertArtifact(ctx context.Context, artifact *domain.RawArtifact) (*RawArtifactUpsertResult, error)

	// InsertRecords inserts raw rows with conflict target
	// (artifact, section, source_row_ref) do-nothing.
	InsertRecords(ctx context.Context, records []*domain.RawRecord) (*RawRecordInsertResult, error)

	// ListRecordsForRun retrieves the raw rows owned by one run, ordered by
	// section then source_row_ref.
	ListRecordsForRun(ctx context.Context, runID string) ([]*domain.RawRecord, error)

	// ListRecordsForPeriod retrieves raw rows scoped by period identity for
	// reprocess. Empty periodKey selects all periods (full replay).
	ListRecordsForPeriod(ctx context.Context, accountID, periodKey, flexQueryID string) ([]*domain.RawRecord, error)

	// ListRecordsBySection retrieves all raw rows for one section across all
	// artifacts of an account. Valuation reads OpenPositions and Trades
	// candidates this way.
	ListRecordsBySection(ctx context.Context, accountID, sectionName string) ([]*domain.RawRecord, error)
}

// CorpActionUpsertResult reports whether the row landed or opened a manual
// case (collision on both natural keys).
type CorpActionUpsertResult struct {
	ManualCaseOpened bool
}

// CanonicalStore owns instruments and the four canonical event tables.
type CanonicalStore interface {
	// UpsertInstrument inserts or refreshes one instrument by
	// (account_id, conid) and returns the stored row with its id.
	UpsertInstrument(ctx context.Context, instrument *domain.Instrument) (*domain.Instrument, error)

	// GetInstrumentByConid retrieves one instrument. Returns ErrNotFound.
	GetInstrumentByConid(ctx context.Context, accountID, conid string) (*domain.Instrument, error)

	// ListInstruments retrieves all instruments for one account ordered by
	// conid.
	ListInstruments(ctx context.Context, accountID string) ([]*domain.Instrument, error)

	// UpsertTradeFill upserts by (account_id, ib_exec_id), rewriting mutable
	// numeric fields while preserving the earliest origin run.
	UpsertTradeFill(ctx context.Context, fill *domain.TradeFill) error

	// UpsertCashflow upserts by (account_id, transaction_id, cash_action,
	// currency); differing amount/date sets is_correction.
	UpsertCashflow(ctx context.Context, cashflow *domain.Cashflow) error

	// UpsertFxEvent upserts by (account_id, transaction_id, currency,
	// functional_currency).
	UpsertFxEvent(ctx context.Context, event *domain.FxEvent) error

	// UpsertCorpAction upserts by (account_id, action_id), falling back to
	// (account_id, transaction_id, conid, report_date_local, reorg_code)
	// when action_id is absent. A simultaneous collision on both keys opens
	// a manual case, skips the upsert and reports it in the result.
	UpsertCorpAction(ctx context.Context, action *domain.CorpAction) (*CorpActionUpsertResult, error)

	// ListTradeFills retrieves fills for an account with report date <=
	// throughDate, ordered by trade_timestamp_utc then source_raw_record_id.
	ListTradeFills(ctx context.Context, accountID, throughDate string) ([]*domain.TradeFill, error)

	// ListCashflows retrieves cashflows for an account with report date <=
	// throughDate.
	ListCashflows(ctx context.Context, accountID, throughDate string) ([]*domain.Cashflow, error)

	// ListFxEvents retrieves FX events for one currency pair ordered by
	// report_date_local.
	ListFxEvents(ctx context.Context, accountID, currency, functionalCurrency string) ([]*domain.FxEvent, error)

	// ListManualCaseInstrumentIDs returns instrument ids with unresolved
	// manual corporate-action cases; their snapshot outputs stay provisional.
	ListManualCaseInstrumentIDs(ctx context.Context, accountID string) ([]string, error)
}

// LedgerStore owns position lots and daily snapshots.
type LedgerStore interface {
	// UpsertPositionLots upserts lots atomically by their deterministic ids.
	UpsertPositionLots(ctx context.Context, lots []*domain.PositionLot) error

	// UpsertSnapshots upserts daily snapshot rows atomically by
	// (account_id, report_date_local, instrument_id).
	UpsertSnapshots(ctx context.Context, rows []*domain.PnlSnapshotDaily) error

	// ListLots retrieves lots for one instrument ordered by opened_at.
	ListLots(ctx context.Context, accountID, instrumentID string) ([]*domain.PositionLot, error)

	// ListSnapshots retrieves snapshot rows for one report date.
	ListSnapshots(ctx context.Context, accountID, reportDateLocal string) ([]*domain.PnlSnapshotDaily, error)
}
