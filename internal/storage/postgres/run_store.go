package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ibkr-flex-ledger/internal/domain"
	"ibkr-flex-ledger/internal/storage"
)

// RunStore implements storage.IngestionRunStore using PostgreSQL. The
// single-active-run rule is enforced with a transaction-scoped advisory
// lock keyed on the account plus a started-row check, atomically with the
// run-row insert.
type RunStore struct {
	pool *Pool
}

// NewRunStore creates a new RunStore.
func NewRunStore(pool *Pool) *RunStore {
	return &RunStore{pool: pool}
}

// Compile-time interface check.
var _ storage.IngestionRunStore = (*RunStore)(nil)

const runColumns = `
	ingestion_run_id, account_id, run_type, status, period_key, flex_query_id,
	COALESCE(report_date_local::text, ''), started_at_utc, ended_at_utc,
	duration_ms, error_code, error_message, diagnostics, created_at_utc
`

// advisoryLockKeys derives two signed int32 lock keys from the account id.
func advisoryLockKeys(accountID string) (int32, int32) {
	digest := sha256.Sum256([]byte(accountID))
	key1 := int32(binary.BigEndian.Uint32(digest[0:4]))
	key2 := int32(binary.BigEndian.Uint32(digest[4:8]))
	return key1, key2
}

// CreateStarted acquires the account lock and inserts a started run in one
// transaction. Returns ErrRunAlreadyActive without creating a row when the
// lock is held or a started run exists.
func (s *RunStore) CreateStarted(ctx context.Context, run *domain.IngestionRun) (*domain.IngestionRun, error) {
	if run == nil || run.AccountID == "" {
		return nil, storage.ErrInvalidInput
	}

	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	key1, key2 := advisoryLockKeys(run.AccountID)
	var lockAcquired bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1, $2)`, key1, key2).Scan(&lockAcquired); err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !lockAcquired {
		return nil, storage.ErrRunAlreadyActive
	}

	var activeCount int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM ingestion_run WHERE account_id = $1 AND status = 'started'`,
		run.AccountID,
	).Scan(&activeCount)
	if err != nil {
		return nil, fmt.Errorf("check active run: %w", err)
	}
	if activeCount > 0 {
		return nil, storage.ErrRunAlreadyActive
	}

	var runID string
	err = tx.QueryRow(ctx, `
		INSERT INTO ingestion_run (account_id, run_type, status, period_key, flex_query_id, report_date_local)
		VALUES ($1, $2, 'started', $3, $4, $5::date)
		RETURNING ingestion_run_id
	`,
		run.AccountID, run.RunType, run.PeriodKey, run.FlexQueryID, nullableText(run.ReportDateLocal),
	).Scan(&runID)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, storage.ErrRunAlreadyActive
		}
		return nil, fmt.Errorf("insert ingestion run: %w", err)
	}

	created, err := fetchRun(ctx, tx, runID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return created, nil
}

// Finalize writes the terminal run state with server-side end timestamp and
// duration.
func (s *RunStore) Finalize(ctx context.Context, req *storage.RunFinalizeRequest) (*domain.IngestionRun, error) {
	if req == nil || req.RunID == "" {
		return nil, storage.ErrInvalidInput
	}
	if req.Status != domain.RunStatusSuccess && req.Status != domain.RunStatusFailed {
		return nil, storage.ErrInvalidInput
	}

	diagnostics, err := json.Marshal(req.Diagnostics)
	if err != nil {
		return nil, fmt.Errorf("marshal diagnostics: %w", err)
	}

	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_run SET
			status = $1,
			ended_at_utc = now(),
			duration_ms = GREATEST(0, CAST(EXTRACT(EPOCH FROM (now() - started_at_utc)) * 1000 AS BIGINT)),
			error_code = $2,
			error_message = $3,
			diagnostics = $4::jsonb,
			report_date_local = COALESCE($5::date, report_date_local)
		WHERE ingestion_run_id = $6
	`,
		req.Status, req.ErrorCode, req.ErrorMessage, string(diagnostics),
		nullableText(req.ReportDateLocal), req.RunID,
	)
	if err != nil {
		return nil, fmt.Errorf("finalize ingestion run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, storage.ErrNotFound
	}

	return s.GetByID(ctx, req.RunID)
}

// GetByID retrieves one run. Returns ErrNotFound if not exists.
func (s *RunStore) GetByID(ctx context.Context, runID string) (*domain.IngestionRun, error) {
	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	return fetchRun(ctx, s.pool, runID)
}

// List retrieves runs ordered by started_at DESC, id DESC.
func (s *RunStore) List(ctx context.Context, limit, offset int) ([]*domain.IngestionRun, error) {
	if limit < 1 || offset < 0 {
		return nil, storage.ErrInvalidInput
	}

	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM ingestion_run
		ORDER BY started_at_utc DESC, ingestion_run_id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list ingestion runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.IngestionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

// rowQuerier abstracts pool vs transaction reads; both pgxpool.Pool and
// pgx.Tx satisfy it.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func fetchRun(ctx context.Context, q rowQuerier, runID string) (*domain.IngestionRun, error) {
	r := q.QueryRow(ctx, `SELECT `+runColumns+` FROM ingestion_run WHERE ingestion_run_id = $1`, runID)
	run, err := scanRun(r)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("fetch ingestion run: %w", err)
	}
	return run, nil
}

func scanRun(r interface{ Scan(dest ...any) error }) (*domain.IngestionRun, error) {
	var run domain.IngestionRun
	var diagnostics []byte

	err := r.Scan(
		&run.ID,
		&run.AccountID,
		&run.RunType,
		&run.Status,
		&run.PeriodKey,
		&run.FlexQueryID,
		&run.ReportDateLocal,
		&run.StartedAtUTC,
		&run.EndedAtUTC,
		&run.DurationMs,
		&run.ErrorCode,
		&run.ErrorMessage,
		&diagnostics,
		&run.CreatedAtUTC,
	)
	if err != nil {
		return nil, err
	}
	if len(diagnostics) > 0 {
		if err := json.Unmarshal(diagnostics, &run.Diagnostics); err != nil {
			return nil, fmt.Errorf("decode run diagnostics: %w", err)
		}
	}
	return &run, nil
}
