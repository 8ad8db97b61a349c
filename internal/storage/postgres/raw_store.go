package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ibkr-flex-ledger/internal/domain"
	"ibkr-flex-ledger/internal/storage"
)

// RawStore implements storage.RawStore using PostgreSQL.
type RawStore struct {
	pool *Pool
}

// NewRawStore creates a new RawStore.
func NewRawStore(pool *Pool) *RawStore {
	return &RawStore{pool: pool}
}

// Compile-time interface check.
var _ storage.RawStore = (*RawStore)(nil)

const rawRecordColumns = `
	raw_record_id, raw_artifact_id, ingestion_run_id, account_id,
	COALESCE(report_date_local::text, ''), section_name, source_row_ref,
	source_payload, created_at_utc
`

// UpsertArtifact inserts the content-addressed payload or returns the
// existing row. The insert-or-return-existing dance runs in one
// transaction so concurrent ingestions converge.
func (s *RawStore) UpsertArtifact(ctx context.Context, artifact *domain.RawArtifact) (*storage.RawArtifactUpsertResult, error) {
	if artifact == nil || artifact.Key.AccountID == "" || artifact.Key.PayloadSHA256 == "" {
		return nil, storage.ErrInvalidInput
	}

	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var artifactID string
	err = tx.QueryRow(ctx, `
		INSERT INTO raw_artifact (
			ingestion_run_id, account_id, period_key, flex_query_id,
			payload_sha256, report_date_local, source_payload
		) VALUES ($1, $2, $3, $4, $5, $6::date, $7)
		ON CONFLICT (account_id, period_key, flex_query_id, payload_sha256) DO NOTHING
		RETURNING raw_artifact_id
	`,
		artifact.IngestionRunID,
		artifact.Key.AccountID,
		artifact.Key.PeriodKey,
		artifact.Key.FlexQueryID,
		artifact.Key.PayloadSHA256,
		nullableText(artifact.ReportDateLocal),
		artifact.Payload,
	).Scan(&artifactID)

	createdNow := true
	switch {
	case err == nil:
	case isNotFoundError(err):
		createdNow = false
		err = tx.QueryRow(ctx, `
			SELECT raw_artifact_id FROM raw_artifact
			WHERE account_id = $1 AND period_key = $2 AND flex_query_id = $3 AND payload_sha256 = $4
		`,
			artifact.Key.AccountID, artifact.Key.PeriodKey,
			artifact.Key.FlexQueryID, artifact.Key.PayloadSHA256,
		).Scan(&artifactID)
		if err != nil {
			return nil, fmt.Errorf("fetch existing artifact: %w", err)
		}
	default:
		return nil, fmt.Errorf("upsert raw artifact: %w", err)
	}

	stored, err := fetchArtifact(ctx, tx, artifactID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &storage.RawArtifactUpsertResult{Artifact: stored, CreatedNow: createdNow}, nil
}

// InsertRecords inserts raw rows in one transaction with the
// (artifact, section, source_row_ref) conflict target doing nothing.
func (s *RawStore) InsertRecords(ctx context.Context, records []*domain.RawRecord) (*storage.RawRecordInsertResult, error) {
	result := &storage.RawRecordInsertResult{}
	if len(records) == 0 {
		return result, nil
	}

	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, record := range records {
		if record == nil || record.RawArtifactID == "" || record.SectionName == "" || record.SourceRowRef == "" {
			return nil, storage.ErrInvalidInput
		}
		payload, err := json.Marshal(record.SourcePayload)
		if err != nil {
			return nil, fmt.Errorf("marshal source payload: %w", err)
		}

		var recordID string
		err = tx.QueryRow(ctx, `
			INSERT INTO raw_record (
				raw_artifact_id, ingestion_run_id, account_id,
				report_date_local, section_name, source_row_ref, source_payload
			) VALUES ($1, $2, $3, $4::date, $5, $6, $7::jsonb)
			ON CONFLICT ON CONSTRAINT uq_raw_record_artifact_section_source_ref DO NOTHING
			RETURNING raw_record_id
		`,
			record.RawArtifactID,
			record.IngestionRunID,
			record.AccountID,
			nullableText(record.ReportDateLocal),
			record.SectionName,
			record.SourceRowRef,
			string(payload),
		).Scan(&recordID)
		switch {
		case err == nil:
			result.Inserted++
		case isNotFoundError(err):
			result.Deduplicated++
		default:
			return nil, fmt.Errorf("insert raw record: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return result, nil
}

// ListRecordsForRun retrieves this run's rows ordered by section then
// source_row_ref.
func (s *RawStore) ListRecordsForRun(ctx context.Context, runID string) ([]*domain.RawRecord, error) {
	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+rawRecordColumns+`
		FROM raw_record
		WHERE ingestion_run_id = $1
		ORDER BY section_name ASC, source_row_ref ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list raw records for run: %w", err)
	}
	defer rows.Close()

	return scanRawRecords(rows)
}

// ListRecordsForPeriod retrieves rows scoped by artifact period identity.
// Empty periodKey selects all periods (full replay).
func (s *RawStore) ListRecordsForPeriod(ctx context.Context, accountID, periodKey, flexQueryID string) ([]*domain.RawRecord, error) {
	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+rawRecordColumns+`
		FROM raw_record
		WHERE account_id = $1
		  AND raw_artifact_id IN (
			SELECT raw_artifact_id FROM raw_artifact
			WHERE account_id = $1
			  AND ($2 = '' OR period_key = $2)
			  AND ($3 = '' OR flex_query_id = $3)
		  )
		ORDER BY section_name ASC, source_row_ref ASC
	`, accountID, periodKey, flexQueryID)
	if err != nil {
		return nil, fmt.Errorf("list raw records for period: %w", err)
	}
	defer rows.Close()

	return scanRawRecords(rows)
}

// ListRecordsBySection retrieves all rows of one section for an account.
func (s *RawStore) ListRecordsBySection(ctx context.Context, accountID, sectionName string) ([]*domain.RawRecord, error) {
	ctx, cancel := s.pool.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+rawRecordColumns+`
		FROM raw_record
		WHERE account_id = $1 AND section_name = $2
		ORDER BY source_row_ref ASC, raw_record_id ASC
	`, accountID, sectionName)
	if err != nil {
		return nil, fmt.Errorf("list raw records by section: %w", err)
	}
	defer rows.Close()

	return scanRawRecords(rows)
}

func fetchArtifact(ctx context.Context, q rowQuerier, artifactID string) (*domain.RawArtifact, error) {
	var artifact domain.RawArtifact
	err := q.QueryRow(ctx, `
		SELECT raw_artifact_id, ingestion_run_id, account_id, period_key,
		       flex_query_id, payload_sha256, COALESCE(report_date_local::text, ''),
		       source_payload, created_at_utc
		FROM raw_artifact
		WHERE raw_artifact_id = $1
	`, artifactID).Scan(
		&artifact.ID,
		&artifact.IngestionRunID,
		&artifact.Key.AccountID,
		&artifact.Key.PeriodKey,
		&artifact.Key.FlexQueryID,
		&artifact.Key.PayloadSHA256,
		&artifact.ReportDateLocal,
		&artifact.Payload,
		&artifact.CreatedAtUTC,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("fetch raw artifact: %w", err)
	}
	return &artifact, nil
}

func scanRawRecords(rows pgx.Rows) ([]*domain.RawRecord, error) {
	var records []*domain.RawRecord
	for rows.Next() {
		var record domain.RawRecord
		var payload []byte

		err := rows.Scan(
			&record.ID,
			&record.RawArtifactID,
			&record.IngestionRunID,
			&record.AccountID,
			&record.ReportDateLocal,
			&record.SectionName,
			&record.SourceRowRef,
			&payload,
			&record.CreatedAtUTC,
		)
		if err != nil {
			return nil, fmt.Errorf("scan raw record row: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &record.SourcePayload); err != nil {
				return nil, fmt.Errorf("decode raw record payload: %w", err)
			}
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate raw record rows: %w", err)
	}
	return records, nil
}
