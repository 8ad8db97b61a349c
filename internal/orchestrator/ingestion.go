// Package orchestrator composes transport, preflight, raw persistence,
// canonical mapping and snapshot generation behind the single-active-run
// lock, recording a stage timeline and always finalizing the run row.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog"

	"ibkr-flex-ledger/internal/domain"
	"ibkr-flex-ledger/internal/flex"
	"ibkr-flex-ledger/internal/ledger"
	"ibkr-flex-ledger/internal/mapping"
	"ibkr-flex-ledger/internal/observability"
	"ibkr-flex-ledger/internal/preflight"
	"ibkr-flex-ledger/internal/rawextract"
	"ibkr-flex-ledger/internal/storage"
)

// FlexFetcher is the transport dependency of the ingestion orchestrator.
type FlexFetcher interface {
	FetchReport(ctx context.Context, queryID string) (*flex.FetchResult, error)
}

// Config carries the immutable per-process ingestion context.
type Config struct {
	AccountID             string
	FlexQueryID           string
	BaseCurrency          string
	ReconciliationEnabled bool
}

// Ingestion drives one pipeline execution end to end.
type Ingestion struct {
	runs      storage.IngestionRunStore
	raw       storage.RawStore
	canonical storage.CanonicalStore
	fetcher   FlexFetcher
	snapshots *ledger.SnapshotService
	cfg       Config
	logger    zerolog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewIngestion wires the ingestion orchestrator.
func NewIngestion(runs storage.IngestionRunStore, raw storage.RawStore, canonical storage.CanonicalStore, fetcher FlexFetcher, snapshots *ledger.SnapshotService, cfg Config, logger zerolog.Logger) *Ingestion {
	return &Ingestion{
		runs:      runs,
		raw:       raw,
		canonical: canonical,
		fetcher:   fetcher,
		snapshots: snapshots,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the orchestrator clock.
func (o *Ingestion) WithClock(now func() time.Time) *Ingestion {
	o.now = now
	return o
}

// WithMetrics attaches pipeline metrics.
func (o *Ingestion) WithMetrics(metrics *observability.Metrics) *Ingestion {
	o.metrics = metrics
	return o
}

// Trigger acquires the run lock, executes the stage sequence
// request -> poll -> download -> persist -> canonical_mapping -> snapshot
// and finalizes the run. Returns storage.ErrRunAlreadyActive when another
// run holds the lock; no run row is created in that case.
func (o *Ingestion) Trigger(ctx context.Context, runType string) (*domain.IngestionRun, error) {
	if _, err := domain.ParseRunType(runType); err != nil {
		return nil, err
	}

	periodKey := o.now().UTC().Format("2006-01-02")
	run, err := o.runs.CreateStarted(ctx, &domain.IngestionRun{
		AccountID:   o.cfg.AccountID,
		RunType:     runType,
		Status:      domain.RunStatusStarted,
		PeriodKey:   periodKey,
		FlexQueryID: o.cfg.FlexQueryID,
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info().Str("run_id", run.ID).Str("run_type", runType).Msg("ingestion run started")

	timeline, reportDate, execErr := o.execute(ctx, run)
	return o.finalize(ctx, run.ID, runType, reportDate, timeline, execErr)
}

// execute runs the stage sequence, accumulating the timeline. The caller
// finalizes regardless of outcome.
func (o *Ingestion) execute(ctx context.Context, run *domain.IngestionRun) ([]domain.StageEvent, string, error) {
	var timeline []domain.StageEvent

	fetchResult, err := o.fetcher.FetchReport(ctx, o.cfg.FlexQueryID)
	if fetchResult != nil {
		timeline = append(timeline, fetchResult.Timeline...)
	}
	if err != nil {
		return timeline, "", err
	}

	// Preflight runs inside the persist boundary of the timeline: a payload
	// missing hard-required sections is rejected before any persistence.
	preflightStarted := o.now()
	preflightResult, err := preflight.Validate(fetchResult.Payload, o.cfg.ReconciliationEnabled)
	if err != nil {
		timeline = append(timeline, domain.NewStageEvent("persist", "failed", preflightStarted, o.now(), nil))
		return timeline, "", err
	}
	if !preflightResult.Valid() {
		missing := preflightResult.MissingSections()
		timeline = append(timeline, domain.NewStageEvent("persist", "failed", preflightStarted, o.now(), map[string]any{
			"error_code":       preflight.MissingRequiredSectionCode,
			"missing_sections": missing,
		}))
		return timeline, "", &preflight.Error{Missing: missing}
	}

	persistStarted := o.now()
	extraction, err := rawextract.Extract(fetchResult.Payload)
	if err != nil {
		timeline = append(timeline, domain.NewStageEvent("persist", "failed", persistStarted, o.now(), nil))
		return timeline, "", err
	}

	payloadSHA := sha256.Sum256(fetchResult.Payload)
	payloadSHA256 := hex.EncodeToString(payloadSHA[:])

	artifactResult, err := o.raw.UpsertArtifact(ctx, &domain.RawArtifact{
		IngestionRunID: run.ID,
		Key: domain.RawArtifactKey{
			AccountID:     o.cfg.AccountID,
			PeriodKey:     run.PeriodKey,
			FlexQueryID:   o.cfg.FlexQueryID,
			PayloadSHA256: payloadSHA256,
		},
		ReportDateLocal: extraction.ReportDateLocal,
		Payload:         fetchResult.Payload,
	})
	if err != nil {
		timeline = append(timeline, domain.NewStageEvent("persist", "failed", persistStarted, o.now(), nil))
		return timeline, "", err
	}

	records := make([]*domain.RawRecord, 0, len(extraction.Rows))
	for _, row := range extraction.Rows {
		records = append(records, &domain.RawRecord{
			RawArtifactID:   artifactResult.Artifact.ID,
			IngestionRunID:  run.ID,
			AccountID:       o.cfg.AccountID,
			ReportDateLocal: extraction.ReportDateLocal,
			SectionName:     row.SectionName,
			SourceRowRef:    row.SourceRowRef,
			SourcePayload:   row.SourcePayload,
		})
	}
	insertResult, err := o.raw.InsertRecords(ctx, records)
	if err != nil {
		timeline = append(timeline, domain.NewStageEvent("persist", "failed", persistStarted, o.now(), nil))
		return timeline, "", err
	}

	timeline = append(timeline, domain.NewStageEvent("persist", "success", persistStarted, o.now(), map[string]any{
		"payload_sha256":        payloadSHA256,
		"raw_artifact_id":       artifactResult.Artifact.ID,
		"artifact_deduped":      !artifactResult.CreatedNow,
		"raw_rows_inserted":     insertResult.Inserted,
		"raw_rows_deduplicated": insertResult.Deduplicated,
	}))

	mappingStarted := o.now()
	if insertResult.Inserted == 0 {
		timeline = append(timeline, domain.NewStageEvent("canonical_mapping", "success", mappingStarted, o.now(), map[string]any{
			"canonical_skip_reason": "no_new_raw_rows_for_run",
		}))
	} else {
		runRecords, err := o.raw.ListRecordsForRun(ctx, run.ID)
		if err != nil {
			timeline = append(timeline, domain.NewStageEvent("canonical_mapping", "failed", mappingStarted, o.now(), nil))
			return timeline, extraction.ReportDateLocal, err
		}
		counts, err := mapping.MapAndPersist(ctx, o.canonical, o.cfg.AccountID, o.cfg.BaseCurrency, runRecords)
		if err != nil {
			timeline = append(timeline, domain.NewStageEvent("canonical_mapping", "failed", mappingStarted, o.now(), nil))
			return timeline, extraction.ReportDateLocal, err
		}
		timeline = append(timeline, domain.NewStageEvent("canonical_mapping", "success", mappingStarted, o.now(), map[string]any{
			"instrument_upsert_count": counts.Instruments,
			"trade_fill_count":        counts.TradeFills,
			"cashflow_count":          counts.Cashflows,
			"fx_count":                counts.FxEvents,
			"corp_action_count":       counts.CorpActions,
			"manual_case_count":       counts.ManualCases,
		}))
	}

	snapshotStarted := o.now()
	runID := run.ID
	buildResult, err := o.snapshots.BuildAndPersist(ctx, o.cfg.AccountID, &runID, o.now().UTC())
	if err != nil {
		timeline = append(timeline, domain.NewStageEvent("snapshot", "failed", snapshotStarted, o.now(), nil))
		return timeline, extraction.ReportDateLocal, err
	}
	timeline = append(timeline, domain.NewStageEvent("snapshot", "success", snapshotStarted, o.now(), map[string]any{
		"report_date_local": buildResult.ReportDateLocal,
		"snapshot_rows":     buildResult.SnapshotRows,
		"position_lot_rows": buildResult.PositionLotRows,
		"provisional_rows":  buildResult.ProvisionalRows,
		"instrument_counts": buildResult.InstrumentCounts,
	}))

	return timeline, buildResult.ReportDateLocal, nil
}

// finalize writes the terminal run state. Every execution path lands here;
// no run stays started after the orchestrator returns.
func (o *Ingestion) finalize(ctx context.Context, runID, runType, reportDate string, timeline []domain.StageEvent, execErr error) (*domain.IngestionRun, error) {
	req := &storage.RunFinalizeRequest{
		RunID:           runID,
		Status:          domain.RunStatusSuccess,
		ReportDateLocal: reportDate,
		Diagnostics:     timeline,
	}

	if execErr != nil {
		code, payload := classifyError(execErr)
		message := execErr.Error()
		req.Status = domain.RunStatusFailed
		req.ErrorCode = &code
		req.ErrorMessage = &message
		if payload != nil {
			at := o.now()
			req.Diagnostics = append(req.Diagnostics, domain.NewStageEvent("run", "failed", at, at, payload))
		}
		o.logger.Error().Str("run_id", runID).Str("error_code", code).Err(execErr).Msg("ingestion run failed")
	} else {
		o.logger.Info().Str("run_id", runID).Str("report_date_local", reportDate).Msg("ingestion run succeeded")
	}

	// Finalization must not be lost to the same cancellation that failed
	// the run.
	finalizeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		finalizeCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	run, err := o.runs.Finalize(finalizeCtx, req)
	if err != nil {
		return nil, err
	}
	recordRunMetrics(o.metrics, runType, req.Status, req.Diagnostics)
	if execErr != nil {
		return run, execErr
	}
	return run, nil
}
