package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ibkr-flex-ledger/internal/domain"
	"ibkr-flex-ledger/internal/ledger"
	"ibkr-flex-ledger/internal/mapping"
	"ibkr-flex-ledger/internal/observability"
	"ibkr-flex-ledger/internal/storage"
)

// Reprocess replays canonical mapping and snapshot generation against the
// existing raw store with no transport involvement. Two reprocess runs over
// identical raw inputs yield identical canonical rows and snapshots.
type Reprocess struct {
	runs      storage.IngestionRunStore
	raw       storage.RawStore
	canonical storage.CanonicalStore
	snapshots *ledger.SnapshotService
	cfg       Config
	logger    zerolog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewReprocess wires the reprocess orchestrator.
func NewReprocess(runs storage.IngestionRunStore, raw storage.RawStore, canonical storage.CanonicalStore, snapshots *ledger.SnapshotService, cfg Config, logger zerolog.Logger) *Reprocess {
	return &Reprocess{
		runs:      runs,
		raw:       raw,
		canonical: canonical,
		snapshots: snapshots,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the orchestrator clock.
func (o *Reprocess) WithClock(now func() time.Time) *Reprocess {
	o.now = now
	return o
}

// WithMetrics attaches pipeline metrics.
func (o *Reprocess) WithMetrics(metrics *observability.Metrics) *Reprocess {
	o.metrics = metrics
	return o
}

// Trigger creates a reprocess run scoped by (periodKey, flexQueryID). Both
// empty replays the full raw store. The stage semantics match ingestion;
// request/poll/download are skipped.
func (o *Reprocess) Trigger(ctx context.Context, periodKey, flexQueryID string) (*domain.IngestionRun, error) {
	runPeriodKey := periodKey
	if runPeriodKey == "" {
		runPeriodKey = o.now().UTC().Format("2006-01-02")
	}
	runFlexQueryID := flexQueryID
	if runFlexQueryID == "" {
		runFlexQueryID = o.cfg.FlexQueryID
	}

	run, err := o.runs.CreateStarted(ctx, &domain.IngestionRun{
		AccountID:   o.cfg.AccountID,
		RunType:     domain.RunTypeReprocess,
		Status:      domain.RunStatusStarted,
		PeriodKey:   runPeriodKey,
		FlexQueryID: runFlexQueryID,
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info().Str("run_id", run.ID).Str("period_key", periodKey).Msg("reprocess run started")

	timeline, reportDate, execErr := o.execute(ctx, run, periodKey, flexQueryID)
	return o.finalizeRun(ctx, run.ID, reportDate, timeline, execErr)
}

func (o *Reprocess) execute(ctx context.Context, run *domain.IngestionRun, periodKey, flexQueryID string) ([]domain.StageEvent, string, error) {
	var timeline []domain.StageEvent

	mappingStarted := o.now()
	rawRecords, err := o.raw.ListRecordsForPeriod(ctx, o.cfg.AccountID, periodKey, flexQueryID)
	if err != nil {
		timeline = append(timeline, domain.NewStageEvent("canonical_mapping", "failed", mappingStarted, o.now(), nil))
		return timeline, "", err
	}

	if len(rawRecords) == 0 {
		timeline = append(timeline, domain.NewStageEvent("canonical_mapping", "success", mappingStarted, o.now(), map[string]any{
			"canonical_skip_reason": "no_new_raw_rows_for_run",
		}))
	} else {
		counts, err := mapping.MapAndPersist(ctx, o.canonical, o.cfg.AccountID, o.cfg.BaseCurrency, rawRecords)
		if err != nil {
			timeline = append(timeline, domain.NewStageEvent("canonical_mapping", "failed", mappingStarted, o.now(), nil))
			return timeline, "", err
		}
		timeline = append(timeline, domain.NewStageEvent("canonical_mapping", "success", mappingStarted, o.now(), map[string]any{
			"raw_rows_in_scope":       len(rawRecords),
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
		return timeline, "", err
	}
	timeline = append(timeline, domain.NewStageEvent("snapshot", "success", snapshotStarted, o.now(), map[string]any{
		"report_date_local": buildResult.ReportDateLocal,
		"snapshot_rows":     buildResult.SnapshotRows,
		"position_lot_rows": buildResult.PositionLotRows,
		"provisional_rows":  buildResult.ProvisionalRows,
	}))

	return timeline, buildResult.ReportDateLocal, nil
}

func (o *Reprocess) finalizeRun(ctx context.Context, runID, reportDate string, timeline []domain.StageEvent, execErr error) (*domain.IngestionRun, error) {
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
		o.logger.Error().Str("run_id", runID).Str("error_code", code).Err(execErr).Msg("reprocess run failed")
	} else {
		o.logger.Info().Str("run_id", runID).Msg("reprocess run succeeded")
	}

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
	recordRunMetrics(o.metrics, domain.RunTypeReprocess, req.Status, req.Diagnostics)
	if execErr != nil {
		return run, execErr
	}
	return run, nil
}
