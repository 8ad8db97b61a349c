package orchestrator

import (
	"time"

	"ibkr-flex-ledger/internal/domain"
	"ibkr-flex-ledger/internal/observability"
)

// recordRunMetrics publishes run and stage observations from the persisted
// timeline. Metrics are optional; a nil receiver is a no-op.
func recordRunMetrics(m *observability.Metrics, runType, status string, timeline []domain.StageEvent) {
	if m == nil {
		return
	}

	m.RunsTotal.WithLabelValues(runType, status).Inc()

	var runSeconds float64
	for _, event := range timeline {
		seconds := time.Duration(event.DurationMs) * time.Millisecond
		m.StageDuration.WithLabelValues(event.Stage).Observe(seconds.Seconds())
		runSeconds += seconds.Seconds()

		if event.Stage == "poll" && event.Status == "retrying" {
			code, _ := event.Payload["error_code"].(string)
			m.PollRetriesTotal.WithLabelValues(code).Inc()
		}
		if event.Stage == "persist" && event.Status == "success" {
			if inserted, ok := event.Payload["raw_rows_inserted"].(int); ok {
				m.RawRowsInserted.Add(float64(inserted))
			}
			if deduped, ok := event.Payload["raw_rows_deduplicated"].(int); ok {
				m.RawRowsDeduplicated.Add(float64(deduped))
			}
			if deduped, ok := event.Payload["artifact_deduped"].(bool); ok && deduped {
				m.ArtifactsDeduped.Inc()
			}
		}
		if event.Stage == "canonical_mapping" && event.Status == "success" {
			for kind, key := range map[string]string{
				"instrument":  "instrument_upsert_count",
				"trade_fill":  "trade_fill_count",
				"cashflow":    "cashflow_count",
				"fx":          "fx_count",
				"corp_action": "corp_action_count",
			} {
				if count, ok := event.Payload[key].(int); ok {
					m.CanonicalUpserts.WithLabelValues(kind).Add(float64(count))
				}
			}
		}
		if event.Stage == "snapshot" && event.Status == "success" {
			if count, ok := event.Payload["snapshot_rows"].(int); ok {
				m.SnapshotRowsWritten.Add(float64(count))
			}
			if count, ok := event.Payload["provisional_rows"].(int); ok {
				m.ProvisionalSnapshots.Add(float64(count))
			}
		}
	}
	m.RunDuration.WithLabelValues(runType).Observe(runSeconds)
}
