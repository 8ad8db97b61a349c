package domain

import "time"

// IngestionRun is one pipeline attempt.
// Corresponds to the ingestion_run table.
type IngestionRun struct {
	ID              string // UUID primary key
	AccountID       string
	RunType         string // scheduled | manual | reprocess
	Status          string // started | success | failed
	PeriodKey       string
	FlexQueryID     string
	ReportDateLocal string // ISO date, empty until resolved
	StartedAtUTC    time.Time
	EndedAtUTC      *time.Time
	DurationMs      *int64
	ErrorCode       *string
	ErrorMessage    *string
	Diagnostics     []StageEvent
	CreatedAtUTC    time.Time
}

// StageEvent is one entry in the persisted diagnostics timeline.
// Payload carries stage-specific fields (reference code, retry details,
// persistence counters, per-kind upsert counts).
type StageEvent struct {
	Stage        string         `json:"stage"`
	Status       string         `json:"status"`
	StartedAtUTC time.Time      `json:"started_at_utc"`
	EndedAtUTC   time.Time      `json:"ended_at_utc"`
	DurationMs   int64          `json:"duration_ms"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewStageEvent builds one timeline event spanning [started, ended].
func NewStageEvent(stage, status string, started, ended time.Time, payload map[string]any) StageEvent {
	return StageEvent{
		Stage:        stage,
		Status:       status,
		StartedAtUTC: started.UTC(),
		EndedAtUTC:   ended.UTC(),
		DurationMs:   ended.Sub(started).Milliseconds(),
		Payload:      payload,
	}
}
