package domain

import "time"

// RawArtifactKey is the content-addressed dedupe identity of one payload.
type RawArtifactKey struct {
	AccountID     string
	PeriodKey     string
	FlexQueryID   string
	PayloadSHA256 string
}

// RawArtifact is one immutable content-addressed Flex payload.
// Corresponds to the raw_artifact table; rows are never overwritten.
type RawArtifact struct {
	ID              string // UUID primary key
	IngestionRunID  string
	Key             RawArtifactKey
	ReportDateLocal string // ISO date, may be empty
	Payload         []byte
	CreatedAtUTC    time.Time
}

// RawRecord is one XML row under FlexStatement.
// Uniqueness: (raw_artifact_id, section_name, source_row_ref).
type RawRecord struct {
	ID              string // UUID primary key
	RawArtifactID   string
	IngestionRunID  string
	AccountID       string
	ReportDateLocal string            // ISO date, may be empty
	SectionName     string            // e.g. "Trades"
	SourceRowRef    string            // deterministic handle within the section
	SourcePayload   map[string]string // element attributes
	CreatedAtUTC    time.Time
}
