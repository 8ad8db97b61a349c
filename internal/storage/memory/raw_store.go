package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ibkr-flex-ledger/internal/domain"
	"ibkr-flex-ledger/internal/storage"
)

// RawStore is an in-memory implementation of storage.RawStore.
type RawStore struct {
	mu        sync.RWMutex
	artifacts map[string]*domain.RawArtifact // keyed by content-addressed key
	records   map[string]*domain.RawRecord   // keyed by (artifact, section, row ref)
	now       func() time.Time
}

// NewRawStore creates a new in-memory raw store.
func NewRawStore() *RawStore {
	return &RawStore{
		artifacts: make(map[string]*domain.RawArtifact),
		records:   make(map[string]*domain.RawRecord),
		now:       time.Now,
	}
}

// Compile-time interface check.
var _ storage.RawStore = (*RawStore)(nil)

func artifactKey(key domain.RawArtifactKey) string {
	return fmt.Sprintf("%s|%s|%s|%s", key.AccountID, key.PeriodKey, key.FlexQueryID, key.PayloadSHA256)
}

func recordKey(artifactID, section, sourceRowRef string) string {
	return fmt.Sprintf("%s|%s|%s", artifactID, section, sourceRowRef)
}

// UpsertArtifact inserts the payload or returns the existing row unchanged.
func (s *RawStore) UpsertArtifact(_ context.Context, artifact *domain.RawArtifact) (*storage.RawArtifactUpsertResult, error) {
	if artifact == nil || artifact.Key.AccountID == "" || artifact.Key.PayloadSHA256 == "" {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := artifactKey(artifact.Key)
	if existing, ok := s.artifacts[key]; ok {
		copy := *existing
		return &storage.RawArtifactUpsertResult{Artifact: &copy, CreatedNow: false}, nil
	}

	stored := *artifact
	stored.ID = uuid.NewString()
	stored.CreatedAtUTC = s.now().UTC()
	s.artifacts[key] = &stored

	copy := stored
	return &storage.RawArtifactUpsertResult{Artifact: &copy, CreatedNow: true}, nil
}

// InsertRecords inserts rows, counting conflicts as deduplicated.
func (s *RawStore) InsertRecords(_ context.Context, records []*domain.RawRecord) (*storage.RawRecordInsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &storage.RawRecordInsertResult{}
	for _, record := range records {
		if record == nil || record.RawArtifactID == "" || record.SectionName == "" || record.SourceRowRef == "" {
			return nil, storage.ErrInvalidInput
		}
		key := recordKey(record.RawArtifactID, record.SectionName, record.SourceRowRef)
		if _, exists := s.records[key]; exists {
			result.Deduplicated++
			continue
		}
		stored := *record
		stored.ID = uuid.NewString()
		stored.CreatedAtUTC = s.now().UTC()
		s.records[key] = &stored
		result.Inserted++
	}
	return result, nil
}

// ListRecordsForRun retrieves this run's rows ordered by section then row
// ref.
func (s *RawStore) ListRecordsForRun(_ context.Context, runID string) ([]*domain.RawRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.RawRecord
	for _, record := range s.records {
		if record.IngestionRunID == runID {
			copy := *record
			result = append(result, &copy)
		}
	}
	sortRecords(result)
	return result, nil
}

// ListRecordsForPeriod retrieves rows scoped by artifact period identity.
func (s *RawStore) ListRecordsForPeriod(_ context.Context, accountID, periodKey, flexQueryID string) ([]*domain.RawRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inScope := make(map[string]struct{})
	for _, artifact := range s.artifacts {
		if artifact.Key.AccountID != accountID {
			continue
		}
		if periodKey != "" && artifact.Key.PeriodKey != periodKey {
			continue
		}
		if flexQueryID != "" && artifact.Key.FlexQueryID != flexQueryID {
			continue
		}
		inScope[artifact.ID] = struct{}{}
	}

	var result []*domain.RawRecord
	for _, record := range s.records {
		if _, ok := inScope[record.RawArtifactID]; ok {
			copy := *record
			result = append(result, &copy)
		}
	}
	sortRecords(result)
	return result, nil
}

// ListRecordsBySection retrieves all rows of one section for an account.
func (s *RawStore) ListRecordsBySection(_ context.Context, accountID, sectionName string) ([]*domain.RawRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.RawRecord
	for _, record := range s.records {
		if record.AccountID == accountID && record.SectionName == sectionName {
			copy := *record
			result = append(result, &copy)
		}
	}
	sortRecords(result)
	return result, nil
}

func sortRecords(records []*domain.RawRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].SectionName != records[j].SectionName {
			return records[i].SectionName < records[j].SectionName
		}
		return records[i].SourceRowRef < records[j].SourceRowRef
	})
}
