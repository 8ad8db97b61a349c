package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ibkr-flex-ledger/internal/domain"
	"ibkr-flex-ledger/internal/storage"
)

// RunStore is an in-memory implementation of storage.IngestionRunStore.
// The single-active-run lock is enforced under one mutex, which is the
// in-process analogue of the store-level transactional primitive.
type RunStore struct {
	mu   sync.Mutex
	data map[string]*domain.IngestionRun
	now  func() time.Time
}

// NewRunStore creates a new in-memory run store.
func NewRunStore() *RunStore {
	return &RunStore{
		data: make(map[string]*domain.IngestionRun),
		now:  time.Now,
	}
}

// WithClock overrides the store clock.
func (s *RunStore) WithClock(now func() time.Time) *RunStore {
	s.now = now
	return s
}

// Compile-time interface check.
var _ storage.IngestionRunStore = (*RunStore)(nil)

// CreateStarted inserts a started run, enforcing at most one started run
// per account atomically with the insert.
func (s *RunStore) CreateStarted(_ context.Context, run *domain.IngestionRun) (*domain.IngestionRun, error) {
	if run == nil || run.AccountID == "" {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data {
		if existing.AccountID == run.AccountID && existing.Status == domain.RunStatusStarted {
			return nil, storage.ErrRunAlreadyActive
		}
	}

	stored := *run
	stored.ID = uuid.NewString()
	stored.Status = domain.RunStatusStarted
	stored.StartedAtUTC = s.now().UTC()
	stored.CreatedAtUTC = stored.StartedAtUTC
	s.data[stored.ID] = &stored

	out := stored
	return &out, nil
}

// Finalize writes the terminal run state.
func (s *RunStore) Finalize(_ context.Context, req *storage.RunFinalizeRequest) (*domain.IngestionRun, error) {
	if req == nil || req.RunID == "" {
		return nil, storage.ErrInvalidInput
	}
	if req.Status != domain.RunStatusSuccess && req.Status != domain.RunStatusFailed {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.data[req.RunID]
	if !ok {
		return nil, storage.ErrNotFound
	}

	ended := s.now().UTC()
	duration := ended.Sub(run.StartedAtUTC).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	run.Status = req.Status
	run.EndedAtUTC = &ended
	run.DurationMs = &duration
	run.ErrorCode = req.ErrorCode
	run.ErrorMessage = req.ErrorMessage
	run.Diagnostics = req.Diagnostics
	if req.ReportDateLocal != "" {
		run.ReportDateLocal = req.ReportDateLocal
	}

	out := *run
	return &out, nil
}

// GetByID retrieves one run. Returns ErrNotFound if not exists.
func (s *RunStore) GetByID(_ context.Context, runID string) (*domain.IngestionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.data[runID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *run
	return &out, nil
}

// List retrieves runs ordered by started_at DESC, id DESC.
func (s *RunStore) List(_ context.Context, limit, offset int) ([]*domain.IngestionRun, error) {
	if limit < 1 || offset < 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	runs := make([]*domain.IngestionRun, 0, len(s.data))
	for _, run := range s.data {
		copy := *run
		runs = append(runs, &copy)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAtUTC.Equal(runs[j].StartedAtUTC) {
			return runs[i].StartedAtUTC.After(runs[j].StartedAtUTC)
		}
		return runs[i].ID > runs[j].ID
	})

	if offset >= len(runs) {
		return nil, nil
	}
	end := offset + limit
	if end > len(runs) {
		end = len(runs)
	}
	return runs[offset:end], nil
}
