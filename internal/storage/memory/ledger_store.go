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

// LedgerStore is an in-memory implementation of storage.LedgerStore.
type LedgerStore struct {
	mu        sync.RWMutex
	lots      map[string]*domain.PositionLot      // by lot id
	snapshots map[string]*domain.PnlSnapshotDaily // account|date|instrument
	now       func() time.Time
}

// NewLedgerStore creates a new in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		lots:      make(map[string]*domain.PositionLot),
		snapshots: make(map[string]*domain.PnlSnapshotDaily),
		now:       time.Now,
	}
}

// Compile-time interface check.
var _ storage.LedgerStore = (*LedgerStore)(nil)

// UpsertPositionLots upserts lots by their deterministic ids.
func (s *LedgerStore) UpsertPositionLots(_ context.Context, lots []*domain.PositionLot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, lot := range lots {
		if lot == nil || lot.ID == "" {
			return storage.ErrInvalidInput
		}
		existing, ok := s.lots[lot.ID]
		if !ok {
			stored := *lot
			stored.CreatedAtUTC = s.now().UTC()
			stored.UpdatedAtUTC = stored.CreatedAtUTC
			s.lots[lot.ID] = &stored
			continue
		}
		existing.RemainingQuantity = lot.RemainingQuantity
		existing.RealizedPnlToDate = lot.RealizedPnlToDate
		existing.ClosedAtUTC = lot.ClosedAtUTC
		existing.Status = lot.Status
		existing.UpdatedAtUTC = s.now().UTC()
	}
	return nil
}

// UpsertSnapshots upserts snapshot rows by their natural key; reruns
// converge on the same values.
func (s *LedgerStore) UpsertSnapshots(_ context.Context, rows []*domain.PnlSnapshotDaily) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		if row == nil || row.AccountID == "" || row.ReportDateLocal == "" || row.InstrumentID == "" {
			return storage.ErrInvalidInput
		}
		key := fmt.Sprintf("%s|%s|%s", row.AccountID, row.ReportDateLocal, row.InstrumentID)
		stored := *row
		if existing, ok := s.snapshots[key]; ok {
			stored.ID = existing.ID
			stored.CreatedAtUTC = existing.CreatedAtUTC
		} else {
			stored.ID = uuid.NewString()
			stored.CreatedAtUTC = s.now().UTC()
		}
		s.snapshots[key] = &stored
	}
	return nil
}

// ListLots retrieves lots for one instrument ordered by opened_at.
func (s *LedgerStore) ListLots(_ context.Context, accountID, instrumentID string) ([]*domain.PositionLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PositionLot
	for _, lot := range s.lots {
		if lot.AccountID == accountID && lot.InstrumentID == instrumentID {
			copy := *lot
			result = append(result, &copy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].OpenedAtUTC.Equal(result[j].OpenedAtUTC) {
			return result[i].OpenedAtUTC.Before(result[j].OpenedAtUTC)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// ListSnapshots retrieves snapshot rows for one report date ordered by
// instrument.
func (s *LedgerStore) ListSnapshots(_ context.Context, accountID, reportDateLocal string) ([]*domain.PnlSnapshotDaily, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PnlSnapshotDaily
	for _, row := range s.snapshots {
		if row.AccountID == accountID && row.ReportDateLocal == reportDateLocal {
			copy := *row
			result = append(result, &copy)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].InstrumentID < result[j].InstrumentID })
	return result, nil
}
