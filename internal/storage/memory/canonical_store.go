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

// CanonicalStore is an in-memory implementation of storage.CanonicalStore.
type CanonicalStore struct {
	mu          sync.RWMutex
	instruments map[string]*domain.Instrument // account|conid
	tradeFills  map[string]*domain.TradeFill  // account|ibExecID
	cashflows   map[string]*domain.Cashflow   // account|txn|action|ccy
	fxEvents    map[string]*domain.FxEvent    // account|txn|ccy|functional ccy
	corpActions map[string]*domain.CorpAction // by row id
	now         func() time.Time
}

// NewCanonicalStore creates a new in-memory canonical store.
func NewCanonicalStore() *CanonicalStore {
	return &CanonicalStore{
		instruments: make(map[string]*domain.Instrument),
		tradeFills:  make(map[string]*domain.TradeFill),
		cashflows:   make(map[string]*domain.Cashflow),
		fxEvents:    make(map[string]*domain.FxEvent),
		corpActions: make(map[string]*domain.CorpAction),
		now:         time.Now,
	}
}

// Compile-time interface check.
var _ storage.CanonicalStore = (*CanonicalStore)(nil)

func instrumentKey(accountID, conid string) string {
	return accountID + "|" + conid
}

// UpsertInstrument refreshes aliases; nil alias values keep the stored ones.
func (s *CanonicalStore) UpsertInstrument(_ context.Context, instrument *domain.Instrument) (*domain.Instrument, error) {
	if instrument == nil || instrument.AccountID == "" || instrument.Conid == "" {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := instrumentKey(instrument.AccountID, instrument.Conid)
	existing, ok := s.instruments[key]
	if !ok {
		stored := *instrument
		stored.ID = uuid.NewString()
		stored.Active = true
		stored.CreatedAtUTC = s.now().UTC()
		stored.UpdatedAtUTC = stored.CreatedAtUTC
		s.instruments[key] = &stored
		copy := stored
		return &copy, nil
	}

	existing.Symbol = instrument.Symbol
	existing.AssetCategory = instrument.AssetCategory
	existing.Currency = instrument.Currency
	if instrument.LocalSymbol != nil {
		existing.LocalSymbol = instrument.LocalSymbol
	}
	if instrument.ISIN != nil {
		existing.ISIN = instrument.ISIN
	}
	if instrument.CUSIP != nil {
		existing.CUSIP = instrument.CUSIP
	}
	if instrument.FIGI != nil {
		existing.FIGI = instrument.FIGI
	}
	if instrument.Description != nil {
		existing.Description = instrument.Description
	}
	existing.UpdatedAtUTC = s.now().UTC()

	copy := *existing
	return &copy, nil
}

// GetInstrumentByConid retrieves one instrument. Returns ErrNotFound.
func (s *CanonicalStore) GetInstrumentByConid(_ context.Context, accountID, conid string) (*domain.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instrument, ok := s.instruments[instrumentKey(accountID, conid)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copy := *instrument
	return &copy, nil
}

// ListInstruments retrieves all instruments for one account ordered by
// conid.
func (s *CanonicalStore) ListInstruments(_ context.Context, accountID string) ([]*domain.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Instrument
	for _, instrument := range s.instruments {
		if instrument.AccountID == accountID {
			copy := *instrument
			result = append(result, &copy)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Conid < result[j].Conid })
	return result, nil
}

// UpsertTradeFill rewrites mutable numeric fields on natural-key collision
// while preserving the earliest origin run.
func (s *CanonicalStore) UpsertTradeFill(_ context.Context, fill *domain.TradeFill) error {
	if fill == nil || fill.AccountID == "" || fill.IBExecID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := fill.AccountID + "|" + fill.IBExecID
	existing, ok := s.tradeFills[key]
	if !ok {
		stored := *fill
		stored.ID = uuid.NewString()
		stored.CreatedAtUTC = s.now().UTC()
		s.tradeFills[key] = &stored
		return nil
	}

	existing.Commission = fill.Commission
	existing.RealizedPnl = fill.RealizedPnl
	existing.NetCash = fill.NetCash
	existing.Cost = fill.Cost
	return nil
}

// UpsertCashflow rewrites numeric fields on collision; a differing amount
// or report date marks the row as a correction.
func (s *CanonicalStore) UpsertCashflow(_ context.Context, cashflow *domain.Cashflow) error {
	if cashflow == nil || cashflow.AccountID == "" || cashflow.TransactionID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := fmt.Sprintf("%s|%s|%s|%s", cashflow.AccountID, cashflow.TransactionID, cashflow.CashAction, cashflow.Currency)
	existing, ok := s.cashflows[key]
	if !ok {
		stored := *cashflow
		stored.ID = uuid.NewString()
		stored.CreatedAtUTC = s.now().UTC()
		s.cashflows[key] = &stored
		return nil
	}

	correction := existing.IsCorrection ||
		!existing.Amount.Equal(cashflow.Amount) ||
		existing.ReportDateLocal != cashflow.ReportDateLocal

	existing.IngestionRunID = cashflow.IngestionRunID
	existing.SourceRawRecordID = cashflow.SourceRawRecordID
	if cashflow.InstrumentID != nil {
		existing.InstrumentID = cashflow.InstrumentID
	}
	existing.ReportDateLocal = cashflow.ReportDateLocal
	existing.EffectiveAtUTC = cashflow.EffectiveAtUTC
	existing.Amount = cashflow.Amount
	existing.AmountInBase = cashflow.AmountInBase
	existing.WithholdingTax = cashflow.WithholdingTax
	existing.Fees = cashflow.Fees
	existing.IsCorrection = correction
	return nil
}

// UpsertFxEvent rewrites the resolved rate and provenance on collision.
func (s *CanonicalStore) UpsertFxEvent(_ context.Context, event *domain.FxEvent) error {
	if event == nil || event.AccountID == "" || event.TransactionID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := fmt.Sprintf("%s|%s|%s|%s", event.AccountID, event.TransactionID, event.Currency, event.FunctionalCurrency)
	existing, ok := s.fxEvents[key]
	if !ok {
		stored := *event
		stored.ID = uuid.NewString()
		stored.CreatedAtUTC = s.now().UTC()
		s.fxEvents[key] = &stored
		return nil
	}

	existing.IngestionRunID = event.IngestionRunID
	existing.SourceRawRecordID = event.SourceRawRecordID
	existing.ReportDateLocal = event.ReportDateLocal
	existing.FxRate = event.FxRate
	existing.FxSource = event.FxSource
	existing.Provisional = event.Provisional
	existing.DiagnosticCode = event.DiagnosticCode
	return nil
}

// UpsertCorpAction upserts by the primary key, falling back to the
// composite key. A simultaneous collision on both keys with distinct rows
// opens a manual case and skips the upsert.
func (s *CanonicalStore) UpsertCorpAction(_ context.Context, action *domain.CorpAction) (*storage.CorpActionUpsertResult, error) {
	if action == nil || action.AccountID == "" || action.Conid == "" {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var primaryMatch, fallbackMatch *domain.CorpAction
	for _, existing := range s.corpActions {
		if existing.AccountID != action.AccountID {
			continue
		}
		if action.ActionID != nil && existing.ActionID != nil && *existing.ActionID == *action.ActionID {
			primaryMatch = existing
		}
		if action.TransactionID != nil && existing.TransactionID != nil &&
			*existing.TransactionID == *action.TransactionID &&
			existing.Conid == action.Conid &&
			existing.ReportDateLocal == action.ReportDateLocal &&
			existing.ReorgCode == action.ReorgCode {
			fallbackMatch = existing
		}
	}

	if primaryMatch != nil && fallbackMatch != nil && primaryMatch != fallbackMatch {
		caseID := uuid.NewString()
		for _, matched := range []*domain.CorpAction{primaryMatch, fallbackMatch} {
			matched.RequiresManual = true
			matched.Provisional = true
			if matched.ManualCaseID == nil {
				matched.ManualCaseID = &caseID
			}
		}
		return &storage.CorpActionUpsertResult{ManualCaseOpened: true}, nil
	}

	target := primaryMatch
	if target == nil {
		target = fallbackMatch
	}
	if target == nil {
		stored := *action
		stored.ID = uuid.NewString()
		stored.CreatedAtUTC = s.now().UTC()
		s.corpActions[stored.ID] = &stored
		return &storage.CorpActionUpsertResult{}, nil
	}

	if action.InstrumentID != nil {
		target.InstrumentID = action.InstrumentID
	}
	if action.TransactionID != nil {
		target.TransactionID = action.TransactionID
	}
	if action.ActionID != nil {
		target.ActionID = action.ActionID
	}
	if action.Description != nil {
		target.Description = action.Description
	}
	return &storage.CorpActionUpsertResult{}, nil
}

// ListTradeFills retrieves fills with report date <= throughDate ordered by
// timestamp then source raw-record id.
func (s *CanonicalStore) ListTradeFills(_ context.Context, accountID, throughDate string) ([]*domain.TradeFill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.TradeFill
	for _, fill := range s.tradeFills {
		if fill.AccountID == accountID && fill.ReportDateLocal <= throughDate {
			copy := *fill
			result = append(result, &copy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].TradeTimestampUTC.Equal(result[j].TradeTimestampUTC) {
			return result[i].TradeTimestampUTC.Before(result[j].TradeTimestampUTC)
		}
		return result[i].SourceRawRecordID < result[j].SourceRawRecordID
	})
	return result, nil
}

// ListCashflows retrieves cashflows with report date <= throughDate.
func (s *CanonicalStore) ListCashflows(_ context.Context, accountID, throughDate string) ([]*domain.Cashflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Cashflow
	for _, cashflow := range s.cashflows {
		if cashflow.AccountID == accountID && cashflow.ReportDateLocal <= throughDate {
			copy := *cashflow
			result = append(result, &copy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ReportDateLocal != result[j].ReportDateLocal {
			return result[i].ReportDateLocal < result[j].ReportDateLocal
		}
		return result[i].TransactionID < result[j].TransactionID
	})
	return result, nil
}

// ListFxEvents retrieves FX events for one currency pair ordered by report
// date.
func (s *CanonicalStore) ListFxEvents(_ context.Context, accountID, currency, functionalCurrency string) ([]*domain.FxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.FxEvent
	for _, event := range s.fxEvents {
		if event.AccountID == accountID && event.Currency == currency && event.FunctionalCurrency == functionalCurrency {
			copy := *event
			result = append(result, &copy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ReportDateLocal != result[j].ReportDateLocal {
			return result[i].ReportDateLocal < result[j].ReportDateLocal
		}
		return result[i].TransactionID < result[j].TransactionID
	})
	return result, nil
}

// ListManualCaseInstrumentIDs returns instrument ids with unresolved manual
// corporate-action cases.
func (s *CanonicalStore) ListManualCaseInstrumentIDs(_ context.Context, accountID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var result []string
	for _, action := range s.corpActions {
		if action.AccountID != accountID || !action.RequiresManual || action.InstrumentID == nil {
			continue
		}
		if _, ok := seen[*action.InstrumentID]; ok {
			continue
		}
		seen[*action.InstrumentID] = struct{}{}
		result = append(result, *action.InstrumentID)
	}
	sort.Strings(result)
	return result, nil
}
