package mapping

import (
	"context"
	"fmt"

	"ibkr-flex-ledger/internal/domain"
	"ibkr-flex-ledger/internal/storage"
)

// Counts carries the persisted canonical row counters for one mapping pass.
type Counts struct {
	Instruments int
	TradeFills  int
	Cashflows   int
	FxEvents    int
	CorpActions int
	ManualCases int
}

// MapAndPersist maps raw rows and persists the canonical batch. Instrument
// upserts complete before any dependent event upsert so every event row
// resolves instrument_id deterministically. A contract violation aborts the
// pass before any persistence happens.
func MapAndPersist(ctx context.Context, store storage.CanonicalStore, accountID, functionalCurrency string, rawRecords []*domain.RawRecord) (*Counts, error) {
	batch, err := BuildBatch(accountID, functionalCurrency, rawRecords)
	if err != nil {
		return nil, err
	}

	// Dedupe instrument requests by conid; the last row wins alias refresh,
	// matching upsert semantics.
	uniqueInstruments := make(map[string]*domain.Instrument)
	var conidOrder []string
	for _, instrument := range batch.Instruments {
		if _, seen := uniqueInstruments[instrument.Conid]; !seen {
			conidOrder = append(conidOrder, instrument.Conid)
		}
		uniqueInstruments[instrument.Conid] = instrument
	}

	instrumentIDByConid := make(map[string]string, len(uniqueInstruments))
	for _, conid := range conidOrder {
		stored, err := store.UpsertInstrument(ctx, uniqueInstruments[conid])
		if err != nil {
			return nil, fmt.Errorf("upsert instrument conid=%s: %w", conid, err)
		}
		instrumentIDByConid[conid] = stored.ID
	}

	counts := &Counts{Instruments: len(uniqueInstruments)}

	for _, fill := range batch.TradeFills {
		conid, ok := batch.ConidByRawRecordID[fill.SourceRawRecordID]
		if !ok {
			return nil, &ContractViolationError{
				Section:      "Trades",
				SourceRowRef: fill.IBExecID,
				Field:        "conid",
			}
		}
		instrumentID, ok := instrumentIDByConid[conid]
		if !ok {
			return nil, fmt.Errorf("unresolved instrument for trade conid=%s", conid)
		}
		fill.InstrumentID = instrumentID
		if err := store.UpsertTradeFill(ctx, fill); err != nil {
			return nil, fmt.Errorf("upsert trade fill %s: %w", fill.IBExecID, err)
		}
		counts.TradeFills++
	}

	for _, cashflow := range batch.Cashflows {
		if conid, ok := batch.ConidByRawRecordID[cashflow.SourceRawRecordID]; ok {
			if instrumentID, ok := instrumentIDByConid[conid]; ok {
				cashflow.InstrumentID = &instrumentID
			}
		}
		if err := store.UpsertCashflow(ctx, cashflow); err != nil {
			return nil, fmt.Errorf("upsert cashflow %s: %w", cashflow.TransactionID, err)
		}
		counts.Cashflows++
	}

	for _, event := range batch.FxEvents {
		if err := store.UpsertFxEvent(ctx, event); err != nil {
			return nil, fmt.Errorf("upsert fx event %s: %w", event.TransactionID, err)
		}
		counts.FxEvents++
	}

	for _, action := range batch.CorpActions {
		if instrumentID, ok := instrumentIDByConid[action.Conid]; ok {
			action.InstrumentID = &instrumentID
		}
		result, err := store.UpsertCorpAction(ctx, action)
		if err != nil {
			return nil, fmt.Errorf("upsert corp action conid=%s: %w", action.Conid, err)
		}
		if result.ManualCaseOpened {
			counts.ManualCases++
		}
		counts.CorpActions++
	}

	return counts, nil
}
