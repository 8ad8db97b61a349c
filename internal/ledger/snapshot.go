package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ibkr-flex-ledger/internal/domain"
	"ibkr-flex-ledger/internal/storage"
	"ibkr-flex-ledger/internal/valuation"
)

// SnapshotService builds and persists daily P&L snapshots plus position-lot
// state from canonical events. Snapshots are fully regenerable; reruns
// converge on the same rows.
type SnapshotService struct {
	canonical storage.CanonicalStore
	raw       storage.RawStore
	ledger    storage.LedgerStore
	baseCcy   string
	localZone *time.Location
}

// NewSnapshotService wires the snapshot service dependencies.
func NewSnapshotService(canonical storage.CanonicalStore, raw storage.RawStore, ledger storage.LedgerStore, baseCurrency string, localZone *time.Location) (*SnapshotService, error) {
	if canonical == nil || raw == nil || ledger == nil {
		return nil, errors.New("snapshot service stores must not be nil")
	}
	if baseCurrency == "" {
		return nil, errors.New("base currency must not be blank")
	}
	if localZone == nil {
		return nil, errors.New("local zone must not be nil")
	}
	return &SnapshotService{
		canonical: canonical,
		raw:       raw,
		ledger:    ledger,
		baseCcy:   baseCurrency,
		localZone: localZone,
	}, nil
}

// BuildResult summarizes one snapshot build.
type BuildResult struct {
	ReportDateLocal  string
	SnapshotRows     int
	PositionLotRows  int
	ProvisionalRows  int
	InstrumentCounts map[string]int // instrument id -> lot rows
}

// ReportDateLocal converts a run instant to the local business date. The
// rule holds across DST transitions because the conversion goes through the
// zone database, not a fixed offset.
func (s *SnapshotService) ReportDateLocal(instantUTC time.Time) string {
	return instantUTC.In(s.localZone).Format("2006-01-02")
}

// BuildAndPersist computes per-instrument FIFO state and daily P&L for the
// report date derived from the run completion instant, then persists lots
// and snapshots in one atomic batch each.
func (s *SnapshotService) BuildAndPersist(ctx context.Context, accountID string, runID *string, runCompletedAtUTC time.Time) (*BuildResult, error) {
	reportDate := s.ReportDateLocal(runCompletedAtUTC)

	fills, err := s.canonical.ListTradeFills(ctx, accountID, reportDate)
	if err != nil {
		return nil, fmt.Errorf("list trade fills: %w", err)
	}
	cashflows, err := s.canonical.ListCashflows(ctx, accountID, reportDate)
	if err != nil {
		return nil, fmt.Errorf("list cashflows: %w", err)
	}
	manualInstruments, err := s.canonical.ListManualCaseInstrumentIDs(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list manual cases: %w", err)
	}
	instruments, err := s.canonical.ListInstruments(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}

	instrumentByID := make(map[string]*domain.Instrument, len(instruments))
	for _, instrument := range instruments {
		instrumentByID[instrument.ID] = instrument
	}
	manualSet := make(map[string]struct{}, len(manualInstruments))
	for _, id := range manualInstruments {
		manualSet[id] = struct{}{}
	}

	markInputs, err := s.loadMarkInputs(ctx, accountID, reportDate)
	if err != nil {
		return nil, err
	}

	fillsByInstrument := make(map[string][]*domain.TradeFill)
	for _, fill := range fills {
		fillsByInstrument[fill.InstrumentID] = append(fillsByInstrument[fill.InstrumentID], fill)
	}
	cashflowsByInstrument := make(map[string][]*domain.Cashflow)
	for _, cashflow := range cashflows {
		if cashflow.InstrumentID == nil {
			continue
		}
		cashflowsByInstrument[*cashflow.InstrumentID] = append(cashflowsByInstrument[*cashflow.InstrumentID], cashflow)
	}

	instrumentIDs := make([]string, 0, len(fillsByInstrument))
	for id := range fillsByInstrument {
		instrumentIDs = append(instrumentIDs, id)
	}
	sort.Strings(instrumentIDs)

	var snapshots []*domain.PnlSnapshotDaily
	var lots []*domain.PositionLot
	result := &BuildResult{
		ReportDateLocal:  reportDate,
		InstrumentCounts: make(map[string]int),
	}

	for _, instrumentID := range instrumentIDs {
		instrumentFills := fillsByInstrument[instrumentID]
		instrument := instrumentByID[instrumentID]
		if instrument == nil {
			return nil, fmt.Errorf("unresolved instrument id %s", instrumentID)
		}

		fifoResult, err := Compute(fillInputs(instrumentFills))
		if err != nil {
			return nil, err
		}

		instrumentCashflows := cashflowsByInstrument[instrumentID]
		withholdingThroughDate := decimal.Zero
		feesOnDate := decimal.Zero
		withholdingOnDate := decimal.Zero
		for _, cashflow := range instrumentCashflows {
			if cashflow.WithholdingTax != nil {
				withholdingThroughDate = withholdingThroughDate.Add(cashflow.WithholdingTax.Abs())
				if cashflow.ReportDateLocal == reportDate {
					withholdingOnDate = withholdingOnDate.Add(cashflow.WithholdingTax.Abs())
				}
			}
			if cashflow.Fees != nil && cashflow.ReportDateLocal == reportDate {
				feesOnDate = feesOnDate.Add(cashflow.Fees.Abs())
			}
		}

		// Withholding tax posts as a negative realized adjustment on the
		// day of the cashflow; realized carries all adjustments through the
		// report date.
		realized := fifoResult.RealizedPnl.Sub(withholdingThroughDate)

		mark := valuation.ResolveEodMark(markInputs.candidatesFor(instrument.Conid, reportDate))
		fx := s.resolveInstrumentFx(ctx, accountID, instrument, instrumentFills, reportDate)

		unrealized := decimal.Zero
		if !fifoResult.PositionQty.IsZero() && mark.Price != nil {
			unrealized = fifoResult.UnrealizedAt(*mark.Price)
		}

		_, manualCase := manualSet[instrumentID]
		provisional := mark.Provisional || fx.Provisional || manualCase

		valuationSource := mark.Source
		if fifoResult.PositionQty.IsZero() {
			valuationSource = domain.ValuationSourceNoOpenPosition
			provisional = fx.Provisional || manualCase
		}

		var costBasis *decimal.Decimal
		if len(fifoResult.OpenLots) > 0 {
			basis := fifoResult.OpenCostBasis()
			costBasis = &basis
		}

		totalPnl := realized.Add(unrealized)
		snapshots = append(snapshots, &domain.PnlSnapshotDaily{
			AccountID:       accountID,
			ReportDateLocal: reportDate,
			InstrumentID:    instrumentID,
			PositionQty:     fifoResult.PositionQty,
			CostBasis:       costBasis,
			RealizedPnl:     realized,
			UnrealizedPnl:   unrealized,
			TotalPnl:        totalPnl,
			Fees:            feesOnDate,
			WithholdingTax:  withholdingOnDate,
			Currency:        s.baseCcy,
			Provisional:     provisional,
			ValuationSource: valuationSource,
			FxSource:        fx.Source,
			IngestionRunID:  runID,
		})
		if provisional {
			result.ProvisionalRows++
		}

		instrumentLots := s.lotRows(accountID, instrumentID, fifoResult)
		lots = append(lots, instrumentLots...)
		result.InstrumentCounts[instrumentID] = len(instrumentLots)
	}

	if err := s.ledger.UpsertPositionLots(ctx, lots); err != nil {
		return nil, fmt.Errorf("upsert position lots: %w", err)
	}
	if err := s.ledger.UpsertSnapshots(ctx, snapshots); err != nil {
		return nil, fmt.Errorf("upsert snapshots: %w", err)
	}

	result.SnapshotRows = len(snapshots)
	result.PositionLotRows = len(lots)
	return result, nil
}

// fillInputs converts canonical fills into engine inputs. Fee impact is the
// absolute commission plus fees of the fill.
func fillInputs(fills []*domain.TradeFill) []FillInput {
	inputs := make([]FillInput, 0, len(fills))
	for _, fill := range fills {
		fees := decimal.Zero
		if fill.Commission != nil {
			fees = fees.Add(fill.Commission.Abs())
		}
		if fill.Fees != nil {
			fees = fees.Add(fill.Fees.Abs())
		}
		inputs = append(inputs, FillInput{
			TradeFillID:       fill.ID,
			SourceRawRecordID: fill.SourceRawRecordID,
			TimestampUTC:      fill.TradeTimestampUTC,
			Side:              fill.Side,
			Quantity:          fill.Quantity,
			Price:             fill.Price,
			Fees:              fees,
		})
	}
	return inputs
}

// lotRows builds persistence rows for open and closed lots with
// deterministic ids so reruns converge.
func (s *SnapshotService) lotRows(accountID, instrumentID string, fifoResult *Result) []*domain.PositionLot {
	rows := make([]*domain.PositionLot, 0, len(fifoResult.OpenLots)+len(fifoResult.ClosedLots))
	appendLot := func(lot LotState, status string) {
		rows = append(rows, &domain.PositionLot{
			ID:                lotID(accountID, instrumentID, lot.OpenTradeFillID),
			AccountID:         accountID,
			InstrumentID:      instrumentID,
			OpenTradeFillID:   lot.OpenTradeFillID,
			SourceRawRecordID: lot.SourceRawRecordID,
			OpenedAtUTC:       lot.OpenedAtUTC,
			ClosedAtUTC:       lot.ClosedAtUTC,
			OpenQuantity:      lot.OpenQuantity,
			RemainingQuantity: lot.RemainingQuantity,
			OpenPrice:         lot.OpenPrice,
			CostBasisOpen:     lot.CostBasisOpen,
			RealizedPnlToDate: lot.RealizedPnlToDate,
			Status:            status,
		})
	}
	for _, lot := range fifoResult.OpenLots {
		appendLot(lot, domain.LotStatusOpen)
	}
	for _, lot := range fifoResult.ClosedLots {
		appendLot(lot, domain.LotStatusClosed)
	}
	return rows
}

// lotID derives the stable lot identity from the opening fill.
func lotID(accountID, instrumentID, openTradeFillID string) string {
	identity := fmt.Sprintf("%s:%s:%s", accountID, instrumentID, openTradeFillID)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(identity)).String()
}

// markInputs indexes the raw OpenPositions and Trades rows that feed the
// mark-price hierarchy.
type markInputs struct {
	openPositionsMark map[string]*decimal.Decimal // conid|date -> markPrice
	tradeRows         map[string][]tradeMarkRow   // conid -> rows
}

type tradeMarkRow struct {
	reportDate    string
	dateTimeUTC   time.Time
	transactionID string
	rawRecordID   string
	closePrice    *decimal.Decimal
	tradePrice    *decimal.Decimal
}

func (m *markInputs) candidatesFor(conid, reportDate string) valuation.MarkCandidates {
	candidates := valuation.MarkCandidates{
		OpenPositionsMark: m.openPositionsMark[conid+"|"+reportDate],
	}
	for _, row := range m.tradeRows[conid] {
		if row.closePrice != nil && row.reportDate == reportDate {
			candidates.ClosePrices = append(candidates.ClosePrices, valuation.TradePriceCandidate{
				Price:         *row.closePrice,
				DateTimeUTC:   row.dateTimeUTC,
				TransactionID: row.transactionID,
				RawRecordID:   row.rawRecordID,
			})
		}
		if row.tradePrice != nil && row.reportDate <= reportDate {
			candidates.TradePrices = append(candidates.TradePrices, valuation.TradePriceCandidate{
				Price:         *row.tradePrice,
				DateTimeUTC:   row.dateTimeUTC,
				TransactionID: row.transactionID,
				RawRecordID:   row.rawRecordID,
			})
		}
	}
	return candidates
}

// loadMarkInputs reads raw OpenPositions and Trades rows once per build.
// Malformed numeric values in valuation inputs degrade to absent candidates
// rather than failing the run; resolution errors never raise.
func (s *SnapshotService) loadMarkInputs(ctx context.Context, accountID, reportDate string) (*markInputs, error) {
	inputs := &markInputs{
		openPositionsMark: make(map[string]*decimal.Decimal),
		tradeRows:         make(map[string][]tradeMarkRow),
	}

	openPositions, err := s.raw.ListRecordsBySection(ctx, accountID, "OpenPositions")
	if err != nil {
		return nil, fmt.Errorf("list open positions rows: %w", err)
	}
	for _, record := range openPositions {
		conid := record.SourcePayload["conid"]
		if domain.IsFlexSentinel(conid) {
			continue
		}
		date := record.ReportDateLocal
		if value, ok := record.SourcePayload["reportDate"]; ok {
			if parsed, err := domain.ParseFlexDate(value); err == nil && parsed != "" {
				date = parsed
			}
		}
		mark, err := domain.ParseFlexDecimal(record.SourcePayload["markPrice"])
		if err != nil || mark == nil {
			continue
		}
		inputs.openPositionsMark[conid+"|"+date] = mark
	}

	tradeRecords, err := s.raw.ListRecordsBySection(ctx, accountID, "Trades")
	if err != nil {
		return nil, fmt.Errorf("list trade rows: %w", err)
	}
	for _, record := range tradeRecords {
		conid := record.SourcePayload["conid"]
		if domain.IsFlexSentinel(conid) {
			continue
		}
		date := record.ReportDateLocal
		if value, ok := record.SourcePayload["reportDate"]; ok {
			if parsed, err := domain.ParseFlexDate(value); err == nil && parsed != "" {
				date = parsed
			}
		}
		row := tradeMarkRow{
			reportDate:    date,
			transactionID: record.SourcePayload["transactionID"],
			rawRecordID:   record.ID,
		}
		if ts, err := domain.ParseFlexTimestampUTC(record.SourcePayload["dateTime"]); err == nil && ts != nil {
			row.dateTimeUTC = *ts
		}
		if price, err := domain.ParseFlexDecimal(record.SourcePayload["closePrice"]); err == nil {
			row.closePrice = price
		}
		if price, err := domain.ParseFlexDecimal(record.SourcePayload["tradePrice"]); err == nil {
			row.tradePrice = price
		}
		inputs.tradeRows[conid] = append(inputs.tradeRows[conid], row)
	}

	return inputs, nil
}

// resolveInstrumentFx resolves the execution-FX label for one instrument's
// snapshot row from the latest fill's own fields plus ConversionRates
// candidates for the currency pair.
func (s *SnapshotService) resolveInstrumentFx(ctx context.Context, accountID string, instrument *domain.Instrument, fills []*domain.TradeFill, reportDate string) valuation.FxResult {
	input := valuation.FxInput{
		Currency:           instrument.Currency,
		FunctionalCurrency: s.baseCcy,
		ReportDateLocal:    reportDate,
	}
	if instrument.Currency == s.baseCcy {
		return valuation.ResolveExecutionFx(input)
	}

	if len(fills) > 0 {
		last := fills[len(fills)-1]
		input.FxRateToBase = last.FxRateToBase
		input.NetCash = last.NetCash
		input.NetCashInBase = last.NetCashInBase
	}

	events, err := s.canonical.ListFxEvents(ctx, accountID, instrument.Currency, s.baseCcy)
	if err == nil {
		for _, event := range events {
			if event.FxSource != domain.FxSourceConversionRates || event.FxRate == nil {
				continue
			}
			input.ConversionRates = append(input.ConversionRates, valuation.ConversionRateCandidate{
				ReportDateLocal: event.ReportDateLocal,
				Rate:            *event.FxRate,
				IngestionRunID:  event.IngestionRunID,
				RawRecordID:     event.SourceRawRecordID,
			})
		}
	}

	return valuation.ResolveExecutionFx(input)
}
