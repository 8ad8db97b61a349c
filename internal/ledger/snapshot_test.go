package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ibkr-flex-ledger/internal/domain"
	"ibkr-flex-ledger/internal/storage/memory"
)

const testAccount = "U1234567"

type snapshotFixture struct {
	canonical *memory.CanonicalStore
	raw       *memory.RawStore
	ledger    *memory.LedgerStore
	service   *SnapshotService
}

func newSnapshotFixture(t *testing.T) *snapshotFixture {
	t.Helper()

	canonical := memory.NewCanonicalStore()
	raw := memory.NewRawStore()
	ledgerStore := memory.NewLedgerStore()

	zone, err := time.LoadLocation("Asia/Jerusalem")
	require.NoError(t, err)

	service, err := NewSnapshotService(canonical, raw, ledgerStore, "USD", zone)
	require.NoError(t, err)

	return &snapshotFixture{canonical: canonical, raw: raw, ledger: ledgerStore, service: service}
}

func (f *snapshotFixture) addInstrument(t *testing.T, conid, currency string) *domain.Instrument {
	t.Helper()
	instrument, err := f.canonical.UpsertInstrument(context.Background(), &domain.Instrument{
		AccountID:     testAccount,
		Conid:         conid,
		Symbol:        "SYM" + conid,
		AssetCategory: "STK",
		Currency:      currency,
	})
	require.NoError(t, err)
	return instrument
}

func (f *snapshotFixture) addFill(t *testing.T, instrumentID, execID, side, qty, price, commission, date string, at time.Time) {
	t.Helper()
	comm := dec(commission)
	err := f.canonical.UpsertTradeFill(context.Background(), &domain.TradeFill{
		AccountID:          testAccount,
		InstrumentID:       instrumentID,
		IngestionRunID:     "run-1",
		SourceRawRecordID:  "raw-" + execID,
		IBExecID:           execID,
		TradeTimestampUTC:  at,
		ReportDateLocal:    date,
		Side:               side,
		Quantity:           dec(qty),
		Price:              dec(price),
		Commission:         &comm,
		Currency:           "USD",
		FunctionalCurrency: "USD",
	})
	require.NoError(t, err)
}

func (f *snapshotFixture) addOpenPositionsMark(t *testing.T, conid, markPrice, date string) {
	t.Helper()
	_, err := f.raw.InsertRecords(context.Background(), []*domain.RawRecord{{
		RawArtifactID:   "art-1",
		IngestionRunID:  "run-1",
		AccountID:       testAccount,
		ReportDateLocal: date,
		SectionName:     "OpenPositions",
		SourceRowRef:    "OpenPositions:OpenPosition:conid=" + conid,
		SourcePayload:   map[string]string{"conid": conid, "markPrice": markPrice},
	}})
	require.NoError(t, err)
}

func TestReportDateLocal_DSTBoundary(t *testing.T) {
	f := newSnapshotFixture(t)

	// S6: Asia/Jerusalem is UTC+3 after the DST start, so 22:30Z rolls to
	// the next local day.
	instant := time.Date(2026, 3, 27, 22, 30, 0, 0, time.UTC)
	require.Equal(t, "2026-03-28", f.service.ReportDateLocal(instant))

	// Before DST (+2) 21:30 UTC is 23:30 local and stays on the UTC day.
	winter := time.Date(2026, 1, 27, 21, 30, 0, 0, time.UTC)
	require.Equal(t, "2026-01-27", f.service.ReportDateLocal(winter))
}

func TestBuildAndPersist_PartialCloseSnapshot(t *testing.T) {
	f := newSnapshotFixture(t)
	ctx := context.Background()

	instrument := f.addInstrument(t, "101", "USD")
	f.addFill(t, instrument.ID, "E1", domain.TradeSideBuy, "100", "50.00", "1.00", "2026-02-10",
		time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC))
	f.addFill(t, instrument.ID, "E2", domain.TradeSideSell, "40", "55.00", "0.60", "2026-02-12",
		time.Date(2026, 2, 12, 14, 31, 0, 0, time.UTC))
	f.addOpenPositionsMark(t, "101", "55.00", "2026-02-12")

	runID := "run-1"
	completedAt := time.Date(2026, 2, 12, 18, 0, 0, 0, time.UTC) // 20:00 local
	result, err := f.service.BuildAndPersist(ctx, testAccount, &runID, completedAt)
	require.NoError(t, err)
	require.Equal(t, "2026-02-12", result.ReportDateLocal)
	require.Equal(t, 1, result.SnapshotRows)

	snapshots, err := f.ledger.ListSnapshots(ctx, testAccount, "2026-02-12")
	require.NoError(t, err)
	require.Len(t, snapshots, 1)

	row := snapshots[0]
	require.True(t, row.PositionQty.Equal(dec("60")))
	require.True(t, row.RealizedPnl.Equal(dec("199.00")), "realized = %s", row.RealizedPnl)
	require.NotNil(t, row.CostBasis)
	require.True(t, row.CostBasis.Equal(dec("3000.60")), "cost basis = %s", row.CostBasis)
	// Unrealized = 60 * 55 - 3000.60 at the open_positions mark.
	require.True(t, row.UnrealizedPnl.Equal(dec("299.40")), "unrealized = %s", row.UnrealizedPnl)
	require.True(t, row.TotalPnl.Equal(row.RealizedPnl.Add(row.UnrealizedPnl)))
	require.Equal(t, domain.ValuationSourceOpenPositionsMark, row.ValuationSource)
	require.Equal(t, domain.FxSourceIdentity, row.FxSource)
	require.False(t, row.Provisional)

	// One open lot with remaining 60.
	lots, err := f.ledger.ListLots(ctx, testAccount, instrument.ID)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	require.True(t, lots[0].RemainingQuantity.Equal(dec("60")))
	require.Equal(t, domain.LotStatusOpen, lots[0].Status)

	// Sum of remaining lot quantities equals the snapshot position.
	require.True(t, lots[0].RemainingQuantity.Equal(row.PositionQty))
}

func TestBuildAndPersist_MarkFallbackMarksProvisional(t *testing.T) {
	f := newSnapshotFixture(t)
	ctx := context.Background()

	instrument := f.addInstrument(t, "101", "USD")
	f.addFill(t, instrument.ID, "E1", domain.TradeSideBuy, "10", "42.17", "0", "2026-02-11",
		time.Date(2026, 2, 11, 14, 30, 0, 0, time.UTC))

	// A raw Trades row on a prior day supplies the priority-3 tradePrice.
	_, err := f.raw.InsertRecords(ctx, []*domain.RawRecord{{
		RawArtifactID:   "art-1",
		IngestionRunID:  "run-1",
		AccountID:       testAccount,
		ReportDateLocal: "2026-02-11",
		SectionName:     "Trades",
		SourceRowRef:    "Trades:Trade:ibExecID=E1",
		SourcePayload: map[string]string{
			"conid":      "101",
			"tradePrice": "42.17",
			"dateTime":   "20260211;143000",
		},
	}})
	require.NoError(t, err)

	runID := "run-1"
	completedAt := time.Date(2026, 2, 12, 12, 0, 0, 0, time.UTC)
	_, err = f.service.BuildAndPersist(ctx, testAccount, &runID, completedAt)
	require.NoError(t, err)

	snapshots, err := f.ledger.ListSnapshots(ctx, testAccount, "2026-02-12")
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	require.Equal(t, domain.ValuationSourceTradePriceOnOrBefore, snapshots[0].ValuationSource)
	require.True(t, snapshots[0].Provisional)
}

func TestBuildAndPersist_WithholdingReducesRealized(t *testing.T) {
	f := newSnapshotFixture(t)
	ctx := context.Background()

	instrument := f.addInstrument(t, "101", "USD")
	f.addFill(t, instrument.ID, "E1", domain.TradeSideBuy, "100", "50", "0", "2026-02-10",
		time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC))
	f.addFill(t, instrument.ID, "E2", domain.TradeSideSell, "100", "55", "0", "2026-02-11",
		time.Date(2026, 2, 11, 14, 30, 0, 0, time.UTC))

	withholding := dec("1.50")
	require.NoError(t, f.canonical.UpsertCashflow(ctx, &domain.Cashflow{
		AccountID:          testAccount,
		InstrumentID:       &instrument.ID,
		IngestionRunID:     "run-1",
		SourceRawRecordID:  "raw-T7",
		TransactionID:      "T7",
		CashAction:         "DIV",
		ReportDateLocal:    "2026-02-12",
		Amount:             dec("10.00"),
		Currency:           "USD",
		FunctionalCurrency: "USD",
		WithholdingTax:     &withholding,
	}))

	runID := "run-1"
	completedAt := time.Date(2026, 2, 12, 12, 0, 0, 0, time.UTC)
	_, err := f.service.BuildAndPersist(ctx, testAccount, &runID, completedAt)
	require.NoError(t, err)

	snapshots, err := f.ledger.ListSnapshots(ctx, testAccount, "2026-02-12")
	require.NoError(t, err)
	require.Len(t, snapshots, 1)

	row := snapshots[0]
	// FIFO realized 500 less the 1.50 withholding adjustment.
	require.True(t, row.RealizedPnl.Equal(dec("498.50")), "realized = %s", row.RealizedPnl)
	require.True(t, row.WithholdingTax.Equal(dec("1.50")))
	require.True(t, row.TotalPnl.Equal(row.RealizedPnl.Add(row.UnrealizedPnl)))
}

func TestBuildAndPersist_RerunsConverge(t *testing.T) {
	f := newSnapshotFixture(t)
	ctx := context.Background()

	instrument := f.addInstrument(t, "101", "USD")
	f.addFill(t, instrument.ID, "E1", domain.TradeSideBuy, "100", "50.00", "1.00", "2026-02-10",
		time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC))
	f.addOpenPositionsMark(t, "101", "52.00", "2026-02-12")

	runID := "run-1"
	completedAt := time.Date(2026, 2, 12, 12, 0, 0, 0, time.UTC)

	_, err := f.service.BuildAndPersist(ctx, testAccount, &runID, completedAt)
	require.NoError(t, err)
	first, err := f.ledger.ListSnapshots(ctx, testAccount, "2026-02-12")
	require.NoError(t, err)

	_, err = f.service.BuildAndPersist(ctx, testAccount, &runID, completedAt)
	require.NoError(t, err)
	second, err := f.ledger.ListSnapshots(ctx, testAccount, "2026-02-12")
	require.NoError(t, err)

	require.Len(t, second, 1)
	require.Equal(t, first[0].ID, second[0].ID)
	require.True(t, first[0].TotalPnl.Equal(second[0].TotalPnl))

	lots, err := f.ledger.ListLots(ctx, testAccount, instrument.ID)
	require.NoError(t, err)
	require.Len(t, lots, 1, "deterministic lot ids keep reruns idempotent")
}
