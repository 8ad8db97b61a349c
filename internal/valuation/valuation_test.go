package valuation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ibkr-flex-ledger/internal/domain"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestResolveEodMark_OpenPositionsWins(t *testing.T) {
	result := ResolveEodMark(MarkCandidates{
		OpenPositionsMark: decPtr("42.50"),
		ClosePrices: []TradePriceCandidate{
			{Price: dec("41.00"), DateTimeUTC: time.Date(2026, 2, 10, 20, 0, 0, 0, time.UTC)},
		},
	})
	require.Equal(t, domain.ValuationSourceOpenPositionsMark, result.Source)
	require.Equal(t, "42.5", result.Price.String())
	require.False(t, result.Provisional)
	require.Empty(t, result.DiagnosticCode)
}

func TestResolveEodMark_ClosePriceTieBreaks(t *testing.T) {
	early := time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)
	late := time.Date(2026, 2, 10, 20, 0, 0, 0, time.UTC)

	result := ResolveEodMark(MarkCandidates{
		ClosePrices: []TradePriceCandidate{
			{Price: dec("40.00"), DateTimeUTC: early, TransactionID: "900"},
			{Price: dec("41.00"), DateTimeUTC: late, TransactionID: "100"},
			{Price: dec("42.00"), DateTimeUTC: late, TransactionID: "200"},
		},
	})
	require.Equal(t, domain.ValuationSourceTradesClosePrice, result.Source)
	// Latest dateTime wins; within it the highest numeric transactionID.
	require.Equal(t, "42", result.Price.String())
	require.False(t, result.Provisional)
}

func TestResolveEodMark_LastTradeFallbackIsProvisional(t *testing.T) {
	result := ResolveEodMark(MarkCandidates{
		TradePrices: []TradePriceCandidate{
			{Price: dec("42.17"), DateTimeUTC: time.Date(2026, 2, 9, 18, 0, 0, 0, time.UTC)},
		},
	})
	require.Equal(t, domain.ValuationSourceTradePriceOnOrBefore, result.Source)
	require.Equal(t, "42.17", result.Price.String())
	require.True(t, result.Provisional)
	require.Equal(t, domain.DiagEodMarkFallbackLastTrade, result.DiagnosticCode)
}

func TestResolveEodMark_AllAbsentIsProvisionalMissing(t *testing.T) {
	result := ResolveEodMark(MarkCandidates{})
	require.Nil(t, result.Price)
	require.Equal(t, domain.ValuationSourceMissing, result.Source)
	require.True(t, result.Provisional)
	require.Equal(t, domain.DiagEodMarkMissingAllSources, result.DiagnosticCode)
}

func TestResolveEodMark_RawRecordIDFinalTieBreak(t *testing.T) {
	at := time.Date(2026, 2, 10, 20, 0, 0, 0, time.UTC)
	result := ResolveEodMark(MarkCandidates{
		TradePrices: []TradePriceCandidate{
			{Price: dec("40.00"), DateTimeUTC: at, TransactionID: "100", RawRecordID: "a"},
			{Price: dec("41.00"), DateTimeUTC: at, TransactionID: "100", RawRecordID: "b"},
		},
	})
	require.Equal(t, "41", result.Price.String())
}

func TestResolveExecutionFx_IdentityForBaseCurrency(t *testing.T) {
	result := ResolveExecutionFx(FxInput{Currency: "USD", FunctionalCurrency: "USD"})
	require.Equal(t, domain.FxSourceIdentity, result.Source)
	require.True(t, result.Rate.Equal(dec("1")))
	require.False(t, result.Provisional)
}

func TestResolveExecutionFx_TradesRateWins(t *testing.T) {
	result := ResolveExecutionFx(FxInput{
		Currency:           "ILS",
		FunctionalCurrency: "USD",
		FxRateToBase:       decPtr("0.27"),
		NetCash:            decPtr("-1000.00"),
		NetCashInBase:      decPtr("-3600.00"),
	})
	require.Equal(t, domain.FxSourceTradesFxRate, result.Source)
	require.Equal(t, "0.27", result.Rate.String())
}

func TestResolveExecutionFx_DerivedFallback(t *testing.T) {
	// S2: netCash = -1000.00 USD, netCashInBase = -3600.00 ILS, no
	// fxRateToBase and no ConversionRates for the date.
	result := ResolveExecutionFx(FxInput{
		Currency:           "USD",
		FunctionalCurrency: "ILS",
		ReportDateLocal:    "2026-02-10",
		NetCash:            decPtr("-1000.00"),
		NetCashInBase:      decPtr("-3600.00"),
	})
	require.Equal(t, domain.FxSourceDerived, result.Source)
	require.Equal(t, "3.6000000000", result.Rate.StringFixed(10))
	require.False(t, result.Provisional)
	require.Empty(t, result.DiagnosticCode)
}

func TestResolveExecutionFx_DerivedRoundsHalfEven(t *testing.T) {
	result := ResolveExecutionFx(FxInput{
		Currency:           "USD",
		FunctionalCurrency: "ILS",
		NetCash:            decPtr("3"),
		NetCashInBase:      decPtr("10"),
	})
	require.Equal(t, domain.FxSourceDerived, result.Source)
	require.Equal(t, "3.3333333333", result.Rate.StringFixed(10))
}

func TestResolveExecutionFx_ZeroNetCashSkipsDerivation(t *testing.T) {
	result := ResolveExecutionFx(FxInput{
		Currency:           "USD",
		FunctionalCurrency: "ILS",
		NetCash:            decPtr("0"),
		NetCashInBase:      decPtr("10"),
	})
	require.Equal(t, domain.FxSourceMissing, result.Source)
	require.True(t, result.Provisional)
	require.Equal(t, domain.DiagFxRateMissingAllSources, result.DiagnosticCode)
}

func TestResolveExecutionFx_ConversionRatesExactDateWins(t *testing.T) {
	result := ResolveExecutionFx(FxInput{
		Currency:           "ILS",
		FunctionalCurrency: "USD",
		ReportDateLocal:    "2026-02-10",
		ConversionRates: []ConversionRateCandidate{
			{ReportDateLocal: "2026-02-08", Rate: dec("0.26")},
			{ReportDateLocal: "2026-02-10", Rate: dec("0.28")},
		},
	})
	require.Equal(t, domain.FxSourceConversionRates, result.Source)
	require.Equal(t, "0.28", result.Rate.String())
}

func TestResolveExecutionFx_ConversionRatesNearestPreviousDate(t *testing.T) {
	result := ResolveExecutionFx(FxInput{
		Currency:           "ILS",
		FunctionalCurrency: "USD",
		ReportDateLocal:    "2026-02-10",
		ConversionRates: []ConversionRateCandidate{
			{ReportDateLocal: "2026-02-06", Rate: dec("0.25")},
			{ReportDateLocal: "2026-02-09", Rate: dec("0.26")},
			{ReportDateLocal: "2026-02-11", Rate: dec("0.30")}, // future; ineligible
		},
	})
	require.Equal(t, "0.26", result.Rate.String())
}

func TestResolveExecutionFx_ConversionRateTieBreaksWithinDate(t *testing.T) {
	result := ResolveExecutionFx(FxInput{
		Currency:           "ILS",
		FunctionalCurrency: "USD",
		ReportDateLocal:    "2026-02-10",
		ConversionRates: []ConversionRateCandidate{
			{ReportDateLocal: "2026-02-10", Rate: dec("0.27"), IngestionRunID: "run-a", RawRecordID: "r1"},
			{ReportDateLocal: "2026-02-10", Rate: dec("0.28"), IngestionRunID: "run-b", RawRecordID: "r1"},
			{ReportDateLocal: "2026-02-10", Rate: dec("0.29"), IngestionRunID: "run-b", RawRecordID: "r2"},
		},
	})
	// Latest run wins; within it, the highest raw-record id.
	require.Equal(t, "0.29", result.Rate.String())
}

func TestResolveExecutionFx_AllSourcesAbsentBlocksOutput(t *testing.T) {
	result := ResolveExecutionFx(FxInput{
		Currency:           "ILS",
		FunctionalCurrency: "USD",
		ReportDateLocal:    "2026-02-10",
	})
	require.Nil(t, result.Rate)
	require.Equal(t, domain.FxSourceMissing, result.Source)
	require.True(t, result.Provisional)
	require.Equal(t, domain.DiagFxRateMissingAllSources, result.DiagnosticCode)
}
