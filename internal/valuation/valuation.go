// Package valuation applies the two frozen source hierarchies: end-of-day
// mark per (conid, report date) and execution FX per (transaction, currency
// pair). Resolvers are pure functions over candidate inputs; they never
// fail — absence degrades to a provisional result with a diagnostic code.
package valuation

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"ibkr-flex-ledger/internal/domain"
)

// fxScale is the fractional precision of persisted FX rates.
const fxScale = 10

// TradePriceCandidate is one Trades row eligible as a mark source.
type TradePriceCandidate struct {
	Price         decimal.Decimal
	DateTimeUTC   time.Time
	TransactionID string // numeric tie-break, highest wins
	RawRecordID   string // final tie-break, highest wins
}

// MarkCandidates carries the per-(conid, report date) mark source inputs.
type MarkCandidates struct {
	// OpenPositionsMark is the markPrice for the same conid and report
	// date, when present and non-null.
	OpenPositionsMark *decimal.Decimal

	// ClosePrices are trades for (conid, report_date) with non-null
	// closePrice.
	ClosePrices []TradePriceCandidate

	// TradePrices are trades on or before the report date with non-null
	// tradePrice.
	TradePrices []TradePriceCandidate
}

// MarkResult is the resolved end-of-day mark.
type MarkResult struct {
	Price          *decimal.Decimal
	Source         string
	Provisional    bool
	DiagnosticCode string
}

// ResolveEodMark walks the frozen mark hierarchy:
//  1. OpenPositions.markPrice
//  2. Trades.closePrice on the report date
//  3. last Trades.tradePrice on or before the report date (provisional)
func ResolveEodMark(candidates MarkCandidates) MarkResult {
	if candidates.OpenPositionsMark != nil {
		price := *candidates.OpenPositionsMark
		return MarkResult{Price: &price, Source: domain.ValuationSourceOpenPositionsMark}
	}

	if best := latestTradeCandidate(candidates.ClosePrices); best != nil {
		price := best.Price
		return MarkResult{Price: &price, Source: domain.ValuationSourceTradesClosePrice}
	}

	if best := latestTradeCandidate(candidates.TradePrices); best != nil {
		price := best.Price
		return MarkResult{
			Price:          &price,
			Source:         domain.ValuationSourceTradePriceOnOrBefore,
			Provisional:    true,
			DiagnosticCode: domain.DiagEodMarkFallbackLastTrade,
		}
	}

	return MarkResult{
		Source:         domain.ValuationSourceMissing,
		Provisional:    true,
		DiagnosticCode: domain.DiagEodMarkMissingAllSources,
	}
}

// latestTradeCandidate picks the winner within one trade-price source:
// latest dateTime, then highest numeric transactionID, then highest
// raw-record id.
func latestTradeCandidate(candidates []TradePriceCandidate) *TradePriceCandidate {
	var best *TradePriceCandidate
	for i := range candidates {
		candidate := &candidates[i]
		if best == nil || tradeCandidateLess(best, candidate) {
			best = candidate
		}
	}
	return best
}

func tradeCandidateLess(a, b *TradePriceCandidate) bool {
	if !a.DateTimeUTC.Equal(b.DateTimeUTC) {
		return a.DateTimeUTC.Before(b.DateTimeUTC)
	}
	an, aok := parseNumericID(a.TransactionID)
	bn, bok := parseNumericID(b.TransactionID)
	switch {
	case aok && bok && an != bn:
		return an < bn
	case aok != bok:
		return !aok // numeric ids rank above missing ones
	}
	return a.RawRecordID < b.RawRecordID
}

func parseNumericID(value string) (int64, bool) {
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// ConversionRateCandidate is one ConversionRates row for a currency pair.
type ConversionRateCandidate struct {
	ReportDateLocal string // ISO date
	Rate            decimal.Decimal
	IngestionRunID  string // tie-break within a date, latest wins
	RawRecordID     string // final tie-break, highest wins
}

// FxInput carries the execution-FX source inputs for one event row.
type FxInput struct {
	Currency           string
	FunctionalCurrency string
	ReportDateLocal    string

	// Source 1: Trades.fxRateToBase.
	FxRateToBase *decimal.Decimal

	// Source 2 inputs: derived from net cash amounts.
	NetCash       *decimal.Decimal
	NetCashInBase *decimal.Decimal

	// Source 3: ConversionRates rows for (currency, functional currency).
	ConversionRates []ConversionRateCandidate
}

// FxResult is the resolved execution FX.
type FxResult struct {
	Rate           *decimal.Decimal // fxScale fractional digits, half-even
	Source         string
	Provisional    bool
	DiagnosticCode string
}

// ResolveExecutionFx walks the frozen FX hierarchy:
//  1. Trades.fxRateToBase
//  2. abs(netCashInBase)/abs(netCash), half-even to 10 fractional digits
//  3. ConversionRates on the report date, else nearest previous date
//
// currency == functional currency resolves to the identity rate. Absence of
// all sources blocks the economic FX output and marks it provisional.
func ResolveExecutionFx(input FxInput) FxResult {
	if input.Currency == input.FunctionalCurrency {
		one := decimal.New(1, 0).RoundBank(fxScale)
		return FxResult{Rate: &one, Source: domain.FxSourceIdentity}
	}

	if input.FxRateToBase != nil {
		rate := input.FxRateToBase.RoundBank(fxScale)
		return FxResult{Rate: &rate, Source: domain.FxSourceTradesFxRate}
	}

	if input.NetCash != nil && input.NetCashInBase != nil && !input.NetCash.IsZero() {
		rate := input.NetCashInBase.Abs().DivRound(input.NetCash.Abs(), fxScale+2).RoundBank(fxScale)
		return FxResult{Rate: &rate, Source: domain.FxSourceDerived}
	}

	if best := bestConversionRate(input.ConversionRates, input.ReportDateLocal); best != nil {
		rate := best.Rate.RoundBank(fxScale)
		return FxResult{Rate: &rate, Source: domain.FxSourceConversionRates}
	}

	return FxResult{
		Source:         domain.FxSourceMissing,
		Provisional:    true,
		DiagnosticCode: domain.DiagFxRateMissingAllSources,
	}
}

// bestConversionRate picks the row for the exact report date, else the
// nearest previous date. Ties within a date break on latest ingestion run
// id, then highest raw-record id.
func bestConversionRate(candidates []ConversionRateCandidate, reportDate string) *ConversionRateCandidate {
	var best *ConversionRateCandidate
	for i := range candidates {
		candidate := &candidates[i]
		if candidate.ReportDateLocal > reportDate {
			continue
		}
		if best == nil || conversionRateLess(best, candidate) {
			best = candidate
		}
	}
	return best
}

func conversionRateLess(a, b *ConversionRateCandidate) bool {
	if a.ReportDateLocal != b.ReportDateLocal {
		return a.ReportDateLocal < b.ReportDateLocal
	}
	if a.IngestionRunID != b.IngestionRunID {
		return a.IngestionRunID < b.IngestionRunID
	}
	return a.RawRecordID < b.RawRecordID
}
