// Package ledger computes deterministic FIFO lot lifecycles and assembles
// daily P&L snapshots from canonical events.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"ibkr-flex-ledger/internal/domain"
)

// ErrLedgerInvariant marks invariant violations inside the FIFO engine.
// These are bugs, not operational errors; they abort the run.
var ErrLedgerInvariant = errors.New("ledger invariant violation")

// FillInput is one trade fill feeding the FIFO computation.
type FillInput struct {
	TradeFillID       string
	SourceRawRecordID string
	TimestampUTC      time.Time
	Side              string // BUY | SELL
	Quantity          decimal.Decimal
	Price             decimal.Decimal
	// Fees is the combined absolute fee-and-commission cost of the fill.
	// The share allocated to closing quantity is consumed at close time;
	// the share allocated to opening quantity enters the lot cost basis.
	Fees decimal.Decimal
}

// LotState is one lot produced by the computation, open or closed.
type LotState struct {
	OpenTradeFillID   string
	SourceRawRecordID string
	OpenedAtUTC       time.Time
	ClosedAtUTC       *time.Time
	Direction         string // long | short
	OpenQuantity      decimal.Decimal
	RemainingQuantity decimal.Decimal
	OpenPrice         decimal.Decimal
	UnitBasis         decimal.Decimal
	CostBasisOpen     decimal.Decimal
	RealizedPnlToDate decimal.Decimal
}

// Result is the deterministic output of one instrument computation.
type Result struct {
	// PositionQty is signed: long positive, short negative.
	PositionQty decimal.Decimal
	RealizedPnl decimal.Decimal
	OpenLots    []LotState
	ClosedLots  []LotState
}

// UnrealizedAt values the open lots at the given mark price.
func (r *Result) UnrealizedAt(mark decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range r.OpenLots {
		if lot.Direction == "long" {
			total = total.Add(mark.Sub(lot.UnitBasis).Mul(lot.RemainingQuantity))
		} else {
			total = total.Add(lot.UnitBasis.Sub(mark).Mul(lot.RemainingQuantity))
		}
	}
	return total
}

// OpenCostBasis is the remaining-quantity share of each open lot's basis:
// sum(unit_basis * remaining) = remaining * open_price plus retained opening
// fees for long lots, minus them for short lots.
func (r *Result) OpenCostBasis() decimal.Decimal {
	total := decimal.Zero
	for _, lot := range r.OpenLots {
		total = total.Add(lot.UnitBasis.Mul(lot.RemainingQuantity))
	}
	return total
}

// Compute runs standard FIFO over the fills of one (account, instrument).
// Fills are ordered by timestamp ascending, then source raw-record id as
// the deterministic tiebreaker. Identical input sequences produce identical
// outputs byte for byte.
func Compute(fills []FillInput) (*Result, error) {
	ordered := make([]FillInput, len(fills))
	copy(ordered, fills)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].TimestampUTC.Equal(ordered[j].TimestampUTC) {
			return ordered[i].TimestampUTC.Before(ordered[j].TimestampUTC)
		}
		return ordered[i].SourceRawRecordID < ordered[j].SourceRawRecordID
	})

	var open []LotState
	var closed []LotState
	realized := decimal.Zero

	for _, fill := range ordered {
		quantity := fill.Quantity.Abs()
		if quantity.IsZero() {
			continue
		}
		if fill.Side != domain.TradeSideBuy && fill.Side != domain.TradeSideSell {
			return nil, fmt.Errorf("%w: unsupported side %q", ErrLedgerInvariant, fill.Side)
		}

		opensDirection := "long"
		closesDirection := "short"
		if fill.Side == domain.TradeSideSell {
			opensDirection, closesDirection = "short", "long"
		}

		toClose := quantity
		matchedQty := decimal.Zero
		matchedRealized := decimal.Zero
		closedAt := fill.TimestampUTC

		for toClose.IsPositive() && len(open) > 0 && open[0].Direction == closesDirection {
			lot := &open[0]
			closeQty := decimal.Min(toClose, lot.RemainingQuantity)

			var lotRealized decimal.Decimal
			if closesDirection == "long" {
				lotRealized = fill.Price.Sub(lot.UnitBasis).Mul(closeQty)
			} else {
				lotRealized = lot.UnitBasis.Sub(fill.Price).Mul(closeQty)
			}

			lot.RemainingQuantity = lot.RemainingQuantity.Sub(closeQty)
			lot.RealizedPnlToDate = lot.RealizedPnlToDate.Add(lotRealized)
			matchedRealized = matchedRealized.Add(lotRealized)
			toClose = toClose.Sub(closeQty)
			matchedQty = matchedQty.Add(closeQty)

			if lot.RemainingQuantity.IsNegative() {
				return nil, fmt.Errorf("%w: negative remaining quantity", ErrLedgerInvariant)
			}
			if lot.RemainingQuantity.IsZero() {
				done := open[0]
				at := closedAt
				done.ClosedAtUTC = &at
				closed = append(closed, done)
				open = open[1:]
			}
		}

		if matchedQty.IsPositive() {
			closeFees := fill.Fees.Mul(matchedQty).Div(quantity)
			realized = realized.Add(matchedRealized).Sub(closeFees)
		}

		if toClose.IsPositive() {
			openFees := fill.Fees.Mul(toClose).Div(quantity)
			// Opening fees raise a long basis and lower a short basis.
			var unitBasis decimal.Decimal
			if opensDirection == "long" {
				unitBasis = fill.Price.Mul(toClose).Add(openFees).Div(toClose)
			} else {
				unitBasis = fill.Price.Mul(toClose).Sub(openFees).Div(toClose)
			}

			open = append(open, LotState{
				OpenTradeFillID:   fill.TradeFillID,
				SourceRawRecordID: fill.SourceRawRecordID,
				OpenedAtUTC:       fill.TimestampUTC,
				Direction:         opensDirection,
				OpenQuantity:      toClose,
				RemainingQuantity: toClose,
				OpenPrice:         fill.Price,
				UnitBasis:         unitBasis,
				CostBasisOpen:     unitBasis.Mul(toClose),
				RealizedPnlToDate: decimal.Zero,
			})
		}
	}

	position := decimal.Zero
	for _, lot := range open {
		if lot.Direction == "long" {
			position = position.Add(lot.RemainingQuantity)
		} else {
			position = position.Sub(lot.RemainingQuantity)
		}
	}

	return &Result{
		PositionQty: position,
		RealizedPnl: realized,
		OpenLots:    open,
		ClosedLots:  closed,
	}, nil
}
