package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionLot is one FIFO acquisition unit.
// Invariants: remaining_quantity >= 0; status=closed iff remaining = 0;
// open_quantity never changes after creation.
type PositionLot struct {
	ID                string // deterministic UUID (account:instrument:open fill)
	AccountID         string
	InstrumentID      string
	OpenTradeFillID   string
	SourceRawRecordID string
	OpenedAtUTC       time.Time
	ClosedAtUTC       *time.Time
	OpenQuantity      decimal.Decimal
	RemainingQuantity decimal.Decimal
	OpenPrice         decimal.Decimal
	CostBasisOpen     decimal.Decimal
	RealizedPnlToDate decimal.Decimal
	Status            string // open | closed
	CreatedAtUTC      time.Time
	UpdatedAtUTC      time.Time
}

// PnlSnapshotDaily is one per-instrument daily P&L row.
// Natural key: (account_id, report_date_local, instrument_id).
// Invariant: total_pnl = realized_pnl + unrealized_pnl.
type PnlSnapshotDaily struct {
	ID              string // UUID primary key
	AccountID       string
	ReportDateLocal string // ISO date
	InstrumentID    string
	PositionQty     decimal.Decimal
	CostBasis       *decimal.Decimal
	RealizedPnl     decimal.Decimal
	UnrealizedPnl   decimal.Decimal
	TotalPnl        decimal.Decimal
	Fees            decimal.Decimal
	WithholdingTax  decimal.Decimal
	Currency        string
	Provisional     bool
	ValuationSource string
	FxSource        string
	IngestionRunID  *string
	CreatedAtUTC    time.Time
}
