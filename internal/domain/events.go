package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeFill is one execution. Natural key: (account_id, ib_exec_id).
// Mutable numeric fields (commission, realized_pnl, net_cash, cost) are
// rewritten on upsert; the ingestion_run_id of the earliest observation is
// preserved.
type TradeFill struct {
	ID                 string // UUID primary key
	AccountID          string
	InstrumentID       string
	IngestionRunID     string
	SourceRawRecordID  string
	IBExecID           string
	TransactionID      *string
	TradeTimestampUTC  time.Time
	ReportDateLocal    string // ISO date
	Side               string // BUY | SELL
	Quantity           decimal.Decimal
	Price              decimal.Decimal
	Cost               *decimal.Decimal
	Commission         *decimal.Decimal
	Fees               *decimal.Decimal
	RealizedPnl        *decimal.Decimal
	NetCash            *decimal.Decimal
	NetCashInBase      *decimal.Decimal
	FxRateToBase       *decimal.Decimal
	Currency           string
	FunctionalCurrency string
	CreatedAtUTC       time.Time
}

// Cashflow is a dividend, withholding, fee, interest or similar cash event.
// Natural key: (account_id, transaction_id, cash_action, currency).
// A duplicate key arriving with a different amount or report date rewrites
// numeric fields and sets IsCorrection.
type Cashflow struct {
	ID                 string // UUID primary key
	AccountID          string
	InstrumentID       *string
	IngestionRunID     string
	SourceRawRecordID  string
	TransactionID      string
	CashAction         string
	ReportDateLocal    string // ISO date
	EffectiveAtUTC     *time.Time
	Amount             decimal.Decimal
	AmountInBase       *decimal.Decimal
	Currency           string
	FunctionalCurrency string
	WithholdingTax     *decimal.Decimal
	Fees               *decimal.Decimal
	IsCorrection       bool
	CreatedAtUTC       time.Time
}

// FxEvent is a resolved FX rate applied to an event row.
// Natural key: (account_id, transaction_id, currency, functional_currency).
type FxEvent struct {
	ID                 string // UUID primary key
	AccountID          string
	IngestionRunID     string
	SourceRawRecordID  string
	TransactionID      string
	ReportDateLocal    string // ISO date
	Currency           string
	FunctionalCurrency string
	FxRate             *decimal.Decimal // 10 fractional digits, half-even
	FxSource           string
	Provisional        bool
	DiagnosticCode     *string
	CreatedAtUTC       time.Time
}

// CorpAction is one corporate action. Natural key: (account_id, action_id);
// fallback key (account_id, transaction_id, conid, report_date_local,
// reorg_code) when action_id is absent. Collisions on both keys open a
// manual case and mark the instrument's subsequent outputs provisional.
type CorpAction struct {
	ID                string // UUID primary key
	AccountID         string
	InstrumentID      *string
	Conid             string
	IngestionRunID    string
	SourceRawRecordID string
	ActionID          *string
	TransactionID     *string
	ReorgCode         string
	ReportDateLocal   string // ISO date
	Description       *string
	RequiresManual    bool
	Provisional       bool
	ManualCaseID      *string
	CreatedAtUTC      time.Time
}
