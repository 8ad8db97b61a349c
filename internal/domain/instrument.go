package domain

import "time"

// Instrument carries conid-first identity for one contract.
// Natural key: (account_id, conid). conid is authoritative; symbol, ISIN,
// CUSIP and FIGI are aliases refreshed on upsert.
type Instrument struct {
	ID            string // UUID primary key
	AccountID     string
	Conid         string
	Symbol        string
	LocalSymbol   *string
	ISIN          *string
	CUSIP         *string
	FIGI          *string
	AssetCategory string
	Currency      string
	Description   *string
	Active        bool
	CreatedAtUTC  time.Time
	UpdatedAtUTC  time.Time
}
