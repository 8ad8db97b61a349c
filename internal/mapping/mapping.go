// Package mapping transforms raw section rows into canonical event upsert
// requests. Routing is strictly by section name; the per-section variants
// are the only place raw payload keys are interpreted.
package mapping

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ibkr-flex-ledger/internal/domain"
)

// DefaultAssetCategory is the fallback when the source payload omits
// assetCategory.
const DefaultAssetCategory = "STK"

// Batch groups the canonical upsert requests produced from one run's raw
// rows. Instrument requests carry conid identity; event rows reference
// instruments by conid until persistence resolves ids.
type Batch struct {
	Instruments []*domain.Instrument
	TradeFills  []*domain.TradeFill
	Cashflows   []*domain.Cashflow
	FxEvents    []*domain.FxEvent
	CorpActions []*domain.CorpAction

	// ConidByRawRecordID lets persistence resolve instrument ids for event
	// rows after instrument upserts complete.
	ConidByRawRecordID map[string]string
}

// BuildBatch maps raw rows into canonical upsert requests. The batch is
// built completely before any persistence so a contract violation on any
// row fails the run without partial canonical commits.
func BuildBatch(accountID, functionalCurrency string, rawRecords []*domain.RawRecord) (*Batch, error) {
	batch := &Batch{ConidByRawRecordID: make(map[string]string)}

	for _, record := range rawRecords {
		// An empty section's presence row holds container attributes, not
		// data; it is never mapped.
		if record.SourceRowRef == record.SectionName+":section:1" {
			continue
		}
		if conid, ok := record.SourcePayload["conid"]; ok && !domain.IsFlexSentinel(conid) {
			batch.ConidByRawRecordID[record.ID] = strings.TrimSpace(conid)
		}

		switch record.SectionName {
		case "Trades":
			if err := mapTrade(batch, accountID, functionalCurrency, record); err != nil {
				return nil, err
			}
		case "CashTransactions":
			if err := mapCashflow(batch, accountID, functionalCurrency, record); err != nil {
				return nil, err
			}
		case "ConversionRates":
			if err := mapConversionRate(batch, accountID, functionalCurrency, record); err != nil {
				return nil, err
			}
		case "CorporateActions":
			if err := mapCorpAction(batch, accountID, record); err != nil {
				return nil, err
			}
		}
		// Other sections are persisted raw but not mapped.
	}

	return batch, nil
}

// rowReader reads typed values out of one raw row with fail-fast contract
// checks.
type rowReader struct {
	record *domain.RawRecord
}

func (r rowReader) violation(field, rawValue string) error {
	return &ContractViolationError{
		Section:      r.record.SectionName,
		SourceRowRef: r.record.SourceRowRef,
		Field:        field,
		RawValue:     rawValue,
	}
}

func (r rowReader) requiredText(field string) (string, error) {
	value, ok := r.record.SourcePayload[field]
	if !ok || domain.IsFlexSentinel(value) {
		return "", r.violation(field, value)
	}
	return strings.TrimSpace(value), nil
}

func (r rowReader) optionalText(field string) *string {
	value, ok := r.record.SourcePayload[field]
	if !ok || domain.IsFlexSentinel(value) {
		return nil
	}
	trimmed := strings.TrimSpace(value)
	return &trimmed
}

func (r rowReader) requiredDecimal(field string) (decimal.Decimal, error) {
	value, ok := r.record.SourcePayload[field]
	if !ok {
		return decimal.Decimal{}, r.violation(field, "")
	}
	parsed, err := domain.ParseFlexDecimal(value)
	if err != nil || parsed == nil {
		return decimal.Decimal{}, r.violation(field, value)
	}
	return *parsed, nil
}

func (r rowReader) optionalDecimal(field string) (*decimal.Decimal, error) {
	value, ok := r.record.SourcePayload[field]
	if !ok {
		return nil, nil
	}
	parsed, err := domain.ParseFlexDecimal(value)
	if err != nil {
		return nil, r.violation(field, value)
	}
	return parsed, nil
}

// reportDate resolves the row's local report date: the row's own reportDate
// attribute first, then the raw record's statement-level date.
func (r rowReader) reportDate() (string, error) {
	if value, ok := r.record.SourcePayload["reportDate"]; ok && !domain.IsFlexSentinel(value) {
		parsed, err := domain.ParseFlexDate(value)
		if err != nil {
			return "", r.violation("reportDate", value)
		}
		return parsed, nil
	}
	if r.record.ReportDateLocal != "" {
		return r.record.ReportDateLocal, nil
	}
	return "", r.violation("reportDate", "")
}

// tradeTimestamp resolves the execution instant: dateTime when present,
// else midnight UTC of the report date.
func (r rowReader) tradeTimestamp(reportDate string) (time.Time, error) {
	if value, ok := r.record.SourcePayload["dateTime"]; ok && !domain.IsFlexSentinel(value) {
		parsed, err := domain.ParseFlexTimestampUTC(value)
		if err != nil || parsed == nil {
			return time.Time{}, r.violation("dateTime", value)
		}
		return *parsed, nil
	}
	midnight, err := time.Parse("2006-01-02", reportDate)
	if err != nil {
		return time.Time{}, r.violation("reportDate", reportDate)
	}
	return midnight.UTC(), nil
}

func (r rowReader) optionalTimestamp(field string) (*time.Time, error) {
	value, ok := r.record.SourcePayload[field]
	if !ok || domain.IsFlexSentinel(value) {
		return nil, nil
	}
	parsed, err := domain.ParseFlexTimestampUTC(value)
	if err != nil {
		return nil, r.violation(field, value)
	}
	return parsed, nil
}

// instrumentFromRow builds the instrument upsert request for a row carrying
// conid identity.
func instrumentFromRow(r rowReader, accountID, conid, currency string) *domain.Instrument {
	symbol := conid
	if s := r.optionalText("symbol"); s != nil {
		symbol = *s
	}
	assetCategory := DefaultAssetCategory
	if a := r.optionalText("assetCategory"); a != nil {
		assetCategory = *a
	}
	return &domain.Instrument{
		AccountID:     accountID,
		Conid:         conid,
		Symbol:        symbol,
		LocalSymbol:   r.optionalText("localSymbol"),
		ISIN:          r.optionalText("isin"),
		CUSIP:         r.optionalText("cusip"),
		FIGI:          r.optionalText("figi"),
		AssetCategory: assetCategory,
		Currency:      currency,
		Description:   r.optionalText("description"),
		Active:        true,
	}
}

func mapTrade(batch *Batch, accountID, functionalCurrency string, record *domain.RawRecord) error {
	r := rowReader{record: record}

	ibExecID, err := r.requiredText("ibExecID")
	if err != nil {
		return err
	}
	conid, err := r.requiredText("conid")
	if err != nil {
		return err
	}
	rawSide, err := r.requiredText("buySell")
	if err != nil {
		return err
	}
	side, err := domain.ParseTradeSide(strings.ToUpper(rawSide))
	if err != nil {
		return r.violation("buySell", rawSide)
	}
	quantity, err := r.requiredDecimal("quantity")
	if err != nil {
		return err
	}
	price, err := r.requiredDecimal("tradePrice")
	if err != nil {
		return err
	}
	currency, err := r.requiredText("currency")
	if err != nil {
		return err
	}
	reportDate, err := r.reportDate()
	if err != nil {
		return err
	}
	tradeTimestamp, err := r.tradeTimestamp(reportDate)
	if err != nil {
		return err
	}

	cost, err := r.optionalDecimal("cost")
	if err != nil {
		return err
	}
	commission, err := r.optionalDecimal("ibCommission")
	if err != nil {
		return err
	}
	fees, err := r.optionalDecimal("fees")
	if err != nil {
		return err
	}
	realizedPnl, err := r.optionalDecimal("fifoPnlRealized")
	if err != nil {
		return err
	}
	netCash, err := r.optionalDecimal("netCash")
	if err != nil {
		return err
	}
	netCashInBase, err := r.optionalDecimal("netCashInBase")
	if err != nil {
		return err
	}
	fxRateToBase, err := r.optionalDecimal("fxRateToBase")
	if err != nil {
		return err
	}

	batch.Instruments = append(batch.Instruments, instrumentFromRow(r, accountID, conid, currency))
	batch.TradeFills = append(batch.TradeFills, &domain.TradeFill{
		AccountID:          accountID,
		IngestionRunID:     record.IngestionRunID,
		SourceRawRecordID:  record.ID,
		IBExecID:           ibExecID,
		TransactionID:      r.optionalText("transactionID"),
		TradeTimestampUTC:  tradeTimestamp,
		ReportDateLocal:    reportDate,
		Side:               side,
		Quantity:           quantity,
		Price:              price,
		Cost:               cost,
		Commission:         commission,
		Fees:               fees,
		RealizedPnl:        realizedPnl,
		NetCash:            netCash,
		NetCashInBase:      netCashInBase,
		FxRateToBase:       fxRateToBase,
		Currency:           currency,
		FunctionalCurrency: functionalCurrency,
	})

	// Source-1 FX hint: a non-null fxRateToBase on a non-base-currency
	// trade becomes a trades_fx_rate event.
	if fxRateToBase != nil && currency != functionalCurrency {
		transactionID := ibExecID
		if t := r.optionalText("transactionID"); t != nil {
			transactionID = *t
		}
		rate := fxRateToBase.RoundBank(10)
		batch.FxEvents = append(batch.FxEvents, &domain.FxEvent{
			AccountID:          accountID,
			IngestionRunID:     record.IngestionRunID,
			SourceRawRecordID:  record.ID,
			TransactionID:      transactionID,
			ReportDateLocal:    reportDate,
			Currency:           currency,
			FunctionalCurrency: functionalCurrency,
			FxRate:             &rate,
			FxSource:           domain.FxSourceTradesFxRate,
		})
	}
	return nil
}

func mapCashflow(batch *Batch, accountID, functionalCurrency string, record *domain.RawRecord) error {
	r := rowReader{record: record}

	transactionID, err := r.requiredText("transactionID")
	if err != nil {
		return err
	}
	cashAction, err := r.requiredText("type")
	if err != nil {
		return err
	}
	amount, err := r.requiredDecimal("amount")
	if err != nil {
		return err
	}
	currency, err := r.requiredText("currency")
	if err != nil {
		return err
	}
	reportDate, err := r.reportDate()
	if err != nil {
		return err
	}
	effectiveAt, err := r.optionalTimestamp("dateTime")
	if err != nil {
		return err
	}
	amountInBase, err := r.optionalDecimal("amountInBase")
	if err != nil {
		return err
	}
	withholdingTax, err := r.optionalDecimal("withholdingTax")
	if err != nil {
		return err
	}
	fees, err := r.optionalDecimal("fees")
	if err != nil {
		return err
	}

	if conid := r.optionalText("conid"); conid != nil {
		batch.Instruments = append(batch.Instruments, instrumentFromRow(r, accountID, *conid, currency))
	}

	batch.Cashflows = append(batch.Cashflows, &domain.Cashflow{
		AccountID:          accountID,
		IngestionRunID:     record.IngestionRunID,
		SourceRawRecordID:  record.ID,
		TransactionID:      transactionID,
		CashAction:         cashAction,
		ReportDateLocal:    reportDate,
		EffectiveAtUTC:     effectiveAt,
		Amount:             amount,
		AmountInBase:       amountInBase,
		Currency:           currency,
		FunctionalCurrency: functionalCurrency,
		WithholdingTax:     withholdingTax,
		Fees:               fees,
	})
	return nil
}

func mapConversionRate(batch *Batch, accountID, functionalCurrency string, record *domain.RawRecord) error {
	r := rowReader{record: record}

	currency, err := r.requiredText("fromCurrency")
	if err != nil {
		return err
	}
	reportDate, err := r.reportDate()
	if err != nil {
		return err
	}
	rate, err := r.optionalDecimal("rate")
	if err != nil {
		return err
	}

	toCurrency := functionalCurrency
	if t := r.optionalText("toCurrency"); t != nil {
		toCurrency = *t
	}
	transactionID := record.SourceRowRef
	if t := r.optionalText("transactionID"); t != nil {
		transactionID = *t
	}

	event := &domain.FxEvent{
		AccountID:          accountID,
		IngestionRunID:     record.IngestionRunID,
		SourceRawRecordID:  record.ID,
		TransactionID:      transactionID,
		ReportDateLocal:    reportDate,
		Currency:           currency,
		FunctionalCurrency: toCurrency,
		FxSource:           domain.FxSourceConversionRates,
	}
	if rate != nil {
		rounded := rate.RoundBank(10)
		event.FxRate = &rounded
	} else {
		event.Provisional = true
		diag := domain.DiagFxRateMissingAllSources
		event.DiagnosticCode = &diag
	}

	batch.FxEvents = append(batch.FxEvents, event)
	return nil
}

func mapCorpAction(batch *Batch, accountID string, record *domain.RawRecord) error {
	r := rowReader{record: record}

	conid, err := r.requiredText("conid")
	if err != nil {
		return err
	}
	rawReorg, err := r.requiredText("type")
	if err != nil {
		return err
	}
	reorgCode, err := domain.ParseReorgCode(strings.ToUpper(rawReorg))
	if err != nil {
		return r.violation("type", rawReorg)
	}
	reportDate, err := r.reportDate()
	if err != nil {
		return err
	}

	currency := "USD"
	if c := r.optionalText("currency"); c != nil {
		currency = *c
	}

	batch.Instruments = append(batch.Instruments, instrumentFromRow(r, accountID, conid, currency))
	batch.CorpActions = append(batch.CorpActions, &domain.CorpAction{
		AccountID:         accountID,
		Conid:             conid,
		IngestionRunID:    record.IngestionRunID,
		SourceRawRecordID: record.ID,
		ActionID:          r.optionalText("actionID"),
		TransactionID:     r.optionalText("transactionID"),
		ReorgCode:         reorgCode,
		ReportDateLocal:   reportDate,
		Description:       r.optionalText("description"),
	})
	return nil
}
