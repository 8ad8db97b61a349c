// Package preflight validates that hard-required Flex sections are present
// in a downloaded statement before any persistence happens.
package preflight

import (
	"fmt"
	"sort"
	"strings"

	"ibkr-flex-ledger/internal/rawextract"
)

// MissingRequiredSectionCode is the deterministic failure code for absent
// required sections.
const MissingRequiredSectionCode = "MISSING_REQUIRED_SECTION"

// HardRequiredSections must be present in every ingested statement.
var HardRequiredSections = []string{
	"Trades",
	"OpenPositions",
	"CashTransactions",
	"CorporateActions",
	"ConversionRates",
	"SecuritiesInfo",
	"AccountInformation",
}

// ReconciliationRequiredSections are checked only when reconciliation
// publish is enabled.
var ReconciliationRequiredSections = []string{
	"MTMPerformanceSummaryInBase",
	"FIFOPerformanceSummaryInBase",
}

// FutureProofSections are persisted raw but never block ingestion.
var FutureProofSections = []string{
	"InterestAccruals",
	"ChangeInDividendAccruals",
	"OpenDividendAccruals",
	"ChangeInNAV",
	"StmtFunds",
	"UnbundledCommissionDetails",
}

// Result is the outcome of one section preflight check.
type Result struct {
	DetectedSections              []string
	MissingHardRequired           []string
	MissingReconciliationRequired []string
}

// Valid reports whether no required sections are missing.
func (r *Result) Valid() bool {
	return len(r.MissingHardRequired) == 0 && len(r.MissingReconciliationRequired) == 0
}

// MissingSections returns the combined sorted missing-section names.
func (r *Result) MissingSections() []string {
	missing := make([]string, 0, len(r.MissingHardRequired)+len(r.MissingReconciliationRequired))
	missing = append(missing, r.MissingHardRequired...)
	missing = append(missing, r.MissingReconciliationRequired...)
	sort.Strings(missing)
	return missing
}

// Error is the typed preflight failure carrying the exact section names.
type Error struct {
	Missing []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: missing sections=%s", MissingRequiredSectionCode, strings.Join(e.Missing, ", "))
}

// Validate enumerates the direct section children of FlexStatement elements
// and compares them against the frozen required-section sets.
func Validate(payload []byte, reconciliationEnabled bool) (*Result, error) {
	detected, err := rawextract.SectionNames(payload)
	if err != nil {
		return nil, err
	}

	result := &Result{
		DetectedSections:    sortedSet(detected),
		MissingHardRequired: missingFrom(HardRequiredSections, detected),
	}
	if reconciliationEnabled {
		result.MissingReconciliationRequired = missingFrom(ReconciliationRequiredSections, detected)
	}
	return result, nil
}

func missingFrom(required []string, detected map[string]struct{}) []string {
	var missing []string
	for _, name := range required {
		if _, ok := detected[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func sortedSet(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
