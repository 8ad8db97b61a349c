package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Shared Flex value normalization. All ingestion paths (raw extraction,
// canonical mapping) go through these helpers so field contracts stay
// deterministic.

// sentinel values that IBKR emits for "no value".
var flexSentinels = map[string]struct{}{
	"":    {},
	"-":   {},
	"--":  {},
	"N/A": {},
}

// IsFlexSentinel reports whether a raw attribute value normalizes to null.
func IsFlexSentinel(value string) bool {
	_, ok := flexSentinels[strings.TrimSpace(value)]
	return ok
}

// ParseFlexDecimal parses one Flex numeric attribute as a fixed decimal.
// Thousands-separator commas are stripped before parsing. Sentinel values
// return (nil, nil); invalid values return an error for the caller to
// escalate as a contract violation.
func ParseFlexDecimal(value string) (*decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if IsFlexSentinel(trimmed) {
		return nil, nil
	}
	cleaned := strings.ReplaceAll(trimmed, ",", "")
	parsed, err := decimal.NewFromString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q", value)
	}
	return &parsed, nil
}

// flexDateLayouts are the accepted local-date formats, tried in order.
var flexDateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"20060102",
	"01/02/2006",
	"01/02/06",
	"02-Jan-06",
}

// ParseFlexDate parses one Flex local-date attribute into ISO form
// (YYYY-MM-DD). Sentinels return ("", nil). Values carrying a trailing
// time part (";" / "T" / " " separated) resolve to their date part.
func ParseFlexDate(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if IsFlexSentinel(trimmed) {
		return "", nil
	}

	candidates := []string{trimmed}
	for _, sep := range []string{";", "T", " "} {
		if idx := strings.Index(trimmed, sep); idx > 0 {
			candidates = append(candidates, trimmed[:idx])
		}
	}

	for _, candidate := range candidates {
		for _, layout := range flexDateLayouts {
			if parsed, err := time.Parse(layout, candidate); err == nil {
				return parsed.Format("2006-01-02"), nil
			}
		}
	}
	return "", fmt.Errorf("invalid date %q", value)
}

// flexTimestampLayouts are the accepted timestamp formats. Offset-less
// layouts follow the documented Flex contract of UTC-normalized exports
// and are interpreted as UTC instants.
var flexTimestampLayouts = []struct {
	layout  string
	hasZone bool
}{
	{time.RFC3339, true},
	{"2006-01-02T15:04:05Z07:00", true},
	{"20060102;150405", false},
	{"2006-01-02;15:04:05", false},
	{"2006-01-02, 15:04:05", false},
	{"2006-01-02 15:04:05", false},
}

// ParseFlexTimestampUTC parses one Flex timestamp attribute into an explicit
// UTC instant. Sentinels return (nil, nil). Values that cannot be resolved
// to an instant return an error.
func ParseFlexTimestampUTC(value string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if IsFlexSentinel(trimmed) {
		return nil, nil
	}

	for _, entry := range flexTimestampLayouts {
		var parsed time.Time
		var err error
		if entry.hasZone {
			parsed, err = time.Parse(entry.layout, trimmed)
		} else {
			parsed, err = time.ParseInLocation(entry.layout, trimmed, time.UTC)
		}
		if err == nil {
			utc := parsed.UTC()
			return &utc, nil
		}
	}
	return nil, fmt.Errorf("invalid timestamp %q", value)
}
