package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseFlexDecimal_SentinelsNormalizeToNull(t *testing.T) {
	for _, value := range []string{"", "-", "--", "N/A", "  N/A  "} {
		parsed, err := ParseFlexDecimal(value)
		require.NoError(t, err, "value %q", value)
		require.Nil(t, parsed, "value %q", value)
	}
}

func TestParseFlexDecimal_StripsThousandsSeparators(t *testing.T) {
	parsed, err := ParseFlexDecimal("1,234.56")
	require.NoError(t, err)
	require.NotNil(t, parsed)
	require.Equal(t, "1234.56", parsed.String())
	require.Equal(t, "1234.56000000", parsed.StringFixed(8))
}

func TestParseFlexDecimal_InvalidValueFails(t *testing.T) {
	_, err := ParseFlexDecimal("12.34.56")
	require.Error(t, err)

	_, err = ParseFlexDecimal("abc")
	require.Error(t, err)
}

func TestParseFlexDate_AcceptedFormats(t *testing.T) {
	cases := map[string]string{
		"2026-02-10": "2026-02-10",
		"2026/02/10": "2026-02-10",
		"20260210":   "2026-02-10",
		"02/10/2026": "2026-02-10",
		"02/10/26":   "2026-02-10",
		"10-Feb-26":  "2026-02-10",
	}
	for input, want := range cases {
		got, err := ParseFlexDate(input)
		require.NoError(t, err, "input %q", input)
		require.Equal(t, want, got, "input %q", input)
	}
}

func TestParseFlexDate_DropsTimePart(t *testing.T) {
	got, err := ParseFlexDate("20260210;143000")
	require.NoError(t, err)
	require.Equal(t, "2026-02-10", got)
}

func TestParseFlexDate_SentinelAndInvalid(t *testing.T) {
	got, err := ParseFlexDate("N/A")
	require.NoError(t, err)
	require.Equal(t, "", got)

	_, err = ParseFlexDate("not-a-date")
	require.Error(t, err)
}

func TestParseFlexTimestampUTC_FlexFormatIsUTC(t *testing.T) {
	parsed, err := ParseFlexTimestampUTC("20260210;143000")
	require.NoError(t, err)
	require.NotNil(t, parsed)
	require.Equal(t, time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC), *parsed)
}

func TestParseFlexTimestampUTC_OffsetNormalizesToUTC(t *testing.T) {
	parsed, err := ParseFlexTimestampUTC("2026-02-10T16:30:00+02:00")
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC), *parsed)
}

func TestParseFlexTimestampUTC_RejectsUnresolvable(t *testing.T) {
	_, err := ParseFlexTimestampUTC("garbage")
	require.Error(t, err)
}
