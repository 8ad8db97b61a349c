package preflight

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func payloadWithSections(sections ...string) []byte {
	body := `<FlexQueryResponse><FlexStatements count="1"><FlexStatement accountId="U1" toDate="2026-02-10">`
	for _, section := range sections {
		body += "<" + section + "/>"
	}
	body += `</FlexStatement></FlexStatements></FlexQueryResponse>`
	return []byte(body)
}

func allHardRequired() []string {
	return append([]string{}, HardRequiredSections...)
}

func TestValidate_AllHardRequiredPresent(t *testing.T) {
	result, err := Validate(payloadWithSections(allHardRequired()...), false)
	require.NoError(t, err)
	require.True(t, result.Valid())
	require.Empty(t, result.MissingHardRequired)
	require.Len(t, result.DetectedSections, len(HardRequiredSections))
}

func TestValidate_MissingTradesFailsWithExactName(t *testing.T) {
	var sections []string
	for _, name := range HardRequiredSections {
		if name != "Trades" {
			sections = append(sections, name)
		}
	}

	result, err := Validate(payloadWithSections(sections...), false)
	require.NoError(t, err)
	require.False(t, result.Valid())
	require.Equal(t, []string{"Trades"}, result.MissingHardRequired)
	require.Equal(t, []string{"Trades"}, result.MissingSections())
}

func TestValidate_ReconciliationSectionsCheckedOnlyWhenEnabled(t *testing.T) {
	payload := payloadWithSections(allHardRequired()...)

	disabled, err := Validate(payload, false)
	require.NoError(t, err)
	require.True(t, disabled.Valid())

	enabled, err := Validate(payload, true)
	require.NoError(t, err)
	require.False(t, enabled.Valid())
	require.Equal(t, []string{"FIFOPerformanceSummaryInBase", "MTMPerformanceSummaryInBase"}, enabled.MissingReconciliationRequired)
}

func TestValidate_FutureProofSectionsNeverBlock(t *testing.T) {
	sections := append(allHardRequired(), FutureProofSections...)
	result, err := Validate(payloadWithSections(sections...), false)
	require.NoError(t, err)
	require.True(t, result.Valid())
}

func TestValidate_MalformedPayloadFails(t *testing.T) {
	_, err := Validate([]byte("<FlexQueryResponse>"), false)
	require.Error(t, err)
}

func TestError_MessageListsSections(t *testing.T) {
	err := &Error{Missing: []string{"CashTransactions", "Trades"}}
	require.Contains(t, err.Error(), MissingRequiredSectionCode)
	require.Contains(t, err.Error(), "CashTransactions, Trades")
}
