package orchestrator

import (
	"context"
	"errors"

	"ibkr-flex-ledger/internal/flex"
	"ibkr-flex-ledger/internal/ledger"
	"ibkr-flex-ledger/internal/mapping"
	"ibkr-flex-ledger/internal/preflight"
)

// Deterministic terminal error codes written to failed runs.
const (
	CodeTokenExpired     = "INGESTION_TOKEN_EXPIRED_ERROR"
	CodeTokenInvalid     = "INGESTION_TOKEN_INVALID_ERROR"
	CodeRequestError     = "INGESTION_REQUEST_ERROR"
	CodeStatementError   = "INGESTION_STATEMENT_ERROR"
	CodePollTimeout      = "INGESTION_POLL_TIMEOUT"
	CodeTransportError   = "INGESTION_TRANSPORT_ERROR"
	CodeMissingSection   = preflight.MissingRequiredSectionCode
	CodeMappingViolation = mapping.ContractViolationCode
	CodeCancelled        = "INGESTION_CANCELLED"
	CodeLedgerInvariant  = "LEDGER_INVARIANT_VIOLATION"
	CodeUnexpectedError  = "INGESTION_UNEXPECTED_ERROR"
)

// classifyError maps a failure to its deterministic code plus a structured
// diagnostics payload by its typed origin. Nothing is swallowed; unmatched
// errors fall through to the unexpected-error code.
func classifyError(err error) (string, map[string]any) {
	var tokenErr *flex.TokenError
	if errors.As(err, &tokenErr) {
		payload := map[string]any{"upstream_error_code": tokenErr.Code}
		if tokenErr.Expired() {
			return CodeTokenExpired, payload
		}
		return CodeTokenInvalid, payload
	}

	var requestErr *flex.RequestError
	if errors.As(err, &requestErr) {
		return CodeRequestError, map[string]any{"upstream_error_code": requestErr.Code}
	}

	var statementErr *flex.StatementError
	if errors.As(err, &statementErr) {
		return CodeStatementError, map[string]any{"upstream_error_code": statementErr.Code}
	}

	if errors.Is(err, flex.ErrPollTimeout) {
		return CodePollTimeout, nil
	}

	var timeoutErr *flex.TimeoutError
	if errors.As(err, &timeoutErr) {
		return CodeTransportError, nil
	}

	var transportErr *flex.TransportError
	if errors.As(err, &transportErr) {
		return CodeTransportError, nil
	}

	var preflightErr *preflight.Error
	if errors.As(err, &preflightErr) {
		return CodeMissingSection, map[string]any{"missing_sections": preflightErr.Missing}
	}

	var violation *mapping.ContractViolationError
	if errors.As(err, &violation) {
		return CodeMappingViolation, map[string]any{
			"section":        violation.Section,
			"source_row_ref": violation.SourceRowRef,
			"field":          violation.Field,
			"raw_value":      violation.RawValue,
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancelled, nil
	}

	if errors.Is(err, ledger.ErrLedgerInvariant) {
		return CodeLedgerInvariant, nil
	}

	return CodeUnexpectedError, nil
}
