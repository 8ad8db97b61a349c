package mapping

import "fmt"

// ContractViolationCode is the deterministic run failure code for mapping
// contract violations.
const ContractViolationCode = "CANONICAL_MAPPING_CONTRACT_VIOLATION"

// ContractViolationError reports one raw row that violates the canonical
// mapping contract. The whole run fails; rows are never skipped best-effort.
type ContractViolationError struct {
	Section      string
	SourceRowRef string
	Field        string
	RawValue     string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("mapping contract violation: section=%s row=%s field=%s value=%q",
		e.Section, e.SourceRowRef, e.Field, e.RawValue)
}
