/*
errors.go - Centralized error types for the bonus engine

PURPOSE:
  All engine error types in one place. The taxonomy mirrors how failures
  are handled at run time:

  1. Data-integrity errors  - per-item, zero-bonus fallback, never abort
  2. Persistence errors     - abort the run, transition to failed
  3. Configuration errors   - run completes with all-zero items
  4. Invariant violations   - per-item warnings, zero contribution

USAGE:
  if errors.Is(err, engine.ErrRunTerminal) {
      // run already completed/failed; start a fresh one
  }
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidPeriod is returned when a run period is malformed.
	ErrInvalidPeriod = errors.New("invalid period: end before start")

	// ErrRunNotFound is returned when a referenced run doesn't exist.
	ErrRunNotFound = errors.New("calculation run not found")

	// ErrRunTerminal is returned on any attempt to transition a run out
	// of a terminal state. Completed/failed runs are superseded by new
	// runs, never resumed.
	ErrRunTerminal = errors.New("run is in a terminal state")

	// ErrTenantNotFound is returned when a referenced tenant doesn't exist.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrRuleNotFound is returned when a referenced rule doesn't exist.
	ErrRuleNotFound = errors.New("bonus rule not found")

	// ErrRuleImmutable is returned when updating a rule already referenced
	// by a completed run; callers must create a new version instead.
	ErrRuleImmutable = errors.New("rule referenced by a completed run is immutable")

	// ErrInvalidRule is the sentinel behind RuleValidationError.
	ErrInvalidRule = errors.New("invalid bonus rule")

	// ErrAmountInput is the sentinel behind AmountError.
	ErrAmountInput = errors.New("invalid amount input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RuleValidationError reports a dimension/operand mismatch on a rule.
type RuleValidationError struct {
	RuleID RuleID
	Field  string
	Reason string
}

func (e *RuleValidationError) Error() string {
	return fmt.Sprintf("invalid rule %s: %s: %s", e.RuleID, e.Field, e.Reason)
}

func (e *RuleValidationError) Unwrap() error { return ErrInvalidRule }

// AmountError reports an input-data problem during amount computation
// (negative sale, negative result). Per-item, never fatal to a run.
type AmountError struct {
	RuleID RuleID
	Reason string
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("amount computation for rule %s: %s", e.RuleID, e.Reason)
}

func (e *AmountError) Unwrap() error { return ErrAmountInput }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidRule) ||
		errors.Is(err, ErrRuleImmutable) ||
		errors.Is(err, ErrRunTerminal)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrTenantNotFound) ||
		errors.Is(err, ErrRuleNotFound)
}
