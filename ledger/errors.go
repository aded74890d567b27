/*
errors.go - Centralized error types for the balance engine

ERROR CATEGORIES:
  1. Concurrency  - version conflicts, retry exhaustion (retryable until the bound)
  2. Business     - rule violations, unbalanced journals (fatal, never retried)
  3. Not found    - missing holder / transaction / application (fatal)
  4. Unbalanced   - sums that fail to reconcile within tolerance (fatal, rolled back)
  5. Storage      - transient storage failures (retryable)

Every structured error unwraps to a sentinel so callers can use errors.Is.
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConcurrentModification is returned when the holder's version changed
	// between read and cache write.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrRetryExhausted is returned after the bounded retries all conflicted.
	ErrRetryExhausted = errors.New("retries exhausted")

	// ErrTransientStorage marks storage failures that may succeed on retry.
	ErrTransientStorage = errors.New("transient storage error")

	// ErrDuplicateIdempotencyKey is returned when a transaction with the same
	// idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrBusinessRule is the parent of every business rule violation.
	ErrBusinessRule = errors.New("business rule violation")

	// ErrDirectCacheWrite is returned when cached balances are written without
	// a grant from this package.
	ErrDirectCacheWrite = errors.New("cached balances can only be written by the ledger engine")

	// ErrUnbalancedJournal is returned when journal debits and credits differ.
	ErrUnbalancedJournal = errors.New("unbalanced journal entry")

	// ErrUnbalancedLedger is returned when computed totals fail to reconcile.
	ErrUnbalancedLedger = errors.New("unbalanced ledger")

	// ErrNotFound is the parent of every missing-record error.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")
)

// Business rule codes.
const (
	RuleInvoiceSettled       = "invoice_settled"
	RulePaymentApplied       = "payment_already_applied"
	RuleHolderMismatch       = "holder_mismatch"
	RuleWrongType            = "wrong_transaction_type"
	RuleNotPosted            = "transaction_not_posted"
	RuleApplicationReversed  = "application_already_reversed"
	RuleInvoiceHasPayments   = "invoice_has_payments"
	RulePaymentHasAllocation = "payment_has_application"
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConcurrencyConflictError reports a failed compare-and-swap on a holder.
type ConcurrencyConflictError struct {
	HolderID        HolderID
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrent modification of holder %s: expected version %d, found %d",
		e.HolderID, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrentModification }

// RetryExhaustedError is surfaced when every attempt failed with a retryable error.
// It unwraps to both ErrRetryExhausted and the last cause.
type RetryExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() []error { return []error{ErrRetryExhausted, e.Err} }

// BusinessRuleError is fatal to the current operation and never retried.
type BusinessRuleError struct {
	Code    string
	Message string
}

func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BusinessRuleError) Unwrap() error { return ErrBusinessRule }

func ruleViolation(code, format string, args ...any) error {
	return &BusinessRuleError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing record.
type NotFoundError struct {
	Kind string // "holder", "transaction", "application"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// UnbalancedLedgerError reports totals that do not reconcile within Tolerance.
type UnbalancedLedgerError struct {
	Context  string
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (e *UnbalancedLedgerError) Error() string {
	return fmt.Sprintf("unbalanced ledger (%s): expected %s, got %s",
		e.Context, e.Expected.StringFixed(2), e.Actual.StringFixed(2))
}

func (e *UnbalancedLedgerError) Unwrap() error { return ErrUnbalancedLedger }

// UnbalancedJournalError reports a journal entry whose debits and credits differ.
type UnbalancedJournalError struct {
	Reference string
	Debits    decimal.Decimal
	Credits   decimal.Decimal
}

func (e *UnbalancedJournalError) Error() string {
	return fmt.Sprintf("journal %s unbalanced: debits %s, credits %s",
		e.Reference, e.Debits.StringFixed(2), e.Credits.StringFixed(2))
}

func (e *UnbalancedJournalError) Unwrap() []error {
	return []error{ErrUnbalancedJournal, ErrBusinessRule}
}

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRetryExhausted) {
		return false
	}
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrTransientStorage)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrBusinessRule) ||
		errors.Is(err, ErrUnbalancedLedger)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true for version conflicts, including exhausted retries.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}
