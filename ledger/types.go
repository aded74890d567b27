/*
Package ledger provides the balance engine for customer and supplier accounts.

PURPOSE:
  An account holder's balance is never stored authoritatively. It is derived
  from an append-only sub-ledger of transactions. The holder record keeps a
  cached summary (pending, advance, current) that the engine maintains
  incrementally and that reconciliation can always rebuild from the ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - Balances: the pending/advance/current triple
  - AccountHolder: customer or supplier with its cached Balances and Version
  - Transaction: an immutable ledger entry (invoices also carry settlement state)
  - PaymentApplication: one payment spread across N invoices plus an unapplied remainder
  - Actor: the caller-supplied identity recorded on every write

DESIGN PRINCIPLES:
  1. Immutability: NetAmount and BalanceImpact never change once posted
  2. Precision: decimal.Decimal for every monetary value
  3. Derived cache: Balances on AccountHolder are only written by this package
  4. Optimistic concurrency: every cache write carries the Version it was computed from

SEE ALSO:
  - calculator.go: full recalculation from the ledger
  - incremental.go: O(1) cache maintenance
  - service.go: transaction creation under one unit of work
  - payment.go: payment application and reversal
  - reconcile.go: drift detection and correction
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tolerance is the monetary tolerance used for every equality check.
var Tolerance = decimal.NewFromFloat(0.01)

// =============================================================================
// MONEY HELPERS
// =============================================================================

// MustParseDecimal parses s, returning zero on malformed input.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// WithinTolerance reports whether a and b differ by at most Tolerance.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type HolderID string
type TransactionID string
type ApplicationID string

// HolderKind distinguishes customers (receivables) from suppliers (payables).
type HolderKind string

const (
	KindCustomer HolderKind = "customer"
	KindSupplier HolderKind = "supplier"
)

func (k HolderKind) IsValid() bool {
	return k == KindCustomer || k == KindSupplier
}

// =============================================================================
// BALANCES
// =============================================================================

// Balances is the cached summary of a holder's ledger.
//
// Pending is what the holder still owes (or is owed, for suppliers).
// Advance is unapplied money held on account. Current is always Pending - Advance.
type Balances struct {
	Pending decimal.Decimal
	Advance decimal.Decimal
	Current decimal.Decimal
}

// NewBalances builds a Balances with Current derived from pending and advance.
func NewBalances(pending, advance decimal.Decimal) Balances {
	return Balances{Pending: pending, Advance: advance, Current: pending.Sub(advance)}
}

// ZeroBalances is the starting state of every holder.
func ZeroBalances() Balances {
	return NewBalances(decimal.Zero, decimal.Zero)
}

// Consistent reports whether Current == Pending - Advance within Tolerance.
func (b Balances) Consistent() bool {
	return WithinTolerance(b.Current, b.Pending.Sub(b.Advance))
}

// IsZero reports whether every component is zero.
func (b Balances) IsZero() bool {
	return b.Pending.IsZero() && b.Advance.IsZero() && b.Current.IsZero()
}

// Equal compares component-wise within Tolerance.
func (b Balances) Equal(other Balances) bool {
	return WithinTolerance(b.Pending, other.Pending) &&
		WithinTolerance(b.Advance, other.Advance) &&
		WithinTolerance(b.Current, other.Current)
}

// Sub returns the component-wise difference b - other.
func (b Balances) Sub(other Balances) Balances {
	return Balances{
		Pending: b.Pending.Sub(other.Pending),
		Advance: b.Advance.Sub(other.Advance),
		Current: b.Current.Sub(other.Current),
	}
}

// =============================================================================
// ACCOUNT HOLDER
// =============================================================================

// AccountHolder is a customer or supplier.
// Balances and Version are derived data owned by this package; callers read them
// but can only change them by posting transactions.
type AccountHolder struct {
	ID       HolderID
	Kind     HolderKind
	Name     string
	Balances Balances
	Version  int64

	BalancesUpdatedAt time.Time
	LastReconciledAt  *time.Time
	CreatedAt         time.Time
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type TransactionType string

const (
	TxInvoice        TransactionType = "invoice"
	TxDebitNote      TransactionType = "debit_note"
	TxPayment        TransactionType = "payment"
	TxRefund         TransactionType = "refund"
	TxCreditNote     TransactionType = "credit_note"
	TxAdjustment     TransactionType = "adjustment"
	TxWriteOff       TransactionType = "write_off"
	TxOpeningBalance TransactionType = "opening_balance"
)

// TransactionTypes lists every supported type in a stable order.
var TransactionTypes = []TransactionType{
	TxInvoice, TxDebitNote, TxPayment, TxRefund,
	TxCreditNote, TxAdjustment, TxWriteOff, TxOpeningBalance,
}

func (t TransactionType) IsValid() bool {
	for _, known := range TransactionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsSigned reports whether the caller supplies the sign of the impact.
func (t TransactionType) IsSigned() bool {
	return t == TxAdjustment || t == TxOpeningBalance
}

type TransactionStatus string

const (
	StatusPosted    TransactionStatus = "posted"
	StatusCancelled TransactionStatus = "cancelled"
	StatusReversed  TransactionStatus = "reversed"
)

type InvoiceStatus string

const (
	InvoiceOpen          InvoiceStatus = "open"
	InvoicePartiallyPaid InvoiceStatus = "partially_paid"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceCancelled     InvoiceStatus = "cancelled"
)

// IsSettled reports whether no further payment can be applied.
func (s InvoiceStatus) IsSettled() bool {
	return s == InvoicePaid || s == InvoiceCancelled
}

// InvoiceStatusFor derives the status from the remaining and net amounts.
func InvoiceStatusFor(net, remaining decimal.Decimal) InvoiceStatus {
	switch {
	case remaining.LessThan(Tolerance):
		return InvoicePaid
	case WithinTolerance(remaining, net):
		return InvoiceOpen
	default:
		return InvoicePartiallyPaid
	}
}

type Transaction struct {
	ID       TransactionID
	Sequence int64 // assigned by the store, orders the ledger
	HolderID HolderID
	Kind     HolderKind

	Type          TransactionType
	NetAmount     decimal.Decimal // always >= 0
	BalanceImpact decimal.Decimal // signed effect on the holder's balance

	TransactionDate time.Time
	DueDate         *time.Time
	Status          TransactionStatus

	BalanceBefore Balances
	BalanceAfter  Balances

	ReferenceID    string
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string

	// Invoice settlement (only meaningful when Type == TxInvoice)
	PaidAmount      decimal.Decimal
	RemainingAmount decimal.Decimal
	InvoiceStatus   InvoiceStatus

	CreatedBy string
	CreatedAt time.Time
}

// IsPosted reports whether the transaction counts towards balances.
func (t Transaction) IsPosted() bool {
	return t.Status == StatusPosted
}

// PostingEffect returns how posting the transaction split between pending and advance.
func (t Transaction) PostingEffect() PostingEffect {
	return PostingEffect{
		PendingReduction: t.BalanceBefore.Pending.Sub(t.BalanceAfter.Pending),
		AdvanceIncrease:  t.BalanceAfter.Advance.Sub(t.BalanceBefore.Advance),
	}
}

// EffectiveDueDate is the due date, falling back to the transaction date.
func (t Transaction) EffectiveDueDate() time.Time {
	if t.DueDate != nil {
		return *t.DueDate
	}
	return t.TransactionDate
}

// =============================================================================
// PAYMENT APPLICATION
// =============================================================================

// ApplicationLine records how much of a payment went to one invoice, and the
// invoice's state just before, for audit and reversal.
type ApplicationLine struct {
	InvoiceID       TransactionID
	AmountApplied   decimal.Decimal
	PaidBefore      decimal.Decimal
	RemainingBefore decimal.Decimal
	StatusBefore    InvoiceStatus
}

type PaymentApplication struct {
	ID        ApplicationID
	Sequence  int64
	HolderID  HolderID
	PaymentID TransactionID
	Lines     []ApplicationLine

	TotalApplied    decimal.Decimal
	UnappliedAmount decimal.Decimal

	// Cache deltas actually written; reversal subtracts exactly these.
	PendingDelta decimal.Decimal
	AdvanceDelta decimal.Decimal

	IsReversed     bool
	AppliedBy      string
	AppliedAt      time.Time
	ReversedBy     string
	ReversedAt     *time.Time
	ReversalReason string
}

// IsActive reports whether the application still affects balances.
func (a PaymentApplication) IsActive() bool {
	return !a.IsReversed
}

// =============================================================================
// ACTOR
// =============================================================================

// Actor is the caller-supplied identity recorded on every write.
type Actor struct {
	ID   string
	Type string // "user", "system", "scheduler"
}

// SystemActor is used for engine-initiated writes.
var SystemActor = Actor{ID: "system", Type: "system"}

func (a Actor) orSystem() Actor {
	if a.ID == "" {
		return SystemActor
	}
	return a
}

// MetaPaymentMethod is the metadata key holding how a payment or refund moved
// money ("cash", "bank", "card"). Journal rules use it to pick the account.
const MetaPaymentMethod = "payment_method"
