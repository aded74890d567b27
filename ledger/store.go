/*
store.go - Persistence interface for holders, ledger rows and applications

KEY INTERFACES:
  Store:   reads plus the narrow set of writes the engine needs
  TxStore: Store with WithTx for atomic units of work

APPEND-ONLY CONTRACT:
  Ledger rows are appended, never deleted. The only mutations are:
  - UpdateTransactionStatus: posted -> cancelled/reversed
  - UpdateInvoiceSettlement: paid/remaining/status of an invoice
  NetAmount and BalanceImpact have no update path at all.

CACHE WRITES:
  WriteBalances is the only way to change AccountHolder.Balances. It takes a
  CacheWriteGrant, which only this package can mint, and the version the new
  balances were computed from. Implementations must reject an invalid grant
  with ErrDirectCacheWrite and a stale version with ConcurrencyConflictError.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory with staged commits (tests, dev)
  - store/sqlite/sqlite.go: SQLite
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Store handles persistence for the engine.
type Store interface {
	// CreateHolder inserts a holder. Balances must be zero.
	CreateHolder(ctx context.Context, h AccountHolder) error
	// GetHolder returns NotFoundError when the holder does not exist.
	GetHolder(ctx context.Context, id HolderID) (*AccountHolder, error)
	// ListHolders returns holders ordered by ID.
	ListHolders(ctx context.Context, filter HolderFilter) ([]AccountHolder, error)
	// WriteBalances compare-and-swaps the cached balances and returns the new version.
	WriteBalances(ctx context.Context, grant CacheWriteGrant, w BalanceWrite) (int64, error)

	// AppendTransaction appends a ledger row and assigns its Sequence.
	AppendTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)
	// FindByIdempotencyKey returns nil, nil when the key is unused.
	FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	// LoadTransactions returns every row of a holder ordered by Sequence.
	LoadTransactions(ctx context.Context, holderID HolderID) ([]Transaction, error)
	// OpenInvoices returns posted invoices that are open or partially paid.
	OpenInvoices(ctx context.Context, holderID HolderID) ([]Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id TransactionID, status TransactionStatus) error
	UpdateInvoiceSettlement(ctx context.Context, s InvoiceSettlement) error

	// SaveApplication inserts an application and assigns its Sequence.
	SaveApplication(ctx context.Context, app *PaymentApplication) error
	GetApplication(ctx context.Context, id ApplicationID) (*PaymentApplication, error)
	ApplicationsForPayment(ctx context.Context, paymentID TransactionID) ([]PaymentApplication, error)
	ApplicationsForHolder(ctx context.Context, holderID HolderID) ([]PaymentApplication, error)
	MarkApplicationReversed(ctx context.Context, r ApplicationReversal) error

	AppendJournal(ctx context.Context, entry JournalEntry) error
	JournalsForTransaction(ctx context.Context, id TransactionID) ([]JournalEntry, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a unit of work.
	// If fn returns error, nothing fn wrote is kept.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// HolderFilter pages through holders.
type HolderFilter struct {
	Kind   HolderKind // empty = all kinds
	Offset int
	Limit  int // 0 = no limit
}

// BalanceWrite is one guarded cache write.
type BalanceWrite struct {
	HolderID        HolderID
	ExpectedVersion int64
	Balances        Balances
	At              time.Time
	Reconciled      bool // also stamp LastReconciledAt
}

// InvoiceSettlement is the mutable part of an invoice.
type InvoiceSettlement struct {
	InvoiceID       TransactionID
	PaidAmount      decimal.Decimal
	RemainingAmount decimal.Decimal
	Status          InvoiceStatus
}

// ApplicationReversal marks an application reversed.
type ApplicationReversal struct {
	ApplicationID ApplicationID
	ReversedBy    string
	ReversedAt    time.Time
	Reason        string
}

// =============================================================================
// CACHE WRITE GRANT - capability for WriteBalances
// =============================================================================

// CacheWriteGrant authorizes a cached balance write. The zero value is
// invalid, and only this package can mint a valid one.
type CacheWriteGrant struct {
	issued bool
}

// Valid reports whether the grant was minted by the engine.
func (g CacheWriteGrant) Valid() bool { return g.issued }

func grantCacheWrite() CacheWriteGrant { return CacheWriteGrant{issued: true} }

// CheckGrant is the guard every Store implementation runs first in WriteBalances.
func CheckGrant(g CacheWriteGrant) error {
	if !g.Valid() {
		return fmt.Errorf("%w: %w", ErrBusinessRule, ErrDirectCacheWrite)
	}
	return nil
}

// CheckNewHolder validates a holder about to be created. Balances cannot be
// seeded directly; post an opening_balance transaction instead.
func CheckNewHolder(h AccountHolder) error {
	if h.ID == "" {
		return invalid("id", "required")
	}
	if !h.Kind.IsValid() {
		return invalid("kind", "unknown holder kind %q", h.Kind)
	}
	if !h.Balances.IsZero() || h.Version != 0 {
		return fmt.Errorf("%w: %w", ErrBusinessRule, ErrDirectCacheWrite)
	}
	return nil
}
