/*
service.go - Engine and the transaction creation service

PURPOSE:
  Engine is the only writer of cached balances. Every write runs as one
  TxStore.WithTx unit:

    read holder (version N)
      -> compute impact and BalanceAfter (incremental.go)
      -> append ledger row with before/after snapshots
      -> book and validate the journal entry
      -> WriteBalances(expected version N)

  A concurrent writer that committed first makes the cache write fail with
  ConcurrencyConflictError; the whole unit is discarded and retried with
  linear backoff (retry.go). Idempotency keys make the retry and client
  replays return the transaction that already exists.

SEE ALSO:
  - payment.go: ApplyPayment / AutoApplyPayment / ReverseApplication
  - reconcile.go: ReconcileBalance / ReconcileAll / GetBalance
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Engine maintains cached balances for account holders.
type Engine struct {
	Store     TxStore
	Retry     RetryPolicy
	Publisher Publisher
	Logger    zerolog.Logger
	Clock     func() time.Time

	// MaxStaleness is the default cache age accepted by GetBalance.
	MaxStaleness time.Duration
	// DriftThreshold is the default per-component drift tolerance.
	DriftThreshold decimal.Decimal
}

// NewEngine creates an engine with default retry, staleness and drift settings.
func NewEngine(store TxStore, logger zerolog.Logger) *Engine {
	return &Engine{
		Store:          store,
		Retry:          DefaultRetryPolicy,
		Publisher:      NopPublisher{},
		Logger:         logger.With().Str("component", "ledger").Logger(),
		MaxStaleness:   time.Hour,
		DriftThreshold: Tolerance,
	}
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock().UTC()
	}
	return time.Now().UTC()
}

// =============================================================================
// HOLDERS
// =============================================================================

// CreateHolderInput describes a new customer or supplier.
type CreateHolderInput struct {
	ID   HolderID // generated when empty
	Kind HolderKind
	Name string
}

// CreateHolder registers an account holder with zero balances.
func (e *Engine) CreateHolder(ctx context.Context, in CreateHolderInput) (*AccountHolder, error) {
	id := in.ID
	if id == "" {
		id = HolderID(uuid.NewString())
	}
	now := e.now()
	h := AccountHolder{
		ID:                id,
		Kind:              in.Kind,
		Name:              in.Name,
		Balances:          ZeroBalances(),
		BalancesUpdatedAt: now,
		CreatedAt:         now,
	}
	if err := CheckNewHolder(h); err != nil {
		return nil, err
	}
	if err := e.Store.CreateHolder(ctx, h); err != nil {
		return nil, err
	}
	e.Logger.Info().Str("holder_id", string(id)).Str("kind", string(in.Kind)).Msg("holder created")
	return &h, nil
}

// =============================================================================
// TRANSACTION CREATION
// =============================================================================

// CreateTransactionInput is a request to post one ledger transaction.
//
// Amount is the net amount. For adjustment and opening_balance it is signed
// and the sign is the balance impact; for every other type it must be positive.
type CreateTransactionInput struct {
	HolderID        HolderID
	Type            TransactionType
	Amount          decimal.Decimal
	TransactionDate time.Time // defaults to now
	DueDate         *time.Time
	ReferenceID     string
	Reason          string
	IdempotencyKey  string
	Metadata        map[string]string

	// Journal overrides the holder kind's journal rule.
	Journal *JournalEntry
}

func (in CreateTransactionInput) validate() error {
	if in.HolderID == "" {
		return invalid("holder_id", "required")
	}
	if !in.Type.IsValid() {
		return invalid("type", "unknown transaction type %q", in.Type)
	}
	if in.Amount.IsZero() {
		return invalid("amount", "must be non-zero")
	}
	if !in.Type.IsSigned() && in.Amount.IsNegative() {
		return invalid("amount", "%s amount must be positive", in.Type)
	}
	if in.DueDate != nil && !in.TransactionDate.IsZero() && in.DueDate.Before(in.TransactionDate) {
		return invalid("due_date", "before transaction date")
	}
	if (in.Type == TxAdjustment || in.Type == TxWriteOff) && in.Reason == "" {
		return invalid("reason", "required for %s", in.Type)
	}
	return nil
}

// CreateTransaction posts a transaction and updates the holder's cached
// balances in the same unit of work.
func (e *Engine) CreateTransaction(ctx context.Context, in CreateTransactionInput, actor Actor) (*Transaction, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	actor = actor.orSystem()
	if in.TransactionDate.IsZero() {
		in.TransactionDate = e.now()
	}

	var (
		result   *Transaction
		replayed bool
	)
	err := e.retry(ctx, "create_transaction", func(attempt int) error {
		result, replayed = nil, false
		err := e.Store.WithTx(ctx, func(st Store) error {
			if in.IdempotencyKey != "" {
				existing, err := st.FindByIdempotencyKey(ctx, in.IdempotencyKey)
				if err != nil {
					return err
				}
				if existing != nil {
					result, replayed = existing, true
					return nil
				}
			}
			tx, err := e.post(ctx, st, in, actor)
			if err != nil {
				return err
			}
			result = tx
			return nil
		})
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			// Lost the race to a request with the same key.
			existing, ferr := e.Store.FindByIdempotencyKey(ctx, in.IdempotencyKey)
			if ferr != nil {
				return ferr
			}
			if existing != nil {
				result, replayed = existing, true
				return nil
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if replayed {
		if result.HolderID != in.HolderID || result.Type != in.Type {
			return nil, ruleViolation(RuleHolderMismatch,
				"idempotency key %q already used by transaction %s", in.IdempotencyKey, result.ID)
		}
		e.Logger.Debug().Str("transaction_id", string(result.ID)).Msg("idempotent replay")
		return result, nil
	}

	e.Logger.Debug().
		Str("transaction_id", string(result.ID)).
		Str("holder_id", string(result.HolderID)).
		Str("type", string(result.Type)).
		Str("impact", result.BalanceImpact.String()).
		Msg("transaction posted")
	e.publish(ctx, EventTransactionPosted, result.HolderID, string(result.ID), actor, result)
	return result, nil
}

// post runs the posting steps against st. The caller owns the unit of work.
func (e *Engine) post(ctx context.Context, st Store, in CreateTransactionInput, actor Actor) (*Transaction, error) {
	h, err := st.GetHolder(ctx, in.HolderID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	impact := ImpactFor(in.Type, in.Amount)
	before := h.Balances
	after := ApplyTransaction(before, in.Type, impact)

	tx := &Transaction{
		ID:              TransactionID(uuid.NewString()),
		HolderID:        h.ID,
		Kind:            h.Kind,
		Type:            in.Type,
		NetAmount:       in.Amount.Abs(),
		BalanceImpact:   impact,
		TransactionDate: in.TransactionDate,
		DueDate:         in.DueDate,
		Status:          StatusPosted,
		BalanceBefore:   before,
		BalanceAfter:    after,
		ReferenceID:     in.ReferenceID,
		Reason:          in.Reason,
		IdempotencyKey:  in.IdempotencyKey,
		Metadata:        in.Metadata,
		PaidAmount:      decimal.Zero,
		RemainingAmount: decimal.Zero,
		CreatedBy:       actor.ID,
		CreatedAt:       now,
	}
	if tx.Type == TxInvoice {
		tx.RemainingAmount = tx.NetAmount
		tx.InvoiceStatus = InvoiceOpen
	}

	if err := st.AppendTransaction(ctx, tx); err != nil {
		return nil, err
	}
	if err := e.book(ctx, st, *tx, in.Journal); err != nil {
		return nil, err
	}
	if _, err := st.WriteBalances(ctx, grantCacheWrite(), BalanceWrite{
		HolderID:        h.ID,
		ExpectedVersion: h.Version,
		Balances:        after,
		At:              now,
	}); err != nil {
		return nil, err
	}
	return tx, nil
}

// book stores the journal entry for tx: the override when given, otherwise
// whatever the holder kind's rule produces.
func (e *Engine) book(ctx context.Context, st Store, tx Transaction, override *JournalEntry) error {
	var entry *JournalEntry
	if override != nil {
		je := *override
		entry = &je
	} else if spec, ok := LookupKind(tx.Kind); ok && spec.Journal != nil {
		je, err := spec.Journal(tx)
		if err != nil {
			return err
		}
		entry = je
	}
	if entry == nil {
		return nil
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.TransactionID = tx.ID
	if entry.Reference == "" {
		entry.Reference = tx.ReferenceID
	}
	if entry.Date.IsZero() {
		entry.Date = tx.TransactionDate
	}
	entry.CreatedAt = e.now()

	if err := entry.Validate(); err != nil {
		return err
	}
	return st.AppendJournal(ctx, *entry)
}

// =============================================================================
// VOID
// =============================================================================

// VoidInput moves a posted transaction to cancelled or reversed.
type VoidInput struct {
	TransactionID TransactionID
	Status        TransactionStatus // StatusCancelled or StatusReversed
	Reason        string
}

// VoidTransaction takes a posted transaction out of the balance. The row is
// kept; its journal entries get reversing entries and the holder's cache is
// recomputed from the remaining ledger.
//
// Invoices that already received payments and payments with an active
// application must be unwound first.
func (e *Engine) VoidTransaction(ctx context.Context, in VoidInput, actor Actor) (*Transaction, error) {
	if in.Status != StatusCancelled && in.Status != StatusReversed {
		return nil, invalid("status", "must be %s or %s", StatusCancelled, StatusReversed)
	}
	if in.Reason == "" {
		return nil, invalid("reason", "required")
	}
	actor = actor.orSystem()

	var result *Transaction
	err := e.retry(ctx, "void_transaction", func(int) error {
		return e.Store.WithTx(ctx, func(st Store) error {
			tx, err := st.GetTransaction(ctx, in.TransactionID)
			if err != nil {
				return err
			}
			if !tx.IsPosted() {
				return ruleViolation(RuleNotPosted, "transaction %s is %s", tx.ID, tx.Status)
			}
			if tx.Type == TxInvoice && tx.PaidAmount.IsPositive() {
				return ruleViolation(RuleInvoiceHasPayments,
					"invoice %s has %s applied; reverse the applications first", tx.ID, tx.PaidAmount.StringFixed(2))
			}
			if tx.Type == TxPayment {
				apps, err := st.ApplicationsForPayment(ctx, tx.ID)
				if err != nil {
					return err
				}
				for _, a := range apps {
					if a.IsActive() {
						return ruleViolation(RulePaymentHasAllocation,
							"payment %s is applied by %s; reverse it first", tx.ID, a.ID)
					}
				}
			}

			h, err := st.GetHolder(ctx, tx.HolderID)
			if err != nil {
				return err
			}
			if err := st.UpdateTransactionStatus(ctx, tx.ID, in.Status); err != nil {
				return err
			}
			if tx.Type == TxInvoice {
				if err := st.UpdateInvoiceSettlement(ctx, InvoiceSettlement{
					InvoiceID:       tx.ID,
					PaidAmount:      tx.PaidAmount,
					RemainingAmount: tx.RemainingAmount,
					Status:          InvoiceCancelled,
				}); err != nil {
					return err
				}
			}

			entries, err := st.JournalsForTransaction(ctx, tx.ID)
			if err != nil {
				return err
			}
			now := e.now()
			for _, je := range entries {
				rev := je.Reversed("void: "+in.Reason, now)
				rev.CreatedAt = now
				if err := st.AppendJournal(ctx, rev); err != nil {
					return err
				}
			}

			calc, err := calculateFrom(ctx, st, tx.HolderID, nil)
			if err != nil {
				return err
			}
			if _, err := st.WriteBalances(ctx, grantCacheWrite(), BalanceWrite{
				HolderID:        h.ID,
				ExpectedVersion: h.Version,
				Balances:        calc.Balances,
				At:              now,
			}); err != nil {
				return err
			}

			updated, err := st.GetTransaction(ctx, tx.ID)
			if err != nil {
				return err
			}
			result = updated
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info().
		Str("transaction_id", string(result.ID)).
		Str("status", string(result.Status)).
		Str("reason", in.Reason).
		Msg("transaction voided")
	e.publish(ctx, EventTransactionVoided, result.HolderID, string(result.ID), actor, result)
	return result, nil
}
