package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/store"
)

// =============================================================================
// HOLDERS
// =============================================================================

func TestCreateHolder_StartsAtZero(t *testing.T) {
	env := newTestEngine(t)

	h, err := env.engine.CreateHolder(context.Background(), ledger.CreateHolderInput{Kind: ledger.KindSupplier, Name: "Acme"})

	require.NoError(t, err)
	assert.NotEmpty(t, h.ID, "id is generated when not given")
	assert.True(t, h.Balances.IsZero())
	assert.Equal(t, int64(0), h.Version)
	assert.Equal(t, env.clock.Now(), h.BalancesUpdatedAt)
}

func TestCreateHolder_RejectsUnknownKind(t *testing.T) {
	env := newTestEngine(t)

	_, err := env.engine.CreateHolder(context.Background(), ledger.CreateHolderInput{ID: "x", Kind: "employee"})

	var vErr *ledger.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "kind", vErr.Field)
}

func TestCreateHolder_CannotSeedBalances(t *testing.T) {
	// GIVEN: a holder record that already carries balances
	mem := store.NewMemory()
	h := ledger.AccountHolder{ID: "seeded", Kind: ledger.KindCustomer, Balances: ledger.NewBalances(dec("10"), dec("0"))}

	// WHEN: written straight to the store
	err := mem.CreateHolder(context.Background(), h)

	// THEN: rejected, balances only come from transactions
	assert.ErrorIs(t, err, ledger.ErrDirectCacheWrite)
	assert.ErrorIs(t, err, ledger.ErrBusinessRule)
}

// =============================================================================
// TRANSACTION CREATION
// =============================================================================

func TestCreateTransaction_UpdatesCacheAndSnapshots(t *testing.T) {
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")

	inv := env.post(t, h, ledger.TxInvoice, "100")
	pay := env.post(t, h, ledger.TxPayment, "150")

	assertBalances(t, "0", "0", inv.BalanceBefore)
	assertBalances(t, "100", "0", inv.BalanceAfter)
	assertBalances(t, "100", "0", pay.BalanceBefore)
	assertBalances(t, "0", "50", pay.BalanceAfter)
	assert.Less(t, inv.Sequence, pay.Sequence)
	assert.Equal(t, clerk.ID, pay.CreatedBy)

	cached := env.cached(t, h)
	assertBalances(t, "0", "50", cached.Balances)
	assert.Equal(t, int64(2), cached.Version)
	env.assertCacheMatchesLedger(t, h)
}

func TestCreateTransaction_InvoiceStartsOpen(t *testing.T) {
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")

	inv := env.post(t, h, ledger.TxInvoice, "80")

	assert.Equal(t, ledger.InvoiceOpen, inv.InvoiceStatus)
	assertDecimal(t, "80", inv.RemainingAmount)
	assertDecimal(t, "0", inv.PaidAmount)
	assert.Equal(t, ledger.StatusPosted, inv.Status)
}

func TestCreateTransaction_Validation(t *testing.T) {
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")
	due := day(time.January, 1)

	tests := []struct {
		name  string
		in    ledger.CreateTransactionInput
		field string
	}{
		{"missing holder", ledger.CreateTransactionInput{Type: ledger.TxInvoice, Amount: dec("1")}, "holder_id"},
		{"unknown type", ledger.CreateTransactionInput{HolderID: h, Type: "gift", Amount: dec("1")}, "type"},
		{"zero amount", ledger.CreateTransactionInput{HolderID: h, Type: ledger.TxInvoice, Amount: dec("0")}, "amount"},
		{"negative invoice", ledger.CreateTransactionInput{HolderID: h, Type: ledger.TxInvoice, Amount: dec("-5")}, "amount"},
		{"adjustment without reason", ledger.CreateTransactionInput{HolderID: h, Type: ledger.TxAdjustment, Amount: dec("5")}, "reason"},
		{"write off without reason", ledger.CreateTransactionInput{HolderID: h, Type: ledger.TxWriteOff, Amount: dec("5")}, "reason"},
		{"due before date", ledger.CreateTransactionInput{
			HolderID: h, Type: ledger.TxInvoice, Amount: dec("5"),
			TransactionDate: day(time.February, 1), DueDate: &due,
		}, "due_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.CreateTransaction(context.Background(), tt.in, clerk)

			var vErr *ledger.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
			assert.True(t, ledger.IsClientError(err))
		})
	}

	// Nothing was written
	assert.Equal(t, int64(0), env.cached(t, h).Version)
}

func TestCreateTransaction_UnknownHolder(t *testing.T) {
	env := newTestEngine(t)

	_, err := env.engine.CreateTransaction(context.Background(), ledger.CreateTransactionInput{
		HolderID: "ghost", Type: ledger.TxInvoice, Amount: dec("10"),
	}, clerk)

	var nf *ledger.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "holder", nf.Kind)
}

func TestCreateTransaction_NegativeAdjustmentAndOpeningBalance(t *testing.T) {
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")

	env.post(t, h, ledger.TxOpeningBalance, "-40") // holder starts 40 in credit
	env.post(t, h, ledger.TxInvoice, "25")
	env.post(t, h, ledger.TxAdjustment, "-35")

	// invoice 25 cleared by the adjustment, remaining 10 taken from advance
	assertBalances(t, "0", "30", env.cached(t, h).Balances)
	env.assertCacheMatchesLedger(t, h)
}

func TestCreateTransaction_PublishesEvent(t *testing.T) {
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")

	tx := env.post(t, h, ledger.TxInvoice, "10")

	posted := env.events.OfType(ledger.EventTransactionPosted)
	require.Len(t, posted, 1)
	assert.Equal(t, string(tx.ID), posted[0].AggregateID)
	assert.Equal(t, h, posted[0].HolderID)
	assert.Equal(t, clerk.ID, posted[0].ActorID)
}

func TestCreateTransaction_PublishFailureDoesNotFailWrite(t *testing.T) {
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")
	env.events.FailWith(errors.New("broker down"))

	tx, err := env.engine.CreateTransaction(context.Background(), ledger.CreateTransactionInput{
		HolderID: h, Type: ledger.TxInvoice, Amount: dec("10"),
	}, clerk)

	require.NoError(t, err)
	assert.NotEmpty(t, tx.ID)
	assertBalances(t, "10", "0", env.cached(t, h).Balances)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestCreateTransaction_IdempotentReplay(t *testing.T) {
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")
	in := ledger.CreateTransactionInput{
		HolderID:       h,
		Type:           ledger.TxInvoice,
		Amount:         dec("100"),
		IdempotencyKey: "order-7:invoice",
	}

	first, err := env.engine.CreateTransaction(context.Background(), in, clerk)
	require.NoError(t, err)
	second, err := env.engine.CreateTransaction(context.Background(), in, clerk)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assertBalances(t, "100", "0", env.cached(t, h).Balances)
	txs, err := env.mem.LoadTransactions(context.Background(), h)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Len(t, env.events.OfType(ledger.EventTransactionPosted), 1, "replay publishes nothing")
}

func TestCreateTransaction_IdempotencyKeyReusedForOtherHolder(t *testing.T) {
	env := newTestEngine(t)
	a := env.holder(t, "cust-a")
	b := env.holder(t, "cust-b")

	_, err := env.engine.CreateTransaction(context.Background(), ledger.CreateTransactionInput{
		HolderID: a, Type: ledger.TxInvoice, Amount: dec("10"), IdempotencyKey: "k-1",
	}, clerk)
	require.NoError(t, err)

	_, err = env.engine.CreateTransaction(context.Background(), ledger.CreateTransactionInput{
		HolderID: b, Type: ledger.TxInvoice, Amount: dec("10"), IdempotencyKey: "k-1",
	}, clerk)

	var rule *ledger.BusinessRuleError
	require.ErrorAs(t, err, &rule)
	assert.Equal(t, ledger.RuleHolderMismatch, rule.Code)
	assert.True(t, env.cached(t, b).Balances.IsZero())
}

// =============================================================================
// JOURNAL
// =============================================================================

func TestCreateTransaction_BooksJournalOverride(t *testing.T) {
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")
	entry := ledger.JournalEntry{
		Memo: "manual",
		Lines: []ledger.JournalLine{
			{Account: "1200", Debit: dec("60"), Credit: dec("0")},
			{Account: "4000", Debit: dec("0"), Credit: dec("50")},
			{Account: "2200", Debit: dec("0"), Credit: dec("10")},
		},
	}

	tx, err := env.engine.CreateTransaction(context.Background(), ledger.CreateTransactionInput{
		HolderID: h, Type: ledger.TxInvoice, Amount: dec("60"), ReferenceID: "INV-1", Journal: &entry,
	}, clerk)
	require.NoError(t, err)

	entries, err := env.mem.JournalsForTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, tx.ID, entries[0].TransactionID)
	assert.Equal(t, "INV-1", entries[0].Reference)
	assert.Len(t, entries[0].Lines, 3)
}

func TestCreateTransaction_UnbalancedJournalRollsBack(t *testing.T) {
	// GIVEN: a journal whose debits exceed its credits
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")
	entry := ledger.JournalEntry{Lines: []ledger.JournalLine{
		{Account: "1200", Debit: dec("60"), Credit: dec("0")},
		{Account: "4000", Debit: dec("0"), Credit: dec("59.99")},
	}}

	// WHEN: posting with it
	_, err := env.engine.CreateTransaction(context.Background(), ledger.CreateTransactionInput{
		HolderID: h, Type: ledger.TxInvoice, Amount: dec("60"), Journal: &entry,
	}, clerk)

	// THEN: nothing of the unit of work survives
	assert.ErrorIs(t, err, ledger.ErrUnbalancedJournal)
	txs, lerr := env.mem.LoadTransactions(context.Background(), h)
	require.NoError(t, lerr)
	assert.Empty(t, txs)
	assert.True(t, env.cached(t, h).Balances.IsZero())
}

func TestCreateTransaction_KindRuleBooksJournal(t *testing.T) {
	// GIVEN: a holder kind with a registered rule
	const kind ledger.HolderKind = ledger.KindSupplier
	ledger.RegisterKind(ledger.KindSpec{Kind: kind, Journal: func(tx ledger.Transaction) (*ledger.JournalEntry, error) {
		je := ledger.NewJournalEntry(tx, "5000", "2000", tx.NetAmount, "bill")
		return &je, nil
	}})
	t.Cleanup(func() { ledger.RegisterKind(ledger.KindSpec{Kind: kind}) })

	env := newTestEngine(t)
	h, err := env.engine.CreateHolder(context.Background(), ledger.CreateHolderInput{ID: "sup-1", Kind: kind})
	require.NoError(t, err)

	// WHEN
	tx, err := env.engine.CreateTransaction(context.Background(), ledger.CreateTransactionInput{
		HolderID: h.ID, Type: ledger.TxInvoice, Amount: dec("42"),
	}, clerk)
	require.NoError(t, err)

	// THEN
	entries, err := env.mem.JournalsForTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.Account("5000"), entries[0].Lines[0].Account)
	assertDecimal(t, "42", entries[0].Lines[0].Debit)
	assert.Contains(t, ledger.RegisteredKinds(), kind)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

// racingStore lets a competing writer commit once, after the first unit of
// work has read the holder but before it commits.
type racingStore struct {
	*store.Memory
	race  func()
	once  sync.Once
	calls atomic.Int32
}

func (r *racingStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	r.calls.Add(1)
	return r.Memory.WithTx(ctx, func(st ledger.Store) error {
		if err := fn(st); err != nil {
			return err
		}
		r.once.Do(r.race)
		return nil
	})
}

func newRace(t *testing.T, mem *store.Memory, holderID ledger.HolderID) (*racingStore, *error) {
	var competitorErr error
	competitor := ledger.NewEngine(mem, zerolog.Nop())
	competitor.Retry = ledger.NoRetry
	rs := &racingStore{Memory: mem}
	rs.race = func() {
		_, competitorErr = competitor.CreateTransaction(context.Background(), ledger.CreateTransactionInput{
			HolderID: holderID, Type: ledger.TxInvoice, Amount: dec("50"),
		}, ledger.Actor{ID: "competitor"})
	}
	return rs, &competitorErr
}

func TestCreateTransaction_ConflictIsRetried(t *testing.T) {
	// GIVEN: a competing writer without retry commits between our read and commit
	mem := store.NewMemory()
	setup := ledger.NewEngine(mem, zerolog.Nop())
	h, err := setup.CreateHolder(context.Background(), ledger.CreateHolderInput{ID: "cust-1", Kind: ledger.KindCustomer})
	require.NoError(t, err)

	rs, competitorErr := newRace(t, mem, h.ID)
	engine := ledger.NewEngine(rs, zerolog.Nop())
	engine.Retry = ledger.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}

	// WHEN
	tx, err := engine.CreateTransaction(context.Background(), ledger.CreateTransactionInput{
		HolderID: h.ID, Type: ledger.TxInvoice, Amount: dec("100"),
	}, clerk)

	// THEN: both writes landed, ours on the second attempt
	require.NoError(t, err)
	require.NoError(t, *competitorErr)
	assert.Equal(t, int32(2), rs.calls.Load())
	assertBalances(t, "50", "0", tx.BalanceBefore)

	cached, err := mem.GetHolder(context.Background(), h.ID)
	require.NoError(t, err)
	assertBalances(t, "150", "0", cached.Balances)
	assert.Equal(t, int64(2), cached.Version)

	txs, err := mem.LoadTransactions(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestCreateTransaction_RetryExhausted(t *testing.T) {
	// GIVEN: the same race, but our engine may only try once
	mem := store.NewMemory()
	setup := ledger.NewEngine(mem, zerolog.Nop())
	h, err := setup.CreateHolder(context.Background(), ledger.CreateHolderInput{ID: "cust-1", Kind: ledger.KindCustomer})
	require.NoError(t, err)

	rs, competitorErr := newRace(t, mem, h.ID)
	engine := ledger.NewEngine(rs, zerolog.Nop())
	engine.Retry = ledger.NoRetry

	// WHEN
	_, err = engine.CreateTransaction(context.Background(), ledger.CreateTransactionInput{
		HolderID: h.ID, Type: ledger.TxInvoice, Amount: dec("100"),
	}, clerk)

	// THEN: the conflict surfaces and only the competitor's write exists
	require.NoError(t, *competitorErr)
	var exhausted *ledger.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, exhausted.Attempts)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	assert.False(t, ledger.IsRetryable(err))
	assert.True(t, ledger.IsConflict(err))

	var conflict *ledger.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(0), conflict.ExpectedVersion)
	assert.Equal(t, int64(1), conflict.ActualVersion)

	txs, err := mem.LoadTransactions(context.Background(), h.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assertDecimal(t, "50", txs[0].NetAmount)
}

func TestCreateTransaction_ConcurrentWritersLoseNothing(t *testing.T) {
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")
	const writers = 8
	env.engine.Retry = ledger.RetryPolicy{MaxAttempts: writers + 2, BaseDelay: time.Millisecond}

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.engine.CreateTransaction(context.Background(), ledger.CreateTransactionInput{
				HolderID:    h,
				Type:        ledger.TxInvoice,
				Amount:      dec("10"),
				ReferenceID: fmt.Sprintf("INV-%d", i),
			}, clerk)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	cached := env.cached(t, h)
	assertBalances(t, "80", "0", cached.Balances)
	assert.Equal(t, int64(writers), cached.Version)
	env.assertCacheMatchesLedger(t, h)
}

func TestCreateTransaction_CancelledContextStopsRetry(t *testing.T) {
	mem := store.NewMemory()
	setup := ledger.NewEngine(mem, zerolog.Nop())
	h, err := setup.CreateHolder(context.Background(), ledger.CreateHolderInput{ID: "cust-1", Kind: ledger.KindCustomer})
	require.NoError(t, err)

	rs, _ := newRace(t, mem, h.ID)
	engine := ledger.NewEngine(rs, zerolog.Nop())
	engine.Retry = ledger.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	rs.race = func(inner func()) func() {
		return func() { inner(); cancel() }
	}(rs.race)

	_, err = engine.CreateTransaction(ctx, ledger.CreateTransactionInput{
		HolderID: h.ID, Type: ledger.TxInvoice, Amount: dec("100"),
	}, clerk)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), rs.calls.Load())
}

// =============================================================================
// VOID
// =============================================================================

func TestVoidTransaction_RecomputesCache(t *testing.T) {
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")
	env.post(t, h, ledger.TxInvoice, "100")
	inv := env.post(t, h, ledger.TxInvoice, "40")

	voided, err := env.engine.VoidTransaction(context.Background(), ledger.VoidInput{
		TransactionID: inv.ID, Status: ledger.StatusCancelled, Reason: "duplicate",
	}, clerk)

	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, voided.Status)
	assert.Equal(t, ledger.InvoiceCancelled, voided.InvoiceStatus)
	assertDecimal(t, "40", voided.NetAmount)
	assertBalances(t, "100", "0", env.cached(t, h).Balances)
	env.assertCacheMatchesLedger(t, h)
	assert.Len(t, env.events.OfType(ledger.EventTransactionVoided), 1)
}

func TestVoidTransaction_ReversesJournal(t *testing.T) {
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")
	entry := ledger.JournalEntry{Lines: []ledger.JournalLine{
		{Account: "1200", Debit: dec("30"), Credit: dec("0")},
		{Account: "4000", Debit: dec("0"), Credit: dec("30")},
	}}
	tx, err := env.engine.CreateTransaction(context.Background(), ledger.CreateTransactionInput{
		HolderID: h, Type: ledger.TxInvoice, Amount: dec("30"), Journal: &entry,
	}, clerk)
	require.NoError(t, err)

	_, err = env.engine.VoidTransaction(context.Background(), ledger.VoidInput{
		TransactionID: tx.ID, Status: ledger.StatusReversed, Reason: "wrong customer",
	}, clerk)
	require.NoError(t, err)

	entries, err := env.mem.JournalsForTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	rev := entries[1]
	assertDecimal(t, "30", rev.Lines[0].Credit)
	assertDecimal(t, "30", rev.Lines[1].Debit)
	assert.Contains(t, rev.Memo, "wrong customer")
}

func TestVoidTransaction_Rules(t *testing.T) {
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")
	inv := env.post(t, h, ledger.TxInvoice, "100")
	pay := env.post(t, h, ledger.TxPayment, "60")
	_, err := env.engine.ApplyPayment(context.Background(), ledger.ApplyPaymentInput{
		PaymentID: pay.ID, HolderID: h,
		Applications: []ledger.InvoiceAllocation{{InvoiceID: inv.ID, Amount: dec("60")}},
	}, clerk)
	require.NoError(t, err)

	tests := []struct {
		name string
		id   ledger.TransactionID
		code string
	}{
		{"invoice with payments", inv.ID, ledger.RuleInvoiceHasPayments},
		{"payment with active application", pay.ID, ledger.RulePaymentHasAllocation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.VoidTransaction(context.Background(), ledger.VoidInput{
				TransactionID: tt.id, Status: ledger.StatusCancelled, Reason: "oops",
			}, clerk)

			var rule *ledger.BusinessRuleError
			require.ErrorAs(t, err, &rule)
			assert.Equal(t, tt.code, rule.Code)
		})
	}
}

func TestVoidTransaction_OnlyOnce(t *testing.T) {
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")
	inv := env.post(t, h, ledger.TxDebitNote, "5")
	in := ledger.VoidInput{TransactionID: inv.ID, Status: ledger.StatusCancelled, Reason: "typo"}

	_, err := env.engine.VoidTransaction(context.Background(), in, clerk)
	require.NoError(t, err)
	_, err = env.engine.VoidTransaction(context.Background(), in, clerk)

	var rule *ledger.BusinessRuleError
	require.ErrorAs(t, err, &rule)
	assert.Equal(t, ledger.RuleNotPosted, rule.Code)
}

func TestVoidTransaction_Validation(t *testing.T) {
	env := newTestEngine(t)

	_, err := env.engine.VoidTransaction(context.Background(), ledger.VoidInput{TransactionID: "t", Status: ledger.StatusPosted, Reason: "x"}, clerk)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = env.engine.VoidTransaction(context.Background(), ledger.VoidInput{TransactionID: "t", Status: ledger.StatusCancelled}, clerk)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

// =============================================================================
// CACHE WRITE GUARD
// =============================================================================

func TestWriteBalances_RejectsWritesWithoutGrant(t *testing.T) {
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")

	_, err := env.mem.WriteBalances(context.Background(), ledger.CacheWriteGrant{}, ledger.BalanceWrite{
		HolderID: h, ExpectedVersion: 0, Balances: ledger.NewBalances(dec("999"), dec("0")),
	})

	assert.ErrorIs(t, err, ledger.ErrDirectCacheWrite)
	assert.True(t, ledger.IsClientError(err))
	assert.True(t, env.cached(t, h).Balances.IsZero())
}

func TestRetryPolicy_LinearBackoff(t *testing.T) {
	p := ledger.RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
}
