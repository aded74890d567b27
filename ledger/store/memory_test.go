package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
)

func newTestMemory(t *testing.T, holders ...ledger.HolderID) *Memory {
	t.Helper()
	m := NewMemory()
	for _, id := range holders {
		require.NoError(t, m.CreateHolder(context.Background(), ledger.AccountHolder{
			ID: id, Kind: ledger.KindCustomer, Balances: ledger.ZeroBalances(),
		}))
	}
	return m
}

func invoiceRow(id ledger.TransactionID, holder ledger.HolderID, amount string) *ledger.Transaction {
	a := ledger.MustParseDecimal(amount)
	return &ledger.Transaction{
		ID:              id,
		HolderID:        holder,
		Type:            ledger.TxInvoice,
		NetAmount:       a,
		BalanceImpact:   a,
		Status:          ledger.StatusPosted,
		RemainingAmount: a,
		InvoiceStatus:   ledger.InvoiceOpen,
	}
}

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	m := newTestMemory(t, "h-1")
	boom := errors.New("boom")

	err := m.WithTx(context.Background(), func(st ledger.Store) error {
		require.NoError(t, st.AppendTransaction(context.Background(), invoiceRow("tx-1", "h-1", "10")))

		// The unit sees its own write
		txs, err := st.LoadTransactions(context.Background(), "h-1")
		require.NoError(t, err)
		assert.Len(t, txs, 1)
		return boom
	})

	assert.ErrorIs(t, err, boom)
	txs, err := m.LoadTransactions(context.Background(), "h-1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestMemory_WithTxIsolatesUncommittedWrites(t *testing.T) {
	m := newTestMemory(t, "h-1")

	err := m.WithTx(context.Background(), func(st ledger.Store) error {
		if err := st.AppendTransaction(context.Background(), invoiceRow("tx-1", "h-1", "10")); err != nil {
			return err
		}
		_, err := m.GetTransaction(context.Background(), "tx-1")
		assert.True(t, ledger.IsNotFound(err), "not visible before commit")
		return nil
	})
	require.NoError(t, err)

	_, err = m.GetTransaction(context.Background(), "tx-1")
	assert.NoError(t, err)
}

func balanceOp(holder ledger.HolderID, expected int64, pending string) func(*state) error {
	return func(s *state) error {
		_, err := s.writeBalances(ledger.BalanceWrite{
			HolderID:        holder,
			ExpectedVersion: expected,
			Balances:        ledger.NewBalances(ledger.MustParseDecimal(pending), ledger.MustParseDecimal("0")),
		})
		return err
	}
}

func TestMemory_CommitChecksVersion(t *testing.T) {
	m := newTestMemory(t, "h-1")

	// Two units computed from version 0; the first to commit wins
	require.NoError(t, m.commit([]func(*state) error{balanceOp("h-1", 0, "5")}))
	err := m.commit([]func(*state) error{balanceOp("h-1", 0, "10")})

	var conflict *ledger.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(0), conflict.ExpectedVersion)
	assert.Equal(t, int64(1), conflict.ActualVersion)

	h, err := m.GetHolder(context.Background(), "h-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.Version)
	assert.True(t, ledger.MustParseDecimal("5").Equal(h.Balances.Pending))
}

func TestMemory_FailedCommitRestoresState(t *testing.T) {
	m := newTestMemory(t, "h-1")
	row := *invoiceRow("tx-1", "h-1", "10")

	err := m.commit([]func(*state) error{
		func(s *state) error { return s.appendTransaction(row) },
		balanceOp("h-1", 7, "10"),
	})

	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	_, err = m.GetTransaction(context.Background(), "tx-1")
	assert.True(t, ledger.IsNotFound(err))
}

func TestMemory_WriteBalancesNeedsGrant(t *testing.T) {
	m := newTestMemory(t, "h-1")

	_, err := m.WriteBalances(context.Background(), ledger.CacheWriteGrant{}, ledger.BalanceWrite{HolderID: "h-1"})

	assert.ErrorIs(t, err, ledger.ErrDirectCacheWrite)
}

func TestMemory_DuplicateIdempotencyKey(t *testing.T) {
	m := newTestMemory(t, "h-1")
	first := invoiceRow("tx-1", "h-1", "10")
	first.IdempotencyKey = "k"
	second := invoiceRow("tx-2", "h-1", "10")
	second.IdempotencyKey = "k"

	require.NoError(t, m.AppendTransaction(context.Background(), first))
	err := m.AppendTransaction(context.Background(), second)

	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
	found, err := m.FindByIdempotencyKey(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionID("tx-1"), found.ID)
}

func TestMemory_LoadTransactionsInSequenceOrder(t *testing.T) {
	m := newTestMemory(t, "h-1")
	ctx := context.Background()

	a, b := invoiceRow("a", "h-1", "1"), invoiceRow("b", "h-1", "2")
	// b is staged first but committed second
	err := m.WithTx(ctx, func(st ledger.Store) error {
		if err := st.AppendTransaction(ctx, b); err != nil {
			return err
		}
		return m.AppendTransaction(ctx, a)
	})
	require.NoError(t, err)

	txs, err := m.LoadTransactions(ctx, "h-1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.TransactionID("b"), txs[0].ID)
	assert.Less(t, txs[0].Sequence, txs[1].Sequence)
}

func TestMemory_InvoiceSettlementMustBalance(t *testing.T) {
	m := newTestMemory(t, "h-1")
	require.NoError(t, m.AppendTransaction(context.Background(), invoiceRow("inv", "h-1", "100")))

	err := m.UpdateInvoiceSettlement(context.Background(), ledger.InvoiceSettlement{
		InvoiceID:       "inv",
		PaidAmount:      ledger.MustParseDecimal("60"),
		RemainingAmount: ledger.MustParseDecimal("50"),
		Status:          ledger.InvoicePartiallyPaid,
	})

	assert.ErrorIs(t, err, ledger.ErrUnbalancedLedger)
}

func TestMemory_OneActiveApplicationPerPayment(t *testing.T) {
	m := newTestMemory(t, "h-1")
	ctx := context.Background()

	require.NoError(t, m.SaveApplication(ctx, &ledger.PaymentApplication{ID: "a1", HolderID: "h-1", PaymentID: "p"}))
	err := m.SaveApplication(ctx, &ledger.PaymentApplication{ID: "a2", HolderID: "h-1", PaymentID: "p"})

	var rule *ledger.BusinessRuleError
	require.ErrorAs(t, err, &rule)
	assert.Equal(t, ledger.RulePaymentApplied, rule.Code)

	require.NoError(t, m.MarkApplicationReversed(ctx, ledger.ApplicationReversal{ApplicationID: "a1", ReversedAt: time.Now()}))
	assert.NoError(t, m.SaveApplication(ctx, &ledger.PaymentApplication{ID: "a2", HolderID: "h-1", PaymentID: "p"}))
}

func TestMemory_ListHoldersPages(t *testing.T) {
	m := newTestMemory(t, "c", "a", "b")

	page, err := m.ListHolders(context.Background(), ledger.HolderFilter{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ledger.HolderID("b"), page[0].ID)

	page, err = m.ListHolders(context.Background(), ledger.HolderFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestMemory_ReconciliationRunsNewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, m.SaveReconciliationRun(ctx, ledger.ReconciliationRun{ID: id}))
	}

	runs, err := m.ListReconciliationRuns(ctx, 2)

	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r3", runs[0].ID)
	assert.Equal(t, "r2", runs[1].ID)
}
