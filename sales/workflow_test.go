package sales_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/store"
	"github.com/warp/ledger-engine/sales"
)

var cashier = ledger.Actor{ID: "cashier-1", Type: "user"}

func dec(s string) decimal.Decimal { return ledger.MustParseDecimal(s) }

func newTestWorkflow(t *testing.T) (*sales.Workflow, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	engine := ledger.NewEngine(mem, zerolog.Nop())
	engine.Retry = ledger.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	_, err := engine.CreateHolder(context.Background(), ledger.CreateHolderInput{ID: "cust-1", Kind: ledger.KindCustomer, Name: "Walk-in"})
	require.NoError(t, err)
	return sales.NewWorkflow(engine), mem
}

func holderBalances(t *testing.T, mem *store.Memory) ledger.Balances {
	t.Helper()
	h, err := mem.GetHolder(context.Background(), "cust-1")
	require.NoError(t, err)
	return h.Balances
}

func TestConfirmOrder_Overpaid(t *testing.T) {
	// GIVEN: an order of 100 paid 150 by card
	wf, mem := newTestWorkflow(t)
	order := sales.Order{
		CustomerID:    "cust-1",
		OrderID:       "SO-1",
		Total:         dec("100"),
		AmountPaid:    dec("150"),
		PaymentMethod: "card",
	}

	// WHEN
	conf, err := wf.ConfirmOrder(context.Background(), order, cashier)

	// THEN: invoice settled, 50 left as advance
	require.NoError(t, err)
	require.NotNil(t, conf.Payment)
	require.NotNil(t, conf.Application)
	assert.True(t, dec("100").Equal(conf.Application.TotalApplied))
	assert.True(t, dec("50").Equal(conf.Application.UnappliedAmount))
	assert.True(t, holderBalances(t, mem).Equal(ledger.NewBalances(dec("0"), dec("50"))))

	inv, err := mem.GetTransaction(context.Background(), conf.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoicePaid, inv.InvoiceStatus)

	// Card payments land in the bank account
	entries, err := mem.JournalsForTransaction(context.Background(), conf.Payment.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, sales.AccountBank, entries[0].Lines[0].Account)
	assert.Equal(t, sales.AccountReceivable, entries[0].Lines[1].Account)
}

func TestConfirmOrder_OnCredit(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	due := time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC)

	conf, err := wf.ConfirmOrder(context.Background(), sales.Order{
		CustomerID: "cust-1",
		OrderID:    "SO-2",
		Total:      dec("80"),
		OrderDate:  time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		DueDate:    &due,
	}, cashier)

	require.NoError(t, err)
	assert.Nil(t, conf.Payment)
	assert.Nil(t, conf.Application)
	assert.Equal(t, "SO-2", conf.Invoice.ReferenceID)
	assert.True(t, holderBalances(t, mem).Equal(ledger.NewBalances(dec("80"), dec("0"))))

	entries, err := mem.JournalsForTransaction(context.Background(), conf.Invoice.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, sales.AccountReceivable, entries[0].Lines[0].Account)
	assert.Equal(t, sales.AccountRevenue, entries[0].Lines[1].Account)
}

func TestConfirmOrder_ReplayDoesNotDoublePost(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	order := sales.Order{CustomerID: "cust-1", OrderID: "SO-3", Total: dec("60"), AmountPaid: dec("20"), PaymentMethod: "cash"}

	first, err := wf.ConfirmOrder(context.Background(), order, cashier)
	require.NoError(t, err)
	second, err := wf.ConfirmOrder(context.Background(), order, cashier)
	require.NoError(t, err)

	assert.Equal(t, first.Invoice.ID, second.Invoice.ID)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	assert.Equal(t, first.Application.ID, second.Application.ID)

	txs, err := mem.LoadTransactions(context.Background(), "cust-1")
	require.NoError(t, err)
	assert.Len(t, txs, 2)
	assert.True(t, holderBalances(t, mem).Equal(ledger.NewBalances(dec("40"), dec("0"))))
}

func TestConfirmOrder_Validation(t *testing.T) {
	wf, _ := newTestWorkflow(t)

	tests := []struct {
		name  string
		order sales.Order
		field string
	}{
		{"no customer", sales.Order{OrderID: "SO", Total: dec("1")}, "customer_id"},
		{"no order id", sales.Order{CustomerID: "cust-1", Total: dec("1")}, "order_id"},
		{"zero total", sales.Order{CustomerID: "cust-1", OrderID: "SO", Total: dec("0")}, "total"},
		{"negative paid", sales.Order{CustomerID: "cust-1", OrderID: "SO", Total: dec("1"), AmountPaid: dec("-1")}, "amount_paid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := wf.ConfirmOrder(context.Background(), tt.order, cashier)

			var vErr *ledger.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestConfirmOrder_UnknownCustomer(t *testing.T) {
	wf, _ := newTestWorkflow(t)

	_, err := wf.ConfirmOrder(context.Background(), sales.Order{CustomerID: "ghost", OrderID: "SO", Total: dec("5")}, cashier)

	assert.True(t, ledger.IsNotFound(err))
	assert.ErrorContains(t, err, "SO")
}

func TestReturnGoods(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	_, err := wf.ConfirmOrder(context.Background(), sales.Order{CustomerID: "cust-1", OrderID: "SO-4", Total: dec("50")}, cashier)
	require.NoError(t, err)

	cn, err := wf.ReturnGoods(context.Background(), "cust-1", "SO-4", dec("15"), "damaged", cashier)

	require.NoError(t, err)
	assert.Equal(t, ledger.TxCreditNote, cn.Type)
	assert.True(t, holderBalances(t, mem).Equal(ledger.NewBalances(dec("35"), dec("0"))))
	entries, err := mem.JournalsForTransaction(context.Background(), cn.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, sales.AccountSalesReturns, entries[0].Lines[0].Account)
}

func TestCustomerJournal_Accounts(t *testing.T) {
	tests := []struct {
		typ           ledger.TransactionType
		impact        string
		meta          map[string]string
		debit, credit ledger.Account
	}{
		{ledger.TxInvoice, "10", nil, sales.AccountReceivable, sales.AccountRevenue},
		{ledger.TxDebitNote, "10", nil, sales.AccountReceivable, sales.AccountRevenue},
		{ledger.TxPayment, "-10", nil, sales.AccountCash, sales.AccountReceivable},
		{ledger.TxPayment, "-10", map[string]string{ledger.MetaPaymentMethod: "transfer"}, sales.AccountBank, sales.AccountReceivable},
		{ledger.TxRefund, "-10", nil, sales.AccountSalesReturns, sales.AccountReceivable},
		{ledger.TxCreditNote, "-10", nil, sales.AccountSalesReturns, sales.AccountReceivable},
		{ledger.TxWriteOff, "-10", nil, sales.AccountBadDebt, sales.AccountReceivable},
		{ledger.TxAdjustment, "10", nil, sales.AccountReceivable, sales.AccountAdjustments},
		{ledger.TxAdjustment, "-10", nil, sales.AccountAdjustments, sales.AccountReceivable},
		{ledger.TxOpeningBalance, "10", nil, sales.AccountReceivable, sales.AccountOpeningBalanceEquity},
		{ledger.TxOpeningBalance, "-10", nil, sales.AccountOpeningBalanceEquity, sales.AccountReceivable},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ)+"/"+tt.impact, func(t *testing.T) {
			tx := ledger.Transaction{
				ID:            "tx",
				Type:          tt.typ,
				NetAmount:     dec("10"),
				BalanceImpact: dec(tt.impact),
				Metadata:      tt.meta,
			}

			entry, err := sales.CustomerJournal(tx)

			require.NoError(t, err)
			require.NoError(t, entry.Validate())
			assert.Equal(t, tt.debit, entry.Lines[0].Account)
			assert.Equal(t, tt.credit, entry.Lines[1].Account)
		})
	}
}
