package sales

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// Order is a confirmed sales order as handed over by the point of sale.
type Order struct {
	CustomerID    ledger.HolderID
	OrderID       string
	Total         decimal.Decimal
	AmountPaid    decimal.Decimal // collected at the counter, may be zero or exceed Total
	PaymentMethod string
	OrderDate     time.Time
	DueDate       *time.Time
}

func (o Order) validate() error {
	if o.CustomerID == "" {
		return &ledger.ValidationError{Field: "customer_id", Message: "required"}
	}
	if o.OrderID == "" {
		return &ledger.ValidationError{Field: "order_id", Message: "required"}
	}
	if !o.Total.IsPositive() {
		return &ledger.ValidationError{Field: "total", Message: "must be positive"}
	}
	if o.AmountPaid.IsNegative() {
		return &ledger.ValidationError{Field: "amount_paid", Message: "must not be negative"}
	}
	return nil
}

// Confirmation is what posting an order produced.
type Confirmation struct {
	Invoice     *ledger.Transaction
	Payment     *ledger.Transaction
	Application *ledger.PaymentApplication
}

// Workflow turns sales events into ledger transactions.
type Workflow struct {
	Engine *ledger.Engine
}

func NewWorkflow(engine *ledger.Engine) *Workflow {
	return &Workflow{Engine: engine}
}

// ConfirmOrder posts the order's invoice and, when money was collected, the
// payment applied to that invoice. Any overpayment stays as advance.
//
// Each step carries an idempotency key derived from the order ID, so
// confirming the same order twice does not double-post.
func (w *Workflow) ConfirmOrder(ctx context.Context, o Order, actor ledger.Actor) (*Confirmation, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}

	inv, err := w.Engine.CreateTransaction(ctx, ledger.CreateTransactionInput{
		HolderID:        o.CustomerID,
		Type:            ledger.TxInvoice,
		Amount:          o.Total,
		TransactionDate: o.OrderDate,
		DueDate:         o.DueDate,
		ReferenceID:     o.OrderID,
		IdempotencyKey:  "sale:" + o.OrderID + ":invoice",
	}, actor)
	if err != nil {
		return nil, fmt.Errorf("post invoice for order %s: %w", o.OrderID, err)
	}
	conf := &Confirmation{Invoice: inv}
	if !o.AmountPaid.IsPositive() {
		return conf, nil
	}

	pay, err := w.Engine.CreateTransaction(ctx, ledger.CreateTransactionInput{
		HolderID:        o.CustomerID,
		Type:            ledger.TxPayment,
		Amount:          o.AmountPaid,
		TransactionDate: o.OrderDate,
		ReferenceID:     o.OrderID,
		IdempotencyKey:  "sale:" + o.OrderID + ":payment",
		Metadata:        map[string]string{ledger.MetaPaymentMethod: o.PaymentMethod},
	}, actor)
	if err != nil {
		return conf, fmt.Errorf("post payment for order %s: %w", o.OrderID, err)
	}
	conf.Payment = pay

	app, err := w.applyOnce(ctx, pay, inv, actor)
	if err != nil {
		return conf, fmt.Errorf("apply payment for order %s: %w", o.OrderID, err)
	}
	conf.Application = app
	return conf, nil
}

// applyOnce applies pay to inv unless a replayed confirmation already did.
func (w *Workflow) applyOnce(ctx context.Context, pay, inv *ledger.Transaction, actor ledger.Actor) (*ledger.PaymentApplication, error) {
	apps, err := w.Engine.Store.ApplicationsForPayment(ctx, pay.ID)
	if err != nil {
		return nil, err
	}
	for i := range apps {
		if apps[i].IsActive() {
			return &apps[i], nil
		}
	}
	return w.Engine.ApplyPayment(ctx, ledger.ApplyPaymentInput{
		PaymentID:    pay.ID,
		HolderID:     pay.HolderID,
		Applications: []ledger.InvoiceAllocation{{InvoiceID: inv.ID, Amount: pay.NetAmount}},
	}, actor)
}

// ReturnGoods issues a credit note against an order.
func (w *Workflow) ReturnGoods(ctx context.Context, customerID ledger.HolderID, orderID string, amount decimal.Decimal, reason string, actor ledger.Actor) (*ledger.Transaction, error) {
	return w.Engine.CreateTransaction(ctx, ledger.CreateTransactionInput{
		HolderID:    customerID,
		Type:        ledger.TxCreditNote,
		Amount:      amount,
		ReferenceID: orderID,
		Reason:      reason,
	}, actor)
}
