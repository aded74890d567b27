package purchasing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// Receipt is a goods receipt against a purchase order, optionally paid on delivery.
type Receipt struct {
	SupplierID    ledger.HolderID
	PurchaseID    string
	Total         decimal.Decimal
	AmountPaid    decimal.Decimal
	PaymentMethod string
	ReceivedAt    time.Time
	DueDate       *time.Time
}

func (r Receipt) validate() error {
	switch {
	case r.SupplierID == "":
		return &ledger.ValidationError{Field: "supplier_id", Message: "required"}
	case r.PurchaseID == "":
		return &ledger.ValidationError{Field: "purchase_id", Message: "required"}
	case !r.Total.IsPositive():
		return &ledger.ValidationError{Field: "total", Message: "must be positive"}
	case r.AmountPaid.IsNegative():
		return &ledger.ValidationError{Field: "amount_paid", Message: "must not be negative"}
	}
	return nil
}

// Result lists what a receipt posted.
type Result struct {
	Bill        *ledger.Transaction
	Payment     *ledger.Transaction
	Application *ledger.PaymentApplication
}

// Workflow turns purchasing events into supplier ledger transactions.
type Workflow struct {
	Engine *ledger.Engine
}

func NewWorkflow(engine *ledger.Engine) *Workflow {
	return &Workflow{Engine: engine}
}

// ReceivePurchase posts the supplier bill and, when paid on delivery, the
// payment applied to it. Replays are safe: every step is keyed by PurchaseID.
func (w *Workflow) ReceivePurchase(ctx context.Context, r Receipt, actor ledger.Actor) (*Result, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}

	bill, err := w.Engine.CreateTransaction(ctx, ledger.CreateTransactionInput{
		HolderID:        r.SupplierID,
		Type:            ledger.TxInvoice,
		Amount:          r.Total,
		TransactionDate: r.ReceivedAt,
		DueDate:         r.DueDate,
		ReferenceID:     r.PurchaseID,
		IdempotencyKey:  "purchase:" + r.PurchaseID + ":bill",
	}, actor)
	if err != nil {
		return nil, fmt.Errorf("post bill for purchase %s: %w", r.PurchaseID, err)
	}
	res := &Result{Bill: bill}
	if !r.AmountPaid.IsPositive() {
		return res, nil
	}

	pay, err := w.Engine.CreateTransaction(ctx, ledger.CreateTransactionInput{
		HolderID:        r.SupplierID,
		Type:            ledger.TxPayment,
		Amount:          r.AmountPaid,
		TransactionDate: r.ReceivedAt,
		ReferenceID:     r.PurchaseID,
		IdempotencyKey:  "purchase:" + r.PurchaseID + ":payment",
		Metadata:        map[string]string{ledger.MetaPaymentMethod: r.PaymentMethod},
	}, actor)
	if err != nil {
		return res, fmt.Errorf("post payment for purchase %s: %w", r.PurchaseID, err)
	}
	res.Payment = pay

	apps, err := w.Engine.Store.ApplicationsForPayment(ctx, pay.ID)
	if err != nil {
		return res, err
	}
	for i := range apps {
		if apps[i].IsActive() {
			res.Application = &apps[i]
			return res, nil
		}
	}

	app, err := w.Engine.ApplyPayment(ctx, ledger.ApplyPaymentInput{
		PaymentID:    pay.ID,
		HolderID:     r.SupplierID,
		Applications: []ledger.InvoiceAllocation{{InvoiceID: bill.ID, Amount: pay.NetAmount}},
	}, actor)
	if err != nil {
		return res, fmt.Errorf("apply payment for purchase %s: %w", r.PurchaseID, err)
	}
	res.Application = app
	return res, nil
}

// SettleBills pays a supplier and spreads the payment over open bills,
// oldest due first.
func (w *Workflow) SettleBills(ctx context.Context, supplierID ledger.HolderID, amount decimal.Decimal, method, reference string, actor ledger.Actor) (*ledger.PaymentApplication, error) {
	pay, err := w.Engine.CreateTransaction(ctx, ledger.CreateTransactionInput{
		HolderID:    supplierID,
		Type:        ledger.TxPayment,
		Amount:      amount,
		ReferenceID: reference,
		Metadata:    map[string]string{ledger.MetaPaymentMethod: method},
	}, actor)
	if err != nil {
		return nil, err
	}
	return w.Engine.AutoApplyPayment(ctx, pay.ID, supplierID, actor)
}
