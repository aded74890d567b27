/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger package's types from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND DATES:
  Amounts are decimal strings ("125.50"); numbers are accepted on input.
  Dates in requests are YYYY-MM-DD, timestamps in responses are RFC3339.

VALIDATION:
  Validation is done by the ledger engine, not in DTOs. Handlers only parse.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// HOLDERS
// =============================================================================

type BalancesDTO struct {
	Pending decimal.Decimal `json:"pending"`
	Advance decimal.Decimal `json:"advance"`
	Current decimal.Decimal `json:"current"`
}

func toBalancesDTO(b ledger.Balances) BalancesDTO {
	return BalancesDTO{Pending: b.Pending, Advance: b.Advance, Current: b.Current}
}

// HolderDTO represents a customer or supplier in API responses.
type HolderDTO struct {
	ID                string      `json:"id"`
	Kind              string      `json:"kind"`
	Name              string      `json:"name"`
	Balances          BalancesDTO `json:"balances"`
	Version           int64       `json:"version"`
	BalancesUpdatedAt string      `json:"balances_updated_at"`
	LastReconciledAt  *string     `json:"last_reconciled_at,omitempty"`
	CreatedAt         string      `json:"created_at"`
}

func toHolderDTO(h ledger.AccountHolder) HolderDTO {
	return HolderDTO{
		ID:                string(h.ID),
		Kind:              string(h.Kind),
		Name:              h.Name,
		Balances:          toBalancesDTO(h.Balances),
		Version:           h.Version,
		BalancesUpdatedAt: h.BalancesUpdatedAt.Format(time.RFC3339),
		LastReconciledAt:  formatTimePtr(h.LastReconciledAt),
		CreatedAt:         h.CreatedAt.Format(time.RFC3339),
	}
}

// CreateHolderRequest is the body of POST /api/holders.
type CreateHolderRequest struct {
	ID   string `json:"id,omitempty"`
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// BalanceViewDTO is the response of GET /api/holders/{id}/balance.
type BalanceViewDTO struct {
	HolderID  string      `json:"holder_id"`
	Balances  BalancesDTO `json:"balances"`
	UpdatedAt string      `json:"updated_at"`
	Source    string      `json:"source"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TransactionDTO represents a ledger row in API responses.
type TransactionDTO struct {
	ID              string            `json:"id"`
	Sequence        int64             `json:"sequence"`
	HolderID        string            `json:"holder_id"`
	Type            string            `json:"type"`
	NetAmount       decimal.Decimal   `json:"net_amount"`
	BalanceImpact   decimal.Decimal   `json:"balance_impact"`
	TransactionDate string            `json:"transaction_date"`
	DueDate         string            `json:"due_date,omitempty"`
	Status          string            `json:"status"`
	BalanceBefore   BalancesDTO       `json:"balance_before"`
	BalanceAfter    BalancesDTO       `json:"balance_after"`
	ReferenceID     string            `json:"reference_id,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	// Invoice only
	PaidAmount      *decimal.Decimal `json:"paid_amount,omitempty"`
	RemainingAmount *decimal.Decimal `json:"remaining_amount,omitempty"`
	InvoiceStatus   string           `json:"invoice_status,omitempty"`

	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at"`
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:              string(tx.ID),
		Sequence:        tx.Sequence,
		HolderID:        string(tx.HolderID),
		Type:            string(tx.Type),
		NetAmount:       tx.NetAmount,
		BalanceImpact:   tx.BalanceImpact,
		TransactionDate: tx.TransactionDate.Format(dateLayout),
		Status:          string(tx.Status),
		BalanceBefore:   toBalancesDTO(tx.BalanceBefore),
		BalanceAfter:    toBalancesDTO(tx.BalanceAfter),
		ReferenceID:     tx.ReferenceID,
		Reason:          tx.Reason,
		IdempotencyKey:  tx.IdempotencyKey,
		Metadata:        tx.Metadata,
		CreatedBy:       tx.CreatedBy,
		CreatedAt:       tx.CreatedAt.Format(time.RFC3339),
	}
	if tx.DueDate != nil {
		dto.DueDate = tx.DueDate.Format(dateLayout)
	}
	if tx.Type == ledger.TxInvoice {
		paid, remaining := tx.PaidAmount, tx.RemainingAmount
		dto.PaidAmount = &paid
		dto.RemainingAmount = &remaining
		dto.InvoiceStatus = string(tx.InvoiceStatus)
	}
	return dto
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		dtos = append(dtos, toTransactionDTO(tx))
	}
	return dtos
}

// CreateTransactionRequest is the body of POST /api/holders/{id}/transactions.
type CreateTransactionRequest struct {
	Type            string            `json:"type"`
	Amount          decimal.Decimal   `json:"amount"`
	TransactionDate string            `json:"transaction_date,omitempty"` // YYYY-MM-DD, default today
	DueDate         string            `json:"due_date,omitempty"`
	ReferenceID     string            `json:"reference_id,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// VoidRequest is the body of POST /api/transactions/{id}/void.
type VoidRequest struct {
	Status string `json:"status"` // cancelled or reversed
	Reason string `json:"reason"`
}

// JournalLineDTO is one debit or credit line.
type JournalLineDTO struct {
	Account string          `json:"account"`
	Debit   decimal.Decimal `json:"debit"`
	Credit  decimal.Decimal `json:"credit"`
}

// JournalEntryDTO represents a journal entry in API responses.
type JournalEntryDTO struct {
	ID            string           `json:"id"`
	TransactionID string           `json:"transaction_id"`
	Reference     string           `json:"reference,omitempty"`
	Date          string           `json:"date"`
	Memo          string           `json:"memo,omitempty"`
	Lines         []JournalLineDTO `json:"lines"`
	CreatedAt     string           `json:"created_at"`
}

func toJournalEntryDTO(e ledger.JournalEntry) JournalEntryDTO {
	dto := JournalEntryDTO{
		ID:            e.ID,
		TransactionID: string(e.TransactionID),
		Reference:     e.Reference,
		Date:          e.Date.Format(dateLayout),
		Memo:          e.Memo,
		Lines:         make([]JournalLineDTO, 0, len(e.Lines)),
		CreatedAt:     e.CreatedAt.Format(time.RFC3339),
	}
	for _, l := range e.Lines {
		dto.Lines = append(dto.Lines, JournalLineDTO{Account: string(l.Account), Debit: l.Debit, Credit: l.Credit})
	}
	return dto
}

// =============================================================================
// PAYMENT APPLICATIONS
// =============================================================================

// AllocationRequest assigns part of a payment to one invoice.
type AllocationRequest struct {
	InvoiceID string          `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// ApplyPaymentRequest is the body of POST /api/payments/{id}/apply.
type ApplyPaymentRequest struct {
	HolderID     string              `json:"holder_id"`
	Applications []AllocationRequest `json:"applications"`
}

// AutoApplyRequest is the body of POST /api/payments/{id}/auto-apply.
type AutoApplyRequest struct {
	HolderID string `json:"holder_id"`
}

// ReverseApplicationRequest is the body of POST /api/applications/{id}/reverse.
type ReverseApplicationRequest struct {
	Reason string `json:"reason"`
}

type ApplicationLineDTO struct {
	InvoiceID       string          `json:"invoice_id"`
	AmountApplied   decimal.Decimal `json:"amount_applied"`
	PaidBefore      decimal.Decimal `json:"paid_before"`
	RemainingBefore decimal.Decimal `json:"remaining_before"`
	StatusBefore    string          `json:"status_before"`
}

// ApplicationDTO represents a payment application in API responses.
type ApplicationDTO struct {
	ID              string               `json:"id"`
	HolderID        string               `json:"holder_id"`
	PaymentID       string               `json:"payment_id"`
	Lines           []ApplicationLineDTO `json:"lines"`
	TotalApplied    decimal.Decimal      `json:"total_applied"`
	UnappliedAmount decimal.Decimal      `json:"unapplied_amount"`
	IsReversed      bool                 `json:"is_reversed"`
	AppliedBy       string               `json:"applied_by"`
	AppliedAt       string               `json:"applied_at"`
	ReversedBy      string               `json:"reversed_by,omitempty"`
	ReversedAt      *string              `json:"reversed_at,omitempty"`
	ReversalReason  string               `json:"reversal_reason,omitempty"`
}

func toApplicationDTO(a ledger.PaymentApplication) ApplicationDTO {
	dto := ApplicationDTO{
		ID:              string(a.ID),
		HolderID:        string(a.HolderID),
		PaymentID:       string(a.PaymentID),
		Lines:           make([]ApplicationLineDTO, 0, len(a.Lines)),
		TotalApplied:    a.TotalApplied,
		UnappliedAmount: a.UnappliedAmount,
		IsReversed:      a.IsReversed,
		AppliedBy:       a.AppliedBy,
		AppliedAt:       a.AppliedAt.Format(time.RFC3339),
		ReversedBy:      a.ReversedBy,
		ReversedAt:      formatTimePtr(a.ReversedAt),
		ReversalReason:  a.ReversalReason,
	}
	for _, l := range a.Lines {
		dto.Lines = append(dto.Lines, ApplicationLineDTO{
			InvoiceID:       string(l.InvoiceID),
			AmountApplied:   l.AmountApplied,
			PaidBefore:      l.PaidBefore,
			RemainingBefore: l.RemainingBefore,
			StatusBefore:    string(l.StatusBefore),
		})
	}
	return dto
}

func toApplicationDTOPtr(a *ledger.PaymentApplication) *ApplicationDTO {
	if a == nil {
		return nil
	}
	dto := toApplicationDTO(*a)
	return &dto
}

func toTransactionDTOPtr(tx *ledger.Transaction) *TransactionDTO {
	if tx == nil {
		return nil
	}
	dto := toTransactionDTO(*tx)
	return &dto
}

// =============================================================================
// ORDERS
// =============================================================================

// SalesOrderRequest is the body of POST /api/orders/sales.
type SalesOrderRequest struct {
	CustomerID    string          `json:"customer_id"`
	OrderID       string          `json:"order_id"`
	Total         decimal.Decimal `json:"total"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	OrderDate     string          `json:"order_date,omitempty"`
	DueDate       string          `json:"due_date,omitempty"`
}

// PurchaseReceiptRequest is the body of POST /api/orders/purchases.
type PurchaseReceiptRequest struct {
	SupplierID    string          `json:"supplier_id"`
	PurchaseID    string          `json:"purchase_id"`
	Total         decimal.Decimal `json:"total"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	ReceivedAt    string          `json:"received_at,omitempty"`
	DueDate       string          `json:"due_date,omitempty"`
}

// OrderResultDTO is what an order or receipt posted.
type OrderResultDTO struct {
	Invoice     *TransactionDTO `json:"invoice"`
	Payment     *TransactionDTO `json:"payment,omitempty"`
	Application *ApplicationDTO `json:"application,omitempty"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type BreakdownDTO struct {
	Invoiced       decimal.Decimal `json:"invoiced"`
	DebitNotes     decimal.Decimal `json:"debit_notes"`
	Payments       decimal.Decimal `json:"payments"`
	Refunds        decimal.Decimal `json:"refunds"`
	CreditNotes    decimal.Decimal `json:"credit_notes"`
	WriteOffs      decimal.Decimal `json:"write_offs"`
	Adjustments    decimal.Decimal `json:"adjustments"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	Unapplied      decimal.Decimal `json:"unapplied"`
	Discarded      decimal.Decimal `json:"discarded"`
}

// CalculationDTO is a full ledger recalculation.
type CalculationDTO struct {
	HolderID            string       `json:"holder_id"`
	Balances            BalancesDTO  `json:"balances"`
	TransactionCount    int          `json:"transaction_count"`
	LastTransactionDate string       `json:"last_transaction_date,omitempty"`
	Breakdown           BreakdownDTO `json:"breakdown"`
	AsOf                string       `json:"as_of,omitempty"`
}

func toCalculationDTO(c ledger.BalanceCalculation) CalculationDTO {
	b := c.Breakdown
	dto := CalculationDTO{
		HolderID:         string(c.HolderID),
		Balances:         toBalancesDTO(c.Balances),
		TransactionCount: c.TransactionCount,
		Breakdown: BreakdownDTO{
			Invoiced:       b.Invoiced,
			DebitNotes:     b.DebitNotes,
			Payments:       b.Payments,
			Refunds:        b.Refunds,
			CreditNotes:    b.CreditNotes,
			WriteOffs:      b.WriteOffs,
			Adjustments:    b.Adjustments,
			OpeningBalance: b.OpeningBalance,
			Unapplied:      b.Unapplied,
			Discarded:      b.Discarded,
		},
	}
	if c.LastTransactionDate != nil {
		dto.LastTransactionDate = c.LastTransactionDate.Format(dateLayout)
	}
	if c.AsOf != nil {
		dto.AsOf = c.AsOf.Format(dateLayout)
	}
	return dto
}

// CacheValidationDTO is the response of GET /api/holders/{id}/balance/validate.
type CacheValidationDTO struct {
	HolderID   string      `json:"holder_id"`
	IsValid    bool        `json:"is_valid"`
	Consistent bool        `json:"consistent"`
	Cached     BalancesDTO `json:"cached"`
	Calculated BalancesDTO `json:"calculated"`
	Difference BalancesDTO `json:"difference"`
}

// ReconcileRequest is the optional body of POST /api/holders/{id}/reconcile.
type ReconcileRequest struct {
	AutoCorrect    *bool            `json:"auto_correct,omitempty"` // default true
	AlertOnDrift   bool             `json:"alert_on_drift"`
	DriftThreshold *decimal.Decimal `json:"drift_threshold,omitempty"`
}

func (r ReconcileRequest) options() ledger.ReconcileOptions {
	opts := ledger.ReconcileOptions{
		AutoCorrect:    true,
		AlertOnDrift:   r.AlertOnDrift,
		DriftThreshold: r.DriftThreshold,
	}
	if r.AutoCorrect != nil {
		opts.AutoCorrect = *r.AutoCorrect
	}
	return opts
}

// ReconcileResultDTO represents one holder's reconciliation.
type ReconcileResultDTO struct {
	HolderID    string      `json:"holder_id"`
	Cached      BalancesDTO `json:"cached"`
	Calculated  BalancesDTO `json:"calculated"`
	Difference  BalancesDTO `json:"difference"`
	HasDrift    bool        `json:"has_drift"`
	Corrected   bool        `json:"corrected"`
	CorrectedAt *string     `json:"corrected_at,omitempty"`
}

func toReconcileResultDTO(r ledger.ReconcileResult) ReconcileResultDTO {
	return ReconcileResultDTO{
		HolderID:    string(r.HolderID),
		Cached:      toBalancesDTO(r.Cached),
		Calculated:  toBalancesDTO(r.Calculated),
		Difference:  toBalancesDTO(r.Difference),
		HasDrift:    r.HasDrift,
		Corrected:   r.Corrected,
		CorrectedAt: formatTimePtr(r.CorrectedAt),
	}
}

// RunReconciliationRequest is the optional body of POST /api/reconciliation/run.
type RunReconciliationRequest struct {
	Kind string `json:"kind,omitempty"`
	ReconcileRequest
}

// ReconciliationRunDTO represents a persisted batch summary.
type ReconciliationRunDTO struct {
	ID         string               `json:"id"`
	Trigger    string               `json:"trigger"`
	StartedAt  string               `json:"started_at"`
	FinishedAt string               `json:"finished_at"`
	Checked    int                  `json:"checked"`
	Drifted    int                  `json:"drifted"`
	Corrected  int                  `json:"corrected"`
	Failed     int                  `json:"failed"`
	Errors     []string             `json:"errors,omitempty"`
	Drifts     []ReconcileResultDTO `json:"drifts,omitempty"`
}

func toRunDTO(run ledger.ReconciliationRun) ReconciliationRunDTO {
	return ReconciliationRunDTO{
		ID:         run.ID,
		Trigger:    run.Trigger,
		StartedAt:  run.StartedAt.Format(time.RFC3339),
		FinishedAt: run.FinishedAt.Format(time.RFC3339),
		Checked:    run.Checked,
		Drifted:    run.Drifted,
		Corrected:  run.Corrected,
		Failed:     run.Failed,
		Errors:     run.Errors,
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// HELPERS
// =============================================================================

const dateLayout = "2006-01-02"

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// parseDate parses an optional YYYY-MM-DD value.
func parseDate(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, &ledger.ValidationError{Field: field, Message: "use YYYY-MM-DD"}
	}
	return &t, nil
}
