/*
handlers.go - HTTP request handlers for the ledger REST API

PURPOSE:
  Implements HTTP handlers for all API endpoints. Each handler:
  1. Parses and validates the request
  2. Calls the ledger engine or a business workflow
  3. Formats and returns the response

HANDLER GROUPS:
  Holders:         CRUD, balance reads, validation, single-holder reconcile
  Transactions:    Create, get, void, journal
  Payments:        Apply, auto-apply (FIFO), reverse application
  Orders:          Sales confirmations, purchase receipts
  Reconciliation:  Batch run, run history

ERROR HANDLING:
  Engine errors are mapped by kind, never by message:
  - not found                         -> 404
  - invalid input                     -> 400
  - business rule, unbalanced ledger  -> 422
  - version conflict, retry exhausted -> 409
  - transient storage                 -> 503
  - anything else                     -> 500

ACTOR:
  The caller identity is read from the X-Actor-ID header. Requests without
  it are recorded as the system actor.

SEE ALSO:
  - server.go: Route definitions
  - dto.go: Request/response types
  - ledger/: Engine operations
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/purchasing"
	"github.com/warp/ledger-engine/sales"
)

// ActorHeader carries the caller identity.
const ActorHeader = "X-Actor-ID"

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Engine     *ledger.Engine
	Sales      *sales.Workflow
	Purchasing *purchasing.Workflow
	Runs       ledger.RunLog
	Scheduler  *ReconciliationScheduler
	Logger     zerolog.Logger
}

// NewHandler creates a handler for engine. runs may be nil, in which case
// the reconciliation endpoints still run batches but keep no history.
func NewHandler(engine *ledger.Engine, runs ledger.RunLog, logger zerolog.Logger) *Handler {
	return &Handler{
		Engine:     engine,
		Sales:      sales.NewWorkflow(engine),
		Purchasing: purchasing.NewWorkflow(engine),
		Runs:       runs,
		Scheduler:  NewReconciliationScheduler(engine, runs, logger),
		Logger:     logger.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// HOLDER HANDLERS
// =============================================================================

// ListHolders returns holders, optionally filtered by kind and paged.
func (h *Handler) ListHolders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.HolderFilter{Kind: ledger.HolderKind(q.Get("kind")), Limit: 100}
	var err error
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset", err)
		return
	}
	if filter.Limit, err = intParam(q.Get("limit"), filter.Limit); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	holders, err := h.Engine.Store.ListHolders(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "Failed to list holders", err)
		return
	}

	dtos := make([]HolderDTO, 0, len(holders))
	for _, hd := range holders {
		dtos = append(dtos, toHolderDTO(hd))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateHolder registers a customer or supplier.
func (h *Handler) CreateHolder(w http.ResponseWriter, r *http.Request) {
	var req CreateHolderRequest
	if !decode(w, r, &req) {
		return
	}

	holder, err := h.Engine.CreateHolder(r.Context(), ledger.CreateHolderInput{
		ID:   ledger.HolderID(req.ID),
		Kind: ledger.HolderKind(req.Kind),
		Name: req.Name,
	})
	if err != nil {
		h.fail(w, r, "Failed to create holder", err)
		return
	}
	writeJSON(w, http.StatusCreated, toHolderDTO(*holder))
}

// GetHolder returns a single holder with its cached balances.
func (h *Handler) GetHolder(w http.ResponseWriter, r *http.Request) {
	holder, err := h.Engine.Store.GetHolder(r.Context(), holderParam(r))
	if err != nil {
		h.fail(w, r, "Failed to get holder", err)
		return
	}
	writeJSON(w, http.StatusOK, toHolderDTO(*holder))
}

// GetBalance serves the cached balance, recalculating when it is older than
// max_staleness (a Go duration, e.g. "15m").
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	var maxStaleness time.Duration
	if raw := r.URL.Query().Get("max_staleness"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid max_staleness (use a duration like 15m)", err)
			return
		}
		maxStaleness = d
	}

	view, err := h.Engine.GetBalance(r.Context(), holderParam(r), maxStaleness)
	if err != nil {
		h.fail(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceViewDTO{
		HolderID:  string(view.HolderID),
		Balances:  toBalancesDTO(view.Balances),
		UpdatedAt: view.UpdatedAt.Format(time.RFC3339),
		Source:    view.Source,
	})
}

// GetLedgerBalance recalculates the balance from the ledger, optionally as of a date.
func (h *Handler) GetLedgerBalance(w http.ResponseWriter, r *http.Request) {
	asOf, err := parseDate("as_of", r.URL.Query().Get("as_of"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of", err)
		return
	}
	if asOf != nil {
		// inclusive of the whole day
		end := asOf.Add(24*time.Hour - time.Nanosecond)
		asOf = &end
	}

	calc, err := h.Engine.CalculateBalanceFromLedger(r.Context(), holderParam(r), asOf)
	if err != nil {
		h.fail(w, r, "Failed to calculate balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toCalculationDTO(*calc))
}

// ValidateBalance compares the cache with the ledger without writing.
func (h *Handler) ValidateBalance(w http.ResponseWriter, r *http.Request) {
	v, err := h.Engine.ValidateBalanceCache(r.Context(), holderParam(r))
	if err != nil {
		h.fail(w, r, "Failed to validate balance", err)
		return
	}
	writeJSON(w, http.StatusOK, CacheValidationDTO{
		HolderID:   string(v.HolderID),
		IsValid:    v.IsValid,
		Consistent: v.Consistent,
		Cached:     toBalancesDTO(v.Cached),
		Calculated: toBalancesDTO(v.Calculated),
		Difference: toBalancesDTO(v.Difference),
	})
}

// ReconcileHolder reconciles one holder. The body is optional; by default
// drift is corrected.
func (h *Handler) ReconcileHolder(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	res, err := h.Engine.ReconcileBalance(r.Context(), holderParam(r), req.options())
	if err != nil {
		h.fail(w, r, "Failed to reconcile holder", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResultDTO(*res))
}

// ListTransactions returns the holder's ledger in sequence order.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id := holderParam(r)
	if _, err := h.Engine.Store.GetHolder(r.Context(), id); err != nil {
		h.fail(w, r, "Failed to get holder", err)
		return
	}
	txs, err := h.Engine.Store.LoadTransactions(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to load transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// CreateTransaction posts a ledger transaction for the holder.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if !decode(w, r, &req) {
		return
	}
	txDate, err := parseDate("transaction_date", req.TransactionDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction_date", err)
		return
	}
	dueDate, err := parseDate("due_date", req.DueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid due_date", err)
		return
	}

	in := ledger.CreateTransactionInput{
		HolderID:       holderParam(r),
		Type:           ledger.TransactionType(req.Type),
		Amount:         req.Amount,
		DueDate:        dueDate,
		ReferenceID:    req.ReferenceID,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	}
	if txDate != nil {
		in.TransactionDate = *txDate
	}

	tx, err := h.Engine.CreateTransaction(r.Context(), in, actorFrom(r))
	if err != nil {
		h.fail(w, r, "Failed to create transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// ListOpenInvoices returns open and partially paid invoices, oldest due first.
func (h *Handler) ListOpenInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.Engine.Store.OpenInvoices(r.Context(), holderParam(r))
	if err != nil {
		h.fail(w, r, "Failed to load open invoices", err)
		return
	}
	ledger.SortInvoicesForAllocation(invoices)
	writeJSON(w, http.StatusOK, toTransactionDTOs(invoices))
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// GetTransaction returns a single ledger row.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Engine.Store.GetTransaction(r.Context(), ledger.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// VoidTransaction cancels or reverses a posted transaction.
func (h *Handler) VoidTransaction(w http.ResponseWriter, r *http.Request) {
	var req VoidRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Status == "" {
		req.Status = string(ledger.StatusCancelled)
	}

	tx, err := h.Engine.VoidTransaction(r.Context(), ledger.VoidInput{
		TransactionID: ledger.TransactionID(chi.URLParam(r, "id")),
		Status:        ledger.TransactionStatus(req.Status),
		Reason:        req.Reason,
	}, actorFrom(r))
	if err != nil {
		h.fail(w, r, "Failed to void transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// GetJournal returns the journal entries booked for a transaction.
func (h *Handler) GetJournal(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))
	if _, err := h.Engine.Store.GetTransaction(r.Context(), id); err != nil {
		h.fail(w, r, "Failed to get transaction", err)
		return
	}
	entries, err := h.Engine.Store.JournalsForTransaction(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to load journal", err)
		return
	}
	dtos := make([]JournalEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toJournalEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ApplyPayment applies a payment to the listed invoices.
func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	var req ApplyPaymentRequest
	if !decode(w, r, &req) {
		return
	}

	in := ledger.ApplyPaymentInput{
		PaymentID: ledger.TransactionID(chi.URLParam(r, "id")),
		HolderID:  ledger.HolderID(req.HolderID),
	}
	for _, a := range req.Applications {
		in.Applications = append(in.Applications, ledger.InvoiceAllocation{
			InvoiceID: ledger.TransactionID(a.InvoiceID),
			Amount:    a.Amount,
		})
	}

	app, err := h.Engine.ApplyPayment(r.Context(), in, actorFrom(r))
	if err != nil {
		h.fail(w, r, "Failed to apply payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toApplicationDTO(*app))
}

// AutoApplyPayment spreads a payment over open invoices, oldest due first.
func (h *Handler) AutoApplyPayment(w http.ResponseWriter, r *http.Request) {
	var req AutoApplyRequest
	if !decode(w, r, &req) {
		return
	}

	app, err := h.Engine.AutoApplyPayment(r.Context(),
		ledger.TransactionID(chi.URLParam(r, "id")), ledger.HolderID(req.HolderID), actorFrom(r))
	if err != nil {
		h.fail(w, r, "Failed to auto-apply payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toApplicationDTO(*app))
}

// ReverseApplication undoes a payment application.
func (h *Handler) ReverseApplication(w http.ResponseWriter, r *http.Request) {
	var req ReverseApplicationRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	app, err := h.Engine.ReverseApplication(r.Context(),
		ledger.ApplicationID(chi.URLParam(r, "id")), actorFrom(r), req.Reason)
	if err != nil {
		h.fail(w, r, "Failed to reverse application", err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationDTO(*app))
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// ConfirmSalesOrder posts a sales order's invoice and any payment collected.
func (h *Handler) ConfirmSalesOrder(w http.ResponseWriter, r *http.Request) {
	var req SalesOrderRequest
	if !decode(w, r, &req) {
		return
	}
	orderDate, err := parseDate("order_date", req.OrderDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order_date", err)
		return
	}
	dueDate, err := parseDate("due_date", req.DueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid due_date", err)
		return
	}

	order := sales.Order{
		CustomerID:    ledger.HolderID(req.CustomerID),
		OrderID:       req.OrderID,
		Total:         req.Total,
		AmountPaid:    req.AmountPaid,
		PaymentMethod: req.PaymentMethod,
		DueDate:       dueDate,
	}
	if orderDate != nil {
		order.OrderDate = *orderDate
	}

	conf, err := h.Sales.ConfirmOrder(r.Context(), order, actorFrom(r))
	if err != nil {
		h.fail(w, r, "Failed to confirm order", err)
		return
	}
	writeJSON(w, http.StatusCreated, OrderResultDTO{
		Invoice:     toTransactionDTOPtr(conf.Invoice),
		Payment:     toTransactionDTOPtr(conf.Payment),
		Application: toApplicationDTOPtr(conf.Application),
	})
}

// ReceivePurchase posts a supplier bill and any payment made on delivery.
func (h *Handler) ReceivePurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseReceiptRequest
	if !decode(w, r, &req) {
		return
	}
	receivedAt, err := parseDate("received_at", req.ReceivedAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid received_at", err)
		return
	}
	dueDate, err := parseDate("due_date", req.DueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid due_date", err)
		return
	}

	receipt := purchasing.Receipt{
		SupplierID:    ledger.HolderID(req.SupplierID),
		PurchaseID:    req.PurchaseID,
		Total:         req.Total,
		AmountPaid:    req.AmountPaid,
		PaymentMethod: req.PaymentMethod,
		DueDate:       dueDate,
	}
	if receivedAt != nil {
		receipt.ReceivedAt = *receivedAt
	}

	res, err := h.Purchasing.ReceivePurchase(r.Context(), receipt, actorFrom(r))
	if err != nil {
		h.fail(w, r, "Failed to receive purchase", err)
		return
	}
	writeJSON(w, http.StatusCreated, OrderResultDTO{
		Invoice:     toTransactionDTOPtr(res.Bill),
		Payment:     toTransactionDTOPtr(res.Payment),
		Application: toApplicationDTOPtr(res.Application),
	})
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// RunReconciliation reconciles every holder (or every holder of one kind) now.
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	var req RunReconciliationRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.Kind != "" && !ledger.HolderKind(req.Kind).IsValid() {
		writeError(w, http.StatusBadRequest, "Invalid kind", nil)
		return
	}

	opts := h.Scheduler.Options
	opts.Kind = ledger.HolderKind(req.Kind)
	opts.Reconcile = req.options()

	run, res, err := h.Scheduler.RunWith(r.Context(), TriggerManual, opts)
	if err != nil {
		h.fail(w, r, "Reconciliation failed", err)
		return
	}

	dto := toRunDTO(*run)
	for _, d := range res.Drifts {
		dto.Drifts = append(dto.Drifts, toReconcileResultDTO(d))
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListReconciliationRuns returns recent batch runs, newest first.
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	if h.Runs == nil {
		writeJSON(w, http.StatusOK, []ReconciliationRunDTO{})
		return
	}

	runs, err := h.Runs.ListReconciliationRuns(r.Context(), limit)
	if err != nil {
		h.fail(w, r, "Failed to list reconciliation runs", err)
		return
	}
	dtos := make([]ReconciliationRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func holderParam(r *http.Request) ledger.HolderID {
	return ledger.HolderID(chi.URLParam(r, "id"))
}

func actorFrom(r *http.Request) ledger.Actor {
	id := r.Header.Get(ActorHeader)
	if id == "" {
		return ledger.SystemActor
	}
	return ledger.Actor{ID: id, Type: "user"}
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, &ledger.ValidationError{Field: "query", Message: "expected a non-negative integer"}
	}
	return v, nil
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptional accepts an empty body and leaves dst untouched.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrRetryExhausted), ledger.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrBusinessRule), errors.Is(err, ledger.ErrUnbalancedLedger):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrTransientStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with the status its kind maps to. Server errors are logged.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg(message)
	}

	resp := ErrorResponse{Error: message, Details: err.Error()}
	var rule *ledger.BusinessRuleError
	if errors.As(err, &rule) {
		resp.Code = rule.Code
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
