// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record in maps guarded by one RWMutex.
//
// WithTx does not hold the lock while the unit of work runs. The unit reads
// and writes a private copy of the state and records each write; commit
// replays the writes against the shared state under the lock. The cache
// write's version check therefore runs at commit time, so two units that
// read the same holder version cannot both commit.
type Memory struct {
	mu  sync.RWMutex
	st  *state
	seq atomic.Int64

	runs []ledger.ReconciliationRun
}

var (
	_ ledger.TxStore = (*Memory)(nil)
	_ ledger.RunLog  = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

func (m *Memory) nextSeq() int64 { return m.seq.Add(1) }

// =============================================================================
// STATE - unlocked record keeping shared by Memory and txView
// =============================================================================

type state struct {
	holders       map[ledger.HolderID]ledger.AccountHolder
	transactions  map[ledger.TransactionID]ledger.Transaction
	byHolder      map[ledger.HolderID][]ledger.TransactionID // sequence order
	idempotency   map[string]ledger.TransactionID
	applications  map[ledger.ApplicationID]ledger.PaymentApplication
	appsByHolder  map[ledger.HolderID][]ledger.ApplicationID
	appsByPayment map[ledger.TransactionID][]ledger.ApplicationID
	journals      map[ledger.TransactionID][]ledger.JournalEntry
}

func newState() *state {
	return &state{
		holders:       make(map[ledger.HolderID]ledger.AccountHolder),
		transactions:  make(map[ledger.TransactionID]ledger.Transaction),
		byHolder:      make(map[ledger.HolderID][]ledger.TransactionID),
		idempotency:   make(map[string]ledger.TransactionID),
		applications:  make(map[ledger.ApplicationID]ledger.PaymentApplication),
		appsByHolder:  make(map[ledger.HolderID][]ledger.ApplicationID),
		appsByPayment: make(map[ledger.TransactionID][]ledger.ApplicationID),
		journals:      make(map[ledger.TransactionID][]ledger.JournalEntry),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.holders {
		c.holders[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.byHolder {
		c.byHolder[k] = append([]ledger.TransactionID(nil), v...)
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.applications {
		c.applications[k] = v
	}
	for k, v := range s.appsByHolder {
		c.appsByHolder[k] = append([]ledger.ApplicationID(nil), v...)
	}
	for k, v := range s.appsByPayment {
		c.appsByPayment[k] = append([]ledger.ApplicationID(nil), v...)
	}
	for k, v := range s.journals {
		c.journals[k] = append([]ledger.JournalEntry(nil), v...)
	}
	return c
}

func (s *state) createHolder(h ledger.AccountHolder) error {
	if _, ok := s.holders[h.ID]; ok {
		return &ledger.ValidationError{Field: "id", Message: fmt.Sprintf("holder %s already exists", h.ID)}
	}
	s.holders[h.ID] = h
	return nil
}

func (s *state) getHolder(id ledger.HolderID) (*ledger.AccountHolder, error) {
	h, ok := s.holders[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "holder", ID: string(id)}
	}
	return &h, nil
}

func (s *state) listHolders(f ledger.HolderFilter) []ledger.AccountHolder {
	out := make([]ledger.AccountHolder, 0, len(s.holders))
	for _, h := range s.holders {
		if f.Kind != "" && h.Kind != f.Kind {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if f.Offset >= len(out) {
		return []ledger.AccountHolder{}
	}
	out = out[f.Offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}

func (s *state) writeBalances(w ledger.BalanceWrite) (int64, error) {
	h, ok := s.holders[w.HolderID]
	if !ok {
		return 0, &ledger.NotFoundError{Kind: "holder", ID: string(w.HolderID)}
	}
	if h.Version != w.ExpectedVersion {
		return 0, &ledger.ConcurrencyConflictError{
			HolderID:        w.HolderID,
			ExpectedVersion: w.ExpectedVersion,
			ActualVersion:   h.Version,
		}
	}
	h.Balances = w.Balances
	h.Version++
	h.BalancesUpdatedAt = w.At
	if w.Reconciled {
		at := w.At
		h.LastReconciledAt = &at
	}
	s.holders[w.HolderID] = h
	return h.Version, nil
}

func (s *state) appendTransaction(tx ledger.Transaction) error {
	if _, ok := s.holders[tx.HolderID]; !ok {
		return &ledger.NotFoundError{Kind: "holder", ID: string(tx.HolderID)}
	}
	if _, ok := s.transactions[tx.ID]; ok {
		return &ledger.ValidationError{Field: "id", Message: fmt.Sprintf("transaction %s already exists", tx.ID)}
	}
	if tx.IdempotencyKey != "" {
		if _, ok := s.idempotency[tx.IdempotencyKey]; ok {
			return ledger.ErrDuplicateIdempotencyKey
		}
		s.idempotency[tx.IdempotencyKey] = tx.ID
	}
	s.transactions[tx.ID] = tx

	ids := s.byHolder[tx.HolderID]
	i := sort.Search(len(ids), func(i int) bool {
		return s.transactions[ids[i]].Sequence > tx.Sequence
	})
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = tx.ID
	s.byHolder[tx.HolderID] = ids
	return nil
}

func (s *state) getTransaction(id ledger.TransactionID) (*ledger.Transaction, error) {
	tx, ok := s.transactions[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "transaction", ID: string(id)}
	}
	return &tx, nil
}

func (s *state) findByIdempotencyKey(key string) *ledger.Transaction {
	id, ok := s.idempotency[key]
	if !ok {
		return nil
	}
	tx := s.transactions[id]
	return &tx
}

func (s *state) loadTransactions(holderID ledger.HolderID) []ledger.Transaction {
	ids := s.byHolder[holderID]
	out := make([]ledger.Transaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.transactions[id])
	}
	return out
}

func (s *state) openInvoices(holderID ledger.HolderID) []ledger.Transaction {
	var out []ledger.Transaction
	for _, id := range s.byHolder[holderID] {
		tx := s.transactions[id]
		if tx.Type == ledger.TxInvoice && tx.IsPosted() && !tx.InvoiceStatus.IsSettled() {
			out = append(out, tx)
		}
	}
	return out
}

func (s *state) updateTransactionStatus(id ledger.TransactionID, status ledger.TransactionStatus) error {
	tx, ok := s.transactions[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "transaction", ID: string(id)}
	}
	if !tx.IsPosted() {
		return &ledger.BusinessRuleError{Code: ledger.RuleNotPosted, Message: fmt.Sprintf("transaction %s is %s", id, tx.Status)}
	}
	tx.Status = status
	s.transactions[id] = tx
	return nil
}

func (s *state) updateInvoiceSettlement(u ledger.InvoiceSettlement) error {
	tx, ok := s.transactions[u.InvoiceID]
	if !ok {
		return &ledger.NotFoundError{Kind: "transaction", ID: string(u.InvoiceID)}
	}
	if tx.Type != ledger.TxInvoice {
		return &ledger.BusinessRuleError{Code: ledger.RuleWrongType, Message: fmt.Sprintf("%s is not an invoice", tx.ID)}
	}
	if u.RemainingAmount.IsNegative() || u.PaidAmount.Add(u.RemainingAmount).Sub(tx.NetAmount).Abs().GreaterThan(ledger.Tolerance) {
		return &ledger.UnbalancedLedgerError{
			Context:  "invoice " + string(tx.ID) + " settlement",
			Expected: tx.NetAmount,
			Actual:   u.PaidAmount.Add(u.RemainingAmount),
		}
	}
	tx.PaidAmount = u.PaidAmount
	tx.RemainingAmount = u.RemainingAmount
	tx.InvoiceStatus = u.Status
	s.transactions[u.InvoiceID] = tx
	return nil
}

func (s *state) saveApplication(app ledger.PaymentApplication) error {
	if _, ok := s.applications[app.ID]; ok {
		return &ledger.ValidationError{Field: "id", Message: fmt.Sprintf("application %s already exists", app.ID)}
	}
	for _, id := range s.appsByPayment[app.PaymentID] {
		if s.applications[id].IsActive() {
			return &ledger.BusinessRuleError{
				Code:    ledger.RulePaymentApplied,
				Message: fmt.Sprintf("payment %s is already applied by %s", app.PaymentID, id),
			}
		}
	}
	s.applications[app.ID] = app
	s.appsByHolder[app.HolderID] = append(s.appsByHolder[app.HolderID], app.ID)
	s.appsByPayment[app.PaymentID] = append(s.appsByPayment[app.PaymentID], app.ID)
	return nil
}

func (s *state) getApplication(id ledger.ApplicationID) (*ledger.PaymentApplication, error) {
	app, ok := s.applications[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "application", ID: string(id)}
	}
	return &app, nil
}

func (s *state) applicationsFor(ids []ledger.ApplicationID) []ledger.PaymentApplication {
	out := make([]ledger.PaymentApplication, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.applications[id])
	}
	return out
}

func (s *state) markApplicationReversed(r ledger.ApplicationReversal) error {
	app, ok := s.applications[r.ApplicationID]
	if !ok {
		return &ledger.NotFoundError{Kind: "application", ID: string(r.ApplicationID)}
	}
	if app.IsReversed {
		return &ledger.BusinessRuleError{
			Code:    ledger.RuleApplicationReversed,
			Message: fmt.Sprintf("application %s already reversed", r.ApplicationID),
		}
	}
	at := r.ReversedAt
	app.IsReversed = true
	app.ReversedBy = r.ReversedBy
	app.ReversedAt = &at
	app.ReversalReason = r.Reason
	s.applications[r.ApplicationID] = app
	return nil
}

func (s *state) appendJournal(e ledger.JournalEntry) error {
	if _, ok := s.transactions[e.TransactionID]; !ok {
		return &ledger.NotFoundError{Kind: "transaction", ID: string(e.TransactionID)}
	}
	s.journals[e.TransactionID] = append(s.journals[e.TransactionID], e)
	return nil
}

// =============================================================================
// MEMORY - locked access to the shared state
// =============================================================================

func (m *Memory) CreateHolder(_ context.Context, h ledger.AccountHolder) error {
	if err := ledger.CheckNewHolder(h); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createHolder(h)
}

func (m *Memory) GetHolder(_ context.Context, id ledger.HolderID) (*ledger.AccountHolder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getHolder(id)
}

func (m *Memory) ListHolders(_ context.Context, f ledger.HolderFilter) ([]ledger.AccountHolder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listHolders(f), nil
}

func (m *Memory) WriteBalances(_ context.Context, grant ledger.CacheWriteGrant, w ledger.BalanceWrite) (int64, error) {
	if err := ledger.CheckGrant(grant); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.writeBalances(w)
}

func (m *Memory) AppendTransaction(_ context.Context, tx *ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx.Sequence = m.nextSeq()
	return m.st.appendTransaction(*tx)
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getTransaction(id)
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.findByIdempotencyKey(key), nil
}

func (m *Memory) LoadTransactions(_ context.Context, holderID ledger.HolderID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.loadTransactions(holderID), nil
}

func (m *Memory) OpenInvoices(_ context.Context, holderID ledger.HolderID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.openInvoices(holderID), nil
}

func (m *Memory) UpdateTransactionStatus(_ context.Context, id ledger.TransactionID, status ledger.TransactionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateTransactionStatus(id, status)
}

func (m *Memory) UpdateInvoiceSettlement(_ context.Context, u ledger.InvoiceSettlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateInvoiceSettlement(u)
}

func (m *Memory) SaveApplication(_ context.Context, app *ledger.PaymentApplication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	app.Sequence = m.nextSeq()
	return m.st.saveApplication(*app)
}

func (m *Memory) GetApplication(_ context.Context, id ledger.ApplicationID) (*ledger.PaymentApplication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getApplication(id)
}

func (m *Memory) ApplicationsForPayment(_ context.Context, paymentID ledger.TransactionID) ([]ledger.PaymentApplication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.applicationsFor(m.st.appsByPayment[paymentID]), nil
}

func (m *Memory) ApplicationsForHolder(_ context.Context, holderID ledger.HolderID) ([]ledger.PaymentApplication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.applicationsFor(m.st.appsByHolder[holderID]), nil
}

func (m *Memory) MarkApplicationReversed(_ context.Context, r ledger.ApplicationReversal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.markApplicationReversed(r)
}

func (m *Memory) AppendJournal(_ context.Context, e ledger.JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.appendJournal(e)
}

func (m *Memory) JournalsForTransaction(_ context.Context, id ledger.TransactionID) ([]ledger.JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ledger.JournalEntry(nil), m.st.journals[id]...), nil
}

// SaveReconciliationRun records a batch summary.
func (m *Memory) SaveReconciliationRun(_ context.Context, run ledger.ReconciliationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

// ListReconciliationRuns returns up to limit runs, newest first.
func (m *Memory) ListReconciliationRuns(_ context.Context, limit int) ([]ledger.ReconciliationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.ReconciliationRun, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		out = append(out, m.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn against a private copy of the state and commits its writes
// atomically. Nothing is kept when fn or the commit fails.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.RLock()
	view := &txView{parent: m, work: m.st.clone()}
	m.mu.RUnlock()

	if err := fn(view); err != nil {
		return err
	}
	return m.commit(view.ops)
}

func (m *Memory) commit(ops []func(*state) error) error {
	if len(ops) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	for _, op := range ops {
		if err := op(m.st); err != nil {
			m.st = snapshot
			return err
		}
	}
	return nil
}

// txView is the Store handed to WithTx callbacks. Reads see the unit's own
// writes; each write is applied to the private copy and queued for commit.
type txView struct {
	parent *Memory
	work   *state
	ops    []func(*state) error
}

func (v *txView) stage(op func(*state) error) error {
	if err := op(v.work); err != nil {
		return err
	}
	v.ops = append(v.ops, op)
	return nil
}

func (v *txView) CreateHolder(_ context.Context, h ledger.AccountHolder) error {
	if err := ledger.CheckNewHolder(h); err != nil {
		return err
	}
	return v.stage(func(s *state) error { return s.createHolder(h) })
}

func (v *txView) GetHolder(_ context.Context, id ledger.HolderID) (*ledger.AccountHolder, error) {
	return v.work.getHolder(id)
}

func (v *txView) ListHolders(_ context.Context, f ledger.HolderFilter) ([]ledger.AccountHolder, error) {
	return v.work.listHolders(f), nil
}

func (v *txView) WriteBalances(_ context.Context, grant ledger.CacheWriteGrant, w ledger.BalanceWrite) (int64, error) {
	if err := ledger.CheckGrant(grant); err != nil {
		return 0, err
	}
	var version int64
	err := v.stage(func(s *state) error {
		n, err := s.writeBalances(w)
		version = n
		return err
	})
	return version, err
}

func (v *txView) AppendTransaction(_ context.Context, tx *ledger.Transaction) error {
	tx.Sequence = v.parent.nextSeq()
	row := *tx
	return v.stage(func(s *state) error { return s.appendTransaction(row) })
}

func (v *txView) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	return v.work.getTransaction(id)
}

func (v *txView) FindByIdempotencyKey(_ context.Context, key string) (*ledger.Transaction, error) {
	return v.work.findByIdempotencyKey(key), nil
}

func (v *txView) LoadTransactions(_ context.Context, holderID ledger.HolderID) ([]ledger.Transaction, error) {
	return v.work.loadTransactions(holderID), nil
}

func (v *txView) OpenInvoices(_ context.Context, holderID ledger.HolderID) ([]ledger.Transaction, error) {
	return v.work.openInvoices(holderID), nil
}

func (v *txView) UpdateTransactionStatus(_ context.Context, id ledger.TransactionID, status ledger.TransactionStatus) error {
	return v.stage(func(s *state) error { return s.updateTransactionStatus(id, status) })
}

func (v *txView) UpdateInvoiceSettlement(_ context.Context, u ledger.InvoiceSettlement) error {
	return v.stage(func(s *state) error { return s.updateInvoiceSettlement(u) })
}

func (v *txView) SaveApplication(_ context.Context, app *ledger.PaymentApplication) error {
	app.Sequence = v.parent.nextSeq()
	row := *app
	return v.stage(func(s *state) error { return s.saveApplication(row) })
}

func (v *txView) GetApplication(_ context.Context, id ledger.ApplicationID) (*ledger.PaymentApplication, error) {
	return v.work.getApplication(id)
}

func (v *txView) ApplicationsForPayment(_ context.Context, paymentID ledger.TransactionID) ([]ledger.PaymentApplication, error) {
	return v.work.applicationsFor(v.work.appsByPayment[paymentID]), nil
}

func (v *txView) ApplicationsForHolder(_ context.Context, holderID ledger.HolderID) ([]ledger.PaymentApplication, error) {
	return v.work.applicationsFor(v.work.appsByHolder[holderID]), nil
}

func (v *txView) MarkApplicationReversed(_ context.Context, r ledger.ApplicationReversal) error {
	return v.stage(func(s *state) error { return s.markApplicationReversed(r) })
}

func (v *txView) AppendJournal(_ context.Context, e ledger.JournalEntry) error {
	return v.stage(func(s *state) error { return s.appendJournal(e) })
}

func (v *txView) JournalsForTransaction(_ context.Context, id ledger.TransactionID) ([]ledger.JournalEntry, error) {
	return append([]ledger.JournalEntry(nil), v.work.journals[id]...), nil
}
