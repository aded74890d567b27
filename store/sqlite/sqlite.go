/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists account holders, the transaction ledger, payment applications,
  journal entries and reconciliation runs. In production, the same patterns
  apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  ledger.TxStore: holders, ledger rows, applications, journal
  ledger.RunLog:  reconciliation run summaries

APPEND-ONLY ENFORCEMENT:
  - Triggers abort any DELETE on ledger_transactions and any UPDATE of
    net_amount / balance_impact
  - Status moves only from 'posted' (UPDATE ... WHERE status = 'posted')
  - Cached balances change only through WriteBalances:
      UPDATE account_holders ... WHERE id = ? AND version = ?
    zero rows affected means another writer got there first

KEY TABLES:
  account_holders:      cached balances + version
  ledger_transactions:  append-only ledger, invoice settlement columns
  payment_applications: one row per application, lines as JSON
  journal_entries:      double-entry rows per ledger transaction
  reconciliation_runs:  batch summaries
  counters:             ledger sequence

INDEXES:
  - idx_ledger_holder_seq:       balance calculation (hot path)
  - idx_ledger_open_invoices:    auto-apply candidate scan
  - idx_applications_active:     at most one active application per payment

CONCURRENCY:
  One connection (SetMaxOpenConns(1)), so units of work are serialized by
  database/sql. SQLITE_BUSY / SQLITE_LOCKED surface as
  ledger.ErrTransientStorage and are retried by the engine.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store, logger)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

const seqCounter = "ledger_seq"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
}

var (
	_ ledger.TxStore = (*Store)(nil)
	_ ledger.RunLog  = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// :memory: databases are per-connection; one connection also serializes writers.
	db.SetMaxOpenConns(1)

	store := &Store{queries: &queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Account holders with their cached balances
	CREATE TABLE IF NOT EXISTS account_holders (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		pending TEXT NOT NULL DEFAULT '0',
		advance TEXT NOT NULL DEFAULT '0',
		current TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 0,
		balances_updated_at TEXT NOT NULL,
		last_reconciled_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_holders_kind
		ON account_holders(kind, id);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_transactions (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL UNIQUE,
		holder_id TEXT NOT NULL REFERENCES account_holders(id),
		holder_kind TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		net_amount TEXT NOT NULL,
		balance_impact TEXT NOT NULL,
		transaction_date TEXT NOT NULL,
		due_date TEXT,
		status TEXT NOT NULL DEFAULT 'posted',
		before_pending TEXT NOT NULL,
		before_advance TEXT NOT NULL,
		after_pending TEXT NOT NULL,
		after_advance TEXT NOT NULL,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		paid_amount TEXT NOT NULL DEFAULT '0',
		remaining_amount TEXT NOT NULL DEFAULT '0',
		invoice_status TEXT,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_holder_seq
		ON ledger_transactions(holder_id, seq);
	CREATE INDEX IF NOT EXISTS idx_ledger_open_invoices
		ON ledger_transactions(holder_id, due_date)
		WHERE tx_type = 'invoice' AND status = 'posted'
		  AND invoice_status IN ('open', 'partially_paid');
	CREATE INDEX IF NOT EXISTS idx_ledger_reference
		ON ledger_transactions(reference_id) WHERE reference_id IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS trg_ledger_no_delete
		BEFORE DELETE ON ledger_transactions
	BEGIN
		SELECT RAISE(ABORT, 'ledger rows are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_ledger_immutable_amounts
		BEFORE UPDATE OF net_amount, balance_impact, holder_id, tx_type ON ledger_transactions
	BEGIN
		SELECT RAISE(ABORT, 'posted amounts are immutable');
	END;

	-- Payment applications
	CREATE TABLE IF NOT EXISTS payment_applications (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL UNIQUE,
		holder_id TEXT NOT NULL REFERENCES account_holders(id),
		payment_id TEXT NOT NULL REFERENCES ledger_transactions(id),
		lines_json TEXT NOT NULL,
		total_applied TEXT NOT NULL,
		unapplied_amount TEXT NOT NULL,
		pending_delta TEXT NOT NULL,
		advance_delta TEXT NOT NULL,
		is_reversed INTEGER NOT NULL DEFAULT 0,
		applied_by TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		reversed_by TEXT,
		reversed_at TEXT,
		reversal_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_applications_holder
		ON payment_applications(holder_id, seq);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_applications_active
		ON payment_applications(payment_id) WHERE is_reversed = 0;

	-- Journal
	CREATE TABLE IF NOT EXISTS journal_entries (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES ledger_transactions(id),
		reference TEXT,
		entry_date TEXT NOT NULL,
		memo TEXT,
		lines_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_journal_transaction
		ON journal_entries(transaction_id, created_at);

	-- Reconciliation Runs (for scheduled reconciliation)
	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		trigger_name TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		checked INTEGER NOT NULL DEFAULT 0,
		drifted INTEGER NOT NULL DEFAULT 0,
		corrected INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		errors_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_started
		ON reconciliation_runs(started_at DESC);

	-- Sequence counters
	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO counters (name, value) VALUES ('ledger_seq', 0);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapErr("commit", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements ledger.Store on top of a querier. Store uses the
// database handle; WithTx hands out one bound to the SQL transaction.
type queries struct {
	q querier
}

type scanner interface {
	Scan(dest ...any) error
}

func (qs *queries) nextSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.q.QueryRowContext(ctx,
		"UPDATE counters SET value = value + 1 WHERE name = ? RETURNING value", seqCounter,
	).Scan(&seq)
	if err != nil {
		return 0, mapErr("allocate sequence", err)
	}
	return seq, nil
}

// =============================================================================
// ACCOUNT HOLDERS
// =============================================================================

const holderColumns = `id, kind, name, pending, advance, current, version,
	balances_updated_at, last_reconciled_at, created_at`

func (qs *queries) CreateHolder(ctx context.Context, h ledger.AccountHolder) error {
	if err := ledger.CheckNewHolder(h); err != nil {
		return err
	}
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO account_holders (`+holderColumns+`)
		VALUES (?, ?, ?, '0', '0', '0', 0, ?, NULL, ?)`,
		h.ID, h.Kind, h.Name, formatTime(h.BalancesUpdatedAt), formatTime(h.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &ledger.ValidationError{Field: "id", Message: fmt.Sprintf("holder %s already exists", h.ID)}
		}
		return mapErr("create holder", err)
	}
	return nil
}

func (qs *queries) GetHolder(ctx context.Context, id ledger.HolderID) (*ledger.AccountHolder, error) {
	row := qs.q.QueryRowContext(ctx, "SELECT "+holderColumns+" FROM account_holders WHERE id = ?", id)
	h, err := scanHolder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: "holder", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (qs *queries) ListHolders(ctx context.Context, f ledger.HolderFilter) ([]ledger.AccountHolder, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := qs.q.QueryContext(ctx, `
		SELECT `+holderColumns+` FROM account_holders
		WHERE (? = '' OR kind = ?)
		ORDER BY id
		LIMIT ? OFFSET ?`,
		f.Kind, f.Kind, limit, f.Offset,
	)
	if err != nil {
		return nil, mapErr("list holders", err)
	}
	defer rows.Close()

	holders := []ledger.AccountHolder{}
	for rows.Next() {
		h, err := scanHolder(rows)
		if err != nil {
			return nil, err
		}
		holders = append(holders, h)
	}
	return holders, rows.Err()
}

func scanHolder(sc scanner) (ledger.AccountHolder, error) {
	var (
		h                         ledger.AccountHolder
		pending, advance, current string
		updatedAt, createdAt      string
		reconciledAt              sql.NullString
	)
	err := sc.Scan(&h.ID, &h.Kind, &h.Name, &pending, &advance, &current, &h.Version,
		&updatedAt, &reconciledAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return h, err
		}
		return h, fmt.Errorf("failed to scan holder: %w", err)
	}

	p := newParser()
	h.Balances = ledger.Balances{
		Pending: p.decimal(pending),
		Advance: p.decimal(advance),
		Current: p.decimal(current),
	}
	h.BalancesUpdatedAt = p.time(updatedAt)
	h.LastReconciledAt = p.timePtr(reconciledAt)
	h.CreatedAt = p.time(createdAt)
	return h, p.err
}

// WriteBalances compare-and-swaps the cached balances.
func (qs *queries) WriteBalances(ctx context.Context, grant ledger.CacheWriteGrant, w ledger.BalanceWrite) (int64, error) {
	if err := ledger.CheckGrant(grant); err != nil {
		return 0, err
	}

	var reconciledAt sql.NullString
	if w.Reconciled {
		reconciledAt = nullString(formatTime(w.At))
	}
	res, err := qs.q.ExecContext(ctx, `
		UPDATE account_holders
		SET pending = ?, advance = ?, current = ?,
		    version = version + 1,
		    balances_updated_at = ?,
		    last_reconciled_at = COALESCE(?, last_reconciled_at)
		WHERE id = ? AND version = ?`,
		w.Balances.Pending.String(), w.Balances.Advance.String(), w.Balances.Current.String(),
		formatTime(w.At), reconciledAt, w.HolderID, w.ExpectedVersion,
	)
	if err != nil {
		return 0, mapErr("write balances", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapErr("write balances", err)
	}
	if n == 0 {
		var actual int64
		err := qs.q.QueryRowContext(ctx, "SELECT version FROM account_holders WHERE id = ?", w.HolderID).Scan(&actual)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, &ledger.NotFoundError{Kind: "holder", ID: string(w.HolderID)}
		}
		if err != nil {
			return 0, mapErr("read version", err)
		}
		return 0, &ledger.ConcurrencyConflictError{
			HolderID:        w.HolderID,
			ExpectedVersion: w.ExpectedVersion,
			ActualVersion:   actual,
		}
	}
	return w.ExpectedVersion + 1, nil
}

// =============================================================================
// LEDGER TRANSACTIONS
// =============================================================================

const transactionColumns = `id, seq, holder_id, holder_kind, tx_type, net_amount, balance_impact,
	transaction_date, due_date, status,
	before_pending, before_advance, after_pending, after_advance,
	reference_id, reason, idempotency_key, metadata_json,
	paid_amount, remaining_amount, invoice_status, created_by, created_at`

// AppendTransaction adds a row to the ledger and assigns its sequence.
func (qs *queries) AppendTransaction(ctx context.Context, tx *ledger.Transaction) error {
	seq, err := qs.nextSeq(ctx)
	if err != nil {
		return err
	}
	tx.Sequence = seq

	var metadataJSON sql.NullString
	if len(tx.Metadata) > 0 {
		b, err := json.Marshal(tx.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = nullString(string(b))
	}
	var dueDate sql.NullString
	if tx.DueDate != nil {
		dueDate = nullString(formatTime(*tx.DueDate))
	}

	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO ledger_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.Sequence, tx.HolderID, tx.Kind, tx.Type,
		tx.NetAmount.String(), tx.BalanceImpact.String(),
		formatTime(tx.TransactionDate), dueDate, tx.Status,
		tx.BalanceBefore.Pending.String(), tx.BalanceBefore.Advance.String(),
		tx.BalanceAfter.Pending.String(), tx.BalanceAfter.Advance.String(),
		nullString(tx.ReferenceID), nullString(tx.Reason), nullString(tx.IdempotencyKey), metadataJSON,
		tx.PaidAmount.String(), tx.RemainingAmount.String(), nullString(string(tx.InvoiceStatus)),
		tx.CreatedBy, formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key") {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return mapErr("append transaction", err)
	}
	return nil
}

func (qs *queries) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	row := qs.q.QueryRowContext(ctx, "SELECT "+transactionColumns+" FROM ledger_transactions WHERE id = ?", id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: "transaction", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (qs *queries) FindByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	row := qs.q.QueryRowContext(ctx, "SELECT "+transactionColumns+" FROM ledger_transactions WHERE idempotency_key = ?", key)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// LoadTransactions returns every row of a holder in ledger order.
func (qs *queries) LoadTransactions(ctx context.Context, holderID ledger.HolderID) ([]ledger.Transaction, error) {
	return qs.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM ledger_transactions
		WHERE holder_id = ?
		ORDER BY seq ASC`, holderID)
}

func (qs *queries) OpenInvoices(ctx context.Context, holderID ledger.HolderID) ([]ledger.Transaction, error) {
	return qs.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM ledger_transactions
		WHERE holder_id = ? AND tx_type = 'invoice' AND status = 'posted'
		  AND invoice_status IN ('open', 'partially_paid')
		ORDER BY seq ASC`, holderID)
}

func (qs *queries) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("query transactions", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(sc scanner) (ledger.Transaction, error) {
	var (
		tx                           ledger.Transaction
		netAmount, impact            string
		txDate, createdAt            string
		dueDate                      sql.NullString
		beforePending, beforeAdvance string
		afterPending, afterAdvance   string
		referenceID, reason          sql.NullString
		idempotencyKey, metadataJSON sql.NullString
		paid, remaining              string
		invoiceStatus                sql.NullString
	)

	err := sc.Scan(
		&tx.ID, &tx.Sequence, &tx.HolderID, &tx.Kind, &tx.Type, &netAmount, &impact,
		&txDate, &dueDate, &tx.Status,
		&beforePending, &beforeAdvance, &afterPending, &afterAdvance,
		&referenceID, &reason, &idempotencyKey, &metadataJSON,
		&paid, &remaining, &invoiceStatus, &tx.CreatedBy, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tx, err
		}
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	p := newParser()
	tx.NetAmount = p.decimal(netAmount)
	tx.BalanceImpact = p.decimal(impact)
	tx.TransactionDate = p.time(txDate)
	tx.DueDate = p.timePtr(dueDate)
	tx.BalanceBefore = ledger.NewBalances(p.decimal(beforePending), p.decimal(beforeAdvance))
	tx.BalanceAfter = ledger.NewBalances(p.decimal(afterPending), p.decimal(afterAdvance))
	tx.ReferenceID = referenceID.String
	tx.Reason = reason.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.PaidAmount = p.decimal(paid)
	tx.RemainingAmount = p.decimal(remaining)
	tx.InvoiceStatus = ledger.InvoiceStatus(invoiceStatus.String)
	tx.CreatedAt = p.time(createdAt)

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata); err != nil {
			return tx, fmt.Errorf("failed to decode metadata of %s: %w", tx.ID, err)
		}
	}
	return tx, p.err
}

// UpdateTransactionStatus moves a posted row to cancelled or reversed.
func (qs *queries) UpdateTransactionStatus(ctx context.Context, id ledger.TransactionID, status ledger.TransactionStatus) error {
	res, err := qs.q.ExecContext(ctx,
		"UPDATE ledger_transactions SET status = ? WHERE id = ? AND status = 'posted'", status, id)
	if err != nil {
		return mapErr("update status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx, err := qs.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		return &ledger.BusinessRuleError{Code: ledger.RuleNotPosted, Message: fmt.Sprintf("transaction %s is %s", id, tx.Status)}
	}
	return nil
}

func (qs *queries) UpdateInvoiceSettlement(ctx context.Context, u ledger.InvoiceSettlement) error {
	inv, err := qs.GetTransaction(ctx, u.InvoiceID)
	if err != nil {
		return err
	}
	if inv.Type != ledger.TxInvoice {
		return &ledger.BusinessRuleError{Code: ledger.RuleWrongType, Message: fmt.Sprintf("%s is not an invoice", inv.ID)}
	}
	if total := u.PaidAmount.Add(u.RemainingAmount); u.RemainingAmount.IsNegative() || !ledger.WithinTolerance(total, inv.NetAmount) {
		return &ledger.UnbalancedLedgerError{
			Context:  "invoice " + string(inv.ID) + " settlement",
			Expected: inv.NetAmount,
			Actual:   total,
		}
	}

	_, err = qs.q.ExecContext(ctx, `
		UPDATE ledger_transactions
		SET paid_amount = ?, remaining_amount = ?, invoice_status = ?
		WHERE id = ?`,
		u.PaidAmount.String(), u.RemainingAmount.String(), u.Status, u.InvoiceID,
	)
	return mapErr("update invoice settlement", err)
}

// =============================================================================
// PAYMENT APPLICATIONS
// =============================================================================

const applicationColumns = `id, seq, holder_id, payment_id, lines_json,
	total_applied, unapplied_amount, pending_delta, advance_delta,
	is_reversed, applied_by, applied_at, reversed_by, reversed_at, reversal_reason`

// applicationLineJSON is the stored shape of one ApplicationLine.
type applicationLineJSON struct {
	InvoiceID       string          `json:"invoice_id"`
	AmountApplied   decimal.Decimal `json:"amount_applied"`
	PaidBefore      decimal.Decimal `json:"paid_before"`
	RemainingBefore decimal.Decimal `json:"remaining_before"`
	StatusBefore    string          `json:"status_before"`
}

func (qs *queries) SaveApplication(ctx context.Context, app *ledger.PaymentApplication) error {
	seq, err := qs.nextSeq(ctx)
	if err != nil {
		return err
	}
	app.Sequence = seq

	lines := make([]applicationLineJSON, len(app.Lines))
	for i, l := range app.Lines {
		lines[i] = applicationLineJSON{
			InvoiceID:       string(l.InvoiceID),
			AmountApplied:   l.AmountApplied,
			PaidBefore:      l.PaidBefore,
			RemainingBefore: l.RemainingBefore,
			StatusBefore:    string(l.StatusBefore),
		}
	}
	linesJSON, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("failed to encode application lines: %w", err)
	}

	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO payment_applications (`+applicationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, NULL, NULL, NULL)`,
		app.ID, app.Sequence, app.HolderID, app.PaymentID, string(linesJSON),
		app.TotalApplied.String(), app.UnappliedAmount.String(),
		app.PendingDelta.String(), app.AdvanceDelta.String(),
		app.AppliedBy, formatTime(app.AppliedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "payment_id") {
			return &ledger.BusinessRuleError{
				Code:    ledger.RulePaymentApplied,
				Message: fmt.Sprintf("payment %s is already applied", app.PaymentID),
			}
		}
		return mapErr("save application", err)
	}
	return nil
}

func (qs *queries) GetApplication(ctx context.Context, id ledger.ApplicationID) (*ledger.PaymentApplication, error) {
	row := qs.q.QueryRowContext(ctx, "SELECT "+applicationColumns+" FROM payment_applications WHERE id = ?", id)
	app, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: "application", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (qs *queries) ApplicationsForPayment(ctx context.Context, paymentID ledger.TransactionID) ([]ledger.PaymentApplication, error) {
	return qs.queryApplications(ctx,
		"SELECT "+applicationColumns+" FROM payment_applications WHERE payment_id = ? ORDER BY seq", paymentID)
}

func (qs *queries) ApplicationsForHolder(ctx context.Context, holderID ledger.HolderID) ([]ledger.PaymentApplication, error) {
	return qs.queryApplications(ctx,
		"SELECT "+applicationColumns+" FROM payment_applications WHERE holder_id = ? ORDER BY seq", holderID)
}

func (qs *queries) queryApplications(ctx context.Context, query string, args ...any) ([]ledger.PaymentApplication, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("query applications", err)
	}
	defer rows.Close()

	var apps []ledger.PaymentApplication
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

func scanApplication(sc scanner) (ledger.PaymentApplication, error) {
	var (
		app                         ledger.PaymentApplication
		linesJSON                   string
		total, unapplied            string
		pendingDelta, advanceDelta  string
		isReversed                  int
		appliedAt                   string
		reversedBy, reversedAt, why sql.NullString
	)
	err := sc.Scan(&app.ID, &app.Sequence, &app.HolderID, &app.PaymentID, &linesJSON,
		&total, &unapplied, &pendingDelta, &advanceDelta,
		&isReversed, &app.AppliedBy, &appliedAt, &reversedBy, &reversedAt, &why)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return app, err
		}
		return app, fmt.Errorf("failed to scan application: %w", err)
	}

	var lines []applicationLineJSON
	if err := json.Unmarshal([]byte(linesJSON), &lines); err != nil {
		return app, fmt.Errorf("failed to decode lines of application %s: %w", app.ID, err)
	}
	app.Lines = make([]ledger.ApplicationLine, len(lines))
	for i, l := range lines {
		app.Lines[i] = ledger.ApplicationLine{
			InvoiceID:       ledger.TransactionID(l.InvoiceID),
			AmountApplied:   l.AmountApplied,
			PaidBefore:      l.PaidBefore,
			RemainingBefore: l.RemainingBefore,
			StatusBefore:    ledger.InvoiceStatus(l.StatusBefore),
		}
	}

	p := newParser()
	app.TotalApplied = p.decimal(total)
	app.UnappliedAmount = p.decimal(unapplied)
	app.PendingDelta = p.decimal(pendingDelta)
	app.AdvanceDelta = p.decimal(advanceDelta)
	app.IsReversed = isReversed != 0
	app.AppliedAt = p.time(appliedAt)
	app.ReversedBy = reversedBy.String
	app.ReversedAt = p.timePtr(reversedAt)
	app.ReversalReason = why.String
	return app, p.err
}

func (qs *queries) MarkApplicationReversed(ctx context.Context, r ledger.ApplicationReversal) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE payment_applications
		SET is_reversed = 1, reversed_by = ?, reversed_at = ?, reversal_reason = ?
		WHERE id = ? AND is_reversed = 0`,
		r.ReversedBy, formatTime(r.ReversedAt), r.Reason, r.ApplicationID,
	)
	if err != nil {
		return mapErr("reverse application", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := qs.GetApplication(ctx, r.ApplicationID); err != nil {
			return err
		}
		return &ledger.BusinessRuleError{
			Code:    ledger.RuleApplicationReversed,
			Message: fmt.Sprintf("application %s already reversed", r.ApplicationID),
		}
	}
	return nil
}

// =============================================================================
// JOURNAL
// =============================================================================

type journalLineJSON struct {
	Account string          `json:"account"`
	Debit   decimal.Decimal `json:"debit"`
	Credit  decimal.Decimal `json:"credit"`
}

func (qs *queries) AppendJournal(ctx context.Context, e ledger.JournalEntry) error {
	lines := make([]journalLineJSON, len(e.Lines))
	for i, l := range e.Lines {
		lines[i] = journalLineJSON{Account: string(l.Account), Debit: l.Debit, Credit: l.Credit}
	}
	linesJSON, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("failed to encode journal lines: %w", err)
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO journal_entries (id, transaction_id, reference, entry_date, memo, lines_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TransactionID, nullString(e.Reference), formatTime(e.Date), nullString(e.Memo),
		string(linesJSON), formatTime(createdAt),
	)
	return mapErr("append journal", err)
}

func (qs *queries) JournalsForTransaction(ctx context.Context, id ledger.TransactionID) ([]ledger.JournalEntry, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT id, transaction_id, reference, entry_date, memo, lines_json, created_at
		FROM journal_entries
		WHERE transaction_id = ?
		ORDER BY created_at, rowid`, id)
	if err != nil {
		return nil, mapErr("query journal", err)
	}
	defer rows.Close()

	var entries []ledger.JournalEntry
	for rows.Next() {
		var (
			e               ledger.JournalEntry
			reference, memo sql.NullString
			date, createdAt string
			linesJSON       string
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &reference, &date, &memo, &linesJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		var lines []journalLineJSON
		if err := json.Unmarshal([]byte(linesJSON), &lines); err != nil {
			return nil, fmt.Errorf("failed to decode journal entry %s: %w", e.ID, err)
		}
		for _, l := range lines {
			e.Lines = append(e.Lines, ledger.JournalLine{Account: ledger.Account(l.Account), Debit: l.Debit, Credit: l.Credit})
		}
		p := newParser()
		e.Reference = reference.String
		e.Memo = memo.String
		e.Date = p.time(date)
		e.CreatedAt = p.time(createdAt)
		if p.err != nil {
			return nil, p.err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// RECONCILIATION RUNS (ledger.RunLog interface)
// =============================================================================

// SaveReconciliationRun records a batch summary.
func (s *Store) SaveReconciliationRun(ctx context.Context, r ledger.ReconciliationRun) error {
	var errorsJSON sql.NullString
	if len(r.Errors) > 0 {
		b, err := json.Marshal(r.Errors)
		if err != nil {
			return fmt.Errorf("failed to encode run errors: %w", err)
		}
		errorsJSON = nullString(string(b))
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_runs
		(id, trigger_name, started_at, finished_at, checked, drifted, corrected, failed, errors_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Trigger, formatTime(r.StartedAt), formatTime(r.FinishedAt),
		r.Checked, r.Drifted, r.Corrected, r.Failed, errorsJSON,
	)
	return mapErr("save reconciliation run", err)
}

// ListReconciliationRuns returns up to limit runs, newest first.
func (s *Store) ListReconciliationRuns(ctx context.Context, limit int) ([]ledger.ReconciliationRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_name, started_at, finished_at, checked, drifted, corrected, failed, errors_json
		FROM reconciliation_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, mapErr("list reconciliation runs", err)
	}
	defer rows.Close()

	runs := []ledger.ReconciliationRun{}
	for rows.Next() {
		var (
			r                 ledger.ReconciliationRun
			started, finished string
			errorsJSON        sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Trigger, &started, &finished,
			&r.Checked, &r.Drifted, &r.Corrected, &r.Failed, &errorsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation run: %w", err)
		}
		p := newParser()
		r.StartedAt = p.time(started)
		r.FinishedAt = p.time(finished)
		if p.err != nil {
			return nil, p.err
		}
		if errorsJSON.Valid {
			if err := json.Unmarshal([]byte(errorsJSON.String), &r.Errors); err != nil {
				return nil, fmt.Errorf("failed to decode run errors: %w", err)
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parser collects the first conversion error while scanning a row.
type parser struct {
	err error
}

func newParser() *parser { return &parser{} }

func (p *parser) decimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d
}

func (p *parser) time(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid time %q: %w", s, err)
	}
	return t
}

func (p *parser) timePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := p.time(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// mapErr wraps a driver error, marking busy/locked databases as transient.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%s: %w: %v", op, ledger.ErrTransientStorage, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
