/*
calculator.go - Balance calculation from the ledger

PURPOSE:
  The "truth" function every cache must converge to. Given the ledger rows and
  payment applications of one holder, it returns the balances without reading
  or writing any cached value.

HOW:
  Posted transactions (optionally bounded by transaction date) and active
  payment applications are folded in ledger sequence order:
    - each transaction goes through ApplyTransaction (incremental.go)
    - each application reclassifies its payment's posted effect so that
      TotalApplied reduced pending and UnappliedAmount sits in advance

  Because the fold uses the same rules as the hot path, a cache maintained
  only through this engine equals the recalculation. Differences mean the
  cache was corrupted or the ledger was edited out of band, which is what
  reconciliation looks for.

  Cancelled and reversed transactions and reversed applications are skipped.
*/
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Breakdown totals the ledger by transaction type, as absolute amounts.
type Breakdown struct {
	Invoiced       decimal.Decimal
	DebitNotes     decimal.Decimal
	Payments       decimal.Decimal
	Refunds        decimal.Decimal
	CreditNotes    decimal.Decimal
	WriteOffs      decimal.Decimal
	Adjustments    decimal.Decimal // signed
	OpeningBalance decimal.Decimal // signed
	Unapplied      decimal.Decimal // sum of UnappliedAmount over active applications
	Discarded      decimal.Decimal // impact absorbed by the zero floors
}

// BalanceCalculation is the result of a full ledger scan.
type BalanceCalculation struct {
	HolderID            HolderID
	Balances            Balances
	TransactionCount    int
	LastTransactionDate *time.Time
	Breakdown           Breakdown
	AsOf                *time.Time

	// posting effect of each posted payment as the fold saw it
	effects map[TransactionID]PostingEffect
}

// CalculateBalance folds transactions and applications into balances.
// It has no side effects and does not depend on input order.
func CalculateBalance(holderID HolderID, txs []Transaction, apps []PaymentApplication, asOf *time.Time) BalanceCalculation {
	result := BalanceCalculation{HolderID: holderID, AsOf: asOf}

	type event struct {
		seq int64
		tx  *Transaction
		app *PaymentApplication
	}

	events := make([]event, 0, len(txs)+len(apps))
	for i := range txs {
		tx := &txs[i]
		if tx.HolderID != holderID || !tx.IsPosted() {
			continue
		}
		if asOf != nil && tx.TransactionDate.After(*asOf) {
			continue
		}
		events = append(events, event{seq: tx.Sequence, tx: tx})
	}
	for i := range apps {
		app := &apps[i]
		if app.HolderID != holderID || !app.IsActive() {
			continue
		}
		if asOf != nil && app.AppliedAt.After(*asOf) {
			continue
		}
		events = append(events, event{seq: app.Sequence, app: app})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].seq < events[j].seq })

	bd := Breakdown{}
	bal := ZeroBalances()
	posted := make(map[TransactionID]PostingEffect)

	for _, ev := range events {
		if ev.app != nil {
			eff, ok := posted[ev.app.PaymentID]
			if !ok {
				continue // payment outside the window or no longer posted
			}
			bal = ReclassifyApplication(bal, eff, ev.app.TotalApplied, ev.app.UnappliedAmount)
			bd.Unapplied = bd.Unapplied.Add(ev.app.UnappliedAmount)
			continue
		}

		tx := ev.tx
		before := bal
		bal = ApplyTransaction(bal, tx.Type, tx.BalanceImpact)
		bd.Discarded = bd.Discarded.Add(discardedBy(before, bal, tx.Type, tx.BalanceImpact))

		switch tx.Type {
		case TxInvoice:
			bd.Invoiced = bd.Invoiced.Add(tx.NetAmount)
		case TxDebitNote:
			bd.DebitNotes = bd.DebitNotes.Add(tx.NetAmount)
		case TxPayment:
			bd.Payments = bd.Payments.Add(tx.NetAmount)
			posted[tx.ID] = PostingEffect{
				PendingReduction: before.Pending.Sub(bal.Pending),
				AdvanceIncrease:  bal.Advance.Sub(before.Advance),
			}
		case TxRefund:
			bd.Refunds = bd.Refunds.Add(tx.NetAmount)
		case TxCreditNote:
			bd.CreditNotes = bd.CreditNotes.Add(tx.NetAmount)
		case TxWriteOff:
			bd.WriteOffs = bd.WriteOffs.Add(tx.NetAmount)
		case TxAdjustment:
			bd.Adjustments = bd.Adjustments.Add(tx.BalanceImpact)
		case TxOpeningBalance:
			bd.OpeningBalance = bd.OpeningBalance.Add(tx.BalanceImpact)
		}

		result.TransactionCount++
		if result.LastTransactionDate == nil || tx.TransactionDate.After(*result.LastTransactionDate) {
			d := tx.TransactionDate
			result.LastTransactionDate = &d
		}
	}

	result.Balances = NewBalances(floorZero(bal.Pending), floorZero(bal.Advance))
	result.Breakdown = bd
	result.effects = posted
	return result
}

// CalculateBalanceFromLedger recomputes a holder's balances from the ledger.
// Pass a nil asOf for the full ledger.
func (e *Engine) CalculateBalanceFromLedger(ctx context.Context, holderID HolderID, asOf *time.Time) (*BalanceCalculation, error) {
	if _, err := e.Store.GetHolder(ctx, holderID); err != nil {
		return nil, err
	}
	return calculateFrom(ctx, e.Store, holderID, asOf)
}

func calculateFrom(ctx context.Context, st Store, holderID HolderID, asOf *time.Time) (*BalanceCalculation, error) {
	txs, err := st.LoadTransactions(ctx, holderID)
	if err != nil {
		return nil, err
	}
	apps, err := st.ApplicationsForHolder(ctx, holderID)
	if err != nil {
		return nil, err
	}
	calc := CalculateBalance(holderID, txs, apps, asOf)
	return &calc, nil
}
