package ledger

import "github.com/shopspring/decimal"

// =============================================================================
// INCREMENTAL CACHE UPDATER - O(1) maintenance of cached balances
// =============================================================================

// ImpactFor returns the signed balance impact of a transaction.
// For signed types (adjustment, opening_balance) amount already carries the sign.
func ImpactFor(t TransactionType, amount decimal.Decimal) decimal.Decimal {
	switch t {
	case TxInvoice, TxDebitNote:
		return amount.Abs()
	case TxPayment, TxRefund, TxCreditNote, TxWriteOff:
		return amount.Abs().Neg()
	default:
		return amount
	}
}

// ApplyTransaction computes the balances after posting one transaction.
//
// Rules per type:
//
//	invoice, debit_note          pending += impact
//	payment, refund, credit_note reduce pending, spill the rest into advance
//	adjustment                   +: pending += impact
//	                             -: reduce pending (floor 0), then advance (floor 0)
//	write_off                    reduce pending, floor 0
//	opening_balance              +: pending += impact, -: advance += |impact|
//
// Current is recomputed last. The full recalculation in calculator.go folds
// the ledger through this same function, so both paths agree.
func ApplyTransaction(before Balances, t TransactionType, impact decimal.Decimal) Balances {
	pending, advance := before.Pending, before.Advance
	amount := impact.Abs()

	switch t {
	case TxInvoice, TxDebitNote:
		pending = pending.Add(impact)

	case TxPayment, TxRefund, TxCreditNote:
		reduce := decimal.Min(amount, floorZero(pending))
		pending = pending.Sub(reduce)
		advance = advance.Add(amount.Sub(reduce))

	case TxAdjustment:
		if !impact.IsNegative() {
			pending = pending.Add(impact)
			break
		}
		reduce := decimal.Min(amount, floorZero(pending))
		pending = pending.Sub(reduce)
		advance = floorZero(advance.Sub(amount.Sub(reduce)))

	case TxWriteOff:
		pending = floorZero(pending.Sub(amount))

	case TxOpeningBalance:
		if impact.IsNegative() {
			advance = advance.Add(amount)
		} else {
			pending = pending.Add(impact)
		}
	}

	return NewBalances(pending, advance)
}

// discardedBy returns the part of a transaction's impact the floors absorbed.
func discardedBy(before, after Balances, t TransactionType, impact decimal.Decimal) decimal.Decimal {
	switch {
	case t == TxWriteOff, t == TxAdjustment && impact.IsNegative():
		moved := before.Pending.Sub(after.Pending).Add(before.Advance.Sub(after.Advance))
		return floorZero(impact.Abs().Sub(moved))
	default:
		return decimal.Zero
	}
}

// =============================================================================
// APPLICATION RECLASSIFICATION
// =============================================================================

// PostingEffect is how posting a payment split between pending and advance.
type PostingEffect struct {
	PendingReduction decimal.Decimal
	AdvanceIncrease  decimal.Decimal
}

// ReclassifyApplication moves a payment's posted effect so that exactly
// applied reduced pending and exactly unapplied sits in advance.
//
// Posting already reduced pending by posted.PendingReduction and raised advance
// by posted.AdvanceIncrease (together the payment's net amount), so current is
// unchanged whenever applied + unapplied equals that net amount.
func ReclassifyApplication(bal Balances, posted PostingEffect, applied, unapplied decimal.Decimal) Balances {
	pending := floorZero(bal.Pending.Sub(applied.Sub(posted.PendingReduction)))
	advance := floorZero(bal.Advance.Add(unapplied.Sub(posted.AdvanceIncrease)))
	return NewBalances(pending, advance)
}
