/*
payment.go - Payment application engine

STATE MACHINE:
  PaymentApplication: applied -> reversed (terminal)
  Invoice:            open -> partially_paid -> paid, and back on reversal

HOW BALANCES MOVE:
  Posting a payment already lowered pending and raised advance. Applying it
  reclassifies that effect (ReclassifyApplication) so exactly TotalApplied
  reduced pending and UnappliedAmount sits in advance. Current is unchanged.
  The deltas actually written are stored on the application and reversal
  subtracts exactly those.

  A payment has at most one active application. Re-applying a payment
  differently means reversing the first application.
*/
package ledger

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceAllocation asks for amount of a payment to go to one invoice.
type InvoiceAllocation struct {
	InvoiceID TransactionID
	Amount    decimal.Decimal
}

// ApplyPaymentInput applies a payment across invoices.
// Amounts above an invoice's remaining amount are capped silently.
type ApplyPaymentInput struct {
	PaymentID    TransactionID
	HolderID     HolderID
	Applications []InvoiceAllocation
}

func (in ApplyPaymentInput) validate() error {
	if in.PaymentID == "" {
		return invalid("payment_id", "required")
	}
	if in.HolderID == "" {
		return invalid("holder_id", "required")
	}
	seen := make(map[TransactionID]bool, len(in.Applications))
	for _, a := range in.Applications {
		if a.InvoiceID == "" {
			return invalid("invoice_id", "required")
		}
		if !a.Amount.IsPositive() {
			return invalid("amount", "must be positive for invoice %s", a.InvoiceID)
		}
		if seen[a.InvoiceID] {
			return invalid("invoice_id", "invoice %s listed twice", a.InvoiceID)
		}
		seen[a.InvoiceID] = true
	}
	return nil
}

// ApplyPayment applies a posted payment to invoices of the same holder.
// Invoice updates, the application record and the cache write commit together.
func (e *Engine) ApplyPayment(ctx context.Context, in ApplyPaymentInput, actor Actor) (*PaymentApplication, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	actor = actor.orSystem()

	var result *PaymentApplication
	err := e.retry(ctx, "apply_payment", func(int) error {
		return e.Store.WithTx(ctx, func(st Store) error {
			app, err := e.apply(ctx, st, in, actor)
			if err != nil {
				return err
			}
			result = app
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	e.applied(ctx, result, actor)
	return result, nil
}

func (e *Engine) applied(ctx context.Context, app *PaymentApplication, actor Actor) {
	e.Logger.Info().
		Str("application_id", string(app.ID)).
		Str("payment_id", string(app.PaymentID)).
		Str("applied", app.TotalApplied.StringFixed(2)).
		Str("unapplied", app.UnappliedAmount.StringFixed(2)).
		Int("invoices", len(app.Lines)).
		Msg("payment applied")
	e.publish(ctx, EventPaymentApplied, app.HolderID, string(app.ID), actor, app)
}

func (e *Engine) apply(ctx context.Context, st Store, in ApplyPaymentInput, actor Actor) (*PaymentApplication, error) {
	pay, err := loadPayment(ctx, st, in.PaymentID, in.HolderID)
	if err != nil {
		return nil, err
	}
	existing, err := st.ApplicationsForPayment(ctx, pay.ID)
	if err != nil {
		return nil, err
	}
	for _, a := range existing {
		if a.IsActive() {
			return nil, ruleViolation(RulePaymentApplied,
				"payment %s is already applied by %s", pay.ID, a.ID)
		}
	}

	h, err := st.GetHolder(ctx, in.HolderID)
	if err != nil {
		return nil, err
	}

	lines := make([]ApplicationLine, 0, len(in.Applications))
	total := decimal.Zero
	for _, req := range in.Applications {
		inv, err := st.GetTransaction(ctx, req.InvoiceID)
		if err != nil {
			return nil, err
		}
		if inv.Type != TxInvoice {
			return nil, ruleViolation(RuleWrongType, "%s is a %s, not an invoice", inv.ID, inv.Type)
		}
		if inv.HolderID != in.HolderID {
			return nil, ruleViolation(RuleHolderMismatch,
				"invoice %s belongs to %s, not %s", inv.ID, inv.HolderID, in.HolderID)
		}
		if !inv.IsPosted() || inv.InvoiceStatus.IsSettled() {
			return nil, ruleViolation(RuleInvoiceSettled, "invoice %s is %s", inv.ID, inv.InvoiceStatus)
		}

		amount := decimal.Min(req.Amount, inv.RemainingAmount)
		if !amount.IsPositive() {
			continue
		}
		paid := inv.PaidAmount.Add(amount)
		remaining := inv.NetAmount.Sub(paid)
		if err := st.UpdateInvoiceSettlement(ctx, InvoiceSettlement{
			InvoiceID:       inv.ID,
			PaidAmount:      paid,
			RemainingAmount: remaining,
			Status:          InvoiceStatusFor(inv.NetAmount, remaining),
		}); err != nil {
			return nil, err
		}

		lines = append(lines, ApplicationLine{
			InvoiceID:       inv.ID,
			AmountApplied:   amount,
			PaidBefore:      inv.PaidAmount,
			RemainingBefore: inv.RemainingAmount,
			StatusBefore:    inv.InvoiceStatus,
		})
		total = total.Add(amount)
	}

	unapplied := floorZero(pay.NetAmount.Sub(total))
	if sum := total.Add(unapplied); !WithinTolerance(sum, pay.NetAmount) {
		return nil, &UnbalancedLedgerError{
			Context:  "payment " + string(pay.ID) + " allocation",
			Expected: pay.NetAmount,
			Actual:   sum,
		}
	}

	before := h.Balances
	after := ReclassifyApplication(before, pay.PostingEffect(), total, unapplied)

	// The posting snapshot goes stale once earlier history changes; the fold
	// wins when the two disagree.
	calc, err := calculateFrom(ctx, st, h.ID, nil)
	if err != nil {
		return nil, err
	}
	if eff, ok := calc.effects[pay.ID]; ok {
		folded := ReclassifyApplication(calc.Balances, eff, total, unapplied)
		if !after.Equal(folded) {
			e.Logger.Warn().
				Str("payment_id", string(pay.ID)).
				Str("incremental_pending", after.Pending.StringFixed(2)).
				Str("ledger_pending", folded.Pending.StringFixed(2)).
				Str("incremental_advance", after.Advance.StringFixed(2)).
				Str("ledger_advance", folded.Advance.StringFixed(2)).
				Msg("posting snapshot stale, using ledger balances")
			after = folded
		}
	}

	now := e.now()
	app := &PaymentApplication{
		ID:              ApplicationID(uuid.NewString()),
		HolderID:        h.ID,
		PaymentID:       pay.ID,
		Lines:           lines,
		TotalApplied:    total,
		UnappliedAmount: unapplied,
		PendingDelta:    after.Pending.Sub(before.Pending),
		AdvanceDelta:    after.Advance.Sub(before.Advance),
		AppliedBy:       actor.ID,
		AppliedAt:       now,
	}
	if err := st.SaveApplication(ctx, app); err != nil {
		return nil, err
	}
	if _, err := st.WriteBalances(ctx, grantCacheWrite(), BalanceWrite{
		HolderID:        h.ID,
		ExpectedVersion: h.Version,
		Balances:        after,
		At:              now,
	}); err != nil {
		return nil, err
	}
	return app, nil
}

func loadPayment(ctx context.Context, st Store, id TransactionID, holderID HolderID) (*Transaction, error) {
	pay, err := st.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if pay.Type != TxPayment {
		return nil, ruleViolation(RuleWrongType, "%s is a %s, not a payment", pay.ID, pay.Type)
	}
	if pay.HolderID != holderID {
		return nil, ruleViolation(RuleHolderMismatch,
			"payment %s belongs to %s, not %s", pay.ID, pay.HolderID, holderID)
	}
	if !pay.IsPosted() {
		return nil, ruleViolation(RuleNotPosted, "payment %s is %s", pay.ID, pay.Status)
	}
	return pay, nil
}

// =============================================================================
// AUTO-APPLY (FIFO)
// =============================================================================

// SortInvoicesForAllocation orders invoices oldest-due first, then by
// transaction date, then by ledger sequence.
func SortInvoicesForAllocation(invoices []Transaction) {
	sort.SliceStable(invoices, func(i, j int) bool {
		a, b := invoices[i], invoices[j]
		if da, db := a.EffectiveDueDate(), b.EffectiveDueDate(); !da.Equal(db) {
			return da.Before(db)
		}
		if !a.TransactionDate.Equal(b.TransactionDate) {
			return a.TransactionDate.Before(b.TransactionDate)
		}
		return a.Sequence < b.Sequence
	})
}

// AllocateFIFO spreads amount greedily over invoices in the given order.
// It returns the allocations and whatever is left over.
func AllocateFIFO(amount decimal.Decimal, invoices []Transaction) ([]InvoiceAllocation, decimal.Decimal) {
	left := amount
	var out []InvoiceAllocation
	for _, inv := range invoices {
		if !left.IsPositive() {
			break
		}
		take := decimal.Min(left, inv.RemainingAmount)
		if !take.IsPositive() {
			continue
		}
		out = append(out, InvoiceAllocation{InvoiceID: inv.ID, Amount: take})
		left = left.Sub(take)
	}
	return out, left
}

// AutoApplyPayment applies a payment to the holder's open invoices, oldest
// due first. Whatever no invoice absorbs stays as advance. The allocation is
// computed inside the unit of work, so every retry allocates from fresh state.
func (e *Engine) AutoApplyPayment(ctx context.Context, paymentID TransactionID, holderID HolderID, actor Actor) (*PaymentApplication, error) {
	if err := (ApplyPaymentInput{PaymentID: paymentID, HolderID: holderID}).validate(); err != nil {
		return nil, err
	}
	actor = actor.orSystem()

	var result *PaymentApplication
	err := e.retry(ctx, "auto_apply_payment", func(attempt int) error {
		return e.Store.WithTx(ctx, func(st Store) error {
			pay, err := loadPayment(ctx, st, paymentID, holderID)
			if err != nil {
				return err
			}
			invoices, err := st.OpenInvoices(ctx, holderID)
			if err != nil {
				return err
			}
			SortInvoicesForAllocation(invoices)
			allocations, left := AllocateFIFO(pay.NetAmount, invoices)

			e.Logger.Debug().
				Str("payment_id", string(paymentID)).
				Int("attempt", attempt).
				Int("open_invoices", len(invoices)).
				Int("allocations", len(allocations)).
				Str("leftover", left.StringFixed(2)).
				Msg("auto-apply allocation")

			app, err := e.apply(ctx, st, ApplyPaymentInput{
				PaymentID:    paymentID,
				HolderID:     holderID,
				Applications: allocations,
			}, actor)
			if err != nil {
				return err
			}
			result = app
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	e.applied(ctx, result, actor)
	return result, nil
}

// =============================================================================
// REVERSAL
// =============================================================================

// ReverseApplication undoes an application as a unit: every touched invoice
// gets its applied amount back, the cache deltas are subtracted and the
// application is marked reversed. When later ledger activity has made the
// deltas stale, the balances are recalculated from the ledger instead.
func (e *Engine) ReverseApplication(ctx context.Context, id ApplicationID, actor Actor, reason string) (*PaymentApplication, error) {
	if reason == "" {
		return nil, invalid("reason", "required")
	}
	actor = actor.orSystem()

	var result *PaymentApplication
	err := e.retry(ctx, "reverse_application", func(int) error {
		return e.Store.WithTx(ctx, func(st Store) error {
			app, err := st.GetApplication(ctx, id)
			if err != nil {
				return err
			}
			if app.IsReversed {
				return ruleViolation(RuleApplicationReversed, "application %s already reversed", id)
			}
			h, err := st.GetHolder(ctx, app.HolderID)
			if err != nil {
				return err
			}

			for _, line := range app.Lines {
				inv, err := st.GetTransaction(ctx, line.InvoiceID)
				if err != nil {
					return err
				}
				paid := floorZero(inv.PaidAmount.Sub(line.AmountApplied))
				remaining := inv.NetAmount.Sub(paid)
				status := InvoiceStatusFor(inv.NetAmount, remaining)
				if inv.InvoiceStatus == InvoiceCancelled {
					status = InvoiceCancelled
				}
				if err := st.UpdateInvoiceSettlement(ctx, InvoiceSettlement{
					InvoiceID:       inv.ID,
					PaidAmount:      paid,
					RemainingAmount: remaining,
					Status:          status,
				}); err != nil {
					return err
				}
			}

			now := e.now()
			if err := st.MarkApplicationReversed(ctx, ApplicationReversal{
				ApplicationID: id,
				ReversedBy:    actor.ID,
				ReversedAt:    now,
				Reason:        reason,
			}); err != nil {
				return err
			}

			after := NewBalances(
				floorZero(h.Balances.Pending.Sub(app.PendingDelta)),
				floorZero(h.Balances.Advance.Sub(app.AdvanceDelta)),
			)
			// Recorded deltas go stale once the ledger before or after the
			// application changes; the recalculation wins when they disagree.
			calc, err := calculateFrom(ctx, st, app.HolderID, nil)
			if err != nil {
				return err
			}
			if !after.Equal(calc.Balances) {
				e.Logger.Warn().
					Str("application_id", string(id)).
					Str("inverse_pending", after.Pending.StringFixed(2)).
					Str("ledger_pending", calc.Balances.Pending.StringFixed(2)).
					Str("inverse_advance", after.Advance.StringFixed(2)).
					Str("ledger_advance", calc.Balances.Advance.StringFixed(2)).
					Msg("application deltas stale, using ledger balances")
				after = calc.Balances
			}
			if _, err := st.WriteBalances(ctx, grantCacheWrite(), BalanceWrite{
				HolderID:        h.ID,
				ExpectedVersion: h.Version,
				Balances:        after,
				At:              now,
			}); err != nil {
				return err
			}

			reversed, err := st.GetApplication(ctx, id)
			if err != nil {
				return err
			}
			result = reversed
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info().
		Str("application_id", string(id)).
		Str("reason", reason).
		Msg("payment application reversed")
	e.publish(ctx, EventApplicationReversed, result.HolderID, string(result.ID), actor, result)
	return result, nil
}

