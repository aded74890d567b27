package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// JOURNAL - Double-entry rows produced alongside ledger transactions
// =============================================================================

// Account is a chart-of-accounts code, e.g. "1200".
type Account string

// JournalLine is one side of a double entry. Exactly one of Debit/Credit is non-zero.
type JournalLine struct {
	Account Account
	Debit   decimal.Decimal
	Credit  decimal.Decimal
}

type JournalEntry struct {
	ID            string
	TransactionID TransactionID
	Reference     string
	Date          time.Time
	Memo          string
	Lines         []JournalLine
	CreatedAt     time.Time
}

// NewJournalEntry builds a two-line entry moving amount from credit to debit.
func NewJournalEntry(tx Transaction, debit, credit Account, amount decimal.Decimal, memo string) JournalEntry {
	return JournalEntry{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		Reference:     tx.ReferenceID,
		Date:          tx.TransactionDate,
		Memo:          memo,
		Lines: []JournalLine{
			{Account: debit, Debit: amount, Credit: decimal.Zero},
			{Account: credit, Debit: decimal.Zero, Credit: amount},
		},
	}
}

// Totals returns the summed debits and credits.
func (j JournalEntry) Totals() (debits, credits decimal.Decimal) {
	for _, l := range j.Lines {
		debits = debits.Add(l.Debit)
		credits = credits.Add(l.Credit)
	}
	return debits, credits
}

// Validate checks the entry is well formed and balanced.
func (j JournalEntry) Validate() error {
	if len(j.Lines) < 2 {
		return invalid("journal", "entry %s needs at least two lines", j.ID)
	}
	for _, l := range j.Lines {
		if l.Account == "" {
			return invalid("journal", "line without account in entry %s", j.ID)
		}
		if l.Debit.IsNegative() || l.Credit.IsNegative() {
			return invalid("journal", "negative amount on account %s", l.Account)
		}
		if l.Debit.IsPositive() == l.Credit.IsPositive() {
			return invalid("journal", "account %s must be either debited or credited", l.Account)
		}
	}
	debits, credits := j.Totals()
	if !debits.Equal(credits) {
		return &UnbalancedJournalError{Reference: j.Reference, Debits: debits, Credits: credits}
	}
	return nil
}

// Reversed returns a new entry that undoes j.
func (j JournalEntry) Reversed(memo string, at time.Time) JournalEntry {
	lines := make([]JournalLine, len(j.Lines))
	for i, l := range j.Lines {
		lines[i] = JournalLine{Account: l.Account, Debit: l.Credit, Credit: l.Debit}
	}
	return JournalEntry{
		ID:            uuid.NewString(),
		TransactionID: j.TransactionID,
		Reference:     j.Reference,
		Date:          at,
		Memo:          memo,
		Lines:         lines,
	}
}
