// Package sales implements the customer (receivables) side of the ledger:
// the customer chart of accounts and the order confirmation workflow.
package sales

import (
	"fmt"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// CUSTOMER CHART OF ACCOUNTS
// =============================================================================

const (
	AccountCash                 ledger.Account = "1000"
	AccountBank                 ledger.Account = "1010"
	AccountReceivable           ledger.Account = "1200"
	AccountOpeningBalanceEquity ledger.Account = "3000"
	AccountAdjustments          ledger.Account = "3900"
	AccountRevenue              ledger.Account = "4000"
	AccountSalesReturns         ledger.Account = "4100"
	AccountBadDebt              ledger.Account = "6100"
)

// Register the customer kind with the ledger registry
func init() {
	ledger.RegisterKind(ledger.KindSpec{Kind: ledger.KindCustomer, Journal: CustomerJournal})
}

// CustomerJournal books a customer transaction against accounts receivable.
func CustomerJournal(tx ledger.Transaction) (*ledger.JournalEntry, error) {
	var debit, credit ledger.Account
	switch tx.Type {
	case ledger.TxInvoice, ledger.TxDebitNote:
		debit, credit = AccountReceivable, AccountRevenue
	case ledger.TxPayment:
		debit, credit = moneyAccount(tx), AccountReceivable
	case ledger.TxRefund, ledger.TxCreditNote:
		debit, credit = AccountSalesReturns, AccountReceivable
	case ledger.TxWriteOff:
		debit, credit = AccountBadDebt, AccountReceivable
	case ledger.TxAdjustment:
		debit, credit = AccountReceivable, AccountAdjustments
		if tx.BalanceImpact.IsNegative() {
			debit, credit = credit, debit
		}
	case ledger.TxOpeningBalance:
		debit, credit = AccountReceivable, AccountOpeningBalanceEquity
		if tx.BalanceImpact.IsNegative() {
			debit, credit = credit, debit
		}
	default:
		return nil, fmt.Errorf("sales: no journal rule for %s", tx.Type)
	}

	memo := fmt.Sprintf("%s %s", tx.Type, tx.ReferenceID)
	entry := ledger.NewJournalEntry(tx, debit, credit, tx.NetAmount, memo)
	return &entry, nil
}

func moneyAccount(tx ledger.Transaction) ledger.Account {
	switch tx.Metadata[ledger.MetaPaymentMethod] {
	case "bank", "card", "transfer":
		return AccountBank
	default:
		return AccountCash
	}
}
