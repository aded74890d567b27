// Package purchasing implements the supplier (payables) side of the ledger:
// the supplier chart of accounts and the goods receipt workflow.
package purchasing

import (
	"fmt"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// SUPPLIER CHART OF ACCOUNTS
// =============================================================================

const (
	AccountCash                 ledger.Account = "1000"
	AccountBank                 ledger.Account = "1010"
	AccountInventory            ledger.Account = "1300"
	AccountPayable              ledger.Account = "2000"
	AccountOpeningBalanceEquity ledger.Account = "3000"
	AccountAdjustments          ledger.Account = "3900"
	AccountOtherIncome          ledger.Account = "4900"
	AccountPurchaseReturns      ledger.Account = "5100"
)

// Register the supplier kind with the ledger registry
func init() {
	ledger.RegisterKind(ledger.KindSpec{Kind: ledger.KindSupplier, Journal: SupplierJournal})
}

// SupplierJournal books a supplier transaction against accounts payable.
// Pending is what we owe, so a supplier invoice credits payables.
func SupplierJournal(tx ledger.Transaction) (*ledger.JournalEntry, error) {
	var debit, credit ledger.Account
	switch tx.Type {
	case ledger.TxInvoice, ledger.TxDebitNote:
		debit, credit = AccountInventory, AccountPayable
	case ledger.TxPayment:
		debit, credit = AccountPayable, moneyAccount(tx)
	case ledger.TxRefund, ledger.TxCreditNote:
		debit, credit = AccountPayable, AccountPurchaseReturns
	case ledger.TxWriteOff:
		debit, credit = AccountPayable, AccountOtherIncome
	case ledger.TxAdjustment:
		debit, credit = AccountAdjustments, AccountPayable
		if tx.BalanceImpact.IsNegative() {
			debit, credit = credit, debit
		}
	case ledger.TxOpeningBalance:
		debit, credit = AccountOpeningBalanceEquity, AccountPayable
		if tx.BalanceImpact.IsNegative() {
			debit, credit = credit, debit
		}
	default:
		return nil, fmt.Errorf("purchasing: no journal rule for %s", tx.Type)
	}

	memo := fmt.Sprintf("%s %s", tx.Type, tx.ReferenceID)
	entry := ledger.NewJournalEntry(tx, debit, credit, tx.NetAmount, memo)
	return &entry, nil
}

func moneyAccount(tx ledger.Transaction) ledger.Account {
	if tx.Metadata[ledger.MetaPaymentMethod] == "cash" {
		return AccountCash
	}
	return AccountBank
}
