/*
kind.go - Holder kind registration

PURPOSE:
  Domain packages register how their holder kind books journal entries. The
  engine resolves the rule by kind at posting time, so it stays free of any
  chart-of-accounts knowledge.

USAGE:
  // In sales/journal.go
  func init() {
      ledger.RegisterKind(ledger.KindSpec{Kind: ledger.KindCustomer, Journal: customerJournal})
  }
*/
package ledger

import (
	"sort"
	"sync"
)

// JournalRule builds the journal entry for a transaction.
// Returning nil, nil means the transaction books nothing.
type JournalRule func(tx Transaction) (*JournalEntry, error)

// KindSpec describes a holder kind.
type KindSpec struct {
	Kind    HolderKind
	Journal JournalRule
}

var (
	kindRegistry = make(map[HolderKind]KindSpec)
	kindMu       sync.RWMutex
)

// RegisterKind adds or replaces a kind. Call from package init().
func RegisterKind(spec KindSpec) {
	kindMu.Lock()
	defer kindMu.Unlock()
	kindRegistry[spec.Kind] = spec
}

// LookupKind finds a registered kind.
func LookupKind(kind HolderKind) (KindSpec, bool) {
	kindMu.RLock()
	defer kindMu.RUnlock()
	spec, ok := kindRegistry[kind]
	return spec, ok
}

// RegisteredKinds lists every registered kind, sorted.
func RegisteredKinds() []HolderKind {
	kindMu.RLock()
	defer kindMu.RUnlock()
	out := make([]HolderKind, 0, len(kindRegistry))
	for k := range kindRegistry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
