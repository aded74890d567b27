package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/internal/events"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var clerk = ledger.Actor{ID: "clerk-1", Type: "user"}

func dec(s string) decimal.Decimal {
	return ledger.MustParseDecimal(s)
}

func day(m time.Month, d int) time.Time {
	return time.Date(2025, m, d, 0, 0, 0, 0, time.UTC)
}

// testClock is a settable engine clock.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testEnv struct {
	engine *ledger.Engine
	mem    *store.Memory
	events *events.Recorder
	clock  *testClock
}

func newTestEngine(t *testing.T) *testEnv {
	t.Helper()
	mem := store.NewMemory()
	rec := events.NewRecorder(0)
	clock := &testClock{now: time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)}

	engine := ledger.NewEngine(mem, zerolog.Nop())
	engine.Retry = ledger.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	engine.Publisher = rec
	engine.Clock = clock.Now
	return &testEnv{engine: engine, mem: mem, events: rec, clock: clock}
}

func (env *testEnv) holder(t *testing.T, id string) ledger.HolderID {
	t.Helper()
	h, err := env.engine.CreateHolder(context.Background(), ledger.CreateHolderInput{
		ID:   ledger.HolderID(id),
		Kind: ledger.KindCustomer,
		Name: "Holder " + id,
	})
	require.NoError(t, err)
	return h.ID
}

func (env *testEnv) post(t *testing.T, holderID ledger.HolderID, typ ledger.TransactionType, amount string) *ledger.Transaction {
	t.Helper()
	in := ledger.CreateTransactionInput{
		HolderID: holderID,
		Type:     typ,
		Amount:   dec(amount),
	}
	if typ == ledger.TxAdjustment || typ == ledger.TxWriteOff {
		in.Reason = "test"
	}
	tx, err := env.engine.CreateTransaction(context.Background(), in, clerk)
	require.NoError(t, err)
	return tx
}

func (env *testEnv) invoiceDue(t *testing.T, holderID ledger.HolderID, amount string, due time.Time) *ledger.Transaction {
	t.Helper()
	tx, err := env.engine.CreateTransaction(context.Background(), ledger.CreateTransactionInput{
		HolderID:        holderID,
		Type:            ledger.TxInvoice,
		Amount:          dec(amount),
		TransactionDate: due.AddDate(0, 0, -30),
		DueDate:         &due,
	}, clerk)
	require.NoError(t, err)
	return tx
}

func (env *testEnv) cached(t *testing.T, holderID ledger.HolderID) ledger.AccountHolder {
	t.Helper()
	h, err := env.mem.GetHolder(context.Background(), holderID)
	require.NoError(t, err)
	return *h
}

func (env *testEnv) invoice(t *testing.T, id ledger.TransactionID) ledger.Transaction {
	t.Helper()
	tx, err := env.mem.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return *tx
}

func assertBalances(t *testing.T, pending, advance string, got ledger.Balances) {
	t.Helper()
	want := ledger.NewBalances(dec(pending), dec(advance))
	assert.True(t, want.Pending.Equal(got.Pending), "pending: want %s, got %s", want.Pending, got.Pending)
	assert.True(t, want.Advance.Equal(got.Advance), "advance: want %s, got %s", want.Advance, got.Advance)
	assert.True(t, want.Current.Equal(got.Current), "current: want %s, got %s", want.Current, got.Current)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

// assertCacheMatchesLedger checks the cached balances against a full recalculation.
func (env *testEnv) assertCacheMatchesLedger(t *testing.T, holderID ledger.HolderID) {
	t.Helper()
	v, err := env.engine.ValidateBalanceCache(context.Background(), holderID)
	require.NoError(t, err)
	assert.True(t, v.IsValid, "cache %+v does not match ledger %+v", v.Cached, v.Calculated)
	assert.True(t, v.Consistent)
}
