package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/store"
)

// corrupt cancels a posted transaction behind the engine's back, leaving the
// cache out of step with the ledger.
func (env *testEnv) corrupt(t *testing.T, id ledger.TransactionID) {
	t.Helper()
	require.NoError(t, env.mem.UpdateTransactionStatus(context.Background(), id, ledger.StatusCancelled))
}

func TestReconcileBalance_NoDrift(t *testing.T) {
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")
	env.post(t, h, ledger.TxInvoice, "100")

	res, err := env.engine.ReconcileBalance(context.Background(), h, ledger.ReconcileOptions{AutoCorrect: true, AlertOnDrift: true})

	require.NoError(t, err)
	assert.False(t, res.HasDrift)
	assert.False(t, res.Corrected)
	assert.Nil(t, res.CorrectedAt)
	assert.True(t, res.Difference.IsZero())
	assert.Equal(t, int64(1), env.cached(t, h).Version, "no write without drift")
	assert.Empty(t, env.events.OfType(ledger.EventDriftDetected))
}

func TestReconcileBalance_DetectsWithoutCorrecting(t *testing.T) {
	// GIVEN: a second invoice cancelled out of band
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")
	env.post(t, h, ledger.TxInvoice, "100")
	stray := env.post(t, h, ledger.TxInvoice, "40")
	env.corrupt(t, stray.ID)

	// WHEN
	res, err := env.engine.ReconcileBalance(context.Background(), h, ledger.ReconcileOptions{AlertOnDrift: true})

	// THEN
	require.NoError(t, err)
	assert.True(t, res.HasDrift)
	assert.False(t, res.Corrected)
	assertBalances(t, "140", "0", res.Cached)
	assertBalances(t, "100", "0", res.Calculated)
	assertDecimal(t, "40", res.Difference.Pending)

	assertBalances(t, "140", "0", env.cached(t, h).Balances)
	require.Len(t, env.events.OfType(ledger.EventDriftDetected), 1)
	assert.Empty(t, env.events.OfType(ledger.EventBalanceCorrected))
}

func TestReconcileBalance_Corrects(t *testing.T) {
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")
	env.post(t, h, ledger.TxInvoice, "100")
	stray := env.post(t, h, ledger.TxInvoice, "40")
	env.corrupt(t, stray.ID)
	env.clock.Advance(5 * time.Minute)

	res, err := env.engine.ReconcileBalance(context.Background(), h, ledger.ReconcileOptions{AutoCorrect: true})

	require.NoError(t, err)
	assert.True(t, res.Corrected)
	require.NotNil(t, res.CorrectedAt)
	assert.Equal(t, env.clock.Now(), *res.CorrectedAt)

	cached := env.cached(t, h)
	assertBalances(t, "100", "0", cached.Balances)
	require.NotNil(t, cached.LastReconciledAt)
	assert.Equal(t, env.clock.Now(), *cached.LastReconciledAt)
	env.assertCacheMatchesLedger(t, h)
	assert.Len(t, env.events.OfType(ledger.EventBalanceCorrected), 1)
	assert.Empty(t, env.events.OfType(ledger.EventDriftDetected), "alerts are opt-in")

	// A second pass finds nothing
	again, err := env.engine.ReconcileBalance(context.Background(), h, ledger.ReconcileOptions{AutoCorrect: true})
	require.NoError(t, err)
	assert.False(t, again.HasDrift)
}

func TestReconcileBalance_Threshold(t *testing.T) {
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")
	env.post(t, h, ledger.TxInvoice, "100")
	stray := env.post(t, h, ledger.TxInvoice, "3")
	env.corrupt(t, stray.ID)

	loose, err := env.engine.ReconcileBalance(context.Background(), h, ledger.ReconcileOptions{DriftThreshold: ptr(dec("5"))})
	require.NoError(t, err)
	assert.False(t, loose.HasDrift)

	strict, err := env.engine.ReconcileBalance(context.Background(), h, ledger.ReconcileOptions{})
	require.NoError(t, err)
	assert.True(t, strict.HasDrift)
}

func TestReconcileBalance_ZeroThresholdIsExact(t *testing.T) {
	// GIVEN: a one-cent drift, inside the default tolerance
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")
	env.post(t, h, ledger.TxInvoice, "100")
	stray := env.post(t, h, ledger.TxInvoice, "0.01")
	env.corrupt(t, stray.ID)

	lenient, err := env.engine.ReconcileBalance(context.Background(), h, ledger.ReconcileOptions{})
	require.NoError(t, err)
	assert.False(t, lenient.HasDrift)

	// WHEN: an exact comparison is asked for
	exact, err := env.engine.ReconcileBalance(context.Background(), h, ledger.ReconcileOptions{
		AutoCorrect:    true,
		DriftThreshold: ptr(decimal.Zero),
	})

	// THEN
	require.NoError(t, err)
	assert.True(t, exact.HasDrift)
	assert.True(t, exact.Corrected)
	assertBalances(t, "100", "0", env.cached(t, h).Balances)
}

func ptr[T any](v T) *T { return &v }

func TestReconcileBalance_UnknownHolder(t *testing.T) {
	env := newTestEngine(t)

	_, err := env.engine.ReconcileBalance(context.Background(), "ghost", ledger.ReconcileOptions{})

	assert.True(t, ledger.IsNotFound(err))
}

func TestValidateBalanceCache_ReportsDrift(t *testing.T) {
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")
	inv := env.post(t, h, ledger.TxInvoice, "25")
	env.corrupt(t, inv.ID)

	v, err := env.engine.ValidateBalanceCache(context.Background(), h)

	require.NoError(t, err)
	assert.False(t, v.IsValid)
	assert.True(t, v.Consistent)
	assertDecimal(t, "25", v.Difference.Current)
	assert.Equal(t, int64(1), env.cached(t, h).Version, "validation never writes")
}

// =============================================================================
// BATCH
// =============================================================================

// flakyStore fails ledger reads for one holder inside units of work.
type flakyStore struct {
	*store.Memory
	fail ledger.HolderID
}

type flakyView struct {
	ledger.Store
	fail ledger.HolderID
}

func (v flakyView) LoadTransactions(ctx context.Context, id ledger.HolderID) ([]ledger.Transaction, error) {
	if id == v.fail {
		return nil, errors.New("ledger partition unavailable")
	}
	return v.Store.LoadTransactions(ctx, id)
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return f.Memory.WithTx(ctx, func(st ledger.Store) error {
		return fn(flakyView{Store: st, fail: f.fail})
	})
}

func TestReconcileAll_CorrectsEveryHolder(t *testing.T) {
	// GIVEN: five holders, two of them drifted
	env := newTestEngine(t)
	var ids []ledger.HolderID
	for i := 0; i < 5; i++ {
		h := env.holder(t, fmt.Sprintf("cust-%d", i))
		env.post(t, h, ledger.TxInvoice, "10")
		tx := env.post(t, h, ledger.TxInvoice, "5")
		if i%2 == 1 {
			env.corrupt(t, tx.ID)
		}
		ids = append(ids, h)
	}

	// WHEN: pages smaller than the holder count
	res, err := env.engine.ReconcileAll(context.Background(), ledger.BatchOptions{
		PageSize:    2,
		Concurrency: 2,
		Reconcile:   ledger.ReconcileOptions{AutoCorrect: true},
	})

	// THEN
	require.NoError(t, err)
	assert.Equal(t, 5, res.Checked)
	assert.Equal(t, 2, res.Drifted)
	assert.Equal(t, 2, res.Corrected)
	assert.Len(t, res.Drifts, 2)
	assert.Empty(t, res.Failures)
	for _, id := range ids {
		env.assertCacheMatchesLedger(t, id)
	}
}

func TestReconcileAll_ContinuesPastFailures(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{Memory: mem, fail: "cust-b"}
	engine := ledger.NewEngine(flaky, zerolog.Nop())
	engine.Retry = ledger.NoRetry
	for _, id := range []ledger.HolderID{"cust-a", "cust-b", "cust-c"} {
		_, err := engine.CreateHolder(context.Background(), ledger.CreateHolderInput{ID: id, Kind: ledger.KindCustomer})
		require.NoError(t, err)
	}

	res, err := engine.ReconcileAll(context.Background(), ledger.BatchOptions{Reconcile: ledger.ReconcileOptions{AutoCorrect: true}})

	require.NoError(t, err)
	assert.Equal(t, 3, res.Checked)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, ledger.HolderID("cust-b"), res.Failures[0].HolderID)
	assert.ErrorContains(t, res.Failures[0].Err, "partition unavailable")

	run := ledger.NewReconciliationRun("run-1", "manual", res)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, 3, run.Checked)
	require.Len(t, run.Errors, 1)
	assert.Contains(t, run.Errors[0], "cust-b")
}

func TestReconcileAll_FiltersByKind(t *testing.T) {
	env := newTestEngine(t)
	env.holder(t, "cust-1")
	_, err := env.engine.CreateHolder(context.Background(), ledger.CreateHolderInput{ID: "sup-1", Kind: ledger.KindSupplier})
	require.NoError(t, err)

	res, err := env.engine.ReconcileAll(context.Background(), ledger.BatchOptions{Kind: ledger.KindSupplier})

	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
}

func TestReconcileAll_CancelledContext(t *testing.T) {
	env := newTestEngine(t)
	env.holder(t, "cust-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := env.engine.ReconcileAll(ctx, ledger.BatchOptions{})

	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, 0, res.Checked)
}

// =============================================================================
// GET BALANCE
// =============================================================================

func TestGetBalance_FreshCache(t *testing.T) {
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")
	env.post(t, h, ledger.TxInvoice, "100")
	env.clock.Advance(30 * time.Minute)

	view, err := env.engine.GetBalance(context.Background(), h, 0)

	require.NoError(t, err)
	assert.Equal(t, ledger.SourceCache, view.Source)
	assertBalances(t, "100", "0", view.Balances)
}

func TestGetBalance_StaleCacheIsRefreshed(t *testing.T) {
	// GIVEN: a cache last written two hours ago that has drifted
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")
	env.post(t, h, ledger.TxInvoice, "100")
	stray := env.post(t, h, ledger.TxInvoice, "20")
	env.corrupt(t, stray.ID)
	env.clock.Advance(2 * time.Hour)

	// WHEN
	view, err := env.engine.GetBalance(context.Background(), h, 0)

	// THEN: served from the ledger and written back
	require.NoError(t, err)
	assert.Equal(t, ledger.SourceLedger, view.Source)
	assertBalances(t, "100", "0", view.Balances)

	cached := env.cached(t, h)
	assertBalances(t, "100", "0", cached.Balances)
	assert.Equal(t, env.clock.Now(), cached.BalancesUpdatedAt)
	require.NotNil(t, cached.LastReconciledAt)

	// The refreshed cache is fresh again
	view, err = env.engine.GetBalance(context.Background(), h, 0)
	require.NoError(t, err)
	assert.Equal(t, ledger.SourceCache, view.Source)
}

func TestGetBalance_CallerStaleness(t *testing.T) {
	env := newTestEngine(t)
	h := env.holder(t, "cust-1")
	env.clock.Advance(2 * time.Hour)

	view, err := env.engine.GetBalance(context.Background(), h, 3*time.Hour)

	require.NoError(t, err)
	assert.Equal(t, ledger.SourceCache, view.Source)
}

func TestGetBalance_UnknownHolder(t *testing.T) {
	env := newTestEngine(t)

	_, err := env.engine.GetBalance(context.Background(), "ghost", 0)

	assert.True(t, ledger.IsNotFound(err))
}
