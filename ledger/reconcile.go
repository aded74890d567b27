/*
reconcile.go - Drift detection and correction

PURPOSE:
  The cache is a performance shortcut. Reconciliation recomputes the balance
  from the ledger (calculator.go), compares it component by component, and
  optionally overwrites the cache under the same version guard as every other
  write.

OPERATIONS:
  - ReconcileBalance:     one holder
  - ReconcileAll:         every holder, page by page, bounded concurrency;
                          per-holder failures are collected, never fatal
  - ValidateBalanceCache: read-only check
  - GetBalance:           cache read that falls back to the ledger when stale
*/
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ReconcileOptions controls a single-holder reconciliation.
type ReconcileOptions struct {
	AutoCorrect    bool
	AlertOnDrift   bool
	// DriftThreshold is the per-component tolerance. Nil uses the engine
	// default; zero asks for an exact comparison.
	DriftThreshold *decimal.Decimal
}

// ReconcileResult compares cached and calculated balances.
type ReconcileResult struct {
	HolderID    HolderID
	Cached      Balances
	Calculated  Balances
	Difference  Balances // Cached - Calculated
	HasDrift    bool
	Corrected   bool
	CorrectedAt *time.Time
	Calculation *BalanceCalculation
}

func driftExceeds(diff Balances, threshold decimal.Decimal) bool {
	return diff.Pending.Abs().GreaterThan(threshold) ||
		diff.Advance.Abs().GreaterThan(threshold) ||
		diff.Current.Abs().GreaterThan(threshold)
}

// ReconcileBalance recomputes a holder's balances from the ledger and
// compares them with the cache.
func (e *Engine) ReconcileBalance(ctx context.Context, holderID HolderID, opts ReconcileOptions) (*ReconcileResult, error) {
	return e.reconcile(ctx, holderID, opts, false)
}

// reconcile does the work for ReconcileBalance. With refresh set, the cache
// is rewritten even without drift, which resets BalancesUpdatedAt.
func (e *Engine) reconcile(ctx context.Context, holderID HolderID, opts ReconcileOptions, refresh bool) (*ReconcileResult, error) {
	threshold := e.DriftThreshold
	if opts.DriftThreshold != nil {
		threshold = *opts.DriftThreshold
	}

	var result *ReconcileResult
	err := e.retry(ctx, "reconcile_balance", func(int) error {
		return e.Store.WithTx(ctx, func(st Store) error {
			h, err := st.GetHolder(ctx, holderID)
			if err != nil {
				return err
			}
			calc, err := calculateFrom(ctx, st, holderID, nil)
			if err != nil {
				return err
			}

			diff := h.Balances.Sub(calc.Balances)
			res := &ReconcileResult{
				HolderID:    holderID,
				Cached:      h.Balances,
				Calculated:  calc.Balances,
				Difference:  diff,
				HasDrift:    driftExceeds(diff, threshold) || !h.Balances.Consistent(),
				Calculation: calc,
			}

			if (res.HasDrift && opts.AutoCorrect) || refresh {
				now := e.now()
				if _, err := st.WriteBalances(ctx, grantCacheWrite(), BalanceWrite{
					HolderID:        holderID,
					ExpectedVersion: h.Version,
					Balances:        calc.Balances,
					At:              now,
					Reconciled:      true,
				}); err != nil {
					return err
				}
				res.Corrected = res.HasDrift
				if res.Corrected {
					res.CorrectedAt = &now
				}
			}
			result = res
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if result.HasDrift {
		e.Logger.Warn().
			Str("holder_id", string(holderID)).
			Str("cached_current", result.Cached.Current.StringFixed(2)).
			Str("calculated_current", result.Calculated.Current.StringFixed(2)).
			Str("diff_pending", result.Difference.Pending.StringFixed(2)).
			Str("diff_advance", result.Difference.Advance.StringFixed(2)).
			Bool("corrected", result.Corrected).
			Msg("balance drift detected")
		if opts.AlertOnDrift {
			e.publish(ctx, EventDriftDetected, holderID, string(holderID), SystemActor, result)
		}
		if result.Corrected {
			e.publish(ctx, EventBalanceCorrected, holderID, string(holderID), SystemActor, result)
		}
	}
	return result, nil
}

// =============================================================================
// BATCH
// =============================================================================

// BatchOptions controls ReconcileAll.
type BatchOptions struct {
	Kind        HolderKind // empty = every kind
	PageSize    int        // default 100
	Concurrency int        // default 4
	Reconcile   ReconcileOptions
}

// HolderFailure is one holder that could not be reconciled.
type HolderFailure struct {
	HolderID HolderID
	Err      error
}

// BatchResult summarizes a ReconcileAll run.
type BatchResult struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Checked    int
	Drifted    int
	Corrected  int
	Drifts     []ReconcileResult
	Failures   []HolderFailure
}

// ReconcileAll reconciles every holder page by page. A failing holder is
// recorded in Failures and the run continues. Only a failure to list holders
// or a cancelled context stops the run early, returning what was done so far.
func (e *Engine) ReconcileAll(ctx context.Context, opts BatchOptions) (*BatchResult, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	res := &BatchResult{StartedAt: e.now()}
	var mu sync.Mutex

	for offset := 0; ; offset += opts.PageSize {
		if err := ctx.Err(); err != nil {
			res.FinishedAt = e.now()
			return res, err
		}
		page, err := e.Store.ListHolders(ctx, HolderFilter{Kind: opts.Kind, Offset: offset, Limit: opts.PageSize})
		if err != nil {
			res.FinishedAt = e.now()
			return res, err
		}

		var g errgroup.Group
		g.SetLimit(opts.Concurrency)
		for _, h := range page {
			id := h.ID
			g.Go(func() error {
				r, err := e.ReconcileBalance(ctx, id, opts.Reconcile)
				mu.Lock()
				defer mu.Unlock()
				res.Checked++
				if err != nil {
					res.Failures = append(res.Failures, HolderFailure{HolderID: id, Err: err})
					e.Logger.Error().Err(err).Str("holder_id", string(id)).Msg("reconciliation failed")
					return nil
				}
				if r.HasDrift {
					res.Drifted++
					res.Drifts = append(res.Drifts, *r)
				}
				if r.Corrected {
					res.Corrected++
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(page) < opts.PageSize {
			break
		}
	}

	res.FinishedAt = e.now()
	e.Logger.Info().
		Int("checked", res.Checked).
		Int("drifted", res.Drifted).
		Int("corrected", res.Corrected).
		Int("failed", len(res.Failures)).
		Dur("took", res.FinishedAt.Sub(res.StartedAt)).
		Msg("reconciliation batch finished")
	return res, nil
}

// =============================================================================
// VALIDATION AND READS
// =============================================================================

// CacheValidation is a read-only comparison of cache and ledger.
type CacheValidation struct {
	HolderID   HolderID
	IsValid    bool
	Consistent bool // Current == Pending - Advance on the cache itself
	Cached     Balances
	Calculated Balances
	Difference Balances
}

// ValidateBalanceCache checks the cache against the ledger without writing.
func (e *Engine) ValidateBalanceCache(ctx context.Context, holderID HolderID) (*CacheValidation, error) {
	h, err := e.Store.GetHolder(ctx, holderID)
	if err != nil {
		return nil, err
	}
	calc, err := calculateFrom(ctx, e.Store, holderID, nil)
	if err != nil {
		return nil, err
	}
	consistent := h.Balances.Consistent()
	return &CacheValidation{
		HolderID:   holderID,
		IsValid:    consistent && h.Balances.Equal(calc.Balances),
		Consistent: consistent,
		Cached:     h.Balances,
		Calculated: calc.Balances,
		Difference: h.Balances.Sub(calc.Balances),
	}, nil
}

// Balance sources reported by GetBalance.
const (
	SourceCache  = "cache"
	SourceLedger = "ledger"
)

// BalanceView is what GetBalance returns.
type BalanceView struct {
	HolderID  HolderID
	Balances  Balances
	UpdatedAt time.Time
	Source    string
}

// GetBalance returns the cached balances when they are younger than
// maxStaleness (zero = engine default). Older caches are recomputed from the
// ledger and refreshed.
func (e *Engine) GetBalance(ctx context.Context, holderID HolderID, maxStaleness time.Duration) (*BalanceView, error) {
	if maxStaleness <= 0 {
		maxStaleness = e.MaxStaleness
	}
	h, err := e.Store.GetHolder(ctx, holderID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if now.Sub(h.BalancesUpdatedAt) <= maxStaleness {
		return &BalanceView{HolderID: holderID, Balances: h.Balances, UpdatedAt: h.BalancesUpdatedAt, Source: SourceCache}, nil
	}

	res, err := e.reconcile(ctx, holderID, ReconcileOptions{AutoCorrect: true}, true)
	if err != nil {
		return nil, err
	}
	return &BalanceView{HolderID: holderID, Balances: res.Calculated, UpdatedAt: e.now(), Source: SourceLedger}, nil
}

// =============================================================================
// RUN LOG
// =============================================================================

// ReconciliationRun is the persisted summary of one batch.
type ReconciliationRun struct {
	ID         string
	Trigger    string // "scheduled", "manual", "cli"
	StartedAt  time.Time
	FinishedAt time.Time
	Checked    int
	Drifted    int
	Corrected  int
	Failed     int
	Errors     []string
}

// NewReconciliationRun summarizes a batch result.
func NewReconciliationRun(id, trigger string, res *BatchResult) ReconciliationRun {
	run := ReconciliationRun{
		ID:         id,
		Trigger:    trigger,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Checked:    res.Checked,
		Drifted:    res.Drifted,
		Corrected:  res.Corrected,
		Failed:     len(res.Failures),
	}
	for _, f := range res.Failures {
		run.Errors = append(run.Errors, string(f.HolderID)+": "+f.Err.Error())
	}
	return run
}

// RunLog stores reconciliation run summaries.
type RunLog interface {
	SaveReconciliationRun(ctx context.Context, run ReconciliationRun) error
	// ListReconciliationRuns returns the newest runs first.
	ListReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error)
}
