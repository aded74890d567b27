/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically reconciles every holder's cached balances against the ledger
  and records each batch as a reconciliation run.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each tick calls Engine.ReconcileAll; failing holders do not stop the batch
  - Runs are saved through ledger.RunLog for audit and the runs endpoint
  - Only one batch runs at a time; a tick that finds one running is skipped

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether the scheduler is active (default: true)
  - Options: Page size, concurrency and reconcile options for every batch

USAGE:
  scheduler := NewReconciliationScheduler(engine, runs, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunReconciliation endpoint (manual batch)
  - ledger/reconcile.go: ReconcileAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/ledger-engine/ledger"
)

// Run triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerCLI       = "cli"
)

// ReconciliationScheduler handles automated balance reconciliation.
type ReconciliationScheduler struct {
	Engine        *ledger.Engine
	Runs          ledger.RunLog
	Options       ledger.BatchOptions
	CheckInterval time.Duration
	Enabled       bool
	Logger        zerolog.Logger

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running sync.Mutex
}

// NewReconciliationScheduler creates a scheduler that corrects drift hourly.
func NewReconciliationScheduler(engine *ledger.Engine, runs ledger.RunLog, logger zerolog.Logger) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Engine: engine,
		Runs:   runs,
		Options: ledger.BatchOptions{
			PageSize:    100,
			Concurrency: 4,
			Reconcile:   ledger.ReconcileOptions{AutoCorrect: true, AlertOnDrift: true},
		},
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Logger:        logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info().Msg("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run(rs.ticker, rs.stop)

	rs.Logger.Info().Dur("interval", rs.CheckInterval).Msg("scheduler started")
}

// Stop stops the scheduler and waits for a running batch to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.Logger.Info().Msg("scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			rs.tick(ctx)
		case <-stop:
			return
		}
	}
}

func (rs *ReconciliationScheduler) tick(ctx context.Context) {
	if !rs.running.TryLock() {
		rs.Logger.Warn().Msg("previous reconciliation still running, skipping tick")
		return
	}
	defer rs.running.Unlock()

	if _, _, err := rs.execute(ctx, TriggerScheduled, rs.Options); err != nil {
		rs.Logger.Error().Err(err).Msg("scheduled reconciliation failed")
	}
}

// RunNow runs a batch with the scheduler's options immediately.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context, trigger string) (*ledger.ReconciliationRun, error) {
	run, _, err := rs.RunWith(ctx, trigger, rs.Options)
	return run, err
}

// RunWith runs a batch with opts, waiting for any batch already in progress.
func (rs *ReconciliationScheduler) RunWith(ctx context.Context, trigger string, opts ledger.BatchOptions) (*ledger.ReconciliationRun, *ledger.BatchResult, error) {
	rs.running.Lock()
	defer rs.running.Unlock()
	return rs.execute(ctx, trigger, opts)
}

func (rs *ReconciliationScheduler) execute(ctx context.Context, trigger string, opts ledger.BatchOptions) (*ledger.ReconciliationRun, *ledger.BatchResult, error) {
	res, batchErr := rs.Engine.ReconcileAll(ctx, opts)
	run := ledger.NewReconciliationRun(uuid.NewString(), trigger, res)
	if batchErr != nil {
		run.Errors = append(run.Errors, batchErr.Error())
	}

	if rs.Runs != nil {
		// Saved even when the batch stopped early, so partial runs stay visible.
		if err := rs.Runs.SaveReconciliationRun(context.WithoutCancel(ctx), run); err != nil {
			rs.Logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to save reconciliation run")
			if batchErr == nil {
				batchErr = err
			}
		}
	}

	rs.Logger.Info().
		Str("run_id", run.ID).
		Str("trigger", trigger).
		Int("checked", run.Checked).
		Int("drifted", run.Drifted).
		Int("corrected", run.Corrected).
		Int("failed", run.Failed).
		Msg("reconciliation run recorded")
	return &run, res, batchErr
}
