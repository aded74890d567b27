/*
main.go - Application entry point

PURPOSE:
  Starts the ledger engine HTTP server or runs a one-off reconciliation.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve      HTTP API plus the reconciliation scheduler (default)
  reconcile  Reconcile every holder once and exit

STARTUP SEQUENCE (serve):
  1. Load configuration (.env, then environment)
  2. Initialize logger
  3. Open SQLite store and event publisher
  4. Build the engine, handlers and router
  5. Start scheduler and HTTP server, shut down gracefully on signal

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running batch)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Drain NATS, close database connection

ENVIRONMENT:
  See internal/config. Flags override PORT and DB_PATH.

SEE ALSO:
  - api/server.go: Router configuration
  - internal/config/config.go: Settings
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/warp/ledger-engine/api"
	"github.com/warp/ledger-engine/internal/config"
	"github.com/warp/ledger-engine/internal/events"
	"github.com/warp/ledger-engine/internal/logger"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/store/sqlite"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "ledger-engine",
	Short:   "Receivable and payable balance engine",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if port, _ := cmd.Flags().GetString("port"); port != "" {
			cfg.Port = port
		}
		if db, _ := cmd.Flags().GetString("db"); db != "" {
			cfg.DBPath = db
		}
		if err := logger.Setup(cfg.GetLoggerConfig()); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		appConfig = cfg
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Close()
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the reconciliation scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), appConfig)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile every holder once and exit",
	Example: `  # Report drift without correcting it
  ledger-engine reconcile --auto-correct=false

  # Only suppliers
  ledger-engine reconcile --kind supplier`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		autoCorrect, _ := cmd.Flags().GetBool("auto-correct")
		return reconcileOnce(cmd.Context(), appConfig, ledger.HolderKind(kind), autoCorrect)
	},
}

var appConfig *config.Config

func init() {
	rootCmd.PersistentFlags().String("port", "", "HTTP server port (overrides PORT)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides DB_PATH), \":memory:\" for in-memory")

	reconcileCmd.Flags().String("kind", "", "Only reconcile holders of this kind (customer, supplier)")
	reconcileCmd.Flags().Bool("auto-correct", true, "Rewrite drifted caches from the ledger")

	rootCmd.AddCommand(serveCmd, reconcileCmd)
	rootCmd.RunE = serveCmd.RunE
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log := logger.WithComponent("main")
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// app is what both commands need.
type app struct {
	store     *sqlite.Store
	engine    *ledger.Engine
	publisher io.Closer
}

func (a *app) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	a.store.Close()
}

func newApp(cfg *config.Config, log zerolog.Logger) (*app, error) {
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	engine := ledger.NewEngine(store, logger.GetLogger())
	engine.Retry = ledger.RetryPolicy{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay}
	engine.MaxStaleness = cfg.CacheMaxStaleness
	engine.DriftThreshold = cfg.DriftThreshold

	a := &app{store: store, engine: engine}
	if cfg.NATSURL == "" {
		log.Info().Msg("NATS_URL not set, events are kept in memory only")
		engine.Publisher = events.NewRecorder(1000)
		return a, nil
	}

	pub, err := events.NewNATSPublisher(events.DefaultConfig(cfg.NATSURL, cfg.NATSSubjectPrefix), logger.GetLogger())
	if err != nil {
		store.Close()
		return nil, err
	}
	engine.Publisher = pub
	a.publisher = pub
	log.Info().Str("url", cfg.NATSURL).Str("prefix", cfg.NATSSubjectPrefix).Msg("publishing events to NATS")
	return a, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.WithComponent("main")

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(a.engine, a.store, logger.GetLogger())
	sched := handler.Scheduler
	sched.Enabled = cfg.ReconcileEnabled
	sched.CheckInterval = cfg.ReconcileInterval
	sched.Options.PageSize = cfg.ReconcilePageSize
	sched.Options.Concurrency = cfg.ReconcileConcurrency
	sched.Options.Reconcile.AutoCorrect = cfg.ReconcileAutoCorrect
	sched.Start()
	defer sched.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Str("db", cfg.DBPath).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info().Msg("shutting down server")
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}

func reconcileOnce(ctx context.Context, cfg *config.Config, kind ledger.HolderKind, autoCorrect bool) error {
	log := logger.WithComponent("reconcile")
	if kind != "" && !kind.IsValid() {
		return fmt.Errorf("unknown holder kind %q", kind)
	}

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := api.NewReconciliationScheduler(a.engine, a.store, logger.GetLogger())
	opts := sched.Options
	opts.Kind = kind
	opts.PageSize = cfg.ReconcilePageSize
	opts.Concurrency = cfg.ReconcileConcurrency
	opts.Reconcile.AutoCorrect = autoCorrect

	run, res, err := sched.RunWith(ctx, api.TriggerCLI, opts)
	if err != nil {
		return err
	}
	for _, d := range res.Drifts {
		log.Warn().
			Str("holder_id", string(d.HolderID)).
			Str("cached", d.Cached.Current.StringFixed(2)).
			Str("calculated", d.Calculated.Current.StringFixed(2)).
			Bool("corrected", d.Corrected).
			Msg("drift")
	}
	fmt.Printf("run %s: checked=%d drifted=%d corrected=%d failed=%d\n",
		run.ID, run.Checked, run.Drifted, run.Corrected, run.Failed)
	if run.Failed > 0 {
		return fmt.Errorf("%d holders failed to reconcile", run.Failed)
	}
	return nil
}
