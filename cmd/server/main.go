/*
main.go - Application entry point

PURPOSE:
  Command line for the payflow invoicing and payment engine. Builds the
  store, locks, notifier and orchestrator from configuration and either
  serves the HTTP API or runs one maintenance pass.

COMMANDS:
  serve       Start the HTTP server and the recovery scheduler
  reconcile   Repair one project's invoices and payments
  recover     Close interrupted workflow runs and reconcile their projects

FLAGS:
  --config    YAML config file (default: payflow.yaml when present)
  serve:
    --port    HTTP server port, overrides server.port
    --db      SQLite database path, overrides database.path
              ":memory:" for in-process SQLite, "memory" for the map store

STARTUP SEQUENCE (serve):
  1. Load configuration (defaults, YAML, PAYFLOW_* env, flags)
  2. Open the store, connect Redis / RabbitMQ when configured
  3. Start the recovery scheduler
  4. Start the HTTP server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (server.shutdown_timeout)
  3. Stop the scheduler, close publisher and database

EXAMPLES:
  payflow serve --db=":memory:" --port=3000
  payflow reconcile --project=proj-42 --type=upfront --type=completion
  PAYFLOW_REDIS_ADDR=localhost:6379 payflow serve

SEE ALSO:
  - config/config.go: Settings and precedence
  - api/server.go: Router configuration
  - workflow/orchestrator.go: Workflows
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/payflow/api"
	"github.com/warp/payflow/billing"
	"github.com/warp/payflow/billing/store"
	"github.com/warp/payflow/config"
	"github.com/warp/payflow/lock"
	"github.com/warp/payflow/notify"
	"github.com/warp/payflow/store/sqlite"
	"github.com/warp/payflow/workflow"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "payflow",
		Short:         "Freelance invoicing and payment engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newReconcileCmd(&configPath),
		newRecoverCmd(&configPath),
	)
	return root
}

// =============================================================================
// COMMANDS
// =============================================================================

func newServeCmd(configPath *string) *cobra.Command {
	var (
		port   int
		dbPath string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("db") {
				cfg.Database.Path = dbPath
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP server port")
	cmd.Flags().StringVar(&dbPath, "db", "payflow.db", "SQLite database path")
	return cmd
}

func newReconcileCmd(configPath *string) *cobra.Command {
	var (
		projectID string
		types     []string
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Backfill missing invoices and link orphaned payments of a project",
		RunE: func(cmd *cobra.Command, _ []string) error {
			invoiceTypes := make([]billing.InvoiceType, 0, len(types))
			for _, t := range types {
				it := billing.InvoiceType(t)
				if !it.Valid() {
					return fmt.Errorf("unknown invoice type %q", t)
				}
				invoiceTypes = append(invoiceTypes, it)
			}
			return withApp(*configPath, func(a *app) error {
				report, err := a.orchestrator.Reconcile(cmd.Context(), projectID, invoiceTypes...)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringSliceVar(&types, "type", nil, "invoice types to reconcile (default upfront)")
	cmd.MarkFlagRequired("project")
	return cmd
}

func newRecoverCmd(configPath *string) *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Close interrupted workflow runs and reconcile their projects",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(*configPath, func(a *app) error {
				stale := a.cfg.Workflow.StaleAfter
				if cmd.Flags().Changed("stale-after") {
					stale = staleAfter
				}
				report, err := a.orchestrator.Recover(cmd.Context(), stale)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "only recover runs idle for longer than this")
	return cmd
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg          *config.Config
	logger       *zap.Logger
	store        billing.Store
	pinger       interface{ Ping(ctx context.Context) error }
	orchestrator *workflow.Orchestrator
	closers      []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.logger.Sync()
}

func withApp(configPath string, fn func(*app) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

func newApp(cfg *config.Config) (*app, error) {
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	if cfg.Database.Path == "memory" {
		a.store = store.NewMemory()
	} else {
		db, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("initialize database: %w", err)
		}
		a.store, a.pinger = db, db
		a.closers = append(a.closers, db.Close)
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if strings.EqualFold(cfg.Lock.Backend, "redis") {
		rdb := lock.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		locker = lock.NewRedisLocker(rdb, cfg.Lock.TTL, logger)
		a.closers = append(a.closers, rdb.Close)
	}

	notifiers := notify.Multi{notify.NewLog(logger)}
	if cfg.AMQP.URL != "" {
		pub, err := notify.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			a.close()
			return nil, err
		}
		notifiers = append(notifiers, pub)
		a.closers = append(a.closers, pub.Close)
	}

	a.orchestrator = workflow.New(workflow.Deps{
		Store:      a.store,
		Locker:     locker,
		Calculator: billing.NewCalculator(cfg.Billing.UpfrontPercent),
		Epsilon:    cfg.Billing.Epsilon,
		Currency:   cfg.Billing.Currency,
		RetryDelay: cfg.Reconcile.RetryDelay,
		Notifier:   notifiers,
		Logger:     logger,
	}, workflow.Options{
		Atomic:           cfg.Workflow.Atomic,
		MilestoneAutoPay: cfg.Workflow.MilestoneAutoPay,
	})
	return a, nil
}

// =============================================================================
// SERVE
// =============================================================================

func serve(cfg *config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	scheduler := workflow.NewRecoveryScheduler(a.orchestrator, cfg.Workflow.RecoveryInterval, cfg.Workflow.StaleAfter, logger)
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(a.orchestrator, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.Server.CORSOrigins,
		Pinger:      a.pinger,
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("db", cfg.Database.Path),
			zap.String("lock", cfg.Lock.Backend),
			zap.Bool("atomic", cfg.Workflow.Atomic))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
