/*
recovery.go - Cleanup of workflow runs interrupted by a crash

PURPOSE:
  A process that dies mid-run leaves its run PENDING or RUNNING. In atomic
  mode the store rolled the writes back with the transaction; in saga mode
  some steps may have landed. Recovery closes such runs as ROLLED_BACK and
  runs the reconciliation guard over their project so invoice and
  transaction records agree again.

DESIGN:
  - A run is only touched once it is older than StaleAfter and its key's
    lock can be taken, so a live run is never closed under its owner.
  - RecoveryScheduler repeats Recover on a ticker and once at start.

SEE ALSO:
  - orchestrator.go: execute (where runs are written)
  - billing/reconcile.go: Guard
*/
package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/warp/payflow/billing"
	"github.com/warp/payflow/saga"
	"go.uber.org/zap"
)

// RecoveryReport lists what one recovery pass did.
type RecoveryReport struct {
	Abandoned  []string                   `json:"abandoned"`
	Reconciled []*billing.ReconcileReport `json:"reconciled"`
	Errors     []string                   `json:"errors"`
}

// Recover closes every non-terminal run older than staleAfter and
// reconciles the projects they touched.
func (o *Orchestrator) Recover(ctx context.Context, staleAfter time.Duration) (*RecoveryReport, error) {
	report := &RecoveryReport{}
	runs, err := o.store.ListRuns(ctx, saga.StatePending, saga.StateRunning)
	if err != nil {
		return nil, err
	}

	cutoff := o.now().Add(-staleAfter)
	projects := make(map[string]bool)
	for _, run := range runs {
		if run.UpdatedAt.After(cutoff) {
			continue
		}
		if err := o.abandon(ctx, run.ID, run.Key); err != nil {
			report.Errors = append(report.Errors, run.ID+": "+err.Error())
			continue
		}
		report.Abandoned = append(report.Abandoned, run.ID)
		projects[run.Key] = true
	}

	for projectID := range projects {
		rr, err := o.Reconcile(ctx, projectID, billing.InvoiceUpfront, billing.InvoiceCompletion, billing.InvoiceAutoMilestone, billing.InvoiceCustom)
		switch {
		case billing.IsNotFound(err):
			// the interrupted run never created its project
		case err != nil:
			report.Errors = append(report.Errors, projectID+": "+err.Error())
		default:
			report.Reconciled = append(report.Reconciled, rr)
		}
	}

	if len(report.Abandoned) > 0 || len(report.Errors) > 0 {
		o.logger.Info("recovered interrupted runs",
			zap.Int("abandoned", len(report.Abandoned)),
			zap.Int("reconciled", len(report.Reconciled)),
			zap.Int("errors", len(report.Errors)))
	}
	return report, nil
}

func (o *Orchestrator) abandon(ctx context.Context, runID, key string) error {
	unlock, err := o.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return nil
	}
	saga.MarkAbandoned(run, "interrupted", o.now())
	if err := o.store.SaveRun(ctx, run); err != nil {
		return err
	}
	o.logger.Warn("abandoned interrupted run",
		zap.String("run_id", run.ID),
		zap.String("workflow", run.Workflow),
		zap.String("key", run.Key),
		zap.Strings("completed_steps", run.CompletedSteps()))
	return nil
}

// =============================================================================
// SCHEDULER
// =============================================================================

// RecoveryScheduler runs Recover periodically in the background.
type RecoveryScheduler struct {
	Orchestrator *Orchestrator
	Interval     time.Duration
	StaleAfter   time.Duration
	Logger       *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewRecoveryScheduler(o *Orchestrator, interval, staleAfter time.Duration, logger *zap.Logger) *RecoveryScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryScheduler{
		Orchestrator: o,
		Interval:     interval,
		StaleAfter:   staleAfter,
		Logger:       logger,
	}
}

// Start launches the background loop. A zero interval disables it.
func (rs *RecoveryScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.Interval <= 0 {
		rs.Logger.Info("recovery scheduler disabled")
		return
	}
	if rs.ticker != nil {
		return
	}
	rs.ticker = time.NewTicker(rs.Interval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run()

	rs.Logger.Info("recovery scheduler started",
		zap.Duration("interval", rs.Interval),
		zap.Duration("stale_after", rs.StaleAfter))
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (rs *RecoveryScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.Logger.Info("recovery scheduler stopped")
}

func (rs *RecoveryScheduler) run() {
	defer rs.wg.Done()

	rs.pass()
	for {
		select {
		case <-rs.ticker.C:
			rs.pass()
		case <-rs.stop:
			return
		}
	}
}

func (rs *RecoveryScheduler) pass() {
	ctx, cancel := context.WithTimeout(context.Background(), rs.Interval)
	defer cancel()

	if _, err := rs.Orchestrator.Recover(ctx, rs.StaleAfter); err != nil {
		rs.Logger.Error("recovery pass failed", zap.Error(err))
	}
}
