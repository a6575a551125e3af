/*
Package workflow sequences the billing services into named workflows.

PURPOSE:
  Every state change that spans more than one entity goes through here:
  task approval (approve → invoice → pay → complete), freelancer matching,
  project completion, completion payment, manual invoices and
  reconciliation. The billing package owns the rules; this package owns
  the order, the locking and the outcome.

EXECUTION MODEL:

  lock(project) ──▶ precheck ──▶ SaveRun(pending)
                                    │
                 ┌──────────────────┴───────────────────┐
            Atomic=true                            Atomic=false
     Store.WithTx { saga.Execute }             saga.Execute on Store
     failure: the tx rollback is the           failure: compensations run in
     compensation, no Undo runs                reverse and stop at a settled
                                               payment (InconsistentStateError)
                 └──────────────────┬───────────────────┘
                                 SaveRun(final) ──▶ notify + metrics

  Prechecks run under the lock and before any step, so a repeated trigger
  (second approval, second match, completed project) returns a
  DuplicateOperationError without starting a run.

NOTIFICATIONS:
  Steps only queue events. They are dispatched after the run has
  committed; a rolled back run publishes workflow.rolled_back instead.

SEE ALSO:
  - saga/saga.go: step executor and run log
  - tasks.go, projects.go: the workflows
  - recovery.go: cleanup of runs interrupted by a crash
*/
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payflow/billing"
	"github.com/warp/payflow/lock"
	"github.com/warp/payflow/metrics"
	"github.com/warp/payflow/notify"
	"github.com/warp/payflow/saga"
	"go.uber.org/zap"
)

// Workflow names, as recorded on runs and metrics.
const (
	WorkflowSubmitTask      = "submit_task"
	WorkflowApproveTask     = "approve_task"
	WorkflowRejectTask      = "reject_task"
	WorkflowMatch           = "match_freelancer"
	WorkflowCompleteProject = "complete_project"
	WorkflowPayCompletion   = "pay_completion_invoices"
	WorkflowPayInvoice      = "pay_invoice"
	WorkflowGenerateInvoice = "generate_invoice"
)

// Run outcomes for metrics.
const (
	outcomeCompleted  = "completed"
	outcomeRolledBack = "rolled_back"
	outcomeDuplicate  = "duplicate"
	outcomeRejected   = "rejected"
)

// Options switch between the two execution modes.
type Options struct {
	// Atomic runs each workflow inside one store transaction.
	Atomic bool
	// MilestoneAutoPay settles milestone invoices as part of task approval.
	MilestoneAutoPay bool
}

func DefaultOptions() Options {
	return Options{Atomic: true, MilestoneAutoPay: true}
}

// Deps are the collaborators of an Orchestrator. Only Store is required.
type Deps struct {
	Store      billing.Store
	Locker     lock.Locker
	Calculator billing.Calculator
	Epsilon    decimal.Decimal
	Currency   string
	RetryDelay time.Duration
	Notifier   notify.Notifier
	Logger     *zap.Logger
}

// Result is what a workflow did. Fields a workflow does not touch stay
// empty.
type Result struct {
	Run        *saga.Run
	Project    *billing.Project
	Task       *billing.Task
	Invoices   []*billing.Invoice
	Payments   []*billing.PaymentResult
	Completion *billing.CompletionResult
}

// Invoice returns the first invoice the workflow produced or reused.
func (r *Result) Invoice() *billing.Invoice {
	if r == nil || len(r.Invoices) == 0 {
		return nil
	}
	return r.Invoices[0]
}

type Orchestrator struct {
	store     billing.Store
	locks     lock.Locker
	saga      *saga.Executor
	gen       *billing.Generator
	pay       *billing.PaymentExecutor
	completer *billing.Completer
	guard     *billing.Guard
	wallets   *billing.WalletService
	notifier  notify.Notifier
	logger    *zap.Logger
	opts      Options
	currency  string

	// Now is the clock for every timestamp the workflows write.
	Now func() time.Time
}

func New(deps Deps, opts Options) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	locks := deps.Locker
	if locks == nil {
		locks = lock.NewKeyedMutex()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	currency := deps.Currency
	if currency == "" {
		currency = billing.DefaultCurrency
	}
	calc := deps.Calculator

	o := &Orchestrator{
		store:     deps.Store,
		locks:     locks,
		saga:      saga.NewExecutor(logger.Named("saga")),
		gen:       billing.NewGenerator(deps.Store, calc, logger.Named("invoice")),
		pay:       billing.NewPaymentExecutor(deps.Store, deps.Epsilon, logger.Named("payment")),
		completer: billing.NewCompleter(deps.Store, logger.Named("completion")),
		guard:     billing.NewGuard(deps.Store, calc, deps.RetryDelay, logger.Named("reconcile")),
		wallets:   billing.NewWalletService(deps.Store, currency, logger.Named("wallet")),
		notifier:  notifier,
		logger:    logger,
		opts:      opts,
		currency:  currency,
	}
	o.Now = func() time.Time { return time.Now().UTC() }
	clock := func() time.Time { return o.now() }
	o.gen.Now = clock
	o.pay.Now = clock
	o.completer.Now = clock
	o.saga.Now = clock
	return o
}

func (o *Orchestrator) now() time.Time { return o.Now().UTC() }

func (o *Orchestrator) Options() Options { return o.opts }

// Store exposes the underlying store for read-only queries.
func (o *Orchestrator) Store() billing.Store { return o.store }

// =============================================================================
// RUNNER
// =============================================================================

// env binds the billing services to the store a run writes through: the
// transaction in atomic mode, the root store otherwise.
type env struct {
	store     billing.Store
	gen       *billing.Generator
	pay       *billing.PaymentExecutor
	completer *billing.Completer
}

func (o *Orchestrator) bind(s billing.Store) *env {
	return &env{
		store:     s,
		gen:       o.gen.WithStore(s),
		pay:       o.pay.WithStore(s),
		completer: o.completer.WithStore(s),
	}
}

// effects collects what a run did. Nothing here leaves the process until
// the run has committed.
type effects struct {
	events   []notify.Event
	invoices []*billing.Invoice
	payments []*billing.PaymentResult
}

func (fx *effects) emit(ev notify.Event) { fx.events = append(fx.events, ev) }

type planFunc func(e *env, fx *effects) []saga.Step

func (o *Orchestrator) lock(ctx context.Context, key string) (func(), error) {
	unlock, err := o.locks.Lock(ctx, key)
	if err != nil {
		return nil, &billing.IOError{Op: "acquire lock " + key, Err: err}
	}
	return unlock, nil
}

// execute runs the planned steps as one workflow run. The caller holds the
// lock for key.
func (o *Orchestrator) execute(ctx context.Context, workflow, key string, plan planFunc) (*saga.Run, error) {
	run := saga.NewRun(workflow, key)
	run.StartedAt = o.now()
	run.UpdatedAt = run.StartedAt
	if err := o.store.SaveRun(ctx, run.Clone()); err != nil {
		o.observe(workflow, outcomeRejected, run.StartedAt)
		return nil, err
	}

	fx := &effects{}
	var err error
	if o.opts.Atomic {
		var execErr error
		txErr := o.store.WithTx(ctx, func(tx billing.Store) error {
			execErr = o.saga.Execute(ctx, tx, run, withoutUndo(plan(o.bind(tx), fx)))
			return execErr
		})
		err = execErr
		if err == nil {
			err = txErr
		}
		// The transaction never started or failed to commit.
		if err != nil && run.State != saga.StateRolledBack {
			saga.MarkAbandoned(run, err.Error(), o.now())
		}
	} else {
		err = o.saga.Execute(ctx, o.store, run, plan(o.bind(o.store), fx))
	}

	if serr := o.store.SaveRun(context.WithoutCancel(ctx), run.Clone()); serr != nil {
		o.logger.Warn("failed to persist workflow run",
			zap.String("run_id", run.ID),
			zap.String("state", string(run.State)),
			zap.Error(serr))
	}

	if err != nil {
		o.rolledBack(ctx, run, err)
		return run, err
	}
	o.publish(ctx, fx)
	o.observe(workflow, outcomeCompleted, run.StartedAt)
	return run, nil
}

// withoutUndo drops every compensation. Inside a transaction the rollback
// discards all writes, so an Undo would act on state that never commits.
func withoutUndo(steps []saga.Step) []saga.Step {
	for i := range steps {
		steps[i].Undo = nil
	}
	return steps
}

func (o *Orchestrator) rolledBack(ctx context.Context, run *saga.Run, err error) {
	payload := map[string]string{
		"workflow": run.Workflow,
		"run_id":   run.ID,
		"error":    err.Error(),
	}
	var failure *saga.Failure
	if errors.As(err, &failure) {
		payload["failed_step"] = failure.FailedStep
		if len(failure.RollbackErrors) > 0 {
			o.logger.Error("workflow rolled back with compensation errors",
				zap.String("workflow", run.Workflow),
				zap.String("run_id", run.ID),
				zap.Errors("rollback_errors", failure.RollbackErrors))
		}
	}
	o.logger.Warn("workflow rolled back",
		zap.String("workflow", run.Workflow),
		zap.String("run_id", run.ID),
		zap.String("key", run.Key),
		zap.Error(err))
	o.observe(run.Workflow, outcomeRolledBack, run.StartedAt)
	notify.Dispatch(ctx, o.notifier, o.logger, notify.Event{
		Type:      notify.WorkflowRolledBack,
		ProjectID: run.Key,
		Payload:   payload,
		At:        o.now(),
	})
}

func (o *Orchestrator) publish(ctx context.Context, fx *effects) {
	for _, inv := range fx.invoices {
		metrics.RecordInvoice(string(inv.Type), "created")
	}
	for _, p := range fx.payments {
		metrics.RecordPayment("paid", p.Invoice.Currency, p.Invoice.TotalAmount)
	}
	for _, ev := range fx.events {
		if ev.At.IsZero() {
			ev.At = o.now()
		}
		notify.Dispatch(ctx, o.notifier, o.logger, ev)
	}
}

func (o *Orchestrator) observe(workflow, outcome string, start time.Time) {
	metrics.RecordWorkflow(workflow, outcome, o.now().Sub(start))
}

// refuse records a workflow that stopped at its precheck and returns err.
func (o *Orchestrator) refuse(workflow string, start time.Time, err error) error {
	outcome := outcomeRejected
	if billing.IsDuplicate(err) {
		outcome = outcomeDuplicate
	}
	o.observe(workflow, outcome, start)
	return err
}

// =============================================================================
// SHARED STEPS
// =============================================================================

// payStep settles inv. A settled payment cannot be compensated because
// invoices never move back from paid, so compensation stops here and the
// steps before it keep their effects.
func (o *Orchestrator) payStep(name string, e *env, fx *effects, res *Result, inv func() *billing.Invoice, payer string) saga.Step {
	var settled *billing.Invoice
	return saga.Step{
		Name: name,
		Do: func(ctx context.Context) error {
			target := inv()
			if target == nil || target.Status != billing.InvoiceSent {
				return saga.ErrSkip
			}
			pr, err := e.pay.Pay(ctx, billing.PaymentRequest{
				InvoiceNumber: target.Number,
				Amount:        target.TotalAmount,
				PayerID:       payer,
				PaymentMethod: billing.DefaultPaymentMethod,
			})
			if err != nil {
				metrics.RecordPayment("failed", target.Currency, target.TotalAmount)
				return err
			}
			settled = pr.Invoice
			res.Payments = append(res.Payments, pr)
			replaceInvoice(res, pr.Invoice)
			fx.payments = append(fx.payments, pr)
			fx.emit(notify.Event{
				Type:          notify.InvoicePaid,
				ProjectID:     pr.Invoice.ProjectID,
				UserIDs:       []string{pr.Invoice.FreelancerID, pr.Invoice.CommissionerID},
				InvoiceNumber: pr.Invoice.Number,
				Amount:        pr.Invoice.TotalAmount.StringFixed(2),
				Payload:       map[string]string{"transaction_id": pr.Transaction.ID},
			})
			return nil
		},
		Undo: func(context.Context) error {
			return saga.Irreversible(&billing.InconsistentStateError{
				Entity: "invoice",
				ID:     settled.Number,
				Reason: "payment already settled; the invoice cannot return to sent and needs manual reconciliation",
			})
		},
	}
}

// generateStep creates the invoice for trig. An invoice that already
// exists for the trigger is reused and the step is skipped.
func (o *Orchestrator) generateStep(name string, e *env, fx *effects, res *Result, trig func() (billing.Trigger, bool)) saga.Step {
	var created *billing.Invoice
	return saga.Step{
		Name: name,
		Do: func(ctx context.Context) error {
			t, ok := trig()
			if !ok {
				return saga.ErrSkip
			}
			inv, err := e.gen.Generate(ctx, t)
			switch {
			case billing.IsDuplicate(err) && inv != nil:
				metrics.RecordInvoice(string(t.Type), "duplicate")
				res.Invoices = append(res.Invoices, inv)
				return saga.ErrSkip
			case err != nil:
				metrics.RecordInvoice(string(t.Type), "failed")
				return err
			}
			created = inv
			res.Invoices = append(res.Invoices, inv)
			fx.invoices = append(fx.invoices, inv)
			fx.emit(notify.Event{
				Type:          notify.InvoiceGenerated,
				ProjectID:     inv.ProjectID,
				UserIDs:       []string{inv.CommissionerID, inv.FreelancerID},
				InvoiceNumber: inv.Number,
				Amount:        inv.TotalAmount.StringFixed(2),
				Payload:       map[string]string{"type": string(inv.Type), "trigger": inv.TriggerKey},
			})
			return nil
		},
		Undo: func(ctx context.Context) error {
			return e.store.DeleteInvoice(ctx, created.Number)
		},
	}
}

func replaceInvoice(res *Result, inv *billing.Invoice) {
	for i, existing := range res.Invoices {
		if existing.Number == inv.Number {
			res.Invoices[i] = inv
			return
		}
	}
	res.Invoices = append(res.Invoices, inv)
}
