/*
Package saga runs multi-step workflows with per-step compensation.

PURPOSE:
  A workflow is an ordered list of named steps. Each step has an operation
  (Do) and an optional compensating action (Undo). Steps run strictly one
  after another; on the first failure every step that already completed is
  compensated in reverse order.

RUN STATE MACHINE:
  PENDING ──▶ RUNNING ──▶ COMPLETED
                   │
                   └────▶ ROLLED_BACK

STEP STATES:
  pending → done | skipped | failed
  done    → compensated | compensation_failed

PERSISTED STEP LOG:
  The executor checkpoints the Run to a RunLog after every transition, so
  an interrupted run can be found later (see workflow/recovery.go) and the
  per-step outcome of a failed run can be inspected.

COMPENSATION IS BEST-EFFORT:
  A failing Undo is logged and recorded on the run (RollbackErrors). It is
  not retried. Callers that need all-or-nothing semantics run the whole saga
  inside a store transaction (see workflow.Options.Atomic).

IRREVERSIBLE STEPS:
  An Undo that returns an error wrapped with Irreversible stops the
  compensation. Its effect stands, so every step before it stays done:
  undoing them would leave state that contradicts the settled effect.

SEE ALSO:
  - workflow/orchestrator.go: named workflows built on this executor
  - store/sqlite/sqlite.go, billing/store/memory.go: RunLog implementations
*/
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// STATES
// =============================================================================

type State string

const (
	StatePending    State = "PENDING"
	StateRunning    State = "RUNNING"
	StateCompleted  State = "COMPLETED"
	StateRolledBack State = "ROLLED_BACK"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRolledBack
}

type StepStatus string

const (
	StepPending            StepStatus = "pending"
	StepDone               StepStatus = "done"
	StepSkipped            StepStatus = "skipped"
	StepFailed             StepStatus = "failed"
	StepCompensated        StepStatus = "compensated"
	StepCompensationFailed StepStatus = "compensation_failed"
)

// ErrSkip is returned from Step.Do when the step decided there is nothing
// to do. A skipped step is never compensated.
var ErrSkip = errors.New("saga: step skipped")

// ErrIrreversible matches errors returned by Irreversible.
var ErrIrreversible = errors.New("saga: step cannot be compensated")

type irreversibleError struct{ err error }

func (e *irreversibleError) Error() string        { return e.err.Error() }
func (e *irreversibleError) Unwrap() error        { return e.err }
func (e *irreversibleError) Is(target error) bool { return target == ErrIrreversible }

// Irreversible marks an Undo error as final: compensation stops at this
// step and earlier steps are left done. The result still matches err.
func Irreversible(err error) error {
	if err == nil {
		return nil
	}
	return &irreversibleError{err: err}
}

// =============================================================================
// STEP & RUN
// =============================================================================

// Step is one unit of a workflow.
type Step struct {
	Name string
	Do   func(ctx context.Context) error
	Undo func(ctx context.Context) error // nil: nothing to compensate
}

// StepRecord is the persisted outcome of a single step.
type StepRecord struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// Run is one execution of a workflow.
type Run struct {
	ID         string       `json:"id"`
	Workflow   string       `json:"workflow"`
	Key        string       `json:"key"` // serialization key, usually a project id
	State      State        `json:"state"`
	Steps      []StepRecord `json:"steps"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// NewRun creates a PENDING run with a fresh id.
func NewRun(workflow, key string) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:        "run-" + uuid.NewString(),
		Workflow:  workflow,
		Key:       key,
		State:     StatePending,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// CompletedSteps returns the names of steps that finished with done status
// or were later compensated.
func (r *Run) CompletedSteps() []string {
	var names []string
	for _, s := range r.Steps {
		switch s.Status {
		case StepDone, StepCompensated, StepCompensationFailed:
			names = append(names, s.Name)
		}
	}
	return names
}

// Step returns the record for the named step, or nil.
func (r *Run) Step(name string) *StepRecord {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy, safe to hand to a RunLog.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Steps = append([]StepRecord(nil), r.Steps...)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// RunLog persists runs. Implementations must upsert by Run.ID.
type RunLog interface {
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, states ...State) ([]*Run, error)
}

// =============================================================================
// FAILURE
// =============================================================================

// Failure is returned by Execute when a step fails. It unwraps to the step's
// error so callers can classify it with errors.Is / errors.As.
type Failure struct {
	Workflow          string
	RunID             string
	FailedStep        string
	CompletedSteps    []string
	RollbackPerformed bool
	RollbackErrors    []error
	Err               error

	// HaltedAt names the irreversible step compensation stopped at.
	HaltedAt string
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("workflow %s failed at step %q: %v", f.Workflow, f.FailedStep, f.Err)
	if len(f.RollbackErrors) > 0 {
		msg += fmt.Sprintf(" (%d compensation error(s))", len(f.RollbackErrors))
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// =============================================================================
// EXECUTOR
// =============================================================================

// Executor runs steps sequentially and compensates on failure.
type Executor struct {
	Logger *zap.Logger
	Now    func() time.Time
}

func NewExecutor(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{Logger: logger, Now: func() time.Time { return time.Now().UTC() }}
}

// Execute runs steps for run, checkpointing to log (which may be nil).
// The run must be PENDING. On success the run ends COMPLETED and nil is
// returned; otherwise the run ends ROLLED_BACK and a *Failure is returned.
func (e *Executor) Execute(ctx context.Context, log RunLog, run *Run, steps []Step) error {
	if run.State != StatePending {
		return fmt.Errorf("saga: run %s is %s, expected %s", run.ID, run.State, StatePending)
	}
	logger := e.Logger.With(
		zap.String("workflow", run.Workflow),
		zap.String("run_id", run.ID),
		zap.String("key", run.Key),
	)

	run.Steps = make([]StepRecord, len(steps))
	for i, s := range steps {
		run.Steps[i] = StepRecord{Name: s.Name, Status: StepPending}
	}
	e.transition(ctx, log, run, StateRunning)

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, log, logger, run, steps, i, err)
		}

		err := step.Do(ctx)
		switch {
		case err == nil:
			run.Steps[i].Status = StepDone
			logger.Debug("step done", zap.String("step", step.Name))
		case errors.Is(err, ErrSkip):
			run.Steps[i].Status = StepSkipped
			logger.Debug("step skipped", zap.String("step", step.Name))
		default:
			return e.fail(ctx, log, logger, run, steps, i, err)
		}
		e.checkpoint(ctx, log, run)
	}

	e.transition(ctx, log, run, StateCompleted)
	return nil
}

func (e *Executor) fail(ctx context.Context, log RunLog, logger *zap.Logger, run *Run, steps []Step, failed int, cause error) error {
	run.Steps[failed].Status = StepFailed
	run.Steps[failed].Error = cause.Error()
	run.Error = cause.Error()
	logger.Warn("step failed, compensating",
		zap.String("step", steps[failed].Name),
		zap.Error(cause),
	)

	completed := run.CompletedSteps()
	failure := &Failure{
		Workflow:       run.Workflow,
		RunID:          run.ID,
		FailedStep:     steps[failed].Name,
		CompletedSteps: completed,
		Err:            cause,
	}

	// Compensation uses a context that survives cancellation of the caller.
	undoCtx := context.WithoutCancel(ctx)
	for i := failed - 1; i >= 0; i-- {
		if run.Steps[i].Status != StepDone {
			continue
		}
		failure.RollbackPerformed = true
		if steps[i].Undo == nil {
			run.Steps[i].Status = StepCompensated
			continue
		}
		if err := steps[i].Undo(undoCtx); err != nil {
			run.Steps[i].Status = StepCompensationFailed
			run.Steps[i].Error = err.Error()
			failure.RollbackErrors = append(failure.RollbackErrors,
				fmt.Errorf("compensate %s: %w", steps[i].Name, err))
			if errors.Is(err, ErrIrreversible) {
				failure.HaltedAt = steps[i].Name
				logger.Error("step cannot be compensated, earlier steps kept",
					zap.String("step", steps[i].Name), zap.Error(err))
				break
			}
			logger.Error("compensation failed", zap.String("step", steps[i].Name), zap.Error(err))
			continue
		}
		run.Steps[i].Status = StepCompensated
		logger.Info("step compensated", zap.String("step", steps[i].Name))
	}

	e.transition(undoCtx, log, run, StateRolledBack)
	return failure
}

func (e *Executor) transition(ctx context.Context, log RunLog, run *Run, to State) {
	run.State = to
	if to.Terminal() {
		now := e.Now()
		run.FinishedAt = &now
	}
	e.checkpoint(ctx, log, run)
}

func (e *Executor) checkpoint(ctx context.Context, log RunLog, run *Run) {
	run.UpdatedAt = e.Now()
	if log == nil {
		return
	}
	if err := log.SaveRun(ctx, run.Clone()); err != nil {
		e.Logger.Warn("failed to checkpoint workflow run",
			zap.String("run_id", run.ID),
			zap.String("state", string(run.State)),
			zap.Error(err),
		)
	}
}

// MarkAbandoned moves a non-terminal run to ROLLED_BACK with reason. Used by
// recovery for runs interrupted by a crash.
func MarkAbandoned(run *Run, reason string, at time.Time) {
	for i := range run.Steps {
		if run.Steps[i].Status == StepPending {
			run.Steps[i].Status = StepSkipped
		}
	}
	run.State = StateRolledBack
	run.Error = reason
	run.UpdatedAt = at
	run.FinishedAt = &at
}
