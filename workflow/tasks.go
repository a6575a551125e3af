package workflow

import (
	"context"
	"fmt"

	"github.com/warp/payflow/billing"
	"github.com/warp/payflow/notify"
	"github.com/warp/payflow/saga"
	"go.uber.org/zap"
)

// =============================================================================
// TASK WORKFLOWS
// =============================================================================

// taskUnderLock reads the task, locks its project and reads both again so
// the prechecks see the state no other workflow can change.
func (o *Orchestrator) taskUnderLock(ctx context.Context, taskID string) (*billing.Task, *billing.Project, func(), error) {
	if taskID == "" {
		return nil, nil, nil, &billing.ValidationError{Field: "taskId", Reason: "required"}
	}
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, nil, err
	}
	unlock, err := o.lock(ctx, task.ProjectID)
	if err != nil {
		return nil, nil, nil, err
	}
	if task, err = o.store.GetTask(ctx, taskID); err != nil {
		unlock()
		return nil, nil, nil, err
	}
	project, err := o.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		unlock()
		return nil, nil, nil, err
	}
	return task, project, unlock, nil
}

// checkTransition turns an impossible task move into the error callers
// expect: repeating the current status is a duplicate.
func checkTransition(task *billing.Task, to billing.TaskStatus) error {
	if task.Status == to {
		return &billing.DuplicateOperationError{Operation: "task_" + string(to), Key: task.ID}
	}
	if !task.Status.CanTransitionTo(to) {
		return &billing.ValidationError{
			Field:  "status",
			Code:   "invalid_transition",
			Reason: fmt.Sprintf("task %s cannot move from %s to %s", task.ID, task.Status, to),
		}
	}
	return nil
}

// transitionStep moves the task and restores the previous record on
// compensation.
func (o *Orchestrator) transitionStep(name string, e *env, res *Result, taskID string, to billing.TaskStatus, actor string, mutate func(*billing.Task)) saga.Step {
	var prev billing.Task
	return saga.Step{
		Name: name,
		Do: func(ctx context.Context) error {
			t, err := e.store.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			prev = *t
			if err := t.Transition(to, actor, o.now()); err != nil {
				return err
			}
			if mutate != nil {
				mutate(t)
			}
			if err := e.store.UpdateTask(ctx, t); err != nil {
				return err
			}
			res.Task = t
			return nil
		},
		Undo: func(ctx context.Context) error {
			return e.store.UpdateTask(ctx, &prev)
		},
	}
}

// SubmitTask hands a task in for review. Only the project's freelancer may
// submit.
func (o *Orchestrator) SubmitTask(ctx context.Context, taskID, actor string) (*Result, error) {
	start := o.now()
	task, project, unlock, err := o.taskUnderLock(ctx, taskID)
	if err != nil {
		return nil, o.refuse(WorkflowSubmitTask, start, err)
	}
	defer unlock()

	if actor == "" {
		actor = project.FreelancerID
	}
	if actor != project.FreelancerID {
		return nil, o.refuse(WorkflowSubmitTask, start, &billing.ValidationError{
			Field: "actor", Code: "not_freelancer",
			Reason: fmt.Sprintf("%s is not the freelancer of project %s", actor, project.ID),
		})
	}
	if err := checkTransition(task, billing.TaskSubmitted); err != nil {
		return nil, o.refuse(WorkflowSubmitTask, start, err)
	}

	res := &Result{Project: project}
	res.Run, err = o.execute(ctx, WorkflowSubmitTask, project.ID, func(e *env, fx *effects) []saga.Step {
		fx.emit(notify.Event{
			Type:      notify.TaskSubmitted,
			ProjectID: project.ID,
			UserIDs:   []string{project.CommissionerID},
			Payload:   map[string]string{"task_id": taskID},
		})
		return []saga.Step{o.transitionStep("submit_task", e, res, taskID, billing.TaskSubmitted, actor, nil)}
	})
	return res, err
}

// RejectTask closes a submitted task without invoicing it. Rejection is
// terminal.
func (o *Orchestrator) RejectTask(ctx context.Context, taskID, actor, reason string) (*Result, error) {
	start := o.now()
	task, project, unlock, err := o.taskUnderLock(ctx, taskID)
	if err != nil {
		return nil, o.refuse(WorkflowRejectTask, start, err)
	}
	defer unlock()

	if err := o.checkCommissioner(project, &actor); err != nil {
		return nil, o.refuse(WorkflowRejectTask, start, err)
	}
	if err := checkTransition(task, billing.TaskRejected); err != nil {
		return nil, o.refuse(WorkflowRejectTask, start, err)
	}

	res := &Result{Project: project}
	res.Run, err = o.execute(ctx, WorkflowRejectTask, project.ID, func(e *env, fx *effects) []saga.Step {
		fx.emit(notify.Event{
			Type:      notify.TaskRejected,
			ProjectID: project.ID,
			UserIDs:   []string{project.FreelancerID},
			Payload:   map[string]string{"task_id": taskID, "reason": reason},
		})
		return []saga.Step{o.transitionStep("reject_task", e, res, taskID, billing.TaskRejected, actor, func(t *billing.Task) {
			t.RejectionReason = reason
		})}
	})
	return res, err
}

// ApproveTask runs the approval workflow:
//
//	approve_task → generate_invoice → execute_payment → check_completion
//
// execute_payment only runs for milestone projects with auto-pay enabled;
// completion invoices are settled by PayCompletionInvoices.
func (o *Orchestrator) ApproveTask(ctx context.Context, taskID, actor string) (*Result, error) {
	start := o.now()
	task, project, unlock, err := o.taskUnderLock(ctx, taskID)
	if err != nil {
		return nil, o.refuse(WorkflowApproveTask, start, err)
	}
	defer unlock()

	if err := o.checkCommissioner(project, &actor); err != nil {
		return nil, o.refuse(WorkflowApproveTask, start, err)
	}
	if err := checkTransition(task, billing.TaskApproved); err != nil {
		return nil, o.refuse(WorkflowApproveTask, start, err)
	}

	res := &Result{Project: project}
	res.Run, err = o.execute(ctx, WorkflowApproveTask, project.ID, func(e *env, fx *effects) []saga.Step {
		fx.emit(notify.Event{
			Type:      notify.TaskApproved,
			ProjectID: project.ID,
			UserIDs:   []string{project.FreelancerID},
			Payload:   map[string]string{"task_id": taskID},
		})
		return []saga.Step{
			o.transitionStep("approve_task", e, res, taskID, billing.TaskApproved, actor, nil),
			o.generateStep("generate_invoice", e, fx, res, func() (billing.Trigger, bool) {
				return o.approvalTrigger(project, res.Task)
			}),
			o.payStep("execute_payment", e, fx, res, func() *billing.Invoice {
				if project.InvoicingMethod != billing.MethodMilestone || !o.opts.MilestoneAutoPay {
					return nil
				}
				return res.Invoice()
			}, project.CommissionerID),
			o.completionStep(e, fx, res, project.ID, actor),
		}
	})
	return res, err
}

// approvalTrigger picks the invoice an approved task produces. A milestone
// task without a milestone produces none.
func (o *Orchestrator) approvalTrigger(project *billing.Project, task *billing.Task) (billing.Trigger, bool) {
	trig := billing.Trigger{ProjectID: project.ID, Type: billing.InvoiceCompletion, TaskID: task.ID}
	if project.InvoicingMethod == billing.MethodMilestone {
		if task.MilestoneID == "" {
			o.logger.Warn("approved milestone task has no milestone, no invoice generated",
				zap.String("project", project.ID),
				zap.String("task", task.ID))
			return trig, false
		}
		trig.Type = billing.InvoiceAutoMilestone
	}
	return trig, true
}

// completionStep completes the project once every task is approved. It is
// the last step of a run, so it never needs compensating.
func (o *Orchestrator) completionStep(e *env, fx *effects, res *Result, projectID, actor string) saga.Step {
	return saga.Step{
		Name: "check_completion",
		Do: func(ctx context.Context) error {
			cr, err := e.completer.CheckAndComplete(ctx, projectID, actor)
			if err != nil {
				return err
			}
			res.Completion = &cr
			if !cr.Changed {
				return saga.ErrSkip
			}
			res.Project = cr.Project
			fx.emit(notify.Event{
				Type:      notify.ProjectCompleted,
				ProjectID: projectID,
				UserIDs:   []string{cr.Project.FreelancerID, cr.Project.CommissionerID},
				Payload:   map[string]string{"completed_by": actor},
			})
			return nil
		},
	}
}

// checkCommissioner defaults an empty actor to the commissioner and
// rejects anyone else.
func (o *Orchestrator) checkCommissioner(project *billing.Project, actor *string) error {
	if *actor == "" {
		*actor = project.CommissionerID
	}
	if *actor != project.CommissionerID {
		return &billing.ValidationError{
			Field:  "actor",
			Code:   "not_commissioner",
			Reason: fmt.Sprintf("%s is not the commissioner of project %s", *actor, project.ID),
		}
	}
	return nil
}
