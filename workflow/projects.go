package workflow

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/payflow/billing"
	"github.com/warp/payflow/metrics"
	"github.com/warp/payflow/notify"
	"github.com/warp/payflow/saga"
	"go.uber.org/zap"
)

// =============================================================================
// GIGS & MATCHING
// =============================================================================

// PostGig validates and stores a new gig as available.
func (o *Orchestrator) PostGig(ctx context.Context, g *billing.Gig) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if g.Status == "" {
		g.Status = billing.GigAvailable
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = o.now()
	}
	return o.store.CreateGig(ctx, g)
}

// Apply records a freelancer's application to an available gig.
func (o *Orchestrator) Apply(ctx context.Context, gigID, freelancerID string) (*billing.Application, error) {
	if freelancerID == "" {
		return nil, &billing.ValidationError{Field: "freelancerId", Reason: "required"}
	}
	gig, err := o.store.GetGig(ctx, gigID)
	if err != nil {
		return nil, err
	}
	if gig.Status != billing.GigAvailable {
		return nil, &billing.ValidationError{Field: "gigId", Code: "gig_unavailable", Reason: fmt.Sprintf("gig %s is not accepting applications", gig.ID)}
	}
	app := &billing.Application{
		ID:           "app-" + uuid.NewString(),
		GigID:        gig.ID,
		FreelancerID: freelancerID,
		Status:       billing.ApplicationPending,
		CreatedAt:    o.now(),
	}
	if err := o.store.SaveApplication(ctx, app); err != nil {
		return nil, err
	}
	return app, nil
}

// TaskSpec describes one task of a project being created by a match.
type TaskSpec struct {
	Title       string
	MilestoneID string
}

type MatchRequest struct {
	GigID         string
	ApplicationID string // either an existing application...
	FreelancerID  string // ...or the freelancer to create one for
	Actor         string // defaults to the gig's commissioner
	ProjectID     string // generated when empty
	Tasks         []TaskSpec
}

// MatchFreelancer turns a gig into a project:
//
//	accept_application → reserve_gig → create_project → generate_upfront_invoice
//
// Without explicit tasks a milestone gig gets one task per milestone and a
// completion gig a single task. Matches of one gig are serialized on
// "gig:<id>"; the run itself also holds the project lock, its run key.
func (o *Orchestrator) MatchFreelancer(ctx context.Context, req MatchRequest) (*Result, error) {
	start := o.now()
	if req.GigID == "" {
		return nil, o.refuse(WorkflowMatch, start, &billing.ValidationError{Field: "gigId", Reason: "required"})
	}
	if req.ApplicationID == "" && req.FreelancerID == "" {
		return nil, o.refuse(WorkflowMatch, start, &billing.ValidationError{Field: "applicationId", Reason: "an application or a freelancer is required"})
	}

	unlock, err := o.lock(ctx, "gig:"+req.GigID)
	if err != nil {
		return nil, o.refuse(WorkflowMatch, start, err)
	}
	defer unlock()

	gig, app, err := o.matchPrecheck(ctx, &req)
	if err != nil {
		return nil, o.refuse(WorkflowMatch, start, err)
	}
	project, tasks, err := o.plannedProject(gig, app, req)
	if err != nil {
		return nil, o.refuse(WorkflowMatch, start, err)
	}
	unlockProject, err := o.lock(ctx, project.ID)
	if err != nil {
		return nil, o.refuse(WorkflowMatch, start, err)
	}
	defer unlockProject()

	res := &Result{}
	res.Run, err = o.execute(ctx, WorkflowMatch, project.ID, func(e *env, fx *effects) []saga.Step {
		prevAppStatus := app.Status
		fx.emit(notify.Event{
			Type:      notify.ProjectActivated,
			ProjectID: project.ID,
			UserIDs:   []string{project.FreelancerID, project.CommissionerID},
			Payload:   map[string]string{"gig_id": gig.ID, "invoicing_method": string(project.InvoicingMethod)},
		})
		return []saga.Step{
			{
				Name: "accept_application",
				Do: func(ctx context.Context) error {
					app.Status = billing.ApplicationAccepted
					return e.store.SaveApplication(ctx, app)
				},
				Undo: func(ctx context.Context) error {
					app.Status = prevAppStatus
					return e.store.SaveApplication(ctx, app)
				},
			},
			{
				Name: "reserve_gig",
				Do: func(ctx context.Context) error {
					return e.store.SetGigStatus(ctx, gig.ID, billing.GigUnavailable)
				},
				Undo: func(ctx context.Context) error {
					return e.store.SetGigStatus(ctx, gig.ID, billing.GigAvailable)
				},
			},
			{
				Name: "create_project",
				Do: func(ctx context.Context) error {
					if err := e.store.CreateProject(ctx, project); err != nil {
						return err
					}
					for _, t := range tasks {
						if err := e.store.CreateTask(ctx, t); err != nil {
							return err
						}
					}
					res.Project = project
					return nil
				},
				Undo: func(ctx context.Context) error {
					return e.store.DeleteProject(ctx, project.ID)
				},
			},
			o.generateStep("generate_upfront_invoice", e, fx, res, func() (billing.Trigger, bool) {
				return billing.Trigger{ProjectID: project.ID, Type: billing.InvoiceUpfront},
					project.InvoicingMethod == billing.MethodCompletion
			}),
		}
	})
	return res, err
}

func (o *Orchestrator) matchPrecheck(ctx context.Context, req *MatchRequest) (*billing.Gig, *billing.Application, error) {
	gig, err := o.store.GetGig(ctx, req.GigID)
	if err != nil {
		return nil, nil, err
	}
	if req.Actor == "" {
		req.Actor = gig.CommissionerID
	}
	if req.Actor != gig.CommissionerID {
		return nil, nil, &billing.ValidationError{
			Field: "actor", Code: "not_commissioner",
			Reason: fmt.Sprintf("%s did not post gig %s", req.Actor, gig.ID),
		}
	}

	var app *billing.Application
	if req.ApplicationID != "" {
		if app, err = o.store.GetApplication(ctx, req.ApplicationID); err != nil {
			return nil, nil, err
		}
		if app.GigID != gig.ID {
			return nil, nil, &billing.ValidationError{Field: "applicationId", Reason: fmt.Sprintf("application %s is for gig %s", app.ID, app.GigID)}
		}
		if app.Status == billing.ApplicationAccepted {
			return nil, nil, &billing.DuplicateOperationError{Operation: "match_freelancer", Key: app.ID}
		}
		if app.Status == billing.ApplicationRejected {
			return nil, nil, &billing.ValidationError{Field: "applicationId", Code: "application_rejected", Reason: fmt.Sprintf("application %s was rejected", app.ID)}
		}
	} else {
		app = &billing.Application{
			ID:           "app-" + uuid.NewString(),
			GigID:        gig.ID,
			FreelancerID: req.FreelancerID,
			Status:       billing.ApplicationPending,
			CreatedAt:    o.now(),
		}
	}

	if gig.Status != billing.GigAvailable {
		return nil, nil, &billing.ValidationError{Field: "gigId", Code: "gig_unavailable", Reason: fmt.Sprintf("gig %s is already matched", gig.ID)}
	}
	return gig, app, nil
}

func (o *Orchestrator) plannedProject(gig *billing.Gig, app *billing.Application, req MatchRequest) (*billing.Project, []*billing.Task, error) {
	id := req.ProjectID
	if id == "" {
		id = "proj-" + uuid.NewString()
	}
	project := &billing.Project{
		ID:              id,
		GigID:           gig.ID,
		FreelancerID:    app.FreelancerID,
		CommissionerID:  gig.CommissionerID,
		Title:           gig.Title,
		InvoicingMethod: gig.InvoicingMethod,
		Budget:          gig.Budget(),
		Currency:        o.currency,
		Status:          billing.ProjectOngoing,
		CreatedAt:       o.now(),
	}

	specs := req.Tasks
	if len(specs) == 0 {
		if gig.InvoicingMethod == billing.MethodMilestone {
			for _, m := range gig.Milestones {
				specs = append(specs, TaskSpec{Title: m.Title, MilestoneID: m.ID})
			}
		} else {
			specs = []TaskSpec{{Title: gig.Title}}
		}
	}

	known := make(map[string]bool, len(gig.Milestones))
	for _, m := range gig.Milestones {
		known[m.ID] = true
	}
	tasks := make([]*billing.Task, 0, len(specs))
	for i, s := range specs {
		if s.MilestoneID != "" && !known[s.MilestoneID] {
			return nil, nil, &billing.ValidationError{Field: "tasks", Reason: fmt.Sprintf("unknown milestone %q", s.MilestoneID)}
		}
		tasks = append(tasks, &billing.Task{
			ID:          project.ID + "-t" + strconv.Itoa(i+1),
			ProjectID:   project.ID,
			MilestoneID: s.MilestoneID,
			Title:       s.Title,
			Order:       i + 1,
			Status:      billing.TaskOngoing,
		})
	}
	project.TotalTasks = len(tasks)
	return project, tasks, nil
}

// =============================================================================
// PROJECT COMPLETION & PAYMENT
// =============================================================================

func (o *Orchestrator) projectUnderLock(ctx context.Context, projectID string) (*billing.Project, func(), error) {
	if projectID == "" {
		return nil, nil, &billing.ValidationError{Field: "projectId", Reason: "required"}
	}
	unlock, err := o.lock(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return project, unlock, nil
}

// CompleteProject is the commissioner's explicit completion. Every task
// must be approved.
func (o *Orchestrator) CompleteProject(ctx context.Context, projectID, actor string) (*Result, error) {
	start := o.now()
	project, unlock, err := o.projectUnderLock(ctx, projectID)
	if err != nil {
		return nil, o.refuse(WorkflowCompleteProject, start, err)
	}
	defer unlock()

	if project.Status == billing.ProjectCompleted {
		return &Result{Project: project}, o.refuse(WorkflowCompleteProject, start,
			&billing.DuplicateOperationError{Operation: "complete_project", Key: project.ID})
	}
	if err := o.checkCommissioner(project, &actor); err != nil {
		return nil, o.refuse(WorkflowCompleteProject, start, err)
	}

	res := &Result{Project: project}
	res.Run, err = o.execute(ctx, WorkflowCompleteProject, project.ID, func(e *env, fx *effects) []saga.Step {
		prev := *project
		return []saga.Step{{
			Name: "complete_project",
			Do: func(ctx context.Context) error {
				cr, err := e.completer.Complete(ctx, project.ID, actor)
				if err != nil {
					return err
				}
				res.Completion = &cr
				res.Project = cr.Project
				fx.emit(notify.Event{
					Type:      notify.ProjectCompleted,
					ProjectID: project.ID,
					UserIDs:   []string{project.FreelancerID, project.CommissionerID},
					Payload:   map[string]string{"completed_by": actor},
				})
				return nil
			},
			Undo: func(ctx context.Context) error {
				return e.store.UpdateProject(ctx, &prev)
			},
		}}
	})
	return res, err
}

// PayCompletionInvoices settles every sent completion invoice of a
// completed project, one step per invoice.
func (o *Orchestrator) PayCompletionInvoices(ctx context.Context, projectID, payer string) (*Result, error) {
	start := o.now()
	project, unlock, err := o.projectUnderLock(ctx, projectID)
	if err != nil {
		return nil, o.refuse(WorkflowPayCompletion, start, err)
	}
	defer unlock()

	if project.InvoicingMethod != billing.MethodCompletion {
		return nil, o.refuse(WorkflowPayCompletion, start, &billing.ValidationError{
			Field: "projectId", Code: "not_completion_project",
			Reason: fmt.Sprintf("project %s uses %s invoicing", project.ID, project.InvoicingMethod),
		})
	}
	if project.Status != billing.ProjectCompleted {
		return nil, o.refuse(WorkflowPayCompletion, start, &billing.ValidationError{
			Field: "projectId", Code: "project_not_completed",
			Reason: fmt.Sprintf("project %s is still %s", project.ID, project.Status),
		})
	}
	if err := o.checkCommissioner(project, &payer); err != nil {
		return nil, o.refuse(WorkflowPayCompletion, start, err)
	}

	due, err := o.store.ListInvoices(ctx, billing.InvoiceFilter{
		ProjectID: project.ID,
		Types:     []billing.InvoiceType{billing.InvoiceCompletion},
		Statuses:  []billing.InvoiceStatus{billing.InvoiceSent},
	})
	if err != nil {
		return nil, o.refuse(WorkflowPayCompletion, start, err)
	}
	if len(due) == 0 {
		return &Result{Project: project}, o.refuse(WorkflowPayCompletion, start,
			&billing.DuplicateOperationError{Operation: "pay_completion_invoices", Key: project.ID})
	}

	res := &Result{Project: project, Invoices: due}
	res.Run, err = o.execute(ctx, WorkflowPayCompletion, project.ID, func(e *env, fx *effects) []saga.Step {
		steps := make([]saga.Step, 0, len(due))
		for _, inv := range due {
			inv := inv
			steps = append(steps, o.payStep("pay_"+inv.Number, e, fx, res, func() *billing.Invoice { return inv }, payer))
		}
		return steps
	})
	return res, err
}

// PayInvoice settles one sent invoice on the commissioner's request.
func (o *Orchestrator) PayInvoice(ctx context.Context, req billing.PaymentRequest) (*Result, error) {
	start := o.now()
	if req.InvoiceNumber == "" {
		return nil, o.refuse(WorkflowPayInvoice, start, &billing.ValidationError{Field: "invoiceNumber", Reason: "required"})
	}
	inv, err := o.store.GetInvoice(ctx, req.InvoiceNumber)
	if err != nil {
		return nil, o.refuse(WorkflowPayInvoice, start, err)
	}
	project, unlock, err := o.projectUnderLock(ctx, inv.ProjectID)
	if err != nil {
		return nil, o.refuse(WorkflowPayInvoice, start, err)
	}
	defer unlock()

	if inv, err = o.store.GetInvoice(ctx, req.InvoiceNumber); err != nil {
		return nil, o.refuse(WorkflowPayInvoice, start, err)
	}
	if inv.Status == billing.InvoicePaid {
		return &Result{Project: project, Invoices: []*billing.Invoice{inv}}, o.refuse(WorkflowPayInvoice, start,
			&billing.DuplicateOperationError{Operation: "pay_invoice", Key: inv.Number})
	}

	res := &Result{Project: project}
	res.Run, err = o.execute(ctx, WorkflowPayInvoice, project.ID, func(e *env, fx *effects) []saga.Step {
		return []saga.Step{{
			Name: "execute_payment",
			Do: func(ctx context.Context) error {
				pr, err := e.pay.Pay(ctx, req)
				if err != nil {
					metrics.RecordPayment("failed", inv.Currency, req.Amount)
					return err
				}
				res.Payments = append(res.Payments, pr)
				res.Invoices = []*billing.Invoice{pr.Invoice}
				fx.payments = append(fx.payments, pr)
				fx.emit(notify.Event{
					Type:          notify.InvoicePaid,
					ProjectID:     project.ID,
					UserIDs:       []string{pr.Invoice.FreelancerID, pr.Invoice.CommissionerID},
					InvoiceNumber: pr.Invoice.Number,
					Amount:        pr.Invoice.TotalAmount.StringFixed(2),
					Payload:       map[string]string{"transaction_id": pr.Transaction.ID},
				})
				return nil
			},
		}}
	})
	return res, err
}

// =============================================================================
// INVOICES
// =============================================================================

// GenerateInvoice is the system trigger for one invoice. An invoice that
// already exists for the trigger is returned with a DuplicateOperationError.
func (o *Orchestrator) GenerateInvoice(ctx context.Context, trig billing.Trigger) (*Result, error) {
	start := o.now()
	project, unlock, err := o.projectUnderLock(ctx, trig.ProjectID)
	if err != nil {
		return nil, o.refuse(WorkflowGenerateInvoice, start, err)
	}
	defer unlock()

	existing, err := o.store.FindInvoice(ctx, trig.InvoiceKey())
	switch {
	case err == nil && existing.Status != billing.InvoiceDraft:
		metrics.RecordInvoice(string(trig.Type), "duplicate")
		return &Result{Project: project, Invoices: []*billing.Invoice{existing}}, o.refuse(WorkflowGenerateInvoice, start,
			&billing.DuplicateOperationError{Operation: "generate_invoice", Key: trig.Key()})
	case err != nil && !billing.IsNotFound(err):
		return nil, o.refuse(WorkflowGenerateInvoice, start, err)
	}

	res := &Result{Project: project}
	res.Run, err = o.execute(ctx, WorkflowGenerateInvoice, project.ID, func(e *env, fx *effects) []saga.Step {
		return []saga.Step{o.generateStep("generate_invoice", e, fx, res, func() (billing.Trigger, bool) { return trig, true })}
	})
	return res, err
}

// DraftInvoice writes a custom invoice in draft status.
func (o *Orchestrator) DraftInvoice(ctx context.Context, req billing.DraftRequest) (*billing.Invoice, error) {
	_, unlock, err := o.projectUnderLock(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inv, err := o.gen.Draft(ctx, req)
	if err != nil {
		return nil, err
	}
	metrics.RecordInvoice(string(inv.Type), "created")
	return inv, nil
}

// SendInvoice moves a draft to sent and notifies the commissioner.
func (o *Orchestrator) SendInvoice(ctx context.Context, number string) (*billing.Invoice, error) {
	inv, err := o.store.GetInvoice(ctx, number)
	if err != nil {
		return nil, err
	}
	_, unlock, err := o.projectUnderLock(ctx, inv.ProjectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if inv, err = o.gen.Send(ctx, number); err != nil {
		return inv, err
	}
	notify.Dispatch(ctx, o.notifier, o.logger, notify.Event{
		Type:          notify.InvoiceGenerated,
		ProjectID:     inv.ProjectID,
		UserIDs:       []string{inv.CommissionerID},
		InvoiceNumber: inv.Number,
		Amount:        inv.TotalAmount.StringFixed(2),
		Payload:       map[string]string{"type": string(inv.Type)},
		At:            o.now(),
	})
	return inv, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconcile runs the guard for projectID under the project lock. With no
// types it checks upfront invoices only.
func (o *Orchestrator) Reconcile(ctx context.Context, projectID string, types ...billing.InvoiceType) (*billing.ReconcileReport, error) {
	if projectID == "" {
		return nil, &billing.ValidationError{Field: "projectId", Reason: "required"}
	}
	unlock, err := o.lock(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	report, err := o.guard.Reconcile(ctx, projectID, types...)
	if err != nil {
		return nil, err
	}
	metrics.RecordReconciled("backfilled", len(report.Backfilled))
	metrics.RecordReconciled("linked", len(report.Linked))
	metrics.RecordReconciled("unmatched", len(report.Unmatched))
	if report.ReconciledCount() > 0 || !report.Clean() {
		o.logger.Info("reconciliation finished",
			zap.String("project", projectID),
			zap.Int("reconciled", report.ReconciledCount()),
			zap.Int("unmatched", len(report.Unmatched)),
			zap.Int("errors", len(report.Errors)))
	}
	return report, nil
}

// =============================================================================
// WALLETS & RUNS
// =============================================================================

func (o *Orchestrator) Wallet(ctx context.Context, userID string) (*billing.Wallet, error) {
	return o.wallets.Get(ctx, userID)
}

func (o *Orchestrator) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*billing.Wallet, error) {
	return o.wallets.Withdraw(ctx, userID, amount)
}

func (o *Orchestrator) WalletHistory(ctx context.Context, userID string) ([]*billing.Transaction, error) {
	return o.wallets.History(ctx, userID)
}

// Run returns a persisted workflow run.
func (o *Orchestrator) Run(ctx context.Context, id string) (*saga.Run, error) {
	return o.store.GetRun(ctx, id)
}
