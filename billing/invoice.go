/*
invoice.go - Idempotent invoice generation

PURPOSE:
  Turns a trigger (project activation, task approval, manual draft) into
  exactly one persisted Invoice. The amount comes from the Calculator using
  the project's budget and the task list as it is at call time.

IDEMPOTENCY:
  Each generated invoice carries a uniqueness key (project, type, trigger).
  The store's CreateInvoice is the atomic compare-and-swap on that key, so
  a retried or concurrent trigger cannot create a second invoice:

    Generate(approve task-1)  ──▶  INV-A created            (nil error)
    Generate(approve task-1)  ──▶  INV-A returned unchanged (DuplicateOperationError)

  A draft already holding the key is promoted to sent and returned as if
  it had just been generated.

ELIGIBILITY:
  upfront         completion projects only, once per project
  completion      completion projects, triggering task approved
  auto_milestone  milestone projects, triggering task approved and linked
                  to a milestone
  custom          manual drafts only (Draft), never deduplicated

SEE ALSO:
  - calculator.go: amounts
  - payment.go: settles a sent invoice
*/
package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// TRIGGER
// =============================================================================

// Trigger identifies why an invoice is being generated.
type Trigger struct {
	ProjectID string
	Type      InvoiceType
	TaskID    string // causing task; empty for upfront
}

// TriggerKey is the third component of the invoice uniqueness key.
func (t Trigger) TriggerKey() string {
	if t.Type == InvoiceUpfront {
		return UpfrontTrigger
	}
	return t.TaskID
}

func (t Trigger) InvoiceKey() InvoiceKey {
	return InvoiceKey{ProjectID: t.ProjectID, Type: t.Type, TriggerKey: t.TriggerKey()}
}

// Key renders the trigger for logs and errors.
func (t Trigger) Key() string { return t.InvoiceKey().String() }

// Generation failure reasons.
const (
	ReasonProjectNotFound   = "project_not_found"
	ReasonGigNotFound       = "gig_not_found"
	ReasonMethodMismatch    = "invoicing_method_mismatch"
	ReasonTypeNotApplicable = "type_not_applicable"
	ReasonNoEligibleTasks   = "no_eligible_tasks"
	ReasonMissingMilestone  = "missing_milestone"
)

// NewInvoiceNumber returns a fresh human-readable invoice number.
func NewInvoiceNumber() string {
	return "INV-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// =============================================================================
// GENERATOR
// =============================================================================

type Generator struct {
	Store     Store
	Calc      Calculator
	Logger    *zap.Logger
	Now       func() time.Time
	NewNumber func() string
}

func NewGenerator(store Store, calc Calculator, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{Store: store, Calc: calc, Logger: logger}
}

// WithStore returns a copy of the generator bound to s (typically a
// transaction-scoped store).
func (g *Generator) WithStore(s Store) *Generator {
	cp := *g
	cp.Store = s
	return &cp
}

func (g *Generator) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

func (g *Generator) number() string {
	if g.NewNumber != nil {
		return g.NewNumber()
	}
	return NewInvoiceNumber()
}

func (g *Generator) log() *zap.Logger { return orNop(g.Logger) }

func orNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Generate creates the invoice for trig, or returns the one that already
// exists together with a *DuplicateOperationError.
func (g *Generator) Generate(ctx context.Context, trig Trigger) (*Invoice, error) {
	if trig.ProjectID == "" {
		return nil, &ValidationError{Field: "projectId", Reason: "required"}
	}
	switch trig.Type {
	case InvoiceUpfront:
	case InvoiceCompletion, InvoiceAutoMilestone:
		if trig.TaskID == "" {
			return nil, &ValidationError{Field: "taskId", Reason: fmt.Sprintf("%s invoice requires the causing task", trig.Type)}
		}
	case InvoiceCustom:
		return nil, &ValidationError{Field: "type", Reason: "custom invoices are drafted manually"}
	default:
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown invoice type %q", trig.Type)}
	}

	project, err := g.loadProject(ctx, trig)
	if err != nil {
		return nil, err
	}

	// Fast path for retries. The insert below is what actually guards.
	if existing, err := g.Store.FindInvoice(ctx, trig.InvoiceKey()); err == nil {
		return g.existing(ctx, trig, existing)
	} else if !IsNotFound(err) {
		return nil, wrapIO("find invoice", err)
	}

	amount, task, err := g.amount(ctx, trig, project)
	if err != nil {
		return nil, err
	}

	inv := &Invoice{
		Number:          g.number(),
		ProjectID:       project.ID,
		FreelancerID:    project.FreelancerID,
		CommissionerID:  project.CommissionerID,
		Type:            trig.Type,
		InvoicingMethod: project.InvoicingMethod,
		TriggerKey:      trig.TriggerKey(),
		TotalAmount:     amount,
		Currency:        project.Currency,
		Status:          InvoiceSent,
		IssuedAt:        g.now(),
	}
	if task != nil {
		inv.TaskID = task.ID
		inv.MilestoneID = task.MilestoneID
	}

	if err := g.Store.CreateInvoice(ctx, inv); err != nil {
		if IsDuplicate(err) {
			existing, findErr := g.Store.FindInvoice(ctx, trig.InvoiceKey())
			if findErr != nil {
				return nil, wrapIO("find invoice", findErr)
			}
			return g.existing(ctx, trig, existing)
		}
		return nil, wrapIO("create invoice", err)
	}

	g.log().Info("invoice generated",
		zap.String("invoice", inv.Number),
		zap.String("project", inv.ProjectID),
		zap.String("type", string(inv.Type)),
		zap.String("trigger", inv.TriggerKey),
		zap.String("amount", inv.TotalAmount.StringFixed(2)))
	return inv, nil
}

func (g *Generator) existing(ctx context.Context, trig Trigger, inv *Invoice) (*Invoice, error) {
	if inv.Status != InvoiceDraft {
		return inv, &DuplicateOperationError{Operation: "generate_invoice", Key: trig.Key()}
	}
	if err := inv.Advance(InvoiceSent, g.now()); err != nil {
		return nil, err
	}
	if err := g.Store.UpdateInvoice(ctx, inv); err != nil {
		return nil, wrapIO("update invoice", err)
	}
	g.log().Info("draft invoice promoted", zap.String("invoice", inv.Number), zap.String("trigger", trig.Key()))
	return inv, nil
}

func (g *Generator) loadProject(ctx context.Context, trig Trigger) (*Project, error) {
	project, err := g.Store.GetProject(ctx, trig.ProjectID)
	if err != nil {
		if IsNotFound(err) {
			return nil, &InvoiceGenerationError{Trigger: trig, Reason: ReasonProjectNotFound, Cause: err}
		}
		return nil, wrapIO("get project", err)
	}

	gig, err := g.Store.GetGig(ctx, project.GigID)
	if err != nil {
		if IsNotFound(err) {
			return nil, &InvoiceGenerationError{Trigger: trig, Reason: ReasonGigNotFound, Cause: err}
		}
		return nil, wrapIO("get gig", err)
	}
	if gig.InvoicingMethod != project.InvoicingMethod {
		return nil, &InvoiceGenerationError{
			Trigger: trig,
			Reason:  ReasonMethodMismatch,
			Cause: &InconsistentStateError{
				Entity: "project",
				ID:     project.ID,
				Reason: fmt.Sprintf("project invoicing method %s differs from gig %s method %s", project.InvoicingMethod, gig.ID, gig.InvoicingMethod),
			},
		}
	}

	want := MethodCompletion
	if trig.Type == InvoiceAutoMilestone {
		want = MethodMilestone
	}
	if project.InvoicingMethod != want {
		return nil, &InvoiceGenerationError{
			Trigger: trig,
			Reason:  ReasonTypeNotApplicable,
			Cause: &ValidationError{
				Field:  "type",
				Reason: fmt.Sprintf("%s invoices require %s invoicing, project uses %s", trig.Type, want, project.InvoicingMethod),
			},
		}
	}
	return project, nil
}

// amount computes the invoice total from the task list as it is now.
func (g *Generator) amount(ctx context.Context, trig Trigger, project *Project) (decimal.Decimal, *Task, error) {
	if trig.Type == InvoiceUpfront {
		return g.Calc.Upfront(project.Budget), nil, nil
	}

	tasks, err := g.Store.ListTasks(ctx, project.ID)
	if err != nil {
		return decimal.Zero, nil, wrapIO("list tasks", err)
	}

	var task *Task
	approved, planned := 0, 0
	for _, t := range tasks {
		if t.ID == trig.TaskID {
			task = t
		}
		if t.Status == TaskApproved {
			approved++
		}
		if t.Status == TaskRejected {
			continue
		}
		if trig.Type == InvoiceAutoMilestone && t.MilestoneID == "" {
			continue
		}
		planned++
	}

	if task == nil {
		return decimal.Zero, nil, &InvoiceGenerationError{
			Trigger: trig,
			Reason:  ReasonNoEligibleTasks,
			Cause:   &NotFoundError{Entity: "task", ID: trig.TaskID},
		}
	}
	if approved == 0 || task.Status != TaskApproved {
		return decimal.Zero, nil, &InvoiceGenerationError{
			Trigger: trig,
			Reason:  ReasonNoEligibleTasks,
			Cause:   &ValidationError{Field: "taskId", Reason: fmt.Sprintf("task %s is %s, not approved", task.ID, task.Status)},
		}
	}
	if trig.Type == InvoiceAutoMilestone && task.MilestoneID == "" {
		return decimal.Zero, nil, &InvoiceGenerationError{
			Trigger: trig,
			Reason:  ReasonMissingMilestone,
			Cause:   &ValidationError{Field: "milestoneId", Reason: fmt.Sprintf("task %s has no milestone", task.ID)},
		}
	}

	invoiced, err := g.Store.ListInvoices(ctx, InvoiceFilter{ProjectID: project.ID, Types: []InvoiceType{trig.Type}})
	if err != nil {
		return decimal.Zero, nil, wrapIO("list invoices", err)
	}
	invoicedTotal := decimal.Zero
	for _, inv := range invoiced {
		invoicedTotal = invoicedTotal.Add(inv.TotalAmount)
	}
	if planned < len(invoiced)+1 {
		planned = len(invoiced) + 1
	}

	total := project.Budget
	if trig.Type == InvoiceCompletion {
		upfront, err := g.upfrontAmount(ctx, project)
		if err != nil {
			return decimal.Zero, nil, err
		}
		total = g.Calc.CompletionRemainder(project.Budget, upfront)
	}
	return g.Calc.NextShare(total, invoicedTotal, len(invoiced), planned), task, nil
}

// upfrontAmount is the upfront invoice's amount when it exists, otherwise
// what it would be.
func (g *Generator) upfrontAmount(ctx context.Context, project *Project) (decimal.Decimal, error) {
	inv, err := g.Store.FindInvoice(ctx, InvoiceKey{ProjectID: project.ID, Type: InvoiceUpfront, TriggerKey: UpfrontTrigger})
	switch {
	case err == nil && inv.TotalAmount.IsPositive():
		return inv.TotalAmount, nil
	case err == nil || IsNotFound(err):
		return g.Calc.Upfront(project.Budget), nil
	}
	return decimal.Zero, wrapIO("find upfront invoice", err)
}

// =============================================================================
// MANUAL INVOICES
// =============================================================================

// DraftRequest describes a manually written invoice.
type DraftRequest struct {
	ProjectID string
	TaskID    string
	Amount    decimal.Decimal
}

// Draft creates a custom invoice in draft status. Custom invoices are keyed
// by their own number, so every draft is a new invoice.
func (g *Generator) Draft(ctx context.Context, req DraftRequest) (*Invoice, error) {
	if !req.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	project, err := g.Store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, wrapIO("get project", err)
	}
	if req.TaskID != "" {
		task, err := g.Store.GetTask(ctx, req.TaskID)
		if err != nil {
			return nil, wrapIO("get task", err)
		}
		if task.ProjectID != project.ID {
			return nil, &ValidationError{Field: "taskId", Reason: fmt.Sprintf("task %s belongs to another project", task.ID)}
		}
	}

	number := g.number()
	inv := &Invoice{
		Number:          number,
		ProjectID:       project.ID,
		FreelancerID:    project.FreelancerID,
		CommissionerID:  project.CommissionerID,
		Type:            InvoiceCustom,
		InvoicingMethod: project.InvoicingMethod,
		TriggerKey:      number,
		TaskID:          req.TaskID,
		TotalAmount:     Cents(req.Amount),
		Currency:        project.Currency,
		Status:          InvoiceDraft,
		IssuedAt:        g.now(),
	}
	if err := g.Store.CreateInvoice(ctx, inv); err != nil {
		return nil, wrapIO("create invoice", err)
	}
	g.log().Info("invoice drafted", zap.String("invoice", inv.Number), zap.String("project", inv.ProjectID))
	return inv, nil
}

// Send moves a draft to sent. Sending a sent invoice is a duplicate.
func (g *Generator) Send(ctx context.Context, number string) (*Invoice, error) {
	inv, err := g.Store.GetInvoice(ctx, number)
	if err != nil {
		return nil, wrapIO("get invoice", err)
	}
	if err := inv.Advance(InvoiceSent, g.now()); err != nil {
		return inv, err
	}
	if err := g.Store.UpdateInvoice(ctx, inv); err != nil {
		return nil, wrapIO("update invoice", err)
	}
	return inv, nil
}
