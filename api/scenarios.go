/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Populates the store with realistic gigs and projects by driving the real
	workflows, so every record a scenario leaves behind went through the
	same invoicing, payment and completion rules as production traffic.

AVAILABLE SCENARIOS:

	open-gig:          Posted gig with two pending applications
	milestone-agency:  9000 over three milestones, first paid, second in review
	completion-studio: 10000 completion project, upfront paid, one task approved
	completed-project: Completion project approved, completed and paid out

HOW SCENARIOS WORK:
 1. Build gig JSON with the factory presets
 2. Post the gig and match a freelancer
 3. Submit / approve tasks and pay invoices through the orchestrator

Ids carry a random suffix, so a scenario can be loaded any number of times
into the same store.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "milestone-agency"}

SEE ALSO:
  - handlers.go: Handler
  - factory/gig.go: gig presets
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/payflow/billing"
	"github.com/warp/payflow/factory"
	"github.com/warp/payflow/workflow"
	"go.uber.org/zap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "open-gig",
		Name:        "Open Gig",
		Description: "A posted gig with two pending applications, ready to match",
		Method:      string(billing.MethodMilestone),
	},
	{
		ID:          "milestone-agency",
		Name:        "Milestone Agency",
		Description: "9000 split over three milestones; the first is paid, the second awaits review",
		Method:      string(billing.MethodMilestone),
	},
	{
		ID:          "completion-studio",
		Name:        "Completion Studio",
		Description: "10000 completion project with the 12% upfront paid and one of two tasks approved",
		Method:      string(billing.MethodCompletion),
	},
	{
		ID:          "completed-project",
		Name:        "Completed Project",
		Description: "Completion project approved, auto-completed and fully paid out",
		Method:      string(billing.MethodCompletion),
	},
}

// ScenarioResult lists what a load created.
type ScenarioResult struct {
	ScenarioID string   `json:"scenario_id"`
	GigIDs     []string `json:"gig_ids"`
	ProjectIDs []string `json:"project_ids,omitempty"`
}

// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": h.currentScenario})
}

// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.loadScenario(r.Context(), req.ScenarioID)
	if err != nil {
		h.Logger.Warn("scenario load failed", zap.String("scenario", req.ScenarioID), zap.Error(err))
		writeError(w, err)
		return
	}
	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) loadScenario(ctx context.Context, id string) (*ScenarioResult, error) {
	sc := &scenarioRun{h: h, ctx: ctx, suffix: uuid.NewString()[:8], res: &ScenarioResult{ScenarioID: id}}
	var err error
	switch id {
	case "open-gig":
		err = sc.openGig()
	case "milestone-agency":
		err = sc.milestoneAgency()
	case "completion-studio":
		err = sc.completionStudio()
	case "completed-project":
		err = sc.completedProject()
	default:
		return nil, &billing.NotFoundError{Entity: "scenario", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", id, err)
	}
	return sc.res, nil
}

// =============================================================================
// LOADERS
// =============================================================================

type scenarioRun struct {
	h      *Handler
	ctx    context.Context
	suffix string
	res    *ScenarioResult
}

func (s *scenarioRun) id(prefix string) string { return prefix + "-" + s.suffix }

func (s *scenarioRun) post(gj factory.GigJSON) (*billing.Gig, error) {
	gig, err := s.h.Gigs.BuildGig(gj)
	if err != nil {
		return nil, err
	}
	if err := s.h.Orchestrator.PostGig(s.ctx, gig); err != nil {
		return nil, err
	}
	s.res.GigIDs = append(s.res.GigIDs, gig.ID)
	return gig, nil
}

func (s *scenarioRun) match(gig *billing.Gig, freelancerID string, tasks ...workflow.TaskSpec) (*workflow.Result, error) {
	res, err := s.h.Orchestrator.MatchFreelancer(s.ctx, workflow.MatchRequest{
		GigID:        gig.ID,
		FreelancerID: freelancerID,
		ProjectID:    "proj-" + gig.ID,
		Tasks:        tasks,
	})
	if err != nil {
		return nil, err
	}
	s.res.ProjectIDs = append(s.res.ProjectIDs, res.Project.ID)
	return res, nil
}

func (s *scenarioRun) approve(taskID string) (*workflow.Result, error) {
	if _, err := s.h.Orchestrator.SubmitTask(s.ctx, taskID, ""); err != nil {
		return nil, err
	}
	return s.h.Orchestrator.ApproveTask(s.ctx, taskID, "")
}

func (s *scenarioRun) pay(inv *billing.Invoice) error {
	_, err := s.h.Orchestrator.PayInvoice(s.ctx, billing.PaymentRequest{InvoiceNumber: inv.Number, Amount: inv.TotalAmount})
	return err
}

func (s *scenarioRun) openGig() error {
	gig, err := s.post(factory.MilestoneGigJSON(s.id("gig-open"), "comm-northwind", "Product launch video", decimal.NewFromInt(4500), 2))
	if err != nil {
		return err
	}
	for _, f := range []string{"free-ana", "free-ben"} {
		if _, err := s.h.Orchestrator.Apply(s.ctx, gig.ID, f); err != nil {
			return err
		}
	}
	return nil
}

func (s *scenarioRun) milestoneAgency() error {
	gig, err := s.post(factory.MilestoneGigJSON(s.id("gig-agency"), "comm-acme", "Brand refresh", decimal.NewFromInt(9000), 3))
	if err != nil {
		return err
	}
	res, err := s.match(gig, "free-ana")
	if err != nil {
		return err
	}
	projectID := res.Project.ID

	first, err := s.approve(projectID + "-t1")
	if err != nil {
		return err
	}
	if inv := first.Invoice(); inv != nil && inv.Status == billing.InvoiceSent {
		// auto-pay disabled
		if err := s.pay(inv); err != nil {
			return err
		}
	}
	_, err = s.h.Orchestrator.SubmitTask(s.ctx, projectID+"-t2", "")
	return err
}

func (s *scenarioRun) completionStudio() error {
	gig, err := s.post(factory.CompletionGigJSON(s.id("gig-studio"), "comm-globex", "Annual report design", decimal.NewFromInt(10000)))
	if err != nil {
		return err
	}
	res, err := s.match(gig, "free-ben",
		workflow.TaskSpec{Title: "Layout"},
		workflow.TaskSpec{Title: "Illustrations"},
	)
	if err != nil {
		return err
	}
	if err := s.pay(res.Invoice()); err != nil {
		return err
	}
	_, err = s.approve(res.Project.ID + "-t1")
	return err
}

func (s *scenarioRun) completedProject() error {
	gig, err := s.post(factory.CompletionGigJSON(s.id("gig-done"), "comm-initech", "Copywriting", decimal.NewFromInt(2500)))
	if err != nil {
		return err
	}
	res, err := s.match(gig, "free-cy")
	if err != nil {
		return err
	}
	if err := s.pay(res.Invoice()); err != nil {
		return err
	}
	if _, err := s.approve(res.Project.ID + "-t1"); err != nil {
		return err
	}
	_, err = s.h.Orchestrator.PayCompletionInvoices(s.ctx, res.Project.ID, "")
	return err
}
