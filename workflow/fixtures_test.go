package workflow_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/payflow/billing"
	"github.com/warp/payflow/billing/store"
	"github.com/warp/payflow/lock"
	"github.com/warp/payflow/notify"
	"github.com/warp/payflow/workflow"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// recorder keeps every event it is sent.
type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type harness struct {
	mem    *store.Memory
	faulty *store.Faulty
	events *recorder
	locks  *lock.KeyedMutex
	o      *workflow.Orchestrator
}

// newHarness wires an orchestrator over a fault-injecting memory store with
// a fixed clock.
func newHarness(t *testing.T, opts workflow.Options) *harness {
	t.Helper()
	h := &harness{mem: store.NewMemory(), events: &recorder{}, locks: lock.NewKeyedMutex()}
	h.faulty = store.NewFaulty(h.mem)
	h.o = workflow.New(workflow.Deps{
		Store:      h.faulty,
		Locker:     h.locks,
		Calculator: billing.NewCalculator(dec("0.12")),
		Epsilon:    dec("0.01"),
		Currency:   "USD",
		Notifier:   h.events,
		Logger:     zaptest.NewLogger(t),
	}, opts)
	h.o.Now = func() time.Time { return t0 }
	return h
}

// postGig stores an available gig. Milestone gigs get n milestones.
func (h *harness) postGig(t *testing.T, id string, method billing.InvoicingMethod, budget string, n int) *billing.Gig {
	t.Helper()
	gig := &billing.Gig{
		ID:              id,
		CommissionerID:  "comm-1",
		Title:           "Brand refresh",
		BudgetLower:     dec(budget).Div(dec("2")),
		BudgetUpper:     dec(budget),
		InvoicingMethod: method,
	}
	if method == billing.MethodMilestone {
		for i := 0; i < n; i++ {
			gig.Milestones = append(gig.Milestones, billing.Milestone{ID: fmt.Sprintf("m%d", i+1), Title: fmt.Sprintf("Phase %d", i+1)})
		}
	}
	require.NoError(t, h.o.PostGig(context.Background(), gig))
	return gig
}

// activate posts a gig and matches free-1 to it. Completion projects get
// n tasks.
func (h *harness) activate(t *testing.T, projectID string, method billing.InvoicingMethod, budget string, n int) *workflow.Result {
	t.Helper()
	gig := h.postGig(t, "gig-"+projectID, method, budget, n)
	req := workflow.MatchRequest{GigID: gig.ID, FreelancerID: "free-1", ProjectID: projectID}
	if method == billing.MethodCompletion {
		for i := 0; i < n; i++ {
			req.Tasks = append(req.Tasks, workflow.TaskSpec{Title: fmt.Sprintf("Deliverable %d", i+1)})
		}
	}
	res, err := h.o.MatchFreelancer(context.Background(), req)
	require.NoError(t, err)
	return res
}

func taskID(projectID string, n int) string { return fmt.Sprintf("%s-t%d", projectID, n) }

// submitAndApprove walks task n of a project through the review workflows.
func (h *harness) submitAndApprove(t *testing.T, projectID string, n int) *workflow.Result {
	t.Helper()
	ctx := context.Background()
	_, err := h.o.SubmitTask(ctx, taskID(projectID, n), "")
	require.NoError(t, err)
	res, err := h.o.ApproveTask(ctx, taskID(projectID, n), "")
	require.NoError(t, err)
	return res
}

func (h *harness) invoices(t *testing.T, projectID string, types ...billing.InvoiceType) []*billing.Invoice {
	t.Helper()
	invs, err := h.mem.ListInvoices(context.Background(), billing.InvoiceFilter{ProjectID: projectID, Types: types})
	require.NoError(t, err)
	return invs
}

func (h *harness) available(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	w, err := h.o.Wallet(context.Background(), userID)
	require.NoError(t, err)
	return w.Available
}

func sum(invs []*billing.Invoice) decimal.Decimal {
	total := decimal.Zero
	for _, inv := range invs {
		total = total.Add(inv.TotalAmount)
	}
	return total
}
