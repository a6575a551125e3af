package billing_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/payflow/billing"
	"github.com/warp/payflow/billing/store"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// seedProject stores a gig and its activated project with n ongoing tasks.
// Milestone projects get one milestone per task.
func seedProject(t *testing.T, s billing.Store, id string, method billing.InvoicingMethod, budget string, n int) *billing.Project {
	t.Helper()
	ctx := context.Background()

	gig := &billing.Gig{
		ID:              "gig-" + id,
		CommissionerID:  "comm-1",
		Title:           "Landing page",
		BudgetUpper:     dec(budget),
		InvoicingMethod: method,
		Status:          billing.GigUnavailable,
		CreatedAt:       t0,
	}
	if method == billing.MethodMilestone {
		for i := 0; i < n; i++ {
			gig.Milestones = append(gig.Milestones, billing.Milestone{ID: fmt.Sprintf("m%d", i+1), Title: fmt.Sprintf("Phase %d", i+1)})
		}
	}
	require.NoError(t, s.CreateGig(ctx, gig))

	project := &billing.Project{
		ID:              id,
		GigID:           gig.ID,
		FreelancerID:    "free-1",
		CommissionerID:  "comm-1",
		Title:           gig.Title,
		InvoicingMethod: method,
		Budget:          dec(budget),
		Currency:        "USD",
		Status:          billing.ProjectOngoing,
		TotalTasks:      n,
		CreatedAt:       t0,
	}
	require.NoError(t, s.CreateProject(ctx, project))

	for i := 0; i < n; i++ {
		task := &billing.Task{
			ID:        fmt.Sprintf("%s-t%d", id, i+1),
			ProjectID: id,
			Title:     fmt.Sprintf("Deliverable %d", i+1),
			Order:     i,
			Status:    billing.TaskOngoing,
		}
		if method == billing.MethodMilestone {
			task.MilestoneID = gig.Milestones[i].ID
		}
		require.NoError(t, s.CreateTask(ctx, task))
	}
	return project
}

// approve walks a task through submit and approve.
func approve(t *testing.T, s billing.Store, taskID string) {
	t.Helper()
	ctx := context.Background()
	task, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	if task.Status == billing.TaskOngoing {
		require.NoError(t, task.Transition(billing.TaskSubmitted, "free-1", t0))
	}
	require.NoError(t, task.Transition(billing.TaskApproved, "comm-1", t0))
	require.NoError(t, s.UpdateTask(ctx, task))
}

func newMemory() *store.Memory { return store.NewMemory() }

func newGenerator(s billing.Store) *billing.Generator {
	g := billing.NewGenerator(s, billing.NewCalculator(billing.DefaultUpfrontPercent), nil)
	g.Now = func() time.Time { return t0 }
	return g
}
