package billing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CompletionResult reports what CheckAndComplete saw and did.
type CompletionResult struct {
	Changed  bool
	Approved int
	Total    int
	Project  *Project
}

// AllApproved is the completion condition: approved == total > 0.
func (r CompletionResult) AllApproved() bool {
	return r.Total > 0 && r.Approved == r.Total
}

// Completer flips a project to completed once every task is approved.
// Projects never move back to ongoing.
type Completer struct {
	Store  Store
	Logger *zap.Logger
	Now    func() time.Time
}

func NewCompleter(store Store, logger *zap.Logger) *Completer {
	return &Completer{Store: store, Logger: orNop(logger)}
}

func (c *Completer) WithStore(s Store) *Completer {
	cp := *c
	cp.Store = s
	return &cp
}

func (c *Completer) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Completer) count(ctx context.Context, projectID string) (*Project, CompletionResult, error) {
	project, err := c.Store.GetProject(ctx, projectID)
	if err != nil {
		return nil, CompletionResult{}, wrapIO("get project", err)
	}
	tasks, err := c.Store.ListTasks(ctx, projectID)
	if err != nil {
		return nil, CompletionResult{}, wrapIO("list tasks", err)
	}
	res := CompletionResult{Total: len(tasks), Project: project}
	for _, t := range tasks {
		if t.Status == TaskApproved {
			res.Approved++
		}
	}
	return project, res, nil
}

// CheckAndComplete is safe to call after every approval: it is a no-op
// unless every task is approved and the project is still ongoing.
func (c *Completer) CheckAndComplete(ctx context.Context, projectID, actor string) (CompletionResult, error) {
	project, res, err := c.count(ctx, projectID)
	if err != nil {
		return res, err
	}
	if project.Status == ProjectCompleted || !res.AllApproved() {
		return res, nil
	}
	if err := c.complete(ctx, project, res.Total, actor); err != nil {
		return res, err
	}
	res.Changed = true
	orNop(c.Logger).Info("project auto-completed",
		zap.String("project", project.ID),
		zap.Int("tasks", res.Total))
	return res, nil
}

// Complete is the explicit completion requested by a commissioner. Unlike
// CheckAndComplete it reports why nothing happened.
func (c *Completer) Complete(ctx context.Context, projectID, actor string) (CompletionResult, error) {
	project, res, err := c.count(ctx, projectID)
	if err != nil {
		return res, err
	}
	if project.Status == ProjectCompleted {
		return res, &DuplicateOperationError{Operation: "complete_project", Key: project.ID}
	}
	if actor != "" && actor != project.CommissionerID {
		return res, &ValidationError{Field: "actor", Reason: fmt.Sprintf("%s is not the commissioner of project %s", actor, project.ID)}
	}
	if !res.AllApproved() {
		return res, &ValidationError{
			Field:  "tasks",
			Code:   "tasks_pending",
			Reason: fmt.Sprintf("%d of %d tasks approved", res.Approved, res.Total),
		}
	}
	if err := c.complete(ctx, project, res.Total, actor); err != nil {
		return res, err
	}
	res.Changed = true
	return res, nil
}

func (c *Completer) complete(ctx context.Context, project *Project, total int, actor string) error {
	at := c.now()
	project.Status = ProjectCompleted
	project.TotalTasks = total
	project.CompletedBy = actor
	project.CompletedAt = &at
	return wrapIO("update project", c.Store.UpdateProject(ctx, project))
}
