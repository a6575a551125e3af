/*
Package notify dispatches workflow events to the outside world.

Delivery is fire-and-forget from the workflows' point of view: a failed
notification is logged and never rolls back or fails a payment.

SEE ALSO:
  - workflow/orchestrator.go: emits events after commit
*/
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

type EventType string

const (
	TaskSubmitted      EventType = "task.submitted"
	TaskApproved       EventType = "task.approved"
	TaskRejected       EventType = "task.rejected"
	ProjectActivated   EventType = "project.activated"
	ProjectCompleted   EventType = "project.completed"
	InvoiceGenerated   EventType = "invoice.generated"
	InvoicePaid        EventType = "invoice.paid"
	WorkflowRolledBack EventType = "workflow.rolled_back"
)

// Event is the payload handed to notifiers. Amount is a fixed two-decimal
// string to keep money out of floating point on the wire.
type Event struct {
	Type          EventType         `json:"type"`
	ProjectID     string            `json:"project_id,omitempty"`
	UserIDs       []string          `json:"user_ids,omitempty"`
	InvoiceNumber string            `json:"invoice_number,omitempty"`
	Amount        string            `json:"amount,omitempty"`
	Payload       map[string]string `json:"payload,omitempty"`
	At            time.Time         `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// =============================================================================
// IMPLEMENTATIONS
// =============================================================================

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Log writes events to a zap logger.
type Log struct {
	Logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{Logger: logger}
}

func (l *Log) Notify(_ context.Context, ev Event) error {
	l.Logger.Info("notification",
		zap.String("event", string(ev.Type)),
		zap.String("project", ev.ProjectID),
		zap.Strings("users", ev.UserIDs),
		zap.String("invoice", ev.InvoiceNumber),
		zap.String("amount", ev.Amount),
	)
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatch sends ev and logs a failure instead of returning it.
func Dispatch(ctx context.Context, n Notifier, logger *zap.Logger, ev Event) {
	if n == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := n.Notify(ctx, ev); err != nil && logger != nil {
		logger.Warn("notification failed",
			zap.String("event", string(ev.Type)),
			zap.String("project", ev.ProjectID),
			zap.Error(err))
	}
}
