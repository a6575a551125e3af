/*
Package billing provides the invoicing and payment core of the marketplace.

PURPOSE:
  Gigs become Projects, Projects own Tasks, approved Tasks produce Invoices,
  paid Invoices produce Transactions and credit the freelancer's Wallet.
  This package holds the entities, their status machines, and the services
  that move money between them. Workflow sequencing lives in workflow/.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal.Decimal rounded to cents
  - Status enums: GigStatus, ProjectStatus, TaskStatus, InvoiceStatus,
    TransactionStatus, with explicit transition rules
  - Entities: Gig, Application, Project, Task, Invoice, Transaction, Wallet

DESIGN PRINCIPLES:
  1. Precision: money never touches float64
  2. Forward-only status: invoices go draft → sent → paid, never back
  3. One uniqueness key per generated invoice: (project, type, trigger)
  4. Transactions are immutable except for attaching a missing invoice link

SEE ALSO:
  - errors.go: error taxonomy
  - store.go: persistence interface
  - calculator.go: invoice amounts
*/
package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// DefaultEpsilon is the tolerance for comparing payment amounts.
var DefaultEpsilon = decimal.New(1, -2)

// Cents rounds to two decimal places.
func Cents(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// WithinEpsilon reports |a-b| <= eps.
func WithinEpsilon(a, b, eps decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(eps)
}

// MustDecimal parses s, returning zero on malformed input.
func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// INVOICING METHOD
// =============================================================================

type InvoicingMethod string

const (
	MethodCompletion InvoicingMethod = "completion"
	MethodMilestone  InvoicingMethod = "milestone"
)

func (m InvoicingMethod) Valid() bool {
	return m == MethodCompletion || m == MethodMilestone
}

// ParseInvoicingMethod accepts any casing of the two method names.
func ParseInvoicingMethod(s string) (InvoicingMethod, error) {
	m := InvoicingMethod(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", &ValidationError{Field: "invoicingMethod", Reason: fmt.Sprintf("unknown invoicing method %q", s)}
	}
	return m, nil
}

// =============================================================================
// GIG
// =============================================================================

type GigStatus string

const (
	GigAvailable   GigStatus = "Available"
	GigUnavailable GigStatus = "Unavailable"
)

type Milestone struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// Gig is a posted job. InvoicingMethod is fixed at creation; no store
// operation changes it afterwards.
type Gig struct {
	ID              string
	CommissionerID  string
	Title           string
	BudgetLower     decimal.Decimal
	BudgetUpper     decimal.Decimal
	InvoicingMethod InvoicingMethod
	Milestones      []Milestone
	Status          GigStatus
	CreatedAt       time.Time
}

// Budget is the agreed project budget: the upper bound, or the lower bound
// when no upper bound is set.
func (g *Gig) Budget() decimal.Decimal {
	if g.BudgetUpper.IsPositive() {
		return g.BudgetUpper
	}
	return g.BudgetLower
}

// Validate checks the invariants a gig must satisfy before it is stored.
func (g *Gig) Validate() error {
	if g.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if g.CommissionerID == "" {
		return &ValidationError{Field: "commissionerId", Reason: "required"}
	}
	if !g.InvoicingMethod.Valid() {
		return &ValidationError{Field: "invoicingMethod", Reason: fmt.Sprintf("unknown invoicing method %q", g.InvoicingMethod)}
	}
	if g.BudgetLower.IsNegative() || g.BudgetUpper.IsNegative() {
		return &ValidationError{Field: "budget", Reason: "must not be negative"}
	}
	if g.BudgetUpper.IsPositive() && g.BudgetLower.GreaterThan(g.BudgetUpper) {
		return &ValidationError{Field: "budget", Reason: "lower bound exceeds upper bound"}
	}
	if !g.Budget().IsPositive() {
		return &ValidationError{Field: "budget", Reason: "must be greater than zero"}
	}
	if g.InvoicingMethod == MethodMilestone && len(g.Milestones) == 0 {
		return &ValidationError{Field: "milestones", Reason: "milestone invoicing requires at least one milestone"}
	}
	seen := make(map[string]bool, len(g.Milestones))
	for _, m := range g.Milestones {
		if m.ID == "" {
			return &ValidationError{Field: "milestones", Reason: "milestone id required"}
		}
		if seen[m.ID] {
			return &ValidationError{Field: "milestones", Reason: fmt.Sprintf("duplicate milestone id %q", m.ID)}
		}
		seen[m.ID] = true
		if !m.End.IsZero() && m.End.Before(m.Start) {
			return &ValidationError{Field: "milestones", Reason: fmt.Sprintf("milestone %q ends before it starts", m.ID)}
		}
	}
	return nil
}

// =============================================================================
// APPLICATION
// =============================================================================

type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "pending"
	ApplicationAccepted ApplicationStatus = "accepted"
	ApplicationRejected ApplicationStatus = "rejected"
)

// Application is a freelancer's bid on a gig.
type Application struct {
	ID           string
	GigID        string
	FreelancerID string
	Status       ApplicationStatus
	CreatedAt    time.Time
}

// =============================================================================
// PROJECT
// =============================================================================

type ProjectStatus string

const (
	ProjectOngoing   ProjectStatus = "ongoing"
	ProjectCompleted ProjectStatus = "completed"
)

// Project is an activated engagement. InvoicingMethod is copied from the
// gig at activation and never changed.
type Project struct {
	ID              string
	GigID           string
	FreelancerID    string
	CommissionerID  string
	Title           string
	InvoicingMethod InvoicingMethod
	Budget          decimal.Decimal
	Currency        string
	Status          ProjectStatus
	TotalTasks      int
	CompletedBy     string
	CompletedAt     *time.Time
	CreatedAt       time.Time
}

// =============================================================================
// TASK
// =============================================================================

type TaskStatus string

const (
	TaskOngoing   TaskStatus = "ongoing"
	TaskSubmitted TaskStatus = "submitted"
	TaskApproved  TaskStatus = "approved"
	TaskRejected  TaskStatus = "rejected"
)

// ParseTaskStatus normalises the status names used across older records:
// "todo"/"Ongoing", "review"/"Submitted", "done"/"Approved", "Rejected".
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ongoing", "todo", "in_progress":
		return TaskOngoing, nil
	case "submitted", "review", "in review":
		return TaskSubmitted, nil
	case "approved", "done", "completed":
		return TaskApproved, nil
	case "rejected":
		return TaskRejected, nil
	}
	return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown task status %q", s)}
}

// Terminal reports whether the status admits no further transition.
func (s TaskStatus) Terminal() bool {
	return s == TaskApproved || s == TaskRejected
}

// CanTransitionTo is the task state machine.
func (s TaskStatus) CanTransitionTo(to TaskStatus) bool {
	switch s {
	case TaskOngoing:
		return to == TaskSubmitted
	case TaskSubmitted:
		return to == TaskApproved || to == TaskRejected
	case TaskApproved, TaskRejected:
		return false
	}
	return false
}

type Task struct {
	ID              string
	ProjectID       string
	MilestoneID     string // empty for completion-method tasks
	Title           string
	Order           int
	Status          TaskStatus
	Completed       bool
	SubmittedAt     *time.Time
	ReviewedAt      *time.Time
	ReviewedBy      string
	RejectionReason string
}

// Transition moves the task to status "to", keeping Completed in sync.
// Re-entering the current status is a DuplicateOperationError so that a
// second approval or submission never silently succeeds.
func (t *Task) Transition(to TaskStatus, actor string, at time.Time) error {
	if t.Status == to {
		return &DuplicateOperationError{Operation: "task_" + string(to), Key: t.ID}
	}
	if !t.Status.CanTransitionTo(to) {
		return &ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("task %s cannot move from %s to %s", t.ID, t.Status, to),
		}
	}
	t.Status = to
	t.Completed = to == TaskApproved
	switch to {
	case TaskSubmitted:
		t.SubmittedAt = &at
	case TaskApproved, TaskRejected:
		t.ReviewedAt = &at
		t.ReviewedBy = actor
	}
	return nil
}

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceType string

const (
	InvoiceUpfront       InvoiceType = "upfront"
	InvoiceAutoMilestone InvoiceType = "auto_milestone"
	InvoiceCompletion    InvoiceType = "completion"
	InvoiceCustom        InvoiceType = "custom"
)

func (t InvoiceType) Valid() bool {
	switch t {
	case InvoiceUpfront, InvoiceAutoMilestone, InvoiceCompletion, InvoiceCustom:
		return true
	}
	return false
}

type InvoiceStatus string

const (
	InvoiceDraft InvoiceStatus = "draft"
	InvoiceSent  InvoiceStatus = "sent"
	InvoicePaid  InvoiceStatus = "paid"
)

// CanTransitionTo enforces draft → sent → paid.
func (s InvoiceStatus) CanTransitionTo(to InvoiceStatus) bool {
	switch s {
	case InvoiceDraft:
		return to == InvoiceSent
	case InvoiceSent:
		return to == InvoicePaid
	}
	return false
}

// UpfrontTrigger is the trigger key of the single upfront invoice per project.
const UpfrontTrigger = "upfront"

// InvoiceKey identifies the trigger an invoice was generated for.
type InvoiceKey struct {
	ProjectID  string
	Type       InvoiceType
	TriggerKey string
}

func (k InvoiceKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ProjectID, k.Type, k.TriggerKey)
}

type Invoice struct {
	Number          string
	ProjectID       string
	FreelancerID    string
	CommissionerID  string
	Type            InvoiceType
	InvoicingMethod InvoicingMethod
	TriggerKey      string
	TaskID          string
	MilestoneID     string
	TotalAmount     decimal.Decimal
	Currency        string
	Status          InvoiceStatus
	IssuedAt        time.Time
	PaidAt          *time.Time
}

func (i *Invoice) Key() InvoiceKey {
	return InvoiceKey{ProjectID: i.ProjectID, Type: i.Type, TriggerKey: i.TriggerKey}
}

// Advance moves the invoice forward. Any backward or skipping move fails.
func (i *Invoice) Advance(to InvoiceStatus, at time.Time) error {
	if i.Status == to {
		return &DuplicateOperationError{Operation: "invoice_" + string(to), Key: i.Number}
	}
	if !i.Status.CanTransitionTo(to) {
		return &ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("invoice %s cannot move from %s to %s", i.Number, i.Status, to),
		}
	}
	i.Status = to
	if to == InvoicePaid {
		i.PaidAt = &at
	}
	return nil
}

// =============================================================================
// TRANSACTION
// =============================================================================

type TransactionStatus string

const (
	TxProcessing TransactionStatus = "processing"
	TxPaid       TransactionStatus = "paid"
	TxFailed     TransactionStatus = "failed"
)

// Transaction is an immutable payment record. InvoiceNumber may be empty
// for records written before the invoice link was known; the reconciliation
// guard attaches it later.
type Transaction struct {
	ID             string
	InvoiceNumber  string
	ProjectID      string
	FreelancerID   string
	CommissionerID string
	Amount         decimal.Decimal
	Currency       string
	PaymentMethod  string
	Status         TransactionStatus
	CreatedAt      time.Time
}

// Orphaned reports a paid record without an invoice link.
func (t *Transaction) Orphaned() bool {
	return t.InvoiceNumber == ""
}

// =============================================================================
// WALLET
// =============================================================================

type Wallet struct {
	UserID           string
	Available        decimal.Decimal
	Pending          decimal.Decimal
	LifetimeEarnings decimal.Decimal
	TotalWithdrawn   decimal.Decimal
	Currency         string
	UpdatedAt        time.Time
}

// NewWallet returns an empty wallet.
func NewWallet(userID, currency string) *Wallet {
	return &Wallet{
		UserID:           userID,
		Available:        decimal.Zero,
		Pending:          decimal.Zero,
		LifetimeEarnings: decimal.Zero,
		TotalWithdrawn:   decimal.Zero,
		Currency:         currency,
		UpdatedAt:        time.Now().UTC(),
	}
}

// Credit adds a confirmed payment.
func (w *Wallet) Credit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "credit amount must be positive"}
	}
	w.Available = w.Available.Add(amount)
	w.LifetimeEarnings = w.LifetimeEarnings.Add(amount)
	return nil
}

// Debit withdraws from the available balance, never below zero.
func (w *Wallet) Debit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "debit amount must be positive"}
	}
	if amount.GreaterThan(w.Available) {
		return &ValidationError{
			Field:  "amount",
			Code:   "insufficient_funds",
			Reason: fmt.Sprintf("available %s, requested %s", w.Available.StringFixed(2), amount.StringFixed(2)),
		}
	}
	w.Available = w.Available.Sub(amount)
	w.TotalWithdrawn = w.TotalWithdrawn.Add(amount)
	return nil
}
