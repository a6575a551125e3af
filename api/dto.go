/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP boundary. Domain types stay free of JSON tags;
  money always leaves the API as a fixed two-decimal string.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

SEE ALSO:
  - handlers.go: Uses these types
  - factory/gig.go: GigJSON (request body of POST /api/gigs)
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payflow/billing"
	"github.com/warp/payflow/saga"
	"github.com/warp/payflow/workflow"
)

// =============================================================================
// REQUESTS
// =============================================================================

// ActorRequest is the body of the task and project workflow endpoints.
// An empty actor means the party the workflow expects.
type ActorRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type ApplyRequest struct {
	FreelancerID string `json:"freelancer_id"`
}

type MatchRequest struct {
	ApplicationID string        `json:"application_id,omitempty"`
	FreelancerID  string        `json:"freelancer_id,omitempty"`
	Actor         string        `json:"actor,omitempty"`
	ProjectID     string        `json:"project_id,omitempty"`
	Tasks         []TaskSpecDTO `json:"tasks,omitempty"`
}

type TaskSpecDTO struct {
	Title       string `json:"title"`
	MilestoneID string `json:"milestone_id,omitempty"`
}

// InvoiceRequest triggers an invoice for a project. Type custom creates a
// draft of Amount.
type InvoiceRequest struct {
	Type   string          `json:"type"`
	TaskID string          `json:"task_id,omitempty"`
	Amount decimal.Decimal `json:"amount"`
}

type PayRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	PayerID       string          `json:"payer_id,omitempty"`
	PaymentMethod string          `json:"payment_method,omitempty"`
}

type WithdrawRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type ReconcileRequest struct {
	Types []string `json:"types,omitempty"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type GigDTO struct {
	ID              string              `json:"id"`
	CommissionerID  string              `json:"commissioner_id"`
	Title           string              `json:"title"`
	Budget          string              `json:"budget"`
	InvoicingMethod string              `json:"invoicing_method"`
	Milestones      []billing.Milestone `json:"milestones,omitempty"`
	Status          string              `json:"status"`
}

type ApplicationDTO struct {
	ID           string `json:"id"`
	GigID        string `json:"gig_id"`
	FreelancerID string `json:"freelancer_id"`
	Status       string `json:"status"`
}

type ProjectDTO struct {
	ID              string  `json:"id"`
	GigID           string  `json:"gig_id"`
	FreelancerID    string  `json:"freelancer_id"`
	CommissionerID  string  `json:"commissioner_id"`
	Title           string  `json:"title"`
	InvoicingMethod string  `json:"invoicing_method"`
	Budget          string  `json:"budget"`
	Currency        string  `json:"currency"`
	Status          string  `json:"status"`
	TotalTasks      int     `json:"total_tasks"`
	CompletedAt     *string `json:"completed_at,omitempty"`
}

type TaskDTO struct {
	ID              string `json:"id"`
	ProjectID       string `json:"project_id"`
	MilestoneID     string `json:"milestone_id,omitempty"`
	Title           string `json:"title"`
	Status          string `json:"status"`
	ReviewedBy      string `json:"reviewed_by,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

type InvoiceDTO struct {
	Number      string  `json:"number"`
	ProjectID   string  `json:"project_id"`
	Type        string  `json:"type"`
	TaskID      string  `json:"task_id,omitempty"`
	MilestoneID string  `json:"milestone_id,omitempty"`
	Amount      string  `json:"amount"`
	Currency    string  `json:"currency"`
	Status      string  `json:"status"`
	IssuedAt    string  `json:"issued_at"`
	PaidAt      *string `json:"paid_at,omitempty"`
}

type TransactionDTO struct {
	ID            string `json:"id"`
	InvoiceNumber string `json:"invoice_number,omitempty"`
	ProjectID     string `json:"project_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
}

type WalletDTO struct {
	UserID           string `json:"user_id"`
	Available        string `json:"available"`
	Pending          string `json:"pending"`
	LifetimeEarnings string `json:"lifetime_earnings"`
	TotalWithdrawn   string `json:"total_withdrawn"`
	Currency         string `json:"currency"`
}

// WorkflowDTO is the response of every workflow endpoint.
type WorkflowDTO struct {
	Run      *saga.Run        `json:"run,omitempty"`
	Project  *ProjectDTO      `json:"project,omitempty"`
	Task     *TaskDTO         `json:"task,omitempty"`
	Invoices []InvoiceDTO     `json:"invoices,omitempty"`
	Payments []TransactionDTO `json:"payments,omitempty"`
}

type ProjectSummaryDTO struct {
	Project  ProjectDTO   `json:"project"`
	Tasks    []TaskDTO    `json:"tasks"`
	Invoices []InvoiceDTO `json:"invoices"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Method      string `json:"invoicing_method"`
}

// ErrorResponse is the body of every non-2xx response. The workflow fields
// are set when a workflow failed part way.
type ErrorResponse struct {
	Error             string   `json:"error"`
	Code              string   `json:"code"`
	Reason            string   `json:"reason,omitempty"`
	Details           string   `json:"details,omitempty"`
	FailedStep        string   `json:"failed_step,omitempty"`
	CompletedSteps    []string `json:"completed_steps,omitempty"`
	RollbackPerformed *bool    `json:"rollback_performed,omitempty"`
	RollbackErrors    []string `json:"rollback_errors,omitempty"`
	HaltedAt          string   `json:"halted_at,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func timeStr(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timeStr(*t)
	return &s
}

func toGigDTO(g *billing.Gig) GigDTO {
	return GigDTO{
		ID:              g.ID,
		CommissionerID:  g.CommissionerID,
		Title:           g.Title,
		Budget:          money(g.Budget()),
		InvoicingMethod: string(g.InvoicingMethod),
		Milestones:      g.Milestones,
		Status:          string(g.Status),
	}
}

func toApplicationDTO(a *billing.Application) ApplicationDTO {
	return ApplicationDTO{ID: a.ID, GigID: a.GigID, FreelancerID: a.FreelancerID, Status: string(a.Status)}
}

func toProjectDTO(p *billing.Project) *ProjectDTO {
	if p == nil {
		return nil
	}
	return &ProjectDTO{
		ID:              p.ID,
		GigID:           p.GigID,
		FreelancerID:    p.FreelancerID,
		CommissionerID:  p.CommissionerID,
		Title:           p.Title,
		InvoicingMethod: string(p.InvoicingMethod),
		Budget:          money(p.Budget),
		Currency:        p.Currency,
		Status:          string(p.Status),
		TotalTasks:      p.TotalTasks,
		CompletedAt:     timePtr(p.CompletedAt),
	}
}

func toTaskDTO(t *billing.Task) *TaskDTO {
	if t == nil {
		return nil
	}
	return &TaskDTO{
		ID:              t.ID,
		ProjectID:       t.ProjectID,
		MilestoneID:     t.MilestoneID,
		Title:           t.Title,
		Status:          string(t.Status),
		ReviewedBy:      t.ReviewedBy,
		RejectionReason: t.RejectionReason,
	}
}

func toInvoiceDTO(inv *billing.Invoice) InvoiceDTO {
	return InvoiceDTO{
		Number:      inv.Number,
		ProjectID:   inv.ProjectID,
		Type:        string(inv.Type),
		TaskID:      inv.TaskID,
		MilestoneID: inv.MilestoneID,
		Amount:      money(inv.TotalAmount),
		Currency:    inv.Currency,
		Status:      string(inv.Status),
		IssuedAt:    timeStr(inv.IssuedAt),
		PaidAt:      timePtr(inv.PaidAt),
	}
}

func toInvoiceDTOs(invs []*billing.Invoice) []InvoiceDTO {
	out := make([]InvoiceDTO, len(invs))
	for i, inv := range invs {
		out[i] = toInvoiceDTO(inv)
	}
	return out
}

func toTransactionDTO(tx *billing.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:            tx.ID,
		InvoiceNumber: tx.InvoiceNumber,
		ProjectID:     tx.ProjectID,
		Amount:        money(tx.Amount),
		Currency:      tx.Currency,
		Status:        string(tx.Status),
		CreatedAt:     timeStr(tx.CreatedAt),
	}
}

func toWalletDTO(w *billing.Wallet) WalletDTO {
	return WalletDTO{
		UserID:           w.UserID,
		Available:        money(w.Available),
		Pending:          money(w.Pending),
		LifetimeEarnings: money(w.LifetimeEarnings),
		TotalWithdrawn:   money(w.TotalWithdrawn),
		Currency:         w.Currency,
	}
}

func toWorkflowDTO(res *workflow.Result) WorkflowDTO {
	if res == nil {
		return WorkflowDTO{}
	}
	dto := WorkflowDTO{
		Run:      res.Run,
		Project:  toProjectDTO(res.Project),
		Task:     toTaskDTO(res.Task),
		Invoices: toInvoiceDTOs(res.Invoices),
	}
	for _, p := range res.Payments {
		dto.Payments = append(dto.Payments, toTransactionDTO(p.Transaction))
	}
	return dto
}
