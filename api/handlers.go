/*
handlers.go - HTTP API handlers for the invoicing core

PURPOSE:
  Exposes the workflows as REST endpoints. Handlers decode the request,
  call one Orchestrator method and map the outcome to JSON. No business
  rule lives here.

ENDPOINTS:
  Gigs:
    POST   /api/gigs                          Post a gig (factory JSON)
    GET    /api/gigs/{id}                     Get a gig
    POST   /api/gigs/{id}/applications        Apply to a gig
    POST   /api/gigs/{id}/match               Accept a freelancer, create the project

  Tasks:
    POST   /api/tasks/{id}/submit             Freelancer submits
    POST   /api/tasks/{id}/approve            Commissioner approves (invoice, pay, complete)
    POST   /api/tasks/{id}/reject             Commissioner rejects

  Projects:
    GET    /api/projects/{id}                 Project, tasks and invoices
    POST   /api/projects/{id}/invoices        Generate an invoice / draft a custom one
    POST   /api/projects/{id}/complete        Explicit completion
    POST   /api/projects/{id}/completion-payment  Pay all sent completion invoices
    POST   /api/projects/{id}/reconcile       Run the reconciliation guard

  Invoices:
    POST   /api/invoices/{number}/pay         Pay one invoice
    POST   /api/invoices/{number}/send        Send a draft

  Wallets:
    GET    /api/wallets/{userId}              Balance
    GET    /api/wallets/{userId}/transactions Payments received
    POST   /api/wallets/{userId}/withdraw     Withdraw from available

  Workflows:
    GET    /api/workflows/{id}                Persisted run with step states

ERROR HANDLING:
  Errors are classified with billing.Kind:
  - 400: validation
  - 404: not found
  - 409: duplicate operation, inconsistent state
  - 503: store or lock unavailable (retryable)
  - 500: anything else
  A failed workflow adds failed_step, completed_steps and
  rollback_performed to the body.

SECURITY NOTE:
  No authentication. Actors are taken from the request body.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - workflow/orchestrator.go: the workflows called here
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/warp/payflow/billing"
	"github.com/warp/payflow/factory"
	"github.com/warp/payflow/saga"
	"github.com/warp/payflow/workflow"
	"go.uber.org/zap"
)

// maxBodyBytes caps every request body.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Orchestrator *workflow.Orchestrator
	Gigs         *factory.GigFactory
	Logger       *zap.Logger

	// Track currently loaded scenario
	currentScenario string
}

func NewHandler(o *workflow.Orchestrator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Orchestrator: o,
		Gigs:         factory.NewGigFactory(),
		Logger:       logger,
	}
}

func (h *Handler) store() billing.Store { return h.Orchestrator.Store() }

// =============================================================================
// GIG HANDLERS
// =============================================================================

// CreateGig posts a gig from its JSON definition.
// POST /api/gigs
func (h *Handler) CreateGig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, &billing.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	gig, err := h.Gigs.ParseGig(body)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Orchestrator.PostGig(r.Context(), gig); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGigDTO(gig))
}

// GET /api/gigs/{id}
func (h *Handler) GetGig(w http.ResponseWriter, r *http.Request) {
	gig, err := h.store().GetGig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toGigDTO(gig))
}

// POST /api/gigs/{id}/applications
func (h *Handler) Apply(w http.ResponseWriter, r *http.Request) {
	var req ApplyRequest
	if !decode(w, r, &req) {
		return
	}
	app, err := h.Orchestrator.Apply(r.Context(), chi.URLParam(r, "id"), req.FreelancerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toApplicationDTO(app))
}

// MatchFreelancer accepts an application and activates the project.
// POST /api/gigs/{id}/match
func (h *Handler) MatchFreelancer(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if !decode(w, r, &req) {
		return
	}
	mr := workflow.MatchRequest{
		GigID:         chi.URLParam(r, "id"),
		ApplicationID: req.ApplicationID,
		FreelancerID:  req.FreelancerID,
		Actor:         req.Actor,
		ProjectID:     req.ProjectID,
	}
	for _, t := range req.Tasks {
		mr.Tasks = append(mr.Tasks, workflow.TaskSpec{Title: t.Title, MilestoneID: t.MilestoneID})
	}
	res, err := h.Orchestrator.MatchFreelancer(r.Context(), mr)
	h.writeWorkflow(w, http.StatusCreated, res, err)
}

// =============================================================================
// TASK HANDLERS
// =============================================================================

// POST /api/tasks/{id}/submit
func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Orchestrator.SubmitTask(r.Context(), chi.URLParam(r, "id"), req.Actor)
	h.writeWorkflow(w, http.StatusOK, res, err)
}

// ApproveTask runs the approval workflow: invoice, optional milestone
// payment and auto-completion.
// POST /api/tasks/{id}/approve
func (h *Handler) ApproveTask(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Orchestrator.ApproveTask(r.Context(), chi.URLParam(r, "id"), req.Actor)
	h.writeWorkflow(w, http.StatusOK, res, err)
}

// POST /api/tasks/{id}/reject
func (h *Handler) RejectTask(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Orchestrator.RejectTask(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Reason)
	h.writeWorkflow(w, http.StatusOK, res, err)
}

// =============================================================================
// PROJECT HANDLERS
// =============================================================================

// GetProject returns the project with its tasks and invoices.
// GET /api/projects/{id}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	project, err := h.store().GetProject(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := h.store().ListTasks(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	invoices, err := h.store().ListInvoices(ctx, billing.InvoiceFilter{ProjectID: id})
	if err != nil {
		writeError(w, err)
		return
	}

	summary := ProjectSummaryDTO{
		Project:  *toProjectDTO(project),
		Tasks:    make([]TaskDTO, len(tasks)),
		Invoices: toInvoiceDTOs(invoices),
	}
	for i, t := range tasks {
		summary.Tasks[i] = *toTaskDTO(t)
	}
	writeJSON(w, http.StatusOK, summary)
}

// CreateInvoice generates a system invoice, or drafts a custom one.
// POST /api/projects/{id}/invoices
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req InvoiceRequest
	if !decode(w, r, &req) {
		return
	}
	projectID := chi.URLParam(r, "id")

	typ := billing.InvoiceType(req.Type)
	if typ == billing.InvoiceCustom {
		inv, err := h.Orchestrator.DraftInvoice(r.Context(), billing.DraftRequest{ProjectID: projectID, TaskID: req.TaskID, Amount: req.Amount})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toInvoiceDTO(inv))
		return
	}

	res, err := h.Orchestrator.GenerateInvoice(r.Context(), billing.Trigger{ProjectID: projectID, Type: typ, TaskID: req.TaskID})
	h.writeWorkflow(w, http.StatusCreated, res, err)
}

// POST /api/projects/{id}/complete
func (h *Handler) CompleteProject(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Orchestrator.CompleteProject(r.Context(), chi.URLParam(r, "id"), req.Actor)
	h.writeWorkflow(w, http.StatusOK, res, err)
}

// PayCompletionInvoices settles every sent completion invoice.
// POST /api/projects/{id}/completion-payment
func (h *Handler) PayCompletionInvoices(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Orchestrator.PayCompletionInvoices(r.Context(), chi.URLParam(r, "id"), req.Actor)
	h.writeWorkflow(w, http.StatusOK, res, err)
}

// POST /api/projects/{id}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if !decode(w, r, &req) {
		return
	}
	types := make([]billing.InvoiceType, 0, len(req.Types))
	for _, t := range req.Types {
		it := billing.InvoiceType(t)
		if !it.Valid() {
			writeError(w, &billing.ValidationError{Field: "types", Reason: "unknown invoice type " + t})
			return
		}
		types = append(types, it)
	}
	report, err := h.Orchestrator.Reconcile(r.Context(), chi.URLParam(r, "id"), types...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// POST /api/invoices/{number}/pay
func (h *Handler) PayInvoice(w http.ResponseWriter, r *http.Request) {
	var req PayRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Orchestrator.PayInvoice(r.Context(), billing.PaymentRequest{
		InvoiceNumber: chi.URLParam(r, "number"),
		Amount:        req.Amount,
		PayerID:       req.PayerID,
		PaymentMethod: req.PaymentMethod,
	})
	h.writeWorkflow(w, http.StatusOK, res, err)
}

// POST /api/invoices/{number}/send
func (h *Handler) SendInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Orchestrator.SendInvoice(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// GET /api/wallets/{userId}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.Orchestrator.Wallet(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

// GET /api/wallets/{userId}/transactions
func (h *Handler) GetWalletTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Orchestrator.WalletHistory(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// POST /api/wallets/{userId}/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !decode(w, r, &req) {
		return
	}
	wallet, err := h.Orchestrator.Withdraw(r.Context(), chi.URLParam(r, "userId"), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

// =============================================================================
// WORKFLOW RUNS
// =============================================================================

// GET /api/workflows/{id}
func (h *Handler) GetWorkflowRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Orchestrator.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads an optional JSON body into dst. It writes the 400 itself
// and reports whether the handler should continue.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, &billing.ValidationError{Field: "body", Code: "invalid_json", Reason: err.Error()})
		return false
	}
	return true
}

func (h *Handler) writeWorkflow(w http.ResponseWriter, status int, res *workflow.Result, err error) {
	if err != nil {
		if billing.Kind(err) == billing.KindInternal || billing.Kind(err) == billing.KindIO {
			h.Logger.Error("workflow failed", zap.Error(err))
		}
		writeError(w, err)
		return
	}
	writeJSON(w, status, toWorkflowDTO(res))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusFor maps the error taxonomy to HTTP.
func statusFor(kind billing.ErrorKind) int {
	switch kind {
	case billing.KindValidation:
		return http.StatusBadRequest
	case billing.KindNotFound:
		return http.StatusNotFound
	case billing.KindDuplicate, billing.KindInconsistentState:
		return http.StatusConflict
	case billing.KindIO:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	kind := billing.Kind(err)
	resp := ErrorResponse{Error: err.Error()}

	var ve *billing.ValidationError
	if errors.As(err, &ve) {
		resp.Reason = ve.Code
	}
	var ge *billing.InvoiceGenerationError
	if errors.As(err, &ge) {
		resp.Reason = ge.Reason
	}
	var failure *saga.Failure
	if errors.As(err, &failure) {
		resp.FailedStep = failure.FailedStep
		resp.CompletedSteps = failure.CompletedSteps
		resp.RollbackPerformed = &failure.RollbackPerformed
		resp.Details = failure.Err.Error()
		resp.HaltedAt = failure.HaltedAt
		for _, rerr := range failure.RollbackErrors {
			resp.RollbackErrors = append(resp.RollbackErrors, rerr.Error())
			// a rollback that could not undo a write outranks the cause
			if errors.Is(rerr, billing.ErrInconsistentState) {
				kind = billing.KindInconsistentState
			}
		}
	}
	if kind == billing.KindInternal {
		resp.Error = "internal error"
		resp.Details = err.Error()
	}
	resp.Code = string(kind)
	writeJSON(w, statusFor(kind), resp)
}
