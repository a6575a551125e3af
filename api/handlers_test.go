/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Milestone flow end to end over HTTP
- Error taxonomy to status/code mapping
- Workflow failure bodies (failed step, rollback)
- Health and metrics endpoints
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payflow/billing"
	"github.com/warp/payflow/billing/store"
	"github.com/warp/payflow/workflow"
	"go.uber.org/zap/zaptest"
)

type testServer struct {
	*httptest.Server
	faulty *store.Faulty
	h      *Handler
}

func newTestServer(t *testing.T, opts workflow.Options) *testServer {
	t.Helper()
	faulty := store.NewFaulty(store.NewMemory())
	logger := zaptest.NewLogger(t)
	o := workflow.New(workflow.Deps{
		Store:      faulty,
		Calculator: billing.NewCalculator(billing.DefaultUpfrontPercent),
		Logger:     logger,
	}, opts)
	h := NewHandler(o, logger)
	srv := httptest.NewServer(NewRouter(h, RouterOptions{}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, faulty: faulty, h: h}
}

// call sends body as JSON and decodes the response into out when given.
func (s *testServer) call(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

const milestoneGig = `{
	"id": "g1",
	"commissioner_id": "comm-1",
	"title": "Brand refresh",
	"budget": {"lower": "9000", "upper": "9000"},
	"invoicing_method": "milestone",
	"milestones": [{"id": "m1", "title": "One"}, {"id": "m2", "title": "Two"}, {"id": "m3", "title": "Three"}]
}`

func (s *testServer) activateMilestone(t *testing.T) {
	t.Helper()
	require.Equal(t, http.StatusCreated, s.call(t, "POST", "/api/gigs", milestoneGig, nil))
	require.Equal(t, http.StatusCreated, s.call(t, "POST", "/api/gigs/g1/match", MatchRequest{FreelancerID: "free-1", ProjectID: "p1"}, nil))
	require.Equal(t, http.StatusOK, s.call(t, "POST", "/api/tasks/p1-t1/submit", nil, nil))
}

func TestAPI_MilestoneApproval(t *testing.T) {
	// GIVEN: an activated milestone project with a submitted task
	s := newTestServer(t, workflow.DefaultOptions())
	s.activateMilestone(t)

	// WHEN: the commissioner approves it
	var approved WorkflowDTO
	status := s.call(t, "POST", "/api/tasks/p1-t1/approve", ActorRequest{Actor: "comm-1"}, &approved)

	// THEN: the invoice is paid and the freelancer credited
	require.Equal(t, http.StatusOK, status)
	require.Len(t, approved.Invoices, 1)
	assert.Equal(t, "paid", approved.Invoices[0].Status)
	assert.Equal(t, "3000.00", approved.Invoices[0].Amount)
	require.Len(t, approved.Payments, 1)
	assert.Equal(t, "approved", approved.Task.Status)
	require.NotNil(t, approved.Run)

	var wallet WalletDTO
	require.Equal(t, http.StatusOK, s.call(t, "GET", "/api/wallets/free-1", nil, &wallet))
	assert.Equal(t, "3000.00", wallet.Available)

	var txs []TransactionDTO
	require.Equal(t, http.StatusOK, s.call(t, "GET", "/api/wallets/free-1/transactions", nil, &txs))
	assert.Len(t, txs, 1)

	var run map[string]any
	require.Equal(t, http.StatusOK, s.call(t, "GET", "/api/workflows/"+approved.Run.ID, nil, &run))
	assert.Equal(t, "COMPLETED", run["state"])

	var summary ProjectSummaryDTO
	require.Equal(t, http.StatusOK, s.call(t, "GET", "/api/projects/p1", nil, &summary))
	assert.Len(t, summary.Tasks, 3)
	assert.Len(t, summary.Invoices, 1)

	// A second approval is a conflict
	var conflict ErrorResponse
	assert.Equal(t, http.StatusConflict, s.call(t, "POST", "/api/tasks/p1-t1/approve", nil, &conflict))
	assert.Equal(t, string(billing.KindDuplicate), conflict.Code)
}

func TestAPI_ErrorMapping(t *testing.T) {
	s := newTestServer(t, workflow.DefaultOptions())
	s.activateMilestone(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   billing.ErrorKind
		reason string
	}{
		{"unknown project", "GET", "/api/projects/nope", nil, http.StatusNotFound, billing.KindNotFound, ""},
		{"unknown task", "POST", "/api/tasks/nope/approve", nil, http.StatusNotFound, billing.KindNotFound, ""},
		{"malformed body", "POST", "/api/tasks/p1-t1/approve", `{"actor":`, http.StatusBadRequest, billing.KindValidation, "invalid_json"},
		{"unknown field", "POST", "/api/tasks/p1-t1/approve", `{"approver":"x"}`, http.StatusBadRequest, billing.KindValidation, "invalid_json"},
		{"wrong commissioner", "POST", "/api/tasks/p1-t1/approve", ActorRequest{Actor: "comm-2"}, http.StatusBadRequest, billing.KindValidation, "not_commissioner"},
		{"invalid transition", "POST", "/api/tasks/p1-t2/approve", nil, http.StatusBadRequest, billing.KindValidation, "invalid_transition"},
		{"upfront on milestone project", "POST", "/api/projects/p1/invoices", InvoiceRequest{Type: "upfront"}, http.StatusBadRequest, billing.KindValidation, billing.ReasonTypeNotApplicable},
		{"gig taken", "POST", "/api/gigs/g1/match", MatchRequest{FreelancerID: "free-2"}, http.StatusBadRequest, billing.KindValidation, "gig_unavailable"},
		{"overdraw", "POST", "/api/wallets/free-1/withdraw", WithdrawRequest{Amount: billing.MustDecimal("1")}, http.StatusBadRequest, billing.KindValidation, "insufficient_funds"},
		{"bad reconcile type", "POST", "/api/projects/p1/reconcile", ReconcileRequest{Types: []string{"hourly"}}, http.StatusBadRequest, billing.KindValidation, ""},
		{"unknown scenario", "POST", "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}, http.StatusNotFound, billing.KindNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ErrorResponse
			status := s.call(t, tt.method, tt.path, tt.body, &resp)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, string(tt.code), resp.Code)
			assert.Equal(t, tt.reason, resp.Reason)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestAPI_FailedWorkflowReportsSteps(t *testing.T) {
	s := newTestServer(t, workflow.DefaultOptions())
	s.activateMilestone(t)

	// GIVEN: the wallet store is down
	s.faulty.FailOn("CreditWallet", 0, nil)

	// WHEN
	var resp ErrorResponse
	status := s.call(t, "POST", "/api/tasks/p1-t1/approve", nil, &resp)

	// THEN: retryable, with the failing step and what was rolled back
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, string(billing.KindIO), resp.Code)
	assert.Equal(t, "execute_payment", resp.FailedStep)
	assert.Equal(t, []string{"approve_task", "generate_invoice"}, resp.CompletedSteps)
	require.NotNil(t, resp.RollbackPerformed)
	assert.True(t, *resp.RollbackPerformed)

	var summary ProjectSummaryDTO
	require.Equal(t, http.StatusOK, s.call(t, "GET", "/api/projects/p1", nil, &summary))
	assert.Empty(t, summary.Invoices)
	assert.Equal(t, "submitted", summary.Tasks[0].Status)
}

// submitSingleMilestone matches a one-milestone gig and submits its task.
func (s *testServer) submitSingleMilestone(t *testing.T) {
	t.Helper()
	gig := strings.Replace(milestoneGig, `, {"id": "m2", "title": "Two"}, {"id": "m3", "title": "Three"}`, "", 1)
	require.Equal(t, http.StatusCreated, s.call(t, "POST", "/api/gigs", gig, nil))
	require.Equal(t, http.StatusCreated, s.call(t, "POST", "/api/gigs/g1/match", MatchRequest{FreelancerID: "free-1", ProjectID: "p1"}, nil))
	require.Equal(t, http.StatusOK, s.call(t, "POST", "/api/tasks/p1-t1/submit", nil, nil))
}

func TestAPI_SagaModeInconsistentRollbackIsConflict(t *testing.T) {
	s := newTestServer(t, workflow.Options{Atomic: false, MilestoneAutoPay: true})
	s.submitSingleMilestone(t)

	s.faulty.FailOn("UpdateProject", 1, nil)

	var resp ErrorResponse
	status := s.call(t, "POST", "/api/tasks/p1-t1/approve", nil, &resp)

	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(billing.KindInconsistentState), resp.Code)
	assert.Equal(t, "check_completion", resp.FailedStep)
	assert.Equal(t, "execute_payment", resp.HaltedAt)
	assert.Len(t, resp.RollbackErrors, 1)

	var summary ProjectSummaryDTO
	require.Equal(t, http.StatusOK, s.call(t, "GET", "/api/projects/p1", nil, &summary))
	assert.Equal(t, "approved", summary.Tasks[0].Status)
}

func TestAPI_AtomicLateFailureIsRetryable(t *testing.T) {
	s := newTestServer(t, workflow.DefaultOptions())
	s.submitSingleMilestone(t)

	// GIVEN: the same late failure, inside a transaction
	s.faulty.FailOn("UpdateProject", 1, nil)

	var resp ErrorResponse
	status := s.call(t, "POST", "/api/tasks/p1-t1/approve", nil, &resp)

	// THEN: nothing committed, so the error stays retryable
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, string(billing.KindIO), resp.Code)
	assert.Empty(t, resp.RollbackErrors)

	var summary ProjectSummaryDTO
	require.Equal(t, http.StatusOK, s.call(t, "GET", "/api/projects/p1", nil, &summary))
	assert.Empty(t, summary.Invoices)
	assert.Equal(t, "submitted", summary.Tasks[0].Status)
}

func TestAPI_CustomInvoiceDraftSendPay(t *testing.T) {
	s := newTestServer(t, workflow.DefaultOptions())
	s.activateMilestone(t)

	var draft InvoiceDTO
	require.Equal(t, http.StatusCreated, s.call(t, "POST", "/api/projects/p1/invoices", InvoiceRequest{Type: "custom", Amount: billing.MustDecimal("120.5")}, &draft))
	assert.Equal(t, "draft", draft.Status)
	assert.Equal(t, "120.50", draft.Amount)

	var sent InvoiceDTO
	require.Equal(t, http.StatusOK, s.call(t, "POST", "/api/invoices/"+draft.Number+"/send", nil, &sent))
	assert.Equal(t, "sent", sent.Status)

	var paid WorkflowDTO
	require.Equal(t, http.StatusOK, s.call(t, "POST", "/api/invoices/"+draft.Number+"/pay", PayRequest{Amount: billing.MustDecimal("120.50")}, &paid))
	assert.Equal(t, "paid", paid.Invoices[0].Status)

	var again ErrorResponse
	require.Equal(t, http.StatusConflict, s.call(t, "POST", "/api/invoices/"+draft.Number+"/pay", PayRequest{Amount: billing.MustDecimal("120.50")}, &again))
	assert.Equal(t, string(billing.KindDuplicate), again.Code)
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t, workflow.DefaultOptions())

	var health map[string]string
	require.Equal(t, http.StatusOK, s.call(t, "GET", "/healthz", nil, &health))
	assert.Equal(t, "ok", health["status"])

	resp, err := s.Client().Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
