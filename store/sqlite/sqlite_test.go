package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payflow/billing"
	"github.com/warp/payflow/saga"
	"github.com/warp/payflow/store/sqlite"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func invoice(number, project string, typ billing.InvoiceType, trigger string) *billing.Invoice {
	return &billing.Invoice{
		Number:          number,
		ProjectID:       project,
		FreelancerID:    "free-1",
		CommissionerID:  "comm-1",
		Type:            typ,
		InvoicingMethod: billing.MethodMilestone,
		TriggerKey:      trigger,
		TotalAmount:     decimal.RequireFromString("1234.56"),
		Currency:        "USD",
		Status:          billing.InvoiceSent,
		IssuedAt:        t0,
	}
}

// seed stores a milestone gig, its project and n tasks.
func seed(t *testing.T, s billing.Store, id string, n int) {
	t.Helper()
	ctx := context.Background()
	g := &billing.Gig{
		ID:              "gig-" + id,
		CommissionerID:  "comm-1",
		Title:           "Landing page",
		BudgetLower:     decimal.NewFromInt(8000),
		BudgetUpper:     decimal.NewFromInt(9000),
		InvoicingMethod: billing.MethodMilestone,
		Status:          billing.GigUnavailable,
		CreatedAt:       t0,
	}
	for i := 1; i <= n; i++ {
		g.Milestones = append(g.Milestones, billing.Milestone{ID: "m" + string(rune('0'+i)), Title: "M", Start: t0, End: t0.Add(time.Hour)})
	}
	require.NoError(t, s.CreateGig(ctx, g))
	require.NoError(t, s.CreateProject(ctx, &billing.Project{
		ID: id, GigID: g.ID, FreelancerID: "free-1", CommissionerID: "comm-1",
		InvoicingMethod: billing.MethodMilestone, Budget: g.Budget(), Currency: "USD",
		Status: billing.ProjectOngoing, CreatedAt: t0,
	}))
	for i := 1; i <= n; i++ {
		require.NoError(t, s.CreateTask(ctx, &billing.Task{
			ID: id + "-t" + string(rune('0'+i)), ProjectID: id, MilestoneID: g.Milestones[i-1].ID,
			Order: i, Status: billing.TaskOngoing,
		}))
	}
}

// =============================================================================
// ENTITIES
// =============================================================================

func TestSQLite_GigRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seed(t, s, "p1", 3)

	g, err := s.GetGig(ctx, "gig-p1")
	require.NoError(t, err)
	assert.Equal(t, "9000", g.Budget().String())
	assert.Len(t, g.Milestones, 3)
	assert.Equal(t, billing.MethodMilestone, g.InvoicingMethod)
	assert.True(t, g.CreatedAt.Equal(t0))

	require.NoError(t, s.SetGigStatus(ctx, "gig-p1", billing.GigAvailable))
	g, err = s.GetGig(ctx, "gig-p1")
	require.NoError(t, err)
	assert.Equal(t, billing.GigAvailable, g.Status)

	assert.True(t, billing.IsNotFound(s.SetGigStatus(ctx, "nope", billing.GigAvailable)))
}

func TestSQLite_ApplicationUpsert(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a := &billing.Application{ID: "app-1", GigID: "gig-1", FreelancerID: "free-1", Status: billing.ApplicationPending, CreatedAt: t0}
	require.NoError(t, s.SaveApplication(ctx, a))

	a.Status = billing.ApplicationAccepted
	require.NoError(t, s.SaveApplication(ctx, a))

	got, err := s.GetApplication(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, billing.ApplicationAccepted, got.Status)
}

func TestSQLite_ProjectInvoicingMethodIsImmutable(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seed(t, s, "p1", 1)

	p, err := s.GetProject(ctx, "p1")
	require.NoError(t, err)
	p.InvoicingMethod = billing.MethodCompletion
	err = s.UpdateProject(ctx, p)
	assert.ErrorIs(t, err, billing.ErrInconsistentState)

	p.InvoicingMethod = billing.MethodMilestone
	p.Status = billing.ProjectCompleted
	done := t0.Add(time.Hour)
	p.CompletedAt = &done
	p.CompletedBy = "comm-1"
	require.NoError(t, s.UpdateProject(ctx, p))

	got, err := s.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, billing.ProjectCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(done))
}

func TestSQLite_ListProjectsFilters(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seed(t, s, "p1", 1)
	seed(t, s, "p2", 1)

	all, err := s.ListProjects(ctx, billing.ProjectFilter{FreelancerID: "free-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := s.ListProjects(ctx, billing.ProjectFilter{Status: billing.ProjectCompleted})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestSQLite_DeleteProjectRemovesTasks(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seed(t, s, "p1", 2)

	require.NoError(t, s.DeleteProject(ctx, "p1"))

	_, err := s.GetProject(ctx, "p1")
	assert.True(t, billing.IsNotFound(err))
	tasks, err := s.ListTasks(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSQLite_TaskTransitionPersists(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seed(t, s, "p1", 2)

	task, err := s.GetTask(ctx, "p1-t2")
	require.NoError(t, err)
	require.NoError(t, task.Transition(billing.TaskSubmitted, "free-1", t0))
	require.NoError(t, task.Transition(billing.TaskApproved, "comm-1", t0.Add(time.Minute)))
	require.NoError(t, s.UpdateTask(ctx, task))

	tasks, err := s.ListTasks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "p1-t1", tasks[0].ID)
	assert.Equal(t, billing.TaskApproved, tasks[1].Status)
	assert.True(t, tasks[1].Completed)
	assert.Equal(t, "comm-1", tasks[1].ReviewedBy)
	require.NotNil(t, tasks[1].SubmittedAt)
}

// =============================================================================
// INVOICES
// =============================================================================

func TestSQLite_CreateInvoice_UniqueTriggerKey(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.CreateInvoice(ctx, invoice("INV-1", "p1", billing.InvoiceAutoMilestone, "task-1")))

	err := s.CreateInvoice(ctx, invoice("INV-2", "p1", billing.InvoiceAutoMilestone, "task-1"))
	var dup *billing.DuplicateOperationError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "p1/auto_milestone/task-1", dup.Key)

	err = s.CreateInvoice(ctx, invoice("INV-1", "p1", billing.InvoiceAutoMilestone, "task-9"))
	assert.True(t, billing.IsDuplicate(err), "same number must be rejected, got %v", err)

	found, err := s.FindInvoice(ctx, billing.InvoiceKey{ProjectID: "p1", Type: billing.InvoiceAutoMilestone, TriggerKey: "task-1"})
	require.NoError(t, err)
	assert.Equal(t, "INV-1", found.Number)
	assert.Equal(t, "1234.56", found.TotalAmount.StringFixed(2))
}

func TestSQLite_CreateInvoice_ConcurrentSameKey_OneWins(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.CreateInvoice(ctx, invoice(billing.NewInvoiceNumber(), "p1", billing.InvoiceUpfront, billing.UpfrontTrigger)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestSQLite_UpdateInvoice_ForwardOnly(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	inv := invoice("INV-1", "p1", billing.InvoiceUpfront, billing.UpfrontTrigger)
	require.NoError(t, s.CreateInvoice(ctx, inv))

	require.NoError(t, inv.Advance(billing.InvoicePaid, t0))
	require.NoError(t, s.UpdateInvoice(ctx, inv))

	inv.Status = billing.InvoiceSent
	assert.ErrorIs(t, s.UpdateInvoice(ctx, inv), billing.ErrValidation)

	inv.Status = billing.InvoicePaid
	inv.TriggerKey = "other"
	assert.ErrorIs(t, s.UpdateInvoice(ctx, inv), billing.ErrInconsistentState)

	got, err := s.GetInvoice(ctx, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, billing.InvoicePaid, got.Status)
	require.NotNil(t, got.PaidAt)
}

func TestSQLite_DeleteInvoice_RefusesPaidAndFreesKey(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	draft := invoice("INV-1", "p1", billing.InvoiceCustom, "INV-1")
	draft.Status = billing.InvoiceDraft
	paid := invoice("INV-2", "p1", billing.InvoiceUpfront, billing.UpfrontTrigger)
	paid.Status = billing.InvoicePaid
	require.NoError(t, s.CreateInvoice(ctx, draft))
	require.NoError(t, s.CreateInvoice(ctx, paid))

	assert.ErrorIs(t, s.DeleteInvoice(ctx, "INV-2"), billing.ErrInconsistentState)
	require.NoError(t, s.DeleteInvoice(ctx, "INV-1"))
	assert.True(t, billing.IsNotFound(s.DeleteInvoice(ctx, "INV-1")))
}

func TestSQLite_ListInvoicesFilters(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateInvoice(ctx, invoice("INV-1", "p1", billing.InvoiceUpfront, billing.UpfrontTrigger)))
	require.NoError(t, s.CreateInvoice(ctx, invoice("INV-2", "p1", billing.InvoiceCompletion, "t1")))
	third := invoice("INV-3", "p1", billing.InvoiceCompletion, "t2")
	third.Status = billing.InvoicePaid
	require.NoError(t, s.CreateInvoice(ctx, third))

	got, err := s.ListInvoices(ctx, billing.InvoiceFilter{ProjectID: "p1", Types: []billing.InvoiceType{billing.InvoiceCompletion}})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListInvoices(ctx, billing.InvoiceFilter{Statuses: []billing.InvoiceStatus{billing.InvoicePaid}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "INV-3", got[0].Number)
}

// =============================================================================
// TRANSACTIONS & WALLETS
// =============================================================================

func TestSQLite_TransactionsAppendOnlyExceptLink(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateInvoice(ctx, invoice("INV-1", "p1", billing.InvoiceUpfront, billing.UpfrontTrigger)))

	for _, id := range []string{"txn-b", "txn-a"} {
		require.NoError(t, s.AppendTransaction(ctx, &billing.Transaction{
			ID: id, ProjectID: "p1", FreelancerID: "free-1", Amount: decimal.NewFromInt(600),
			Currency: "USD", Status: billing.TxPaid, CreatedAt: t0,
		}))
	}
	assert.True(t, billing.IsDuplicate(s.AppendTransaction(ctx, &billing.Transaction{ID: "txn-a", ProjectID: "p1", Amount: decimal.Zero, CreatedAt: t0})))

	orphans, err := s.ListTransactions(ctx, billing.TransactionFilter{ProjectID: "p1", UnlinkedOnly: true})
	require.NoError(t, err)
	require.Len(t, orphans, 2)
	assert.Equal(t, "txn-b", orphans[0].ID, "insertion order")

	require.NoError(t, s.LinkTransaction(ctx, "txn-b", "INV-1"))
	assert.ErrorIs(t, s.LinkTransaction(ctx, "txn-b", "INV-1"), billing.ErrInconsistentState)
	assert.True(t, billing.IsNotFound(s.LinkTransaction(ctx, "txn-a", "INV-404")))

	linked, err := s.ListTransactions(ctx, billing.TransactionFilter{InvoiceNumber: "INV-1"})
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, "600", linked[0].Amount.String())
}

func TestSQLite_Wallet(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	w, err := s.GetOrCreateWallet(ctx, "free-1", "")
	require.NoError(t, err)
	assert.Equal(t, billing.DefaultCurrency, w.Currency)
	assert.True(t, w.Available.IsZero())

	w, err = s.CreditWallet(ctx, "free-1", "USD", decimal.RequireFromString("600.10"))
	require.NoError(t, err)
	assert.Equal(t, "600.1", w.Available.String())

	_, err = s.DebitWallet(ctx, "free-1", decimal.NewFromInt(601))
	var ve *billing.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "insufficient_funds", ve.Code)

	w, err = s.DebitWallet(ctx, "free-1", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, "500.1", w.Available.String())
	assert.Equal(t, "600.1", w.LifetimeEarnings.String())
	assert.Equal(t, "100", w.TotalWithdrawn.String())
}

func TestSQLite_Wallet_ConcurrentCreditsSumExactly(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreditWallet(ctx, "free-1", "USD", decimal.RequireFromString("0.10"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	w, err := s.GetOrCreateWallet(ctx, "free-1", "USD")
	require.NoError(t, err)
	assert.Equal(t, "2.5", w.Available.String())
}

// =============================================================================
// WITHTX & RUNS
// =============================================================================

func TestSQLite_WithTx_RollsBackEveryWriteOnError(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx billing.Store) error {
		require.NoError(t, tx.CreateInvoice(ctx, invoice("INV-1", "p1", billing.InvoiceUpfront, billing.UpfrontTrigger)))
		_, err := tx.CreditWallet(ctx, "free-1", "USD", decimal.NewFromInt(600))
		require.NoError(t, err)
		// nested WithTx joins the outer transaction
		require.NoError(t, tx.WithTx(ctx, func(inner billing.Store) error {
			return inner.AppendTransaction(ctx, &billing.Transaction{ID: "txn-1", ProjectID: "p1", Amount: decimal.NewFromInt(600), CreatedAt: t0})
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetInvoice(ctx, "INV-1")
	assert.True(t, billing.IsNotFound(err))
	_, err = s.GetTransaction(ctx, "txn-1")
	assert.True(t, billing.IsNotFound(err))
	w, err := s.GetOrCreateWallet(ctx, "free-1", "USD")
	require.NoError(t, err)
	assert.True(t, w.Available.IsZero())
}

func TestSQLite_WithTx_CancelledContextRollsBack(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := s.WithTx(ctx, func(tx billing.Store) error {
		require.NoError(t, tx.CreateInvoice(ctx, invoice("INV-1", "p1", billing.InvoiceUpfront, billing.UpfrontTrigger)))
		cancel()
		return nil
	})
	require.Error(t, err)

	_, err = s.GetInvoice(context.Background(), "INV-1")
	assert.True(t, billing.IsNotFound(err))
}

func TestSQLite_RunsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	r := saga.NewRun("approve_task", "p1")
	r.StartedAt, r.UpdatedAt = t0, t0
	r.State = saga.StateRunning
	r.Steps = []saga.StepRecord{{Name: "approve_task", Status: saga.StepDone}}
	require.NoError(t, s.SaveRun(ctx, r))

	r.State = saga.StateCompleted
	fin := t0.Add(time.Second)
	r.FinishedAt = &fin
	r.Steps = append(r.Steps, saga.StepRecord{Name: "generate_invoice", Status: saga.StepSkipped})
	require.NoError(t, s.SaveRun(ctx, r))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompleted, got.State)
	assert.Len(t, got.Steps, 2)
	require.NotNil(t, got.FinishedAt)

	running, err := s.ListRuns(ctx, saga.StateRunning)
	require.NoError(t, err)
	assert.Empty(t, running)
	all, err := s.ListRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// =============================================================================
// SERVICES OVER SQLITE
// =============================================================================

func TestSQLite_MilestoneInvoiceAndPayment(t *testing.T) {
	// GIVEN: a 9000 milestone project with three tasks, first one approved
	ctx := context.Background()
	s := newStore(t)
	seed(t, s, "p1", 3)
	task, err := s.GetTask(ctx, "p1-t1")
	require.NoError(t, err)
	require.NoError(t, task.Transition(billing.TaskSubmitted, "free-1", t0))
	require.NoError(t, task.Transition(billing.TaskApproved, "comm-1", t0))
	require.NoError(t, s.UpdateTask(ctx, task))

	gen := billing.NewGenerator(s, billing.NewCalculator(billing.DefaultUpfrontPercent), nil)
	pay := billing.NewPaymentExecutor(s, billing.DefaultEpsilon, nil)

	// WHEN: invoice generated twice, then paid
	inv, err := gen.Generate(ctx, billing.Trigger{ProjectID: "p1", Type: billing.InvoiceAutoMilestone, TaskID: "p1-t1"})
	require.NoError(t, err)
	again, err := gen.Generate(ctx, billing.Trigger{ProjectID: "p1", Type: billing.InvoiceAutoMilestone, TaskID: "p1-t1"})
	assert.True(t, billing.IsDuplicate(err))
	assert.Equal(t, inv.Number, again.Number)

	res, err := pay.Pay(ctx, billing.PaymentRequest{InvoiceNumber: inv.Number, Amount: inv.TotalAmount, PayerID: "comm-1"})
	require.NoError(t, err)

	// THEN
	assert.Equal(t, "3000.00", inv.TotalAmount.StringFixed(2))
	assert.Equal(t, billing.InvoicePaid, res.Invoice.Status)
	assert.Equal(t, "3000", res.Wallet.Available.String())
	txs, err := s.ListTransactions(ctx, billing.TransactionFilter{InvoiceNumber: inv.Number})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestSQLite_FileDatabasePersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "payflow.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateInvoice(ctx, invoice("INV-1", "p1", billing.InvoiceUpfront, billing.UpfrontTrigger)))
	require.NoError(t, s.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetInvoice(ctx, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ProjectID)
}
