/*
reconcile.go - Upfront payment guard

PURPOSE:
  Best-effort repair pass for projects whose payment records disagree.
  It never fails the caller for what it cannot fix: everything it could not
  repair is logged and listed in the report.

PASSES:
  1. Backfill  paid invoices of the selected types with no amount get one
               computed from the project budget
  2. Link      paid transactions without an invoice link are attached to a
               paid invoice of the same project, with no transaction of its
               own, whose amount matches within epsilon

READ RETRY:
  If the first read of paid invoices is empty it is retried once after
  RetryDelay. Both stores here are read-your-writes, so the retry only
  matters for a store that is not.
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type LinkedTransaction struct {
	TransactionID string `json:"transaction_id"`
	InvoiceNumber string `json:"invoice_number"`
}

type ReconcileReport struct {
	ProjectID  string              `json:"project_id"`
	Backfilled []string            `json:"backfilled"`
	Linked     []LinkedTransaction `json:"linked"`
	Unmatched  []string            `json:"unmatched"`
	Errors     []string            `json:"errors"`
}

// ReconciledCount is the number of records repaired.
func (r *ReconcileReport) ReconciledCount() int {
	return len(r.Backfilled) + len(r.Linked)
}

// Clean reports a pass that found nothing left to repair.
func (r *ReconcileReport) Clean() bool {
	return len(r.Unmatched) == 0 && len(r.Errors) == 0
}

type Guard struct {
	Store      Store
	Calc       Calculator
	Epsilon    decimal.Decimal
	RetryDelay time.Duration
	Logger     *zap.Logger

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewGuard(store Store, calc Calculator, retryDelay time.Duration, logger *zap.Logger) *Guard {
	return &Guard{Store: store, Calc: calc, Epsilon: DefaultEpsilon, RetryDelay: retryDelay, Logger: orNop(logger)}
}

func (g *Guard) WithStore(s Store) *Guard {
	cp := *g
	cp.Store = s
	return &cp
}

func (g *Guard) sleep(ctx context.Context, d time.Duration) error {
	if g.Sleep != nil {
		return g.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (g *Guard) epsilon() decimal.Decimal {
	if g.Epsilon.IsPositive() {
		return g.Epsilon
	}
	return DefaultEpsilon
}

// Reconcile repairs projectID. types selects the invoices considered;
// none means upfront only. The error is non-nil only when the project
// itself cannot be read.
func (g *Guard) Reconcile(ctx context.Context, projectID string, types ...InvoiceType) (*ReconcileReport, error) {
	log := orNop(g.Logger).With(zap.String("project", projectID))
	if len(types) == 0 {
		types = []InvoiceType{InvoiceUpfront}
	}

	project, err := g.Store.GetProject(ctx, projectID)
	if err != nil {
		return nil, wrapIO("get project", err)
	}
	report := &ReconcileReport{
		ProjectID:  projectID,
		Backfilled: []string{},
		Linked:     []LinkedTransaction{},
		Unmatched:  []string{},
		Errors:     []string{},
	}
	fail := func(what string, err error) {
		log.Warn("reconcile: "+what, zap.Error(err))
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", what, err))
	}

	filter := InvoiceFilter{ProjectID: projectID, Types: types, Statuses: []InvoiceStatus{InvoicePaid}}
	paid, err := g.Store.ListInvoices(ctx, filter)
	if err == nil && len(paid) == 0 && g.RetryDelay > 0 {
		if err := g.sleep(ctx, g.RetryDelay); err != nil {
			fail("wait before retry", err)
			return report, nil
		}
		paid, err = g.Store.ListInvoices(ctx, filter)
	}
	if err != nil {
		fail("list paid invoices", err)
		return report, nil
	}

	for _, inv := range paid {
		if inv.TotalAmount.IsPositive() {
			continue
		}
		amount, err := g.backfillAmount(ctx, project, inv)
		if err != nil {
			fail("backfill "+inv.Number, err)
			continue
		}
		inv.TotalAmount = amount
		if err := g.Store.UpdateInvoice(ctx, inv); err != nil {
			fail("backfill "+inv.Number, err)
			continue
		}
		report.Backfilled = append(report.Backfilled, inv.Number)
		log.Info("invoice amount backfilled", zap.String("invoice", inv.Number), zap.String("amount", amount.StringFixed(2)))
	}

	g.link(ctx, log, report, paid, fail)

	log.Info("reconcile finished",
		zap.Int("reconciled", report.ReconciledCount()),
		zap.Int("unmatched", len(report.Unmatched)),
		zap.Int("errors", len(report.Errors)))
	return report, nil
}

func (g *Guard) backfillAmount(ctx context.Context, project *Project, inv *Invoice) (decimal.Decimal, error) {
	switch inv.Type {
	case InvoiceUpfront:
		return g.Calc.Upfront(project.Budget), nil
	case InvoiceAutoMilestone:
		tasks, err := g.Store.ListTasks(ctx, project.ID)
		if err != nil {
			return decimal.Zero, err
		}
		n := 0
		for _, t := range tasks {
			if t.MilestoneID != "" {
				n++
			}
		}
		if n == 0 {
			return decimal.Zero, &InconsistentStateError{Entity: "invoice", ID: inv.Number, Reason: "milestone invoice on a project without milestone tasks"}
		}
		return g.Calc.MilestoneShare(project.Budget, n), nil
	}
	return decimal.Zero, &InconsistentStateError{Entity: "invoice", ID: inv.Number, Reason: fmt.Sprintf("no rule to derive a %s amount", inv.Type)}
}

func (g *Guard) link(ctx context.Context, log *zap.Logger, report *ReconcileReport, paid []*Invoice, fail func(string, error)) {
	all, err := g.Store.ListTransactions(ctx, TransactionFilter{ProjectID: report.ProjectID})
	if err != nil {
		fail("list transactions", err)
		return
	}

	settled := make(map[string]bool)
	var orphans []*Transaction
	for _, tx := range all {
		if tx.Orphaned() {
			if tx.Status == TxPaid {
				orphans = append(orphans, tx)
			}
			continue
		}
		settled[tx.InvoiceNumber] = true
	}

	for _, tx := range orphans {
		var match *Invoice
		for _, inv := range paid {
			if !settled[inv.Number] && WithinEpsilon(tx.Amount, inv.TotalAmount, g.epsilon()) {
				match = inv
				break
			}
		}
		if match == nil {
			report.Unmatched = append(report.Unmatched, tx.ID)
			log.Warn("orphaned transaction has no matching invoice",
				zap.Error(&InconsistentStateError{Entity: "transaction", ID: tx.ID, Reason: "no unlinked paid invoice with amount " + tx.Amount.StringFixed(2)}))
			continue
		}
		if err := g.Store.LinkTransaction(ctx, tx.ID, match.Number); err != nil {
			fail("link "+tx.ID, err)
			continue
		}
		settled[match.Number] = true
		report.Linked = append(report.Linked, LinkedTransaction{TransactionID: tx.ID, InvoiceNumber: match.Number})
		log.Info("orphaned transaction linked", zap.String("transaction", tx.ID), zap.String("invoice", match.Number))
	}
}
