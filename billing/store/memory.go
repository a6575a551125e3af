// Package store provides the in-memory billing.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payflow/billing"
	"github.com/warp/payflow/saga"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every entity in maps guarded by one mutex. Entities are
// stored and returned as copies, so callers never share state with the
// store.
type Memory struct {
	ops
	mu sync.Mutex
	st *state
}

type state struct {
	gigs         map[string]billing.Gig
	applications map[string]billing.Application
	projects     map[string]billing.Project
	tasks        map[string]billing.Task
	invoices     map[string]billing.Invoice
	invoiceKeys  map[billing.InvoiceKey]string
	transactions map[string]billing.Transaction
	txOrder      []string
	wallets      map[string]billing.Wallet
	runs         map[string]*saga.Run
}

func newState() *state {
	return &state{
		gigs:         make(map[string]billing.Gig),
		applications: make(map[string]billing.Application),
		projects:     make(map[string]billing.Project),
		tasks:        make(map[string]billing.Task),
		invoices:     make(map[string]billing.Invoice),
		invoiceKeys:  make(map[billing.InvoiceKey]string),
		transactions: make(map[string]billing.Transaction),
		wallets:      make(map[string]billing.Wallet),
		runs:         make(map[string]*saga.Run),
	}
}

func NewMemory() *Memory {
	m := &Memory{st: newState()}
	m.ops = ops{run: m.locked}
	return m
}

var _ billing.Store = (*Memory)(nil)

// locked runs fn against the live state under the store mutex.
func (m *Memory) locked(fn func(*state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The mutex is held for the whole of fn, so transactions are serialized.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	view := &txView{st: m.st}
	view.ops = ops{run: view.locked}
	if err := fn(view); err != nil {
		m.st = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.gigs {
		c.gigs[k] = v
	}
	for k, v := range s.applications {
		c.applications[k] = v
	}
	for k, v := range s.projects {
		c.projects[k] = v
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	for k, v := range s.invoices {
		c.invoices[k] = v
	}
	for k, v := range s.invoiceKeys {
		c.invoiceKeys[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	c.txOrder = append([]string(nil), s.txOrder...)
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.runs {
		c.runs[k] = v.Clone()
	}
	return c
}

// txView is the Store handed to WithTx callbacks. It works on the live
// state without locking; the enclosing WithTx holds the mutex.
type txView struct {
	ops
	st *state
}

func (v *txView) locked(fn func(*state) error) error { return fn(v.st) }

// WithTx on a view joins the enclosing transaction.
func (v *txView) WithTx(_ context.Context, fn func(billing.Store) error) error {
	return fn(v)
}

// =============================================================================
// STATE OPERATIONS
// =============================================================================

func (s *state) createGig(g *billing.Gig) error {
	if _, ok := s.gigs[g.ID]; ok {
		return &billing.DuplicateOperationError{Operation: "create_gig", Key: g.ID}
	}
	cp := *g
	cp.Milestones = append([]billing.Milestone(nil), g.Milestones...)
	s.gigs[g.ID] = cp
	return nil
}

func (s *state) getGig(id string) (*billing.Gig, error) {
	g, ok := s.gigs[id]
	if !ok {
		return nil, &billing.NotFoundError{Entity: "gig", ID: id}
	}
	g.Milestones = append([]billing.Milestone(nil), g.Milestones...)
	return &g, nil
}

func (s *state) setGigStatus(id string, status billing.GigStatus) error {
	g, ok := s.gigs[id]
	if !ok {
		return &billing.NotFoundError{Entity: "gig", ID: id}
	}
	g.Status = status
	s.gigs[id] = g
	return nil
}

func (s *state) saveApplication(a *billing.Application) {
	s.applications[a.ID] = *a
}

func (s *state) getApplication(id string) (*billing.Application, error) {
	a, ok := s.applications[id]
	if !ok {
		return nil, &billing.NotFoundError{Entity: "application", ID: id}
	}
	return &a, nil
}

func (s *state) createProject(p *billing.Project) error {
	if _, ok := s.projects[p.ID]; ok {
		return &billing.DuplicateOperationError{Operation: "create_project", Key: p.ID}
	}
	s.projects[p.ID] = *p
	return nil
}

func (s *state) getProject(id string) (*billing.Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return nil, &billing.NotFoundError{Entity: "project", ID: id}
	}
	return &p, nil
}

func (s *state) listProjects(f billing.ProjectFilter) []*billing.Project {
	out := []*billing.Project{}
	for _, p := range s.projects {
		if f.FreelancerID != "" && p.FreelancerID != f.FreelancerID {
			continue
		}
		if f.CommissionerID != "" && p.CommissionerID != f.CommissionerID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) updateProject(p *billing.Project) error {
	old, ok := s.projects[p.ID]
	if !ok {
		return &billing.NotFoundError{Entity: "project", ID: p.ID}
	}
	if old.InvoicingMethod != p.InvoicingMethod {
		return &billing.InconsistentStateError{Entity: "project", ID: p.ID, Reason: "invoicing method is immutable"}
	}
	s.projects[p.ID] = *p
	return nil
}

func (s *state) deleteProject(id string) error {
	if _, ok := s.projects[id]; !ok {
		return &billing.NotFoundError{Entity: "project", ID: id}
	}
	delete(s.projects, id)
	for tid, t := range s.tasks {
		if t.ProjectID == id {
			delete(s.tasks, tid)
		}
	}
	return nil
}

func (s *state) createTask(t *billing.Task) error {
	if _, ok := s.tasks[t.ID]; ok {
		return &billing.DuplicateOperationError{Operation: "create_task", Key: t.ID}
	}
	s.tasks[t.ID] = *t
	return nil
}

func (s *state) getTask(id string) (*billing.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, &billing.NotFoundError{Entity: "task", ID: id}
	}
	return &t, nil
}

func (s *state) listTasks(projectID string) []*billing.Task {
	out := []*billing.Task{}
	for _, t := range s.tasks {
		if t.ProjectID == projectID {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) updateTask(t *billing.Task) error {
	if _, ok := s.tasks[t.ID]; !ok {
		return &billing.NotFoundError{Entity: "task", ID: t.ID}
	}
	s.tasks[t.ID] = *t
	return nil
}

// createInvoice is the compare-and-swap on the invoice uniqueness key.
func (s *state) createInvoice(inv *billing.Invoice) error {
	if _, ok := s.invoices[inv.Number]; ok {
		return &billing.DuplicateOperationError{Operation: "create_invoice", Key: inv.Number}
	}
	key := inv.Key()
	if _, ok := s.invoiceKeys[key]; ok {
		return &billing.DuplicateOperationError{Operation: "create_invoice", Key: key.String()}
	}
	s.invoices[inv.Number] = *inv
	s.invoiceKeys[key] = inv.Number
	return nil
}

func (s *state) getInvoice(number string) (*billing.Invoice, error) {
	inv, ok := s.invoices[number]
	if !ok {
		return nil, &billing.NotFoundError{Entity: "invoice", ID: number}
	}
	return &inv, nil
}

func (s *state) findInvoice(key billing.InvoiceKey) (*billing.Invoice, error) {
	number, ok := s.invoiceKeys[key]
	if !ok {
		return nil, &billing.NotFoundError{Entity: "invoice", ID: key.String()}
	}
	return s.getInvoice(number)
}

func (s *state) listInvoices(f billing.InvoiceFilter) []*billing.Invoice {
	out := []*billing.Invoice{}
	for _, inv := range s.invoices {
		inv := inv
		if f.Matches(&inv) {
			out = append(out, &inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		return out[i].Number < out[j].Number
	})
	return out
}

func (s *state) updateInvoice(inv *billing.Invoice) error {
	old, ok := s.invoices[inv.Number]
	if !ok {
		return &billing.NotFoundError{Entity: "invoice", ID: inv.Number}
	}
	if old.Key() != inv.Key() {
		return &billing.InconsistentStateError{Entity: "invoice", ID: inv.Number, Reason: "uniqueness key is immutable"}
	}
	if old.Status != inv.Status && !old.Status.CanTransitionTo(inv.Status) {
		return &billing.ValidationError{Field: "status", Reason: fmt.Sprintf("invoice %s cannot move from %s to %s", inv.Number, old.Status, inv.Status)}
	}
	s.invoices[inv.Number] = *inv
	return nil
}

func (s *state) deleteInvoice(number string) error {
	inv, ok := s.invoices[number]
	if !ok {
		return &billing.NotFoundError{Entity: "invoice", ID: number}
	}
	if inv.Status == billing.InvoicePaid {
		return &billing.InconsistentStateError{Entity: "invoice", ID: number, Reason: "paid invoices cannot be deleted"}
	}
	delete(s.invoices, number)
	delete(s.invoiceKeys, inv.Key())
	return nil
}

func (s *state) appendTransaction(tx *billing.Transaction) error {
	if _, ok := s.transactions[tx.ID]; ok {
		return &billing.DuplicateOperationError{Operation: "append_transaction", Key: tx.ID}
	}
	s.transactions[tx.ID] = *tx
	s.txOrder = append(s.txOrder, tx.ID)
	return nil
}

func (s *state) getTransaction(id string) (*billing.Transaction, error) {
	tx, ok := s.transactions[id]
	if !ok {
		return nil, &billing.NotFoundError{Entity: "transaction", ID: id}
	}
	return &tx, nil
}

func (s *state) listTransactions(f billing.TransactionFilter) []*billing.Transaction {
	out := []*billing.Transaction{}
	for _, id := range s.txOrder {
		tx := s.transactions[id]
		if f.Matches(&tx) {
			out = append(out, &tx)
		}
	}
	return out
}

func (s *state) linkTransaction(id, invoiceNumber string) error {
	tx, ok := s.transactions[id]
	if !ok {
		return &billing.NotFoundError{Entity: "transaction", ID: id}
	}
	if !tx.Orphaned() {
		return &billing.InconsistentStateError{Entity: "transaction", ID: id, Reason: "already linked to " + tx.InvoiceNumber}
	}
	if _, ok := s.invoices[invoiceNumber]; !ok {
		return &billing.NotFoundError{Entity: "invoice", ID: invoiceNumber}
	}
	tx.InvoiceNumber = invoiceNumber
	s.transactions[id] = tx
	return nil
}

func (s *state) wallet(userID, currency string) billing.Wallet {
	w, ok := s.wallets[userID]
	if !ok {
		if currency == "" {
			currency = billing.DefaultCurrency
		}
		w = *billing.NewWallet(userID, currency)
		s.wallets[userID] = w
	}
	return w
}

func (s *state) creditWallet(userID, currency string, amount decimal.Decimal) (*billing.Wallet, error) {
	w := s.wallet(userID, currency)
	if err := w.Credit(amount); err != nil {
		return nil, err
	}
	w.UpdatedAt = time.Now().UTC()
	s.wallets[userID] = w
	return &w, nil
}

func (s *state) debitWallet(userID string, amount decimal.Decimal) (*billing.Wallet, error) {
	w := s.wallet(userID, "")
	if err := w.Debit(amount); err != nil {
		return nil, err
	}
	w.UpdatedAt = time.Now().UTC()
	s.wallets[userID] = w
	return &w, nil
}

func (s *state) saveRun(r *saga.Run) {
	s.runs[r.ID] = r.Clone()
}

func (s *state) getRun(id string) (*saga.Run, error) {
	r, ok := s.runs[id]
	if !ok {
		return nil, &billing.NotFoundError{Entity: "workflow run", ID: id}
	}
	return r.Clone(), nil
}

func (s *state) listRuns(states []saga.State) []*saga.Run {
	out := []*saga.Run{}
	for _, r := range s.runs {
		if len(states) > 0 && !hasState(states, r.State) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func hasState(states []saga.State, s saga.State) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}

// =============================================================================
// STORE METHODS - shared by Memory (locking) and txView (already locked)
// =============================================================================

type ops struct {
	run func(fn func(*state) error) error
}

func (o ops) CreateGig(_ context.Context, g *billing.Gig) error {
	return o.run(func(s *state) error { return s.createGig(g) })
}

func (o ops) GetGig(_ context.Context, id string) (g *billing.Gig, err error) {
	err = o.run(func(s *state) error { g, err = s.getGig(id); return err })
	return g, err
}

func (o ops) SetGigStatus(_ context.Context, id string, status billing.GigStatus) error {
	return o.run(func(s *state) error { return s.setGigStatus(id, status) })
}

func (o ops) SaveApplication(_ context.Context, a *billing.Application) error {
	return o.run(func(s *state) error { s.saveApplication(a); return nil })
}

func (o ops) GetApplication(_ context.Context, id string) (a *billing.Application, err error) {
	err = o.run(func(s *state) error { a, err = s.getApplication(id); return err })
	return a, err
}

func (o ops) CreateProject(_ context.Context, p *billing.Project) error {
	return o.run(func(s *state) error { return s.createProject(p) })
}

func (o ops) GetProject(_ context.Context, id string) (p *billing.Project, err error) {
	err = o.run(func(s *state) error { p, err = s.getProject(id); return err })
	return p, err
}

func (o ops) ListProjects(_ context.Context, f billing.ProjectFilter) (ps []*billing.Project, err error) {
	err = o.run(func(s *state) error { ps = s.listProjects(f); return nil })
	return ps, err
}

func (o ops) UpdateProject(_ context.Context, p *billing.Project) error {
	return o.run(func(s *state) error { return s.updateProject(p) })
}

func (o ops) DeleteProject(_ context.Context, id string) error {
	return o.run(func(s *state) error { return s.deleteProject(id) })
}

func (o ops) CreateTask(_ context.Context, t *billing.Task) error {
	return o.run(func(s *state) error { return s.createTask(t) })
}

func (o ops) GetTask(_ context.Context, id string) (t *billing.Task, err error) {
	err = o.run(func(s *state) error { t, err = s.getTask(id); return err })
	return t, err
}

func (o ops) ListTasks(_ context.Context, projectID string) (ts []*billing.Task, err error) {
	err = o.run(func(s *state) error { ts = s.listTasks(projectID); return nil })
	return ts, err
}

func (o ops) UpdateTask(_ context.Context, t *billing.Task) error {
	return o.run(func(s *state) error { return s.updateTask(t) })
}

func (o ops) CreateInvoice(_ context.Context, inv *billing.Invoice) error {
	return o.run(func(s *state) error { return s.createInvoice(inv) })
}

func (o ops) GetInvoice(_ context.Context, number string) (inv *billing.Invoice, err error) {
	err = o.run(func(s *state) error { inv, err = s.getInvoice(number); return err })
	return inv, err
}

func (o ops) FindInvoice(_ context.Context, key billing.InvoiceKey) (inv *billing.Invoice, err error) {
	err = o.run(func(s *state) error { inv, err = s.findInvoice(key); return err })
	return inv, err
}

func (o ops) ListInvoices(_ context.Context, f billing.InvoiceFilter) (invs []*billing.Invoice, err error) {
	err = o.run(func(s *state) error { invs = s.listInvoices(f); return nil })
	return invs, err
}

func (o ops) UpdateInvoice(_ context.Context, inv *billing.Invoice) error {
	return o.run(func(s *state) error { return s.updateInvoice(inv) })
}

func (o ops) DeleteInvoice(_ context.Context, number string) error {
	return o.run(func(s *state) error { return s.deleteInvoice(number) })
}

func (o ops) AppendTransaction(_ context.Context, tx *billing.Transaction) error {
	return o.run(func(s *state) error { return s.appendTransaction(tx) })
}

func (o ops) GetTransaction(_ context.Context, id string) (tx *billing.Transaction, err error) {
	err = o.run(func(s *state) error { tx, err = s.getTransaction(id); return err })
	return tx, err
}

func (o ops) ListTransactions(_ context.Context, f billing.TransactionFilter) (txs []*billing.Transaction, err error) {
	err = o.run(func(s *state) error { txs = s.listTransactions(f); return nil })
	return txs, err
}

func (o ops) LinkTransaction(_ context.Context, id, invoiceNumber string) error {
	return o.run(func(s *state) error { return s.linkTransaction(id, invoiceNumber) })
}

// GetOrCreateWallet is idempotent: the first call creates an empty wallet.
func (o ops) GetOrCreateWallet(_ context.Context, userID, currency string) (w *billing.Wallet, err error) {
	err = o.run(func(s *state) error { cp := s.wallet(userID, currency); w = &cp; return nil })
	return w, err
}

func (o ops) CreditWallet(_ context.Context, userID, currency string, amount decimal.Decimal) (w *billing.Wallet, err error) {
	err = o.run(func(s *state) error { w, err = s.creditWallet(userID, currency, amount); return err })
	return w, err
}

func (o ops) DebitWallet(_ context.Context, userID string, amount decimal.Decimal) (w *billing.Wallet, err error) {
	err = o.run(func(s *state) error { w, err = s.debitWallet(userID, amount); return err })
	return w, err
}

func (o ops) SaveRun(_ context.Context, r *saga.Run) error {
	return o.run(func(s *state) error { s.saveRun(r); return nil })
}

func (o ops) GetRun(_ context.Context, id string) (r *saga.Run, err error) {
	err = o.run(func(s *state) error { r, err = s.getRun(id); return err })
	return r, err
}

func (o ops) ListRuns(_ context.Context, states ...saga.State) (rs []*saga.Run, err error) {
	err = o.run(func(s *state) error { rs = s.listRuns(states); return nil })
	return rs, err
}
