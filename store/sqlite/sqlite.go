/*
Package sqlite provides a SQLite-backed implementation of billing.Store.

PURPOSE:
  Persists gigs, applications, projects, tasks, invoices, transactions,
  wallets and workflow runs. The same schema ports to PostgreSQL with
  minor dialect changes.

KEY TABLES:
  invoices:      one row per invoice; UNIQUE(project_id, invoice_type,
                 trigger_key) is the generation compare-and-swap
  transactions:  append-only payment records; only invoice_number may be
                 filled in later (reconciliation)
  wallets:       one row per user, balances as decimal TEXT
  workflow_runs: saga run records, steps as JSON

INVARIANTS ENFORCED HERE:
  - Invoice status moves forward only (draft → sent → paid)
  - Invoice uniqueness key and project invoicing method are immutable
  - Paid invoices cannot be deleted
  - Wallet balances never go negative

CONCURRENCY:
  The pool is limited to one connection. Every multi-statement operation
  runs in its own database transaction, so read-modify-writes (wallet
  credit, invoice update checks) are serialized by SQLite itself.
  Do not call the root Store from inside a WithTx callback: the callback
  owns the only connection. Use the Store it receives.

MONEY:
  Decimals are stored as TEXT and parsed with shopspring/decimal; money
  never passes through REAL columns.

USAGE:
  store, err := sqlite.New("./data/payflow.db")
  if err != nil {
      return err
  }
  defer store.Close()

SEE ALSO:
  - billing/store.go: interface and contract
  - billing/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/payflow/billing"
	"github.com/warp/payflow/saga"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements billing.Store using SQLite.
type Store struct {
	queries
	db *sql.DB
}

var _ billing.Store = (*Store)(nil)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	s.queries = queries{db: db, atomic: s.inTx}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS gigs (
		id TEXT PRIMARY KEY,
		commissioner_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		budget_lower TEXT NOT NULL,
		budget_upper TEXT NOT NULL,
		invoicing_method TEXT NOT NULL,
		milestones_json TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS applications (
		id TEXT PRIMARY KEY,
		gig_id TEXT NOT NULL,
		freelancer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_applications_gig ON applications(gig_id);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		gig_id TEXT NOT NULL,
		freelancer_id TEXT NOT NULL,
		commissioner_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		invoicing_method TEXT NOT NULL,
		budget TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		total_tasks INTEGER NOT NULL DEFAULT 0,
		completed_by TEXT NOT NULL DEFAULT '',
		completed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_projects_freelancer ON projects(freelancer_id);
	CREATE INDEX IF NOT EXISTS idx_projects_commissioner ON projects(commissioner_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		milestone_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		ord INTEGER NOT NULL,
		status TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		submitted_at TEXT,
		reviewed_at TEXT,
		reviewed_by TEXT NOT NULL DEFAULT '',
		rejection_reason TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id, ord);

	CREATE TABLE IF NOT EXISTS invoices (
		number TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		freelancer_id TEXT NOT NULL,
		commissioner_id TEXT NOT NULL,
		invoice_type TEXT NOT NULL,
		invoicing_method TEXT NOT NULL,
		trigger_key TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		milestone_id TEXT NOT NULL DEFAULT '',
		total_amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		paid_at TEXT
	);

	-- One invoice per trigger: concurrent generators race on this index
	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_trigger
		ON invoices(project_id, invoice_type, trigger_key);

	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		invoice_number TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL,
		freelancer_id TEXT NOT NULL,
		commissioner_id TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		payment_method TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_invoice ON transactions(invoice_number);
	CREATE INDEX IF NOT EXISTS idx_transactions_project ON transactions(project_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_freelancer ON transactions(freelancer_id);

	CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT PRIMARY KEY,
		available TEXT NOT NULL,
		pending TEXT NOT NULL,
		lifetime_earnings TEXT NOT NULL,
		total_withdrawn TEXT NOT NULL,
		currency TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflow_runs (
		id TEXT PRIMARY KEY,
		workflow TEXT NOT NULL,
		run_key TEXT NOT NULL,
		state TEXT NOT NULL,
		steps_json TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_workflow_runs_state ON workflow_runs(state, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction. Any error from fn, or a
// cancelled ctx, rolls back every write made through the Store fn receives.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	return s.inTx(ctx, func(q queries) error {
		return fn(&txStore{queries: q})
	})
}

func (s *Store) inTx(ctx context.Context, fn func(queries) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ioErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	q := queries{db: sqlTx}
	q.atomic = func(_ context.Context, fn func(queries) error) error { return fn(q) }
	if err := fn(q); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return ioErr("commit", err)
	}
	return nil
}

// txStore is the Store handed to WithTx callbacks.
type txStore struct {
	queries
}

// WithTx on a txStore joins the enclosing transaction.
func (ts *txStore) WithTx(_ context.Context, fn func(billing.Store) error) error {
	return fn(ts)
}

// queries holds every statement. atomic runs a multi-statement operation
// in a transaction: a fresh one for the root Store, the current one inside
// WithTx.
type queries struct {
	db     dbtx
	atomic func(ctx context.Context, fn func(queries) error) error
}

// =============================================================================
// GIGS & APPLICATIONS
// =============================================================================

func (q queries) CreateGig(ctx context.Context, g *billing.Gig) error {
	milestones, err := json.Marshal(g.Milestones)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO gigs (id, commissioner_id, title, budget_lower, budget_upper,
		                  invoicing_method, milestones_json, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.CommissionerID, g.Title, g.BudgetLower.String(), g.BudgetUpper.String(),
		g.InvoicingMethod, string(milestones), g.Status, formatTime(g.CreatedAt),
	)
	return writeErr("create_gig", g.ID, err)
}

func (q queries) GetGig(ctx context.Context, id string) (*billing.Gig, error) {
	var (
		g                  billing.Gig
		lower, upper       string
		milestones, create string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, commissioner_id, title, budget_lower, budget_upper,
		       invoicing_method, milestones_json, status, created_at
		FROM gigs WHERE id = ?`, id,
	).Scan(&g.ID, &g.CommissionerID, &g.Title, &lower, &upper,
		&g.InvoicingMethod, &milestones, &g.Status, &create)
	if err != nil {
		return nil, readErr("gig", id, err)
	}
	g.BudgetLower = billing.MustDecimal(lower)
	g.BudgetUpper = billing.MustDecimal(upper)
	g.CreatedAt = parseTime(create)
	if err := json.Unmarshal([]byte(milestones), &g.Milestones); err != nil {
		return nil, ioErr("decode milestones", err)
	}
	return &g, nil
}

func (q queries) SetGigStatus(ctx context.Context, id string, status billing.GigStatus) error {
	res, err := q.db.ExecContext(ctx, `UPDATE gigs SET status = ? WHERE id = ?`, status, id)
	return affected(res, err, "gig", id)
}

// SaveApplication inserts or replaces the application.
func (q queries) SaveApplication(ctx context.Context, a *billing.Application) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO applications (id, gig_id, freelancer_id, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status`,
		a.ID, a.GigID, a.FreelancerID, a.Status, formatTime(a.CreatedAt),
	)
	return writeErr("save_application", a.ID, err)
}

func (q queries) GetApplication(ctx context.Context, id string) (*billing.Application, error) {
	var (
		a       billing.Application
		created string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, gig_id, freelancer_id, status, created_at
		FROM applications WHERE id = ?`, id,
	).Scan(&a.ID, &a.GigID, &a.FreelancerID, &a.Status, &created)
	if err != nil {
		return nil, readErr("application", id, err)
	}
	a.CreatedAt = parseTime(created)
	return &a, nil
}

// =============================================================================
// PROJECTS
// =============================================================================

const projectColumns = `id, gig_id, freelancer_id, commissioner_id, title, invoicing_method,
	budget, currency, status, total_tasks, completed_by, completed_at, created_at`

func (q queries) CreateProject(ctx context.Context, p *billing.Project) error {
	_, err := q.db.ExecContext(ctx, `INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.GigID, p.FreelancerID, p.CommissionerID, p.Title, p.InvoicingMethod,
		p.Budget.String(), p.Currency, p.Status, p.TotalTasks, p.CompletedBy,
		nullTime(p.CompletedAt), formatTime(p.CreatedAt),
	)
	return writeErr("create_project", p.ID, err)
}

func (q queries) GetProject(ctx context.Context, id string) (*billing.Project, error) {
	p, err := scanProject(q.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if err != nil {
		return nil, readErr("project", id, err)
	}
	return p, nil
}

func (q queries) ListProjects(ctx context.Context, f billing.ProjectFilter) ([]*billing.Project, error) {
	var (
		where []string
		args  []any
	)
	if f.FreelancerID != "" {
		where = append(where, "freelancer_id = ?")
		args = append(args, f.FreelancerID)
	}
	if f.CommissionerID != "" {
		where = append(where, "commissioner_id = ?")
		args = append(args, f.CommissionerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + projectColumns + ` FROM projects` + whereClause(where) + ` ORDER BY created_at, id`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ioErr("list projects", err)
	}
	defer rows.Close()

	out := []*billing.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, ioErr("scan project", err)
		}
		out = append(out, p)
	}
	return out, rowsErr("list projects", rows)
}

// UpdateProject refuses to change the invoicing method.
func (q queries) UpdateProject(ctx context.Context, p *billing.Project) error {
	return q.atomic(ctx, func(q queries) error {
		var method billing.InvoicingMethod
		err := q.db.QueryRowContext(ctx, `SELECT invoicing_method FROM projects WHERE id = ?`, p.ID).Scan(&method)
		if err != nil {
			return readErr("project", p.ID, err)
		}
		if method != p.InvoicingMethod {
			return &billing.InconsistentStateError{Entity: "project", ID: p.ID, Reason: "invoicing method is immutable"}
		}
		_, err = q.db.ExecContext(ctx, `
			UPDATE projects SET freelancer_id = ?, commissioner_id = ?, title = ?, budget = ?,
			       currency = ?, status = ?, total_tasks = ?, completed_by = ?, completed_at = ?
			WHERE id = ?`,
			p.FreelancerID, p.CommissionerID, p.Title, p.Budget.String(), p.Currency, p.Status,
			p.TotalTasks, p.CompletedBy, nullTime(p.CompletedAt), p.ID,
		)
		return writeErr("update_project", p.ID, err)
	})
}

// DeleteProject removes the project and its tasks.
func (q queries) DeleteProject(ctx context.Context, id string) error {
	return q.atomic(ctx, func(q queries) error {
		res, err := q.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
		if err := affected(res, err, "project", id); err != nil {
			return err
		}
		_, err = q.db.ExecContext(ctx, `DELETE FROM tasks WHERE project_id = ?`, id)
		return writeErr("delete_project", id, err)
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*billing.Project, error) {
	var (
		p               billing.Project
		budget, created string
		completedAt     sql.NullString
	)
	err := row.Scan(&p.ID, &p.GigID, &p.FreelancerID, &p.CommissionerID, &p.Title,
		&p.InvoicingMethod, &budget, &p.Currency, &p.Status, &p.TotalTasks,
		&p.CompletedBy, &completedAt, &created)
	if err != nil {
		return nil, err
	}
	p.Budget = billing.MustDecimal(budget)
	p.CompletedAt = parseNullTime(completedAt)
	p.CreatedAt = parseTime(created)
	return &p, nil
}

// =============================================================================
// TASKS
// =============================================================================

const taskColumns = `id, project_id, milestone_id, title, ord, status, completed,
	submitted_at, reviewed_at, reviewed_by, rejection_reason`

func (q queries) CreateTask(ctx context.Context, t *billing.Task) error {
	_, err := q.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.MilestoneID, t.Title, t.Order, t.Status, t.Completed,
		nullTime(t.SubmittedAt), nullTime(t.ReviewedAt), t.ReviewedBy, t.RejectionReason,
	)
	return writeErr("create_task", t.ID, err)
}

func (q queries) GetTask(ctx context.Context, id string) (*billing.Task, error) {
	t, err := scanTask(q.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, readErr("task", id, err)
	}
	return t, nil
}

func (q queries) ListTasks(ctx context.Context, projectID string) ([]*billing.Task, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY ord, id`, projectID)
	if err != nil {
		return nil, ioErr("list tasks", err)
	}
	defer rows.Close()

	out := []*billing.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, ioErr("scan task", err)
		}
		out = append(out, t)
	}
	return out, rowsErr("list tasks", rows)
}

func (q queries) UpdateTask(ctx context.Context, t *billing.Task) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET milestone_id = ?, title = ?, ord = ?, status = ?, completed = ?,
		       submitted_at = ?, reviewed_at = ?, reviewed_by = ?, rejection_reason = ?
		WHERE id = ?`,
		t.MilestoneID, t.Title, t.Order, t.Status, t.Completed,
		nullTime(t.SubmittedAt), nullTime(t.ReviewedAt), t.ReviewedBy, t.RejectionReason, t.ID,
	)
	return affected(res, err, "task", t.ID)
}

func scanTask(row scanner) (*billing.Task, error) {
	var (
		t                   billing.Task
		submitted, reviewed sql.NullString
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.MilestoneID, &t.Title, &t.Order, &t.Status,
		&t.Completed, &submitted, &reviewed, &t.ReviewedBy, &t.RejectionReason)
	if err != nil {
		return nil, err
	}
	t.SubmittedAt = parseNullTime(submitted)
	t.ReviewedAt = parseNullTime(reviewed)
	return &t, nil
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `number, project_id, freelancer_id, commissioner_id, invoice_type,
	invoicing_method, trigger_key, task_id, milestone_id, total_amount, currency, status,
	issued_at, paid_at`

// CreateInvoice inserts the invoice. A second invoice for the same
// (project, type, trigger) fails on idx_invoices_trigger.
func (q queries) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	_, err := q.db.ExecContext(ctx, `INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.Number, inv.ProjectID, inv.FreelancerID, inv.CommissionerID, inv.Type,
		inv.InvoicingMethod, inv.TriggerKey, inv.TaskID, inv.MilestoneID,
		inv.TotalAmount.String(), inv.Currency, inv.Status,
		formatTime(inv.IssuedAt), nullTime(inv.PaidAt),
	)
	if isUniqueConstraintError(err) && strings.Contains(err.Error(), "trigger_key") {
		return &billing.DuplicateOperationError{Operation: "create_invoice", Key: inv.Key().String()}
	}
	return writeErr("create_invoice", inv.Number, err)
}

func (q queries) GetInvoice(ctx context.Context, number string) (*billing.Invoice, error) {
	inv, err := scanInvoice(q.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE number = ?`, number))
	if err != nil {
		return nil, readErr("invoice", number, err)
	}
	return inv, nil
}

func (q queries) FindInvoice(ctx context.Context, key billing.InvoiceKey) (*billing.Invoice, error) {
	inv, err := scanInvoice(q.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE project_id = ? AND invoice_type = ? AND trigger_key = ?`,
		key.ProjectID, key.Type, key.TriggerKey))
	if err != nil {
		return nil, readErr("invoice", key.String(), err)
	}
	return inv, nil
}

func (q queries) ListInvoices(ctx context.Context, f billing.InvoiceFilter) ([]*billing.Invoice, error) {
	var (
		where []string
		args  []any
	)
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if len(f.Types) > 0 {
		where = append(where, "invoice_type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	query := `SELECT ` + invoiceColumns + ` FROM invoices` + whereClause(where) + ` ORDER BY issued_at, number`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ioErr("list invoices", err)
	}
	defer rows.Close()

	out := []*billing.Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, ioErr("scan invoice", err)
		}
		out = append(out, inv)
	}
	return out, rowsErr("list invoices", rows)
}

// UpdateInvoice checks the stored row first: the uniqueness key is
// immutable and status only moves forward.
func (q queries) UpdateInvoice(ctx context.Context, inv *billing.Invoice) error {
	return q.atomic(ctx, func(q queries) error {
		old, err := q.GetInvoice(ctx, inv.Number)
		if err != nil {
			return err
		}
		if old.Key() != inv.Key() {
			return &billing.InconsistentStateError{Entity: "invoice", ID: inv.Number, Reason: "uniqueness key is immutable"}
		}
		if old.Status != inv.Status && !old.Status.CanTransitionTo(inv.Status) {
			return &billing.ValidationError{Field: "status", Reason: fmt.Sprintf("invoice %s cannot move from %s to %s", inv.Number, old.Status, inv.Status)}
		}
		_, err = q.db.ExecContext(ctx, `
			UPDATE invoices SET freelancer_id = ?, commissioner_id = ?, task_id = ?, milestone_id = ?,
			       total_amount = ?, currency = ?, status = ?, issued_at = ?, paid_at = ?
			WHERE number = ?`,
			inv.FreelancerID, inv.CommissionerID, inv.TaskID, inv.MilestoneID,
			inv.TotalAmount.String(), inv.Currency, inv.Status,
			formatTime(inv.IssuedAt), nullTime(inv.PaidAt), inv.Number,
		)
		return writeErr("update_invoice", inv.Number, err)
	})
}

func (q queries) DeleteInvoice(ctx context.Context, number string) error {
	return q.atomic(ctx, func(q queries) error {
		old, err := q.GetInvoice(ctx, number)
		if err != nil {
			return err
		}
		if old.Status == billing.InvoicePaid {
			return &billing.InconsistentStateError{Entity: "invoice", ID: number, Reason: "paid invoices cannot be deleted"}
		}
		_, err = q.db.ExecContext(ctx, `DELETE FROM invoices WHERE number = ?`, number)
		return writeErr("delete_invoice", number, err)
	})
}

func scanInvoice(row scanner) (*billing.Invoice, error) {
	var (
		inv            billing.Invoice
		amount, issued string
		paid           sql.NullString
	)
	err := row.Scan(&inv.Number, &inv.ProjectID, &inv.FreelancerID, &inv.CommissionerID,
		&inv.Type, &inv.InvoicingMethod, &inv.TriggerKey, &inv.TaskID, &inv.MilestoneID,
		&amount, &inv.Currency, &inv.Status, &issued, &paid)
	if err != nil {
		return nil, err
	}
	inv.TotalAmount = billing.MustDecimal(amount)
	inv.IssuedAt = parseTime(issued)
	inv.PaidAt = parseNullTime(paid)
	return &inv, nil
}

// =============================================================================
// PAYMENT TRANSACTIONS (append-only)
// =============================================================================

const transactionColumns = `id, invoice_number, project_id, freelancer_id, commissioner_id,
	amount, currency, payment_method, status, created_at`

func (q queries) AppendTransaction(ctx context.Context, tx *billing.Transaction) error {
	_, err := q.db.ExecContext(ctx, `INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.InvoiceNumber, tx.ProjectID, tx.FreelancerID, tx.CommissionerID,
		tx.Amount.String(), tx.Currency, tx.PaymentMethod, tx.Status, formatTime(tx.CreatedAt),
	)
	return writeErr("append_transaction", tx.ID, err)
}

func (q queries) GetTransaction(ctx context.Context, id string) (*billing.Transaction, error) {
	tx, err := scanTransaction(q.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id))
	if err != nil {
		return nil, readErr("transaction", id, err)
	}
	return tx, nil
}

// ListTransactions returns matching records in insertion order.
func (q queries) ListTransactions(ctx context.Context, f billing.TransactionFilter) ([]*billing.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.InvoiceNumber != "" {
		where = append(where, "invoice_number = ?")
		args = append(args, f.InvoiceNumber)
	}
	if f.FreelancerID != "" {
		where = append(where, "freelancer_id = ?")
		args = append(args, f.FreelancerID)
	}
	if f.UnlinkedOnly {
		where = append(where, "invoice_number = ''")
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions` + whereClause(where) + ` ORDER BY seq`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ioErr("list transactions", err)
	}
	defer rows.Close()

	out := []*billing.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, ioErr("scan transaction", err)
		}
		out = append(out, tx)
	}
	return out, rowsErr("list transactions", rows)
}

// LinkTransaction fills in a missing invoice link. This is the only write
// ever made to an existing transaction row.
func (q queries) LinkTransaction(ctx context.Context, id, invoiceNumber string) error {
	return q.atomic(ctx, func(q queries) error {
		tx, err := q.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if !tx.Orphaned() {
			return &billing.InconsistentStateError{Entity: "transaction", ID: id, Reason: "already linked to " + tx.InvoiceNumber}
		}
		if _, err := q.GetInvoice(ctx, invoiceNumber); err != nil {
			return err
		}
		_, err = q.db.ExecContext(ctx,
			`UPDATE transactions SET invoice_number = ? WHERE id = ? AND invoice_number = ''`, invoiceNumber, id)
		return writeErr("link_transaction", id, err)
	})
}

func scanTransaction(row scanner) (*billing.Transaction, error) {
	var (
		tx              billing.Transaction
		amount, created string
	)
	err := row.Scan(&tx.ID, &tx.InvoiceNumber, &tx.ProjectID, &tx.FreelancerID, &tx.CommissionerID,
		&amount, &tx.Currency, &tx.PaymentMethod, &tx.Status, &created)
	if err != nil {
		return nil, err
	}
	tx.Amount = billing.MustDecimal(amount)
	tx.CreatedAt = parseTime(created)
	return &tx, nil
}

// =============================================================================
// WALLETS
// =============================================================================

// GetOrCreateWallet is idempotent: the first call creates an empty wallet.
func (q queries) GetOrCreateWallet(ctx context.Context, userID, currency string) (*billing.Wallet, error) {
	var w *billing.Wallet
	err := q.atomic(ctx, func(q queries) error {
		var err error
		w, err = q.wallet(ctx, userID, currency)
		return err
	})
	return w, err
}

func (q queries) CreditWallet(ctx context.Context, userID, currency string, amount decimal.Decimal) (*billing.Wallet, error) {
	return q.adjustWallet(ctx, userID, currency, (*billing.Wallet).Credit, amount)
}

func (q queries) DebitWallet(ctx context.Context, userID string, amount decimal.Decimal) (*billing.Wallet, error) {
	return q.adjustWallet(ctx, userID, "", (*billing.Wallet).Debit, amount)
}

func (q queries) adjustWallet(ctx context.Context, userID, currency string, apply func(*billing.Wallet, decimal.Decimal) error, amount decimal.Decimal) (*billing.Wallet, error) {
	var w *billing.Wallet
	err := q.atomic(ctx, func(q queries) error {
		var err error
		if w, err = q.wallet(ctx, userID, currency); err != nil {
			return err
		}
		if err := apply(w, amount); err != nil {
			return err
		}
		w.UpdatedAt = time.Now().UTC()
		_, err = q.db.ExecContext(ctx, `
			UPDATE wallets SET available = ?, pending = ?, lifetime_earnings = ?,
			       total_withdrawn = ?, updated_at = ?
			WHERE user_id = ?`,
			w.Available.String(), w.Pending.String(), w.LifetimeEarnings.String(),
			w.TotalWithdrawn.String(), formatTime(w.UpdatedAt), userID,
		)
		return writeErr("update_wallet", userID, err)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// wallet reads the wallet, inserting an empty one when missing. Must run
// inside atomic.
func (q queries) wallet(ctx context.Context, userID, currency string) (*billing.Wallet, error) {
	var (
		w                                       billing.Wallet
		available, pending, lifetime, withdrawn string
		updated                                 string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, available, pending, lifetime_earnings, total_withdrawn, currency, updated_at
		FROM wallets WHERE user_id = ?`, userID,
	).Scan(&w.UserID, &available, &pending, &lifetime, &withdrawn, &w.Currency, &updated)
	switch {
	case err == nil:
		w.Available = billing.MustDecimal(available)
		w.Pending = billing.MustDecimal(pending)
		w.LifetimeEarnings = billing.MustDecimal(lifetime)
		w.TotalWithdrawn = billing.MustDecimal(withdrawn)
		w.UpdatedAt = parseTime(updated)
		return &w, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, ioErr("get wallet", err)
	}

	if currency == "" {
		currency = billing.DefaultCurrency
	}
	nw := billing.NewWallet(userID, currency)
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO wallets (user_id, available, pending, lifetime_earnings, total_withdrawn, currency, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nw.UserID, nw.Available.String(), nw.Pending.String(), nw.LifetimeEarnings.String(),
		nw.TotalWithdrawn.String(), nw.Currency, formatTime(nw.UpdatedAt),
	)
	if err != nil {
		return nil, writeErr("create_wallet", userID, err)
	}
	return nw, nil
}

// =============================================================================
// WORKFLOW RUNS (saga.RunLog)
// =============================================================================

const runColumns = `id, workflow, run_key, state, steps_json, error, started_at, updated_at, finished_at`

// SaveRun upserts the run record.
func (q queries) SaveRun(ctx context.Context, r *saga.Run) error {
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `INSERT INTO workflow_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, steps_json = excluded.steps_json,
			error = excluded.error, updated_at = excluded.updated_at, finished_at = excluded.finished_at`,
		r.ID, r.Workflow, r.Key, r.State, string(steps), r.Error,
		formatTime(r.StartedAt), formatTime(r.UpdatedAt), nullTime(r.FinishedAt),
	)
	return writeErr("save_run", r.ID, err)
}

func (q queries) GetRun(ctx context.Context, id string) (*saga.Run, error) {
	r, err := scanRun(q.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id))
	if err != nil {
		return nil, readErr("workflow run", id, err)
	}
	return r, nil
}

func (q queries) ListRuns(ctx context.Context, states ...saga.State) ([]*saga.Run, error) {
	var (
		where []string
		args  []any
	)
	if len(states) > 0 {
		where = append(where, "state IN ("+placeholders(len(states))+")")
		for _, s := range states {
			args = append(args, s)
		}
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM workflow_runs`+whereClause(where)+` ORDER BY started_at, id`, args...)
	if err != nil {
		return nil, ioErr("list runs", err)
	}
	defer rows.Close()

	out := []*saga.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, ioErr("scan run", err)
		}
		out = append(out, r)
	}
	return out, rowsErr("list runs", rows)
}

func scanRun(row scanner) (*saga.Run, error) {
	var (
		r                saga.Run
		steps            string
		started, updated string
		finished         sql.NullString
	)
	err := row.Scan(&r.ID, &r.Workflow, &r.Key, &r.State, &steps, &r.Error, &started, &updated, &finished)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &r.Steps); err != nil {
		return nil, err
	}
	r.StartedAt = parseTime(started)
	r.UpdatedAt = parseTime(updated)
	r.FinishedAt = parseNullTime(finished)
	return &r, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func ioErr(op string, err error) error {
	return &billing.IOError{Op: op, Err: err}
}

// writeErr maps an insert/update failure: unique violations are duplicates,
// everything else is a retryable I/O error.
func writeErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if isUniqueConstraintError(err) {
		return &billing.DuplicateOperationError{Operation: op, Key: key}
	}
	return ioErr(op, err)
}

func readErr(entity, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return &billing.NotFoundError{Entity: entity, ID: id}
	}
	return ioErr("get "+entity, err)
}

func affected(res sql.Result, err error, entity, id string) error {
	if err != nil {
		return ioErr("update "+entity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ioErr("update "+entity, err)
	}
	if n == 0 {
		return &billing.NotFoundError{Entity: entity, ID: id}
	}
	return nil
}

func rowsErr(op string, rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		return ioErr(op, err)
	}
	return nil
}
