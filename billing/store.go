/*
store.go - Persistence interface for the invoicing core

PURPOSE:
  One repository interface over every entity the workflows touch. The
  services in this package depend only on Store; store/sqlite and
  billing/store provide the implementations.

CONTRACT:
  - Get*: entity or *NotFoundError
  - List*: possibly empty slice, never nil error for "no rows"
  - Create*: *DuplicateOperationError when the identity or uniqueness key
    already exists
  - Any driver failure: *IOError (retryable)

ATOMIC OPERATIONS:
  - CreateInvoice is the compare-and-swap on (project, type, trigger):
    two concurrent generators for the same trigger cannot both insert.
  - CreditWallet / DebitWallet are serialized read-modify-writes per user.
  - WithTx runs fn against a transaction-scoped Store; any error rolls back
    every write made through it. Calling WithTx on the scoped Store joins
    the outer transaction.

READ-YOUR-WRITES:
  Implementations must return a write to the next read from the same Store.
  The reconciliation guard's retry exists only for stores that cannot.

SEE ALSO:
  - store/sqlite/sqlite.go: production implementation
  - billing/store/memory.go: in-memory implementation for tests and dev
*/
package billing

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/warp/payflow/saga"
)

// =============================================================================
// FILTERS
// =============================================================================

type ProjectFilter struct {
	FreelancerID   string
	CommissionerID string
	Status         ProjectStatus
}

type InvoiceFilter struct {
	ProjectID string
	Types     []InvoiceType
	Statuses  []InvoiceStatus
}

// Matches reports whether inv passes the filter. Shared by implementations
// that filter in memory.
func (f InvoiceFilter) Matches(inv *Invoice) bool {
	if f.ProjectID != "" && inv.ProjectID != f.ProjectID {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, inv.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, inv.Status) {
		return false
	}
	return true
}

type TransactionFilter struct {
	ProjectID     string
	InvoiceNumber string
	FreelancerID  string
	UnlinkedOnly  bool
}

func (f TransactionFilter) Matches(tx *Transaction) bool {
	if f.ProjectID != "" && tx.ProjectID != f.ProjectID {
		return false
	}
	if f.InvoiceNumber != "" && tx.InvoiceNumber != f.InvoiceNumber {
		return false
	}
	if f.FreelancerID != "" && tx.FreelancerID != f.FreelancerID {
		return false
	}
	if f.UnlinkedOnly && tx.InvoiceNumber != "" {
		return false
	}
	return true
}

func containsType(types []InvoiceType, t InvoiceType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func containsStatus(statuses []InvoiceStatus, s InvoiceStatus) bool {
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}

// =============================================================================
// STORE
// =============================================================================

type GigStore interface {
	CreateGig(ctx context.Context, g *Gig) error
	GetGig(ctx context.Context, id string) (*Gig, error)
	SetGigStatus(ctx context.Context, id string, status GigStatus) error
}

type ApplicationStore interface {
	SaveApplication(ctx context.Context, a *Application) error
	GetApplication(ctx context.Context, id string) (*Application, error)
}

type ProjectStore interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context, f ProjectFilter) ([]*Project, error)
	UpdateProject(ctx context.Context, p *Project) error
	// DeleteProject removes a project and its tasks. Compensation only.
	DeleteProject(ctx context.Context, id string) error
}

type TaskStore interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// ListTasks returns a project's tasks ordered by Order.
	ListTasks(ctx context.Context, projectID string) ([]*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
}

type InvoiceStore interface {
	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, number string) (*Invoice, error)
	FindInvoice(ctx context.Context, key InvoiceKey) (*Invoice, error)
	ListInvoices(ctx context.Context, f InvoiceFilter) ([]*Invoice, error)
	UpdateInvoice(ctx context.Context, inv *Invoice) error
	// DeleteInvoice refuses paid invoices. Compensation only.
	DeleteInvoice(ctx context.Context, number string) error
}

type TransactionStore interface {
	AppendTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]*Transaction, error)
	// LinkTransaction attaches invoiceNumber to an unlinked transaction.
	LinkTransaction(ctx context.Context, id, invoiceNumber string) error
}

type WalletStore interface {
	GetOrCreateWallet(ctx context.Context, userID, currency string) (*Wallet, error)
	CreditWallet(ctx context.Context, userID, currency string, amount decimal.Decimal) (*Wallet, error)
	DebitWallet(ctx context.Context, userID string, amount decimal.Decimal) (*Wallet, error)
}

// Store is the full persistence surface used by the workflows.
type Store interface {
	GigStore
	ApplicationStore
	ProjectStore
	TaskStore
	InvoiceStore
	TransactionStore
	WalletStore
	saga.RunLog

	WithTx(ctx context.Context, fn func(Store) error) error
}
