package store

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/payflow/billing"
)

// ErrInjected is the default error returned by a Faulty store.
var ErrInjected = errors.New("injected store failure")

// Faulty wraps a billing.Store and fails selected write operations. Used by
// tests to drive workflows into their failure paths.
//
//	f := store.NewFaulty(store.NewMemory())
//	f.FailOn("CreditWallet", 1, nil) // first wallet credit fails
type Faulty struct {
	billing.Store
	rules *faultRules
}

type faultRules struct {
	mu    sync.Mutex
	rules map[string]*faultRule
}

type faultRule struct {
	nth   int // fail the nth call, 0 means every call
	calls int
	err   error
}

func NewFaulty(inner billing.Store) *Faulty {
	return &Faulty{Store: inner, rules: &faultRules{rules: make(map[string]*faultRule)}}
}

// FailOn makes the nth call (1-based) to op fail with err. nth 0 fails
// every call. A nil err means ErrInjected.
func (f *Faulty) FailOn(op string, nth int, err error) {
	if err == nil {
		err = ErrInjected
	}
	f.rules.mu.Lock()
	defer f.rules.mu.Unlock()
	f.rules.rules[op] = &faultRule{nth: nth, err: err}
}

// Reset removes all rules.
func (f *Faulty) Reset() {
	f.rules.mu.Lock()
	defer f.rules.mu.Unlock()
	f.rules.rules = make(map[string]*faultRule)
}

func (f *Faulty) check(op string) error {
	f.rules.mu.Lock()
	defer f.rules.mu.Unlock()
	r, ok := f.rules.rules[op]
	if !ok {
		return nil
	}
	r.calls++
	if r.nth == 0 || r.calls == r.nth {
		return r.err
	}
	return nil
}

// WithTx keeps the rules active inside the transaction.
func (f *Faulty) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	if err := f.check("WithTx"); err != nil {
		return err
	}
	return f.Store.WithTx(ctx, func(s billing.Store) error {
		return fn(&Faulty{Store: s, rules: f.rules})
	})
}

func (f *Faulty) UpdateTask(ctx context.Context, t *billing.Task) error {
	if err := f.check("UpdateTask"); err != nil {
		return err
	}
	return f.Store.UpdateTask(ctx, t)
}

func (f *Faulty) UpdateProject(ctx context.Context, p *billing.Project) error {
	if err := f.check("UpdateProject"); err != nil {
		return err
	}
	return f.Store.UpdateProject(ctx, p)
}

func (f *Faulty) CreateProject(ctx context.Context, p *billing.Project) error {
	if err := f.check("CreateProject"); err != nil {
		return err
	}
	return f.Store.CreateProject(ctx, p)
}

func (f *Faulty) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	if err := f.check("CreateInvoice"); err != nil {
		return err
	}
	return f.Store.CreateInvoice(ctx, inv)
}

func (f *Faulty) UpdateInvoice(ctx context.Context, inv *billing.Invoice) error {
	if err := f.check("UpdateInvoice"); err != nil {
		return err
	}
	return f.Store.UpdateInvoice(ctx, inv)
}

func (f *Faulty) AppendTransaction(ctx context.Context, tx *billing.Transaction) error {
	if err := f.check("AppendTransaction"); err != nil {
		return err
	}
	return f.Store.AppendTransaction(ctx, tx)
}

func (f *Faulty) ListInvoices(ctx context.Context, filter billing.InvoiceFilter) ([]*billing.Invoice, error) {
	if err := f.check("ListInvoices"); err != nil {
		return nil, err
	}
	return f.Store.ListInvoices(ctx, filter)
}

func (f *Faulty) CreditWallet(ctx context.Context, userID, currency string, amount decimal.Decimal) (*billing.Wallet, error) {
	if err := f.check("CreditWallet"); err != nil {
		return nil, err
	}
	return f.Store.CreditWallet(ctx, userID, currency, amount)
}

func (f *Faulty) DebitWallet(ctx context.Context, userID string, amount decimal.Decimal) (*billing.Wallet, error) {
	if err := f.check("DebitWallet"); err != nil {
		return nil, err
	}
	return f.Store.DebitWallet(ctx, userID, amount)
}
