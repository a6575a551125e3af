/*
payment.go - Payment execution

PURPOSE:
  Settles a sent invoice. Three writes make one payment:

    1. invoice  sent → paid, PaidAt set
    2. transaction appended {status: paid, invoice link, amount}
    3. freelancer wallet credited (available + lifetime earnings)

  All three run inside one Store.WithTx, so a failure at any point leaves
  none of them behind: no paid invoice without its transaction, no credit
  without a paid invoice.

PRECONDITIONS:
  - invoice exists                          else NotFoundError
  - invoice is sent                         paid → DuplicateOperationError
                                            draft → ValidationError
  - amount ≥ 0 and within epsilon of total  else ValidationError
  - payer, when given, is the commissioner  else ValidationError
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type PaymentRequest struct {
	InvoiceNumber string
	Amount        decimal.Decimal
	PayerID       string
	PaymentMethod string
}

type PaymentResult struct {
	Invoice     *Invoice
	Transaction *Transaction
	Wallet      *Wallet
}

// DefaultPaymentMethod is recorded when the request names none.
const DefaultPaymentMethod = "wallet"

type PaymentExecutor struct {
	Store   Store
	Epsilon decimal.Decimal
	Logger  *zap.Logger
	Now     func() time.Time
	NewID   func() string
}

func NewPaymentExecutor(store Store, epsilon decimal.Decimal, logger *zap.Logger) *PaymentExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentExecutor{Store: store, Epsilon: epsilon, Logger: logger}
}

func (p *PaymentExecutor) WithStore(s Store) *PaymentExecutor {
	cp := *p
	cp.Store = s
	return &cp
}

func (p *PaymentExecutor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *PaymentExecutor) epsilon() decimal.Decimal {
	if p.Epsilon.IsPositive() {
		return p.Epsilon
	}
	return DefaultEpsilon
}

func (p *PaymentExecutor) newID() string {
	if p.NewID != nil {
		return p.NewID()
	}
	return "txn-" + uuid.NewString()
}

// Pay settles req.InvoiceNumber. On any error nothing is written.
func (p *PaymentExecutor) Pay(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	if req.InvoiceNumber == "" {
		return nil, &ValidationError{Field: "invoiceNumber", Reason: "required"}
	}
	if req.Amount.IsNegative() {
		return nil, &ValidationError{Field: "amount", Code: "negative_amount", Reason: "payment amount must not be negative"}
	}
	method := req.PaymentMethod
	if method == "" {
		method = DefaultPaymentMethod
	}

	var result PaymentResult
	err := p.Store.WithTx(ctx, func(s Store) error {
		inv, err := s.GetInvoice(ctx, req.InvoiceNumber)
		if err != nil {
			return wrapIO("get invoice", err)
		}
		switch inv.Status {
		case InvoicePaid:
			return &DuplicateOperationError{Operation: "pay_invoice", Key: inv.Number}
		case InvoiceDraft:
			return &ValidationError{Field: "status", Code: "invoice_not_sent", Reason: fmt.Sprintf("invoice %s is still a draft", inv.Number)}
		}
		if !WithinEpsilon(req.Amount, inv.TotalAmount, p.epsilon()) {
			return &ValidationError{
				Field:  "amount",
				Code:   "amount_mismatch",
				Reason: fmt.Sprintf("paid %s, invoice %s totals %s", req.Amount.StringFixed(2), inv.Number, inv.TotalAmount.StringFixed(2)),
			}
		}
		if req.PayerID != "" && req.PayerID != inv.CommissionerID {
			return &ValidationError{Field: "payerId", Code: "payer_mismatch", Reason: fmt.Sprintf("%s is not the commissioner of invoice %s", req.PayerID, inv.Number)}
		}

		at := p.now()
		if err := inv.Advance(InvoicePaid, at); err != nil {
			return err
		}
		if err := s.UpdateInvoice(ctx, inv); err != nil {
			return wrapIO("update invoice", err)
		}

		tx := &Transaction{
			ID:             p.newID(),
			InvoiceNumber:  inv.Number,
			ProjectID:      inv.ProjectID,
			FreelancerID:   inv.FreelancerID,
			CommissionerID: inv.CommissionerID,
			Amount:         inv.TotalAmount,
			Currency:       inv.Currency,
			PaymentMethod:  method,
			Status:         TxPaid,
			CreatedAt:      at,
		}
		if err := s.AppendTransaction(ctx, tx); err != nil {
			return wrapIO("append transaction", err)
		}

		var wallet *Wallet
		if inv.TotalAmount.IsPositive() {
			wallet, err = s.CreditWallet(ctx, inv.FreelancerID, inv.Currency, inv.TotalAmount)
		} else {
			wallet, err = s.GetOrCreateWallet(ctx, inv.FreelancerID, inv.Currency)
		}
		if err != nil {
			return wrapIO("credit wallet", err)
		}

		result = PaymentResult{Invoice: inv, Transaction: tx, Wallet: wallet}
		return nil
	})
	if err != nil {
		return nil, err
	}

	orNop(p.Logger).Info("invoice paid",
		zap.String("invoice", result.Invoice.Number),
		zap.String("transaction", result.Transaction.ID),
		zap.String("freelancer", result.Invoice.FreelancerID),
		zap.String("amount", result.Transaction.Amount.StringFixed(2)))
	return &result, nil
}
