package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payflow/billing"
	"github.com/warp/payflow/billing/store"
)

// sentUpfront seeds a completion project and returns its sent upfront invoice.
func sentUpfront(t *testing.T, s billing.Store) *billing.Invoice {
	t.Helper()
	seedProject(t, s, "p1", billing.MethodCompletion, "5000", 2)
	inv, err := newGenerator(s).Generate(context.Background(), billing.Trigger{ProjectID: "p1", Type: billing.InvoiceUpfront})
	require.NoError(t, err)
	return inv
}

func TestPay_SettlesInvoiceTransactionAndWallet(t *testing.T) {
	ctx := context.Background()
	s := newMemory()
	inv := sentUpfront(t, s)
	p := billing.NewPaymentExecutor(s, billing.DefaultEpsilon, nil)

	res, err := p.Pay(ctx, billing.PaymentRequest{InvoiceNumber: inv.Number, Amount: dec("600"), PayerID: "comm-1"})
	require.NoError(t, err)

	assert.Equal(t, billing.InvoicePaid, res.Invoice.Status)
	require.NotNil(t, res.Invoice.PaidAt)
	assert.Equal(t, inv.Number, res.Transaction.InvoiceNumber)
	assert.Equal(t, billing.TxPaid, res.Transaction.Status)
	assert.Equal(t, billing.DefaultPaymentMethod, res.Transaction.PaymentMethod)
	assertMoney(t, "600", res.Wallet.Available)
	assertMoney(t, "600", res.Wallet.LifetimeEarnings)

	stored, err := s.GetInvoice(ctx, inv.Number)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoicePaid, stored.Status)
}

func TestPay_AmountWithinEpsilonAccepted(t *testing.T) {
	ctx := context.Background()
	s := newMemory()
	inv := sentUpfront(t, s)

	res, err := billing.NewPaymentExecutor(s, billing.DefaultEpsilon, nil).
		Pay(ctx, billing.PaymentRequest{InvoiceNumber: inv.Number, Amount: dec("599.99")})
	require.NoError(t, err)
	assertMoney(t, "600", res.Transaction.Amount, "the invoice total is recorded, not the tendered amount")
}

func TestPay_Rejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		amount   string
		payer    string
		wantCode string
	}{
		{"negative amount", "-600", "", "negative_amount"},
		{"amount mismatch", "500", "", "amount_mismatch"},
		{"wrong payer", "600", "someone-else", "payer_mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newMemory()
			inv := sentUpfront(t, s)
			p := billing.NewPaymentExecutor(s, billing.DefaultEpsilon, nil)

			_, err := p.Pay(ctx, billing.PaymentRequest{InvoiceNumber: inv.Number, Amount: dec(tt.amount), PayerID: tt.payer})

			var ve *billing.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantCode, ve.Code)

			stored, err := s.GetInvoice(ctx, inv.Number)
			require.NoError(t, err)
			assert.Equal(t, billing.InvoiceSent, stored.Status)
		})
	}
}

func TestPay_Twice_DuplicateAndNoDoubleCredit(t *testing.T) {
	ctx := context.Background()
	s := newMemory()
	inv := sentUpfront(t, s)
	p := billing.NewPaymentExecutor(s, billing.DefaultEpsilon, nil)
	req := billing.PaymentRequest{InvoiceNumber: inv.Number, Amount: dec("600")}

	_, err := p.Pay(ctx, req)
	require.NoError(t, err)
	_, err = p.Pay(ctx, req)
	assert.True(t, billing.IsDuplicate(err))

	w, err := s.GetOrCreateWallet(ctx, "free-1", "USD")
	require.NoError(t, err)
	assertMoney(t, "600", w.Available)

	txs, err := s.ListTransactions(ctx, billing.TransactionFilter{InvoiceNumber: inv.Number})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestPay_DraftInvoiceRejected(t *testing.T) {
	ctx := context.Background()
	s := newMemory()
	seedProject(t, s, "p1", billing.MethodCompletion, "5000", 1)
	draft, err := newGenerator(s).Draft(ctx, billing.DraftRequest{ProjectID: "p1", Amount: dec("10")})
	require.NoError(t, err)

	_, err = billing.NewPaymentExecutor(s, billing.DefaultEpsilon, nil).
		Pay(ctx, billing.PaymentRequest{InvoiceNumber: draft.Number, Amount: dec("10")})

	var ve *billing.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "invoice_not_sent", ve.Code)
}

func TestPay_UnknownInvoice_NotFound(t *testing.T) {
	_, err := billing.NewPaymentExecutor(newMemory(), billing.DefaultEpsilon, nil).
		Pay(context.Background(), billing.PaymentRequest{InvoiceNumber: "INV-NOPE", Amount: dec("1")})
	assert.True(t, billing.IsNotFound(err))
}

func TestPay_WalletCreditFails_NothingApplied(t *testing.T) {
	// GIVEN: a sent invoice and a store whose wallet credit fails
	// WHEN: the invoice is paid
	// THEN: the invoice stays sent, no transaction exists, the error is retryable

	ctx := context.Background()
	mem := newMemory()
	inv := sentUpfront(t, mem)
	faulty := store.NewFaulty(mem)
	faulty.FailOn("CreditWallet", 0, nil)

	_, err := billing.NewPaymentExecutor(faulty, billing.DefaultEpsilon, nil).
		Pay(ctx, billing.PaymentRequest{InvoiceNumber: inv.Number, Amount: dec("600")})
	require.Error(t, err)
	assert.True(t, billing.IsRetryable(err))
	assert.ErrorIs(t, err, store.ErrInjected)

	stored, err := mem.GetInvoice(ctx, inv.Number)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceSent, stored.Status)
	assert.Nil(t, stored.PaidAt)

	txs, err := mem.ListTransactions(ctx, billing.TransactionFilter{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Empty(t, txs)
}
