package billing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultCurrency is used for wallets created without a known currency.
const DefaultCurrency = "USD"

// WalletService is the user-facing wallet surface. Balances only move
// through the store's serialized CreditWallet/DebitWallet.
type WalletService struct {
	Store    Store
	Currency string
	Logger   *zap.Logger
}

func NewWalletService(store Store, currency string, logger *zap.Logger) *WalletService {
	if currency == "" {
		currency = DefaultCurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WalletService{Store: store, Currency: currency, Logger: logger}
}

// Get returns the user's wallet, creating an empty one on first reference.
func (ws *WalletService) Get(ctx context.Context, userID string) (*Wallet, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "userId", Reason: "required"}
	}
	w, err := ws.Store.GetOrCreateWallet(ctx, userID, ws.Currency)
	return w, wrapIO("get wallet", err)
}

// Credit adds amount outside of an invoice payment (manual adjustment).
func (ws *WalletService) Credit(ctx context.Context, userID string, amount decimal.Decimal) (*Wallet, error) {
	amount = Cents(amount)
	if err := checkAmount(userID, amount); err != nil {
		return nil, err
	}
	w, err := ws.Store.CreditWallet(ctx, userID, ws.Currency, amount)
	if err != nil {
		return nil, wrapIO("credit wallet", err)
	}
	orNop(ws.Logger).Info("wallet credited", zap.String("user", userID), zap.String("amount", amount.StringFixed(2)))
	return w, nil
}

// Withdraw debits the available balance. More than available fails with
// a ValidationError coded insufficient_funds.
func (ws *WalletService) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*Wallet, error) {
	amount = Cents(amount)
	if err := checkAmount(userID, amount); err != nil {
		return nil, err
	}
	w, err := ws.Store.DebitWallet(ctx, userID, amount)
	if err != nil {
		return nil, wrapIO("debit wallet", err)
	}
	orNop(ws.Logger).Info("wallet debited", zap.String("user", userID), zap.String("amount", amount.StringFixed(2)))
	return w, nil
}

// History lists the payments received by userID.
func (ws *WalletService) History(ctx context.Context, userID string) ([]*Transaction, error) {
	txs, err := ws.Store.ListTransactions(ctx, TransactionFilter{FreelancerID: userID})
	return txs, wrapIO("list transactions", err)
}

func checkAmount(userID string, amount decimal.Decimal) error {
	if userID == "" {
		return &ValidationError{Field: "userId", Reason: "required"}
	}
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: fmt.Sprintf("must be greater than zero, got %s", amount)}
	}
	return nil
}
