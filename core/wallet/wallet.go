// Package wallet implements the wallet ledger (spec §4.9): per-user
// balances with atomic deposit/withdraw. Grounded on the teacher's
// ledger.go transactional apply-and-append pattern (mutate state, then
// append an immutable record, roll back on failure) adapted from a
// blockchain UTXO/account ledger to a single-currency user balance store.
package wallet

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mcp-zero/mcpzero/internal/errs"
)

// Transaction is one signed ledger entry. Amount is negative for
// withdrawals (spec §6).
type Transaction struct {
	TransactionID string
	WalletID      string
	Amount        float64
	Reference     string
	Description   string
	Timestamp     time.Time
	BalanceAfter  float64
}

// Wallet is one user's balance and transaction history.
type Wallet struct {
	mu sync.Mutex

	WalletID string
	UserID   string
	Balance  float64

	transactions []Transaction
}

// Ledger owns all wallets, keyed by user so create_wallet is idempotent
// per user.
type Ledger struct {
	mu       sync.RWMutex
	byUser   map[string]*Wallet
	byWallet map[string]*Wallet
}

var logger = logrus.New()

// SetLogger overrides the package logger, mirroring SetWalletLogger in the
// teacher.
func SetLogger(l *logrus.Logger) { logger = l }

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		byUser:   make(map[string]*Wallet),
		byWallet: make(map[string]*Wallet),
	}
}

// CreateWallet implements §4.9 create_wallet: at most one wallet per user,
// returning the existing one on conflict.
func (l *Ledger) CreateWallet(userID string) *Wallet {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.byUser[userID]; ok {
		return w
	}
	w := &Wallet{WalletID: uuid.New().String(), UserID: userID}
	l.byUser[userID] = w
	l.byWallet[w.WalletID] = w
	return w
}

// GetWallet looks a wallet up by id.
func (l *Ledger) GetWallet(walletID string) (*Wallet, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	w, ok := l.byWallet[walletID]
	if !ok {
		return nil, errs.New(errs.NotFound, "wallet not found: "+walletID)
	}
	return w, nil
}

// applyDelta is the atomic unit of work shared by Deposit and Withdraw: read
// balance, compute the new balance, reject on overdraft, mutate, append.
// Because it is wholly contained within the wallet's own lock, a rejection
// leaves the wallet exactly as it was (spec §4.9, §5 "per-wallet lock,
// transactional deposit/withdraw").
func (w *Wallet) applyDelta(delta float64, reference, description string) (Transaction, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	newBalance := w.Balance + delta
	if newBalance < 0 {
		return Transaction{}, errs.New(errs.Validation, "withdrawal would drop balance below zero")
	}
	w.Balance = newBalance
	tx := Transaction{
		TransactionID: uuid.New().String(),
		WalletID:      w.WalletID,
		Amount:        delta,
		Reference:     reference,
		Description:   description,
		Timestamp:     time.Now().UTC(),
		BalanceAfter:  newBalance,
	}
	w.transactions = append(w.transactions, tx)
	return tx, nil
}

// Deposit implements §4.9 deposit.
func (l *Ledger) Deposit(walletID string, amount float64, reference, description string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, errs.New(errs.Validation, "deposit amount must be positive")
	}
	w, err := l.GetWallet(walletID)
	if err != nil {
		return Transaction{}, err
	}
	tx, err := w.applyDelta(amount, reference, description)
	if err != nil {
		return Transaction{}, errs.Wrap(errs.Storage, "deposit failed, rolled back", err)
	}
	logger.WithFields(logrus.Fields{"wallet_id": walletID, "amount": amount}).Info("wallet: deposit applied")
	return tx, nil
}

// Withdraw implements §4.9 withdraw.
func (l *Ledger) Withdraw(walletID string, amount float64, reference, description string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, errs.New(errs.Validation, "withdraw amount must be positive")
	}
	w, err := l.GetWallet(walletID)
	if err != nil {
		return Transaction{}, err
	}
	tx, err := w.applyDelta(-amount, reference, description)
	if err != nil {
		return Transaction{}, errs.Wrap(errs.Storage, "withdraw failed, rolled back", err)
	}
	logger.WithFields(logrus.Fields{"wallet_id": walletID, "amount": amount}).Info("wallet: withdraw applied")
	return tx, nil
}

// Transactions returns a copy of a wallet's transaction history.
func (w *Wallet) Transactions() []Transaction {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Transaction, len(w.transactions))
	copy(out, w.transactions)
	return out
}

// CurrentBalance returns the wallet's balance.
func (w *Wallet) CurrentBalance() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Balance
}
