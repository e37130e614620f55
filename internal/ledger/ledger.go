// Package ledger applies stake debits and credits to account balances.
//
// Every mutation for one account runs under that account's lock, so a
// balance check and the write that follows it cannot interleave with another
// open or settlement touching the same account. The store's AdjustBalance is
// itself conditional and refuses to go negative.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tradepro/options-engine/internal/model"
	"github.com/tradepro/options-engine/internal/store"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrAccountNotFound   = errors.New("ledger: account not found")
	ErrInvalidAmount     = errors.New("ledger: invalid amount")
)

// Ledger moves money between the engine and account balances.
type Ledger struct {
	store store.Store

	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a ledger over st.
func New(st store.Store) *Ledger {
	return &Ledger{
		store: st,
		locks: make(map[string]*accountLock),
	}
}

// Debit removes amount from the account's balance in denom.
func (l *Ledger) Debit(ctx context.Context, accountID string, denom model.Denomination, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: debit %s", ErrInvalidAmount, amount)
	}
	return l.adjust(ctx, accountID, denom, amount.Neg())
}

// Credit adds amount to the account's balance in denom. A zero credit is a
// no-op that still confirms the account exists.
func (l *Ledger) Credit(ctx context.Context, accountID string, denom model.Denomination, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: credit %s", ErrInvalidAmount, amount)
	}
	if amount.IsZero() {
		return l.Balance(ctx, accountID, denom)
	}
	return l.adjust(ctx, accountID, denom, amount)
}

// Balance returns the account's current balance in denom.
func (l *Ledger) Balance(ctx context.Context, accountID string, denom model.Denomination) (decimal.Decimal, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, mapErr(accountID, err)
	}
	return acct.Balance(denom), nil
}

func (l *Ledger) adjust(ctx context.Context, accountID string, denom model.Denomination, delta decimal.Decimal) (decimal.Decimal, error) {
	if !denom.Valid() {
		return decimal.Zero, fmt.Errorf("%w: denomination %q", ErrInvalidAmount, denom)
	}

	unlock := l.lock(accountID)
	defer unlock()

	bal, err := l.store.AdjustBalance(ctx, accountID, denom, delta)
	if err != nil {
		return decimal.Zero, mapErr(accountID, err)
	}
	return bal, nil
}

// lock acquires the per-account mutex and returns its release func. Entries
// are reference counted and dropped once no caller holds or waits on them.
func (l *Ledger) lock(accountID string) func() {
	l.mu.Lock()
	al, ok := l.locks[accountID]
	if !ok {
		al = &accountLock{}
		l.locks[accountID] = al
	}
	al.refs++
	l.mu.Unlock()

	al.mu.Lock()
	return func() {
		al.mu.Unlock()
		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.locks, accountID)
		}
		l.mu.Unlock()
	}
}

func mapErr(accountID string, err error) error {
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return fmt.Errorf("account %s: %w", accountID, ErrInsufficientFunds)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
	default:
		return err
	}
}
