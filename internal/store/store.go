// Package store defines the persistence interface for the options engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and local runs).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradepro/options-engine/internal/model"
)

var (
	// ErrNotFound is returned when an account, position or asset does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientFunds is returned by AdjustBalance when the change would
	// take the balance below zero.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrStateConflict is returned by ClosePosition when the position is no
	// longer open.
	ErrStateConflict = errors.New("store: position already processed")

	// ErrDuplicate is returned when creating a record whose key already exists.
	ErrDuplicate = errors.New("store: duplicate key")
)

// PositionFilter narrows ListPositions. Zero-valued fields match anything.
type PositionFilter struct {
	OwnerID      string
	Denomination model.Denomination
	Status       model.Status
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// GetAccountByReferralCode retrieves the account owning a referral code.
	GetAccountByReferralCode(ctx context.Context, code string) (*model.Account, error)

	// ListLeaders returns accounts flagged as copy-trade leaders.
	ListLeaders(ctx context.Context) ([]model.Account, error)

	// SaveAccount updates profile and relationship fields. Balances and
	// referral earnings are only changed through AdjustBalance and
	// AddReferralEarnings.
	SaveAccount(ctx context.Context, a *model.Account) error

	// SaveProfile updates kyc_status, is_leader and parent_referral only,
	// leaving the follow lists owned by copy trading untouched.
	SaveProfile(ctx context.Context, a *model.Account) error

	// AdjustBalance atomically adds delta (which may be negative) to the
	// balance for denom and returns the new balance.
	AdjustBalance(ctx context.Context, id string, denom model.Denomination, delta decimal.Decimal) (decimal.Decimal, error)

	// AddReferralEarnings increments the lifetime referral earnings counter.
	AddReferralEarnings(ctx context.Context, id string, amount decimal.Decimal) error

	// --- Positions ---

	// CreatePosition persists a new open position.
	CreatePosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListPositions returns positions matching f, newest first.
	ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error)

	// FindOpenByCopiedFrom returns open copy positions mirrored from leaderID.
	FindOpenByCopiedFrom(ctx context.Context, leaderID string) ([]model.Position, error)

	// ListExpiredOpen returns open positions whose expiry is not after t.
	ListExpiredOpen(ctx context.Context, t time.Time) ([]model.Position, error)

	// ClosePosition applies a terminal transition if and only if the
	// position is still open. Returns ErrStateConflict otherwise.
	ClosePosition(ctx context.Context, id string, c model.Closure) (*model.Position, error)

	// --- Settings ---

	// GetSettings returns the current trade settings.
	GetSettings(ctx context.Context) (*model.TradeSettings, error)

	// SaveSettings replaces the trade settings.
	SaveSettings(ctx context.Context, s *model.TradeSettings) error

	// ListAssets returns all configured assets ordered by symbol.
	ListAssets(ctx context.Context) ([]model.Asset, error)

	// SaveAsset inserts or updates an asset.
	SaveAsset(ctx context.Context, a *model.Asset) error

	// DeleteAsset removes an asset. Positions already open on it still settle.
	DeleteAsset(ctx context.Context, symbol string) error
}

// applyClosure mutates p with the terminal fields of c.
func applyClosure(p *model.Position, c model.Closure) {
	p.Status = c.Status
	p.Result = c.Result
	if c.Direction != "" {
		p.Direction = c.Direction
	}
	p.ClosePrice = c.ClosePrice
	p.Payout = c.Payout
	closedAt := c.ClosedAt
	p.ClosedAt = &closedAt
}
