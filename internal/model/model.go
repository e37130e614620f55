// Package model defines the core domain types shared across the options engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Denomination selects which balance pool a position draws from.
type Denomination string

const (
	Demo Denomination = "demo"
	Real Denomination = "real"
)

// Valid reports whether d is one of the known denominations.
func (d Denomination) Valid() bool {
	return d == Demo || d == Real
}

// Direction is the side of a binary option.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

func (d Direction) Valid() bool {
	return d == Up || d == Down
}

// Opposite returns the flipped direction.
func (d Direction) Opposite() Direction {
	if d == Up {
		return Down
	}
	return Up
}

// Status is the lifecycle state of a position.
type Status string

const (
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

// Result is set once a position reaches a terminal state.
type Result string

const (
	ResultWin         Result = "win"
	ResultLoss        Result = "loss"
	ResultForcedClose Result = "forced_close"
	ResultCancelled   Result = "cancelled"
)

// KYC statuses.
const (
	KYCPending  = "pending"
	KYCApproved = "approved"
	KYCRejected = "rejected"
)

// Position is one timed binary-option bet.
type Position struct {
	ID           string           `json:"id" db:"id"`
	OwnerID      string           `json:"owner_id" db:"owner_id"`
	Symbol       string           `json:"symbol" db:"symbol"`
	Stake        decimal.Decimal  `json:"stake" db:"stake"`
	Denomination Denomination     `json:"denomination" db:"denomination"`
	Direction    Direction        `json:"direction" db:"direction"`
	OpenPrice    decimal.Decimal  `json:"open_price" db:"open_price"`
	ClosePrice   *decimal.Decimal `json:"close_price,omitempty" db:"close_price"`
	Status       Status           `json:"status" db:"status"`
	Result       Result           `json:"result,omitempty" db:"result"`
	Payout       decimal.Decimal  `json:"payout" db:"payout"`
	ExpiresAt    time.Time        `json:"expires_at" db:"expires_at"`

	IsCopy           bool   `json:"is_copy" db:"is_copy"`
	CopiedFrom       string `json:"copied_from,omitempty" db:"copied_from"`               // leader account id
	SourcePositionID string `json:"source_position_id,omitempty" db:"source_position_id"` // leader position id

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// IsOpen reports whether the position can still transition.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// Closure describes a terminal transition applied to an open position.
type Closure struct {
	Status     Status
	Result     Result
	Direction  Direction // empty keeps the current direction
	ClosePrice *decimal.Decimal
	Payout     decimal.Decimal
	ClosedAt   time.Time
}

// Account holds the balance and relationship fields the engine consumes.
type Account struct {
	ID              string          `json:"id" db:"id"`
	RealBalance     decimal.Decimal `json:"real_balance" db:"real_balance"`
	DemoBalance     decimal.Decimal `json:"demo_balance" db:"demo_balance"`
	KYCStatus       string          `json:"kyc_status" db:"kyc_status"`
	IsLeader        bool            `json:"is_leader" db:"is_leader"`
	Followers       []string        `json:"followers" db:"followers"`
	FollowedLeaders []string        `json:"followed_leaders" db:"followed_leaders"`
	ReferralCode    string          `json:"referral_code" db:"referral_code"`
	ParentReferral  string          `json:"parent_referral,omitempty" db:"parent_referral"`

	TotalReferralEarnings decimal.Decimal `json:"total_referral_earnings" db:"total_referral_earnings"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
}

// Balance returns the balance for the given denomination.
func (a *Account) Balance(d Denomination) decimal.Decimal {
	if d == Real {
		return a.RealBalance
	}
	return a.DemoBalance
}

// DefaultDemoBalance is the practice bonus seeded on new accounts.
var DefaultDemoBalance = decimal.NewFromInt(10000)

// TradeSettings is the read-mostly configuration consulted on every open and
// settlement.
type TradeSettings struct {
	PayoutPercentage decimal.Decimal `json:"payout_percentage"`
	ExpirySeconds    int             `json:"expiry_seconds"`
	Spread           decimal.Decimal `json:"spread"`
	TradingEnabled   bool            `json:"trading_enabled"`
	DemoModeEnabled  bool            `json:"demo_mode_enabled"`
	RealModeEnabled  bool            `json:"real_mode_enabled"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ModeEnabled reports whether new positions may be opened in d.
func (s *TradeSettings) ModeEnabled(d Denomination) bool {
	if !s.TradingEnabled {
		return false
	}
	if d == Real {
		return s.RealModeEnabled
	}
	return s.DemoModeEnabled
}

// Asset is a tradable symbol.
type Asset struct {
	Symbol     string    `json:"symbol" db:"symbol"`
	Name       string    `json:"name" db:"name"`
	Enabled    bool      `json:"enabled" db:"enabled"`
	MarketOpen bool      `json:"market_open" db:"market_open"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Tradable reports whether positions may be opened on the asset.
func (a *Asset) Tradable() bool {
	return a.Enabled && a.MarketOpen
}
