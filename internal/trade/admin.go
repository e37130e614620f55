package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradepro/options-engine/internal/asset"
	"github.com/tradepro/options-engine/internal/model"
	"github.com/tradepro/options-engine/internal/store"
)

// MaxExpirySeconds bounds expiry_seconds so the expiry duration cannot overflow.
const MaxExpirySeconds = 24 * 60 * 60

// SettingsUpdate changes trade settings. Nil fields are left as they are.
type SettingsUpdate struct {
	PayoutPercentage *decimal.Decimal `json:"payout_percentage,omitempty"`
	ExpirySeconds    *int             `json:"expiry_seconds,omitempty"`
	Spread           *decimal.Decimal `json:"spread,omitempty"`
	TradingEnabled   *bool            `json:"trading_enabled,omitempty"`
	DemoModeEnabled  *bool            `json:"demo_mode_enabled,omitempty"`
	RealModeEnabled  *bool            `json:"real_mode_enabled,omitempty"`
}

// AssetUpdate changes one asset. Nil fields are left as they are; a new
// asset defaults to enabled with its market open.
type AssetUpdate struct {
	Name       *string `json:"name,omitempty"`
	Enabled    *bool   `json:"enabled,omitempty"`
	MarketOpen *bool   `json:"market_open,omitempty"`
}

// AccountUpdate provisions or edits the account fields the engine reads.
// RealCredit, when positive, is added to the real balance.
type AccountUpdate struct {
	KYCStatus      *string         `json:"kyc_status,omitempty"`
	IsLeader       *bool           `json:"is_leader,omitempty"`
	ParentReferral *string         `json:"parent_referral,omitempty"`
	RealCredit     decimal.Decimal `json:"real_credit"`
}

// Settings returns the current trade settings.
func (e *Engine) Settings(ctx context.Context) (*model.TradeSettings, error) {
	return e.store.GetSettings(ctx)
}

// UpdateSettings applies u. The next open or settlement reads the new
// values.
func (e *Engine) UpdateSettings(ctx context.Context, u SettingsUpdate) (*model.TradeSettings, error) {
	s, err := e.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if u.PayoutPercentage != nil {
		if !u.PayoutPercentage.IsPositive() || u.PayoutPercentage.GreaterThan(hundred) {
			return nil, fmt.Errorf("%w: payout_percentage must be in (0, 100]", ErrValidation)
		}
		s.PayoutPercentage = *u.PayoutPercentage
	}
	if u.ExpirySeconds != nil {
		if *u.ExpirySeconds <= 0 || *u.ExpirySeconds > MaxExpirySeconds {
			return nil, fmt.Errorf("%w: expiry_seconds must be in [1, %d]", ErrValidation, MaxExpirySeconds)
		}
		s.ExpirySeconds = *u.ExpirySeconds
	}
	if u.Spread != nil {
		if u.Spread.IsNegative() || u.Spread.GreaterThanOrEqual(one) {
			return nil, fmt.Errorf("%w: spread must be in [0, 1)", ErrValidation)
		}
		s.Spread = *u.Spread
	}
	if u.TradingEnabled != nil {
		s.TradingEnabled = *u.TradingEnabled
	}
	if u.DemoModeEnabled != nil {
		s.DemoModeEnabled = *u.DemoModeEnabled
	}
	if u.RealModeEnabled != nil {
		s.RealModeEnabled = *u.RealModeEnabled
	}
	s.UpdatedAt = e.now()

	if err := e.store.SaveSettings(ctx, s); err != nil {
		return nil, fmt.Errorf("save settings: %w", err)
	}
	slog.Info("trade settings updated",
		"payout_percentage", s.PayoutPercentage.String(),
		"expiry_seconds", s.ExpirySeconds,
		"spread", s.Spread.String(),
		"trading_enabled", s.TradingEnabled,
	)
	return s, nil
}

// Assets returns every configured asset.
func (e *Engine) Assets(ctx context.Context) ([]model.Asset, error) {
	assets, err := e.store.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	if assets == nil {
		assets = []model.Asset{}
	}
	return assets, nil
}

// Asset returns the configured asset for symbol, tradable or not.
func (e *Engine) Asset(ctx context.Context, symbol string) (*model.Asset, error) {
	sym, err := asset.Normalize(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	assets, err := e.store.ListAssets(ctx)
	if err != nil {
		return nil, fmt.Errorf("load assets: %w", err)
	}
	for i := range assets {
		if assets[i].Symbol == sym {
			return &assets[i], nil
		}
	}
	return nil, fmt.Errorf("%w: asset %s", ErrNotFound, sym)
}

// DeleteAsset removes symbol from the asset list. New positions on it are
// refused; open ones settle normally.
func (e *Engine) DeleteAsset(ctx context.Context, symbol string) error {
	sym, err := asset.Normalize(symbol)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := e.store.DeleteAsset(ctx, sym); err != nil {
		return mapStoreErr(err, "asset "+sym)
	}
	slog.Info("asset deleted", "symbol", sym)
	return nil
}

// SetAsset creates or updates the asset for symbol.
func (e *Engine) SetAsset(ctx context.Context, symbol string, u AssetUpdate) (*model.Asset, error) {
	sym, err := asset.Normalize(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	assets, err := e.store.ListAssets(ctx)
	if err != nil {
		return nil, fmt.Errorf("load assets: %w", err)
	}
	a := model.Asset{Symbol: sym, Name: sym, Enabled: true, MarketOpen: true}
	for i := range assets {
		if assets[i].Symbol == sym {
			a = assets[i]
			break
		}
	}

	if u.Name != nil && strings.TrimSpace(*u.Name) != "" {
		a.Name = strings.TrimSpace(*u.Name)
	}
	if u.Enabled != nil {
		a.Enabled = *u.Enabled
	}
	if u.MarketOpen != nil {
		a.MarketOpen = *u.MarketOpen
	}
	a.UpdatedAt = e.now()

	if err := e.store.SaveAsset(ctx, &a); err != nil {
		return nil, fmt.Errorf("save asset: %w", err)
	}
	slog.Info("asset updated", "symbol", a.Symbol, "enabled", a.Enabled, "market_open", a.MarketOpen)
	return &a, nil
}

// OpenPositions lists every open position across all accounts.
func (e *Engine) OpenPositions(ctx context.Context) ([]model.Position, error) {
	positions, err := e.store.ListPositions(ctx, store.PositionFilter{Status: model.StatusOpen})
	if err != nil {
		return nil, err
	}
	if positions == nil {
		positions = []model.Position{}
	}
	return positions, nil
}

// Account returns an account's balances and relationships.
func (e *Engine) Account(ctx context.Context, id string) (*model.Account, error) {
	a, err := e.store.GetAccount(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err, "account "+id)
	}
	return a, nil
}

// ProvisionAccount creates the account if it does not exist, seeded with
// the demo bonus and a fresh referral code, then applies u.
func (e *Engine) ProvisionAccount(ctx context.Context, id string, u AccountUpdate) (*model.Account, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrValidation)
	}
	if u.RealCredit.IsNegative() {
		return nil, fmt.Errorf("%w: real_credit must not be negative", ErrValidation)
	}
	if u.KYCStatus != nil {
		switch *u.KYCStatus {
		case model.KYCPending, model.KYCApproved, model.KYCRejected:
		default:
			return nil, fmt.Errorf("%w: unknown kyc_status %q", ErrValidation, *u.KYCStatus)
		}
	}

	a, err := e.store.GetAccount(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		a = &model.Account{
			ID:                    id,
			RealBalance:           decimal.Zero,
			DemoBalance:           model.DefaultDemoBalance,
			KYCStatus:             model.KYCPending,
			ReferralCode:          newReferralCode(),
			TotalReferralEarnings: decimal.Zero,
			CreatedAt:             e.now(),
		}
		if err := e.store.CreateAccount(ctx, a); err != nil {
			return nil, fmt.Errorf("create account: %w", err)
		}
		slog.Info("account created", "account_id", id, "referral_code", a.ReferralCode)
	} else if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	if u.KYCStatus != nil {
		a.KYCStatus = *u.KYCStatus
	}
	if u.IsLeader != nil {
		a.IsLeader = *u.IsLeader
	}
	if u.ParentReferral != nil {
		code := strings.ToUpper(strings.TrimSpace(*u.ParentReferral))
		if code != "" {
			if code == a.ReferralCode {
				return nil, fmt.Errorf("%w: account cannot refer itself", ErrValidation)
			}
			if _, err := e.store.GetAccountByReferralCode(ctx, code); err != nil {
				return nil, mapStoreErr(err, "referral code "+code)
			}
		}
		a.ParentReferral = code
	}
	if err := e.store.SaveProfile(ctx, a); err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}

	if u.RealCredit.IsPositive() {
		if _, err := e.ledger.Credit(ctx, a.ID, model.Real, u.RealCredit); err != nil {
			return nil, mapLedgerErr(err)
		}
	}
	return e.Account(ctx, a.ID)
}

func newReferralCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
}
