package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tradepro/options-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only read-mostly data is cached: settings, assets and per-owner history.
// Balances and single-position reads always hit the primary because the
// engine makes decisions on them.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.CreatePosition(ctx, p); err != nil {
		return err
	}
	s.invalidateHistory(ctx, p.OwnerID)
	return nil
}

func (s *CachedStore) ClosePosition(ctx context.Context, id string, c model.Closure) (*model.Position, error) {
	p, err := s.primary.ClosePosition(ctx, id, c)
	if err != nil {
		return nil, err
	}
	s.invalidateHistory(ctx, p.OwnerID)
	return p, nil
}

func (s *CachedStore) SaveSettings(ctx context.Context, st *model.TradeSettings) error {
	if err := s.primary.SaveSettings(ctx, st); err != nil {
		return err
	}
	s.rdb.Del(ctx, settingsKey)
	return nil
}

func (s *CachedStore) SaveAsset(ctx context.Context, a *model.Asset) error {
	if err := s.primary.SaveAsset(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, assetsKey)
	return nil
}

func (s *CachedStore) DeleteAsset(ctx context.Context, symbol string) error {
	if err := s.primary.DeleteAsset(ctx, symbol); err != nil {
		return err
	}
	s.rdb.Del(ctx, assetsKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSettings(ctx context.Context) (*model.TradeSettings, error) {
	data, err := s.rdb.Get(ctx, settingsKey).Bytes()
	if err == nil {
		var st model.TradeSettings
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	st, err := s.primary.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	s.set(ctx, settingsKey, st)
	return st, nil
}

func (s *CachedStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	data, err := s.rdb.Get(ctx, assetsKey).Bytes()
	if err == nil {
		var assets []model.Asset
		if json.Unmarshal(data, &assets) == nil {
			return assets, nil
		}
	}

	assets, err := s.primary.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	s.set(ctx, assetsKey, assets)
	return assets, nil
}

// ListPositions caches owner history queries; admin and status-filtered
// queries pass through.
func (s *CachedStore) ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error) {
	if f.OwnerID == "" || f.Status != "" {
		return s.primary.ListPositions(ctx, f)
	}

	key := historyKey(f.OwnerID, f.Denomination)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, f)
	if err != nil {
		return nil, err
	}
	s.set(ctx, key, positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.primary.CreateAccount(ctx, a)
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) GetAccountByReferralCode(ctx context.Context, code string) (*model.Account, error) {
	return s.primary.GetAccountByReferralCode(ctx, code)
}

func (s *CachedStore) ListLeaders(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListLeaders(ctx)
}

func (s *CachedStore) SaveAccount(ctx context.Context, a *model.Account) error {
	return s.primary.SaveAccount(ctx, a)
}

func (s *CachedStore) SaveProfile(ctx context.Context, a *model.Account) error {
	return s.primary.SaveProfile(ctx, a)
}

func (s *CachedStore) AdjustBalance(ctx context.Context, id string, denom model.Denomination, delta decimal.Decimal) (decimal.Decimal, error) {
	return s.primary.AdjustBalance(ctx, id, denom, delta)
}

func (s *CachedStore) AddReferralEarnings(ctx context.Context, id string, amount decimal.Decimal) error {
	return s.primary.AddReferralEarnings(ctx, id, amount)
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) FindOpenByCopiedFrom(ctx context.Context, leaderID string) ([]model.Position, error) {
	return s.primary.FindOpenByCopiedFrom(ctx, leaderID)
}

func (s *CachedStore) ListExpiredOpen(ctx context.Context, t time.Time) ([]model.Position, error) {
	return s.primary.ListExpiredOpen(ctx, t)
}

// --- Cache helpers ---

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidateHistory(ctx context.Context, ownerID string) {
	s.rdb.Del(ctx,
		historyKey(ownerID, ""),
		historyKey(ownerID, model.Demo),
		historyKey(ownerID, model.Real),
	)
}

const (
	settingsKey = "trade:settings"
	assetsKey   = "trade:assets"
)

func historyKey(ownerID string, d model.Denomination) string {
	return fmt.Sprintf("history:%s:%s", ownerID, d)
}
