package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradepro/options-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	positions map[string]*model.Position
	settings  model.TradeSettings
	assets    map[string]*model.Asset
}

// NewMemoryStore creates a new in-memory store seeded with settings.
func NewMemoryStore(settings model.TradeSettings) *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		positions: make(map[string]*model.Position),
		settings:  settings,
		assets:    make(map[string]*model.Asset),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("account %s: %w", a.ID, ErrDuplicate)
	}
	if a.ReferralCode != "" {
		for _, existing := range s.accounts {
			if existing.ReferralCode == a.ReferralCode {
				return fmt.Errorf("referral code %s: %w", a.ReferralCode, ErrDuplicate)
			}
		}
	}
	s.accounts[a.ID] = cloneAccount(a)
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return cloneAccount(a), nil
}

func (s *MemoryStore) GetAccountByReferralCode(_ context.Context, code string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if a.ReferralCode == code {
			return cloneAccount(a), nil
		}
	}
	return nil, fmt.Errorf("referral code %s: %w", code, ErrNotFound)
}

func (s *MemoryStore) ListLeaders(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Account
	for _, a := range s.accounts {
		if a.IsLeader {
			out = append(out, *cloneAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.accounts[a.ID]
	if !ok {
		return fmt.Errorf("account %s: %w", a.ID, ErrNotFound)
	}
	existing.KYCStatus = a.KYCStatus
	existing.IsLeader = a.IsLeader
	existing.Followers = append([]string(nil), a.Followers...)
	existing.FollowedLeaders = append([]string(nil), a.FollowedLeaders...)
	existing.ReferralCode = a.ReferralCode
	existing.ParentReferral = a.ParentReferral
	return nil
}

func (s *MemoryStore) SaveProfile(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.accounts[a.ID]
	if !ok {
		return fmt.Errorf("account %s: %w", a.ID, ErrNotFound)
	}
	existing.KYCStatus = a.KYCStatus
	existing.IsLeader = a.IsLeader
	existing.ParentReferral = a.ParentReferral
	return nil
}

func (s *MemoryStore) AdjustBalance(_ context.Context, id string, denom model.Denomination, delta decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	next := a.Balance(denom).Add(delta)
	if next.IsNegative() {
		return a.Balance(denom), ErrInsufficientFunds
	}
	if denom == model.Real {
		a.RealBalance = next
	} else {
		a.DemoBalance = next
	}
	return next, nil
}

func (s *MemoryStore) AddReferralEarnings(_ context.Context, id string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	a.TotalReferralEarnings = a.TotalReferralEarnings.Add(amount)
	return nil
}

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; ok {
		return fmt.Errorf("position %s: %w", p.ID, ErrDuplicate)
	}
	copy := *p
	s.positions[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, f PositionFilter) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if f.OwnerID != "" && p.OwnerID != f.OwnerID {
			continue
		}
		if f.Denomination != "" && p.Denomination != f.Denomination {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) FindOpenByCopiedFrom(_ context.Context, leaderID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.IsCopy && p.CopiedFrom == leaderID && p.Status == model.StatusOpen {
			result = append(result, *p)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListExpiredOpen(_ context.Context, t time.Time) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.Status == model.StatusOpen && !p.ExpiresAt.After(t) {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	return result, nil
}

// ClosePosition is the single point where a position leaves the open state;
// the check and the write happen under one lock.
func (s *MemoryStore) ClosePosition(_ context.Context, id string, c model.Closure) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	if p.Status != model.StatusOpen {
		return nil, ErrStateConflict
	}
	applyClosure(p, c)
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) GetSettings(_ context.Context) (*model.TradeSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copy := s.settings
	return &copy, nil
}

func (s *MemoryStore) SaveSettings(_ context.Context, settings *model.TradeSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings = *settings
	return nil
}

func (s *MemoryStore) ListAssets(_ context.Context) ([]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets := make([]model.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		assets = append(assets, *a)
	}
	sort.Slice(assets, func(i, j int) bool {
		return assets[i].Symbol < assets[j].Symbol
	})
	return assets, nil
}

func (s *MemoryStore) SaveAsset(_ context.Context, a *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *a
	s.assets[a.Symbol] = &copy
	return nil
}

func (s *MemoryStore) DeleteAsset(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assets[symbol]; !ok {
		return fmt.Errorf("asset %s: %w", symbol, ErrNotFound)
	}
	delete(s.assets, symbol)
	return nil
}

func cloneAccount(a *model.Account) *model.Account {
	c := *a
	c.Followers = append([]string(nil), a.Followers...)
	c.FollowedLeaders = append([]string(nil), a.FollowedLeaders...)
	return &c
}
