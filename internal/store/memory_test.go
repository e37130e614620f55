package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradepro/options-engine/internal/model"
	"github.com/tradepro/options-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func openPosition(id, owner string, createdAt time.Time) *model.Position {
	return &model.Position{
		ID:           id,
		OwnerID:      owner,
		Symbol:       "BTC",
		Stake:        d(10),
		Denomination: model.Demo,
		Direction:    model.Up,
		OpenPrice:    d(100),
		Status:       model.StatusOpen,
		ExpiresAt:    createdAt.Add(time.Minute),
		CreatedAt:    createdAt,
	}
}

func TestClosePosition_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore(model.TradeSettings{})
	if err := ms.CreatePosition(ctx, openPosition("p1", "alice", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			price := d(101)
			_, err := ms.ClosePosition(ctx, "p1", model.Closure{
				Status:     model.StatusClosed,
				Result:     model.ResultWin,
				ClosePrice: &price,
				Payout:     d(8),
				ClosedAt:   time.Now(),
			})
			if err == nil {
				wins.Add(1)
			} else if !errors.Is(err, store.ErrStateConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one close, got %d", wins.Load())
	}
	p, _ := ms.GetPosition(ctx, "p1")
	if p.Status != model.StatusClosed || p.ClosedAt == nil || !p.Payout.Equal(d(8)) {
		t.Errorf("unexpected closed position: %+v", p)
	}
}

func TestClosePosition_FlipsDirection(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore(model.TradeSettings{})
	ms.CreatePosition(ctx, openPosition("p1", "alice", time.Now()))

	p, err := ms.ClosePosition(ctx, "p1", model.Closure{
		Status:    model.StatusClosed,
		Result:    model.ResultLoss,
		Direction: model.Down,
		ClosedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if p.Direction != model.Down {
		t.Errorf("expected direction down, got %s", p.Direction)
	}

	if _, err := ms.ClosePosition(ctx, "missing", model.Closure{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAdjustBalance_NeverNegative(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore(model.TradeSettings{})
	ms.CreateAccount(ctx, &model.Account{ID: "alice", DemoBalance: d(100), RealBalance: d(5)})

	bal, err := ms.AdjustBalance(ctx, "alice", model.Demo, d(-100))
	if err != nil || !bal.IsZero() {
		t.Fatalf("expected 0, got %s %v", bal, err)
	}
	if _, err := ms.AdjustBalance(ctx, "alice", model.Demo, d(-0.01)); !errors.Is(err, store.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
	a, _ := ms.GetAccount(ctx, "alice")
	if !a.DemoBalance.IsZero() || !a.RealBalance.Equal(d(5)) {
		t.Errorf("balances changed unexpectedly: demo %s real %s", a.DemoBalance, a.RealBalance)
	}
}

func TestCreateAccount_Duplicates(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore(model.TradeSettings{})
	ms.CreateAccount(ctx, &model.Account{ID: "alice", ReferralCode: "AAAA1111"})

	if err := ms.CreateAccount(ctx, &model.Account{ID: "alice"}); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("duplicate id: expected ErrDuplicate, got %v", err)
	}
	if err := ms.CreateAccount(ctx, &model.Account{ID: "bob", ReferralCode: "AAAA1111"}); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("duplicate code: expected ErrDuplicate, got %v", err)
	}

	a, err := ms.GetAccountByReferralCode(ctx, "AAAA1111")
	if err != nil || a.ID != "alice" {
		t.Errorf("lookup by code: %+v %v", a, err)
	}
}

func TestListPositions_FilterAndOrder(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore(model.TradeSettings{})
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	ms.CreatePosition(ctx, openPosition("old", "alice", base))
	ms.CreatePosition(ctx, openPosition("new", "alice", base.Add(time.Minute)))
	ms.CreatePosition(ctx, openPosition("other", "bob", base))
	realPos := openPosition("real", "alice", base.Add(2*time.Minute))
	realPos.Denomination = model.Real
	ms.CreatePosition(ctx, realPos)

	got, _ := ms.ListPositions(ctx, store.PositionFilter{OwnerID: "alice", Denomination: model.Demo})
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "old" {
		t.Errorf("expected [new old], got %v", ids(got))
	}

	expired, _ := ms.ListExpiredOpen(ctx, base.Add(90*time.Second))
	if len(expired) != 2 {
		t.Errorf("expected 2 expired positions, got %v", ids(expired))
	}
}

func TestListLeaders(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore(model.TradeSettings{})
	ms.CreateAccount(ctx, &model.Account{ID: "zed", IsLeader: true})
	ms.CreateAccount(ctx, &model.Account{ID: "amy", IsLeader: true})
	ms.CreateAccount(ctx, &model.Account{ID: "bob"})

	leaders, _ := ms.ListLeaders(ctx)
	if len(leaders) != 2 || leaders[0].ID != "amy" || leaders[1].ID != "zed" {
		t.Errorf("unexpected leaders: %+v", leaders)
	}
}

func TestSeed_KeepsExistingAssets(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore(model.TradeSettings{ExpirySeconds: 60})
	defaults := []model.Asset{{Symbol: "BTC", Enabled: true, MarketOpen: true}, {Symbol: "ETH", Enabled: true, MarketOpen: true}}

	if err := store.Seed(ctx, ms, model.TradeSettings{ExpirySeconds: 30}, defaults); err != nil {
		t.Fatalf("seed: %v", err)
	}
	assets, _ := ms.ListAssets(ctx)
	if len(assets) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(assets))
	}
	s, _ := ms.GetSettings(ctx)
	if s.ExpirySeconds != 60 {
		t.Errorf("existing settings should be kept, got expiry %d", s.ExpirySeconds)
	}

	ms.SaveAsset(ctx, &model.Asset{Symbol: "BTC", Enabled: false})
	store.Seed(ctx, ms, model.TradeSettings{}, defaults)
	assets, _ = ms.ListAssets(ctx)
	if assets[0].Symbol != "BTC" || assets[0].Enabled {
		t.Errorf("seed overwrote an admin edit: %+v", assets[0])
	}
}

func TestSaveProfile_LeavesFollowListsAlone(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore(model.TradeSettings{})
	ms.CreateAccount(ctx, &model.Account{ID: "leader", IsLeader: true, KYCStatus: model.KYCPending})

	stale, _ := ms.GetAccount(ctx, "leader")
	fresh, _ := ms.GetAccount(ctx, "leader")
	fresh.Followers = []string{"amy"}
	if err := ms.SaveAccount(ctx, fresh); err != nil {
		t.Fatalf("save account: %v", err)
	}

	stale.KYCStatus = model.KYCApproved
	stale.ParentReferral = "PARENT01"
	if err := ms.SaveProfile(ctx, stale); err != nil {
		t.Fatalf("save profile: %v", err)
	}

	got, _ := ms.GetAccount(ctx, "leader")
	if got.KYCStatus != model.KYCApproved || got.ParentReferral != "PARENT01" {
		t.Errorf("profile not applied: %+v", got)
	}
	if len(got.Followers) != 1 || got.Followers[0] != "amy" {
		t.Errorf("followers overwritten by profile save: %v", got.Followers)
	}
	if err := ms.SaveProfile(ctx, &model.Account{ID: "ghost"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteAsset(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore(model.TradeSettings{})
	ms.SaveAsset(ctx, &model.Asset{Symbol: "BTC", Enabled: true})
	ms.SaveAsset(ctx, &model.Asset{Symbol: "ETH", Enabled: true})

	if err := ms.DeleteAsset(ctx, "BTC"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	assets, _ := ms.ListAssets(ctx)
	if len(assets) != 1 || assets[0].Symbol != "ETH" {
		t.Errorf("expected only ETH left, got %+v", assets)
	}
	if err := ms.DeleteAsset(ctx, "BTC"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func ids(ps []model.Position) []string {
	out := make([]string, len(ps))
	for i := range ps {
		out[i] = ps[i].ID
	}
	return out
}
