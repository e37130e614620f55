package referral_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tradepro/options-engine/internal/ledger"
	"github.com/tradepro/options-engine/internal/model"
	"github.com/tradepro/options-engine/internal/referral"
	"github.com/tradepro/options-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestEnv(t *testing.T) (*referral.Hook, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore(model.TradeSettings{})
	ctx := context.Background()

	accounts := []*model.Account{
		{ID: "parent", ReferralCode: "PARENT01", RealBalance: d(5), DemoBalance: d(10000)},
		{ID: "child", ReferralCode: "CHILD001", ParentReferral: "PARENT01"},
		{ID: "orphan", ReferralCode: "ORPHAN01"},
		{ID: "dangling", ReferralCode: "DANGLE01", ParentReferral: "MISSING1"},
	}
	for _, a := range accounts {
		if err := ms.CreateAccount(ctx, a); err != nil {
			t.Fatalf("seed %s: %v", a.ID, err)
		}
	}
	return referral.NewHook(ms, ledger.New(ms), decimal.Zero), ms
}

func TestCreditCommission_CreditsParent(t *testing.T) {
	hook, ms := newTestEnv(t)
	ctx := context.Background()

	hook.CreditCommission(ctx, "child", d(80))

	parent, _ := ms.GetAccount(ctx, "parent")
	if !parent.RealBalance.Equal(d(13)) {
		t.Errorf("expected parent real balance 13, got %s", parent.RealBalance)
	}
	if !parent.TotalReferralEarnings.Equal(d(8)) {
		t.Errorf("expected earnings 8, got %s", parent.TotalReferralEarnings)
	}
	if !parent.DemoBalance.Equal(d(10000)) {
		t.Errorf("demo balance must not change, got %s", parent.DemoBalance)
	}
}

func TestCreditCommission_NoParent(t *testing.T) {
	hook, ms := newTestEnv(t)
	ctx := context.Background()

	hook.CreditCommission(ctx, "orphan", d(80))

	parent, _ := ms.GetAccount(ctx, "parent")
	if !parent.RealBalance.Equal(d(5)) {
		t.Errorf("parent should be untouched, got %s", parent.RealBalance)
	}
}

func TestCreditCommission_SwallowsFailures(t *testing.T) {
	hook, ms := newTestEnv(t)
	ctx := context.Background()

	// Unknown payer and unresolvable parent code both return quietly.
	hook.CreditCommission(ctx, "ghost", d(80))
	hook.CreditCommission(ctx, "dangling", d(80))

	parent, _ := ms.GetAccount(ctx, "parent")
	if !parent.TotalReferralEarnings.IsZero() {
		t.Errorf("expected no earnings, got %s", parent.TotalReferralEarnings)
	}
}

func TestCreditCommission_ZeroPayout(t *testing.T) {
	hook, ms := newTestEnv(t)
	ctx := context.Background()

	hook.CreditCommission(ctx, "child", decimal.Zero)

	parent, _ := ms.GetAccount(ctx, "parent")
	if !parent.RealBalance.Equal(d(5)) {
		t.Errorf("expected 5, got %s", parent.RealBalance)
	}
}

type failingCrediter struct{}

func (failingCrediter) Credit(context.Context, string, model.Denomination, decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("db down")
}

func TestCreditCommission_CreditErrorSkipsEarnings(t *testing.T) {
	_, ms := newTestEnv(t)
	hook := referral.NewHook(ms, failingCrediter{}, d(0.25))
	ctx := context.Background()

	hook.CreditCommission(ctx, "child", d(80))

	parent, _ := ms.GetAccount(ctx, "parent")
	if !parent.TotalReferralEarnings.IsZero() {
		t.Errorf("earnings recorded despite failed credit: %s", parent.TotalReferralEarnings)
	}
	if !hook.Rate().Equal(d(0.25)) {
		t.Errorf("expected custom rate 0.25, got %s", hook.Rate())
	}
}
