// Package referral credits upstream referrers a share of winning payouts.
package referral

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/tradepro/options-engine/internal/metrics"
	"github.com/tradepro/options-engine/internal/model"
	"github.com/tradepro/options-engine/internal/store"
)

// DefaultRate is the fixed share of a payout paid to the parent referrer.
var DefaultRate = decimal.NewFromFloat(0.1)

// Crediter adds funds to an account balance.
type Crediter interface {
	Credit(ctx context.Context, accountID string, denom model.Denomination, amount decimal.Decimal) (decimal.Decimal, error)
}

// Hook pays trade commission to the account whose referral code the payer
// signed up with. The rate is fixed for trade commission and does not read
// any per-account rate.
type Hook struct {
	store  store.Store
	ledger Crediter
	rate   decimal.Decimal
}

// NewHook creates a commission hook. A non-positive rate selects DefaultRate.
func NewHook(st store.Store, l Crediter, rate decimal.Decimal) *Hook {
	if !rate.IsPositive() {
		rate = DefaultRate
	}
	return &Hook{store: st, ledger: l, rate: rate}
}

// Rate returns the commission rate in use.
func (h *Hook) Rate() decimal.Decimal {
	return h.rate
}

// CreditCommission credits payout*rate to the payer's parent referrer's real
// balance and lifetime earnings. It never fails: errors are logged and
// counted, and the settlement that triggered it proceeds regardless.
func (h *Hook) CreditCommission(ctx context.Context, payerID string, payout decimal.Decimal) {
	if !payout.IsPositive() {
		return
	}

	payer, err := h.store.GetAccount(ctx, payerID)
	if err != nil {
		h.fail("load payer", payerID, err)
		return
	}
	if payer.ParentReferral == "" {
		return
	}

	parent, err := h.store.GetAccountByReferralCode(ctx, payer.ParentReferral)
	if err != nil {
		h.fail("resolve parent referral", payerID, err, "code", payer.ParentReferral)
		return
	}

	commission := payout.Mul(h.rate)
	if !commission.IsPositive() {
		return
	}

	if _, err := h.ledger.Credit(ctx, parent.ID, model.Real, commission); err != nil {
		h.fail("credit parent", payerID, err, "parent_id", parent.ID)
		return
	}
	if err := h.store.AddReferralEarnings(ctx, parent.ID, commission); err != nil {
		// Balance already credited; only the lifetime counter is behind.
		h.fail("record referral earnings", payerID, err, "parent_id", parent.ID)
		return
	}

	slog.Info("referral commission credited",
		"payer_id", payerID,
		"parent_id", parent.ID,
		"payout", payout.String(),
		"commission", commission.String(),
	)
}

func (h *Hook) fail(step, payerID string, err error, attrs ...any) {
	metrics.CommissionFailures.Inc()
	args := append([]any{"step", step, "payer_id", payerID, "err", err}, attrs...)
	slog.Error("referral commission skipped", args...)
}
