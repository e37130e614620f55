// Package copytrade mirrors a leader's positions onto followers and keeps
// the follow graph consistent on both sides.
package copytrade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradepro/options-engine/internal/ledger"
	"github.com/tradepro/options-engine/internal/metrics"
	"github.com/tradepro/options-engine/internal/model"
	"github.com/tradepro/options-engine/internal/store"
)

// Ledger is the subset of the balance ledger fan-out needs.
type Ledger interface {
	Debit(ctx context.Context, accountID string, denom model.Denomination, amount decimal.Decimal) (decimal.Decimal, error)
	Credit(ctx context.Context, accountID string, denom model.Denomination, amount decimal.Decimal) (decimal.Decimal, error)
}

// Outcome is the settlement a copy inherits from its source position.
type Outcome struct {
	Result     model.Result
	Payout     decimal.Decimal
	ClosePrice decimal.Decimal
	ClosedAt   time.Time
}

// FanOut opens and settles follower copies.
type FanOut struct {
	store  store.Store
	ledger Ledger
}

// NewFanOut creates a fan-out over the given store and ledger.
func NewFanOut(st store.Store, l Ledger) *FanOut {
	return &FanOut{store: st, ledger: l}
}

// MirrorOpen debits each follower the leader's stake and creates a linked
// copy with the same symbol, direction, open price and expiry. Followers who
// cannot fund the stake, or no longer exist, are skipped without surfacing
// an error to the leader. It returns the copies created.
func (f *FanOut) MirrorOpen(ctx context.Context, leader *model.Account, src *model.Position) []*model.Position {
	var copies []*model.Position

	for _, followerID := range leader.Followers {
		if followerID == "" || followerID == leader.ID {
			continue
		}

		if _, err := f.ledger.Debit(ctx, followerID, src.Denomination, src.Stake); err != nil {
			metrics.CopySkips.Inc()
			if errors.Is(err, ledger.ErrInsufficientFunds) || errors.Is(err, ledger.ErrAccountNotFound) {
				slog.Debug("copy skipped", "follower_id", followerID, "source_position_id", src.ID, "err", err)
			} else {
				slog.Warn("copy debit failed", "follower_id", followerID, "source_position_id", src.ID, "err", err)
			}
			continue
		}

		cp := &model.Position{
			ID:               uuid.New().String(),
			OwnerID:          followerID,
			Symbol:           src.Symbol,
			Stake:            src.Stake,
			Denomination:     src.Denomination,
			Direction:        src.Direction,
			OpenPrice:        src.OpenPrice,
			Status:           model.StatusOpen,
			Payout:           decimal.Zero,
			ExpiresAt:        src.ExpiresAt,
			IsCopy:           true,
			CopiedFrom:       leader.ID,
			SourcePositionID: src.ID,
			CreatedAt:        src.CreatedAt,
		}

		if err := f.store.CreatePosition(ctx, cp); err != nil {
			slog.Error("copy create failed, refunding follower",
				"follower_id", followerID,
				"source_position_id", src.ID,
				"err", err,
			)
			if _, rerr := f.ledger.Credit(ctx, followerID, src.Denomination, src.Stake); rerr != nil {
				slog.Error("copy refund failed", "follower_id", followerID, "stake", src.Stake.String(), "err", rerr)
			}
			metrics.CopySkips.Inc()
			continue
		}

		metrics.PositionsOpened.WithLabelValues(string(cp.Denomination), "true").Inc()
		copies = append(copies, cp)
	}

	if len(copies) > 0 {
		slog.Info("position mirrored to followers",
			"source_position_id", src.ID,
			"leader_id", leader.ID,
			"copies", len(copies),
			"followers", len(leader.Followers),
		)
	}
	return copies
}

// MirrorSettlement applies the source position's outcome to every copy of
// it that is still open and credits each follower. It returns the copies
// this call closed.
func (f *FanOut) MirrorSettlement(ctx context.Context, src *model.Position, out Outcome) []*model.Position {
	open, err := f.store.FindOpenByCopiedFrom(ctx, src.OwnerID)
	if err != nil {
		slog.Error("load copies failed", "source_position_id", src.ID, "err", err)
		return nil
	}

	var closed []*model.Position
	for i := range open {
		if open[i].SourcePositionID != src.ID {
			continue
		}
		cp, err := f.SettleCopy(ctx, &open[i], out)
		if err != nil {
			if !errors.Is(err, store.ErrStateConflict) {
				slog.Error("copy settlement failed", "position_id", open[i].ID, "err", err)
			}
			continue
		}
		closed = append(closed, cp)
	}
	return closed
}

// SettleCopy closes one copy with out and credits its owner stake+payout.
// It returns store.ErrStateConflict if the copy was already closed.
func (f *FanOut) SettleCopy(ctx context.Context, cp *model.Position, out Outcome) (*model.Position, error) {
	closePrice := out.ClosePrice
	done, err := f.store.ClosePosition(ctx, cp.ID, model.Closure{
		Status:     model.StatusClosed,
		Result:     out.Result,
		ClosePrice: &closePrice,
		Payout:     out.Payout,
		ClosedAt:   out.ClosedAt,
	})
	if err != nil {
		return nil, err
	}

	credit := done.Stake.Add(done.Payout)
	if out.Result == model.ResultLoss {
		credit = decimal.Zero
	}
	if credit.IsPositive() {
		if _, err := f.ledger.Credit(ctx, done.OwnerID, done.Denomination, credit); err != nil {
			slog.Error("copy credit failed",
				"position_id", done.ID,
				"owner_id", done.OwnerID,
				"amount", credit.String(),
				"err", err,
			)
		}
	}

	metrics.PositionsClosed.WithLabelValues("copy", string(done.Result)).Inc()
	slog.Info("copy settled",
		"position_id", done.ID,
		"owner_id", done.OwnerID,
		"result", done.Result,
		"payout", done.Payout.String(),
	)
	return done, nil
}
