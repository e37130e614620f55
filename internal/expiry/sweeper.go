package expiry

import (
	"context"
	"log/slog"
	"time"

	"github.com/tradepro/options-engine/internal/metrics"
	"github.com/tradepro/options-engine/internal/model"
	"github.com/tradepro/options-engine/internal/store"
)

// Settler resolves positions found by the sweep. Each method reports
// whether this call moved the position to a terminal state.
type Settler interface {
	SettleExpired(ctx context.Context, positionID string) bool
	ResolveExpiredCopy(ctx context.Context, positionID string) bool
}

// Timers is the part of the Scheduler the sweeper re-arms.
type Timers interface {
	Schedule(positionID string, at time.Time)
}

// Sweeper reconciles persisted expiry timestamps with in-process timers.
type Sweeper struct {
	store    store.Store
	timers   Timers
	settler  Settler
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
}

// NewSweeper creates a sweeper. Copies are resolved directly only once
// grace has passed since their expiry, leaving room for the source
// position's settlement to mirror onto them first.
func NewSweeper(st store.Store, timers Timers, settler Settler, interval, grace time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if grace < 0 {
		grace = 0
	}
	return &Sweeper{
		store:    st,
		timers:   timers,
		settler:  settler,
		interval: interval,
		grace:    grace,
		now:      time.Now,
	}
}

// Rearm schedules a timer for every open source position. Copies have no
// timers of their own; they settle through their source.
func (s *Sweeper) Rearm(ctx context.Context) (int, error) {
	open, err := s.store.ListPositions(ctx, store.PositionFilter{Status: model.StatusOpen})
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range open {
		if open[i].IsCopy {
			continue
		}
		s.timers.Schedule(open[i].ID, open[i].ExpiresAt)
		n++
	}
	return n, nil
}

// SweepOnce settles every open source position past expiry and resolves
// copies left open past the grace window. It returns how many positions
// this pass closed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.store.ListExpiredOpen(ctx, now)
	if err != nil {
		return 0, err
	}

	settled := 0
	// Sources first, so their copies are mirrored before any orphan check.
	for i := range expired {
		if expired[i].IsCopy {
			continue
		}
		if s.settler.SettleExpired(ctx, expired[i].ID) {
			settled++
		}
	}
	for i := range expired {
		p := &expired[i]
		if !p.IsCopy || now.Sub(p.ExpiresAt) < s.grace {
			continue
		}
		if s.settler.ResolveExpiredCopy(ctx, p.ID) {
			settled++
		}
	}

	if settled > 0 {
		metrics.SweepSettled.Add(float64(settled))
		slog.Info("expiry sweep settled positions", "count", settled)
	}
	return settled, nil
}

// Run re-arms timers, sweeps immediately, then sweeps every interval until
// ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	if n, err := s.Rearm(ctx); err != nil {
		slog.Error("rearm timers failed", "err", err)
	} else {
		slog.Info("settlement timers rearmed", "count", n)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("expiry sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
