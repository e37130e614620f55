// Package trade runs the binary-option position lifecycle: open, settle at
// expiry, reverse, cancel and admin force-close, plus the HTTP handlers that
// expose them.
// Money is shopspring/decimal throughout.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradepro/options-engine/internal/asset"
	"github.com/tradepro/options-engine/internal/copytrade"
	"github.com/tradepro/options-engine/internal/events"
	"github.com/tradepro/options-engine/internal/ledger"
	"github.com/tradepro/options-engine/internal/metrics"
	"github.com/tradepro/options-engine/internal/model"
	"github.com/tradepro/options-engine/internal/store"
)

// PriceOracle returns a spot price. It never fails.
type PriceOracle interface {
	CurrentPrice(ctx context.Context, symbol string) decimal.Decimal
}

// CommissionHook credits referral commission on a winning payout. It never
// fails the caller.
type CommissionHook interface {
	CreditCommission(ctx context.Context, accountID string, amount decimal.Decimal)
}

// Scheduler arms and disarms settlement timers.
type Scheduler interface {
	Schedule(positionID string, at time.Time)
	Cancel(positionID string)
}

// Ledger moves stakes in and out of account balances.
type Ledger interface {
	Debit(ctx context.Context, accountID string, denom model.Denomination, amount decimal.Decimal) (decimal.Decimal, error)
	Credit(ctx context.Context, accountID string, denom model.Denomination, amount decimal.Decimal) (decimal.Decimal, error)
}

// Deps are the engine's collaborators. Scheduler, Events and Now are
// optional.
type Deps struct {
	Store      store.Store
	Ledger     Ledger
	Oracle     PriceOracle
	Commission CommissionHook
	FanOut     *copytrade.FanOut
	Scheduler  Scheduler
	Events     events.Publisher
	Now        func() time.Time
}

// Engine orchestrates position state transitions. Every terminal transition
// goes through the store's compare-and-set ClosePosition, so of any racing
// settle, reverse, cancel or force-close exactly one wins and only the
// winner moves money.
type Engine struct {
	store  store.Store
	ledger Ledger
	oracle PriceOracle
	hook   CommissionHook
	fanout *copytrade.FanOut
	sched  Scheduler
	events events.Publisher
	now    func() time.Time
}

// NewEngine creates an engine.
func NewEngine(d Deps) *Engine {
	e := &Engine{
		store:  d.Store,
		ledger: d.Ledger,
		oracle: d.Oracle,
		hook:   d.Commission,
		fanout: d.FanOut,
		sched:  d.Scheduler,
		events: d.Events,
		now:    d.Now,
	}
	if e.sched == nil {
		e.sched = noopScheduler{}
	}
	if e.events == nil {
		e.events = events.Discard{}
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

type noopScheduler struct{}

func (noopScheduler) Schedule(string, time.Time) {}
func (noopScheduler) Cancel(string)              {}

// --- Request/Result types ---

// OpenRequest opens a position.
type OpenRequest struct {
	OwnerID      string             `json:"-"`
	Symbol       string             `json:"symbol"`
	Stake        decimal.Decimal    `json:"stake"`
	Direction    model.Direction    `json:"direction"`
	Denomination model.Denomination `json:"denomination"`
}

// OpenResult is returned from a successful open.
type OpenResult struct {
	PositionID    string             `json:"position_id"`
	Symbol        string             `json:"symbol"`
	Stake         decimal.Decimal    `json:"stake"`
	Direction     model.Direction    `json:"direction"`
	Denomination  model.Denomination `json:"denomination"`
	OpenPrice     decimal.Decimal    `json:"open_price"`
	ExpirySeconds int                `json:"expiry_seconds"`
	ExpiresAt     time.Time          `json:"expires_at"`
	CopiesOpened  int                `json:"copies_opened"`
}

// SettleResult is returned from a settlement.
type SettleResult struct {
	PositionID    string          `json:"position_id"`
	Result        model.Result    `json:"result"`
	Payout        decimal.Decimal `json:"payout"`
	ClosePrice    decimal.Decimal `json:"close_price"`
	CopiesSettled int             `json:"copies_settled"`
}

// ReverseResult is returned from a reverse.
type ReverseResult struct {
	PositionID string          `json:"position_id"`
	Direction  model.Direction `json:"direction"`
	Result     model.Result    `json:"result"`
	Payout     decimal.Decimal `json:"payout"`
	ClosePrice decimal.Decimal `json:"close_price"`
}

// CancelResult is returned from a cancel.
type CancelResult struct {
	PositionID string          `json:"position_id"`
	Refunded   decimal.Decimal `json:"refunded"`
}

// --- Open ---

// Open validates the request, debits the stake, prices and persists the
// position, mirrors it to followers if the owner leads, and schedules its
// settlement.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	if err := validateOpen(req); err != nil {
		return nil, e.reject("validation", err)
	}

	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if !settings.ModeEnabled(req.Denomination) {
		return nil, e.reject("disabled", fmt.Errorf("%w: %s positions are not accepted", ErrTradingDisabled, req.Denomination))
	}

	owner, err := e.store.GetAccount(ctx, req.OwnerID)
	if err != nil {
		return nil, e.reject("owner", mapStoreErr(err, "account "+req.OwnerID))
	}
	if req.Denomination == model.Real && owner.KYCStatus != model.KYCApproved {
		return nil, e.reject("kyc", fmt.Errorf("%w: real positions require approved KYC", ErrForbidden))
	}

	assets, err := e.store.ListAssets(ctx)
	if err != nil {
		return nil, fmt.Errorf("load assets: %w", err)
	}
	symbol, err := asset.NewAllowlist(assets).Check(req.Symbol)
	if err != nil {
		return nil, e.reject("asset", fmt.Errorf("%w: %v", ErrAssetUnavailable, err))
	}

	// The stake leaves the balance the moment the position exists.
	if _, err := e.ledger.Debit(ctx, owner.ID, req.Denomination, req.Stake); err != nil {
		return nil, e.reject("funds", mapLedgerErr(err))
	}

	openPrice := e.oracle.CurrentPrice(ctx, symbol)
	now := e.now()
	pos := &model.Position{
		ID:           uuid.New().String(),
		OwnerID:      owner.ID,
		Symbol:       symbol,
		Stake:        req.Stake,
		Denomination: req.Denomination,
		Direction:    req.Direction,
		OpenPrice:    openPrice,
		Status:       model.StatusOpen,
		Payout:       decimal.Zero,
		ExpiresAt:    now.Add(time.Duration(settings.ExpirySeconds) * time.Second),
		CreatedAt:    now,
	}

	if err := e.store.CreatePosition(ctx, pos); err != nil {
		// Compensate the debit so a failed open leaves no trace.
		if _, rerr := e.ledger.Credit(ctx, owner.ID, req.Denomination, req.Stake); rerr != nil {
			slog.Error("open refund failed",
				"owner_id", owner.ID,
				"stake", req.Stake.String(),
				"err", rerr,
			)
		}
		return nil, fmt.Errorf("persist position: %w", err)
	}
	metrics.PositionsOpened.WithLabelValues(string(pos.Denomination), "false").Inc()

	var copies []*model.Position
	if owner.IsLeader && len(owner.Followers) > 0 && e.fanout != nil {
		copies = e.fanout.MirrorOpen(ctx, owner, pos)
	}

	e.sched.Schedule(pos.ID, pos.ExpiresAt)

	slog.Info("position opened",
		"position_id", pos.ID,
		"owner_id", pos.OwnerID,
		"symbol", symbol,
		"stake", pos.Stake.String(),
		"direction", pos.Direction,
		"denomination", pos.Denomination,
		"open_price", openPrice.String(),
		"expires_at", pos.ExpiresAt,
		"copies", len(copies),
	)

	e.events.Publish(ctx, events.FromPosition(events.PositionOpened, pos))
	for _, cp := range copies {
		e.events.Publish(ctx, events.FromPosition(events.PositionOpened, cp))
	}

	return &OpenResult{
		PositionID:    pos.ID,
		Symbol:        symbol,
		Stake:         pos.Stake,
		Direction:     pos.Direction,
		Denomination:  pos.Denomination,
		OpenPrice:     openPrice,
		ExpirySeconds: settings.ExpirySeconds,
		ExpiresAt:     pos.ExpiresAt,
		CopiesOpened:  len(copies),
	}, nil
}

func validateOpen(req OpenRequest) error {
	switch {
	case req.OwnerID == "":
		return fmt.Errorf("%w: owner is required", ErrValidation)
	case !req.Stake.IsPositive():
		return fmt.Errorf("%w: stake must be positive", ErrValidation)
	case !req.Direction.Valid():
		return fmt.Errorf("%w: direction must be up or down", ErrValidation)
	case !req.Denomination.Valid():
		return fmt.Errorf("%w: denomination must be demo or real", ErrValidation)
	}
	return nil
}

func (e *Engine) reject(reason string, err error) error {
	metrics.OpenRejections.WithLabelValues(reason).Inc()
	return err
}

// --- Settle ---

// Settle resolves an open position at its expiry: re-price, compare against
// the spread-adjusted open price, credit the owner, pay referral commission
// on real wins, and mirror the outcome onto the position's copies.
func (e *Engine) Settle(ctx context.Context, positionID string) (*SettleResult, error) {
	pos, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, mapStoreErr(err, "position "+positionID)
	}
	if !pos.IsOpen() {
		return nil, fmt.Errorf("%w: position %s is %s", ErrInvalidState, pos.ID, pos.Status)
	}
	if pos.IsCopy {
		done, err := e.resolveCopy(ctx, pos)
		if err != nil {
			return nil, err
		}
		return &SettleResult{
			PositionID: done.ID,
			Result:     done.Result,
			Payout:     done.Payout,
			ClosePrice: derefPrice(done.ClosePrice),
		}, nil
	}

	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	closePrice := e.oracle.CurrentPrice(ctx, pos.Symbol)
	adjusted := AdjustedOpen(pos.OpenPrice, pos.Direction, settings.Spread)
	ev := evaluate(Wins(pos.Direction, adjusted, closePrice), pos.Stake, settings.PayoutPercentage)

	now := e.now()
	done, err := e.store.ClosePosition(ctx, pos.ID, model.Closure{
		Status:     model.StatusClosed,
		Result:     ev.result,
		ClosePrice: &closePrice,
		Payout:     ev.payout,
		ClosedAt:   now,
	})
	if err != nil {
		return nil, mapStoreErr(err, "position "+pos.ID)
	}
	e.sched.Cancel(pos.ID)

	e.creditOwner(ctx, done)
	if lag := now.Sub(pos.ExpiresAt); lag > 0 {
		metrics.SettlementLag.Observe(lag.Seconds())
	}
	metrics.PositionsClosed.WithLabelValues("expiry", string(done.Result)).Inc()

	if done.Denomination == model.Real && done.Payout.IsPositive() && e.hook != nil {
		e.hook.CreditCommission(ctx, done.OwnerID, done.Payout)
	}

	var copies []*model.Position
	if e.fanout != nil {
		copies = e.fanout.MirrorSettlement(ctx, done, copytrade.Outcome{
			Result:     done.Result,
			Payout:     done.Payout,
			ClosePrice: closePrice,
			ClosedAt:   now,
		})
	}

	slog.Info("position settled",
		"position_id", done.ID,
		"owner_id", done.OwnerID,
		"result", done.Result,
		"open_price", done.OpenPrice.String(),
		"adjusted_open", adjusted.String(),
		"close_price", closePrice.String(),
		"payout", done.Payout.String(),
		"copies", len(copies),
	)

	e.events.Publish(ctx, events.FromPosition(events.PositionSettled, done))
	for _, cp := range copies {
		e.events.Publish(ctx, events.FromPosition(events.PositionSettled, cp))
	}

	return &SettleResult{
		PositionID:    done.ID,
		Result:        done.Result,
		Payout:        done.Payout,
		ClosePrice:    closePrice,
		CopiesSettled: len(copies),
	}, nil
}

// SettleExpired settles a position whose timer fired or that the sweep
// found past expiry. A position that already closed is a no-op.
func (e *Engine) SettleExpired(ctx context.Context, positionID string) bool {
	_, err := e.Settle(ctx, positionID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotFound):
		slog.Debug("expired position already resolved", "position_id", positionID, "err", err)
	default:
		slog.Error("settlement failed", "position_id", positionID, "err", err)
	}
	return false
}

// --- Reverse ---

// Reverse closes the owner's open position immediately with its direction
// flipped. The win test uses the raw open price with no spread, unlike
// expiry settlement. Reverse pays no commission and leaves copies to settle
// on their own.
func (e *Engine) Reverse(ctx context.Context, ownerID, positionID string) (*ReverseResult, error) {
	pos, err := e.ownedOpenPosition(ctx, ownerID, positionID)
	if err != nil {
		return nil, err
	}

	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	flipped := pos.Direction.Opposite()
	closePrice := e.oracle.CurrentPrice(ctx, pos.Symbol)
	ev := evaluate(Wins(flipped, pos.OpenPrice, closePrice), pos.Stake, settings.PayoutPercentage)

	done, err := e.store.ClosePosition(ctx, pos.ID, model.Closure{
		Status:     model.StatusClosed,
		Result:     ev.result,
		Direction:  flipped,
		ClosePrice: &closePrice,
		Payout:     ev.payout,
		ClosedAt:   e.now(),
	})
	if err != nil {
		return nil, mapStoreErr(err, "position "+pos.ID)
	}
	e.sched.Cancel(pos.ID)

	e.creditOwner(ctx, done)
	metrics.PositionsClosed.WithLabelValues("reverse", string(done.Result)).Inc()

	slog.Info("position reversed",
		"position_id", done.ID,
		"owner_id", done.OwnerID,
		"direction", flipped,
		"result", done.Result,
		"close_price", closePrice.String(),
		"payout", done.Payout.String(),
	)
	e.events.Publish(ctx, events.FromPosition(events.PositionReversed, done))

	return &ReverseResult{
		PositionID: done.ID,
		Direction:  flipped,
		Result:     done.Result,
		Payout:     done.Payout,
		ClosePrice: closePrice,
	}, nil
}

// --- Cancel ---

// Cancel refunds exactly the stake of the owner's open position.
func (e *Engine) Cancel(ctx context.Context, ownerID, positionID string) (*CancelResult, error) {
	pos, err := e.ownedOpenPosition(ctx, ownerID, positionID)
	if err != nil {
		return nil, err
	}

	done, err := e.store.ClosePosition(ctx, pos.ID, model.Closure{
		Status:   model.StatusCancelled,
		Result:   model.ResultCancelled,
		Payout:   decimal.Zero,
		ClosedAt: e.now(),
	})
	if err != nil {
		return nil, mapStoreErr(err, "position "+pos.ID)
	}
	e.sched.Cancel(pos.ID)

	e.creditOwner(ctx, done)
	metrics.PositionsClosed.WithLabelValues("cancel", string(done.Result)).Inc()

	slog.Info("position cancelled",
		"position_id", done.ID,
		"owner_id", done.OwnerID,
		"refunded", done.Stake.String(),
	)
	e.events.Publish(ctx, events.FromPosition(events.PositionCancelled, done))

	return &CancelResult{PositionID: done.ID, Refunded: done.Stake}, nil
}

// --- History ---

// History returns the owner's positions newest first, optionally narrowed
// to one denomination.
func (e *Engine) History(ctx context.Context, ownerID string, denom model.Denomination) ([]model.Position, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if denom != "" && !denom.Valid() {
		return nil, fmt.Errorf("%w: denomination must be demo or real", ErrValidation)
	}
	positions, err := e.store.ListPositions(ctx, store.PositionFilter{OwnerID: ownerID, Denomination: denom})
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	if positions == nil {
		positions = []model.Position{}
	}
	return positions, nil
}

// --- Force close ---

// ForceClose closes one open position, or every open position when
// positionID is empty, refunding the stake with result forced_close. It
// returns how many positions this call closed; positions that another
// transition claimed first are skipped.
func (e *Engine) ForceClose(ctx context.Context, positionID string) (int, error) {
	var targets []model.Position
	if positionID != "" {
		pos, err := e.store.GetPosition(ctx, positionID)
		if err != nil {
			return 0, mapStoreErr(err, "position "+positionID)
		}
		if pos.IsOpen() {
			targets = append(targets, *pos)
		}
	} else {
		open, err := e.store.ListPositions(ctx, store.PositionFilter{Status: model.StatusOpen})
		if err != nil {
			return 0, fmt.Errorf("list open positions: %w", err)
		}
		targets = open
	}

	closed := 0
	for i := range targets {
		pos := &targets[i]
		closePrice := e.oracle.CurrentPrice(ctx, pos.Symbol)
		done, err := e.store.ClosePosition(ctx, pos.ID, model.Closure{
			Status:     model.StatusClosed,
			Result:     model.ResultForcedClose,
			ClosePrice: &closePrice,
			Payout:     decimal.Zero,
			ClosedAt:   e.now(),
		})
		if err != nil {
			if !errors.Is(err, store.ErrStateConflict) {
				slog.Error("force close failed", "position_id", pos.ID, "err", err)
			}
			continue
		}
		e.sched.Cancel(pos.ID)
		e.creditOwner(ctx, done)
		metrics.PositionsClosed.WithLabelValues("force", string(done.Result)).Inc()
		e.events.Publish(ctx, events.FromPosition(events.PositionForceClosed, done))
		closed++
	}

	slog.Info("positions force closed", "requested", positionID, "closed", closed)
	return closed, nil
}

// --- Orphan copies ---

// ResolveOrphanCopy closes a copy whose source did not mirror onto it. If
// the source closed by expiry the copy inherits that outcome; otherwise the
// stake is refunded with result forced_close.
func (e *Engine) ResolveOrphanCopy(ctx context.Context, positionID string) (*model.Position, error) {
	cp, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, mapStoreErr(err, "position "+positionID)
	}
	if !cp.IsCopy {
		return nil, fmt.Errorf("%w: position %s is not a copy", ErrValidation, cp.ID)
	}
	if !cp.IsOpen() {
		return nil, fmt.Errorf("%w: position %s is %s", ErrInvalidState, cp.ID, cp.Status)
	}
	return e.resolveCopy(ctx, cp)
}

// ResolveExpiredCopy is the sweep's entry point for copies left open past
// the grace window.
func (e *Engine) ResolveExpiredCopy(ctx context.Context, positionID string) bool {
	_, err := e.ResolveOrphanCopy(ctx, positionID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotFound):
		slog.Debug("orphan copy not resolved", "position_id", positionID, "err", err)
	default:
		slog.Error("orphan copy resolution failed", "position_id", positionID, "err", err)
	}
	return false
}

func (e *Engine) resolveCopy(ctx context.Context, cp *model.Position) (*model.Position, error) {
	if e.fanout == nil {
		return nil, fmt.Errorf("%w: copy trading is not configured", ErrInvalidState)
	}

	now := e.now()
	out := copytrade.Outcome{Result: model.ResultForcedClose, Payout: decimal.Zero, ClosedAt: now}

	src, err := e.store.GetPosition(ctx, cp.SourcePositionID)
	switch {
	case err == nil && src.IsOpen():
		return nil, fmt.Errorf("%w: source position %s is still open", ErrInvalidState, src.ID)
	// A reversed source carries the flipped direction; only an expiry
	// settlement is inherited.
	case err == nil && src.Direction == cp.Direction &&
		(src.Result == model.ResultWin || src.Result == model.ResultLoss):
		out.Result = src.Result
		out.Payout = src.Payout
		out.ClosePrice = derefPrice(src.ClosePrice)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("load source position: %w", err)
	}
	if out.ClosePrice.IsZero() {
		out.ClosePrice = e.oracle.CurrentPrice(ctx, cp.Symbol)
	}

	done, err := e.fanout.SettleCopy(ctx, cp, out)
	if err != nil {
		return nil, mapStoreErr(err, "position "+cp.ID)
	}

	slog.Info("orphan copy resolved",
		"position_id", done.ID,
		"source_position_id", cp.SourcePositionID,
		"result", done.Result,
	)
	e.events.Publish(ctx, events.FromPosition(events.PositionSettled, done))
	return done, nil
}

// --- Helpers ---

func (e *Engine) ownedOpenPosition(ctx context.Context, ownerID, positionID string) (*model.Position, error) {
	pos, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, mapStoreErr(err, "position "+positionID)
	}
	if pos.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: position %s belongs to another account", ErrForbidden, pos.ID)
	}
	if !pos.IsOpen() {
		return nil, fmt.Errorf("%w: position %s is %s", ErrInvalidState, pos.ID, pos.Status)
	}
	return pos, nil
}

// creditOwner returns the stake and payout owed for a closed position. The
// transition has already committed, so a failed credit is logged for
// reconciliation rather than returned.
func (e *Engine) creditOwner(ctx context.Context, p *model.Position) {
	amount := credit(p.Result, p.Stake, p.Payout)
	if !amount.IsPositive() {
		return
	}
	if _, err := e.ledger.Credit(ctx, p.OwnerID, p.Denomination, amount); err != nil {
		slog.Error("owner credit failed",
			"position_id", p.ID,
			"owner_id", p.OwnerID,
			"amount", amount.String(),
			"err", err,
		)
	}
}

func derefPrice(p *decimal.Decimal) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return *p
}

func mapStoreErr(err error, what string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case errors.Is(err, store.ErrStateConflict):
		return fmt.Errorf("%w: %s", ErrInvalidState, what)
	default:
		return err
	}
}

func mapLedgerErr(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case errors.Is(err, ledger.ErrAccountNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	default:
		return err
	}
}
