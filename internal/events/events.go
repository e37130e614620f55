// Package events publishes position lifecycle events to live subscribers
// (WebSocket) and downstream consumers (Kafka).
//
// Publishing is best effort. A failed or dropped event is logged and never
// fails the trade that produced it.
package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradepro/options-engine/internal/model"
)

// Event types.
const (
	PositionOpened      = "position.opened"
	PositionSettled     = "position.settled"
	PositionReversed    = "position.reversed"
	PositionCancelled   = "position.cancelled"
	PositionForceClosed = "position.force_closed"
)

// Event is one position state change.
type Event struct {
	Type             string           `json:"type"`
	PositionID       string           `json:"position_id"`
	OwnerID          string           `json:"owner_id"`
	Symbol           string           `json:"symbol"`
	Denomination     string           `json:"denomination"`
	Direction        string           `json:"direction"`
	Stake            decimal.Decimal  `json:"stake"`
	OpenPrice        decimal.Decimal  `json:"open_price"`
	ClosePrice       *decimal.Decimal `json:"close_price,omitempty"`
	Status           string           `json:"status"`
	Result           string           `json:"result,omitempty"`
	Payout           decimal.Decimal  `json:"payout"`
	IsCopy           bool             `json:"is_copy"`
	SourcePositionID string           `json:"source_position_id,omitempty"`
	At               time.Time        `json:"at"`
}

// FromPosition builds an event of type typ describing p.
func FromPosition(typ string, p *model.Position) Event {
	at := p.CreatedAt
	if p.ClosedAt != nil {
		at = *p.ClosedAt
	}
	return Event{
		Type:             typ,
		PositionID:       p.ID,
		OwnerID:          p.OwnerID,
		Symbol:           p.Symbol,
		Denomination:     string(p.Denomination),
		Direction:        string(p.Direction),
		Stake:            p.Stake,
		OpenPrice:        p.OpenPrice,
		ClosePrice:       p.ClosePrice,
		Status:           string(p.Status),
		Result:           string(p.Result),
		Payout:           p.Payout,
		IsCopy:           p.IsCopy,
		SourcePositionID: p.SourcePositionID,
		At:               at,
	}
}

// Publisher delivers events. Implementations must not block the caller
// for long and must not fail it.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Multi fans each event out to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, e)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
