package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Routing keys for events published on the credit events exchange.
const (
	RoutingKeyCreditsDeducted     = "credits.deducted"
	RoutingKeyCreditsGranted      = "credits.granted"
	RoutingKeyCreditsPurchased    = "credits.purchased"
	RoutingKeyCreditsBonusExpired = "credits.bonus_expired"
)

// LedgerEvent is the payload published after a committed ledger mutation.
type LedgerEvent struct {
	EventID       uuid.UUID  `json:"event_id"`
	EventType     string     `json:"event_type"`
	UserID        string     `json:"user_id"`
	Amount        int64      `json:"amount"`
	BonusAmount   int64      `json:"bonus_amount,omitempty"`
	RegularAmount int64      `json:"regular_amount,omitempty"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
	GrantID       *uuid.UUID `json:"grant_id,omitempty"`
	OrderID       string     `json:"order_id,omitempty"`
	Source        string     `json:"source,omitempty"`
	Balance       int64      `json:"balance"`
	BonusBalance  int64      `json:"bonus_balance"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// publishEvent is called after commit. A failed publish is logged and never undoes the
// ledger write.
func (s *Service) publishEvent(ctx context.Context, event LedgerEvent) {
	event.EventID = uuid.New()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()

	if err := s.eventProducer.Publish(pubCtx, s.cfg.CreditEventsExchange, event.EventType, event); err != nil {
		log.Warn().Str("component", "ledger").Str("routing_key", event.EventType).Str("user_id", event.UserID).
			Err(err).Msg("ledger event publish failed")
	}
}
