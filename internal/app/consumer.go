package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/transfa/credit-service/internal/domain"
)

// PaymentEventConsumer applies normalized payment events published on the platform
// exchange. Both paths are idempotent, so redelivery after a nack is safe.
type PaymentEventConsumer struct {
	svc *Service
}

// PaymentEventConsumer returns a consumer bound to this service.
func (s *Service) PaymentEventConsumer() *PaymentEventConsumer {
	return &PaymentEventConsumer{svc: s}
}

// HandleMessage returns true to acknowledge the delivery.
func (c *PaymentEventConsumer) HandleMessage(body []byte) bool {
	var event domain.PaymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Warn().Str("component", "consumer").Err(err).Msg("failed to unmarshal payment event; dropping")
		return true
	}

	event.EventType = normalizePaymentEventType(event.EventType)
	if strings.TrimSpace(event.OrderID) == "" {
		log.Warn().Str("component", "consumer").Str("event_id", event.EventID).Msg("payment event missing order id; dropping")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := c.svc.ApplyPaymentEvent(ctx, event)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedWebhook) {
			log.Warn().Str("component", "consumer").Str("order_id", event.OrderID).Err(err).Msg("unprocessable payment event; dropping")
			return true
		}
		log.Error().Str("component", "consumer").Str("order_id", event.OrderID).Err(err).Msg("payment event processing error")
		return false
	}

	log.Info().Str("component", "consumer").Str("order_id", event.OrderID).Str("event_type", result.EventType).
		Str("outcome", result.Outcome).Msg("payment event processed")
	return true
}

func normalizePaymentEventType(eventType string) string {
	eventType = strings.TrimSpace(strings.ToLower(eventType))
	switch eventType {
	case "payment.captured", "order.paid", "captured", "successful", "success":
		return domain.PaymentEventCaptured
	case "payment.failed", "failed", "failure":
		return domain.PaymentEventFailed
	default:
		return eventType
	}
}
