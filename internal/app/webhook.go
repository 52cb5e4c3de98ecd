package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/transfa/credit-service/internal/domain"
	"github.com/transfa/credit-service/internal/store"
	"github.com/transfa/credit-service/pkg/paymentclient"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Webhook outcomes reported to the transport.
const (
	WebhookOutcomeApplied          = "applied"
	WebhookOutcomeAlreadyProcessed = "already_processed"
	WebhookOutcomeOrderNotFound    = "order_not_found"
	WebhookOutcomeIgnored          = "ignored"
)

// HandlePaymentWebhook verifies a raw provider delivery and applies it. Signature
// failures are rejected before any storage access.
func (s *Service) HandlePaymentWebhook(ctx context.Context, rawBody []byte, signature string) (*domain.WebhookResult, error) {
	if s.payments == nil {
		return nil, errors.New("payment provider not configured")
	}

	parsed, err := s.payments.VerifyAndParseWebhook(rawBody, signature)
	if err != nil {
		switch {
		case errors.Is(err, paymentclient.ErrInvalidSignature):
			log.Warn().Str("component", "webhook").Msg("rejected webhook with invalid signature")
			return nil, domain.ErrInvalidSignature
		case errors.Is(err, paymentclient.ErrUnsupportedEvent):
			log.Info().Str("component", "webhook").Err(err).Msg("ignoring unsupported webhook event")
			return &domain.WebhookResult{Outcome: WebhookOutcomeIgnored}, nil
		case errors.Is(err, paymentclient.ErrMalformedPayload):
			// Signed by the provider but unprocessable; a retry would carry the same bytes.
			log.Warn().Str("component", "webhook").Err(err).Msg("ignoring signed webhook that cannot be processed")
			return &domain.WebhookResult{Outcome: WebhookOutcomeIgnored}, nil
		}
		return nil, err
	}

	result, err := s.ApplyPaymentEvent(ctx, domain.PaymentEvent{
		EventID:       parsed.EventID,
		EventType:     parsed.EventType,
		OrderID:       parsed.OrderID,
		PaymentID:     parsed.PaymentID,
		Amount:        parsed.Amount,
		Currency:      parsed.Currency,
		FailureReason: parsed.FailureReason,
		OccurredAt:    parsed.OccurredAt,
	})
	if errors.Is(err, domain.ErrMalformedWebhook) {
		log.Warn().Str("component", "webhook").Str("order_id", parsed.OrderID).Err(err).
			Msg("ignoring signed webhook that cannot be processed")
		return &domain.WebhookResult{EventType: parsed.EventType, Outcome: WebhookOutcomeIgnored}, nil
	}
	return result, err
}

// ApplyPaymentEvent routes a verified, normalized event to the capture or failure path.
// The replay cache only short-circuits deliveries that already committed.
func (s *Service) ApplyPaymentEvent(ctx context.Context, event domain.PaymentEvent) (result *domain.WebhookResult, err error) {
	ctx, span := tracer.Start(ctx, "credits.payment_event", trace.WithAttributes(
		attribute.String("event_type", event.EventType),
		attribute.String("order_id", event.OrderID),
	))
	defer func() { finishSpan(span, err) }()

	event.OrderID = strings.TrimSpace(event.OrderID)
	if event.OrderID == "" {
		return nil, fmt.Errorf("%w: missing order id", domain.ErrMalformedWebhook)
	}

	replayKey := webhookReplayKey(event)
	if s.replayCache != nil {
		seen, cacheErr := s.replayCache.Seen(ctx, replayKey)
		if cacheErr != nil {
			log.Warn().Str("component", "webhook").Err(cacheErr).Msg("replay cache lookup failed; falling back to database")
		} else if seen {
			paymentEvents.WithLabelValues(event.EventType, "replay_cache_hit").Inc()
			return &domain.WebhookResult{EventType: event.EventType, Outcome: WebhookOutcomeAlreadyProcessed}, nil
		}
	}

	result = &domain.WebhookResult{EventType: event.EventType}
	switch event.EventType {
	case domain.PaymentEventCaptured:
		outcome, err := s.HandleCapture(ctx, event.OrderID, event.PaymentID)
		if err != nil {
			return nil, err
		}
		result.Outcome = string(outcome.Status)
	case domain.PaymentEventFailed:
		outcome, err := s.HandleFailure(ctx, event.OrderID, event.PaymentID, event.FailureReason)
		if err != nil {
			return nil, err
		}
		result.Outcome = string(outcome.Status)
	default:
		result.Outcome = WebhookOutcomeIgnored
	}
	paymentEvents.WithLabelValues(event.EventType, result.Outcome).Inc()

	if s.replayCache != nil && result.Outcome != WebhookOutcomeOrderNotFound && result.Outcome != WebhookOutcomeIgnored {
		if cacheErr := s.replayCache.Remember(ctx, replayKey); cacheErr != nil {
			log.Warn().Str("component", "webhook").Err(cacheErr).Msg("failed to remember processed webhook")
		}
	}
	return result, nil
}

// HandleCapture credits the order's credits exactly once. Duplicate deliveries return
// CaptureAlreadyProcessed; unknown orders are acknowledged with CaptureOrderNotFound.
// A failed order is still captured so a successful payment retry is credited once.
func (s *Service) HandleCapture(ctx context.Context, externalOrderID string, paymentID string) (*domain.CaptureOutcome, error) {
	order, err := s.repo.FindPaymentOrderByExternalID(ctx, externalOrderID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentOrderNotFound) {
			log.Info().Str("component", "webhook").Str("order_id", externalOrderID).
				Msg("no payment order found for capture; acknowledging")
			return &domain.CaptureOutcome{Status: domain.CaptureOrderNotFound}, nil
		}
		return nil, fmt.Errorf("lookup payment order: %w", err)
	}
	if order.Status == domain.PaymentOrderCaptured {
		return &domain.CaptureOutcome{Status: domain.CaptureAlreadyProcessed, Order: order}, nil
	}

	outcome := &domain.CaptureOutcome{Status: domain.CaptureApplied}
	var after domain.UserCreditBalance
	err = s.repo.WithLockedBalance(ctx, order.UserID, func(ctx context.Context, tx store.LockedTx) error {
		locked, err := tx.LockPaymentOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		// A concurrent delivery may have captured it between the read above and the lock.
		if locked.Status == domain.PaymentOrderCaptured {
			outcome.Status = domain.CaptureAlreadyProcessed
			outcome.Order = locked
			return nil
		}

		balance := tx.Balance()
		balance.Balance += locked.Credits
		balance.LifetimeCreditsReceived += locked.Credits
		if err := tx.SaveBalance(ctx, balance); err != nil {
			return err
		}

		now := s.now()
		txn := &domain.CreditTransaction{
			ID:          uuid.New(),
			UserID:      locked.UserID,
			Type:        domain.TransactionTypePurchase,
			Amount:      locked.Credits,
			Description: fmt.Sprintf("Purchased %d credits", locked.Credits),
			Provider:    optionalString(locked.Provider),
			Metadata: marshalMetadata(map[string]any{
				"order_id":          locked.ID,
				"external_order_id": locked.ExternalOrderID,
				"payment_id":        paymentID,
				"amount":            locked.Amount,
				"currency":          locked.Currency,
			}),
			CreatedAt: now,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		if err := tx.MarkPaymentOrderCaptured(ctx, locked.ID, paymentID, txn.ID, now); err != nil {
			return err
		}

		locked.Status = domain.PaymentOrderCaptured
		locked.ExternalPaymentID = optionalString(paymentID)
		locked.CreditTransactionID = &txn.ID
		locked.PaidAt = &now
		locked.FailureReason = nil
		outcome.Order = locked
		outcome.Transaction = txn
		outcome.CreditsAdded = locked.Credits
		after = tx.Balance()
		return nil
	})
	if err != nil {
		log.Error().Str("component", "webhook").Str("order_id", externalOrderID).Err(err).Msg("capture failed")
		return nil, fmt.Errorf("apply capture: %w", mapStoreError(err))
	}
	if outcome.Status != domain.CaptureApplied {
		return outcome, nil
	}

	log.Info().Str("component", "webhook").Str("order_id", externalOrderID).Str("user_id", order.UserID).
		Int64("credits", outcome.CreditsAdded).Str("transaction_id", outcome.Transaction.ID.String()).
		Msg("payment captured; credits added")

	txID := outcome.Transaction.ID
	s.publishEvent(ctx, LedgerEvent{
		EventType:     RoutingKeyCreditsPurchased,
		UserID:        order.UserID,
		Amount:        outcome.CreditsAdded,
		RegularAmount: outcome.CreditsAdded,
		TransactionID: &txID,
		OrderID:       externalOrderID,
		Balance:       after.Balance,
		BonusBalance:  after.BonusBalance,
	})
	return outcome, nil
}

// HandleFailure marks a still-open order as failed. Captured orders are never downgraded.
func (s *Service) HandleFailure(ctx context.Context, externalOrderID string, paymentID string, reason string) (*domain.FailureOutcome, error) {
	order, err := s.repo.FindPaymentOrderByExternalID(ctx, externalOrderID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentOrderNotFound) {
			log.Info().Str("component", "webhook").Str("order_id", externalOrderID).
				Msg("no payment order found for failure; acknowledging")
			return &domain.FailureOutcome{Status: domain.FailureOrderNotFound}, nil
		}
		return nil, fmt.Errorf("lookup payment order: %w", err)
	}
	if order.Status != domain.PaymentOrderCreated {
		return &domain.FailureOutcome{Status: domain.FailureIgnored, Order: order}, nil
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "payment failed"
	}
	updated, err := s.repo.MarkPaymentOrderFailed(ctx, order.ID, paymentID, reason)
	if err != nil {
		return nil, fmt.Errorf("mark payment order failed: %w", err)
	}
	if !updated {
		// Lost the race to a capture or another failure delivery.
		return &domain.FailureOutcome{Status: domain.FailureIgnored, Order: order}, nil
	}

	order.Status = domain.PaymentOrderFailed
	order.FailureReason = &reason
	if paymentID != "" {
		order.ExternalPaymentID = &paymentID
	}
	log.Info().Str("component", "webhook").Str("order_id", externalOrderID).Str("user_id", order.UserID).
		Str("reason", reason).Msg("payment order marked failed")
	return &domain.FailureOutcome{Status: domain.FailureApplied, Order: order}, nil
}
