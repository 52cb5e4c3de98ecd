package paymentclient

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrUnsupportedEvent = errors.New("unsupported webhook event")
)

// Normalized event types returned by VerifyAndParseWebhook.
const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
)

// WebhookEvent is a verified webhook reduced to the fields the ledger needs.
type WebhookEvent struct {
	EventID       string
	EventType     string
	OrderID       string
	PaymentID     string
	Amount        int64
	Currency      string
	FailureReason string
	OccurredAt    time.Time
}

type webhookEnvelope struct {
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment *struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
		Order *struct {
			Entity struct {
				ID       string `json:"id"`
				Amount   int64  `json:"amount"`
				Currency string `json:"currency"`
			} `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID               string  `json:"id"`
	OrderID          string  `json:"order_id"`
	Amount           int64   `json:"amount"`
	Currency         string  `json:"currency"`
	Status           string  `json:"status"`
	ErrorCode        *string `json:"error_code"`
	ErrorDescription *string `json:"error_description"`
}

// Sign returns the hex HMAC-SHA256 of body under secret, the format the provider sends
// in the X-Razorpay-Signature header.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against the raw body in constant time.
func (c *Client) VerifySignature(rawBody []byte, signature string) bool {
	secret := c.WebhookSecret
	provided := strings.ToLower(strings.TrimSpace(signature))
	if secret == "" || provided == "" {
		return false
	}
	return hmac.Equal([]byte(provided), []byte(Sign(secret, rawBody)))
}

// VerifyAndParseWebhook authenticates a delivery and normalizes it. Nothing is parsed
// before the signature has been checked.
func (c *Client) VerifyAndParseWebhook(rawBody []byte, signature string) (*WebhookEvent, error) {
	if !c.VerifySignature(rawBody, signature) {
		return nil, ErrInvalidSignature
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	event := &WebhookEvent{}
	if envelope.CreatedAt > 0 {
		event.OccurredAt = time.Unix(envelope.CreatedAt, 0).UTC()
	}

	switch envelope.Event {
	case "payment.captured", "order.paid":
		event.EventType = EventPaymentCaptured
	case "payment.failed":
		event.EventType = EventPaymentFailed
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, envelope.Event)
	}

	if payment := envelope.Payload.Payment; payment != nil {
		event.PaymentID = payment.Entity.ID
		event.OrderID = payment.Entity.OrderID
		event.Amount = payment.Entity.Amount
		event.Currency = payment.Entity.Currency
		if payment.Entity.ErrorDescription != nil {
			event.FailureReason = *payment.Entity.ErrorDescription
		} else if payment.Entity.ErrorCode != nil {
			event.FailureReason = *payment.Entity.ErrorCode
		}
	}
	if order := envelope.Payload.Order; order != nil && event.OrderID == "" {
		event.OrderID = order.Entity.ID
		event.Amount = order.Entity.Amount
		event.Currency = order.Entity.Currency
	}

	if event.OrderID == "" {
		return nil, fmt.Errorf("%w: missing order id", ErrMalformedPayload)
	}
	event.EventID = event.EventType + ":" + event.OrderID + ":" + event.PaymentID
	return event, nil
}
