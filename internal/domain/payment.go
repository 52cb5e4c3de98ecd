package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentOrderStatus is the order state machine: created -> captured | failed.
type PaymentOrderStatus string

const (
	PaymentOrderCreated  PaymentOrderStatus = "created"
	PaymentOrderCaptured PaymentOrderStatus = "captured"
	PaymentOrderFailed   PaymentOrderStatus = "failed"
)

// PaymentOrder tracks a credit purchase with the payment provider.
type PaymentOrder struct {
	ID                  uuid.UUID          `json:"id"`
	UserID              string             `json:"user_id"`
	ExternalOrderID     string             `json:"external_order_id"`
	Status              PaymentOrderStatus `json:"status"`
	Credits             int64              `json:"credits"`
	Amount              int64              `json:"amount"` // minor currency units
	Currency            string             `json:"currency"`
	Provider            string             `json:"provider"`
	ExternalPaymentID   *string            `json:"external_payment_id,omitempty"`
	CreditTransactionID *uuid.UUID         `json:"credit_transaction_id,omitempty"`
	PaidAt              *time.Time         `json:"paid_at,omitempty"`
	FailureReason       *string            `json:"failure_reason,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// Normalized payment event types.
const (
	PaymentEventCaptured = "payment.captured"
	PaymentEventFailed   = "payment.failed"
)

// PaymentEvent is a verified, provider-independent payment notification.
// It is produced by webhook parsing and also consumed from the platform exchange.
type PaymentEvent struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	OrderID       string    `json:"order_id"`
	PaymentID     string    `json:"payment_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	FailureReason string    `json:"failure_reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// CaptureStatus distinguishes a first-time capture from idempotent no-ops.
type CaptureStatus string

const (
	CaptureApplied          CaptureStatus = "applied"
	CaptureAlreadyProcessed CaptureStatus = "already_processed"
	CaptureOrderNotFound    CaptureStatus = "order_not_found"
)

// CaptureOutcome is the result of applying a capture event.
type CaptureOutcome struct {
	Status       CaptureStatus      `json:"status"`
	Order        *PaymentOrder      `json:"order,omitempty"`
	Transaction  *CreditTransaction `json:"transaction,omitempty"`
	CreditsAdded int64              `json:"credits_added"`
}

// FailureStatus distinguishes applied failures from ignored ones.
type FailureStatus string

const (
	FailureApplied       FailureStatus = "applied"
	FailureIgnored       FailureStatus = "ignored"
	FailureOrderNotFound FailureStatus = "order_not_found"
)

// FailureOutcome is the result of applying a failure event.
type FailureOutcome struct {
	Status FailureStatus `json:"status"`
	Order  *PaymentOrder `json:"order,omitempty"`
}

// PurchaseOrderRequest is the DTO for creating a credit purchase order.
type PurchaseOrderRequest struct {
	Credits int64 `json:"credits"`
}

// WebhookResult is what webhook handling reports back to the transport.
type WebhookResult struct {
	EventType string `json:"event_type"`
	Outcome   string `json:"outcome"`
}
