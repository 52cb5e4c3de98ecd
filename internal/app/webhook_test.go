package app

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/credit-service/internal/domain"
	"github.com/transfa/credit-service/pkg/paymentclient"
)

func capturedWebhook(orderID, paymentID string) []byte {
	return []byte(fmt.Sprintf(`{"event":"payment.captured","created_at":1767225600,"payload":{"payment":{"entity":{"id":%q,"order_id":%q,"amount":50000,"currency":"INR","status":"captured"}}}}`, paymentID, orderID))
}

func failedWebhook(orderID, paymentID string) []byte {
	return []byte(fmt.Sprintf(`{"event":"payment.failed","payload":{"payment":{"entity":{"id":%q,"order_id":%q,"amount":50000,"currency":"INR","status":"failed","error_description":"card declined"}}}}`, paymentID, orderID))
}

func TestCaptureCreditsExactlyOnce(t *testing.T) {
	h := newTestHarness(t)
	h.addOrder("user_p", "order_once", 500)
	body := capturedWebhook("order_once", "pay_1")
	signature := paymentclient.Sign(testWebhookSecret, body)

	first, err := h.svc.HandlePaymentWebhook(context.Background(), body, signature)
	require.NoError(t, err)
	assert.Equal(t, WebhookOutcomeApplied, first.Outcome)

	for i := 0; i < 3; i++ {
		again, err := h.svc.HandlePaymentWebhook(context.Background(), body, signature)
		require.NoError(t, err)
		assert.Equal(t, WebhookOutcomeAlreadyProcessed, again.Outcome)
	}

	balance := h.repo.balance(t, "user_p")
	assert.Equal(t, int64(500), balance.Balance)
	assert.Equal(t, int64(500), balance.LifetimeCreditsReceived)

	txns := h.repo.userTransactions("user_p")
	require.Len(t, txns, 1)
	assert.Equal(t, domain.TransactionTypePurchase, txns[0].Type)
	assert.Equal(t, int64(500), txns[0].Amount)

	order := h.repo.order(t, "order_once")
	assert.Equal(t, domain.PaymentOrderCaptured, order.Status)
	require.NotNil(t, order.CreditTransactionID)
	assert.Equal(t, txns[0].ID, *order.CreditTransactionID)
	require.NotNil(t, order.ExternalPaymentID)
	assert.Equal(t, "pay_1", *order.ExternalPaymentID)
	assert.Equal(t, []string{RoutingKeyCreditsPurchased}, h.publisher.routingKeys())
}

func TestConcurrentCapturesApplyOnce(t *testing.T) {
	h := newTestHarness(t)
	h.addOrder("user_cc", "order_cc", 80)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := h.svc.HandleCapture(context.Background(), "order_cc", "pay_cc")
			if err != nil {
				t.Errorf("capture: %v", err)
				return
			}
			if outcome.Status == domain.CaptureApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(80), h.repo.balance(t, "user_cc").Balance)
	assert.Len(t, h.repo.userTransactions("user_cc"), 1)
}

func TestWebhookRejectsBadSignatureBeforeStorage(t *testing.T) {
	h := newTestHarness(t)
	h.addOrder("user_sig", "order_sig", 10)
	body := capturedWebhook("order_sig", "pay_sig")

	_, err := h.svc.HandlePaymentWebhook(context.Background(), body, paymentclient.Sign("wrong-secret", body))
	require.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = h.svc.HandlePaymentWebhook(context.Background(), body, "")
	require.ErrorIs(t, err, domain.ErrInvalidSignature)

	assert.Zero(t, h.repo.orderReads)
	assert.Zero(t, h.repo.lockCalls)
	assert.Equal(t, domain.PaymentOrderCreated, h.repo.order(t, "order_sig").Status)
}

func TestWebhookMalformedAndUnsupported(t *testing.T) {
	h := newTestHarness(t)

	for _, raw := range []string{
		`{"event":"payment.captured","payload":{}}`,
		`{"event":"payment.captured"`,
		`{"event":"refund.created","payload":{}}`,
	} {
		body := []byte(raw)
		result, err := h.svc.HandlePaymentWebhook(context.Background(), body, paymentclient.Sign(testWebhookSecret, body))
		require.NoError(t, err, raw)
		assert.Equal(t, WebhookOutcomeIgnored, result.Outcome, raw)
	}
	assert.Zero(t, h.repo.orderReads)
	assert.Zero(t, h.repo.lockCalls)
}

func TestCaptureForUnknownOrderIsAcknowledged(t *testing.T) {
	h := newTestHarness(t)
	body := capturedWebhook("order_missing", "pay_x")

	result, err := h.svc.HandlePaymentWebhook(context.Background(), body, paymentclient.Sign(testWebhookSecret, body))
	require.NoError(t, err)
	assert.Equal(t, WebhookOutcomeOrderNotFound, result.Outcome)
	assert.Zero(t, h.repo.lockCalls)
}

func TestFailureTransitions(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	h.addOrder("user_ft", "order_fail", 50)
	h.addOrder("user_ft", "order_paid", 70)

	body := failedWebhook("order_fail", "pay_f")
	result, err := h.svc.HandlePaymentWebhook(ctx, body, paymentclient.Sign(testWebhookSecret, body))
	require.NoError(t, err)
	assert.Equal(t, WebhookOutcomeApplied, result.Outcome)

	order := h.repo.order(t, "order_fail")
	assert.Equal(t, domain.PaymentOrderFailed, order.Status)
	require.NotNil(t, order.FailureReason)
	assert.Equal(t, "card declined", *order.FailureReason)

	again, err := h.svc.HandleFailure(ctx, "order_fail", "pay_f", "card declined")
	require.NoError(t, err)
	assert.Equal(t, domain.FailureIgnored, again.Status)

	_, err = h.svc.HandleCapture(ctx, "order_paid", "pay_ok")
	require.NoError(t, err)
	late, err := h.svc.HandleFailure(ctx, "order_paid", "pay_late", "timeout")
	require.NoError(t, err)
	assert.Equal(t, domain.FailureIgnored, late.Status)
	assert.Equal(t, domain.PaymentOrderCaptured, h.repo.order(t, "order_paid").Status)

	missing, err := h.svc.HandleFailure(ctx, "order_nope", "", "")
	require.NoError(t, err)
	assert.Equal(t, domain.FailureOrderNotFound, missing.Status)
}

func TestCaptureAfterFailureCredits(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	h.addOrder("user_retry", "order_retry", 40)

	_, err := h.svc.HandleFailure(ctx, "order_retry", "pay_1", "insufficient funds")
	require.NoError(t, err)

	outcome, err := h.svc.HandleCapture(ctx, "order_retry", "pay_2")
	require.NoError(t, err)
	assert.Equal(t, domain.CaptureApplied, outcome.Status)
	assert.Equal(t, int64(40), outcome.CreditsAdded)

	order := h.repo.order(t, "order_retry")
	assert.Equal(t, domain.PaymentOrderCaptured, order.Status)
	assert.Nil(t, order.FailureReason)
	assert.Equal(t, int64(40), h.repo.balance(t, "user_retry").Balance)
}

func TestReplayCacheShortCircuitsCommittedDeliveries(t *testing.T) {
	h := newTestHarness(t)
	cache := newMemoryReplayCache()
	h.svc.SetWebhookReplayCache(cache)
	h.addOrder("user_rc", "order_rc", 25)

	event := domain.PaymentEvent{EventType: domain.PaymentEventCaptured, OrderID: "order_rc", PaymentID: "pay_rc"}
	result, err := h.svc.ApplyPaymentEvent(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, WebhookOutcomeApplied, result.Outcome)
	assert.True(t, cache.keys[webhookReplayKey(event)])
	reads := h.repo.orderReads

	result, err = h.svc.ApplyPaymentEvent(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, WebhookOutcomeAlreadyProcessed, result.Outcome)
	assert.Equal(t, reads, h.repo.orderReads)

	unknown := domain.PaymentEvent{EventType: domain.PaymentEventCaptured, OrderID: "order_later", PaymentID: "pay_l"}
	result, err = h.svc.ApplyPaymentEvent(context.Background(), unknown)
	require.NoError(t, err)
	assert.Equal(t, WebhookOutcomeOrderNotFound, result.Outcome)
	assert.False(t, cache.keys[webhookReplayKey(unknown)])
}

func TestApplyPaymentEventRequiresOrderID(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.svc.ApplyPaymentEvent(context.Background(), domain.PaymentEvent{EventType: domain.PaymentEventCaptured, OrderID: " "})
	require.ErrorIs(t, err, domain.ErrMalformedWebhook)
}
