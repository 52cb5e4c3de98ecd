package app

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/credit-service/internal/domain"
	"github.com/transfa/credit-service/pkg/paymentclient"
)

func TestPriceInMinorUnits(t *testing.T) {
	tests := []struct {
		name      string
		unitPrice string
		credits   int64
		want      int64
	}{
		{name: "whole paise", unitPrice: "0.50", credits: 999, want: 49950},
		{name: "rounds down", unitPrice: "0.333", credits: 1, want: 33},
		{name: "half rounds up", unitPrice: "0.005", credits: 1, want: 1},
		{name: "large package", unitPrice: "1.25", credits: 10000, want: 1250000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pricing := PurchasePricing{UnitPrice: decimal.RequireFromString(tt.unitPrice)}
			if got := pricing.PriceInMinorUnits(tt.credits); got != tt.want {
				t.Fatalf("PriceInMinorUnits(%d) = %d, want %d", tt.credits, got, tt.want)
			}
		})
	}
}

func newPurchaseHarness(t *testing.T) *testHarness {
	t.Helper()
	h := newTestHarness(t)
	h.svc.cfg.Pricing = PurchasePricing{
		UnitPrice:  decimal.RequireFromString("0.50"),
		Currency:   "INR",
		MinCredits: 100,
		MaxCredits: 10000,
	}
	return h
}

func TestCreatePurchaseOrder(t *testing.T) {
	h := newPurchaseHarness(t)

	order, err := h.svc.CreatePurchaseOrder(context.Background(), "user_buy", 500)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentOrderCreated, order.Status)
	assert.Equal(t, int64(500), order.Credits)
	assert.Equal(t, int64(25000), order.Amount)
	assert.Equal(t, "INR", order.Currency)
	assert.Equal(t, paymentclient.ProviderName, order.Provider)
	assert.Equal(t, "order_1", order.ExternalOrderID)

	require.Len(t, h.payments.requests, 1)
	req := h.payments.requests[0]
	assert.Equal(t, int64(25000), req.Amount)
	assert.Equal(t, "user_buy", req.Notes["user_id"])
	assert.Equal(t, "500", req.Notes["credits"])
	assert.LessOrEqual(t, len(req.Receipt), 40)

	stored := h.repo.order(t, "order_1")
	assert.Equal(t, order.ID, stored.ID)
	assert.Zero(t, h.repo.lockCalls)

	outcome, err := h.svc.HandleCapture(context.Background(), "order_1", "pay_buy")
	require.NoError(t, err)
	assert.Equal(t, int64(500), outcome.CreditsAdded)
}

func TestCreatePurchaseOrderRejectsOutOfRange(t *testing.T) {
	h := newPurchaseHarness(t)

	for _, credits := range []int64{99, 10001} {
		_, err := h.svc.CreatePurchaseOrder(context.Background(), "user_buy", credits)
		require.ErrorIs(t, err, domain.ErrPurchaseOutOfRange)
	}
	_, err := h.svc.CreatePurchaseOrder(context.Background(), "user_buy", 0)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.Empty(t, h.payments.requests)
}

func TestCreatePurchaseOrderProviderFailure(t *testing.T) {
	h := newPurchaseHarness(t)
	h.payments.createErr = &paymentclient.ErrorResponse{StatusCode: 502}

	_, err := h.svc.CreatePurchaseOrder(context.Background(), "user_buy", 200)
	require.ErrorIs(t, err, domain.ErrPaymentProvider)

	var providerErr *paymentclient.ErrorResponse
	assert.True(t, errors.As(err, &providerErr))
	assert.Empty(t, h.repo.orders)
}

func TestCreatePurchaseOrderMisconfiguredPriceIsInternal(t *testing.T) {
	h := newPurchaseHarness(t)
	h.svc.cfg.Pricing.UnitPrice = decimal.Zero

	_, err := h.svc.CreatePurchaseOrder(context.Background(), "user_buy", 200)
	require.ErrorIs(t, err, errPricingMisconfigured)
	assert.NotErrorIs(t, err, domain.ErrInvalidAmount)
	assert.Empty(t, h.payments.requests)
	assert.Empty(t, h.repo.orders)
}
