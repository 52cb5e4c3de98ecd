package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/transfa/credit-service/internal/domain"
	"github.com/transfa/credit-service/pkg/paymentclient"
)

var errPricingMisconfigured = errors.New("credit unit price does not yield a positive provider amount")

// minorUnitExponent converts major currency units to the provider's minor units (paise, cents).
const minorUnitExponent = 2

// PriceInMinorUnits prices a credit package, rounding half away from zero to the
// nearest minor unit.
func (p PurchasePricing) PriceInMinorUnits(credits int64) int64 {
	return p.UnitPrice.Mul(decimal.NewFromInt(credits)).Shift(minorUnitExponent).Round(0).IntPart()
}

// CreatePurchaseOrder opens a provider order for a credit package. The provider call is
// made without any ledger lock; the order only credits the user once a capture arrives.
func (s *Service) CreatePurchaseOrder(ctx context.Context, userID string, credits int64) (*domain.PaymentOrder, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}
	if credits <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	pricing := s.cfg.Pricing
	if (pricing.MinCredits > 0 && credits < pricing.MinCredits) || (pricing.MaxCredits > 0 && credits > pricing.MaxCredits) {
		return nil, domain.ErrPurchaseOutOfRange
	}
	if s.payments == nil {
		return nil, domain.ErrPaymentProvider
	}

	amount := pricing.PriceInMinorUnits(credits)
	if amount <= 0 {
		log.Error().Str("component", "ledger").Str("op", "create_purchase_order").
			Str("unit_price", pricing.UnitPrice.String()).Int64("credits", credits).Msg("credit pricing misconfigured")
		return nil, errPricingMisconfigured
	}

	orderID := uuid.New()
	providerOrder, err := s.payments.CreateOrder(ctx, paymentclient.CreateOrderRequest{
		Amount:   amount,
		Currency: pricing.Currency,
		Receipt:  "credits_" + strings.ReplaceAll(orderID.String(), "-", "")[:20],
		Notes: map[string]string{
			"user_id": userID,
			"credits": strconv.FormatInt(credits, 10),
		},
	})
	if err != nil {
		log.Error().Str("component", "ledger").Str("op", "create_purchase_order").Str("user_id", userID).
			Int64("credits", credits).Err(err).Msg("payment provider order creation failed")
		return nil, errors.Join(domain.ErrPaymentProvider, err)
	}

	now := s.now()
	order := &domain.PaymentOrder{
		ID:              orderID,
		UserID:          userID,
		ExternalOrderID: providerOrder.ID,
		Status:          domain.PaymentOrderCreated,
		Credits:         credits,
		Amount:          amount,
		Currency:        pricing.Currency,
		Provider:        s.payments.Name(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.CreatePaymentOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persist payment order: %w", err)
	}

	log.Info().Str("component", "ledger").Str("op", "create_purchase_order").Str("user_id", userID).
		Int64("credits", credits).Int64("amount", amount).Str("external_order_id", order.ExternalOrderID).
		Msg("purchase order created")
	return order, nil
}
