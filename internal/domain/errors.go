package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrBalanceNotFound      = errors.New("credit balance not found")
	ErrGrantNotFound        = errors.New("bonus grant not found")
	ErrGrantAlreadyExpired  = errors.New("bonus grant already expired")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrInvalidAmount        = errors.New("amount must be a positive integer")
	ErrInvalidBonusSource   = errors.New("invalid bonus source")
	ErrInvalidExpiry        = errors.New("expiry must be in the future")
	ErrInvalidUserID        = errors.New("user id is required")
	ErrPaymentOrderNotFound = errors.New("payment order not found")
	ErrMalformedWebhook     = errors.New("malformed webhook payload")
	ErrPurchaseOutOfRange   = errors.New("purchase credits out of range")
	ErrPaymentProvider      = errors.New("payment provider unavailable")
)

// InsufficientCreditsError carries the amounts needed to explain a rejected deduction.
type InsufficientCreditsError struct {
	UserID    string
	Available int64
	Required  int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for user %s: available %d, required %d", e.UserID, e.Available, e.Required)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}
