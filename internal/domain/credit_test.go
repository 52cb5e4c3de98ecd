package domain

import (
	"errors"
	"testing"
	"time"
)

func TestParseBonusSource(t *testing.T) {
	tests := []struct {
		raw     string
		want    BonusSource
		wantErr bool
	}{
		{raw: "promotional", want: BonusSourcePromotional},
		{raw: " Signup_Bonus ", want: BonusSourceSignupBonus},
		{raw: "admin_grant", want: BonusSourceAdminGrant},
		{raw: "", wantErr: true},
		{raw: "cashback", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseBonusSource(tt.raw)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidBonusSource) {
				t.Errorf("ParseBonusSource(%q) error = %v, want ErrInvalidBonusSource", tt.raw, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseBonusSource(%q) = %q, %v; want %q", tt.raw, got, err, tt.want)
		}
	}
}

func TestAvailableSubtractsReserved(t *testing.T) {
	b := UserCreditBalance{Balance: 10, BonusBalance: 5, ReservedBalance: 3}
	if got := b.Available(); got != 12 {
		t.Fatalf("Available() = %d, want 12", got)
	}
}

func TestPastExpiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	before := now.Add(-time.Second)

	if (BonusCreditGrant{}).PastExpiry(now) {
		t.Fatal("grant without expiry must never be past expiry")
	}
	if !(BonusCreditGrant{ExpiresAt: &before}).PastExpiry(now) {
		t.Fatal("expected grant to be past expiry")
	}
	if (BonusCreditGrant{ExpiresAt: &now}).PastExpiry(now) {
		t.Fatal("expiry equal to now is not yet past")
	}
}

func TestInsufficientCreditsErrorUnwraps(t *testing.T) {
	var err error = &InsufficientCreditsError{UserID: "user_1", Available: 4, Required: 9}
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatal("expected errors.Is to match ErrInsufficientCredits")
	}
	var typed *InsufficientCreditsError
	if !errors.As(err, &typed) || typed.Required != 9 {
		t.Fatalf("errors.As failed: %v", err)
	}
}
