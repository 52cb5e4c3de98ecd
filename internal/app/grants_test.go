package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/credit-service/internal/domain"
)

func TestGrantValidation(t *testing.T) {
	h := newTestHarness(t)
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		amount int64
		source domain.BonusSource
		opts   domain.GrantOptions
		want   error
	}{
		{name: "zero amount", amount: 0, source: domain.BonusSourcePromotional, want: domain.ErrInvalidAmount},
		{name: "unknown source", amount: 5, source: "lottery", want: domain.ErrInvalidBonusSource},
		{name: "expiry in the past", amount: 5, source: domain.BonusSourceTrial, opts: domain.GrantOptions{ExpiresAt: &past}, want: domain.ErrInvalidExpiry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Grant(context.Background(), "user_g", tt.amount, tt.source, tt.opts)
			require.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, h.repo.lockCalls)
}

func TestGrantRecordsLedgerEntry(t *testing.T) {
	h := newTestHarness(t)
	expires := h.clock.Now().Add(30 * 24 * time.Hour)

	grant, err := h.svc.Grant(context.Background(), "user_g", 40, " Referral ", domain.GrantOptions{
		Description: "Referral reward",
		CampaignID:  "spring-26",
		GrantedBy:   "admin_7",
		ExpiresAt:   &expires,
		Metadata:    map[string]any{"referrer": "user_x"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BonusSourceReferral, grant.Source)
	assert.Equal(t, int64(40), grant.OriginalAmount)
	assert.Equal(t, int64(40), grant.RemainingAmount)
	require.NotNil(t, grant.ExpiresAt)
	assert.True(t, grant.ExpiresAt.Equal(expires))

	balance := h.repo.balance(t, "user_g")
	assert.Equal(t, int64(40), balance.BonusBalance)
	assert.Equal(t, int64(40), balance.LifetimeCreditsReceived)

	txns := h.repo.userTransactions("user_g")
	require.Len(t, txns, 1)
	assert.Equal(t, domain.TransactionTypeAdminGrant, txns[0].Type)
	assert.Equal(t, int64(40), txns[0].Amount)
	assert.Equal(t, "Referral reward", txns[0].Description)
	fields := metadataOf(t, txns[0])
	assert.Equal(t, grant.ID.String(), fields["grant_id"])
	assert.Equal(t, "spring-26", fields["campaign_id"])
}

func TestManualExpireForfeitsRemainder(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	grant, err := h.svc.Grant(ctx, "user_m", 30, domain.BonusSourceCompensation, domain.GrantOptions{})
	require.NoError(t, err)
	_, err = h.svc.Deduct(ctx, "user_m", 12, "usage", domain.DeductionContext{})
	require.NoError(t, err)

	result, err := h.svc.ManualExpireBonus(ctx, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(18), result.AmountForfeited)
	assert.Equal(t, "user_m", result.UserID)

	stored := h.repo.grant(t, grant.ID)
	assert.True(t, stored.IsExpired)
	assert.Equal(t, int64(18), stored.RemainingAmount)
	assert.Equal(t, int64(0), h.repo.balance(t, "user_m").BonusBalance)

	txns := h.repo.userTransactions("user_m")
	last := txns[len(txns)-1]
	assert.Equal(t, domain.TransactionTypeUsage, last.Type)
	assert.Equal(t, int64(0), last.Amount)
	fields := metadataOf(t, last)
	assert.EqualValues(t, 18, fields["expired_amount"])
	assert.Equal(t, "manual", fields["reason"])

	_, err = h.svc.ManualExpireBonus(ctx, grant.ID)
	require.ErrorIs(t, err, domain.ErrGrantAlreadyExpired)
	assert.Equal(t, int64(0), h.repo.balance(t, "user_m").BonusBalance)
	assert.Len(t, h.repo.userTransactions("user_m"), len(txns))
}

func TestManualExpireUnknownGrant(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.svc.ManualExpireBonus(context.Background(), uuid.New())
	if !errors.Is(err, domain.ErrGrantNotFound) {
		t.Fatalf("expected ErrGrantNotFound, got %v", err)
	}
}

func TestManualExpireClampsDriftedBonusBalance(t *testing.T) {
	h := newTestHarness(t)
	grant, err := h.svc.Grant(context.Background(), "user_c", 20, domain.BonusSourceTrial, domain.GrantOptions{})
	require.NoError(t, err)

	balance := h.repo.balance(t, "user_c")
	balance.BonusBalance = 8
	h.repo.seedBalance(balance)

	result, err := h.svc.ManualExpireBonus(context.Background(), grant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), result.AmountForfeited)
	assert.Equal(t, int64(0), h.repo.balance(t, "user_c").BonusBalance)
}

func TestListGrantsNewestFirst(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	first, err := h.svc.Grant(ctx, "user_l", 5, domain.BonusSourcePromotional, domain.GrantOptions{})
	require.NoError(t, err)
	second, err := h.svc.Grant(ctx, "user_l", 7, domain.BonusSourceLoyalty, domain.GrantOptions{})
	require.NoError(t, err)
	_, err = h.svc.ManualExpireBonus(ctx, first.ID)
	require.NoError(t, err)

	active, err := h.svc.ListGrants(ctx, "user_l", false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)

	all, err := h.svc.ListGrants(ctx, "user_l", true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)
	assert.Equal(t, first.ID, all[1].ID)

	none, err := h.svc.ListGrants(ctx, "user_nobody", true)
	require.NoError(t, err)
	assert.NotNil(t, none)
}
