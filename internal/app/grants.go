package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/transfa/credit-service/internal/domain"
	"github.com/transfa/credit-service/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	retireReasonManual  = "manual"
	retireReasonExpired = "expired"
)

// Grant issues a bonus grant and credits it to the user's bonus balance.
func (s *Service) Grant(ctx context.Context, userID string, amount int64, source domain.BonusSource, opts domain.GrantOptions) (grant *domain.BonusCreditGrant, err error) {
	ctx, span := tracer.Start(ctx, "credits.grant", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.Int64("amount", amount),
		attribute.String("source", string(source)),
	))
	defer func() { finishSpan(span, err) }()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	source, err = domain.ParseBonusSource(string(source))
	if err != nil {
		return nil, err
	}
	now := s.now()
	var expiresAt *time.Time
	if opts.ExpiresAt != nil {
		if !opts.ExpiresAt.After(now) {
			return nil, domain.ErrInvalidExpiry
		}
		utc := opts.ExpiresAt.UTC()
		expiresAt = &utc
	}

	var txnID uuid.UUID
	var after domain.UserCreditBalance
	err = s.repo.WithLockedBalance(ctx, userID, func(ctx context.Context, tx store.LockedTx) error {
		grant = &domain.BonusCreditGrant{
			ID:              uuid.New(),
			UserID:          userID,
			OriginalAmount:  amount,
			RemainingAmount: amount,
			Source:          source,
			Description:     optionalString(opts.Description),
			CampaignID:      optionalString(opts.CampaignID),
			GrantedBy:       optionalString(opts.GrantedBy),
			Metadata:        marshalMetadata(opts.Metadata),
			ExpiresAt:       expiresAt,
			CreatedAt:       now,
		}
		if err := tx.InsertGrant(ctx, grant); err != nil {
			return err
		}

		balance := tx.Balance()
		balance.BonusBalance += amount
		balance.LifetimeCreditsReceived += amount
		if err := tx.SaveBalance(ctx, balance); err != nil {
			return err
		}

		description := strings.TrimSpace(opts.Description)
		if description == "" {
			description = fmt.Sprintf("Bonus credits (%s)", source)
		}
		metadata := map[string]any{
			"grant_id": grant.ID,
			"source":   source,
		}
		if opts.CampaignID != "" {
			metadata["campaign_id"] = opts.CampaignID
		}
		if expiresAt != nil {
			metadata["expires_at"] = expiresAt.Format(time.RFC3339)
		}
		txn := &domain.CreditTransaction{
			ID:          uuid.New(),
			UserID:      userID,
			Type:        domain.TransactionTypeAdminGrant,
			Amount:      amount,
			Description: description,
			Metadata:    marshalMetadata(metadata),
			CreatedAt:   now,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		txnID = txn.ID
		after = tx.Balance()
		return nil
	})
	if err != nil {
		log.Error().Str("component", "ledger").Str("op", "grant").Str("user_id", userID).
			Int64("amount", amount).Err(err).Msg("grant failed")
		return nil, fmt.Errorf("grant bonus credits: %w", mapStoreError(err))
	}

	creditsGranted.WithLabelValues(string(source)).Add(float64(amount))
	log.Info().Str("component", "ledger").Str("op", "grant").Str("user_id", userID).
		Str("grant_id", grant.ID.String()).Int64("amount", amount).Str("source", string(source)).
		Msg("bonus credits granted")

	grantID := grant.ID
	s.publishEvent(ctx, LedgerEvent{
		EventType:     RoutingKeyCreditsGranted,
		UserID:        userID,
		Amount:        amount,
		BonusAmount:   amount,
		TransactionID: &txnID,
		GrantID:       &grantID,
		Source:        string(source),
		Balance:       after.Balance,
		BonusBalance:  after.BonusBalance,
	})
	return grant, nil
}

// ManualExpireBonus retires a grant ahead of its expiry and returns what was forfeited.
func (s *Service) ManualExpireBonus(ctx context.Context, grantID uuid.UUID) (result *domain.ExpireResult, err error) {
	ctx, span := tracer.Start(ctx, "credits.expire_manual", trace.WithAttributes(
		attribute.String("grant_id", grantID.String()),
	))
	defer func() { finishSpan(span, err) }()

	// Fail fast without taking a lock; the state is re-checked under the lock below.
	grant, err := s.repo.FindGrantByID(ctx, grantID)
	if err != nil {
		if errors.Is(err, store.ErrGrantNotFound) {
			return nil, domain.ErrGrantNotFound
		}
		return nil, fmt.Errorf("find grant: %w", err)
	}
	if grant.IsExpired {
		return nil, domain.ErrGrantAlreadyExpired
	}

	var forfeited int64
	var locked *domain.BonusCreditGrant
	var after domain.UserCreditBalance
	err = s.repo.WithLockedBalance(ctx, grant.UserID, func(ctx context.Context, tx store.LockedTx) error {
		var err error
		locked, err = tx.LockGrant(ctx, grantID)
		if err != nil {
			return err
		}
		if locked.IsExpired {
			return domain.ErrGrantAlreadyExpired
		}
		forfeited, err = s.retireGrant(ctx, tx, locked, retireReasonManual)
		after = tx.Balance()
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrGrantAlreadyExpired) {
			return nil, err
		}
		log.Error().Str("component", "ledger").Str("op", "expire_manual").Str("grant_id", grantID.String()).
			Err(err).Msg("manual expiry failed")
		return nil, fmt.Errorf("expire bonus grant: %w", mapStoreError(err))
	}

	s.recordRetirement(ctx, locked, forfeited, retireReasonManual, after)
	return &domain.ExpireResult{GrantID: grantID, UserID: grant.UserID, AmountForfeited: forfeited}, nil
}

// ListGrants is advisory and reads without locking.
func (s *Service) ListGrants(ctx context.Context, userID string, includeExpired bool) ([]domain.BonusCreditGrant, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}
	grants, err := s.repo.ListGrantsByUser(ctx, userID, includeExpired)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	if grants == nil {
		grants = []domain.BonusCreditGrant{}
	}
	return grants, nil
}

// retireGrant flips a locked, still-active grant to expired and removes its remaining
// credits from the bonus balance. Both the sweeper and manual expiry use it. The caller
// must have verified IsExpired == false under the lock.
func (s *Service) retireGrant(ctx context.Context, tx store.LockedTx, grant *domain.BonusCreditGrant, reason string) (int64, error) {
	if err := tx.MarkGrantExpired(ctx, grant.ID); err != nil {
		return 0, err
	}

	forfeited := grant.RemainingAmount
	if forfeited <= 0 {
		return 0, nil
	}

	balance := tx.Balance()
	if balance.BonusBalance < forfeited {
		log.Warn().Str("component", "ledger").Str("op", "retire_grant").Str("user_id", grant.UserID).
			Str("grant_id", grant.ID.String()).Int64("bonus_balance", balance.BonusBalance).
			Int64("forfeited", forfeited).Msg("bonus balance below grant remainder; clamping at zero")
		balance.BonusBalance = 0
	} else {
		balance.BonusBalance -= forfeited
	}
	if err := tx.SaveBalance(ctx, balance); err != nil {
		return 0, err
	}

	txn := &domain.CreditTransaction{
		ID:          uuid.New(),
		UserID:      grant.UserID,
		Type:        domain.TransactionTypeUsage,
		Amount:      0,
		Description: fmt.Sprintf("Bonus credits expired (%s)", grant.Source),
		Metadata: marshalMetadata(map[string]any{
			"expired_amount": forfeited,
			"grant_id":       grant.ID,
			"source":         grant.Source,
			"reason":         reason,
		}),
		CreatedAt: s.now(),
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return 0, err
	}
	return forfeited, nil
}

func (s *Service) recordRetirement(ctx context.Context, grant *domain.BonusCreditGrant, forfeited int64, reason string, after domain.UserCreditBalance) {
	creditsForfeited.WithLabelValues(reason).Add(float64(forfeited))
	log.Info().Str("component", "ledger").Str("op", "retire_grant").Str("user_id", grant.UserID).
		Str("grant_id", grant.ID.String()).Int64("forfeited", forfeited).Str("reason", reason).
		Msg("bonus grant retired")

	grantID := grant.ID
	s.publishEvent(ctx, LedgerEvent{
		EventType:    RoutingKeyCreditsBonusExpired,
		UserID:       grant.UserID,
		Amount:       forfeited,
		BonusAmount:  forfeited,
		GrantID:      &grantID,
		Source:       string(grant.Source),
		Balance:      after.Balance,
		BonusBalance: after.BonusBalance,
	})
}
