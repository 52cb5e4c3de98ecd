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
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type grantConsumption struct {
	GrantID uuid.UUID `json:"grant_id"`
	Amount  int64     `json:"amount"`
}

// Deduct debits amount credits from the user. Bonus credits are spent first, oldest
// grant first, then the regular balance. The deduction applies in full or not at all.
func (s *Service) Deduct(ctx context.Context, userID string, amount int64, description string, dctx domain.DeductionContext) (result *domain.DeductionResult, err error) {
	ctx, span := tracer.Start(ctx, "credits.deduct", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.Int64("amount", amount),
	))
	defer func() { finishSpan(span, err) }()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	description = strings.TrimSpace(description)
	if description == "" {
		description = "Credit usage"
	}

	err = s.repo.WithLockedBalance(ctx, userID, func(ctx context.Context, tx store.LockedTx) error {
		balance := tx.Balance()
		available := balance.Available()
		if available < amount {
			return &domain.InsufficientCreditsError{UserID: userID, Available: available, Required: amount}
		}

		bonusDeduction := min(max(balance.BonusBalance, 0), amount)
		regularDeduction := amount - bonusDeduction

		var consumed []grantConsumption
		if bonusDeduction > 0 {
			var err error
			consumed, err = consumeGrantsFIFO(ctx, tx, bonusDeduction)
			if err != nil {
				return err
			}
		}

		balance.Balance -= regularDeduction
		balance.BonusBalance -= bonusDeduction
		balance.LifetimeCreditsUsed += amount
		if err := tx.SaveBalance(ctx, balance); err != nil {
			return err
		}

		metadata := map[string]any{
			"bonus_deducted":   bonusDeduction,
			"regular_deducted": regularDeduction,
		}
		if len(consumed) > 0 {
			metadata["grants"] = consumed
		}
		if len(dctx.Metadata) > 0 {
			metadata["context"] = dctx.Metadata
		}

		txn := &domain.CreditTransaction{
			ID:            uuid.New(),
			UserID:        userID,
			Type:          domain.TransactionTypeUsage,
			Amount:        -amount,
			Description:   description,
			ProjectID:     optionalString(dctx.ProjectID),
			OperationType: optionalString(dctx.OperationType),
			Provider:      optionalString(dctx.Provider),
			Model:         optionalString(dctx.Model),
			Metadata:      marshalMetadata(metadata),
			CreatedAt:     s.now(),
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}

		result = &domain.DeductionResult{
			Transaction:     txn,
			BonusDeducted:   bonusDeduction,
			RegularDeducted: regularDeduction,
			Balance:         tx.Balance(),
		}
		return nil
	})
	if err != nil {
		var insufficient *domain.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			deductionsRejected.Inc()
			log.Info().Str("component", "ledger").Str("op", "deduct").Str("user_id", userID).
				Int64("available", insufficient.Available).Int64("required", insufficient.Required).
				Msg("deduction rejected")
			return nil, err
		}
		log.Error().Str("component", "ledger").Str("op", "deduct").Str("user_id", userID).
			Int64("amount", amount).Err(err).Msg("deduction failed")
		return nil, fmt.Errorf("deduct credits: %w", mapStoreError(err))
	}

	creditsDeducted.WithLabelValues("bonus").Add(float64(result.BonusDeducted))
	creditsDeducted.WithLabelValues("regular").Add(float64(result.RegularDeducted))
	log.Info().Str("component", "ledger").Str("op", "deduct").Str("user_id", userID).
		Int64("amount", amount).Int64("bonus_deducted", result.BonusDeducted).
		Int64("regular_deducted", result.RegularDeducted).Str("transaction_id", result.Transaction.ID.String()).
		Msg("credits deducted")

	txID := result.Transaction.ID
	s.publishEvent(ctx, LedgerEvent{
		EventType:     RoutingKeyCreditsDeducted,
		UserID:        userID,
		Amount:        amount,
		BonusAmount:   result.BonusDeducted,
		RegularAmount: result.RegularDeducted,
		TransactionID: &txID,
		Balance:       result.Balance.Balance,
		BonusBalance:  result.Balance.BonusBalance,
	})
	return result, nil
}

// consumeGrantsFIFO walks the user's active grants oldest first and takes up to want
// credits from them. If the grants hold less than want, the aggregate bonus balance had
// drifted; the shortfall is logged and the deduction proceeds against the aggregate.
func consumeGrantsFIFO(ctx context.Context, tx store.LockedTx, want int64) ([]grantConsumption, error) {
	grants, err := tx.ListActiveGrantsFIFO(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active grants: %w", err)
	}

	remaining := want
	var consumed []grantConsumption
	for _, grant := range grants {
		if remaining == 0 {
			break
		}
		if grant.RemainingAmount <= 0 {
			continue
		}
		take := min(grant.RemainingAmount, remaining)
		if err := tx.UpdateGrantRemaining(ctx, grant.ID, grant.RemainingAmount-take); err != nil {
			return nil, err
		}
		consumed = append(consumed, grantConsumption{GrantID: grant.ID, Amount: take})
		remaining -= take
	}

	if remaining > 0 {
		log.Warn().Str("component", "ledger").Str("op", "deduct").Str("user_id", tx.Balance().UserID).
			Int64("bonus_requested", want).Int64("uncovered", remaining).
			Msg("bonus balance exceeds active grants; aggregate drift detected")
	}
	return consumed, nil
}
