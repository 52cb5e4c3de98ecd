package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/transfa/credit-service/internal/domain"
	"github.com/transfa/credit-service/internal/store"
)

const (
	defaultSweepBatchSize = 100
	maxSweepBatchSize     = 500
)

// ExpirySweeper retires grants whose expiry has passed. Each grant is handled in its own
// locked unit of work so a failure or crash only loses the grant in flight.
type ExpirySweeper struct {
	svc       *Service
	batchSize int
}

// ExpirySweeper returns a sweeper bound to this service.
func (s *Service) ExpirySweeper(batchSize int) *ExpirySweeper {
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	if batchSize > maxSweepBatchSize {
		batchSize = maxSweepBatchSize
	}
	return &ExpirySweeper{svc: s, batchSize: batchSize}
}

type sweepOutcome int

const (
	sweepExpired sweepOutcome = iota
	sweepSkipped
)

// Sweep pages through candidates by (expires_at, id) until a batch comes back short, so
// each candidate is attempted at most once per run. The result counts grants expired in
// this run; per-grant failures are logged and counted, not returned.
func (w *ExpirySweeper) Sweep(ctx context.Context) (result *domain.SweepResult, err error) {
	ctx, span := tracer.Start(ctx, "credits.expiry_sweep")
	defer func() { finishSpan(span, err) }()

	started := time.Now()
	defer func() { expirySweepDuration.Observe(time.Since(started).Seconds()) }()

	result = &domain.SweepResult{}
	now := w.svc.now()
	var cursor *store.GrantCursor
	for {
		candidates, err := w.svc.repo.FindExpiredGrantCandidates(ctx, now, cursor, w.batchSize)
		if err != nil {
			log.Error().Str("component", "sweeper").Err(err).Msg("failed to list expired grant candidates")
			return result, fmt.Errorf("list expired grants: %w", err)
		}
		result.Candidates += len(candidates)

		for i := range candidates {
			if err := ctx.Err(); err != nil {
				log.Warn().Str("component", "sweeper").Int("expired", result.Expired).
					Msg("sweep interrupted; remaining grants left for the next run")
				return result, err
			}

			grant := candidates[i]
			if grant.ExpiresAt != nil {
				cursor = &store.GrantCursor{ExpiresAt: *grant.ExpiresAt, ID: grant.ID}
			}
			outcome, forfeited, err := w.expireOne(ctx, grant, now)
			if err != nil {
				result.Failed++
				expirySweepGrants.WithLabelValues("failed").Inc()
				log.Error().Str("component", "sweeper").Str("grant_id", grant.ID.String()).
					Str("user_id", grant.UserID).Err(err).Msg("failed to expire grant; continuing")
				continue
			}
			switch outcome {
			case sweepExpired:
				result.Expired++
				result.CreditsForfeited += forfeited
				expirySweepGrants.WithLabelValues("expired").Inc()
			case sweepSkipped:
				result.Skipped++
				expirySweepGrants.WithLabelValues("skipped").Inc()
			}
		}

		if len(candidates) < w.batchSize || cursor == nil {
			break
		}
	}

	log.Info().Str("component", "sweeper").Int("candidates", result.Candidates).Int("expired", result.Expired).
		Int("skipped", result.Skipped).Int("failed", result.Failed).Int64("credits_forfeited", result.CreditsForfeited).
		Msg("expiry sweep finished")
	return result, nil
}

// expireOne re-reads the grant under the user's lock. The candidate list was read
// without a lock, so a grant retired meanwhile is skipped with no side effects.
func (w *ExpirySweeper) expireOne(ctx context.Context, candidate domain.BonusCreditGrant, now time.Time) (sweepOutcome, int64, error) {
	outcome := sweepSkipped
	var forfeited int64
	var locked *domain.BonusCreditGrant
	var after domain.UserCreditBalance

	err := w.svc.repo.WithLockedBalance(ctx, candidate.UserID, func(ctx context.Context, tx store.LockedTx) error {
		var err error
		locked, err = tx.LockGrant(ctx, candidate.ID)
		if err != nil {
			return err
		}
		if locked.IsExpired || !locked.PastExpiry(now) {
			return nil
		}
		forfeited, err = w.svc.retireGrant(ctx, tx, locked, retireReasonExpired)
		if err != nil {
			return err
		}
		outcome = sweepExpired
		after = tx.Balance()
		return nil
	})
	if err != nil {
		return sweepSkipped, 0, mapStoreError(err)
	}
	if outcome == sweepExpired {
		w.svc.recordRetirement(ctx, locked, forfeited, retireReasonExpired, after)
	}
	return outcome, forfeited, nil
}
