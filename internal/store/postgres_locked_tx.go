package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/credit-service/internal/domain"
)

// pgLockedTx is the LockedTx handed to callbacks of WithLockedBalance. It is only valid
// until the callback returns.
type pgLockedTx struct {
	tx      pgx.Tx
	balance domain.UserCreditBalance
}

func (l *pgLockedTx) Balance() domain.UserCreditBalance {
	return l.balance
}

func (l *pgLockedTx) SaveBalance(ctx context.Context, balance domain.UserCreditBalance) error {
	// reserved_balance is owned by the reservation flow and is never written here.
	err := l.tx.QueryRow(ctx, `
		UPDATE user_credit_balances
		SET balance = $2,
			bonus_balance = $3,
			lifetime_credits_received = $4,
			lifetime_credits_used = $5,
			last_updated = NOW()
		WHERE user_id = $1
		RETURNING last_updated
	`, l.balance.UserID, balance.Balance, balance.BonusBalance,
		balance.LifetimeCreditsReceived, balance.LifetimeCreditsUsed).Scan(&balance.LastUpdated)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrBalanceNotFound
		}
		return fmt.Errorf("save balance: %w", err)
	}
	balance.UserID = l.balance.UserID
	balance.ReservedBalance = l.balance.ReservedBalance
	l.balance = balance
	return nil
}

func (l *pgLockedTx) ListActiveGrantsFIFO(ctx context.Context) ([]domain.BonusCreditGrant, error) {
	rows, err := l.tx.Query(ctx, `
		SELECT `+grantColumns+`
		FROM bonus_credit_grants
		WHERE user_id = $1 AND is_expired = FALSE AND remaining_amount > 0
		ORDER BY created_at ASC, id ASC
		FOR UPDATE
	`, l.balance.UserID)
	if err != nil {
		return nil, err
	}
	return collectGrants(rows)
}

func (l *pgLockedTx) LockGrant(ctx context.Context, grantID uuid.UUID) (*domain.BonusCreditGrant, error) {
	grant, err := scanGrant(l.tx.QueryRow(ctx,
		`SELECT `+grantColumns+` FROM bonus_credit_grants WHERE id = $1 AND user_id = $2 FOR UPDATE`,
		grantID, l.balance.UserID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrGrantNotFound
		}
		return nil, err
	}
	return grant, nil
}

func (l *pgLockedTx) InsertGrant(ctx context.Context, grant *domain.BonusCreditGrant) error {
	_, err := l.tx.Exec(ctx, `
		INSERT INTO bonus_credit_grants (
			id, user_id, original_amount, remaining_amount, source, description,
			campaign_id, granted_by, metadata, expires_at, is_expired, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, FALSE, $11)
	`, grant.ID, l.balance.UserID, grant.OriginalAmount, grant.RemainingAmount, string(grant.Source),
		grant.Description, grant.CampaignID, grant.GrantedBy, nullableJSON(grant.Metadata),
		grant.ExpiresAt, grant.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert bonus grant: %w", err)
	}
	return nil
}

func (l *pgLockedTx) UpdateGrantRemaining(ctx context.Context, grantID uuid.UUID, remaining int64) error {
	tag, err := l.tx.Exec(ctx,
		`UPDATE bonus_credit_grants SET remaining_amount = $2 WHERE id = $1 AND user_id = $3`,
		grantID, remaining, l.balance.UserID)
	if err != nil {
		return fmt.Errorf("update grant remaining: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGrantNotFound
	}
	return nil
}

func (l *pgLockedTx) MarkGrantExpired(ctx context.Context, grantID uuid.UUID) error {
	tag, err := l.tx.Exec(ctx,
		`UPDATE bonus_credit_grants SET is_expired = TRUE WHERE id = $1 AND user_id = $2 AND is_expired = FALSE`,
		grantID, l.balance.UserID)
	if err != nil {
		return fmt.Errorf("mark grant expired: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("grant %s was not active: %w", grantID, ErrGrantNotFound)
	}
	return nil
}

func (l *pgLockedTx) InsertTransaction(ctx context.Context, txn *domain.CreditTransaction) error {
	return insertTransaction(ctx, l.tx, txn)
}

func (l *pgLockedTx) LockPaymentOrder(ctx context.Context, orderID uuid.UUID) (*domain.PaymentOrder, error) {
	order, err := scanPaymentOrder(l.tx.QueryRow(ctx,
		`SELECT `+paymentOrderColumns+` FROM credit_payment_orders WHERE id = $1 AND user_id = $2 FOR UPDATE`,
		orderID, l.balance.UserID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

func (l *pgLockedTx) MarkPaymentOrderCaptured(ctx context.Context, orderID uuid.UUID, paymentID string, creditTransactionID uuid.UUID, paidAt time.Time) error {
	tag, err := l.tx.Exec(ctx, `
		UPDATE credit_payment_orders
		SET status = 'captured',
			external_payment_id = $2,
			credit_transaction_id = $3,
			paid_at = $4,
			failure_reason = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status <> 'captured'
	`, orderID, nullableString(paymentID), creditTransactionID, paidAt)
	if err != nil {
		return fmt.Errorf("mark payment order captured: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment order %s not capturable", orderID)
	}
	return nil
}
