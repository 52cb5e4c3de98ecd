/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Balance rows are locked with `SELECT ... FOR UPDATE` inside a single pgx transaction
 * so that every deduction, grant, capture and expiry for one user is serialized.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Ledger and payment order models.
 */

package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/credit-service/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const (
	balanceColumns = `user_id, balance, bonus_balance, reserved_balance,
		lifetime_credits_received, lifetime_credits_used, last_updated`
	grantColumns = `id, user_id, original_amount, remaining_amount, source, description,
		campaign_id, granted_by, metadata, expires_at, is_expired, created_at`
	transactionColumns = `id, user_id, type, amount, description, project_id,
		operation_type, provider, model, metadata, created_at`
	paymentOrderColumns = `id, user_id, external_order_id, status, credits, amount, currency,
		provider, external_payment_id, credit_transaction_id, paid_at, failure_reason,
		created_at, updated_at`
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db             *pgxpool.Pool
	initialBalance int64
}

// NewPostgresRepository creates a new instance of PostgresRepository. initialBalance is
// the regular balance a user row starts with when it is created lazily.
func NewPostgresRepository(db *pgxpool.Pool, initialBalance int64) *PostgresRepository {
	if initialBalance < 0 {
		initialBalance = 0
	}
	return &PostgresRepository{db: db, initialBalance: initialBalance}
}

// EnsureSchema applies the embedded schema. Every statement is idempotent.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply credit schema: %w", err)
	}
	return nil
}

// WithLockedBalance implements Repository.
func (r *PostgresRepository) WithLockedBalance(ctx context.Context, userID string, fn LockedFunc) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := r.ensureBalanceRow(ctx, tx, userID); err != nil {
		return err
	}

	// Use FOR UPDATE to lock the row until commit or rollback.
	balance, err := scanBalance(tx.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM user_credit_balances WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrBalanceNotFound
		}
		return err
	}

	locked := &pgLockedTx{tx: tx, balance: *balance}
	if err := fn(ctx, locked); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ensureBalanceRow inserts a zeroed row (plus the starting balance, if any). A concurrent
// inserter blocks on the primary key until the first commits, then inserts nothing.
func (r *PostgresRepository) ensureBalanceRow(ctx context.Context, tx pgx.Tx, userID string) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO user_credit_balances (user_id, balance, lifetime_credits_received, last_updated)
		VALUES ($1, $2, $2, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID, r.initialBalance)
	if err != nil {
		return fmt.Errorf("ensure balance row: %w", err)
	}
	if tag.RowsAffected() == 0 || r.initialBalance == 0 {
		return nil
	}

	signup := &domain.CreditTransaction{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        domain.TransactionTypeSignupCredit,
		Amount:      r.initialBalance,
		Description: "Starting credit balance",
		CreatedAt:   time.Now().UTC(),
	}
	return insertTransaction(ctx, tx, signup)
}

// GetBalance retrieves a balance row without locking it.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID string) (*domain.UserCreditBalance, error) {
	balance, err := scanBalance(r.db.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM user_credit_balances WHERE user_id = $1`, userID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return balance, nil
}

// FindGrantByID retrieves a single grant without locking it.
func (r *PostgresRepository) FindGrantByID(ctx context.Context, grantID uuid.UUID) (*domain.BonusCreditGrant, error) {
	grant, err := scanGrant(r.db.QueryRow(ctx,
		`SELECT `+grantColumns+` FROM bonus_credit_grants WHERE id = $1`, grantID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrGrantNotFound
		}
		return nil, err
	}
	return grant, nil
}

// ListGrantsByUser returns a user's grants newest first.
func (r *PostgresRepository) ListGrantsByUser(ctx context.Context, userID string, includeExpired bool) ([]domain.BonusCreditGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM bonus_credit_grants WHERE user_id = $1`
	if !includeExpired {
		query += ` AND is_expired = FALSE`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return collectGrants(rows)
}

// FindExpiredGrantCandidates is a snapshot read used by the sweeper. Callers must re-check
// each candidate under the balance lock. A non-nil cursor pages past grants already visited.
func (r *PostgresRepository) FindExpiredGrantCandidates(ctx context.Context, now time.Time, after *GrantCursor, limit int) ([]domain.BonusCreditGrant, error) {
	query := `
		SELECT ` + grantColumns + `
		FROM bonus_credit_grants
		WHERE is_expired = FALSE AND expires_at IS NOT NULL AND expires_at < $1`
	args := []interface{}{now}
	if after != nil {
		query += ` AND (expires_at, id) > ($2::timestamptz, $3::uuid)`
		args = append(args, after.ExpiresAt, after.ID)
	}
	args = append(args, limit)
	query += fmt.Sprintf(`
		ORDER BY expires_at ASC, id ASC
		LIMIT $%d`, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectGrants(rows)
}

// ListTransactionsByUser returns a page of the ledger, newest first.
func (r *PostgresRepository) ListTransactionsByUser(ctx context.Context, userID string, limit int, offset int) ([]domain.CreditTransaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.CreditTransaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *txn)
	}
	return transactions, rows.Err()
}

// CreatePaymentOrder persists a freshly created provider order.
func (r *PostgresRepository) CreatePaymentOrder(ctx context.Context, order *domain.PaymentOrder) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO credit_payment_orders (
			id, user_id, external_order_id, status, credits, amount, currency, provider, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, order.ID, order.UserID, order.ExternalOrderID, string(order.Status), order.Credits,
		order.Amount, order.Currency, order.Provider, order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment order %s already exists: %w", order.ExternalOrderID, err)
		}
		return err
	}
	return nil
}

// FindPaymentOrderByExternalID looks an order up by the provider's order id.
func (r *PostgresRepository) FindPaymentOrderByExternalID(ctx context.Context, externalOrderID string) (*domain.PaymentOrder, error) {
	order, err := scanPaymentOrder(r.db.QueryRow(ctx,
		`SELECT `+paymentOrderColumns+` FROM credit_payment_orders WHERE external_order_id = $1`, externalOrderID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// MarkPaymentOrderFailed implements Repository.
func (r *PostgresRepository) MarkPaymentOrderFailed(ctx context.Context, orderID uuid.UUID, paymentID string, reason string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE credit_payment_orders
		SET status = 'failed',
			external_payment_id = COALESCE($2, external_payment_id),
			failure_reason = $3,
			updated_at = NOW()
		WHERE id = $1 AND status = 'created'
	`, orderID, nullableString(paymentID), reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, txn *domain.CreditTransaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_transactions (
			id, user_id, type, amount, description, project_id, operation_type, provider, model, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11)
	`, txn.ID, txn.UserID, string(txn.Type), txn.Amount, txn.Description, txn.ProjectID,
		txn.OperationType, txn.Provider, txn.Model, nullableJSON(txn.Metadata), txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	return nil
}

func scanBalance(row pgx.Row) (*domain.UserCreditBalance, error) {
	var b domain.UserCreditBalance
	err := row.Scan(&b.UserID, &b.Balance, &b.BonusBalance, &b.ReservedBalance,
		&b.LifetimeCreditsReceived, &b.LifetimeCreditsUsed, &b.LastUpdated)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func scanGrant(row pgx.Row) (*domain.BonusCreditGrant, error) {
	var g domain.BonusCreditGrant
	var source string
	var metadata []byte
	err := row.Scan(&g.ID, &g.UserID, &g.OriginalAmount, &g.RemainingAmount, &source,
		&g.Description, &g.CampaignID, &g.GrantedBy, &metadata, &g.ExpiresAt, &g.IsExpired, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	g.Source = domain.BonusSource(source)
	if len(metadata) > 0 {
		g.Metadata = json.RawMessage(metadata)
	}
	return &g, nil
}

func collectGrants(rows pgx.Rows) ([]domain.BonusCreditGrant, error) {
	defer rows.Close()
	var grants []domain.BonusCreditGrant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, *grant)
	}
	return grants, rows.Err()
}

func scanTransaction(row pgx.Row) (*domain.CreditTransaction, error) {
	var t domain.CreditTransaction
	var txType string
	var metadata []byte
	err := row.Scan(&t.ID, &t.UserID, &txType, &t.Amount, &t.Description, &t.ProjectID,
		&t.OperationType, &t.Provider, &t.Model, &metadata, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = domain.TransactionType(txType)
	if len(metadata) > 0 {
		t.Metadata = json.RawMessage(metadata)
	}
	return &t, nil
}

func scanPaymentOrder(row pgx.Row) (*domain.PaymentOrder, error) {
	var o domain.PaymentOrder
	var status string
	err := row.Scan(&o.ID, &o.UserID, &o.ExternalOrderID, &status, &o.Credits, &o.Amount, &o.Currency,
		&o.Provider, &o.ExternalPaymentID, &o.CreditTransactionID, &o.PaidAt, &o.FailureReason,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = domain.PaymentOrderStatus(status)
	return &o, nil
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

// nullableJSON passes JSON as text so it works under the simple query protocol.
func nullableJSON(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	value := string(raw)
	return &value
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
