/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the credit-service. Every read-modify-write of a
 * user's credits goes through `WithLockedBalance`, which hands the callback a `LockedTx`
 * scoped to that user's locked balance row.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/credit-service/internal/domain"
)

var (
	ErrBalanceNotFound      = errors.New("credit balance not found")
	ErrGrantNotFound        = errors.New("bonus grant not found")
	ErrPaymentOrderNotFound = errors.New("payment order not found")
)

// GrantCursor is the last expiry candidate a sweep visited. Candidates are ordered by
// (expires_at, id) and a cursor resumes strictly after that pair.
type GrantCursor struct {
	ExpiresAt time.Time
	ID        uuid.UUID
}

// LockedFunc runs inside one unit of work while the user's balance row is locked.
// Returning an error rolls back everything the callback wrote.
type LockedFunc func(ctx context.Context, tx LockedTx) error

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// WithLockedBalance creates the user's balance row if absent, locks it, runs fn and
	// commits. The lock is released on commit or rollback.
	WithLockedBalance(ctx context.Context, userID string, fn LockedFunc) error

	// Read-only projections. None of these take locks.
	GetBalance(ctx context.Context, userID string) (*domain.UserCreditBalance, error)
	FindGrantByID(ctx context.Context, grantID uuid.UUID) (*domain.BonusCreditGrant, error)
	ListGrantsByUser(ctx context.Context, userID string, includeExpired bool) ([]domain.BonusCreditGrant, error)
	FindExpiredGrantCandidates(ctx context.Context, now time.Time, after *GrantCursor, limit int) ([]domain.BonusCreditGrant, error)
	ListTransactionsByUser(ctx context.Context, userID string, limit int, offset int) ([]domain.CreditTransaction, error)

	// Payment order methods
	CreatePaymentOrder(ctx context.Context, order *domain.PaymentOrder) error
	FindPaymentOrderByExternalID(ctx context.Context, externalOrderID string) (*domain.PaymentOrder, error)
	// MarkPaymentOrderFailed only moves orders that are still `created`; it reports
	// whether a row changed.
	MarkPaymentOrderFailed(ctx context.Context, orderID uuid.UUID, paymentID string, reason string) (bool, error)
}

// LockedTx is the set of writes available while a balance row is locked.
type LockedTx interface {
	// Balance returns the current (possibly already modified) balance snapshot.
	Balance() domain.UserCreditBalance
	SaveBalance(ctx context.Context, balance domain.UserCreditBalance) error

	// ListActiveGrantsFIFO returns non-expired grants with remaining credits, oldest first.
	ListActiveGrantsFIFO(ctx context.Context) ([]domain.BonusCreditGrant, error)
	LockGrant(ctx context.Context, grantID uuid.UUID) (*domain.BonusCreditGrant, error)
	InsertGrant(ctx context.Context, grant *domain.BonusCreditGrant) error
	UpdateGrantRemaining(ctx context.Context, grantID uuid.UUID, remaining int64) error
	MarkGrantExpired(ctx context.Context, grantID uuid.UUID) error

	InsertTransaction(ctx context.Context, txn *domain.CreditTransaction) error

	LockPaymentOrder(ctx context.Context, orderID uuid.UUID) (*domain.PaymentOrder, error)
	MarkPaymentOrderCaptured(ctx context.Context, orderID uuid.UUID, paymentID string, creditTransactionID uuid.UUID, paidAt time.Time) error
}
