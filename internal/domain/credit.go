/**
 * @description
 * This file defines the core domain models for the credit-service ledger.
 * These structs represent balances, bonus grants and the append-only transaction
 * log used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Credits are whole units stored as `int64`; there is no fractional credit.
 * - Transaction amounts are signed: positive credits the user, negative debits them.
 */

package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserCreditBalance is the per-user aggregate row. It is only ever mutated while the
// row is locked by the store.
type UserCreditBalance struct {
	UserID                  string    `json:"user_id"`
	Balance                 int64     `json:"balance"`
	BonusBalance            int64     `json:"bonus_balance"`
	ReservedBalance         int64     `json:"reserved_balance"`
	LifetimeCreditsReceived int64     `json:"lifetime_credits_received"`
	LifetimeCreditsUsed     int64     `json:"lifetime_credits_used"`
	LastUpdated             time.Time `json:"last_updated"`
}

// Available returns the spendable credits: regular plus bonus minus reserved.
func (b UserCreditBalance) Available() int64 {
	return b.Balance + b.BonusBalance - b.ReservedBalance
}

// BonusSource enumerates why a bonus grant was issued.
type BonusSource string

const (
	BonusSourcePromotional  BonusSource = "promotional"
	BonusSourceReferral     BonusSource = "referral"
	BonusSourceCompensation BonusSource = "compensation"
	BonusSourceLoyalty      BonusSource = "loyalty"
	BonusSourceTrial        BonusSource = "trial"
	BonusSourceAdminGrant   BonusSource = "admin_grant"
	BonusSourceSignupBonus  BonusSource = "signup_bonus"
)

// ParseBonusSource normalizes and validates a source string.
func ParseBonusSource(raw string) (BonusSource, error) {
	source := BonusSource(strings.ToLower(strings.TrimSpace(raw)))
	switch source {
	case BonusSourcePromotional, BonusSourceReferral, BonusSourceCompensation,
		BonusSourceLoyalty, BonusSourceTrial, BonusSourceAdminGrant, BonusSourceSignupBonus:
		return source, nil
	}
	return "", ErrInvalidBonusSource
}

// BonusCreditGrant is one bonus allocation. Grants are consumed oldest-first.
type BonusCreditGrant struct {
	ID              uuid.UUID       `json:"id"`
	UserID          string          `json:"user_id"`
	OriginalAmount  int64           `json:"original_amount"`
	RemainingAmount int64           `json:"remaining_amount"`
	Source          BonusSource     `json:"source"`
	Description     *string         `json:"description,omitempty"`
	CampaignID      *string         `json:"campaign_id,omitempty"`
	GrantedBy       *string         `json:"granted_by,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	IsExpired       bool            `json:"is_expired"`
	CreatedAt       time.Time       `json:"created_at"`
}

// PastExpiry reports whether the grant carries an expiry that is before now.
func (g BonusCreditGrant) PastExpiry(now time.Time) bool {
	return g.ExpiresAt != nil && g.ExpiresAt.Before(now)
}

// TransactionType enumerates CreditTransaction kinds.
type TransactionType string

const (
	TransactionTypePurchase     TransactionType = "purchase"
	TransactionTypeUsage        TransactionType = "usage"
	TransactionTypeAdminGrant   TransactionType = "admin_grant"
	TransactionTypeRefund       TransactionType = "refund"
	TransactionTypeSignupCredit TransactionType = "signup_credit"
)

// CreditTransaction is an append-only ledger entry.
type CreditTransaction struct {
	ID            uuid.UUID       `json:"id"`
	UserID        string          `json:"user_id"`
	Type          TransactionType `json:"type"`
	Amount        int64           `json:"amount"`
	Description   string          `json:"description"`
	ProjectID     *string         `json:"project_id,omitempty"`
	OperationType *string         `json:"operation_type,omitempty"`
	Provider      *string         `json:"provider,omitempty"`
	Model         *string         `json:"model,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// DeductionContext carries optional usage annotations copied onto the usage transaction.
type DeductionContext struct {
	ProjectID     string         `json:"project_id,omitempty"`
	OperationType string         `json:"operation_type,omitempty"`
	Provider      string         `json:"provider,omitempty"`
	Model         string         `json:"model,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// DeductionResult is returned by a successful deduction.
type DeductionResult struct {
	Transaction     *CreditTransaction `json:"transaction"`
	BonusDeducted   int64              `json:"bonus_deducted"`
	RegularDeducted int64              `json:"regular_deducted"`
	Balance         UserCreditBalance  `json:"balance"`
}

// GrantOptions holds the optional annotation fields of a grant.
type GrantOptions struct {
	Description string
	CampaignID  string
	GrantedBy   string
	ExpiresAt   *time.Time
	Metadata    map[string]any
}

// ExpireResult is returned by a manual expiry.
type ExpireResult struct {
	GrantID         uuid.UUID `json:"grant_id"`
	UserID          string    `json:"user_id"`
	AmountForfeited int64     `json:"amount_forfeited"`
}

// SweepResult summarizes one expiry sweep run.
type SweepResult struct {
	Candidates       int   `json:"candidates"`
	Expired          int   `json:"expired"`
	Skipped          int   `json:"skipped"`
	Failed           int   `json:"failed"`
	CreditsForfeited int64 `json:"credits_forfeited"`
}

// DeductRequest is the DTO for internal deduction API requests.
type DeductRequest struct {
	UserID      string           `json:"user_id"`
	Amount      int64            `json:"amount"`
	Description string           `json:"description"`
	Context     DeductionContext `json:"context"`
}

// GrantRequest is the DTO for internal grant API requests.
type GrantRequest struct {
	UserID      string         `json:"user_id"`
	Amount      int64          `json:"amount"`
	Source      string         `json:"source"`
	Description string         `json:"description"`
	CampaignID  string         `json:"campaign_id"`
	GrantedBy   string         `json:"granted_by"`
	ExpiresAt   *time.Time     `json:"expires_at"`
	Metadata    map[string]any `json:"metadata"`
}
