/**
 * @description
 * This file contains the HTTP handlers for the credit-service's API endpoints.
 * Handlers parse incoming requests, call the ledger service, and write the HTTP
 * response. They act as the bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/rs/zerolog: Structured logging.
 * - internal/domain: Request DTOs, models and error taxonomy.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/transfa/credit-service/internal/domain"
)

const maxWebhookBodyBytes = 1 << 20

// CreditService is the ledger surface the handlers depend on.
type CreditService interface {
	GetBalance(ctx context.Context, userID string) (*domain.UserCreditBalance, error)
	ListGrants(ctx context.Context, userID string, includeExpired bool) ([]domain.BonusCreditGrant, error)
	ListTransactions(ctx context.Context, userID string, limit int, offset int) ([]domain.CreditTransaction, error)
	CreatePurchaseOrder(ctx context.Context, userID string, credits int64) (*domain.PaymentOrder, error)
	Deduct(ctx context.Context, userID string, amount int64, description string, dctx domain.DeductionContext) (*domain.DeductionResult, error)
	Grant(ctx context.Context, userID string, amount int64, source domain.BonusSource, opts domain.GrantOptions) (*domain.BonusCreditGrant, error)
	ManualExpireBonus(ctx context.Context, grantID uuid.UUID) (*domain.ExpireResult, error)
	HandlePaymentWebhook(ctx context.Context, rawBody []byte, signature string) (*domain.WebhookResult, error)
}

// Sweeper runs one expiry sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (*domain.SweepResult, error)
}

// CreditHandlers holds the application service that handlers will use.
type CreditHandlers struct {
	service CreditService
	sweeper Sweeper
}

// NewCreditHandlers creates a new instance of CreditHandlers.
func NewCreditHandlers(service CreditService, sweeper Sweeper) *CreditHandlers {
	return &CreditHandlers{service: service, sweeper: sweeper}
}

type balanceResponse struct {
	UserID                  string    `json:"user_id"`
	Balance                 int64     `json:"balance"`
	BonusBalance            int64     `json:"bonus_balance"`
	ReservedBalance         int64     `json:"reserved_balance"`
	Available               int64     `json:"available"`
	LifetimeCreditsReceived int64     `json:"lifetime_credits_received"`
	LifetimeCreditsUsed     int64     `json:"lifetime_credits_used"`
	LastUpdated             time.Time `json:"last_updated"`
}

func newBalanceResponse(b *domain.UserCreditBalance) balanceResponse {
	return balanceResponse{
		UserID:                  b.UserID,
		Balance:                 b.Balance,
		BonusBalance:            b.BonusBalance,
		ReservedBalance:         b.ReservedBalance,
		Available:               b.Available(),
		LifetimeCreditsReceived: b.LifetimeCreditsReceived,
		LifetimeCreditsUsed:     b.LifetimeCreditsUsed,
		LastUpdated:             b.LastUpdated,
	}
}

type purchaseOrderResponse struct {
	OrderID   string `json:"order_id"`
	Provider  string `json:"provider"`
	Credits   int64  `json:"credits"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// GetMyBalanceHandler returns the authenticated user's balance.
func (h *CreditHandlers) GetMyBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetClerkUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}
	h.writeBalance(w, r, userID)
}

// GetUserBalanceHandler is the internal twin of GetMyBalanceHandler.
func (h *CreditHandlers) GetUserBalanceHandler(w http.ResponseWriter, r *http.Request) {
	h.writeBalance(w, r, chi.URLParam(r, "userID"))
}

func (h *CreditHandlers) writeBalance(w http.ResponseWriter, r *http.Request, userID string) {
	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "get_balance", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newBalanceResponse(balance))
}

// ListMyGrantsHandler lists the authenticated user's bonus grants.
func (h *CreditHandlers) ListMyGrantsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetClerkUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}
	h.writeGrants(w, r, userID)
}

// ListUserGrantsHandler is the internal twin of ListMyGrantsHandler.
func (h *CreditHandlers) ListUserGrantsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeGrants(w, r, chi.URLParam(r, "userID"))
}

func (h *CreditHandlers) writeGrants(w http.ResponseWriter, r *http.Request, userID string) {
	includeExpired := false
	if raw := strings.TrimSpace(r.URL.Query().Get("include_expired")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "include_expired must be a boolean")
			return
		}
		includeExpired = parsed
	}

	grants, err := h.service.ListGrants(r.Context(), userID, includeExpired)
	if err != nil {
		h.writeServiceError(w, "list_grants", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"grants": grants})
}

// ListMyTransactionsHandler returns a page of the authenticated user's ledger.
func (h *CreditHandlers) ListMyTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetClerkUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}

	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	offset, err := parseOptionalPositiveInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	transactions, err := h.service.ListTransactions(r.Context(), userID, limit, offset)
	if err != nil {
		h.writeServiceError(w, "list_transactions", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": transactions,
		"offset":       offset,
	})
}

// CreatePurchaseOrderHandler opens a payment order for a credit package.
func (h *CreditHandlers) CreatePurchaseOrderHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetClerkUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}

	var req domain.PurchaseOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := h.service.CreatePurchaseOrder(r.Context(), userID, req.Credits)
	if err != nil {
		h.writeServiceError(w, "create_purchase_order", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, purchaseOrderResponse{
		OrderID:   order.ExternalOrderID,
		Provider:  order.Provider,
		Credits:   order.Credits,
		Amount:    order.Amount,
		Currency:  order.Currency,
		Status:    string(order.Status),
		CreatedAt: order.CreatedAt.Format(time.RFC3339),
	})
}

// DeductHandler debits credits on behalf of a metered internal caller.
func (h *CreditHandlers) DeductHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.DeductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.Deduct(r.Context(), req.UserID, req.Amount, req.Description, req.Context)
	if err != nil {
		h.writeServiceError(w, "deduct", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

// GrantHandler issues a bonus grant.
func (h *CreditHandlers) GrantHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	grant, err := h.service.Grant(r.Context(), req.UserID, req.Amount, domain.BonusSource(req.Source), domain.GrantOptions{
		Description: req.Description,
		CampaignID:  req.CampaignID,
		GrantedBy:   req.GrantedBy,
		ExpiresAt:   req.ExpiresAt,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.writeServiceError(w, "grant", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, grant)
}

// ExpireGrantHandler retires a grant ahead of its expiry.
func (h *CreditHandlers) ExpireGrantHandler(w http.ResponseWriter, r *http.Request) {
	grantID, err := uuid.Parse(chi.URLParam(r, "grantID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid grant ID format")
		return
	}

	result, err := h.service.ManualExpireBonus(r.Context(), grantID)
	if err != nil {
		h.writeServiceError(w, "expire_grant", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// RunExpirySweepHandler triggers an out-of-schedule expiry sweep.
func (h *CreditHandlers) RunExpirySweepHandler(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		h.writeError(w, http.StatusServiceUnavailable, "Expiry sweeper not configured")
		return
	}
	result, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.writeServiceError(w, "expiry_sweep", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// PaymentWebhookHandler receives payment provider deliveries. The raw body is passed
// through untouched because the signature covers the exact bytes.
func (h *CreditHandlers) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes+1))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}
	if len(body) > maxWebhookBodyBytes {
		h.writeError(w, http.StatusRequestEntityTooLarge, "Webhook payload too large")
		return
	}

	result, err := h.service.HandlePaymentWebhook(r.Context(), body, r.Header.Get("X-Razorpay-Signature"))
	if err != nil {
		h.writeServiceError(w, "payment_webhook", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// writeServiceError maps the domain error taxonomy onto HTTP statuses.
func (h *CreditHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	var insufficient *domain.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		h.writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error":     "Insufficient credits",
			"available": insufficient.Available,
			"required":  insufficient.Required,
		})
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidUserID),
		errors.Is(err, domain.ErrInvalidBonusSource),
		errors.Is(err, domain.ErrInvalidExpiry),
		errors.Is(err, domain.ErrPurchaseOutOfRange),
		errors.Is(err, domain.ErrMalformedWebhook):
		h.writeError(w, http.StatusBadRequest, rootMessage(err))
	case errors.Is(err, domain.ErrInvalidSignature):
		h.writeError(w, http.StatusUnauthorized, "Invalid webhook signature")
	case errors.Is(err, domain.ErrGrantNotFound),
		errors.Is(err, domain.ErrBalanceNotFound),
		errors.Is(err, domain.ErrPaymentOrderNotFound):
		h.writeError(w, http.StatusNotFound, rootMessage(err))
	case errors.Is(err, domain.ErrGrantAlreadyExpired):
		h.writeError(w, http.StatusConflict, "Bonus grant already expired")
	case errors.Is(err, domain.ErrPaymentProvider):
		log.Error().Str("component", "api").Str("endpoint", endpoint).Err(err).Msg("payment provider error")
		h.writeError(w, http.StatusBadGateway, "Payment provider unavailable")
	default:
		log.Error().Str("component", "api").Str("endpoint", endpoint).Err(err).Msg("request failed")
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// rootMessage returns the first sentinel-level message of a wrapped error chain.
func rootMessage(err error) string {
	for _, sentinel := range []error{
		domain.ErrInvalidAmount, domain.ErrInvalidUserID, domain.ErrInvalidBonusSource,
		domain.ErrInvalidExpiry, domain.ErrPurchaseOutOfRange, domain.ErrMalformedWebhook,
		domain.ErrGrantNotFound, domain.ErrBalanceNotFound, domain.ErrPaymentOrderNotFound,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func parseOptionalPositiveInt(raw string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must be >= 0")
	}
	return value, nil
}

// writeJSON is a helper for writing JSON responses.
func (h *CreditHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Warn().Str("component", "api").Err(err).Msg("failed to encode response")
		}
	}
}

// writeError is a helper for writing JSON error responses.
func (h *CreditHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
