/**
 * @description
 * This file contains the core business logic for the credit-service. The `Service`
 * struct orchestrates every ledger mutation (deductions, bonus grants, purchases and
 * expiries), coordinating between the database repository, the payment provider and
 * the message broker.
 *
 * Key features:
 * - Every read-modify-write runs inside `store.Repository.WithLockedBalance`.
 * - No network call to the payment provider or the broker is made while a lock is held.
 * - Ledger events are published to RabbitMQ after commit.
 *
 * @dependencies
 * - github.com/rs/zerolog: Structured logging.
 * - go.opentelemetry.io/otel: Spans around ledger operations.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/paymentclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/transfa/credit-service/internal/domain"
	"github.com/transfa/credit-service/internal/store"
	"github.com/transfa/credit-service/pkg/paymentclient"
	"github.com/transfa/credit-service/pkg/rabbitmq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultCreditEventsExchange = "credit.events"
	defaultTransactionPageSize  = 20
	maxTransactionPageSize      = 100
	eventPublishTimeout         = 5 * time.Second
)

var tracer = otel.Tracer("github.com/transfa/credit-service/internal/app")

// PaymentProvider is the narrow slice of the payment collaborator the ledger uses.
type PaymentProvider interface {
	Name() string
	CreateOrder(ctx context.Context, req paymentclient.CreateOrderRequest) (*paymentclient.Order, error)
	VerifyAndParseWebhook(rawBody []byte, signature string) (*paymentclient.WebhookEvent, error)
}

// PurchasePricing prices credit packages for the payment provider.
type PurchasePricing struct {
	UnitPrice  decimal.Decimal // major currency units per credit
	Currency   string
	MinCredits int64
	MaxCredits int64
}

// ServiceConfig carries the tunables of the ledger service.
type ServiceConfig struct {
	CreditEventsExchange string
	InitialBalance       int64
	Pricing              PurchasePricing
}

// Service provides the core business logic for the credit ledger.
type Service struct {
	repo          store.Repository
	payments      PaymentProvider
	eventProducer rabbitmq.Publisher
	replayCache   WebhookReplayCache
	cfg           ServiceConfig
	now           func() time.Time
}

// NewService creates a new credit service instance. A nil producer falls back to a
// no-op publisher.
func NewService(repo store.Repository, payments PaymentProvider, producer rabbitmq.Publisher, cfg ServiceConfig) *Service {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	if strings.TrimSpace(cfg.CreditEventsExchange) == "" {
		cfg.CreditEventsExchange = DefaultCreditEventsExchange
	}
	if cfg.InitialBalance < 0 {
		cfg.InitialBalance = 0
	}
	return &Service{
		repo:          repo,
		payments:      payments,
		eventProducer: producer,
		cfg:           cfg,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetWebhookReplayCache installs the fast-path duplicate webhook filter.
func (s *Service) SetWebhookReplayCache(cache WebhookReplayCache) {
	s.replayCache = cache
}

// GetBalance returns the user's balance without locking. Users that were never touched
// report the starting balance they would be created with.
func (s *Service) GetBalance(ctx context.Context, userID string) (*domain.UserCreditBalance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}
	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrBalanceNotFound) {
			return &domain.UserCreditBalance{
				UserID:                  userID,
				Balance:                 s.cfg.InitialBalance,
				LifetimeCreditsReceived: s.cfg.InitialBalance,
			}, nil
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// ListTransactions returns a page of the user's ledger, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID string, limit int, offset int) ([]domain.CreditTransaction, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUserID
	}
	if limit <= 0 {
		limit = defaultTransactionPageSize
	}
	if limit > maxTransactionPageSize {
		limit = maxTransactionPageSize
	}
	if offset < 0 {
		offset = 0
	}
	transactions, err := s.repo.ListTransactionsByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	if transactions == nil {
		transactions = []domain.CreditTransaction{}
	}
	return transactions, nil
}

// mapStoreError translates store sentinels into the domain taxonomy while keeping the
// original error in the chain.
func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrBalanceNotFound):
		return fmt.Errorf("%w: %w", domain.ErrBalanceNotFound, err)
	case errors.Is(err, store.ErrGrantNotFound):
		return fmt.Errorf("%w: %w", domain.ErrGrantNotFound, err)
	case errors.Is(err, store.ErrPaymentOrderNotFound):
		return fmt.Errorf("%w: %w", domain.ErrPaymentOrderNotFound, err)
	}
	return err
}

func marshalMetadata(fields map[string]any) json.RawMessage {
	if len(fields) == 0 {
		return nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		log.Warn().Str("component", "ledger").Err(err).Msg("metadata marshal failed; dropping metadata")
		return nil
	}
	return raw
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
