package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/credit-service/internal/domain"
	"github.com/transfa/credit-service/internal/store"
	"github.com/transfa/credit-service/pkg/paymentclient"
)

// memoryRepo is an in-memory store.Repository. WithLockedBalance serializes per user
// with a mutex and stages writes so a failing callback leaves nothing behind.
type memoryRepo struct {
	locksMu   sync.Mutex
	userLocks map[string]*sync.Mutex

	mu             sync.Mutex
	initialBalance int64
	balances       map[string]domain.UserCreditBalance
	grants         map[uuid.UUID]domain.BonusCreditGrant
	transactions   []domain.CreditTransaction
	orders         map[uuid.UUID]domain.PaymentOrder

	lockCalls        int
	orderReads       int
	candidateQueries int
	expireErrs       map[uuid.UUID]error
	onCandidate      func()
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		userLocks:  make(map[string]*sync.Mutex),
		balances:   make(map[string]domain.UserCreditBalance),
		grants:     make(map[uuid.UUID]domain.BonusCreditGrant),
		orders:     make(map[uuid.UUID]domain.PaymentOrder),
		expireErrs: make(map[uuid.UUID]error),
	}
}

func (r *memoryRepo) userLock(userID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	lock, ok := r.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		r.userLocks[userID] = lock
	}
	return lock
}

func (r *memoryRepo) WithLockedBalance(ctx context.Context, userID string, fn store.LockedFunc) error {
	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	r.lockCalls++
	balance, exists := r.balances[userID]
	r.mu.Unlock()

	tx := &memoryTx{
		repo:   r,
		grants: make(map[uuid.UUID]domain.BonusCreditGrant),
		orders: make(map[uuid.UUID]domain.PaymentOrder),
	}
	if !exists {
		balance = domain.UserCreditBalance{
			UserID:                  userID,
			Balance:                 r.initialBalance,
			LifetimeCreditsReceived: r.initialBalance,
		}
		if r.initialBalance > 0 {
			tx.transactions = append(tx.transactions, domain.CreditTransaction{
				ID:     uuid.New(),
				UserID: userID,
				Type:   domain.TransactionTypeSignupCredit,
				Amount: r.initialBalance,
			})
		}
	}
	tx.balance = balance

	if err := fn(ctx, tx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[userID] = tx.balance
	for id, grant := range tx.grants {
		r.grants[id] = grant
	}
	r.transactions = append(r.transactions, tx.transactions...)
	for id, order := range tx.orders {
		r.orders[id] = order
	}
	return nil
}

func (r *memoryRepo) GetBalance(ctx context.Context, userID string) (*domain.UserCreditBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	balance, ok := r.balances[userID]
	if !ok {
		return nil, store.ErrBalanceNotFound
	}
	return &balance, nil
}

func (r *memoryRepo) FindGrantByID(ctx context.Context, grantID uuid.UUID) (*domain.BonusCreditGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	grant, ok := r.grants[grantID]
	if !ok {
		return nil, store.ErrGrantNotFound
	}
	return &grant, nil
}

func (r *memoryRepo) ListGrantsByUser(ctx context.Context, userID string, includeExpired bool) ([]domain.BonusCreditGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var grants []domain.BonusCreditGrant
	for _, grant := range r.grants {
		if grant.UserID != userID || (!includeExpired && grant.IsExpired) {
			continue
		}
		grants = append(grants, grant)
	}
	sort.Slice(grants, func(i, j int) bool {
		return grants[i].CreatedAt.After(grants[j].CreatedAt)
	})
	return grants, nil
}

func (r *memoryRepo) FindExpiredGrantCandidates(ctx context.Context, now time.Time, after *store.GrantCursor, limit int) ([]domain.BonusCreditGrant, error) {
	r.mu.Lock()
	r.candidateQueries++
	var grants []domain.BonusCreditGrant
	for _, grant := range r.grants {
		if grant.IsExpired || !grant.PastExpiry(now) {
			continue
		}
		if after != nil && !grantAfterCursor(grant, *after) {
			continue
		}
		grants = append(grants, grant)
	}
	r.mu.Unlock()

	sort.Slice(grants, func(i, j int) bool {
		a, b := grants[i], grants[j]
		if !a.ExpiresAt.Equal(*b.ExpiresAt) {
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
	if len(grants) > limit {
		grants = grants[:limit]
	}
	if r.onCandidate != nil {
		hook := r.onCandidate
		r.onCandidate = nil
		hook()
	}
	return grants, nil
}

// grantAfterCursor mirrors the (expires_at, id) row comparison used by Postgres.
func grantAfterCursor(grant domain.BonusCreditGrant, cursor store.GrantCursor) bool {
	if !grant.ExpiresAt.Equal(cursor.ExpiresAt) {
		return grant.ExpiresAt.After(cursor.ExpiresAt)
	}
	return bytes.Compare(grant.ID[:], cursor.ID[:]) > 0
}

func (r *memoryRepo) ListTransactionsByUser(ctx context.Context, userID string, limit int, offset int) ([]domain.CreditTransaction, error) {
	all := r.userTransactions(userID)
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *memoryRepo) CreatePaymentOrder(ctx context.Context, order *domain.PaymentOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.orders {
		if existing.ExternalOrderID == order.ExternalOrderID {
			return fmt.Errorf("payment order %s already exists", order.ExternalOrderID)
		}
	}
	r.orders[order.ID] = *order
	return nil
}

func (r *memoryRepo) FindPaymentOrderByExternalID(ctx context.Context, externalOrderID string) (*domain.PaymentOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orderReads++
	for _, order := range r.orders {
		if order.ExternalOrderID == externalOrderID {
			found := order
			return &found, nil
		}
	}
	return nil, store.ErrPaymentOrderNotFound
}

func (r *memoryRepo) MarkPaymentOrderFailed(ctx context.Context, orderID uuid.UUID, paymentID string, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok || order.Status != domain.PaymentOrderCreated {
		return false, nil
	}
	order.Status = domain.PaymentOrderFailed
	order.FailureReason = &reason
	if paymentID != "" {
		order.ExternalPaymentID = &paymentID
	}
	r.orders[orderID] = order
	return true, nil
}

func (r *memoryRepo) seedBalance(balance domain.UserCreditBalance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[balance.UserID] = balance
}

func (r *memoryRepo) balance(t *testing.T, userID string) domain.UserCreditBalance {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	balance, ok := r.balances[userID]
	if !ok {
		t.Fatalf("no balance row for %s", userID)
	}
	return balance
}

func (r *memoryRepo) grant(t *testing.T, grantID uuid.UUID) domain.BonusCreditGrant {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	grant, ok := r.grants[grantID]
	if !ok {
		t.Fatalf("no grant %s", grantID)
	}
	return grant
}

func (r *memoryRepo) userTransactions(userID string) []domain.CreditTransaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CreditTransaction
	for _, txn := range r.transactions {
		if txn.UserID == userID {
			out = append(out, txn)
		}
	}
	return out
}

func (r *memoryRepo) order(t *testing.T, externalOrderID string) domain.PaymentOrder {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, order := range r.orders {
		if order.ExternalOrderID == externalOrderID {
			return order
		}
	}
	t.Fatalf("no payment order %s", externalOrderID)
	return domain.PaymentOrder{}
}

type memoryTx struct {
	repo         *memoryRepo
	balance      domain.UserCreditBalance
	grants       map[uuid.UUID]domain.BonusCreditGrant
	transactions []domain.CreditTransaction
	orders       map[uuid.UUID]domain.PaymentOrder
}

func (t *memoryTx) Balance() domain.UserCreditBalance {
	return t.balance
}

func (t *memoryTx) SaveBalance(ctx context.Context, balance domain.UserCreditBalance) error {
	balance.UserID = t.balance.UserID
	balance.ReservedBalance = t.balance.ReservedBalance
	balance.LastUpdated = time.Now().UTC()
	t.balance = balance
	return nil
}

func (t *memoryTx) lookupGrant(grantID uuid.UUID) (domain.BonusCreditGrant, bool) {
	if grant, ok := t.grants[grantID]; ok {
		return grant, true
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	grant, ok := t.repo.grants[grantID]
	if !ok || grant.UserID != t.balance.UserID {
		return domain.BonusCreditGrant{}, false
	}
	return grant, true
}

func (t *memoryTx) ListActiveGrantsFIFO(ctx context.Context) ([]domain.BonusCreditGrant, error) {
	t.repo.mu.Lock()
	ids := make([]uuid.UUID, 0)
	for id, grant := range t.repo.grants {
		if grant.UserID == t.balance.UserID {
			ids = append(ids, id)
		}
	}
	t.repo.mu.Unlock()
	for id := range t.grants {
		ids = append(ids, id)
	}

	seen := make(map[uuid.UUID]bool)
	var grants []domain.BonusCreditGrant
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		grant, ok := t.lookupGrant(id)
		if ok && !grant.IsExpired && grant.RemainingAmount > 0 {
			grants = append(grants, grant)
		}
	}
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].CreatedAt.Equal(grants[j].CreatedAt) {
			return grants[i].ID.String() < grants[j].ID.String()
		}
		return grants[i].CreatedAt.Before(grants[j].CreatedAt)
	})
	return grants, nil
}

func (t *memoryTx) LockGrant(ctx context.Context, grantID uuid.UUID) (*domain.BonusCreditGrant, error) {
	grant, ok := t.lookupGrant(grantID)
	if !ok {
		return nil, store.ErrGrantNotFound
	}
	return &grant, nil
}

func (t *memoryTx) InsertGrant(ctx context.Context, grant *domain.BonusCreditGrant) error {
	inserted := *grant
	inserted.UserID = t.balance.UserID
	t.grants[grant.ID] = inserted
	return nil
}

func (t *memoryTx) UpdateGrantRemaining(ctx context.Context, grantID uuid.UUID, remaining int64) error {
	grant, ok := t.lookupGrant(grantID)
	if !ok {
		return store.ErrGrantNotFound
	}
	if remaining < 0 || remaining > grant.OriginalAmount {
		return fmt.Errorf("remaining %d out of range for grant %s", remaining, grantID)
	}
	grant.RemainingAmount = remaining
	t.grants[grantID] = grant
	return nil
}

func (t *memoryTx) MarkGrantExpired(ctx context.Context, grantID uuid.UUID) error {
	t.repo.mu.Lock()
	injected := t.repo.expireErrs[grantID]
	t.repo.mu.Unlock()
	if injected != nil {
		return injected
	}
	grant, ok := t.lookupGrant(grantID)
	if !ok || grant.IsExpired {
		return store.ErrGrantNotFound
	}
	grant.IsExpired = true
	t.grants[grantID] = grant
	return nil
}

func (t *memoryTx) InsertTransaction(ctx context.Context, txn *domain.CreditTransaction) error {
	t.transactions = append(t.transactions, *txn)
	return nil
}

func (t *memoryTx) LockPaymentOrder(ctx context.Context, orderID uuid.UUID) (*domain.PaymentOrder, error) {
	if order, ok := t.orders[orderID]; ok {
		return &order, nil
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	order, ok := t.repo.orders[orderID]
	if !ok || order.UserID != t.balance.UserID {
		return nil, store.ErrPaymentOrderNotFound
	}
	return &order, nil
}

func (t *memoryTx) MarkPaymentOrderCaptured(ctx context.Context, orderID uuid.UUID, paymentID string, creditTransactionID uuid.UUID, paidAt time.Time) error {
	order, err := t.LockPaymentOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == domain.PaymentOrderCaptured {
		return errors.New("order already captured")
	}
	order.Status = domain.PaymentOrderCaptured
	order.ExternalPaymentID = &paymentID
	order.CreditTransactionID = &creditTransactionID
	order.PaidAt = &paidAt
	order.FailureReason = nil
	t.orders[orderID] = *order
	return nil
}

// stepClock advances by one second on every reading so grants created back to back
// get distinct creation times.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []LedgerEvent
	keys   []string
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	if event, ok := body.(LedgerEvent); ok {
		p.events = append(p.events, event)
	}
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

// fakePayments verifies webhooks with the real client and fakes order creation.
type fakePayments struct {
	*paymentclient.Client

	mu        sync.Mutex
	createErr error
	requests  []paymentclient.CreateOrderRequest
}

const testWebhookSecret = "whsec_ledger_test"

func newFakePayments() *fakePayments {
	return &fakePayments{Client: paymentclient.NewClient("", "key", "secret", testWebhookSecret)}
}

func (f *fakePayments) CreateOrder(ctx context.Context, req paymentclient.CreateOrderRequest) (*paymentclient.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.requests = append(f.requests, req)
	return &paymentclient.Order{
		ID:       fmt.Sprintf("order_%d", len(f.requests)),
		Amount:   req.Amount,
		Currency: req.Currency,
		Status:   "created",
	}, nil
}

type memoryReplayCache struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMemoryReplayCache() *memoryReplayCache {
	return &memoryReplayCache{keys: make(map[string]bool)}
}

func (c *memoryReplayCache) Seen(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys[key], nil
}

func (c *memoryReplayCache) Remember(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[key] = true
	return nil
}

type testHarness struct {
	svc       *Service
	repo      *memoryRepo
	clock     *stepClock
	publisher *recordingPublisher
	payments  *fakePayments
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	repo := newMemoryRepo()
	publisher := &recordingPublisher{}
	payments := newFakePayments()
	clock := newStepClock()
	svc := NewService(repo, payments, publisher, ServiceConfig{})
	svc.now = clock.Now
	return &testHarness{svc: svc, repo: repo, clock: clock, publisher: publisher, payments: payments}
}

func (h *testHarness) addOrder(userID, externalOrderID string, credits int64) domain.PaymentOrder {
	order := domain.PaymentOrder{
		ID:              uuid.New(),
		UserID:          userID,
		ExternalOrderID: externalOrderID,
		Status:          domain.PaymentOrderCreated,
		Credits:         credits,
		Amount:          credits * 100,
		Currency:        "INR",
		Provider:        paymentclient.ProviderName,
	}
	if err := h.repo.CreatePaymentOrder(context.Background(), &order); err != nil {
		panic(err)
	}
	return order
}

func sumAmounts(transactions []domain.CreditTransaction) int64 {
	var total int64
	for _, txn := range transactions {
		total += txn.Amount
	}
	return total
}
