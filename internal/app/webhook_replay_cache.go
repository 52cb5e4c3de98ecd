package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/transfa/credit-service/internal/domain"
)

const defaultWebhookReplayTTL = 24 * time.Hour

// WebhookReplayCache remembers webhook deliveries that already committed. The database
// state machine stays the authority; the cache only saves a round trip on retries.
type WebhookReplayCache interface {
	Seen(ctx context.Context, key string) (bool, error)
	Remember(ctx context.Context, key string) error
}

// RedisWebhookReplayCache implements WebhookReplayCache using Redis.
type RedisWebhookReplayCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisWebhookReplayCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisWebhookReplayCache {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "credits"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = defaultWebhookReplayTTL
	}

	return &RedisWebhookReplayCache{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

func (r *RedisWebhookReplayCache) key(key string) string {
	return fmt.Sprintf("%s:webhook:%s", r.prefix, key)
}

func (r *RedisWebhookReplayCache) Seen(ctx context.Context, key string) (bool, error) {
	if r == nil || r.client == nil || key == "" {
		return false, nil
	}
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisWebhookReplayCache) Remember(ctx context.Context, key string) error {
	if r == nil || r.client == nil || key == "" {
		return nil
	}
	return r.client.Set(ctx, r.key(key), 1, r.ttl).Err()
}

// webhookReplayKey identifies a delivery by event type, order and payment.
func webhookReplayKey(event domain.PaymentEvent) string {
	return strings.Join([]string{
		strings.TrimSpace(event.EventType),
		strings.TrimSpace(event.OrderID),
		strings.TrimSpace(event.PaymentID),
	}, ":")
}
