package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes. Flat keyspace, one logical entry per key, every key TTL'd.
const (
	keySession = "ticketd:sess:"
	keyIntent  = "ticketd:intent:"
	keyFulfill = "ticketd:fulfill:"
	keyEvent   = "ticketd:event:"
)

// RedisStore backs sessions with Redis so multiple workers can share the
// checkout flow. Gates use SETNX, which makes the winner decision atomic
// across processes.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to url (redis://...) and verifies the
// connection with a ping.
func NewRedisStore(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

// NewRedisStoreWithClient wraps an existing client (tests use miniredis).
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) Put(ctx context.Context, s *Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, keySession+s.OrderID, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, orderID string) (*Session, error) {
	payload, err := r.client.Get(ctx, keySession+orderID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) Delete(ctx context.Context, orderID string) error {
	if err := r.client.Del(ctx, keySession+orderID).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *RedisStore) BindIntent(ctx context.Context, intentID, orderID string) error {
	if err := r.client.Set(ctx, keyIntent+intentID, orderID, r.ttl).Err(); err != nil {
		return fmt.Errorf("bind intent: %w", err)
	}
	return nil
}

func (r *RedisStore) ResolveIntent(ctx context.Context, intentID string) (string, error) {
	orderID, err := r.client.Get(ctx, keyIntent+intentID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrIntentNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve intent: %w", err)
	}
	return orderID, nil
}

func (r *RedisStore) AcquireFulfillment(ctx context.Context, intentID string) (bool, error) {
	won, err := r.client.SetNX(ctx, keyFulfill+intentID, "1", FulfillGateTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire fulfillment: %w", err)
	}
	return won, nil
}

func (r *RedisStore) MarkEventSeen(ctx context.Context, eventID string) (bool, error) {
	fresh, err := r.client.SetNX(ctx, keyEvent+eventID, "1", EventSeenTTL).Result()
	if err != nil {
		return false, fmt.Errorf("mark event seen: %w", err)
	}
	return fresh, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
