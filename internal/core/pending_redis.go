package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingKeyPrefix = "ideabot:pending:"

// RedisPendingStore shares pending interactions between bot replicas and restarts.
// Expiring interactions carry the TTL on the key; edit waits are stored without expiry.
type RedisPendingStore struct {
	client *redis.Client
	ttl    time.Duration
	clock  Clock
}

// NewRedisPendingStore connects using a redis:// URL and verifies it with a ping.
func NewRedisPendingStore(ctx context.Context, url string, ttl time.Duration, clock Clock) (*RedisPendingStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisPendingStore{client: c, ttl: ttl, clock: clock}, nil
}

func pendingKey(conversationID int64) string {
	return pendingKeyPrefix + strconv.FormatInt(conversationID, 10)
}

func (r *RedisPendingStore) Get(ctx context.Context, conversationID int64) (*Pending, error) {
	raw, err := r.client.Get(ctx, pendingKey(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get pending: %w", err)
	}

	var p Pending
	if err := json.Unmarshal(raw, &p); err != nil {
		// Unreadable state is discarded rather than wedging the conversation.
		_ = r.client.Del(ctx, pendingKey(conversationID)).Err()
		return nil, nil
	}
	if p.expiredAt(r.clock.now(), r.ttl) {
		_ = r.client.Del(ctx, pendingKey(conversationID)).Err()
		return nil, nil
	}
	return &p, nil
}

func (r *RedisPendingStore) Put(ctx context.Context, conversationID int64, p Pending) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis: encode pending: %w", err)
	}
	var ttl time.Duration
	if p.Expires() {
		ttl = r.ttl
	}
	if err := r.client.Set(ctx, pendingKey(conversationID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis: put pending: %w", err)
	}
	return nil
}

func (r *RedisPendingStore) Delete(ctx context.Context, conversationID int64) error {
	if err := r.client.Del(ctx, pendingKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("redis: delete pending: %w", err)
	}
	return nil
}

func (r *RedisPendingStore) Close() error {
	return r.client.Close()
}
