package contextresolver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTier implements Tier over go-redis, so horizontally scaled API
// replicas share a warm ContextResolver cache. Invalidate publishes on a
// channel keyed by the cache key so other replicas can drop their
// in-process copy as well.
type RedisTier struct {
	client    redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
	channel   string
}

// NewRedisTier constructs a RedisTier. ttl bounds how long a resolution is
// trusted before a fresh evaluation is forced.
func NewRedisTier(client redis.UniversalClient, ttl time.Duration) *RedisTier {
	return &RedisTier{client: client, ttl: ttl, keyPrefix: "agentcore:ctx:", channel: "agentcore:ctx:invalidate"}
}

var _ Tier = (*RedisTier)(nil)

func (t *RedisTier) Get(ctx context.Context, key string) (map[string]any, bool, error) {
	raw, err := t.client.Get(ctx, t.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (t *RedisTier) Set(ctx context.Context, key string, value map[string]any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return t.client.Set(ctx, t.keyPrefix+key, raw, t.ttl).Err()
}

func (t *RedisTier) Invalidate(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, t.keyPrefix+key).Err(); err != nil {
		return err
	}
	return t.client.Publish(ctx, t.channel, key).Err()
}

// Subscribe listens for invalidation notifications published by other
// replicas and invokes onInvalidate(key) for each. It blocks until ctx is
// canceled.
func (t *RedisTier) Subscribe(ctx context.Context, onInvalidate func(key string)) error {
	sub := t.client.Subscribe(ctx, t.channel)
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			onInvalidate(msg.Payload)
		}
	}
}
