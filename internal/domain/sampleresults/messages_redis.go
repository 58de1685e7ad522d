package sampleresults

import (
	"context"
	"errors"
	"time"

	"github.com/ehr/lis/internal/platform/kv"
)

const messageKeyPrefix = "lis:message:"

// RedisMessageBus shares operator messages between server replicas. Redis
// replaces the expiry on every SET, which gives the same replace-cancels-clear
// behaviour as TransientMessageBus.
type RedisMessageBus struct {
	store  kv.KV
	prefix string
}

// NewRedisMessageBus scopes all keys under namespace, normally the session id.
func NewRedisMessageBus(store kv.KV, namespace string) *RedisMessageBus {
	return &RedisMessageBus{store: store, prefix: messageKeyPrefix + namespace + ":"}
}

func (b *RedisMessageBus) Set(ctx context.Context, key, text string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return b.store.Set(ctx, b.prefix+key, text, ttl)
}

func (b *RedisMessageBus) Get(ctx context.Context, key string) (string, error) {
	val, err := b.store.Get(ctx, b.prefix+key)
	if errors.Is(err, kv.ErrMiss) {
		return "", nil
	}
	return val, err
}

func (b *RedisMessageBus) Clear(ctx context.Context, key string) error {
	return b.store.Del(ctx, b.prefix+key)
}

type prefixDeleter interface {
	DelPrefix(ctx context.Context, prefix string) (int, error)
}

// Close drops every message in the namespace when the store supports it.
func (b *RedisMessageBus) Close() {
	if d, ok := b.store.(prefixDeleter); ok {
		_, _ = d.DelPrefix(context.Background(), b.prefix)
	}
}
