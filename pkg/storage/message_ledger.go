package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
)

// DefaultLedgerTTL is how long a processed message id is remembered
const DefaultLedgerTTL = 24 * time.Hour

// MessageLedger remembers which inbound message ids were already applied
type MessageLedger interface {
	// Seen reports whether the message id was already processed
	Seen(ctx context.Context, tenantID, messageID string) (bool, error)

	// Remember records the message id as processed
	Remember(ctx context.Context, tenantID, messageID string) error
}

func ledgerKey(tenantID, messageID string) string {
	return tenantID + ":" + messageID
}

// MemoryMessageLedger implements MessageLedger with an expiring in-process cache
type MemoryMessageLedger struct {
	seen *cache.Cache
	ttl  time.Duration
}

// NewMemoryMessageLedger creates a new in-memory ledger
func NewMemoryMessageLedger(ttl time.Duration) *MemoryMessageLedger {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	return &MemoryMessageLedger{
		seen: cache.New(ttl, ttl/2),
		ttl:  ttl,
	}
}

// Seen reports whether the message id was already processed
func (l *MemoryMessageLedger) Seen(ctx context.Context, tenantID, messageID string) (bool, error) {
	_, found := l.seen.Get(ledgerKey(tenantID, messageID))
	return found, nil
}

// Remember records the message id as processed
func (l *MemoryMessageLedger) Remember(ctx context.Context, tenantID, messageID string) error {
	l.seen.Set(ledgerKey(tenantID, messageID), struct{}{}, l.ttl)
	return nil
}

// RedisMessageLedger implements MessageLedger on Redis so every engine
// instance shares the same view
type RedisMessageLedger struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisMessageLedger creates a new Redis-backed ledger
func NewRedisMessageLedger(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisMessageLedger {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	if prefix == "" {
		prefix = "convoflow:messages:"
	}
	return &RedisMessageLedger{client: client, prefix: prefix, ttl: ttl}
}

// Seen reports whether the message id was already processed
func (l *RedisMessageLedger) Seen(ctx context.Context, tenantID, messageID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.prefix+ledgerKey(tenantID, messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check message ledger: %w", err)
	}
	return n > 0, nil
}

// Remember records the message id as processed
func (l *RedisMessageLedger) Remember(ctx context.Context, tenantID, messageID string) error {
	if err := l.client.SetNX(ctx, l.prefix+ledgerKey(tenantID, messageID), 1, l.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record message: %w", err)
	}
	return nil
}
