package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/tcmartin/convoflow/pkg/logging"
	"github.com/tcmartin/convoflow/pkg/models"
)

// DefaultChannelPrefix prefixes the per-tenant pub/sub channels
const DefaultChannelPrefix = "convoflow:executions:"

// ChannelFor returns the pub/sub channel of a tenant
func ChannelFor(prefix, tenantID string) string {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return prefix + tenantID
}

// RedisPublisher publishes notifications to Redis so other instances can
// relay them to their own subscribers
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisPublisher creates a publisher on client
func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Notify implements Notifier
func (p *RedisPublisher) Notify(ctx context.Context, n models.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := p.client.Publish(ctx, ChannelFor(p.prefix, n.TenantID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish notification for execution %s: %w", n.ExecutionID, err)
	}
	return nil
}

// Relay forwards notifications published on Redis to a local notifier
type Relay struct {
	client redis.UniversalClient
	prefix string
	target Notifier
	logger logging.Logger
}

// NewRelay creates a relay delivering to target
func NewRelay(client redis.UniversalClient, prefix string, target Notifier, logger logging.Logger) *Relay {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Relay{client: client, prefix: prefix, target: target, logger: logger}
}

// Run subscribes to every tenant channel and forwards messages until ctx is
// done. It returns once the subscription is confirmed or has failed; the
// forwarding continues in the background.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, r.prefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("failed to subscribe to %s*: %w", r.prefix, err)
	}

	go func() {
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				r.forward(ctx, msg)
			}
		}
	}()
	return nil
}

func (r *Relay) forward(ctx context.Context, msg *redis.Message) {
	var n models.Notification
	if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
		r.logger.Warn("Discarding malformed notification", logging.F("channel", msg.Channel), logging.Err(err))
		return
	}
	if tenant := strings.TrimPrefix(msg.Channel, r.prefix); tenant != n.TenantID {
		r.logger.Warn("Discarding notification published on another tenant's channel",
			logging.F("channel", msg.Channel), logging.F("tenant_id", n.TenantID))
		return
	}
	if err := r.target.Notify(ctx, n); err != nil {
		r.logger.Warn("Failed to relay notification", logging.F("execution_id", n.ExecutionID), logging.Err(err))
	}
}
