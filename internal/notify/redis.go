package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shineum/tempmail-relay/internal/email"
)

const (
	// DefaultTTL is how long a notification key lives.
	DefaultTTL = time.Hour
	// DefaultChannel is the pub/sub channel notifications are published on.
	DefaultChannel = "tempmail:notifications"

	keyPrefix = "notification:"
)

// RedisClient is the subset of *redis.Client used here.
type RedisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Redis stores each notification under notification:<unix-nanos> with a TTL
// and publishes it on a channel.
type Redis struct {
	client  RedisClient
	channel string
	ttl     time.Duration
	now     func() time.Time
}

// RedisOption customizes Redis.
type RedisOption func(*Redis)

// WithChannel sets the pub/sub channel.
func WithChannel(channel string) RedisOption {
	return func(r *Redis) {
		if channel != "" {
			r.channel = channel
		}
	}
}

// WithTTL sets the key expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRedisClock overrides time.Now for key generation.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRedis returns a Redis notifier over client.
func NewRedis(client RedisClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:  client,
		channel: DefaultChannel,
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Channel returns the pub/sub channel name.
func (r *Redis) Channel() string {
	return r.channel
}

// Publish implements Notifier. The key is written before publishing; a
// failed write still attempts the publish.
func (r *Redis) Publish(ctx context.Context, n email.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	key := fmt.Sprintf("%s%d", keyPrefix, r.now().UnixNano())
	setErr := r.client.Set(ctx, key, payload, r.ttl).Err()
	if setErr != nil {
		slog.Warn("failed to store notification", "key", key, "error", setErr)
	}

	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	if setErr != nil {
		return fmt.Errorf("failed to store notification: %w", setErr)
	}
	return nil
}

// Relay copies pub/sub messages into hub until ctx is done or msgs closes.
// It lets every instance's websocket subscribers see events handled by any
// instance.
func Relay(ctx context.Context, msgs <-chan *redis.Message, hub *Hub) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			hub.Broadcast([]byte(msg.Payload))
		}
	}
}
