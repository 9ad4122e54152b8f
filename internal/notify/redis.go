package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream notifications are added to.
const DefaultStream = "rfiflow:notifications"

// RedisNotifier publishes notifications to a Redis stream with XADD so that
// mail and chat dispatchers can consume them with consumer groups.
type RedisNotifier struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisNotifier creates a RedisNotifier. An empty stream uses
// DefaultStream; maxLen <= 0 leaves the stream uncapped.
func NewRedisNotifier(client redis.Cmdable, stream string, maxLen int64) *RedisNotifier {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisNotifier{client: client, stream: stream, maxLen: maxLen}
}

// Notify adds n to the stream as a single "payload" field plus the kind and
// RFI ID for cheap filtering.
func (r *RedisNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"kind":    n.Kind,
			"rfi_id":  n.RFIID,
			"payload": payload,
			"sent_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %q: %w", r.stream, err)
	}
	return nil
}

// HealthCheck pings the Redis server.
func (r *RedisNotifier) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
