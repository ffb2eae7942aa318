package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mbd888/riskengine/internal/risk"
)

// DefaultRedisChannel is the pub/sub channel for configuration changes.
const DefaultRedisChannel = "riskengine:config-changes"

// RedisNotifier publishes changes over Redis pub/sub so every replica
// recomputes after an activation. Messages received from Redis, including
// this replica's own, are delivered to local subscribers.
type RedisNotifier struct {
	rdb     *goredis.Client
	channel string
	local   *LocalNotifier
	logger  *slog.Logger
}

// NewRedisNotifier creates a notifier on channel (DefaultRedisChannel when empty).
func NewRedisNotifier(rdb *goredis.Client, channel string, logger *slog.Logger) *RedisNotifier {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisNotifier{
		rdb:     rdb,
		channel: channel,
		local:   NewLocalNotifier(),
		logger:  logger.With("component", "config_redis_notifier"),
	}
}

// Publish sends the change to Redis. If Redis is unreachable the change is
// still delivered locally and the error is returned.
func (n *RedisNotifier) Publish(ctx context.Context, change Change) error {
	raw, err := json.Marshal(change)
	if err != nil {
		return err
	}
	if err := n.rdb.Publish(ctx, n.channel, raw).Err(); err != nil {
		n.local.deliver(change)
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (n *RedisNotifier) Subscribe(category risk.Category) (<-chan Change, func()) {
	return n.local.Subscribe(category)
}

// Start subscribes to the Redis channel and forwards messages to local
// subscribers until ctx is done.
func (n *RedisNotifier) Start(ctx context.Context) error {
	sub := n.rdb.Subscribe(ctx, n.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var change Change
				if err := json.Unmarshal([]byte(m.Payload), &change); err != nil {
					n.logger.Warn("bad config change payload", "error", err)
					continue
				}
				n.local.deliver(change)
			}
		}
	}()
	return nil
}

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}
