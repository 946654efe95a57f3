// Package queue wraps the Redis queue store with the reliable
// reserve/acknowledge/dead-letter protocol and the TTL cache used for
// command idempotency.
//
// The client never retries on its own: broker errors propagate to callers,
// which own the retry policy. The queue store and the control plane are
// independent failure domains, so nothing here consults the circuit breaker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/speechengine/dataplane-agent/config"
	"github.com/speechengine/dataplane-agent/internal/models"
)

// commands is the subset of redis commands the client uses. *redis.Client
// satisfies it; tests substitute a fake.
type commands interface {
	Ping(ctx context.Context) *redis.StatusCmd
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	LMove(ctx context.Context, source, destination, srcpos, destpos string) *redis.StringCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Client provides queue and cache operations against the Redis store.
type Client struct {
	rdb    commands
	cfg    config.RedisConfig
	logger *slog.Logger
	closer func() error
}

// New creates a queue client connected to the configured Redis store.
func New(cfg config.RedisConfig, logger *slog.Logger) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
	})
	c := newWithCommands(rdb, cfg, logger)
	c.closer = rdb.Close
	return c
}

func newWithCommands(rdb commands, cfg config.RedisConfig, logger *slog.Logger) *Client {
	return &Client{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger.With("service", "queue_client"),
	}
}

// Ping verifies the queue store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	if c.closer != nil {
		return c.closer()
	}
	return nil
}

// ReliablePop atomically moves one item from the tail of sourceQueue to the
// head of processingQueue, blocking up to timeout. The returned token is the
// raw serialized payload and is used later for exact-match removal. The second
// return is false when the queue stayed empty for the full timeout.
func (c *Client) ReliablePop(ctx context.Context, sourceQueue, processingQueue string, timeout time.Duration) (string, bool, error) {
	token, err := c.rdb.BLMove(ctx, sourceQueue, processingQueue, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reliable pop from %s: %w", sourceQueue, err)
	}
	return token, true, nil
}

// Acknowledge removes one occurrence of token from processingQueue, marking
// the message as processed.
func (c *Client) Acknowledge(ctx context.Context, processingQueue, token string) error {
	removed, err := c.rdb.LRem(ctx, processingQueue, 1, token).Result()
	if err != nil {
		return fmt.Errorf("acknowledge on %s: %w", processingQueue, err)
	}
	if removed == 0 {
		c.logger.Warn("acknowledge removed nothing, token not found in processing queue",
			"processing_queue", processingQueue,
		)
	}
	return nil
}

// MoveToDeadLetter pushes a dead-letter entry wrapping token onto the dead
// letter queue, then removes token from processingQueue. If the removal fails
// after the push succeeded the message may be double-present; that is the
// accepted at-least-once tradeoff and it is logged loudly.
func (c *Client) MoveToDeadLetter(ctx context.Context, processingQueue, token, errorInfo string) error {
	original := json.RawMessage(token)
	if !json.Valid(original) {
		quoted, _ := json.Marshal(token)
		original = quoted
	}

	entry := models.DeadLetterEntry{
		OriginalMessage: original,
		ErrorInfo:       errorInfo,
		ProcessingQueue: processingQueue,
		FailedAt:        time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter entry: %w", err)
	}

	if err := c.rdb.LPush(ctx, c.cfg.DeadLetter, data).Err(); err != nil {
		return fmt.Errorf("push to dead letter queue %s: %w", c.cfg.DeadLetter, err)
	}
	deadLetteredTotal.WithLabelValues(processingQueue).Inc()

	c.logger.Warn("message moved to dead letter queue",
		"processing_queue", processingQueue,
		"error_info", errorInfo,
	)

	if err := c.rdb.LRem(ctx, processingQueue, 1, token).Err(); err != nil {
		c.logger.Error("failed to remove dead-lettered message from processing queue, message may be duplicated",
			"processing_queue", processingQueue,
			"error", err.Error(),
		)
		return fmt.Errorf("remove from %s after dead-letter push: %w", processingQueue, err)
	}
	return nil
}

// Publish serializes v and pushes it onto queueName.
func (c *Client) Publish(ctx context.Context, queueName string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", queueName, err)
	}
	if err := c.rdb.LPush(ctx, queueName, data).Err(); err != nil {
		return fmt.Errorf("push to %s: %w", queueName, err)
	}
	c.logger.Debug("message pushed to queue", "queue", queueName, "message_size", len(data))
	return nil
}

// RecoverProcessing drains messages stranded in sourceQueue's processing list
// back onto sourceQueue. Called at startup to recover from a prior crash.
func (c *Client) RecoverProcessing(ctx context.Context, sourceQueue string) (int, error) {
	processingQueue := config.ProcessingQueue(sourceQueue)
	recovered := 0
	for {
		err := c.rdb.LMove(ctx, processingQueue, sourceQueue, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return recovered, nil
		}
		if err != nil {
			return recovered, fmt.Errorf("recover %s: %w", processingQueue, err)
		}
		recovered++
		recoveredTotal.WithLabelValues(sourceQueue).Inc()
	}
}

// SetCache stores value under key with an optional TTL (0 means no expiry).
func (c *Client) SetCache(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set cache %s: %w", key, err)
	}
	return nil
}

// GetCache returns the cached value for key. The second return is false when
// the key does not exist.
func (c *Client) GetCache(ctx context.Context, key string) (string, bool, error) {
	value, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get cache %s: %w", key, err)
	}
	return value, true, nil
}

// DeleteCache removes key from the cache.
func (c *Client) DeleteCache(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete cache %s: %w", key, err)
	}
	return nil
}

// QueueLength returns the current length of queueName.
func (c *Client) QueueLength(ctx context.Context, queueName string) (int64, error) {
	n, err := c.rdb.LLen(ctx, queueName).Result()
	if err != nil {
		return 0, fmt.Errorf("length of %s: %w", queueName, err)
	}
	return n, nil
}

// AllQueueLengths returns the lengths of every configured queue. Used for
// observability only; a queue that cannot be measured reports zero.
func (c *Client) AllQueueLengths(ctx context.Context) map[string]int64 {
	queues := []string{
		c.cfg.UsageQueue,
		c.cfg.LifecycleQueue,
		c.cfg.QuotaQueue,
		c.cfg.DeadLetter,
	}
	lengths := make(map[string]int64, len(queues))
	for _, q := range queues {
		n, err := c.QueueLength(ctx, q)
		if err != nil {
			c.logger.Error("failed to get queue length", "queue", q, "error", err.Error())
			n = 0
		}
		lengths[q] = n
	}
	return lengths
}

// HealthCheck validates the store is usable with a set/get/delete round trip
// on a throwaway key, independent of any cached connection state.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	const testKey = "health_check_test"
	if err := c.SetCache(ctx, testKey, "test_value", 5*time.Second); err != nil {
		return err
	}
	value, ok, err := c.GetCache(ctx, testKey)
	if err != nil {
		return err
	}
	if err := c.DeleteCache(ctx, testKey); err != nil {
		return err
	}
	if !ok || value != "test_value" {
		return fmt.Errorf("cache round trip returned %q", value)
	}
	return nil
}
