package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/protocol-bank/payroll/internal/storage"
	"github.com/protocol-bank/payroll/types"
)

var _ storage.BatchRepository = (*BatchCache)(nil)

const (
	DefaultTTL = 24 * time.Hour
	keyPrefix  = "payroll:batch:"
)

func Connect(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// BatchCache is a read-through cache of batch snapshots in front of a
// durable store. Cache failures are logged and never fail the caller.
type BatchCache struct {
	client *redis.Client
	next   storage.BatchRepository
	ttl    time.Duration
	logger *logrus.Entry
}

func NewBatchCache(client *redis.Client, next storage.BatchRepository, ttl time.Duration, logger *logrus.Logger) *BatchCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &BatchCache{
		client: client,
		next:   next,
		ttl:    ttl,
		logger: logger.WithField("pkg", "redis.BatchCache"),
	}
}

func (c *BatchCache) SaveBatch(ctx context.Context, status types.BatchStatus) error {
	if err := c.next.SaveBatch(ctx, status); err != nil {
		return err
	}
	c.put(ctx, status)
	return nil
}

func (c *BatchCache) GetBatch(ctx context.Context, batchID string) (*types.BatchStatus, error) {
	buf, err := c.client.Get(ctx, key(batchID)).Bytes()
	switch {
	case err == nil:
		var status types.BatchStatus
		er := json.Unmarshal(buf, &status)
		if er == nil {
			return &status, nil
		}
		c.logger.WithError(er).WithField("batch_id", batchID).Warn("dropping corrupt cache entry")
		_ = c.client.Del(ctx, key(batchID)).Err()
	case errors.Is(err, redis.Nil):
	default:
		c.logger.WithError(err).WithField("batch_id", batchID).Warn("cache read failed")
	}

	status, err := c.next.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	c.put(ctx, *status)
	return status, nil
}

func (c *BatchCache) put(ctx context.Context, status types.BatchStatus) {
	buf, err := json.Marshal(status)
	if err != nil {
		c.logger.WithError(err).Warn("failed to marshal batch for cache")
		return
	}
	if err := c.client.Set(ctx, key(status.BatchID), buf, c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("batch_id", status.BatchID).Warn("cache write failed")
	}
}

func key(batchID string) string {
	return keyPrefix + batchID
}
