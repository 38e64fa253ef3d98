package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redigo "github.com/redis/go-redis/v9"
	redisConfig "github.com/yeepay/aigc-broker/config/storage/redis"
	"github.com/yeepay/aigc-broker/internal/core/port"
	"go.uber.org/zap"
)

// scanBatch is the COUNT hint for pattern invalidation
const scanBatch = 200

type viewCache struct {
	redis *redisConfig.Redis
	log   *zap.Logger
}

// NewViewCache creates the Redis adapter caching task and history views
func NewViewCache(redis *redisConfig.Redis, log *zap.Logger) port.ViewCache {
	return &viewCache{
		redis: redis,
		log:   log,
	}
}

func TaskKey(taskID string) string {
	return fmt.Sprintf("task:%s", taskID)
}

func HistoryKey(key string) string {
	return fmt.Sprintf("history:%s", key)
}

func ImageMetaPattern(taskID string) string {
	return fmt.Sprintf("image_meta:%s:*", taskID)
}

func (c *viewCache) GetTask(ctx context.Context, taskID string) ([]byte, bool, error) {
	return c.get(ctx, TaskKey(taskID))
}

func (c *viewCache) SetTask(ctx context.Context, taskID string, data []byte, ttl time.Duration) error {
	return c.set(ctx, TaskKey(taskID), data, ttl)
}

func (c *viewCache) GetHistory(ctx context.Context, key string) ([]byte, bool, error) {
	return c.get(ctx, HistoryKey(key))
}

func (c *viewCache) SetHistory(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return c.set(ctx, HistoryKey(key), data, ttl)
}

// InvalidateTask drops the task view, every history page and the task's image metadata
func (c *viewCache) InvalidateTask(ctx context.Context, taskID string) error {
	if err := c.redis.Client.Conn().Del(ctx, TaskKey(taskID)).Err(); err != nil {
		return err
	}
	if err := c.deletePattern(ctx, HistoryKey("*")); err != nil {
		return err
	}
	return c.deletePattern(ctx, ImageMetaPattern(taskID))
}

// get and set go through the storage's connection so ctx cancellation applies
func (c *viewCache) get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.redis.Client.Conn().Get(ctx, key).Bytes()
	if errors.Is(err, redigo.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *viewCache) set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if len(data) == 0 {
		return nil
	}
	return c.redis.Client.Conn().Set(ctx, key, data, ttl).Err()
}

func (c *viewCache) deletePattern(ctx context.Context, pattern string) error {
	conn := c.redis.Client.Conn()
	var cursor uint64
	for {
		keys, next, err := conn.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := conn.Del(ctx, keys...).Err(); err != nil {
				return err
			}
			c.log.Debug("Invalidated cached views", zap.String("pattern", pattern), zap.Int("keys", len(keys)))
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
