package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxResetRetries bounds optimistic-lock retries when a concurrent
// increment invalidates the reset snapshot.
const maxResetRetries = 10

// UnreadCache maintains per-user unread counters: one hash of
// chat id -> count plus a total scalar. It is a derived accelerator;
// the durable store stays the source of truth and callers must treat
// a miss (or an error) as "recompute from the store".
type UnreadCache interface {
	Increment(ctx context.Context, userID int, chatID int) (chatCount int, total int, err error)
	Reset(ctx context.Context, userID int, chatID int, value int) (total int, err error)
	Read(ctx context.Context, userID int) (counts map[int]int, total int, ok bool, err error)
	Populate(ctx context.Context, userID int, counts map[int]int) (total int, err error)
	Expire(ctx context.Context, userID int, ttl time.Duration) error
}

// RedisUnreadCache implements UnreadCache on Redis.
type RedisUnreadCache struct {
	client *redis.Client
}

// NewRedisUnreadCache connects a client from a redis URL.
func NewRedisUnreadCache(ctx context.Context, redisURL string) (*RedisUnreadCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisUnreadCache{client: client}, nil
}

// NewRedisUnreadCacheFromClient wraps an existing client. Used by
// tests.
func NewRedisUnreadCacheFromClient(client *redis.Client) *RedisUnreadCache {
	return &RedisUnreadCache{client: client}
}

// Close closes the Redis connection.
func (c *RedisUnreadCache) Close() error {
	return c.client.Close()
}

// Ping checks the Redis connection.
func (c *RedisUnreadCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func unreadKey(userID int) string {
	return fmt.Sprintf("unread:%d", userID)
}

func totalKey(userID int) string {
	return fmt.Sprintf("unread:%d:total", userID)
}

// Increment bumps the per-chat counter and the total together in one
// MULTI/EXEC group and returns both new values.
func (c *RedisUnreadCache) Increment(ctx context.Context, userID int, chatID int) (int, int, error) {
	pipe := c.client.TxPipeline()
	chatCmd := pipe.HIncrBy(ctx, unreadKey(userID), strconv.Itoa(chatID), 1)
	totalCmd := pipe.IncrBy(ctx, totalKey(userID), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return int(chatCmd.Val()), int(totalCmd.Val()), nil
}

// Reset sets the per-chat counter to value and recomputes the total as
// the sum over the full per-chat hash, never as a delta, so a missed
// or duplicated increment cannot drift the total permanently. The hash
// is WATCHed: a concurrent increment between snapshot and write aborts
// the transaction and the reset retries against the fresh state.
func (c *RedisUnreadCache) Reset(ctx context.Context, userID int, chatID int, value int) (int, error) {
	key := unreadKey(userID)
	field := strconv.Itoa(chatID)

	var total int
	txf := func(tx *redis.Tx) error {
		counts, err := tx.HGetAll(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		sum := value
		for f, raw := range counts {
			if f == field {
				continue
			}
			n, convErr := strconv.Atoi(raw)
			if convErr != nil {
				continue
			}
			sum += n
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, value)
			pipe.Set(ctx, totalKey(userID), sum, 0)
			return nil
		})
		if err == nil {
			total = sum
		}
		return err
	}

	for i := 0; i < maxResetRetries; i++ {
		err := c.client.Watch(ctx, txf, key)
		if err == nil {
			return total, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return 0, err
	}
	return 0, fmt.Errorf("unread reset for user %d chat %d: %w", userID, chatID, redis.TxFailedErr)
}

// Read returns the cached per-chat counts and total. ok is false on a
// miss (no counters cached for the user), in which case the caller
// must rebuild from the durable store via Populate.
func (c *RedisUnreadCache) Read(ctx context.Context, userID int) (map[int]int, int, bool, error) {
	pipe := c.client.Pipeline()
	hashCmd := pipe.HGetAll(ctx, unreadKey(userID))
	totalCmd := pipe.Get(ctx, totalKey(userID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, false, err
	}

	// The total key doubles as the presence marker: a populated user
	// with zero unread chats still has it set.
	rawTotal, err := totalCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	total, err := strconv.Atoi(rawTotal)
	if err != nil {
		return nil, 0, false, err
	}

	counts := map[int]int{}
	for f, raw := range hashCmd.Val() {
		chatID, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		counts[chatID] = n
	}
	return counts, total, true, nil
}

// Populate writes store-computed counts into the cache after a miss
// and returns the stored total.
func (c *RedisUnreadCache) Populate(ctx context.Context, userID int, counts map[int]int) (int, error) {
	total := 0
	fields := make(map[string]interface{}, len(counts))
	for chatID, n := range counts {
		fields[strconv.Itoa(chatID)] = n
		total += n
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, unreadKey(userID))
	if len(fields) > 0 {
		pipe.HSet(ctx, unreadKey(userID), fields)
	}
	pipe.Set(ctx, totalKey(userID), total, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

// Expire bounds the lifetime of the user's counters. The next read
// after expiry rebuilds them from the durable store.
func (c *RedisUnreadCache) Expire(ctx context.Context, userID int, ttl time.Duration) error {
	pipe := c.client.Pipeline()
	pipe.Expire(ctx, unreadKey(userID), ttl)
	pipe.Expire(ctx, totalKey(userID), ttl)
	_, err := pipe.Exec(ctx)
	return err
}
