package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key written by RedisBackend.
const DefaultRedisPrefix = "shellcache"

// putIfStore writes the entry only while the store is still indexed, so a
// late background write cannot resurrect a deleted store.
var putIfStore = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) == false then
	return 0
end
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// createStore indexes a store once, scored by a monotonically increasing
// sequence so StoreNames returns creation order.
var createStore = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) == false then
	local seq = redis.call("INCR", KEYS[2])
	redis.call("ZADD", KEYS[1], seq, ARGV[1])
end
return 1
`)

// RedisBackend keeps each store as a Redis hash and indexes store names in a
// sorted set scored by creation sequence.
type RedisBackend struct {
	redis  *redis.Client
	prefix string
}

// NewRedisBackend creates a backend on redisClient. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisBackend(redisClient *redis.Client, prefix string) *RedisBackend {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) indexKey() string {
	return r.prefix + ":stores"
}

func (r *RedisBackend) storeKey(store string) string {
	return r.prefix + ":store:" + store
}

func (r *RedisBackend) CreateStore(ctx context.Context, store string) error {
	err := createStore.Run(ctx, r.redis, []string{r.indexKey(), r.indexKey() + ":seq"}, store).Err()
	if err != nil {
		return fmt.Errorf("redis create store: %w", err)
	}
	return nil
}

func (r *RedisBackend) HasStore(ctx context.Context, store string) (bool, error) {
	err := r.redis.ZScore(ctx, r.indexKey(), store).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis zscore: %w", err)
	}
	return true, nil
}

func (r *RedisBackend) StoreNames(ctx context.Context) ([]string, error) {
	names, err := r.redis.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return names, nil
}

func (r *RedisBackend) DeleteStore(ctx context.Context, store string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, r.indexKey(), store)
		pipe.Del(ctx, r.storeKey(store))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete store: %w", err)
	}
	return removed.Val() > 0, nil
}

// Get retrieves a snapshot. Returns ErrCacheMiss if the key doesn't exist.
func (r *RedisBackend) Get(ctx context.Context, store, key string) (*Snapshot, error) {
	data, err := r.redis.HGet(ctx, r.storeKey(store), key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis hget: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &snap, nil
}

func (r *RedisBackend) Put(ctx context.Context, store, key string, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	n, err := putIfStore.Run(ctx, r.redis, []string{r.indexKey(), r.storeKey(store)}, store, key, data).Int()
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	if n == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, store, key string) (bool, error) {
	n, err := r.redis.HDel(ctx, r.storeKey(store), key).Result()
	if err != nil {
		return false, fmt.Errorf("redis hdel: %w", err)
	}
	return n > 0, nil
}

func (r *RedisBackend) Keys(ctx context.Context, store string) ([]string, error) {
	ok, err := r.HasStore(ctx, store)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrStoreNotFound
	}
	keys, err := r.redis.HKeys(ctx, r.storeKey(store)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the Redis client.
func (r *RedisBackend) Close() error {
	return r.redis.Close()
}
