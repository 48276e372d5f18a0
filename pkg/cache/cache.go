package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AttemptTracker counts how many times a message has been handed back to the broker
type AttemptTracker interface {
	// Incr records one more failed attempt and returns the new total
	Incr(ctx context.Context, id string) (int, error)

	// Reset forgets the attempts recorded for id
	Reset(ctx context.Context, id string) error
}

type attemptItem struct {
	count     int
	expiresAt time.Time
}

// InMemoryAttempts is a process-local AttemptTracker
type InMemoryAttempts struct {
	items map[string]attemptItem
	mutex sync.Mutex
	ttl   time.Duration // Time to live for counters
}

// RedisAttempts is a Redis-backed AttemptTracker shared by all workers
type RedisAttempts struct {
	client  *redis.Client
	ttl     time.Duration
	keyBase string
}

// NewRedisClient connects to Redis and checks the connection
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	opts.MaxRetries = 5
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 2 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 4

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Test connection
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewInMemoryAttempts creates a process-local tracker with specified TTL
func NewInMemoryAttempts(ttl time.Duration) *InMemoryAttempts {
	return &InMemoryAttempts{
		items: make(map[string]attemptItem),
		ttl:   ttl,
	}
}

// NewRedisAttempts creates a tracker storing counters under keyBase
func NewRedisAttempts(client *redis.Client, ttl time.Duration, keyBase string) *RedisAttempts {
	return &RedisAttempts{
		client:  client,
		ttl:     ttl,
		keyBase: keyBase,
	}
}

// Incr increments the counter for id
func (a *InMemoryAttempts) Incr(ctx context.Context, id string) (int, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	now := time.Now()
	item, ok := a.items[id]
	if !ok || now.After(item.expiresAt) {
		item = attemptItem{}
	}
	item.count++
	item.expiresAt = now.Add(a.ttl)
	a.items[id] = item
	return item.count, nil
}

// Reset removes the counter for id
func (a *InMemoryAttempts) Reset(ctx context.Context, id string) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	delete(a.items, id)
	return nil
}

// Size returns the number of live counters
func (a *InMemoryAttempts) Size() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return len(a.items)
}

// Incr increments the counter for id and refreshes its TTL
func (a *RedisAttempts) Incr(ctx context.Context, id string) (int, error) {
	fullKey := a.keyBase + ":" + id

	var incr *redis.IntCmd
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, fullKey)
		pipe.Expire(ctx, fullKey, a.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempts for %s: %w", id, err)
	}
	return int(incr.Val()), nil
}

// Reset removes the counter for id
func (a *RedisAttempts) Reset(ctx context.Context, id string) error {
	return a.client.Del(ctx, a.keyBase+":"+id).Err()
}
