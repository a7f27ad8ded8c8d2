package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator ensures each (day, level) alert is dispatched once, even
// when several proxy instances observe the same crossing.
type AlertDeduplicator interface {
	// ShouldAlert returns true only for the first caller for this day and level.
	ShouldAlert(ctx context.Context, day string, level AlertLevel) bool
}

// InMemoryDeduplicator is suitable for single-instance deployments.
type InMemoryDeduplicator struct {
	mu   sync.Mutex
	sent map[string]struct{}
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		sent: make(map[string]struct{}),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, day string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := day + ":" + string(level)
	if _, ok := d.sent[key]; ok {
		return false
	}

	d.sent[key] = struct{}{}
	return true
}

// RedisDeduplicator shares alert state across instances.
type RedisDeduplicator struct {
	client  *redis.Client
	lockTTL time.Duration
}

func NewRedisDeduplicator(redisURL string, lockTTL time.Duration) (*RedisDeduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisDeduplicatorWithClient(client, lockTTL), nil
}

// NewRedisDeduplicatorWithClient reuses an existing client. lockTTL should
// outlive a day so an alert is not repeated before the day rolls over.
func NewRedisDeduplicatorWithClient(client *redis.Client, lockTTL time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client:  client,
		lockTTL: lockTTL,
	}
}

func (d *RedisDeduplicator) alertKey(day string, level AlertLevel) string {
	return fmt.Sprintf("quota:alert:%s:%s", day, level)
}

// ShouldAlert uses SETNX so only one instance wins.
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, day string, level AlertLevel) bool {
	acquired, err := d.client.SetNX(ctx, d.alertKey(day, level), time.Now().Unix(), d.lockTTL).Result()
	if err != nil {
		// fail open
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}
