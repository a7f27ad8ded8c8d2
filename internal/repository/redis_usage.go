package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/felipepmaragno/genproxy/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Records live in a hash per accounting key. Per-day and per-user-day totals
// are kept beside them and adjusted in the same script, so SumTokens and
// SumUserTokens are single GETs.

// insertScript creates a record only if the key is absent.
// Keys: [record_key, day_total_key, user_total_key]
// Args: [user_id, day, tokens_used, request_count, now_unix_nano, ttl_seconds]
// Returns: 1 if inserted, 0 if the record already existed
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end

redis.call('HSET', KEYS[1],
    'user_id', ARGV[1],
    'day', ARGV[2],
    'tokens_used', ARGV[3],
    'request_count', ARGV[4],
    'created_at', ARGV[5],
    'updated_at', ARGV[5])
redis.call('INCRBY', KEYS[2], ARGV[3])
redis.call('INCRBY', KEYS[3], ARGV[3])

local ttl = tonumber(ARGV[6])
if ttl > 0 then
    redis.call('EXPIRE', KEYS[1], ttl)
    redis.call('EXPIRE', KEYS[2], ttl)
    redis.call('EXPIRE', KEYS[3], ttl)
end

return 1
`)

// updateScript overwrites tokens_used and shifts the totals by the difference.
// Keys: [record_key, day_total_key, user_total_key]
// Args: [tokens_used, request_count, now_unix_nano]
// Returns: 1 if updated, 0 if the record does not exist
var updateScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[1], 'tokens_used')
if not old then
    return 0
end

local delta = tonumber(ARGV[1]) - tonumber(old)
redis.call('HSET', KEYS[1],
    'tokens_used', ARGV[1],
    'request_count', ARGV[2],
    'updated_at', ARGV[3])
redis.call('INCRBY', KEYS[2], delta)
redis.call('INCRBY', KEYS[3], delta)

return 1
`)

type RedisUsageRepository struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
}

// NewRedisUsageRepositoryWithClient stores usage on client. retention bounds
// how long records and totals are kept; zero keeps them forever.
func NewRedisUsageRepositoryWithClient(client *redis.Client, retention time.Duration) *RedisUsageRepository {
	return &RedisUsageRepository{
		client:    client,
		keyPrefix: "usage:",
		retention: retention,
	}
}

func (r *RedisUsageRepository) recordKey(accountingKey string) string {
	return r.keyPrefix + "record:" + accountingKey
}

func (r *RedisUsageRepository) dayKey(day string) string {
	return r.keyPrefix + "day:" + day
}

func (r *RedisUsageRepository) userDayKey(userID, day string) string {
	return r.keyPrefix + "user:" + userID + ":" + day
}

func (r *RedisUsageRepository) Get(ctx context.Context, accountingKey string) (*domain.UsageRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.recordKey(accountingKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("get usage record: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrUsageRecordNotFound
	}

	record := &domain.UsageRecord{
		AccountingKey: accountingKey,
		UserID:        fields["user_id"],
		Day:           fields["day"],
	}
	if record.TokensUsed, err = strconv.ParseInt(fields["tokens_used"], 10, 64); err != nil {
		return nil, fmt.Errorf("parse tokens_used: %w", err)
	}
	if record.RequestCount, err = strconv.ParseInt(fields["request_count"], 10, 64); err != nil {
		return nil, fmt.Errorf("parse request_count: %w", err)
	}
	record.CreatedAt = parseUnixNano(fields["created_at"])
	record.UpdatedAt = parseUnixNano(fields["updated_at"])

	return record, nil
}

func (r *RedisUsageRepository) Insert(ctx context.Context, record *domain.UsageRecord) error {
	now := time.Now()
	keys := []string{
		r.recordKey(record.AccountingKey),
		r.dayKey(record.Day),
		r.userDayKey(record.UserID, record.Day),
	}

	inserted, err := insertScript.Run(ctx, r.client, keys,
		record.UserID,
		record.Day,
		record.TokensUsed,
		record.RequestCount,
		now.UnixNano(),
		int64(r.retention.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	if inserted == 0 {
		return domain.ErrUsageRecordExists
	}

	record.CreatedAt = now
	record.UpdatedAt = now
	return nil
}

func (r *RedisUsageRepository) Update(ctx context.Context, record *domain.UsageRecord) error {
	now := time.Now()
	keys := []string{
		r.recordKey(record.AccountingKey),
		r.dayKey(record.Day),
		r.userDayKey(record.UserID, record.Day),
	}

	updated, err := updateScript.Run(ctx, r.client, keys,
		record.TokensUsed,
		record.RequestCount,
		now.UnixNano(),
	).Int()
	if err != nil {
		return fmt.Errorf("update usage record: %w", err)
	}
	if updated == 0 {
		return domain.ErrUsageRecordNotFound
	}

	record.UpdatedAt = now
	return nil
}

func (r *RedisUsageRepository) SumTokens(ctx context.Context, day string) (int64, error) {
	return r.getTotal(ctx, r.dayKey(day))
}

func (r *RedisUsageRepository) SumUserTokens(ctx context.Context, userID, day string) (int64, error) {
	return r.getTotal(ctx, r.userDayKey(userID, day))
}

func (r *RedisUsageRepository) getTotal(ctx context.Context, key string) (int64, error) {
	total, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get usage total: %w", err)
	}
	return total, nil
}

// Client exposes the underlying client for health checks.
func (r *RedisUsageRepository) Client() *redis.Client {
	return r.client
}

func (r *RedisUsageRepository) Close() error {
	return r.client.Close()
}

func parseUnixNano(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n)
}
