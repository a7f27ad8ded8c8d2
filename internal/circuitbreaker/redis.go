package circuitbreaker

import (
	"context"
	"log/slog"

	"github.com/felipepmaragno/genproxy/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Breaker state is one hash per provider with fields state, failures,
// successes and opened_at (server time, seconds). Every transition runs as
// a script so concurrent instances never interleave partial updates.

// allowScript moves an open circuit to half-open once the cooldown is over.
// Keys: [breaker_key]
// Args: [cooldown_seconds]
// Returns: the state after the check
var allowScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state ~= 'open' then
    return state
end

local openedAt = tonumber(redis.call('HGET', KEYS[1], 'opened_at') or '0')
local now = tonumber(redis.call('TIME')[1])
if now - openedAt >= tonumber(ARGV[1]) then
    redis.call('HSET', KEYS[1], 'state', 'half-open', 'successes', 0)
    return 'half-open'
end
return 'open'
`)

// successScript resets the failure count, or closes a half-open circuit
// after enough successes.
// Keys: [breaker_key]
// Args: [success_threshold]
var successScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state == 'closed' then
    redis.call('HSET', KEYS[1], 'failures', 0)
elseif state == 'half-open' then
    local successes = redis.call('HINCRBY', KEYS[1], 'successes', 1)
    if successes >= tonumber(ARGV[1]) then
        redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', 0, 'successes', 0)
    end
end
return redis.call('HGET', KEYS[1], 'state') or 'closed'
`)

// failureScript counts a failure and opens the circuit at the threshold, or
// immediately when half-open.
// Keys: [breaker_key]
// Args: [failure_threshold]
var failureScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
local now = redis.call('TIME')[1]
if state == 'closed' then
    local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
    if failures >= tonumber(ARGV[1]) then
        redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', now, 'successes', 0)
        return 'open'
    end
    redis.call('HSET', KEYS[1], 'state', 'closed')
    return 'closed'
elseif state == 'half-open' then
    redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', now, 'successes', 0)
    return 'open'
end
return state
`)

type Redis struct {
	client *redis.Client
	key    string
	cfg    Config
}

// NewRedis returns a breaker for providerID stored on client. Redis errors
// fail open: the upstream is still called.
func NewRedis(client *redis.Client, providerID string, cfg Config) *Redis {
	return &Redis{
		client: client,
		key:    "genproxy:breaker:" + providerID,
		cfg:    cfg,
	}
}

func (b *Redis) Allow(ctx context.Context) error {
	state, err := allowScript.Run(ctx, b.client, []string{b.key}, int64(b.cfg.Cooldown.Seconds())).Text()
	if err != nil {
		slog.Warn("circuit breaker check failed", "error", err)
		return nil
	}
	if state == "open" {
		return domain.ErrCircuitOpen
	}
	return nil
}

func (b *Redis) Success(ctx context.Context) {
	if err := successScript.Run(ctx, b.client, []string{b.key}, b.cfg.SuccessThreshold).Err(); err != nil {
		slog.Warn("circuit breaker update failed", "error", err)
	}
}

func (b *Redis) Failure(ctx context.Context) {
	if err := failureScript.Run(ctx, b.client, []string{b.key}, b.cfg.FailureThreshold).Err(); err != nil {
		slog.Warn("circuit breaker update failed", "error", err)
	}
}

func (b *Redis) State(ctx context.Context) State {
	state, err := b.client.HGet(ctx, b.key, "state").Result()
	if err != nil {
		return StateClosed
	}
	return parseState(state)
}

// Reset closes the circuit and clears its counters.
func (b *Redis) Reset(ctx context.Context) error {
	return b.client.Del(ctx, b.key).Err()
}
