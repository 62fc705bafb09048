package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// quotaScript runs the sliding-window check and increment atomically on the
// Redis side, so concurrent replicas never double-admit around the limit.
// KEYS[1] = counter key base; ARGV = limit, window ms, now ms.
var quotaScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local cur_id = math.floor(now / window)
local cur_key = KEYS[1] .. ":" .. cur_id
local prev_key = KEYS[1] .. ":" .. (cur_id - 1)

local cur = tonumber(redis.call("GET", cur_key) or "0")
local prev = tonumber(redis.call("GET", prev_key) or "0")
local elapsed = (now % window) / window
local estimated = prev * (1 - elapsed) + cur

if estimated + 1 > limit then
	return 0
end

redis.call("INCR", cur_key)
redis.call("PEXPIRE", cur_key, window * 2)
return 1
`)

// RedisQuota shares sliding-window counts across gateway replicas.
type RedisQuota struct {
	client *redis.Client
	prefix string
}

// NewRedisQuota connects to redisURL ("redis://...") and verifies the
// connection.
func NewRedisQuota(ctx context.Context, redisURL string) (*RedisQuota, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("policy: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("policy: redis ping: %w", err)
	}
	return &RedisQuota{client: client, prefix: "gateway:quota:"}, nil
}

// Allow implements QuotaStore. Errors bubble up; the engine fails closed on
// them.
func (r *RedisQuota) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if window <= 0 {
		window = time.Minute
	}
	res, err := quotaScript.Run(ctx, r.client,
		[]string{r.prefix + key},
		limit, window.Milliseconds(), time.Now().UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("policy: redis quota: %w", err)
	}
	return res == 1, nil
}

// Close releases the underlying connection pool.
func (r *RedisQuota) Close() error { return r.client.Close() }
