package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript reads the counter and only increments it while below the limit.
// The key expires on its own once the retention period has passed.
var takeScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
	return {0, current}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, current}
`)

// Redis stores each window as a counter key with a TTL.
type Redis struct {
	client redis.Scripter
	prefix string
}

// NewRedis creates a Redis backend. Keys are written under prefix.
func NewRedis(client redis.Scripter, prefix string) *Redis {
	if prefix == "" {
		prefix = "giftledger:rl"
	}
	return &Redis{client: client, prefix: prefix}
}

// Key returns the counter key of one window.
func (r *Redis) Key(keyID string, window Window, start time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", r.prefix, keyID, window, start.UTC().Unix())
}

// Take implements Backend.
func (r *Redis) Take(ctx context.Context, keyID string, window Window, start time.Time, limit int) (int, bool, error) {
	ttl := window.Duration() + Retention
	res, err := takeScript.Run(ctx, r.client, []string{r.Key(keyID, window, start)}, limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("running rate limit script: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected rate limit script reply %v", res)
	}
	return int(res[1]), res[0] == 1, nil
}

// Purge implements Backend. Windows expire through their TTL.
func (r *Redis) Purge(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// NewRedisClient connects to the server at url (redis://host:port/db).
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}
