package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	internalerrors "github.com/textguide/gateway/internal/errors"
)

// consumeScript increments KEYS[1] only while it is below ARGV[1]. It returns
// the new count, or -1 when the limit is already reached.
var consumeScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= limit then
	return -1
end
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
end
return n
`)

// periodKeyTTL outlives the longest month so a key is never dropped mid-period.
const periodKeyTTL = 40 * 24 * time.Hour

// RedisCounter keeps per-period counters in Redis for deployments where
// several gateway processes share one allowance.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounter returns a counter storing keys under prefix.
func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "textguide:quota"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) key(identity, period string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, period, identity)
}

// ConsumeIfBelow implements Counter. Period rollover needs no reset: each
// period has its own key.
func (c *RedisCounter) ConsumeIfBelow(ctx context.Context, identity string, limit int, period string) (int, bool, error) {
	if limit <= 0 {
		return 0, false, nil
	}
	n, err := consumeScript.Run(ctx, c.client, []string{c.key(identity, period)}, limit, int64(periodKeyTTL.Seconds())).Int64()
	if err != nil {
		return 0, false, internalerrors.WrapStore("consume_quota", identity, err)
	}
	if n < 0 {
		return 0, false, nil
	}
	return int(n), true, nil
}

// Used returns the consumed count for identity in period.
func (c *RedisCounter) Used(ctx context.Context, identity, period string) (int, error) {
	n, err := c.client.Get(ctx, c.key(identity, period)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, internalerrors.WrapStore("read_quota", identity, err)
	}
	return n, nil
}
