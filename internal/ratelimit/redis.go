package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JuanPabloHerrera/openapi/internal/store/model"
	"github.com/redis/go-redis/v9"
)

// consumeScript checks every window against its cap and only then increments
// them all. ARGV holds the caps followed by the expiry timestamps.
var consumeScript = redis.NewScript(`
local n = #KEYS
for i = 1, n do
	local cap = tonumber(ARGV[i])
	if cap > 0 then
		local count = tonumber(redis.call("GET", KEYS[i]) or "0")
		if count >= cap then
			return i
		end
	end
end
for i = 1, n do
	redis.call("INCR", KEYS[i])
	redis.call("EXPIREAT", KEYS[i], ARGV[n + i])
end
return 0
`)

// RedisCounters keeps window counters in Redis. Keys expire shortly after
// their window closes so no sweeping is needed.
type RedisCounters struct {
	client *redis.Client
	prefix string
	grace  time.Duration
}

func NewRedisCounters(client *redis.Client, prefix string) *RedisCounters {
	return &RedisCounters{client: client, prefix: prefix, grace: time.Minute}
}

func (r *RedisCounters) key(k model.CounterKey) string {
	return fmt.Sprintf("%sratelimit:%s:%s:%d", r.prefix, k.AccountID, k.Window, k.WindowStart.Unix())
}

func (r *RedisCounters) Count(ctx context.Context, k model.CounterKey) (int64, error) {
	n, err := r.client.Get(ctx, r.key(k)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (r *RedisCounters) Increment(ctx context.Context, k model.CounterKey) (int64, error) {
	key := r.key(k)
	expireAt := k.WindowStart.Add(Window(k.Window).Duration() + r.grace)

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireAt(ctx, key, expireAt)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Consume runs the whole check and increment as one script, so concurrent
// gateway instances cannot overshoot a cap.
func (r *RedisCounters) Consume(ctx context.Context, keys []model.CounterKey, caps []int) (int, error) {
	redisKeys := make([]string, len(keys))
	args := make([]interface{}, 0, 2*len(keys))
	for i, k := range keys {
		redisKeys[i] = r.key(k)
		args = append(args, caps[i])
	}
	for _, k := range keys {
		args = append(args, k.WindowStart.Add(Window(k.Window).Duration()+r.grace).Unix())
	}

	breached, err := consumeScript.Run(ctx, r.client, redisKeys, args...).Int()
	if err != nil {
		return -1, err
	}
	return breached - 1, nil
}
