package reputation

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// adjustScript applies a clamped delta to a score key, seeding the default
// for unseen identities. Runs atomically server-side so concurrent
// connection handlers cannot interleave read-modify-write.
var adjustScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then v = ARGV[2] end
v = tonumber(v) + tonumber(ARGV[1])
if v < 0 then v = 0 end
if v > 100 then v = 100 end
redis.call('SET', KEYS[1], v)
return v
`)

// Redis is a Store backed by a Redis instance, keeping scores across
// signaling-server restarts.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("reputation redis ping %s: %w", addr, err)
	}
	return &Redis{client: client, prefix: "reputation:"}, nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(id string) string {
	return r.prefix + id
}

func (r *Redis) Get(ctx context.Context, id string) (int, error) {
	score, err := r.client.Get(ctx, r.key(id)).Int()
	if err == redis.Nil {
		return DefaultScore, nil
	}
	if err != nil {
		return DefaultScore, err
	}
	return clamp(score), nil
}

func (r *Redis) Penalize(ctx context.Context, id string, amount int) (int, error) {
	return r.adjust(ctx, id, -amount)
}

func (r *Redis) Reward(ctx context.Context, id string, amount int) (int, error) {
	return r.adjust(ctx, id, amount)
}

func (r *Redis) adjust(ctx context.Context, id string, delta int) (int, error) {
	score, err := adjustScript.Run(ctx, r.client, []string{r.key(id)}, delta, DefaultScore).Int()
	if err != nil {
		return DefaultScore, err
	}
	return score, nil
}
