package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript is adapted from
// control_plane/store/redis_versioned.go: the hash-per-key shape
// (value/version fields) is kept, but genericized away from
// module-state-specific semantics so any CompareAndSet caller can use it.
const casScript = `
local current = redis.call("HGET", KEYS[1], "version")
if ARGV[1] == "0" then
    if current then
        return 0
    end
else
    if not current or tonumber(current) ~= tonumber(ARGV[1]) then
        return 0
    end
end
redis.call("HMSET", KEYS[1], "value", ARGV[3], "version", ARGV[2])
if tonumber(ARGV[4]) > 0 then
    redis.call("EXPIRE", KEYS[1], ARGV[4])
end
return 1
`

// RedisEngine is the distributed KV engine for the "shared by many
// coordinators" deployment described in spec §5. CAS uses a preloaded Lua
// script SHA exactly as control_plane/store/redis.go does, falling back to
// a fresh EVAL on NOSCRIPT (Redis restart lost its script cache).
type RedisEngine struct {
	client  *redis.Client
	casSHA  string
}

// NewRedisEngine connects to addr and preloads the CAS script.
func NewRedisEngine(addr, password string, db int) (*RedisEngine, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	sha, err := client.ScriptLoad(ctx, casScript).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: failed to preload cas script: %w", err)
	}

	return &RedisEngine{client: client, casSHA: sha}, nil
}

func (r *RedisEngine) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return val, nil
}

func (r *RedisEngine) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func (r *RedisEngine) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return ok, nil
}

func (r *RedisEngine) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return n > 0, nil
}

func (r *RedisEngine) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func (r *RedisEngine) ZAdd(ctx context.Context, key string, member string, score float64) error {
	if err := r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func (r *RedisEngine) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error) {
	res, err := r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	out := make([]ScoredMember, 0, len(res))
	for _, z := range res {
		member, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out, nil
}

func (r *RedisEngine) ZRem(ctx context.Context, key string, member string) error {
	if err := r.client.ZRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func (r *RedisEngine) LPush(ctx context.Context, key string, value []byte) error {
	if err := r.client.LPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func (r *RedisEngine) LRange(ctx context.Context, key string, limit int) ([][]byte, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	res, err := r.client.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	out := make([][]byte, len(res))
	for i, s := range res {
		out[i] = []byte(s)
	}
	return out, nil
}

func (r *RedisEngine) CompareAndSet(ctx context.Context, key string, expectedVersion, newVersion int64, value []byte) error {
	result, err := r.client.EvalSha(ctx, r.casSHA, []string{key},
		expectedVersion, newVersion, value, 0).Result()
	if err != nil && isNoScript(err) {
		r.casSHA, err = r.client.ScriptLoad(ctx, casScript).Result()
		if err != nil {
			return fmt.Errorf("kv: failed to reload cas script: %w", err)
		}
		result, err = r.client.EvalSha(ctx, r.casSHA, []string{key},
			expectedVersion, newVersion, value, 0).Result()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	ok, _ := result.(int64)
	if ok != 1 {
		return ErrVersionConflict
	}
	return nil
}

func (r *RedisEngine) GetVersioned(ctx context.Context, key string) ([]byte, int64, error) {
	res, err := r.client.HMGet(ctx, key, "value", "version").Result()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if res[0] == nil {
		return nil, 0, ErrNotFound
	}
	value, _ := res[0].(string)
	var version int64
	if v, ok := res[1].(string); ok {
		fmt.Sscanf(v, "%d", &version)
	}
	return []byte(value), version, nil
}

func (r *RedisEngine) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return out, nil
}

func (r *RedisEngine) Close() error {
	return r.client.Close()
}

func isNoScript(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}
