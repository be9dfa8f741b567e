package lock

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	tlerrors "github.com/mirkobrombin/go-tenantlock/v1/errors"
)

const (
	defaultRedisPrefix    = "tenantlock:"
	defaultRedisOpTimeout = 5 * time.Second
	redisRecordInfix      = "lock:"
	redisIndexSuffix      = "index"
)

// Lock records are hashes at <prefix>lock:<key>; <prefix>index is a sorted set
// of keys scored by creation time in microseconds, used by FindStale.
var (
	createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "holder", ARGV[1], "created_at", ARGV[2], "updated_at", ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[4])
return 1
`)
	stealScript = redis.NewScript(`
local n = redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return n
`)
	releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "holder") == ARGV[1] then
    redis.call("DEL", KEYS[1])
    redis.call("ZREM", KEYS[2], ARGV[2])
    return 1
end
return 0
`)
)

// RedisStore implements Store on Redis. Each mutation is a single Lua script,
// so it is atomic for every client of the same server.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

// WithRedisPrefix namespaces every key the store writes.
func WithRedisPrefix(prefix string) RedisOption {
	return func(o *redisStoreOptions) {
		o.prefix = prefix
	}
}

// WithRedisTimeout sets the operation timeout for Redis calls.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// WithRedisClock overrides time.Now for record timestamps and FindStale.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(o *redisStoreOptions) {
		o.now = now
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{
		prefix:  defaultRedisPrefix,
		timeout: defaultRedisOpTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, prefix: o.prefix, timeout: o.timeout, now: o.now}
}

func (s *RedisStore) recordKey(key string) string { return s.prefix + redisRecordInfix + key }
func (s *RedisStore) indexKey() string            { return s.prefix + redisIndexSuffix }

func (s *RedisStore) classify(op string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return tlerrors.Storage(op, tlerrors.ErrConnectionClosed)
	}
	return storeErr(op, err)
}

// Create implements Store.Create.
func (s *RedisStore) Create(ctx context.Context, key, holder string) (Outcome, error) {
	if err := checkCtx("redis create", ctx); err != nil {
		return 0, err
	}
	now := s.now().UTC()
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := createScript.Run(cctx, s.client,
		[]string{s.recordKey(key), s.indexKey()},
		holder, strconv.FormatInt(now.UnixNano(), 10), now.UnixMicro(), key,
	).Int()
	if err != nil {
		return 0, s.classify("redis create", err)
	}
	if n == 0 {
		return AlreadyExists, nil
	}
	return Created, nil
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	if err := checkCtx("redis get", ctx); err != nil {
		return Record{}, false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fields, err := s.client.HGetAll(cctx, s.recordKey(key)).Result()
	if err != nil {
		return Record{}, false, s.classify("redis get", err)
	}
	r, ok := parseRedisRecord(key, fields)
	return r, ok, nil
}

func parseRedisRecord(key string, fields map[string]string) (Record, bool) {
	if len(fields) == 0 {
		return Record{}, false
	}
	r := Record{Key: key, Holder: fields["holder"]}
	if ns, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		r.CreatedAt = time.Unix(0, ns).UTC()
	}
	if ns, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		r.UpdatedAt = time.Unix(0, ns).UTC()
	}
	return r, true
}

// Steal implements Store.Steal.
func (s *RedisStore) Steal(ctx context.Context, key string) (bool, error) {
	if err := checkCtx("redis steal", ctx); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := stealScript.Run(cctx, s.client, []string{s.recordKey(key), s.indexKey()}, key).Int()
	if err != nil {
		return false, s.classify("redis steal", err)
	}
	return n > 0, nil
}

// Release implements Store.Release.
func (s *RedisStore) Release(ctx context.Context, key, holder string) (bool, error) {
	if err := checkCtx("redis release", ctx); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := releaseScript.Run(cctx, s.client, []string{s.recordKey(key), s.indexKey()}, holder, key).Int()
	if err != nil {
		return false, s.classify("redis release", err)
	}
	return n > 0, nil
}

// FindStale implements Store.FindStale.
func (s *RedisStore) FindStale(ctx context.Context, olderThan time.Duration) ([]Record, error) {
	if err := checkCtx("redis find stale", ctx); err != nil {
		return nil, err
	}
	cutoff := s.now().UTC().Add(-olderThan)
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	keys, err := s.client.ZRangeByScore(cctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return nil, s.classify("redis find stale", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err = s.client.Pipelined(cctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.HGetAll(cctx, s.recordKey(k))
		}
		return nil
	})
	if err != nil {
		return nil, s.classify("redis find stale", err)
	}
	out := make([]Record, 0, len(keys))
	for i, k := range keys {
		// A record released between the two round trips is simply skipped.
		if r, ok := parseRedisRecord(k, cmds[i].Val()); ok {
			out = append(out, r)
		}
	}
	return out, nil
}
