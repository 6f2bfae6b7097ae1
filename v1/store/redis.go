package store

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	warderrors "github.com/mirkobrombin/go-ward/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// Items are redis hashes; conditional writes run as Lua scripts so the
// attribute check and the mutation are a single atomic step. ARGV[1] is
// always the epoch-seconds expiry (0 = none).

var insertScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
for i = 2, #ARGV, 2 do
    redis.call("HSET", KEYS[1], ARGV[i], ARGV[i+1])
end
if tonumber(ARGV[1]) > 0 then
    redis.call("EXPIREAT", KEYS[1], ARGV[1])
end
return 1
`)

var replaceScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[2]) ~= ARGV[3] then
    return 0
end
redis.call("DEL", KEYS[1])
for i = 4, #ARGV, 2 do
    redis.call("HSET", KEYS[1], ARGV[i], ARGV[i+1])
end
if tonumber(ARGV[1]) > 0 then
    redis.call("EXPIREAT", KEYS[1], ARGV[1])
end
return 1
`)

var updateScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[2]) ~= ARGV[3] then
    return 0
end
for i = 4, #ARGV, 2 do
    redis.call("HSET", KEYS[1], ARGV[i], ARGV[i+1])
end
if tonumber(ARGV[1]) > 0 then
    redis.call("EXPIREAT", KEYS[1], ARGV[1])
end
return 1
`)

var deleteScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) ~= ARGV[2] then
    return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

// Redis implements Conditional using a Redis backend. Item expiry maps
// onto the key's own TTL, so expired records vanish without a janitor.
type Redis struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*redisOptions)

type redisOptions struct {
	prefix  string
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) {
		o.timeout = d
	}
}

// WithPrefix namespaces every key written by the store.
func WithPrefix(prefix string) RedisOption {
	return func(o *redisOptions) {
		o.prefix = prefix
	}
}

// NewRedis returns a new Redis store using the provided client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	o := redisOptions{prefix: "ward:", timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Redis{client: client, prefix: o.prefix, timeout: o.timeout}
}

func (s *Redis) key(partitionKey, sortKey string) string {
	return s.prefix + itemKey(partitionKey, sortKey)
}

func mapRedisError(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return warderrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return warderrors.ErrConnectionClosed
	}
	return err
}

// Get implements Conditional.Get.
func (s *Redis) Get(ctx context.Context, partitionKey, sortKey string) (Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, false, mapRedisError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	fields, err := s.client.HGetAll(cctx, s.key(partitionKey, sortKey)).Result()
	if err != nil {
		return Item{}, false, mapRedisError(err)
	}
	if len(fields) == 0 {
		return Item{}, false, nil
	}
	return Item{PartitionKey: partitionKey, SortKey: sortKey, Attributes: fields}, true, nil
}

func scriptArgs(expiresAt int64, condArgs []interface{}, attrs map[string]string) []interface{} {
	args := make([]interface{}, 0, 1+len(condArgs)+2*len(attrs))
	args = append(args, expiresAt)
	args = append(args, condArgs...)
	for k, v := range attrs {
		args = append(args, k, v)
	}
	return args
}

func (s *Redis) runConditional(ctx context.Context, script *redis.Script, key string, args []interface{}) error {
	if err := ctx.Err(); err != nil {
		return mapRedisError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ok, err := script.Run(cctx, s.client, []string{key}, args...).Int()
	if err != nil {
		return mapRedisError(err)
	}
	if ok == 0 {
		return ErrConditionFailed
	}
	return nil
}

// Insert implements Conditional.Insert.
func (s *Redis) Insert(ctx context.Context, item Item) error {
	key := s.key(item.PartitionKey, item.SortKey)
	return s.runConditional(ctx, insertScript, key, scriptArgs(item.ExpiresAt, nil, item.Attributes))
}

// Replace implements Conditional.Replace.
func (s *Redis) Replace(ctx context.Context, item Item, cond Cond) error {
	key := s.key(item.PartitionKey, item.SortKey)
	condArgs := []interface{}{cond.Attribute, cond.Equals}
	return s.runConditional(ctx, replaceScript, key, scriptArgs(item.ExpiresAt, condArgs, item.Attributes))
}

// Update implements Conditional.Update.
func (s *Redis) Update(ctx context.Context, partitionKey, sortKey string, set map[string]string, expiresAt int64, cond Cond) error {
	key := s.key(partitionKey, sortKey)
	condArgs := []interface{}{cond.Attribute, cond.Equals}
	return s.runConditional(ctx, updateScript, key, scriptArgs(expiresAt, condArgs, set))
}

// Delete implements Conditional.Delete.
func (s *Redis) Delete(ctx context.Context, partitionKey, sortKey string, cond Cond) error {
	key := s.key(partitionKey, sortKey)
	return s.runConditional(ctx, deleteScript, key, []interface{}{cond.Attribute, cond.Equals})
}

// Put implements Conditional.Put using a transactional pipeline so the
// old attribute set is fully replaced.
func (s *Redis) Put(ctx context.Context, item Item) error {
	if err := ctx.Err(); err != nil {
		return mapRedisError(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	key := s.key(item.PartitionKey, item.SortKey)
	pipe := s.client.TxPipeline()
	pipe.Del(cctx, key)
	fields := make([]interface{}, 0, 2*len(item.Attributes))
	for k, v := range item.Attributes {
		fields = append(fields, k, v)
	}
	// HSET rejects an empty field list; an attribute-less item is just
	// its key's absence
	if len(fields) > 0 {
		pipe.HSet(cctx, key, fields...)
	}
	if item.ExpiresAt > 0 {
		pipe.ExpireAt(cctx, key, time.Unix(item.ExpiresAt, 0))
	}
	if _, err := pipe.Exec(cctx); err != nil {
		return mapRedisError(err)
	}
	return nil
}
