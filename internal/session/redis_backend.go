package session

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// sessionRedisDB isolates conversation-lock keys from whatever else a
// deployment keeps in the same Redis instance.
const sessionRedisDB = 2

// RedisBackend makes conversation locks visible across every ksid instance
// sharing one Redis deployment, using Lua scripts for the atomic compare-and-set
// a plain in-memory map cannot give once more than one process is involved.
type RedisBackend struct {
	client    *redis.Client
	namespace string
}

// NewRedisBackend dials Redis and returns a backend keyed under namespace
// (default "ksid:session:locks:" if empty).
func NewRedisBackend(redisURL, namespace string) (*RedisBackend, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opt.DB = sessionRedisDB
	if namespace == "" {
		namespace = "ksid:session:locks:"
	}
	return &RedisBackend{client: redis.NewClient(opt), namespace: namespace}, nil
}

func (b *RedisBackend) key(sessionID string) string {
	return b.namespace + sessionID
}

// TryLock attempts to set the lock if absent or expired, or extend it if
// held by the same agent. Mirrors the acquire_lock contract's three
// outcomes without requiring a round trip plus a separate compare: the Lua
// script below runs as one atomic unit against Redis.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local agent = ARGV[1]
local ttl_ms = ARGV[2]
local holder = redis.call("GET", key)
if holder == false then
	redis.call("SET", key, agent, "PX", ttl_ms)
	return {1, 0}
elseif holder == agent then
	redis.call("PEXPIRE", key, ttl_ms)
	return {1, 1}
else
	return {0, 0, holder}
end
`)

// TryLock returns (locked, extended, holder, error). holder is only set when
// locked is false.
func (b *RedisBackend) TryLock(ctx context.Context, sessionID, agentID string, ttl time.Duration) (locked, extended bool, holder string, err error) {
	res, err := acquireScript.Run(ctx, b.client, []string{b.key(sessionID)}, agentID, ttl.Milliseconds()).Result()
	if err != nil {
		return false, false, "", fmt.Errorf("redis lock script: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return false, false, "", fmt.Errorf("unexpected redis lock script result: %v", res)
	}
	lockedN, _ := vals[0].(int64)
	extendedN, _ := vals[1].(int64)
	if lockedN == 0 && len(vals) > 2 {
		holder, _ = vals[2].(string)
	}
	return lockedN == 1, extendedN == 1, holder, nil
}

// releaseScript deletes the key only if the caller still holds it, avoiding
// a release that clobbers a lock acquired by someone else in between.
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local agent = ARGV[1]
local holder = redis.call("GET", key)
if holder == false then
	return -1
elseif holder ~= agent then
	return 0
else
	redis.call("DEL", key)
	return 1
end
`)

// Unlock releases the lock, returning errNotLocked or errNotLockHolder on
// the same terms as the in-memory path.
func (b *RedisBackend) Unlock(ctx context.Context, sessionID, agentID string) error {
	res, err := releaseScript.Run(ctx, b.client, []string{b.key(sessionID)}, agentID).Result()
	if err != nil {
		return fmt.Errorf("redis unlock script: %w", err)
	}
	switch n, _ := res.(int64); n {
	case -1:
		return errNotLocked
	case 0:
		return errNotLockHolder
	default:
		return nil
	}
}

// Close releases the underlying connection pool.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
