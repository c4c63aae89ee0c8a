package lock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/admetric/reportcache/pkg/logging"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis key prefixes for the distributed lock table.
const (
	redisLockPrefix    = "reportcache:lock:"
	redisBackoffPrefix = "reportcache:backoff:"
)

// acquireScript performs the backoff checks and the check-and-insert as one
// atomic unit on the Redis side.
// KEYS[1] = lock key, KEYS[2] = global backoff key, KEYS[3] = key backoff key
// ARGV[1] = lock value, ARGV[2] = ttl millis
// Returns 1 on acquire, 0 when held, -1 when suppressed by a backoff.
var acquireScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then return -1 end
if redis.call("EXISTS", KEYS[3]) == 1 then return -1 end
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then return 1 end
return 0
`)

// releaseScript deletes the lock only when the stored owner matches.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then return 0 end
local owner = string.match(v, "^([^|]+)|")
if owner == ARGV[1] then
    redis.call("DEL", KEYS[1])
    return 1
end
return 0
`)

// RedisManager is the distributed lock table backend. Lock and backoff
// entries expire through native Redis TTLs, so passive expiry needs no
// sweeping here.
type RedisManager struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// NewRedisManager creates a Redis-backed lock manager.
func NewRedisManager(rdb *redis.Client) *RedisManager {
	if rdb == nil {
		panic("redis client cannot be nil")
	}
	return &RedisManager{
		rdb:    rdb,
		logger: logging.NewLogger("lock"),
	}
}

// lockValue encodes owner and start time into the stored value. The owner
// comes first so the release script can match it without JSON parsing.
func lockValue(owner string, startedAt time.Time) string {
	return owner + "|" + strconv.FormatInt(startedAt.UnixMilli(), 10)
}

func parseLockValue(v string) (owner string, startedAt time.Time, err error) {
	sep := strings.IndexByte(v, '|')
	if sep < 0 {
		return "", time.Time{}, fmt.Errorf("malformed lock value %q", v)
	}
	millis, err := strconv.ParseInt(v[sep+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed lock timestamp in %q: %w", v, err)
	}
	return v[:sep], time.UnixMilli(millis).UTC(), nil
}

// TryAcquire implements Manager.
func (m *RedisManager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	owner := uuid.NewString()
	keys := []string{
		redisLockPrefix + key,
		redisBackoffPrefix + GlobalBackoffKey,
		redisBackoffPrefix + key,
	}

	res, err := acquireScript.Run(ctx, m.rdb, keys,
		lockValue(owner, time.Now()), ttl.Milliseconds()).Int()
	if err != nil {
		return "", false, fmt.Errorf("redis acquire: %w", err)
	}

	switch res {
	case 1:
		Acquisitions.WithLabelValues("acquired").Inc()
		m.logger.Debug().Str("lock_key", key).Dur("ttl", ttl).Msg("Lock acquired")
		return owner, true, nil
	case -1:
		Acquisitions.WithLabelValues("backoff").Inc()
		return "", false, nil
	default:
		Acquisitions.WithLabelValues("held").Inc()
		return "", false, nil
	}
}

// Release implements Manager.
func (m *RedisManager) Release(ctx context.Context, key, owner string) (bool, error) {
	res, err := releaseScript.Run(ctx, m.rdb, []string{redisLockPrefix + key}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("redis release: %w", err)
	}
	if res == 1 {
		m.logger.Debug().Str("lock_key", key).Msg("Lock released")
		return true, nil
	}
	return false, nil
}

// ForceRelease implements Manager.
func (m *RedisManager) ForceRelease(ctx context.Context, key string) error {
	deleted, err := m.rdb.Del(ctx, redisLockPrefix+key).Result()
	if err != nil {
		return fmt.Errorf("redis force release: %w", err)
	}
	if deleted > 0 {
		ForcedReleases.Inc()
		m.logger.Warn().Str("lock_key", key).Msg("Lock force released")
	}
	return nil
}

// SetBackoff implements Manager.
func (m *RedisManager) SetBackoff(ctx context.Context, key string, d time.Duration, global bool) error {
	if global {
		key = GlobalBackoffKey
	}
	until := time.Now().Add(d)

	if err := m.rdb.Set(ctx, redisBackoffPrefix+key,
		strconv.FormatInt(until.UnixMilli(), 10), d).Err(); err != nil {
		return fmt.Errorf("redis set backoff: %w", err)
	}

	scope := "key"
	if global {
		scope = "global"
	}
	BackoffsSet.WithLabelValues(scope).Inc()
	m.logger.Info().
		Str("lock_key", key).
		Dur("backoff", d).
		Bool("global", global).
		Msg("Backoff window set")

	return nil
}

// IsRefreshing implements Manager.
func (m *RedisManager) IsRefreshing(ctx context.Context, key string) (bool, error) {
	exists, err := m.rdb.Exists(ctx, redisLockPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return exists > 0, nil
}

// RefreshAge implements Manager.
func (m *RedisManager) RefreshAge(ctx context.Context, key string) (time.Duration, bool, error) {
	v, err := m.rdb.Get(ctx, redisLockPrefix+key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get: %w", err)
	}

	_, startedAt, err := parseLockValue(v)
	if err != nil {
		return 0, false, err
	}
	return time.Since(startedAt), true, nil
}

// Status implements Manager.
func (m *RedisManager) Status(ctx context.Context) (Status, error) {
	status := Status{}

	iter := m.rdb.Scan(ctx, 0, redisLockPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()
		v, err := m.rdb.Get(ctx, redisKey).Result()
		if err == redis.Nil {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return Status{}, fmt.Errorf("redis get lock: %w", err)
		}
		owner, startedAt, err := parseLockValue(v)
		if err != nil {
			continue
		}

		ttl, err := m.rdb.PTTL(ctx, redisKey).Result()
		if err != nil {
			return Status{}, fmt.Errorf("redis pttl: %w", err)
		}

		status.Locks = append(status.Locks, Entry{
			Key:       strings.TrimPrefix(redisKey, redisLockPrefix),
			Owner:     owner,
			StartedAt: startedAt,
			ExpiresAt: time.Now().Add(ttl),
		})
	}
	if err := iter.Err(); err != nil {
		return Status{}, fmt.Errorf("redis scan locks: %w", err)
	}

	iter = m.rdb.Scan(ctx, 0, redisBackoffPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()
		v, err := m.rdb.Get(ctx, redisKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return Status{}, fmt.Errorf("redis get backoff: %w", err)
		}

		millis, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		key := strings.TrimPrefix(redisKey, redisBackoffPrefix)
		status.Backoffs = append(status.Backoffs, BackoffEntry{
			Key:    key,
			Until:  time.UnixMilli(millis).UTC(),
			Global: key == GlobalBackoffKey,
		})
	}
	if err := iter.Err(); err != nil {
		return Status{}, fmt.Errorf("redis scan backoffs: %w", err)
	}

	return status, nil
}
