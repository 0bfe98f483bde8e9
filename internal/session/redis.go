package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// keyPrefix is the Redis key prefix for session records.
const keyPrefix = "session:"

// rotateScript is the authorization-critical compare-and-rotate, executed
// server-side so the check-then-increment is a single atomic unit even
// with multiple API replicas sharing one Redis.
//
// Returns -1 when the session is absent, -2 on version mismatch (the
// record is deleted as part of the same script), or the new version.
var rotateScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return -1
end
local sess = cjson.decode(raw)
if tostring(sess.refresh_version) ~= ARGV[1] then
  redis.call('DEL', KEYS[1])
  return -2
end
sess.refresh_version = sess.refresh_version + 1
sess.last_seen_at = ARGV[2]
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', KEYS[1], cjson.encode(sess), 'PX', ttl)
else
  redis.call('SET', KEYS[1], cjson.encode(sess))
end
return sess.refresh_version
`)

// RedisStore persists sessions in Redis, one JSON record per session keyed
// by session ID, with the record TTL matching the session expiry. Any
// Redis failure surfaces as ErrUnavailable so callers deny access instead
// of guessing.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisStore creates a session store backed by the given Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

// SetClock overrides the time source. Test helper.
func (s *RedisStore) SetClock(now func() time.Time) { s.now = now }

func (s *RedisStore) Create(ctx context.Context, userID string, ttl time.Duration) (Session, error) {
	now := s.now().UTC()
	sess := Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		CreatedAt:      now,
		LastSeenAt:     now,
		ExpiresAt:      now.Add(ttl),
		RefreshVersion: 0,
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return Session{}, fmt.Errorf("session: marshaling record: %w", err)
	}
	if err := s.rdb.Set(ctx, keyPrefix+sess.ID, data, ttl).Err(); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return sess, nil
}

func (s *RedisStore) Touch(ctx context.Context, id string) error {
	sess, err := s.get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	sess.LastSeenAt = s.now().UTC()
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: marshaling record: %w", err)
	}
	if err := s.rdb.Set(ctx, keyPrefix+id, data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Session, error) {
	sess, err := s.get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if !s.now().Before(sess.ExpiresAt) {
		return Session{}, ErrNotFound
	}
	return *sess, nil
}

func (s *RedisStore) IsLive(ctx context.Context, id string) (bool, error) {
	sess, err := s.get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return s.now().Before(sess.ExpiresAt), nil
}

func (s *RedisStore) CurrentVersion(ctx context.Context, id string) (uint64, bool, error) {
	sess, err := s.get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if !s.now().Before(sess.ExpiresAt) {
		return 0, false, nil
	}
	return sess.RefreshVersion, true, nil
}

func (s *RedisStore) Rotate(ctx context.Context, id string, presented uint64) (uint64, error) {
	lastSeen := s.now().UTC().Format(time.RFC3339Nano)
	res, err := rotateScript.Run(ctx, s.rdb,
		[]string{keyPrefix + id},
		strconv.FormatUint(presented, 10),
		lastSeen,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch res {
	case -1:
		return 0, ErrNotFound
	case -2:
		return 0, ErrReuseDetected
	default:
		return uint64(res), nil
	}
}

func (s *RedisStore) Revoke(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// SweepExpired walks session records and evicts any whose embedded expiry
// has passed. Redis evicts on TTL by itself; the sweep catches records
// whose TTL was lost (for example after a RESTORE or a clock step).
func (s *RedisStore) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()
	removed := 0

	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.rdb.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		var sess Session
		if err := json.Unmarshal(raw, &sess); err != nil || !now.Before(sess.ExpiresAt) {
			if err := s.rdb.Del(ctx, key).Err(); err != nil {
				return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return removed, nil
}

func (s *RedisStore) get(ctx context.Context, id string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, keyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("session: corrupt record for %s: %w", id, err)
	}
	return &sess, nil
}
