// Package redis implements the shared rate-limit, response-cache and
// history backends on Redis, for gateways running on more than one host.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pario-ai/parley/pkg/models"
)

// slidingWindowScript prunes, counts and conditionally records in one
// server-side step. Scores and arguments are Unix milliseconds.
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local ttl = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local admitted = 0
if count < limit then
	redis.call('ZADD', key, now, member)
	count = count + 1
	admitted = 1
end
redis.call('PEXPIRE', key, ttl)

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #first == 2 then
	oldest = tonumber(first[2])
end
return {admitted, count, oldest}
`)

// releaseScript deletes a marker only when it still belongs to the caller.
var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// fillScript seeds an empty history list. It does nothing when the list
// already exists, so concurrent fills cannot duplicate entries.
var fillScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
local maxLen = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
for i = 3, #ARGV do
	redis.call('RPUSH', KEYS[1], ARGV[i])
end
if maxLen > 0 then
	redis.call('LTRIM', KEYS[1], -maxLen, -1)
end
redis.call('PEXPIRE', KEYS[1], ttl)
return 1
`)

// Store is the Redis backend. All keys are namespaced under prefix.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

// New wraps an existing client.
func New(client goredis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Dial connects to the Redis server at url (redis://host:port/db) and
// verifies the connection.
func Dial(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, prefix), nil
}

// Ping reports whether the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) rateKey(key string) string    { return s.prefix + "ratelimit:" + key }
func (s *Store) cacheKey(fp string) string    { return s.prefix + "cache:" + fp }
func (s *Store) markerKey(fp string) string   { return s.prefix + "inflight:" + fp }
func (s *Store) historyKey(key string) string { return s.prefix + "history:" + key }

// SlidingWindow runs the prune/count/record admission step atomically
// on the server. The sorted set expires after twice the window.
func (s *Store) SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (models.WindowState, error) {
	res, err := slidingWindowScript.Run(ctx, s.client, []string{s.rateKey(key)},
		now.UnixMilli(),
		window.Milliseconds(),
		limit,
		uuid.NewString(),
		(2 * window).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return models.WindowState{}, fmt.Errorf("sliding window %s: %w", key, err)
	}
	if len(res) != 3 {
		return models.WindowState{}, fmt.Errorf("sliding window %s: unexpected reply length %d", key, len(res))
	}
	return models.WindowState{
		Admitted: res[0] == 1,
		Count:    int(res[1]),
		Oldest:   time.UnixMilli(res[2]),
	}, nil
}

// CacheGet returns the stored value for fingerprint.
func (s *Store) CacheGet(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.cacheKey(fingerprint)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return v, true, nil
}

// CacheSet stores value unless a live entry already exists.
func (s *Store) CacheSet(ctx context.Context, fingerprint string, value []byte, ttl time.Duration) error {
	if err := s.client.SetNX(ctx, s.cacheKey(fingerprint), value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// AcquireMarker sets the in-flight marker with a hard expiry.
func (s *Store) AcquireMarker(ctx context.Context, fingerprint, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.markerKey(fingerprint), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire marker: %w", err)
	}
	return ok, nil
}

// ReleaseMarker drops the marker if owner still holds it.
func (s *Store) ReleaseMarker(ctx context.Context, fingerprint, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.markerKey(fingerprint)}, owner).Err(); err != nil {
		return fmt.Errorf("release marker: %w", err)
	}
	return nil
}

// CacheCount counts cache keys with a SCAN over the namespace.
func (s *Store) CacheCount(ctx context.Context) (int64, error) {
	var n int64
	iter := s.client.Scan(ctx, 0, s.cacheKey("*"), 500).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return n, nil
}

// CacheFlush deletes cache entries. Redis expires keys itself, so
// expiredOnly is a no-op.
func (s *Store) CacheFlush(ctx context.Context, expiredOnly bool) error {
	if expiredOnly {
		return nil
	}
	iter := s.client.Scan(ctx, 0, s.cacheKey("*"), 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("cache flush: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache flush: %w", err)
	}
	if len(batch) > 0 {
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("cache flush: %w", err)
		}
	}
	return nil
}

// HistoryAppend pushes msg, trims the list to maxLen and refreshes the
// TTL in one MULTI/EXEC.
func (s *Store) HistoryAppend(ctx context.Context, key string, msg models.Message, ttl time.Duration, maxLen int) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("history append: %w", err)
	}
	k := s.historyKey(key)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, k, data)
		if maxLen > 0 {
			pipe.LTrim(ctx, k, int64(-maxLen), -1)
		}
		pipe.PExpire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("history append: %w", err)
	}
	return nil
}

// HistoryFill writes msgs as the log for key only if no log exists. It
// reports whether it wrote.
func (s *Store) HistoryFill(ctx context.Context, key string, msgs []models.Message, ttl time.Duration, maxLen int) (bool, error) {
	if len(msgs) == 0 {
		return false, nil
	}
	args := make([]any, 0, len(msgs)+2)
	args = append(args, maxLen, ttl.Milliseconds())
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		data, err := json.Marshal(m)
		if err != nil {
			return false, fmt.Errorf("history fill: %w", err)
		}
		args = append(args, string(data))
	}
	n, err := fillScript.Run(ctx, s.client, []string{s.historyKey(key)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("history fill: %w", err)
	}
	return n == 1, nil
}

// HistoryRange returns the newest limit messages, oldest first.
func (s *Store) HistoryRange(ctx context.Context, key string, limit int) ([]models.Message, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.client.LRange(ctx, s.historyKey(key), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history range: %w", err)
	}
	msgs := make([]models.Message, 0, len(raw))
	for i, item := range raw {
		var m models.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("history range: decode item %d: %w", i, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// HistoryDelete removes the log for key.
func (s *Store) HistoryDelete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.historyKey(key)).Err(); err != nil {
		return fmt.Errorf("history delete: %w", err)
	}
	return nil
}
