package store

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultRedisOpTimeout = 5 * time.Second

// saveDocScript bumps the document version only when the caller's expected
// version still matches. A negative expected version skips the check.
var saveDocScript = redis.NewScript(`
local ver = tonumber(redis.call("HGET", KEYS[1], "ver") or "0")
if tonumber(ARGV[2]) >= 0 and ver ~= tonumber(ARGV[2]) then
    return {0, ver}
end
ver = ver + 1
redis.call("HSET", KEYS[1], "items", ARGV[1], "ver", ver)
return {1, ver}
`)

// casPutScript performs the index-conditioned write. The index counter lives
// under its own key (KEYS[2]) and survives deletes, keeping indexes strictly
// increasing for the lifetime of the keyspace.
var casPutScript = redis.NewScript(`
local cur = tonumber(redis.call("HGET", KEYS[1], "idx") or "0")
if cur ~= tonumber(ARGV[2]) then
    return {0, redis.call("HGET", KEYS[1], "val") or "", cur}
end
local nxt = redis.call("INCR", KEYS[2])
redis.call("HSET", KEYS[1], "val", ARGV[1], "idx", nxt)
return {1, ARGV[1], nxt}
`)

var casDeleteScript = redis.NewScript(`
local cur = tonumber(redis.call("HGET", KEYS[1], "idx") or "0")
if cur == 0 or cur ~= tonumber(ARGV[1]) then
    return 0
end
redis.call("INCR", KEYS[2])
redis.call("DEL", KEYS[1])
return 1
`)

// Redis implements Store on a Redis backend. Documents live in hashes keyed
// by docKey, compare-and-exchange records in hashes keyed by exchangeKey with
// a companion counter key. All conditional writes go through Lua scripts so
// the check and the write are a single atomic step.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithTimeout sets the per-operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(s *Redis) {
		s.timeout = d
	}
}

// NewRedis returns a Redis-backed store using the provided client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	s := &Redis{client: client, timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func docKey(id string) string          { return "doc:" + id }
func exchangeKey(key string) string    { return "cx:" + key }
func exchangeSeqKey(key string) string { return "cxseq:" + key }

func normalizeRedisErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return ErrConnectionClosed
	}
	return err
}

// LoadDocument implements DocumentStore.LoadDocument.
func (s *Redis) LoadDocument(ctx context.Context, id string) (Document, Version, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	vals, err := s.client.HMGet(cctx, docKey(id), "items", "ver").Result()
	if err != nil {
		return Document{}, 0, normalizeRedisErr(err)
	}
	if vals[1] == nil {
		return Document{}, 0, ErrNotFound
	}
	rawVer, ok := vals[1].(string)
	if !ok {
		return Document{}, 0, fmt.Errorf("store: unexpected version type %T", vals[1])
	}
	ver, err := strconv.ParseInt(rawVer, 10, 64)
	if err != nil {
		return Document{}, 0, fmt.Errorf("store: parse version: %w", err)
	}
	var items []string
	if raw, ok := vals[0].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return Document{}, 0, fmt.Errorf("store: decode items: %w", err)
		}
	}
	return Document{ID: id, Items: items}, Version(ver), nil
}

// SaveDocument implements DocumentStore.SaveDocument.
func (s *Redis) SaveDocument(ctx context.Context, doc Document, expected Version) (Version, error) {
	data, err := json.Marshal(doc.Items)
	if err != nil {
		return 0, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := saveDocScript.Run(cctx, s.client, []string{docKey(doc.ID)}, data, int64(expected)).Result()
	if err != nil {
		return 0, normalizeRedisErr(err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return 0, fmt.Errorf("store: unexpected save reply %v", res)
	}
	if arr[0].(int64) != 1 {
		return 0, ErrVersionConflict
	}
	return Version(arr[1].(int64)), nil
}

// DeleteDocument implements DocumentStore.DeleteDocument.
func (s *Redis) DeleteDocument(ctx context.Context, id string) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Del(cctx, docKey(id)).Err(); err != nil {
		return normalizeRedisErr(err)
	}
	return nil
}

// CompareExchangePut implements ExchangeStore.CompareExchangePut.
func (s *Redis) CompareExchangePut(ctx context.Context, key string, value []byte, expected int64) (bool, []byte, int64, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := casPutScript.Run(cctx, s.client,
		[]string{exchangeKey(key), exchangeSeqKey(key)}, value, expected).Result()
	if err != nil {
		return false, nil, 0, normalizeRedisErr(err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return false, nil, 0, fmt.Errorf("store: unexpected exchange reply %v", res)
	}
	index := arr[2].(int64)
	var current []byte
	if raw, ok := arr[1].(string); ok && raw != "" {
		current = []byte(raw)
	}
	return arr[0].(int64) == 1, current, index, nil
}

// CompareExchangeDelete implements ExchangeStore.CompareExchangeDelete.
func (s *Redis) CompareExchangeDelete(ctx context.Context, key string, expected int64) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := casDeleteScript.Run(cctx, s.client,
		[]string{exchangeKey(key), exchangeSeqKey(key)}, expected).Result()
	if err != nil {
		return false, normalizeRedisErr(err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("store: unexpected exchange delete reply %v", res)
	}
	return n == 1, nil
}
