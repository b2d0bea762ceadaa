// Package kv wraps the shared Redis client with the small set of primitives
// the worker needs: strings, sets, hashes, lists and JSON helpers.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"

	"github.com/Tyrowin/gocomet/internal/errs"
)

// Options configures the Redis connection.
type Options struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// Store is a thin adapter over a Redis client.
type Store struct {
	rdb redis.UniversalClient
}

// New wraps an existing client.
func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Connect dials Redis and pings it, retrying with exponential backoff until
// ctx is done.
func Connect(ctx context.Context, opts Options, log *slog.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 30 * time.Second

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	}
	err := backoff.RetryNotify(ping, backoff.WithContext(policy, ctx), func(err error, d time.Duration) {
		log.Warn("Redis not reachable, retrying", "addr", opts.Address, "error", err, "next", d)
	})
	if err != nil {
		_ = rdb.Close()
		return nil, errs.Wrap(err, errs.KindRedis, "CoreError", "redis connection failed")
	}
	log.Info("Connected to redis", "addr", opts.Address, "db", opts.DB)
	return &Store{rdb: rdb}, nil
}

// Client exposes the underlying client for pub/sub.
func (s *Store) Client() redis.UniversalClient {
	return s.rdb
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// FlushAll wipes the database. Only used in development.
func (s *Store) FlushAll(ctx context.Context) error {
	return wrap(s.rdb.FlushAll(ctx).Err(), "flushall")
}

func wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return errs.ErrRedis.WithMessage(op).WithCause(err)
}

func notFound(key string) error {
	return errs.ErrKeyNotFound.WithMessage(key)
}

// Get returns the string at key or a ModelError#KeyNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", notFound(key)
	}
	if err != nil {
		return "", wrap(err, "get "+key)
	}
	return val, nil
}

// Set stores value at key. A zero ttl keeps the key forever.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return wrap(s.rdb.Set(ctx, key, value, ttl).Err(), "set "+key)
}

// SetNX stores value only if key is absent and reports whether it did.
func (s *Store) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	return ok, wrap(err, "setnx "+key)
}

// GetJSON decodes the JSON string at key into dst.
func (s *Store) GetJSON(ctx context.Context, key string, dst any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return errs.ErrUnknown.WithMessage(fmt.Sprintf("decode %s", key)).WithCause(err)
	}
	return nil
}

// SetJSON encodes value as JSON and stores it at key.
func (s *Store) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// MGet returns values for keys; missing keys yield "" and false.
func (s *Store) MGet(ctx context.Context, keys ...string) ([]string, []bool, error) {
	if len(keys) == 0 {
		return nil, nil, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, wrap(err, "mget")
	}
	out := make([]string, len(vals))
	found := make([]bool, len(vals))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[i] = str
			found[i] = true
		}
	}
	return out, found, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap(s.rdb.Del(ctx, keys...).Err(), "del")
}

// Expire refreshes the ttl of key and reports whether the key existed.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.Expire(ctx, key, ttl).Result()
	return ok, wrap(err, "expire "+key)
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	return wrap(s.rdb.SAdd(ctx, key, toAny(members)...).Err(), "sadd "+key)
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	return wrap(s.rdb.SRem(ctx, key, toAny(members)...).Err(), "srem "+key)
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, key).Result()
	return members, wrap(err, "smembers "+key)
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, key, member).Result()
	return ok, wrap(err, "sismember "+key)
}

// HSet writes fields into the hash at key.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	return wrap(s.rdb.HSet(ctx, key, values...).Err(), "hset "+key)
}

// HGetAll returns the hash at key or a ModelError#KeyNotFound when it is empty.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap(err, "hgetall "+key)
	}
	if len(fields) == 0 {
		return nil, notFound(key)
	}
	return fields, nil
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", notFound(key + "." + field)
	}
	return val, wrap(err, "hget "+key)
}

// RPushJSON appends JSON-encoded values to the list at key.
func (s *Store) RPushJSON(ctx context.Context, key string, values ...any) error {
	encoded := make([]any, 0, len(values))
	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		encoded = append(encoded, data)
	}
	return wrap(s.rdb.RPush(ctx, key, encoded...).Err(), "rpush "+key)
}

// LRangeJSON decodes list elements in [start, stop] into a slice of T.
func LRangeJSON[T any](ctx context.Context, s *Store, key string, start, stop int64) ([]T, error) {
	raw, err := s.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrap(err, "lrange "+key)
	}
	out := make([]T, 0, len(raw))
	for _, item := range raw {
		var v T
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			return nil, errs.ErrUnknown.WithMessage("decode " + key).WithCause(err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.rdb.Publish(ctx, channel, payload).Err()
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
