package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix    = "hellogate:session:"
	redisUpdateRounds = 16
)

// RedisStore shares sessions between gateway instances through Redis. Values
// are JSON documents whose Redis TTL mirrors the inactivity timeout.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttlOrDefault(ttl),
		now:    time.Now,
	}
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedisStore(client, ttl), nil
}

func (s *RedisStore) key(id string) string { return redisKeyPrefix + id }

// Get loads the session or mints a fresh one.
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	if id != "" {
		raw, err := s.client.Get(ctx, s.key(id)).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return nil, fmt.Errorf("get session: %w", err)
		default:
			var sess Session
			if err := json.Unmarshal(raw, &sess); err != nil {
				return nil, fmt.Errorf("decode session: %w", err)
			}
			if !sess.expired(s.now()) {
				return &sess, nil
			}
		}
	}
	return newSession(s.now(), s.ttl)
}

// Put writes the session with a fresh TTL.
func (s *RedisStore) Put(ctx context.Context, sess *Session) error {
	stored := sess.Clone()
	stored.fresh = false
	stored.ExpiresAt = s.now().Add(s.ttl)
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(stored.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// Update runs fn inside a WATCH/MULTI transaction and retries when another
// writer touched the key in between.
func (s *RedisStore) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	key := s.key(id)
	var out *Session

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var sess Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		if sess.expired(s.now()) {
			return ErrNotFound
		}
		if err := fn(&sess); err != nil {
			return err
		}
		sess.ID = id
		sess.ExpiresAt = s.now().Add(s.ttl)
		data, err := json.Marshal(&sess)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err == nil {
			out = &sess
		}
		return err
	}

	for i := 0; i < redisUpdateRounds; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, ErrConflict
}

// Touch rewrites the session so both the stored expiry and the TTL move.
func (s *RedisStore) Touch(ctx context.Context, id string) error {
	_, err := s.Update(ctx, id, func(*Session) error { return nil })
	return err
}

// Expire deletes the session key.
func (s *RedisStore) Expire(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("expire session: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
