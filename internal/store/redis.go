package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"keygate/pkg/contracts/domain"
)

// RedisStore is the production Store adapter: one JSON value per code under a
// keyspace prefix, change notification over a pub/sub channel per code, and
// compare-and-swap through WATCH/MULTI. Server-time fields use the Redis
// server clock (TIME), not the caller's.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// ConnectRedis initializes a Redis client from a URL or host:port input.
// Supporting both formats keeps local/dev and container config paths simple.
func ConnectRedis(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, parseErr := redis.ParseURL(redisURL)
		if parseErr != nil {
			return nil, fmt.Errorf("parse redis url: %w", parseErr)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// NewRedisStore wraps an existing client. prefix namespaces the keyspace,
// e.g. "keygate:" yields record keys "keygate:key:<code>" and event channels
// "keygate:events:<code>".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) recordKey(code string) string {
	return s.prefix + "key:" + code
}

func (s *RedisStore) eventChannel(code string) string {
	return s.prefix + "events:" + code
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, code string) (*domain.ActivationKey, error) {
	data, err := s.client.Get(ctx, s.recordKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", code, err)
	}
	return decodeRecord(data)
}

// Create implements Store. CreatedAt comes from the Redis server clock so a
// skewed or hostile admin client cannot back-date issuance. SETNX makes the
// write atomic per key.
func (s *RedisStore) Create(ctx context.Context, key *domain.ActivationKey) (*domain.ActivationKey, error) {
	serverNow, err := s.client.Time(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("redis time: %w", err)
	}

	rec := key.Clone()
	rec.CreatedAt = serverNow

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.Code, err)
	}

	ok, err := s.client.SetNX(ctx, s.recordKey(rec.Code), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx %s: %w", rec.Code, err)
	}
	if !ok {
		return nil, ErrExists
	}

	s.publish(ctx, Event{Code: rec.Code, Key: rec})
	return rec.Clone(), nil
}

// UpdateIf implements Store. The WATCH on the record key aborts the MULTI if
// any other writer touches it between the read and the EXEC, so the status
// check and the write commit atomically. A failed transaction or a failed
// status check both report ErrConflict: either way the caller lost the race.
func (s *RedisStore) UpdateIf(ctx context.Context, code string, expect domain.KeyStatus, mutate func(*domain.ActivationKey)) (*domain.ActivationKey, error) {
	var updated *domain.ActivationKey

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, s.recordKey(code)).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("redis get %s: %w", code, err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if rec.Status != expect {
			return ErrConflict
		}

		mutate(rec)
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", code, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.recordKey(code), payload, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = rec
		return nil
	}

	err := s.client.Watch(ctx, txn, s.recordKey(code))
	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}

	s.publish(ctx, Event{Code: code, Key: updated})
	return updated.Clone(), nil
}

// Apply implements Store. Unconditional, but still transactional so
// concurrent writers cannot interleave half-applied records.
func (s *RedisStore) Apply(ctx context.Context, code string, mutate func(*domain.ActivationKey)) (*domain.ActivationKey, error) {
	var updated *domain.ActivationKey

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, s.recordKey(code)).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("redis get %s: %w", code, err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return err
		}

		mutate(rec)
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", code, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.recordKey(code), payload, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = rec
		return nil
	}

	// Retry the optimistic transaction a few times; Apply has no status
	// precondition, so losing the WATCH just means re-reading.
	for attempt := 0; attempt < 5; attempt++ {
		err := s.client.Watch(ctx, txn, s.recordKey(code))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.publish(ctx, Event{Code: code, Key: updated})
		return updated.Clone(), nil
	}
	return nil, fmt.Errorf("redis apply %s: too many contention retries", code)
}

// Remove implements Store. Deleting an absent code is not an error; the
// removal event is only published when a record was actually present.
func (s *RedisStore) Remove(ctx context.Context, code string) error {
	n, err := s.client.Del(ctx, s.recordKey(code)).Result()
	if err != nil {
		return fmt.Errorf("redis del %s: %w", code, err)
	}
	if n > 0 {
		s.publish(ctx, Event{Code: code, Removed: true})
	}
	return nil
}

// All implements Store. SCAN over the record prefix plus MGET; the listing is
// display-only so a non-snapshot view is acceptable.
func (s *RedisStore) All(ctx context.Context) ([]*domain.ActivationKey, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.recordKey("*"), 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make([]*domain.ActivationKey, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // deleted between SCAN and MGET
		}
		rec, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Watch implements Store over Redis pub/sub. One goroutine drains the
// subscription until the handle is called or ctx ends.
func (s *RedisStore) Watch(ctx context.Context, code string, fn func(Event)) (UnsubscribeFunc, error) {
	var pubsub *redis.PubSub
	if code == WatchAll {
		pubsub = s.client.PSubscribe(ctx, s.eventChannel("*"))
	} else {
		pubsub = s.client.Subscribe(ctx, s.eventChannel(code))
	}
	// Force the subscription onto the wire before returning, so callers do
	// not miss events published immediately after Watch.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %q: %w", code, err)
	}

	done := make(chan struct{})
	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				fn(ev)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	// Notification is best-effort: a dropped publish degrades freshness, not
	// correctness, because consumers re-read on demand.
	_ = s.client.Publish(ctx, s.eventChannel(ev.Code), payload).Err()
}

func decodeRecord(data []byte) (*domain.ActivationKey, error) {
	var rec domain.ActivationKey
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}
