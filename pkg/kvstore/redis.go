package kvstore

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const redisUpdateAttempts = 16

// RedisStore keeps each namespace in a Redis hash named <prefix><namespace>.
// Update uses WATCH/MULTI and retries when another writer touched the hash.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

var _ Store = &RedisStore{}

// NewRedisStore dials addr and owns the client (Close closes it).
func NewRedisStore(addr, prefix string) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis store: empty addr")
	}
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: addr}), prefix)
	s.owned = true
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client; Close leaves it open.
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(namespace string) string { return s.prefix + namespace }

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) Get(ctx context.Context, namespace string) (Record, error) {
	if err := validateNamespace("redis", namespace); err != nil {
		return nil, err
	}
	m, err := s.client.HGetAll(ctx, s.key(namespace)).Result()
	if err != nil {
		return nil, unavailable("redis", "get", namespace, err)
	}
	return recordFromHash(m), nil
}

func (s *RedisStore) GetKey(ctx context.Context, namespace, key string) (json.RawMessage, bool, error) {
	if err := validateNamespace("redis", namespace); err != nil {
		return nil, false, err
	}
	v, err := s.client.HGet(ctx, s.key(namespace), key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("redis", "get key", namespace, err)
	}
	return json.RawMessage(v), true, nil
}

func (s *RedisStore) Set(ctx context.Context, namespace string, partial Record) error {
	if err := validateNamespace("redis", namespace); err != nil {
		return err
	}
	if len(partial) == 0 {
		return nil
	}
	if err := s.client.HSet(ctx, s.key(namespace), hashFromRecord(partial)).Err(); err != nil {
		return unavailable("redis", "set", namespace, err)
	}
	return nil
}

func (s *RedisStore) Empty(ctx context.Context, namespace string) error {
	if err := validateNamespace("redis", namespace); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.key(namespace)).Err(); err != nil {
		return unavailable("redis", "empty", namespace, err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, namespace string, fn UpdateFunc) error {
	if err := validateNamespace("redis", namespace); err != nil {
		return err
	}
	if fn == nil {
		return errors.New("redis store: update func is nil")
	}
	key := s.key(namespace)

	// fnErr separates caller errors from transport errors returned by Watch.
	var fnErr error
	txf := func(tx *redis.Tx) error {
		m, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		next, err := fn(recordFromHash(m))
		if err != nil {
			fnErr = err
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(next) > 0 {
				pipe.HSet(ctx, key, hashFromRecord(next))
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < redisUpdateAttempts; attempt++ {
		fnErr = nil
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if fnErr != nil {
			return fnErr
		}
		if errors.Is(err, redis.TxFailedErr) {
			log.Debug().Str("component", "kvstore").Str("namespace", namespace).Int("attempt", attempt).Msg("redis update conflict, retrying")
			continue
		}
		return unavailable("redis", "update", namespace, err)
	}
	return unavailable("redis", "update", namespace, errors.Errorf("gave up after %d conflicting attempts", redisUpdateAttempts))
}

func recordFromHash(m map[string]string) Record {
	rec := make(Record, len(m))
	for k, v := range m {
		rec[k] = json.RawMessage(v)
	}
	return rec
}

func hashFromRecord(rec Record) map[string]any {
	m := make(map[string]any, len(rec))
	for k, v := range rec {
		m[k] = string(v)
	}
	return m
}
