package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisMaxRetries = 5

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // key namespace, default "chat:"
	IdleTTL  time.Duration // expiry of caller records, default one hour
}

// RedisStore shares caller state between instances. Record keys expire after
// IdleTTL, which stands in for Sweep.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	idleTTL time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "chat:"
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client, prefix: cfg.Prefix, idleTTL: cfg.IdleTTL}, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) recordKey(caller string) string { return s.prefix + "caller:" + caller }
func (s *RedisStore) blockKey(caller string) string  { return s.prefix + "block:" + caller }

// Update implements Store with an optimistic WATCH/MULTI transaction, retried
// when another instance touches the same caller concurrently.
func (s *RedisStore) Update(ctx context.Context, caller string, fn func(st *State)) error {
	recKey, blkKey := s.recordKey(caller), s.blockKey(caller)

	txf := func(tx *redis.Tx) error {
		st := State{Caller: caller}
		if err := getJSON(ctx, tx, recKey, &st.Record); err != nil {
			return err
		}
		if err := getJSON(ctx, tx, blkKey, &st.Block); err != nil {
			return err
		}

		fn(&st)

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if st.Record == nil {
				pipe.Del(ctx, recKey)
			} else {
				b, err := json.Marshal(st.Record)
				if err != nil {
					return err
				}
				pipe.Set(ctx, recKey, b, s.idleTTL)
			}
			if st.Block == nil {
				pipe.Del(ctx, blkKey)
			} else {
				b, err := json.Marshal(st.Block)
				if err != nil {
					return err
				}
				pipe.Set(ctx, blkKey, b, 0)
				// Keep the entry a little past expiry so the lazy delete path still sees it.
				pipe.ExpireAt(ctx, blkKey, st.Block.BlockedUntil.Add(time.Minute))
			}
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxRetries; i++ {
		err := s.client.Watch(ctx, txf, recKey, blkKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis update for %s: too much contention", caller)
}

// getJSON decodes key into *dst, leaving it nil when the key does not exist.
func getJSON[T any](ctx context.Context, tx *redis.Tx, key string, dst **T) error {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	*dst = v
	return nil
}

// Sweep implements Store. Records expire through key TTLs.
func (s *RedisStore) Sweep(context.Context, time.Time) error { return nil }

// Blocks implements Store.
func (s *RedisStore) Blocks(ctx context.Context) ([]BlockEntry, error) {
	pattern := s.prefix + "block:*"
	var out []BlockEntry
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var b BlockEntry
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		if b.Caller == "" {
			b.Caller = strings.TrimPrefix(key, s.prefix+"block:")
		}
		out = append(out, b)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Caller < out[j].Caller })
	return out, nil
}

// Unblock implements Store.
func (s *RedisStore) Unblock(ctx context.Context, caller string) error {
	return s.client.Del(ctx, s.blockKey(caller)).Err()
}
