// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package redis provides a Redis-backed store.KV for deployments that share
// durable memory across processes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sigil-dev/memfabric/internal/store"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
)

// Compile-time interface check.
var _ store.KV = (*KV)(nil)

const (
	defaultPrefix  = "memfabric:"
	connectTimeout = 5 * time.Second
	scanCount      = 512
	fetchPage      = 256
)

func init() {
	store.RegisterKV("redis", func(cfg *store.Config) (store.KV, error) {
		return New(Options{URL: cfg.RedisURL, Prefix: cfg.RedisPrefix})
	})
}

// Options configures the Redis connection.
type Options struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379/0").
	URL string

	// Prefix namespaces every key this KV writes. Defaults to "memfabric:".
	Prefix string
}

// KV implements store.KV on plain Redis strings. Scan orders keys
// client-side since Redis SCAN is unordered.
type KV struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection with PING.
func New(opts Options) (*KV, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, mferr.Errorf(mferr.CodeStoreInvalidInput, "parsing redis url: %w", err)
	}
	redisOpts.DialTimeout = connectTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, mferr.Errorf(mferr.CodeStoreDatabaseFailure, "connecting to redis: %w", err)
	}

	return &KV{client: client, prefix: opts.Prefix}, nil
}

func (s *KV) key(k []byte) string {
	return s.prefix + string(k)
}

func (s *KV) Get(ctx context.Context, key []byte) ([]byte, error) {
	v, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.KeyNotFound(key)
	}
	if err != nil {
		return nil, store.ReadFailure(err, "get")
	}
	return v, nil
}

func (s *KV) Put(ctx context.Context, key, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return store.WriteFailure(err, "put")
	}
	return nil
}

func (s *KV) Delete(ctx context.Context, key []byte) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return store.WriteFailure(err, "delete")
	}
	return nil
}

// Scan collects matching keys, sorts them, then fetches values in pages.
// Keys deleted between the two phases are skipped.
func (s *KV) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	pattern := escapeGlob(s.key(prefix)) + "*"

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return store.ReadFailure(err, "scan")
	}

	slices.Sort(keys)
	keys = slices.Compact(keys)

	for page := range slices.Chunk(keys, fetchPage) {
		values, err := s.client.MGet(ctx, page...).Result()
		if err != nil {
			return store.ReadFailure(err, "scan fetch")
		}
		for i, v := range values {
			str, ok := v.(string)
			if !ok {
				continue
			}
			if err := fn([]byte(strings.TrimPrefix(page[i], s.prefix)), []byte(str)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Apply runs the batch inside MULTI/EXEC.
func (s *KV) Apply(ctx context.Context, batch *store.Batch) error {
	if batch == nil || batch.Len() == 0 {
		return nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range batch.Ops() {
			switch op.Kind {
			case store.OpPut:
				pipe.Set(ctx, s.key(op.Key), op.Value, 0)
			case store.OpDelete:
				pipe.Del(ctx, s.key(op.Key))
			default:
				return fmt.Errorf("unknown batch op %d", op.Kind)
			}
		}
		return nil
	})
	if err != nil {
		return store.WriteFailure(err, "apply")
	}
	return nil
}

// Close closes the Redis connection.
func (s *KV) Close() error {
	return s.client.Close()
}

// escapeGlob escapes the characters Redis treats specially in MATCH
// patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
