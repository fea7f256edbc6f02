// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"github.com/sigil-dev/memfabric/internal/store"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
)

const (
	flushBatch   = 64
	flushTimeout = 5 * time.Second

	defaultTouchPersist = time.Hour
)

// CacheEntry is one cached vector. Entries are independent of records.
type CacheEntry struct {
	Hash       string    `json:"hash"`
	Vector     []float32 `json:"vector"`
	InsertedAt time.Time `json:"inserted_at"`
	LastUsedAt time.Time `json:"last_used_at"`

	persistedAt time.Time
}

// CacheStats are cumulative counters plus the current size. Expired
// lookups count as both Expired and Misses.
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Inserts   int64 `json:"inserts"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
	Size      int   `json:"size"`
}

// HitRate returns Hits / (Hits + Misses), or 0 before any lookup.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// CacheObserver receives hit and miss events, e.g. for metrics.
type CacheObserver interface {
	CacheHit()
	CacheMiss()
}

// CacheConfig controls capacity, expiry and persistence.
type CacheConfig struct {
	Capacity int
	// TTL is measured from insertion. Zero disables expiry.
	TTL   time.Duration
	Model string
	// Dimensions, when set, drops loaded entries of any other width.
	Dimensions int
	// PersistQueue bounds pending persistence writes.
	PersistQueue int
	// TouchPersist is the minimum gap between persisted recency refreshes
	// of an entry served from the cache. Zero means one hour.
	TouchPersist time.Duration
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheStore persists entries to kv under the emb/ prefix.
func WithCacheStore(kv store.KV) CacheOption {
	return func(c *Cache) { c.kv = kv }
}

// WithCacheObserver reports hits and misses to o.
func WithCacheObserver(o CacheObserver) CacheOption {
	return func(c *Cache) { c.observer = o }
}

// WithCacheClock overrides the time source.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.nowFunc = now }
}

type persistOp struct {
	key   string
	entry *CacheEntry // nil deletes
}

// Cache is a content-addressed LRU of embeddings with insertion TTL.
// Concurrent misses for the same text share one embedder call.
type Cache struct {
	cfg      CacheConfig
	embedder Embedder
	kv       store.KV
	observer CacheObserver
	nowFunc  func() time.Time
	group    singleflight.Group

	mu     sync.Mutex
	lru    *simplelru.LRU[string, *CacheEntry]
	stats  CacheStats
	ops    chan persistOp
	closed bool
	wg     sync.WaitGroup
}

// NewCache creates a cache in front of embedder.
func NewCache(cfg CacheConfig, embedder Embedder, opts ...CacheOption) (*Cache, error) {
	if cfg.Capacity <= 0 {
		return nil, mferr.Errorf(mferr.CodeConfigValidateInvalidValue,
			"cache capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.PersistQueue <= 0 {
		cfg.PersistQueue = 1024
	}
	if cfg.TouchPersist <= 0 {
		cfg.TouchPersist = defaultTouchPersist
	}

	lru, err := simplelru.NewLRU[string, *CacheEntry](cfg.Capacity, nil)
	if err != nil {
		return nil, mferr.Wrap(err, mferr.CodeInternalFailure, "creating lru")
	}

	c := &Cache{
		cfg:      cfg,
		embedder: embedder,
		nowFunc:  time.Now,
		lru:      lru,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.kv != nil {
		c.ops = make(chan persistOp, cfg.PersistQueue)
		c.wg.Add(1)
		go c.flush()
	}
	return c, nil
}

// Key returns the cache hash for text under the configured model.
func (c *Cache) Key(text string) string {
	sum := sha256.Sum256([]byte(c.cfg.Model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// GetOrCompute returns the cached vector for text, computing and storing it
// on a miss. The returned slice is a copy.
func (c *Cache) GetOrCompute(ctx context.Context, text string) ([]float32, error) {
	key := c.Key(text)

	if vec, ok := c.lookup(key); ok {
		if c.observer != nil {
			c.observer.CacheHit()
		}
		return vec, nil
	}
	if c.observer != nil {
		c.observer.CacheMiss()
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if vec, ok := c.peek(key); ok {
			return vec, nil
		}
		vec, err := c.embedder.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		c.insert(key, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]float32)), nil
}

// Contains reports whether text has a fresh entry without touching recency
// or counters.
func (c *Cache) Contains(text string) bool {
	_, ok := c.peek(c.Key(text))
	return ok
}

// Len returns the number of entries, expired ones included until touched.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns the counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.lru.Len()
	return s
}

func (c *Cache) expired(e *CacheEntry, now time.Time) bool {
	return c.cfg.TTL > 0 && now.Sub(e.InsertedAt) >= c.cfg.TTL
}

func (c *Cache) lookup(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	e, ok := c.lru.Get(key)
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if c.expired(e, now) {
		c.lru.Remove(key)
		c.stats.Expired++
		c.stats.Misses++
		c.enqueue(persistOp{key: key})
		return nil, false
	}

	e.LastUsedAt = now
	c.stats.Hits++
	if now.Sub(e.persistedAt) >= c.cfg.TouchPersist {
		e.persistedAt = now
		c.enqueue(persistOp{key: key, entry: e.clone()})
	}
	return slices.Clone(e.Vector), true
}

func (c *Cache) peek(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok || c.expired(e, c.nowFunc()) {
		return nil, false
	}
	return e.Vector, true
}

func (c *Cache) insert(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	e := &CacheEntry{Hash: key, Vector: slices.Clone(vec), InsertedAt: now, LastUsedAt: now, persistedAt: now}
	c.add(e)
	c.stats.Inserts++
	c.enqueue(persistOp{key: key, entry: e.clone()})
}

// add must be called with c.mu held.
func (c *Cache) add(e *CacheEntry) {
	if !c.lru.Contains(e.Hash) && c.lru.Len() >= c.cfg.Capacity {
		if old, _, ok := c.lru.RemoveOldest(); ok {
			c.stats.Evictions++
			c.enqueue(persistOp{key: old})
			slog.Debug("embedding cache evicted entry", "hash", old)
		}
	}
	c.lru.Add(e.Hash, e)
}

// Load warms the cache from the persisted entries, least recently used
// first so recency order survives restarts. Expired entries are removed.
func (c *Cache) Load(ctx context.Context) (int, error) {
	if c.kv == nil {
		return 0, nil
	}

	now := c.nowFunc()
	var entries []*CacheEntry
	var stale [][]byte
	err := c.kv.Scan(ctx, store.CachePrefix(), func(key, value []byte) error {
		var e CacheEntry
		if err := json.Unmarshal(value, &e); err != nil || len(e.Vector) == 0 {
			slog.Warn("discarding unreadable embedding cache entry", "key", string(key))
			stale = append(stale, slices.Clone(key))
			return nil
		}
		if c.cfg.Dimensions > 0 && len(e.Vector) != c.cfg.Dimensions {
			slog.Warn("discarding embedding cache entry with wrong dimensions",
				"key", string(key), "dimensions", len(e.Vector), "expected", c.cfg.Dimensions)
			stale = append(stale, slices.Clone(key))
			return nil
		}
		if c.expired(&e, now) {
			stale = append(stale, slices.Clone(key))
			return nil
		}
		e.Hash = strings.TrimPrefix(string(key), string(store.CachePrefix()))
		e.persistedAt = e.LastUsedAt
		entries = append(entries, &e)
		return nil
	})
	if err != nil {
		return 0, err
	}

	slices.SortFunc(entries, func(a, b *CacheEntry) int {
		return a.LastUsedAt.Compare(b.LastUsedAt)
	})

	c.mu.Lock()
	for _, e := range entries {
		c.add(e)
	}
	c.mu.Unlock()

	if len(stale) > 0 {
		batch := &store.Batch{}
		for _, k := range stale {
			batch.Delete(k)
		}
		if err := c.kv.Apply(ctx, batch); err != nil {
			slog.Warn("removing stale embedding cache entries", "count", len(stale), "error", err)
		}
	}

	slog.Info("embedding cache loaded", "entries", len(entries), "discarded", len(stale))
	return min(len(entries), c.cfg.Capacity), nil
}

// Close flushes pending persistence writes and stops the flusher.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.ops != nil {
		close(c.ops)
	}
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

// enqueue must be called with c.mu held. A full queue drops the op; the
// entry is recomputed on the next miss after a restart.
func (c *Cache) enqueue(op persistOp) {
	if c.ops == nil || c.closed {
		return
	}
	select {
	case c.ops <- op:
	default:
		slog.Warn("embedding cache persistence queue full, dropping write", "hash", op.key)
	}
}

func (c *Cache) flush() {
	defer c.wg.Done()

	for op := range c.ops {
		batch := &store.Batch{}
		c.stage(batch, op)

	drain:
		for batch.Len() < flushBatch {
			select {
			case next, ok := <-c.ops:
				if !ok {
					break drain
				}
				c.stage(batch, next)
			default:
				break drain
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if err := c.kv.Apply(ctx, batch); err != nil {
			slog.Warn("persisting embedding cache entries", "count", batch.Len(), "error", err)
		}
		cancel()
	}
}

func (c *Cache) stage(batch *store.Batch, op persistOp) {
	key := store.CacheKey(op.key)
	if op.entry == nil {
		batch.Delete(key)
		return
	}
	data, err := json.Marshal(op.entry)
	if err != nil {
		slog.Warn("encoding embedding cache entry", "hash", op.key, "error", err)
		return
	}
	batch.Put(key, data)
}

func (e *CacheEntry) clone() *CacheEntry {
	c := *e
	c.Vector = slices.Clone(e.Vector)
	return &c
}
