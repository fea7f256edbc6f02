// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package metrics records fabric activity as OpenTelemetry instruments and
// keeps an in-process mirror for operator snapshots.
package metrics

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sigil-dev/memfabric/internal/tiered"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/sigil-dev/memfabric/pkg/health"
	"github.com/sigil-dev/memfabric/pkg/types"
)

// ScopeName is the instrumentation scope of every instrument.
const ScopeName = "github.com/sigil-dev/memfabric"

const latencyWindow = 1024

// Snapshot is a point-in-time view of the recorded metrics.
type Snapshot struct {
	CacheHits    int64                 `json:"cache_hits"`
	CacheMisses  int64                 `json:"cache_misses"`
	CacheHitRate float64               `json:"cache_hit_rate"`
	Promoted     map[types.Layer]int64 `json:"promoted"`
	Deleted      map[types.Layer]int64 `json:"deleted"`
	Searches     int64                 `json:"searches"`
	LatencyP50   time.Duration         `json:"latency_p50"`
	LatencyP95   time.Duration         `json:"latency_p95"`
	LatencyP99   time.Duration         `json:"latency_p99"`
}

// Recorder implements the cache, promotion and search observers.
type Recorder struct {
	hits     metric.Int64Counter
	misses   metric.Int64Counter
	promoted metric.Int64Counter
	deleted  metric.Int64Counter
	latency  metric.Float64Histogram

	indexSizes    func() map[types.Layer]int
	backendHealth func() map[string]health.Metrics

	hitCount  atomic.Int64
	missCount atomic.Int64
	searches  atomic.Int64

	mu          sync.Mutex
	promotedBy  map[types.Layer]int64
	deletedBy   map[types.Layer]int64
	ring        []time.Duration
	ringNext    int
	ringWrapped bool
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithIndexSizes reports per-layer index sizes through an observable gauge.
func WithIndexSizes(fn func() map[types.Layer]int) RecorderOption {
	return func(r *Recorder) { r.indexSizes = fn }
}

// WithBackendHealth reports backend availability through an observable
// gauge.
func WithBackendHealth(fn func() map[string]health.Metrics) RecorderOption {
	return func(r *Recorder) { r.backendHealth = fn }
}

// NewRecorder creates every instrument from mp. A nil mp uses the global
// provider.
func NewRecorder(mp metric.MeterProvider, opts ...RecorderOption) (*Recorder, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	r := &Recorder{
		promotedBy: make(map[types.Layer]int64),
		deletedBy:  make(map[types.Layer]int64),
		ring:       make([]time.Duration, latencyWindow),
	}
	for _, opt := range opts {
		opt(r)
	}

	meter := mp.Meter(ScopeName)
	var err error

	if r.hits, err = meter.Int64Counter("memfabric.cache.hits",
		metric.WithDescription("Embedding cache hits"), metric.WithUnit("1")); err != nil {
		return nil, instrumentErr(err, "memfabric.cache.hits")
	}
	if r.misses, err = meter.Int64Counter("memfabric.cache.misses",
		metric.WithDescription("Embedding cache misses"), metric.WithUnit("1")); err != nil {
		return nil, instrumentErr(err, "memfabric.cache.misses")
	}
	if r.promoted, err = meter.Int64Counter("memfabric.promotion.promoted",
		metric.WithDescription("Records promoted out of a layer"), metric.WithUnit("1")); err != nil {
		return nil, instrumentErr(err, "memfabric.promotion.promoted")
	}
	if r.deleted, err = meter.Int64Counter("memfabric.promotion.deleted",
		metric.WithDescription("Expired records deleted from a layer"), metric.WithUnit("1")); err != nil {
		return nil, instrumentErr(err, "memfabric.promotion.deleted")
	}
	if r.latency, err = meter.Float64Histogram("memfabric.search.latency",
		metric.WithDescription("Recall latency in milliseconds"), metric.WithUnit("ms")); err != nil {
		return nil, instrumentErr(err, "memfabric.search.latency")
	}

	if _, err = meter.Int64ObservableGauge("memfabric.index.size",
		metric.WithDescription("Live points per layer index"), metric.WithUnit("1"),
		metric.WithInt64Callback(r.observeIndexSizes)); err != nil {
		return nil, instrumentErr(err, "memfabric.index.size")
	}
	if _, err = meter.Int64ObservableGauge("memfabric.backend.healthy",
		metric.WithDescription("1 when an embedding backend admits requests"), metric.WithUnit("1"),
		metric.WithInt64Callback(r.observeBackends)); err != nil {
		return nil, instrumentErr(err, "memfabric.backend.healthy")
	}
	return r, nil
}

func (r *Recorder) CacheHit() {
	r.hitCount.Add(1)
	r.hits.Add(context.Background(), 1)
}

func (r *Recorder) CacheMiss() {
	r.missCount.Add(1)
	r.misses.Add(context.Background(), 1)
}

// ObserveSweep records the promotions and deletions of one layer sweep.
func (r *Recorder) ObserveSweep(res tiered.SweepResult) {
	layer := metric.WithAttributes(attribute.String("layer", string(res.Layer)))
	ctx := context.Background()
	r.promoted.Add(ctx, int64(res.Promoted), layer)
	r.deleted.Add(ctx, int64(res.Deleted), layer)

	r.mu.Lock()
	r.promotedBy[res.Layer] += int64(res.Promoted)
	r.deletedBy[res.Layer] += int64(res.Deleted)
	r.mu.Unlock()
}

// ObserveSearch records one recall latency.
func (r *Recorder) ObserveSearch(ctx context.Context, d time.Duration) {
	r.searches.Add(1)
	r.latency.Record(ctx, float64(d)/float64(time.Millisecond))

	r.mu.Lock()
	r.ring[r.ringNext] = d
	r.ringNext = (r.ringNext + 1) % len(r.ring)
	if r.ringNext == 0 {
		r.ringWrapped = true
	}
	r.mu.Unlock()
}

// Snapshot returns the current counters and latency percentiles over the
// most recent searches.
func (r *Recorder) Snapshot() Snapshot {
	s := Snapshot{
		CacheHits:   r.hitCount.Load(),
		CacheMisses: r.missCount.Load(),
		Searches:    r.searches.Load(),
		Promoted:    make(map[types.Layer]int64),
		Deleted:     make(map[types.Layer]int64),
	}
	if total := s.CacheHits + s.CacheMisses; total > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(total)
	}

	r.mu.Lock()
	for l, n := range r.promotedBy {
		s.Promoted[l] = n
	}
	for l, n := range r.deletedBy {
		s.Deleted[l] = n
	}
	n := r.ringNext
	if r.ringWrapped {
		n = len(r.ring)
	}
	samples := slices.Clone(r.ring[:n])
	r.mu.Unlock()

	slices.Sort(samples)
	s.LatencyP50 = percentile(samples, 50)
	s.LatencyP95 = percentile(samples, 95)
	s.LatencyP99 = percentile(samples, 99)
	return s
}

func (r *Recorder) observeIndexSizes(_ context.Context, o metric.Int64Observer) error {
	if r.indexSizes == nil {
		return nil
	}
	for l, n := range r.indexSizes() {
		o.Observe(int64(n), metric.WithAttributes(attribute.String("layer", string(l))))
	}
	return nil
}

func (r *Recorder) observeBackends(_ context.Context, o metric.Int64Observer) error {
	if r.backendHealth == nil {
		return nil
	}
	for name, m := range r.backendHealth() {
		var v int64
		if m.Available {
			v = 1
		}
		o.Observe(v, metric.WithAttributes(attribute.String("backend", name), attribute.String("state", string(m.State))))
	}
	return nil
}

// percentile uses the nearest-rank method on sorted samples.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	return sorted[max(rank-1, 0)]
}

func instrumentErr(err error, name string) error {
	return mferr.Wrapf(err, mferr.CodeMetricsInstrumentFailure, "creating instrument %s", name)
}
