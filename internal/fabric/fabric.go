// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package fabric wires the tiered store, embedding cache and pipeline,
// retrieval, promotion and metrics into one memory fabric.
package fabric

import (
	"cmp"
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/sigil-dev/memfabric/internal/config"
	"github.com/sigil-dev/memfabric/internal/embedding"
	"github.com/sigil-dev/memfabric/internal/metrics"
	"github.com/sigil-dev/memfabric/internal/promotion"
	"github.com/sigil-dev/memfabric/internal/retrieval"
	"github.com/sigil-dev/memfabric/internal/secrets"
	"github.com/sigil-dev/memfabric/internal/store"
	_ "github.com/sigil-dev/memfabric/internal/store/redis" // register redis backend
	_ "github.com/sigil-dev/memfabric/internal/store/sqlite" // register sqlite backend
	"github.com/sigil-dev/memfabric/internal/tiered"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/sigil-dev/memfabric/pkg/health"
	"github.com/sigil-dev/memfabric/pkg/types"
)

// RememberRequest stores one piece of content. Layer defaults to interact.
// Critical records, and records the critical rule or metadata tags match,
// are placed directly into assets.
type RememberRequest struct {
	Content  string
	Layer    types.Layer
	Metadata map[string]string
	Critical bool
}

// RecallRequest is a text query. Scope defaults to the configured scope.
type RecallRequest struct {
	Query    string
	Keywords []string
	Modality string
	K        int
	Scope    retrieval.Scope
	Layer    types.Layer
}

// RecallResponse holds ranked results.
type RecallResponse struct {
	Results    []retrieval.Result `json:"results"`
	Elapsed    time.Duration      `json:"elapsed"`
	Incomplete bool               `json:"incomplete"`
}

// Stats is a point-in-time view of the whole fabric.
type Stats struct {
	Layers    map[types.Layer]tiered.LayerStats `json:"layers"`
	Cache     embedding.CacheStats              `json:"cache"`
	Metrics   metrics.Snapshot                  `json:"metrics"`
	Backends  map[string]health.Metrics         `json:"backends"`
	LastCycle *promotion.CycleResult            `json:"last_cycle,omitempty"`
}

type options struct {
	gpu           embedding.Backend
	cpu           embedding.Backend
	reranker      retrieval.Reranker
	secrets       secrets.Store
	meterProvider metric.MeterProvider
	now           func() time.Time
}

// Option configures Open.
type Option func(*options)

// WithGPUBackend sets the accelerator embedding backend.
func WithGPUBackend(b embedding.Backend) Option {
	return func(o *options) { o.gpu = b }
}

// WithCPUBackend sets the host embedding backend.
func WithCPUBackend(b embedding.Backend) Option {
	return func(o *options) { o.cpu = b }
}

// WithReranker enables reranking of recall results.
func WithReranker(r retrieval.Reranker) Option {
	return func(o *options) { o.reranker = r }
}

// WithSecretStore sets where keyring:// references in the configuration are
// resolved. The OS keyring is used otherwise.
func WithSecretStore(s secrets.Store) Option {
	return func(o *options) { o.secrets = s }
}

// WithMeterProvider sets the metrics provider. The otel global provider is
// used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithClock overrides the time source for expiry, recency and the cache.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Fabric is the memory fabric. It is safe for concurrent use.
type Fabric struct {
	cfg      *config.Config
	backend  *store.Backend
	store    *tiered.Store
	pipeline *embedding.Pipeline
	cache    *embedding.Cache
	recorder *metrics.Recorder
	scorer   *promotion.WeightedScorer
	engine   *promotion.Engine
	searcher *retrieval.Searcher
	now      func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// Open builds every component from cfg. The promotion engine is created
// but not scheduled; call Start for periodic cycles.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Fabric, err error) {
	o := options{now: time.Now, secrets: secrets.Keyring{}}
	for _, opt := range opts {
		opt(&o)
	}

	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, mferr.Errorf(mferr.CodeStoreDatabaseFailure, "creating data directory: %w", err)
	}

	var closers []func()
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
	}()

	// 1. Durable KV and the derived sqlite indexes.
	backend, err := store.Open(&store.Config{
		Backend:     cfg.Storage.Backend,
		DataDir:     dataDir,
		Dimensions:  cfg.Dimensions,
		RedisURL:    cfg.Storage.Redis.URL,
		RedisPrefix: cfg.Storage.Redis.Prefix,
	})
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() { _ = backend.Close() })

	// 2. Tiered store, reloaded from the KV.
	topts := tiered.OptionsFromConfig(cfg)
	topts.Keywords = backend.Keywords
	topts.Vectors = backend.Vectors
	topts.Clock = o.now
	ts, err := tiered.Open(ctx, backend.KV, topts)
	if err != nil {
		return nil, err
	}

	// 3. Embedding pipeline. A configured hosted backend fills its lane
	// unless an option already did.
	remote, err := remoteBackend(ctx, cfg, o.secrets)
	if err != nil {
		return nil, err
	}
	if remote != nil {
		switch {
		case remote.Kind() == embedding.KindGPU && o.gpu == nil:
			o.gpu = remote
		case remote.Kind() == embedding.KindCPU && o.cpu == nil:
			o.cpu = remote
		default:
			slog.Warn("hosted embedding backend ignored, lane already set", "backend", remote.Name(), "lane", remote.Kind())
		}
	}
	if o.gpu == nil && o.cpu == nil && cfg.Embedding.Fallback != embedding.FallbackHash {
		slog.Warn("no embedding backends configured, writes will fail until one is added")
	}
	pipeline, err := embedding.NewPipeline(embedding.PipelineConfig{
		Dimensions:       cfg.Dimensions,
		MaxBatchSize:     cfg.Embedding.MaxBatchSize,
		MaxWait:          cfg.Embedding.MaxWait,
		QueueCapacity:    cfg.Embedding.QueueCapacity,
		FailureThreshold: cfg.Embedding.FailureThreshold,
		Cooldown:         cfg.Embedding.Cooldown,
		GPUWorkers:       cfg.Embedding.GPUWorkers,
		CPUWorkers:       cfg.Embedding.CPUWorkers,
		Fallback:         cfg.Embedding.Fallback,
	}, o.gpu, o.cpu)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() { _ = pipeline.Close() })

	// 4. Metrics.
	recorder, err := metrics.NewRecorder(o.meterProvider,
		metrics.WithIndexSizes(func() map[types.Layer]int {
			out := make(map[types.Layer]int, len(types.Layers))
			for l, st := range ts.Stats() {
				out[l] = st.Indexed
			}
			return out
		}),
		metrics.WithBackendHealth(pipeline.Health),
	)
	if err != nil {
		return nil, err
	}

	// 5. Embedding cache in front of the pipeline.
	cacheOpts := []embedding.CacheOption{
		embedding.WithCacheObserver(recorder),
		embedding.WithCacheClock(o.now),
	}
	if cfg.Cache.Persist {
		cacheOpts = append(cacheOpts, embedding.WithCacheStore(backend.KV))
	}
	cache, err := embedding.NewCache(embedding.CacheConfig{
		Capacity:     cfg.Cache.Capacity,
		TTL:          cfg.Cache.TTL,
		Model:        cfg.Cache.Model,
		Dimensions:   cfg.Dimensions,
		PersistQueue: cfg.Cache.PersistQueue,
	}, pipeline, cacheOpts...)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() { _ = cache.Close() })
	if _, err := cache.Load(ctx); err != nil {
		slog.Warn("warming embedding cache failed, starting cold", "error", err)
	}

	// 6. Promotion engine.
	scorer, err := promotion.ScorerFromConfig(cfg.Promotion)
	if err != nil {
		return nil, err
	}
	engine := promotion.NewEngine(ts, scorer, promotion.ConfigFromConfig(cfg.Promotion),
		promotion.WithObserver(recorder))

	// 7. Retrieval.
	sopts := []retrieval.Option{
		retrieval.WithKeywordIndex(backend.Keywords),
		retrieval.WithVectorStore(backend.Vectors),
		retrieval.WithClock(o.now),
	}
	if o.reranker != nil {
		sopts = append(sopts, retrieval.WithReranker(o.reranker))
	}
	searcher := retrieval.NewSearcher(ts, retrieval.ConfigFromConfig(cfg.Retrieval), sopts...)

	slog.Info("memory fabric opened",
		"data_dir", dataDir,
		"backend", cmp.Or(cfg.Storage.Backend, "sqlite"),
		"records", ts.Len(),
		"dimensions", cfg.Dimensions,
	)

	return &Fabric{
		cfg:      cfg,
		backend:  backend,
		store:    ts,
		pipeline: pipeline,
		cache:    cache,
		recorder: recorder,
		scorer:   scorer,
		engine:   engine,
		searcher: searcher,
		now:      o.now,
	}, nil
}

// Start schedules promotion cycles on the configured interval until ctx
// ends or Close is called.
func (f *Fabric) Start(ctx context.Context) {
	f.engine.Start(ctx)
}

// Remember embeds and stores content.
func (f *Fabric) Remember(ctx context.Context, req RememberRequest) (*store.Record, error) {
	if req.Content == "" {
		return nil, mferr.New(mferr.CodeStoreRecordInvalidInput, "record content must not be empty")
	}
	layer := cmp.Or(req.Layer, types.LayerInteract)
	if !layer.Valid() {
		return nil, mferr.Errorf(mferr.CodeStoreRecordInvalidInput, "invalid layer %q", req.Layer)
	}

	if layer != types.LayerAssets && f.critical(req) {
		slog.Debug("placing critical record in assets", "requested_layer", layer)
		layer = types.LayerAssets
	}

	vec, err := f.cache.GetOrCompute(ctx, req.Content)
	if err != nil {
		return nil, err
	}
	return f.store.Put(ctx, tiered.PutRequest{
		Content:   req.Content,
		Embedding: vec,
		Layer:     layer,
		Metadata:  req.Metadata,
	})
}

func (f *Fabric) critical(req RememberRequest) bool {
	if req.Critical {
		return true
	}
	now := f.now()
	sample := &store.Record{
		Layer:          cmp.Or(req.Layer, types.LayerInteract),
		Content:        req.Content,
		CreatedAt:      now,
		LastAccessedAt: now,
		Metadata:       req.Metadata,
	}
	return f.scorer.Tagged(sample, now)
}

// Recall runs a hybrid search and touches every returned record. When no
// embedding backend is available the search falls back to keywords alone.
func (f *Fabric) Recall(ctx context.Context, req RecallRequest) (*RecallResponse, error) {
	start := time.Now()

	if req.Query == "" {
		return nil, mferr.New(mferr.CodeRetrievalRequestInvalidInput, "recall query must not be empty")
	}

	vec, err := f.cache.GetOrCompute(ctx, req.Query)
	switch {
	case mferr.IsDegraded(err):
		slog.Warn("embedding unavailable, recalling by keywords only", "error", err)
		vec = nil
	case err != nil:
		return nil, err
	}

	resp, err := f.searcher.Search(ctx, retrieval.Request{
		Query:    req.Query,
		Vector:   vec,
		Keywords: req.Keywords,
		K:        req.K,
		Scope:    req.Scope,
		Layer:    req.Layer,
		Modality: req.Modality,
	})
	if err != nil {
		return nil, err
	}

	for _, r := range resp.Results {
		if err := f.store.Touch(ctx, r.ID); err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Warn("touching recalled record", "record_id", r.ID, "error", err)
		}
	}

	elapsed := time.Since(start)
	f.recorder.ObserveSearch(ctx, elapsed)
	return &RecallResponse{Results: resp.Results, Elapsed: elapsed, Incomplete: resp.Incomplete}, nil
}

// Get returns a live record.
func (f *Fabric) Get(ctx context.Context, id string) (*store.Record, error) {
	return f.store.Get(ctx, id)
}

// Forget deletes a record from every index.
func (f *Fabric) Forget(ctx context.Context, id string) error {
	return f.store.Delete(ctx, id)
}

// RunPromotion runs one promotion cycle now.
func (f *Fabric) RunPromotion(ctx context.Context) (promotion.CycleResult, error) {
	return f.engine.RunOnce(ctx)
}

// Stats returns per-layer sizes, cache counters, metrics and backend
// health.
func (f *Fabric) Stats() Stats {
	st := Stats{
		Layers:   f.store.Stats(),
		Cache:    f.cache.Stats(),
		Metrics:  f.recorder.Snapshot(),
		Backends: f.pipeline.Health(),
	}
	if last, ok := f.engine.LastCycle(); ok {
		st.LastCycle = &last
	}
	return st
}

// Close stops promotion, flushes the cache, saves index snapshots and
// closes the backend. It is idempotent.
func (f *Fabric) Close(ctx context.Context) error {
	f.closeOnce.Do(func() {
		f.engine.Stop()

		var errs []error
		if err := f.cache.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := f.pipeline.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := f.store.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := f.backend.Close(); err != nil {
			errs = append(errs, err)
		}
		f.closeErr = mferr.Join(errs...)
		slog.Info("memory fabric closed")
	})
	return f.closeErr
}
