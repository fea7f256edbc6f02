// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package embedding

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/sigil-dev/memfabric/pkg/health"
)

// Compile-time interface check.
var _ Embedder = (*Pipeline)(nil)

// Fallback modes.
const (
	FallbackNone = "none"
	FallbackHash = "hash"
)

// PipelineConfig controls batching, worker pools and breakers.
type PipelineConfig struct {
	Dimensions       int
	MaxBatchSize     int
	MaxWait          time.Duration
	QueueCapacity    int
	FailureThreshold int
	Cooldown         time.Duration
	GPUWorkers       int
	CPUWorkers       int
	Fallback         string
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 32
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 5 * time.Millisecond
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.GPUWorkers <= 0 {
		c.GPUWorkers = 1
	}
	if c.CPUWorkers <= 0 {
		c.CPUWorkers = runtime.NumCPU()
	}
	if c.Fallback == "" {
		c.Fallback = FallbackNone
	}
	return c
}

// lane is one backend with its breaker and worker pool.
type lane struct {
	backend Backend
	breaker *Breaker
	sem     *semaphore.Weighted
}

type request struct {
	ctx  context.Context
	text string
	resp chan response
}

type response struct {
	vec []float32
	err error
}

// Pipeline coalesces single embedding requests into batches and sends each
// batch to the GPU backend when its breaker admits it, otherwise to the CPU
// backend. A failed GPU batch is retried on CPU within the same call.
type Pipeline struct {
	cfg      PipelineConfig
	gpu      *lane
	cpu      *lane
	fallback Backend
	queue    chan *request
	inflight *semaphore.Weighted

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPipeline starts the dispatcher. Either backend may be nil.
func NewPipeline(cfg PipelineConfig, gpu, cpu Backend) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	if cfg.Dimensions <= 0 {
		return nil, mferr.Errorf(mferr.CodeConfigValidateInvalidValue,
			"pipeline dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.Fallback != FallbackNone && cfg.Fallback != FallbackHash {
		return nil, mferr.Errorf(mferr.CodeConfigValidateInvalidValue,
			"unknown embedding fallback %q", cfg.Fallback)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:    cfg,
		queue:  make(chan *request, cfg.QueueCapacity),
		ctx:    ctx,
		cancel: cancel,
		closed: make(chan struct{}),
	}

	var err error
	if p.gpu, err = newLane(gpu, cfg, cfg.GPUWorkers); err != nil {
		cancel()
		return nil, err
	}
	if p.cpu, err = newLane(cpu, cfg, cfg.CPUWorkers); err != nil {
		cancel()
		return nil, err
	}
	if cfg.Fallback == FallbackHash {
		p.fallback = NewHashBackend(cfg.Dimensions)
	}

	// Queued batches wait here once every worker is busy, which lets the
	// request queue fill up and push back on callers.
	slots := 0
	if p.gpu != nil {
		slots += cfg.GPUWorkers
	}
	if p.cpu != nil {
		slots += cfg.CPUWorkers
	}
	p.inflight = semaphore.NewWeighted(int64(max(slots, 1)))

	p.wg.Add(1)
	go p.dispatch()
	return p, nil
}

func newLane(b Backend, cfg PipelineConfig, workers int) (*lane, error) {
	if b == nil {
		return nil, nil
	}
	br, err := NewBreaker(b.Name(), cfg.FailureThreshold, cfg.Cooldown)
	if err != nil {
		return nil, err
	}
	return &lane{backend: b, breaker: br, sem: semaphore.NewWeighted(int64(workers))}, nil
}

// Embed queues text for the next batch and waits for its vector.
func (p *Pipeline) Embed(ctx context.Context, text string, opts ...EmbedOption) ([]float32, error) {
	if text == "" {
		return nil, mferr.New(mferr.CodeEmbeddingRequestInvalidInput, "text to embed must not be empty")
	}
	var o embedOptions
	for _, opt := range opts {
		opt(&o)
	}

	req := &request{ctx: ctx, text: text, resp: make(chan response, 1)}

	select {
	case <-p.closed:
		return nil, p.closedErr()
	default:
	}

	if o.urgent {
		select {
		case p.queue <- req:
		default:
			return nil, mferr.Errorf(mferr.CodeEmbeddingQueueFullRetryable,
				"embedding queue full (%d pending)", p.cfg.QueueCapacity)
		}
	} else {
		select {
		case p.queue <- req:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.closed:
			return nil, p.closedErr()
		}
	}

	select {
	case r := <-req.resp:
		return r.vec, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, p.closedErr()
	}
}

// EmbedBatch embeds texts directly, bypassing the queue. Inputs larger
// than MaxBatchSize are split and run concurrently.
func (p *Pipeline) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for _, t := range texts {
		if t == "" {
			return nil, mferr.New(mferr.CodeEmbeddingRequestInvalidInput, "text to embed must not be empty")
		}
	}
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(texts); start += p.cfg.MaxBatchSize {
		end := min(start+p.cfg.MaxBatchSize, len(texts))
		g.Go(func() error {
			vecs, err := p.run(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Health returns a breaker snapshot per configured backend.
func (p *Pipeline) Health() map[string]health.Metrics {
	out := make(map[string]health.Metrics, 2)
	for _, l := range []*lane{p.gpu, p.cpu} {
		if l != nil {
			out[l.backend.Name()] = l.breaker.Metrics()
		}
	}
	return out
}

// Breaker returns the breaker guarding the backend of the given kind, or
// nil when no such backend is configured.
func (p *Pipeline) Breaker(kind BackendKind) *Breaker {
	var l *lane
	switch kind {
	case KindGPU:
		l = p.gpu
	case KindCPU:
		l = p.cpu
	}
	if l == nil {
		return nil
	}
	return l.breaker
}

// Close stops the dispatcher and fails queued requests.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.cancel()
	})
	p.wg.Wait()
	return nil
}

func (p *Pipeline) closedErr() error {
	return mferr.New(mferr.CodeEmbeddingPipelineClosedFailure, "embedding pipeline closed")
}

func (p *Pipeline) dispatch() {
	defer p.wg.Done()

	for {
		select {
		case <-p.closed:
			p.drain()
			return
		case first := <-p.queue:
			batch := p.collect(first)
			if err := p.inflight.Acquire(p.ctx, 1); err != nil {
				for _, r := range batch {
					r.resp <- response{err: p.closedErr()}
				}
				continue
			}
			p.wg.Add(1)
			go p.runQueued(batch)
		}
	}
}

// collect gathers requests until MaxBatchSize or MaxWait.
func (p *Pipeline) collect(first *request) []*request {
	batch := []*request{first}
	timer := time.NewTimer(p.cfg.MaxWait)
	defer timer.Stop()

	for len(batch) < p.cfg.MaxBatchSize {
		select {
		case r := <-p.queue:
			batch = append(batch, r)
		case <-timer.C:
			return batch
		case <-p.closed:
			return batch
		}
	}
	return batch
}

func (p *Pipeline) drain() {
	for {
		select {
		case r := <-p.queue:
			r.resp <- response{err: p.closedErr()}
		default:
			return
		}
	}
}

func (p *Pipeline) runQueued(batch []*request) {
	defer p.wg.Done()
	defer p.inflight.Release(1)

	live := batch[:0]
	for _, r := range batch {
		if err := r.ctx.Err(); err != nil {
			r.resp <- response{err: err}
			continue
		}
		live = append(live, r)
	}
	if len(live) == 0 {
		return
	}

	texts := make([]string, len(live))
	for i, r := range live {
		texts[i] = r.text
	}

	vecs, err := p.run(p.ctx, texts)
	for i, r := range live {
		if err != nil {
			r.resp <- response{err: err}
			continue
		}
		r.resp <- response{vec: vecs[i]}
	}
}

// run sends one batch through the breaker chain.
func (p *Pipeline) run(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error

	for _, l := range []*lane{p.gpu, p.cpu} {
		if l == nil || !l.breaker.Allow() {
			continue
		}
		vecs, err := p.call(ctx, l, texts)
		if err == nil {
			return vecs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		slog.Warn("embedding batch failed",
			"backend", l.backend.Name(), "kind", l.backend.Kind(), "size", len(texts), "error", err)
	}

	if p.fallback != nil {
		slog.Debug("embedding served by hash fallback", "size", len(texts))
		return p.fallback.EmbedBatch(ctx, texts)
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, mferr.New(mferr.CodeEmbeddingPipelineDegraded, "no embedding backend available")
}

func (p *Pipeline) call(ctx context.Context, l *lane, texts []string) ([][]float32, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		l.breaker.Abort()
		return nil, err
	}
	defer l.sem.Release(1)

	vecs, err := l.backend.EmbedBatch(ctx, texts)
	if err == nil {
		err = p.validate(l.backend, vecs, len(texts))
	}
	if err != nil {
		if ctx.Err() != nil {
			l.breaker.Abort()
			return nil, ctx.Err()
		}
		l.breaker.RecordFailure()
		return nil, mferr.Wrap(err, mferr.CodeEmbeddingBackendFailure, "embedding batch",
			mferr.FieldBackend(l.backend.Name()))
	}
	l.breaker.RecordSuccess()
	return vecs, nil
}

func (p *Pipeline) validate(b Backend, vecs [][]float32, want int) error {
	if len(vecs) != want {
		return mferr.Errorf(mferr.CodeEmbeddingBackendInvalidOutput,
			"backend %s returned %d vectors for %d texts", b.Name(), len(vecs), want)
	}
	for _, v := range vecs {
		if len(v) != p.cfg.Dimensions {
			return mferr.Errorf(mferr.CodeEmbeddingBackendInvalidOutput,
				"backend %s returned %d dimensions, expected %d", b.Name(), len(v), p.cfg.Dimensions)
		}
	}
	return nil
}
