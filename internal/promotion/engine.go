// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package promotion scores records on a schedule and moves valuable ones up
// a layer, deleting expired records that never earned promotion.
package promotion

import (
	"context"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sigil-dev/memfabric/internal/config"
	"github.com/sigil-dev/memfabric/internal/store"
	"github.com/sigil-dev/memfabric/internal/tiered"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/sigil-dev/memfabric/pkg/types"
)

const (
	DefaultInterval    = 60 * time.Second
	DefaultDecayFactor = 0.8
)

// Sweeper is the part of the tiered store the engine drives.
type Sweeper interface {
	Now() time.Time
	SweepCycle(ctx context.Context, layer types.Layer, d tiered.Decider, cycleStart time.Time) (tiered.SweepResult, error)
}

// Observer receives the outcome of every layer sweep.
type Observer interface {
	ObserveSweep(res tiered.SweepResult)
}

// Config tunes the engine.
type Config struct {
	Interval time.Duration
	// Thresholds is the promote score per source layer.
	Thresholds map[types.Layer]float64
	// DecayFactor scales AccessCount on promotion so a record has to earn
	// the next layer again.
	DecayFactor float64
}

// DefaultConfig returns the default schedule, thresholds and decay.
func DefaultConfig() Config {
	return Config{
		Interval: DefaultInterval,
		Thresholds: map[types.Layer]float64{
			types.LayerInteract: 5,
			types.LayerInsights: 10,
		},
		DecayFactor: DefaultDecayFactor,
	}
}

// ConfigFromConfig maps the file configuration onto engine settings.
func ConfigFromConfig(cfg config.PromotionConfig) Config {
	return Config{
		Interval: cfg.Interval,
		Thresholds: map[types.Layer]float64{
			types.LayerInteract: cfg.Thresholds.Interact,
			types.LayerInsights: cfg.Thresholds.Insights,
		},
		DecayFactor: cfg.DecayFactor,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Thresholds == nil {
		c.Thresholds = def.Thresholds
	}
	if c.DecayFactor <= 0 || c.DecayFactor > 1 {
		c.DecayFactor = def.DecayFactor
	}
	return c
}

// CycleResult summarizes one promotion cycle.
type CycleResult struct {
	ID         string               `json:"id"`
	StartedAt  time.Time            `json:"started_at"`
	Elapsed    time.Duration        `json:"elapsed"`
	Promoted   int                  `json:"promoted"`
	Deleted    int                  `json:"deleted"`
	Kept       int                  `json:"kept"`
	Incomplete bool                 `json:"incomplete"`
	PerLayer   []tiered.SweepResult `json:"per_layer"`
}

type cycleReply struct {
	res CycleResult
	err error
}

type cycleRequest struct {
	ctx    context.Context
	result chan<- cycleReply
}

// Engine runs promotion cycles on a single worker goroutine. Cycles are
// requested by the ticker started with Start or directly with RunOnce and
// never overlap.
type Engine struct {
	cfg      Config
	sweeper  Sweeper
	scorer   Scorer
	observer Observer

	requests chan cycleRequest
	closing  chan struct{}
	done     chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	tickers   sync.WaitGroup

	mu   sync.Mutex
	last *CycleResult
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver reports sweep outcomes to o.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// NewEngine starts the engine's worker. Call Stop to release it.
func NewEngine(sweeper Sweeper, scorer Scorer, cfg Config, opts ...Option) *Engine {
	if scorer == nil {
		scorer = NewWeightedScorer()
	}
	e := &Engine{
		cfg:      cfg.withDefaults(),
		sweeper:  sweeper,
		scorer:   scorer,
		requests: make(chan cycleRequest),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.run()
	return e
}

// Start runs a cycle every Interval until ctx ends or Stop is called.
// Calling Start more than once has no effect.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.tickers.Add(1)
		go e.tick(ctx)
		slog.Info("promotion engine started", "interval", e.cfg.Interval)
	})
}

func (e *Engine) tick(ctx context.Context) {
	defer e.tickers.Done()

	t := time.NewTicker(e.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if _, err := e.RunOnce(ctx); err != nil && ctx.Err() == nil && !e.stopped() {
				slog.Error("promotion cycle failed", "error", err)
			}
		case <-ctx.Done():
			return
		case <-e.closing:
			return
		}
	}
}

// RunOnce asks the worker for a cycle and waits for its result. If a cycle
// is already running the request waits its turn.
func (e *Engine) RunOnce(ctx context.Context) (CycleResult, error) {
	if err := ctx.Err(); err != nil {
		return CycleResult{}, err
	}

	result := make(chan cycleReply, 1)
	select {
	case <-ctx.Done():
		return CycleResult{}, ctx.Err()
	case <-e.closing:
		return CycleResult{}, errStopped()
	case e.requests <- cycleRequest{ctx: ctx, result: result}:
	}

	select {
	case <-ctx.Done():
		return CycleResult{}, ctx.Err()
	case r := <-result:
		return r.res, r.err
	}
}

// LastCycle returns the most recent completed cycle.
func (e *Engine) LastCycle() (CycleResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return CycleResult{}, false
	}
	return *e.last, true
}

// Stop halts the ticker and waits for a running cycle to finish. It is
// idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.closing)
		e.tickers.Wait()
		<-e.done
		slog.Info("promotion engine stopped")
	})
}

func (e *Engine) stopped() bool {
	select {
	case <-e.closing:
		return true
	default:
		return false
	}
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case req := <-e.requests:
			res, err := e.execute(req.ctx)
			req.result <- cycleReply{res: res, err: err}
		case <-e.closing:
			return
		}
	}
}

// execute runs one cycle with panic recovery.
func (e *Engine) execute(ctx context.Context) (res CycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("promotion worker panic recovered", "panic", r, "stack", string(debug.Stack()))
			err = mferr.Errorf(mferr.CodeInternalFailure, "promotion worker panic: %v", r)
		}
	}()
	return e.cycle(ctx)
}

func (e *Engine) cycle(ctx context.Context) (CycleResult, error) {
	res := CycleResult{ID: uuid.NewString(), StartedAt: time.Now()}
	cycleStart := e.sweeper.Now()

	for _, layer := range types.Layers {
		if _, ok := layer.Next(); !ok {
			continue
		}
		sr, err := e.sweeper.SweepCycle(ctx, layer, e, cycleStart)
		res.PerLayer = append(res.PerLayer, sr)
		res.Promoted += sr.Promoted
		res.Deleted += sr.Deleted
		res.Kept += sr.Kept
		if e.observer != nil {
			e.observer.ObserveSweep(sr)
		}
		if err != nil {
			res.Elapsed = time.Since(res.StartedAt)
			return res, mferr.With(err, mferr.FieldLayer(string(layer)), mferr.Field("cycle_id", res.ID))
		}
		if sr.Incomplete {
			res.Incomplete = true
			break
		}
	}

	res.Elapsed = time.Since(res.StartedAt)
	e.mu.Lock()
	last := res
	e.last = &last
	e.mu.Unlock()

	slog.Debug("promotion cycle completed", "cycle_id", res.ID,
		"promoted", res.Promoted, "deleted", res.Deleted, "kept", res.Kept, "incomplete", res.Incomplete)
	return res, nil
}

// Decide implements tiered.Decider. A record scoring at or above its
// layer's threshold is promoted; otherwise it is deleted once expired and
// kept until then.
func (e *Engine) Decide(rec *store.Record, now time.Time) tiered.Decision {
	score := e.scorer.Score(rec, now)

	if _, ok := rec.Layer.Next(); ok {
		if threshold, ok := e.cfg.Thresholds[rec.Layer]; ok && score >= threshold {
			decay := e.cfg.DecayFactor
			return tiered.Decision{
				Action: tiered.ActionPromote,
				Score:  score,
				Apply: func(r *store.Record) {
					r.AccessCount = int64(math.Floor(float64(r.AccessCount) * decay))
				},
			}
		}
	}
	if rec.Expired(now) {
		return tiered.Decision{Action: tiered.ActionDelete, Score: score}
	}
	return tiered.Decision{Action: tiered.ActionKeep, Score: score}
}

var _ tiered.Decider = (*Engine)(nil)

func errStopped() error {
	return mferr.New(mferr.CodePromotionEngineStoppedFailure, "promotion engine is stopped")
}
