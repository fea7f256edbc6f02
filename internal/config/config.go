// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package config

import (
	"errors"
	"net"
	"net/url"
	"runtime"
	"strings"
	"time"

	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/sigil-dev/memfabric/pkg/types"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the top-level memfabric configuration.
type Config struct {
	DataDir    string          `mapstructure:"data_dir" yaml:"data_dir"`
	LogLevel   string          `mapstructure:"log_level" yaml:"log_level"`
	Dimensions int             `mapstructure:"dimensions" yaml:"dimensions"`
	Storage    StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Layers     LayersConfig    `mapstructure:"layers" yaml:"layers"`
	Index      IndexConfig     `mapstructure:"index" yaml:"index"`
	Cache      CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Embedding  EmbeddingConfig `mapstructure:"embedding" yaml:"embedding"`
	Promotion  PromotionConfig `mapstructure:"promotion" yaml:"promotion"`
	Retrieval  RetrievalConfig `mapstructure:"retrieval" yaml:"retrieval"`
	Server     ServerConfig    `mapstructure:"server" yaml:"server"`
}

// ServerConfig controls the optional HTTP API served by `memfabric start`.
// An empty Listen disables it.
type ServerConfig struct {
	Listen       string        `mapstructure:"listen" yaml:"listen"`
	CORSOrigins  []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// StorageConfig selects the durable store backend.
type StorageConfig struct {
	Backend string      `mapstructure:"backend" yaml:"backend"`
	Redis   RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig points at a Redis server used as the durable KV.
type RedisConfig struct {
	URL    string `mapstructure:"url" yaml:"url"`
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

// LayersConfig holds the retention policy of every layer.
type LayersConfig struct {
	Interact LayerPolicy `mapstructure:"interact" yaml:"interact"`
	Insights LayerPolicy `mapstructure:"insights" yaml:"insights"`
	Assets   LayerPolicy `mapstructure:"assets" yaml:"assets"`
}

// LayerPolicy is the retention policy for one layer. A zero TTL never expires.
type LayerPolicy struct {
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MinDwell time.Duration `mapstructure:"min_dwell" yaml:"min_dwell"`
}

// Policy returns the retention policy for a layer.
func (l LayersConfig) Policy(layer types.Layer) LayerPolicy {
	switch layer {
	case types.LayerInteract:
		return l.Interact
	case types.LayerInsights:
		return l.Insights
	default:
		return l.Assets
	}
}

// IndexConfig tunes the per-layer HNSW graphs.
type IndexConfig struct {
	M              int     `mapstructure:"m" yaml:"m"`
	EfConstruction int     `mapstructure:"ef_construction" yaml:"ef_construction"`
	EfSearch       int     `mapstructure:"ef_search" yaml:"ef_search"`
	Metric         string  `mapstructure:"metric" yaml:"metric"`
	TombstoneRatio float64 `mapstructure:"tombstone_ratio" yaml:"tombstone_ratio"`
}

// CacheConfig controls the embedding cache.
type CacheConfig struct {
	Capacity     int           `mapstructure:"capacity" yaml:"capacity"`
	TTL          time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Model        string        `mapstructure:"model" yaml:"model"`
	Persist      bool          `mapstructure:"persist" yaml:"persist"`
	PersistQueue int           `mapstructure:"persist_queue" yaml:"persist_queue"`
}

// EmbeddingConfig controls batching, worker pools and the backend breakers.
type EmbeddingConfig struct {
	MaxBatchSize     int           `mapstructure:"max_batch_size" yaml:"max_batch_size"`
	MaxWait          time.Duration `mapstructure:"max_wait" yaml:"max_wait"`
	QueueCapacity    int           `mapstructure:"queue_capacity" yaml:"queue_capacity"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	GPUWorkers       int           `mapstructure:"gpu_workers" yaml:"gpu_workers"`
	CPUWorkers       int           `mapstructure:"cpu_workers" yaml:"cpu_workers"`
	Fallback         string        `mapstructure:"fallback" yaml:"fallback"`
	Remote           RemoteConfig  `mapstructure:"remote" yaml:"remote"`
}

// RemoteConfig selects a hosted embedding API for one of the pipeline lanes.
// APIKey may be a keyring://service/key reference.
type RemoteConfig struct {
	Provider   string `mapstructure:"provider" yaml:"provider"`
	Lane       string `mapstructure:"lane" yaml:"lane"`
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`
	Model      string `mapstructure:"model" yaml:"model"`
	Dimensions bool   `mapstructure:"request_dimensions" yaml:"request_dimensions"`
}

// PromotionConfig controls the promotion engine.
type PromotionConfig struct {
	Interval        time.Duration      `mapstructure:"interval" yaml:"interval"`
	Thresholds      PromotionThreshold `mapstructure:"thresholds" yaml:"thresholds"`
	Weights         ScoringWeights     `mapstructure:"weights" yaml:"weights"`
	TagBonus        float64            `mapstructure:"tag_bonus" yaml:"tag_bonus"`
	RecencyHalfLife time.Duration      `mapstructure:"recency_half_life" yaml:"recency_half_life"`
	DecayFactor     float64            `mapstructure:"decay_factor" yaml:"decay_factor"`
	CriticalRule    string             `mapstructure:"critical_rule" yaml:"critical_rule"`
	MaxRetries      int                `mapstructure:"max_retries" yaml:"max_retries"`
	MaxPerSweep     int                `mapstructure:"max_per_sweep" yaml:"max_per_sweep"`
}

// PromotionThreshold is the promote score per source layer.
type PromotionThreshold struct {
	Interact float64 `mapstructure:"interact" yaml:"interact"`
	Insights float64 `mapstructure:"insights" yaml:"insights"`
}

// ScoringWeights weight the promotion score components.
type ScoringWeights struct {
	Access   float64 `mapstructure:"access" yaml:"access"`
	Recency  float64 `mapstructure:"recency" yaml:"recency"`
	Semantic float64 `mapstructure:"semantic" yaml:"semantic"`
}

// RetrievalConfig controls hybrid retrieval.
type RetrievalConfig struct {
	Weights                FusionWeights `mapstructure:"weights" yaml:"weights"`
	DenseCandidates        int           `mapstructure:"dense_candidates" yaml:"dense_candidates"`
	SparseCandidates       int           `mapstructure:"sparse_candidates" yaml:"sparse_candidates"`
	RerankTop              int           `mapstructure:"rerank_top" yaml:"rerank_top"`
	RerankBatch            int           `mapstructure:"rerank_batch" yaml:"rerank_batch"`
	RerankConfidence       float64       `mapstructure:"rerank_confidence" yaml:"rerank_confidence"`
	RecencyHalfLife        time.Duration `mapstructure:"recency_half_life" yaml:"recency_half_life"`
	KnowledgeMinSimilarity float64       `mapstructure:"knowledge_min_similarity" yaml:"knowledge_min_similarity"`
	Scope                  string        `mapstructure:"scope" yaml:"scope"`
	DefaultK               int           `mapstructure:"default_k" yaml:"default_k"`
}

// FusionWeights weight the fused retrieval score components.
type FusionWeights struct {
	Dense   float64 `mapstructure:"dense" yaml:"dense"`
	Sparse  float64 `mapstructure:"sparse" yaml:"sparse"`
	Recency float64 `mapstructure:"recency" yaml:"recency"`
	Quality float64 `mapstructure:"quality" yaml:"quality"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("dimensions", 1024)

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.redis.url", "redis://localhost:6379/0")
	v.SetDefault("storage.redis.prefix", "memfabric:")

	v.SetDefault("layers.interact.ttl", types.DefaultInteractTTL)
	v.SetDefault("layers.interact.min_dwell", time.Hour)
	v.SetDefault("layers.insights.ttl", types.DefaultInsightsTTL)
	v.SetDefault("layers.insights.min_dwell", 24*time.Hour)
	v.SetDefault("layers.assets.ttl", time.Duration(0))
	v.SetDefault("layers.assets.min_dwell", time.Duration(0))

	v.SetDefault("index.m", 16)
	v.SetDefault("index.ef_construction", 200)
	v.SetDefault("index.ef_search", 64)
	v.SetDefault("index.metric", "cosine")
	v.SetDefault("index.tombstone_ratio", 0.2)

	v.SetDefault("cache.capacity", 100000)
	v.SetDefault("cache.ttl", 30*24*time.Hour)
	v.SetDefault("cache.model", "default")
	v.SetDefault("cache.persist", true)
	v.SetDefault("cache.persist_queue", 1024)

	v.SetDefault("embedding.max_batch_size", 32)
	v.SetDefault("embedding.max_wait", 5*time.Millisecond)
	v.SetDefault("embedding.queue_capacity", 1024)
	v.SetDefault("embedding.failure_threshold", 3)
	v.SetDefault("embedding.cooldown", 30*time.Second)
	v.SetDefault("embedding.gpu_workers", 1)
	v.SetDefault("embedding.cpu_workers", runtime.NumCPU())
	v.SetDefault("embedding.fallback", "none")
	v.SetDefault("embedding.remote.provider", "")
	v.SetDefault("embedding.remote.lane", "gpu")
	v.SetDefault("embedding.remote.api_key", "")
	v.SetDefault("embedding.remote.base_url", "")
	v.SetDefault("embedding.remote.model", "")
	v.SetDefault("embedding.remote.request_dimensions", true)

	v.SetDefault("promotion.interval", 60*time.Second)
	v.SetDefault("promotion.thresholds.interact", 5.0)
	v.SetDefault("promotion.thresholds.insights", 10.0)
	v.SetDefault("promotion.weights.access", 1.0)
	v.SetDefault("promotion.weights.recency", 1.0)
	v.SetDefault("promotion.weights.semantic", 1.0)
	v.SetDefault("promotion.tag_bonus", 100.0)
	v.SetDefault("promotion.recency_half_life", 24*time.Hour)
	v.SetDefault("promotion.decay_factor", 0.8)
	v.SetDefault("promotion.critical_rule", "")
	v.SetDefault("promotion.max_retries", 2)
	v.SetDefault("promotion.max_per_sweep", 1000)

	v.SetDefault("retrieval.weights.dense", 0.58)
	v.SetDefault("retrieval.weights.sparse", 0.22)
	v.SetDefault("retrieval.weights.recency", 0.12)
	v.SetDefault("retrieval.weights.quality", 0.08)
	v.SetDefault("retrieval.dense_candidates", 50)
	v.SetDefault("retrieval.sparse_candidates", 50)
	v.SetDefault("retrieval.rerank_top", 20)
	v.SetDefault("retrieval.rerank_batch", 8)
	v.SetDefault("retrieval.rerank_confidence", 0.85)
	v.SetDefault("retrieval.recency_half_life", 72*time.Hour)
	v.SetDefault("retrieval.knowledge_min_similarity", 0.5)
	v.SetDefault("retrieval.scope", "knowledge_first")
	v.SetDefault("retrieval.default_k", 10)

	v.SetDefault("server.listen", "")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix MEMFABRIC_).
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("MEMFABRIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, mferr.Errorf(mferr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, mferr.Errorf(mferr.CodeConfigParseInvalidFormat, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, mferr.Errorf(mferr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, mferr.Errorf(mferr.CodeConfigParseInvalidFormat, "rendering config: %w", err)
	}
	return out, nil
}

// Validate checks the configuration for logical errors.
// It returns a slice of all validation errors found, collecting all issues
// rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	if c.Dimensions <= 0 {
		errs = append(errs, invalid("config: dimensions must be greater than 0, got %d", c.Dimensions))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		errs = append(errs, invalid("config: log_level must be one of [debug, info, warn, error], got %q", c.LogLevel))
	}

	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateLayers()...)
	errs = append(errs, c.validateIndex()...)
	errs = append(errs, c.validateCache()...)
	errs = append(errs, c.validateEmbedding()...)
	errs = append(errs, c.validatePromotion()...)
	errs = append(errs, c.validateRetrieval()...)
	errs = append(errs, c.validateServer()...)

	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error

	validBackends := map[string]bool{"sqlite": true, "redis": true}
	if !validBackends[c.Storage.Backend] {
		errs = append(errs, invalid("config: storage.backend must be one of [sqlite, redis], got %q", c.Storage.Backend))
	}

	if c.Storage.Backend == "redis" {
		u, err := url.Parse(c.Storage.Redis.URL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			errs = append(errs, invalid("config: storage.redis.url must be a redis:// or rediss:// URL, got %q", c.Storage.Redis.URL))
		}
	}

	return errs
}

func (c *Config) validateLayers() []error {
	var errs []error

	for _, layer := range []types.Layer{types.LayerInteract, types.LayerInsights} {
		p := c.Layers.Policy(layer)
		if p.TTL <= 0 {
			errs = append(errs, invalid("config: layers.%s.ttl must be greater than 0, got %s", layer, p.TTL))
		}
		if p.MinDwell < 0 {
			errs = append(errs, invalid("config: layers.%s.min_dwell must not be negative, got %s", layer, p.MinDwell))
		}
	}

	if c.Layers.Assets.TTL != 0 {
		errs = append(errs, invalid("config: layers.assets.ttl must be 0 (assets never expire), got %s", c.Layers.Assets.TTL))
	}

	return errs
}

func (c *Config) validateIndex() []error {
	var errs []error

	if c.Index.M < 2 {
		errs = append(errs, invalid("config: index.m must be at least 2, got %d", c.Index.M))
	}
	if c.Index.EfConstruction <= 0 {
		errs = append(errs, invalid("config: index.ef_construction must be greater than 0, got %d", c.Index.EfConstruction))
	}
	if c.Index.EfSearch <= 0 {
		errs = append(errs, invalid("config: index.ef_search must be greater than 0, got %d", c.Index.EfSearch))
	}
	if c.Index.Metric != "cosine" && c.Index.Metric != "dot" {
		errs = append(errs, invalid("config: index.metric must be one of [cosine, dot], got %q", c.Index.Metric))
	}
	if c.Index.TombstoneRatio <= 0 || c.Index.TombstoneRatio >= 1 {
		errs = append(errs, invalid("config: index.tombstone_ratio must be in (0, 1), got %g", c.Index.TombstoneRatio))
	}

	return errs
}

func (c *Config) validateCache() []error {
	var errs []error

	if c.Cache.Capacity <= 0 {
		errs = append(errs, invalid("config: cache.capacity must be greater than 0, got %d", c.Cache.Capacity))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, invalid("config: cache.ttl must be greater than 0, got %s", c.Cache.TTL))
	}
	if c.Cache.Model == "" {
		errs = append(errs, invalid("config: cache.model must not be empty"))
	}
	if c.Cache.Persist && c.Cache.PersistQueue <= 0 {
		errs = append(errs, invalid("config: cache.persist_queue must be greater than 0, got %d", c.Cache.PersistQueue))
	}

	return errs
}

func (c *Config) validateEmbedding() []error {
	var errs []error
	e := c.Embedding

	if e.MaxBatchSize <= 0 {
		errs = append(errs, invalid("config: embedding.max_batch_size must be greater than 0, got %d", e.MaxBatchSize))
	}
	if e.MaxWait < 0 {
		errs = append(errs, invalid("config: embedding.max_wait must not be negative, got %s", e.MaxWait))
	}
	if e.QueueCapacity <= 0 {
		errs = append(errs, invalid("config: embedding.queue_capacity must be greater than 0, got %d", e.QueueCapacity))
	}
	if e.FailureThreshold <= 0 {
		errs = append(errs, invalid("config: embedding.failure_threshold must be greater than 0, got %d", e.FailureThreshold))
	}
	if e.Cooldown <= 0 {
		errs = append(errs, invalid("config: embedding.cooldown must be greater than 0, got %s", e.Cooldown))
	}
	if e.GPUWorkers <= 0 || e.CPUWorkers <= 0 {
		errs = append(errs, invalid("config: embedding.gpu_workers and embedding.cpu_workers must be greater than 0, got %d and %d", e.GPUWorkers, e.CPUWorkers))
	}
	if e.Fallback != "none" && e.Fallback != "hash" {
		errs = append(errs, invalid("config: embedding.fallback must be one of [none, hash], got %q", e.Fallback))
	}

	switch e.Remote.Provider {
	case "":
	case "openai", "google":
		if e.Remote.APIKey == "" {
			errs = append(errs, invalid("config: embedding.remote.api_key is required for provider %q", e.Remote.Provider))
		}
		if e.Remote.Lane != "gpu" && e.Remote.Lane != "cpu" {
			errs = append(errs, invalid("config: embedding.remote.lane must be one of [gpu, cpu], got %q", e.Remote.Lane))
		}
	default:
		errs = append(errs, invalid("config: embedding.remote.provider must be one of [openai, google], got %q", e.Remote.Provider))
	}

	return errs
}

func (c *Config) validatePromotion() []error {
	var errs []error
	p := c.Promotion

	if p.Interval <= 0 {
		errs = append(errs, invalid("config: promotion.interval must be greater than 0, got %s", p.Interval))
	}
	if p.Thresholds.Interact <= 0 || p.Thresholds.Insights <= 0 {
		errs = append(errs, invalid("config: promotion.thresholds must be greater than 0, got interact=%g insights=%g", p.Thresholds.Interact, p.Thresholds.Insights))
	}
	if p.Weights.Access < 0 || p.Weights.Recency < 0 || p.Weights.Semantic < 0 {
		errs = append(errs, invalid("config: promotion.weights must not be negative"))
	}
	if p.DecayFactor <= 0 || p.DecayFactor > 1 {
		errs = append(errs, invalid("config: promotion.decay_factor must be in (0, 1], got %g", p.DecayFactor))
	}
	if p.RecencyHalfLife <= 0 {
		errs = append(errs, invalid("config: promotion.recency_half_life must be greater than 0, got %s", p.RecencyHalfLife))
	}
	if p.MaxRetries < 0 {
		errs = append(errs, invalid("config: promotion.max_retries must not be negative, got %d", p.MaxRetries))
	}
	if p.MaxPerSweep <= 0 {
		errs = append(errs, invalid("config: promotion.max_per_sweep must be greater than 0, got %d", p.MaxPerSweep))
	}

	return errs
}

func (c *Config) validateRetrieval() []error {
	var errs []error
	r := c.Retrieval
	w := r.Weights

	if w.Dense < 0 || w.Sparse < 0 || w.Recency < 0 || w.Quality < 0 {
		errs = append(errs, invalid("config: retrieval.weights must not be negative"))
	} else if w.Dense+w.Sparse+w.Recency+w.Quality == 0 {
		errs = append(errs, invalid("config: retrieval.weights must not all be zero"))
	}
	if r.DenseCandidates <= 0 || r.SparseCandidates < 0 {
		errs = append(errs, invalid("config: retrieval candidate counts must be positive, got dense=%d sparse=%d", r.DenseCandidates, r.SparseCandidates))
	}
	if r.RerankTop < 0 || r.RerankBatch <= 0 {
		errs = append(errs, invalid("config: retrieval.rerank_top must not be negative and rerank_batch must be positive, got %d and %d", r.RerankTop, r.RerankBatch))
	}
	if r.RerankConfidence < 0 || r.RerankConfidence > 1 {
		errs = append(errs, invalid("config: retrieval.rerank_confidence must be in [0, 1], got %g", r.RerankConfidence))
	}
	if r.RecencyHalfLife <= 0 {
		errs = append(errs, invalid("config: retrieval.recency_half_life must be greater than 0, got %s", r.RecencyHalfLife))
	}
	if r.DefaultK <= 0 {
		errs = append(errs, invalid("config: retrieval.default_k must be greater than 0, got %d", r.DefaultK))
	}

	validScopes := map[string]bool{"single": true, "knowledge_first": true, "exhaustive": true}
	if !validScopes[r.Scope] {
		errs = append(errs, invalid("config: retrieval.scope must be one of [single, knowledge_first, exhaustive], got %q", r.Scope))
	}

	return errs
}

func (c *Config) validateServer() []error {
	var errs []error
	s := c.Server

	if s.Listen != "" {
		if _, _, err := net.SplitHostPort(s.Listen); err != nil {
			errs = append(errs, invalid("config: server.listen must be host:port, got %q", s.Listen))
		}
	}
	if s.ReadTimeout < 0 || s.WriteTimeout < 0 {
		errs = append(errs, invalid("config: server timeouts must not be negative"))
	}

	return errs
}

func invalid(format string, args ...any) error {
	return mferr.Errorf(mferr.CodeConfigValidateInvalidValue, format, args...)
}
