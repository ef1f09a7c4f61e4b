// Package mnemo provides a persistent memory engine for engineering
// organizations: a typed knowledge graph with vector embeddings, hybrid
// retrieval, and decay-based lifecycle maintenance.
package mnemo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thiagogaia/mnemo/pkg/chunker"
	"github.com/thiagogaia/mnemo/pkg/embeddings"
	"github.com/thiagogaia/mnemo/pkg/graph"
	"github.com/thiagogaia/mnemo/pkg/health"
	"github.com/thiagogaia/mnemo/pkg/maintenance"
	"github.com/thiagogaia/mnemo/pkg/metrics"
	"github.com/thiagogaia/mnemo/pkg/retrieval"
	"github.com/thiagogaia/mnemo/pkg/trace"
	"github.com/thiagogaia/mnemo/pkg/vector"
)

// Config holds configuration for the memory engine
type Config struct {
	// DBPath is the SQLite database path (":memory:" for ephemeral)
	DBPath string

	// VectorBackend selects the similarity index: exact, hnsw, or auto
	VectorBackend vector.Backend

	// HNSW tunes the approximate index when selected
	HNSW vector.HNSWConfig

	// AutoThreshold is the node count at which auto switches to hnsw
	AutoThreshold int

	// Embedding provider selection: "openai", "ollama", or "" for none
	EmbeddingProvider string
	OpenAIKey         string
	EmbeddingModel    string
	OllamaURL         string
	OllamaModel       string

	// EmbedTimeout bounds each embedding-provider call (default 5s)
	EmbedTimeout time.Duration

	// Chunk size in tokens (default: 512)
	ChunkSize int

	// Chunk overlap in tokens (default: 50)
	ChunkOverlap int

	// Retrieval defaults applied when a query leaves them unset
	Retrieval retrieval.Options

	// AccessBoost is the strength recovery factor applied on access
	// (default 0.4)
	AccessBoost float64

	// ArchiveThreshold is the strength below which nodes become archival
	// candidates (default 0.05)
	ArchiveThreshold float64

	// GracePeriod is how long a flagged node may recover before archival
	// (default 14 days)
	GracePeriod time.Duration

	// Consolidation tunes the sleep cycle
	Consolidation maintenance.ConsolidateConfig

	// TracePath enables JSONL operation tracing when built with -tags tracing
	TracePath string
}

func (c Config) withDefaults() Config {
	if c.DBPath == "" {
		c.DBPath = ":memory:"
	}
	if c.EmbedTimeout == 0 {
		c.EmbedTimeout = 5 * time.Second
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 512
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = 50
	}
	if c.AccessBoost == 0 {
		c.AccessBoost = 0.4
	}
	if c.ArchiveThreshold == 0 {
		c.ArchiveThreshold = 0.05
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 14 * 24 * time.Hour
	}
	return c
}

// Engine is the main entry point for the memory system. All mutating
// operations serialize through a single writer lock; retrieval takes a
// read lock.
type Engine struct {
	config    Config
	store     *graph.SQLiteStore
	index     vector.Index
	embedder  embeddings.Client
	chunker   *chunker.Chunker
	retriever *retrieval.Retriever

	decayer      *maintenance.Decayer
	archiver     *maintenance.Archiver
	consolidator *maintenance.Consolidator
	monitor      *health.Monitor

	logger    *slog.Logger
	collector metrics.Collector
	exporter  trace.Exporter

	mu        sync.RWMutex
	sessionID string

	// Recorded at construction so WithLogger can surface it.
	indexFallback error
}

// New creates an Engine, building the embedding client from configuration.
// An unset provider yields an engine without embeddings: encoding still
// works and retrieval degrades to lexical scoring.
func New(cfg Config) (*Engine, error) {
	var embedder embeddings.Client
	switch cfg.EmbeddingProvider {
	case "openai":
		c := embeddings.NewOpenAIClient(cfg.OpenAIKey)
		if cfg.EmbeddingModel != "" {
			c.Model = cfg.EmbeddingModel
		}
		embedder = c
	case "ollama":
		embedder = embeddings.NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel)
	case "":
		// No provider configured.
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", graph.ErrValidation, cfg.EmbeddingProvider)
	}
	return NewWithClient(cfg, embedder)
}

// NewWithClient creates an Engine with an injected embedding client.
// Used by tests to supply deterministic embeddings.
func NewWithClient(cfg Config, embedder embeddings.Client) (*Engine, error) {
	cfg = cfg.withDefaults()

	store, err := graph.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open graph store: %w", err)
	}

	index, fellBack, err := vector.Open(store.DB(), vector.Options{
		Backend:       cfg.VectorBackend,
		HNSW:          cfg.HNSW,
		AutoThreshold: cfg.AutoThreshold,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open vector index: %w", err)
	}

	exporter, err := trace.NewFileExporter(cfg.TracePath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open trace exporter: %w", err)
	}

	decayer := maintenance.NewDecayer(store)
	decayer.Threshold = cfg.ArchiveThreshold

	archiver := maintenance.NewArchiver(store, index)
	archiver.Threshold = cfg.ArchiveThreshold
	archiver.GracePeriod = cfg.GracePeriod

	e := &Engine{
		config:   cfg,
		store:    store,
		index:    index,
		embedder: embedder,
		chunker: &chunker.Chunker{
			MaxTokens: cfg.ChunkSize,
			Overlap:   cfg.ChunkOverlap,
		},
		retriever:     retrieval.New(store, index, embedder),
		decayer:       decayer,
		archiver:      archiver,
		consolidator:  maintenance.NewConsolidator(store, index, decayer, cfg.Consolidation),
		monitor:       health.NewMonitor(store, index),
		exporter:      exporter,
		sessionID:     uuid.NewString(),
		indexFallback: fellBack,
	}
	e.retriever.EmbedTimeout = cfg.EmbedTimeout
	return e, nil
}

// WithLogger sets a structured logger and returns the same instance.
// Nil-safe: a nil logger leaves the engine silent.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger
	e.retriever.WithLogger(logger)
	e.decayer.WithLogger(logger)
	e.archiver.WithLogger(logger)
	e.consolidator.WithLogger(logger)
	e.monitor.WithLogger(logger)
	if logger != nil && e.indexFallback != nil {
		logger.Warn("vector backend unavailable, using exact search", "error", e.indexFallback)
		e.indexFallback = nil
	}
	return e
}

// WithMetrics sets a metrics collector and returns the same instance.
func (e *Engine) WithMetrics(collector metrics.Collector) *Engine {
	e.collector = collector
	return e
}

// WithTracer replaces the trace exporter and returns the same instance.
func (e *Engine) WithTracer(exporter trace.Exporter) *Engine {
	e.exporter = exporter
	return e
}

// Store exposes the underlying graph store.
func (e *Engine) Store() graph.Store {
	return e.store
}

// Index exposes the vector index.
func (e *Engine) Index() vector.Index {
	return e.index
}

// SessionID returns the current co-access session identifier.
func (e *Engine) SessionID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionID
}

// StartSession rotates the session identifier used for co-access
// bookkeeping and returns the new value.
func (e *Engine) StartSession() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionID = uuid.NewString()
	if e.logger != nil {
		e.logger.Info("session started", "session", e.sessionID)
	}
	return e.sessionID
}

// Close releases the store and trace exporter.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exporter != nil {
		if err := e.exporter.Close(); err != nil && e.logger != nil {
			e.logger.Warn("failed to close trace exporter", "error", err)
		}
	}
	return e.store.Close()
}

func (e *Engine) recordOperation(ctx context.Context, operation string, started time.Time, err error) {
	if e.collector == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
		e.collector.RecordError(ctx, operation, ClassifyError(err))
	}
	e.collector.RecordOperation(ctx, operation, status, time.Since(started).Milliseconds())
}

func (e *Engine) recordStorageCounts(ctx context.Context) {
	if e.collector == nil {
		return
	}
	if n, err := e.store.NodeCount(ctx, graph.StatusActive); err == nil {
		e.collector.SetStorageCount(ctx, "nodes_active", n)
	}
	if n, err := e.store.NodeCount(ctx, graph.StatusArchived); err == nil {
		e.collector.SetStorageCount(ctx, "nodes_archived", n)
	}
	if n, err := e.store.EdgeCount(ctx); err == nil {
		e.collector.SetStorageCount(ctx, "edges", n)
	}
}
