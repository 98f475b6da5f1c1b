package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/checkpoint"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/circuitbreaker"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/compress"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/config"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/decompose"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/extract"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/graph"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/health"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/llm"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/logging"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/prompts"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/retrieval"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/rewriter"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/streaming"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/tools"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/tracing"
)

// streamMirrorTTL bounds how long mirrored events stay replayable in Redis.
const streamMirrorTTL = time.Hour

// base is what every command needs: configuration and a logger.
type base struct {
	cfgPath string
	cfg     *config.Config
	logger  *zap.Logger
	level   zap.AtomicLevel
}

func loadBase(cfgPath string) (*base, error) {
	if cfgPath == "" {
		cfgPath = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, level, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return &base{cfgPath: cfgPath, cfg: cfg, logger: logger, level: level}, nil
}

// openStore opens the checkpoint store even when checkpointing is disabled
// for turns, so history commands keep working.
func (b *base) openStore(ctx context.Context) (checkpoint.Store, error) {
	return checkpoint.Open(ctx, b.cfg.Checkpoint, b.cfg.Breakers.Database, b.logger)
}

// app wires the full turn executor and its collaborators.
type app struct {
	*base
	store    checkpoint.Store
	redis    *circuitbreaker.Redis
	events   *streaming.Manager
	llm      *llm.Service
	rag      *retrieval.Client
	executor *graph.Executor
	closers  []func(context.Context) error
}

func newApp(ctx context.Context, b *base) (*app, error) {
	a := &app{base: b}
	cfg := b.cfg

	shutdownTracing, err := tracing.Initialize(ctx, cfg.Tracing, b.logger)
	if err != nil {
		b.logger.Warn("Tracing unavailable, continuing without it", zap.Error(err))
	}
	a.closers = append(a.closers, shutdownTracing)

	if cfg.Checkpoint.Enabled {
		if a.store, err = b.openStore(ctx); err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })
	}

	var shared rewriter.Cache
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		a.redis = circuitbreaker.NewRedis(client, cfg.Breakers.Redis, b.logger)
		a.closers = append(a.closers, func(context.Context) error { return a.redis.Close() })
		shared = rewriter.NewRedisCache(a.redis)
	}

	buffer := cfg.Server.StreamBuffer
	if buffer <= 0 {
		buffer = 256
	}
	a.events = streaming.NewManager(buffer, b.logger)
	if a.redis != nil {
		a.events.WithRedis(a.redis, streamMirrorTTL)
	}

	cat := prompts.Default()
	if a.llm, err = llm.New(cfg.LLM, cfg.Breakers.HTTP, cat, b.logger); err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.rag = retrieval.NewClient(cfg.RAG, cfg.Breakers.HTTP, b.logger)

	nodes := graph.NewNodeSet(graph.Deps{
		LLM:        a.llm,
		RAG:        a.rag,
		Rewriter:   rewriter.New(a.llm, cfg.Rewriter, shared, cat, b.logger),
		Decomposer: decompose.New(a.llm, cat, b.logger),
		Compressor: compress.New(a.llm, cfg.Compression, cat, b.logger),
		Extractor:  extract.New(a.llm, cat, cfg.LLM.ExtractionTimeout, b.logger),
		Tools:      tools.Default(a.rag, cfg.Tools, b.logger),
		Prompts:    cat,
		Logger:     b.logger,
	})
	a.executor = graph.NewExecutor(nodes, graph.Options{
		Checkpoints:  a.store,
		Events:       a.events,
		StreamTokens: true,
		Logger:       b.logger,
	})
	return a, nil
}

// healthManager registers a checker for every configured dependency.
func (a *app) healthManager() *health.Manager {
	m := health.NewManager(30*time.Second, a.logger)
	if s, ok := a.store.(*checkpoint.SQLStore); ok {
		_ = m.Register(health.NewDatabaseChecker(s.DB(), true))
	}
	if a.redis != nil {
		_ = m.Register(health.NewRedisChecker(a.redis))
	}
	if a.cfg.LLM.Backend == "service" || a.cfg.LLM.Backend == "" {
		_ = m.Register(health.NewDependencyChecker("llm_service", a.cfg.LLM.ServiceURL, nil))
	}
	_ = m.Register(health.NewDependencyChecker("rag_service", a.cfg.RAG.ServiceURL, nil))
	_ = m.Register(health.NewMemoryChecker(90))
	return m
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
