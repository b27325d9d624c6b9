// Package engine is the evidentiary coherence engine: the facade that wires
// the entity store, the confidence router, the decision queue, gating, the
// tension detector and the auditor behind one surface, and runs the
// background loop that keeps grid health and predicaments current.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ppiankov/evidentia/internal/archive"
	"github.com/ppiankov/evidentia/internal/audit"
	"github.com/ppiankov/evidentia/internal/cache"
	"github.com/ppiankov/evidentia/internal/collab"
	"github.com/ppiankov/evidentia/internal/decision"
	"github.com/ppiankov/evidentia/internal/eventlog"
	"github.com/ppiankov/evidentia/internal/extract"
	"github.com/ppiankov/evidentia/internal/gating"
	"github.com/ppiankov/evidentia/internal/interpret"
	"github.com/ppiankov/evidentia/internal/llm"
	"github.com/ppiankov/evidentia/internal/metrics"
	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/pipeline"
	"github.com/ppiankov/evidentia/internal/router"
	"github.com/ppiankov/evidentia/internal/score"
	"github.com/ppiankov/evidentia/internal/store"
	"github.com/ppiankov/evidentia/internal/tension"
	"github.com/ppiankov/evidentia/internal/util"
	"github.com/ppiankov/evidentia/internal/worker"
)

var tracer = otel.Tracer("github.com/ppiankov/evidentia/internal/engine")

// ErrArchiveDisabled is returned by audit history calls when no archive is configured
var ErrArchiveDisabled = errors.New("audit archive disabled")

// Deps are the collaborators an Engine is built from. Only Store is required.
type Deps struct {
	Store   *store.Store
	Collab  *collab.Client
	Loader  *pipeline.Loader
	Archive *archive.Archive
	Logger  *slog.Logger
}

// Engine is the entry point for every operation on the knowledge model
type Engine struct {
	cfg       *model.Config
	store     *store.Store
	router    *router.Router
	decisions *decision.Manager
	gating    *gating.Engine
	detector  *tension.Detector
	auditor   *audit.Auditor
	collab    *collab.Client
	loader    *pipeline.Loader
	archive   *archive.Archive
	pool      *worker.Pool
	scheduler *worker.Scheduler
	logger    *slog.Logger

	sub       *eventlog.Subscription
	stop      context.CancelFunc
	loopDone  chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	closers   []func() error
}

// New wires an engine around an existing store
func New(cfg *model.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		cfg = model.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, errors.New("engine needs a store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := deps.Collab
	if c == nil {
		c = collab.New(nil, nil, nil, nil, collab.OptionsFromConfig(cfg), logger)
	}
	loader := deps.Loader
	if loader == nil {
		loader = pipeline.NewLoader(cfg)
	}

	var researcher audit.Researcher
	if c.CanResearch() {
		researcher = c
	}

	t := cfg.Thresholds
	r := router.New(t)
	e := &Engine{
		cfg:       cfg,
		store:     deps.Store,
		router:    r,
		decisions: decision.NewManager(deps.Store, interpret.New(r, t.MaxInterpretations, logger), t, logger),
		gating:    gating.New(deps.Store, score.NewScorer(cfg.HealthWeights, t), t, logger),
		detector:  tension.New(deps.Store, t, logger),
		auditor:   audit.New(deps.Store, researcher, cfg.Concurrency.AuditParallel, logger),
		collab:    c,
		loader:    loader,
		archive:   deps.Archive,
		pool: worker.NewPoolWithOptions(worker.Options{
			Workers:     cfg.Concurrency.Workers,
			QueueSize:   cfg.Concurrency.QueueSize,
			TaskTimeout: cfg.Concurrency.TaskTimeout,
		}),
		scheduler: worker.NewScheduler(cfg.Concurrency.ScanWorkers, cfg.Concurrency.TaskTimeout, logger),
		logger:    logger,
		sub:       deps.Store.Log().Subscribe("engine"),
		loopDone:  make(chan struct{}),
	}
	e.scheduler.OnDone = func(key string, outcome worker.Outcome, _ time.Duration, _ error) {
		kind, _, _ := strings.Cut(key, ":")
		metrics.RecordBackgroundTask(kind, string(outcome))
	}
	e.pool.Start()
	return e, nil
}

// Open builds an engine and everything it needs from configuration: the
// badger-backed store, the language-model collaborators with their response
// cache, the evidence loader and the audit archive.
func Open(ctx context.Context, cfg *model.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var closers []func() error
	fail := func(err error) (*Engine, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	persister, err := store.OpenBadger(util.ExpandHome(cfg.Storage.Path), cfg.Storage.InMemory, logger)
	if err != nil {
		return nil, err
	}
	s, err := store.Open(ctx, eventlog.New(), store.WithPersister(persister), store.WithLogger(logger))
	if err != nil {
		_ = persister.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	closers = append(closers, s.Close)

	provider, err := llm.NewCollaborator(llm.ConfigFromModel(cfg))
	if err != nil {
		return fail(err)
	}
	var (
		extractor  collab.Extractor
		researcher collab.Researcher
	)
	if provider.IsEnabled() {
		extractor, researcher = provider, provider
		logger.Info("collaborators enabled", "provider", provider.ProviderName(), "model", cfg.LLM.Model)
	} else {
		extractor = extract.NewHeuristic(0, 0)
		logger.Info("no language model configured, using heuristic extraction")
	}
	opts := collab.OptionsFromConfig(cfg)
	opts.IsRetryable = retryable
	client := collab.New(extractor, researcher, cache.New(cfg.Cache),
		worker.NewLimiter(cfg.Collaborator.RequestsPerSecond, cfg.Collaborator.BurstSize), opts, logger)

	var arch *archive.Archive
	if cfg.Archive.Enabled {
		arch, err = archive.Open(util.ExpandHome(cfg.Archive.Path), logger)
		if err != nil {
			return fail(fmt.Errorf("open audit archive: %w", err))
		}
		closers = append(closers, arch.Close)
	}

	e, err := New(cfg, Deps{
		Store:   s,
		Collab:  client,
		Loader:  pipeline.NewLoader(cfg),
		Archive: arch,
		Logger:  logger,
	})
	if err != nil {
		return fail(err)
	}
	e.closers = closers
	return e, nil
}

// retryable excludes failures a retry cannot fix
func retryable(err error) bool {
	return !errors.Is(err, llm.ErrDisabled) && !errors.Is(err, model.ErrInvalidInput)
}

// Config returns the configuration the engine runs with
func (e *Engine) Config() *model.Config {
	return e.cfg
}

// Store returns the underlying entity store
func (e *Engine) Store() *store.Store {
	return e.store
}

// Start runs the background loop until ctx is done or Close is called
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		ctx, e.stop = context.WithCancel(ctx)
		go e.run(ctx)
	})
}

// Close stops background work, waits for running tasks and closes storage
func (e *Engine) Close() error {
	var errs []error
	e.closeOnce.Do(func() {
		if e.stop != nil {
			e.stop()
			<-e.loopDone
		}
		e.scheduler.Close()
		e.pool.Close()
		for i := len(e.closers) - 1; i >= 0; i-- {
			if err := e.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Settle waits until the background loop has handled every published event
// and no background task is queued or running
func (e *Engine) Settle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.sub.Acked() >= e.store.Log().LastSeq() && e.scheduler.Pending() == 0 {
			if err := e.scheduler.Drain(ctx); err != nil {
				return err
			}
			if e.sub.Acked() >= e.store.Log().LastSeq() && e.scheduler.Pending() == 0 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
