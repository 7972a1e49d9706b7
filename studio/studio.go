// Package studio wires the manuscript components into one service: the job
// queue and its worker, the workflow orchestrator, versions, revisions and
// the completion detector. It registers the job handlers that call the
// writing assistant and exposes every operation as a method, an MCP tool
// and, for liveness, a small HTTP router.
package studio

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/manuscript/jobq"
	"github.com/hazyhaar/manuscript/llm"
	"github.com/hazyhaar/manuscript/observability"
	"github.com/hazyhaar/manuscript/shield"
	"github.com/hazyhaar/manuscript/studio/internal/completion"
	"github.com/hazyhaar/manuscript/studio/internal/revision"
	"github.com/hazyhaar/manuscript/studio/internal/store"
	"github.com/hazyhaar/manuscript/studio/internal/versions"
	"github.com/hazyhaar/manuscript/studio/internal/workflow"
)

// Assistant is the writing capability behind the job handlers.
// *llm.Assistant implements it.
type Assistant interface {
	WriteChapter(ctx context.Context, b llm.ChapterBrief) (string, error)
	Summarize(ctx context.Context, chapterNumber int, content string) (string, error)
	UpdateStoryState(ctx context.Context, previous json.RawMessage, chapterNumber int, summary string) (json.RawMessage, error)
	AnalyzeChapter(ctx context.Context, chapterNumber int, content string) (llm.QualitySignals, error)
	Condense(ctx context.Context, req llm.CondenseRequest) (*llm.CondenseResult, error)
}

// Config tunes the service. Zero values get defaults.
type Config struct {
	Worker            jobq.WorkerOptions
	HeartbeatInterval time.Duration
	// Heartbeats older than this mark the worker stale on /status.
	StaleAfter time.Duration
	// DefaultTolerancePercent applies when a revision is started without one.
	DefaultTolerancePercent float64
	EventsRetention         time.Duration
	HeartbeatsRetention     time.Duration
}

func (c *Config) defaults() {
	if c.Worker.Name == "" {
		c.Worker.Name = "manuscript"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 4 * c.HeartbeatInterval
	}
	if c.DefaultTolerancePercent <= 0 {
		c.DefaultTolerancePercent = 5
	}
	if c.EventsRetention <= 0 {
		c.EventsRetention = 30 * 24 * time.Hour
	}
	if c.HeartbeatsRetention <= 0 {
		c.HeartbeatsRetention = 7 * 24 * time.Hour
	}
}

// Option configures a Service.
type Option func(*Service)

// WithGate shares a rate-limit gate with other provider callers, typically
// the llm.Client passed to the assistant.
func WithGate(g *jobq.Gate) Option { return func(s *Service) { s.gate = g } }

// WithStoreOptions passes options to the domain store (IDs, clock).
func WithStoreOptions(opts ...store.Option) Option {
	return func(s *Service) { s.storeOpts = append(s.storeOpts, opts...) }
}

// Service is the manuscript studio.
type Service struct {
	db        *sql.DB
	cfg       Config
	logger    *slog.Logger
	assistant Assistant
	gate      *jobq.Gate
	storeOpts []store.Option

	store      *store.Store
	queue      *jobq.Queue
	worker     *jobq.Worker
	events     *observability.EventLogger
	heartbeat  *observability.HeartbeatWriter
	versions   *versions.Service
	workflow   *workflow.Orchestrator
	revision   *revision.Service
	completion *completion.Detector
}

// New applies every schema to db and builds the service. assistant may be
// nil for processes that only enqueue or inspect; such a service cannot Run.
func New(db *sql.DB, assistant Assistant, cfg Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Worker.Logger = logger

	s := &Service{db: db, cfg: cfg, logger: logger, assistant: assistant}
	for _, o := range opts {
		o(s)
	}
	if s.gate == nil {
		s.gate = jobq.NewGate()
	}

	if err := store.ApplySchema(db); err != nil {
		return nil, fmt.Errorf("studio: domain schema: %w", err)
	}
	if err := observability.Init(db); err != nil {
		return nil, fmt.Errorf("studio: observability schema: %w", err)
	}
	if err := shield.Init(db); err != nil {
		return nil, fmt.Errorf("studio: shield schema: %w", err)
	}
	s.queue = jobq.New(db)
	if err := s.queue.EnsureTable(context.Background()); err != nil {
		return nil, fmt.Errorf("studio: jobs table: %w", err)
	}

	s.store = store.NewStore(db, s.storeOpts...)
	s.events = observability.NewEventLogger(db, "manuscript", observability.WithEventSlog(logger))
	s.versions = versions.NewService(s.store, s.events, logger)
	s.workflow = workflow.New(s.store, s.queue, s.events, logger)
	var condenser revision.Condenser
	if assistant != nil {
		condenser = assistant
	}
	s.revision = revision.NewService(s.store, condenser, s.events, logger)
	s.completion = completion.New(s.store, s.workflow, s.events, logger)

	s.worker = jobq.NewWorker(s.queue, s.gate, cfg.Worker)
	s.registerHandlers()
	s.heartbeat = observability.NewHeartbeatWriter(db, cfg.Worker.Name, cfg.HeartbeatInterval, s.probe)
	return s, nil
}

// DB returns the database handle.
func (s *Service) DB() *sql.DB { return s.db }

// Queue returns the job queue.
func (s *Service) Queue() *jobq.Queue { return s.queue }

// Worker returns the job worker.
func (s *Service) Worker() *jobq.Worker { return s.worker }

// Gate returns the shared rate-limit gate.
func (s *Service) Gate() *jobq.Gate { return s.gate }

// Events returns the business event logger.
func (s *Service) Events() *observability.EventLogger { return s.events }

// Run processes jobs, writes heartbeats and prunes old observability rows
// until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.assistant == nil {
		return ErrNoAssistant
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.worker.Run(gctx) })
	g.Go(func() error { return s.heartbeat.Run(gctx) })
	g.Go(func() error { return s.retentionLoop(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) retentionLoop(ctx context.Context) error {
	tick := time.NewTicker(time.Hour)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := observability.Cleanup(ctx, s.db, s.cfg.EventsRetention, s.cfg.HeartbeatsRetention); err != nil {
				s.logger.Warn("observability cleanup", "error", err)
			}
		}
	}
}

func (s *Service) probe(ctx context.Context) (pending, running int, rateLimited bool, err error) {
	st, err := s.queue.Stats(ctx)
	if err != nil {
		return 0, 0, false, err
	}
	return st.Pending, st.Running, s.gate.IsLimited(), nil
}
