package jobq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler processes one claimed job. Returning nil completes the job.
// Return Permanent(err) to fail without retry, or an error implementing
// RateLimited to release the job and pause pickups.
type Handler func(ctx context.Context, job *Job) error

// FailureHook runs once after a job reaches failed.
type FailureHook func(ctx context.Context, job *Job, cause error)

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	// Name identifies this worker in the jobs.worker column.
	Name string
	// Concurrency is the number of pickup loops. Default: 1.
	Concurrency int
	// PollInterval between pickups when the queue is idle. Default: 1s.
	PollInterval time.Duration
	// MaxAttempts before a failing job becomes failed. Default: 3.
	MaxAttempts int
	// BackoffBase is the delay after the first failed attempt; it doubles
	// per attempt up to BackoffMax. Defaults: 2s, 5m.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Lease is how long a running job stays owned without a heartbeat.
	// Default: 2m. Heartbeats fire every Lease/3.
	Lease time.Duration
	// Logger for worker events. Default: slog.Default().
	Logger *slog.Logger
}

func (o *WorkerOptions) defaults() {
	if o.Name == "" {
		o.Name = "worker"
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
	if o.Lease <= 0 {
		o.Lease = 2 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Worker claims jobs from a Queue and dispatches them to handlers by type.
type Worker struct {
	q    *Queue
	gate *Gate
	opts WorkerOptions

	mu       sync.RWMutex
	handlers map[string]Handler
	onFailed map[string]FailureHook
}

// NewWorker creates a worker. A nil gate gets a private one.
func NewWorker(q *Queue, gate *Gate, opts WorkerOptions) *Worker {
	opts.defaults()
	if gate == nil {
		gate = NewGate()
	}
	return &Worker{
		q:        q,
		gate:     gate,
		opts:     opts,
		handlers: make(map[string]Handler),
		onFailed: make(map[string]FailureHook),
	}
}

// Handle registers the handler for a job type.
func (w *Worker) Handle(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
	w.opts.Logger.Debug("jobq: handler registered", "type", jobType)
}

// OnFailed registers a hook run when a job of this type ends failed.
func (w *Worker) OnFailed(jobType string, hook FailureHook) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onFailed[jobType] = hook
}

// Gate returns the rate-limit gate shared by this worker's loops.
func (w *Worker) Gate() *Gate { return w.gate }

func (w *Worker) types() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	types := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Backoff returns the delay before retrying after the given attempt count.
func (w *Worker) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := w.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= w.opts.BackoffMax {
			return w.opts.BackoffMax
		}
	}
	return min(d, w.opts.BackoffMax)
}

// Run starts Concurrency pickup loops plus a lease recovery loop and blocks
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	log := w.opts.Logger
	log.Info("jobq: worker started",
		"name", w.opts.Name, "concurrency", w.opts.Concurrency,
		"poll", w.opts.PollInterval, "types", w.types())

	if n, err := w.q.RecoverExpired(ctx); err != nil {
		log.Warn("jobq: recover expired", "error", err)
	} else if n > 0 {
		log.Info("jobq: recovered expired jobs", "count", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range w.opts.Concurrency {
		g.Go(func() error {
			w.loop(gctx, i)
			return nil
		})
	}
	g.Go(func() error {
		w.recoverLoop(gctx)
		return nil
	})
	g.Wait()
	log.Info("jobq: worker stopped", "name", w.opts.Name)
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context, slot int) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for ctx.Err() == nil {
			if err := w.gate.Wait(ctx); err != nil {
				return
			}
			ok, err := w.ProcessOne(ctx)
			if err != nil {
				w.opts.Logger.Warn("jobq: process", "slot", slot, "error", err)
				break
			}
			if !ok {
				break
			}
		}
	}
}

func (w *Worker) recoverLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.Lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.q.RecoverExpired(ctx)
			if err != nil {
				w.opts.Logger.Warn("jobq: recover expired", "error", err)
			} else if n > 0 {
				w.opts.Logger.Info("jobq: recovered expired jobs", "count", n)
			}
		}
	}
}

// ProcessOne claims and runs at most one job. It reports whether a job was
// claimed. While the gate is closed nothing is claimed.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	if w.gate.IsLimited() {
		return false, nil
	}
	types := w.types()
	if len(types) == 0 {
		return false, ErrNoHandler
	}
	job, err := w.q.Claim(ctx, w.opts.Name, w.opts.Lease, types...)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	log := w.opts.Logger.With("job_id", job.ID, "type", job.Type, "target", job.TargetID, "attempt", job.Attempts+1)
	// Settlement writes survive shutdown of the caller's context.
	settleCtx := context.WithoutCancel(ctx)

	if job.DependsOn != "" {
		dep, err := w.q.Get(ctx, job.DependsOn)
		if err != nil {
			return true, w.settle(settleCtx, log, job, Permanent(fmt.Errorf("dependency %s: %w", job.DependsOn, err)))
		}
		if dep.Status == StatusFailed {
			return true, w.settle(settleCtx, log, job, Permanent(fmt.Errorf("dependency %s failed: %s", dep.ID, dep.Error)))
		}
	}

	w.mu.RLock()
	h := w.handlers[job.Type]
	w.mu.RUnlock()

	log.Info("jobq: job started")
	start := time.Now()
	herr := w.runWithHeartbeat(ctx, job, h)
	if herr == nil {
		log.Info("jobq: job completed", "duration_ms", time.Since(start).Milliseconds())
	}
	if herr != nil && ctx.Err() != nil && errors.Is(herr, ctx.Err()) {
		log.Info("jobq: job interrupted by shutdown, releasing")
		return true, w.q.Release(settleCtx, job.ID, "worker shutdown", time.Now())
	}
	return true, w.settle(settleCtx, log, job, herr)
}

func (w *Worker) runWithHeartbeat(ctx context.Context, job *Job, h Handler) (err error) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.opts.Lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := w.q.Extend(ctx, job.ID, w.opts.Lease); err != nil {
					w.opts.Logger.Warn("jobq: heartbeat", "job_id", job.ID, "error", err)
				}
			}
		}
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (w *Worker) settle(ctx context.Context, log *slog.Logger, job *Job, herr error) error {
	if herr == nil {
		return w.q.Complete(ctx, job.ID)
	}

	if rl, ok := AsRateLimited(herr); ok {
		reset := rl.ResetAt()
		w.gate.SetLimited(reset, herr.Error())
		log.Warn("jobq: rate limited, pausing pickups", "reset_at", reset)
		return w.q.Release(ctx, job.ID, herr.Error(), reset)
	}

	if IsPermanent(herr) {
		log.Error("jobq: job failed permanently", "error", herr)
		if err := w.q.Fail(ctx, job.ID, herr.Error()); err != nil {
			return err
		}
		w.failed(ctx, job, herr)
		return nil
	}

	attempts := job.Attempts + 1
	runAfter := time.Now().Add(w.Backoff(attempts))
	status, err := w.q.Retry(ctx, job.ID, herr.Error(), w.opts.MaxAttempts, runAfter)
	if err != nil {
		return err
	}
	if status == StatusFailed {
		log.Error("jobq: job failed, attempts exhausted", "attempts", attempts, "error", herr)
		w.failed(ctx, job, herr)
		return nil
	}
	log.Warn("jobq: job failed, will retry", "error", herr, "run_after", runAfter)
	return nil
}

func (w *Worker) failed(ctx context.Context, job *Job, cause error) {
	w.mu.RLock()
	hook := w.onFailed[job.Type]
	w.mu.RUnlock()
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.opts.Logger.Error("jobq: failure hook panic", "job_id", job.ID, "panic", r)
		}
	}()
	hook(ctx, job, cause)
}
