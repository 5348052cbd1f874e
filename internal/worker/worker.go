// Package worker runs fetch jobs: one goroutine per job, bounded by a
// semaphore, writing progress through the job registry.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/media-fetcher/internal/fetch"
	"github.com/JakeFAU/media-fetcher/internal/metrics"
	"github.com/JakeFAU/media-fetcher/internal/policy/ratelimit"
	"github.com/JakeFAU/media-fetcher/internal/telemetry"
)

// ErrShuttingDown is returned when jobs are submitted after Shutdown.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// Registry is the subset of the job registry the orchestrator writes through.
type Registry interface {
	Create(kind fetch.JobKind, target fetch.Target, opts fetch.JobOptions) (fetch.JobSnapshot, error)
	Get(id string) (fetch.JobSnapshot, error)
	Reap(maxIdle time.Duration) int
	Start(id string) error
	SetPhase(id, phase string) error
	AddTotal(id string, n int) error
	SetCurrent(id, name string) error
	RecordItem(id string, success bool) error
	Finish(id string, status fetch.JobStatus, errMsg string, result map[string]any) error
}

// Directories hands out target directories and writes summary documents.
type Directories interface {
	TargetDir(name string) (string, error)
	WriteJSON(dir, name string, v any) (string, error)
}

// WorkFunc is the body of a job. It returns the result payload and, when the
// job must fail, an error whose text becomes the job's error message.
type WorkFunc func(ctx context.Context, job fetch.JobSnapshot) (map[string]any, error)

// Config controls orchestrator behavior.
type Config struct {
	MaxConcurrent   int
	ItemTimeout     time.Duration
	ItemDelay       time.Duration
	TargetDelay     time.Duration
	Retention       time.Duration
	DefaultMaxItems int
	MaxBatchTargets int
	WriteSummary    bool
	Topic           string
}

// Orchestrator spawns and tracks job workers.
type Orchestrator struct {
	registry  Registry
	provider  fetch.ContentProvider
	dirs      Directories
	publisher fetch.Publisher
	archive   fetch.JobArchive
	clock     fetch.Clock
	pacer     *ratelimit.Pacer
	sem       *semaphore.Weighted
	cfg       Config
	logger    *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher sends completion events to topic cfg.Topic.
func WithPublisher(p fetch.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithArchive records terminal snapshots.
func WithArchive(a fetch.JobArchive) Option {
	return func(o *Orchestrator) { o.archive = a }
}

// New constructs an Orchestrator.
func New(
	registry Registry,
	provider fetch.ContentProvider,
	dirs Directories,
	clock fetch.Clock,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) (*Orchestrator, error) {
	if registry == nil || provider == nil || dirs == nil || clock == nil {
		return nil, fmt.Errorf("%w: registry, provider, directories and clock are required", fetch.ErrConfiguration)
	}
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("%w: max concurrent jobs must be > 0", fetch.ErrConfiguration)
	}
	if cfg.ItemTimeout <= 0 {
		return nil, fmt.Errorf("%w: item timeout must be > 0", fetch.ErrConfiguration)
	}
	if cfg.ItemDelay < 0 || cfg.TargetDelay < 0 || cfg.Retention < 0 {
		return nil, fmt.Errorf("%w: delays and retention must be >= 0", fetch.ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		registry:   registry,
		provider:   provider,
		dirs:       dirs,
		clock:      clock,
		pacer:      ratelimit.NewPacer(cfg.ItemDelay),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cfg:        cfg,
		logger:     logger,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		cancels:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// CreateJob reaps stale jobs, registers a pending job and starts its worker.
// It returns the pending snapshot without waiting for any work.
func (o *Orchestrator) CreateJob(kind fetch.JobKind, target fetch.Target, opts fetch.JobOptions) (fetch.JobSnapshot, error) {
	if !kind.Valid() {
		return fetch.JobSnapshot{}, fmt.Errorf("unknown job kind %q", kind)
	}
	if kind == fetch.JobKindBatch && o.cfg.MaxBatchTargets > 0 && len(target.Identifiers) > o.cfg.MaxBatchTargets {
		return fetch.JobSnapshot{}, fmt.Errorf("batch accepts at most %d targets", o.cfg.MaxBatchTargets)
	}
	if o.isClosed() {
		return fetch.JobSnapshot{}, ErrShuttingDown
	}
	if removed := o.registry.Reap(o.cfg.Retention); removed > 0 {
		o.logger.Debug("reaped finished jobs", zap.Int("count", removed))
	}
	if opts.MaxItems == 0 {
		opts.MaxItems = o.cfg.DefaultMaxItems
	}

	snap, err := o.registry.Create(kind, target, opts)
	if err != nil {
		return fetch.JobSnapshot{}, err
	}
	if err := o.Submit(snap.ID, o.WorkFor(kind)); err != nil {
		o.abandon(snap.ID, err)
		return fetch.JobSnapshot{}, err
	}
	o.logger.Info("job created",
		zap.String("job_id", snap.ID),
		zap.String("kind", string(kind)),
	)
	return snap, nil
}

// WorkFor returns the built-in work function for a job kind.
func (o *Orchestrator) WorkFor(kind fetch.JobKind) WorkFunc {
	switch kind {
	case fetch.JobKindSingleItem:
		return o.runSingleItem
	case fetch.JobKindFullTarget:
		return o.runFullTarget
	case fetch.JobKindBatch:
		return o.runBatch
	default:
		return func(context.Context, fetch.JobSnapshot) (map[string]any, error) {
			return nil, fmt.Errorf("unknown job kind %q", kind)
		}
	}
}

// Submit starts an independent worker for a pending job.
func (o *Orchestrator) Submit(id string, fn WorkFunc) error {
	if fn == nil {
		return errors.New("work function is required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrShuttingDown
	}
	if _, running := o.cancels[id]; running {
		return fmt.Errorf("job %s already submitted", id)
	}
	ctx, cancel := context.WithCancel(o.baseCtx)
	o.cancels[id] = cancel
	o.wg.Add(1)
	go o.run(ctx, id, fn)
	return nil
}

// Cancel requests that a job stop before its next item. The job finishes as
// failed with "job canceled".
func (o *Orchestrator) Cancel(id string) error {
	snap, err := o.registry.Get(id)
	if err != nil {
		return err
	}
	if snap.Status.Terminal() {
		return fmt.Errorf("%w: job %s is already %s", fetch.ErrInvalidTransition, id, snap.Status)
	}
	o.mu.Lock()
	cancel, ok := o.cancels[id]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: job %s has no active worker", fetch.ErrInvalidTransition, id)
	}
	cancel()
	o.logger.Info("job cancel requested", zap.String("job_id", id))
	return nil
}

// Shutdown stops accepting jobs and waits for running ones. If ctx expires
// first, remaining jobs are canceled and awaited.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.cancelBase()
		return nil
	case <-ctx.Done():
		o.cancelBase()
		<-done
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// Active returns the number of jobs with a live worker.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.cancels)
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) run(ctx context.Context, id string, fn WorkFunc) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		if cancel, ok := o.cancels[id]; ok {
			cancel()
			delete(o.cancels, id)
		}
		o.mu.Unlock()
		o.pacer.Forget(id)
	}()

	// A job canceled while queued for a slot still passes through running so
	// the state machine only moves forward.
	acquired := o.sem.Acquire(ctx, 1) == nil
	if acquired {
		defer o.sem.Release(1)
		metrics.IncActiveWorkers()
		defer metrics.DecActiveWorkers()
	}

	if err := o.registry.Start(id); err != nil {
		o.logger.Error("start job failed", zap.String("job_id", id), zap.Error(err))
		return
	}
	snap, err := o.registry.Get(id)
	if err != nil {
		o.logger.Error("load job failed", zap.String("job_id", id), zap.Error(err))
		return
	}

	ctx, span := telemetry.Tracer().Start(ctx, "job", trace.WithAttributes(
		attribute.String("job.id", id),
		attribute.String("job.kind", string(snap.Kind)),
	))
	defer span.End()

	var (
		payload map[string]any
		workErr error
	)
	if acquired {
		payload, workErr = o.safeCall(ctx, fn, snap)
	} else {
		workErr = fetch.ErrJobCanceled
	}

	status := fetch.JobStatusCompleted
	errMsg := ""
	if workErr != nil {
		status = fetch.JobStatusFailed
		errMsg = workErr.Error()
		if errors.Is(workErr, fetch.ErrJobCanceled) || errors.Is(workErr, context.Canceled) {
			errMsg = fetch.ErrJobCanceled.Error()
		}
		span.SetStatus(codes.Error, errMsg)
	}
	if err := o.registry.Finish(id, status, errMsg, payload); err != nil {
		o.logger.Error("finish job failed", zap.String("job_id", id), zap.Error(err))
		return
	}

	final, err := o.registry.Get(id)
	if err != nil {
		o.logger.Error("load finished job failed", zap.String("job_id", id), zap.Error(err))
		return
	}
	metrics.ObserveJob(string(final.Kind), string(final.Status))
	o.logger.Info("job finished",
		zap.String("job_id", id),
		zap.String("status", string(final.Status)),
		zap.Int("done", final.Progress.Done),
		zap.Int("failed", final.Progress.Failed),
		zap.String("error", final.ErrorMessage),
	)
	o.notify(final)
}

// safeCall keeps a panicking work function from escaping the worker.
func (o *Orchestrator) safeCall(ctx context.Context, fn WorkFunc, snap fetch.JobSnapshot) (payload map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("worker panic", zap.String("job_id", snap.ID), zap.Any("panic", r))
			payload = nil
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return fn(ctx, snap)
}

// abandon fails a job whose worker could not be started.
func (o *Orchestrator) abandon(id string, cause error) {
	if err := o.registry.Start(id); err != nil {
		o.logger.Error("abandon job failed", zap.String("job_id", id), zap.Error(err))
		return
	}
	if err := o.registry.Finish(id, fetch.JobStatusFailed, cause.Error(), nil); err != nil {
		o.logger.Error("abandon job failed", zap.String("job_id", id), zap.Error(err))
	}
}
