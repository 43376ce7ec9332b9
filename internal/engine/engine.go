package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/seantiz/qgate/internal/clock"
	"github.com/seantiz/qgate/internal/model"
	"github.com/seantiz/qgate/internal/observability"
	"github.com/seantiz/qgate/internal/provider"
	"github.com/seantiz/qgate/internal/store"
)

// ErrQueueFull is returned by Enqueue when no queue slot is free.
var ErrQueueFull = errors.New("execution queue is full")

// Defaults applied to zero Config fields.
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
	DefaultTimeout   = 5 * time.Second
)

// Config bounds execution.
type Config struct {
	Workers   int
	QueueSize int
	// Timeout bounds all attempts of one job together.
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// Refunder returns credits for jobs that end Failed.
type Refunder interface {
	Refund(ctx context.Context, owner string, amount float64, jobID string) (float64, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for timeouts and timestamps.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRefunder refunds charged credits when a job fails.
func WithRefunder(r Refunder) Option {
	return func(e *Engine) { e.refunder = r }
}

// Engine runs queued jobs on a fixed pool of workers.
type Engine struct {
	store    store.JobStore
	registry *provider.Registry
	refunder Refunder
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	broker   *EventBroker
	queue    chan string
	wg       sync.WaitGroup
	start    sync.Once
}

// NewEngine creates an engine. Workers do not run until Start is called.
func NewEngine(s store.JobStore, reg *provider.Registry, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		store:    s,
		registry: reg,
		cfg:      cfg,
		clock:    clock.Real{},
		logger:   logger.With("component", "engine"),
		broker:   NewEventBroker(),
		queue:    make(chan string, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Start launches the workers. They stop taking new jobs when ctx is
// cancelled; jobs already running are finished first.
func (e *Engine) Start(ctx context.Context) {
	e.start.Do(func() {
		for range e.cfg.Workers {
			e.wg.Go(func() { e.worker(ctx) })
		}
		e.logger.Info("engine started", "workers", e.cfg.Workers, "queue_size", e.cfg.QueueSize)
	})
}

// Wait blocks until every worker has exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Enqueue hands a job id to the workers without blocking. Enqueueing the
// same id twice is harmless: only one worker can move it out of queued.
func (e *Engine) Enqueue(_ context.Context, jobID string) error {
	select {
	case e.queue <- jobID:
		queueDepth.Set(float64(len(e.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Resume enqueues jobs left queued, typically by a previous process.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	jobs, err := e.store.ListJobsByStatus(ctx, model.StatusQueued, e.clock.Now().Add(time.Nanosecond), e.cfg.QueueSize)
	if err != nil {
		return 0, fmt.Errorf("list queued jobs: %w", err)
	}
	n := 0
	for _, j := range jobs {
		if err := e.Enqueue(ctx, j.ID); err != nil {
			break
		}
		n++
	}
	if n > 0 {
		e.logger.Info("resumed queued jobs", "count", n)
	}
	return n, nil
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.queue:
			queueDepth.Set(float64(len(e.queue)))
			e.execute(context.WithoutCancel(ctx), id)
		}
	}
}

// outcome is the result of the attempt loop.
type outcome struct {
	output   json.RawMessage
	err      error
	attempts int
}

// execute drives one job queued→running→succeeded/failed.
func (e *Engine) execute(ctx context.Context, id string) {
	job, err := e.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Debug("job vanished before execution", "job_id", id)
		return
	}
	if err != nil {
		e.logger.Error("load job", "job_id", id, "error", err)
		return
	}
	if job.Status != model.StatusQueued {
		return
	}

	ctx, span := observability.StartSpan(ctx, "job.execute",
		attribute.String("job.id", job.ID),
		attribute.String("job.provider", job.Provider),
	)
	defer span.End()

	startedAt := e.stamp(job.UpdatedAt)
	running := &model.Job{
		Status:    model.StatusRunning,
		UpdatedAt: startedAt,
		StartedAt: &startedAt,
	}
	if err := e.store.TransitionJob(ctx, id, model.StatusQueued, running); err != nil {
		// Another worker won the race, or the job is gone.
		if !errors.Is(err, store.ErrInvalidTransition) && !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("failed to transition to running", "job_id", id, "error", err)
		}
		return
	}
	e.publish(id, model.StatusRunning, nil, startedAt)

	p, err := e.registry.Route(job.Provider)
	if err != nil {
		e.fail(ctx, job, startedAt, 0, fmt.Sprintf("resolve provider: %v", err))
		span.SetStatus(codes.Error, "resolve provider")
		return
	}

	res := e.run(ctx, p, job.Payload)
	if res.err != nil {
		e.fail(ctx, job, startedAt, res.attempts, res.err.Error())
		span.SetStatus(codes.Error, res.err.Error())
		return
	}
	e.succeed(ctx, job, p.Name(), startedAt, res)
}

// run calls the provider until it succeeds, retries are exhausted, or the
// overall timeout has elapsed. The timeout is checked before every attempt;
// an attempt already in flight is never cut short, so a provider bounds its
// own calls.
func (e *Engine) run(ctx context.Context, p provider.Provider, payload json.RawMessage) outcome {
	start := e.clock.Now()
	var lastErr error
	for attempt := 0; ; attempt++ {
		if e.clock.Now().Sub(start) >= e.cfg.Timeout {
			return outcome{err: e.timeoutError(lastErr), attempts: attempt}
		}

		out, err := p.Run(ctx, payload)
		if err == nil {
			return outcome{output: out, attempts: attempt + 1}
		}
		lastErr = err

		if attempt >= e.cfg.MaxRetries {
			return outcome{err: lastErr, attempts: attempt + 1}
		}
		jobRetriesTotal.WithLabelValues(p.Name()).Inc()
		e.logger.Warn("attempt failed, retrying", "provider", p.Name(), "attempt", attempt+1, "error", err)
		if e.cfg.RetryDelay > 0 {
			time.Sleep(e.cfg.RetryDelay)
		}
	}
}

func (e *Engine) timeoutError(last error) error {
	msg := fmt.Sprintf("execution timed out after %s", e.cfg.Timeout)
	if last != nil && !errors.Is(last, context.DeadlineExceeded) {
		return fmt.Errorf("%s (last error: %v)", msg, last)
	}
	return errors.New(msg)
}

func (e *Engine) succeed(ctx context.Context, job *model.Job, providerName string, startedAt time.Time, res outcome) {
	retries := res.attempts - 1
	result, err := json.Marshal(map[string]any{
		"provider": providerName,
		"retries":  retries,
		"output":   res.output,
	})
	if err != nil {
		e.fail(ctx, job, startedAt, res.attempts, fmt.Sprintf("encode result: %v", err))
		return
	}

	costActual := job.CostEstimate
	if v := gjson.GetBytes(res.output, "cost_actual"); v.Type == gjson.Number {
		costActual = v.Float()
	}

	finishedAt := e.stamp(startedAt)
	durationMS := finishedAt.Sub(startedAt).Milliseconds()
	done := &model.Job{
		Status:     model.StatusSucceeded,
		Result:     result,
		CostActual: &costActual,
		Attempts:   res.attempts,
		DurationMS: &durationMS,
		UpdatedAt:  finishedAt,
		FinishedAt: &finishedAt,
	}
	if err := e.store.TransitionJob(ctx, job.ID, model.StatusRunning, done); err != nil {
		e.logger.Error("failed to record succeeded job", "job_id", job.ID, "error", err)
		return
	}

	jobsFinishedTotal.WithLabelValues(job.Provider, model.StatusSucceeded).Inc()
	jobExecutionDuration.WithLabelValues(job.Provider).Observe(finishedAt.Sub(startedAt).Seconds())
	e.logger.Info("job succeeded", "job_id", job.ID, "provider", providerName, "retries", retries, "duration_ms", durationMS)
	e.publish(job.ID, model.StatusSucceeded, nil, finishedAt)
	e.broker.Close(job.ID)
}

// fail records a running job as failed and refunds its credits. If the
// write loses the race or the store is unavailable the job keeps its last
// committed state for the sweeper to reconcile.
func (e *Engine) fail(ctx context.Context, job *model.Job, startedAt time.Time, attempts int, msg string) {
	finishedAt := e.stamp(startedAt)
	durationMS := finishedAt.Sub(startedAt).Milliseconds()
	failed := &model.Job{
		Status:       model.StatusFailed,
		ErrorMessage: &msg,
		Attempts:     attempts,
		DurationMS:   &durationMS,
		UpdatedAt:    finishedAt,
		FinishedAt:   &finishedAt,
	}
	if err := e.store.TransitionJob(ctx, job.ID, model.StatusRunning, failed); err != nil {
		e.logger.Error("failed to record failed job", "job_id", job.ID, "error", err)
		return
	}

	jobsFinishedTotal.WithLabelValues(job.Provider, model.StatusFailed).Inc()
	jobExecutionDuration.WithLabelValues(job.Provider).Observe(finishedAt.Sub(startedAt).Seconds())
	e.logger.Warn("job failed", "job_id", job.ID, "provider", job.Provider, "attempts", attempts, "error", msg)
	e.refund(ctx, job)
	e.publish(job.ID, model.StatusFailed, &msg, finishedAt)
	e.broker.Close(job.ID)
}

func (e *Engine) refund(ctx context.Context, job *model.Job) {
	if e.refunder == nil || job.CreditsCharged <= 0 {
		return
	}
	if _, err := e.refunder.Refund(ctx, job.OwnerID, job.CreditsCharged, job.ID); err != nil {
		e.logger.Error("refund failed job", "job_id", job.ID, "owner_id", job.OwnerID, "error", err)
	}
}

func (e *Engine) publish(id, status string, errMsg *string, at time.Time) {
	e.broker.Publish(model.JobEvent{JobID: id, Status: status, ErrorMessage: errMsg, At: at})
}

// stamp returns the current time, never earlier than prev, so that a job's
// updated_at does not move backwards.
func (e *Engine) stamp(prev time.Time) time.Time {
	now := e.clock.Now().UTC()
	if now.Before(prev) {
		return prev.UTC()
	}
	return now
}
