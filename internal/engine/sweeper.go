package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/seantiz/qgate/internal/model"
	"github.com/seantiz/qgate/internal/store"
)

// sweepBatch caps how many jobs one sweep looks at per status.
const sweepBatch = 100

// SweepResult reports what one sweep did.
type SweepResult struct {
	Failed   int
	Requeued int
}

// Sweeper reconciles jobs the engine lost track of. Running jobs with no
// progress for longer than stuckAfter are failed; stale queued jobs are
// handed back to the workers.
type Sweeper struct {
	engine     *Engine
	stuckAfter time.Duration
	logger     *slog.Logger
	cron       *cron.Cron
}

// NewSweeper creates a sweeper for e. stuckAfter must exceed the engine's
// execution timeout or live jobs would be failed.
func NewSweeper(e *Engine, stuckAfter time.Duration) *Sweeper {
	return &Sweeper{
		engine:     e,
		stuckAfter: stuckAfter,
		logger:     e.logger.With("component", "sweeper"),
	}
}

// Start runs Sweep on the given cron schedule (for example "@every 1m").
func (s *Sweeper) Start(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("sweeper started", "schedule", schedule, "stuck_after", s.stuckAfter.String())
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep performs one reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := s.engine.clock.Now().Add(-s.stuckAfter)

	running, err := s.engine.store.ListJobsByStatus(ctx, model.StatusRunning, cutoff, sweepBatch)
	if err != nil {
		return res, fmt.Errorf("list stuck jobs: %w", err)
	}
	for _, j := range running {
		if s.failStuck(ctx, j) {
			res.Failed++
		}
	}

	queued, err := s.engine.store.ListJobsByStatus(ctx, model.StatusQueued, cutoff, sweepBatch)
	if err != nil {
		return res, fmt.Errorf("list stale queued jobs: %w", err)
	}
	for _, j := range queued {
		if err := s.engine.Enqueue(ctx, j.ID); err != nil {
			s.logger.Warn("requeue stopped", "job_id", j.ID, "error", err)
			break
		}
		res.Requeued++
	}

	sweptJobsTotal.WithLabelValues("failed").Add(float64(res.Failed))
	sweptJobsTotal.WithLabelValues("requeued").Add(float64(res.Requeued))
	if res.Failed > 0 || res.Requeued > 0 {
		s.logger.Info("sweep complete", "failed", res.Failed, "requeued", res.Requeued)
	}
	return res, nil
}

func (s *Sweeper) failStuck(ctx context.Context, j *model.Job) bool {
	startedAt := j.UpdatedAt
	if j.StartedAt != nil {
		startedAt = *j.StartedAt
	}
	msg := fmt.Sprintf("execution lost: no progress for %s", s.stuckAfter)
	finishedAt := s.engine.stamp(j.UpdatedAt)
	durationMS := finishedAt.Sub(startedAt).Milliseconds()
	failed := &model.Job{
		Status:       model.StatusFailed,
		ErrorMessage: &msg,
		Attempts:     j.Attempts,
		DurationMS:   &durationMS,
		UpdatedAt:    finishedAt,
		FinishedAt:   &finishedAt,
	}
	err := s.engine.store.TransitionJob(ctx, j.ID, model.StatusRunning, failed)
	if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		s.logger.Error("fail stuck job", "job_id", j.ID, "error", err)
		return false
	}

	jobsFinishedTotal.WithLabelValues(j.Provider, model.StatusFailed).Inc()
	s.logger.Warn("failed stuck job", "job_id", j.ID, "owner_id", j.OwnerID, "updated_at", j.UpdatedAt)
	s.engine.refund(ctx, j)
	s.engine.publish(j.ID, model.StatusFailed, &msg, finishedAt)
	s.engine.broker.Close(j.ID)
	return true
}
