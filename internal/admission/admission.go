// Package admission decides whether a job submission is accepted. Checks run
// in a fixed order and stop at the first failure; checks that only read state
// run before the ones that consume rate, quota or credits.
package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/seantiz/qgate/internal/clock"
	"github.com/seantiz/qgate/internal/estimate"
	"github.com/seantiz/qgate/internal/ledger"
	"github.com/seantiz/qgate/internal/model"
	"github.com/seantiz/qgate/internal/observability"
	"github.com/seantiz/qgate/internal/provider"
	"github.com/seantiz/qgate/internal/quota"
	"github.com/seantiz/qgate/internal/ratelimit"
	"github.com/seantiz/qgate/internal/store"
)

// Dispatcher hands an accepted job to the execution engine.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Limits are the per-identity admission bounds not owned by another
// component.
type Limits struct {
	MaxPayloadBytes int
	MaxActiveJobs   int
	CreditsPerJob   float64
}

// Deps wires the controller to its collaborators.
type Deps struct {
	Jobs       store.JobStore
	Registry   *provider.Registry
	Pricing    estimate.Pricing
	Limiter    ratelimit.Limiter
	Quota      quota.Tracker
	Ledger     *ledger.Ledger
	Dispatcher Dispatcher
	Limits     Limits
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Request is a job submission from a resolved identity.
type Request struct {
	Identity string
	// Provider is the explicitly requested provider. When empty the
	// payload's "provider" field is used.
	Provider       string
	Payload        json.RawMessage
	IdempotencyKey string
}

// Submission is the outcome of an accepted request.
type Submission struct {
	Job      *model.Job
	Estimate estimate.Estimate
	// Balance is the credit balance left after the charge. It is zero for
	// replayed submissions.
	Balance float64
	// Replayed is set when the idempotency key matched an existing job.
	Replayed bool
}

// Controller runs admission checks and creates accepted jobs.
type Controller struct {
	jobs       store.JobStore
	registry   *provider.Registry
	pricing    estimate.Pricing
	limiter    ratelimit.Limiter
	quota      quota.Tracker
	ledger     *ledger.Ledger
	dispatcher Dispatcher
	limits     Limits
	clock      clock.Clock
	logger     *slog.Logger
}

// New creates a controller.
func New(d Deps) *Controller {
	c := d.Clock
	if c == nil {
		c = clock.Real{}
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		jobs:       d.Jobs,
		registry:   d.Registry,
		pricing:    d.Pricing,
		limiter:    d.Limiter,
		quota:      d.Quota,
		ledger:     d.Ledger,
		dispatcher: d.Dispatcher,
		limits:     d.Limits,
		clock:      c,
		logger:     logger.With("component", "admission"),
	}
}

// EstimateCost prices payload without touching any state.
func (c *Controller) EstimateCost(payload json.RawMessage, requested string) estimate.Estimate {
	return estimate.Compute(payload, requested, c.pricing)
}

// Submit admits req or returns an *Error naming the first failed check.
func (c *Controller) Submit(ctx context.Context, req Request) (*Submission, error) {
	ctx, span := observability.StartSpan(ctx, "admission.submit",
		attribute.String("identity", req.Identity),
	)
	defer span.End()

	sub, err := c.submit(ctx, req)
	if err != nil {
		reason := "internal"
		if ae, ok := AsError(err); ok {
			reason = ae.Reason
			c.logger.Info("submission rejected", "identity", req.Identity, "reason", ae.Reason, "error", ae.Err)
		} else {
			c.logger.Error("submission failed", "identity", req.Identity, "error", err)
		}
		submissionsRejected.WithLabelValues(reason).Inc()
		span.SetStatus(codes.Error, reason)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("job.id", sub.Job.ID),
		attribute.String("job.provider", sub.Job.Provider),
		attribute.Bool("replayed", sub.Replayed),
	)
	return sub, nil
}

func (c *Controller) submit(ctx context.Context, req Request) (*Submission, error) {
	if req.IdempotencyKey != "" {
		existing, err := c.jobs.FindJobByIdempotencyKey(ctx, req.Identity, req.IdempotencyKey)
		if err == nil {
			return &Submission{
				Job:      existing,
				Estimate: c.EstimateCost(existing.Payload, existing.Provider),
				Replayed: true,
			}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	// 1. Payload size and shape.
	if len(req.Payload) > c.limits.MaxPayloadBytes {
		return nil, reject(KindValidation, ReasonPayloadTooLarge,
			fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(req.Payload), c.limits.MaxPayloadBytes))
	}
	payload := bytes.TrimSpace(req.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return nil, reject(KindValidation, ReasonInvalidPayload, ErrInvalidPayload)
	}

	// 2. Provider routing.
	requested := req.Provider
	if requested == "" {
		requested = gjson.GetBytes(payload, "provider").String()
	}
	p, err := c.registry.Route(requested)
	if err != nil {
		return nil, reject(KindValidation, ReasonUnsupportedProvider, err)
	}

	// 3. Cost ceiling.
	est := c.EstimateCost(payload, requested)
	if !est.Allowed {
		return nil, reject(KindValidation, ReasonCostRejected,
			fmt.Errorf("%w: %.4f > %.4f", ErrCostRejected, est.EstimatedCost, est.MaxAllowedCost))
	}
	// The provider runs the shot count that was priced, not the one requested.
	if gjson.GetBytes(payload, "shots").Exists() {
		clamped, err := sjson.SetBytes(payload, "shots", est.Shots)
		if err != nil {
			return nil, reject(KindValidation, ReasonInvalidPayload, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
		}
		payload = clamped
	}

	// 4. Rate limit.
	allowed, retryAfter, err := c.limiter.Allow(ctx, req.Identity)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	if !allowed {
		e := reject(KindResourceExhausted, ReasonRateLimited, ErrRateLimited)
		e.RetryAfter = retryAfter
		return nil, e
	}

	// 5. Concurrent job cap.
	active, err := c.jobs.CountActiveJobs(ctx, req.Identity)
	if err != nil {
		return nil, fmt.Errorf("count active jobs: %w", err)
	}
	if active >= c.limits.MaxActiveJobs {
		return nil, reject(KindResourceExhausted, ReasonActiveJobLimit,
			fmt.Errorf("%w: %d of %d", ErrActiveJobLimit, active, c.limits.MaxActiveJobs))
	}

	// 6. Daily quota. Reservations are not returned on later failure.
	if err := c.quota.Reserve(ctx, req.Identity, est.EstimatedCost); err != nil {
		if errors.Is(err, quota.ErrExceeded) {
			return nil, reject(KindResourceExhausted, ReasonQuotaExceeded, err)
		}
		return nil, fmt.Errorf("reserve quota: %w", err)
	}

	// 7. Credits.
	jobID := model.NewID()
	balance, err := c.ledger.Charge(ctx, req.Identity, c.limits.CreditsPerJob, jobID)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return nil, reject(KindResourceExhausted, ReasonInsufficientCredits, err)
		}
		return nil, fmt.Errorf("charge credits: %w", err)
	}

	// 8. Persist and hand off.
	now := c.clock.Now().UTC()
	job := &model.Job{
		ID:             jobID,
		OwnerID:        req.Identity,
		Provider:       p.Name(),
		Status:         model.StatusQueued,
		Payload:        json.RawMessage(payload),
		Result:         json.RawMessage("{}"),
		CostEstimate:   est.EstimatedCost,
		CreditsCharged: c.limits.CreditsPerJob,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.jobs.CreateJob(ctx, job); err != nil {
		c.refund(ctx, req.Identity, jobID, balance)
		if errors.Is(err, store.ErrDuplicate) {
			existing, ferr := c.jobs.FindJobByIdempotencyKey(ctx, req.Identity, req.IdempotencyKey)
			if ferr == nil {
				return &Submission{Job: existing, Estimate: est, Replayed: true}, nil
			}
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := c.dispatcher.Enqueue(ctx, job.ID); err != nil {
		// The job stays queued; the sweeper picks it up.
		c.logger.Warn("enqueue failed", "job_id", job.ID, "error", err)
	}

	submissionsAccepted.WithLabelValues(job.Provider).Inc()
	c.logger.Info("job admitted",
		"identity", req.Identity,
		"job_id", job.ID,
		"provider", job.Provider,
		"cost_estimate", job.CostEstimate,
		"balance", balance,
	)
	return &Submission{Job: job, Estimate: est, Balance: balance}, nil
}

// refund returns the credits charged for a job that was never persisted.
func (c *Controller) refund(ctx context.Context, owner, jobID string, balance float64) {
	if c.limits.CreditsPerJob <= 0 {
		return
	}
	if _, err := c.ledger.Refund(context.WithoutCancel(ctx), owner, c.limits.CreditsPerJob, jobID); err != nil {
		c.logger.Error("refund after failed create", "identity", owner, "job_id", jobID, "balance", balance, "error", err)
	}
}
