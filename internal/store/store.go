package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/qgate/internal/model"
)

var (
	// ErrInvalidTransition is returned when a job status transition is not
	// allowed, including when the job is no longer in the expected status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a job's idempotency key is already in
	// use by the same owner.
	ErrDuplicate = errors.New("duplicate idempotency key")

	// ErrInsufficientBalance is returned when a debit would make a credit
	// balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrLimitReached is returned when a quota reservation would exceed the
	// identity's daily job or cost limit.
	ErrLimitReached = errors.New("daily limit reached")
)

// DefaultListLimit is the page size used when a JobFilter sets no positive
// Limit.
const DefaultListLimit = 20

// JobFilter narrows a job listing. Cursor is the ID of the last job on the
// previous page; results continue strictly after it in recency order.
type JobFilter struct {
	Status   string
	Provider string
	Cursor   string
	Limit    int
}

// JobStats holds aggregate execution statistics for one owner.
type JobStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	CountByProvider map[string]int `json:"count_by_provider"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
}

// JobStore persists jobs.
type JobStore interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	GetOwnedJob(ctx context.Context, ownerID, id string) (*model.Job, error)
	FindJobByIdempotencyKey(ctx context.Context, ownerID, key string) (*model.Job, error)
	ListJobs(ctx context.Context, ownerID string, f JobFilter) ([]*model.Job, string, error)
	ListJobsByStatus(ctx context.Context, status string, updatedBefore time.Time, limit int) ([]*model.Job, error)
	CountActiveJobs(ctx context.Context, ownerID string) (int, error)
	TransitionJob(ctx context.Context, id, from string, next *model.Job) error
	GetJobStats(ctx context.Context, ownerID string) (*JobStats, error)
}

// LedgerStore persists credit balances and their movements.
type LedgerStore interface {
	EnsureBalance(ctx context.Context, ownerID string, grant float64, now time.Time) (*model.CreditBalance, error)
	GetBalance(ctx context.Context, ownerID string) (*model.CreditBalance, error)
	DebitBalance(ctx context.Context, ownerID string, amount float64, jobID string, now time.Time) (float64, error)
	CreditBalance(ctx context.Context, ownerID string, amount float64, entryType, jobID string, now time.Time) (float64, error)
	ListLedgerEntries(ctx context.Context, ownerID string, limit int) ([]model.LedgerEntry, error)
}

// QuotaStore persists daily quota counters.
type QuotaStore interface {
	EnsureQuota(ctx context.Context, q model.DailyQuota) error
	GetQuota(ctx context.Context, ownerID string) (*model.DailyQuota, error)
	ReserveQuota(ctx context.Context, ownerID, today string, cost float64, now time.Time) (*model.DailyQuota, error)
}

// Store is the full persistence surface of the gateway.
type Store interface {
	JobStore
	LedgerStore
	QuotaStore
	Close() error
}
