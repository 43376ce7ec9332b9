package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/qgate/internal/model"
)

const jobColumns = `id, owner_id, provider, status, payload, result, error_message,
	cost_estimate, cost_actual, credits_charged, attempts, duration_ms, idempotency_key,
	created_at, updated_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(sc rowScanner) (*model.Job, error) {
	j := &model.Job{}
	var payload string
	var result, idem sql.NullString
	err := sc.Scan(
		&j.ID, &j.OwnerID, &j.Provider, &j.Status, &payload, &result, &j.ErrorMessage,
		&j.CostEstimate, &j.CostActual, &j.CreditsCharged, &j.Attempts, &j.DurationMS, &idem,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.Result = json.RawMessage("{}")
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	j.IdempotencyKey = idem.String
	return j, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func rawOrNil(b json.RawMessage) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}

// CreateJob inserts a new job record. It returns ErrDuplicate when the
// owner already has a job with the same idempotency key.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	payload := string(j.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.OwnerID, j.Provider, j.Status, payload, rawOrNil(j.Result), j.ErrorMessage,
		j.CostEstimate, j.CostActual, j.CreditsCharged, j.Attempts, j.DurationMS, nullString(j.IdempotencyKey),
		j.CreatedAt.UTC(), j.UpdatedAt.UTC(), utcPtr(j.StartedAt), utcPtr(j.FinishedAt),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID regardless of owner.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// GetOwnedJob retrieves a job by ID. Jobs belonging to another owner are
// reported as ErrNotFound.
func (s *SQLiteStore) GetOwnedJob(ctx context.Context, ownerID, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ? AND owner_id = ?`, id, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// FindJobByIdempotencyKey returns the owner's job created with key.
func (s *SQLiteStore) FindJobByIdempotencyKey(ctx context.Context, ownerID, key string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE owner_id = ? AND idempotency_key = ?`, ownerID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job by idempotency key: %w", err)
	}
	return j, nil
}

// ListJobs returns one page of the owner's jobs, most recent first, and the
// cursor for the next page ("" when there are no more).
func (s *SQLiteStore) ListJobs(ctx context.Context, ownerID string, f JobFilter) ([]*model.Job, string, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	where := []string{"owner_id = ?"}
	args := []any{ownerID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Cursor != "" {
		where = append(where, "id < ?")
		args = append(args, f.Cursor)
	}
	args = append(args, f.Limit+1)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE `+strings.Join(where, " AND ")+
			` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*model.Job, 0, f.Limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate jobs: %w", err)
	}

	var next string
	if len(jobs) > f.Limit {
		jobs = jobs[:f.Limit]
		next = jobs[len(jobs)-1].ID
	}
	return jobs, next, nil
}

// ListJobsByStatus returns up to limit jobs in status that were last
// updated before updatedBefore, oldest first.
func (s *SQLiteStore) ListJobsByStatus(ctx context.Context, status string, updatedBefore time.Time, limit int) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?`, status, updatedBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// CountActiveJobs counts the owner's queued and running jobs.
func (s *SQLiteStore) CountActiveJobs(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE owner_id = ? AND status IN (?, ?)`,
		ownerID, model.StatusQueued, model.StatusRunning,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

// TransitionJob moves a job from status from to next.Status and records the
// execution fields carried by next. The update only applies while the job
// is still in from, so concurrent writers cannot both win. Losing writers
// get ErrInvalidTransition.
func (s *SQLiteStore) TransitionJob(ctx context.Context, id, from string, next *model.Job) error {
	if !model.ValidTransition(from, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next.Status)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
			status = ?, result = ?, error_message = ?, cost_actual = ?, attempts = ?,
			duration_ms = ?, updated_at = ?,
			started_at = COALESCE(?, started_at), finished_at = COALESCE(?, finished_at)
		WHERE id = ? AND status = ?`,
		next.Status, rawOrNil(next.Result), next.ErrorMessage, next.CostActual, next.Attempts,
		next.DurationMS, next.UpdatedAt.UTC(),
		utcPtr(next.StartedAt), utcPtr(next.FinishedAt),
		id, from,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get job status: %w", err)
		}
		return fmt.Errorf("%w: job is %s, not %s", ErrInvalidTransition, current, from)
	}
	return nil
}

// GetJobStats returns aggregate statistics over the owner's jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context, ownerID string) (*JobStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &JobStats{
		CountByStatus:   make(map[string]int),
		CountByProvider: make(map[string]int),
	}

	if err := countBy(ctx, tx, "status", ownerID, stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := countBy(ctx, tx, "provider", ownerID, stats.CountByProvider); err != nil {
		return nil, err
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		`SELECT AVG(duration_ms) FROM jobs WHERE owner_id = ? AND duration_ms IS NOT NULL`, ownerID,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	return stats, nil
}

// countBy fills counts with job counts grouped by column, which must be a
// trusted column name.
func countBy(ctx context.Context, tx *sql.Tx, column, ownerID string, counts map[string]int) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM jobs WHERE owner_id = ? GROUP BY `+column, ownerID)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		counts[key] = n
	}
	return rows.Err()
}
