package model

import (
	"encoding/json"
	"time"
)

// Job status constants.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final job state.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

// IsActive reports whether a job in status counts against the
// per-identity concurrency cap.
func IsActive(status string) bool {
	return status == StatusQueued || status == StatusRunning
}

// ValidStatus reports whether s is one of the known job statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Job is a unit of work submitted by an identity and executed by a provider.
type Job struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Provider       string          `json:"provider"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload"`
	Result         json.RawMessage `json:"result"`
	ErrorMessage   *string         `json:"error_message"`
	CostEstimate   float64         `json:"cost_estimate"`
	CostActual     *float64        `json:"cost_actual"`
	CreditsCharged float64         `json:"credits_charged"`
	Attempts       int             `json:"attempts"`
	DurationMS     *int64          `json:"duration_ms,omitempty"`
	IdempotencyKey string          `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// JobEvent is published whenever a job changes status.
type JobEvent struct {
	JobID        string    `json:"job_id"`
	Status       string    `json:"status"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	At           time.Time `json:"at"`
}
