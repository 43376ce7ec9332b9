package model

import "time"

// Ledger entry types.
const (
	EntryGrant  = "grant"
	EntryCharge = "charge"
	EntryRefund = "refund"
)

// CreditBalance is the prepaid credit held by one identity.
type CreditBalance struct {
	OwnerID   string    `json:"owner_id"`
	Balance   float64   `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry records a single balance movement.
type LedgerEntry struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	EntryType    string    `json:"entry_type"`
	Amount       float64   `json:"amount"`
	BalanceAfter float64   `json:"balance_after"`
	JobID        string    `json:"job_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// DailyQuota holds per-identity daily counters and limits. LastResetDate
// is a UTC calendar date formatted as time.DateOnly.
type DailyQuota struct {
	OwnerID            string    `json:"owner_id"`
	LastResetDate      string    `json:"last_reset_date"`
	JobsSubmittedToday int       `json:"jobs_submitted_today"`
	CostSpentToday     float64   `json:"cost_spent_today"`
	DailyJobLimit      int       `json:"daily_job_limit"`
	DailyCostLimit     float64   `json:"daily_cost_limit"`
	UpdatedAt          time.Time `json:"updated_at"`
}
