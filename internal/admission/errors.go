package admission

import (
	"errors"
	"fmt"
)

// Error kinds.
const (
	KindValidation        = "validation"
	KindResourceExhausted = "resource_exhausted"
)

// Rejection reasons. Each is stable and machine-readable.
const (
	ReasonPayloadTooLarge     = "payload_too_large"
	ReasonInvalidPayload      = "invalid_payload"
	ReasonUnsupportedProvider = "unsupported_provider"
	ReasonCostRejected        = "cost_rejected"
	ReasonRateLimited         = "rate_limited"
	ReasonActiveJobLimit      = "active_job_limit"
	ReasonQuotaExceeded       = "quota_exceeded"
	ReasonInsufficientCredits = "insufficient_credits"
)

var (
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidPayload  = errors.New("payload must be a JSON object")
	ErrCostRejected    = errors.New("estimated cost exceeds per-job maximum")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrActiveJobLimit  = errors.New("too many active jobs")
)

// Error is returned for every rejected submission.
type Error struct {
	Kind   string
	Reason string
	// RetryAfter is a hint in seconds, set for rate limiting only.
	RetryAfter int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func reject(kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// AsError returns the admission error wrapped in err, if any.
func AsError(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
