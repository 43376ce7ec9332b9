package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/qgate/internal/admission"
	"github.com/seantiz/qgate/internal/estimate"
	"github.com/seantiz/qgate/internal/model"
	"github.com/seantiz/qgate/internal/store"
)

const (
	defaultListLimit = store.DefaultListLimit
	maxListLimit     = 100
	defaultMaxBody   = 1 << 20 // 1 MB
)

// submitJobRequest is the JSON body for POST /v1/jobs.
type submitJobRequest struct {
	Provider string          `json:"provider"`
	Payload  json.RawMessage `json:"payload"`
}

// submitJobResponse is returned for accepted and replayed submissions.
type submitJobResponse struct {
	Job              *model.Job         `json:"job"`
	Estimate         *estimate.Estimate `json:"estimate"`
	RemainingCredits *float64           `json:"remaining_credits,omitempty"`
}

// listJobsResponse is one page of jobs.
type listJobsResponse struct {
	Items      []*model.Job `json:"items"`
	NextCursor *string      `json:"next_cursor"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sub, err := s.admission.Submit(r.Context(), admission.Request{
		Identity:       identity(r),
		Provider:       req.Provider,
		Payload:        req.Payload,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeAdmissionError(w, err)
		return
	}

	resp := submitJobResponse{Job: sub.Job, Estimate: &sub.Estimate}
	status := http.StatusOK
	if !sub.Replayed {
		status = http.StatusAccepted
		resp.RemainingCredits = &sub.Balance
	}
	w.Header().Set("Location", "/v1/jobs/"+sub.Job.ID)
	s.writeJSON(w, status, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.jobs.GetOwnedJob(r.Context(), identity(r), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}

	status := q.Get("status")
	if status != "" && !model.ValidStatus(status) {
		s.writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(status))
		return
	}

	jobs, next, err := s.jobs.ListJobs(r.Context(), identity(r), store.JobFilter{
		Status:   status,
		Provider: q.Get("provider"),
		Cursor:   q.Get("cursor"),
		Limit:    limit,
	})
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}
	resp := listJobsResponse{Items: jobs}
	if next != "" {
		resp.NextCursor = &next
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.writeJSON(w, http.StatusOK, s.admission.EstimateCost(body, r.URL.Query().Get("provider")))
}

// admissionStatus maps rejection reasons to HTTP status codes.
var admissionStatus = map[string]int{
	admission.ReasonPayloadTooLarge:     http.StatusRequestEntityTooLarge,
	admission.ReasonInvalidPayload:      http.StatusBadRequest,
	admission.ReasonUnsupportedProvider: http.StatusBadRequest,
	admission.ReasonCostRejected:        http.StatusUnprocessableEntity,
	admission.ReasonRateLimited:         http.StatusTooManyRequests,
	admission.ReasonActiveJobLimit:      http.StatusTooManyRequests,
	admission.ReasonQuotaExceeded:       http.StatusForbidden,
	admission.ReasonInsufficientCredits: http.StatusPaymentRequired,
}

// admissionErrorResponse is the body for rejected submissions.
type admissionErrorResponse struct {
	Error      string `json:"error"`
	Kind       string `json:"kind"`
	Reason     string `json:"reason"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func (s *Server) writeAdmissionError(w http.ResponseWriter, err error) {
	ae, ok := admission.AsError(err)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}
	status, ok := admissionStatus[ae.Reason]
	if !ok {
		status = http.StatusBadRequest
	}
	if ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ae.RetryAfter))
	}
	s.writeJSON(w, status, admissionErrorResponse{
		Error:      ae.Err.Error(),
		Kind:       ae.Kind,
		Reason:     ae.Reason,
		RetryAfter: ae.RetryAfter,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
