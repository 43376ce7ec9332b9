package api

import (
	"net/http"
)

// statsResponse summarizes the caller's jobs.
type statsResponse struct {
	Total         int            `json:"total"`
	Active        int            `json:"active"`
	ByStatus      map[string]int `json:"by_status"`
	ByProvider    map[string]int `json:"by_provider"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	owner := identity(r)

	stats, err := s.jobs.GetJobStats(r.Context(), owner)
	if err != nil {
		s.logger.Error("get job stats", "identity", owner, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	active, err := s.jobs.CountActiveJobs(r.Context(), owner)
	if err != nil {
		s.logger.Error("count active jobs", "identity", owner, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		Active:        active,
		ByStatus:      stats.CountByStatus,
		ByProvider:    stats.CountByProvider,
		AvgDurationMS: stats.AvgDurationMS,
	})
}
