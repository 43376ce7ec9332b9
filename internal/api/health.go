package api

import (
	"net/http"
)

type healthResponse struct {
	Status        string `json:"status"`
	RealExecution bool   `json:"real_execution"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		RealExecution: s.registry.Policy().EnableRealExecution,
	})
}
