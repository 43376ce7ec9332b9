package api

import (
	"net/http"

	"github.com/seantiz/qgate/internal/provider"
)

// providersResponse is the JSON response for GET /v1/providers.
type providersResponse struct {
	Providers           []provider.Info `json:"providers"`
	DefaultProvider     string          `json:"default_provider"`
	AllowOverride       bool            `json:"allow_override"`
	EnableRealExecution bool            `json:"enable_real_execution"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	policy := s.registry.Policy()
	s.writeJSON(w, http.StatusOK, providersResponse{
		Providers:           s.registry.List(),
		DefaultProvider:     policy.DefaultProvider,
		AllowOverride:       policy.AllowOverride,
		EnableRealExecution: policy.EnableRealExecution,
	})
}
