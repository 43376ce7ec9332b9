package api

import (
	"net/http"

	"github.com/seantiz/qgate/internal/model"
)

const accountLedgerLimit = 20

// accountResponse is the JSON response for GET /v1/account.
type accountResponse struct {
	Identity string              `json:"identity"`
	Balance  float64             `json:"balance"`
	Quota    *model.DailyQuota   `json:"quota"`
	Ledger   []model.LedgerEntry `json:"ledger"`
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	owner := identity(r)

	bal, err := s.ledger.GetOrCreate(r.Context(), owner)
	if err != nil {
		s.logger.Error("get balance", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get balance")
		return
	}
	usage, err := s.quota.Usage(r.Context(), owner)
	if err != nil {
		s.logger.Error("get quota usage", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get quota")
		return
	}
	entries, err := s.ledger.Entries(r.Context(), owner, accountLedgerLimit)
	if err != nil {
		s.logger.Error("list ledger entries", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get ledger")
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}

	s.writeJSON(w, http.StatusOK, accountResponse{
		Identity: owner,
		Balance:  bal.Balance,
		Quota:    usage,
		Ledger:   entries,
	})
}
