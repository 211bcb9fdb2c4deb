package httpapi

import (
	"net/http"

	"github.com/ent0n29/chorus/internal/observability"
)

func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	budgets := observability.BudgetsFor(s.settings.Current(), s.cfg.CompletionTimeout, s.cfg.ImageFetchTimeout)
	snap := s.metrics.LatencySnapshot(budgets)
	if r.URL.Query().Get("reset") == "1" {
		s.metrics.ResetLatency()
	}
	respondJSON(w, http.StatusOK, snap)
}
