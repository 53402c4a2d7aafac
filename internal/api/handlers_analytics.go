package api

import (
	"net/http"
	"time"
)

const costDateLayout = "2006-01-02"

// handleDailyCosts returns the cost rollup for one day (default today, UTC).
func (s *Server) handleDailyCosts(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC()
	if v := r.URL.Query().Get("date"); v != "" {
		parsed, err := time.Parse(costDateLayout, v)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_input", "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	costs, err := s.deps.Costs.Daily(r.Context(), day)
	if err != nil {
		writeFaultError(w, err)
		return
	}
	writeAPIResponse(w, http.StatusOK, costs, nil)
}

func (s *Server) handleCostRange(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse(costDateLayout, r.URL.Query().Get("from"))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_input", "from must be YYYY-MM-DD")
		return
	}
	to, err := time.Parse(costDateLayout, r.URL.Query().Get("to"))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_input", "to must be YYYY-MM-DD")
		return
	}
	if to.Before(from) {
		writeAPIError(w, http.StatusBadRequest, "invalid_input", "to must not precede from")
		return
	}

	costs, err := s.deps.Costs.Range(r.Context(), from, to)
	if err != nil {
		writeFaultError(w, err)
		return
	}
	writeAPIResponse(w, http.StatusOK, costs, nil)
}
