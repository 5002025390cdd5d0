package server

import (
	"net/http"

	"pdfxml/conversion"
)

type historyView struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeDetail(w, http.StatusNotFound, "history is not enabled")
		return
	}

	u, _ := UserFromContext(r.Context())
	counts, err := s.history.CountByStatus(r.Context(), u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyView{
		Succeeded: counts[string(conversion.StatusSucceeded)],
		Failed:    counts[string(conversion.StatusFailed)],
	})
}
