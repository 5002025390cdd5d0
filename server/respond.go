package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"pdfxml/models"
	"pdfxml/upload"
	"pdfxml/worker"
)

type errorResponse struct {
	Detail string   `json:"detail"`
	Errors []string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// forwardAPIError replays an error response of the conversion API with its
// own status code and body.
func forwardAPIError(w http.ResponseWriter, apiErr *models.APIError) {
	if len(apiErr.Body) == 0 {
		writeDetail(w, apiErr.StatusCode, apiErr.Message)
		return
	}
	if json.Valid(apiErr.Body) {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(apiErr.StatusCode)
	_, _ = w.Write(apiErr.Body)
}

// writeError maps an error onto a response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		apiErr   *models.APIError
		verr     *models.ValidationError
		rejected *upload.RejectedError
	)
	switch {
	case errors.As(err, &apiErr):
		forwardAPIError(w, apiErr)
	case errors.As(err, &verr):
		writeDetail(w, http.StatusBadRequest, verr.Message)
	case errors.As(err, &rejected):
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: rejected.Error(), Errors: rejected.Problems})
	case errors.Is(err, worker.ErrBatchNotFound), errors.Is(err, worker.ErrFileNotFound):
		writeDetail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, worker.ErrBatchBusy):
		writeDetail(w, http.StatusConflict, err.Error())
	case errors.Is(err, worker.ErrQueueFull):
		writeDetail(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, models.ErrRequestTimeout):
		writeDetail(w, http.StatusGatewayTimeout, "the request to the conversion service timed out")
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		writeDetail(w, http.StatusInternalServerError, "internal server error")
	}
}
