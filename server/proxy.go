package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"pdfxml/models"
	"pdfxml/upload"
)

const (
	multipartMemory    = 32 << 20
	formOverhead       = 1 << 20
	defaultDisposition = "attachment; filename=output.xml"
)

// proxyConvert forwards a single PDF to the conversion API.
func (s *Server) proxyConvert(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+formOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile(upload.FieldFile)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "failed to read file")
		return
	}

	rate, err := upload.ParseExchangeRate(r.FormValue(upload.FieldExchangeRate))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	var label models.ReportLabel
	if raw := r.FormValue(upload.FieldPaymentReport); raw != "" {
		if label, err = models.ParseReportLabel(raw); err != nil {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	req := models.ConversionRequest{
		FileName:     header.Filename,
		Data:         data,
		ExchangeRate: rate,
		Report:       label,
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}

	if !s.configured(label) {
		s.log.Error().Bool("api_base_url", s.cfg.APIBaseURL != "").Bool("api_key", s.cfg.APIKey != "").
			Str("payment_report", string(label)).Msg("Conversion API is not configured")
		writeDetail(w, http.StatusInternalServerError, "server configuration invalid")
		return
	}

	resp, err := s.gateway.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) proxyStatus(w http.ResponseWriter, r *http.Request) {
	if !s.configured("") {
		writeDetail(w, http.StatusInternalServerError, "server configuration invalid")
		return
	}

	st, err := s.gateway.Status(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) proxyDownload(w http.ResponseWriter, r *http.Request) {
	if !s.configured("") {
		writeDetail(w, http.StatusInternalServerError, "server configuration invalid")
		return
	}

	res, err := s.gateway.Result(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	disposition := res.Disposition
	if disposition == "" {
		disposition = defaultDisposition
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Disposition", disposition)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

// configured reports whether the conversion API can be called, and when a
// label is given, whether it maps onto a vendor value.
func (s *Server) configured(label models.ReportLabel) bool {
	if !s.cfg.VendorConfigured() {
		return false
	}
	if label == "" {
		return true
	}
	_, err := s.gateway.ReportValue(label)
	return err == nil
}
