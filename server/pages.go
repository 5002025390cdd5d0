package server

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"pdfxml/models"
	"pdfxml/upload"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

type loginView struct {
	Error string
}

type indexView struct {
	Email       string
	MaxFiles    int
	MaxSize     string
	Reports     []models.ReportLabel
	FileField   string
	RateField   string
	ReportField string
}

func (s *Server) indexPage(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFromContext(r.Context())
	s.render(w, "index.html", indexView{
		Email:       u.Email,
		MaxFiles:    s.limits.MaxFiles,
		MaxSize:     upload.FormatBytes(s.limits.MaxFileSize),
		Reports:     models.ReportLabels,
		FileField:   upload.FieldFile,
		RateField:   upload.FieldExchangeRate,
		ReportField: upload.FieldPaymentReport,
	})
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		s.log.Error().Err(err).Str("template", name).Msg("Failed to render page")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}
