// Package upload implements the server side of the upload surface: it turns
// a multipart form into file entries while enforcing the count, size and
// type constraints, and applies per-file parameter edits.
package upload

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"pdfxml/conversion"
	"pdfxml/models"
)

const (
	FieldFile          = "file"
	FieldExchangeRate  = "exchange_rate"
	FieldPaymentReport = "payment_report"

	pdfContentType = "application/pdf"
)

var pdfMagic = []byte("%PDF-")

type Limits struct {
	MaxFiles    int
	MaxFileSize int64
}

var DefaultLimits = Limits{MaxFiles: 5, MaxFileSize: 50 * 1024 * 1024}

// Entry is an uploaded file with the parameters the user attached to it.
type Entry struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Size         int64              `json:"size"`
	ContentType  string             `json:"content_type"`
	Data         []byte             `json:"-"`
	ExchangeRate float64            `json:"exchange_rate,omitempty"`
	Report       models.ReportLabel `json:"payment_report,omitempty"`
}

// File returns the entry as an orchestrator input.
func (e Entry) File() conversion.File {
	return conversion.File{
		ID: e.ID,
		ConversionRequest: models.ConversionRequest{
			FileName:     e.Name,
			Data:         e.Data,
			ExchangeRate: e.ExchangeRate,
			Report:       e.Report,
		},
	}
}

// Params is a partial edit of an entry's parameters.
type Params struct {
	ExchangeRate *float64            `json:"exchange_rate,omitempty"`
	Report       *models.ReportLabel `json:"payment_report,omitempty"`
}

// Apply returns a copy of e with the edit applied.
func (e Entry) Apply(p Params) Entry {
	if p.ExchangeRate != nil {
		e.ExchangeRate = *p.ExchangeRate
	}
	if p.Report != nil {
		e.Report = *p.Report
	}
	return e
}

// Validate checks a parameter edit. A zero rate or an empty label clears the
// parameter; anything else must be usable.
func (p Params) Validate() error {
	if p.ExchangeRate != nil && *p.ExchangeRate < 0 {
		return &models.ValidationError{Field: FieldExchangeRate, Message: "exchange rate must be positive"}
	}
	if p.Report != nil && *p.Report != "" && !p.Report.Valid() {
		return &models.ValidationError{Field: FieldPaymentReport, Message: "payment report must be KARTA or DJAM"}
	}
	return nil
}

// RejectedError lists every constraint an upload broke.
type RejectedError struct {
	Problems []string
}

func (e *RejectedError) Error() string {
	return strings.Join(e.Problems, "; ")
}

// ParseForm builds entries from the "file" parts of form. Parameter fields
// may be repeated once per file, in file order, or given once for all files.
func ParseForm(form *multipart.Form, limits Limits) ([]Entry, error) {
	headers := form.File[FieldFile]
	var problems []string

	if len(headers) == 0 {
		return nil, &RejectedError{Problems: []string{"no file provided"}}
	}
	if limits.MaxFiles > 0 && len(headers) > limits.MaxFiles {
		problems = append(problems, fmt.Sprintf("you can only upload a maximum of %d files", limits.MaxFiles))
	}

	rates, err := spread(form.Value[FieldExchangeRate], len(headers), FieldExchangeRate)
	if err != nil {
		problems = append(problems, err.Error())
	}
	reports, err := spread(form.Value[FieldPaymentReport], len(headers), FieldPaymentReport)
	if err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return nil, &RejectedError{Problems: problems}
	}

	entries := make([]Entry, 0, len(headers))
	for i, fh := range headers {
		entry, err := readEntry(fh, limits)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}

		if entry.ExchangeRate, err = ParseExchangeRate(rates[i]); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", entry.Name, err))
		}
		if reports[i] != "" {
			if entry.Report, err = models.ParseReportLabel(reports[i]); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", entry.Name, err))
			}
		}
		entries = append(entries, entry)
	}

	if len(problems) > 0 {
		return nil, &RejectedError{Problems: problems}
	}
	return entries, nil
}

// ParseExchangeRate accepts a decimal with either a dot or a comma. An empty
// value means the rate was not filled in.
func ParseExchangeRate(s string) (float64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid exchange rate %q", s)
	}
	return v, nil
}

// CheckFile enforces the size and type constraints on one file.
func CheckFile(name, contentType string, size int64, head []byte, limits Limits) error {
	if limits.MaxFileSize > 0 && size > limits.MaxFileSize {
		return fmt.Errorf("file %q exceeds the maximum size of %s", name, FormatBytes(limits.MaxFileSize))
	}
	isPDF := strings.EqualFold(filepath.Ext(name), ".pdf") || strings.HasPrefix(contentType, pdfContentType)
	if !isPDF {
		return fmt.Errorf("file %q is not an accepted file type", name)
	}
	if !bytes.HasPrefix(head, pdfMagic) {
		return fmt.Errorf("file %q is not a valid PDF", name)
	}
	return nil
}

func readEntry(fh *multipart.FileHeader, limits Limits) (Entry, error) {
	name := filepath.Base(fh.Filename)
	contentType := fh.Header.Get("Content-Type")

	if limits.MaxFileSize > 0 && fh.Size > limits.MaxFileSize {
		return Entry{}, CheckFile(name, contentType, fh.Size, nil, limits)
	}

	f, err := fh.Open()
	if err != nil {
		return Entry{}, fmt.Errorf("failed to open %q: %w", name, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to read %q: %w", name, err)
	}
	if err := CheckFile(name, contentType, int64(len(data)), data, limits); err != nil {
		return Entry{}, err
	}
	if contentType == "" {
		contentType = pdfContentType
	}

	return Entry{
		ID:          uuid.NewString(),
		Name:        name,
		Size:        int64(len(data)),
		ContentType: contentType,
		Data:        data,
	}, nil
}

// spread aligns a repeated form value with n files.
func spread(values []string, n int, field string) ([]string, error) {
	out := make([]string, n)
	switch len(values) {
	case 0:
	case 1:
		for i := range out {
			out[i] = values[0]
		}
	case n:
		copy(out, values)
	default:
		return nil, fmt.Errorf("%s given %d times for %d files", field, len(values), n)
	}
	return out, nil
}

// FormatBytes renders a size the way the upload page shows limits.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	units := []string{"KB", "MB", "GB", "TB"}
	v := float64(n) / unit
	i := 0
	for v >= unit && i < len(units)-1 {
		v /= unit
		i++
	}
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64) + " " + units[i]
}
