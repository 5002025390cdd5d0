package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// JobStatus is the lifecycle state the conversion API reports for a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the job will not change state anymore.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// SubmitResponse is returned by the API when an asynchronous job is accepted.
type SubmitResponse struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type JobStatusResponse struct {
	JobID       string     `json:"job_id"`
	Status      JobStatus  `json:"status"`
	Filename    string     `json:"filename,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Progress    *float64   `json:"progress,omitempty"`
	Message     string     `json:"message,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// JobResult is the binary artifact of a completed job.
type JobResult struct {
	Data        []byte
	ContentType string
	// Disposition is the Content-Disposition header as sent by the API.
	Disposition string
	Filename    string
}

// ReportLabel is the user facing payment report category. The label itself
// is never sent to the conversion API, see services.Gateway.
type ReportLabel string

const (
	ReportKarta ReportLabel = "KARTA"
	ReportDjam  ReportLabel = "DJAM"
)

var ReportLabels = []ReportLabel{ReportKarta, ReportDjam}

func (l ReportLabel) Valid() bool {
	return l == ReportKarta || l == ReportDjam
}

// ParseReportLabel accepts a label in any case and surrounding whitespace.
func ParseReportLabel(s string) (ReportLabel, error) {
	l := ReportLabel(strings.ToUpper(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("invalid payment report %q (KARTA or DJAM required)", s)
	}
	return l, nil
}

// ConversionRequest is one file to convert along with its parameters.
type ConversionRequest struct {
	FileName     string
	Data         []byte
	ExchangeRate float64
	Report       ReportLabel
}

// Validate checks the request before it is sent anywhere.
func (r ConversionRequest) Validate() error {
	if len(r.Data) == 0 {
		return &ValidationError{Field: "file", Message: "no file provided"}
	}
	if r.ExchangeRate <= 0 || math.IsNaN(r.ExchangeRate) || math.IsInf(r.ExchangeRate, 0) {
		return &ValidationError{Field: "exchange_rate", Message: "exchange rate missing or invalid"}
	}
	if !r.Report.Valid() {
		return &ValidationError{Field: "payment_report", Message: "payment report missing (KARTA or DJAM required)"}
	}
	return nil
}
