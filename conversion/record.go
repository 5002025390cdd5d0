package conversion

import (
	"context"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"pdfxml/models"
)

// Status is the lifecycle state of one file in a batch.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusProcessing  Status = "processing"
	StatusDownloading Status = "downloading"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
)

// Record tracks the conversion of one file. Records are values: every change
// produces a new Record stored in a new map.
type Record struct {
	FileID     string `json:"file_id"`
	Status     Status `json:"status"`
	Progress   int    `json:"progress"`
	JobID      string `json:"job_id,omitempty"`
	OutputName string `json:"output_name,omitempty"`
	Error      string `json:"error,omitempty"`
	Attempts   int    `json:"attempts"`
	// DownloadFailed marks a failure that happened while fetching the result
	// of a job that did complete. RetryDownload only accepts such records.
	DownloadFailed bool `json:"download_failed,omitempty"`
}

// State is a read-only view of an orchestrator.
type State struct {
	Converting  bool              `json:"converting"`
	Downloading bool              `json:"downloading"`
	Records     map[string]Record `json:"-"`
	Order       []string          `json:"-"`
	Succeeded   int               `json:"succeeded"`
	Failed      int               `json:"failed"`
}

// Ordered returns the records in the order their files were submitted.
func (s State) Ordered() []Record {
	out := make([]Record, 0, len(s.Order))
	for _, id := range s.Order {
		if rec, ok := s.Records[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

func (s State) clone() State {
	s.Records = maps.Clone(s.Records)
	if s.Records == nil {
		s.Records = map[string]Record{}
	}
	s.Order = slices.Clone(s.Order)
	return s
}

// recount derives the counts from the records. A file being downloaded keeps
// counting as it did before the download started.
func (s *State) recount() {
	s.Succeeded, s.Failed = 0, 0
	for _, rec := range s.Records {
		switch {
		case rec.Status == StatusSucceeded:
			s.Succeeded++
		case rec.Status == StatusFailed:
			s.Failed++
		case rec.Status == StatusDownloading && rec.DownloadFailed:
			s.Failed++
		case rec.Status == StatusDownloading:
			s.Succeeded++
		}
	}
}

// File is one input of a batch.
type File struct {
	ID string
	models.ConversionRequest
}

// Client is the conversion API.
type Client interface {
	Submit(ctx context.Context, req models.ConversionRequest) (*models.SubmitResponse, error)
	Status(ctx context.Context, jobID string) (*models.JobStatusResponse, error)
	Result(ctx context.Context, jobID string) (*models.JobResult, error)
}

// Saver delivers a downloaded file to the user.
type Saver interface {
	Save(ctx context.Context, name, contentType string, data []byte) error
}

type SaverFunc func(ctx context.Context, name, contentType string, data []byte) error

func (f SaverFunc) Save(ctx context.Context, name, contentType string, data []byte) error {
	return f(ctx, name, contentType, data)
}

// Observer is told about every published record change.
type Observer interface {
	RecordChanged(ctx context.Context, rec Record)
}

// OutputName derives the XML file name from an uploaded PDF name.
func OutputName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == "/" {
		return "output.xml"
	}
	ext := filepath.Ext(name)
	if strings.EqualFold(ext, ".pdf") {
		name = strings.TrimSuffix(name, ext)
	}
	return name + ".xml"
}
