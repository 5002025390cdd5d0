package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"pdfxml/conversion"
	"pdfxml/models"
	"pdfxml/upload"
	"pdfxml/worker"
)

type fileView struct {
	upload.Entry
	Record *conversion.Record `json:"record,omitempty"`
}

type batchView struct {
	BatchID     string     `json:"batch_id"`
	CreatedAt   time.Time  `json:"created_at"`
	Converting  bool       `json:"converting"`
	Downloading bool       `json:"downloading"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	Files       []fileView `json:"files"`
}

func newBatchView(b *worker.Batch) batchView {
	snap := b.Orchestrator.Snapshot()
	view := batchView{
		BatchID:     b.ID,
		CreatedAt:   b.CreatedAt,
		Converting:  snap.Converting,
		Downloading: snap.Downloading,
		Succeeded:   snap.Succeeded,
		Failed:      snap.Failed,
	}
	for _, e := range b.Entries() {
		view.Files = append(view.Files, newFileView(e, snap.Records))
	}
	return view
}

func newFileView(e upload.Entry, records map[string]conversion.Record) fileView {
	v := fileView{Entry: e}
	if rec, ok := records[e.ID]; ok {
		v.Record = &rec
	}
	return v
}

type editRequest struct {
	ExchangeRate  *float64 `json:"exchange_rate"`
	PaymentReport *string  `json:"payment_report"`
}

type retryRequest struct {
	FileIDs []string `json:"file_ids"`
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, int64(s.limits.MaxFiles+1)*s.limits.MaxFileSize+formOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	entries, err := upload.ParseForm(r.MultipartForm, s.limits)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	b, err := s.registry.Create(u.ID, entries)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/batches/"+b.ID)
	writeJSON(w, http.StatusAccepted, newBatchView(b))
}

// batch resolves the batch of the URL for the current user, writing the
// error response when there is none.
func (s *Server) batch(w http.ResponseWriter, r *http.Request) (*worker.Batch, bool) {
	u, _ := UserFromContext(r.Context())
	b, err := s.registry.Get(u.ID, chi.URLParam(r, "batchID"))
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return b, true
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newBatchView(b))
}

func (s *Server) deleteBatch(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFromContext(r.Context())
	if err := s.registry.Delete(r.Context(), u.ID, chi.URLParam(r, "batchID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retryBatch(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFromContext(r.Context())

	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	batchID := chi.URLParam(r, "batchID")
	if err := s.registry.Retry(u.ID, batchID, req.FileIDs); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": batchID, "status": "queued"})
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batch(w, r)
	if !ok {
		return
	}
	fileID := chi.URLParam(r, "fileID")
	e, ok := b.Entry(fileID)
	if !ok {
		s.writeError(w, r, worker.ErrFileNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newFileView(e, b.Orchestrator.Snapshot().Records))
}

func (s *Server) editFile(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batch(w, r)
	if !ok {
		return
	}

	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	params := upload.Params{ExchangeRate: req.ExchangeRate}
	if req.PaymentReport != nil {
		label := models.ReportLabel("")
		if raw := strings.TrimSpace(*req.PaymentReport); raw != "" {
			var err error
			if label, err = models.ParseReportLabel(raw); err != nil {
				writeDetail(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		params.Report = &label
	}

	e, err := b.Edit(chi.URLParam(r, "fileID"), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newFileView(e, b.Orchestrator.Snapshot().Records))
}

func (s *Server) removeFile(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batch(w, r)
	if !ok {
		return
	}
	if err := b.Remove(chi.URLParam(r, "fileID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request) {
	s.deliverFile(w, r, func(rec conversion.Record) bool {
		return rec.Status == conversion.StatusSucceeded && rec.JobID != ""
	}, (*conversion.Orchestrator).DownloadOne)
}

func (s *Server) retryDownload(w http.ResponseWriter, r *http.Request) {
	s.deliverFile(w, r, func(rec conversion.Record) bool {
		return rec.Status == conversion.StatusFailed && rec.DownloadFailed && rec.JobID != ""
	}, (*conversion.Orchestrator).RetryDownload)
}

type downloadFunc func(o *conversion.Orchestrator, ctx context.Context, fileID string, saver conversion.Saver) error

func (s *Server) deliverFile(w http.ResponseWriter, r *http.Request, ready func(conversion.Record) bool, download downloadFunc) {
	b, ok := s.batch(w, r)
	if !ok {
		return
	}

	fileID := chi.URLParam(r, "fileID")
	rec, ok := b.Orchestrator.GetStatus(fileID)
	if !ok {
		s.writeError(w, r, worker.ErrFileNotFound)
		return
	}
	if !ready(rec) {
		writeDetail(w, http.StatusConflict, "file is not ready for download")
		return
	}

	saver, wrote := attachmentSaver(w)
	err := download(b.Orchestrator, r.Context(), fileID, saver)
	switch {
	case err != nil && *wrote:
		s.log.Warn().Err(err).Str("file_id", fileID).Msg("Download interrupted")
	case err != nil:
		s.writeError(w, r, err)
	case !*wrote:
		// another request claimed the file first
		writeDetail(w, http.StatusConflict, "file is not ready for download")
	}
}

func (s *Server) downloadArchive(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batch(w, r)
	if !ok {
		return
	}
	if b.Orchestrator.Snapshot().Succeeded == 0 {
		writeDetail(w, http.StatusConflict, "no converted files to download")
		return
	}

	if s.archives == nil {
		saver, wrote := attachmentSaver(w)
		if err := b.Orchestrator.DownloadAll(r.Context(), saver); err != nil {
			if *wrote {
				s.log.Warn().Err(err).Str("batch_id", b.ID).Msg("Archive download interrupted")
				return
			}
			s.writeError(w, r, err)
		}
		return
	}

	u, _ := UserFromContext(r.Context())
	var location string
	saver := conversion.SaverFunc(func(ctx context.Context, name, contentType string, data []byte) error {
		key := s.archives.ArchiveKey(u.ID, name)
		if err := s.archives.Upload(ctx, key, data, contentType); err != nil {
			return err
		}
		url, err := s.archives.PresignDownload(key, name, s.cfg.ArchiveURLTTL)
		if err != nil {
			return err
		}
		location = url
		return nil
	})
	if err := b.Orchestrator.DownloadAll(r.Context(), saver); err != nil {
		s.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}

// attachmentSaver streams a download to the client. The returned flag
// reports whether the response has started.
func attachmentSaver(w http.ResponseWriter) (conversion.Saver, *bool) {
	wrote := new(bool)
	return conversion.SaverFunc(func(ctx context.Context, name, contentType string, data []byte) error {
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		*wrote = true
		_, err := w.Write(data)
		return err
	}), wrote
}
