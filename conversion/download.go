package conversion

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"pdfxml/archive"
)

const archiveContentType = "application/zip"

// DownloadOne fetches the result of a succeeded file and hands it to saver.
// It does nothing for files that have not succeeded or are already being
// downloaded. A failed download marks the record failed without touching the
// conversion retry budget; the error is also returned.
func (o *Orchestrator) DownloadOne(ctx context.Context, fileID string, saver Saver) error {
	return o.download(ctx, fileID, saver, func(r Record) bool {
		return r.Status == StatusSucceeded
	})
}

// RetryDownload downloads again a file whose conversion completed but whose
// previous download failed. The job is not resubmitted.
func (o *Orchestrator) RetryDownload(ctx context.Context, fileID string, saver Saver) error {
	return o.download(ctx, fileID, saver, func(r Record) bool {
		return r.Status == StatusFailed && r.DownloadFailed
	})
}

func (o *Orchestrator) download(ctx context.Context, fileID string, saver Saver, eligible func(Record) bool) error {
	rec, gen, ok := o.claimDownload(fileID, eligible)
	if !ok {
		return nil
	}
	defer o.setDownloading(-1)
	o.notify(ctx, rec)

	log := o.log.With().Str("file_id", rec.FileID).Str("job_id", rec.JobID).Logger()

	err := o.fetchAndSave(ctx, rec, saver)
	if err != nil {
		msg := describe(err, "download failed")
		o.mutate(ctx, gen, rec.FileID, (*State).recount, func(r *Record) {
			r.Status = StatusFailed
			r.Error = msg
			r.DownloadFailed = true
		})
		log.Error().Err(err).Msg("Download failed")
		return err
	}

	o.mutate(ctx, gen, rec.FileID, (*State).recount, func(r *Record) {
		r.Status = StatusSucceeded
		r.Error = ""
		r.DownloadFailed = false
	})
	log.Debug().Msg("Download delivered")
	return nil
}

// claimDownload moves an eligible record to downloading and raises the
// Downloading flag in one step, so a file is fetched by one caller at a time.
// The counts are left alone until the download settles.
func (o *Orchestrator) claimDownload(fileID string, eligible func(Record) bool) (Record, uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, ok := o.state.Records[fileID]
	if !ok || rec.JobID == "" || !eligible(rec) {
		return Record{}, 0, false
	}

	rec.Status = StatusDownloading
	o.downloads++
	next := o.state.clone()
	next.Records[fileID] = rec
	next.Downloading = true
	o.state = next
	return rec, o.generation, true
}

func (o *Orchestrator) fetchAndSave(ctx context.Context, rec Record, saver Saver) error {
	res, err := o.client.Result(ctx, rec.JobID)
	if err != nil {
		return err
	}

	name := rec.OutputName
	if name == "" {
		name = res.Filename
	}
	if name == "" {
		name = fmt.Sprintf("asycuda-%s.xml", rec.JobID)
	}
	return saver.Save(ctx, name, res.ContentType, res.Data)
}

// DownloadAll bundles every succeeded file into one archive and hands it to
// saver. Results are fetched concurrently; archive entries follow the order
// the files were submitted in. Unlike the other batch operations it returns
// its error.
func (o *Orchestrator) DownloadAll(ctx context.Context, saver Saver) error {
	snap := o.Snapshot()

	var targets []Record
	for _, rec := range snap.Ordered() {
		if rec.Status == StatusSucceeded && rec.JobID != "" && rec.OutputName != "" {
			targets = append(targets, rec)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	o.setDownloading(+1)
	defer o.setDownloading(-1)

	files := make([]archive.File, len(targets))
	names := uniqueNames(targets)

	g, gctx := errgroup.WithContext(ctx)
	for i, rec := range targets {
		g.Go(func() error {
			res, err := o.client.Result(gctx, rec.JobID)
			if err != nil {
				return fmt.Errorf("failed to fetch %s: %w", rec.OutputName, err)
			}
			files[i] = archive.File{Name: names[i], Data: res.Data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.log.Error().Err(err).Int("files", len(targets)).Msg("Bulk download failed")
		return err
	}

	now := o.opts.Now()
	data, err := archive.Build(files, now)
	if err != nil {
		return fmt.Errorf("failed to build archive: %w", err)
	}

	if err := saver.Save(ctx, archive.Name(now), archiveContentType, data); err != nil {
		return fmt.Errorf("failed to save archive: %w", err)
	}

	o.log.Info().Int("files", len(targets)).Int("bytes", len(data)).Msg("Bulk download delivered")
	return nil
}

// setDownloading tracks overlapping downloads. The flag is applied to the
// current state whatever its generation.
func (o *Orchestrator) setDownloading(delta int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.downloads += delta
	next := o.state.clone()
	next.Downloading = o.downloads > 0
	o.state = next
}

// uniqueNames keeps archive entry names distinct: a second "a.xml" becomes
// "a (2).xml".
func uniqueNames(recs []Record) []string {
	seen := make(map[string]int, len(recs))
	out := make([]string, len(recs))
	for i, rec := range recs {
		name := rec.OutputName
		seen[name]++
		if n := seen[name]; n > 1 {
			ext := filepath.Ext(name)
			name = fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n, ext)
		}
		out[i] = name
	}
	return out
}
