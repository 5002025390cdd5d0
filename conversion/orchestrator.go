// Package conversion drives the per-file conversion lifecycle of a batch:
// submission, status polling, automatic retry, manual retry and downloads.
//
// All state lives in a single State value that is replaced as a whole on
// every change. Work that resumes after a network call or a delay applies
// its change to whatever state is current at that moment, and is dropped
// entirely when the orchestrator was reset in the meantime.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pdfxml/models"
)

const (
	progressSending  = 10
	progressAccepted = 30
	progressDone     = 100
)

type Options struct {
	PollInterval time.Duration
	MaxPolls     int
	// MaxAttempts counts the initial attempt, so 2 means one automatic retry.
	MaxAttempts int
	RetryDelay  time.Duration
	Now         func() time.Time
	Observer    Observer
	Logger      *zerolog.Logger
}

func DefaultOptions() Options {
	return Options{
		PollInterval: 2 * time.Second,
		MaxPolls:     60,
		MaxAttempts:  2,
		RetryDelay:   500 * time.Millisecond,
		Now:          time.Now,
	}
}

type Orchestrator struct {
	client Client
	opts   Options
	log    zerolog.Logger

	// runMu serializes Submit and Retry so that at most one file is
	// processing at any time.
	runMu sync.Mutex

	mu         sync.Mutex
	state      State
	generation uint64
	nextRun    uint64
	cancels    map[uint64]context.CancelFunc
	downloads  int
}

func New(client Client, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = def.MaxPolls
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	return &Orchestrator{
		client:  client,
		opts:    opts,
		log:     log,
		state:   State{Records: map[string]Record{}},
		cancels: map[uint64]context.CancelFunc{},
	}
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// GetStatus looks up the record of a file.
func (o *Orchestrator) GetStatus(fileID string) (Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.state.Records[fileID]
	return rec, ok
}

// Submit converts files one after the other, replacing any previous state.
// Per-file failures are recorded, never returned.
func (o *Orchestrator) Submit(ctx context.Context, files []File) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	o.run(ctx, files, false)
}

// Retry converts again those of files whose conversion failed. Files whose
// download failed keep their job and are left to RetryDownload. Records of
// other files are left untouched.
func (o *Orchestrator) Retry(ctx context.Context, files []File) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	current := o.Snapshot()
	retry := make([]File, 0, len(files))
	for _, f := range files {
		if rec, ok := current.Records[f.ID]; ok && rec.Status == StatusFailed && !rec.DownloadFailed {
			retry = append(retry, f)
		}
	}

	o.run(ctx, retry, true)
}

// Reset stops in-flight runs and forgets every record.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.generation++
	for _, cancel := range o.cancels {
		cancel()
	}
	o.state = State{Records: map[string]Record{}}
}

// Remove forgets the record of a single file unless it is busy.
func (o *Orchestrator) Remove(fileID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, ok := o.state.Records[fileID]
	if !ok || rec.Status == StatusProcessing || rec.Status == StatusDownloading {
		return false
	}

	next := o.state.clone()
	delete(next.Records, fileID)
	for i, id := range next.Order {
		if id == fileID {
			next.Order = append(next.Order[:i], next.Order[i+1:]...)
			break
		}
	}
	next.recount()
	o.state = next
	return true
}

func (o *Orchestrator) run(ctx context.Context, files []File, merge bool) {
	if len(files) == 0 {
		return
	}

	ctx, gen, done := o.begin(ctx, files, merge)
	defer done()

	for _, f := range files {
		if ctx.Err() != nil {
			break
		}
		if rec, ok := o.GetStatus(f.ID); !ok || rec.Status != StatusQueued {
			continue
		}
		o.convert(ctx, gen, f)
	}

	o.finish(ctx, gen, files, merge)
}

// begin publishes the initial records of a run and registers its
// cancellation with Reset.
func (o *Orchestrator) begin(ctx context.Context, files []File, merge bool) (context.Context, uint64, func()) {
	ctx, cancel := context.WithCancel(ctx)

	o.mu.Lock()
	gen := o.generation
	runID := o.nextRun
	o.nextRun++
	o.cancels[runID] = cancel

	next := State{Records: map[string]Record{}}
	if merge {
		next = o.state.clone()
	}
	next.Converting = true
	next.Downloading = o.downloads > 0

	for _, f := range files {
		rec := Record{
			FileID:     f.ID,
			Status:     StatusQueued,
			OutputName: OutputName(f.FileName),
		}
		if err := f.Validate(); err != nil {
			rec.Status = StatusFailed
			rec.Error = describe(err, err.Error())
		}
		if _, exists := next.Records[f.ID]; !exists {
			next.Order = append(next.Order, f.ID)
		}
		next.Records[f.ID] = rec
	}
	next.recount()
	o.state = next
	o.mu.Unlock()

	for _, f := range files {
		if rec, ok := o.GetStatus(f.ID); ok && rec.Status == StatusFailed {
			o.log.Warn().Str("file_id", f.ID).Str("error", rec.Error).Msg("Rejected file before submission")
			o.notify(ctx, rec)
		}
	}

	return ctx, gen, func() {
		o.mu.Lock()
		delete(o.cancels, runID)
		o.mu.Unlock()
		cancel()
	}
}

func (o *Orchestrator) finish(ctx context.Context, gen uint64, files []File, merge bool) {
	cancelled := ctx.Err() != nil
	var aborted []Record

	o.update(gen, func(s *State) {
		s.Converting = false
		if cancelled {
			for _, f := range files {
				rec, ok := s.Records[f.ID]
				if !ok || (rec.Status != StatusQueued && rec.Status != StatusProcessing) {
					continue
				}
				rec.Status = StatusFailed
				rec.Error = "conversion cancelled"
				s.Records[f.ID] = rec
				aborted = append(aborted, rec)
			}
		}
		if merge || cancelled {
			s.recount()
		}
	})

	for _, rec := range aborted {
		o.notify(context.WithoutCancel(ctx), rec)
	}
}

// convert runs the attempts for one file until it succeeds, fails for good,
// or the run is cancelled.
func (o *Orchestrator) convert(ctx context.Context, gen uint64, f File) {
	log := o.log.With().Str("file_id", f.ID).Str("file", f.FileName).Logger()

	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		o.mutate(ctx, gen, f.ID, nil, func(r *Record) {
			r.Status = StatusProcessing
			r.Attempts = attempt
			r.Progress = progressSending
			r.Error = ""
			r.DownloadFailed = false
		})

		jobID, err := o.attempt(ctx, gen, f)
		if err == nil {
			o.mutate(ctx, gen, f.ID, func(s *State) { s.Succeeded++ }, func(r *Record) {
				r.Status = StatusSucceeded
				r.Progress = progressDone
				r.JobID = jobID
			})
			log.Info().Str("job_id", jobID).Int("attempt", attempt).Msg("Conversion completed")
			return
		}

		if ctx.Err() != nil {
			return
		}

		var verr *models.ValidationError
		if attempt >= o.opts.MaxAttempts || errors.As(err, &verr) {
			msg := fmt.Sprintf("%s (%s)", Describe(err), attemptsLabel(attempt))
			o.mutate(ctx, gen, f.ID, func(s *State) { s.Failed++ }, func(r *Record) {
				r.Status = StatusFailed
				r.Error = msg
			})
			log.Error().Err(err).Int("attempt", attempt).Msg("Conversion failed")
			return
		}

		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", o.opts.RetryDelay).Msg("Conversion attempt failed, retrying")
		if !sleep(ctx, o.opts.RetryDelay) {
			return
		}
	}
}

// attempt submits the file once and polls the job until it is terminal or
// the poll budget is spent.
func (o *Orchestrator) attempt(ctx context.Context, gen uint64, f File) (string, error) {
	resp, err := o.client.Submit(ctx, f.ConversionRequest)
	if err != nil {
		return "", err
	}

	jobID := resp.JobID
	o.mutate(ctx, gen, f.ID, nil, func(r *Record) {
		r.JobID = jobID
		r.Progress = progressAccepted
	})

	status := resp.Status
	reason := resp.Message
	for polls := 0; !status.Terminal(); polls++ {
		if polls >= o.opts.MaxPolls {
			return "", fmt.Errorf("job %s still %s after %d polls: %w", jobID, status, polls, ErrPollTimeout)
		}
		if !sleep(ctx, o.opts.PollInterval) {
			return "", ctx.Err()
		}

		st, err := o.client.Status(ctx, jobID)
		if err != nil {
			return "", err
		}
		status = st.Status
		reason = st.Error
		if st.Progress != nil {
			progress := scaleProgress(*st.Progress)
			o.mutate(ctx, gen, f.ID, nil, func(r *Record) { r.Progress = progress })
		}
	}

	switch status {
	case models.JobCompleted:
		return jobID, nil
	case models.JobCancelled:
		return "", &JobError{JobID: jobID, Status: status, Message: "conversion was cancelled"}
	default:
		if reason == "" {
			reason = "conversion failed"
		}
		return "", &JobError{JobID: jobID, Status: status, Message: reason}
	}
}

// scaleProgress maps a remote percentage onto the [30,100] range.
func scaleProgress(p float64) int {
	if math.IsNaN(p) {
		p = 0
	}
	p = math.Max(0, math.Min(100, p))
	return progressAccepted + int(math.Round(p*float64(progressDone-progressAccepted)/100))
}

// update replaces the state with fn applied to a copy of it. It does nothing
// when gen is no longer the current generation.
func (o *Orchestrator) update(gen uint64, fn func(s *State)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if gen != o.generation {
		return false
	}
	next := o.state.clone()
	fn(&next)
	o.state = next
	return true
}

// mutate changes one record, and optionally the batch counters, then tells
// the observer.
func (o *Orchestrator) mutate(ctx context.Context, gen uint64, fileID string, batch func(s *State), fn func(r *Record)) {
	var rec Record
	found := false
	ok := o.update(gen, func(s *State) {
		r, exists := s.Records[fileID]
		if !exists {
			return
		}
		fn(&r)
		s.Records[fileID] = r
		if batch != nil {
			batch(s)
		}
		rec, found = r, true
	})
	if ok && found {
		o.notify(ctx, rec)
	}
}

func (o *Orchestrator) notify(ctx context.Context, rec Record) {
	if o.opts.Observer != nil {
		o.opts.Observer.RecordChanged(ctx, rec)
	}
}

func (o *Orchestrator) currentGeneration() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generation
}

// sleep waits for d and reports false when ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
