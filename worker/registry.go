package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pdfxml/config"
	"pdfxml/conversion"
	"pdfxml/services"
	"pdfxml/upload"
)

var (
	ErrBatchNotFound = errors.New("batch not found")
	ErrFileNotFound  = errors.New("file not found")
	ErrBatchBusy     = errors.New("batch is busy")
)

const sinkTimeout = 5 * time.Second

// StatusPublisher mirrors record changes outside the process.
type StatusPublisher interface {
	Publish(ctx context.Context, batchID string, rec conversion.Record) error
	Delete(ctx context.Context, batchID string) error
}

// OutcomeRecorder keeps an audit trail of finished conversions.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, o services.ConversionOutcome) error
}

// Sinks are the optional destinations of record changes. Nil fields are
// skipped.
type Sinks struct {
	Status StatusPublisher
	Audit  OutcomeRecorder
}

// Batch is one upload of a user together with the orchestrator converting it.
type Batch struct {
	ID           string
	Owner        string
	CreatedAt    time.Time
	Orchestrator *conversion.Orchestrator

	mu      sync.Mutex
	entries map[string]upload.Entry
	order   []string
	touched time.Time
}

// Entries returns the entries in upload order.
func (b *Batch) Entries() []upload.Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]upload.Entry, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.entries[id])
	}
	return out
}

func (b *Batch) Entry(fileID string) (upload.Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[fileID]
	return e, ok
}

// Files returns the orchestrator inputs of the given entries, or of every
// entry when no id is given. Unknown ids are ignored.
func (b *Batch) Files(fileIDs ...string) []conversion.File {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := b.order
	if len(fileIDs) > 0 {
		ids = fileIDs
	}
	out := make([]conversion.File, 0, len(ids))
	for _, id := range ids {
		if e, ok := b.entries[id]; ok {
			out = append(out, e.File())
		}
	}
	return out
}

// Edit changes the parameters of an entry. The new values are used by the
// next retry of the file.
func (b *Batch) Edit(fileID string, p upload.Params) (upload.Entry, error) {
	if err := p.Validate(); err != nil {
		return upload.Entry{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[fileID]
	if !ok {
		return upload.Entry{}, ErrFileNotFound
	}
	e = e.Apply(p)
	b.entries[fileID] = e
	return e, nil
}

// Remove drops an entry and its record. It refuses while the batch is
// converting or the file is being downloaded.
func (b *Batch) Remove(fileID string) error {
	if _, ok := b.Entry(fileID); !ok {
		return ErrFileNotFound
	}
	if b.Orchestrator.Snapshot().Converting {
		return ErrBatchBusy
	}
	if _, ok := b.Orchestrator.GetStatus(fileID); ok && !b.Orchestrator.Remove(fileID) {
		return ErrBatchBusy
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.entries, fileID)
	for i, id := range b.order {
		if id == fileID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

func (b *Batch) touch(now time.Time) {
	b.mu.Lock()
	b.touched = now
	b.mu.Unlock()
}

func (b *Batch) idleSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.touched
}

// Registry owns the live batches of every user.
type Registry struct {
	cfg    *config.Config
	client conversion.Client
	pool   *Pool
	sinks  Sinks
	log    zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	batches map[string]*Batch
}

func NewRegistry(cfg *config.Config, client conversion.Client, pool *Pool, sinks Sinks, log zerolog.Logger) *Registry {
	return &Registry{
		cfg:     cfg,
		client:  client,
		pool:    pool,
		sinks:   sinks,
		log:     log,
		now:     time.Now,
		batches: map[string]*Batch{},
	}
}

// Create registers a batch for owner and queues its conversion.
func (r *Registry) Create(owner string, entries []upload.Entry) (*Batch, error) {
	now := r.now()
	b := &Batch{
		ID:        uuid.NewString(),
		Owner:     owner,
		CreatedAt: now,
		entries:   make(map[string]upload.Entry, len(entries)),
		order:     make([]string, 0, len(entries)),
		touched:   now,
	}
	for _, e := range entries {
		b.entries[e.ID] = e
		b.order = append(b.order, e.ID)
	}

	log := r.log.With().Str("batch_id", b.ID).Logger()
	b.Orchestrator = conversion.New(r.client, conversion.Options{
		PollInterval: r.cfg.PollInterval,
		MaxPolls:     r.cfg.MaxPolls,
		MaxAttempts:  r.cfg.MaxAttempts,
		RetryDelay:   r.cfg.RetryDelay,
		Now:          r.now,
		Observer:     &batchObserver{batch: b, sinks: r.sinks, now: r.now, log: log},
		Logger:       &log,
	})

	r.mu.Lock()
	r.batches[b.ID] = b
	r.mu.Unlock()

	err := r.pool.Enqueue(Task{BatchID: b.ID, Kind: "submit", Run: func(ctx context.Context) {
		b.Orchestrator.Submit(ctx, b.Files())
	}})
	if err != nil {
		r.mu.Lock()
		delete(r.batches, b.ID)
		r.mu.Unlock()
		return nil, err
	}

	log.Info().Str("owner", owner).Int("files", len(entries)).Msg("Batch queued")
	return b, nil
}

// Get returns the batch when it exists and belongs to owner.
func (r *Registry) Get(owner, batchID string) (*Batch, error) {
	r.mu.RLock()
	b, ok := r.batches[batchID]
	r.mu.RUnlock()

	if !ok || b.Owner != owner {
		return nil, ErrBatchNotFound
	}
	b.touch(r.now())
	return b, nil
}

// Retry queues a new conversion of the files of a batch whose conversion failed,
// limited to fileIDs when any are given.
func (r *Registry) Retry(owner, batchID string, fileIDs []string) error {
	b, err := r.Get(owner, batchID)
	if err != nil {
		return err
	}
	for _, id := range fileIDs {
		if _, ok := b.Entry(id); !ok {
			return fmt.Errorf("%w: %s", ErrFileNotFound, id)
		}
	}

	return r.pool.Enqueue(Task{BatchID: b.ID, Kind: "retry", Run: func(ctx context.Context) {
		b.Orchestrator.Retry(ctx, b.Files(fileIDs...))
	}})
}

// Delete resets a batch and forgets it.
func (r *Registry) Delete(ctx context.Context, owner, batchID string) error {
	b, err := r.Get(owner, batchID)
	if err != nil {
		return err
	}
	r.evict(ctx, b)
	return nil
}

// Len returns the number of live batches.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.batches)
}

func (r *Registry) evict(ctx context.Context, b *Batch) {
	b.Orchestrator.Reset()

	r.mu.Lock()
	delete(r.batches, b.ID)
	r.mu.Unlock()

	if r.sinks.Status != nil {
		if err := r.sinks.Status.Delete(ctx, b.ID); err != nil {
			r.log.Warn().Err(err).Str("batch_id", b.ID).Msg("Failed to delete status mirror")
		}
	}
}

// SweepLoop evicts idle batches until ctx ends.
func (r *Registry) SweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info().Dur("idle_timeout", r.cfg.BatchIdleTimeout).Msg("Starting idle batch sweeper")

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Sweeper shutting down")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep resets and forgets every batch untouched for longer than the idle
// timeout. Batches that are converting or downloading are kept.
func (r *Registry) Sweep(ctx context.Context) int {
	cutoff := r.now().Add(-r.cfg.BatchIdleTimeout)

	r.mu.RLock()
	var stale []*Batch
	for _, b := range r.batches {
		if !b.idleSince().Before(cutoff) {
			continue
		}
		snap := b.Orchestrator.Snapshot()
		if snap.Converting || snap.Downloading {
			continue
		}
		stale = append(stale, b)
	}
	r.mu.RUnlock()

	for _, b := range stale {
		r.evict(ctx, b)
	}
	if len(stale) > 0 {
		r.log.Info().Int("evicted", len(stale)).Msg("Swept idle batches")
	}
	return len(stale)
}
