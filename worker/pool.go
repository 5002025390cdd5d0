package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"pdfxml/config"
)

// ErrQueueFull is returned by Enqueue when every queue slot is taken.
var ErrQueueFull = errors.New("conversion queue is full")

// Task is a unit of batch work: a Submit or Retry run of one batch.
type Task struct {
	BatchID string
	Kind    string
	Run     func(ctx context.Context)
}

// Pool runs tasks on a fixed number of workers. The number of workers bounds
// how many batches convert at the same time.
type Pool struct {
	tasks chan Task
	log   zerolog.Logger
}

func NewPool(cfg *config.Config, log zerolog.Logger) *Pool {
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	return &Pool{
		tasks: make(chan Task, size),
		log:   log,
	}
}

// Enqueue hands a task to the workers without blocking.
func (p *Pool) Enqueue(t Task) error {
	select {
	case p.tasks <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued tasks no worker has picked up yet.
func (p *Pool) Pending() int {
	return len(p.tasks)
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	log := p.log.With().Int("worker", workerID).Logger()
	log.Info().Msg("Starting")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down")
			return
		case t := <-p.tasks:
			p.process(ctx, log, t)
		}
	}
}

func (p *Pool) process(ctx context.Context, log zerolog.Logger, t Task) {
	log = log.With().Str("batch_id", t.BatchID).Str("task", t.Kind).Logger()
	log.Info().Msg("Processing batch")

	startTime := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Batch task panicked")
			return
		}
		log.Info().Dur("duration", time.Since(startTime)).Msg("Batch task finished")
	}()

	t.Run(ctx)
}
