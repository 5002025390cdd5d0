package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"pdfxml/conversion"
	"pdfxml/services"
)

// batchObserver forwards the record changes of one batch to the sinks.
type batchObserver struct {
	batch *Batch
	sinks Sinks
	now   func() time.Time
	log   zerolog.Logger
}

func (o *batchObserver) RecordChanged(ctx context.Context, rec conversion.Record) {
	o.batch.touch(o.now())

	// Changes keep flowing after the run was cancelled; the sinks still need
	// to see them.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	log := o.log.With().Str("file_id", rec.FileID).Logger()

	if o.sinks.Status != nil {
		if err := o.sinks.Status.Publish(ctx, o.batch.ID, rec); err != nil {
			log.Warn().Err(err).Msg("Failed to publish status")
		}
	}

	if o.sinks.Audit == nil || (rec.Status != conversion.StatusSucceeded && rec.Status != conversion.StatusFailed) {
		return
	}

	outcome := services.ConversionOutcome{
		BatchID:  o.batch.ID,
		FileID:   rec.FileID,
		UserID:   o.batch.Owner,
		JobID:    rec.JobID,
		Status:   string(rec.Status),
		Attempts: rec.Attempts,
		Error:    rec.Error,
	}
	if e, ok := o.batch.Entry(rec.FileID); ok {
		outcome.FileName = e.Name
		outcome.ExchangeRate = e.ExchangeRate
		outcome.PaymentReport = string(e.Report)
	}
	if err := o.sinks.Audit.RecordOutcome(ctx, outcome); err != nil {
		log.Warn().Err(err).Msg("Failed to record outcome")
	}
}
