package conversion

import (
	"context"
	"errors"
	"fmt"

	"pdfxml/models"
)

// ErrPollTimeout is returned when a job is still running after the last
// allowed status poll.
var ErrPollTimeout = errors.New("conversion took too long (timeout)")

// JobError is a job that reached a terminal state other than completed.
type JobError struct {
	JobID   string
	Status  models.JobStatus
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s %s: %s", e.JobID, e.Status, e.Message)
}

// Describe turns any conversion error into the message stored on a record.
func Describe(err error) string {
	return describe(err, "an unknown error occurred")
}

func describe(err error, fallback string) string {
	var (
		verr   *models.ValidationError
		jobErr *JobError
		apiErr *models.APIError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return verr.Message
	case errors.As(err, &jobErr):
		return jobErr.Message
	case errors.Is(err, ErrPollTimeout):
		return ErrPollTimeout.Error()
	case errors.Is(err, models.ErrRequestTimeout):
		return "the request to the conversion service timed out"
	case errors.As(err, &apiErr):
		return apiErr.Message
	case errors.Is(err, context.Canceled):
		return "conversion cancelled"
	default:
		return fallback
	}
}

func attemptsLabel(n int) string {
	if n > 1 {
		return fmt.Sprintf("%d attempts", n)
	}
	return fmt.Sprintf("%d attempt", n)
}
