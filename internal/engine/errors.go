package engine

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

var (
	// ErrInvalidConcurrency is returned by New when the pool cannot be built.
	ErrInvalidConcurrency = errors.New("worker count must be positive")
	// ErrEngineClosed is returned by Submit after Close and used as the
	// cancellation cause of jobs interrupted by Close.
	ErrEngineClosed = errors.New("engine closed")
	// ErrBatchNotFound is returned for an unknown or released batch.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrBatchActive is returned when releasing a batch with unfinished jobs.
	ErrBatchActive = errors.New("batch still has unfinished jobs")
	// ErrJobFinished is returned when cancelling a job in a terminal state.
	ErrJobFinished = errors.New("job already finished")
	// ErrJobCancelled is the cancellation cause of a caller-cancelled job.
	ErrJobCancelled = errors.New("job cancelled")

	errJobTimeout = errors.New("per-job timeout exceeded")
)

// Reason names why a batch was refused at admission.
type Reason string

const (
	FileTooLarge   Reason = "file_too_large"
	BatchTooLarge  Reason = "batch_too_large"
	KindNotAllowed Reason = "kind_not_allowed"
)

// AdmissionError rejects a whole batch before any job exists.
type AdmissionError struct {
	Reason Reason `json:"reason"`
	// Index and Name identify the offending item; Index is -1 for
	// batch-level reasons.
	Index  int    `json:"index"`
	Name   string `json:"name,omitempty"`
	Limit  int64  `json:"limit,omitempty"`
	Actual int64  `json:"actual,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

func (e *AdmissionError) Error() string {
	switch e.Reason {
	case FileTooLarge:
		return fmt.Sprintf("admission: %s: item %d (%q) is %s, limit %s", e.Reason, e.Index, e.Name,
			humanize.IBytes(uint64(e.Actual)), humanize.IBytes(uint64(e.Limit)))
	case BatchTooLarge:
		return fmt.Sprintf("admission: %s: %d files, limit %d", e.Reason, e.Actual, e.Limit)
	case KindNotAllowed:
		return fmt.Sprintf("admission: %s: item %d (%q) is %s", e.Reason, e.Index, e.Name, e.Kind)
	default:
		return fmt.Sprintf("admission: %s", e.Reason)
	}
}

// Is lets callers match on reason with errors.Is(err, &AdmissionError{Reason: r}).
func (e *AdmissionError) Is(target error) bool {
	t, ok := target.(*AdmissionError)
	return ok && t.Reason == e.Reason
}
