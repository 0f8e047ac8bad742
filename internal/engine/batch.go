package engine

import (
	"context"
	"errors"
	"slices"
	"time"

	"snapfile-go/internal/codec"
	"snapfile-go/internal/job"
	"snapfile-go/internal/statistics"

	"github.com/sirupsen/logrus"
)

// Batch is the caller's handle on a submitted batch.
type Batch struct {
	ID        string
	Tier      TierConfig
	CreatedAt time.Time

	engine *Engine
	jobs   []*job.Descriptor
	index  map[string]*job.Descriptor
	hub    *hub
	done   chan struct{}

	// Guarded by engine.mu.
	running    int
	remaining  int
	cancels    map[string]context.CancelCauseFunc
	finishedAt time.Time
	timer      *time.Timer
}

func newBatch(e *Engine, id string, tier TierConfig) *Batch {
	return &Batch{
		ID:        id,
		Tier:      tier,
		CreatedAt: time.Now().UTC(),
		engine:    e,
		index:     make(map[string]*job.Descriptor),
		hub:       newHub(e.opts.EventBuffer),
		done:      make(chan struct{}),
		cancels:   make(map[string]context.CancelCauseFunc),
	}
}

func (b *Batch) add(d *job.Descriptor) {
	b.jobs = append(b.jobs, d)
	b.index[d.ID] = d
}

func (b *Batch) limit(workers int) int {
	if b.Tier.MaxConcurrency <= 0 || b.Tier.MaxConcurrency > workers {
		return workers
	}
	return b.Tier.MaxConcurrency
}

// complete must be called with engine.mu held.
func (b *Batch) complete() {
	b.finishedAt = time.Now().UTC()
	close(b.done)
	b.hub.close()

	e := b.engine
	if e.opts.Retention > 0 {
		id := b.ID
		b.timer = time.AfterFunc(e.opts.Retention, func() {
			if err := e.Release(id); err != nil && !errors.Is(err, ErrBatchNotFound) {
				e.logger.WithField("batch_id", id).WithError(err).Warn("Retention release failed")
			}
		})
	}
	if e.opts.OnComplete != nil {
		go e.opts.OnComplete(b)
	}
	go func() {
		s := b.Summary()
		e.logger.WithFields(logrus.Fields{
			"batch_id":  b.ID,
			"succeeded": s.Succeeded,
			"skipped":   s.Skipped,
			"failed":    s.Failed,
			"cancelled": s.Cancelled,
			"saved":     s.SavedBytes,
		}).Info("Batch finished")
	}()
}

func (b *Batch) lookup(jobID string) (*job.Descriptor, error) {
	d, ok := b.index[jobID]
	if !ok {
		return nil, job.ErrNotFound
	}
	return d, nil
}

// Len returns the number of jobs in the batch.
func (b *Batch) Len() int { return len(b.jobs) }

// Jobs returns snapshots in submission order.
func (b *Batch) Jobs() []job.Snapshot {
	out := make([]job.Snapshot, len(b.jobs))
	for i, d := range b.jobs {
		out[i] = d.Snapshot()
	}
	return out
}

// Job returns one job's snapshot.
func (b *Batch) Job(jobID string) (job.Snapshot, error) {
	d, err := b.lookup(jobID)
	if err != nil {
		return job.Snapshot{}, err
	}
	return d.Snapshot(), nil
}

// Summary aggregates the current job snapshots.
func (b *Batch) Summary() statistics.BatchSummary {
	return statistics.Summarize(b.Jobs())
}

// Output returns a copy of a finished job's output.
func (b *Batch) Output(jobID string) (codec.Output, error) {
	d, err := b.lookup(jobID)
	if err != nil {
		return codec.Output{}, err
	}
	return d.Output()
}

// Source returns a copy of a job's submitted bytes, kept available for
// retrying failed or cancelled jobs with other settings.
func (b *Batch) Source(jobID string) ([]byte, error) {
	d, err := b.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return d.Source(), nil
}

// Subscribe streams job events until the batch finishes or the returned
// func is called. Slow readers lose the oldest buffered events.
func (b *Batch) Subscribe() (<-chan Event, func()) {
	return b.hub.subscribe()
}

// Cancel stops one job. A queued job is cancelled before Cancel returns; a
// running job is interrupted and reaches cancelled once its backend returns.
func (b *Batch) Cancel(jobID string) error {
	d, err := b.lookup(jobID)
	if err != nil {
		return err
	}
	e := b.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	switch d.State() {
	case job.StateQueued:
		e.queue = slices.DeleteFunc(e.queue, func(q *job.Descriptor) bool { return q == d })
		if err := d.Cancel(); err != nil {
			return err
		}
		b.hub.publish(stateEvent(d))
		e.settle(b)
		return nil
	case job.StateRunning:
		if cancel, ok := b.cancels[d.ID]; ok {
			cancel(ErrJobCancelled)
		}
		return nil
	default:
		return ErrJobFinished
	}
}

// CancelAll cancels every unfinished job.
func (b *Batch) CancelAll() {
	for _, d := range b.jobs {
		_ = b.Cancel(d.ID)
	}
}

// Done is closed once every job is terminal.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Wait blocks until the batch finishes or ctx is done.
func (b *Batch) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FinishedAt returns when the last job ended, or zero while running.
func (b *Batch) FinishedAt() time.Time {
	b.engine.mu.Lock()
	defer b.engine.mu.Unlock()
	return b.finishedAt
}
