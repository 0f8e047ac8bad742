package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"snapfile-go/internal/codec"
	"snapfile-go/internal/job"
	"snapfile-go/internal/sniffer"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultProgressInterval = 100 * time.Millisecond
	DefaultEventBuffer      = 256
)

// Options configures an Engine. Workers is fixed for the Engine's lifetime.
type Options struct {
	Workers          int
	ProgressInterval time.Duration
	EventBuffer      int
	// Retention releases finished batches after this delay; 0 keeps them
	// until Release is called.
	Retention time.Duration
	Logger    *logrus.Logger
	// OnComplete runs in its own goroutine once every job of a batch is
	// terminal.
	OnComplete func(*Batch)
}

// Item is one file of a submission.
type Item struct {
	Name         string
	Data         []byte
	Quality      float64
	TargetFormat string
}

// BatchSubmission is an ordered set of items sharing one tier.
type BatchSubmission struct {
	Items []Item
	Tier  TierConfig
}

// Engine runs compression jobs on a fixed worker pool fed by a single FIFO
// queue shared by all batches.
type Engine struct {
	opts     Options
	logger   *logrus.Logger
	backends map[sniffer.Kind]codec.Backend
	store    *job.Store

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*job.Descriptor
	batches  map[string]*Batch
	claimSeq int64
	closed   bool

	wg          sync.WaitGroup
	backendOnce sync.Once
	backendErr  error
}

// New starts opts.Workers workers. Backends are indexed by Kind; a later
// backend replaces an earlier one of the same kind.
func New(opts Options, backends ...codec.Backend) (*Engine, error) {
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidConcurrency, opts.Workers)
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}

	e := &Engine{
		opts:     opts,
		logger:   opts.Logger,
		backends: make(map[sniffer.Kind]codec.Backend),
		store:    job.NewStore(),
		batches:  make(map[string]*Batch),
	}
	for _, b := range backends {
		if b != nil {
			e.backends[b.Kind()] = b
		}
	}
	e.cond = sync.NewCond(&e.mu)
	e.ctx, e.cancel = context.WithCancelCause(context.Background())

	e.wg.Add(opts.Workers)
	for i := 1; i <= opts.Workers; i++ {
		go e.worker(i)
	}
	e.logger.WithFields(logrus.Fields{
		"workers":  opts.Workers,
		"backends": len(e.backends),
	}).Info("Compression engine started")
	return e, nil
}

// Workers returns the pool size.
func (e *Engine) Workers() int { return e.opts.Workers }

// Submit admits a batch and queues its jobs. Admission is all-or-nothing:
// on error no job is created. Items whose content matches no known kind, or
// a kind without a backend, are created and fail immediately.
func (e *Engine) Submit(ctx context.Context, sub BatchSubmission) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tier := sub.Tier.clone()

	sigs := make([]sniffer.Signature, len(sub.Items))
	for i, it := range sub.Items {
		sigs[i] = sniffer.Detect(it.Data)
	}
	if err := tier.admit(sub.Items, sigs); err != nil {
		e.logger.WithFields(logrus.Fields{
			"tier":  tier.Name,
			"files": len(sub.Items),
		}).WithError(err).Warn("Batch rejected at admission")
		return nil, err
	}

	b := newBatch(e, uuid.NewString(), tier)
	for i, it := range sub.Items {
		d := job.New(uuid.NewString(), b.ID, it.Name, it.Data, sigs[i],
			codec.NormalizeQuality(it.Quality), it.TargetFormat)
		b.add(d)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.batches[b.ID] = b
	e.store.Add(b.jobs...)
	b.remaining = len(b.jobs)

	var queued int
	for _, d := range b.jobs {
		if _, ok := e.backends[d.Kind]; ok {
			e.queue = append(e.queue, d)
			queued++
			continue
		}
		reason := fmt.Errorf("no backend for kind %q", d.Kind)
		if d.Kind == sniffer.KindUnrecognized {
			reason = errors.New("content matches no supported format")
		}
		_ = d.Fail(codec.Unsupported("sniff", reason))
		b.hub.publish(stateEvent(d))
		e.settle(b)
	}
	if len(b.jobs) == 0 {
		b.complete()
	}
	e.mu.Unlock()
	e.cond.Broadcast()

	e.logger.WithFields(logrus.Fields{
		"batch_id": b.ID,
		"tier":     tier.Name,
		"files":    len(b.jobs),
		"queued":   queued,
	}).Info("Batch submitted")
	return b, nil
}

// Batch returns a live batch by ID.
func (e *Engine) Batch(id string) (*Batch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return b, nil
}

// Batches returns all live batches, oldest first.
func (e *Engine) Batches() []*Batch {
	e.mu.Lock()
	out := make([]*Batch, 0, len(e.batches))
	for _, b := range e.batches {
		out = append(out, b)
	}
	e.mu.Unlock()
	slices.SortFunc(out, func(a, b *Batch) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Job returns a snapshot of any live job.
func (e *Engine) Job(id string) (job.Snapshot, error) {
	d, err := e.store.Get(id)
	if err != nil {
		return job.Snapshot{}, err
	}
	return d.Snapshot(), nil
}

// QueueLen returns the number of jobs waiting for a worker.
func (e *Engine) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Release drops a finished batch and its jobs from memory.
func (e *Engine) Release(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.batches[id]
	if !ok {
		return ErrBatchNotFound
	}
	if b.remaining > 0 {
		return ErrBatchActive
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	delete(e.batches, id)
	ids := make([]string, len(b.jobs))
	for i, d := range b.jobs {
		ids[i] = d.ID
	}
	e.store.Remove(ids...)
	e.logger.WithField("batch_id", id).Debug("Batch released")
	return nil
}

// Close stops admission, cancels queued and running jobs, waits for the
// workers to drain and closes backends implementing io.Closer.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		queued := e.queue
		e.queue = nil
		for _, d := range queued {
			if d.Cancel() != nil {
				continue
			}
			b := e.batches[d.BatchID]
			b.hub.publish(stateEvent(d))
			e.settle(b)
		}
		e.logger.WithField("cancelled", len(queued)).Info("Compression engine closing")
	}
	e.mu.Unlock()
	e.cancel(ErrEngineClosed)
	e.cond.Broadcast()

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("drain workers: %w", ctx.Err())
	}

	e.backendOnce.Do(func() {
		var errs []error
		for kind, b := range e.backends {
			if c, ok := b.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, fmt.Errorf("close %s backend: %w", kind, err))
				}
			}
		}
		e.backendErr = errors.Join(errs...)
	})
	return e.backendErr
}

// settle records one more terminal job of b. Must be called with mu held.
func (e *Engine) settle(b *Batch) {
	b.remaining--
	if b.remaining == 0 {
		b.complete()
	}
}

func (e *Engine) worker(id int) {
	defer e.wg.Done()
	for {
		d, b, ctx, release := e.claim(id)
		if d == nil {
			return
		}
		b.hub.publish(stateEvent(d))
		e.process(ctx, d, b, id)
		release()

		b.hub.publish(stateEvent(d))
		e.mu.Lock()
		b.running--
		delete(b.cancels, d.ID)
		e.settle(b)
		e.mu.Unlock()
		e.cond.Broadcast()
	}
}

// claim blocks until a queued job can run. It takes the first job in queue
// order whose batch is below its concurrency limit, so jobs of one batch are
// claimed in submission order. It returns nil once the engine is closed.
func (e *Engine) claim(worker int) (*job.Descriptor, *Batch, context.Context, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
scan:
	for {
		if e.closed {
			return nil, nil, nil, nil
		}
		for i, d := range e.queue {
			b := e.batches[d.BatchID]
			if b.running >= b.limit(e.opts.Workers) {
				continue
			}
			e.queue = slices.Delete(e.queue, i, i+1)
			e.claimSeq++
			if err := d.Start(worker, e.claimSeq); err != nil {
				// Only reachable if the job left the queue state elsewhere.
				e.logger.WithField("job_id", d.ID).WithError(err).Error("Dropping unclaimable job")
				continue scan
			}
			ctx, cancel := context.WithCancelCause(e.ctx)
			stop := func() {}
			if t := b.Tier.PerJobTimeout; t > 0 {
				var stopTimer context.CancelFunc
				ctx, stopTimer = context.WithTimeoutCause(ctx, t, errJobTimeout)
				stop = stopTimer
			}
			b.running++
			b.cancels[d.ID] = cancel
			return d, b, ctx, func() {
				stop()
				cancel(nil)
			}
		}
		e.cond.Wait()
	}
}

func (e *Engine) process(ctx context.Context, d *job.Descriptor, b *Batch, worker int) {
	log := e.logger.WithFields(logrus.Fields{
		"batch_id": d.BatchID,
		"job_id":   d.ID,
		"kind":     d.Kind,
		"worker":   worker,
	})
	progress := codec.Throttle(func(p float64) {
		if v, ok := d.SetProgress(p); ok {
			ev := stateEvent(d)
			ev.Progress = v
			b.hub.publish(ev)
		}
	}, e.opts.ProgressInterval)
	params := codec.Params{
		JobID:        d.ID,
		Quality:      d.Quality,
		Format:       d.Format,
		TargetFormat: d.TargetFormat,
	}

	start := time.Now()
	out, err := e.invoke(ctx, e.backends[d.Kind], d, params, progress)
	elapsed := time.Since(start)

	// A backend that finished before noticing the deadline or a cancel keeps
	// its result.
	if ctx.Err() != nil && (err != nil || out == nil) {
		cause := context.Cause(ctx)
		if errors.Is(cause, errJobTimeout) {
			_ = d.Fail(codec.Exhausted("compress", fmt.Errorf("%w after %s", errJobTimeout, b.Tier.PerJobTimeout)))
			log.WithField("timeout", b.Tier.PerJobTimeout).Warn("Job timed out")
			return
		}
		_ = d.Cancel()
		log.WithField("cause", cause).Info("Job cancelled")
		return
	}
	if err != nil {
		_ = d.Fail(err)
		entry := log.WithError(err).WithField("duration", elapsed)
		if code, _ := codec.CodeOf(err); code == codec.InternalBackendFault || code == "" {
			sum := sha256.Sum256(d.SourceRef())
			entry.WithFields(logrus.Fields{
				"size":       d.Size(),
				"quality":    d.Quality,
				"format":     d.Format,
				"source_sha": hex.EncodeToString(sum[:]),
			}).Error("Backend fault")
			return
		}
		entry.Warn("Job failed")
		return
	}

	state, err := d.Complete(out)
	if err != nil {
		log.WithError(err).Error("Could not record job result")
		return
	}
	snap := d.Snapshot()
	log.WithFields(logrus.Fields{
		"state":         state,
		"original_size": snap.OriginalSize,
		"output_size":   snap.OutputSize,
		"duration":      elapsed,
	}).Info("Job finished")
}

// invoke calls the backend, converting a panic into an internal fault.
func (e *Engine) invoke(ctx context.Context, backend codec.Backend, d *job.Descriptor, p codec.Params, progress codec.ProgressFunc) (out *codec.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(logrus.Fields{
				"job_id": d.ID,
				"kind":   d.Kind,
				"stack":  string(debug.Stack()),
			}).Error("Backend panicked")
			out, err = nil, codec.Fault("compress", fmt.Errorf("backend panic: %v", r))
		}
	}()
	return backend.Compress(ctx, d.SourceRef(), p, progress)
}
