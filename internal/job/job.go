package job

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"snapfile-go/internal/codec"
	"snapfile-go/internal/sniffer"
)

// State is the lifecycle position of a job.
type State string

const (
	StateQueued        State = "queued"
	StateRunning       State = "running"
	StateSucceeded     State = "succeeded"
	StateFailed        State = "failed"
	StateSkippedNoGain State = "skipped_no_gain"
	StateCancelled     State = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkippedNoGain, StateCancelled:
		return true
	default:
		return false
	}
}

var (
	// ErrInvalidTransition is returned for an edge the state machine forbids.
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrNoOutput is returned when output is requested from a job without one.
	ErrNoOutput = errors.New("job has no output")
)

// isValidTransition enforces the allowed job state machine edges.
func isValidTransition(from, to State) bool {
	switch from {
	case StateQueued:
		return to == StateRunning || to == StateCancelled || to == StateFailed
	case StateRunning:
		return to == StateSucceeded || to == StateFailed || to == StateSkippedNoGain || to == StateCancelled
	default:
		return false
	}
}

// Descriptor is the engine's record of one submitted file. Identity is the
// ID; Name is for display only. Kind and the source bytes never change after
// construction.
type Descriptor struct {
	ID           string
	BatchID      string
	Name         string
	Kind         sniffer.Kind
	Format       string
	MIME         string
	Quality      float64
	TargetFormat string

	source []byte

	mu       sync.RWMutex
	state    State
	progress float64
	output   *codec.Output
	err      error
	code     codec.Code
	claimSeq int64
	workerID int
	created  time.Time
	started  time.Time
	finished time.Time
}

// New creates a queued descriptor holding a private copy of src.
func New(id, batchID, name string, src []byte, sig sniffer.Signature, quality float64, target string) *Descriptor {
	return &Descriptor{
		ID:           id,
		BatchID:      batchID,
		Name:         name,
		Kind:         sig.Kind,
		Format:       sig.Format,
		MIME:         sig.MIME,
		Quality:      quality,
		TargetFormat: target,
		source:       append([]byte(nil), src...),
		state:        StateQueued,
		created:      time.Now().UTC(),
	}
}

// Size is the source size in bytes.
func (d *Descriptor) Size() int { return len(d.source) }

// SourceRef returns the source without copying. Callers must not modify it.
func (d *Descriptor) SourceRef() []byte { return d.source }

// Source returns a copy of the submitted bytes.
func (d *Descriptor) Source() []byte { return append([]byte(nil), d.source...) }

// State returns the current state.
func (d *Descriptor) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// transition must be called with mu held.
func (d *Descriptor) transition(to State) error {
	if !isValidTransition(d.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.state, to)
	}
	d.state = to
	if to.Terminal() {
		d.finished = time.Now().UTC()
	}
	return nil
}

// Start moves a queued job to running and records who claimed it.
func (d *Descriptor) Start(workerID int, claimSeq int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.transition(StateRunning); err != nil {
		return err
	}
	d.workerID = workerID
	d.claimSeq = claimSeq
	d.started = time.Now().UTC()
	return nil
}

// SetProgress records p if the job is running and p advances it. It reports
// the stored value and whether it changed.
func (d *Descriptor) SetProgress(p float64) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateRunning || p <= d.progress {
		return d.progress, false
	}
	d.progress = min(p, 1)
	return d.progress, true
}

// Complete finishes a running job with the backend output. Output that is
// not smaller than the source is discarded and the job ends as
// skipped_no_gain carrying a copy of the source.
func (d *Descriptor) Complete(out *codec.Output) (State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	to := StateSucceeded
	if out == nil || len(out.Data) >= len(d.source) {
		to = StateSkippedNoGain
		out = &codec.Output{Data: d.Source(), Format: d.Format, MIME: d.MIME}
	}
	if err := d.transition(to); err != nil {
		return d.state, err
	}
	d.output = out
	d.progress = 1
	return to, nil
}

// Fail moves the job to failed. Errors outside the codec taxonomy are
// recorded as internal backend faults.
func (d *Descriptor) Fail(err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.transition(StateFailed); err != nil {
		return err
	}
	if err == nil {
		err = errors.New("unknown failure")
	}
	d.code = codec.Classify("compress", err).Code
	d.err = err
	return nil
}

// Cancel moves a queued or running job to cancelled.
func (d *Descriptor) Cancel() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transition(StateCancelled)
}

// Output returns a copy of the output bytes together with format details.
func (d *Descriptor) Output() (codec.Output, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.output == nil {
		return codec.Output{}, ErrNoOutput
	}
	return codec.Output{
		Data:   append([]byte(nil), d.output.Data...),
		Format: d.output.Format,
		MIME:   d.output.MIME,
	}, nil
}

// Snapshot is a point-in-time copy of a descriptor without byte payloads.
type Snapshot struct {
	ID           string       `json:"id"`
	BatchID      string       `json:"batch_id"`
	Name         string       `json:"name"`
	OutputName   string       `json:"output_name,omitempty"`
	Kind         sniffer.Kind `json:"kind"`
	Format       string       `json:"format,omitempty"`
	OutputFormat string       `json:"output_format,omitempty"`
	Quality      float64      `json:"quality"`
	State        State        `json:"state"`
	Progress     float64      `json:"progress"`
	OriginalSize int64        `json:"original_size"`
	OutputSize   int64        `json:"output_size"`
	ErrCode      codec.Code   `json:"error_code,omitempty"`
	Error        string       `json:"error,omitempty"`
	ClaimSeq     int64        `json:"claim_seq,omitempty"`
	WorkerID     int          `json:"worker_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    time.Time    `json:"started_at,omitempty"`
	FinishedAt   time.Time    `json:"finished_at,omitempty"`
}

// Snapshot returns a consistent copy of the descriptor.
func (d *Descriptor) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := Snapshot{
		ID:           d.ID,
		BatchID:      d.BatchID,
		Name:         d.Name,
		Kind:         d.Kind,
		Format:       d.Format,
		Quality:      d.Quality,
		State:        d.state,
		Progress:     d.progress,
		OriginalSize: int64(len(d.source)),
		ErrCode:      d.code,
		ClaimSeq:     d.claimSeq,
		WorkerID:     d.workerID,
		CreatedAt:    d.created,
		StartedAt:    d.started,
		FinishedAt:   d.finished,
	}
	if d.output != nil {
		s.OutputSize = int64(len(d.output.Data))
		s.OutputFormat = d.output.Format
		s.OutputName = OutputName(d.Name, d.output.Format)
	}
	if d.err != nil {
		s.Error = d.err.Error()
	}
	return s
}

var extensions = map[string]string{
	"jpeg": ".jpg",
	"tiff": ".tif",
}

// OutputName replaces the extension of a display name with the one matching
// format. Names without a base get "file".
func OutputName(name, format string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if base == "." || base == "/" || base == "" {
		base = "file"
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" {
		base = "file"
	}
	ext, ok := extensions[format]
	if !ok {
		ext = "." + format
	}
	return base + ext
}
