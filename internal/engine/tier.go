package engine

import (
	"slices"
	"time"

	"snapfile-go/internal/sniffer"
)

// TierConfig holds the per-batch limits. It is copied at submission so later
// changes never affect a batch in flight.
type TierConfig struct {
	Name             string         `json:"name"`
	MaxFileSizeBytes int64          `json:"max_file_size_bytes"`
	MaxBatchCount    int            `json:"max_batch_count"`
	MaxConcurrency   int            `json:"max_concurrency"`
	AllowedKinds     []sniffer.Kind `json:"allowed_kinds"`
	PerJobTimeout    time.Duration  `json:"per_job_timeout"`
}

// Allows reports whether jobs of kind k may run. An empty list allows every
// recognized kind.
func (t TierConfig) Allows(k sniffer.Kind) bool {
	return len(t.AllowedKinds) == 0 || slices.Contains(t.AllowedKinds, k)
}

func (t TierConfig) clone() TierConfig {
	t.AllowedKinds = slices.Clone(t.AllowedKinds)
	return t
}

// admit validates a submission against t. Items are checked in order and
// the first violation wins; batch length is checked first.
func (t TierConfig) admit(items []Item, sigs []sniffer.Signature) error {
	if t.MaxBatchCount > 0 && len(items) > t.MaxBatchCount {
		return &AdmissionError{
			Reason: BatchTooLarge,
			Index:  -1,
			Limit:  int64(t.MaxBatchCount),
			Actual: int64(len(items)),
		}
	}
	for i, it := range items {
		if t.MaxFileSizeBytes > 0 && int64(len(it.Data)) > t.MaxFileSizeBytes {
			return &AdmissionError{
				Reason: FileTooLarge,
				Index:  i,
				Name:   it.Name,
				Limit:  t.MaxFileSizeBytes,
				Actual: int64(len(it.Data)),
			}
		}
	}
	for i, sig := range sigs {
		if sig.Kind != sniffer.KindUnrecognized && !t.Allows(sig.Kind) {
			return &AdmissionError{
				Reason: KindNotAllowed,
				Index:  i,
				Name:   items[i].Name,
				Kind:   string(sig.Kind),
			}
		}
	}
	return nil
}
