package codec

import (
	"context"
	"math"
	"sync"
	"time"

	"snapfile-go/internal/sniffer"
)

// Params carries the per-job settings a backend needs.
type Params struct {
	JobID string
	// Quality is a normalized ratio in (0, 1]; higher keeps more detail.
	Quality float64
	// Format is the sub-format detected for the source (jpeg, pdf, mp4, ...).
	Format string
	// TargetFormat optionally asks for a different output container.
	TargetFormat string
}

// Output is the result of a successful Compress call. Data never aliases the
// source slice.
type Output struct {
	Data   []byte
	Format string
	MIME   string
}

// ProgressFunc receives progress ratios in [0, 1].
type ProgressFunc func(progress float64)

// Backend compresses content of a single kind.
type Backend interface {
	Kind() sniffer.Kind
	// Compress must return promptly after ctx is done, with the context error
	// and without partial output.
	Compress(ctx context.Context, src []byte, p Params, progress ProgressFunc) (*Output, error)
}

// DefaultQuality is applied when a caller does not supply a usable quality.
const DefaultQuality = 0.8

// NormalizeQuality maps any caller value onto (0, 1].
func NormalizeQuality(q float64) float64 {
	switch {
	case math.IsNaN(q) || q <= 0:
		return DefaultQuality
	case q > 1:
		return 1
	default:
		return q
	}
}

// clampQuality restricts q to the range a backend supports.
func clampQuality(q, floor float64) float64 {
	q = NormalizeQuality(q)
	if q < floor {
		return floor
	}
	return q
}

func report(progress ProgressFunc, p float64) {
	if progress != nil {
		progress(p)
	}
}

// Throttle wraps fn so that reported progress never decreases and at most one
// report is delivered per interval. A report of 1 is always delivered.
func Throttle(fn ProgressFunc, interval time.Duration) ProgressFunc {
	if fn == nil {
		return nil
	}
	var (
		mu   sync.Mutex
		last float64
		at   time.Time
	)
	return func(p float64) {
		if math.IsNaN(p) {
			return
		}
		p = math.Min(math.Max(p, 0), 1)

		mu.Lock()
		if p <= last {
			mu.Unlock()
			return
		}
		now := time.Now()
		if p < 1 && !at.IsZero() && now.Sub(at) < interval {
			mu.Unlock()
			return
		}
		last, at = p, now
		mu.Unlock()

		fn(p)
	}
}
