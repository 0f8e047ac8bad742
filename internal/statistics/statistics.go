package statistics

import (
	"fmt"
	"sort"
	"strings"

	"snapfile-go/internal/codec"
	"snapfile-go/internal/job"

	"github.com/dustin/go-humanize"
)

// BatchSummary aggregates the snapshots of one batch.
type BatchSummary struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`

	// Only succeeded and skipped jobs contribute to the byte totals.
	TotalOriginalBytes int64 `json:"total_original_bytes"`
	TotalOutputBytes   int64 `json:"total_output_bytes"`
	SavedBytes         int64 `json:"saved_bytes"`
	// SavedRatio is SavedBytes / TotalOriginalBytes, 0 when nothing counted.
	SavedRatio float64 `json:"saved_ratio"`
	// Progress is the mean job progress, terminal jobs counting as complete.
	Progress float64 `json:"progress"`

	Errors map[codec.Code]int `json:"errors,omitempty"`
}

// Finished reports whether every job reached a terminal state.
func (s BatchSummary) Finished() bool {
	return s.Queued == 0 && s.Running == 0
}

// Summarize computes a BatchSummary. It does not retain the snapshots.
func Summarize(jobs []job.Snapshot) BatchSummary {
	s := BatchSummary{Total: len(jobs)}
	var progress float64

	for _, j := range jobs {
		switch j.State {
		case job.StateQueued:
			s.Queued++
		case job.StateRunning:
			s.Running++
		case job.StateSucceeded:
			s.Succeeded++
		case job.StateFailed:
			s.Failed++
			if j.ErrCode != "" {
				if s.Errors == nil {
					s.Errors = make(map[codec.Code]int)
				}
				s.Errors[j.ErrCode]++
			}
		case job.StateSkippedNoGain:
			s.Skipped++
		case job.StateCancelled:
			s.Cancelled++
		}

		if j.State == job.StateSucceeded || j.State == job.StateSkippedNoGain {
			s.TotalOriginalBytes += j.OriginalSize
			s.TotalOutputBytes += j.OutputSize
		}
		if j.State.Terminal() {
			progress++
		} else {
			progress += j.Progress
		}
	}

	s.SavedBytes = s.TotalOriginalBytes - s.TotalOutputBytes
	if s.TotalOriginalBytes > 0 {
		s.SavedRatio = float64(s.SavedBytes) / float64(s.TotalOriginalBytes)
	}
	if s.Total > 0 {
		s.Progress = progress / float64(s.Total)
	}
	return s
}

// Text returns a formatted summary for terminal output.
func (s BatchSummary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, `Compression Summary:

Jobs:
		Total: %d
		Succeeded: %d
		Skipped (no gain): %d
		Failed: %d
		Cancelled: %d
		Pending: %d

Size:
		Original: %s
		Output: %s
		Saved: %s (%.1f%%)`,
		s.Total, s.Succeeded, s.Skipped, s.Failed, s.Cancelled, s.Queued+s.Running,
		humanize.IBytes(uint64(max(0, s.TotalOriginalBytes))),
		humanize.IBytes(uint64(max(0, s.TotalOutputBytes))),
		FormatSaved(s.SavedBytes),
		s.SavedRatio*100)

	if len(s.Errors) > 0 {
		codes := make([]string, 0, len(s.Errors))
		for c := range s.Errors {
			codes = append(codes, string(c))
		}
		sort.Strings(codes)
		b.WriteString("\n\nErrors:\n")
		for _, c := range codes {
			fmt.Fprintf(&b, "\t\t%s: %d\n", c, s.Errors[codec.Code(c)])
		}
	}
	return b.String()
}

// FormatSaved renders a possibly negative byte delta.
func FormatSaved(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

// JobLine renders one job for terminal listings.
func JobLine(j job.Snapshot) string {
	switch j.State {
	case job.StateSucceeded, job.StateSkippedNoGain:
		return fmt.Sprintf("%-40s %-16s %s -> %s", j.Name, j.State,
			humanize.IBytes(uint64(j.OriginalSize)), humanize.IBytes(uint64(j.OutputSize)))
	case job.StateFailed:
		return fmt.Sprintf("%-40s %-16s %s: %s", j.Name, j.State, j.ErrCode, j.Error)
	default:
		return fmt.Sprintf("%-40s %-16s %3.0f%%", j.Name, j.State, j.Progress*100)
	}
}
