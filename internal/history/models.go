package history

import (
	"time"

	"snapfile-go/internal/job"
)

// BatchRecord is one finished batch in the history database.
type BatchRecord struct {
	ID                 string      `gorm:"primaryKey;size:36" json:"id"`
	Tier               string      `gorm:"size:64" json:"tier"`
	Total              int         `json:"total"`
	Succeeded          int         `json:"succeeded"`
	Skipped            int         `json:"skipped"`
	Failed             int         `json:"failed"`
	Cancelled          int         `json:"cancelled"`
	TotalOriginalBytes int64       `json:"total_original_bytes"`
	TotalOutputBytes   int64       `json:"total_output_bytes"`
	SubmittedAt        time.Time   `gorm:"index" json:"submitted_at"`
	FinishedAt         time.Time   `json:"finished_at"`
	Jobs               []JobRecord `gorm:"foreignKey:BatchID;constraint:OnDelete:CASCADE" json:"jobs,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
}

// SavedBytes is the byte reduction across counted jobs.
func (b BatchRecord) SavedBytes() int64 {
	return b.TotalOriginalBytes - b.TotalOutputBytes
}

// JobRecord is one job of a recorded batch. Payload bytes are never stored.
type JobRecord struct {
	ID           string        `gorm:"primaryKey;size:36" json:"id"`
	BatchID      string        `gorm:"index;size:36" json:"batch_id"`
	Position     int           `json:"position"`
	Name         string        `json:"name"`
	Kind         string        `gorm:"size:16" json:"kind"`
	Format       string        `gorm:"size:16" json:"format"`
	OutputFormat string        `gorm:"size:16" json:"output_format"`
	State        string        `gorm:"size:32;index" json:"state"`
	ErrorCode    string        `gorm:"size:32" json:"error_code,omitempty"`
	Error        string        `gorm:"type:text" json:"error,omitempty"`
	Quality      float64       `json:"quality"`
	OriginalSize int64         `json:"original_size"`
	OutputSize   int64         `json:"output_size"`
	Duration     time.Duration `json:"duration"`
}

func jobRecord(pos int, s job.Snapshot) JobRecord {
	r := JobRecord{
		ID:           s.ID,
		BatchID:      s.BatchID,
		Position:     pos,
		Name:         s.Name,
		Kind:         string(s.Kind),
		Format:       s.Format,
		OutputFormat: s.OutputFormat,
		State:        string(s.State),
		ErrorCode:    string(s.ErrCode),
		Error:        s.Error,
		Quality:      s.Quality,
		OriginalSize: s.OriginalSize,
		OutputSize:   s.OutputSize,
	}
	if !s.StartedAt.IsZero() && !s.FinishedAt.IsZero() {
		r.Duration = s.FinishedAt.Sub(s.StartedAt)
	}
	return r
}
