package jobs

import "time"

type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// IsActive reports whether a live subprocess may be associated with the job.
func (s Status) IsActive() bool {
	return s == StatusDownloading || s == StatusPaused
}

// IsTerminal reports whether the job can never run again. Failed jobs are not
// terminal: they re-enter the machine through Retry.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) String() string {
	return string(s)
}

// A paused job shares the downloading terminal edges: its subprocess can
// still die (or exit) underneath the suspension.
var transitions = map[Status][]Status{
	StatusPending:     {StatusDownloading},
	StatusDownloading: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:      {StatusDownloading, StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:      {StatusPending},
}

// CanTransition reports whether the state machine allows moving from one
// status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Descriptor holds the immutable part of a job, fixed at submission.
type Descriptor struct {
	URL          string
	Title        string
	Platform     string
	FormatID     string
	Quality      string
	FileType     string
	FilePath     string
	ThumbnailURL string
	Duration     string
}

type Job struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Platform     string    `json:"platform"`
	FormatID     string    `json:"format_id"`
	Quality      string    `json:"quality"`
	FileType     string    `json:"file_type"`
	FilePath     string    `json:"file_path"`
	FileSize     int64     `json:"file_size"`
	Progress     float64   `json:"progress"`
	Status       Status    `json:"status"`
	Speed        string    `json:"speed"`
	ETA          string    `json:"eta"`
	Error        string    `json:"error,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	Duration     string    `json:"duration,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	CompletedAt  time.Time `json:"completed_at,omitzero"`
}

// Update is a partial merge into a stored job. Nil fields are left untouched;
// set fields are overwritten as a whole.
type Update struct {
	Status      *Status
	Progress    *float64
	Speed       *string
	ETA         *string
	FileSize    *int64
	FilePath    *string
	Error       *string
	CompletedAt *time.Time
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	copied := *job
	return &copied
}
