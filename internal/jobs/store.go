package jobs

import (
	"context"
	"errors"
)

// ErrNotFound is returned by store lookups for unknown job IDs.
var ErrNotFound = errors.New("job not found")

// Store is the durable record of every job. All writes are synchronous: once
// a call returns, the state survives a process crash.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	// UpdateJob merges the set fields of upd into the stored job.
	UpdateJob(ctx context.Context, jobID string, upd Update) error
	// TransitionJob applies upd only if the job's status still equals from,
	// atomically with the check. It reports whether the update was applied;
	// a lost race is (false, nil), an unknown job is ErrNotFound.
	TransitionJob(ctx context.Context, jobID string, from Status, upd Update) (bool, error)
	GetJob(ctx context.Context, jobID string) (*Job, error)
	// ListJobs returns jobs newest-first. An empty status matches all jobs.
	ListJobs(ctx context.Context, status Status) ([]*Job, error)
	// DeleteJob removes a job permanently. Deleting an absent job is a no-op.
	DeleteJob(ctx context.Context, jobID string) error
}
