package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tubegrab/tubegrab/internal/ytdlp"
	"github.com/tubegrab/tubegrab/pkg/log"
)

const DefaultMaxConcurrent = 3

// ErrInvalidTransition is returned when a control request does not fit the
// job's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// Proc is the handle to one live downloader subprocess, satisfied by
// *ytdlp.Process.
type Proc interface {
	ReadLine() (string, error)
	Pause() error
	Resume() error
	Terminate() error
	Wait() int
}

// StartSpec carries everything a runner needs to spawn a download.
type StartSpec struct {
	URL            string
	FormatID       string
	OutputTemplate string
	RateLimitKB    int
}

// Runner spawns the external downloader for one job.
type Runner interface {
	Start(ctx context.Context, spec StartSpec) (Proc, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, spec StartSpec) (Proc, error)

func (f RunnerFunc) Start(ctx context.Context, spec StartSpec) (Proc, error) {
	return f(ctx, spec)
}

// Orchestrator admits jobs against a concurrency cap, runs one worker per
// admitted job, and routes all mutations through the store. The registry of
// live subprocesses is transient: it never survives a restart, which is why
// Reconcile exists.
type Orchestrator struct {
	store      Store
	runner     Runner
	slots      *semaphore.Weighted
	maxSpeedKB int
	onUpdate   func(*Job)

	mu     sync.Mutex
	active map[string]Proc
}

type Option func(*Orchestrator)

// WithSpeedLimitKB caps every download at n KiB/s. Zero disables the cap.
func WithSpeedLimitKB(n int) Option {
	return func(o *Orchestrator) {
		o.maxSpeedKB = n
	}
}

// WithObserver registers a callback invoked with a fresh job snapshot after
// every state change. The callback runs on worker goroutines and must not
// block.
func WithObserver(fn func(*Job)) Option {
	return func(o *Orchestrator) {
		o.onUpdate = fn
	}
}

func NewOrchestrator(store Store, runner Runner, maxConcurrent int, opts ...Option) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	o := &Orchestrator{
		store:  store,
		runner: runner,
		slots:  semaphore.NewWeighted(int64(maxConcurrent)),
		active: make(map[string]Proc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit creates a pending job from desc and persists it. It does not start
// the download.
func (o *Orchestrator) Submit(ctx context.Context, desc Descriptor) (*Job, error) {
	job := &Job{
		ID:           uuid.NewString(),
		URL:          desc.URL,
		Title:        desc.Title,
		Platform:     desc.Platform,
		FormatID:     desc.FormatID,
		Quality:      desc.Quality,
		FileType:     desc.FileType,
		FilePath:     desc.FilePath,
		ThumbnailURL: desc.ThumbnailURL,
		Duration:     desc.Duration,
		Status:       StatusPending,
		CreatedAt:    time.Now(),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	o.notify(ctx, job.ID)
	return cloneJob(job), nil
}

// Start admits a pending job. It returns false with a nil error when the
// concurrency limit is reached; the job stays pending and the caller may try
// again later.
//
// Admission is atomic per job: the registry entry is reserved before the
// status write, and the write itself is a compare-and-set against pending.
// A concurrent Start for the same job loses one of the two and is rejected,
// so at most one worker ever spawns.
func (o *Orchestrator) Start(ctx context.Context, jobID string) (bool, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != StatusPending {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, StatusDownloading)
	}

	if !o.slots.TryAcquire(1) {
		return false, nil
	}
	if !o.reserve(jobID) {
		o.slots.Release(1)
		return false, fmt.Errorf("%w: job %s already has a worker", ErrInvalidTransition, jobID)
	}

	downloading := StatusDownloading
	empty := ""
	applied, err := o.store.TransitionJob(ctx, jobID, StatusPending, Update{Status: &downloading, Error: &empty})
	if err != nil || !applied {
		o.unregister(jobID)
		o.slots.Release(1)
		if err != nil {
			log.Error("Failed to update job %s: %v", jobID, err)
			return false, err
		}
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, StatusPending, StatusDownloading)
	}
	o.notify(ctx, jobID)

	go o.worker(job)
	return true, nil
}

// worker runs one download to its end. Every exit path releases the process
// association and the admission slot.
func (o *Orchestrator) worker(job *Job) {
	ctx := context.Background()
	defer func() {
		o.unregister(job.ID)
		o.slots.Release(1)
	}()

	proc, err := o.runner.Start(ctx, StartSpec{
		URL:            job.URL,
		FormatID:       job.FormatID,
		OutputTemplate: job.FilePath,
		RateLimitKB:    o.maxSpeedKB,
	})
	if err != nil {
		log.Error("Job %s: %v", job.ID, err)
		o.fail(ctx, job.ID, err.Error())
		return
	}

	o.setProc(job.ID, proc)

	var readErr error
	lastPercent := 0.0
	for {
		line, err := proc.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
		ev, ok := ytdlp.ParseProgress(line)
		if !ok {
			continue
		}
		percent := min(max(ev.Percent, 0), 100)
		// Multi-stream downloads restart percentages per stream; progress
		// must never rewind while downloading.
		if percent < lastPercent {
			continue
		}
		lastPercent = percent
		_ = o.applyUpdate(ctx, job.ID, Update{
			Progress: &percent,
			Speed:    &ev.Speed,
			ETA:      &ev.ETA,
		})
	}

	exitCode := proc.Wait()

	target := StatusCompleted
	if readErr != nil || exitCode != 0 {
		target = StatusFailed
	}

	current, err := o.store.GetJob(ctx, job.ID)
	if err != nil {
		return
	}
	// Cancellation was recorded synchronously; the stream draining afterwards
	// must not overwrite it. The transition table covers it: a cancelled (or
	// otherwise settled) job accepts neither completed nor failed.
	if !CanTransition(current.Status, target) {
		return
	}

	switch {
	case readErr != nil:
		o.fail(ctx, job.ID, fmt.Sprintf("read downloader output: %v", readErr))
	case exitCode == 0:
		completed := StatusCompleted
		hundred := 100.0
		now := time.Now()
		_ = o.applyUpdate(ctx, job.ID, Update{
			Status:      &completed,
			Progress:    &hundred,
			CompletedAt: &now,
		})
	default:
		o.fail(ctx, job.ID, fmt.Sprintf("download failed (exit code %d)", exitCode))
	}
}

// Pause suspends a downloading job's subprocess. A vanished subprocess is a
// benign race: the worker's final write settles the status instead.
func (o *Orchestrator) Pause(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusDownloading {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, StatusPaused)
	}
	proc := o.proc(jobID)
	if proc == nil {
		return nil
	}
	_ = proc.Pause()
	paused := StatusPaused
	return o.applyUpdate(ctx, jobID, Update{Status: &paused})
}

// Resume continues a paused job's subprocess.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusPaused {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, StatusDownloading)
	}
	proc := o.proc(jobID)
	if proc == nil {
		return nil
	}
	_ = proc.Resume()
	downloading := StatusDownloading
	return o.applyUpdate(ctx, jobID, Update{Status: &downloading})
}

// Cancel records the cancelled status synchronously, then asks the
// subprocess to terminate. Callers must not assume the OS process is gone
// when Cancel returns.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !CanTransition(job.Status, StatusCancelled) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, StatusCancelled)
	}
	cancelled := StatusCancelled
	if err := o.applyUpdate(ctx, jobID, Update{Status: &cancelled}); err != nil {
		return err
	}
	if proc := o.proc(jobID); proc != nil {
		_ = proc.Terminate()
	}
	return nil
}

// Retry re-enters a failed job as a fresh attempt under the same identity.
// The original URL, format and output path are reused untouched; partial
// output files are left in place for the downloader to resume from.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) (bool, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != StatusFailed {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, StatusPending)
	}
	pending := StatusPending
	empty := ""
	applied, err := o.store.TransitionJob(ctx, jobID, StatusFailed, Update{Status: &pending, Error: &empty})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, StatusPending)
	}
	o.notify(ctx, jobID)
	return o.Start(ctx, jobID)
}

// Delete removes a job record permanently. Active jobs must be cancelled
// first. Deleting an absent job is a no-op.
func (o *Orchestrator) Delete(ctx context.Context, jobID string) error {
	if o.registered(jobID) {
		return fmt.Errorf("job %s has a live download; cancel it first", jobID)
	}
	return o.store.DeleteJob(ctx, jobID)
}

// Reconcile repairs jobs stranded in an active status with no live
// subprocess, which happens after a crash or unclean shutdown. It runs at
// startup and from the janitor schedule. The registry check covers reserved
// entries too, so a job admitted moments ago whose subprocess is still
// spawning is never mistaken for an orphan.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	all, err := o.store.ListJobs(ctx, "")
	if err != nil {
		return err
	}
	repaired := 0
	for _, job := range all {
		if !job.Status.IsActive() || o.registered(job.ID) {
			continue
		}
		o.fail(ctx, job.ID, "interrupted by shutdown")
		repaired++
	}
	if repaired > 0 {
		log.Warn("Reconciled %d orphaned download(s) to failed", repaired)
	}
	return nil
}

// Get returns a snapshot of one job.
func (o *Orchestrator) Get(ctx context.Context, jobID string) (*Job, error) {
	return o.store.GetJob(ctx, jobID)
}

// List returns job snapshots newest-first, optionally filtered by status.
func (o *Orchestrator) List(ctx context.Context, status Status) ([]*Job, error) {
	return o.store.ListJobs(ctx, status)
}

// ActiveCount reports how many jobs hold a live process association.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

func (o *Orchestrator) proc(jobID string) Proc {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[jobID]
}

// reserve claims the registry entry for a job about to spawn. It refuses when
// the job already has an entry, reserved or live.
func (o *Orchestrator) reserve(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[jobID]; ok {
		return false
	}
	o.active[jobID] = nil
	return true
}

func (o *Orchestrator) setProc(jobID string, proc Proc) {
	o.mu.Lock()
	o.active[jobID] = proc
	o.mu.Unlock()
}

func (o *Orchestrator) unregister(jobID string) {
	o.mu.Lock()
	delete(o.active, jobID)
	o.mu.Unlock()
}

// registered reports whether a job holds a registry entry, including the
// window between admission and subprocess spawn.
func (o *Orchestrator) registered(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[jobID]
	return ok
}

// fail settles a job as failed unless it has already reached a status the
// failed edge cannot leave from, such as cancelled.
func (o *Orchestrator) fail(ctx context.Context, jobID, detail string) {
	current, err := o.store.GetJob(ctx, jobID)
	if err != nil || !CanTransition(current.Status, StatusFailed) {
		return
	}
	failed := StatusFailed
	applied, err := o.store.TransitionJob(ctx, jobID, current.Status, Update{Status: &failed, Error: &detail})
	if err != nil {
		log.Error("Failed to update job %s: %v", jobID, err)
		return
	}
	if applied {
		o.notify(ctx, jobID)
	}
}

func (o *Orchestrator) applyUpdate(ctx context.Context, jobID string, upd Update) error {
	if err := o.store.UpdateJob(ctx, jobID, upd); err != nil {
		log.Error("Failed to update job %s: %v", jobID, err)
		return err
	}
	o.notify(ctx, jobID)
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, jobID string) {
	if o.onUpdate == nil {
		return
	}
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	o.onUpdate(job)
}
