package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/listingiq/listingiq/internal/config"
	"github.com/listingiq/listingiq/internal/job"
	"github.com/listingiq/listingiq/internal/llm"
	"github.com/listingiq/listingiq/internal/prompt"
	"github.com/listingiq/listingiq/internal/worker"
)

var ErrQueueFull = errors.New("queue full")

// errStopped aborts a section loop when the job left in_progress under us.
var errStopped = errors.New("job no longer in progress")

// Recorder receives processing measurements.
type Recorder interface {
	SectionDone(section string, fallback bool, d time.Duration)
	JobFinished(status job.Status, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) SectionDone(string, bool, time.Duration) {}
func (nopRecorder) JobFinished(job.Status, time.Duration)   {}

// Stats is a point-in-time view of the queue.
type Stats struct {
	TotalJobs     int                `json:"total_jobs"`
	StatusCounts  map[job.Status]int `json:"status_counts"`
	ActiveWorkers int                `json:"active_workers"`
	QueueSize     int                `json:"queue_size"`
	QueueCapacity int                `json:"queue_capacity"`
	IsRunning     bool               `json:"is_running"`
	SectionMode   worker.Mode        `json:"section_mode"`
}

// Queue manages the job queue and workers.
type Queue struct {
	jobs       chan string
	store      job.Store
	dispatcher *Dispatcher
	gen        llm.Generator
	planner    prompt.Planner
	recorder   Recorder
	newID      func() string
	cfg        *config.Config
	mode       worker.Mode

	running atomic.Bool
	mu      sync.Mutex // guards cancel and done across restarts
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

type Option func(*Queue)

// WithDispatcher shares a dispatcher with other components.
func WithDispatcher(d *Dispatcher) Option { return func(q *Queue) { q.dispatcher = d } }

// WithPlanner replaces the default section planner.
func WithPlanner(p prompt.Planner) Option { return func(q *Queue) { q.planner = p } }

// WithRecorder installs a metrics recorder.
func WithRecorder(r Recorder) Option { return func(q *Queue) { q.recorder = r } }

// WithIDGenerator overrides uuid job ids.
func WithIDGenerator(f func() string) Option { return func(q *Queue) { q.newID = f } }

// New creates a new Queue.
func New(cfg *config.Config, store job.Store, gen llm.Generator, opts ...Option) *Queue {
	mode, err := worker.ParseMode(cfg.SectionMode)
	if err != nil {
		slog.Warn("invalid section mode, using concurrent", "mode", cfg.SectionMode)
		mode = worker.Concurrent
	}
	q := &Queue{
		jobs:       make(chan string, max(cfg.QueueSize, 1)),
		store:      store,
		dispatcher: NewDispatcher(),
		gen:        gen,
		planner:    prompt.DefaultPlanner{},
		recorder:   nopRecorder{},
		newID:      uuid.NewString,
		cfg:        cfg,
		mode:       mode,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches cfg.Workers workers as goroutines. A stopped queue can be
// started again once Stop has returned.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running.CompareAndSwap(false, true) {
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	select {
	case <-q.done:
		q.done = make(chan struct{})
	default:
	}
	workers := max(q.cfg.Workers, 1)
	for n := range workers {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.runWorker(ctx, n)
		}()
	}
	slog.Info("analysis workers started", "workers", workers, "section_mode", q.mode)
}

// Stop cancels the workers and waits for in-flight jobs to unwind.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running.CompareAndSwap(true, false) {
		q.mu.Unlock()
		return
	}
	q.cancel()
	close(q.done)
	q.mu.Unlock()
	q.wg.Wait()
	slog.Info("analysis workers stopped")
}

// Submit creates a pending job and enqueues it without blocking.
// Observers are registered before any worker can see the job.
func (q *Queue) Submit(owner string, in job.PropertyInput, observers ...Observer) (string, error) {
	in.Address = strings.TrimSpace(in.Address)
	if in.Address == "" {
		return "", fmt.Errorf("%w: property address is required", job.ErrInvalidInput)
	}
	if owner == "" {
		return "", fmt.Errorf("%w: owner is required", job.ErrInvalidInput)
	}

	j := job.New(q.newID(), owner, in, q.cfg.EstimatedDuration)
	if err := q.store.Create(j); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	for _, obs := range observers {
		q.dispatcher.Register(j.ID, obs)
	}

	select {
	case q.jobs <- j.ID:
	default:
		_ = q.store.Delete(j.ID)
		q.dispatcher.Remove(j.ID)
		return "", ErrQueueFull
	}
	slog.Info("job submitted", "job_id", j.ID, "owner", owner)
	return j.ID, nil
}

// Status returns a snapshot of the caller's job. Unknown ids and jobs owned by
// someone else both yield job.ErrNotFound.
func (q *Queue) Status(jobID, caller string) (*job.Job, error) {
	j, err := q.store.Get(jobID)
	if err != nil {
		return nil, err
	}
	if j.Owner != caller {
		return nil, job.ErrNotFound
	}
	return j, nil
}

// List returns a page of the caller's jobs, newest first.
func (q *Queue) List(caller string, limit, offset int) ([]*job.Job, int) {
	return q.store.List(caller, limit, offset)
}

// Cancel moves the caller's pending or in-progress job to cancelled.
// It reports false for unknown, foreign and already-terminal jobs.
func (q *Queue) Cancel(jobID, caller string) bool {
	_, err := q.CancelJob(jobID, caller)
	return err == nil
}

// CancelJob is Cancel with the reason for refusal: job.ErrNotFound or job.ErrTerminal.
func (q *Queue) CancelJob(jobID, caller string) (*job.Job, error) {
	snap, err := q.store.Update(jobID, func(j *job.Job) error {
		if j.Owner != caller {
			return job.ErrNotFound
		}
		return j.Transition(job.StatusCancelled)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("job cancelled", "job_id", jobID)
	q.dispatcher.Notify(context.Background(), snap)
	return snap, nil
}

// RegisterObserver attaches fn to the job and returns a func that detaches it.
// Unknown or already swept jobs get nothing registered.
func (q *Queue) RegisterObserver(jobID string, fn Observer) func() {
	if !q.exists(jobID) {
		return func() {}
	}
	unregister := q.dispatcher.Register(jobID, fn)
	if !q.exists(jobID) {
		// Lost a race with Cleanup: drop the entry Register recreated.
		unregister()
		q.dispatcher.Remove(jobID)
		return func() {}
	}
	return unregister
}

// Subscribe returns a channel of job snapshots for push transports.
// For unknown or already swept jobs the channel never receives.
func (q *Queue) Subscribe(jobID string) (<-chan *job.Job, func()) {
	if !q.exists(jobID) {
		return make(chan *job.Job), func() {}
	}
	ch, cancel := q.dispatcher.Subscribe(jobID)
	if !q.exists(jobID) {
		cancel()
		q.dispatcher.Remove(jobID)
		return make(chan *job.Job), func() {}
	}
	return ch, cancel
}

func (q *Queue) exists(jobID string) bool {
	_, err := q.store.Get(jobID)
	return err == nil
}

// Statistics reports job counts and worker state. It has no side effects.
func (q *Queue) Statistics() Stats {
	counts, total := q.store.Counts()
	running := q.running.Load()
	active := 0
	if running {
		active = max(q.cfg.Workers, 1)
	}
	return Stats{
		TotalJobs:     total,
		StatusCounts:  counts,
		ActiveWorkers: active,
		QueueSize:     len(q.jobs),
		QueueCapacity: cap(q.jobs),
		IsRunning:     running,
		SectionMode:   q.mode,
	}
}

// Cleanup removes terminal jobs not updated within maxAge, with their observers.
func (q *Queue) Cleanup(maxAge time.Duration) int {
	ids := q.store.DeleteTerminalBefore(time.Now().UTC().Add(-maxAge))
	for _, id := range ids {
		q.dispatcher.Remove(id)
	}
	if len(ids) > 0 {
		slog.Info("cleanup: removed old jobs", "count", len(ids))
	}
	return len(ids)
}

// StartCleanup runs Cleanup(ttl) every interval until ctx is done or the
// current run of the queue stops.
func (q *Queue) StartCleanup(ctx context.Context, ttl, interval time.Duration) {
	q.mu.Lock()
	done := q.done
	q.wg.Add(1)
	q.mu.Unlock()
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				q.Cleanup(ttl)
			}
		}
	}()
}

// runWorker is a worker loop: dequeues jobs and processes them.
func (q *Queue) runWorker(ctx context.Context, n int) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-q.jobs:
			q.processJob(ctx, jobID, n)
		}
	}
}

func (q *Queue) processJob(ctx context.Context, jobID string, n int) {
	start := time.Now()
	snap, err := q.store.Update(jobID, func(j *job.Job) error {
		return j.Transition(job.StatusInProgress)
	})
	if err != nil {
		// Cancelled while queued, or removed.
		slog.Debug("worker: discarding job", "job_id", jobID, "worker", n, "error", err)
		return
	}
	q.notify(ctx, snap)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker: job panicked", "job_id", jobID, "worker", n, "panic", r)
			q.fail(ctx, jobID, fmt.Errorf("internal error: %v", r), start)
		}
	}()

	tasks, err := q.planner.Plan(snap.Input)
	if err != nil {
		q.fail(ctx, jobID, fmt.Errorf("build prompts: %w", err), start)
		return
	}
	total := len(tasks)
	completed := 0
	var lastNotify time.Time

	onStart := func(i int, s prompt.Section) error {
		snap, err := q.store.Update(jobID, func(j *job.Job) error {
			if j.Status != job.StatusInProgress {
				return errStopped
			}
			j.CurrentSection = s.Label
			j.Progress = max(j.Progress, i*100/total)
			return nil
		})
		if err != nil {
			return err
		}
		q.notify(ctx, snap)
		lastNotify = time.Now()
		return nil
	}

	onDone := func(o worker.Outcome) error {
		q.recorder.SectionDone(o.Section.Key, o.Fallback, o.Duration)
		if o.Fallback {
			slog.Warn("section fell back", "job_id", jobID, "section", o.Section.Key, "error", o.Err)
		}
		q.pace(ctx, lastNotify)
		snap, err := q.store.Update(jobID, func(j *job.Job) error {
			if j.Status != job.StatusInProgress {
				return errStopped
			}
			j.Results[o.Section.Key] = o.Data
			j.CurrentSection = o.Section.Label
			j.Progress = max(j.Progress, (completed+1)*100/total)
			return nil
		})
		if err != nil {
			return err
		}
		completed++
		q.notify(ctx, snap)
		lastNotify = time.Now()
		return nil
	}

	err = worker.Run(ctx, q.gen, tasks, worker.Options{Mode: q.mode, Limit: q.cfg.SectionConcurrency}, onStart, onDone)
	switch {
	case err == nil:
	case errors.Is(err, errStopped), errors.Is(err, job.ErrNotFound):
		slog.Info("worker: job stopped before completion", "job_id", jobID, "worker", n, "sections_done", completed)
		q.recorder.JobFinished(job.StatusCancelled, time.Since(start))
		return
	case ctx.Err() != nil:
		q.fail(ctx, jobID, errors.New("analysis interrupted by server shutdown"), start)
		return
	default:
		q.fail(ctx, jobID, err, start)
		return
	}

	snap, err = q.store.Update(jobID, func(j *job.Job) error {
		if err := j.Transition(job.StatusCompleted); err != nil {
			return err
		}
		now := time.Now().UTC()
		j.Progress = 100
		j.CurrentSection = "Complete"
		j.EstimatedCompletion = &now
		return nil
	})
	if err != nil {
		slog.Info("worker: job not completed", "job_id", jobID, "error", err)
		return
	}
	q.recorder.JobFinished(job.StatusCompleted, time.Since(start))
	slog.Info("job completed", "job_id", jobID, "worker", n, "duration", time.Since(start))
	q.notify(ctx, snap)
}

// fail marks the job failed, keeping whatever results it already has.
func (q *Queue) fail(ctx context.Context, jobID string, cause error, start time.Time) {
	snap, err := q.store.Update(jobID, func(j *job.Job) error {
		if err := j.Transition(job.StatusFailed); err != nil {
			return err
		}
		j.ErrorMessage = cause.Error()
		return nil
	})
	if err != nil {
		slog.Warn("worker: could not mark job failed", "job_id", jobID, "cause", cause, "error", err)
		return
	}
	q.recorder.JobFinished(job.StatusFailed, time.Since(start))
	slog.Error("job failed", "job_id", jobID, "error", cause)
	q.notify(ctx, snap)
}

// pace spaces consecutive notifications by cfg.NotifyDelay.
func (q *Queue) pace(ctx context.Context, last time.Time) {
	if q.cfg.NotifyDelay <= 0 || last.IsZero() {
		return
	}
	wait := q.cfg.NotifyDelay - time.Since(last)
	if wait <= 0 {
		return
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// notify delivers a snapshot; observers keep running through shutdown.
func (q *Queue) notify(ctx context.Context, snap *job.Job) {
	q.dispatcher.Notify(context.WithoutCancel(ctx), snap)
}
