package queue

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/listingiq/listingiq/internal/job"
)

// Observer receives a snapshot of a job after every update.
// Errors and panics are logged and never reach the worker.
type Observer func(ctx context.Context, j *job.Job) error

// subscriberBuffer is the channel size used by Subscribe.
const subscriberBuffer = 64

// Dispatcher owns the per-job observer lists.
type Dispatcher struct {
	mu      sync.RWMutex
	entries map[string]*registry
	nextID  uint64
}

type registry struct {
	// deliver serializes Notify for one job so observers see snapshots in revision order.
	deliver   sync.Mutex
	lastRev   int64
	observers []registration // guarded by Dispatcher.mu
}

type registration struct {
	id uint64
	fn Observer
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{entries: make(map[string]*registry)}
}

// Register adds fn to the job's observers and returns a func that removes it.
func (d *Dispatcher) Register(jobID string, fn Observer) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	r, ok := d.entries[jobID]
	if !ok {
		r = &registry{}
		d.entries[jobID] = r
	}
	r.observers = append(r.observers, registration{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.unregister(jobID, id) })
	}
}

func (d *Dispatcher) unregister(jobID string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.entries[jobID]
	if !ok {
		return
	}
	r.observers = slices.DeleteFunc(r.observers, func(reg registration) bool { return reg.id == id })
}

// Subscribe returns a channel that receives job snapshots. Sends never block:
// when the buffer is full the oldest pending snapshot is dropped, so the latest
// (and the terminal) snapshot always gets through. The channel is never closed;
// callers stop reading once they see a terminal status and then call cancel.
func (d *Dispatcher) Subscribe(jobID string) (<-chan *job.Job, func()) {
	ch := make(chan *job.Job, subscriberBuffer)
	cancel := d.Register(jobID, func(_ context.Context, j *job.Job) error {
		select {
		case ch <- j:
			return nil
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- j:
		default:
		}
		return nil
	})
	return ch, cancel
}

// Notify delivers snap to every observer of the job, one after the other in
// registration order. Snapshots not newer than the last delivered one are skipped.
func (d *Dispatcher) Notify(ctx context.Context, snap *job.Job) {
	d.mu.RLock()
	r, ok := d.entries[snap.ID]
	d.mu.RUnlock()
	if !ok {
		return
	}

	r.deliver.Lock()
	defer r.deliver.Unlock()
	if snap.Revision <= r.lastRev {
		return
	}
	r.lastRev = snap.Revision

	d.mu.RLock()
	observers := slices.Clone(r.observers)
	d.mu.RUnlock()

	for _, reg := range observers {
		if err := call(ctx, reg.fn, snap.Clone()); err != nil {
			slog.Warn("observer failed", "job_id", snap.ID, "revision", snap.Revision, "error", err)
		}
	}
}

func call(ctx context.Context, fn Observer, snap *job.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return fn(ctx, snap)
}

// Remove drops every observer of the job.
func (d *Dispatcher) Remove(jobID string) {
	d.mu.Lock()
	delete(d.entries, jobID)
	d.mu.Unlock()
}

// Count returns the number of observers registered for the job.
func (d *Dispatcher) Count(jobID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if r, ok := d.entries[jobID]; ok {
		return len(r.observers)
	}
	return 0
}
