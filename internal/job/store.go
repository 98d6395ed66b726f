package job

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists and retrieves jobs.
type Store interface {
	Create(j *Job) error
	// Get returns a snapshot of the job or ErrNotFound.
	Get(id string) (*Job, error)
	// Update applies fn to a working copy of the job and commits it only if fn returns nil.
	// The committed job gets a fresh UpdatedAt and the next Revision; the returned value is a snapshot.
	Update(id string, fn func(*Job) error) (*Job, error)
	Delete(id string) error
	// List returns a page of the owner's jobs ordered by created_at DESC, plus the owner's total.
	List(owner string, limit, offset int) ([]*Job, int)
	// Counts returns the number of jobs per status and the overall total.
	Counts() (map[Status]int, int)
	// DeleteTerminalBefore removes terminal jobs last updated before the cutoff and returns their IDs.
	DeleteTerminalBefore(before time.Time) []string
}

// MemoryStore is a mutex-guarded in-memory implementation of Store.
// Jobs live only as long as the process.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("create job %s: duplicate id", j.ID)
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *MemoryStore) Get(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) Update(id string, fn func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()
	next.Revision = cur.Revision + 1
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) List(owner string, limit, offset int) ([]*Job, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	owned := make([]*Job, 0)
	for _, j := range s.jobs {
		if j.Owner == owner {
			owned = append(owned, j)
		}
	}
	s.mu.RUnlock()

	sort.Slice(owned, func(a, b int) bool {
		if owned[a].CreatedAt.Equal(owned[b].CreatedAt) {
			return owned[a].ID > owned[b].ID
		}
		return owned[a].CreatedAt.After(owned[b].CreatedAt)
	})

	total := len(owned)
	if offset >= total {
		return []*Job{}, total
	}
	end := min(offset+limit, total)
	page := make([]*Job, 0, end-offset)
	for _, j := range owned[offset:end] {
		page = append(page, j.Clone())
	}
	return page, total
}

func (s *MemoryStore) Counts() (map[Status]int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		counts[st] = 0
	}
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, len(s.jobs)
}

func (s *MemoryStore) DeleteTerminalBefore(before time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, j := range s.jobs {
		if j.Status.IsTerminal() && j.UpdatedAt.Before(before) {
			delete(s.jobs, id)
			ids = append(ids, id)
		}
	}
	return ids
}
