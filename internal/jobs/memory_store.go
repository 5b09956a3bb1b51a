package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Jobs do not survive a restart.
type MemoryStore struct {
	mu   sync.Mutex
	seq  uint64
	jobs map[string]*memoryEntry
}

type memoryEntry struct {
	seq uint64
	job *Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*memoryEntry)}
}

func (m *MemoryStore) InsertJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.jobs[job.ID] = &memoryEntry{seq: m.seq, job: cloneJob(job)}
	return nil
}

func (m *MemoryStore) ClaimNext(_ context.Context, now time.Time) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *memoryEntry
	for _, e := range m.jobs {
		if e.job.Status != StatusQueued {
			continue
		}
		if next == nil ||
			e.job.Priority > next.job.Priority ||
			(e.job.Priority == next.job.Priority && e.seq < next.seq) {
			next = e
		}
	}
	if next == nil {
		return nil, nil
	}
	next.job.Status = StatusActive
	next.job.Attempts++
	next.job.UpdatedAt = now
	return cloneJob(next.job), nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	e.job = cloneJob(job)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(e.job), nil
}

func (m *MemoryStore) ListJobs(_ context.Context, status Status) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked(func(j *Job) bool {
		return status == "" || j.Status == status
	}), nil
}

func (m *MemoryStore) RequeueFailed(_ context.Context, filter RequeueFilter, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.jobs {
		if e.job.Status != StatusFailed || (filter.Kind != "" && e.job.Kind != filter.Kind) {
			continue
		}
		e.job.Status = StatusQueued
		if filter.Priority != nil {
			e.job.Priority = *filter.Priority
		}
		e.job.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *MemoryStore) RequeueStale(_ context.Context, olderThan, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.jobs {
		if e.job.Status == StatusActive && e.job.UpdatedAt.Before(olderThan) {
			e.job.Status = StatusQueued
			e.job.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) PruneCompleted(_ context.Context, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	completed := m.sortedLocked(func(j *Job) bool { return j.Status == StatusCompleted })
	if keep < 0 || len(completed) <= keep {
		return 0, nil
	}
	sort.SliceStable(completed, func(i, j int) bool {
		return completed[i].UpdatedAt.After(completed[j].UpdatedAt)
	})
	pruned := 0
	for _, j := range completed[keep:] {
		delete(m.jobs, j.ID)
		pruned++
	}
	return pruned, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) sortedLocked(match func(*Job) bool) []*Job {
	entries := make([]*memoryEntry, 0, len(m.jobs))
	for _, e := range m.jobs {
		if match(e.job) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	ret := make([]*Job, 0, len(entries))
	for _, e := range entries {
		ret = append(ret, cloneJob(e.job))
	}
	return ret
}
