package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"leadsync/internal/jobs"
)

const memoryAuditCap = 1024

// memState is the in-process view shared by the memory and file backends.
// Callers hold the owning store's mutex.
type memState struct {
	jobs     map[string]jobs.Job
	seq      int64
	contacts map[string][]string
	dedup    map[string]int64 // unix milli
}

func newMemState() *memState {
	return &memState{
		jobs:     map[string]jobs.Job{},
		contacts: map[string][]string{},
		dedup:    map[string]int64{},
	}
}

func (m *memState) upsert(j jobs.Job) jobs.Job {
	m.seq++
	j = j.Clone()
	j.Seq = m.seq
	m.jobs[j.Key] = j
	return j
}

// put restores a job with its persisted Seq (journal replay).
func (m *memState) put(j jobs.Job) {
	if j.Seq > m.seq {
		m.seq = j.Seq
	}
	m.jobs[j.Key] = j
}

func (m *memState) sorted(filter func(jobs.Job) bool) []jobs.Job {
	out := make([]jobs.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if filter == nil || filter(j) {
			out = append(out, j.Clone())
		}
	}
	sortJobs(out)
	return out
}

func sortJobs(js []jobs.Job) {
	sort.Slice(js, func(a, b int) bool {
		if !js[a].RunAt.Equal(js[b].RunAt) {
			return js[a].RunAt.Before(js[b].RunAt)
		}
		return js[a].Seq < js[b].Seq
	})
}

func (m *memState) pruneDedup(now time.Time) {
	ms := now.UnixMilli()
	for k, v := range m.dedup {
		if v < ms {
			delete(m.dedup, k)
		}
	}
}

type memoryStore struct {
	mu     sync.Mutex
	st     *memState
	audit  []AuditEntry
	closed bool
}

// NewMemory returns a Store that keeps everything in process memory.
func NewMemory() Store {
	return &memoryStore{st: newMemState()}
}

func (s *memoryStore) UpsertJob(ctx context.Context, j jobs.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.st.upsert(j)
	return nil
}

func (s *memoryStore) RemoveJob(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.st.jobs, key)
	return nil
}

func (s *memoryStore) GetJob(ctx context.Context, key string) (jobs.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return jobs.Job{}, false, ErrClosed
	}
	j, ok := s.st.jobs[key]
	if !ok {
		return jobs.Job{}, false, nil
	}
	return j.Clone(), true, nil
}

func (s *memoryStore) DueBefore(ctx context.Context, instant time.Time) ([]jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.st.sorted(func(j jobs.Job) bool { return !j.RunAt.After(instant) }), nil
}

func (s *memoryStore) LoadJobs(ctx context.Context) ([]jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.st.sorted(nil), nil
}

func (s *memoryStore) PutContactKeys(ctx context.Context, contact string, keys []string) error {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(keys) == 0 {
		delete(s.st.contacts, contact)
		return nil
	}
	s.st.contacts[contact] = append([]string(nil), keys...)
	return nil
}

func (s *memoryStore) GetContactKeys(ctx context.Context, contact string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return append([]string(nil), s.st.contacts[strings.TrimSpace(contact)]...), nil
}

func (s *memoryStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.st.dedup[key] = until.UnixMilli()
	if len(s.st.dedup)%256 == 0 {
		s.st.pruneDedup(time.Now())
	}
	return nil
}

func (s *memoryStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	ms, ok := s.st.dedup[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *memoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if len(s.audit) >= memoryAuditCap {
		copy(s.audit, s.audit[1:])
		s.audit = s.audit[:len(s.audit)-1]
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
