package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"leadsync/internal/eventbus"
	"leadsync/internal/jobs"
	logx "leadsync/pkg/logx"
)

// Submit validates job and stores it, replacing any job with the same key.
// A RunAt in the past fires on the next tick. When the key is executing, the
// in-flight run leaves the replacement alone.
func (s *Service) Submit(ctx context.Context, job jobs.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	job = job.Clone()
	job.Seq = 0

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.UpsertJob(ctx, job); err != nil {
		return errors.Wrapf(err, "submit %s", job.Key)
	}
	s.setIndexLocked(job)
	s.log.Debug("job.submitted",
		logx.String("key", job.Key),
		logx.String("callback", job.Callback.String()),
		logx.Time("run_at", job.RunAt),
	)
	s.publish(eventbus.JobSubmitted, job, JobEvent{})
	return nil
}

// Cancel removes the job at key. An absent key is not an error. A running
// callback is not interrupted, but its completion will not re-arm or
// re-insert the job.
func (s *Service) Cancel(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.RemoveJob(ctx, key); err != nil {
		return errors.Wrapf(err, "cancel %s", key)
	}
	e, had := s.index[key]
	delete(s.index, key)
	if st := s.executing[key]; st != nil {
		st.cancelled = true
	}
	if had {
		s.log.Debug("job.cancelled", logx.String("key", key))
		s.publish(eventbus.JobCancelled, e.job, JobEvent{})
	}
	return nil
}

// Get returns the scheduler's view of the job at key.
func (s *Service) Get(key string) (jobs.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[key]
	return e.job.Clone(), ok
}

// Trigger makes a stored job due now and wakes the loop.
func (s *Service) Trigger(ctx context.Context, key string) error {
	now := s.now()
	s.mu.Lock()
	e, ok := s.index[key]
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "trigger %s", key)
	}
	j := e.job.Clone()
	j.RunAt = now
	if err := s.store.UpsertJob(ctx, j); err != nil {
		s.mu.Unlock()
		return errors.Wrapf(err, "trigger %s", key)
	}
	s.setIndexLocked(j)
	s.mu.Unlock()
	s.Wake()
	return nil
}

// EnsureInterval submits a repeating job unless one with the same callback
// and interval is already stored, so a restart keeps the persisted next run.
// It reports whether a job was (re)submitted.
func (s *Service) EnsureInterval(ctx context.Context, key string, cb jobs.CallbackRef, every time.Duration, first time.Time) (bool, error) {
	s.mu.Lock()
	e, ok := s.index[key]
	s.mu.Unlock()
	if ok && e.job.Trigger == jobs.TriggerInterval && e.job.Callback == cb && e.job.Interval == every {
		return false, nil
	}
	err := s.Submit(ctx, jobs.Job{
		Key:      key,
		RunAt:    first,
		Callback: cb,
		Trigger:  jobs.TriggerInterval,
		Interval: every,
	})
	return err == nil, err
}
