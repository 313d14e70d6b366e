package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"leadsync/internal/eventbus"
	"leadsync/internal/jobs"
	"leadsync/internal/task/engine"
	logx "leadsync/pkg/logx"
)

const bookkeepingTimeout = 10 * time.Second

// Tick dispatches every job due at now. The store read happens outside the
// lock; each row is then checked against the index so a job removed or
// re-armed since the read is not fired twice.
func (s *Service) Tick(ctx context.Context, now time.Time) TickStats {
	start := time.Now()
	stats := TickStats{At: now}
	defer func() {
		stats.Took = time.Since(start)
		s.mu.Lock()
		s.lastTick = stats
		s.mu.Unlock()
	}()

	due, err := s.store.DueBefore(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("scheduler tick: query due jobs", logx.Err(err))
		}
		stats.Error = err.Error()
		return stats
	}
	stats.Due = len(due)

	for _, row := range due {
		job, st, ok := s.claim(ctx, row.Key, now)
		if !ok {
			stats.Skipped++
			continue
		}
		err := s.engine.Enqueue(engine.Task{
			Name:    "job:" + job.Key,
			Timeout: s.cfg.timeoutFor(job.Callback),
			Run: func(c context.Context) error {
				return s.dispatch.Dispatch(c, job)
			},
			Done: func(err error) {
				s.complete(job, st, err)
			},
		})
		if err != nil {
			s.release(job.Key, st)
			stats.Deferred++
			s.reportEnqueueError(job.Key, err)
			continue
		}
		stats.Dispatched++
		s.publish(eventbus.JobFired, job, JobEvent{Attempt: job.Attempts + 1})
	}
	if stats.Dispatched > 0 || stats.Deferred > 0 {
		s.log.Debug("scheduler tick",
			logx.Int("due", stats.Due),
			logx.Int("dispatched", stats.Dispatched),
			logx.Int("skipped", stats.Skipped),
			logx.Int("deferred", stats.Deferred),
		)
	}
	return stats
}

// claim marks key as executing when the indexed job is still due and idle.
// An interval job found busy is moved to its next slot instead, so a slow run
// never stacks a second one behind it.
func (s *Service) claim(ctx context.Context, key string, now time.Time) (jobs.Job, *execState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[key]
	if !ok || e.job.RunAt.After(now) {
		return jobs.Job{}, nil, false
	}
	if _, busy := s.executing[key]; busy {
		if e.job.Trigger == jobs.TriggerInterval {
			next := e.job.Clone()
			next.RunAt = e.job.NextRun(now)
			s.log.Debug("interval job still running; skipping slot",
				logx.String("key", key), logx.Time("next", next.RunAt))
			s.rearmLocked(ctx, next)
		}
		return jobs.Job{}, nil, false
	}
	st := &execState{gen: e.gen, started: now}
	s.executing[key] = st
	s.inflight.Add(1)
	return e.job.Clone(), st, true
}

func (s *Service) release(key string, st *execState) {
	s.mu.Lock()
	if s.executing[key] == st {
		delete(s.executing, key)
	}
	s.mu.Unlock()
	s.inflight.Done()
}

// notRun reports an engine refusal of an accepted task: queued at shutdown or
// left in the queue past its deadline.
func notRun(err error) bool {
	return errors.Is(err, engine.ErrStopped) || errors.Is(err, engine.ErrStale)
}

// complete settles a finished run. It is the engine's Done callback and runs
// exactly once per claimed job.
func (s *Service) complete(job jobs.Job, st *execState, runErr error) {
	defer s.inflight.Done()
	now := s.now()
	took := now.Sub(st.started)
	if took < 0 {
		took = 0
	}
	if notRun(runErr) {
		// The engine gave the task back without running it. The stored row stays
		// due so a later tick, or the next process, claims it again.
		s.mu.Lock()
		if s.executing[job.Key] == st {
			delete(s.executing, job.Key)
		}
		s.mu.Unlock()
		s.log.Info("job returned unrun", logx.String("key", job.Key), logx.Err(runErr))
		return
	}
	ev := JobEvent{Attempt: job.Attempts + 1, Took: took}
	if runErr != nil {
		ev.Error = runErr.Error()
		s.log.Warn("job.failed",
			logx.String("key", job.Key),
			logx.String("callback", job.Callback.String()),
			logx.Int("attempt", ev.Attempt),
			logx.Err(runErr),
		)
		s.publish(eventbus.JobFailed, job, ev)
	} else {
		s.log.Debug("job.succeeded", logx.String("key", job.Key), logx.Duration("took", took))
		s.publish(eventbus.JobSucceeded, job, ev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executing[job.Key] == st {
		delete(s.executing, job.Key)
	}
	cur, ok := s.index[job.Key]
	if st.cancelled || !ok || cur.gen != st.gen {
		// Cancelled or replaced while running; the stored row is not ours.
		return
	}

	switch {
	case cur.job.Trigger == jobs.TriggerInterval:
		next := cur.job.Clone()
		next.RunAt = cur.job.NextRun(now)
		if runErr != nil {
			next.Attempts++
		} else {
			next.Attempts = 0
		}
		s.rearmLocked(ctx, next)
		s.publish(eventbus.JobRearmed, next, JobEvent{Attempt: next.Attempts})

	case runErr == nil:
		s.removeLocked(ctx, job.Key)

	default:
		attempts := cur.job.Attempts + 1
		if attempts >= s.cfg.MaxAttempts {
			s.log.Error("job dropped after max attempts",
				logx.String("key", job.Key),
				logx.String("callback", job.Callback.String()),
				logx.Int("attempts", attempts),
				logx.Err(runErr),
			)
			s.removeLocked(ctx, job.Key)
			s.publish(eventbus.JobDropped, job, JobEvent{Attempt: attempts, Error: runErr.Error()})
			return
		}
		next := cur.job.Clone()
		next.Attempts = attempts
		next.RunAt = now.Add(s.cfg.retryDelay(attempts))
		s.log.Info("job retry scheduled",
			logx.String("key", job.Key),
			logx.Int("attempt", attempts),
			logx.Time("run_at", next.RunAt),
		)
		s.rearmLocked(ctx, next)
	}
}

// rearmLocked stores next and updates the index even when the write fails,
// so this process does not re-fire the old slot.
func (s *Service) rearmLocked(ctx context.Context, next jobs.Job) {
	if err := s.store.UpsertJob(ctx, next); err != nil {
		s.log.Error("re-arm job failed", logx.String("key", next.Key), logx.Err(err))
	}
	s.setIndexLocked(next)
}

func (s *Service) removeLocked(ctx context.Context, key string) {
	if err := s.store.RemoveJob(ctx, key); err != nil {
		s.log.Error("remove completed job failed", logx.String("key", key), logx.Err(err))
	}
	delete(s.index, key)
}
