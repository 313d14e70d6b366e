package scheduler

import (
	"time"

	"github.com/cockroachdb/errors"

	"leadsync/internal/task/engine"
	logx "leadsync/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a deferred dispatch at most once per key per
// throttle window. The job stays due and is retried on the next tick.
func (s *Service) reportEnqueueError(key string, err error) {
	if err == nil {
		return
	}
	// Shutdown in progress; the job is picked up after restart.
	if errors.Is(err, engine.ErrStopping) || errors.Is(err, engine.ErrStopped) {
		s.log.Debug("job dispatch deferred: engine stopping", logx.String("key", key))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[key]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[key] = now
	if len(s.lastEnqWarn) > 1024 {
		for k, at := range s.lastEnqWarn {
			if now.Sub(at) >= enqueueWarnThrottle {
				delete(s.lastEnqWarn, k)
			}
		}
	}
	s.enqMu.Unlock()

	s.log.Warn("job dispatch deferred", logx.String("key", key), logx.Err(err))
}
