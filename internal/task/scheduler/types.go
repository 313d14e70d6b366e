package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"leadsync/internal/jobs"
	"leadsync/internal/task/engine"
)

var ErrNotFound = errors.New("job not found")

// Config controls the scheduler core.
type Config struct {
	Location     *time.Location
	TickInterval time.Duration

	// CallbackTimeout bounds one callback run; Timeouts overrides it per callback.
	CallbackTimeout time.Duration
	Timeouts        map[jobs.CallbackRef]time.Duration

	// MaxAttempts bounds failed runs of a one-shot job before it is dropped.
	MaxAttempts int
	// RetryBase is the delay before the first retry; it doubles per attempt.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Minute
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Minute
	}
	return c
}

func (c Config) timeoutFor(cb jobs.CallbackRef) time.Duration {
	if d := c.Timeouts[cb]; d > 0 {
		return d
	}
	return c.CallbackTimeout
}

// retryDelay is the wait before retry number attempt (1-based).
func (c Config) retryDelay(attempt int) time.Duration {
	d := c.RetryBase
	for i := 1; i < attempt && d < c.RetryMaxDelay; i++ {
		d *= 2
	}
	return min(d, c.RetryMaxDelay)
}

// Dispatcher runs the effect a job's callback names.
type Dispatcher interface {
	Dispatch(ctx context.Context, job jobs.Job) error
}

// Enqueuer accepts work without blocking.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// JobEvent is the payload of every job.* event on the bus.
type JobEvent struct {
	Key      string           `json:"key"`
	Callback jobs.CallbackRef `json:"callback"`
	RunAt    time.Time        `json:"run_at"`
	Attempt  int              `json:"attempt,omitempty"`
	Took     time.Duration    `json:"took,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// TickStats describes one pass of the polling loop.
type TickStats struct {
	At         time.Time     `json:"at"`
	Due        int           `json:"due"`
	Dispatched int           `json:"dispatched"`
	Skipped    int           `json:"skipped"`
	Deferred   int           `json:"deferred"`
	Took       time.Duration `json:"took"`
	Error      string        `json:"error,omitempty"`
}

type JobInfo struct {
	Key       string           `json:"key"`
	Callback  jobs.CallbackRef `json:"callback"`
	RunAt     time.Time        `json:"run_at"`
	Trigger   jobs.Trigger     `json:"trigger"`
	Interval  string           `json:"interval,omitempty"`
	Args      []any            `json:"args,omitempty"`
	Attempts  int              `json:"attempts,omitempty"`
	Executing bool             `json:"executing,omitempty"`
}

type Snapshot struct {
	Running      bool      `json:"running"`
	Timezone     string    `json:"timezone"`
	TickInterval string    `json:"tick_interval"`
	Pending      int       `json:"pending"`
	Executing    int       `json:"executing"`
	NextDue      time.Time `json:"next_due,omitempty"`
	LastTick     TickStats `json:"last_tick"`
	Jobs         []JobInfo `json:"jobs"`
}
