// Package jobs defines the durable unit of deferred work shared by the store
// and the scheduler.
package jobs

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrInvalidJob is returned (wrapped) when a job fails validation.
var ErrInvalidJob = errors.New("invalid job")

// CallbackRef names the effect a job runs when it becomes due. It is a closed
// set so stored rows never depend on function identity.
type CallbackRef string

const (
	CallbackLeadMessage    CallbackRef = "send_lead_message"
	CallbackAdminBroadcast CallbackRef = "send_admin_broadcast"
	CallbackSweep          CallbackRef = "sweep_external_state"
)

var knownCallbacks = map[CallbackRef]struct{}{
	CallbackLeadMessage:    {},
	CallbackAdminBroadcast: {},
	CallbackSweep:          {},
}

func (c CallbackRef) Valid() bool {
	_, ok := knownCallbacks[c]
	return ok
}

func (c CallbackRef) String() string { return string(c) }

type Trigger string

const (
	TriggerOneShot  Trigger = "one-shot"
	TriggerInterval Trigger = "interval"
)

func (t Trigger) Valid() bool { return t == TriggerOneShot || t == TriggerInterval }

// Job is a scheduled unit of work identified by Key.
type Job struct {
	Key      string
	RunAt    time.Time
	Callback CallbackRef
	Args     []any // string or bool only
	Trigger  Trigger
	Interval time.Duration // interval trigger only, whole seconds

	// Attempts counts failed executions of the current schedule.
	Attempts int
	// Seq is assigned by the store on every upsert and orders jobs sharing a RunAt.
	Seq int64
}

// Validate enforces the invariants the store and scheduler rely on.
func (j Job) Validate() error {
	if strings.TrimSpace(j.Key) == "" {
		return errors.Wrap(ErrInvalidJob, "empty key")
	}
	if j.RunAt.IsZero() {
		return errors.Wrapf(ErrInvalidJob, "job %s: zero run_at", j.Key)
	}
	// A time.Time always carries a location; the one without a zone name is
	// an unnamed fixed offset, which cannot be mapped back to a zone.
	if j.RunAt.Location().String() == "" {
		return errors.Wrapf(ErrInvalidJob, "job %s: run_at has no time zone", j.Key)
	}
	if !j.Callback.Valid() {
		return errors.WithHintf(
			errors.Wrapf(ErrInvalidJob, "job %s: unknown callback %q", j.Key, j.Callback),
			"known callbacks: %s, %s, %s", CallbackLeadMessage, CallbackAdminBroadcast, CallbackSweep,
		)
	}
	if !j.Trigger.Valid() {
		return errors.Wrapf(ErrInvalidJob, "job %s: unknown trigger %q", j.Key, j.Trigger)
	}
	switch j.Trigger {
	case TriggerInterval:
		if j.Interval < time.Second || j.Interval%time.Second != 0 {
			return errors.Wrapf(ErrInvalidJob, "job %s: interval must be a positive whole number of seconds, got %s", j.Key, j.Interval)
		}
	case TriggerOneShot:
		if j.Interval != 0 {
			return errors.Wrapf(ErrInvalidJob, "job %s: one-shot job with interval %s", j.Key, j.Interval)
		}
	}
	for i, a := range j.Args {
		switch a.(type) {
		case string, bool:
		default:
			return errors.Wrapf(ErrInvalidJob, "job %s: arg %d has unsupported type %T", j.Key, i, a)
		}
	}
	return nil
}

// IntervalSeconds is the persisted form of Interval.
func (j Job) IntervalSeconds() int64 { return int64(j.Interval / time.Second) }

// NextRun returns the first re-armed run time strictly after now.
func (j Job) NextRun(now time.Time) time.Time {
	next := j.RunAt.Add(j.Interval)
	if j.Interval <= 0 || next.After(now) {
		return next
	}
	// Skip firings missed while the process was down or the job was busy.
	missed := now.Sub(next)/j.Interval + 1
	return next.Add(missed * j.Interval)
}

// StringArg returns args[i] as a string, or "" when absent or not a string.
func (j Job) StringArg(i int) string {
	if i < 0 || i >= len(j.Args) {
		return ""
	}
	s, _ := j.Args[i].(string)
	return s
}

// Clone returns a copy whose Args slice is not shared.
func (j Job) Clone() Job {
	cp := j
	cp.Args = append([]any(nil), j.Args...)
	return cp
}
