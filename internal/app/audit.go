package app

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"leadsync/internal/eventbus"
	"leadsync/internal/storage"
	"leadsync/internal/task/scheduler"
	logx "leadsync/pkg/logx"
)

// auditEvents maps the job.* bus events that land in the audit trail.
var auditEvents = map[string]string{
	eventbus.JobFired:     "fired",
	eventbus.JobSucceeded: "succeeded",
	eventbus.JobFailed:    "failed",
	eventbus.JobDropped:   "dropped",
	eventbus.JobCancelled: "cancelled",
}

// auditEntry converts a bus event. ok is false for events that are not
// audited.
func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	name, ok := auditEvents[e.Type]
	if !ok {
		return storage.AuditEntry{}, false
	}
	ev, ok := e.Data.(scheduler.JobEvent)
	if !ok {
		return storage.AuditEntry{}, false
	}
	return storage.AuditEntry{
		ID:       uuid.NewString(),
		At:       e.Time,
		JobKey:   ev.Key,
		Callback: ev.Callback.String(),
		Event:    name,
		Attempt:  ev.Attempt,
		TookMS:   ev.Took.Milliseconds(),
		Error:    ev.Error,
	}, true
}

// runAudit appends job lifecycle events to the store until ctx is done.
func runAudit(ctx context.Context, bus eventbus.Bus, audit storage.AuditLog, log logx.Logger) error {
	events, unsub := eventbus.SubscribePrefix(bus, 256, "job.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(e.Type, "job.") {
				continue
			}
			entry, ok := auditEntry(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			err := audit.AppendAudit(wctx, entry)
			cancel()
			if err != nil {
				log.Warn("audit append failed", logx.String("key", entry.JobKey), logx.String("event", entry.Event), logx.Err(err))
			}
		}
	}
}
