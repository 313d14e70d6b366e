package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"leadsync/internal/jobs"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": JSON snapshot + JSONL journal, no database needed
//   - "memory": nothing survives the process; tests and dry runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobStore is the durable key -> job mapping the scheduler owns.
//
// UpsertJob inserts or fully replaces the job at job.Key and assigns a new Seq.
// RemoveJob is a no-op for absent keys. DueBefore and LoadJobs return jobs
// ordered by RunAt, then Seq.
type JobStore interface {
	UpsertJob(ctx context.Context, job jobs.Job) error
	RemoveJob(ctx context.Context, key string) error
	GetJob(ctx context.Context, key string) (jobs.Job, bool, error)
	DueBefore(ctx context.Context, instant time.Time) ([]jobs.Job, error)
	LoadJobs(ctx context.Context) ([]jobs.Job, error)
}

// ContactIndex remembers which reminder keys were planned for a contact.
type ContactIndex interface {
	PutContactKeys(ctx context.Context, contact string, keys []string) error
	GetContactKeys(ctx context.Context, contact string) ([]string, error)
}

type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type AuditLog interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
}

// Store is everything a backend provides.
type Store interface {
	JobStore
	ContactIndex
	DedupStore
	AuditLog
	Close() error
}

// AuditEntry records one job lifecycle event. Keep it compact and schema-stable.
type AuditEntry struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	JobKey   string    `json:"job_key"`
	Callback string    `json:"callback,omitempty"`
	Event    string    `json:"event"` // fired | succeeded | failed | dropped | cancelled | skipped
	Attempt  int       `json:"attempt,omitempty"`
	TookMS   int64     `json:"took_ms,omitempty"`
	Error    string    `json:"error,omitempty"`
}
