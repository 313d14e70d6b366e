package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"leadsync/internal/jobs"
	logx "leadsync/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

const jobColumns = `key, seq, run_at, zone, zone_offset, callback_ref, args, trigger_kind, interval_seconds, attempts`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One connection serializes writers; the scheduler is the only heavy one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLiteStore(db, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// newSQLiteStore wraps an already-open, already-migrated database.
func newSQLiteStore(db *sql.DB, log logx.Logger) *sqliteStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqliteStore{db: db, log: log, pruneEvery: 500}
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertJob(ctx context.Context, j jobs.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	rec, err := encodeJob(j)
	if err != nil {
		return err
	}
	// seq is computed inside the statement so concurrent upserts on the single
	// connection cannot observe the same maximum.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`)
		 VALUES(?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM jobs), ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   seq=excluded.seq, run_at=excluded.run_at, zone=excluded.zone, zone_offset=excluded.zone_offset,
		   callback_ref=excluded.callback_ref, args=excluded.args, trigger_kind=excluded.trigger_kind,
		   interval_seconds=excluded.interval_seconds, attempts=excluded.attempts`,
		rec.Key, rec.RunAt, rec.Zone, rec.ZoneOffset, rec.Callback, string(rec.Args),
		rec.Trigger, rec.IntervalSeconds, rec.Attempts,
	)
	if err != nil {
		return errors.Wrapf(err, "upsert job %s", j.Key)
	}
	return nil
}

func (s *sqliteStore) RemoveJob(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE key = ?`, key); err != nil {
		return errors.Wrapf(err, "remove job %s", key)
	}
	return nil
}

func (s *sqliteStore) GetJob(ctx context.Context, key string) (jobs.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE key = ?`, key)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, false, nil
	}
	if err != nil {
		return jobs.Job{}, false, errors.Wrapf(err, "get job %s", key)
	}
	j, err := decodeJob(rec)
	if err != nil {
		return jobs.Job{}, false, err
	}
	return j, true, nil
}

func (s *sqliteStore) DueBefore(ctx context.Context, instant time.Time) ([]jobs.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE run_at <= ? ORDER BY run_at, seq`,
		instant.UnixNano(),
	)
}

func (s *sqliteStore) LoadJobs(ctx context.Context) ([]jobs.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY run_at, seq`)
}

func (s *sqliteStore) queryJobs(ctx context.Context, q string, args ...any) ([]jobs.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query jobs")
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		j, err := decodeJob(rec)
		if err != nil {
			// A row we cannot decode would otherwise block every tick.
			s.log.Error("skipping undecodable job row", logx.String("key", rec.Key), logx.Err(err))
			continue
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate jobs")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (jobRecord, error) {
	var (
		rec  jobRecord
		args string
	)
	err := r.Scan(&rec.Key, &rec.Seq, &rec.RunAt, &rec.Zone, &rec.ZoneOffset,
		&rec.Callback, &args, &rec.Trigger, &rec.IntervalSeconds, &rec.Attempts)
	rec.Args = json.RawMessage(args)
	return rec, err
}

func (s *sqliteStore) PutContactKeys(ctx context.Context, contact string, keys []string) error {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return nil
	}
	if len(keys) == 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM contact_keys WHERE contact = ?`, contact)
		return errors.Wrapf(err, "clear contact keys %s", contact)
	}
	b, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contact_keys(contact, keys, updated_at) VALUES(?,?,?)
		 ON CONFLICT(contact) DO UPDATE SET keys=excluded.keys, updated_at=excluded.updated_at`,
		contact, string(b), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return errors.Wrapf(err, "put contact keys %s", contact)
}

func (s *sqliteStore) GetContactKeys(ctx context.Context, contact string) ([]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT keys FROM contact_keys WHERE contact = ?`, strings.TrimSpace(contact)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get contact keys %s", contact)
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, errors.Wrapf(err, "decode contact keys %s", contact)
	}
	return keys, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(id, at, job_key, callback, event, attempt, took_ms, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.ID, e.At.UTC().Format(time.RFC3339Nano), e.JobKey, nullStr(e.Callback),
		e.Event, e.Attempt, e.TookMS, nullStr(e.Error),
	)
	return errors.Wrap(err, "append audit")
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return errors.Wrap(err, "put dedup")
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "get dedup")
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
