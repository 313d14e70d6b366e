package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadsync/internal/jobs"
	logx "leadsync/pkg/logx"
)

var brt = time.FixedZone("BRT", -3*3600)

func oneShot(key string, at time.Time, args ...any) jobs.Job {
	return jobs.Job{Key: key, RunAt: at, Callback: jobs.CallbackLeadMessage, Trigger: jobs.TriggerOneShot, Args: args}
}

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "jobs.json")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range backends(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)
			defer st.Close()

			t0 := time.Date(2025, 3, 10, 14, 0, 0, 0, brt)

			// Same run_at: insertion order breaks the tie.
			require.NoError(t, st.UpsertJob(ctx, oneShot("b", t0, "5511", "hi")))
			require.NoError(t, st.UpsertJob(ctx, oneShot("a", t0)))
			require.NoError(t, st.UpsertJob(ctx, oneShot("early", t0.Add(-time.Hour))))
			require.NoError(t, st.UpsertJob(ctx, oneShot("late", t0.Add(time.Hour))))

			due, err := st.DueBefore(ctx, t0)
			require.NoError(t, err)
			assert.Equal(t, []string{"early", "b", "a"}, keys(due))

			// Replacing "b" moves it behind "a" and rewrites every field.
			repl := oneShot("b", t0, "5522", "bye")
			repl.Attempts = 2
			require.NoError(t, st.UpsertJob(ctx, repl))
			due, err = st.DueBefore(ctx, t0)
			require.NoError(t, err)
			assert.Equal(t, []string{"early", "a", "b"}, keys(due))

			got, ok, err := st.GetJob(ctx, "b")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []any{"5522", "bye"}, got.Args)
			assert.Equal(t, 2, got.Attempts)
			assert.True(t, got.RunAt.Equal(t0))
			_, off := got.RunAt.Zone()
			assert.Equal(t, -3*3600, off)

			all, err := st.LoadJobs(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"early", "a", "b", "late"}, keys(all))

			require.NoError(t, st.RemoveJob(ctx, "a"))
			require.NoError(t, st.RemoveJob(ctx, "a"), "removing an absent key is a no-op")
			_, ok, err = st.GetJob(ctx, "a")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.PutContactKeys(ctx, "5511", []string{"k1", "k2"}))
			ck, err := st.GetContactKeys(ctx, "5511")
			require.NoError(t, err)
			assert.Equal(t, []string{"k1", "k2"}, ck)
			require.NoError(t, st.PutContactKeys(ctx, "5511", nil))
			ck, err = st.GetContactKeys(ctx, "5511")
			require.NoError(t, err)
			assert.Empty(t, ck)

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			require.NoError(t, st.PutDedup(ctx, "msg:1", until))
			u, ok, err := st.GetDedup(ctx, "msg:1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.True(t, u.Equal(until))

			require.NoError(t, st.AppendAudit(ctx, AuditEntry{JobKey: "b", Event: "fired"}))
		})
	}
}

func TestIntervalJobRoundTrip(t *testing.T) {
	for name, open := range backends(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)
			defer st.Close()

			loc, err := time.LoadLocation("America/Sao_Paulo")
			require.NoError(t, err)
			j := jobs.Job{
				Key:      "placement_test_checker",
				RunAt:    time.Date(2025, 3, 10, 9, 0, 0, 0, loc),
				Callback: jobs.CallbackSweep,
				Trigger:  jobs.TriggerInterval,
				Interval: time.Hour,
			}
			require.NoError(t, st.UpsertJob(ctx, j))
			got, ok, err := st.GetJob(ctx, j.Key)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, time.Hour, got.Interval)
			assert.Equal(t, jobs.TriggerInterval, got.Trigger)
			assert.Equal(t, "America/Sao_Paulo", got.RunAt.Location().String())
		})
	}
}

func TestUpsertRejectsInvalidJob(t *testing.T) {
	st := NewMemory()
	err := st.UpsertJob(context.Background(), jobs.Job{Key: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, jobs.ErrInvalidJob))
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	t0 := time.Date(2025, 3, 10, 14, 0, 0, 0, brt)

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.UpsertJob(ctx, oneShot("x", t0)))
	require.NoError(t, st.UpsertJob(ctx, oneShot("y", t0)))
	require.NoError(t, st.RemoveJob(ctx, "x"))
	require.NoError(t, st.PutContactKeys(ctx, "c", []string{"y"}))
	// Simulate a crash: no Close, so nothing is compacted.
	fs := st.(*fileStore)
	fs.mu.Lock()
	_ = fs.journalFile.Close()
	_ = fs.auditFile.Close()
	fs.journalFile, fs.auditFile = nil, nil
	fs.mu.Unlock()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	all, err := st2.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, keys(all))
	ck, err := st2.GetContactKeys(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, ck)

	// New upserts keep sequencing after the replayed maximum.
	require.NoError(t, st2.UpsertJob(ctx, oneShot("z", t0)))
	due, err := st2.DueBefore(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "z"}, keys(due))
	require.NoError(t, st2.Close())

	// Reopen from the compacted snapshot.
	st3, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st3.Close()
	all, err = st3.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "z"}, keys(all))
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")
	t0 := time.Date(2025, 3, 10, 14, 0, 0, 0, brt)

	st, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.UpsertJob(ctx, oneShot("x", t0, "a", true)))
	require.NoError(t, st.Close())

	st2, err := Open(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st2.Close()
	got, ok, err := st2.GetJob(ctx, "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []any{"a", true}, got.Args)
}

func TestSQLiteErrorsAreWrapped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := newSQLiteStore(db, logx.Nop())
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs(")).
		WillReturnError(errors.New("disk I/O error"))
	err = st.UpsertJob(ctx, oneShot("k", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert job k")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT key, seq")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	_, ok, err := st.GetJob(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE run_at <= ?")).
		WillReturnError(errors.New("database is locked"))
	_, err = st.DueBefore(ctx, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query jobs")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteSkipsUndecodableRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := newSQLiteStore(db, logx.Nop())
	now := time.Now()
	rows := sqlmock.NewRows([]string{"key", "seq", "run_at", "zone", "zone_offset", "callback_ref", "args", "trigger_kind", "interval_seconds", "attempts"}).
		AddRow("bad", 1, now.UnixNano(), "UTC", 0, "send_lead_message", "{not json", "one-shot", 0, 0).
		AddRow("good", 2, now.UnixNano(), "UTC", 0, "send_lead_message", `["a"]`, "one-shot", 0, 0)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY run_at, seq")).WillReturnRows(rows)

	got, err := st.LoadJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, keys(got))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "none"}, logx.Nop())
	assert.True(t, errors.Is(err, ErrDisabled))
}

func keys(js []jobs.Job) []string {
	out := make([]string, 0, len(js))
	for _, j := range js {
		out = append(out, j.Key)
	}
	return out
}
