package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"leadsync/internal/jobs"
	logx "leadsync/pkg/logx"
)

// fileStore persists without a database.
//
// Files:
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
//   - <prefix>.snapshot.json  (compacted state)
//   - <prefix>.journal.jsonl  (mutations since the last snapshot)
//
// Every mutation is appended to the journal before it is acknowledged, so a
// restart replays snapshot + journal into the same state.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex
	st *memState

	auditFile    *os.File
	snapshotPath string
	journalFile  *os.File

	writes       int
	compactEvery int
}

const (
	opUpsert  = "upsert"
	opRemove  = "remove"
	opContact = "contact"
	opDedup   = "dedup"
)

type journalRecord struct {
	Op    string     `json:"op"`
	Key   string     `json:"key,omitempty"`
	Job   *jobRecord `json:"job,omitempty"`
	Keys  []string   `json:"keys,omitempty"`
	Until int64      `json:"until,omitempty"`
}

type fileSnapshot struct {
	Seq      int64               `json:"seq"`
	Jobs     []jobRecord         `json:"jobs"`
	Contacts map[string][]string `json:"contacts"`
	Dedup    map[string]int64    `json:"dedup"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	st := newMemState()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(snapPath, st); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "load snapshot %s", snapPath)
	}
	n, err := replayJournal(journalPath, st, log)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "replay journal %s", journalPath)
	}
	st.pruneDedup(time.Now())

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open audit log")
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, errors.Wrap(err, "open journal")
	}

	log.Debug("file store opened",
		logx.String("prefix", prefix),
		logx.Int("jobs", len(st.jobs)),
		logx.Int("journal_records", n),
	)
	return &fileStore{
		log:          log,
		st:           st,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err0 := s.compactLocked()
	err1 := s.auditFile.Close()
	err2 := s.journalFile.Close()
	s.auditFile, s.journalFile = nil, nil
	return errors.CombineErrors(err0, errors.CombineErrors(err1, err2))
}

func (s *fileStore) UpsertJob(ctx context.Context, j jobs.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	j = j.Clone()
	j.Seq = s.st.seq + 1
	rec, err := encodeJob(j)
	if err != nil {
		return err
	}
	if err := s.appendLocked(journalRecord{Op: opUpsert, Job: &rec}); err != nil {
		return err
	}
	s.st.put(j)
	return nil
}

func (s *fileStore) RemoveJob(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if _, ok := s.st.jobs[key]; !ok {
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: opRemove, Key: key}); err != nil {
		return err
	}
	delete(s.st.jobs, key)
	return nil
}

func (s *fileStore) GetJob(ctx context.Context, key string) (jobs.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return jobs.Job{}, false, ErrClosed
	}
	j, ok := s.st.jobs[key]
	if !ok {
		return jobs.Job{}, false, nil
	}
	return j.Clone(), true, nil
}

func (s *fileStore) DueBefore(ctx context.Context, instant time.Time) ([]jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	return s.st.sorted(func(j jobs.Job) bool { return !j.RunAt.After(instant) }), nil
}

func (s *fileStore) LoadJobs(ctx context.Context) ([]jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	return s.st.sorted(nil), nil
}

func (s *fileStore) PutContactKeys(ctx context.Context, contact string, keys []string) error {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := s.appendLocked(journalRecord{Op: opContact, Key: contact, Keys: keys}); err != nil {
		return err
	}
	applyContact(s.st, contact, keys)
	return nil
}

func (s *fileStore) GetContactKeys(ctx context.Context, contact string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	return append([]string(nil), s.st.contacts[strings.TrimSpace(contact)]...), nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := s.appendLocked(journalRecord{Op: opDedup, Key: key, Until: ms}); err != nil {
		return err
	}
	s.st.dedup[key] = ms
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return time.Time{}, false, ErrClosed
	}
	ms, ok := s.st.dedup[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return errors.Wrap(err, "append journal")
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes the full state to the snapshot and truncates the journal.
func (s *fileStore) compactLocked() error {
	s.st.pruneDedup(time.Now())

	snap := fileSnapshot{Seq: s.st.seq, Contacts: s.st.contacts, Dedup: s.st.dedup}
	for _, j := range s.st.sorted(nil) {
		rec, err := encodeJob(j)
		if err != nil {
			return err
		}
		snap.Jobs = append(snap.Jobs, rec)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, st *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, rec := range snap.Jobs {
		j, err := decodeJob(rec)
		if err != nil {
			return err
		}
		st.put(j)
	}
	if snap.Seq > st.seq {
		st.seq = snap.Seq
	}
	for k, v := range snap.Contacts {
		st.contacts[k] = v
	}
	for k, v := range snap.Dedup {
		st.dedup[k] = v
	}
	return nil
}

// replayJournal applies journal records in order. A torn trailing line from a
// crash mid-write is skipped.
func replayJournal(path string, st *memState, log logx.Logger) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			log.Warn("skipping malformed journal record", logx.Err(err))
			continue
		}
		switch r.Op {
		case opUpsert:
			if r.Job == nil {
				continue
			}
			j, err := decodeJob(*r.Job)
			if err != nil {
				log.Warn("skipping undecodable job", logx.String("key", r.Job.Key), logx.Err(err))
				continue
			}
			st.put(j)
		case opRemove:
			delete(st.jobs, r.Key)
		case opContact:
			applyContact(st, r.Key, r.Keys)
		case opDedup:
			st.dedup[r.Key] = r.Until
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}

func applyContact(st *memState, contact string, keys []string) {
	if len(keys) == 0 {
		delete(st.contacts, contact)
		return
	}
	st.contacts[contact] = append([]string(nil), keys...)
}
