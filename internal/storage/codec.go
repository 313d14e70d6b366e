package storage

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"leadsync/internal/jobs"
)

// jobRecord is the persisted shape of a job, shared by the file journal and
// the sqlite row mapping. RunAt is stored as UTC nanoseconds plus the zone it
// was submitted in so it round-trips with its location.
type jobRecord struct {
	Key             string          `json:"key"`
	Seq             int64           `json:"seq"`
	RunAt           int64           `json:"run_at"`
	Zone            string          `json:"zone"`
	ZoneOffset      int             `json:"zone_offset"`
	Callback        string          `json:"callback_ref"`
	Args            json.RawMessage `json:"args"`
	Trigger         string          `json:"trigger_kind"`
	IntervalSeconds int64           `json:"interval_seconds"`
	Attempts        int             `json:"attempts"`
}

func encodeJob(j jobs.Job) (jobRecord, error) {
	args := j.Args
	if args == nil {
		args = []any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return jobRecord{}, errors.Wrapf(err, "encode args for %s", j.Key)
	}
	name, offset := j.RunAt.Zone()
	if loc := j.RunAt.Location(); loc != nil {
		name = loc.String()
	}
	return jobRecord{
		Key:             j.Key,
		Seq:             j.Seq,
		RunAt:           j.RunAt.UnixNano(),
		Zone:            name,
		ZoneOffset:      offset,
		Callback:        string(j.Callback),
		Args:            raw,
		Trigger:         string(j.Trigger),
		IntervalSeconds: j.IntervalSeconds(),
		Attempts:        j.Attempts,
	}, nil
}

func decodeJob(r jobRecord) (jobs.Job, error) {
	var args []any
	if len(r.Args) > 0 {
		if err := json.Unmarshal(r.Args, &args); err != nil {
			return jobs.Job{}, errors.Wrapf(err, "decode args for %s", r.Key)
		}
	}
	return jobs.Job{
		Key:      r.Key,
		Seq:      r.Seq,
		RunAt:    time.Unix(0, r.RunAt).In(zoneFor(r.Zone, r.ZoneOffset)),
		Callback: jobs.CallbackRef(r.Callback),
		Args:     args,
		Trigger:  jobs.Trigger(r.Trigger),
		Interval: time.Duration(r.IntervalSeconds) * time.Second,
		Attempts: r.Attempts,
	}, nil
}

var zones sync.Map // name -> *time.Location

// zoneFor resolves an IANA name, falling back to a fixed offset for zones
// that only exist in-process (time.FixedZone).
func zoneFor(name string, offset int) *time.Location {
	switch name {
	case "", "UTC":
		if offset == 0 {
			return time.UTC
		}
	case "Local":
		return time.Local
	}
	if v, ok := zones.Load(name); ok {
		return v.(*time.Location)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone(name, offset)
	}
	zones.Store(name, loc)
	return loc
}
