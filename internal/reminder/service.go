package reminder

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"leadsync/internal/clock"
	"leadsync/internal/jobs"
	"leadsync/internal/storage"
	logx "leadsync/pkg/logx"
)

// Scheduler is the part of the scheduler core the planner drives.
type Scheduler interface {
	Submit(ctx context.Context, job jobs.Job) error
	Cancel(ctx context.Context, key string) error
}

type Service struct {
	sched Scheduler
	index storage.ContactIndex
	loc   *time.Location
	msgs  Messages
	clock clock.Clock
	log   logx.Logger

	// mu serializes the read-modify-write of a contact's tracked keys.
	mu sync.Mutex
}

func NewService(sched Scheduler, index storage.ContactIndex, loc *time.Location, msgs Messages, log logx.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		sched: sched,
		index: index,
		loc:   loc,
		msgs:  msgs,
		clock: clock.System{Loc: loc},
		log:   log,
	}
}

func (s *Service) SetClock(c clock.Clock) { s.clock = c }

func (s *Service) Messages() Messages { return s.msgs }

func (s *Service) Location() *time.Location { return s.loc }

// Plan previews the reminders SubmitPlan would submit for ev now.
func (s *Service) Plan(ev BookingEvent) []Spec {
	return Plan(ev, s.clock.Now(), s.loc, s.msgs)
}

// SubmitPlan submits every reminder for ev and adds the keys to the set
// tracked for the contact. Reminders of the contact's other bookings are left
// alone; a reschedule drops the old ones through CancelPlan.
func (s *Service) SubmitPlan(ctx context.Context, ev BookingEvent) error {
	ev.MeetingInstant = ev.MeetingInstant.In(s.loc)
	specs := s.Plan(ev)
	contact := ContactID(ev)

	s.mu.Lock()
	defer s.mu.Unlock()

	var prev []string
	if contact != "" && s.index != nil {
		keys, err := s.index.GetContactKeys(ctx, contact)
		if err != nil {
			return errors.Wrapf(err, "load tracked keys for %s", contact)
		}
		prev = keys
	}

	submitted := make([]string, 0, len(specs))
	for _, sp := range specs {
		if err := s.sched.Submit(ctx, sp.Job()); err != nil {
			// Keep tracking what did land so a later reschedule still cleans it up.
			s.track(ctx, contact, union(prev, submitted))
			return errors.Wrapf(err, "submit %s", sp.Key)
		}
		submitted = append(submitted, sp.Key)
	}
	tracked := union(prev, submitted)
	s.track(ctx, contact, tracked)

	s.log.Info("reminders planned",
		logx.String("contact", contact),
		logx.Time("meeting", ev.MeetingInstant),
		logx.Strings("keys", submitted),
		logx.Int("tracked", len(tracked)),
	)
	return nil
}

// CancelPlan removes the reminders of a booking at oldInstant and forgets
// them for contact. contact may be empty.
func (s *Service) CancelPlan(ctx context.Context, oldInstant time.Time, contact string) error {
	keys := Keys(oldInstant)

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs error
	for _, k := range keys {
		if err := s.sched.Cancel(ctx, k); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "cancel %s", k))
		}
	}
	if contact != "" && s.index != nil {
		prev, err := s.index.GetContactKeys(ctx, contact)
		if err != nil {
			return errors.CombineErrors(errs, errors.Wrapf(err, "load tracked keys for %s", contact))
		}
		kept := slices.DeleteFunc(slices.Clone(prev), func(k string) bool { return slices.Contains(keys, k) })
		if len(kept) != len(prev) {
			if err := s.index.PutContactKeys(ctx, contact, kept); err != nil {
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "store tracked keys for %s", contact))
			}
		}
	}
	s.log.Info("reminders cancelled", logx.Time("meeting", oldInstant.In(s.loc)), logx.String("contact", contact))
	return errs
}

func (s *Service) track(ctx context.Context, contact string, keys []string) {
	if contact == "" || s.index == nil {
		return
	}
	if err := s.index.PutContactKeys(ctx, contact, keys); err != nil {
		s.log.Warn("tracking reminder keys failed", logx.String("contact", contact), logx.Err(err))
	}
}

func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, k := range b {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}
