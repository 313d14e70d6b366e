package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"leadsync/internal/clock"
	"leadsync/internal/eventbus"
	"leadsync/internal/jobs"
	rtsup "leadsync/internal/runtime/supervisor"
	"leadsync/internal/storage"
	logx "leadsync/pkg/logx"
)

type entry struct {
	job jobs.Job
	gen uint64
}

type execState struct {
	gen       uint64
	started   time.Time
	cancelled bool
}

type Service struct {
	mu sync.Mutex

	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	clock    clock.Clock
	store    storage.JobStore
	engine   Enqueuer
	dispatch Dispatcher

	// index mirrors the store's rows. It is the authority for "is this row
	// still the one we read": every store mutation made by this process bumps
	// gen under mu.
	index     map[string]entry
	gen       uint64
	executing map[string]*execState
	lastTick  TickStats
	inflight  sync.WaitGroup

	kick chan struct{}
	sup  *rtsup.Supervisor

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

func New(cfg Config, store storage.JobStore, eng Enqueuer, d Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		clock:       clock.System{Loc: cfg.Location},
		store:       store,
		engine:      eng,
		dispatch:    d,
		index:       map[string]entry{},
		executing:   map[string]*execState{},
		kick:        make(chan struct{}, 1),
		lastEnqWarn: map[string]time.Time{},
	}
}

// SetClock replaces the time source. Call before Start.
func (s *Service) SetClock(c clock.Clock) {
	s.mu.Lock()
	s.clock = c
	s.mu.Unlock()
}

func (s *Service) now() time.Time {
	s.mu.Lock()
	c := s.clock
	s.mu.Unlock()
	return c.Now()
}

// Load reads every stored job into the index. Rows naming an unknown callback
// are logged and removed.
func (s *Service) Load(ctx context.Context) error {
	all, err := s.store.LoadJobs(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range all {
		if !j.Callback.Valid() {
			s.log.Error("dropping stored job with unknown callback",
				logx.String("key", j.Key), logx.String("callback", string(j.Callback)))
			if err := s.store.RemoveJob(ctx, j.Key); err != nil {
				s.log.Warn("remove unknown-callback job failed", logx.String("key", j.Key), logx.Err(err))
			}
			continue
		}
		s.setIndexLocked(j)
	}
	s.log.Info("jobs loaded", logx.Int("count", len(s.index)))
	return nil
}

// Start loads the store and runs the polling loop until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.Load(ctx); err != nil {
		return err
	}

	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.mu.Lock()
	s.sup = sup
	interval := s.cfg.TickInterval
	s.mu.Unlock()

	sup.GoRestart("tick", func(c context.Context) error {
		return s.loop(c, interval)
	}, rtsup.WithPublishFirstError(true))
	s.log.Info("scheduler started",
		logx.Duration("tick", interval),
		logx.String("tz", s.cfg.Location.String()),
		logx.Int("max_attempts", s.cfg.MaxAttempts),
	)
	return nil
}

func (s *Service) loop(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		s.Tick(ctx, s.now())
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-s.kick:
		}
	}
}

// Stop ends the polling loop, then waits for in-flight callbacks until ctx
// is done. Pending jobs stay in the store.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("scheduler loop did not stop in time", logx.Err(err))
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.mu.Lock()
		n := len(s.executing)
		s.mu.Unlock()
		s.log.Warn("scheduler stop timed out with callbacks in flight", logx.Int("executing", n))
	}
}

// Wake runs a tick as soon as possible.
func (s *Service) Wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Running:      s.sup != nil,
		Timezone:     s.cfg.Location.String(),
		TickInterval: s.cfg.TickInterval.String(),
		Pending:      len(s.index),
		Executing:    len(s.executing),
		LastTick:     s.lastTick,
		Jobs:         make([]JobInfo, 0, len(s.index)),
	}
	for key, e := range s.index {
		_, busy := s.executing[key]
		info := JobInfo{
			Key:       key,
			Callback:  e.job.Callback,
			RunAt:     e.job.RunAt.In(s.cfg.Location),
			Trigger:   e.job.Trigger,
			Args:      e.job.Args,
			Attempts:  e.job.Attempts,
			Executing: busy,
		}
		if e.job.Interval > 0 {
			info.Interval = e.job.Interval.String()
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	sort.Slice(snap.Jobs, func(i, j int) bool {
		a, b := snap.Jobs[i], snap.Jobs[j]
		if !a.RunAt.Equal(b.RunAt) {
			return a.RunAt.Before(b.RunAt)
		}
		return a.Key < b.Key
	})
	if len(snap.Jobs) > 0 {
		snap.NextDue = snap.Jobs[0].RunAt
	}
	return snap
}

func (s *Service) setIndexLocked(j jobs.Job) uint64 {
	s.gen++
	s.index[j.Key] = entry{job: j.Clone(), gen: s.gen}
	return s.gen
}

func (s *Service) publish(typ string, j jobs.Job, ev JobEvent) {
	if s.bus == nil {
		return
	}
	ev.Key, ev.Callback, ev.RunAt = j.Key, j.Callback, j.RunAt
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
