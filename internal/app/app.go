package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"leadsync/internal/aicontext"
	"leadsync/internal/booking"
	"leadsync/internal/callbacks"
	"leadsync/internal/config"
	"leadsync/internal/crm/notion"
	"leadsync/internal/eventbus"
	"leadsync/internal/ingest"
	"leadsync/internal/jobs"
	"leadsync/internal/messaging/zapi"
	"leadsync/internal/notifier"
	"leadsync/internal/placement"
	"leadsync/internal/reminder"
	rtsup "leadsync/internal/runtime/supervisor"
	"leadsync/internal/storage"
	"leadsync/internal/task/engine"
	"leadsync/internal/task/scheduler"
	kit "leadsync/internal/transport"
	telegram "leadsync/internal/transport/telegram/adapter"
	logx "leadsync/pkg/logx"
	"leadsync/pkg/systemd"
)

type App struct {
	cfgm    *config.ConfigManager
	version string
	loc     *time.Location

	sup  *rtsup.Supervisor
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	admins atomic.Pointer[[]string]

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service
	http   *ingest.Server
	sd     *systemd.Notifier

	sweepOn   bool
	sweepSpec scheduler.IntervalSpec
	watchdog  bool
	stopAfter time.Duration
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath, version string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	// The telegram adapter doubles as the log alert sink, so it is built
	// with a console logger before the logging service exists.
	bootLog := logx.NewConsole(cfg.Logging.Level)
	var tg *telegram.Adapter
	if t := cfg.Telegram; t != nil && strings.TrimSpace(t.Token) != "" {
		tg, err = telegram.New(telegram.Config{Token: t.Token, ChatID: t.ChatID}, bootLog.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
	}
	var alerts logx.AlertSender
	if tg != nil {
		alerts = tg
	}
	logSvc, root := logx.New(mapLoggingConfig(cfg), alerts)
	log := root.With(logx.String("comp", "app"))
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	a := &App{cfgm: cfgm, version: version, loc: loc, log: log, logs: logSvc, bus: eventbus.New()}
	a.setAdmins(cfg.Admins)
	if err := a.build(cfg, tg, comp); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, tg *telegram.Adapter, comp func(string) logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, comp("storage"))
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	zc, err := mapZAPIConfig(cfg)
	if err != nil {
		return err
	}
	wa, err := zapi.New(zc, comp("zapi"))
	if err != nil {
		return errors.Wrap(err, "whatsapp client")
	}

	nc, err := mapNotionConfig(cfg)
	if err != nil {
		return err
	}
	var (
		bookingCRM booking.CRM
		sweepCRM   placement.CRM
	)
	switch crm, err := notion.New(nc, comp("notion")); {
	case errors.Is(err, notion.ErrNotConfigured):
		a.log.Warn("notion not configured; CRM sync and placement sweep disabled")
	case err != nil:
		return errors.Wrap(err, "notion client")
	default:
		bookingCRM, sweepCRM = crm, crm
	}

	fc, err := mapFlexgeConfig(cfg)
	if err != nil {
		return err
	}
	swc, err := mapSweepConfig(cfg)
	if err != nil {
		return err
	}
	sweeper := placement.NewSweeper(swc, sweepCRM, placement.NewFlexge(fc, comp("flexge")), comp("sweep"))
	if a.sweepSpec, err = sweepSchedule(cfg); err != nil {
		return err
	}
	a.sweepOn = cfg.Sweep.Enabled

	zaiaCfg, err := mapZaiaConfig(cfg)
	if err != nil {
		return err
	}
	agent := aicontext.New(zaiaCfg, comp("zaia"))

	ec, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(ec, comp("engine"), a.bus)

	ntc, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	senders := map[string]kit.Sender{kit.ChannelWhatsApp: wa}
	var (
		mirror        callbacks.Mirror
		mirrorChannel string
	)
	if tg != nil {
		senders[kit.ChannelTelegram] = tg
		if cfg.Telegram.Mirror {
			mirror, mirrorChannel = tg, kit.ChannelTelegram
		}
	}
	a.notif = notifier.New(ntc, senders, comp("notifier"), a.bus, store)

	registry, err := callbacks.NewDefault(callbacks.Deps{
		Sender:      wa,
		Broadcaster: wa,
		AdminPhones: a.adminPhones,
		Mirror:      mirror,
		Agent:       agent,
		Sweeper:     sweeper,
	}, comp("callbacks"))
	if err != nil {
		return err
	}

	schc, err := mapSchedulerConfig(cfg, a.loc)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(schc, store, a.engine, registry, comp("scheduler"), a.bus)
	if a.stopAfter, err = config.ParseDurationOrDefault("scheduler.stop_timeout", cfg.Scheduler.StopTimeout, 10*time.Second); err != nil {
		return err
	}

	planner := reminder.NewService(a.sched, store, a.loc, reminder.Messages{VideoURL: cfg.Booking.VideoURL}, comp("reminder"))
	bookings := booking.New(booking.Config{
		Location:      a.loc,
		StatusValue:   cfg.Notion.StatusValue,
		MeetingURL:    cfg.Booking.MeetingURL,
		PlacementURL:  cfg.Booking.PlacementURL,
		VideoURL:      cfg.Booking.VideoURL,
		AdminPhones:   a.adminPhones,
		MirrorChannel: mirrorChannel,
	}, booking.Deps{
		CRM:       bookingCRM,
		Notifier:  a.notif,
		Planner:   planner,
		Scheduler: a.sched,
		Sender:    wa,
		Agent:     agent,
	}, comp("booking"))

	hc, err := mapHTTPConfig(cfg, a.loc, a.version)
	if err != nil {
		return err
	}
	a.http = ingest.New(hc, ingest.Deps{
		Bookings:   bookings,
		Jobs:       a.sched,
		Replays:    store,
		AdminCount: func() int { return len(a.adminPhones()) },
		SweepKey:   placement.JobKey,
	}, comp("http"))

	a.sd = systemd.New(cfg.Systemd.Notify, comp("systemd"))
	a.watchdog = cfg.Systemd.Watchdog
	return nil
}

func (a *App) setAdmins(list []string) {
	cleaned := cleanAdmins(list)
	a.admins.Store(&cleaned)
}

func (a *App) adminPhones() []string {
	p := a.admins.Load()
	if p == nil {
		return nil
	}
	return append([]string(nil), (*p)...)
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// HTTPAddr is the bound listener address.
func (a *App) HTTPAddr() string { return a.http.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	a.engine.Start(runCtx)
	if err := a.sched.Start(runCtx); err != nil {
		return errors.Wrap(err, "start scheduler")
	}
	if err := a.ensureSweep(ctx); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.sup.Go("audit", func(c context.Context) error {
		return runAudit(c, a.bus, a.store, a.log.With(logx.String("comp", "audit")))
	})
	if err := a.http.Start(runCtx); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	if a.watchdog {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			a.sd.Watchdog(c, func() bool { return a.sched.Snapshot().Running })
			return nil
		})
	}

	a.sd.Ready()
	a.sd.Status(fmt.Sprintf("serving on %s", a.http.Addr()))
	a.log.Info("app started",
		logx.String("version", a.version),
		logx.String("addr", a.http.Addr()),
		logx.String("tz", a.loc.String()),
		logx.Int("admins", len(a.adminPhones())),
	)
	return nil
}

// ensureSweep keeps exactly one persisted sweep job when the sweep is
// enabled and removes a leftover one otherwise.
func (a *App) ensureSweep(ctx context.Context) error {
	if !a.sweepOn {
		if _, ok := a.sched.Get(placement.JobKey); ok {
			if err := a.sched.Cancel(ctx, placement.JobKey); err != nil {
				return errors.Wrap(err, "remove disabled sweep job")
			}
			a.log.Info("placement sweep disabled; job removed")
		}
		return nil
	}
	first := a.sweepSpec.FirstRun(time.Now().In(a.loc))
	submitted, err := a.sched.EnsureInterval(ctx, placement.JobKey, jobs.CallbackSweep, a.sweepSpec.Every, first)
	if err != nil {
		return errors.Wrap(err, "schedule placement sweep")
	}
	if submitted {
		a.log.Info("placement sweep scheduled", logx.String("every", a.sweepSpec.String()), logx.Time("first", first))
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Keep only the newest pending config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	changed, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLoggingConfig(next))
	a.setAdmins(next.Admins)
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", restart))
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigApplied, Data: changed})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sup.Cancel()

	a.step(ctx, "http", 5*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "engine", a.stopAfter, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline. A
// step that overruns is left running and its late result is logged.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
