package app

import (
	"fmt"
	"strings"
	"time"

	"leadsync/internal/aicontext"
	"leadsync/internal/config"
	"leadsync/internal/crm/notion"
	"leadsync/internal/ingest"
	"leadsync/internal/jobs"
	"leadsync/internal/messaging/zapi"
	"leadsync/internal/notifier"
	"leadsync/internal/placement"
	"leadsync/internal/storage"
	"leadsync/internal/task/engine"
	"leadsync/internal/task/scheduler"
	logx "leadsync/pkg/logx"
)

const defaultSweepSchedule = "@hourly"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "none" {
		return storage.Config{}, fmt.Errorf("storage.driver=none: the scheduler needs a job store")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	timeout, err := config.ParseDurationOrDefault("scheduler.callback_timeout", cfg.Scheduler.CallbackTimeout, 30*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("engine.max_queue_delay", cfg.Engine.MaxDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        cfg.Engine.Workers,
		QueueSize:      cfg.Engine.QueueSize,
		HistorySize:    cfg.Engine.HistorySize,
		DefaultTimeout: timeout,
		MaxQueueDelay:  maxDelay,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config, loc *time.Location) (scheduler.Config, error) {
	tick, err := config.ParseDurationField("scheduler.tick_interval", cfg.Scheduler.TickInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	cbTimeout, err := config.ParseDurationField("scheduler.callback_timeout", cfg.Scheduler.CallbackTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	retryBase, err := config.ParseDurationField("scheduler.retry_base", cfg.Scheduler.RetryBase)
	if err != nil {
		return scheduler.Config{}, err
	}
	sweepTimeout, err := config.ParseDurationOrDefault("sweep.timeout", cfg.Sweep.Timeout, 30*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Location:        loc,
		TickInterval:    tick,
		CallbackTimeout: cbTimeout,
		Timeouts:        map[jobs.CallbackRef]time.Duration{jobs.CallbackSweep: sweepTimeout},
		MaxAttempts:     cfg.Scheduler.MaxAttempts,
		RetryBase:       retryBase,
	}, nil
}

// mapNotifierConfig enables the notifier with defaults when the section is
// omitted.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true, DedupWindow: 24 * time.Hour, PersistDedup: true}, nil
	}
	out := notifier.Config{
		Enabled:      n.Enabled,
		Workers:      n.Workers,
		QueueSize:    n.QueueSize,
		RatePerSec:   n.RatePerSec,
		RetryMax:     n.RetryMax,
		PersistDedup: true,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 24*time.Hour); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapHTTPConfig(cfg *config.Config, loc *time.Location, version string) (ingest.Config, error) {
	h := cfg.HTTP
	out := ingest.Config{
		Addr:            h.Addr,
		WebhookSecret:   h.WebhookSecret,
		VerifySignature: h.VerifySignature,
		AdminToken:      h.AdminToken,
		Pprof:           h.Pprof,
		Version:         version,
		Location:        loc,
	}
	var err error
	if out.ReplayWindow, err = config.ParseDurationField("http.replay_window", h.ReplayWindow); err != nil {
		return ingest.Config{}, err
	}
	if out.ReadTimeout, err = config.ParseDurationField("http.read_timeout", h.ReadTimeout); err != nil {
		return ingest.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return ingest.Config{}, err
	}
	return out, nil
}

func mapZAPIConfig(cfg *config.Config) (zapi.Config, error) {
	timeout, err := config.ParseDurationField("zapi.timeout", cfg.ZAPI.Timeout)
	if err != nil {
		return zapi.Config{}, err
	}
	return zapi.Config{
		BaseURL:     cfg.ZAPI.BaseURL,
		Instance:    cfg.ZAPI.Instance,
		Token:       cfg.ZAPI.Token,
		ClientToken: cfg.ZAPI.ClientToken,
		RatePerSec:  cfg.ZAPI.RatePerSec,
		Timeout:     timeout,
	}, nil
}

func mapNotionConfig(cfg *config.Config) (notion.Config, error) {
	n := cfg.Notion
	timeout, err := config.ParseDurationField("notion.timeout", n.Timeout)
	if err != nil {
		return notion.Config{}, err
	}
	return notion.Config{
		BaseURL:    n.BaseURL,
		Token:      n.Token,
		DatabaseID: n.DatabaseID,
		Timeout:    timeout,
		Props: notion.Props{
			Name:      n.Props.Name,
			Email:     n.Props.Email,
			Phone:     n.Props.Phone,
			Status:    n.Props.Status,
			Date:      n.Props.Date,
			TestLink:  n.Props.TestLink,
			TestDone:  n.Props.TestDone,
			TestLevel: n.Props.TestLevel,
		},
	}, nil
}

func mapFlexgeConfig(cfg *config.Config) (placement.FlexgeConfig, error) {
	timeout, err := config.ParseDurationField("flexge.timeout", cfg.Flexge.Timeout)
	if err != nil {
		return placement.FlexgeConfig{}, err
	}
	return placement.FlexgeConfig{
		BaseURL: cfg.Flexge.BaseURL,
		APIKey:  cfg.Flexge.APIKey,
		Timeout: timeout,
	}, nil
}

func mapSweepConfig(cfg *config.Config) (placement.SweepConfig, error) {
	pause, err := config.ParseDurationOrDefault("sweep.pause", cfg.Sweep.Pause, time.Second)
	if err != nil {
		return placement.SweepConfig{}, err
	}
	return placement.SweepConfig{Statuses: cfg.Sweep.Statuses, Pause: pause}, nil
}

func sweepSchedule(cfg *config.Config) (scheduler.IntervalSpec, error) {
	raw := strings.TrimSpace(cfg.Sweep.Schedule)
	if raw == "" {
		raw = defaultSweepSchedule
	}
	spec, err := scheduler.ParseInterval(raw)
	if err != nil {
		return scheduler.IntervalSpec{}, fmt.Errorf("sweep.schedule: %w", err)
	}
	return spec, nil
}

func mapZaiaConfig(cfg *config.Config) (aicontext.Config, error) {
	z := cfg.Zaia
	if z == nil {
		return aicontext.Config{}, nil
	}
	timeout, err := config.ParseDurationField("zaia.timeout", z.Timeout)
	if err != nil {
		return aicontext.Config{}, err
	}
	return aicontext.Config{BaseURL: z.BaseURL, APIKey: z.APIKey, AgentID: z.AgentID, Timeout: timeout}, nil
}

// cleanAdmins drops blanks and duplicates, keeping config order.
func cleanAdmins(list []string) []string {
	out := make([]string, 0, len(list))
	seen := map[string]bool{}
	for _, p := range list {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
