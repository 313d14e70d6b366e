package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	logx "leadsync/pkg/logx"
)

// DefaultTimezone is the zone used when scheduler.timezone is empty.
const DefaultTimezone = "America/Sao_Paulo"

// Location resolves scheduler.timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

// Validate checks bounds, durations and required fields. It is used both at
// startup and before a hot reload is committed.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	nonNegative := func(path string, v int) {
		if v < 0 {
			add(fmt.Errorf("%s must be >= 0", path))
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if !logx.ValidLevel(c.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if !logx.ValidLevel(c.Logging.Alert.MinLevel) {
		add(fmt.Errorf("logging.alert.min_level: unknown level %q", c.Logging.Alert.MinLevel))
	}
	nonNegative("logging.alert.rate_per_sec", c.Logging.Alert.RatePerSec)

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(errors.New("storage.path is required"))
		}
	case "memory":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	_, err := c.Location()
	add(err)
	dur("scheduler.tick_interval", c.Scheduler.TickInterval)
	dur("scheduler.callback_timeout", c.Scheduler.CallbackTimeout)
	dur("scheduler.retry_base", c.Scheduler.RetryBase)
	dur("scheduler.stop_timeout", c.Scheduler.StopTimeout)
	nonNegative("scheduler.max_attempts", c.Scheduler.MaxAttempts)

	nonNegative("engine.workers", c.Engine.Workers)
	nonNegative("engine.queue_size", c.Engine.QueueSize)
	nonNegative("engine.history_size", c.Engine.HistorySize)
	dur("engine.max_queue_delay", c.Engine.MaxDelay)

	if c.HTTP.VerifySignature && strings.TrimSpace(c.HTTP.WebhookSecret) == "" {
		add(errors.New("http.webhook_secret is required when http.verify_signature is true"))
	}
	dur("http.replay_window", c.HTTP.ReplayWindow)
	dur("http.read_timeout", c.HTTP.ReadTimeout)
	dur("http.write_timeout", c.HTTP.WriteTimeout)

	nonNegative("zapi.rate_per_sec", c.ZAPI.RatePerSec)
	dur("zapi.timeout", c.ZAPI.Timeout)
	if c.Telegram != nil && strings.TrimSpace(c.Telegram.Token) != "" && c.Telegram.ChatID == 0 {
		add(errors.New("telegram.chat_id is required when telegram.token is set"))
	}
	dur("notion.timeout", c.Notion.Timeout)
	dur("flexge.timeout", c.Flexge.Timeout)
	dur("sweep.timeout", c.Sweep.Timeout)
	dur("sweep.pause", c.Sweep.Pause)
	if c.Zaia != nil {
		dur("zaia.timeout", c.Zaia.Timeout)
	}
	if n := c.Notifier; n != nil {
		nonNegative("notifier.workers", n.Workers)
		nonNegative("notifier.queue_size", n.QueueSize)
		nonNegative("notifier.rate_per_sec", n.RatePerSec)
		nonNegative("notifier.retry_max", n.RetryMax)
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}
	for i, p := range c.Admins {
		if strings.TrimSpace(p) == "" {
			add(fmt.Errorf("admins[%d] is empty", i))
		}
	}
	return errors.Join(errs...)
}
