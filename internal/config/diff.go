package config

import (
	"reflect"

	logx "leadsync/pkg/logx"
)

// liveSections are applied by the running app on reload; every other section
// needs a restart.
var liveSections = map[string]bool{
	"logging": true,
	"admins":  true,
}

// SummarizeConfigChange lists changed sections, safe structured attrs for
// logging (never secrets), and the changed sections that need a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if !liveSections[section] {
			restart = append(restart, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Admins, newCfg.Admins) {
		mark("admins", logx.Int("admins.count", len(newCfg.Admins)))
	}
	if oldCfg.Booking != newCfg.Booking {
		mark("booking")
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage", logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler",
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.tick_interval", newCfg.Scheduler.TickInterval),
		)
	}
	if oldCfg.Engine != newCfg.Engine {
		mark("engine", logx.Int("engine.workers", newCfg.Engine.Workers))
	}
	if oldCfg.HTTP != newCfg.HTTP {
		mark("http",
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.verify_signature", newCfg.HTTP.VerifySignature),
			logx.Bool("http.admin_enabled", newCfg.HTTP.AdminToken != ""),
		)
	}
	if oldCfg.ZAPI != newCfg.ZAPI {
		mark("zapi", logx.Bool("zapi.instance_set", newCfg.ZAPI.Instance != ""))
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		mark("telegram", logx.Bool("telegram.enabled", newCfg.Telegram != nil && newCfg.Telegram.Token != ""))
	}
	if oldCfg.Notion != newCfg.Notion {
		mark("notion", logx.Bool("notion.database_set", newCfg.Notion.DatabaseID != ""))
	}
	if oldCfg.Flexge != newCfg.Flexge {
		mark("flexge", logx.Bool("flexge.enabled", newCfg.Flexge.APIKey != ""))
	}
	if !reflect.DeepEqual(oldCfg.Sweep, newCfg.Sweep) {
		mark("sweep",
			logx.Bool("sweep.enabled", newCfg.Sweep.Enabled),
			logx.String("sweep.schedule", newCfg.Sweep.Schedule),
		)
	}
	if !reflect.DeepEqual(oldCfg.Zaia, newCfg.Zaia) {
		mark("zaia", logx.Bool("zaia.enabled", newCfg.Zaia != nil && newCfg.Zaia.APIKey != ""))
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		mark("notifier")
	}
	if oldCfg.Systemd != newCfg.Systemd {
		mark("systemd")
	}
	return changed, attrs, restart
}
