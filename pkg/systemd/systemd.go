// Package systemd reports service state to systemd through sd_notify. Every
// call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "leadsync/pkg/logx"
)

// Notifier sends sd_notify messages. The zero value is disabled.
type Notifier struct {
	enabled bool
	log     logx.Logger
	send    func(state string) (bool, error)
}

func New(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		enabled: enabled,
		log:     log,
		send:    func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
}

func (n *Notifier) notify(state string) {
	if n == nil || !n.enabled {
		return
	}
	sent, err := n.send(state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case !sent:
		n.log.Debug("sd_notify skipped: no NOTIFY_SOCKET", logx.String("state", state))
	}
}

func (n *Notifier) Ready()          { n.notify(daemon.SdNotifyReady) }
func (n *Notifier) Stopping()       { n.notify(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading()      { n.notify(daemon.SdNotifyReloading) }
func (n *Notifier) Status(s string) { n.notify("STATUS=" + s) }

// Watchdog pings systemd at half the unit's WatchdogSec until ctx is done.
// healthy gates each ping; a false result lets systemd restart the service.
// It returns at once when no watchdog is configured.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) {
	if n == nil || !n.enabled {
		return
	}
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog config unreadable", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	n.watchdogLoop(ctx, every/2, healthy)
}

func (n *Notifier) watchdogLoop(ctx context.Context, every time.Duration, healthy func() bool) {
	t := time.NewTicker(every)
	defer t.Stop()
	n.log.Info("watchdog enabled", logx.Duration("every", every))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("watchdog ping withheld: unhealthy")
				continue
			}
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
