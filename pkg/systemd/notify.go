// Package systemd speaks the sd_notify protocol for Type=notify units.
package systemd

import (
	"time"

	logx "groupwatch/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends state changes to the service manager. Every method is a
// no-op when disabled or when the process was not started by systemd.
type Notifier struct {
	enabled bool
	log     logx.Logger
	notify  func(unsetEnvironment bool, state string) (bool, error)
}

func New(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{enabled: enabled, log: log, notify: daemon.SdNotify}
}

func (n *Notifier) Enabled() bool { return n != nil && n.enabled }

func (n *Notifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() {
	n.send(daemon.SdNotifyReloading)
}

// Watchdog is the keepalive; the app sends it after every completed poll
// cycle so a hung loop gets the unit restarted.
func (n *Notifier) Watchdog() { n.send(daemon.SdNotifyWatchdog) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(text string) { n.send("STATUS=" + text) }

// WatchdogInterval reports WatchdogSec from the unit, or 0 when unset.
func (n *Notifier) WatchdogInterval() time.Duration {
	if !n.Enabled() {
		return 0
	}
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("systemd watchdog env invalid", logx.Err(err))
		return 0
	}
	return d
}

func (n *Notifier) send(state string) {
	if !n.Enabled() {
		return
	}
	sent, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if !sent {
		n.log.Trace("sd_notify skipped: NOTIFY_SOCKET not set", logx.String("state", state))
	}
}
