package systemd

import (
	"errors"
	"testing"

	logx "groupwatch/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
)

func recording(n *Notifier) *[]string {
	var got []string
	n.notify = func(_ bool, state string) (bool, error) {
		got = append(got, state)
		return true, nil
	}
	return &got
}

func TestNotifierSendsStates(t *testing.T) {
	n := New(true, logx.Nop())
	got := recording(n)

	n.Ready()
	n.Watchdog()
	n.Status("3/4 units")
	n.Reloading()
	n.Stopping()

	assert.Equal(t, []string{
		daemon.SdNotifyReady,
		daemon.SdNotifyWatchdog,
		"STATUS=3/4 units",
		daemon.SdNotifyReloading,
		daemon.SdNotifyStopping,
	}, *got)
}

func TestDisabledNotifierIsSilent(t *testing.T) {
	n := New(false, logx.Nop())
	got := recording(n)
	n.Ready()
	n.Watchdog()
	assert.Empty(t, *got)
	assert.Zero(t, n.WatchdogInterval())

	var nilN *Notifier
	nilN.Ready()
	assert.False(t, nilN.Enabled())
}

func TestNotifyErrorIsLogged(t *testing.T) {
	n := New(true, logx.Nop())
	n.notify = func(bool, string) (bool, error) { return false, errors.New("socket gone") }
	n.Ready()
}
