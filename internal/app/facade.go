package app

import (
	"context"
	"fmt"
	"time"

	"groupwatch/internal/control"
	"groupwatch/internal/remediation"
	rtsup "groupwatch/internal/runtime/supervisor"
	"groupwatch/internal/storage"
	"groupwatch/internal/watchdog"
	logx "groupwatch/pkg/logx"
)

// The methods below are the operator surface shared by the Telegram
// commands and the control panel.

func (a *App) Snapshot() *watchdog.Snapshot { return a.reg.Load() }

func (a *App) Describe(now time.Time) []watchdog.UnitStatus {
	return watchdog.Describe(a.reg.Load(), a.states, now)
}

func (a *App) LastReport() (watchdog.CycleReport, bool) { return a.loop.LastReport() }

// Probe re-checks access to every configured unit, disabled ones included.
func (a *App) Probe(ctx context.Context) []watchdog.ProbeResult {
	snap := a.reg.Load()
	if snap == nil {
		return nil
	}
	return a.prober.Probe(ctx, snap.Units(), a.now())
}

func (a *App) ProbeUnit(ctx context.Context, id int64) (watchdog.ProbeResult, error) {
	snap := a.reg.Load()
	if snap == nil {
		return watchdog.ProbeResult{}, fmt.Errorf("%w: %d", watchdog.ErrUnknownUnit, id)
	}
	u, ok := snap.Unit(id)
	if !ok {
		return watchdog.ProbeResult{}, fmt.Errorf("%w: %d", watchdog.ErrUnknownUnit, id)
	}
	res := a.prober.Probe(ctx, []watchdog.Unit{u}, a.now())
	if len(res) == 0 {
		return watchdog.ProbeResult{UnitID: id, Name: u.Name}, ctx.Err()
	}
	return res[0], nil
}

func (a *App) RemediateNow(ctx context.Context, id int64, actor string) (remediation.Result, error) {
	return a.loop.RemediateNow(ctx, id, actor)
}

// Reload re-reads the config file and applies it before returning, so the
// caller sees the new generation. The watcher subscriber then skips the
// already-applied config.
func (a *App) Reload(ctx context.Context) error {
	start := time.Now()
	cfg, err := a.cfgm.ReloadNow(ctx)
	if err == nil {
		err = a.apply(ctx, cfg)
	}
	a.audit(ctx, storage.AuditEntry{
		Kind:   storage.KindOperator,
		Action: "reload",
		OK:     err == nil,
		Error:  errText(err),
		TookMS: time.Since(start).Milliseconds(),
	})
	if err != nil {
		a.log.Warn("manual reload failed", logx.Err(err))
	}
	return err
}

func (a *App) RedactedConfig() any { return redactConfig(a.cfgm.Get()) }

func (a *App) RecentAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.RecentAudit(ctx, limit)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// recentAlerts caps the delivery history reported by Runtime.
const recentAlerts = 10

// Runtime reports the supervisors of the long-running parts and the state of
// the alert pipeline.
func (a *App) Runtime() control.RuntimeStatus {
	sups := map[string]rtsup.Snapshot{
		"app":      a.sup.Snapshot(),
		"notifier": a.notif.Supervisor().Snapshot(),
		"commands": a.cmdm.Supervisor().Snapshot(),
	}
	if s, ok := a.adapter.(interface{ Supervisor() *rtsup.Supervisor }); ok {
		sups["telegram"] = s.Supervisor().Snapshot()
	}
	recent := a.notif.Snapshot()
	if len(recent) > recentAlerts {
		recent = recent[len(recent)-recentAlerts:]
	}
	return control.RuntimeStatus{
		Supervisors: sups,
		Notifier: control.NotifierStatus{
			Enabled: a.notif.Enabled(),
			Running: a.notif.Running(),
			Queued:  a.notif.QueueLen(),
			Recent:  recent,
		},
	}
}
