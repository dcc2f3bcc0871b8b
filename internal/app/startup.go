package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"groupwatch/internal/watchdog"
	logx "groupwatch/pkg/logx"
)

// startupProbe checks access to every enabled unit before the first cycle.
func (a *App) startupProbe(ctx context.Context) []watchdog.ProbeResult {
	snap := a.reg.Load()
	if snap == nil {
		return nil
	}
	units := snap.Enabled()
	if len(units) == 0 {
		a.log.Warn("no enabled units; the watchdog has nothing to poll")
		return nil
	}
	res := a.prober.Probe(ctx, units, a.now())
	a.log.Info("startup access check", logx.Int("units", len(res)), logx.Int("reachable", countOK(res)))
	return res
}

func (a *App) sendStartupNotification(ctx context.Context, probes []watchdog.ProbeResult) {
	cfg := a.cfgm.Get()
	if cfg == nil || !cfg.GlobalSettings.StartupNotificationEnabled() {
		return
	}
	snap := a.reg.Load()
	if snap == nil {
		return
	}
	if err := a.sink.SendOnce(ctx, "startup", startupText(snap, a.now(), probes)); err != nil {
		a.log.Warn("startup notification not delivered", logx.Err(err))
	}
}

func startupText(snap *watchdog.Snapshot, now time.Time, probes []watchdog.ProbeResult) string {
	loc := snap.Schedule.Location
	if loc == nil {
		loc = time.UTC
	}
	period := snap.Schedule.Period(now)
	icon := "☀️"
	if period == watchdog.PeriodNight {
		icon = "🌙"
	}

	var b strings.Builder
	b.WriteString("🚀 Group watchdog started\n\n")
	fmt.Fprintf(&b, "📊 Monitoring: %d/%d units\n", len(snap.Enabled()), snap.Len())
	fmt.Fprintf(&b, "🔄 Interval: %s\n", snap.Interval)
	fmt.Fprintf(&b, "🌍 Timezone: %s\n", loc)
	fmt.Fprintf(&b, "🌙 Night: %s\n", snap.Schedule)
	fmt.Fprintf(&b, "%s Period: %s", icon, period)

	var down []string
	for _, r := range probes {
		if !r.OK {
			down = append(down, r.Name)
		}
	}
	if len(down) > 0 {
		fmt.Fprintf(&b, "\n\n⚠️ Unreachable: %s", strings.Join(down, ", "))
	}
	return b.String()
}
