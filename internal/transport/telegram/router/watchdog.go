package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"groupwatch/internal/remediation"
	"groupwatch/internal/watchdog"
)

// Watchdog is the read and operator surface the commands need. Commands
// never touch watchdog state except through these calls.
type Watchdog interface {
	Snapshot() *watchdog.Snapshot
	Describe(now time.Time) []watchdog.UnitStatus
	Probe(ctx context.Context) []watchdog.ProbeResult
	Reload(ctx context.Context) error
	RemediateNow(ctx context.Context, id int64, actor string) (remediation.Result, error)
	LastReport() (watchdog.CycleReport, bool)
}

// WatchdogCommands returns the operator commands. now is injectable for tests.
func WatchdogCommands(wd Watchdog, now func() time.Time) []Command {
	if now == nil {
		now = time.Now
	}
	h := &wdHandlers{wd: wd, now: now}
	return []Command{
		{Name: "status", Description: "monitoring status of every unit", Usage: "/status", Access: AccessOwnerOnly, Handle: h.status},
		{Name: "groups", Description: "configured units and thresholds", Usage: "/groups", Access: AccessOwnerOnly, Handle: h.groups},
		{Name: "time", Description: "current time, period and thresholds", Usage: "/time", Access: AccessOwnerOnly, Handle: h.clock},
		{Name: "test", Description: "re-check access to every chat", Usage: "/test", Access: AccessOwnerOnly, Timeout: 2 * time.Minute, Handle: h.test},
		{Name: "reload", Description: "reload the configuration file", Usage: "/reload", Access: AccessOwnerOnly, Handle: h.reload},
		{Name: "reboot", Description: "run remediation for a unit now", Usage: "/reboot <unit name>", Access: AccessOwnerOnly, Timeout: 2 * time.Minute, Handle: h.reboot},
	}
}

type wdHandlers struct {
	wd  Watchdog
	now func() time.Time
}

func periodIcon(p watchdog.Period) string {
	if p == watchdog.PeriodNight {
		return "🌙"
	}
	return "☀️"
}

func minutes(d time.Duration) int { return int(d / time.Minute) }

func esc(s string) string { return html.EscapeString(s) }

func (h *wdHandlers) snapshot() (*watchdog.Snapshot, error) {
	snap := h.wd.Snapshot()
	if snap == nil {
		return nil, userErrorf("no configuration loaded")
	}
	return snap, nil
}

func (h *wdHandlers) status(ctx context.Context, req *Request) error {
	snap, err := h.snapshot()
	if err != nil {
		return err
	}
	now := h.now()
	rows := h.wd.Describe(now)
	period := snap.Schedule.Period(now)

	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>Monitoring:</b> %d/%d units active\n", len(snap.Enabled()), snap.Len())
	fmt.Fprintf(&b, "%s <b>Period:</b> %s\n", periodIcon(period), period)
	for _, r := range rows {
		b.WriteString("\n")
		if !r.Enabled {
			fmt.Fprintf(&b, "⏸️ <b>%s</b> <code>%d</code>\n   disabled\n", esc(r.Name), r.ID)
			continue
		}
		mark := "🟢"
		switch r.State {
		case watchdog.StateBreachedPending, watchdog.StateBreachedNotified, watchdog.StateBreachedRemediated:
			mark = "🔴"
		case watchdog.StateInaccessible, watchdog.StateNoActivity:
			mark = "⚪"
		}
		fmt.Fprintf(&b, "✅ <b>%s</b> %s <code>%d</code>\n", esc(r.Name), mark, r.ID)
		if r.LastActivityAt != nil {
			fmt.Fprintf(&b, "   last: %s, idle %d/%d min\n",
				r.LastActivityAt.In(location(snap)).Format("15:04:05"),
				minutes(r.Elapsed()), minutes(r.Threshold()))
		} else {
			fmt.Fprintf(&b, "   no activity yet, limit %d min\n", minutes(r.Threshold()))
		}
		fmt.Fprintf(&b, "   day/night: %d/%d min, access: %s, state: %s\n",
			int(r.DayThresholdSec/60), int(r.NightThresholdSec/60), yesNo(r.Accessible), r.State)
		if r.RemediationEnabled {
			fmt.Fprintf(&b, "   remediation: %s\n", map[bool]string{true: "called", false: "waiting"}[r.Remediated])
		}
	}
	fmt.Fprintf(&b, "\n🔄 Interval: %s\n🌙 Night: %s", snap.Interval, esc(snap.Schedule.String()))
	if rep, ok := h.wd.LastReport(); ok {
		fmt.Fprintf(&b, "\n⏱ Last cycle: %s ago, %d checked, %d breached",
			watchdog.HumanDuration(now.Sub(rep.At)), rep.Checked, rep.Breached)
	}
	return req.Reply(ctx, b.String())
}

func (h *wdHandlers) groups(ctx context.Context, req *Request) error {
	snap, err := h.snapshot()
	if err != nil {
		return err
	}
	now := h.now()
	var b strings.Builder
	fmt.Fprintf(&b, "👥 <b>Configured units</b> %s\n", periodIcon(snap.Schedule.Period(now)))
	for i, u := range snap.Units() {
		state := "✅ enabled"
		current := 0
		if !u.Enabled {
			state = "⏸️ disabled"
		} else {
			current = minutes(snap.Schedule.Threshold(u, now))
		}
		fmt.Fprintf(&b, "\n<b>%d. %s</b>\n", i+1, esc(u.Name))
		if u.Description != "" {
			fmt.Fprintf(&b, "   📝 %s\n", esc(u.Description))
		}
		fmt.Fprintf(&b, "   🆔 <code>%d</code>\n   📊 %s\n   ☀️ day %d min, 🌙 night %d min, now %d min\n   🔄 remediation: %s\n",
			u.ID, state, minutes(u.DayThreshold), minutes(u.NightThreshold), current, yesNo(u.Remediation.Configured()))
	}
	return req.Reply(ctx, b.String())
}

func (h *wdHandlers) clock(ctx context.Context, req *Request) error {
	snap, err := h.snapshot()
	if err != nil {
		return err
	}
	now := h.now()
	loc := location(snap)
	period := snap.Schedule.Period(now)

	var b strings.Builder
	fmt.Fprintf(&b, "🕐 <b>Time and schedule</b>\n\n")
	fmt.Fprintf(&b, "📅 %s\n🌍 %s\n%s Period: %s\n\n", now.In(loc).Format("02.01.2006 15:04:05"), esc(loc.String()), periodIcon(period), period)
	fmt.Fprintf(&b, "🌙 Night: %s\n☀️ Day: the rest\n\n<b>Current limits</b>\n", esc(snap.Schedule.String()))
	for _, u := range snap.Enabled() {
		fmt.Fprintf(&b, "📱 %s: %d min (day %d / night %d)\n",
			esc(u.Name), minutes(snap.Schedule.Threshold(u, now)), minutes(u.DayThreshold), minutes(u.NightThreshold))
	}
	return req.Reply(ctx, b.String())
}

func (h *wdHandlers) test(ctx context.Context, req *Request) error {
	snap, err := h.snapshot()
	if err != nil {
		return err
	}
	_ = req.Reply(ctx, "🔄 Checking access to all chats...")
	results := h.wd.Probe(ctx)
	now := h.now()
	icon := periodIcon(snap.Schedule.Period(now))

	var b strings.Builder
	fmt.Fprintf(&b, "🧪 <b>Access check</b> %s\n\n", icon)
	for _, r := range results {
		u, _ := snap.Unit(r.UnitID)
		access := "✅"
		if !r.OK {
			access = "❌"
		}
		mon := "🟢"
		limit := 0
		if !u.Enabled {
			mon = "⏸️"
		} else {
			limit = minutes(snap.Schedule.Threshold(u, now))
		}
		rem := "❌"
		if u.Remediation.Configured() {
			rem = "🔄"
		}
		fmt.Fprintf(&b, "%s%s %s (%d min%s) %s\n", access, mon, esc(r.Name), limit, icon, rem)
	}
	b.WriteString("\n✅❌ chat access · 🟢⏸️ monitoring · 🔄❌ remediation")
	return req.Reply(ctx, b.String())
}

func (h *wdHandlers) reload(ctx context.Context, req *Request) error {
	before := h.wd.Snapshot()
	if err := h.wd.Reload(ctx); err != nil {
		return userErrorf("reload failed: %v", err)
	}
	after, err := h.snapshot()
	if err != nil {
		return err
	}
	now := h.now()
	p := after.Schedule.Period(now)
	return req.Reply(ctx, fmt.Sprintf("✅ Configuration reloaded\n📊 Active units: %d → %d\n🌍 %s\n%s Period: %s",
		len(before.Enabled()), len(after.Enabled()), esc(location(after).String()), periodIcon(p), p))
}

func (h *wdHandlers) reboot(ctx context.Context, req *Request) error {
	snap, err := h.snapshot()
	if err != nil {
		return err
	}
	now := h.now()
	name := strings.TrimSpace(strings.Join(req.Args, " "))
	if name == "" {
		return req.Reply(ctx, "Usage: <code>/reboot &lt;unit name&gt;</code>\n\n"+unitList(snap, now))
	}
	u, ok := snap.FindByName(name)
	if !ok {
		return req.Reply(ctx, fmt.Sprintf("❌ Unit %q not found.\n\n%s", esc(name), unitList(snap, now)))
	}
	if !u.Enabled {
		return userErrorf("monitoring is disabled for %s", u.Name)
	}
	if !u.Remediation.Configured() {
		return userErrorf("remediation is disabled for %s", u.Name)
	}

	_ = req.Reply(ctx, fmt.Sprintf("🔄 Running remediation for %s (%s, limit %d min)...",
		esc(u.Name), snap.Schedule.Period(now), minutes(snap.Schedule.Threshold(u, now))))
	res, err := h.wd.RemediateNow(ctx, u.ID, req.Actor)
	switch {
	case errors.Is(err, remediation.ErrNotConfigured):
		return userErrorf("remediation is disabled for %s", u.Name)
	case !res.OK:
		detail := fmt.Sprintf("HTTP %d", res.Status)
		if res.Status == 0 && res.Err != nil {
			detail = res.Err.Error()
		}
		return req.Reply(ctx, fmt.Sprintf("❌ Remediation for %s failed: %s", esc(u.Name), esc(detail)))
	}
	return req.Reply(ctx, fmt.Sprintf("✅ Remediation for %s succeeded (HTTP %d, %s)", esc(u.Name), res.Status, res.Took.Round(time.Millisecond)))
}

func unitList(snap *watchdog.Snapshot, now time.Time) string {
	icon := periodIcon(snap.Schedule.Period(now))
	lines := []string{"<b>Available units</b>"}
	for _, u := range snap.Enabled() {
		lines = append(lines, fmt.Sprintf("• %s (%d min%s)", esc(u.Name), minutes(snap.Schedule.Threshold(u, now)), icon))
	}
	return strings.Join(lines, "\n")
}

func location(snap *watchdog.Snapshot) *time.Location {
	if snap.Schedule.Location == nil {
		return time.UTC
	}
	return snap.Schedule.Location
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
