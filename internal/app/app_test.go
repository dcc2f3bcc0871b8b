package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"groupwatch/internal/config"
	"groupwatch/internal/eventbus"
	"groupwatch/internal/storage"
	kit "groupwatch/internal/transport"
	"groupwatch/internal/watchdog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSnapshot(t *testing.T) {
	cfg := &config.Config{
		GlobalSettings: config.GlobalSettings{
			CheckIntervalSeconds: 30,
			Timezone:             "UTC",
			NightHours:           config.NightHours{Start: "22:00", End: "06:00"},
			NotifyOnRecovery:     true,
		},
		Groups: []config.GroupConfig{
			{ChatID: -1001, Name: " Alpha ", Monitoring: config.MonitoringConfig{Enabled: true, DayInactiveMinutes: 5, NightInactiveMinutes: 2},
				APIReboot: &config.RemediationConfig{Enabled: true, URL: "http://x/reboot", Method: "post"}},
			{UnitID: -1002, Name: "Beta", Monitoring: config.MonitoringConfig{Enabled: false}},
		},
	}
	snap, err := buildSnapshot(cfg)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, snap.Interval)
	assert.True(t, snap.Policy.NotifyOnRecovery)
	assert.Equal(t, 2, snap.Len())
	assert.Len(t, snap.Enabled(), 1)

	u, ok := snap.Unit(-1001)
	require.True(t, ok)
	assert.Equal(t, "Alpha", u.Name)
	assert.Equal(t, 5*time.Minute, u.DayThreshold)
	assert.Equal(t, 2*time.Minute, u.NightThreshold)
	assert.Equal(t, "POST", u.Remediation.Method)
	assert.True(t, u.Remediation.Configured())

	cfg.GlobalSettings.NightHours.Start = "25:99"
	_, err = buildSnapshot(cfg)
	assert.Error(t, err)
}

func TestNotifyAndLogTargets(t *testing.T) {
	cfg := &config.Config{Telegram: config.TelegramConfig{OwnerUserIDs: []int64{42, 43}}}
	assert.Equal(t, kit.ChatTarget{ChatID: 42}, notifyTarget(cfg))

	cfg.Telegram.NotifyChatID, cfg.Telegram.NotifyThreadID = -100, 7
	assert.Equal(t, kit.ChatTarget{ChatID: -100, ThreadID: 7}, notifyTarget(cfg))

	assert.Zero(t, notifyTarget(&config.Config{}).ChatID)

	cfg.Telegram.GroupLog = " -100123 "
	assert.Equal(t, int64(-100123), logTarget(cfg))
	cfg.Telegram.GroupLog = "@logs"
	assert.Zero(t, logTarget(cfg))
}

func TestStorageConfig(t *testing.T) {
	_, on, err := storageConfig(&config.Config{})
	require.NoError(t, err)
	assert.False(t, on)

	sc, on, err := storageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite3", Path: "x.db", BusyTimeout: "2s"}})
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, storage.Config{Driver: "sqlite", Path: "x.db", BusyTimeout: 2 * time.Second}, sc)

	_, _, err = storageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}})
	assert.Error(t, err)
	_, _, err = storageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "redis"}})
	assert.Error(t, err)
}

func TestRedactConfig(t *testing.T) {
	cfg := &config.Config{
		Telegram: config.TelegramConfig{Token: "123:abc"},
		Logging:  config.LoggingConfig{Elastic: &config.LoggingElastic{Password: "pw"}},
		Control:  &config.ControlConfig{Token: "tok"},
		Groups: []config.GroupConfig{{UnitID: 1, Name: "A",
			Remediation: &config.RemediationConfig{Headers: map[string]string{"Authorization": "Bearer x"}}}},
	}
	out := redactConfig(cfg)
	require.NotNil(t, out)
	assert.Equal(t, redacted, out.Telegram.Token)
	assert.Equal(t, redacted, out.Logging.Elastic.Password)
	assert.Equal(t, redacted, out.Control.Token)
	assert.Equal(t, redacted, out.Groups[0].Remediation.Headers["Authorization"])

	// the running config is untouched
	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, "Bearer x", cfg.Groups[0].Remediation.Headers["Authorization"])
}

func TestAuditEntry(t *testing.T) {
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	e, ok := auditEntry(eventbus.Event{Type: watchdog.EventBreach, Time: at, Data: watchdog.EpisodeEvent{
		UnitID: 1, UnitName: "Alpha", Period: watchdog.PeriodDay, ElapsedSec: 360, ThresholdSec: 300,
	}})
	require.True(t, ok)
	assert.Equal(t, storage.KindEpisode, e.Kind)
	assert.Equal(t, "breach", e.Action)
	assert.JSONEq(t, `{"period":"day","elapsed_sec":360,"threshold_sec":300}`, e.MetaJSON)

	e, ok = auditEntry(eventbus.Event{Type: watchdog.EventRemediation, Time: at, Data: watchdog.EpisodeEvent{
		UnitID: 1, UnitName: "Alpha", OK: true, Status: 200, Manual: true, Actor: "tg:@op",
	}})
	require.True(t, ok)
	assert.Equal(t, storage.KindOperator, e.Kind)
	assert.Equal(t, "remediate", e.Action)
	assert.Equal(t, "tg:@op", e.Actor)
	assert.Equal(t, 200, e.Status)

	e, ok = auditEntry(eventbus.Event{Type: watchdog.EventPeriodChanged, Time: at, Data: watchdog.PeriodEvent{
		From: watchdog.PeriodDay, To: watchdog.PeriodNight, At: at,
	}})
	require.True(t, ok)
	assert.Equal(t, "period_changed", e.Action)

	_, ok = auditEntry(eventbus.Event{Type: watchdog.EventActivity, Time: at, Data: watchdog.ActivityEvent{UnitID: 1, At: at}})
	assert.False(t, ok)
	_, ok = auditEntry(eventbus.Event{Type: watchdog.EventCycle, Time: at, Data: watchdog.CycleReport{}})
	assert.False(t, ok)
}

func TestStartupText(t *testing.T) {
	sched, err := watchdog.ParseSchedule("22:00", "06:00", "UTC")
	require.NoError(t, err)
	snap, err := watchdog.NewSnapshot([]watchdog.Unit{
		{ID: 1, Name: "Alpha", Enabled: true, DayThreshold: 5 * time.Minute, NightThreshold: 2 * time.Minute},
		{ID: 2, Name: "Beta", Enabled: true, DayThreshold: 5 * time.Minute, NightThreshold: 2 * time.Minute},
		{ID: 3, Name: "Gamma"},
	}, sched, time.Minute, watchdog.Policy{})
	require.NoError(t, err)

	s := startupText(snap, time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC), []watchdog.ProbeResult{
		{UnitID: 1, Name: "Alpha", OK: true},
		{UnitID: 2, Name: "Beta", OK: false},
	})
	assert.Contains(t, s, "Monitoring: 2/3 units")
	assert.Contains(t, s, "Interval: 1m0s")
	assert.Contains(t, s, "Timezone: UTC")
	assert.Contains(t, s, "🌙 Period: night")
	assert.Contains(t, s, "Unreachable: Beta")
	assert.NotContains(t, s, "Alpha,")
}

func TestUnitChanges(t *testing.T) {
	sched, _ := watchdog.ParseSchedule("22:00", "06:00", "UTC")
	mk := func(units ...watchdog.Unit) *watchdog.Snapshot {
		s, err := watchdog.NewSnapshot(units, sched, time.Minute, watchdog.Policy{})
		require.NoError(t, err)
		return s
	}
	on := func(id int64) watchdog.Unit {
		return watchdog.Unit{ID: id, Name: fmt.Sprint(id), Enabled: true, DayThreshold: time.Minute, NightThreshold: time.Minute}
	}
	off := func(id int64) watchdog.Unit { u := on(id); u.Enabled = false; return u }

	prev := mk(on(1), off(2), on(3), on(4), on(6))
	next := mk(on(1), on(2), on(4), on(5), off(6))
	forget, probe := unitChanges(prev, next, []int64{4})
	assert.ElementsMatch(t, []int64{2, 3, 6}, forget)
	var ids []int64
	for _, u := range probe {
		ids = append(ids, u.ID)
	}
	assert.ElementsMatch(t, []int64{2, 4, 5}, ids)
}

// fakeTransport records outgoing text and answers access probes from a map.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []string
	blocked map[int64]bool
}

func (f *fakeTransport) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeTransport) Stop(context.Context) error                     { return nil }
func (f *fakeTransport) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID}, nil
}
func (f *fakeTransport) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (f *fakeTransport) CheckAccess(_ context.Context, chatID int64) (string, error) {
	if f.blocked[chatID] {
		return "", errors.New("chat not found")
	}
	return fmt.Sprintf("chat %d", chatID), nil
}

func (f *fakeTransport) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func writeConfig(t *testing.T, path string, cfg map[string]any) {
	t.Helper()
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
}

func testConfig(dir string, groups ...map[string]any) map[string]any {
	return map[string]any{
		"telegram": map[string]any{"token": "123:abc", "owner_user_ids": []int64{42}},
		"logging":  map[string]any{"level": "error", "console": false},
		"global_settings": map[string]any{
			"check_interval_seconds": 60,
			"timezone":               "UTC",
			"night_hours":            map[string]any{"start": "22:00", "end": "06:00"},
		},
		"groups":   groups,
		"notifier": map[string]any{"enabled": false},
		"storage":  map[string]any{"driver": "file", "path": filepath.Join(dir, "data")},
	}
}

func group(id int64, name, rebootURL string) map[string]any {
	g := map[string]any{
		"unit_id":    id,
		"name":       name,
		"monitoring": map[string]any{"enabled": true, "day_inactive_minutes": 30, "night_inactive_minutes": 60},
	}
	if rebootURL != "" {
		g["remediation"] = map[string]any{"enabled": true, "url": rebootURL, "method": "POST"}
	}
	return g
}

func TestAppLifecycle(t *testing.T) {
	var reboots sync.WaitGroup
	reboots.Add(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer reboots.Done()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, testConfig(dir,
		group(-1001, "Alpha", srv.URL),
		group(-1002, "Beta", ""),
	))

	tr := &fakeTransport{blocked: map[int64]bool{-1002: true}}
	a, err := New(path, WithTransport(tr))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		assert.NoError(t, a.Stop(stopCtx, StopAppStop))
	}()

	// startup notification goes to the first owner once the access check finishes
	require.Eventually(t, func() bool {
		for _, m := range tr.messages() {
			if strings.Contains(m, "Unreachable: Beta") {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool { _, ok := a.LastReport(); return ok }, 5*time.Second, 20*time.Millisecond)

	rows := a.Describe(time.Now())
	require.Len(t, rows, 2)
	byID := map[int64]watchdog.UnitStatus{}
	for _, r := range rows {
		byID[r.ID] = r
	}
	assert.True(t, byID[-1001].Accessible)
	assert.Equal(t, watchdog.StateIdle, byID[-1001].State)
	assert.Equal(t, watchdog.StateInaccessible, byID[-1002].State)

	pr, err := a.ProbeUnit(ctx, -1001)
	require.NoError(t, err)
	assert.True(t, pr.OK)
	_, err = a.ProbeUnit(ctx, 7)
	assert.ErrorIs(t, err, watchdog.ErrUnknownUnit)

	res, err := a.RemediateNow(ctx, -1001, "test")
	require.NoError(t, err)
	assert.True(t, res.OK)
	reboots.Wait()

	// reload with a third unit
	writeConfig(t, path, testConfig(dir,
		group(-1001, "Alpha", srv.URL),
		group(-1002, "Beta", ""),
		group(-1003, "Gamma", ""),
	))
	require.NoError(t, a.Reload(ctx))
	assert.Equal(t, 3, a.Snapshot().Len())

	require.Eventually(t, func() bool {
		entries, err := a.RecentAudit(ctx, 50)
		if err != nil {
			return false
		}
		var remediate, reload bool
		for _, e := range entries {
			remediate = remediate || (e.Action == "remediate" && e.Actor == "test" && e.OK)
			reload = reload || (e.Action == "reload" && e.OK)
		}
		return remediate && reload
	}, 5*time.Second, 20*time.Millisecond)

	redactedCfg, ok := a.RedactedConfig().(*config.Config)
	require.True(t, ok)
	assert.Equal(t, redacted, redactedCfg.Telegram.Token)

	rt := a.Runtime()
	assert.False(t, rt.Notifier.Enabled)
	var names []string
	for _, g := range rt.Supervisors["app"].Goroutines {
		names = append(names, g.Name)
	}
	assert.Contains(t, names, "watchdog")
}

func TestReenabledUnitIsMeasuredFromProbe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, testConfig(dir, group(-1001, "Alpha", "")))

	var mu sync.Mutex
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	setClock := func(t time.Time) { mu.Lock(); now = t; mu.Unlock() }

	a, err := New(path, WithTransport(&fakeTransport{}), WithClock(clock))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()
	require.Eventually(t, func() bool { _, ok := a.states.Get(-1001); return ok }, 5*time.Second, 20*time.Millisecond)

	disabled := group(-1001, "Alpha", "")
	disabled["monitoring"].(map[string]any)["enabled"] = false
	writeConfig(t, path, testConfig(dir, disabled))
	require.NoError(t, a.Reload(ctx))
	_, ok := a.states.Get(-1001)
	assert.False(t, ok, "disabled unit keeps no runtime state")

	// traffic while disabled is not recorded
	setClock(time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC))
	a.ingress.OnActivity(-1001, clock())

	reenabledAt := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	setClock(reenabledAt)
	writeConfig(t, path, testConfig(dir, group(-1001, "Alpha", "")))
	require.NoError(t, a.Reload(ctx))
	require.Eventually(t, func() bool {
		st, ok := a.states.Get(-1001)
		return ok && st.Accessible && st.LastActivityAt.Equal(reenabledAt)
	}, 5*time.Second, 20*time.Millisecond)

	rep := a.loop.RunCycle(ctx, reenabledAt.Add(time.Minute))
	assert.Equal(t, 1, rep.Checked)
	assert.Zero(t, rep.Breached)
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, testConfig(dir, group(-1001, "Alpha", "")))

	a, err := New(path, WithTransport(&fakeTransport{}))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	bad := testConfig(dir, group(-1001, "Alpha", ""))
	bad["global_settings"].(map[string]any)["check_interval_seconds"] = 0
	writeConfig(t, path, bad)

	assert.Error(t, a.Reload(ctx))
	assert.Equal(t, time.Minute, a.Snapshot().Interval)
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, testConfig(dir, group(-1001, "Alpha", ""), group(-1002, "Beta", "")))

	summary, err := Check(path)
	require.NoError(t, err)
	assert.Equal(t, "2 units (2 enabled), interval 1m0s, night 22:00-06:00 UTC", summary)

	_, err = Check(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestStopReasonFromSignal(t *testing.T) {
	assert.Equal(t, StopSIGINT, StopReasonFromSignal(os.Interrupt))
	assert.Equal(t, StopSIGTERM, StopReasonFromSignal(syscall.SIGTERM))
	assert.Equal(t, StopUnknown, StopReasonFromSignal(syscall.SIGHUP))
}
