package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"groupwatch/internal/remediation"
	kit "groupwatch/internal/transport"
	"groupwatch/internal/watchdog"
	logx "groupwatch/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	mu      sync.Mutex
	replies chan string
	menu    []kit.BotCommand
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{replies: make(chan string, 64)} }

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }
func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.replies <- text
	return kit.MessageRef{ChatID: to.ChatID}, nil
}
func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) next(t *testing.T) string {
	t.Helper()
	select {
	case s := <-f.replies:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return ""
	}
}

// waitFor skips progress replies until one contains want.
func (f *fakeAdapter) waitFor(t *testing.T, want string) string {
	t.Helper()
	for {
		if s := f.next(t); strings.Contains(s, want) {
			return s
		}
	}
}

type fakeWatchdog struct {
	snap      *watchdog.Snapshot
	store     *watchdog.ActivityStore
	reloadErr error
	remResult remediation.Result
	remCalls  []int64
	mu        sync.Mutex
}

func (f *fakeWatchdog) Snapshot() *watchdog.Snapshot { return f.snap }
func (f *fakeWatchdog) Describe(now time.Time) []watchdog.UnitStatus {
	return watchdog.Describe(f.snap, f.store, now)
}
func (f *fakeWatchdog) Probe(context.Context) []watchdog.ProbeResult {
	var out []watchdog.ProbeResult
	for _, u := range f.snap.Units() {
		out = append(out, watchdog.ProbeResult{UnitID: u.ID, Name: u.Name, OK: u.ID != 3})
	}
	return out
}
func (f *fakeWatchdog) Reload(context.Context) error { return f.reloadErr }
func (f *fakeWatchdog) RemediateNow(_ context.Context, id int64, _ string) (remediation.Result, error) {
	f.mu.Lock()
	f.remCalls = append(f.remCalls, id)
	f.mu.Unlock()
	return f.remResult, f.remResult.Err
}
func (f *fakeWatchdog) LastReport() (watchdog.CycleReport, bool) { return watchdog.CycleReport{}, false }

const owner = int64(100)

var noon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newFakeWatchdog(t *testing.T) *fakeWatchdog {
	t.Helper()
	sched, err := watchdog.ParseSchedule("22:00", "06:00", "UTC")
	require.NoError(t, err)
	units := []watchdog.Unit{
		{ID: 1, Name: "Alpha", Enabled: true, DayThreshold: 5 * time.Minute, NightThreshold: 2 * time.Minute,
			Remediation: remediation.Spec{Enabled: true, URL: "http://x/reboot", Method: "POST"}},
		{ID: 2, Name: "Beta", Enabled: true, DayThreshold: 10 * time.Minute, NightThreshold: 3 * time.Minute},
		{ID: 3, Name: "Gamma", Enabled: false, DayThreshold: 10 * time.Minute, NightThreshold: 3 * time.Minute},
	}
	snap, err := watchdog.NewSnapshot(units, sched, time.Minute, watchdog.Policy{})
	require.NoError(t, err)
	store := watchdog.NewActivityStore()
	store.RecordActivity(1, noon.Add(-7*time.Minute))
	return &fakeWatchdog{snap: snap, store: store, remResult: remediation.Result{OK: true, Status: 200}}
}

type harness struct {
	adapter  *fakeAdapter
	wd       *fakeWatchdog
	updates  chan kit.Update
	mu       sync.Mutex
	activity []int64
}

func startHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{adapter: newFakeAdapter(), wd: newFakeWatchdog(t), updates: make(chan kit.Update, 16)}
	m := NewCommandManager(logx.Nop(), h.adapter, []int64{owner}, func(chatID int64, at time.Time) bool {
		h.mu.Lock()
		h.activity = append(h.activity, chatID)
		h.mu.Unlock()
		return true
	})
	m.SetCommands(WatchdogCommands(h.wd, func() time.Time { return noon }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, h.updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) send(from int64, chat int64, group bool, text string) {
	h.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: chat, FromID: from, Text: text, IsGroup: group, At: noon,
	}}
}

func (h *harness) activityCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.activity)
}

func TestGroupMessagesCountAsActivity(t *testing.T) {
	h := startHarness(t)
	h.send(7, -1001, true, "hello")
	h.send(7, 7, false, "private hello")
	h.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: -1001, IsGroup: true, Outgoing: true}}
	h.send(owner, -1001, true, "/status")

	h.adapter.waitFor(t, "Monitoring")
	assert.Equal(t, 2, h.activityCount())
}

func TestChannelPostsCountAsActivity(t *testing.T) {
	h := startHarness(t)
	h.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: -1003, FromID: -1003, Text: "/status", IsChannel: true, At: noon,
	}}
	h.send(owner, 7, false, "/help")

	h.adapter.next(t)
	assert.Equal(t, 1, h.activityCount())
	select {
	case s := <-h.adapter.replies:
		t.Fatalf("unexpected reply %q", s)
	default:
	}
}

func TestNonOwnerIsIgnoredInGroups(t *testing.T) {
	h := startHarness(t)
	h.send(7, -1001, true, "/status")
	h.send(7, 7, false, "/status")
	assert.Equal(t, "unauthorized", h.adapter.next(t))
	select {
	case s := <-h.adapter.replies:
		t.Fatalf("unexpected reply %q", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStatusCommand(t *testing.T) {
	h := startHarness(t)
	h.send(owner, owner, false, "/status@groupwatch_bot")
	s := h.adapter.waitFor(t, "Monitoring")
	assert.Contains(t, s, "2/3 units active")
	assert.Contains(t, s, "Alpha")
	assert.Contains(t, s, "idle 7/5 min")
	assert.Contains(t, s, "🔴")
	assert.Contains(t, s, "Gamma")
}

func TestGroupsAndTimeCommands(t *testing.T) {
	h := startHarness(t)
	h.send(owner, owner, false, "/groups")
	s := h.adapter.waitFor(t, "Configured units")
	assert.Contains(t, s, "day 10 min, 🌙 night 3 min, now 10 min")

	h.send(owner, owner, false, "/time")
	s = h.adapter.waitFor(t, "Time and schedule")
	assert.Contains(t, s, "02.03.2026 12:00:00")
	assert.Contains(t, s, "Period: day")
	assert.NotContains(t, s, "Gamma")
}

func TestTestCommand(t *testing.T) {
	h := startHarness(t)
	h.send(owner, owner, false, "/test")
	s := h.adapter.waitFor(t, "Access check")
	assert.Contains(t, s, "✅🟢 Alpha")
	assert.Contains(t, s, "❌⏸️ Gamma")
}

func TestReloadCommand(t *testing.T) {
	h := startHarness(t)
	h.send(owner, owner, false, "/reload")
	assert.Contains(t, h.adapter.waitFor(t, "reloaded"), "Active units: 2 → 2")

	h.wd.reloadErr = assert.AnError
	h.send(owner, owner, false, "/reload")
	assert.Contains(t, h.adapter.waitFor(t, "reload failed"), "❌")
}

func TestRebootCommand(t *testing.T) {
	h := startHarness(t)

	h.send(owner, owner, false, "/reboot")
	s := h.adapter.waitFor(t, "Usage")
	assert.Contains(t, s, "Alpha (5 min☀️)")

	h.send(owner, owner, false, "/reboot Nope")
	h.adapter.waitFor(t, "not found")

	h.send(owner, owner, false, "/reboot gamma")
	h.adapter.waitFor(t, "monitoring is disabled for Gamma")

	h.send(owner, owner, false, "/reboot Beta")
	h.adapter.waitFor(t, "remediation is disabled for Beta")

	h.send(owner, owner, false, `/reboot "alpha"`)
	h.adapter.waitFor(t, "succeeded")

	h.wd.mu.Lock()
	defer h.wd.mu.Unlock()
	assert.Equal(t, []int64{1}, h.wd.remCalls)
}

func TestHelpAndUnknown(t *testing.T) {
	h := startHarness(t)
	h.send(owner, owner, false, "/help")
	s := h.adapter.waitFor(t, "Commands")
	for _, c := range []string{"/status", "/groups", "/time", "/test", "/reload", "/reboot", "/help"} {
		assert.Contains(t, s, c)
	}

	h.send(owner, owner, false, "/help reboot")
	assert.Contains(t, h.adapter.waitFor(t, "/reboot"), "Usage")

	h.send(owner, owner, false, "/frobnicate")
	assert.Equal(t, "unknown command, try /help", h.adapter.next(t))
}

func TestMenuIsSynced(t *testing.T) {
	h := startHarness(t)
	require.Eventually(t, func() bool {
		h.adapter.mu.Lock()
		defer h.adapter.mu.Unlock()
		return len(h.adapter.menu) == 7
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTokenizeCommandLine(t *testing.T) {
	assert.Equal(t, []string{"/reboot", "My Group"}, tokenizeCommandLine(`/reboot "My Group"`))
	assert.Equal(t, []string{"/a", "b", "c"}, tokenizeCommandLine("  /a   b\tc "))
	assert.Equal(t, []string{"/a", `x"y`}, tokenizeCommandLine(`/a "x\"y"`))
	assert.Equal(t, []string{"/a", ""}, tokenizeCommandLine(`/a ""`))
	assert.Empty(t, tokenizeCommandLine("   "))
}

func TestCommandWord(t *testing.T) {
	w, ok := commandWord("/Status@my_bot")
	assert.True(t, ok)
	assert.Equal(t, "status", w)
	_, ok = commandWord("status")
	assert.False(t, ok)
	_, ok = commandWord("/")
	assert.False(t, ok)
}

func TestSanitizeTelegramCommand(t *testing.T) {
	assert.Equal(t, "reboot_now", sanitizeTelegramCommand("Reboot-Now"))
	assert.Equal(t, "a_b", sanitizeTelegramCommand("/a  b"))
	assert.Equal(t, "cmd_1x", sanitizeTelegramCommand("1x"))
	assert.Equal(t, "", sanitizeTelegramCommand("!!!"))
	assert.Len(t, sanitizeTelegramCommand(strings.Repeat("a", 40)), 32)
}
