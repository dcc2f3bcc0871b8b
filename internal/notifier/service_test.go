package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"groupwatch/internal/eventbus"
	kit "groupwatch/internal/transport"
	logx "groupwatch/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	mu       sync.Mutex
	sent     []string
	failures int // fail this many sends before succeeding
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }
func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return kit.MessageRef{}, errors.New("telegram unavailable")
	}
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func testConfig() Config {
	return Config{
		Enabled:     true,
		Workers:     1,
		QueueSize:   8,
		RatePerSec:  100,
		RetryMax:    2,
		RetryBase:   time.Millisecond,
		DedupWindow: time.Minute,
	}
}

func note(text string) kit.Notification {
	return kit.Notification{Channel: "telegram", Target: kit.ChatTarget{ChatID: 7}, Text: text, DedupKey: text}
}

func TestNotifyDeliversAndDedups(t *testing.T) {
	ad := &fakeAdapter{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	svc := New(testConfig(), ad, logx.Nop(), bus, nil)
	svc.Start(context.Background())

	require.NoError(t, svc.Notify(context.Background(), note("group alpha is silent")))
	require.NoError(t, svc.Notify(context.Background(), note("group alpha is silent")))
	require.NoError(t, svc.Notify(context.Background(), note("group beta is silent")))

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Stop(stopCtx)

	assert.ElementsMatch(t, []string{"group alpha is silent", "group beta is silent"}, ad.Sent())
	assert.Len(t, svc.Snapshot(), 2)

	var deduped int
	for len(events) > 0 {
		if e := <-events; e.Type == EventDeduped {
			deduped++
		}
	}
	assert.Equal(t, 1, deduped)

	assert.ErrorIs(t, svc.Notify(context.Background(), note("late")), ErrStopped)
}

func TestNotifyRetriesUntilSuccess(t *testing.T) {
	ad := &fakeAdapter{failures: 2}
	svc := New(testConfig(), ad, logx.Nop(), nil, nil)
	svc.Start(context.Background())

	n := note("x")
	n.Priority = 9
	require.NoError(t, svc.Notify(context.Background(), n))

	require.Eventually(t, func() bool { return len(ad.Sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "x", ad.Sent()[0])
	svc.Stop(context.Background())
}

func TestNotifyDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	svc := New(cfg, &fakeAdapter{}, logx.Nop(), nil, nil)
	svc.Start(context.Background())
	assert.False(t, svc.Running())
	assert.ErrorIs(t, svc.Notify(context.Background(), note("x")), ErrDisabled)
}

func TestSinkFallsBackToDirectSend(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	ad := &fakeAdapter{}
	sink := NewSink(New(cfg, ad, logx.Nop(), nil, nil), ad, kit.ChatTarget{ChatID: 99}, 0)

	require.NoError(t, sink.Send(context.Background(), "hello"))
	assert.Equal(t, []string{"hello"}, ad.Sent())

	ad.failures = 1
	assert.Error(t, sink.Send(context.Background(), "again"))

	sink.SetTarget(kit.ChatTarget{})
	assert.Error(t, sink.Send(context.Background(), "nowhere"))
}

func TestNotifyWithoutKeyIsNotDeduplicated(t *testing.T) {
	ad := &fakeAdapter{}
	svc := New(testConfig(), ad, logx.Nop(), nil, nil)
	svc.Start(context.Background())

	n := note("group alpha is silent")
	n.DedupKey = ""
	require.NoError(t, svc.Notify(context.Background(), n))
	require.NoError(t, svc.Notify(context.Background(), n))

	svc.Stop(context.Background())
	assert.Equal(t, []string{"group alpha is silent", "group alpha is silent"}, ad.Sent())
}

func TestRetryDelayBounded(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: 300 * time.Millisecond}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, cfg.RetryMaxDelay)
	}
}

func TestConfigFromDefaults(t *testing.T) {
	c, err := ConfigFrom(nil)
	require.NoError(t, err)
	assert.True(t, c.Enabled)
	assert.Equal(t, 500*time.Millisecond, c.RetryBase)
	assert.Equal(t, time.Minute, c.DedupWindow)
}
