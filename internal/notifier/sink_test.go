package notifier

import (
	"context"
	"testing"
	"time"

	kit "groupwatch/internal/transport"
	"groupwatch/internal/watchdog"
	logx "groupwatch/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultSink(t *testing.T) (*Service, *Sink, *fakeAdapter) {
	t.Helper()
	cfg, err := ConfigFrom(nil)
	require.NoError(t, err)
	require.Greater(t, cfg.DedupWindow, time.Duration(0))

	ad := &fakeAdapter{}
	svc := New(cfg, ad, logx.Nop(), nil, nil)
	svc.Start(context.Background())
	t.Cleanup(func() { svc.Stop(context.Background()) })
	return svc, NewSink(svc, ad, kit.ChatTarget{ChatID: -100}, 7), ad
}

func TestSinkDeliversRepeatedText(t *testing.T) {
	_, sink, ad := defaultSink(t)
	ctx := context.Background()

	require.NoError(t, sink.Send(ctx, "🔄 alpha: remediation succeeded"))
	require.NoError(t, sink.Send(ctx, "🔄 alpha: remediation succeeded"))

	require.Eventually(t, func() bool { return len(ad.Sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "🔄 alpha: remediation succeeded", ad.Sent()[0], "no priority prefix")
}

func TestSinkSendOnceSuppressesRepeats(t *testing.T) {
	svc, sink, ad := defaultSink(t)
	ctx := context.Background()

	require.NoError(t, sink.SendOnce(ctx, "startup", "started"))
	require.NoError(t, sink.SendOnce(ctx, "startup", "started again"))
	svc.Stop(context.Background())

	assert.Equal(t, []string{"started"}, ad.Sent())
}

func TestLoopAlertsEveryEpisodeThroughSink(t *testing.T) {
	_, sink, ad := defaultSink(t)

	sched, err := watchdog.ParseSchedule("22:00", "06:00", "UTC")
	require.NoError(t, err)
	unit := watchdog.Unit{ID: 1, Name: "g", Enabled: true, DayThreshold: 5 * time.Minute, NightThreshold: 2 * time.Minute}
	snap, err := watchdog.NewSnapshot([]watchdog.Unit{unit}, sched, time.Minute, watchdog.Policy{})
	require.NoError(t, err)
	store := watchdog.NewActivityStore()
	loop := watchdog.NewLoop(watchdog.NewRegistry(snap), store, sink, nil)

	ctx := context.Background()
	t0 := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store.RecordActivity(1, t0)
	store.MarkAccessible(1, true)

	rep := loop.RunCycle(ctx, t0.Add(6*time.Minute))
	require.Equal(t, 1, rep.Notified)

	store.RecordActivity(1, t0.Add(7*time.Minute))
	loop.RunCycle(ctx, t0.Add(8*time.Minute))
	rep = loop.RunCycle(ctx, t0.Add(13*time.Minute))
	require.Equal(t, 1, rep.Notified)

	require.Eventually(t, func() bool { return len(ad.Sent()) == 2 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, ad.Sent()[0], ad.Sent()[1], "both episodes produce the same text")
}
