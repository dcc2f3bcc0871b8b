package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"groupwatch/internal/eventbus"
	"groupwatch/internal/remediation"
	logx "groupwatch/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngressIgnoresUnknownAndDisabled(t *testing.T) {
	off := testUnit(2, "off", false)
	off.Enabled = false
	f := newFixture(t, Policy{}, testUnit(1, "alpha", false), off)
	events, unsub := f.bus.Subscribe(16)
	defer unsub()
	in := NewIngress(f.reg, f.store, f.bus, logx.Nop())

	assert.False(t, in.OnActivity(99, at("12:00")))
	assert.False(t, in.OnActivity(2, at("12:00")))
	assert.True(t, in.OnActivity(1, at("12:00")))

	_, ok := f.store.Get(99)
	assert.False(t, ok)
	_, ok = f.store.Get(2)
	assert.False(t, ok)
	st, ok := f.store.Get(1)
	require.True(t, ok)
	assert.Equal(t, at("12:00"), st.LastActivityAt)

	got := drain(events, EventActivity)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].Data.(ActivityEvent).UnitID)
}

func TestIngressResetsEpisode(t *testing.T) {
	f := newFixture(t, Policy{}, testUnit(1, "alpha", true))
	in := NewIngress(f.reg, f.store, nil, logx.Logger{})

	in.OnActivity(1, at("12:00"))
	f.loop.RunCycle(context.Background(), at("12:06"))
	st, _ := f.store.Get(1)
	require.True(t, st.Notified)
	require.True(t, st.Remediated)

	in.OnActivity(1, at("12:06"))
	st, _ = f.store.Get(1)
	assert.False(t, st.Notified)
	assert.False(t, st.Remediated)
}

type fakeChecker map[int64]error

func (f fakeChecker) CheckAccess(_ context.Context, id int64) (string, error) {
	if err := f[id]; err != nil {
		return "", err
	}
	return "chat-" + string(rune('a'+id)), nil
}

func TestProberSeedsAndExcludes(t *testing.T) {
	store := NewActivityStore()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	p := NewProber(fakeChecker{2: errors.New("chat not found")}, store, bus, logx.Nop())
	units := []Unit{testUnit(1, "alpha", false), testUnit(2, "beta", false)}
	res := p.Probe(context.Background(), units, at("12:00"))

	require.Len(t, res, 2)
	assert.True(t, res[0].OK)
	assert.Equal(t, "chat-b", res[0].Title)
	assert.False(t, res[1].OK)
	assert.Error(t, res[1].Err)

	st, _ := store.Get(1)
	assert.True(t, st.Accessible)
	assert.Equal(t, at("12:00"), st.LastActivityAt)
	st, _ = store.Get(2)
	assert.False(t, st.Accessible)
	assert.False(t, st.HasActivity())

	assert.Len(t, drain(events, EventProbe), 2)
}

func TestProberKeepsExistingActivity(t *testing.T) {
	store := NewActivityStore()
	store.RecordActivity(1, at("11:00"))
	store.MarkAccessible(1, false)

	p := NewProber(fakeChecker{}, store, nil, logx.Nop())
	p.Probe(context.Background(), []Unit{testUnit(1, "alpha", false)}, at("12:00"))

	st, _ := store.Get(1)
	assert.True(t, st.Accessible)
	assert.Equal(t, at("11:00"), st.LastActivityAt)
}

func TestClassify(t *testing.T) {
	sched, _ := ParseSchedule("22:00", "06:00", "UTC")
	u := testUnit(1, "alpha", true)
	now := at("12:10")
	recent := UnitState{LastActivityAt: at("12:08"), Accessible: true}
	stale := UnitState{LastActivityAt: at("12:00"), Accessible: true}

	off := u
	off.Enabled = false
	assert.Equal(t, StateDisabled, Classify(off, recent, true, sched, now))
	assert.Equal(t, StateNoActivity, Classify(u, UnitState{}, false, sched, now))
	assert.Equal(t, StateInaccessible, Classify(u, UnitState{LastActivityAt: at("12:00")}, true, sched, now))
	assert.Equal(t, StateIdle, Classify(u, recent, true, sched, now))
	assert.Equal(t, StateBreachedPending, Classify(u, stale, true, sched, now))

	stale.Notified = true
	assert.Equal(t, StateBreachedNotified, Classify(u, stale, true, sched, now))
	stale.Remediated = true
	assert.Equal(t, StateBreachedRemediated, Classify(u, stale, true, sched, now))
}

func TestDescribe(t *testing.T) {
	plain := testUnit(2, "beta", false)
	plain.Remediation = remediation.Spec{}
	sched, _ := ParseSchedule("22:00", "06:00", "UTC")
	snap, err := NewSnapshot([]Unit{testUnit(1, "alpha", true), plain}, sched, time.Minute, Policy{})
	require.NoError(t, err)
	store := NewActivityStore()
	store.RecordActivity(1, at("12:00"))

	rows := Describe(snap, store, at("12:06"))
	require.Len(t, rows, 2)

	assert.Equal(t, "alpha", rows[0].Name)
	assert.True(t, rows[0].RemediationEnabled)
	require.NotNil(t, rows[0].LastActivityAt)
	assert.Equal(t, 6*time.Minute, rows[0].Elapsed())
	assert.Equal(t, 5*time.Minute, rows[0].Threshold())
	assert.Equal(t, StateBreachedPending, rows[0].State)
	assert.Equal(t, PeriodDay, rows[0].Period)

	assert.Equal(t, "beta", rows[1].Name)
	assert.False(t, rows[1].RemediationEnabled)
	assert.Nil(t, rows[1].LastActivityAt)
	assert.Equal(t, StateNoActivity, rows[1].State)

	assert.Nil(t, Describe(nil, store, at("12:06")))
}
