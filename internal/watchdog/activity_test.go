package watchdog

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordActivityClearsFlags(t *testing.T) {
	s := NewActivityStore()
	t0 := at("12:00")
	s.RecordActivity(1, t0)
	require.True(t, s.MarkNotified(1))
	require.True(t, s.MarkRemediated(1))

	st := s.RecordActivity(1, t0.Add(time.Minute))
	assert.False(t, st.Notified)
	assert.False(t, st.Remediated)
	assert.True(t, st.Recovering)
	assert.Equal(t, t0.Add(time.Minute), st.LastActivityAt)

	got, ok := s.Get(1)
	require.True(t, ok)
	assert.Equal(t, st, got)
}

func TestRecordActivityNeverMovesBackwards(t *testing.T) {
	s := NewActivityStore()
	t0 := at("12:00")
	s.RecordActivity(1, t0)
	s.MarkNotified(1)

	st := s.RecordActivity(1, t0.Add(-time.Minute))
	assert.Equal(t, t0, st.LastActivityAt)
	assert.False(t, st.Notified, "late event still ends the episode")
}

func TestRecordActivityWithoutEpisodeIsNotRecovering(t *testing.T) {
	s := NewActivityStore()
	st := s.RecordActivity(7, at("12:00"))
	assert.False(t, st.Recovering)
	assert.True(t, st.Accessible)
	assert.Equal(t, uint64(1), st.Generation)
}

func TestGuardedWritesDropOnGenerationChange(t *testing.T) {
	s := NewActivityStore()
	st := s.RecordActivity(1, at("12:00"))
	gen := st.Generation

	s.RecordActivity(1, at("12:01"))
	assert.False(t, s.MarkNotifiedIf(1, gen))
	assert.False(t, s.MarkRemediatedIf(1, gen))
	assert.False(t, s.MarkFailureReportedIf(1, gen))

	got, _ := s.Get(1)
	assert.False(t, got.Notified)
	assert.False(t, got.Remediated)
	assert.False(t, got.FailureReported)

	assert.True(t, s.MarkNotifiedIf(1, got.Generation))
	assert.False(t, s.MarkNotifiedIf(99, 0), "unknown unit")
}

func TestClearBreachFlagsIfMismatchDropsRecovering(t *testing.T) {
	s := NewActivityStore()
	st := s.RecordActivity(1, at("12:00"))
	s.MarkNotifiedIf(1, st.Generation)
	st = s.RecordActivity(1, at("12:05"))
	require.True(t, st.Recovering)

	assert.False(t, s.ClearBreachFlagsIf(1, st.Generation-1))
	got, _ := s.Get(1)
	assert.False(t, got.Recovering)
}

func TestEnsureSeedsOnlyFreshEntries(t *testing.T) {
	s := NewActivityStore()
	t0 := at("12:00")

	assert.True(t, s.Ensure(1, t0))
	assert.False(t, s.Ensure(1, t0.Add(time.Hour)))
	st, _ := s.Get(1)
	assert.Equal(t, t0, st.LastActivityAt)
	assert.True(t, st.Accessible)

	s.MarkAccessible(2, false)
	assert.False(t, s.Ensure(2, t0))
	st, _ = s.Get(2)
	assert.Equal(t, t0, st.LastActivityAt)
	assert.False(t, st.Accessible, "Ensure leaves accessibility alone")
}

func TestForget(t *testing.T) {
	s := NewActivityStore()
	s.RecordActivity(1, at("12:00"))
	s.Forget(1)
	_, ok := s.Get(1)
	assert.False(t, ok)
	assert.Empty(t, s.Snapshot())
}

func TestActivityStoreConcurrent(t *testing.T) {
	s := NewActivityStore()
	t0 := at("12:00")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				id := int64(j % 4)
				s.RecordActivity(id, t0.Add(time.Duration(i*j)*time.Millisecond))
				st, _ := s.Get(id)
				s.MarkNotifiedIf(id, st.Generation)
				_ = s.Snapshot()
			}
		}(i)
	}
	wg.Wait()
	snap := s.Snapshot()
	require.Len(t, snap, 4)
	var total uint64
	for _, st := range snap {
		total += st.Generation
	}
	assert.Equal(t, uint64(8*200), total)
}
