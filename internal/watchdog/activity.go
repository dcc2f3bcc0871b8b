package watchdog

import (
	"sync"
	"time"
)

// UnitState is the runtime state of one unit, returned by value.
type UnitState struct {
	LastActivityAt time.Time `json:"last_activity_at"`
	Notified       bool      `json:"notified"`
	Remediated     bool      `json:"remediated"`
	Accessible     bool      `json:"accessible"`

	// FailureReported is set once a remediation-failure alert went out this episode.
	FailureReported bool `json:"failure_reported,omitempty"`
	// Recovering is set when activity ended an episode that had raised an
	// alert. The next poll reports the recovery and clears it.
	Recovering bool `json:"recovering,omitempty"`

	// Generation increases with every RecordActivity. Loop writes carry the
	// generation they were computed from and are dropped if it moved.
	Generation uint64 `json:"generation"`
}

// HasActivity reports whether any activity (or startup seed) was recorded.
func (s UnitState) HasActivity() bool { return !s.LastActivityAt.IsZero() }

// ActivityStore owns all per-unit runtime state. Every method is safe for
// concurrent use.
type ActivityStore struct {
	mu    sync.RWMutex
	units map[int64]*UnitState
}

func NewActivityStore() *ActivityStore {
	return &ActivityStore{units: map[int64]*UnitState{}}
}

// RecordActivity stores at as the unit's last activity and resets the
// episode. An event older than the stored timestamp still resets the episode
// but never moves the timestamp backwards.
func (s *ActivityStore) RecordActivity(id int64, at time.Time) UnitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.units[id]
	if st == nil {
		st = &UnitState{Accessible: true}
		s.units[id] = st
	}
	if at.After(st.LastActivityAt) {
		st.LastActivityAt = at
	}
	if st.Notified || st.Remediated {
		st.Recovering = true
	}
	st.Notified = false
	st.Remediated = false
	st.FailureReported = false
	st.Generation++
	return *st
}

// Ensure seeds an accessible entry with at as its last activity. An existing
// entry only gets the seed timestamp if it never saw activity; its flags and
// accessibility are left alone. It reports whether an entry was created.
func (s *ActivityStore) Ensure(id int64, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.units[id]; ok {
		if !st.HasActivity() {
			st.LastActivityAt = at
		}
		return false
	}
	s.units[id] = &UnitState{LastActivityAt: at, Accessible: true}
	return true
}

func (s *ActivityStore) Get(id int64) (UnitState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.units[id]
	if !ok {
		return UnitState{}, false
	}
	return *st, true
}

// Snapshot copies all states.
func (s *ActivityStore) Snapshot() map[int64]UnitState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]UnitState, len(s.units))
	for id, st := range s.units {
		out[id] = *st
	}
	return out
}

func (s *ActivityStore) MarkAccessible(id int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.units[id]
	if st == nil {
		st = &UnitState{}
		s.units[id] = st
	}
	st.Accessible = ok
}

func (s *ActivityStore) MarkNotified(id int64) bool {
	return s.update(id, 0, false, func(st *UnitState) { st.Notified = true })
}

func (s *ActivityStore) MarkRemediated(id int64) bool {
	return s.update(id, 0, false, func(st *UnitState) { st.Remediated = true })
}

func (s *ActivityStore) ClearBreachFlags(id int64) bool {
	return s.update(id, 0, false, clearEpisode)
}

// MarkNotifiedIf sets Notified only if no activity arrived since gen was read.
// A recovery no poll observed is folded into the new episode.
func (s *ActivityStore) MarkNotifiedIf(id int64, gen uint64) bool {
	return s.update(id, gen, true, func(st *UnitState) {
		st.Notified = true
		st.Recovering = false
	})
}

// MarkRemediatedIf sets Remediated only if no activity arrived since gen was read.
func (s *ActivityStore) MarkRemediatedIf(id int64, gen uint64) bool {
	return s.update(id, gen, true, func(st *UnitState) { st.Remediated = true })
}

// MarkFailureReportedIf records that the remediation-failure alert was sent.
func (s *ActivityStore) MarkFailureReportedIf(id int64, gen uint64) bool {
	return s.update(id, gen, true, func(st *UnitState) { st.FailureReported = true })
}

// ClearBreachFlagsIf ends the episode if gen is current. When activity
// arrived in between, RecordActivity already reset the flags and only the
// pending recovery marker is dropped, since its recovery was just reported.
func (s *ActivityStore) ClearBreachFlagsIf(id int64, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.units[id]
	if st == nil {
		return false
	}
	if st.Generation != gen {
		st.Recovering = false
		return false
	}
	clearEpisode(st)
	return true
}

// Forget drops the state of a unit that is no longer monitored.
func (s *ActivityStore) Forget(id int64) {
	s.mu.Lock()
	delete(s.units, id)
	s.mu.Unlock()
}

func (s *ActivityStore) update(id int64, gen uint64, guarded bool, fn func(*UnitState)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.units[id]
	if st == nil || (guarded && st.Generation != gen) {
		return false
	}
	fn(st)
	return true
}

func clearEpisode(st *UnitState) {
	st.Notified = false
	st.Remediated = false
	st.FailureReported = false
	st.Recovering = false
}
