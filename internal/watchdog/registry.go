package watchdog

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"groupwatch/internal/remediation"
)

// Unit is the immutable configuration of one monitored chat.
type Unit struct {
	ID             int64
	Name           string
	Description    string
	Enabled        bool
	DayThreshold   time.Duration
	NightThreshold time.Duration
	Remediation    remediation.Spec
}

func (u Unit) Target() remediation.Target {
	return remediation.Target{UnitID: u.ID, UnitName: u.Name, Spec: u.Remediation}
}

// Policy holds the optional notifications around an episode.
type Policy struct {
	NotifyOnRecovery           bool
	NotifyOnRemediationFailure bool
}

// Snapshot is one immutable configuration generation. A poll cycle reads a
// single Snapshot at its start and uses it throughout.
type Snapshot struct {
	Schedule Schedule
	Interval time.Duration
	Policy   Policy
	LoadedAt time.Time

	units map[int64]Unit
	order []int64
}

// NewSnapshot validates units and freezes them. Units keep their given order.
func NewSnapshot(units []Unit, sched Schedule, interval time.Duration, policy Policy) (*Snapshot, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0, got %s", interval)
	}
	s := &Snapshot{
		Schedule: sched,
		Interval: interval,
		Policy:   policy,
		LoadedAt: time.Now(),
		units:    make(map[int64]Unit, len(units)),
		order:    make([]int64, 0, len(units)),
	}
	for _, u := range units {
		if _, dup := s.units[u.ID]; dup {
			return nil, fmt.Errorf("duplicate unit id %d", u.ID)
		}
		if u.Enabled && (u.DayThreshold <= 0 || u.NightThreshold <= 0) {
			return nil, fmt.Errorf("unit %d (%s): thresholds must be > 0", u.ID, u.Name)
		}
		s.units[u.ID] = u
		s.order = append(s.order, u.ID)
	}
	return s, nil
}

func (s *Snapshot) Unit(id int64) (Unit, bool) {
	if s == nil {
		return Unit{}, false
	}
	u, ok := s.units[id]
	return u, ok
}

// Units returns all units in configuration order.
func (s *Snapshot) Units() []Unit {
	if s == nil {
		return nil
	}
	out := make([]Unit, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.units[id])
	}
	return out
}

// Enabled returns the monitored units in configuration order.
func (s *Snapshot) Enabled() []Unit {
	var out []Unit
	for _, u := range s.Units() {
		if u.Enabled {
			out = append(out, u)
		}
	}
	return out
}

// FindByName does a case-sensitive then case-insensitive name lookup.
func (s *Snapshot) FindByName(name string) (Unit, bool) {
	for _, u := range s.Units() {
		if u.Name == name {
			return u, true
		}
	}
	for _, u := range s.Units() {
		if strings.EqualFold(u.Name, name) {
			return u, true
		}
	}
	return Unit{}, false
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// IDs returns the unit ids sorted ascending.
func (s *Snapshot) IDs() []int64 {
	if s == nil {
		return nil
	}
	out := append([]int64(nil), s.order...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Registry publishes configuration generations atomically.
type Registry struct {
	cur atomic.Pointer[Snapshot]
}

func NewRegistry(s *Snapshot) *Registry {
	r := &Registry{}
	r.cur.Store(s)
	return r
}

func (r *Registry) Load() *Snapshot { return r.cur.Load() }

// Replace publishes s and returns the previous generation.
func (r *Registry) Replace(s *Snapshot) *Snapshot { return r.cur.Swap(s) }
