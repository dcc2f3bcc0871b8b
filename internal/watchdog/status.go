package watchdog

import "time"

// State is the episode state of a unit, derived for display.
type State string

const (
	StateIdle               State = "idle"
	StateBreachedPending    State = "breached_pending"
	StateBreachedNotified   State = "breached_notified"
	StateBreachedRemediated State = "breached_remediated"
	StateDisabled           State = "disabled"
	StateInaccessible       State = "inaccessible"
	StateNoActivity         State = "no_activity"
)

// UnitStatus is a read-only view combining configuration and runtime state.
type UnitStatus struct {
	ID                 int64      `json:"id"`
	Name               string     `json:"name"`
	Description        string     `json:"description,omitempty"`
	Enabled            bool       `json:"enabled"`
	Accessible         bool       `json:"accessible"`
	RemediationEnabled bool       `json:"remediation_enabled"`
	LastActivityAt     *time.Time `json:"last_activity_at,omitempty"`
	ElapsedSec         float64    `json:"elapsed_sec"`
	ThresholdSec       float64    `json:"threshold_sec"`
	DayThresholdSec    float64    `json:"day_threshold_sec"`
	NightThresholdSec  float64    `json:"night_threshold_sec"`
	Period             Period     `json:"period"`
	State              State      `json:"state"`
	Notified           bool       `json:"notified"`
	Remediated         bool       `json:"remediated"`
}

func (s UnitStatus) Elapsed() time.Duration   { return secs(s.ElapsedSec) }
func (s UnitStatus) Threshold() time.Duration { return secs(s.ThresholdSec) }

func secs(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }

// Classify derives the display state of u.
func Classify(u Unit, st UnitState, found bool, sched Schedule, now time.Time) State {
	switch {
	case !u.Enabled:
		return StateDisabled
	case found && !st.Accessible:
		return StateInaccessible
	case !found || !st.HasActivity():
		return StateNoActivity
	case st.Notified && st.Remediated:
		return StateBreachedRemediated
	case st.Notified:
		return StateBreachedNotified
	case now.Sub(st.LastActivityAt) > sched.Threshold(u, now):
		return StateBreachedPending
	default:
		return StateIdle
	}
}

// Describe builds status rows for every unit of snap in configuration order.
func Describe(snap *Snapshot, store *ActivityStore, now time.Time) []UnitStatus {
	if snap == nil {
		return nil
	}
	states := store.Snapshot()
	period := snap.Schedule.Period(now)
	out := make([]UnitStatus, 0, snap.Len())
	for _, u := range snap.Units() {
		st, found := states[u.ID]
		row := UnitStatus{
			ID:                 u.ID,
			Name:               u.Name,
			Description:        u.Description,
			Enabled:            u.Enabled,
			Accessible:         found && st.Accessible,
			RemediationEnabled: u.Remediation.Configured(),
			ThresholdSec:       snap.Schedule.Threshold(u, now).Seconds(),
			DayThresholdSec:    u.DayThreshold.Seconds(),
			NightThresholdSec:  u.NightThreshold.Seconds(),
			Period:             period,
			State:              Classify(u, st, found, snap.Schedule, now),
			Notified:           st.Notified,
			Remediated:         st.Remediated,
		}
		if found && st.HasActivity() {
			at := st.LastActivityAt
			row.LastActivityAt = &at
			row.ElapsedSec = now.Sub(at).Seconds()
		}
		out = append(out, row)
	}
	return out
}
