package watchdog

import (
	"fmt"
	"time"

	"groupwatch/internal/eventbus"
)

// Bus event types published by the watchdog.
const (
	EventActivity      = "activity.recorded"
	EventBreach        = "watchdog.breach"
	EventRemediation   = "watchdog.remediation"
	EventRecovered     = "watchdog.recovered"
	EventPeriodChanged = "watchdog.period_changed"
	EventCycle         = "watchdog.cycle"
	EventProbe         = "watchdog.probe"
)

// EpisodeEvent is the Data payload of breach, remediation and recovery events.
type EpisodeEvent struct {
	UnitID       int64     `json:"unit_id"`
	UnitName     string    `json:"unit_name"`
	At           time.Time `json:"at"`
	Period       Period    `json:"period,omitempty"`
	ElapsedSec   float64   `json:"elapsed_sec,omitempty"`
	ThresholdSec float64   `json:"threshold_sec,omitempty"`
	OK           bool      `json:"ok"`
	Status       int       `json:"status,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	Manual       bool      `json:"manual,omitempty"`
	Actor        string    `json:"actor,omitempty"`
}

type ActivityEvent struct {
	UnitID int64     `json:"unit_id"`
	At     time.Time `json:"at"`
}

type PeriodEvent struct {
	From Period    `json:"from"`
	To   Period    `json:"to"`
	At   time.Time `json:"at"`
}

type ProbeEvent struct {
	UnitID   int64  `json:"unit_id"`
	UnitName string `json:"unit_name"`
	OK       bool   `json:"ok"`
	Title    string `json:"title,omitempty"`
	Error    string `json:"error,omitempty"`
}

func publish(bus eventbus.Bus, typ string, at time.Time, data any) {
	if bus == nil {
		return
	}
	bus.Publish(eventbus.Event{Type: typ, Time: at, Data: data})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Alert texts are deliberately plain.

func alertText(u Unit, elapsed, threshold time.Duration, p Period) string {
	return fmt.Sprintf("⏰ %s: no activity for %s (%s limit %s)",
		u.Name, HumanDuration(elapsed), p, HumanDuration(threshold))
}

func remediatedText(u Unit, manual bool) string {
	if manual {
		return fmt.Sprintf("🔄 %s: manual remediation succeeded", u.Name)
	}
	return fmt.Sprintf("🔄 %s: remediation succeeded", u.Name)
}

func remediationFailedText(u Unit, status int, err error) string {
	if status > 0 {
		return fmt.Sprintf("❌ %s: remediation failed (HTTP %d), retrying every cycle", u.Name, status)
	}
	return fmt.Sprintf("❌ %s: remediation failed (%v), retrying every cycle", u.Name, err)
}

func recoveredText(u Unit) string {
	return fmt.Sprintf("✅ %s: activity resumed", u.Name)
}

// HumanDuration renders d as "1h05m", "12m" or "45s".
func HumanDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Round(time.Second)/time.Second))
	}
	d = d.Round(time.Minute)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh%02dm", h, m)
}
