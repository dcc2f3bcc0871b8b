package watchdog

import (
	"time"

	"groupwatch/internal/eventbus"
	logx "groupwatch/pkg/logx"
)

// Ingress is the entry point for activity observed by the transport.
type Ingress struct {
	reg   *Registry
	store *ActivityStore
	bus   eventbus.Bus
	log   logx.Logger
}

func NewIngress(reg *Registry, store *ActivityStore, bus eventbus.Bus, log logx.Logger) *Ingress {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ingress{reg: reg, store: store, bus: bus, log: log}
}

// OnActivity records activity for unitID. Unknown and disabled units are
// ignored and reported as false. Safe to call from any goroutine; it never
// blocks beyond one store update.
func (i *Ingress) OnActivity(unitID int64, at time.Time) bool {
	u, ok := i.reg.Load().Unit(unitID)
	if !ok || !u.Enabled {
		return false
	}
	if at.IsZero() {
		at = time.Now()
	}
	st := i.store.RecordActivity(unitID, at)
	if st.Recovering {
		i.log.Debug("activity ends episode", logx.Int64("unit_id", unitID), logx.String("unit", u.Name))
	}
	publish(i.bus, EventActivity, at, ActivityEvent{UnitID: unitID, At: at})
	return true
}
