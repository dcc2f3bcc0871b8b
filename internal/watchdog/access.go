package watchdog

import (
	"context"
	"time"

	"groupwatch/internal/eventbus"
	logx "groupwatch/pkg/logx"
)

// AccessChecker tells whether a unit's chat can be reached.
type AccessChecker interface {
	CheckAccess(ctx context.Context, unitID int64) (title string, err error)
}

type ProbeResult struct {
	UnitID int64  `json:"unit_id"`
	Name   string `json:"name"`
	Title  string `json:"title,omitempty"`
	OK     bool   `json:"ok"`
	Err    error  `json:"-"`
}

// Prober runs accessibility checks and caches the outcome in the store.
type Prober struct {
	checker AccessChecker
	store   *ActivityStore
	bus     eventbus.Bus
	log     logx.Logger
	timeout time.Duration
}

func NewProber(checker AccessChecker, store *ActivityStore, bus eventbus.Bus, log logx.Logger) *Prober {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Prober{checker: checker, store: store, bus: bus, log: log, timeout: 10 * time.Second}
}

// Probe checks every unit in order. Reachable units are seeded with now as
// their last activity, so the first episode is measured from the probe.
// Unreachable units are excluded from polling until the next probe.
func (p *Prober) Probe(ctx context.Context, units []Unit, now time.Time) []ProbeResult {
	out := make([]ProbeResult, 0, len(units))
	for _, u := range units {
		if ctx.Err() != nil {
			break
		}
		out = append(out, p.probeOne(ctx, u, now))
	}
	return out
}

func (p *Prober) probeOne(ctx context.Context, u Unit, now time.Time) ProbeResult {
	res := ProbeResult{UnitID: u.ID, Name: u.Name}
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	title, err := p.checker.CheckAccess(cctx, u.ID)
	cancel()

	if err != nil {
		res.Err = err
		p.store.MarkAccessible(u.ID, false)
		p.log.Warn("unit not accessible; excluded from polling",
			logx.Int64("unit_id", u.ID), logx.String("unit", u.Name), logx.Err(err))
	} else {
		res.OK, res.Title = true, title
		p.store.Ensure(u.ID, now)
		p.store.MarkAccessible(u.ID, true)
		p.log.Info("unit accessible",
			logx.Int64("unit_id", u.ID), logx.String("unit", u.Name), logx.String("title", title))
	}
	publish(p.bus, EventProbe, now, ProbeEvent{
		UnitID:   u.ID,
		UnitName: u.Name,
		OK:       res.OK,
		Title:    title,
		Error:    errString(err),
	})
	return res
}
