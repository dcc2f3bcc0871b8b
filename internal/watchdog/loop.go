package watchdog

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"groupwatch/internal/eventbus"
	"groupwatch/internal/remediation"
	logx "groupwatch/pkg/logx"

	"github.com/robfig/cron/v3"
)

var ErrUnknownUnit = errors.New("unknown unit")

// Sink delivers plain-text alerts. A failed send is logged by the loop and
// never retried within the same episode.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// Remediator performs the remediation call for one unit.
type Remediator interface {
	Invoke(ctx context.Context, t remediation.Target) remediation.Result
}

// CycleReport summarizes one poll cycle.
type CycleReport struct {
	At                time.Time     `json:"at"`
	Took              time.Duration `json:"took"`
	Period            Period        `json:"period"`
	Units             int           `json:"units"`
	Checked           int           `json:"checked"`
	Breached          int           `json:"breached"`
	Notified          int           `json:"notified"`
	NotifyFailed      int           `json:"notify_failed"`
	Remediated        int           `json:"remediated"`
	RemediationFailed int           `json:"remediation_failed"`
	Recovered         int           `json:"recovered"`
	Panics            int           `json:"panics"`
}

type Option func(*Loop)

func WithLogger(log logx.Logger) Option { return func(l *Loop) { l.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(l *Loop) { l.bus = bus } }

// WithClock replaces time.Now for the scheduled cycles.
func WithClock(now func() time.Time) Option { return func(l *Loop) { l.now = now } }

// WithCycleHook is called after every cycle, from the cycle's goroutine.
func WithCycleHook(fn func(CycleReport)) Option { return func(l *Loop) { l.onCycle = fn } }

// Loop is the polling engine. RunCycle evaluates every unit once; Run drives
// RunCycle on the snapshot's interval until the context ends.
type Loop struct {
	reg   *Registry
	store *ActivityStore
	sink  Sink
	rem   Remediator

	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time
	onCycle func(CycleReport)

	// cycleMu serializes cycles; lastPeriod is only touched under it.
	cycleMu    sync.Mutex
	lastPeriod Period
	last       atomic.Pointer[CycleReport]

	mu       sync.Mutex
	cron     *cron.Cron
	entry    cron.EntryID
	interval time.Duration
	job      cron.Job
}

func NewLoop(reg *Registry, store *ActivityStore, sink Sink, rem Remediator, opts ...Option) *Loop {
	l := &Loop{
		reg:   reg,
		store: store,
		sink:  sink,
		rem:   rem,
		log:   logx.Nop(),
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LastReport returns the most recent cycle summary.
func (l *Loop) LastReport() (CycleReport, bool) {
	r := l.last.Load()
	if r == nil {
		return CycleReport{}, false
	}
	return *r, true
}

// Interval is the cadence currently scheduled (0 before Run).
func (l *Loop) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// Run blocks until ctx is done. The first cycle runs immediately.
func (l *Loop) Run(ctx context.Context) error {
	snap := l.reg.Load()
	if snap == nil {
		return errors.New("watchdog: no configuration loaded")
	}
	cl := logx.CronLogger(l.log)
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	job := cron.FuncJob(func() { l.RunCycle(ctx, l.now()) })

	l.mu.Lock()
	l.cron, l.job, l.interval = c, job, snap.Interval
	l.entry = c.Schedule(cron.Every(snap.Interval), job)
	l.mu.Unlock()

	l.log.Info("watchdog started",
		logx.Duration("interval", snap.Interval),
		logx.Int("units", len(snap.Enabled())),
		logx.String("night", snap.Schedule.String()),
	)
	l.RunCycle(ctx, l.now())
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()

	l.mu.Lock()
	l.cron = nil
	l.mu.Unlock()
	l.log.Info("watchdog stopped")
	return nil
}

// SetInterval reschedules the poll cadence. It is a no-op before Run.
func (l *Loop) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cron == nil || d == l.interval {
		return
	}
	l.cron.Remove(l.entry)
	l.entry = l.cron.Schedule(cron.Every(d), l.job)
	l.log.Info("watchdog interval changed", logx.Duration("from", l.interval), logx.Duration("to", d))
	l.interval = d
}

type pendingRemediation struct {
	unit            Unit
	gen             uint64
	failureReported bool
	elapsed         time.Duration
	threshold       time.Duration
	period          Period
}

// RunCycle evaluates every unit of the current snapshot at now.
func (l *Loop) RunCycle(ctx context.Context, now time.Time) CycleReport {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	start := time.Now()
	rep := CycleReport{At: now}
	snap := l.reg.Load()
	if snap == nil {
		return rep
	}
	if err := snap.Schedule.Err; err != nil {
		l.log.Error("night window invalid; treating every instant as day", logx.Err(err))
	}
	rep.Period = snap.Schedule.Period(now)
	rep.Units = snap.Len()
	l.trackPeriod(rep.Period, now)

	var pending []pendingRemediation
	for _, u := range snap.Units() {
		if job, ok := l.checkUnit(ctx, snap, u, now, &rep); ok {
			pending = append(pending, job)
		}
	}
	l.remediateAll(ctx, snap, pending, &rep)

	rep.Took = time.Since(start)
	l.last.Store(&rep)
	publish(l.bus, EventCycle, now, rep)
	if rep.Breached > 0 || rep.Recovered > 0 || rep.Panics > 0 {
		l.log.Debug("watchdog cycle",
			logx.Int("checked", rep.Checked),
			logx.Int("breached", rep.Breached),
			logx.Int("recovered", rep.Recovered),
			logx.Duration("took", rep.Took),
		)
	}
	if l.onCycle != nil {
		l.onCycle(rep)
	}
	return rep
}

func (l *Loop) trackPeriod(p Period, now time.Time) {
	prev := l.lastPeriod
	l.lastPeriod = p
	if prev == "" || prev == p {
		return
	}
	l.log.Info("period changed", logx.String("from", string(prev)), logx.String("to", string(p)))
	publish(l.bus, EventPeriodChanged, now, PeriodEvent{From: prev, To: p, At: now})
}

// checkUnit applies one transition to u. It returns a remediation job when
// the unit is breaching and not yet remediated.
func (l *Loop) checkUnit(ctx context.Context, snap *Snapshot, u Unit, now time.Time, rep *CycleReport) (job pendingRemediation, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			rep.Panics++
			ok = false
			l.log.Error("unit check panicked",
				logx.Int64("unit_id", u.ID),
				logx.String("unit", u.Name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()

	if !u.Enabled {
		return job, false
	}
	st, found := l.store.Get(u.ID)
	if !found || !st.Accessible || !st.HasActivity() {
		return job, false
	}
	rep.Checked++

	elapsed := now.Sub(st.LastActivityAt)
	threshold := snap.Schedule.Threshold(u, now)
	period := snap.Schedule.Period(now)
	log := l.log.With(logx.Int64("unit_id", u.ID), logx.String("unit", u.Name))

	if elapsed > threshold {
		rep.Breached++
		if !st.Notified {
			err := l.sink.Send(ctx, alertText(u, elapsed, threshold, period))
			// Set even on failure: a retry would duplicate the alert once delivery recovers.
			l.store.MarkNotifiedIf(u.ID, st.Generation)
			if err != nil {
				rep.NotifyFailed++
				log.Warn("inactivity alert not delivered", logx.Err(err))
			} else {
				rep.Notified++
			}
			log.Warn("inactivity threshold exceeded",
				logx.Duration("elapsed", elapsed),
				logx.Duration("threshold", threshold),
				logx.String("period", string(period)),
			)
			publish(l.bus, EventBreach, now, EpisodeEvent{
				UnitID:       u.ID,
				UnitName:     u.Name,
				At:           now,
				Period:       period,
				ElapsedSec:   elapsed.Seconds(),
				ThresholdSec: threshold.Seconds(),
				OK:           err == nil,
				Error:        errString(err),
			})
		}
		if u.Remediation.Configured() && !st.Remediated {
			return pendingRemediation{
				unit:            u,
				gen:             st.Generation,
				failureReported: st.FailureReported,
				elapsed:         elapsed,
				threshold:       threshold,
				period:          period,
			}, true
		}
		return job, false
	}

	if st.Notified || st.Remediated || st.Recovering {
		rep.Recovered++
		log.Info("unit recovered", logx.Duration("elapsed", elapsed), logx.Time("last_activity", st.LastActivityAt))
		publish(l.bus, EventRecovered, now, EpisodeEvent{
			UnitID:       u.ID,
			UnitName:     u.Name,
			At:           now,
			Period:       period,
			ElapsedSec:   elapsed.Seconds(),
			ThresholdSec: threshold.Seconds(),
			OK:           true,
		})
		if snap.Policy.NotifyOnRecovery {
			if err := l.sink.Send(ctx, recoveredText(u)); err != nil {
				log.Warn("recovery notification not delivered", logx.Err(err))
			}
		}
		l.store.ClearBreachFlagsIf(u.ID, st.Generation)
	}
	return job, false
}

// remediateAll runs one call per breaching unit concurrently and waits for all.
func (l *Loop) remediateAll(ctx context.Context, snap *Snapshot, jobs []pendingRemediation, rep *CycleReport) {
	if len(jobs) == 0 {
		return
	}
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, j := range jobs {
		wg.Add(1)
		go func(j pendingRemediation) {
			defer wg.Done()
			var (
				out      remediationOutcome
				panicked bool
			)
			func() {
				defer func() {
					if r := recover(); r != nil {
						panicked = true
						l.log.Error("remediation panicked",
							logx.Int64("unit_id", j.unit.ID),
							logx.Any("panic", r),
							logx.String("stack", string(debug.Stack())),
						)
					}
				}()
				out = l.remediate(ctx, snap, j)
			}()
			mu.Lock()
			defer mu.Unlock()
			switch {
			case panicked:
				rep.Panics++
				rep.RemediationFailed++
			case out == remediationDone:
				rep.Remediated++
			case out == remediationFailed:
				rep.RemediationFailed++
			}
		}(j)
	}
	wg.Wait()
}

type remediationOutcome int

const (
	remediationFailed remediationOutcome = iota
	remediationDone
	// the call succeeded but activity ended the episode first
	remediationSuperseded
)

func (l *Loop) remediate(ctx context.Context, snap *Snapshot, j pendingRemediation) remediationOutcome {
	u := j.unit
	log := l.log.With(logx.Int64("unit_id", u.ID), logx.String("unit", u.Name))

	res := l.rem.Invoke(ctx, u.Target())
	// State changes only after the call returned.
	ev := EpisodeEvent{
		UnitID:       u.ID,
		UnitName:     u.Name,
		At:           l.now(),
		Period:       j.period,
		ElapsedSec:   j.elapsed.Seconds(),
		ThresholdSec: j.threshold.Seconds(),
		OK:           res.OK,
		Status:       res.Status,
		RequestID:    res.RequestID,
		Error:        errString(res.Err),
	}
	publish(l.bus, EventRemediation, ev.At, ev)

	if res.OK {
		if !l.store.MarkRemediatedIf(u.ID, j.gen) {
			log.Info("activity arrived during remediation; episode already reset")
			return remediationSuperseded
		}
		if err := l.sink.Send(ctx, remediatedText(u, false)); err != nil {
			log.Warn("remediation confirmation not delivered", logx.Err(err))
		}
		return remediationDone
	}

	log.Error("remediation attempt failed; will retry next cycle",
		logx.Int("status", res.Status),
		logx.String("body", res.Body),
		logx.Err(res.Err),
	)
	if ctx.Err() != nil {
		return remediationFailed
	}
	if snap.Policy.NotifyOnRemediationFailure && !j.failureReported {
		if err := l.sink.Send(ctx, remediationFailedText(u, res.Status, res.Err)); err != nil {
			log.Warn("remediation failure notification not delivered", logx.Err(err))
		}
		l.store.MarkFailureReportedIf(u.ID, j.gen)
	}
	return remediationFailed
}

// RemediateNow runs an operator-requested remediation for id. Episode flags
// are not touched.
func (l *Loop) RemediateNow(ctx context.Context, id int64, actor string) (remediation.Result, error) {
	u, ok := l.reg.Load().Unit(id)
	if !ok {
		return remediation.Result{}, fmt.Errorf("%w: %d", ErrUnknownUnit, id)
	}
	if !u.Remediation.Configured() {
		return remediation.Result{Err: remediation.ErrNotConfigured}, remediation.ErrNotConfigured
	}
	res := l.rem.Invoke(ctx, u.Target())
	now := l.now()
	publish(l.bus, EventRemediation, now, EpisodeEvent{
		UnitID:    u.ID,
		UnitName:  u.Name,
		At:        now,
		OK:        res.OK,
		Status:    res.Status,
		RequestID: res.RequestID,
		Error:     errString(res.Err),
		Manual:    true,
		Actor:     actor,
	})
	l.log.Info("manual remediation",
		logx.Int64("unit_id", u.ID),
		logx.String("unit", u.Name),
		logx.String("actor", actor),
		logx.Bool("ok", res.OK),
		logx.Int("status", res.Status),
	)
	if res.OK {
		if err := l.sink.Send(ctx, remediatedText(u, true)); err != nil {
			l.log.Warn("remediation confirmation not delivered", logx.Err(err))
		}
	}
	return res, res.Err
}
