// Package metrics exposes watchdog and control-panel counters to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"groupwatch/internal/eventbus"
	"groupwatch/internal/watchdog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "groupwatch"

// Metrics owns its registry so several instances (tests, reloads) never
// collide on the global default registerer.
type Metrics struct {
	reg *prometheus.Registry

	cycles         prometheus.Counter
	cycleDuration  prometheus.Histogram
	lastCycle      prometheus.Gauge
	unitPanics     prometheus.Counter
	breaches       *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	remediations   *prometheus.CounterVec
	recoveries     prometheus.Counter
	activity       prometheus.Counter
	probes         *prometheus.CounterVec
	unitStates     *prometheus.GaugeVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	droppedUpdates prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Poll cycles completed.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one poll cycle, remediation calls included.",
			Buckets:   []float64{.001, .01, .05, .1, .5, 1, 5, 15, 30, 60},
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time of the last completed poll cycle.",
		}),
		unitPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_panics_total",
			Help:      "Recovered panics while checking a unit.",
		}),
		breaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaches_total",
			Help:      "Breach episodes opened, by period.",
		}, []string{"period"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Inactivity alerts by delivery result.",
		}, []string{"result"}),
		remediations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediations_total",
			Help:      "Remediation calls by trigger and result.",
		}, []string{"trigger", "result"}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Breach episodes closed by resumed activity.",
		}),
		activity: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_events_total",
			Help:      "Messages accepted as activity for a monitored unit.",
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_probes_total",
			Help:      "Accessibility probes by result.",
		}, []string{"result"}),
		unitStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units",
			Help:      "Configured units by episode state.",
		}, []string{"state"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Control panel requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control panel request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		droppedUpdates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "telegram_dropped_updates",
			Help:      "Updates dropped because the dispatcher queue was full.",
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles,
		m.cycleDuration,
		m.lastCycle,
		m.unitPanics,
		m.breaches,
		m.alerts,
		m.remediations,
		m.recoveries,
		m.activity,
		m.probes,
		m.unitStates,
		m.httpRequests,
		m.httpDuration,
		m.droppedUpdates,
	)
	return m
}

// Registry is exposed for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveCycle is installed as the loop's cycle hook.
func (m *Metrics) ObserveCycle(rep watchdog.CycleReport) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(rep.Took.Seconds())
	m.lastCycle.Set(float64(rep.At.Unix()))
	if rep.Panics > 0 {
		m.unitPanics.Add(float64(rep.Panics))
	}
}

// SetUnitStates replaces the per-state unit gauge.
func (m *Metrics) SetUnitStates(rows []watchdog.UnitStatus) {
	if m == nil {
		return
	}
	counts := map[watchdog.State]int{}
	for _, r := range rows {
		counts[r.State]++
	}
	for _, s := range []watchdog.State{
		watchdog.StateIdle,
		watchdog.StateBreachedPending,
		watchdog.StateBreachedNotified,
		watchdog.StateBreachedRemediated,
		watchdog.StateDisabled,
		watchdog.StateInaccessible,
		watchdog.StateNoActivity,
	} {
		m.unitStates.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (m *Metrics) SetDroppedUpdates(n uint64) {
	if m == nil {
		return
	}
	m.droppedUpdates.Set(float64(n))
}

// ObserveEvent updates counters from one watchdog bus event.
func (m *Metrics) ObserveEvent(e eventbus.Event) {
	if m == nil {
		return
	}
	switch e.Type {
	case watchdog.EventActivity:
		m.activity.Inc()
	case watchdog.EventBreach:
		ev, ok := e.Data.(watchdog.EpisodeEvent)
		if !ok {
			return
		}
		m.breaches.WithLabelValues(string(ev.Period)).Inc()
		m.alerts.WithLabelValues(result(ev.OK)).Inc()
	case watchdog.EventRemediation:
		ev, ok := e.Data.(watchdog.EpisodeEvent)
		if !ok {
			return
		}
		trigger := "auto"
		if ev.Manual {
			trigger = "manual"
		}
		m.remediations.WithLabelValues(trigger, result(ev.OK)).Inc()
	case watchdog.EventRecovered:
		m.recoveries.Inc()
	case watchdog.EventProbe:
		if ev, ok := e.Data.(watchdog.ProbeEvent); ok {
			m.probes.WithLabelValues(result(ev.OK)).Inc()
		}
	}
}

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.ObserveEvent(e)
		}
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler records request count and latency under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}
