package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"groupwatch/internal/config"
	"groupwatch/internal/control"
	"groupwatch/internal/eventbus"
	"groupwatch/internal/eventexport"
	"groupwatch/internal/metrics"
	"groupwatch/internal/notifier"
	"groupwatch/internal/remediation"
	rtsup "groupwatch/internal/runtime/supervisor"
	"groupwatch/internal/storage"
	kit "groupwatch/internal/transport"
	telegram "groupwatch/internal/transport/telegram/adapter"
	"groupwatch/internal/transport/telegram/router"
	"groupwatch/internal/watchdog"
	logx "groupwatch/pkg/logx"
	"groupwatch/pkg/systemd"
)

// alertPriority is the notifier priority of watchdog alerts.
const alertPriority = 7

// Transport is the chat backend: message delivery plus the access probe.
type Transport interface {
	kit.Adapter
	kit.AccessChecker
}

type Option func(*App)

// WithTransport replaces the Telegram adapter (tests, alternative backends).
func WithTransport(t Transport) Option { return func(a *App) { a.adapter = t } }

// WithClock replaces time.Now for the watchdog and status views.
func WithClock(now func() time.Time) Option { return func(a *App) { a.now = now } }

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	now  func() time.Time

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter Transport
	notif   *notifier.Service
	sink    *notifier.Sink

	reg     *watchdog.Registry
	states  *watchdog.ActivityStore
	invoker *remediation.Invoker
	loop    *watchdog.Loop
	ingress *watchdog.Ingress
	prober  *watchdog.Prober

	cmdm     *router.CommandManager
	control  *control.Service
	metrics  *metrics.Metrics
	sd       *systemd.Notifier
	exporter *eventexport.Exporter

	updates chan kit.Update

	// applyMu serializes config application; applied is the last config
	// pushed through apply (pointer identity dedups ReloadNow + subscriber).
	applyMu sync.Mutex
	applied *config.Config
}

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	snap, err := buildSnapshot(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{cfgm: cfgm, now: time.Now, applied: cfg, updates: make(chan kit.Update, 256)}
	for _, o := range opts {
		o(a)
	}

	if a.adapter == nil {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
		}, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.adapter = ad
	}

	// logx.New applies immediately; enable the Telegram sink only after its
	// target is set so Apply doesn't warn about a missing chat.
	logCfg := logConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, a.adapter)
	logSvc.SetTelegramTarget(logTarget(cfg), cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))

	a.bus = eventbus.New()

	if sc, enabled, err := storageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	ncfg, err := notifier.ConfigFrom(cfg.Notifier)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(ncfg, a.adapter, log.With(logx.String("comp", "notifier")), a.bus, a.store)
	a.sink = notifier.NewSink(a.notif, a.adapter, notifyTarget(cfg), alertPriority)

	a.metrics = metrics.New()
	a.reg = watchdog.NewRegistry(snap)
	a.states = watchdog.NewActivityStore()
	a.invoker = remediation.New(nil, cfg.GlobalSettings.RemediationTimeoutOrDefault(), log.With(logx.String("comp", "remediation")))
	wlog := log.With(logx.String("comp", "watchdog"))
	a.loop = watchdog.NewLoop(a.reg, a.states, a.sink, a.invoker,
		watchdog.WithLogger(wlog),
		watchdog.WithBus(a.bus),
		watchdog.WithClock(func() time.Time { return a.now() }),
		watchdog.WithCycleHook(a.onCycle),
	)
	a.ingress = watchdog.NewIngress(a.reg, a.states, a.bus, wlog)
	a.prober = watchdog.NewProber(a.adapter, a.states, a.bus, wlog)

	a.cmdm = router.NewCommandManager(log.With(logx.String("comp", "commands")), a.adapter, cfg.Telegram.OwnerUserIDs, a.ingress.OnActivity)
	a.cmdm.SetCommands(router.WatchdogCommands(a, func() time.Time { return a.now() }))

	a.control = control.New(controlConfig(cfg), a, a.bus, a.metrics, log)
	a.sd = systemd.New(systemdEnabled(cfg), log.With(logx.String("comp", "systemd")))

	if kc, ok := kafkaConfig(cfg); ok {
		a.exporter = eventexport.New(eventexport.NewWriter(kc), hostname(), log)
		a.log.Info("kafka event export enabled", logx.String("topic", kc.Topic), logx.Int("brokers", len(kc.Brokers)))
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := buildSnapshot(cfg); err != nil {
			return err
		}
		if _, err := notifier.ConfigFrom(cfg.Notifier); err != nil {
			return err
		}
		_, _, err := storageConfig(cfg)
		return err
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.control.Reconfigure(a.sup.Context(), controlConfig(a.cfgm.Get()))

	if a.exporter != nil {
		a.sup.Go("events.kafka", func(c context.Context) error { return a.exporter.Run(c, a.bus) })
	}
	if a.store != nil {
		events, unsub := a.bus.Subscribe(256)
		a.sup.Go0("audit", func(c context.Context) {
			defer unsub()
			a.auditLoop(c, events)
		})
	}
	a.startEventLog()

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	a.sup.Go("watchdog", func(c context.Context) error {
		a.sendStartupNotification(c, a.startupProbe(c))
		return a.loop.Run(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				if err := a.apply(c, newCfg); err != nil {
					a.log.Warn("config reload rejected; keeping previous", logx.Err(err))
				}
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sd.Ready()
	if wd := a.sd.WatchdogInterval(); wd > 0 && wd < a.reg.Load().Interval {
		a.log.Warn("systemd WatchdogSec is shorter than the poll interval; the unit will be restarted",
			logx.Duration("watchdog_sec", wd), logx.Duration("interval", a.reg.Load().Interval))
	}
	a.log.Info("app started", logx.Int("units", a.reg.Load().Len()), logx.Int("enabled", len(a.reg.Load().Enabled())))
	return nil
}

// startEventLog mirrors bus traffic to debug logs.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Type == watchdog.EventActivity || e.Type == watchdog.EventCycle {
					a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
					continue
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

// onCycle runs on the loop goroutine after every poll cycle.
func (a *App) onCycle(rep watchdog.CycleReport) {
	a.metrics.ObserveCycle(rep)
	a.metrics.SetUnitStates(watchdog.Describe(a.reg.Load(), a.states, rep.At))
	if d, ok := a.adapter.(interface{ DroppedUpdates() uint64 }); ok {
		a.metrics.SetDroppedUpdates(d.DroppedUpdates())
	}
	a.sd.Watchdog()
	a.sd.Status(fmt.Sprintf("%s, %d checked, %d breached", rep.Period, rep.Checked, rep.Breached))
}

// apply fans a validated config out to every component. Errors leave the
// running generation untouched.
func (a *App) apply(ctx context.Context, cfg *config.Config) error {
	a.applyMu.Lock()
	defer a.applyMu.Unlock()
	if cfg == nil || cfg == a.applied {
		return nil
	}
	snap, err := buildSnapshot(cfg)
	if err != nil {
		return err
	}
	ncfg, err := notifier.ConfigFrom(cfg.Notifier)
	if err != nil {
		return err
	}
	prevCfg := a.applied

	sections, attrs, changedUnits := config.SummarizeConfigChange(prevCfg, cfg)
	if len(sections) > 0 {
		a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	}
	for _, s := range sections {
		switch s {
		case "storage", "events":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		case "telegram":
			if prevCfg.Telegram.Token != cfg.Telegram.Token {
				a.log.Warn("telegram token changed; restart required for changes to take effect")
			}
		}
	}

	a.sd.Reloading()
	defer a.sd.Ready()

	// Log target first so Apply doesn't warn when Telegram logging is enabled.
	a.logs.SetTelegramTarget(logTarget(cfg), cfg.Logging.Telegram.ThreadID)
	a.logs.Apply(logConfig(cfg))

	prev := a.reg.Replace(snap)
	a.loop.SetInterval(snap.Interval)
	a.invoker.SetTimeout(cfg.GlobalSettings.RemediationTimeoutOrDefault())
	a.sink.SetTarget(notifyTarget(cfg))
	a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)

	wasEnabled := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case wasEnabled && !ncfg.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.notif.Start(a.sup.Context())
	}
	a.control.Reconfigure(a.sup.Context(), controlConfig(cfg))

	forget, probe := unitChanges(prev, snap, changedUnits)
	for _, id := range forget {
		a.states.Forget(id)
	}
	if len(probe) > 0 {
		a.sup.Go0("watchdog.reload_probe", func(c context.Context) {
			res := a.prober.Probe(c, probe, a.now())
			a.log.Info("reload access check", logx.Int("units", len(res)), logx.Int("reachable", countOK(res)))
		})
	}

	a.applied = cfg
	fields := []logx.Field{
		logx.Int("units", snap.Len()),
		logx.Int("enabled", len(snap.Enabled())),
		logx.Int("forgotten", len(forget)),
		logx.Int("probing", len(probe)),
	}
	if len(sections) > 0 {
		fields = append(fields, logx.String("changed", strings.Join(sections, ",")))
	}
	a.log.Info("config reloaded", fields...)
	return nil
}

// unitChanges lists the runtime entries to drop and the enabled units of next
// that need an access probe. Entries are dropped for units gone from next,
// disabled units (their traffic is not recorded) and re-enabled units, so a
// re-enabled unit is measured from its probe and not from stale activity.
// Probes cover new, re-enabled and changed units.
func unitChanges(prev, next *watchdog.Snapshot, changed []int64) (forget []int64, probe []watchdog.Unit) {
	touched := make(map[int64]bool, len(changed))
	for _, id := range changed {
		touched[id] = true
	}
	if prev != nil {
		for _, id := range prev.IDs() {
			if _, ok := next.Unit(id); !ok {
				forget = append(forget, id)
			}
		}
	}
	for _, u := range next.Units() {
		var old watchdog.Unit
		var existed bool
		if prev != nil {
			old, existed = prev.Unit(u.ID)
		}
		switch {
		case !u.Enabled:
			forget = append(forget, u.ID)
		case existed && !old.Enabled:
			forget = append(forget, u.ID)
			probe = append(probe, u)
		case !existed || touched[u.ID]:
			probe = append(probe, u)
		}
	}
	return forget, probe
}

func countOK(res []watchdog.ProbeResult) int {
	n := 0
	for _, r := range res {
		if r.OK {
			n++
		}
	}
	return n
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	step("control", 2*time.Second, func(c context.Context) error { a.control.Stop(c); return nil })
	step("notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	// Waits for the running cycle, the dispatcher, the audit writer and the exporter flush.
	step("supervisor", 5*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}
