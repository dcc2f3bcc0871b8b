package app

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"groupwatch/internal/config"
	"groupwatch/internal/control"
	"groupwatch/internal/eventexport"
	"groupwatch/internal/notifier"
	"groupwatch/internal/remediation"
	"groupwatch/internal/storage"
	kit "groupwatch/internal/transport"
	"groupwatch/internal/watchdog"
	logx "groupwatch/pkg/logx"
)

// buildSnapshot turns a validated config into one immutable watchdog
// generation. Unknown or inconsistent values are rejected here too, so a
// reload can never publish a half-usable snapshot.
func buildSnapshot(cfg *config.Config) (*watchdog.Snapshot, error) {
	gs := cfg.GlobalSettings
	sched, err := watchdog.ParseSchedule(gs.NightHours.Start, gs.NightHours.End, gs.Timezone)
	if err != nil {
		return nil, fmt.Errorf("global_settings: %w", err)
	}
	units := make([]watchdog.Unit, 0, len(cfg.Groups))
	for _, g := range cfg.Groups {
		r := g.RemediationSettings()
		units = append(units, watchdog.Unit{
			ID:             g.ID(),
			Name:           strings.TrimSpace(g.Name),
			Description:    g.Description,
			Enabled:        g.Monitoring.Enabled,
			DayThreshold:   time.Duration(g.Monitoring.DayInactiveMinutes) * time.Minute,
			NightThreshold: time.Duration(g.Monitoring.NightInactiveMinutes) * time.Minute,
			Remediation: remediation.Spec{
				Enabled: r.Enabled,
				URL:     strings.TrimSpace(r.URL),
				Method:  strings.ToUpper(strings.TrimSpace(r.Method)),
				Headers: r.Headers,
				Payload: r.Payload,
			},
		})
	}
	return watchdog.NewSnapshot(units, sched, gs.CheckInterval(), watchdog.Policy{
		NotifyOnRecovery:           gs.NotifyOnRecovery,
		NotifyOnRemediationFailure: gs.NotifyOnRemediationFailure,
	})
}

// notifyTarget is where watchdog alerts go: notify_chat_id, else the first owner.
func notifyTarget(cfg *config.Config) kit.ChatTarget {
	t := cfg.Telegram
	if t.NotifyChatID != 0 {
		return kit.ChatTarget{ChatID: t.NotifyChatID, ThreadID: t.NotifyThreadID}
	}
	if len(t.OwnerUserIDs) > 0 {
		return kit.ChatTarget{ChatID: t.OwnerUserIDs[0]}
	}
	return kit.ChatTarget{}
}

// logTarget parses telegram.group_log; zero means no Telegram log sink.
func logTarget(cfg *config.Config) int64 {
	s := strings.TrimSpace(cfg.Telegram.GroupLog)
	if s == "" {
		return 0
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func logConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	out := logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
	if el := l.Elastic; el != nil {
		out.Elastic = logx.ElasticConfig{
			Enabled:    el.Enabled,
			URL:        el.URL,
			Index:      el.Index,
			Service:    el.Service,
			Username:   el.Username,
			Password:   el.Password,
			MinLevel:   el.MinLevel,
			RatePerSec: el.RatePerSec,
		}
	}
	return out
}

func storageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none", "off", "disabled":
		return storage.Config{}, false, nil
	case "file", "json":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func controlConfig(cfg *config.Config) control.Config {
	c := cfg.Control
	if c == nil {
		return control.Config{}
	}
	return control.Config{
		Enabled:     c.Enabled,
		Addr:        c.Addr,
		Token:       c.Token,
		Pprof:       c.Pprof,
		ReadTimeout: 15 * time.Second,
		// Unbounded: websocket streams and CPU profiles outlive any fixed write timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
}

func kafkaConfig(cfg *config.Config) (eventexport.Config, bool) {
	if cfg.Events == nil || cfg.Events.Kafka == nil || !cfg.Events.Kafka.Enabled {
		return eventexport.Config{}, false
	}
	k := cfg.Events.Kafka
	return eventexport.Config{Brokers: k.Brokers, Topic: k.Topic}, true
}

func systemdEnabled(cfg *config.Config) bool {
	return cfg.Systemd != nil && cfg.Systemd.Notify
}

const redacted = "***"

// redactConfig deep-copies cfg with every credential masked.
func redactConfig(cfg *config.Config) *config.Config {
	if cfg == nil {
		return nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	var out config.Config
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&out.Telegram.Token)
	if el := out.Logging.Elastic; el != nil {
		mask(&el.Password)
	}
	if c := out.Control; c != nil {
		mask(&c.Token)
	}
	for i := range out.Groups {
		for _, r := range []*config.RemediationConfig{out.Groups[i].Remediation, out.Groups[i].APIReboot} {
			if r == nil {
				continue
			}
			for k := range r.Headers {
				r.Headers[k] = redacted
			}
		}
	}
	return &out
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "groupwatch"
	}
	return h
}

// Check parses and validates the config file the same way a reload does and
// returns a one-line summary.
func Check(cfgPath string) (string, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return "", err
	}
	snap, err := buildSnapshot(cfg)
	if err != nil {
		return "", err
	}
	if _, err := notifier.ConfigFrom(cfg.Notifier); err != nil {
		return "", err
	}
	if _, _, err := storageConfig(cfg); err != nil {
		return "", err
	}
	if kc, ok := kafkaConfig(cfg); ok {
		if err := kc.Validate(); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%d units (%d enabled), interval %s, night %s",
		snap.Len(), len(snap.Enabled()), snap.Interval, snap.Schedule), nil
}
