package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

// Validate checks the parts of a config the watchdog cannot run without.
// Every problem is reported, joined into one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	gs := cfg.GlobalSettings
	if gs.CheckIntervalSeconds <= 0 {
		add("global_settings.check_interval_seconds: must be > 0")
	}
	if tz := strings.TrimSpace(gs.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("global_settings.timezone: %w", err)
		}
	}
	if _, err := ParseClock(gs.NightHours.Start); err != nil {
		add("global_settings.night_hours.start: %w", err)
	}
	if _, err := ParseClock(gs.NightHours.End); err != nil {
		add("global_settings.night_hours.end: %w", err)
	}
	if _, err := ParseDurationField("global_settings.remediation_timeout", gs.RemediationTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[int64]int, len(cfg.Groups))
	for i, g := range cfg.Groups {
		p := fmt.Sprintf("groups[%d]", i)
		if g.UnitID != 0 && g.ChatID != 0 && g.UnitID != g.ChatID {
			add("%s: unit_id and chat_id disagree", p)
		}
		if g.Remediation != nil && g.APIReboot != nil {
			add("%s: set only one of remediation and api_reboot", p)
		}
		id := g.ID()
		if id == 0 {
			add("%s: unit_id is required", p)
		} else if j, dup := seen[id]; dup {
			add("%s: duplicate unit_id %d (also groups[%d])", p, id, j)
		} else {
			seen[id] = i
		}
		if strings.TrimSpace(g.Name) == "" {
			add("%s: name is required", p)
		}
		if g.Monitoring.Enabled {
			if g.Monitoring.DayInactiveMinutes <= 0 {
				add("%s.monitoring.day_inactive_minutes: must be > 0", p)
			}
			if g.Monitoring.NightInactiveMinutes <= 0 {
				add("%s.monitoring.night_inactive_minutes: must be > 0", p)
			}
		}
		r := g.RemediationSettings()
		if m := strings.ToUpper(strings.TrimSpace(r.Method)); m != "" && !validMethods[m] {
			add("%s.remediation.method: unsupported %q", p, r.Method)
		}
		if r.Enabled {
			u, err := url.Parse(strings.TrimSpace(r.URL))
			if strings.TrimSpace(r.URL) == "" || err != nil || u.Scheme == "" || u.Host == "" {
				add("%s.remediation.url: absolute URL required when enabled", p)
			}
		}
	}

	if n := cfg.Notifier; n != nil {
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
			{"notifier.dedup_window", n.DedupWindow},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "off", "disabled", "file", "json", "sqlite", "sqlite3":
		default:
			add("storage.driver: unknown %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if e := cfg.Events; e != nil && e.Kafka != nil && e.Kafka.Enabled {
		if len(e.Kafka.Brokers) == 0 {
			add("events.kafka.brokers: required when enabled")
		}
		if strings.TrimSpace(e.Kafka.Topic) == "" {
			add("events.kafka.topic: required when enabled")
		}
	}
	if el := cfg.Logging.Elastic; el != nil && el.Enabled && strings.TrimSpace(el.URL) == "" {
		add("logging.elastic.url: required when enabled")
	}
	return errors.Join(errs...)
}

// ParseClock parses "HH:MM" (or "HH:MM:SS") into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	var layout string
	switch strings.Count(s, ":") {
	case 1:
		layout = "15:04"
	case 2:
		layout = "15:04:05"
	default:
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second, nil
}
