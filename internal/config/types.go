package config

import (
	"encoding/json"
)

type Config struct {
	Telegram       TelegramConfig `json:"telegram"`
	Logging        LoggingConfig  `json:"logging"`
	GlobalSettings GlobalSettings `json:"global_settings"`
	Groups         []GroupConfig  `json:"groups"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Control  *ControlConfig  `json:"control,omitempty"`
	Events   *EventsConfig   `json:"events,omitempty"`
	Systemd  *SystemdConfig  `json:"systemd,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// NotifyChatID receives watchdog alerts. When zero, alerts go to the first owner.
	NotifyChatID   int64 `json:"notify_chat_id,omitempty"`
	NotifyThreadID int   `json:"notify_thread_id,omitempty"`
	GroupLog       string `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// GlobalSettings holds the watchdog-wide knobs.
//
// Example:
//
//	"global_settings": {
//	  "check_interval_seconds": 60,
//	  "timezone": "Europe/Kyiv",
//	  "night_hours": {"start": "22:00", "end": "08:00"}
//	}
type GlobalSettings struct {
	CheckIntervalSeconds int        `json:"check_interval_seconds"`
	Timezone             string     `json:"timezone"`
	NightHours           NightHours `json:"night_hours"`

	// RemediationTimeout is a Go duration string; default "30s".
	RemediationTimeout string `json:"remediation_timeout,omitempty"`

	NotifyOnRecovery           bool `json:"notify_on_recovery,omitempty"`
	NotifyOnRemediationFailure bool `json:"notify_on_remediation_failure,omitempty"`
	// StartupNotification sends a summary of monitored groups once the watchdog starts.
	StartupNotification *bool `json:"startup_notification,omitempty"`
}

type NightHours struct {
	Start string `json:"start"` // "HH:MM"
	End   string `json:"end"`   // "HH:MM"
}

// GroupConfig describes one monitored chat.
//
// "chat_id" and "api_reboot" are accepted as legacy spellings of
// "unit_id" and "remediation".
type GroupConfig struct {
	UnitID      int64            `json:"unit_id,omitempty"`
	ChatID      int64            `json:"chat_id,omitempty"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Monitoring  MonitoringConfig `json:"monitoring"`

	Remediation *RemediationConfig `json:"remediation,omitempty"`
	APIReboot   *RemediationConfig `json:"api_reboot,omitempty"`
}

// ID returns the unit identifier, honoring the legacy chat_id key.
func (g GroupConfig) ID() int64 {
	if g.UnitID != 0 {
		return g.UnitID
	}
	return g.ChatID
}

// RemediationSettings returns the effective remediation block (zero value if absent).
func (g GroupConfig) RemediationSettings() RemediationConfig {
	if g.Remediation != nil {
		return *g.Remediation
	}
	if g.APIReboot != nil {
		return *g.APIReboot
	}
	return RemediationConfig{}
}

type MonitoringConfig struct {
	Enabled              bool `json:"enabled"`
	DayInactiveMinutes   int  `json:"day_inactive_minutes"`
	NightInactiveMinutes int  `json:"night_inactive_minutes"`
}

type RemediationConfig struct {
	Enabled bool              `json:"enabled"`
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"` // GET (default) | POST | PUT | PATCH | DELETE
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
	Elastic  *LoggingElastic `json:"elastic,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// LoggingElastic ships log records to an Elasticsearch index.
type LoggingElastic struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url"`
	Index      string `json:"index,omitempty"`
	Service    string `json:"service,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"` // never logged
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/groupwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ControlConfig controls the HTTP control panel.
//
// Security note: prefer binding to localhost; set a token when exposing it.
type ControlConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8089"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
	Pprof   bool   `json:"pprof,omitempty"` // mount /debug/pprof/
}

type EventsConfig struct {
	Kafka *KafkaConfig `json:"kafka,omitempty"`
}

// KafkaConfig exports watchdog episode events to a Kafka topic.
type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

type SystemdConfig struct {
	// Notify sends READY/WATCHDOG/STOPPING to systemd (Type=notify units).
	Notify bool `json:"notify"`
}
