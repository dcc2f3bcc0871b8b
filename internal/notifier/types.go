package notifier

import (
	"time"

	"groupwatch/internal/config"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// ConfigFrom maps the config file section; nil means defaults.
func ConfigFrom(nc *config.NotifierConfig) (Config, error) {
	src := config.DefaultNotifier()
	if nc != nil {
		src = *nc
	}
	base, err := config.ParseDurationOrDefault("notifier.retry_base", src.RetryBase, 500*time.Millisecond)
	if err != nil {
		return Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", src.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	window, err := config.ParseDurationField("notifier.dedup_window", src.DedupWindow)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Enabled:         src.Enabled,
		Workers:         src.Workers,
		QueueSize:       src.QueueSize,
		RatePerSec:      src.RatePerSec,
		RetryMax:        src.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: src.DedupMaxEntries,
		PersistDedup:    src.PersistDedup,
	}, nil
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Event types published on the bus.
const (
	EventQueued  = "notifier.queued"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
)

// NotificationEvent is the Data payload of notifier bus events.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Attempts int       `json:"attempts,omitempty"`
	Error    string    `json:"error,omitempty"`
}
