package config

import (
	"fmt"
	"strings"
	"time"
)

const DefaultRemediationTimeout = 30 * time.Second

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// CheckInterval is the global poll cadence.
func (g GlobalSettings) CheckInterval() time.Duration {
	return time.Duration(g.CheckIntervalSeconds) * time.Second
}

// RemediationTimeoutOrDefault never fails; Validate has already rejected bad input.
func (g GlobalSettings) RemediationTimeoutOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("global_settings.remediation_timeout", g.RemediationTimeout, DefaultRemediationTimeout)
	if err != nil {
		return DefaultRemediationTimeout
	}
	return d
}

// StartupNotificationEnabled defaults to true.
func (g GlobalSettings) StartupNotificationEnabled() bool {
	return g.StartupNotification == nil || *g.StartupNotification
}
