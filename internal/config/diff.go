package config

import (
	"reflect"
	"sort"
	"strings"

	logx "groupwatch/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes tokens or passwords),
// and (3) the unit ids whose group entry was added, removed or modified.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []int64) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Telegram (never log token)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		ot.NotifyChatID != nt.NotifyChatID ||
		ot.NotifyThreadID != nt.NotifyThreadID ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		(ot.Token != nt.Token) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.notify_chat_set", nt.NotifyChatID != 0),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		el := newCfg.Logging.Elastic
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
			logx.Bool("logx.elastic_enabled", el != nil && el.Enabled),
		)
	}

	// Watchdog schedule and cadence
	if !reflect.DeepEqual(oldCfg.GlobalSettings, newCfg.GlobalSettings) {
		gs := newCfg.GlobalSettings
		changed = append(changed, "global_settings")
		attrs = append(attrs,
			logx.Int("global.check_interval_seconds", gs.CheckIntervalSeconds),
			logx.String("global.timezone", gs.Timezone),
			logx.String("global.night_start", gs.NightHours.Start),
			logx.String("global.night_end", gs.NightHours.End),
			logx.String("global.remediation_timeout", strings.TrimSpace(gs.RemediationTimeout)),
		)
	}

	groupsChanged := diffGroups(oldCfg.Groups, newCfg.Groups)
	if len(groupsChanged) > 0 {
		changed = append(changed, "groups")
		attrs = append(attrs,
			logx.Int("groups.changed_count", len(groupsChanged)),
			logx.Int("groups.total", len(newCfg.Groups)),
			logx.Int("groups.enabled", countMonitored(newCfg.Groups)),
		)
	}

	// Notifier: nil means runtime defaults.
	defN := DefaultNotifier()
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if oldN == nil {
		oldN = &defN
	}
	if newN == nil {
		newN = &defN
	}
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
		)
	}

	// Storage: nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	// Control panel (never log token)
	var oC, nC ControlConfig
	if oldCfg.Control != nil {
		oC = *oldCfg.Control
	}
	if newCfg.Control != nil {
		nC = *newCfg.Control
	}
	if oC != nC {
		changed = append(changed, "control")
		attrs = append(attrs,
			logx.Bool("control.enabled", nC.Enabled),
			logx.String("control.addr", strings.TrimSpace(nC.Addr)),
			logx.Bool("control.token_set", strings.TrimSpace(nC.Token) != ""),
			logx.Bool("control.pprof", nC.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		changed = append(changed, "events")
		k := KafkaConfig{}
		if newCfg.Events != nil && newCfg.Events.Kafka != nil {
			k = *newCfg.Events.Kafka
		}
		attrs = append(attrs,
			logx.Bool("events.kafka_enabled", k.Enabled),
			logx.Int("events.kafka_brokers", len(k.Brokers)),
			logx.String("events.kafka_topic", k.Topic),
		)
	}

	if !reflect.DeepEqual(oldCfg.Systemd, newCfg.Systemd) {
		changed = append(changed, "systemd")
	}

	sort.Strings(changed)
	return changed, attrs, groupsChanged
}

// DefaultNotifier returns the notifier settings used when the section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}

func countMonitored(groups []GroupConfig) int {
	n := 0
	for _, g := range groups {
		if g.Monitoring.Enabled {
			n++
		}
	}
	return n
}

func diffGroups(oldG, newG []GroupConfig) []int64 {
	index := func(gs []GroupConfig) map[int64]GroupConfig {
		m := make(map[int64]GroupConfig, len(gs))
		for _, g := range gs {
			m[g.ID()] = g
		}
		return m
	}
	om, nm := index(oldG), index(newG)

	out := make([]int64, 0)
	for id, o := range om {
		n, ok := nm[id]
		if !ok || !sameGroup(o, n) {
			out = append(out, id)
		}
	}
	for id := range nm {
		if _, ok := om[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sameGroup(a, b GroupConfig) bool {
	if a.Name != b.Name || a.Description != b.Description || a.Monitoring != b.Monitoring {
		return false
	}
	ra, rb := a.RemediationSettings(), b.RemediationSettings()
	if ra.Enabled != rb.Enabled || ra.URL != rb.URL || !strings.EqualFold(ra.Method, rb.Method) ||
		!reflect.DeepEqual(ra.Headers, rb.Headers) {
		return false
	}
	return canonicalHashJSON(ra.Payload) == canonicalHashJSON(rb.Payload)
}
