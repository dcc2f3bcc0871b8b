package app

import (
	"context"
	"encoding/json"
	"time"

	"groupwatch/internal/eventbus"
	"groupwatch/internal/storage"
	"groupwatch/internal/watchdog"
	logx "groupwatch/pkg/logx"
)

// auditLoop persists episode transitions and operator actions seen on the bus.
func (a *App) auditLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if entry, ok := auditEntry(e); ok {
				a.audit(ctx, entry)
			}
		}
	}
}

func (a *App) audit(ctx context.Context, e storage.AuditEntry) {
	if a.store == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := a.store.AppendAudit(wctx, e); err != nil {
		a.log.Warn("audit write failed", logx.String("action", e.Action), logx.Err(err))
	}
}

// auditEntry maps a bus event to its audit record. Activity and cycle
// events are too frequent to keep.
func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	out := storage.AuditEntry{At: e.Time, Kind: storage.KindEpisode}
	switch d := e.Data.(type) {
	case watchdog.EpisodeEvent:
		out.UnitID, out.UnitName = d.UnitID, d.UnitName
		out.OK, out.Status, out.Error = d.OK, d.Status, d.Error
		switch e.Type {
		case watchdog.EventBreach:
			out.Action = "breach"
			out.OK = true
			out.MetaJSON = meta(map[string]any{
				"period":        d.Period,
				"elapsed_sec":   d.ElapsedSec,
				"threshold_sec": d.ThresholdSec,
			})
		case watchdog.EventRemediation:
			out.Action = "remediation"
			if d.Manual {
				out.Kind = storage.KindOperator
				out.Action = "remediate"
				out.Actor = d.Actor
			}
			if d.RequestID != "" {
				out.MetaJSON = meta(map[string]any{"request_id": d.RequestID})
			}
		case watchdog.EventRecovered:
			out.Action = "recovered"
			out.OK = true
		default:
			return storage.AuditEntry{}, false
		}
	case watchdog.ProbeEvent:
		if e.Type != watchdog.EventProbe {
			return storage.AuditEntry{}, false
		}
		out.Action = "probe"
		out.UnitID, out.UnitName = d.UnitID, d.UnitName
		out.OK, out.Error = d.OK, d.Error
	case watchdog.PeriodEvent:
		if e.Type != watchdog.EventPeriodChanged {
			return storage.AuditEntry{}, false
		}
		out.Action = "period_changed"
		out.OK = true
		out.MetaJSON = meta(map[string]any{"from": d.From, "to": d.To})
	default:
		return storage.AuditEntry{}, false
	}
	if out.At.IsZero() {
		out.At = time.Now()
	}
	return out, true
}

func meta(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
