package notifier

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	kit "groupwatch/internal/transport"
)

// Sink sends plain-text alerts to a fixed chat target.
// It satisfies the watchdog's notification interface.
type Sink struct {
	svc      *Service
	adapter  kit.Adapter
	target   atomic.Pointer[kit.ChatTarget]
	priority int
}

func NewSink(svc *Service, adapter kit.Adapter, target kit.ChatTarget, priority int) *Sink {
	s := &Sink{svc: svc, adapter: adapter, priority: priority}
	s.SetTarget(target)
	return s
}

// SetTarget changes where subsequent alerts go (config reload).
func (s *Sink) SetTarget(t kit.ChatTarget) { s.target.Store(&t) }

func (s *Sink) Target() kit.ChatTarget { return *s.target.Load() }

// Send queues text on the async pipeline. Every call is delivered: watchdog
// alerts for separate episodes often carry identical text. While the pipeline
// is disabled it sends synchronously through the adapter instead.
func (s *Sink) Send(ctx context.Context, text string) error {
	return s.send(ctx, text, "")
}

// SendOnce is Send with duplicate suppression on key for the configured
// dedup window (persisted across restarts when dedup persistence is on).
func (s *Sink) SendOnce(ctx context.Context, key, text string) error {
	return s.send(ctx, text, key)
}

func (s *Sink) send(ctx context.Context, text, key string) error {
	target := s.Target()
	if target.ChatID == 0 {
		return errors.New("notifier: no alert target configured")
	}
	n := kit.Notification{
		Channel:  "telegram",
		Priority: s.priority,
		Target:   target,
		Text:     text,
		Options:  &kit.SendOptions{DisablePreview: true},
		DedupKey: key,
	}
	if s.svc != nil {
		err := s.svc.Notify(ctx, n)
		if !errors.Is(err, ErrDisabled) {
			return err
		}
	}
	if s.adapter == nil {
		return ErrDisabled
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := s.adapter.SendText(cctx, target, text, n.Options)
	return err
}
