// Package eventexport ships watchdog episode events to Kafka.
package eventexport

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"groupwatch/internal/eventbus"
	"groupwatch/internal/watchdog"
	logx "groupwatch/pkg/logx"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Exported event types. Activity and cycle events stay in-process.
var exportedTypes = map[string]bool{
	watchdog.EventBreach:        true,
	watchdog.EventRemediation:   true,
	watchdog.EventRecovered:     true,
	watchdog.EventPeriodChanged: true,
	watchdog.EventProbe:         true,
}

const (
	maxBatch      = 50
	flushInterval = time.Second
	writeTimeout  = 10 * time.Second
)

type Config struct {
	Brokers []string
	Topic   string
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return errors.New("kafka: topic is required")
	}
	return nil
}

// MessageWriter is the subset of *kafka.Writer the exporter uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a synchronous writer; batching happens in the exporter.
func NewWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// Record is the JSON value of every exported message.
type Record struct {
	ID     string    `json:"id"`
	Type   string    `json:"type"`
	Time   time.Time `json:"time"`
	Source string    `json:"source"`
	Data   any       `json:"data,omitempty"`
}

type Exporter struct {
	w      MessageWriter
	log    logx.Logger
	source string

	written uint64
	failed  uint64
}

func New(w MessageWriter, source string, log logx.Logger) *Exporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Exporter{w: w, source: source, log: log.With(logx.String("comp", "eventexport"))}
}

// Run forwards bus events until ctx ends, then flushes what is buffered and
// closes the writer.
func (e *Exporter) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(512)
	defer unsub()
	defer func() {
		if err := e.w.Close(); err != nil {
			e.log.Warn("kafka writer close failed", logx.Err(err))
		}
	}()

	tick := time.NewTicker(flushInterval)
	defer tick.Stop()

	var batch []kafka.Message
	flush := func(parent context.Context) {
		if len(batch) == 0 {
			return
		}
		wctx, cancel := context.WithTimeout(parent, writeTimeout)
		err := e.w.WriteMessages(wctx, batch...)
		cancel()
		if err != nil {
			e.failed += uint64(len(batch))
			e.log.Warn("kafka export failed; events dropped", logx.Int("events", len(batch)), logx.Err(err))
		} else {
			e.written += uint64(len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			e.drain(ch, &batch)
			flush(context.WithoutCancel(ctx))
			e.log.Info("kafka export stopped", logx.Uint64("written", e.written), logx.Uint64("failed", e.failed))
			return nil
		case <-tick.C:
			flush(ctx)
		case ev, ok := <-ch:
			if !ok {
				flush(context.WithoutCancel(ctx))
				return nil
			}
			msg, ok := e.message(ev)
			if !ok {
				continue
			}
			batch = append(batch, msg)
			if len(batch) >= maxBatch {
				flush(ctx)
			}
		}
	}
}

// drain moves already-queued events into batch without blocking.
func (e *Exporter) drain(ch <-chan eventbus.Event, batch *[]kafka.Message) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if msg, ok := e.message(ev); ok {
				*batch = append(*batch, msg)
			}
		default:
			return
		}
	}
}

func (e *Exporter) message(ev eventbus.Event) (kafka.Message, bool) {
	if !exportedTypes[ev.Type] {
		return kafka.Message{}, false
	}
	b, err := json.Marshal(Record{
		ID:     uuid.NewString(),
		Type:   ev.Type,
		Time:   ev.Time,
		Source: e.source,
		Data:   ev.Data,
	})
	if err != nil {
		e.log.Warn("kafka export encode failed", logx.String("type", ev.Type), logx.Err(err))
		return kafka.Message{}, false
	}
	return kafka.Message{
		Key:     unitKey(ev.Data),
		Value:   b,
		Time:    ev.Time,
		Headers: []kafka.Header{{Key: "event-type", Value: []byte(ev.Type)}},
	}, true
}

// unitKey keeps every event of one unit on one partition.
func unitKey(data any) []byte {
	switch d := data.(type) {
	case watchdog.EpisodeEvent:
		return []byte(strconv.FormatInt(d.UnitID, 10))
	case watchdog.ProbeEvent:
		return []byte(strconv.FormatInt(d.UnitID, 10))
	default:
		return nil
	}
}
