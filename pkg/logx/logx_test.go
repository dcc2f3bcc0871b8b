package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	kit "groupwatch/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, b *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(b.Bytes()), &m))
	b.Reset()
	return m
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "test"))

	l.Info("hello", Int("n", 3), Duration("took", time.Second), Err(errors.New("bad")), Err(nil))
	m := decodeLine(t, &buf)
	assert.Equal(t, "hello", m["message"])
	assert.Equal(t, "info", m["level"])
	assert.Equal(t, "test", m["comp"])
	assert.EqualValues(t, 3, m["n"])
	assert.Equal(t, "bad", m["err"])
	assert.Contains(t, m["caller"], "logx_test.go:")

	l.Trace("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, l.Enabled(LevelTrace))
	assert.True(t, l.Enabled(LevelWarn))
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Error("dropped")
	assert.False(t, Nop().IsZero())
	assert.False(t, zero.With(String("a", "b")).IsZero())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, parseLevel(" warning ", LevelInfo))
	assert.Equal(t, LevelTrace, parseLevel("trace", LevelInfo))
	assert.Equal(t, LevelInfo, parseLevel("loud", LevelInfo))
}

func TestFormatTelegramJSON(t *testing.T) {
	s := formatTelegramJSON([]byte(`{"level":"warn","message":"unit down","unit":"Alpha","time":"x"}`))
	assert.True(t, strings.HasPrefix(s, "[WARN] unit down"))
	assert.Contains(t, s, "- unit=Alpha")
	assert.NotContains(t, s, "time=")

	assert.Equal(t, "plain text", formatTelegramJSON([]byte(" plain text \n")))
	assert.Len(t, truncate(strings.Repeat("x", 100), 20), 20)
}

type captureSender struct {
	mu   sync.Mutex
	msgs []string
	to   []kit.ChatTarget
}

func (c *captureSender) Start(context.Context, chan<- kit.Update) error { return nil }
func (c *captureSender) Stop(context.Context) error                     { return nil }
func (c *captureSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.to = append(c.to, to)
	c.mu.Unlock()
	return kit.MessageRef{}, nil
}
func (c *captureSender) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestTelegramSinkHonorsMinLevelAndTarget(t *testing.T) {
	sender := &captureSender{}
	cfg := Config{Level: "debug", Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100, ThreadID: 9}}
	svc, log := New(Config{Level: "debug"}, sender)
	defer svc.Close()
	svc.SetTelegramTarget(-100, 0)
	svc.Apply(cfg)

	log.Info("not shipped")
	log.Warn("shipped", String("unit", "Alpha"))

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Contains(t, sender.msgs[0], "[WARN] shipped")
	assert.Equal(t, kit.ChatTarget{ChatID: -100, ThreadID: 9}, sender.to[0])
}

func TestElasticSinkPostsDocuments(t *testing.T) {
	docs := make(chan map[string]any, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/logs/_doc", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "u", user)
		assert.Equal(t, "p", pass)
		b, _ := io.ReadAll(r.Body)
		var m map[string]any
		if assert.NoError(t, json.Unmarshal(b, &m)) {
			docs <- m
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	svc, log := New(Config{Level: "info", Elastic: ElasticConfig{
		Enabled: true, URL: srv.URL + "/", Index: "logs", Username: "u", Password: "p", MinLevel: "warn",
	}}, nil)
	defer svc.Close()

	log.Info("skipped")
	log.Error("breach", Int64("unit_id", -1001))

	select {
	case m := <-docs:
		assert.Equal(t, "breach", m["message"])
		assert.Equal(t, "ERROR", m["level"])
		assert.Equal(t, "groupwatch", m["project_name"])
		assert.NotEmpty(t, m["timestamp"])
		assert.Nil(t, m["time"])
	case <-time.After(3 * time.Second):
		t.Fatal("no document posted")
	}
}

func TestCronLogger(t *testing.T) {
	var buf bytes.Buffer
	cl := CronLogger(NewWriter(&buf, "debug"))
	cl.Error(errors.New("job failed"), "panic", "entry", 3)
	m := decodeLine(t, &buf)
	assert.Equal(t, "cron: panic", m["message"])
	assert.Equal(t, "job failed", m["err"])
	assert.EqualValues(t, 3, m["entry"])
}
