package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ElasticConfig ships log records as JSON documents to an Elasticsearch index
// (POST <url>/<index>/_doc).
type ElasticConfig struct {
	Enabled    bool
	URL        string
	Index      string
	Service    string
	Username   string
	Password   string
	MinLevel   string
	RatePerSec int
}

type elasticSink struct {
	cfg      ElasticConfig
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	minLevel zerolog.Level

	queue  chan []byte
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newElasticSink(cfg ElasticConfig) (*elasticSink, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.New("elastic url is empty")
	}
	index := strings.TrimSpace(cfg.Index)
	if index == "" {
		index = "groupwatch"
	}
	if strings.TrimSpace(cfg.Service) == "" {
		cfg.Service = "groupwatch"
	}
	rps := max(1, cfg.RatePerSec)
	if cfg.RatePerSec <= 0 {
		rps = 20
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &elasticSink{
		cfg:      cfg,
		endpoint: base + "/" + index + "/_doc",
		client:   &http.Client{Timeout: 5 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		minLevel: parseLevel(cfg.MinLevel, zerolog.InfoLevel),
		queue:    make(chan []byte, 512),
		cancel:   cancel,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.worker(ctx)
	}()
	return s, nil
}

func (s *elasticSink) Write(p []byte) (int, error) {
	return s.WriteLevel(zerolog.InfoLevel, p)
}

func (s *elasticSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < s.minLevel || !s.limiter.Allow() {
		return len(p), nil
	}
	doc := s.document(p)
	if doc == nil {
		return len(p), nil
	}
	select {
	case s.queue <- doc:
	default:
	}
	return len(p), nil
}

// document converts a zerolog JSON line into the index document shape.
func (s *elasticSink) document(p []byte) []byte {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return nil
	}
	if ts, ok := m["time"]; ok {
		m["timestamp"] = ts
		delete(m, "time")
	} else {
		m["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if lvl, ok := m["level"].(string); ok {
		m["level"] = strings.ToUpper(lvl)
	}
	m["project_name"] = s.cfg.Service
	m["version"] = "1"
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

func (s *elasticSink) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case doc := <-s.queue:
			if err := s.post(ctx, doc); err != nil {
				// Logging about logging would recurse; stderr only.
				fmt.Fprintf(os.Stderr, "logx: elastic post failed: %v\n", err)
			}
		}
	}
}

func (s *elasticSink) post(ctx context.Context, doc []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(doc))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Username != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *elasticSink) close() {
	s.cancel()
	s.wg.Wait()
}
