// Package remediation performs the outbound HTTP call that restarts a silent unit.
package remediation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	logx "groupwatch/pkg/logx"

	"github.com/google/uuid"
)

// ErrNotConfigured is returned for units whose remediation is disabled or has no URL.
var ErrNotConfigured = errors.New("remediation not configured")

const (
	DefaultTimeout = 30 * time.Second
	maxBodyBytes   = 64 << 10
)

// Spec is the per-unit remediation setting.
type Spec struct {
	Enabled bool              `json:"enabled"`
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"-"` // may carry credentials
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// Configured reports whether Invoke would perform a request.
func (s Spec) Configured() bool { return s.Enabled && strings.TrimSpace(s.URL) != "" }

// Target identifies the unit a call is made for.
type Target struct {
	UnitID   int64
	UnitName string
	Spec     Spec
}

// Result is the outcome of one call. Err is set for transport failures,
// timeouts and non-success statuses.
type Result struct {
	OK        bool          `json:"ok"`
	Status    int           `json:"status,omitempty"`
	Body      string        `json:"body,omitempty"`
	Err       error         `json:"-"`
	Took      time.Duration `json:"took"`
	RequestID string        `json:"request_id,omitempty"`
}

// Invoker issues remediation requests. It is safe for concurrent use.
type Invoker struct {
	client  *http.Client
	log     logx.Logger
	timeout atomic.Int64
}

func New(client *http.Client, timeout time.Duration, log logx.Logger) *Invoker {
	if client == nil {
		client = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	inv := &Invoker{client: client, log: log}
	inv.SetTimeout(timeout)
	return inv
}

// SetTimeout changes the per-call upper bound. Non-positive means DefaultTimeout.
func (i *Invoker) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	i.timeout.Store(int64(d))
}

func (i *Invoker) Timeout() time.Duration { return time.Duration(i.timeout.Load()) }

// Invoke performs the call for t. It never panics and never returns an error
// outside Result.
func (i *Invoker) Invoke(ctx context.Context, t Target) (res Result) {
	if !t.Spec.Configured() {
		return Result{Err: ErrNotConfigured}
	}
	start := time.Now()
	res.RequestID = uuid.NewString()
	log := i.log.With(
		logx.Int64("unit_id", t.UnitID),
		logx.String("unit", t.UnitName),
		logx.String("request_id", res.RequestID),
	)
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("remediation panic: %v", r), RequestID: res.RequestID}
		}
		res.Took = time.Since(start)
		if res.OK {
			log.Info("remediation succeeded", logx.Int("status", res.Status), logx.Duration("took", res.Took), logx.String("body", res.Body))
		} else {
			log.Warn("remediation failed", logx.Int("status", res.Status), logx.Duration("took", res.Took), logx.String("body", res.Body), logx.Err(res.Err))
		}
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, i.Timeout())
	defer cancel()

	req, err := buildRequest(ctx, t.Spec)
	if err != nil {
		res.Err = err
		return res
	}
	req.Header.Set("X-Request-ID", res.RequestID)

	resp, err := i.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", i.Timeout(), err)
		}
		res.Err = err
		return res
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	res.Status = resp.StatusCode
	res.Body = string(body)
	res.OK = IsSuccess(resp.StatusCode)
	if !res.OK {
		res.Err = fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return res
}

// IsSuccess is the status policy: only 200, 201 and 202 count.
func IsSuccess(status int) bool {
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return true
	}
	return false
}

func buildRequest(ctx context.Context, s Spec) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(s.Method))
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	writes := false
	switch method {
	case http.MethodGet, http.MethodDelete:
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		writes = true
	default:
		return nil, fmt.Errorf("unsupported method %q", s.Method)
	}
	if writes && len(bytes.TrimSpace(s.Payload)) > 0 {
		if !json.Valid(s.Payload) {
			return nil, errors.New("payload is not valid JSON")
		}
		body = bytes.NewReader(s.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSpace(s.URL), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}
