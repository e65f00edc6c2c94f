package pgqueue

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// httpPayload is the shape ExecutionMode "http" expects inside Job.Payload.
// Any other execution mode is rejected: the scheduling core's queue only
// knows how to dispatch HTTP callbacks.
type httpPayload struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type executionResult struct {
	StatusCode int
	Err        error
	Duration   time.Duration
	Body       []byte
}

// executor dispatches one job's payload as an HTTP request, decoding
// Method/URL/Headers/Body out of an opaque payload instead of reading
// them off typed job columns.
type executor struct {
	client *http.Client
	logger *slog.Logger
}

func newExecutor(logger *slog.Logger) *executor {
	return &executor{
		client: &http.Client{
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		},
		logger: logger.With("component", "queue_executor"),
	}
}

func (e *executor) run(ctx context.Context, job jobToRun) executionResult {
	start := time.Now()

	if job.ExecutionMode != "http" {
		return executionResult{Err: fmt.Errorf("unsupported execution mode %q", job.ExecutionMode), Duration: time.Since(start)}
	}

	var p httpPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return executionResult{Err: fmt.Errorf("decode http payload: %w", err), Duration: time.Since(start)}
	}
	if p.Method == "" {
		p.Method = http.MethodPost
	}

	var bodyReader io.Reader
	if p.Body != "" {
		bodyReader = strings.NewReader(p.Body)
	}

	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, bodyReader)
	if err != nil {
		return executionResult{Err: fmt.Errorf("build request: %w", err), Duration: time.Since(start)}
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)

	e.logger.InfoContext(ctx, "dispatching job", "job_id", job.ID, "method", p.Method, "url", p.URL, "request_id", reqID)

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.ErrorContext(ctx, "request failed", "job_id", job.ID, "error", err, "duration", time.Since(start))
		return executionResult{Err: fmt.Errorf("do request: %w", err), Duration: time.Since(start)}
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	duration := time.Since(start)

	e.logger.InfoContext(ctx, "response received", "job_id", job.ID, "status", resp.StatusCode, "duration", duration)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return executionResult{StatusCode: resp.StatusCode, Duration: duration, Body: body,
			Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}
	return executionResult{StatusCode: resp.StatusCode, Duration: duration, Body: body}
}

// jobToRun is the slice of domain.Job fields the executor needs, kept
// separate from domain.Job so tests can build one without a full record.
type jobToRun struct {
	ID            string
	ExecutionMode string
	Payload       []byte
}
