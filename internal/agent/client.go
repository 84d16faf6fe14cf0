// Package agent implements the single HTTP contract every task execution
// goes through: POST {agent_base_url}/execute. Client wraps a pooled
// *http.Client per agent base URL behind a circuit breaker and rate
// limiter, so a failing or overloaded agent degrades one pool's
// throughput rather than taking down the process.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetgraph/orchestrator/internal/resilience"
)

// Request is the body posted to an agent's /execute endpoint.
type Request struct {
	TaskID   string                 `json:"task_id"`
	RunID    string                 `json:"run_id"`
	Action   string                 `json:"action"`
	Params   map[string]interface{} `json:"params,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Response is the agent's reply on success.
type Response struct {
	Result map[string]interface{} `json:"result"`
}

// Client calls a single agent's HTTP endpoint, pooling connections and
// optionally gating calls behind a circuit breaker and rate limiter.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tracer     trace.Tracer

	breaker *resilience.CircuitBreaker
	limiter *resilience.RateLimiter
}

// NewClient builds a Client for one agent's base URL. breaker/limiter may
// be nil to disable that gating.
func NewClient(baseURL string, breaker *resilience.CircuitBreaker, limiter *resilience.RateLimiter) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL: baseURL,
		tracer:  otel.Tracer("orchestrator-agent-client"),
		breaker: breaker,
		limiter: limiter,
	}
}

// ErrCircuitOpen is returned when the breaker is gating calls to this agent.
var ErrCircuitOpen = fmt.Errorf("agent circuit breaker open")

// ErrRateLimited is returned when the rate limiter rejects the call.
var ErrRateLimited = fmt.Errorf("agent rate limit exceeded")

// StatusError is returned when the agent responds with a non-2xx status,
// carrying the status code so callers can apply the §7 error taxonomy
// (4xx is validation/non-retriable, 5xx is transient/retriable) without
// parsing the error string.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent returned status %d: %s", e.StatusCode, e.Body)
}

// Execute calls {baseURL}/execute with timeout bound by ctx, propagating the
// OTel trace context on the wire.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, ErrCircuitOpen
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return nil, ErrRateLimited
	}

	ctx, span := c.tracer.Start(ctx, "agent.execute", trace.WithAttributes(
		attribute.String("agent.action", req.Action),
		attribute.String("run_id", req.RunID),
		attribute.String("task_id", req.TaskID),
	))
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal agent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if c.breaker != nil {
		c.breaker.RecordResult(err == nil)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("agent call failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var out Response
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("unmarshal agent response: %w", err)
		}
	}
	return &out, nil
}
