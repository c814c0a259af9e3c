// Package voice is a client for the voice-AI provider's REST API: placing
// and stopping calls, reading executions, and managing agents.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/voxdesk/internal/otel"
)

// ErrProviderUnavailable is returned when no API key is configured.
var ErrProviderUnavailable = errors.New("voice provider not configured")

// APIError carries a non-2xx provider response.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("voice %s returned %d: %s", e.Op, e.Status, e.Body)
}

// IsTransient reports whether err is worth retrying later: timeouts,
// rate limiting and provider-side failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// StatusCode returns the provider status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	tracer  trace.Tracer
	errors  metric.Int64Counter
}

type Option func(*Client)

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithMetrics counts failed provider requests.
func WithMetrics(m *otel.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.errors = m.ProviderErrors
		}
	}
}

func NewClient(baseURL, apiKey string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		tracer:  nooptrace.NewTracerProvider().Tracer(otel.TracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether the client has credentials.
func (c *Client) Configured() bool {
	return c != nil && c.apiKey != ""
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	if !c.Configured() {
		return ErrProviderUnavailable
	}
	ctx, span := otel.StartClientSpan(ctx, c.tracer, "voice."+op,
		attribute.String("http.method", method))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if c.errors != nil {
				c.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
			}
		}
		span.End()
	}()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("voice %s: %w", op, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(otel.AttrHTTPStatus.Int(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

type CallRequest struct {
	AgentID        string            `json:"agent_id"`
	RecipientPhone string            `json:"recipient_phone_number"`
	FromPhone      string            `json:"from_phone_number,omitempty"`
	UserData       map[string]string `json:"user_data,omitempty"`
}

type CallResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
}

// PlaceCall starts an outbound call and returns the provider execution id.
func (c *Client) PlaceCall(ctx context.Context, req CallRequest) (CallResponse, error) {
	var out CallResponse
	if err := c.do(ctx, "place_call", http.MethodPost, "/call", req, &out); err != nil {
		return CallResponse{}, err
	}
	if out.ExecutionID == "" {
		return out, errors.New("voice place_call: response has no execution_id")
	}
	return out, nil
}

func (c *Client) StopCall(ctx context.Context, executionID string) error {
	return c.do(ctx, "stop_call", http.MethodPost, "/call/"+url.PathEscape(executionID)+"/stop", nil, nil)
}

// Provider execution statuses.
const (
	ExecCompleted = "completed"
	ExecFailed    = "failed"
	ExecNoAnswer  = "no-answer"
	ExecBusy      = "busy"
	ExecCanceled  = "canceled"
	ExecError     = "error"
)

type TelephonyData struct {
	Duration     string `json:"duration"`
	ToNumber     string `json:"to_number"`
	FromNumber   string `json:"from_number"`
	RecordingURL string `json:"recording_url"`
	HangupReason string `json:"hangup_reason"`
}

type Execution struct {
	ID                   string        `json:"id"`
	AgentID              string        `json:"agent_id"`
	Status               string        `json:"status"`
	ConversationDuration float64       `json:"conversation_duration"`
	Transcript           string        `json:"transcript"`
	Summary              string        `json:"summary"`
	ErrorMessage         string        `json:"error_message"`
	TelephonyData        TelephonyData `json:"telephony_data"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// Terminal reports whether the provider has finished with the execution.
func (e Execution) Terminal() bool {
	switch e.Status {
	case ExecCompleted, ExecFailed, ExecNoAnswer, ExecBusy, ExecCanceled, ExecError:
		return true
	}
	return false
}

func (c *Client) GetExecution(ctx context.Context, executionID string) (Execution, error) {
	var out Execution
	err := c.do(ctx, "get_execution", http.MethodGet, "/executions/"+url.PathEscape(executionID), nil, &out)
	return out, err
}

type LogEntry struct {
	CreatedAt string `json:"created_at"`
	Type      string `json:"type"`
	Component string `json:"component"`
	Provider  string `json:"provider"`
	Data      string `json:"data"`
}

func (c *Client) ExecutionLogs(ctx context.Context, executionID string) ([]LogEntry, error) {
	var out struct {
		Data []LogEntry `json:"data"`
	}
	err := c.do(ctx, "execution_logs", http.MethodGet, "/executions/"+url.PathEscape(executionID)+"/log", nil, &out)
	return out.Data, err
}

// AgentExecutions lists the executions of one agent, newest first.
func (c *Client) AgentExecutions(ctx context.Context, agentID string) ([]Execution, error) {
	var out []Execution
	err := c.do(ctx, "agent_executions", http.MethodGet, "/agent/"+url.PathEscape(agentID)+"/executions", nil, &out)
	return out, err
}

type Agent struct {
	ID        string          `json:"id"`
	Name      string          `json:"agent_name"`
	Status    string          `json:"agent_status"`
	CreatedAt time.Time       `json:"created_at"`
	Config    json.RawMessage `json:"agent_config,omitempty"`
}

type AgentRef struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var out []Agent
	err := c.do(ctx, "list_agents", http.MethodGet, "/agent", nil, &out)
	return out, err
}

// CreateAgent forwards an agent definition unchanged.
func (c *Client) CreateAgent(ctx context.Context, body json.RawMessage) (AgentRef, error) {
	var out AgentRef
	err := c.do(ctx, "create_agent", http.MethodPost, "/agent", body, &out)
	return out, err
}

func (c *Client) UpdateAgent(ctx context.Context, agentID string, body json.RawMessage) (AgentRef, error) {
	var out AgentRef
	err := c.do(ctx, "update_agent", http.MethodPut, "/agent/"+url.PathEscape(agentID), body, &out)
	return out, err
}

func (c *Client) DeleteAgent(ctx context.Context, agentID string) error {
	return c.do(ctx, "delete_agent", http.MethodDelete, "/agent/"+url.PathEscape(agentID), nil, nil)
}

// OpenRecording fetches recording bytes from rawURL. The caller closes the
// returned body.
func (c *Client) OpenRecording(ctx context.Context, rawURL string) (io.ReadCloser, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, err
	}
	// Recordings can outlast the API timeout.
	hc := &http.Client{Transport: c.http.Transport}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch recording: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, nil, &APIError{Op: "fetch_recording", Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return resp.Body, resp.Header, nil
}
