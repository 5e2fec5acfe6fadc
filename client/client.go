package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/activityd/api"
)

const (
	// DefaultHTTPTimeout bounds every non-streaming request.
	DefaultHTTPTimeout = 15 * time.Second
	// DefaultMaxIdleConnsPerHost keeps event streams and calls from competing
	// for a single idle connection.
	DefaultMaxIdleConnsPerHost = 16

	headerCorrelationID = "X-Correlation-Id"
	maxEventLineBytes   = 1 << 20
)

// Client talks to one activityd HTTP endpoint.
type Client struct {
	base        string
	httpClient  *http.Client
	ownedClient bool
	httpTimeout time.Duration
	logger      pslog.Logger
}

// Option customises Client construction.
type Option func(*Client)

// WithHTTPClient supplies the http.Client used for every request.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger attaches a logger for client diagnostics.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPTimeout bounds non-streaming requests. Zero or less disables the
// timeout.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpTimeout = d
	}
}

// New constructs a client for baseURL. http://, https:// and unix:///path
// endpoints are accepted.
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		httpTimeout: DefaultHTTPTimeout,
		logger:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	httpClient, base, err := buildHTTPClient(baseURL)
	if err != nil {
		return nil, err
	}
	c.base = base
	if c.httpClient == nil {
		c.httpClient = httpClient
		c.ownedClient = true
	}
	return c, nil
}

func buildHTTPClient(raw string) (*http.Client, string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, "", fmt.Errorf("activityd: baseURL required")
	}
	if strings.HasPrefix(trimmed, "unix://") {
		return newUnixHTTPClient(trimmed)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, "", fmt.Errorf("activityd: parse baseURL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", fmt.Errorf("activityd: unsupported scheme %q", u.Scheme)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	return &http.Client{Transport: transport}, strings.TrimRight(trimmed, "/"), nil
}

func newUnixHTTPClient(raw string) (*http.Client, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("activityd: parse unix baseURL: %w", err)
	}
	socketPath := u.Path
	if u.Host != "" {
		socketPath = "/" + u.Host + socketPath
	}
	if socketPath == "" || socketPath == "/" {
		return nil, "", fmt.Errorf("activityd: unix baseURL missing socket path")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	dialer := &net.Dialer{Timeout: DefaultHTTPTimeout, KeepAlive: 15 * time.Second}
	transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, "unix", socketPath)
	}
	transport.TLSClientConfig = nil
	return &http.Client{Transport: transport}, "http://unix", nil
}

// Close releases idle connections held by a client-owned transport.
func (c *Client) Close() error {
	if c == nil || !c.ownedClient {
		return nil
	}
	c.httpClient.CloseIdleConnections()
	return nil
}

// APIError describes a non-2xx response.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes.
	Body []byte
	// RetryAfter is the parsed Retry-After header, when provided.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("activityd: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("activityd: status %d", e.Status)
}

// Code returns the server error code.
func (e *APIError) Code() string {
	if e == nil {
		return ""
	}
	return e.Response.ErrorCode
}

// RetryAfterDuration returns the recommended back-off hinted by the server.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if e.Response.RetryAfterSeconds > 0 {
		return time.Duration(e.Response.RetryAfterSeconds) * time.Second
	}
	return 0
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Response.ErrorCode == code
}

func (c *Client) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if c.httpTimeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, c.httpTimeout)
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return nil, err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cid := CorrelationIDFromContext(ctx); cid != "" {
		req.Header.Set(headerCorrelationID, cid)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	req, err := c.newRequest(reqCtx, method, path, payload)
	if err != nil {
		return err
	}
	start := time.Now()
	c.logger.Trace("client.http.start", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("client.http.error", "method", method, "path", path, "error", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return c.decodeError(resp)
	}
	c.logger.Trace("client.http.complete", "method", method, "path", path,
		"status", resp.StatusCode, "elapsed", time.Since(start))
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("activityd: decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode, Body: body}
	_ = json.Unmarshal(body, &apiErr.Response)
	if raw := strings.TrimSpace(resp.Header.Get("Retry-After")); raw != "" {
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	c.logger.Debug("client.http.failure", "status", resp.StatusCode, "code", apiErr.Response.ErrorCode)
	return apiErr
}

// Connect registers a master or slave.
func (c *Client) Connect(ctx context.Context, req api.ConnectRequest) (*api.ConnectResponse, error) {
	var out api.ConnectResponse
	if err := c.do(ctx, http.MethodPost, "/v1/connect", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Disconnect deregisters a client. Unknown ids succeed.
func (c *Client) Disconnect(ctx context.Context, clientID string) error {
	return c.do(ctx, http.MethodPost, "/v1/disconnect", api.DisconnectRequest{ClientID: clientID}, nil)
}

// State returns the committed state of scope. An empty scope means local.
func (c *Client) State(ctx context.Context, scope string) (*api.StateResponse, error) {
	path := "/v1/state"
	if scope != "" {
		path += "?scope=" + url.QueryEscape(scope)
	}
	var out api.StateResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transition requests a state transition on behalf of the master.
func (c *Client) Transition(ctx context.Context, req api.TransitionRequest) (*api.TransitionResponse, error) {
	var out api.TransitionResponse
	if err := c.do(ctx, http.MethodPost, "/v1/transition", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ack submits a slave verdict.
func (c *Client) Ack(ctx context.Context, req api.AckRequest) (*api.AckResponse, error) {
	var out api.AckResponse
	if err := c.do(ctx, http.MethodPost, "/v1/ack", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportMachine reports a machine availability change to the master.
func (c *Client) ReportMachine(ctx context.Context, machine string, available bool) (*api.MachineResponse, error) {
	var out api.MachineResponse
	if err := c.do(ctx, http.MethodPost, "/v1/machine", api.MachineRequest{Machine: machine, Available: available}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches a coordinator snapshot.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History fetches up to limit recent cycles. Zero uses the server default.
func (c *Client) History(ctx context.Context, limit int) (*api.HistoryResponse, error) {
	path := "/v1/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out api.HistoryResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ready reports whether /readyz answers 200.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/readyz", nil, nil)
}

// EventStream reads the NDJSON event stream of one client.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
}

// Recv blocks until the next event. It returns io.EOF once the server ends
// the stream.
func (s *EventStream) Recv() (api.Event, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return api.Event{}, err
		}
		return api.Event{}, io.EOF
	}
	var ev api.Event
	if err := json.Unmarshal(s.scanner.Bytes(), &ev); err != nil {
		return api.Event{}, fmt.Errorf("activityd: decode event: %w", err)
	}
	return ev, nil
}

// Close ends the stream. With stream reaping enabled on the server this also
// disconnects the client.
func (s *EventStream) Close() error {
	s.cancel()
	return s.body.Close()
}

// Watch opens the event stream of clientID. The stream has no timeout; cancel
// ctx or call Close to end it.
func (c *Client) Watch(ctx context.Context, clientID string) (*EventStream, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(streamCtx, http.MethodGet, "/v1/events?client_id="+url.QueryEscape(clientID), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, c.decodeError(resp)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), maxEventLineBytes)
	c.logger.Debug("client.events.open", "client_id", clientID)
	return &EventStream{body: resp.Body, scanner: scanner, cancel: cancel}, nil
}
