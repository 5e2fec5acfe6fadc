package activityd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/activityd/client"
	"pkt.systems/activityd/internal/clock"
	"pkt.systems/pslog"
)

// TestServer wraps a running activityd.Server with convenient handles for tests.
type TestServer struct {
	Server   *Server
	BaseURL  string
	Listener net.Addr
	Client   *client.Client
	Config   Config

	stop func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") ||
						strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a pslog logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewWithOptions(context.Background(), writer, pslog.Options{
		Mode:     pslog.ModeStructured,
		MinLevel: level,
		NoColor:  true,
	}).With("app", "testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	if ts.Client != nil {
		_ = ts.Client.Close()
	}
	return ts.stop(ctx)
}

// URL returns the base URL clients should use to reach the server.
func (ts *TestServer) URL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL
}

// Addr returns the HTTP listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil {
		return nil
	}
	if ts.Listener != nil {
		return ts.Listener
	}
	if ts.Server != nil {
		return ts.Server.ListenerAddr()
	}
	return nil
}

// GRPCTarget returns the dial target of the gRPC API, or "" when disabled.
func (ts *TestServer) GRPCTarget() string {
	if ts == nil || ts.Server == nil {
		return ""
	}
	if addr := ts.Server.GRPCAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// NewClient returns a new HTTP client configured against the test server.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, fmt.Errorf("nil test server")
	}
	return client.New(ts.BaseURL, opts...)
}

type testServerOptions struct {
	cfg           Config
	mutators      []func(*Config)
	logger        pslog.Logger
	clock         clock.Clock
	clientOpts    []client.Option
	disableClient bool
	startTimeout  time.Duration
	testTB        testing.TB
	testLogLevel  pslog.Level
}

// TestServerOption customises NewTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfig replaces the base configuration.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc mutates the configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestClock drives the coordinator timers from clk.
func WithTestClock(clk clock.Clock) TestServerOption {
	return func(o *testServerOptions) {
		o.clock = clk
	}
}

// WithTestGRPC enables the gRPC API on an ephemeral loopback port.
func WithTestGRPC() TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.GRPCListen = "127.0.0.1:0"
	})
}

// WithTestSocket enables the local socket API at path.
func WithTestSocket(path string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.SocketPath = path
	})
}

// WithTestUnixListener serves the HTTP API on a unix socket at path.
func WithTestUnixListener(path string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.ListenProto = "unix"
		cfg.Listen = path
	})
}

// WithTestLogger supplies a logger for the server.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes server logs through t at level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// WithTestClientOptions appends options for the default client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithoutTestClient skips creating the default client.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) {
		o.disableClient = true
	}
}

// WithTestStartTimeout bounds how long NewTestServer waits for readiness.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// NewTestServer starts a loopback server suitable for tests. Telemetry is
// off, the connection guard is disabled and stream reaping stays on.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	base := DefaultConfig()
	base.Listen = "127.0.0.1:0"
	base.ConnguardEnabled = false
	base.MachineName = "testhost"
	options := testServerOptions{
		cfg:          base,
		startTimeout: 5 * time.Second,
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := options.cfg
	for _, mut := range options.mutators {
		mut(&cfg)
	}
	if cfg.ListenProto != "unix" && cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}

	logger := options.logger
	if logger == nil {
		if options.testTB != nil {
			logger = NewTestingLogger(options.testTB, options.testLogLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}

	startOpts := []Option{WithLogger(logger)}
	if options.clock != nil {
		startOpts = append(startOpts, WithClock(options.clock))
	}
	startCtx := ctx
	if startCtx == nil {
		startCtx = context.Background()
	}
	if options.startTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(startCtx, options.startTimeout)
		defer cancel()
	}
	// StartServer ties the server lifetime to its context; the start timeout
	// must only bound readiness.
	srvCtx, srvCancel := context.WithCancel(context.Background())
	type startResult struct {
		srv  *Server
		stop func(context.Context) error
		err  error
	}
	resultCh := make(chan startResult, 1)
	go func() {
		srv, stop, err := StartServer(srvCtx, cfg, startOpts...)
		resultCh <- startResult{srv: srv, stop: stop, err: err}
	}()
	var res startResult
	select {
	case res = <-resultCh:
	case <-startCtx.Done():
		srvCancel()
		res = <-resultCh
		if res.err == nil {
			_ = res.stop(context.Background())
			res.err = fmt.Errorf("test server start: %w", startCtx.Err())
		}
	}
	if res.err != nil {
		srvCancel()
		return nil, res.err
	}
	srv := res.srv
	stop := func(stopCtx context.Context) error {
		defer srvCancel()
		return res.stop(stopCtx)
	}

	addr := srv.ListenerAddr()
	if addr == nil {
		_ = stop(context.Background())
		return nil, fmt.Errorf("test server: listener not initialised")
	}
	baseURL, err := computeBaseURL(cfg, addr)
	if err != nil {
		_ = stop(context.Background())
		return nil, err
	}

	ts := &TestServer{
		Server:   srv,
		BaseURL:  baseURL,
		Listener: addr,
		Config:   cfg,
		stop:     stop,
	}
	if !options.disableClient {
		ts.Client, err = client.New(baseURL, options.clientOpts...)
		if err != nil {
			_ = stop(context.Background())
			return nil, err
		}
	}
	return ts, nil
}

// StartTestServer is a convenience wrapper that fails the test on error and
// registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

func computeBaseURL(cfg Config, addr net.Addr) (string, error) {
	switch strings.ToLower(cfg.ListenProto) {
	case "unix":
		if cfg.Listen == "" {
			return "", fmt.Errorf("unix listener requires a socket path")
		}
		return "unix://" + cfg.Listen, nil
	default:
		return "http://" + addr.String(), nil
	}
}
