package activityd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/netutil"
	"google.golang.org/grpc"

	"pkt.systems/activityd/internal/clock"
	"pkt.systems/activityd/internal/connguard"
	"pkt.systems/activityd/internal/core"
	"pkt.systems/activityd/internal/grpcapi"
	"pkt.systems/activityd/internal/httpapi"
	"pkt.systems/activityd/internal/journal"
	"pkt.systems/activityd/internal/machine"
	"pkt.systems/activityd/internal/sockapi"
	"pkt.systems/activityd/internal/svcfields"
	"pkt.systems/activityd/internal/version"
	"pkt.systems/pslog"
)

// Server wraps the coordinator and the API surfaces that expose it.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	machine   string
	svc       *core.Service
	journal   *journal.Store
	guard     *connguard.Guard
	telemetry *telemetryBundle

	httpSrv  *http.Server
	listener net.Listener

	grpcAPI    *grpcapi.Server
	grpcSrv    *grpc.Server
	grpcLn     net.Listener
	grpcErrCh  chan error
	socket     *sockapi.Server
	sockCancel context.CancelFunc
	sockErrCh  chan error

	readyOnce sync.Once
	readyCh   chan struct{}

	mu       sync.Mutex
	shutdown bool
	serveErr error
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	OTLPEndpoint string
	Journal      core.Journal
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation. Tests drive the ack window
// and resume grace with a manual clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithJournal supplies a cycle journal and bypasses Config.JournalPath.
func WithJournal(j core.Journal) Option {
	return func(o *options) {
		o.Journal = j
	}
}

// NewServer constructs an activityd server according to cfg.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := svcfields.EnsureLogger(o.Logger)
	serverLogger := svcfields.WithSubsystem(logger, "server.lifecycle.core")
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ctx := context.Background()
	machineName := machine.Name(ctx, cfg.MachineName)

	otlpEndpoint := cfg.OTLPEndpoint
	if o.OTLPEndpoint != "" {
		otlpEndpoint = o.OTLPEndpoint
	}
	telemetry, err := setupTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:           otlpEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
		Host:                   machineName,
	}, svcfields.WithSubsystem(logger, svcfields.Telemetry))
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		logger:    serverLogger,
		clock:     clk,
		machine:   machineName,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}

	var jr core.Journal = o.Journal
	if jr == nil && strings.TrimSpace(cfg.JournalPath) != "" {
		if dir := filepath.Dir(cfg.JournalPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				s.abort(ctx)
				return nil, fmt.Errorf("journal dir: %w", err)
			}
		}
		store, err := journal.Open(ctx, cfg.JournalPath,
			journal.WithRetain(cfg.JournalRetain),
			journal.WithLogger(logger),
			journal.WithClock(clk),
		)
		if err != nil {
			s.abort(ctx)
			return nil, err
		}
		s.journal = store
		jr = store
	}

	s.svc = core.New(core.Config{
		AckWindow:    cfg.AckWindow,
		ResumeGrace:  cfg.ResumeGrace,
		EventBuffer:  cfg.EventBuffer,
		InitialState: core.ParseState(cfg.InitialState),
		Machine:      machineName,
		Journal:      jr,
		Logger:       logger,
		Clock:        clk,
	})

	if cfg.ConnguardEnabled {
		s.guard = connguard.New(connguard.Config{
			Enabled:          true,
			FailureThreshold: cfg.ConnguardFailureThreshold,
			FailureWindow:    cfg.ConnguardFailureWindow,
			BlockDuration:    cfg.ConnguardBlockDuration,
			ProbeTimeout:     cfg.ConnguardProbeTimeout,
		}, logger, clk)
	}

	handler := httpapi.New(httpapi.Config{
		Service:           s.svc,
		Logger:            logger,
		Machine:           machineName,
		JSONMaxBytes:      cfg.JSONMaxBytes,
		EnableHTTPTracing: telemetry != nil && telemetry.tracerProvider != nil && !cfg.DisableHTTPTracing,
		ReapOnStreamClose: cfg.ReapOnStreamClose,
		Ready:             s.isReady,
	})
	mux := http.NewServeMux()
	handler.Register(mux)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if strings.TrimSpace(cfg.GRPCListen) != "" {
		s.grpcAPI = grpcapi.New(grpcapi.Config{
			Service:           s.svc,
			Logger:            logger,
			Machine:           machineName,
			ReapOnStreamClose: cfg.ReapOnStreamClose,
		})
		s.grpcSrv = grpc.NewServer(s.grpcAPI.ServerOptions()...)
		s.grpcAPI.Register(s.grpcSrv)
	}

	if strings.TrimSpace(cfg.SocketPath) != "" {
		s.socket = sockapi.New(sockapi.Config{
			Path:              cfg.SocketPath,
			Service:           s.svc,
			Logger:            logger,
			Machine:           machineName,
			Mode:              cfg.SocketMode,
			AllowedUIDs:       cfg.SocketAllowedUIDs,
			Guard:             s.guard,
			ReapOnStreamClose: cfg.ReapOnStreamClose,
		})
	}

	serverLogger.Info("server.configured",
		"version", version.Current(),
		"machine", machineName,
		"ack_window", cfg.AckWindow,
		"resume_grace", cfg.ResumeGrace,
		"journal", cfg.JournalPath,
		"grpc", cfg.GRPCListen != "",
		"socket", cfg.SocketPath,
	)
	return s, nil
}

// abort releases resources acquired by a NewServer call that failed.
func (s *Server) abort(ctx context.Context) {
	if s.journal != nil {
		_ = s.journal.Close()
	}
	if s.telemetry != nil {
		_ = s.telemetry.Shutdown(ctx)
	}
}

// Service exposes the coordinator, mainly for in-process embedding.
func (s *Server) Service() *core.Service {
	return s.svc
}

// Machine returns the machine name reported to clients.
func (s *Server) Machine() string {
	return s.machine
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// listen binds addr and applies the connection cap and guard to TCP
// listeners.
func (s *Server) listen(network, addr string) (net.Listener, error) {
	if network == "unix" {
		if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen (%s %s): %w", network, addr, err)
	}
	if network == "unix" {
		return ln, nil
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	return s.guard.WrapListener(ln), nil
}

// Start binds every configured listener and serves HTTP until Shutdown.
func (s *Server) Start() error {
	ln, err := s.listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if s.grpcSrv != nil {
		gln, err := s.listen("tcp", s.cfg.GRPCListen)
		if err != nil {
			_ = ln.Close()
			return err
		}
		s.mu.Lock()
		s.grpcLn = gln
		s.grpcErrCh = make(chan error, 1)
		s.mu.Unlock()
		go func() {
			s.grpcErrCh <- s.grpcSrv.Serve(gln)
		}()
		s.logger.Info("listening", "network", "tcp", "address", gln.Addr().String(), "api", "grpc")
	}

	if s.socket != nil {
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		s.mu.Lock()
		s.sockCancel = cancel
		s.sockErrCh = errCh
		s.mu.Unlock()
		go func() {
			errCh <- s.socket.Serve(ctx)
		}()
		select {
		case <-s.socket.Ready():
		case err := <-errCh:
			errCh <- err
			cancel()
			_ = ln.Close()
			if s.grpcSrv != nil {
				s.grpcSrv.Stop()
			}
			return fmt.Errorf("socket: %w", err)
		}
	}

	s.signalReady()
	s.logger.Info("listening", "network", s.cfg.ListenProto, "address", ln.Addr().String(), "api", "http")
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown closes every event stream, stops the listeners and flushes
// telemetry. An open cycle is abandoned without committing.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	grpcErrCh, sockCancel, sockErrCh := s.grpcErrCh, s.sockCancel, s.sockErrCh
	s.mu.Unlock()
	s.logger.Info("server.shutdown.begin")

	// Streams end once their mailboxes close, letting graceful shutdown finish.
	s.svc.Close()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if s.grpcSrv != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcSrv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcSrv.Stop()
			<-stopped
		}
		if grpcErrCh != nil {
			if err := <-grpcErrCh; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errs = append(errs, fmt.Errorf("grpc serve: %w", err))
			}
		}
	}
	if sockCancel != nil {
		sockCancel()
		if err := <-sockErrCh; err != nil {
			errs = append(errs, fmt.Errorf("socket serve: %w", err))
		}
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal close: %w", err))
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close immediately shuts the server down.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

func (s *Server) isReady() bool {
	select {
	case <-s.readyCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.shutdown
	default:
		return false
	}
}

// WaitUntilReady blocks until every listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound HTTP listener address, if any.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// GRPCAddr returns the bound gRPC listener address, if enabled.
func (s *Server) GRPCAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcLn == nil {
		return nil
	}
	return s.grpcLn.Addr()
}

// SocketPath returns the local socket path, if enabled.
func (s *Server) SocketPath() string {
	if s.socket == nil {
		return ""
	}
	return s.socket.Path()
}

// MetricsAddr returns the bound Prometheus listener address, if enabled.
func (s *Server) MetricsAddr() net.Addr {
	return s.telemetry.MetricsAddr()
}

func (s *Server) recordServeErr(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.serveErr = err
	s.mu.Unlock()
}

// LastServeError returns the error reported by the HTTP serve loop.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// StartServer starts the server in a goroutine and returns once every
// listener is ready. The returned stop function shuts the server down and
// waits for the serve loop; it is also invoked when ctx ends.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if err == nil {
			err = errors.New("server exited before becoming ready")
		}
		return nil, nil, err
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
