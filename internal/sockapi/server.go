package sockapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"pkt.systems/activityd/api"
	"pkt.systems/activityd/internal/apiconv"
	"pkt.systems/activityd/internal/codec"
	"pkt.systems/activityd/internal/connguard"
	"pkt.systems/activityd/internal/core"
	"pkt.systems/activityd/internal/core/transport"
	"pkt.systems/activityd/internal/correlation"
	"pkt.systems/activityd/internal/svcfields"
	"pkt.systems/activityd/internal/uuidv7"
	"pkt.systems/pslog"
)

const (
	readTimeout    = 30 * time.Second
	writeTimeout   = 10 * time.Second
	maxRequestSize = 64 << 10

	defaultSocketMode   os.FileMode = 0o660
	defaultHistoryLimit             = 20
)

// actionFunc handles one decoded request. raw holds the complete request.
type actionFunc func(ctx context.Context, raw []byte) (any, error)

// Config groups the dependencies of Server.
type Config struct {
	Path    string
	Service *core.Service
	Logger  pslog.Logger
	Machine string
	// Mode is applied to the socket file. Zero means 0660.
	Mode os.FileMode
	// AllowedUIDs restricts peers by SO_PEERCRED uid. Empty allows all.
	AllowedUIDs []uint32
	// Guard blocks peers that keep sending malformed requests.
	Guard *connguard.Guard
	// ReapOnStreamClose disconnects a client when its watch connection ends.
	ReapOnStreamClose bool
}

// Server serves the CBOR socket protocol.
type Server struct {
	path        string
	mode        os.FileMode
	svc         *core.Service
	logger      pslog.Logger
	machine     string
	allowedUIDs []uint32
	guard       *connguard.Guard
	reap        bool
	handlers    map[string]actionFunc

	readyOnce sync.Once
	readyCh   chan struct{}

	streamsMu sync.Mutex
	streams   map[core.ClientID]struct{}

	activeConnections sync.WaitGroup
}

// New constructs a Server. Call Serve to start accepting connections.
func New(cfg Config) *Server {
	mode := cfg.Mode
	if mode == 0 {
		mode = defaultSocketMode
	}
	s := &Server{
		path:        cfg.Path,
		mode:        mode,
		svc:         cfg.Service,
		logger:      svcfields.WithSubsystem(cfg.Logger, svcfields.APISocket),
		machine:     cfg.Machine,
		allowedUIDs: slices.Clone(cfg.AllowedUIDs),
		guard:       cfg.Guard,
		reap:        cfg.ReapOnStreamClose,
		handlers:    make(map[string]actionFunc),
		readyCh:     make(chan struct{}),
		streams:     make(map[core.ClientID]struct{}),
	}
	s.handle(ActionPing, s.ping)
	s.handle(ActionConnect, s.connect)
	s.handle(ActionDisconnect, s.disconnect)
	s.handle(ActionState, s.state)
	s.handle(ActionTransition, s.transition)
	s.handle(ActionAck, s.ack)
	s.handle(ActionMachine, s.reportMachine)
	s.handle(ActionStatus, s.status)
	s.handle(ActionHistory, s.history)
	return s
}

func (s *Server) handle(action string, fn actionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("sockapi: duplicate handler for action %q", action))
	}
	s.handlers[action] = fn
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Ready is closed once the socket accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Serve listens on the socket and dispatches requests until ctx is cancelled,
// then waits for in-flight connections. A stale socket file is replaced and
// the socket is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.path, err)
	}
	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.path, err)
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.path)
	}()
	if err := os.Chmod(s.path, s.mode); err != nil {
		return fmt.Errorf("chmod %s: %w", s.path, err)
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	s.logger.Info("socket.listen", "path", s.path, "mode", fmt.Sprintf("%#o", s.mode))
	s.readyOnce.Do(func() { close(s.readyCh) })

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("socket.accept.error", "error", err)
			continue
		}
		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}
	s.activeConnections.Wait()
	s.logger.Info("socket.closed", "path", s.path)
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	p, _ := peerCredentials(conn)
	logger := s.logger.With("req_id", uuidv7.NewString(), "peer", p.String())
	if s.guard.Blocked(p.key()) {
		logger.Debug("socket.request.blocked")
		s.writeError(conn, logger, core.Failure{Code: "peer_blocked", Detail: "too many malformed requests", HTTPStatus: 429})
		return
	}
	if len(s.allowedUIDs) > 0 && (!p.known || !slices.Contains(s.allowedUIDs, p.UID)) {
		logger.Warn("socket.request.denied")
		s.writeError(conn, logger, core.Failure{Code: "permission_denied", Detail: "peer uid not allowed", HTTPStatus: 403})
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.guard.Fail(p.key(), "malformed_request")
		s.writeError(conn, logger, core.Failure{Code: "invalid_request", Detail: err.Error(), HTTPStatus: 400})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	var hdr header
	if err := codec.Unmarshal(raw, &hdr); err != nil {
		s.guard.Fail(p.key(), "malformed_request")
		s.writeError(conn, logger, core.Failure{Code: "invalid_request", Detail: err.Error(), HTTPStatus: 400})
		return
	}
	action := strings.TrimSpace(hdr.Action)
	ctx, cid := correlation.Ensure(ctx, hdr.CorrelationID)
	logger = logger.With("action", action, "cid", cid)
	ctx = pslog.ContextWithLogger(ctx, logger)

	if action == ActionWatch {
		s.watch(ctx, conn, logger, raw)
		return
	}
	handler, ok := s.handlers[action]
	if !ok {
		s.guard.Fail(p.key(), "unknown_action")
		s.writeError(conn, logger, core.Failure{Code: "unknown_action", Detail: fmt.Sprintf("unknown action %q", action), HTTPStatus: 400})
		return
	}
	start := time.Now()
	result, err := handler(ctx, raw)
	if err != nil {
		logger.Debug("socket.request.error", "elapsed", time.Since(start), "error", err)
		s.writeError(conn, logger, err)
		return
	}
	logger.Trace("socket.request.complete", "elapsed", time.Since(start))
	s.writeSuccess(conn, logger, result)
}

func (s *Server) writeError(conn net.Conn, logger pslog.Logger, err error) {
	resp := Response{Error: err.Error(), Code: "internal_error", Status: 500}
	if httpErr, ok := transport.ToHTTP(err); ok {
		resp.Error = httpErr.Detail
		resp.Code = httpErr.Code
		resp.Status = httpErr.Status
		resp.RetryAfter = httpErr.RetryAfter
	}
	s.write(conn, logger, resp)
}

func (s *Server) writeSuccess(conn net.Conn, logger pslog.Logger, result any) {
	resp := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, logger, fmt.Errorf("marshal response: %w", err))
			return
		}
		resp.Data = data
	}
	s.write(conn, logger, resp)
}

func (s *Server) write(conn net.Conn, logger pslog.Logger, v any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(v); err != nil {
		logger.Debug("socket.write.error", "error", err)
		return false
	}
	return true
}

// watch answers the request and then streams events for the client until the
// peer closes the connection or the client is disconnected.
func (s *Server) watch(ctx context.Context, conn net.Conn, logger pslog.Logger, raw []byte) {
	var req api.WatchRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		s.writeError(conn, logger, core.Failure{Code: "invalid_request", Detail: err.Error(), HTTPStatus: 400})
		return
	}
	id := core.ClientID(strings.TrimSpace(req.ClientID))
	events, err := s.svc.Events(id)
	if err != nil {
		s.writeError(conn, logger, err)
		return
	}
	if !s.claimStream(id) {
		s.writeError(conn, logger, core.Failure{Code: "stream_active", Detail: "client already has an event stream", HTTPStatus: 409})
		return
	}
	defer s.releaseStream(id)
	logger = logger.With("client_id", id)
	if !s.write(conn, logger, Response{OK: true}) {
		s.endStream(logger, id)
		return
	}
	logger.Debug("events.stream.open")

	// The peer sends nothing after the request; a read returning means it
	// went away.
	gone := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		close(gone)
	}()

	enc := codec.NewEncoder(conn)
	for {
		select {
		case <-ctx.Done():
			logger.Debug("events.stream.shutdown")
			return
		case <-gone:
			s.endStream(logger, id)
			return
		case ev, ok := <-events:
			if !ok {
				logger.Debug("events.stream.mailbox_closed")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := enc.Encode(apiconv.Event(ev)); err != nil {
				s.endStream(logger, id)
				return
			}
		}
	}
}

func (s *Server) endStream(logger pslog.Logger, id core.ClientID) {
	if !s.reap {
		logger.Debug("events.stream.closed")
		return
	}
	logger.Info("events.stream.reaped")
	_ = s.svc.Disconnect(context.Background(), id)
}

func (s *Server) claimStream(id core.ClientID) bool {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	if _, ok := s.streams[id]; ok {
		return false
	}
	s.streams[id] = struct{}{}
	return true
}

func (s *Server) releaseStream(id core.ClientID) {
	s.streamsMu.Lock()
	delete(s.streams, id)
	s.streamsMu.Unlock()
}
