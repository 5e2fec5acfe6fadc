package grpcapi

import (
	"context"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"pkt.systems/activityd/api"
	"pkt.systems/activityd/internal/apiconv"
	"pkt.systems/activityd/internal/core"
	"pkt.systems/activityd/internal/core/transport"
	"pkt.systems/activityd/internal/correlation"
	"pkt.systems/activityd/internal/svcfields"
	"pkt.systems/activityd/internal/uuidv7"
	"pkt.systems/pslog"
)

const defaultHistoryLimit = 20

// Config groups the dependencies of Server.
type Config struct {
	Service *core.Service
	Logger  pslog.Logger
	Machine string
	// ReapOnStreamClose disconnects a client when its Watch stream ends.
	ReapOnStreamClose bool
}

// Server implements the activityd.v1.Activity service on top of the
// coordinator.
type Server struct {
	svc     *core.Service
	logger  pslog.Logger
	machine string
	reap    bool

	streamsMu sync.Mutex
	streams   map[core.ClientID]struct{}
}

var _ activityServer = (*Server)(nil)

// New constructs a Server.
func New(cfg Config) *Server {
	return &Server{
		svc:     cfg.Service,
		logger:  svcfields.WithSubsystem(cfg.Logger, svcfields.APIGRPC),
		machine: cfg.Machine,
		reap:    cfg.ReapOnStreamClose,
		streams: make(map[core.ClientID]struct{}),
	}
}

// Register attaches the service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// ServerOptions returns the interceptors that attach request loggers and map
// coordinator failures to gRPC statuses.
func (s *Server) ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(s.unaryInterceptor, transport.UnaryErrorInterceptor),
		grpc.ChainStreamInterceptor(s.streamInterceptor),
	}
}

func (s *Server) requestContext(ctx context.Context, method string) (context.Context, pslog.Logger) {
	ctx, cid := correlation.Ensure(ctx, correlation.FromIncoming(ctx))
	op := method[strings.LastIndex(method, "/")+1:]
	logger := s.logger.With("req_id", uuidv7.NewString(), "method", op, "cid", cid)
	_ = grpc.SetHeader(ctx, metadata.Pairs(correlation.MetadataKey, cid))
	return pslog.ContextWithLogger(ctx, logger), logger
}

func (s *Server) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	ctx, logger := s.requestContext(ctx, info.FullMethod)
	logger.Trace("grpc.request.start")
	resp, err := handler(ctx, req)
	if err != nil {
		logger.Debug("grpc.request.error", "elapsed", time.Since(start), "error", err)
		return nil, err
	}
	logger.Trace("grpc.request.complete", "elapsed", time.Since(start))
	return resp, nil
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }

func (s *Server) streamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx, logger := s.requestContext(ss.Context(), info.FullMethod)
	err := handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	if err != nil {
		logger.Debug("grpc.stream.error", "error", err)
		if md := transport.FailureTrailer(err); md != nil {
			ss.SetTrailer(md)
		}
		return transport.ToGRPC(err)
	}
	return nil
}

// Connect registers a client.
func (s *Server) Connect(ctx context.Context, req *api.ConnectRequest) (*api.ConnectResponse, error) {
	cmd, err := apiconv.ConnectCommand(*req)
	if err != nil {
		return nil, err
	}
	res, err := s.svc.Connect(ctx, cmd)
	if err != nil {
		return nil, err
	}
	out := apiconv.ConnectResponse(res, s.machine)
	return &out, nil
}

// Disconnect removes a client.
func (s *Server) Disconnect(ctx context.Context, req *api.DisconnectRequest) (*api.DisconnectResponse, error) {
	if err := s.svc.Disconnect(ctx, core.ClientID(req.ClientID)); err != nil {
		return nil, err
	}
	return &api.DisconnectResponse{ClientID: req.ClientID}, nil
}

// QueryState returns the committed state of a scope.
func (s *Server) QueryState(_ context.Context, req *api.StateRequest) (*api.StateResponse, error) {
	raw := req.Scope
	if strings.TrimSpace(raw) == "" {
		raw = api.ScopeLocal
	}
	scope, err := core.ParseScope(raw)
	if err != nil {
		return nil, err
	}
	state, err := s.svc.QueryInitialState(scope)
	if err != nil {
		return nil, err
	}
	return &api.StateResponse{Scope: string(scope), State: string(state)}, nil
}

// RequestTransition forwards a master request.
func (s *Server) RequestTransition(ctx context.Context, req *api.TransitionRequest) (*api.TransitionResponse, error) {
	cmd, err := apiconv.TransitionCommand(*req)
	if err != nil {
		return nil, err
	}
	res, err := s.svc.RequestTransition(ctx, cmd)
	if err != nil {
		return nil, err
	}
	out := apiconv.TransitionResponse(res)
	return &out, nil
}

// SubmitAck records a slave verdict.
func (s *Server) SubmitAck(ctx context.Context, req *api.AckRequest) (*api.AckResponse, error) {
	cmd, err := apiconv.AckCommand(*req)
	if err != nil {
		return nil, err
	}
	res, err := s.svc.SubmitAck(ctx, cmd)
	if err != nil {
		return nil, err
	}
	out := apiconv.AckResponse(res)
	return &out, nil
}

// ReportMachine forwards a machine availability change to the master.
func (s *Server) ReportMachine(ctx context.Context, req *api.MachineRequest) (*api.MachineResponse, error) {
	delivered, err := s.svc.ReportMachine(ctx, req.Machine, req.Available)
	if err != nil {
		return nil, err
	}
	return &api.MachineResponse{Delivered: delivered}, nil
}

// Status returns a coordinator snapshot.
func (s *Server) Status(context.Context, *api.StatusRequest) (*api.StatusResponse, error) {
	out := apiconv.Status(s.svc.Status())
	return &out, nil
}

// History returns recent cycles.
func (s *Server) History(ctx context.Context, req *api.HistoryRequest) (*api.HistoryResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	records, err := s.svc.History(ctx, limit)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := apiconv.History(records)
	return &out, nil
}

// Watch streams events of a client until either side goes away.
func (s *Server) Watch(req *api.WatchRequest, stream grpc.ServerStream) error {
	id := core.ClientID(strings.TrimSpace(req.ClientID))
	events, err := s.svc.Events(id)
	if err != nil {
		return err
	}
	if !s.claimStream(id) {
		return status.Error(codes.AlreadyExists, "stream_active: client already has an event stream")
	}
	defer s.releaseStream(id)

	ctx := stream.Context()
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}
	logger = logger.With("client_id", id)
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}
	logger.Debug("events.stream.open")
	for {
		select {
		case <-ctx.Done():
			s.endStream(logger, id)
			return nil
		case ev, ok := <-events:
			if !ok {
				logger.Debug("events.stream.mailbox_closed")
				return nil
			}
			out := apiconv.Event(ev)
			if err := stream.SendMsg(&out); err != nil {
				s.endStream(logger, id)
				return nil
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
