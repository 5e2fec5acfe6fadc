package sockapi

import (
	"context"
	"strings"

	"pkt.systems/activityd/api"
	"pkt.systems/activityd/internal/apiconv"
	"pkt.systems/activityd/internal/codec"
	"pkt.systems/activityd/internal/core"
	"pkt.systems/activityd/internal/version"
)

func decode[T any](raw []byte) (T, error) {
	var v T
	if err := codec.Unmarshal(raw, &v); err != nil {
		return v, core.Failure{Code: "invalid_request", Detail: err.Error(), HTTPStatus: 400}
	}
	return v, nil
}

// PingResponse answers ActionPing.
type PingResponse struct {
	Machine string `cbor:"machine"`
	Version string `cbor:"version,omitempty"`
}

func (s *Server) ping(context.Context, []byte) (any, error) {
	return PingResponse{Machine: s.machine, Version: version.Current()}, nil
}

func (s *Server) connect(ctx context.Context, raw []byte) (any, error) {
	req, err := decode[api.ConnectRequest](raw)
	if err != nil {
		return nil, err
	}
	cmd, err := apiconv.ConnectCommand(req)
	if err != nil {
		return nil, err
	}
	res, err := s.svc.Connect(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return apiconv.ConnectResponse(res, s.machine), nil
}

func (s *Server) disconnect(ctx context.Context, raw []byte) (any, error) {
	req, err := decode[api.DisconnectRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := s.svc.Disconnect(ctx, core.ClientID(req.ClientID)); err != nil {
		return nil, err
	}
	return api.DisconnectResponse{ClientID: req.ClientID}, nil
}

func (s *Server) state(_ context.Context, raw []byte) (any, error) {
	req, err := decode[api.StateRequest](raw)
	if err != nil {
		return nil, err
	}
	scopeRaw := strings.TrimSpace(req.Scope)
	if scopeRaw == "" {
		scopeRaw = api.ScopeLocal
	}
	scope, err := core.ParseScope(scopeRaw)
	if err != nil {
		return nil, err
	}
	st, err := s.svc.QueryInitialState(scope)
	if err != nil {
		return nil, err
	}
	return api.StateResponse{Scope: string(scope), State: string(st)}, nil
}

func (s *Server) transition(ctx context.Context, raw []byte) (any, error) {
	req, err := decode[api.TransitionRequest](raw)
	if err != nil {
		return nil, err
	}
	cmd, err := apiconv.TransitionCommand(req)
	if err != nil {
		return nil, err
	}
	res, err := s.svc.RequestTransition(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return apiconv.TransitionResponse(res), nil
}

func (s *Server) ack(ctx context.Context, raw []byte) (any, error) {
	req, err := decode[api.AckRequest](raw)
	if err != nil {
		return nil, err
	}
	cmd, err := apiconv.AckCommand(req)
	if err != nil {
		return nil, err
	}
	res, err := s.svc.SubmitAck(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return apiconv.AckResponse(res), nil
}

func (s *Server) reportMachine(ctx context.Context, raw []byte) (any, error) {
	req, err := decode[api.MachineRequest](raw)
	if err != nil {
		return nil, err
	}
	delivered, err := s.svc.ReportMachine(ctx, req.Machine, req.Available)
	if err != nil {
		return nil, err
	}
	return api.MachineResponse{Delivered: delivered}, nil
}

func (s *Server) status(context.Context, []byte) (any, error) {
	return apiconv.Status(s.svc.Status()), nil
}

func (s *Server) history(ctx context.Context, raw []byte) (any, error) {
	req, err := decode[api.HistoryRequest](raw)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	records, err := s.svc.History(ctx, limit)
	if err != nil {
		return nil, err
	}
	return apiconv.History(records), nil
}
