package grpcapi

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"pkt.systems/activityd/api"
	"pkt.systems/activityd/internal/core/transport"
	"pkt.systems/activityd/internal/correlation"
)

// Client calls the activityd.v1.Activity service.
type Client struct {
	conn  grpc.ClientConnInterface
	owned *grpc.ClientConn
}

// Dial opens a plaintext connection to target. Extra options are appended
// after the defaults.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, owned: conn}, nil
}

// NewClient wraps an existing connection. The caller keeps ownership of conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close releases the connection opened by Dial.
func (c *Client) Close() error {
	if c.owned == nil {
		return nil
	}
	return c.owned.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	var trailer metadata.MD
	err := c.conn.Invoke(correlation.AppendOutgoing(ctx), fullMethod(method), in, out,
		grpc.Trailer(&trailer), grpc.CallContentSubtype(CodecName))
	if err != nil {
		return transport.FromGRPC(err, trailer)
	}
	return nil
}

// Connect registers a master or slave.
func (c *Client) Connect(ctx context.Context, req api.ConnectRequest) (*api.ConnectResponse, error) {
	var out api.ConnectResponse
	if err := c.invoke(ctx, "Connect", &req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Disconnect deregisters a client.
func (c *Client) Disconnect(ctx context.Context, clientID string) error {
	var out api.DisconnectResponse
	return c.invoke(ctx, "Disconnect", &api.DisconnectRequest{ClientID: clientID}, &out)
}

// QueryState returns the committed state of scope.
func (c *Client) QueryState(ctx context.Context, scope string) (*api.StateResponse, error) {
	var out api.StateResponse
	if err := c.invoke(ctx, "QueryState", &api.StateRequest{Scope: scope}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestTransition asks the coordinator to move to a new state.
func (c *Client) RequestTransition(ctx context.Context, req api.TransitionRequest) (*api.TransitionResponse, error) {
	var out api.TransitionResponse
	if err := c.invoke(ctx, "RequestTransition", &req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitAck sends a slave verdict.
func (c *Client) SubmitAck(ctx context.Context, req api.AckRequest) (*api.AckResponse, error) {
	var out api.AckResponse
	if err := c.invoke(ctx, "SubmitAck", &req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportMachine reports a machine availability change.
func (c *Client) ReportMachine(ctx context.Context, req api.MachineRequest) (*api.MachineResponse, error) {
	var out api.MachineResponse
	if err := c.invoke(ctx, "ReportMachine", &req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches a coordinator snapshot.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.invoke(ctx, "Status", &api.StatusRequest{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History fetches up to limit recent cycles.
func (c *Client) History(ctx context.Context, limit int) (*api.HistoryResponse, error) {
	var out api.HistoryResponse
	if err := c.invoke(ctx, "History", &api.HistoryRequest{Limit: limit}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EventStream yields events pushed to one client.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks until the next event. It returns io.EOF once the server ends the
// stream, for example after the client was disconnected.
func (s *EventStream) Recv() (api.Event, error) {
	var ev api.Event
	if err := s.stream.RecvMsg(&ev); err != nil {
		if errors.Is(err, io.EOF) {
			return api.Event{}, io.EOF
		}
		return api.Event{}, transport.FromGRPC(err, s.stream.Trailer())
	}
	return ev, nil
}

// Header blocks until the server accepted the stream.
func (s *EventStream) Header() error {
	_, err := s.stream.Header()
	return err
}

// Watch opens the event stream of clientID. Cancel ctx to close it.
func (c *Client) Watch(ctx context.Context, clientID string) (*EventStream, error) {
	desc := &grpc.StreamDesc{StreamName: watchStream, ServerStreams: true}
	stream, err := c.conn.NewStream(correlation.AppendOutgoing(ctx), desc, fullMethod(watchStream),
		grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, transport.FromGRPC(err, nil)
	}
	if err := stream.SendMsg(&api.WatchRequest{ClientID: clientID}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}
