package sockapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"pkt.systems/activityd/api"
	"pkt.systems/activityd/internal/codec"
	"pkt.systems/activityd/internal/core"
	"pkt.systems/activityd/internal/correlation"
)

const (
	dialTimeout         = 5 * time.Second
	responseReadTimeout = 45 * time.Second
	maxResponseSize     = 1 << 20
)

// Client issues requests against a socket server. Each call dials a new
// connection.
type Client struct {
	path string
}

// NewClient returns a client for the socket at path.
func NewClient(path string) *Client {
	return &Client{path: path}
}

// Call sends action with the fields of req and decodes the response data into
// out. Failures reported by the server come back as core.Failure.
func (c *Client) Call(ctx context.Context, action string, req, out any) error {
	conn, err := c.send(ctx, action, req)
	if err != nil {
		return err
	}
	defer conn.Close()
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	resp, err := readResponse(codec.NewDecoder(io.LimitReader(conn, maxResponseSize)))
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := codec.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", action, err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, action string, req any) (net.Conn, error) {
	request, err := buildRequest(ctx, action, req)
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", c.path, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write %s request: %w", action, err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// buildRequest flattens req into a map and adds the routing fields.
func buildRequest(ctx context.Context, action string, req any) (map[string]any, error) {
	fields := map[string]any{}
	if req != nil {
		data, err := codec.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", action, err)
		}
		if err := codec.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("encode %s request: %w", action, err)
		}
	}
	fields["action"] = action
	if id := correlation.ID(ctx); id != "" {
		fields["correlation_id"] = id
	}
	return fields, nil
}

func readResponse(dec *codec.Decoder) (*Response, error) {
	var resp Response
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if !resp.OK {
		return nil, core.Failure{
			Code:       resp.Code,
			Detail:     resp.Error,
			HTTPStatus: resp.Status,
			RetryAfter: resp.RetryAfter,
		}
	}
	return &resp, nil
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	var out PingResponse
	if err := c.Call(ctx, ActionPing, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Connect registers a master or slave.
func (c *Client) Connect(ctx context.Context, req api.ConnectRequest) (*api.ConnectResponse, error) {
	var out api.ConnectResponse
	if err := c.Call(ctx, ActionConnect, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Disconnect deregisters a client.
func (c *Client) Disconnect(ctx context.Context, clientID string) error {
	return c.Call(ctx, ActionDisconnect, api.DisconnectRequest{ClientID: clientID}, nil)
}

// QueryState returns the committed state of scope.
func (c *Client) QueryState(ctx context.Context, scope string) (*api.StateResponse, error) {
	var out api.StateResponse
	if err := c.Call(ctx, ActionState, api.StateRequest{Scope: scope}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestTransition asks the coordinator to move to a new state.
func (c *Client) RequestTransition(ctx context.Context, req api.TransitionRequest) (*api.TransitionResponse, error) {
	var out api.TransitionResponse
	if err := c.Call(ctx, ActionTransition, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitAck sends a slave verdict.
func (c *Client) SubmitAck(ctx context.Context, req api.AckRequest) (*api.AckResponse, error) {
	var out api.AckResponse
	if err := c.Call(ctx, ActionAck, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportMachine reports a machine availability change.
func (c *Client) ReportMachine(ctx context.Context, req api.MachineRequest) (*api.MachineResponse, error) {
	var out api.MachineResponse
	if err := c.Call(ctx, ActionMachine, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches a coordinator snapshot.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.Call(ctx, ActionStatus, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History fetches up to limit recent cycles.
func (c *Client) History(ctx context.Context, limit int) (*api.HistoryResponse, error) {
	var out api.HistoryResponse
	if err := c.Call(ctx, ActionHistory, api.HistoryRequest{Limit: limit}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EventStream reads events from a watch connection.
type EventStream struct {
	conn net.Conn
	dec  *codec.Decoder
	stop func() bool
}

// Recv blocks until the next event. It returns io.EOF when the server ends the
// stream.
func (s *EventStream) Recv() (api.Event, error) {
	var ev api.Event
	if err := s.dec.Decode(&ev); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return api.Event{}, io.EOF
		}
		return api.Event{}, err
	}
	return ev, nil
}

// Close ends the stream.
func (s *EventStream) Close() error {
	s.stop()
	return s.conn.Close()
}

// Watch opens the event stream of clientID.
func (c *Client) Watch(ctx context.Context, clientID string) (*EventStream, error) {
	conn, err := c.send(ctx, ActionWatch, api.WatchRequest{ClientID: clientID})
	if err != nil {
		return nil, err
	}
	dec := codec.NewDecoder(conn)
	_ = conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	if _, err := readResponse(dec); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	return &EventStream{conn: conn, dec: dec, stop: stop}, nil
}
