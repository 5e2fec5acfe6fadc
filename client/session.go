package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"pkt.systems/activityd/api"
)

// Decider answers a transition proposal: true sends the ack verdict for the
// proposed target, false the nack verdict.
type Decider func(ctx context.Context, ev api.Event) bool

// VerdictFor returns the verdict string for target and decision.
func VerdictFor(target string, ready bool) (string, error) {
	switch target {
	case api.StateSuspend:
		if ready {
			return api.VerdictAckSuspend, nil
		}
		return api.VerdictNackSuspend, nil
	case api.StateShutdown:
		if ready {
			return api.VerdictAckShutdown, nil
		}
		return api.VerdictNackShutdown, nil
	}
	return "", fmt.Errorf("activityd: no verdict for target %q", target)
}

// session holds the registration and event stream shared by both roles.
type session struct {
	cli    *Client
	info   api.ConnectResponse
	stream *EventStream
}

func (c *Client) openSession(ctx context.Context, role, scope, name string) (*session, error) {
	info, err := c.Connect(ctx, api.ConnectRequest{Role: role, Scope: scope, Name: name})
	if err != nil {
		return nil, err
	}
	stream, err := c.Watch(context.WithoutCancel(ctx), info.ClientID)
	if err != nil {
		_ = c.Disconnect(context.WithoutCancel(ctx), info.ClientID)
		return nil, err
	}
	return &session{cli: c, info: *info, stream: stream}, nil
}

// ID returns the client id assigned by the server.
func (s *session) ID() string { return s.info.ClientID }

// Info returns the connect response.
func (s *session) Info() api.ConnectResponse { return s.info }

// Close ends the event stream and deregisters the client.
func (s *session) Close(ctx context.Context) error {
	_ = s.stream.Close()
	return s.cli.Disconnect(ctx, s.info.ClientID)
}

// SlaveSession is a connected slave with an open event stream.
type SlaveSession struct {
	*session
	onEvent func(api.Event)
}

// ConnectSlave registers a slave for scope and opens its event stream.
func (c *Client) ConnectSlave(ctx context.Context, scope, name string) (*SlaveSession, error) {
	s, err := c.openSession(ctx, api.RoleSlave, scope, name)
	if err != nil {
		return nil, err
	}
	return &SlaveSession{session: s}, nil
}

// OnEvent registers fn to observe every event before it is handled. Call it
// before Run.
func (s *SlaveSession) OnEvent(fn func(api.Event)) {
	s.onEvent = fn
}

// Run answers proposals with decide until ctx is cancelled or the server
// ends the stream. Verdicts the server reports as not recorded are not
// errors; the cycle simply treats the slave as silent.
func (s *SlaveSession) Run(ctx context.Context, decide Decider) error {
	events := make(chan api.Event)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		for {
			ev, err := s.stream.Recv()
			if err != nil {
				errs <- err
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				err := <-errs
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			if s.onEvent != nil {
				s.onEvent(ev)
			}
			if ev.Kind != api.EventTransitionProposed {
				continue
			}
			verdict, err := VerdictFor(ev.Target, decide(ctx, ev))
			if err != nil {
				return err
			}
			res, err := s.cli.Ack(ctx, api.AckRequest{ClientID: s.info.ClientID, Verdict: verdict})
			if err != nil {
				return err
			}
			if !res.Recorded {
				s.cli.logger.Debug("client.ack.ignored", "cycle_id", ev.CycleID, "reason", res.Reason)
			}
		}
	}
}

// MasterSession is the connected master with an open event stream.
type MasterSession struct {
	*session
}

// ConnectMaster registers the master and opens its event stream.
func (c *Client) ConnectMaster(ctx context.Context, scope, name string) (*MasterSession, error) {
	s, err := c.openSession(ctx, api.RoleMaster, scope, name)
	if err != nil {
		return nil, err
	}
	return &MasterSession{session: s}, nil
}

// RequestTransition asks for target on scope.
func (m *MasterSession) RequestTransition(ctx context.Context, target, scope string) (*api.TransitionResponse, error) {
	return m.cli.Transition(ctx, api.TransitionRequest{ClientID: m.info.ClientID, Target: target, Scope: scope})
}

// Next returns the next event pushed to the master.
func (m *MasterSession) Next() (api.Event, error) {
	return m.stream.Recv()
}

// AwaitResult reads master events until the consolidated result of cycleID
// arrives. Machine updates seen meanwhile are skipped. Not safe to use
// concurrently with Next.
func (m *MasterSession) AwaitResult(ctx context.Context, cycleID string) (api.Event, error) {
	type result struct {
		ev  api.Event
		err error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			ev, err := m.stream.Recv()
			if err != nil {
				ch <- result{err: err}
				return
			}
			if ev.Kind == api.EventConsolidatedResult && ev.CycleID == cycleID {
				ch <- result{ev: ev}
				return
			}
		}
	}()
	select {
	case res := <-ch:
		return res.ev, res.err
	case <-ctx.Done():
		return api.Event{}, ctx.Err()
	}
}
