// Package apiconv converts coordinator types to and from the public wire
// types. Every transport goes through it so HTTP, gRPC and the socket agree.
package apiconv

import (
	"pkt.systems/activityd/api"
	"pkt.systems/activityd/internal/core"
)

// ConnectCommand parses a connect request. Scope aliases are accepted.
func ConnectCommand(req api.ConnectRequest) (core.ConnectCommand, error) {
	role, err := core.ParseRole(req.Role)
	if err != nil {
		return core.ConnectCommand{}, err
	}
	scope, err := core.ParseScope(req.Scope)
	if err != nil {
		return core.ConnectCommand{}, err
	}
	return core.ConnectCommand{Role: role, Scope: scope, Name: req.Name}, nil
}

// ConnectResponse renders a connect result.
func ConnectResponse(res *core.ConnectResult, machine string) api.ConnectResponse {
	return api.ConnectResponse{
		ClientID: string(res.Client.ID),
		Role:     string(res.Client.Role),
		Scope:    string(res.Client.Scope),
		Name:     res.Client.Name,
		State:    string(res.State),
		Machine:  machine,
	}
}

// TransitionCommand parses a transition request. Unknown targets become
// core.StateUnknown so the coordinator answers request_not_supported.
func TransitionCommand(req api.TransitionRequest) (core.TransitionCommand, error) {
	scope, err := core.ParseScope(req.Scope)
	if err != nil {
		return core.TransitionCommand{}, err
	}
	return core.TransitionCommand{
		ClientID: core.ClientID(req.ClientID),
		Target:   core.ParseState(req.Target),
		Scope:    scope,
	}, nil
}

// TransitionResponse renders a transition result.
func TransitionResponse(res *core.TransitionResult) api.TransitionResponse {
	return api.TransitionResponse{
		CycleID: res.CycleID,
		Outcome: string(res.Outcome),
		State:   MachineState(res.State),
	}
}

// AckCommand parses an ack request.
func AckCommand(req api.AckRequest) (core.AckCommand, error) {
	verdict, err := core.ParseVerdict(req.Verdict)
	if err != nil {
		return core.AckCommand{}, err
	}
	return core.AckCommand{ClientID: core.ClientID(req.ClientID), Verdict: verdict}, nil
}

// AckResponse renders an ack result.
func AckResponse(res *core.AckResult) api.AckResponse {
	return api.AckResponse{Recorded: res.Recorded, CycleID: res.CycleID, Reason: res.Reason}
}

// MachineState renders per-scope state.
func MachineState(st core.MachineState) api.MachineState {
	return api.MachineState{Local: string(st.Local), All: string(st.All)}
}

// Client renders a registered client.
func Client(c core.Client) api.Client {
	return api.Client{
		ID:          string(c.ID),
		Name:        c.Name,
		Role:        string(c.Role),
		Scope:       string(c.Scope),
		ConnectedAt: c.ConnectedAt,
	}
}

// Refs renders a client reference list.
func Refs(refs []core.ClientRef) []api.ClientRef {
	if len(refs) == 0 {
		return nil
	}
	out := make([]api.ClientRef, len(refs))
	for i, r := range refs {
		out[i] = api.ClientRef{ID: string(r.ID), Name: r.Name}
	}
	return out
}

// Event renders a pushed event.
func Event(ev core.Event) api.Event {
	return api.Event{
		Seq:       ev.Seq,
		Kind:      string(ev.Kind),
		CycleID:   ev.CycleID,
		Target:    string(ev.Target),
		Scope:     string(ev.Scope),
		Status:    string(ev.Status),
		Acked:     Refs(ev.Acked),
		Nacked:    Refs(ev.Nacked),
		NoAck:     Refs(ev.NoAck),
		Machine:   ev.Machine,
		Available: ev.Available,
		At:        ev.At,
	}
}

// Status renders a status snapshot.
func Status(st core.Status) api.StatusResponse {
	out := api.StatusResponse{
		State:             MachineState(st.State),
		Slaves:            make([]api.Client, 0, len(st.Slaves)),
		AckWindowMillis:   st.AckWindow.Milliseconds(),
		ResumeGraceMillis: st.ResumeGrace.Milliseconds(),
		Machine:           st.Machine,
	}
	if st.Master != nil {
		m := Client(*st.Master)
		out.Master = &m
	}
	for _, s := range st.Slaves {
		out.Slaves = append(out.Slaves, Client(s))
	}
	if cy := st.Cycle; cy != nil {
		out.Cycle = &api.CycleStatus{
			ID:        cy.ID,
			Target:    string(cy.Target),
			Scope:     string(cy.Scope),
			Phase:     string(cy.Phase),
			Acked:     cy.Acked,
			Nacked:    cy.Nacked,
			StartedAt: cy.StartedAt,
		}
	}
	return out
}

// History renders finished cycles.
func History(records []core.CycleRecord) api.HistoryResponse {
	out := api.HistoryResponse{Cycles: make([]api.Cycle, 0, len(records))}
	for _, rec := range records {
		out.Cycles = append(out.Cycles, api.Cycle{
			ID:         rec.ID,
			Target:     string(rec.Target),
			Scope:      string(rec.Scope),
			Outcome:    string(rec.Outcome),
			Status:     string(rec.Status),
			FastPath:   rec.FastPath,
			Acked:      Refs(rec.Acked),
			Nacked:     Refs(rec.Nacked),
			NoAck:      Refs(rec.NoAck),
			StartedAt:  rec.StartedAt,
			FinishedAt: rec.FinishedAt,
		})
	}
	return out
}
