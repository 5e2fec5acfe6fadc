package core

import (
	"strings"
	"time"
)

// Role identifies whether a client initiates transitions or observes them.
type Role string

const (
	// RoleMaster is the single client allowed to request transitions.
	RoleMaster Role = "master"
	// RoleSlave observes proposals and acknowledges or vetoes them.
	RoleSlave Role = "slave"
)

// ParseRole normalizes a wire role name.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "master":
		return RoleMaster, nil
	case "slave":
		return RoleSlave, nil
	}
	return "", invalidRole(raw)
}

// Scope selects the machines affected by a transition.
type Scope string

const (
	// ScopeLocal covers the machine the coordinator runs on.
	ScopeLocal Scope = "local"
	// ScopeAll covers every machine of the platform.
	ScopeAll Scope = "all"
)

// ParseScope accepts canonical scope names and the machine aliases used by
// older clients.
func ParseScope(raw string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "local", "local_machine", "pvm":
		return ScopeLocal, nil
	case "all", "all_machines":
		return ScopeAll, nil
	}
	return "", invalidScope(raw)
}

// Receives reports whether a slave registered with scope s takes part in a
// cycle for target. ALL cycles reach every slave; LOCAL cycles skip slaves
// that only follow fleet-wide transitions.
func (s Scope) Receives(target Scope) bool {
	if target == ScopeAll {
		return true
	}
	return s == ScopeLocal
}

// State is the committed activity state of a scope.
type State string

const (
	StateUnknown  State = "unknown"
	StateResume   State = "resume"
	StateSuspend  State = "suspend"
	StateShutdown State = "shutdown"
)

// ParseState maps a wire state name. Unrecognized names map to StateUnknown
// so callers can answer with request_not_supported.
func ParseState(raw string) State {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "resume":
		return StateResume
	case "suspend":
		return StateSuspend
	case "shutdown":
		return StateShutdown
	}
	return StateUnknown
}

// Verdict is a slave's reply to a proposed transition.
type Verdict string

const (
	AckSuspend   Verdict = "ack_suspend"
	AckShutdown  Verdict = "ack_shutdown"
	NackSuspend  Verdict = "nack_suspend"
	NackShutdown Verdict = "nack_shutdown"
)

// ParseVerdict validates a wire verdict.
func ParseVerdict(raw string) (Verdict, error) {
	v := Verdict(strings.ToLower(strings.TrimSpace(raw)))
	switch v {
	case AckSuspend, AckShutdown, NackSuspend, NackShutdown:
		return v, nil
	}
	return "", invalidVerdict(raw)
}

// Positive reports whether the verdict approves the transition.
func (v Verdict) Positive() bool {
	return v == AckSuspend || v == AckShutdown
}

// Target returns the state the verdict refers to.
func (v Verdict) Target() State {
	switch v {
	case AckShutdown, NackShutdown:
		return StateShutdown
	}
	return StateSuspend
}

// ClientID is the stable identifier handed out on Connect.
type ClientID string

// Client describes a registered participant.
type Client struct {
	ID          ClientID  `json:"id"`
	Name        string    `json:"name,omitempty"`
	Role        Role      `json:"role"`
	Scope       Scope     `json:"scope"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Ref returns the compact reference used in consolidated lists.
func (c Client) Ref() ClientRef {
	return ClientRef{ID: c.ID, Name: c.Name}
}

// ClientRef names a client inside cycle reports.
type ClientRef struct {
	ID   ClientID `json:"id"`
	Name string   `json:"name,omitempty"`
}

// MachineState is the committed state per scope.
type MachineState struct {
	Local State `json:"local"`
	All   State `json:"all"`
}

// EventKind distinguishes pushed notifications.
type EventKind string

const (
	EventTransitionProposed EventKind = "transition_proposed"
	EventConsolidatedResult EventKind = "consolidated_result"
	EventStateCommitted     EventKind = "state_committed"
	EventTransitionAborted  EventKind = "transition_aborted"
	EventMachineUpdate      EventKind = "machine_update"
)

// ConsolidatedStatus summarizes the outcome of the ack window.
type ConsolidatedStatus string

const (
	// StatusSuccess means every matching slave acknowledged.
	StatusSuccess ConsolidatedStatus = "success"
	// StatusNotReady means explicit vetoes dominate.
	StatusNotReady ConsolidatedStatus = "not_ready"
	// StatusExpired means silent slaves dominate.
	StatusExpired ConsolidatedStatus = "expired"
)

// Event is delivered to client mailboxes.
type Event struct {
	Seq       uint64             `json:"seq"`
	Kind      EventKind          `json:"kind"`
	CycleID   string             `json:"cycle_id,omitempty"`
	Target    State              `json:"target,omitempty"`
	Scope     Scope              `json:"scope,omitempty"`
	Status    ConsolidatedStatus `json:"status,omitempty"`
	Acked     []ClientRef        `json:"acked,omitempty"`
	Nacked    []ClientRef        `json:"nacked,omitempty"`
	NoAck     []ClientRef        `json:"no_ack,omitempty"`
	Machine   string             `json:"machine,omitempty"`
	Available *bool              `json:"available,omitempty"`
	At        time.Time          `json:"at"`
}

// CycleOutcome records how a transition cycle ended.
type CycleOutcome string

const (
	OutcomePending   CycleOutcome = "pending"
	OutcomeCommitted CycleOutcome = "committed"
	OutcomeAborted   CycleOutcome = "aborted"
	OutcomeAbandoned CycleOutcome = "abandoned"
)

// CyclePhase is the current window of an open cycle.
type CyclePhase string

const (
	PhaseCollecting CyclePhase = "collecting"
	PhaseGrace      CyclePhase = "grace"
)

// CycleRecord is the audit view of a finished cycle.
type CycleRecord struct {
	ID         string             `json:"id"`
	Target     State              `json:"target"`
	Scope      Scope              `json:"scope"`
	Outcome    CycleOutcome       `json:"outcome"`
	Status     ConsolidatedStatus `json:"status,omitempty"`
	FastPath   bool               `json:"fast_path,omitempty"`
	Acked      []ClientRef        `json:"acked,omitempty"`
	Nacked     []ClientRef        `json:"nacked,omitempty"`
	NoAck      []ClientRef        `json:"no_ack,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// CycleStatus describes the open cycle in status snapshots.
type CycleStatus struct {
	ID        string     `json:"id"`
	Target    State      `json:"target"`
	Scope     Scope      `json:"scope"`
	Phase     CyclePhase `json:"phase"`
	Acked     int        `json:"acked"`
	Nacked    int        `json:"nacked"`
	StartedAt time.Time  `json:"started_at"`
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State       MachineState  `json:"state"`
	Master      *Client       `json:"master,omitempty"`
	Slaves      []Client      `json:"slaves"`
	Cycle       *CycleStatus  `json:"cycle,omitempty"`
	AckWindow   time.Duration `json:"ack_window"`
	ResumeGrace time.Duration `json:"resume_grace"`
	Machine     string        `json:"machine,omitempty"`
}
