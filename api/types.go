// Package api defines the wire types shared by the activityd HTTP, gRPC and
// local socket transports and by the Go client.
package api

import "time"

// Role names accepted on connect.
const (
	RoleMaster = "master"
	RoleSlave  = "slave"
)

// Scope names. The server also accepts local_machine, pvm and all_machines.
const (
	ScopeLocal = "local"
	ScopeAll   = "all"
)

// Activity states.
const (
	StateUnknown  = "unknown"
	StateResume   = "resume"
	StateSuspend  = "suspend"
	StateShutdown = "shutdown"
)

// Slave verdicts.
const (
	VerdictAckSuspend   = "ack_suspend"
	VerdictAckShutdown  = "ack_shutdown"
	VerdictNackSuspend  = "nack_suspend"
	VerdictNackShutdown = "nack_shutdown"
)

// Event kinds pushed to clients.
const (
	EventTransitionProposed = "transition_proposed"
	EventConsolidatedResult = "consolidated_result"
	EventStateCommitted     = "state_committed"
	EventTransitionAborted  = "transition_aborted"
	EventMachineUpdate      = "machine_update"
)

// Consolidated statuses reported to the master after the ack window.
const (
	StatusSuccess  = "success"
	StatusNotReady = "not_ready"
	StatusExpired  = "expired"
)

// Transition outcomes.
const (
	OutcomePending   = "pending"
	OutcomeCommitted = "committed"
	OutcomeAborted   = "aborted"
	OutcomeAbandoned = "abandoned"
)

// ConnectRequest models the JSON payload for POST /v1/connect.
type ConnectRequest struct {
	// Role is master or slave.
	Role string `json:"role"`
	// Scope selects which transitions the client takes part in.
	Scope string `json:"scope"`
	// Name is an optional human-readable label shown in reports.
	Name string `json:"name,omitempty"`
}

// ConnectResponse is returned when a client is registered.
type ConnectResponse struct {
	// ClientID identifies the client on every later call.
	ClientID string `json:"client_id"`
	// Role echoes the registered role.
	Role string `json:"role"`
	// Scope echoes the canonical scope.
	Scope string `json:"scope"`
	// Name echoes the client label.
	Name string `json:"name,omitempty"`
	// State is the committed state of the client's scope.
	State string `json:"state"`
	// Machine names the host the coordinator runs on.
	Machine string `json:"machine,omitempty"`
}

// DisconnectRequest models the JSON payload for POST /v1/disconnect.
type DisconnectRequest struct {
	// ClientID identifies the client to remove.
	ClientID string `json:"client_id"`
}

// DisconnectResponse acknowledges a disconnect. Unknown ids also succeed.
type DisconnectResponse struct {
	// ClientID echoes the removed client.
	ClientID string `json:"client_id"`
}

// StateRequest selects the scope for a state query on the gRPC and socket
// transports. HTTP takes the scope as a query parameter.
type StateRequest struct {
	// Scope is local (default) or all.
	Scope string `json:"scope,omitempty"`
}

// StateResponse is returned by GET /v1/state.
type StateResponse struct {
	// Scope is the canonical scope queried.
	Scope string `json:"scope"`
	// State is the committed state of Scope.
	State string `json:"state"`
}

// TransitionRequest models the JSON payload for POST /v1/transition.
type TransitionRequest struct {
	// ClientID must identify the connected master.
	ClientID string `json:"client_id"`
	// Target is resume, suspend or shutdown.
	Target string `json:"target"`
	// Scope is local or all.
	Scope string `json:"scope"`
}

// TransitionResponse reports how a transition request was handled.
type TransitionResponse struct {
	// CycleID identifies the cycle opened, committed or aborted.
	CycleID string `json:"cycle_id"`
	// Outcome is pending, committed or aborted.
	Outcome string `json:"outcome"`
	// State is the committed state after the request was handled.
	State MachineState `json:"state"`
}

// AckRequest models the JSON payload for POST /v1/ack.
type AckRequest struct {
	// ClientID identifies the replying slave.
	ClientID string `json:"client_id"`
	// Verdict is one of ack_suspend, ack_shutdown, nack_suspend, nack_shutdown.
	Verdict string `json:"verdict"`
}

// AckResponse tells the slave whether its verdict counted.
type AckResponse struct {
	// Recorded is true when the verdict was taken into account.
	Recorded bool `json:"recorded"`
	// CycleID identifies the open cycle, when there is one.
	CycleID string `json:"cycle_id,omitempty"`
	// Reason explains why a verdict was ignored.
	Reason string `json:"reason,omitempty"`
}

// MachineRequest models the JSON payload for POST /v1/machine.
type MachineRequest struct {
	// Machine names the machine whose availability changed.
	Machine string `json:"machine"`
	// Available reports whether the machine is reachable.
	Available bool `json:"available"`
}

// MachineResponse reports whether the master received the update.
type MachineResponse struct {
	// Delivered is false when no master is connected or its mailbox is full.
	Delivered bool `json:"delivered"`
}

// WatchRequest opens an event stream for a client.
type WatchRequest struct {
	// ClientID identifies the subscribing client.
	ClientID string `json:"client_id"`
}

// MachineState is the committed state per scope.
type MachineState struct {
	// Local is the state of the coordinator's own machine.
	Local string `json:"local"`
	// All is the fleet-wide state.
	All string `json:"all"`
}

// Client describes a registered participant.
type Client struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Role        string    `json:"role"`
	Scope       string    `json:"scope"`
	ConnectedAt time.Time `json:"connected_at"`
}

// ClientRef names a client inside cycle reports.
type ClientRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Event is pushed to client event streams.
type Event struct {
	// Seq increases with every event produced by the server.
	Seq uint64 `json:"seq"`
	// Kind selects which of the remaining fields are populated.
	Kind      string      `json:"kind"`
	CycleID   string      `json:"cycle_id,omitempty"`
	Target    string      `json:"target,omitempty"`
	Scope     string      `json:"scope,omitempty"`
	Status    string      `json:"status,omitempty"`
	Acked     []ClientRef `json:"acked,omitempty"`
	Nacked    []ClientRef `json:"nacked,omitempty"`
	NoAck     []ClientRef `json:"no_ack,omitempty"`
	Machine   string      `json:"machine,omitempty"`
	Available *bool       `json:"available,omitempty"`
	At        time.Time   `json:"at"`
}

// CycleStatus describes the open cycle.
type CycleStatus struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	Scope     string    `json:"scope"`
	Phase     string    `json:"phase"`
	Acked     int       `json:"acked"`
	Nacked    int       `json:"nacked"`
	StartedAt time.Time `json:"started_at"`
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	State  MachineState `json:"state"`
	Master *Client      `json:"master,omitempty"`
	Slaves []Client     `json:"slaves"`
	Cycle  *CycleStatus `json:"cycle,omitempty"`
	// AckWindowMillis is the ack window applied to the next cycle.
	AckWindowMillis int64 `json:"ack_window_ms"`
	// ResumeGraceMillis is the resume grace applied to the next cycle.
	ResumeGraceMillis int64  `json:"resume_grace_ms"`
	Machine           string `json:"machine,omitempty"`
}

// Cycle is the audit record of a finished cycle.
type Cycle struct {
	ID         string      `json:"id"`
	Target     string      `json:"target"`
	Scope      string      `json:"scope"`
	Outcome    string      `json:"outcome"`
	Status     string      `json:"status,omitempty"`
	FastPath   bool        `json:"fast_path,omitempty"`
	Acked      []ClientRef `json:"acked,omitempty"`
	Nacked     []ClientRef `json:"nacked,omitempty"`
	NoAck      []ClientRef `json:"no_ack,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// StatusRequest asks for a status snapshot. It carries no fields.
type StatusRequest struct{}

// HistoryRequest bounds a history query on the gRPC and socket transports.
type HistoryRequest struct {
	// Limit caps the number of cycles returned. Zero selects the server default.
	Limit int `json:"limit,omitempty"`
}

// HistoryResponse is returned by GET /v1/history.
type HistoryResponse struct {
	Cycles []Cycle `json:"cycles"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable activityd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds suggests when a busy request may be retried.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}
