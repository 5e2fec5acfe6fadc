// Package sockapi serves the coordinator over a local Unix socket using CBOR.
// Every connection carries one request and one response, except "watch",
// which keeps the connection open and streams events after the response.
package sockapi

import (
	"fmt"
	"strconv"

	"pkt.systems/activityd/internal/codec"
)

// Actions understood by the socket server.
const (
	ActionPing       = "ping"
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionState      = "state"
	ActionTransition = "transition"
	ActionAck        = "ack"
	ActionMachine    = "machine"
	ActionStatus     = "status"
	ActionHistory    = "history"
	ActionWatch      = "watch"
)

// Response is the envelope written for every request.
type Response struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`
	// Code is the machine readable failure code.
	Code string `cbor:"code,omitempty"`
	// Status is the HTTP equivalent of the failure.
	Status     int              `cbor:"status,omitempty"`
	RetryAfter int64            `cbor:"retry_after,omitempty"`
	Data       codec.RawMessage `cbor:"data,omitempty"`
}

// header is decoded from every request before routing.
type header struct {
	Action        string `cbor:"action"`
	CorrelationID string `cbor:"correlation_id"`
}

type peer struct {
	PID   int32
	UID   uint32
	GID   uint32
	known bool
}

// key identifies the peer for the connection guard.
func (p peer) key() string {
	if !p.known {
		return "unix:unknown"
	}
	return "uid:" + strconv.FormatUint(uint64(p.UID), 10)
}

func (p peer) String() string {
	if !p.known {
		return "unknown"
	}
	return fmt.Sprintf("pid=%d uid=%d gid=%d", p.PID, p.UID, p.GID)
}
