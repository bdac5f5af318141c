// Package protocol defines the JSON messages spoken between a wsstore client
// and the store daemon. Values travel as raw JSON so number fidelity is
// preserved end to end.
package protocol

import "encoding/json"

// Client -> server operations.
const (
	OpGet              = "get"
	OpSet              = "set"
	OpSetIfAbsent      = "setnx"
	OpUpdate           = "update"
	OpDelete           = "delete"
	OpPush             = "push"
	OpListen           = "listen"
	OpUnlisten         = "unlisten"
	OpDisconnectDelete = "ondisconnect"
	OpDisconnectCancel = "ondisconnect_cancel"
)

// Subscription kinds for OpListen.
const (
	KindValue      = "value"
	KindChildAdded = "child_added"
)

// Server -> client message types.
const (
	TypeAck   = "Ack"
	TypeEvent = "Event"
)

type ClientMessage struct {
	ID      uint64          `json:"id"`
	Op      string          `json:"op"`
	Path    string          `json:"path,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Sub     uint64          `json:"sub,omitempty"`
	OrderBy string          `json:"orderBy,omitempty"`
	Limit   int             `json:"limit,omitempty"`
}

type ServerMessage struct {
	Type string `json:"type"`

	// Ack fields, correlated by request id.
	ID      uint64 `json:"id,omitempty"`
	OK      bool   `json:"ok,omitempty"`
	Error   string `json:"error,omitempty"`
	Key     string `json:"key,omitempty"`
	Created bool   `json:"created,omitempty"`

	// Event fields, correlated by subscription id. Ack for OpListen also
	// carries Sub.
	Sub   uint64          `json:"sub,omitempty"`
	Kind  string          `json:"kind,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}
