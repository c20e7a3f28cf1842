// Package codec defines the wire envelope shared by every session
// (agent and observer) and the typed payloads carried in its data field.
//
// Every message on the wire is:
//
//	{"type": "...", "id": "<uuid>", "timestamp": "<RFC3339>", "data": {...}}
//
// Decode is strict about the envelope shape but payload decoding happens
// lazily, per type, in the registry/dispatcher handlers — the codec itself
// only enumerates known type names and carries the payload as raw JSON.
package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the top-level message exchanged on every session.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Message types sent agent → core.
const (
	TypeNodeRegister   = "node_register"
	TypeHeartbeat      = "heartbeat"
	TypeCommandStarted = "command_started"
	TypeCommandResult  = "command_result"
	TypePing           = "ping"
)

// Message types sent core → agent.
const (
	TypeRegisterResponse = "register_response"
	TypeHeartbeatAck     = "heartbeat_ack"
	TypeExecuteCommand   = "execute_command"
	TypeCommandReceived  = "command_received"
	TypePong             = "pong"
)

// Message types shared by every session kind (core ↔ agent, core ↔ observer).
const (
	TypeWelcome = "welcome"
	TypeError   = "error"
)

// Message types sent core → observer only.
const (
	TypeNodesUpdate      = "nodes_update"
	TypeMetricsUpdate    = "metrics_update"
	TypeNodeStatusChange = "node_status_change"
)

// knownTypes enumerates every type this codec will encode or accept on
// decode; anything else decodes successfully as an Envelope but is rejected
// by New/Decode's caller with UNKNOWN_MESSAGE_TYPE.
var knownTypes = map[string]bool{
	TypeNodeRegister: true, TypeHeartbeat: true, TypeCommandStarted: true,
	TypeCommandResult: true, TypePing: true,
	TypeRegisterResponse: true, TypeHeartbeatAck: true, TypeExecuteCommand: true,
	TypeCommandReceived: true, TypePong: true,
	TypeWelcome: true, TypeError: true,
	TypeNodesUpdate: true, TypeMetricsUpdate: true, TypeNodeStatusChange: true,
}

// KnownType reports whether t is one of the enumerated message types.
func KnownType(t string) bool { return knownTypes[t] }

// New builds an envelope with a freshly allocated id and the current time,
// marshalling data into the envelope's data field.
func New(msgType string, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", msgType, err)
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// Encode marshals the envelope to JSON bytes.
func Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses raw bytes into an Envelope. It does not validate Type
// against knownTypes — callers decide how to react to an unknown type
// (the protocol keeps the session open and answers with an error frame).
func Decode(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	if e.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &e, nil
}

// DecodeData unmarshals the envelope's data field into dst.
func (e *Envelope) DecodeData(dst interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, dst)
}
