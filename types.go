package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DefaultKey is the reserved correlation key used when a waiter registers
// without an explicit OAuth state parameter (single-slot mode). At most one
// wait can be pending under it; a newer registration supersedes the old one.
const DefaultKey = "__default__"

// MessageType identifies a relay protocol message.
type MessageType string

const (
	// MessageTypeRegister is sent by a waiter to claim a correlation key.
	MessageTypeRegister MessageType = "register"

	// MessageTypeDeliver carries the resolution of a wait, successful or not.
	MessageTypeDeliver MessageType = "deliver"

	// MessageTypeUnregister is sent by a waiter that gives up before delivery.
	MessageTypeUnregister MessageType = "unregister"

	// MessageTypeError reports a rejected registration.
	MessageTypeError MessageType = "error"
)

// Reasons carried on a failed deliver message.
const (
	ReasonSuperseded = "superseded"
	ReasonTimeout    = "timeout"
)

// Payload is a flattened callback payload: string keys mapped to a string,
// a list of strings for multi-valued query/form fields, or whatever JSON
// value a JSON body carried. Constructed per callback, never persisted.
type Payload map[string]any

// Message is the wire object exchanged between coordinator and waiters,
// one JSON object per newline-terminated frame in both directions.
type Message struct {
	Type    MessageType `json:"type"`
	State   string      `json:"state,omitempty"`
	Success bool        `json:"success,omitempty"`
	Code    string      `json:"code,omitempty"`
	Raw     Payload     `json:"raw,omitempty"`
	Reason  string      `json:"reason,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// encode marshals the message as a single newline-terminated frame.
func (m Message) encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return append(b, '\n'), nil
}

// decodeMessage parses one frame. A frame without a type field is malformed.
func decodeMessage(line []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(bytes.TrimSpace(line), &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type field")
	}
	return m, nil
}

// DeliveryOutcome reports whether a callback found a waiter. An unmatched
// delivery is an outcome, not an error: the ingress decides the HTTP status.
type DeliveryOutcome string

const (
	OutcomeMatched   DeliveryOutcome = "matched"
	OutcomeUnmatched DeliveryOutcome = "unmatched"
)

// RelayResult is the waiter-facing outcome of a delivered callback. Exactly
// one of Code and Raw is populated: Code when extraction succeeded, Raw with
// the full callback payload when it did not.
type RelayResult struct {
	Code string
	Raw  Payload
}

// Success reports whether an authorization code was extracted.
func (r *RelayResult) Success() bool {
	return r.Code != ""
}
