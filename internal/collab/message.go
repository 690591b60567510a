// Package collab implements the realtime collaboration core: per-document
// session rooms, cross-instance fan-out over Redis pub/sub with self-echo
// suppression, and dirty-tracked background persistence.
package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message types exchanged with clients and relayed across instances.
const (
	TypeUpdate     = "update"
	TypeCursor     = "cursor"
	TypeChat       = "chat"
	TypePing       = "ping"
	TypeInit       = "init"
	TypeUserJoined = "user_joined"
	TypeUserLeft   = "user_left"
)

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrMalformedFrame = errors.New("malformed frame")
)

type UpdateData struct {
	Content string `json:"content"`
}

// Inbound is the decoded form of a client frame. Exactly one of the
// type-specific fields is meaningful, selected by Type.
type Inbound struct {
	Type      string
	Data      *UpdateData
	Message   string
	Position  json.RawMessage
	Selection json.RawMessage
	Timestamp float64
}

type inboundWire struct {
	Type      string          `json:"type"`
	Data      *UpdateData     `json:"data"`
	Message   string          `json:"message"`
	Position  json.RawMessage `json:"position"`
	Selection json.RawMessage `json:"selection"`
	Timestamp float64         `json:"timestamp"`
}

// ParseInbound decodes and validates one client frame. Callers drop the frame
// on error; a bad frame never tears down the connection.
func ParseInbound(raw []byte) (Inbound, error) {
	var wire inboundWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	msg := Inbound{
		Type:      wire.Type,
		Data:      wire.Data,
		Message:   wire.Message,
		Position:  wire.Position,
		Selection: wire.Selection,
		Timestamp: wire.Timestamp,
	}
	switch wire.Type {
	case TypeUpdate:
		if wire.Data == nil {
			return Inbound{}, fmt.Errorf("%w: update without data", ErrMalformedFrame)
		}
	case TypeCursor, TypeChat, TypePing:
	default:
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownType, wire.Type)
	}
	return msg, nil
}

// Envelope is the unit relayed across instances on the bus. Origin is the
// identity of the process that first produced it and is never rewritten by a
// relay; receivers drop envelopes carrying their own origin.
type Envelope struct {
	Type       string          `json:"type"`
	DocumentID string          `json:"document_id"`
	Origin     string          `json:"origin"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  float64         `json:"timestamp"`
}

// Outbound event frames. Each is marshaled once and delivered verbatim to
// local sessions and, wrapped in an Envelope, to peer instances.

type InitEvent struct {
	Type        string   `json:"type"`
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	ActiveUsers []string `json:"active_users"`
	Content     string   `json:"content"`
}

type UpdateEvent struct {
	Type      string     `json:"type"`
	UserID    string     `json:"user_id"`
	Username  string     `json:"username"`
	Data      UpdateData `json:"data"`
	Timestamp float64    `json:"timestamp"`
}

type CursorEvent struct {
	Type      string          `json:"type"`
	UserID    string          `json:"user_id"`
	Username  string          `json:"username"`
	Position  json.RawMessage `json:"position,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

type ChatEvent struct {
	Type      string  `json:"type"`
	UserID    string  `json:"user_id"`
	Username  string  `json:"username"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}

type PresenceEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

func marshalEvent(event any) ([]byte, error) {
	frame, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return frame, nil
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
