package chat

import (
	"encoding/json"
	"time"

	errs "ChatRelay/tools/errs"
)

// ===== Inbound envelopes =====

// Client frame types.
const (
	TypeMessage     = "message"
	TypeTyping      = "typing"
	TypeReadReceipt = "read_receipt"
	TypeReaction    = "reaction"
	TypeEdit        = "edit"
	TypeDelete      = "delete"
	TypePing        = "ping"
)

// Server frame types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeConnectionDenied      = "connection_denied"
	TypeRateLimited           = "rate_limited"
	TypePong                  = "pong"
	TypeError                 = "error"
	TypeUserTyping            = "user_typing"
	TypePresence              = "presence"
)

// Envelope is one parsed inbound frame: the discriminator plus the remaining
// fields, decoded per type with tools/decode.
type Envelope struct {
	Type   string
	Fields map[string]any
}

const maxFrameBytes = 64 * 1024

// ParseEnvelope decodes a raw client frame. Anything malformed maps to the
// validation error so the caller can answer with a structured error frame.
func ParseEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 || len(data) > maxFrameBytes {
		return nil, errs.ErrValidation.WithDetail("bad frame size")
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errs.ErrValidation.WithDetail("invalid json")
	}
	typ, _ := fields["type"].(string)
	if typ == "" {
		return nil, errs.ErrValidation.WithDetail("missing type")
	}
	delete(fields, "type")
	return &Envelope{Type: typ, Fields: fields}, nil
}

// Typed inbound payloads.

type MessageIn struct {
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	ClientMsgID string `json:"client_msg_id"`
}

type TypingIn struct {
	IsTyping bool `json:"is_typing"`
}

type ReadReceiptIn struct {
	MessageID string `json:"message_id"`
}

type ReactionIn struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type EditIn struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type DeleteIn struct {
	MessageID string `json:"message_id"`
}

var messageTypes = map[string]bool{
	"text": true, "image": true, "file": true, "system": true,
}

const maxContentLen = 10_000

// Validate checks a message payload before it enters the pipeline.
func (m *MessageIn) Validate() error {
	if m.Content == "" {
		return errs.ErrValidation.WithDetail("empty content")
	}
	if len(m.Content) > maxContentLen {
		return errs.ErrValidation.WithDetail("content too long")
	}
	if m.MessageType == "" {
		m.MessageType = "text"
	}
	if !messageTypes[m.MessageType] {
		return errs.ErrValidation.WithDetail("unknown message_type")
	}
	return nil
}

// ===== Outbound envelopes =====

type outbound struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp string `json:"timestamp"`
}

func BuildOutbound(typ string, payload any, now time.Time) []byte {
	data, err := json.Marshal(outbound{
		Type:      typ,
		Payload:   payload,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil
	}
	return data
}

type connectionAck struct {
	ConnID string `json:"conn_id"`
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

func BuildConnectionAck(connID, roomID, userID string, now time.Time) []byte {
	return BuildOutbound(TypeConnectionEstablished, connectionAck{
		ConnID: connID, RoomID: roomID, UserID: userID,
	}, now)
}

func BuildPong(now time.Time) []byte {
	return BuildOutbound(TypePong, nil, now)
}

// BuildError carries a client-safe message only; internal detail stays in logs.
func BuildError(msg string, now time.Time) []byte {
	data, _ := json.Marshal(struct {
		Type      string `json:"type"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	}{TypeError, msg, now.UTC().Format(time.RFC3339Nano)})
	return data
}

// BuildRejection is the admission denial frame: typ is connection_denied or
// rate_limited, retryAfter in seconds (0 omits the field).
func BuildRejection(typ, reason string, retryAfter int) []byte {
	data, _ := json.Marshal(struct {
		Type       string `json:"type"`
		Reason     string `json:"reason"`
		RetryAfter int    `json:"retry_after,omitempty"`
	}{typ, reason, retryAfter})
	return data
}
