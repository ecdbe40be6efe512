// Package protocol defines the client-facing frame format: a JSON envelope
// discriminated on its "type" field, with per-type payload schemas.
//
// The codec is pure. It never touches the socket; callers map its errors onto
// close codes (1002 for schema violations, 1009 for oversize frames).
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// MaxFrameBytes is the hard cap on a single frame, inbound or outbound.
// Enforcement is on the raw byte length of the frame, not the declared
// Size hint inside the envelope.
const MaxFrameBytes = 64 * 1024

// MaxReadMessageIDs bounds the messageIds list in a read receipt.
const MaxReadMessageIDs = 100

// Envelope types accepted from clients.
const (
	TypeMsg    = "msg"
	TypeTyping = "typing"
	TypeRead   = "read"
	TypeResume = "resume"
)

// Server-originated frame types.
const (
	TypeAck       = "ack"
	TypeResumeAck = "resume_ack"
)

// Typing states.
const (
	TypingStart = "start"
	TypingStop  = "stop"
)

var (
	// ErrFrameTooLarge reports a frame over MaxFrameBytes. Maps to close 1009.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")

	// ErrMalformedFrame reports unparseable bytes or a schema violation.
	// Maps to close 1002.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Envelope is the outer frame shape shared by every inbound type.
// Payload stays raw until the type-specific decode.
type Envelope struct {
	V       int             `json:"v"`
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Size    int             `json:"size"`
	Payload json.RawMessage `json:"payload"`
}

// MsgPayload is an ack-bearing application message. Data is opaque to the hub.
type MsgPayload struct {
	Seq  int64           `json:"seq"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TypingPayload is an ephemeral typing indicator.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	State          string `json:"state"`
}

// ReadPayload is a read receipt for up to MaxReadMessageIDs messages.
type ReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// ResumePayload carries the client's resume token and the last client
// sequence it observed an ack for.
type ResumePayload struct {
	ResumeToken   string `json:"resumeToken"`
	LastClientSeq int64  `json:"lastClientSeq"`
}

// Ack is the hub's response to an inbound envelope.
type Ack struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Status string `json:"status"`
	Seq    int64  `json:"seq,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Ack statuses.
const (
	AckAccepted = "accepted"
	AckRejected = "rejected"
)

// ResumeAck acknowledges a successful resume. ResumeToken is the rotated
// token the client must persist; FromSeq is the first replayed sequence.
type ResumeAck struct {
	Type        string `json:"type"`
	FromSeq     int64  `json:"fromSeq"`
	ExpiresInMs int64  `json:"expiresInMs"`
	ResumeToken string `json:"resumeToken"`
}

// Decode parses raw bytes into a validated Envelope.
//
// Returns ErrFrameTooLarge when the raw frame is over MaxFrameBytes, and
// ErrMalformedFrame (wrapped with detail) for anything that fails the
// schema: bad JSON, wrong version, non-UUID id, unknown type, out-of-range
// size hint, or a payload that does not match the type's shape.
func Decode(raw []byte) (*Envelope, error) {
	if len(raw) > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.V != 1 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedFrame, env.V)
	}
	if !isUUID(env.ID) {
		return nil, fmt.Errorf("%w: envelope id is not a UUID", ErrMalformedFrame)
	}
	if env.Size < 1 || env.Size > MaxFrameBytes {
		return nil, fmt.Errorf("%w: size hint %d out of range", ErrMalformedFrame, env.Size)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedFrame)
	}

	switch env.Type {
	case TypeMsg:
		if _, err := env.Msg(); err != nil {
			return nil, err
		}
	case TypeTyping:
		if _, err := env.Typing(); err != nil {
			return nil, err
		}
	case TypeRead:
		if _, err := env.Read(); err != nil {
			return nil, err
		}
	case TypeResume:
		if _, err := env.Resume(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, env.Type)
	}

	return &env, nil
}

// Encode marshals an envelope (or any server frame) to wire bytes.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Msg decodes and validates the payload of a msg envelope.
func (e *Envelope) Msg() (*MsgPayload, error) {
	var p MsgPayload
	if err := strictUnmarshal(e.Payload, &p); err != nil {
		return nil, err
	}
	if p.Seq < 0 {
		return nil, fmt.Errorf("%w: msg seq must be >= 0", ErrMalformedFrame)
	}
	return &p, nil
}

// Typing decodes and validates the payload of a typing envelope.
func (e *Envelope) Typing() (*TypingPayload, error) {
	var p TypingPayload
	if err := strictUnmarshal(e.Payload, &p); err != nil {
		return nil, err
	}
	if !isUUID(p.ConversationID) {
		return nil, fmt.Errorf("%w: typing conversationId is not a UUID", ErrMalformedFrame)
	}
	if p.State != TypingStart && p.State != TypingStop {
		return nil, fmt.Errorf("%w: typing state %q", ErrMalformedFrame, p.State)
	}
	return &p, nil
}

// Read decodes and validates the payload of a read envelope.
func (e *Envelope) Read() (*ReadPayload, error) {
	var p ReadPayload
	if err := strictUnmarshal(e.Payload, &p); err != nil {
		return nil, err
	}
	if !isUUID(p.ConversationID) {
		return nil, fmt.Errorf("%w: read conversationId is not a UUID", ErrMalformedFrame)
	}
	if len(p.MessageIDs) == 0 || len(p.MessageIDs) > MaxReadMessageIDs {
		return nil, fmt.Errorf("%w: read messageIds count %d out of range", ErrMalformedFrame, len(p.MessageIDs))
	}
	for _, id := range p.MessageIDs {
		if !isUUID(id) {
			return nil, fmt.Errorf("%w: read messageId is not a UUID", ErrMalformedFrame)
		}
	}
	return &p, nil
}

// Resume decodes and validates the payload of a resume envelope.
func (e *Envelope) Resume() (*ResumePayload, error) {
	var p ResumePayload
	if err := strictUnmarshal(e.Payload, &p); err != nil {
		return nil, err
	}
	if !isUUID(p.ResumeToken) {
		return nil, fmt.Errorf("%w: resumeToken is not a UUID", ErrMalformedFrame)
	}
	if p.LastClientSeq < 0 {
		return nil, fmt.Errorf("%w: lastClientSeq must be >= 0", ErrMalformedFrame)
	}
	return &p, nil
}

func strictUnmarshal(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
