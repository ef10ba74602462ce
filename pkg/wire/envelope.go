// Package wire defines the message envelope exchanged between the
// orchestrator and worker agents, its typed payloads, and the codec rules:
// strict decoding, protocol versioning, oversized-output chunking, and
// bearer-token verification.
package wire

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version this build speaks. Envelopes carrying any
// other version are rejected at decode time.
const Version = "1.0"

// MessageType discriminates the four envelope kinds.
type MessageType string

const (
	MessageTypeWorkRequest MessageType = "work_request"
	MessageTypeWorkStatus  MessageType = "work_status"
	MessageTypeWorkResult  MessageType = "work_result"
	MessageTypeError       MessageType = "error"
)

// AgentOrchestrator is the from/to identity of the orchestrator itself.
const AgentOrchestrator = "orchestrator"

// Envelope is the wire message. All identifiers are UUIDs; timestamps are
// ISO-8601 UTC. Payload content depends on Type; Extensions carries
// transport metadata such as the auth token hash.
type Envelope struct {
	ProtocolVersion string            `json:"protocol_version"`
	MessageID       string            `json:"message_id"`
	FromAgent       string            `json:"from_agent"`
	ToAgent         string            `json:"to_agent"`
	Timestamp       time.Time         `json:"timestamp"`
	TraceID         string            `json:"trace_id"`
	RequestID       string            `json:"request_id"`
	Type            MessageType       `json:"type"`
	Payload         map[string]any    `json:"payload"`
	Extensions      map[string]string `json:"extensions"`
}

// NewEnvelope creates an envelope with a fresh message ID and a UTC
// second-precision timestamp. The payload struct is flattened into the
// envelope's payload map.
func NewEnvelope(msgType MessageType, from, to, traceID, requestID string, payload any) (*Envelope, error) {
	m, err := toPayloadMap(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ProtocolVersion: Version,
		MessageID:       uuid.New().String(),
		FromAgent:       from,
		ToAgent:         to,
		Timestamp:       time.Now().UTC().Truncate(time.Second),
		TraceID:         traceID,
		RequestID:       requestID,
		Type:            msgType,
		Payload:         m,
		Extensions:      map[string]string{},
	}, nil
}

// Encode serializes the envelope with normalized field ordering. Encoding the
// result of Decode yields byte-identical output.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates an envelope. Unknown top-level fields yield a
// DecodeError with CodeInvalidMessage; a protocol version other than Version
// yields CodeUnsupportedProtocolVersion.
func Decode(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var e Envelope
	if err := dec.Decode(&e); err != nil {
		if strings.Contains(err.Error(), "unknown field") {
			return nil, newDecodeError(CodeInvalidMessage, "%v", err)
		}
		return nil, newDecodeError(CodeInvalidMessage, "malformed envelope: %v", err)
	}
	if dec.More() {
		return nil, newDecodeError(CodeInvalidMessage, "trailing data after envelope")
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks the envelope's protocol version, type, identifiers, and
// timestamp. It returns a *DecodeError on failure.
func (e *Envelope) Validate() error {
	if e.ProtocolVersion != Version {
		return newDecodeError(CodeUnsupportedProtocolVersion,
			"protocol version %q, this build speaks %q", e.ProtocolVersion, Version)
	}
	switch e.Type {
	case MessageTypeWorkRequest, MessageTypeWorkStatus, MessageTypeWorkResult, MessageTypeError:
	default:
		return newDecodeError(CodeInvalidMessage, "unknown message type %q", e.Type)
	}
	if e.MessageID == "" {
		return newDecodeError(CodeInvalidMessage, "message_id is required")
	}
	for name, id := range map[string]string{
		"message_id": e.MessageID,
		"trace_id":   e.TraceID,
		"request_id": e.RequestID,
	} {
		if id == "" {
			continue
		}
		if _, err := uuid.Parse(id); err != nil {
			return newDecodeError(CodeInvalidMessage, "%s %q is not a UUID", name, id)
		}
	}
	if e.Timestamp.IsZero() {
		return newDecodeError(CodeInvalidMessage, "timestamp is required")
	}
	if e.FromAgent == "" || e.ToAgent == "" {
		return newDecodeError(CodeInvalidMessage, "from_agent and to_agent are required")
	}
	return nil
}

// WorkRequest extracts the typed work_request payload.
func (e *Envelope) WorkRequest() (*WorkRequest, error) {
	if e.Type != MessageTypeWorkRequest {
		return nil, newDecodeError(CodeInvalidMessage, "envelope type is %q, not work_request", e.Type)
	}
	var p WorkRequest
	if err := fromPayloadMap(e.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// WorkStatus extracts the typed work_status payload.
func (e *Envelope) WorkStatus() (*WorkStatus, error) {
	if e.Type != MessageTypeWorkStatus {
		return nil, newDecodeError(CodeInvalidMessage, "envelope type is %q, not work_status", e.Type)
	}
	var p WorkStatus
	if err := fromPayloadMap(e.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// WorkResult extracts the typed work_result payload.
func (e *Envelope) WorkResult() (*WorkResult, error) {
	if e.Type != MessageTypeWorkResult {
		return nil, newDecodeError(CodeInvalidMessage, "envelope type is %q, not work_result", e.Type)
	}
	var p WorkResult
	if err := fromPayloadMap(e.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ErrorPayload extracts the typed error payload.
func (e *Envelope) ErrorPayload() (*ErrorPayload, error) {
	if e.Type != MessageTypeError {
		return nil, newDecodeError(CodeInvalidMessage, "envelope type is %q, not error", e.Type)
	}
	var p ErrorPayload
	if err := fromPayloadMap(e.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func toPayloadMap(payload any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	if m, ok := payload.(map[string]any); ok {
		return m, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, newDecodeError(CodeInvalidMessage, "marshal payload: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, newDecodeError(CodeInvalidMessage, "payload is not an object: %v", err)
	}
	return m, nil
}

func fromPayloadMap(m map[string]any, out any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return newDecodeError(CodeInvalidMessage, "marshal payload map: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return newDecodeError(CodeInvalidMessage, "payload does not match schema: %v", err)
	}
	return nil
}
