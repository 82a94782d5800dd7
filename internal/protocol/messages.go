// Package protocol defines the WebSocket message types spoken between the
// session manager and a remote sandbox runner daemon. All messages are
// JSON-encoded and wrapped in an Envelope for uniform correlation.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message on the runner connection.
type MessageType string

const (
	// Manager → Runner
	MsgSessionCreate    MessageType = "session.create"
	MsgSessionStatus    MessageType = "session.status"
	MsgSessionInvoke    MessageType = "session.invoke"
	MsgSessionTerminate MessageType = "session.terminate"

	// Runner → Manager
	MsgSessionCreated    MessageType = "session.created"
	MsgSessionState      MessageType = "session.state"
	MsgInvokeResult      MessageType = "invoke.result"
	MsgInvokeFragment    MessageType = "invoke.fragment"
	MsgInvokeComplete    MessageType = "invoke.complete"
	MsgSessionTerminated MessageType = "session.terminated"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope is the top-level wrapper for every runner message. Responses echo
// the ID of the request they answer; fragments of one invoke all carry the
// invoke's ID.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Reply creates an Envelope answering this one: same ID, new type.
func (e *Envelope) Reply(msgType MessageType, payload any) (*Envelope, error) {
	reply, err := NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	reply.ID = e.ID
	return reply, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// --- Manager → Runner payloads ---

// SessionCreatePayload asks the runner to provision a session.
type SessionCreatePayload struct {
	Name           string `json:"name"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"` // 0 = runner default.
}

// SessionRefPayload identifies an existing session by its runner-issued ID.
type SessionRefPayload struct {
	SessionID string `json:"session_id"`
}

// InvokePayload asks the runner to execute an operation inside a session.
// Args is the JSON-encoded provider argument struct.
type InvokePayload struct {
	SessionID string          `json:"session_id"`
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// --- Runner → Manager payloads ---

// SessionCreatedPayload confirms provisioning and carries the issued ID.
type SessionCreatedPayload struct {
	SessionID string `json:"session_id"`
}

// SessionStatePayload reports a session's current state.
type SessionStatePayload struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"` // "READY" or "NOT_READY".
}

// InvokeResultPayload carries a complete single-shot invoke answer.
type InvokeResultPayload struct {
	IsError bool            `json:"isError,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// InvokeFragmentPayload carries one fragment of a streamed invoke answer.
// At most one of Result, Chunk, or Event is set.
type InvokeFragmentPayload struct {
	Result *InvokeResultPayload `json:"result,omitempty"`
	Chunk  *InvokeResultPayload `json:"chunk,omitempty"`
	Event  json.RawMessage      `json:"event,omitempty"`
}

// ErrorPayload is sent with MsgError for request-level failures.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
