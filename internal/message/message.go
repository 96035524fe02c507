// Package message defines the clipstage control protocol.
//
// All messages are newline-delimited JSON, one message per line. Free-form
// payloads (tokens, submitted text) are base64-encoded so that any content
// is safe to embed in a JSON string.
package message

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"go.klb.dev/clipstage/internal/artifact"
	"go.klb.dev/clipstage/internal/handoff"
	"go.klb.dev/clipstage/internal/pipeline"
	"go.klb.dev/clipstage/internal/task"
	"go.klb.dev/clipstage/internal/watcher"
)

// Type identifies the kind of message.
type Type string

const (
	TypePing           Type = "PING"
	TypePong           Type = "PONG"
	TypeAuth           Type = "AUTH"
	TypeStatus         Type = "STATUS"
	TypeStatusResponse Type = "STATUS_RESPONSE"
	TypeSubmit         Type = "SUBMIT"
	TypeAccepted       Type = "ACCEPTED"
	TypeLatest         Type = "LATEST"
	TypeOutcome        Type = "OUTCOME"
	TypeSubscribe      Type = "SUBSCRIBE"
	TypeError          Type = "ERROR"
)

// Error codes carried in Message.Error.
const (
	ErrAuthFailed  = "auth_failed"
	ErrBadRequest  = "bad_request"
	ErrUnavailable = "unavailable"
	ErrNoOutcome   = "no_outcome"
)

// SubscriberInfo describes a connected control session, used in STATUS
// responses.
type SubscriberInfo struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Addr        string    `json:"addr"`
	Transport   string    `json:"transport"`
	Categories  []string  `json:"categories,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Status is the daemon state reported by STATUS_RESPONSE.
type Status struct {
	Version     string            `json:"version"`
	StartedAt   time.Time         `json:"started_at"`
	Clipboard   string            `json:"clipboard"`
	Generator   string            `json:"generator"`
	Category    string            `json:"category"`
	Interval    string            `json:"interval"`
	Watcher     watcher.Stats     `json:"watcher"`
	Runtime     task.Stats        `json:"runtime"`
	Pipeline    pipeline.Stats    `json:"pipeline"`
	Handoff     handoff.Stats     `json:"handoff"`
	Slots       []artifact.Slot   `json:"slots,omitempty"`
	Stale       []string          `json:"stale,omitempty"`
	Last        *pipeline.Outcome `json:"last,omitempty"`
	Subscribers []SubscriberInfo  `json:"subscribers,omitempty"`
}

// Message is the top-level wire envelope.
type Message struct {
	// Always present
	Type   Type   `json:"type"`
	Source string `json:"source,omitempty"`

	// SUBMIT / LATEST target; a single category filter for SUBSCRIBE.
	Category string `json:"category,omitempty"`

	// AUTH token or SUBMIT text, base64-encoded.
	Payload string `json:"payload,omitempty"`

	// SUBSCRIBE / AUTH: categories this session wants outcomes for.
	// Empty means every category.
	Accept []string `json:"accept,omitempty"`

	// ACCEPTED
	EventID string `json:"event_id,omitempty"`

	// OUTCOME
	Outcome *pipeline.Outcome `json:"outcome,omitempty"`

	// STATUS_RESPONSE
	Status *Status `json:"status,omitempty"`

	// ERROR
	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Encode serialises the message to JSON without a trailing newline.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode deserialises a message from raw JSON bytes.
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("message decode: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("message decode: missing type")
	}
	return &m, nil
}

// EncodePayload base64-encodes s for the Payload field.
func EncodePayload(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// PayloadText returns the decoded Payload.
func (m *Message) PayloadText() (string, error) {
	b, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return "", fmt.Errorf("payload decode: %w", err)
	}
	return string(b), nil
}

// Categories returns the effective category filter: Accept plus Category.
func (m *Message) Categories() []string {
	if m.Category == "" {
		return m.Accept
	}
	for _, c := range m.Accept {
		if c == m.Category {
			return m.Accept
		}
	}
	return append(append([]string(nil), m.Accept...), m.Category)
}

// Submit builds a SUBMIT message.
func Submit(source, category, text string) *Message {
	return &Message{Type: TypeSubmit, Source: source, Category: category, Payload: EncodePayload(text)}
}

// Errorf builds an ERROR message with a code and formatted detail.
func Errorf(code, format string, args ...any) *Message {
	return &Message{Type: TypeError, Error: code, Detail: fmt.Sprintf(format, args...)}
}

// AsError converts an ERROR message into a Go error; other messages
// return nil.
func (m *Message) AsError() error {
	if m.Type != TypeError {
		return nil
	}
	if m.Detail == "" {
		return fmt.Errorf("daemon error: %s", m.Error)
	}
	return fmt.Errorf("daemon error: %s: %s", m.Error, m.Detail)
}
