// Package event defines the realtime event envelope streamed to clients
// and the factory that mints correlation ids and sequence numbers.
package event

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// Type identifies the kind of realtime event.
type Type string

const (
	TypeProgress        Type = "progress"
	TypeError           Type = "error"
	TypeNotification    Type = "notification"
	TypePhaseStart      Type = "phase_start"
	TypePhaseComplete   Type = "phase_complete"
	TypePhaseError      Type = "phase_error"
	TypeData            Type = "data"
	TypeHeartbeat       Type = "heartbeat"
	TypeConnectionOpen  Type = "connection_open"
	TypeConnectionClose Type = "connection_close"
)

// Source identifies which part of the system emitted an event.
type Source string

const (
	SourceSystem    Source = "system"
	SourceScraper   Source = "scraper"
	SourceExtractor Source = "extractor"
	SourceClient    Source = "client"
	SourceServer    Source = "server"
)

// Priority grades metadata urgency. Errors are always PriorityHigh.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Metadata carries optional delivery hints attached to an event.
type Metadata struct {
	Priority   Priority `json:"priority,omitempty"`
	Persistent bool     `json:"persistent,omitempty"`
	SessionID  string   `json:"sessionId,omitempty"`
}

// Payload is the tagged-union interface over per-type event bodies.
// Each event Type maps to exactly one concrete payload struct.
type Payload interface {
	Kind() Type
}

// ProgressPayload reports incremental progress within a phase.
type ProgressPayload struct {
	Phase   string  `json:"phase,omitempty"`
	Current int     `json:"current"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
}

func (ProgressPayload) Kind() Type { return TypeProgress }

// ErrorPayload describes a failure surfaced to the client.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (ErrorPayload) Kind() Type { return TypeError }

// NotificationLevel grades user-facing notifications.
type NotificationLevel string

const (
	NotifyInfo    NotificationLevel = "info"
	NotifyWarning NotificationLevel = "warning"
	NotifyError   NotificationLevel = "error"
)

// NotificationPayload is a human-readable message for the UI.
type NotificationPayload struct {
	Level   NotificationLevel `json:"level"`
	Message string            `json:"message"`
}

func (NotificationPayload) Kind() Type { return TypeNotification }

// PhasePayload marks a phase lifecycle transition. The same struct backs
// phase_start, phase_complete, and phase_error; typ selects which.
type PhasePayload struct {
	typ    Type
	Phase  string          `json:"phase"`
	Status string          `json:"status,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (p PhasePayload) Kind() Type {
	if p.typ == "" {
		return TypePhaseStart
	}
	return p.typ
}

// DataPayload carries an opaque named result blob.
type DataPayload struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

func (DataPayload) Kind() Type { return TypeData }

// HeartbeatPayload keeps idle connections alive.
type HeartbeatPayload struct{}

func (HeartbeatPayload) Kind() Type { return TypeHeartbeat }

// ConnectionPayload accompanies connection open/close events.
type ConnectionPayload struct {
	typ    Type
	Reason string `json:"reason,omitempty"`
}

func (p ConnectionPayload) Kind() Type {
	if p.typ == "" {
		return TypeConnectionOpen
	}
	return p.typ
}

// Event is the wire unit pushed to clients. Events are immutable once
// created and are not persisted beyond the stream's replay ring.
type Event struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	CorrelationID  string    `json:"correlationId"`
	SequenceNumber uint64    `json:"sequenceNumber"`
	Source         Source    `json:"source"`
	Payload        Payload   `json:"payload,omitempty"`
	Metadata       *Metadata `json:"metadata,omitempty"`
}

type envelope struct {
	ID             string          `json:"id"`
	Type           Type            `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	CorrelationID  string          `json:"correlationId"`
	SequenceNumber uint64          `json:"sequenceNumber"`
	Source         Source          `json:"source"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Metadata       *Metadata       `json:"metadata,omitempty"`
}

// MarshalJSON flattens the typed payload into the envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	env := envelope{
		ID:             e.ID,
		Type:           e.Type,
		Timestamp:      e.Timestamp,
		CorrelationID:  e.CorrelationID,
		SequenceNumber: e.SequenceNumber,
		Source:         e.Source,
		Metadata:       e.Metadata,
	}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, eris.Wrap(err, "event: marshal payload")
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes the envelope and selects the payload struct by Type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return eris.Wrap(err, "event: decode envelope")
	}
	e.ID = env.ID
	e.Type = env.Type
	e.Timestamp = env.Timestamp
	e.CorrelationID = env.CorrelationID
	e.SequenceNumber = env.SequenceNumber
	e.Source = env.Source
	e.Metadata = env.Metadata
	e.Payload = nil

	if len(env.Payload) == 0 {
		return nil
	}
	payload, err := decodePayload(env.Type, env.Payload)
	if err != nil {
		return err
	}
	e.Payload = payload
	return nil
}

func decodePayload(typ Type, raw json.RawMessage) (Payload, error) {
	switch typ {
	case TypeProgress:
		var p ProgressPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, eris.Wrap(err, "event: decode progress payload")
		}
		return p, nil
	case TypeError:
		var p ErrorPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, eris.Wrap(err, "event: decode error payload")
		}
		return p, nil
	case TypeNotification:
		var p NotificationPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, eris.Wrap(err, "event: decode notification payload")
		}
		return p, nil
	case TypePhaseStart, TypePhaseComplete, TypePhaseError:
		var p PhasePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, eris.Wrap(err, "event: decode phase payload")
		}
		p.typ = typ
		return p, nil
	case TypeData:
		var p DataPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, eris.Wrap(err, "event: decode data payload")
		}
		return p, nil
	case TypeHeartbeat:
		return HeartbeatPayload{}, nil
	case TypeConnectionOpen, TypeConnectionClose:
		var p ConnectionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, eris.Wrap(err, "event: decode connection payload")
		}
		p.typ = typ
		return p, nil
	default:
		return nil, eris.Errorf("event: unknown event type %q", typ)
	}
}
