// Package bus moves focus events between contexts. Delivery is unordered
// and at-most-once on every channel; a logical event may arrive on more than
// one channel, so consumers deduplicate by envelope id.
package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the JSON wire form shared by all transports.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Known envelope types.
const (
	TypeFocusStateChanged = "focus_state_changed"
	TypeRecordOverride    = "record_override"
)

// Message is one decoded bus message.
type Message interface {
	messageType() string
}

// FocusStateChanged asserts the complete focus state of the sender.
type FocusStateChanged struct {
	IsActive     bool     `json:"is_active"`
	BlockedSites []string `json:"blocked_sites,omitempty"`
}

func (FocusStateChanged) messageType() string { return TypeFocusStateChanged }

// RecordOverride requests that a site override be recorded.
type RecordOverride struct {
	Domain          string    `json:"domain"`
	DurationSeconds int       `json:"duration_seconds"`
	UserID          string    `json:"user_id"`
	Timestamp       time.Time `json:"timestamp"`
}

func (RecordOverride) messageType() string { return TypeRecordOverride }

// Decode validates an envelope and produces its typed message. Unknown types
// and malformed payloads are errors; callers drop such envelopes.
func Decode(env Envelope) (Message, error) {
	if env.ID == "" {
		return nil, fmt.Errorf("envelope missing id")
	}

	switch env.Type {
	case TypeFocusStateChanged:
		var msg FocusStateChanged
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		return msg, nil

	case TypeRecordOverride:
		var msg RecordOverride
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		if msg.Domain == "" {
			return nil, fmt.Errorf("override missing domain")
		}
		if msg.DurationSeconds <= 0 {
			return nil, fmt.Errorf("override has non-positive duration")
		}
		return msg, nil

	default:
		return nil, fmt.Errorf("unknown envelope type %q", env.Type)
	}
}

// Encode wraps a message in its envelope.
func Encode(msg Message, id, source string, at time.Time) (Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", msg.messageType(), err)
	}
	return Envelope{
		Type:      msg.messageType(),
		ID:        id,
		Source:    source,
		Timestamp: at,
		Payload:   payload,
	}, nil
}
