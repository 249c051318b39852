// Package event defines the immutable event envelope that flows through
// the delivery engine.
//
// An Envelope carries a type discriminator, an opaque payload owned by the
// producing module, and metadata for correlation, routing, and retry
// accounting. Envelopes are immutable once constructed - handlers read them,
// only the owning publisher touches the retry counter and tags.
//
// Design influences:
//   - CloudEvents (envelope shape, correlation/causation attributes)
//   - AWS EventBridge (priority routing, delivery configuration)
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	relayerr "github.com/verdantapp/eventrelay/pkg/eventrelay/errors"
)

// Priority controls dispatch ordering. Lower values run first.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority converts a priority name to a Priority.
// Unknown names map to PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "normal":
		return PriorityNormal
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Metadata contains the mutable-by-publisher portion of an envelope.
type Metadata struct {
	Timestamp     time.Time     `json:"timestamp"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	CausationID   string        `json:"causation_id,omitempty"`
	Priority      Priority      `json:"priority"`
	RetryCount    int           `json:"retry_count"`
	MaxRetries    int           `json:"max_retries"`
	Timeout       time.Duration `json:"timeout"`
	Category      string        `json:"category"`
	Tags          []string      `json:"tags,omitempty"`
}

// Envelope is an immutable event. Type and Payload never change after
// construction; Metadata.RetryCount and Metadata.Tags may be updated,
// and only by the owning publisher.
type Envelope struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	Meta    Metadata       `json:"metadata"`
}

// Option configures envelope construction.
type Option func(*Envelope)

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) Option {
	return func(e *Envelope) { e.ID = id }
}

// WithCorrelationID sets the correlation ID linking a causal chain.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.Meta.CorrelationID = id }
}

// WithCausationID sets the ID of the event that triggered this one.
func WithCausationID(id string) Option {
	return func(e *Envelope) { e.Meta.CausationID = id }
}

// WithTimestamp sets a specific timestamp (default: time.Now().UTC()).
func WithTimestamp(t time.Time) Option {
	return func(e *Envelope) { e.Meta.Timestamp = t }
}

// WithPriority sets the event priority.
func WithPriority(p Priority) Option {
	return func(e *Envelope) { e.Meta.Priority = p }
}

// WithCategory sets the routing category. Categories with registered
// specs have their required payload fields validated at construction.
func WithCategory(c string) Option {
	return func(e *Envelope) { e.Meta.Category = c }
}

// WithTags sets the initial routing tags.
func WithTags(tags ...string) Option {
	return func(e *Envelope) { e.Meta.Tags = append([]string(nil), tags...) }
}

// WithTimeout bounds handler execution for this event.
func WithTimeout(d time.Duration) Option {
	return func(e *Envelope) { e.Meta.Timeout = d }
}

// WithMaxRetries sets the publisher-level retry budget.
func WithMaxRetries(n int) Option {
	return func(e *Envelope) { e.Meta.MaxRetries = n }
}

// New constructs a validated envelope. It fails with a ValidationError when
// the type is empty, the payload is nil, or a required field for the declared
// category is missing. Construction is the only mutation point for Type and
// Payload.
func New(eventType string, payload map[string]any, opts ...Option) (*Envelope, error) {
	e := &Envelope{
		ID:      uuid.New().String(),
		Type:    eventType,
		Payload: payload,
		Meta: Metadata{
			Timestamp:  time.Now().UTC(),
			Priority:   PriorityNormal,
			MaxRetries: 3,
			Timeout:    30 * time.Second,
			Category:   CategoryGeneral,
		},
	}

	for _, opt := range opts {
		opt(e)
	}

	// If no correlation ID, use the event ID as the chain root.
	if e.Meta.CorrelationID == "" {
		e.Meta.CorrelationID = e.ID
	}

	if err := e.validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewFromParent constructs an envelope caused by a parent event. It inherits
// the parent's correlation ID and records the parent as causation.
func NewFromParent(parent *Envelope, eventType string, payload map[string]any, opts ...Option) (*Envelope, error) {
	parentOpts := []Option{
		WithCorrelationID(parent.Meta.CorrelationID),
		WithCausationID(parent.ID),
	}
	return New(eventType, payload, append(parentOpts, opts...)...)
}

func (e *Envelope) validate() error {
	if e.Type == "" {
		return &relayerr.ValidationError{Field: "type", Message: "event type is required"}
	}
	if e.Payload == nil {
		return &relayerr.ValidationError{Field: "payload", Message: "event payload must be a map"}
	}
	for _, field := range RequiredFields(e.Meta.Category) {
		if _, ok := e.Payload[field]; !ok {
			return &relayerr.ValidationError{
				Field:   field,
				Message: fmt.Sprintf("%s events must contain %s", e.Meta.Category, field),
			}
		}
	}
	return nil
}

// Clone returns a deep copy. The stream buffer and persistence layer copy
// envelopes so later publisher-side mutation cannot leak into observers.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = clonePayload(e.Payload)
	c.Meta.Tags = append([]string(nil), e.Meta.Tags...)
	return &c
}

func clonePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = clonePayload(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// IncrementRetry bumps the retry counter. Publisher use only.
func (e *Envelope) IncrementRetry() {
	e.Meta.RetryCount++
}

// CanRetry reports whether the retry budget is not yet exhausted.
func (e *Envelope) CanRetry() bool {
	return e.Meta.RetryCount < e.Meta.MaxRetries
}

// AddTag appends a routing tag if not already present.
func (e *Envelope) AddTag(tag string) {
	if !e.HasTag(tag) {
		e.Meta.Tags = append(e.Meta.Tags, tag)
	}
}

// RemoveTag deletes a routing tag.
func (e *Envelope) RemoveTag(tag string) {
	for i, t := range e.Meta.Tags {
		if t == tag {
			e.Meta.Tags = append(e.Meta.Tags[:i], e.Meta.Tags[i+1:]...)
			return
		}
	}
}

// HasTag reports whether the envelope carries a tag.
func (e *Envelope) HasTag(tag string) bool {
	for _, t := range e.Meta.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MarshalJSON implements json.Marshaler. The encoding round-trips
// losslessly: timestamps as RFC 3339, durations as nanoseconds.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type alias Envelope
	return json.Marshal((*alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler and re-validates the decoded
// envelope against its category spec.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type alias Envelope
	if err := json.Unmarshal(data, (*alias)(e)); err != nil {
		return err
	}
	return e.validate()
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s(%s)", e.Type, e.ID)
}
