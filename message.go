package queuehub

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority is the ordinal scheduling level of a message.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ParsePriority maps a caller-supplied string onto a Priority.
// Unknown and empty values fall back to PriorityNormal.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityUrgent:
		return PriorityUrgent
	case PriorityHigh:
		return PriorityHigh
	case PriorityLow:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Score returns the sort score used by score-ordered backends.
// Lower scores are served first.
func (p Priority) Score() float64 {
	switch p {
	case PriorityUrgent:
		return 1
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 4
	default:
		return 3
	}
}

// rank is the ordinal rank carried to the native broker: urgent=1 ... low=7.
func (p Priority) rank() uint8 {
	switch p {
	case PriorityUrgent:
		return 1
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 7
	default:
		return 5
	}
}

// brokerPriority converts the rank into an AMQP priority, where higher values
// are delivered first.
func (p Priority) brokerPriority() uint8 {
	return 10 - p.rank()
}

// Message is the provider-side envelope delivered to handlers.
type Message struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queueName"`
	Type        string          `json:"messageType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    Priority        `json:"priority,omitempty"`
	ScheduledAt *time.Time      `json:"scheduledAt,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	Timestamp   time.Time       `json:"timestamp"`
	Error       string          `json:"error,omitempty"`
}

// NewMessage creates a message with a fresh ID for the given queue.
func NewMessage(queue, messageType string, payload json.RawMessage) *Message {
	return &Message{
		ID:         uuid.New().String(),
		Queue:      queue,
		Type:       messageType,
		Payload:    payload,
		Priority:   PriorityNormal,
		MaxRetries: DefaultMaxRetries,
		Timestamp:  time.Now(),
	}
}

// Unmarshal decodes the message payload into v
func (m *Message) Unmarshal(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// String returns a short representation of the message
func (m *Message) String() string {
	return fmt.Sprintf("Message{ID: %s, Queue: %s, Type: %s, RetryCount: %d}", m.ID, m.Queue, m.Type, m.RetryCount)
}

// applyOptions copies publish options onto the envelope.
func (m *Message) applyOptions(opts PublishOptions) {
	if opts.Priority != "" {
		m.Priority = ParsePriority(string(opts.Priority))
	}
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
	if opts.RetryCount > 0 {
		m.RetryCount = opts.RetryCount
	}
	if opts.MaxRetries > 0 {
		m.MaxRetries = opts.MaxRetries
	}
	if m.MaxRetries <= 0 {
		m.MaxRetries = DefaultMaxRetries
	}
	if len(opts.Metadata) > 0 {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any, len(opts.Metadata))
		}
		for k, v := range opts.Metadata {
			m.Metadata[k] = v
		}
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
}

// marshalPayload turns an arbitrary caller value into a raw JSON payload.
func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidArgument)
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidArgument)
		}
		return json.RawMessage(p), nil
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to serialize payload: %w", ErrInvalidArgument, err)
		}
		return data, nil
	}
}
