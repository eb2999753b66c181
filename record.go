package queuehub

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a persisted message.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetry      Status = "retry"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRetry}

// ParseStatus reports whether s names a known status.
func ParseStatus(s string) (Status, bool) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further automatic transition is expected.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next follows the lifecycle:
// pending → processing → {completed | failed} → retry → processing ...
// failed → processing covers broker-driven redelivery, pending/retry → failed
// covers a rejected (re)publish.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return next == StatusRetry || next == StatusProcessing
	case StatusRetry:
		return next == StatusProcessing || next == StatusFailed
	default:
		return false
	}
}

// Record is the persisted system-of-record row for a message.
// It outlives provider-side state and is only removed by an explicit delete or purge.
type Record struct {
	ID           string          `json:"id"`
	QueueName    string          `json:"queue_name"`
	MessageType  string          `json:"message_type"`
	Payload      json.RawMessage `json:"payload"`
	Status       Status          `json:"status"`
	Priority     Priority        `json:"priority"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	ProcessedAt  *time.Time      `json:"processed_at"`
	ScheduledAt  *time.Time      `json:"scheduled_at"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// IsRetryable reports whether the retry budget still allows another attempt.
func (r *Record) IsRetryable() bool {
	return r.RetryCount < r.MaxRetries
}

// IncrementRetry consumes one retry and moves the record to StatusRetry.
func (r *Record) IncrementRetry() {
	r.RetryCount++
	r.Status = StatusRetry
}

// MarkProcessing moves the record to StatusProcessing
func (r *Record) MarkProcessing() {
	r.Status = StatusProcessing
}

// MarkCompleted moves the record to StatusCompleted and clears the last error
func (r *Record) MarkCompleted(now time.Time) {
	r.Status = StatusCompleted
	r.ErrorMessage = ""
	r.ProcessedAt = &now
}

// MarkFailed moves the record to StatusFailed with reason
func (r *Record) MarkFailed(reason string, now time.Time) {
	r.Status = StatusFailed
	r.ErrorMessage = reason
	r.ProcessedAt = &now
}

// Message rebuilds the provider envelope for a republish.
func (r *Record) Message() *Message {
	return &Message{
		ID:          r.ID,
		Queue:       r.QueueName,
		Type:        r.MessageType,
		Payload:     r.Payload,
		Priority:    r.Priority,
		ScheduledAt: r.ScheduledAt,
		Metadata:    r.Metadata,
		RetryCount:  r.RetryCount,
		MaxRetries:  r.MaxRetries,
		Timestamp:   time.Now(),
	}
}

func (r *Record) clone() *Record {
	c := *r
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// StatusCounts is the per-status breakdown of persisted records for one queue.
type StatusCounts struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Retry      int64 `json:"retry"`
	Total      int64 `json:"total"`
}

func (c *StatusCounts) add(s Status, n int64) {
	switch s {
	case StatusPending:
		c.Pending += n
	case StatusProcessing:
		c.Processing += n
	case StatusCompleted:
		c.Completed += n
	case StatusFailed:
		c.Failed += n
	case StatusRetry:
		c.Retry += n
	}
	c.Total += n
}

// QueueSummary pairs a queue name with its persisted status counts.
type QueueSummary struct {
	QueueName string       `json:"queueName"`
	Stats     StatusCounts `json:"stats"`
}

// QueueStats is the best-effort per-queue view reported by providers and the service.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}
