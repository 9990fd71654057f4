// Package queue defines message payloads exchanged over the message broker
// together with the publisher and the consumer of generation events.
package queue

import "time"

// EventQueue is the durable queue that carries generation lifecycle events.
const EventQueue = "generation.events"

// EventType names a lifecycle event.
type EventType string

const (
	EventCompleted EventType = "generation.completed"
	EventFailed    EventType = "generation.failed"
	EventCancelled EventType = "generation.cancelled"
)

// GenerationEvent is published after a generation reaches a terminal state.
// It carries enough to log, notify or bill without querying the database.
type GenerationEvent struct {
	Type          EventType `json:"type"`
	QueueID       uint64    `json:"queue_id"`
	UserID        uint64    `json:"user_id"`
	ModelID       string    `json:"model_id"`
	TicketCost    int       `json:"ticket_cost"`
	ResultURL     string    `json:"result_url,omitempty"`
	ResultImageID string    `json:"result_image_id,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}
