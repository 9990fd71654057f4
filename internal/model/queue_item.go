package model

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a generation request.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// queued -> processing -> {completed, failed}; queued|processing -> cancelled.
// failed|cancelled -> queued is the explicit retry edge.
var validTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusProcessing: true,
		StatusCancelled:  true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusQueued: true,
	},
	StatusCancelled: {
		StatusQueued: true,
	},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no lifecycle transition may leave s, other than
// an explicit retry.
func (s Status) IsTerminal() bool { return terminalStatuses[s] }

// HoldsTickets reports whether an item in status s still has its ticket cost
// reserved on the owner's account.
func (s Status) HoldsTickets() bool { return s == StatusQueued || s == StatusProcessing }

// HoldsSlot reports whether an item in status s occupies a concurrency slot.
func (s Status) HoldsSlot() bool { return s == StatusProcessing }

// CanTransition reports whether from -> to is an edge of the queue state machine.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// ParseStatus converts a query-string value into a Status.
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	return st, st.Valid()
}

// QueueItem represents one generation request in the queue_items table.
//
// Fields:
//  ID            – auto-increment primary key; also the insertion order.
//  UserID        – owner of the request and of the ticket account charged.
//  ModelID       – model identifier, the key of the concurrency limit.
//  ModelType     – image or video.
//  Status        – lifecycle state.
//  Priority      – higher values are served first.
//  QueuePosition – position stored at insert time; readers recompute it.
//  TicketCost    – tickets reserved for the request.
//  Parameters    – opaque request payload forwarded to the provider.
//  ResultURL     – output location on success.
//  ResultImageID – provider's asset id on success.
//  ErrorMessage  – failure reason.
//  QueuedAt      – when the item (re-)entered the queue.
//  StartedAt     – set when the item enters processing.
//  CompletedAt   – set when the item reaches a terminal state.
type QueueItem struct {
	ID            uint64          `json:"id"`
	UserID        uint64          `json:"user_id"`
	ModelID       string          `json:"model_id"`
	ModelType     ModelType       `json:"model_type"`
	Status        Status          `json:"status"`
	Priority      int             `json:"priority"`
	QueuePosition int             `json:"queue_position"`
	TicketCost    int             `json:"ticket_cost"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	ResultURL     *string         `json:"result_url,omitempty"`
	ResultImageID *string         `json:"result_image_id,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	QueuedAt      time.Time       `json:"queued_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Transition describes a conditional status change and the columns it sets.
// Nil pointers leave the column untouched. ClearOutcome resets started_at,
// completed_at, result and error columns before the other fields apply.
type Transition struct {
	To            Status
	QueuedAt      *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	ResultURL     *string
	ResultImageID *string
	ErrorMessage  *string
	ClearOutcome  bool

	// StartedBefore, when set, additionally requires started_at < *StartedBefore.
	StartedBefore *time.Time
}

// QueueFilter narrows a queue listing. Zero values mean "any".
type QueueFilter struct {
	Status  Status
	ModelID string
	UserID  uint64
	Limit   int
}
