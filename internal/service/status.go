package service

import (
	"context"
	"time"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
)

// StatusReport is the client-visible view of a queue item. Position and
// EstimatedWaitSeconds are only set while the item is queued.
type StatusReport struct {
	ID                   uint64          `json:"id"`
	UserID               uint64          `json:"user_id"`
	Status               model.Status    `json:"status"`
	ModelID              string          `json:"model_id"`
	ModelType            model.ModelType `json:"model_type"`
	Priority             int             `json:"priority"`
	TicketCost           int             `json:"ticket_cost"`
	Position             int             `json:"position,omitempty"`
	EstimatedWaitSeconds int             `json:"estimated_wait_seconds,omitempty"`
	ResultURL            *string         `json:"result_url,omitempty"`
	ResultImageID        *string         `json:"result_image_id,omitempty"`
	ErrorMessage         *string         `json:"error_message,omitempty"`
	QueuedAt             time.Time       `json:"queued_at"`
	StartedAt            *time.Time      `json:"started_at,omitempty"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
}

// GetStatus reports on one item with its live queue position. Users can
// only see their own items.
func (s *Service) GetStatus(ctx context.Context, id uint64, actor Actor) (StatusReport, error) {
	it, err := s.queue.Get(ctx, id)
	if err != nil {
		return StatusReport{}, translate(err)
	}
	if !actor.owns(it) {
		return StatusReport{}, ErrForbidden
	}
	return s.report(ctx, it)
}

// ListQueue lists items in serving order. A non-admin actor only ever sees
// their own items whatever the filter says.
func (s *Service) ListQueue(ctx context.Context, f model.QueueFilter, actor Actor) ([]StatusReport, error) {
	if !actor.Admin {
		f.UserID = actor.UserID
	}
	items, err := s.queue.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]StatusReport, 0, len(items))
	for i := range items {
		r, err := s.report(ctx, &items[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ItemStatus converts an item returned by a lifecycle operation.
func (s *Service) ItemStatus(it *model.QueueItem) StatusReport {
	r := StatusReport{
		ID:            it.ID,
		UserID:        it.UserID,
		Status:        it.Status,
		ModelID:       it.ModelID,
		ModelType:     it.ModelType,
		Priority:      it.Priority,
		TicketCost:    it.TicketCost,
		ResultURL:     it.ResultURL,
		ResultImageID: it.ResultImageID,
		ErrorMessage:  it.ErrorMessage,
		QueuedAt:      it.QueuedAt,
		StartedAt:     it.StartedAt,
		CompletedAt:   it.CompletedAt,
	}
	if it.Status == model.StatusQueued && it.QueuePosition > 0 {
		r.Position = it.QueuePosition
		r.EstimatedWaitSeconds = it.QueuePosition * s.averageJobSeconds
	}
	return r
}

func (s *Service) report(ctx context.Context, it *model.QueueItem) (StatusReport, error) {
	pos, err := s.queue.Position(ctx, it)
	if err != nil {
		return StatusReport{}, err
	}
	it.QueuePosition = pos
	return s.ItemStatus(it), nil
}
