package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/repository"
)

// Priority bounds accepted at submit time.
const (
	MinPriority = -100
	MaxPriority = 100
)

// SubmitRequest is one generation request from an authenticated user.
type SubmitRequest struct {
	UserID     uint64
	ModelID    string
	ModelType  model.ModelType
	Priority   int
	Parameters json.RawMessage
}

// SubmitResult tells the caller where its request landed.
type SubmitResult struct {
	QueueID              uint64       `json:"queue_id"`
	Status               model.Status `json:"status"`
	Position             int          `json:"position,omitempty"`
	EstimatedWaitSeconds int          `json:"estimated_wait_seconds,omitempty"`
	TicketCost           int          `json:"ticket_cost"`
}

// Submit prices the request, reserves its tickets and either takes a
// concurrency slot (the item starts processing and is handed to the
// executor) or queues it behind the model's other work. The reservation,
// the slot and the insert commit together or not at all.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	spec, ok := LookupModel(req.ModelID)
	if !ok {
		return SubmitResult{}, fmt.Errorf("%w: model %q", ErrNotFound, req.ModelID)
	}
	if req.ModelType != "" && req.ModelType != spec.Type {
		return SubmitResult{}, fmt.Errorf("%w: %s is a %s model", ErrInvalidInput, spec.ID, spec.Type)
	}
	if req.Priority < MinPriority || req.Priority > MaxPriority {
		return SubmitResult{}, fmt.Errorf("%w: priority must be between %d and %d", ErrInvalidInput, MinPriority, MaxPriority)
	}
	params, err := ParseParameters(req.Parameters)
	if err != nil {
		return SubmitResult{}, err
	}
	cost, err := spec.Price(params)
	if err != nil {
		return SubmitResult{}, err
	}

	it := &model.QueueItem{
		UserID:     req.UserID,
		ModelID:    spec.ID,
		ModelType:  spec.Type,
		Priority:   req.Priority,
		TicketCost: cost,
		Parameters: req.Parameters,
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.tickets.Reserve(ctx, req.UserID, cost); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrInsufficientTickets
			}
			return translate(err)
		}

		now := s.now()
		it.QueuedAt = now
		switch err := s.limits.TryAcquire(ctx, spec.ID, spec.Type, spec.DefaultMax); {
		case err == nil:
			it.Status = model.StatusProcessing
			it.StartedAt = &now
		case errors.Is(err, repository.ErrAtCapacity):
			it.Status = model.StatusQueued
			// Stored as a hint; reads recompute it.
			hint, err := s.queue.Position(ctx, it)
			if err != nil {
				return err
			}
			it.QueuePosition = hint
		default:
			return err
		}

		if err := s.queue.Insert(ctx, it); err != nil {
			return err
		}
		if it.Status == model.StatusQueued {
			pos, err := s.queue.Position(ctx, it)
			if err != nil {
				return err
			}
			it.QueuePosition = pos
		}
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}

	s.logger.Info("generation admitted",
		slog.Uint64("queue_id", it.ID),
		slog.Uint64("user_id", it.UserID),
		slog.String("model_id", it.ModelID),
		slog.String("status", string(it.Status)),
		slog.Int("ticket_cost", cost),
	)
	if it.Status == model.StatusProcessing && s.executor != nil {
		s.executor.Execute(*it)
	}

	res := SubmitResult{QueueID: it.ID, Status: it.Status, TicketCost: cost}
	if it.Status == model.StatusQueued {
		res.Position = it.QueuePosition
		res.EstimatedWaitSeconds = it.QueuePosition * s.averageJobSeconds
	}
	return res, nil
}
