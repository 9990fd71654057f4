package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/queue"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/repository"
)

// Start moves a queued item to processing if its model has a free slot.
// ErrAtCapacity leaves the item queued. A concurrent Start or Cancel of the
// same item yields ErrInvalidTransition and the slot is not kept.
func (s *Service) Start(ctx context.Context, id uint64) (*model.QueueItem, error) {
	var it *model.QueueItem
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if it, err = s.queue.Get(ctx, id); err != nil {
			return translate(err)
		}
		if it.Status != model.StatusQueued {
			return ErrInvalidTransition
		}
		if err := s.limits.TryAcquire(ctx, it.ModelID, it.ModelType, DefaultMax(it.ModelID)); err != nil {
			return translate(err)
		}
		now := s.now()
		if err := s.queue.Transition(ctx, id, model.StatusQueued, model.Transition{
			To:        model.StatusProcessing,
			StartedAt: &now,
		}); err != nil {
			return translate(err)
		}
		it.Status = model.StatusProcessing
		it.StartedAt = &now
		it.QueuePosition = 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("generation started", slog.Uint64("queue_id", it.ID), slog.String("model_id", it.ModelID))
	return it, nil
}

// StartNext starts the queued item of modelID that is served first.
// ErrNotFound means nothing is queued for the model.
func (s *Service) StartNext(ctx context.Context, modelID string) (*model.QueueItem, error) {
	next, err := s.queue.NextQueued(ctx, modelID)
	if err != nil {
		return nil, translate(err)
	}
	return s.Start(ctx, next.ID)
}

// QueuedModels lists the models that have queued work.
func (s *Service) QueuedModels(ctx context.Context) ([]string, error) {
	return s.queue.QueuedModels(ctx)
}

// Complete records a successful generation: the reservation is consumed
// and the slot released.
func (s *Service) Complete(ctx context.Context, id uint64, resultURL, resultImageID string) error {
	var it *model.QueueItem
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if it, err = s.queue.Get(ctx, id); err != nil {
			return translate(err)
		}
		now := s.now()
		t := model.Transition{To: model.StatusCompleted, CompletedAt: &now, ResultURL: &resultURL}
		if resultImageID != "" {
			t.ResultImageID = &resultImageID
		}
		if err := s.queue.Transition(ctx, id, model.StatusProcessing, t); err != nil {
			return translate(err)
		}
		it.Status, it.CompletedAt, it.ResultURL, it.ResultImageID = t.To, &now, t.ResultURL, t.ResultImageID

		clamped, err := s.tickets.Commit(ctx, it.UserID, it.TicketCost)
		if err := s.settled(it, "commit", clamped, err); err != nil {
			return err
		}
		return s.releaseSlot(ctx, it)
	})
	if err != nil {
		return err
	}
	s.logger.Info("generation completed", slog.Uint64("queue_id", id), slog.String("model_id", it.ModelID))
	s.notify(ctx, it.ModelID)
	s.publish(ctx, queue.EventCompleted, it)
	return nil
}

// Fail records a failed generation: the reservation is refunded and the
// slot released.
func (s *Service) Fail(ctx context.Context, id uint64, message string) error {
	_, err := s.fail(ctx, id, message, nil)
	return err
}

// fail moves a processing item to failed. With startedBefore set the move
// only happens if the item has been processing since before that instant.
func (s *Service) fail(ctx context.Context, id uint64, message string, startedBefore *time.Time) (*model.QueueItem, error) {
	var it *model.QueueItem
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if it, err = s.queue.Get(ctx, id); err != nil {
			return translate(err)
		}
		now := s.now()
		if err := s.queue.Transition(ctx, id, model.StatusProcessing, model.Transition{
			To:            model.StatusFailed,
			CompletedAt:   &now,
			ErrorMessage:  &message,
			StartedBefore: startedBefore,
		}); err != nil {
			return translate(err)
		}
		it.Status, it.CompletedAt, it.ErrorMessage = model.StatusFailed, &now, &message

		clamped, err := s.tickets.Release(ctx, it.UserID, it.TicketCost)
		if err := s.settled(it, "refund", clamped, err); err != nil {
			return err
		}
		return s.releaseSlot(ctx, it)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("generation failed",
		slog.Uint64("queue_id", id), slog.String("model_id", it.ModelID), slog.String("reason", message))
	s.notify(ctx, it.ModelID)
	s.publish(ctx, queue.EventFailed, it)
	return it, nil
}

// Cancel stops a queued or processing item and refunds its reservation.
// A processing item also gives its slot back and its provider call is
// aborted. Cancelling a terminal item is ErrInvalidTransition.
func (s *Service) Cancel(ctx context.Context, id uint64, actor Actor) (*model.QueueItem, error) {
	var (
		it       *model.QueueItem
		heldSlot bool
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if it, err = s.queue.Get(ctx, id); err != nil {
			return translate(err)
		}
		if !actor.owns(it) {
			return ErrForbidden
		}
		now := s.now()
		t := model.Transition{To: model.StatusCancelled, CompletedAt: &now}
		// The stored status may be stale by now; let the conditional update
		// decide which edge was taken.
		from := model.StatusQueued
		err = s.queue.Transition(ctx, id, from, t)
		if errors.Is(err, repository.ErrStatusConflict) {
			from = model.StatusProcessing
			err = s.queue.Transition(ctx, id, from, t)
		}
		if err != nil {
			return translate(err)
		}
		heldSlot = from == model.StatusProcessing
		it.Status, it.CompletedAt, it.QueuePosition = model.StatusCancelled, &now, 0

		clamped, err := s.tickets.Release(ctx, it.UserID, it.TicketCost)
		if err := s.settled(it, "refund", clamped, err); err != nil {
			return err
		}
		if heldSlot {
			return s.releaseSlot(ctx, it)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("generation cancelled",
		slog.Uint64("queue_id", id), slog.Uint64("actor_id", actor.UserID), slog.Bool("was_processing", heldSlot))
	if heldSlot {
		if s.executor != nil {
			s.executor.Abort(id)
		}
		s.notify(ctx, it.ModelID)
	}
	s.publish(ctx, queue.EventCancelled, it)
	return it, nil
}

// Retry puts a failed or cancelled item back at the end of its model's
// queue. Its tickets were refunded when it ended, so they are reserved
// again; ErrInsufficientTickets leaves the item untouched.
func (s *Service) Retry(ctx context.Context, id uint64, actor Actor) (*model.QueueItem, error) {
	var it *model.QueueItem
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if it, err = s.queue.Get(ctx, id); err != nil {
			return translate(err)
		}
		if !actor.owns(it) {
			return ErrForbidden
		}
		if !model.CanTransition(it.Status, model.StatusQueued) {
			return ErrInvalidTransition
		}
		if err := s.tickets.Reserve(ctx, it.UserID, it.TicketCost); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrInsufficientTickets
			}
			return translate(err)
		}

		now := s.now()
		t := model.Transition{To: model.StatusQueued, QueuedAt: &now, ClearOutcome: true}
		err = s.queue.Transition(ctx, id, model.StatusFailed, t)
		if errors.Is(err, repository.ErrStatusConflict) {
			err = s.queue.Transition(ctx, id, model.StatusCancelled, t)
		}
		if err != nil {
			return translate(err)
		}
		it.Status, it.QueuedAt = model.StatusQueued, now
		it.StartedAt, it.CompletedAt, it.ResultURL, it.ResultImageID, it.ErrorMessage = nil, nil, nil, nil, nil

		pos, err := s.queue.Position(ctx, it)
		if err != nil {
			return err
		}
		it.QueuePosition = pos
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("generation requeued", slog.Uint64("queue_id", id), slog.Int("position", it.QueuePosition))
	s.notify(ctx, it.ModelID)
	return it, nil
}

// ReapStale fails every item that has been processing for longer than the
// stale threshold and returns how many this call reaped. Items reaped by a
// concurrent caller are skipped, so each slot is released exactly once.
func (s *Service) ReapStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleThreshold)
	stale, err := s.queue.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	msg := fmt.Sprintf("generation timed out: no result within %s", s.staleThreshold)
	reaped := 0
	for _, it := range stale {
		_, err := s.fail(ctx, it.ID, msg, &cutoff)
		switch {
		case err == nil:
			reaped++
			if s.executor != nil {
				s.executor.Abort(it.ID)
			}
		case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotFound):
		default:
			return reaped, err
		}
	}
	if reaped > 0 {
		s.logger.Warn("reaped stale generations", slog.Int("count", reaped))
	}
	return reaped, nil
}

// Purge deletes terminal items that ended more than olderThan ago.
func (s *Service) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: older_than must be positive", ErrInvalidInput)
	}
	n, err := s.queue.PurgeTerminal(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	s.logger.Info("purged terminal generations", slog.Int64("count", n), slog.Duration("older_than", olderThan))
	return n, nil
}

// settled checks the outcome of committing or refunding a reservation.
func (s *Service) settled(it *model.QueueItem, op string, clamped bool, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.bookkeeping("ticket "+op+" on missing account",
			slog.Uint64("queue_id", it.ID), slog.Uint64("user_id", it.UserID))
		return nil
	case err != nil:
		return err
	case clamped:
		s.bookkeeping("ticket "+op+" exceeded reservation",
			slog.Uint64("queue_id", it.ID), slog.Uint64("user_id", it.UserID), slog.Int("amount", it.TicketCost))
	}
	return nil
}

func (s *Service) releaseSlot(ctx context.Context, it *model.QueueItem) error {
	clamped, err := s.limits.Release(ctx, it.ModelID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.bookkeeping("slot release on missing limit", slog.Uint64("queue_id", it.ID), slog.String("model_id", it.ModelID))
		return nil
	case err != nil:
		return err
	case clamped:
		s.bookkeeping("slot release on idle model", slog.Uint64("queue_id", it.ID), slog.String("model_id", it.ModelID))
	}
	return nil
}
