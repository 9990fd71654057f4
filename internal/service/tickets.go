package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
)

// Account returns the user's ticket account.
func (s *Service) Account(ctx context.Context, userID uint64) (model.TicketAccount, error) {
	a, err := s.tickets.Get(ctx, userID)
	return a, translate(err)
}

// OpenAccount creates the user's ticket account and credits the signup
// allowance, if any.
func (s *Service) OpenAccount(ctx context.Context, userID uint64, signup int) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.tickets.Open(ctx, userID); err != nil {
			return err
		}
		if signup > 0 {
			return s.tickets.Grant(ctx, userID, signup)
		}
		return nil
	})
}

// Grant credits tickets to a user, creating the account when missing.
func (s *Service) Grant(ctx context.Context, userID uint64, amount int) (model.TicketAccount, error) {
	if amount <= 0 {
		return model.TicketAccount{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if err := s.tickets.Grant(ctx, userID, amount); err != nil {
		return model.TicketAccount{}, translate(err)
	}
	s.logger.Info("tickets granted", slog.Uint64("user_id", userID), slog.Int("amount", amount))
	return s.Account(ctx, userID)
}
