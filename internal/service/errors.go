package service

import (
	"context"
	"errors"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/provider"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/repository"
)

var (
	ErrInsufficientTickets = errors.New("insufficient tickets")
	ErrAtCapacity          = errors.New("model at capacity")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidLimit        = errors.New("max_concurrent must be between 1 and 999")
	ErrInvalidInput        = errors.New("invalid input")
	ErrLimitBusy           = errors.New("model has active generations")
	ErrBookkeeping         = errors.New("bookkeeping invariant violation")
)

// ProviderError is how an upstream generation failure is carried until it
// becomes the failed item's error message.
type ProviderError struct {
	Message string
	Err     error
}

func (e *ProviderError) Error() string { return "upstream provider error: " + e.Message }
func (e *ProviderError) Unwrap() error  { return e.Err }

// NewProviderError classifies an error returned by a provider call.
func NewProviderError(err error) *ProviderError {
	var pe *provider.Error
	switch {
	case errors.As(err, &pe):
		return &ProviderError{Message: pe.Message, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &ProviderError{Message: "generation timed out", Err: err}
	default:
		return &ProviderError{Message: err.Error(), Err: err}
	}
}

// translate maps repository sentinels onto the service taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrInsufficientBalance):
		return ErrInsufficientTickets
	case errors.Is(err, repository.ErrAtCapacity):
		return ErrAtCapacity
	case errors.Is(err, repository.ErrStatusConflict):
		return ErrInvalidTransition
	case errors.Is(err, repository.ErrConflict):
		return ErrLimitBusy
	case errors.Is(err, repository.ErrInvalidAmount):
		return ErrInvalidInput
	}
	return err
}
