// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers to distinguish
// between different failure scenarios without inspecting driver errors.
// For example, ErrStatusConflict means a conditional status update found
// the row but in a different status than the caller expected, while
// ErrAtCapacity means a model's concurrency counter is already at its
// maximum.
package repository

import "errors"

// ErrNotFound is returned when the addressed row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a delete or update cannot be
// performed because of conflicting state, such as deleting a
// concurrency limit that still has active requests.
var ErrConflict = errors.New("conflict")

// ErrInsufficientBalance is returned by ticket reservations when the
// account balance is lower than the requested amount.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrAtCapacity is returned when a model has no free concurrency slot.
var ErrAtCapacity = errors.New("at capacity")

// ErrStatusConflict is returned by conditional status updates when the
// row is no longer in the expected status.
var ErrStatusConflict = errors.New("status conflict")

// ErrInvalidAmount is returned for non-positive ticket amounts.
var ErrInvalidAmount = errors.New("invalid amount")

// ErrEmailExists is returned when registering an email that is taken.
var ErrEmailExists = errors.New("email already exists")
