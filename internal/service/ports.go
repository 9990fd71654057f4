package service

import (
	"context"
	"time"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/queue"
)

// Ledger is the ticket account store. Implemented by repository.TicketRepo
// and memory.Tickets.
type Ledger interface {
	Open(ctx context.Context, userID uint64) error
	Get(ctx context.Context, userID uint64) (model.TicketAccount, error)
	Reserve(ctx context.Context, userID uint64, amount int) error
	Commit(ctx context.Context, userID uint64, amount int) (clamped bool, err error)
	Release(ctx context.Context, userID uint64, amount int) (clamped bool, err error)
	Grant(ctx context.Context, userID uint64, amount int) error
}

// Limiter is the per-model concurrency budget store.
type Limiter interface {
	TryAcquire(ctx context.Context, modelID string, modelType model.ModelType, defaultMax int) error
	Release(ctx context.Context, modelID string) (clamped bool, err error)
	Get(ctx context.Context, modelID string) (model.ConcurrencyLimit, error)
	List(ctx context.Context) ([]model.ConcurrencyLimit, error)
	Upsert(ctx context.Context, l model.ConcurrencyLimit) error
	EnsureDefaults(ctx context.Context, defaults []model.ConcurrencyLimit) error
	Delete(ctx context.Context, modelID string) error
}

// QueueStore persists generation jobs.
type QueueStore interface {
	Insert(ctx context.Context, it *model.QueueItem) error
	Get(ctx context.Context, id uint64) (*model.QueueItem, error)
	List(ctx context.Context, f model.QueueFilter) ([]model.QueueItem, error)
	Transition(ctx context.Context, id uint64, from model.Status, t model.Transition) error
	Position(ctx context.Context, it *model.QueueItem) (int, error)
	NextQueued(ctx context.Context, modelID string) (*model.QueueItem, error)
	QueuedModels(ctx context.Context) ([]string, error)
	ListStale(ctx context.Context, before time.Time) ([]model.QueueItem, error)
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

// TxRunner runs fn atomically; stores called with the inner context take
// part in the transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier is told when a model may have capacity for queued work.
type Notifier interface {
	Notify(ctx context.Context, modelID string)
}

// EventPublisher ships lifecycle events to the message broker.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.GenerationEvent) error
}

// Executor runs the provider call for items that entered processing.
type Executor interface {
	Execute(it model.QueueItem)
	Abort(id uint64)
}
