// Package service implements generation admission, the job lifecycle and
// status reporting on top of the ticket, limit and queue stores. All
// coordination happens through the stores' conditional updates, so any
// number of processes may run a Service against the same database.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/queue"
)

const (
	defaultStaleThreshold    = 15 * time.Minute
	defaultAverageJobSeconds = 30
	publishTimeout           = 5 * time.Second
)

// Service is the entry point used by handlers and the dispatcher.
type Service struct {
	tx      TxRunner
	tickets Ledger
	limits  Limiter
	queue   QueueStore

	notifier Notifier
	events   EventPublisher
	executor Executor
	logger   *slog.Logger
	now      func() time.Time

	staleThreshold    time.Duration
	averageJobSeconds int
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets who is told when a model may have free capacity.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p EventPublisher) Option { return func(s *Service) { s.events = p } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithStaleThreshold sets how long an item may stay processing before
// ReapStale fails it.
func WithStaleThreshold(d time.Duration) Option { return func(s *Service) { s.staleThreshold = d } }

// WithAverageJobSeconds sets the per-position wait estimate.
func WithAverageJobSeconds(n int) Option { return func(s *Service) { s.averageJobSeconds = n } }

// New returns a Service over the given stores.
func New(tx TxRunner, tickets Ledger, limits Limiter, q QueueStore, opts ...Option) *Service {
	s := &Service{
		tx:                tx,
		tickets:           tickets,
		limits:            limits,
		queue:             q,
		logger:            slog.Default(),
		now:               func() time.Time { return time.Now().UTC() },
		staleThreshold:    defaultStaleThreshold,
		averageJobSeconds: defaultAverageJobSeconds,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetExecutor attaches the executor that runs admitted items. It must be
// called before the service handles requests.
func (s *Service) SetExecutor(e Executor) { s.executor = e }

// Actor is the caller of an operation on a queue item.
type Actor struct {
	UserID uint64
	Admin  bool
}

// System is the actor used by the dispatcher and the reaper.
var System = Actor{Admin: true}

func (a Actor) owns(it *model.QueueItem) bool { return a.Admin || it.UserID == a.UserID }

func (s *Service) notify(ctx context.Context, modelID string) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, modelID)
	}
}

func (s *Service) publish(ctx context.Context, typ queue.EventType, it *model.QueueItem) {
	if s.events == nil {
		return
	}
	ev := queue.GenerationEvent{
		Type:       typ,
		QueueID:    it.ID,
		UserID:     it.UserID,
		ModelID:    it.ModelID,
		TicketCost: it.TicketCost,
		OccurredAt: s.now(),
	}
	if it.ResultURL != nil {
		ev.ResultURL = *it.ResultURL
	}
	if it.ResultImageID != nil {
		ev.ResultImageID = *it.ResultImageID
	}
	if it.ErrorMessage != nil {
		ev.ErrorMessage = *it.ErrorMessage
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish generation event failed",
			slog.String("type", string(typ)), slog.Uint64("queue_id", it.ID), slog.Any("error", err))
	}
}

// bookkeeping records a counter that would have gone negative. The stores
// have already clamped it at zero.
func (s *Service) bookkeeping(msg string, attrs ...any) {
	s.logger.Error(msg, append(attrs, slog.Any("error", ErrBookkeeping))...)
}
