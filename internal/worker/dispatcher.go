// Package worker runs admitted generations against the provider and keeps
// the queue moving: a poller starts queued items whenever their model has
// capacity and a reaper fails items the provider never finished.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/provider"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/service"
)

const (
	settleTimeout = 10 * time.Second
	// maxStartsPerModel bounds one pass so a model with a huge limit cannot
	// starve the others.
	maxStartsPerModel = 64
	jobBuffer         = 256
)

// Lifecycle is the part of service.Service the dispatcher drives.
type Lifecycle interface {
	QueuedModels(ctx context.Context) ([]string, error)
	StartNext(ctx context.Context, modelID string) (*model.QueueItem, error)
	Complete(ctx context.Context, id uint64, resultURL, resultImageID string) error
	Fail(ctx context.Context, id uint64, message string) error
	ReapStale(ctx context.Context) (int, error)
}

// Dispatcher implements service.Executor. Several dispatchers, in one or
// many processes, may share a database: the conditional queued->processing
// update decides which of them starts an item.
type Dispatcher struct {
	svc    Lifecycle
	client provider.Client
	logger *slog.Logger

	concurrency  int
	pollInterval time.Duration
	reapInterval time.Duration
	timeout      time.Duration

	jobs chan model.QueueItem
	wake chan struct{}
	done chan struct{}

	activeMu sync.Mutex
	active   map[uint64]context.CancelFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConcurrency sets how many provider calls may run at once.
func WithConcurrency(n int) Option { return func(d *Dispatcher) { d.concurrency = n } }

// WithPollInterval sets how often queued work is rescanned without a wake-up.
func WithPollInterval(dur time.Duration) Option { return func(d *Dispatcher) { d.pollInterval = dur } }

// WithReapInterval sets how often stale items are reaped. Zero disables
// the reaper.
func WithReapInterval(dur time.Duration) Option { return func(d *Dispatcher) { d.reapInterval = dur } }

// WithTimeout bounds every provider call.
func WithTimeout(dur time.Duration) Option { return func(d *Dispatcher) { d.timeout = dur } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// New returns a Dispatcher. Call Run to start it.
func New(svc Lifecycle, client provider.Client, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		svc:          svc,
		client:       client,
		logger:       slog.Default(),
		concurrency:  8,
		pollInterval: 5 * time.Second,
		reapInterval: time.Minute,
		timeout:      10 * time.Minute,
		jobs:         make(chan model.QueueItem, jobBuffer),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		active:       make(map[uint64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.concurrency <= 0 {
		d.concurrency = 1
	}
	return d
}

var _ service.Executor = (*Dispatcher)(nil)

// Run executes admitted items, polls for queued ones and reaps stale ones
// until ctx is cancelled. In-flight provider calls are cancelled on return;
// their items stay processing until reaped.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher starting",
		slog.Int("concurrency", d.concurrency),
		slog.Duration("poll_interval", d.pollInterval),
		slog.Duration("reap_interval", d.reapInterval),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		close(d.done)
		return nil
	})
	g.Go(func() error { d.executeLoop(ctx); return nil })
	g.Go(func() error { d.pollLoop(ctx); return nil })
	if d.reapInterval > 0 {
		g.Go(func() error { d.reapLoop(ctx); return nil })
	}
	err := g.Wait()
	d.logger.Info("dispatcher stopped")
	return err
}

// Execute queues an item that entered processing for a provider call.
func (d *Dispatcher) Execute(it model.QueueItem) {
	select {
	case d.jobs <- it:
	case <-d.done:
		d.logger.Warn("dispatcher stopped; generation left processing", slog.Uint64("queue_id", it.ID))
	}
}

// Abort cancels the provider call of an item, if this dispatcher runs it.
func (d *Dispatcher) Abort(id uint64) {
	d.activeMu.Lock()
	cancel, ok := d.active[id]
	d.activeMu.Unlock()
	if ok {
		d.logger.Info("aborting generation", slog.Uint64("queue_id", id))
		cancel()
	}
}

// Wake triggers a dispatch pass without waiting for the poll interval.
func (d *Dispatcher) Wake(string) {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) executeLoop(ctx context.Context) {
	var exec errgroup.Group
	exec.SetLimit(d.concurrency)
	defer func() { _ = exec.Wait() }()
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-d.jobs:
			exec.Go(func() error {
				d.execute(ctx, it)
				return nil
			})
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, it model.QueueItem) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	d.track(it.ID, cancel)
	defer func() {
		d.untrack(it.ID)
		cancel()
	}()

	res, genErr := d.client.Generate(callCtx, provider.Request{
		QueueID:    it.ID,
		ModelID:    it.ModelID,
		ModelType:  it.ModelType,
		Parameters: it.Parameters,
	})
	if ctx.Err() != nil {
		d.logger.Warn("dispatcher stopping; generation left processing", slog.Uint64("queue_id", it.ID))
		return
	}
	if errors.Is(callCtx.Err(), context.Canceled) {
		// Aborted by Cancel; the item is already cancelled.
		return
	}

	settleCtx, done := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer done()
	var err error
	if genErr != nil {
		pe := service.NewProviderError(genErr)
		d.logger.Warn("provider call failed", slog.Uint64("queue_id", it.ID), slog.Any("error", pe))
		err = d.svc.Fail(settleCtx, it.ID, pe.Message)
	} else {
		err = d.svc.Complete(settleCtx, it.ID, res.URL, res.ImageID)
	}
	switch {
	case errors.Is(err, service.ErrInvalidTransition):
		d.logger.Debug("generation changed state during provider call", slog.Uint64("queue_id", it.ID))
	case err != nil:
		d.logger.Error("settle generation failed", slog.Uint64("queue_id", it.ID), slog.Any("error", err))
	}
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	d.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
		d.dispatch(ctx)
	}
}

// dispatch starts queued items until each model is out of capacity or of
// queued work, and returns how many it started.
func (d *Dispatcher) dispatch(ctx context.Context) int {
	models, err := d.svc.QueuedModels(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("list queued models failed", slog.Any("error", err))
		}
		return 0
	}
	started := 0
	for _, m := range models {
		started += d.dispatchModel(ctx, m)
	}
	return started
}

func (d *Dispatcher) dispatchModel(ctx context.Context, modelID string) int {
	started := 0
	for i := 0; i < maxStartsPerModel && ctx.Err() == nil; i++ {
		it, err := d.svc.StartNext(ctx, modelID)
		if errors.Is(err, service.ErrInvalidTransition) {
			// Another dispatcher or a cancel got there first.
			continue
		}
		if errors.Is(err, service.ErrAtCapacity) || errors.Is(err, service.ErrNotFound) {
			break
		}
		if err != nil {
			d.logger.Error("start queued generation failed", slog.String("model_id", modelID), slog.Any("error", err))
			break
		}
		started++
		d.Execute(*it)
	}
	return started
}

func (d *Dispatcher) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(d.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.svc.ReapStale(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("reap stale generations failed", slog.Any("error", err))
			}
		}
	}
}

func (d *Dispatcher) track(id uint64, cancel context.CancelFunc) {
	d.activeMu.Lock()
	d.active[id] = cancel
	d.activeMu.Unlock()
}

func (d *Dispatcher) untrack(id uint64) {
	d.activeMu.Lock()
	delete(d.active, id)
	d.activeMu.Unlock()
}
