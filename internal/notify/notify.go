// Package notify wakes dispatchers when a model may have free capacity.
// Local fans out inside one process; Redis reaches dispatchers in every
// process subscribed to the same channel.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel slot notifications are sent on.
const DefaultChannel = "generation:slots"

// Local calls every subscriber inline. Subscribers must not block.
type Local struct {
	mu   sync.RWMutex
	subs []func(modelID string)
}

func NewLocal() *Local { return &Local{} }

// Subscribe registers fn for every later notification.
func (l *Local) Subscribe(fn func(modelID string)) {
	l.mu.Lock()
	l.subs = append(l.subs, fn)
	l.mu.Unlock()
}

// Notify implements service.Notifier.
func (l *Local) Notify(_ context.Context, modelID string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, fn := range l.subs {
		fn(modelID)
	}
}

// Redis publishes notifications on a Redis channel.
type Redis struct {
	rdb     redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// NewRedis returns a Redis notifier on channel.
func NewRedis(rdb redis.UniversalClient, channel string, logger *slog.Logger) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{rdb: rdb, channel: channel, logger: logger}
}

// Notify implements service.Notifier. A failed publish is only logged: the
// dispatchers' poll interval bounds how long the wake-up is delayed.
func (r *Redis) Notify(ctx context.Context, modelID string) {
	if err := r.rdb.Publish(context.WithoutCancel(ctx), r.channel, modelID).Err(); err != nil {
		r.logger.Warn("slot notification failed", slog.String("model_id", modelID), slog.Any("error", err))
	}
}

// Listen subscribes to the channel and calls fn for each notification until
// ctx is cancelled.
func (r *Redis) Listen(ctx context.Context, fn func(modelID string)) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}
