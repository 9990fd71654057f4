package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/provider"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/queue"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/repository/memory"
)

// testVideo prices one ticket per second so test costs read directly.
const testVideo = "test-video"

func init() {
	register(ModelSpec{ID: testVideo, Name: "Test Video", Type: model.ModelTypeVideo, DefaultMax: 1, BaseCost: 1, Durations: []int{5, 7, 10}})
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu       sync.Mutex
	notified []string
	events   []queue.GenerationEvent
	executed []uint64
	aborted  []uint64
}

func (r *recorder) Notify(_ context.Context, modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, modelID)
}

func (r *recorder) Publish(_ context.Context, ev queue.GenerationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Execute(it model.QueueItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed = append(r.executed, it.ID)
}

func (r *recorder) Abort(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = append(r.aborted, id)
}

func (r *recorder) eventTypes() []queue.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]queue.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	svc   *Service
	store *memory.Store
	clock *clock
	rec   *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	clk := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	svc := New(store, store.Tickets(), store.Limits(), store.Queue(),
		WithClock(clk.now),
		WithNotifier(rec),
		WithPublisher(rec),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithStaleThreshold(15*time.Minute),
		WithAverageJobSeconds(30),
	)
	svc.SetExecutor(rec)
	return &fixture{svc: svc, store: store, clock: clk, rec: rec}
}

func (f *fixture) grant(t *testing.T, userID uint64, amount int) {
	t.Helper()
	_, err := f.svc.Grant(context.Background(), userID, amount)
	require.NoError(t, err)
}

func (f *fixture) submit(userID uint64, seconds int) (SubmitResult, error) {
	return f.svc.Submit(context.Background(), SubmitRequest{
		UserID:     userID,
		ModelID:    testVideo,
		Parameters: json.RawMessage(fmt.Sprintf(`{"prompt":"a mouse","duration":%d}`, seconds)),
	})
}

func (f *fixture) account(t *testing.T, userID uint64) model.TicketAccount {
	t.Helper()
	a, err := f.svc.Account(context.Background(), userID)
	require.NoError(t, err)
	return a
}

func (f *fixture) active(t *testing.T, modelID string) int {
	t.Helper()
	l, err := f.store.Limits().Get(context.Background(), modelID)
	require.NoError(t, err)
	return l.CurrentActive
}

func TestScenario_AdmitQueueCompleteDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, 1, 10)

	first, err := f.submit(1, 7)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, first.Status)
	assert.Equal(t, 7, first.TicketCost)
	a := f.account(t, 1)
	assert.Equal(t, 3, a.Balance)
	assert.Equal(t, 7, a.Reserved)
	assert.Equal(t, []uint64{first.QueueID}, f.rec.executed)

	// balance 3 < 5
	_, err = f.submit(1, 5)
	assert.ErrorIs(t, err, ErrInsufficientTickets)
	assert.Equal(t, 3, f.account(t, 1).Balance)

	f.grant(t, 1, 5)
	second, err := f.submit(1, 5)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, second.Status)
	assert.Equal(t, 1, second.Position)
	assert.Equal(t, 30, second.EstimatedWaitSeconds)
	assert.Equal(t, 1, f.active(t, testVideo))

	require.NoError(t, f.svc.Complete(ctx, first.QueueID, "https://cdn/v.mp4", "v-1"))
	a = f.account(t, 1)
	assert.Equal(t, 3, a.Balance)
	assert.Equal(t, 5, a.Reserved)
	assert.Equal(t, 7, a.TotalUsed)
	assert.Equal(t, 0, f.active(t, testVideo))
	assert.Contains(t, f.rec.notified, testVideo)
	assert.Equal(t, []queue.EventType{queue.EventCompleted}, f.rec.eventTypes())

	started, err := f.svc.StartNext(ctx, testVideo)
	require.NoError(t, err)
	assert.Equal(t, second.QueueID, started.ID)
	assert.Equal(t, model.StatusProcessing, started.Status)
	assert.Equal(t, 1, f.active(t, testVideo))

	_, err = f.svc.StartNext(ctx, testVideo)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)
	f.grant(t, 1, 100)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, SubmitRequest{UserID: 1, ModelID: "no-such-model"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Submit(ctx, SubmitRequest{UserID: 1, ModelID: "flux-2-pro", ModelType: model.ModelTypeVideo})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Submit(ctx, SubmitRequest{UserID: 1, ModelID: "flux-2-pro", Priority: 1000})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Submit(ctx, SubmitRequest{UserID: 2, ModelID: "flux-2-pro"})
	assert.ErrorIs(t, err, ErrInsufficientTickets, "no account behaves like an empty one")

	assert.Equal(t, 100, f.account(t, 1).Balance)
}

func TestCancel_TwiceIsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, 1, 20)

	_, err := f.submit(1, 5)
	require.NoError(t, err)
	queued, err := f.submit(1, 7)
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, queued.Status)

	it, err := f.svc.Cancel(ctx, queued.QueueID, Actor{UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, it.Status)

	_, err = f.svc.Cancel(ctx, queued.QueueID, Actor{UserID: 1})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	a := f.account(t, 1)
	assert.Equal(t, 15, a.Balance)
	assert.Equal(t, 5, a.Reserved)
	assert.Equal(t, 1, f.active(t, testVideo), "a queued item never held a slot")
	assert.Empty(t, f.rec.aborted)
}

func TestCancel_ProcessingReleasesSlotAndAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, 1, 10)

	res, err := f.submit(1, 7)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, res.QueueID, System)
	require.NoError(t, err)
	assert.Equal(t, 0, f.active(t, testVideo))
	assert.Equal(t, 10, f.account(t, 1).Balance)
	assert.Equal(t, []uint64{res.QueueID}, f.rec.aborted)

	// the executor's late completion is rejected and changes nothing
	assert.ErrorIs(t, f.svc.Complete(ctx, res.QueueID, "https://late", ""), ErrInvalidTransition)
	assert.Equal(t, 0, f.account(t, 1).TotalUsed)
}

func TestOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, 1, 10)

	res, err := f.submit(1, 5)
	require.NoError(t, err)

	_, err = f.svc.GetStatus(ctx, res.QueueID, Actor{UserID: 2})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Cancel(ctx, res.QueueID, Actor{UserID: 2})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.GetStatus(ctx, 999, Actor{UserID: 1})
	assert.ErrorIs(t, err, ErrNotFound)

	mine, err := f.svc.ListQueue(ctx, model.QueueFilter{}, Actor{UserID: 2})
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestFail_RefundsAndRetryRequeues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, 1, 10)

	res, err := f.submit(1, 7)
	require.NoError(t, err)
	require.NoError(t, f.svc.Fail(ctx, res.QueueID, "content policy"))

	st, err := f.svc.GetStatus(ctx, res.QueueID, Actor{UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, st.Status)
	require.NotNil(t, st.ErrorMessage)
	assert.Equal(t, "content policy", *st.ErrorMessage)
	assert.Equal(t, 10, f.account(t, 1).Balance)
	assert.Equal(t, 0, f.active(t, testVideo))

	// Drain the balance so the retry cannot reserve.
	other, err := f.submit(1, 5)
	require.NoError(t, err)
	_, err = f.svc.Retry(ctx, res.QueueID, Actor{UserID: 1})
	assert.ErrorIs(t, err, ErrInsufficientTickets)
	st, _ = f.svc.GetStatus(ctx, res.QueueID, Actor{UserID: 1})
	assert.Equal(t, model.StatusFailed, st.Status, "item unchanged after a rejected retry")

	_, err = f.svc.Cancel(ctx, other.QueueID, Actor{UserID: 1})
	require.NoError(t, err)

	f.clock.advance(time.Minute)
	it, err := f.svc.Retry(ctx, res.QueueID, Actor{UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, it.Status)
	assert.Nil(t, it.ErrorMessage)
	assert.Nil(t, it.StartedAt)
	assert.Nil(t, it.CompletedAt)
	assert.Equal(t, f.clock.now(), it.QueuedAt)
	assert.Equal(t, 1, it.QueuePosition)
	a := f.account(t, 1)
	assert.Equal(t, 3, a.Balance)
	assert.Equal(t, 7, a.Reserved)

	_, err = f.svc.Retry(ctx, res.QueueID, Actor{UserID: 1})
	assert.ErrorIs(t, err, ErrInvalidTransition, "queued items cannot be retried")
}

func TestReapStale_OnceAndIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, 1, 10)

	res, err := f.submit(1, 7)
	require.NoError(t, err)

	n, err := f.svc.ReapStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh items are not stale")

	f.clock.advance(16 * time.Minute)
	n, err = f.svc.ReapStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.ReapStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	st, _ := f.svc.GetStatus(ctx, res.QueueID, System)
	assert.Equal(t, model.StatusFailed, st.Status)
	require.NotNil(t, st.ErrorMessage)
	assert.Contains(t, *st.ErrorMessage, "timed out")
	assert.Equal(t, 0, f.active(t, testVideo))
	assert.Equal(t, 10, f.account(t, 1).Balance)
	assert.Equal(t, []uint64{res.QueueID}, f.rec.aborted)
}

func TestReapStale_ConcurrentReapersReleaseOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.SetLimit(ctx, testVideo, "", 3)
	require.NoError(t, err)
	f.grant(t, 1, 100)

	for i := 0; i < 2; i++ {
		_, err := f.submit(1, 5)
		require.NoError(t, err)
	}
	f.clock.advance(20 * time.Minute)
	fresh, err := f.submit(1, 5)
	require.NoError(t, err)
	require.Equal(t, 3, f.active(t, testVideo))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := f.svc.ReapStale(ctx)
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, total)
	assert.Equal(t, 1, f.active(t, testVideo))
	a := f.account(t, 1)
	assert.Equal(t, 95, a.Balance)
	assert.Equal(t, 5, a.Reserved)

	st, _ := f.svc.GetStatus(ctx, fresh.QueueID, System)
	assert.Equal(t, model.StatusProcessing, st.Status)
}

func TestConcurrentSubmit_NeverExceedsCapacityOrBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.SetLimit(ctx, testVideo, "", 2)
	require.NoError(t, err)
	f.grant(t, 1, 50)

	var wg sync.WaitGroup
	results := make(chan SubmitResult, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.submit(1, 5)
			if err != nil {
				assert.ErrorIs(t, err, ErrInsufficientTickets)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	var processing, queued int
	for r := range results {
		switch r.Status {
		case model.StatusProcessing:
			processing++
		case model.StatusQueued:
			queued++
		}
	}
	assert.Equal(t, 10, processing+queued, "50 tickets buy exactly ten 5-ticket jobs")
	assert.Equal(t, 2, processing)
	assert.Equal(t, 2, f.active(t, testVideo))
	a := f.account(t, 1)
	assert.Equal(t, 0, a.Balance)
	assert.Equal(t, 50, a.Reserved)

	items, err := f.svc.ListQueue(ctx, model.QueueFilter{Status: model.StatusQueued}, System)
	require.NoError(t, err)
	for i, it := range items {
		assert.Equal(t, i+1, it.Position)
	}
}

func TestStartNext_PriorityThenAge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, 1, 100)

	blocker, err := f.submit(1, 5)
	require.NoError(t, err)

	low, err := f.submit(1, 5)
	require.NoError(t, err)
	f.clock.advance(time.Second)
	high, err := f.svc.Submit(ctx, SubmitRequest{
		UserID: 1, ModelID: testVideo, Priority: 10, Parameters: json.RawMessage(`{"duration":5}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, high.Position)

	st, err := f.svc.GetStatus(ctx, low.QueueID, System)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Position, "position is recomputed on read")
	assert.Equal(t, 60, st.EstimatedWaitSeconds)

	require.NoError(t, f.svc.Complete(ctx, blocker.QueueID, "https://cdn/1", ""))
	next, err := f.svc.StartNext(ctx, testVideo)
	require.NoError(t, err)
	assert.Equal(t, high.QueueID, next.ID)

	_, err = f.svc.StartNext(ctx, testVideo)
	assert.ErrorIs(t, err, ErrAtCapacity)
}

func TestLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SetLimit(ctx, "veo-3.1", "", 0)
	assert.ErrorIs(t, err, ErrInvalidLimit)
	_, err = f.svc.SetLimit(ctx, "veo-3.1", "", 1000)
	assert.ErrorIs(t, err, ErrInvalidLimit)
	_, err = f.svc.SetLimit(ctx, "custom-model", "", 5)
	assert.ErrorIs(t, err, ErrInvalidInput)

	l, err := f.svc.SetLimit(ctx, "custom-model", model.ModelTypeImage, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, l.MaxConcurrent)

	require.NoError(t, f.svc.EnsureDefaults(ctx))
	limits, err := f.svc.ListLimits(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(limits), len(Models()))

	f.grant(t, 1, 10)
	_, err = f.submit(1, 5)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.DeleteLimit(ctx, testVideo), ErrLimitBusy)
	assert.ErrorIs(t, f.svc.DeleteLimit(ctx, "missing"), ErrNotFound)
	assert.NoError(t, f.svc.DeleteLimit(ctx, "custom-model"))
}

func TestPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, 1, 10)

	res, err := f.submit(1, 5)
	require.NoError(t, err)
	require.NoError(t, f.svc.Complete(ctx, res.QueueID, "https://cdn/x", ""))

	_, err = f.svc.Purge(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	n, err := f.svc.Purge(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.advance(2 * time.Hour)
	n, err = f.svc.Purge(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestNewProviderError(t *testing.T) {
	pe := NewProviderError(&provider.Error{StatusCode: 422, Message: "nsfw"})
	assert.Equal(t, "nsfw", pe.Message)

	pe = NewProviderError(fmt.Errorf("call: %w", context.DeadlineExceeded))
	assert.Equal(t, "generation timed out", pe.Message)
	assert.True(t, errors.Is(pe, context.DeadlineExceeded))
}
