// Package memory is an in-memory implementation of the ticket, limit and
// queue repositories. It is safe for concurrent access and is intended for
// tests and local development without MySQL.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/repository"
)

// Store holds all state behind a single mutex. InTx holds the mutex for the
// duration of the callback, so every operation made with the callback's
// context runs serialized with the rest of the transaction, and the state
// is restored when the callback fails.
type Store struct {
	mu sync.Mutex

	accounts map[uint64]model.TicketAccount
	limits   map[string]model.ConcurrencyLimit
	items    map[uint64]model.QueueItem
	nextID   uint64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		accounts: make(map[uint64]model.TicketAccount),
		limits:   make(map[string]model.ConcurrencyLimit),
		items:    make(map[uint64]model.QueueItem),
	}
}

type txKey struct{}

// lock acquires the store mutex unless ctx belongs to a running InTx.
func (s *Store) lock(ctx context.Context) func() {
	if owner, _ := ctx.Value(txKey{}).(*Store); owner == s {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type snapshot struct {
	accounts map[uint64]model.TicketAccount
	limits   map[string]model.ConcurrencyLimit
	items    map[uint64]model.QueueItem
	nextID   uint64
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		accounts: make(map[uint64]model.TicketAccount, len(s.accounts)),
		limits:   make(map[string]model.ConcurrencyLimit, len(s.limits)),
		items:    make(map[uint64]model.QueueItem, len(s.items)),
		nextID:   s.nextID,
	}
	for k, v := range s.accounts {
		snap.accounts[k] = v
	}
	for k, v := range s.limits {
		snap.limits[k] = v
	}
	for k, v := range s.items {
		snap.items[k] = v
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.accounts = snap.accounts
	s.limits = snap.limits
	s.items = snap.items
	s.nextID = snap.nextID
}

// InTx runs fn atomically. Nested calls join the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if owner, _ := ctx.Value(txKey{}).(*Store); owner == s {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// Tickets returns the ticket ledger view of the store.
func (s *Store) Tickets() *Tickets { return &Tickets{s: s} }

// Limits returns the concurrency limit view of the store.
func (s *Store) Limits() *Limits { return &Limits{s: s} }

// Queue returns the queue item view of the store.
func (s *Store) Queue() *Queue { return &Queue{s: s} }

// ──────────────────────────────────────────────────
// Tickets
// ──────────────────────────────────────────────────

// Tickets mirrors repository.TicketRepo.
type Tickets struct{ s *Store }

func (t *Tickets) Open(ctx context.Context, userID uint64) error {
	defer t.s.lock(ctx)()
	if _, ok := t.s.accounts[userID]; !ok {
		t.s.accounts[userID] = model.TicketAccount{UserID: userID, UpdatedAt: time.Now().UTC()}
	}
	return nil
}

func (t *Tickets) Get(ctx context.Context, userID uint64) (model.TicketAccount, error) {
	defer t.s.lock(ctx)()
	a, ok := t.s.accounts[userID]
	if !ok {
		return model.TicketAccount{}, repository.ErrNotFound
	}
	return a, nil
}

func (t *Tickets) Reserve(ctx context.Context, userID uint64, amount int) error {
	if amount <= 0 {
		return repository.ErrInvalidAmount
	}
	defer t.s.lock(ctx)()
	a, ok := t.s.accounts[userID]
	if !ok {
		return repository.ErrNotFound
	}
	if a.Balance < amount {
		return repository.ErrInsufficientBalance
	}
	a.Balance -= amount
	a.Reserved += amount
	a.UpdatedAt = time.Now().UTC()
	t.s.accounts[userID] = a
	return nil
}

func (t *Tickets) Commit(ctx context.Context, userID uint64, amount int) (bool, error) {
	return t.settle(ctx, userID, amount, func(a *model.TicketAccount, n int) { a.TotalUsed += n })
}

func (t *Tickets) Release(ctx context.Context, userID uint64, amount int) (bool, error) {
	return t.settle(ctx, userID, amount, func(a *model.TicketAccount, n int) { a.Balance += n })
}

func (t *Tickets) settle(ctx context.Context, userID uint64, amount int, apply func(*model.TicketAccount, int)) (bool, error) {
	if amount <= 0 {
		return false, repository.ErrInvalidAmount
	}
	defer t.s.lock(ctx)()
	a, ok := t.s.accounts[userID]
	if !ok {
		return false, repository.ErrNotFound
	}
	n, clamped := amount, false
	if a.Reserved < amount {
		n, clamped = a.Reserved, true
	}
	a.Reserved -= n
	apply(&a, n)
	a.UpdatedAt = time.Now().UTC()
	t.s.accounts[userID] = a
	return clamped, nil
}

func (t *Tickets) Grant(ctx context.Context, userID uint64, amount int) error {
	if amount <= 0 {
		return repository.ErrInvalidAmount
	}
	defer t.s.lock(ctx)()
	a := t.s.accounts[userID]
	a.UserID = userID
	a.Balance += amount
	a.TotalBought += amount
	a.UpdatedAt = time.Now().UTC()
	t.s.accounts[userID] = a
	return nil
}

// ──────────────────────────────────────────────────
// Limits
// ──────────────────────────────────────────────────

// Limits mirrors repository.LimitRepo.
type Limits struct{ s *Store }

func (l *Limits) TryAcquire(ctx context.Context, modelID string, modelType model.ModelType, defaultMax int) error {
	defer l.s.lock(ctx)()
	lim, ok := l.s.limits[modelID]
	if !ok {
		lim = model.ConcurrencyLimit{ModelID: modelID, ModelType: modelType, MaxConcurrent: defaultMax}
	}
	if lim.CurrentActive >= lim.MaxConcurrent {
		l.s.limits[modelID] = lim
		return repository.ErrAtCapacity
	}
	lim.CurrentActive++
	lim.UpdatedAt = time.Now().UTC()
	l.s.limits[modelID] = lim
	return nil
}

func (l *Limits) Release(ctx context.Context, modelID string) (bool, error) {
	defer l.s.lock(ctx)()
	lim, ok := l.s.limits[modelID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if lim.CurrentActive == 0 {
		return true, nil
	}
	lim.CurrentActive--
	lim.UpdatedAt = time.Now().UTC()
	l.s.limits[modelID] = lim
	return false, nil
}

func (l *Limits) Get(ctx context.Context, modelID string) (model.ConcurrencyLimit, error) {
	defer l.s.lock(ctx)()
	lim, ok := l.s.limits[modelID]
	if !ok {
		return model.ConcurrencyLimit{}, repository.ErrNotFound
	}
	return lim, nil
}

func (l *Limits) List(ctx context.Context) ([]model.ConcurrencyLimit, error) {
	defer l.s.lock(ctx)()
	out := make([]model.ConcurrencyLimit, 0, len(l.s.limits))
	for _, lim := range l.s.limits {
		out = append(out, lim)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

func (l *Limits) Upsert(ctx context.Context, lim model.ConcurrencyLimit) error {
	defer l.s.lock(ctx)()
	cur := l.s.limits[lim.ModelID]
	cur.ModelID = lim.ModelID
	cur.ModelType = lim.ModelType
	cur.MaxConcurrent = lim.MaxConcurrent
	cur.UpdatedAt = time.Now().UTC()
	l.s.limits[lim.ModelID] = cur
	return nil
}

func (l *Limits) EnsureDefaults(ctx context.Context, defaults []model.ConcurrencyLimit) error {
	defer l.s.lock(ctx)()
	for _, d := range defaults {
		if _, ok := l.s.limits[d.ModelID]; ok {
			continue
		}
		d.CurrentActive = 0
		d.UpdatedAt = time.Now().UTC()
		l.s.limits[d.ModelID] = d
	}
	return nil
}

func (l *Limits) Delete(ctx context.Context, modelID string) error {
	defer l.s.lock(ctx)()
	lim, ok := l.s.limits[modelID]
	if !ok {
		return repository.ErrNotFound
	}
	if lim.CurrentActive > 0 {
		return repository.ErrConflict
	}
	delete(l.s.limits, modelID)
	return nil
}

// ──────────────────────────────────────────────────
// Queue
// ──────────────────────────────────────────────────

// Queue mirrors repository.QueueRepo.
type Queue struct{ s *Store }

// servedBefore reports whether a is served before b.
func servedBefore(a, b model.QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.QueuedAt.Equal(b.QueuedAt) {
		return a.QueuedAt.Before(b.QueuedAt)
	}
	return a.ID < b.ID
}

func (q *Queue) Insert(ctx context.Context, it *model.QueueItem) error {
	defer q.s.lock(ctx)()
	q.s.nextID++
	it.ID = q.s.nextID
	it.QueuedAt = it.QueuedAt.UTC()
	q.s.items[it.ID] = *it
	return nil
}

func (q *Queue) Get(ctx context.Context, id uint64) (*model.QueueItem, error) {
	defer q.s.lock(ctx)()
	it, ok := q.s.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &it, nil
}

func (q *Queue) sorted(keep func(model.QueueItem) bool) []model.QueueItem {
	out := make([]model.QueueItem, 0)
	for _, it := range q.s.items {
		if keep(it) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return servedBefore(out[i], out[j]) })
	return out
}

func (q *Queue) List(ctx context.Context, f model.QueueFilter) ([]model.QueueItem, error) {
	defer q.s.lock(ctx)()
	out := q.sorted(func(it model.QueueItem) bool {
		return (f.Status == "" || it.Status == f.Status) &&
			(f.ModelID == "" || it.ModelID == f.ModelID) &&
			(f.UserID == 0 || it.UserID == f.UserID)
	})
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *Queue) Transition(ctx context.Context, id uint64, from model.Status, t model.Transition) error {
	defer q.s.lock(ctx)()
	it, ok := q.s.items[id]
	if !ok {
		return repository.ErrNotFound
	}
	if it.Status != from {
		return repository.ErrStatusConflict
	}
	if t.StartedBefore != nil && (it.StartedAt == nil || !it.StartedAt.Before(*t.StartedBefore)) {
		return repository.ErrStatusConflict
	}
	it.Status = t.To
	if t.ClearOutcome {
		it.StartedAt, it.CompletedAt = nil, nil
		it.ResultURL, it.ResultImageID, it.ErrorMessage = nil, nil, nil
	}
	if t.QueuedAt != nil {
		it.QueuedAt = t.QueuedAt.UTC()
	}
	if t.StartedAt != nil {
		ts := t.StartedAt.UTC()
		it.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := t.CompletedAt.UTC()
		it.CompletedAt = &ts
	}
	if t.ResultURL != nil {
		it.ResultURL = t.ResultURL
	}
	if t.ResultImageID != nil {
		it.ResultImageID = t.ResultImageID
	}
	if t.ErrorMessage != nil {
		it.ErrorMessage = t.ErrorMessage
	}
	q.s.items[id] = it
	return nil
}

func (q *Queue) Position(ctx context.Context, it *model.QueueItem) (int, error) {
	if it.Status != model.StatusQueued {
		return 0, nil
	}
	defer q.s.lock(ctx)()
	ahead := 0
	for _, other := range q.s.items {
		if other.ID == it.ID || other.ModelID != it.ModelID || other.Status != model.StatusQueued {
			continue
		}
		if servedBefore(other, *it) {
			ahead++
		}
	}
	return ahead + 1, nil
}

func (q *Queue) NextQueued(ctx context.Context, modelID string) (*model.QueueItem, error) {
	defer q.s.lock(ctx)()
	out := q.sorted(func(it model.QueueItem) bool {
		return it.ModelID == modelID && it.Status == model.StatusQueued
	})
	if len(out) == 0 {
		return nil, repository.ErrNotFound
	}
	return &out[0], nil
}

func (q *Queue) QueuedModels(ctx context.Context) ([]string, error) {
	defer q.s.lock(ctx)()
	seen := make(map[string]struct{})
	for _, it := range q.s.items {
		if it.Status == model.StatusQueued {
			seen[it.ModelID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (q *Queue) ListStale(ctx context.Context, before time.Time) ([]model.QueueItem, error) {
	defer q.s.lock(ctx)()
	out := make([]model.QueueItem, 0)
	for _, it := range q.s.items {
		if it.Status == model.StatusProcessing && it.StartedAt != nil && it.StartedAt.Before(before) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(*out[j].StartedAt) {
			return out[i].StartedAt.Before(*out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (q *Queue) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	defer q.s.lock(ctx)()
	var n int64
	for id, it := range q.s.items {
		if it.Status.IsTerminal() && it.CompletedAt != nil && it.CompletedAt.Before(before) {
			delete(q.s.items, id)
			n++
		}
	}
	return n, nil
}
