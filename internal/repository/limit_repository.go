package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
)

// LimitRepo provides access to the concurrency_limits table.  The
// current_active counter is only ever changed by conditional UPDATEs so
// that concurrent acquisitions cannot push it above max_concurrent.
type LimitRepo struct {
	db *sql.DB
}

// NewLimitRepo returns a new LimitRepo bound to the provided database.
func NewLimitRepo(db *sql.DB) *LimitRepo { return &LimitRepo{db: db} }

const limitCols = `model_id, model_type, max_concurrent, current_active, updated_at`

func scanLimit(row interface{ Scan(...any) error }) (model.ConcurrencyLimit, error) {
	var l model.ConcurrencyLimit
	err := row.Scan(&l.ModelID, &l.ModelType, &l.MaxConcurrent, &l.CurrentActive, &l.UpdatedAt)
	return l, err
}

// TryAcquire takes one slot of the model's budget.  A missing row is
// created first with defaultMax.  ErrAtCapacity is returned when every
// slot is taken.
func (r *LimitRepo) TryAcquire(ctx context.Context, modelID string, modelType model.ModelType, defaultMax int) error {
	q := conn(ctx, r.db)
	if _, err := q.ExecContext(ctx,
		`INSERT IGNORE INTO concurrency_limits (model_id, model_type, max_concurrent, current_active) VALUES (?, ?, ?, 0)`,
		modelID, modelType, defaultMax); err != nil {
		return fmt.Errorf("init concurrency limit: %w", err)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE concurrency_limits SET current_active = current_active + 1 WHERE model_id = ? AND current_active < max_concurrent`,
		modelID)
	if err != nil {
		return fmt.Errorf("acquire slot: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAtCapacity
	}
	return nil
}

// Release frees one slot.  The counter never goes below zero; a release
// on an idle model reports clamped=true.
func (r *LimitRepo) Release(ctx context.Context, modelID string) (clamped bool, err error) {
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE concurrency_limits SET current_active = current_active - 1 WHERE model_id = ? AND current_active > 0`,
		modelID)
	if err != nil {
		return false, fmt.Errorf("release slot: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if _, err := r.Get(ctx, modelID); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the limit row for a model or ErrNotFound.
func (r *LimitRepo) Get(ctx context.Context, modelID string) (model.ConcurrencyLimit, error) {
	l, err := scanLimit(conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT `+limitCols+` FROM concurrency_limits WHERE model_id = ?`, modelID))
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	if err != nil {
		return l, fmt.Errorf("get concurrency limit: %w", err)
	}
	return l, nil
}

// List returns every configured limit ordered by model id.
func (r *LimitRepo) List(ctx context.Context) ([]model.ConcurrencyLimit, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, `SELECT `+limitCols+` FROM concurrency_limits ORDER BY model_id`)
	if err != nil {
		return nil, fmt.Errorf("list concurrency limits: %w", err)
	}
	defer rows.Close()
	limits := make([]model.ConcurrencyLimit, 0)
	for rows.Next() {
		l, err := scanLimit(rows)
		if err != nil {
			return nil, err
		}
		limits = append(limits, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return limits, nil
}

// Upsert creates the limit or updates its type and maximum.  The active
// counter is preserved; lowering the maximum below it only blocks new
// acquisitions until enough slots are released.
func (r *LimitRepo) Upsert(ctx context.Context, l model.ConcurrencyLimit) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO concurrency_limits (model_id, model_type, max_concurrent, current_active) VALUES (?, ?, ?, 0)
		 ON DUPLICATE KEY UPDATE model_type = VALUES(model_type), max_concurrent = VALUES(max_concurrent)`,
		l.ModelID, l.ModelType, l.MaxConcurrent)
	if err != nil {
		return fmt.Errorf("upsert concurrency limit: %w", err)
	}
	return nil
}

// EnsureDefaults inserts the given limits for models that have no row yet.
// Existing rows, including admin overrides, are left untouched.
func (r *LimitRepo) EnsureDefaults(ctx context.Context, defaults []model.ConcurrencyLimit) error {
	q := conn(ctx, r.db)
	for _, l := range defaults {
		if _, err := q.ExecContext(ctx,
			`INSERT IGNORE INTO concurrency_limits (model_id, model_type, max_concurrent, current_active) VALUES (?, ?, ?, 0)`,
			l.ModelID, l.ModelType, l.MaxConcurrent); err != nil {
			return fmt.Errorf("seed concurrency limit %s: %w", l.ModelID, err)
		}
	}
	return nil
}

// Delete removes an idle model's limit.  ErrConflict is returned while the
// model still has active requests.
func (r *LimitRepo) Delete(ctx context.Context, modelID string) error {
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM concurrency_limits WHERE model_id = ? AND current_active = 0`, modelID)
	if err != nil {
		return fmt.Errorf("delete concurrency limit: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := r.Get(ctx, modelID); err != nil {
		return err
	}
	return ErrConflict
}
