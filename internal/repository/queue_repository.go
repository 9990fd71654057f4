package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
)

// QueueRepo provides persistence and queries for the queue_items table.
// Status changes are conditional on the current status so that two
// requests racing to move the same item cannot both succeed.  Listing
// order is (priority DESC, queued_at ASC, id ASC) everywhere.
type QueueRepo struct {
	db *sql.DB
}

// NewQueueRepo returns a new QueueRepo bound to the provided database.
func NewQueueRepo(db *sql.DB) *QueueRepo { return &QueueRepo{db: db} }

const (
	queueCols = `id, user_id, model_id, model_type, status, priority, queue_position, ticket_cost, parameters,
	             result_url, result_image_id, error_message, queued_at, started_at, completed_at`
	queueOrder = ` ORDER BY priority DESC, queued_at ASC, id ASC`

	defaultListLimit = 100
	maxListLimit     = 500
)

func scanItem(row interface{ Scan(...any) error }) (*model.QueueItem, error) {
	var (
		it                          model.QueueItem
		params                      []byte
		resultURL, resultID, errMsg sql.NullString
		startedAt, completedAt      sql.NullTime
	)
	if err := row.Scan(&it.ID, &it.UserID, &it.ModelID, &it.ModelType, &it.Status, &it.Priority,
		&it.QueuePosition, &it.TicketCost, &params, &resultURL, &resultID, &errMsg,
		&it.QueuedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		it.Parameters = params
	}
	if resultURL.Valid {
		s := resultURL.String
		it.ResultURL = &s
	}
	if resultID.Valid {
		s := resultID.String
		it.ResultImageID = &s
	}
	if errMsg.Valid {
		s := errMsg.String
		it.ErrorMessage = &s
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		it.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		it.CompletedAt = &t
	}
	it.QueuedAt = it.QueuedAt.UTC()
	return &it, nil
}

func scanItems(rows *sql.Rows) ([]model.QueueItem, error) {
	defer rows.Close()
	items := make([]model.QueueItem, 0)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// Insert stores a new item and populates its generated ID.
func (r *QueueRepo) Insert(ctx context.Context, it *model.QueueItem) error {
	var params any
	if len(it.Parameters) > 0 {
		params = []byte(it.Parameters)
	}
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO queue_items (user_id, model_id, model_type, status, priority, queue_position, ticket_cost, parameters, queued_at, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.UserID, it.ModelID, it.ModelType, it.Status, it.Priority, it.QueuePosition, it.TicketCost, params,
		it.QueuedAt.UTC(), nullTime(it.StartedAt))
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	it.ID = uint64(id)
	return nil
}

// Get returns the item with the given id or ErrNotFound.
func (r *QueueRepo) Get(ctx context.Context, id uint64) (*model.QueueItem, error) {
	it, err := scanItem(conn(ctx, r.db).QueryRowContext(ctx, `SELECT `+queueCols+` FROM queue_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return it, nil
}

// List returns items matching the filter in serving order.
func (r *QueueRepo) List(ctx context.Context, f model.QueueFilter) ([]model.QueueItem, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.ModelID != "" {
		where = append(where, "model_id = ?")
		args = append(args, f.ModelID)
	}
	if f.UserID != 0 {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	q := `SELECT ` + queueCols + ` FROM queue_items`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += queueOrder + " LIMIT ?"
	args = append(args, clampLimit(f.Limit))

	rows, err := conn(ctx, r.db).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	return scanItems(rows)
}

// Transition moves the item from status from to t.To and sets the columns
// carried by t.  It returns ErrStatusConflict when the item is no longer in
// status from (or fails the StartedBefore guard) and ErrNotFound when it
// does not exist.  Callers validate the edge against the state machine.
func (r *QueueRepo) Transition(ctx context.Context, id uint64, from model.Status, t model.Transition) error {
	type assign struct {
		col string
		val any
	}
	var sets []assign
	set := func(col string, val any) {
		for i := range sets {
			if sets[i].col == col {
				sets[i].val = val
				return
			}
		}
		sets = append(sets, assign{col, val})
	}
	set("status", t.To)
	if t.ClearOutcome {
		for _, col := range []string{"started_at", "completed_at", "result_url", "result_image_id", "error_message"} {
			set(col, nil)
		}
	}
	if t.QueuedAt != nil {
		set("queued_at", t.QueuedAt.UTC())
	}
	if t.StartedAt != nil {
		set("started_at", t.StartedAt.UTC())
	}
	if t.CompletedAt != nil {
		set("completed_at", t.CompletedAt.UTC())
	}
	if t.ResultURL != nil {
		set("result_url", *t.ResultURL)
	}
	if t.ResultImageID != nil {
		set("result_image_id", *t.ResultImageID)
	}
	if t.ErrorMessage != nil {
		set("error_message", *t.ErrorMessage)
	}

	cols := make([]string, 0, len(sets))
	args := make([]any, 0, len(sets)+3)
	for _, s := range sets {
		cols = append(cols, s.col+" = ?")
		args = append(args, s.val)
	}
	q := `UPDATE queue_items SET ` + strings.Join(cols, ", ") + ` WHERE id = ? AND status = ?`
	args = append(args, id, from)
	if t.StartedBefore != nil {
		q += ` AND started_at < ?`
		args = append(args, t.StartedBefore.UTC())
	}

	res, err := conn(ctx, r.db).ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("transition queue item: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = conn(ctx, r.db).QueryRowContext(ctx, `SELECT 1 FROM queue_items WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup queue item: %w", err)
	}
	return ErrStatusConflict
}

// Position returns the live 1-based position of a queued item among the
// queued items of the same model, or 0 when the item is not queued.
func (r *QueueRepo) Position(ctx context.Context, it *model.QueueItem) (int, error) {
	if it.Status != model.StatusQueued {
		return 0, nil
	}
	var ahead int
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items
		 WHERE model_id = ? AND status = 'queued' AND id <> ?
		   AND (priority > ? OR (priority = ? AND (queued_at < ? OR (queued_at = ? AND id < ?))))`,
		it.ModelID, it.ID, it.Priority, it.Priority, it.QueuedAt.UTC(), it.QueuedAt.UTC(), it.ID).Scan(&ahead)
	if err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}
	return ahead + 1, nil
}

// NextQueued returns the queued item of the model that is served first, or
// ErrNotFound when the model has nothing queued.
func (r *QueueRepo) NextQueued(ctx context.Context, modelID string) (*model.QueueItem, error) {
	it, err := scanItem(conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT `+queueCols+` FROM queue_items WHERE model_id = ? AND status = 'queued'`+queueOrder+` LIMIT 1`, modelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next queued item: %w", err)
	}
	return it, nil
}

// QueuedModels lists the models that currently have queued items.
func (r *QueueRepo) QueuedModels(ctx context.Context) ([]string, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT DISTINCT model_id FROM queue_items WHERE status = 'queued' ORDER BY model_id`)
	if err != nil {
		return nil, fmt.Errorf("queued models: %w", err)
	}
	defer rows.Close()
	models := make([]string, 0)
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// ListStale returns processing items whose started_at is before the cutoff.
func (r *QueueRepo) ListStale(ctx context.Context, before time.Time) ([]model.QueueItem, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT `+queueCols+` FROM queue_items WHERE status = 'processing' AND started_at < ? ORDER BY started_at ASC, id ASC`,
		before.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale items: %w", err)
	}
	return scanItems(rows)
}

// PurgeTerminal deletes completed, failed and cancelled items that reached
// their terminal state before the cutoff.  Non-terminal items are never
// deleted.
func (r *QueueRepo) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM queue_items WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < ?`,
		before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge queue items: %w", err)
	}
	return affected(res)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
