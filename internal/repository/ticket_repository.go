package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
)

// TicketRepo provides access to the ticket_accounts table.  Every counter
// mutation is a single conditional UPDATE so that concurrent requests can
// never both pass a balance check: the precondition lives in the WHERE
// clause and the affected-row count decides the outcome.
type TicketRepo struct {
	db *sql.DB
}

// NewTicketRepo returns a new TicketRepo bound to the provided database.
func NewTicketRepo(db *sql.DB) *TicketRepo { return &TicketRepo{db: db} }

// Open creates an empty account for the user when none exists.
func (r *TicketRepo) Open(ctx context.Context, userID uint64) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`INSERT IGNORE INTO ticket_accounts (user_id, balance, reserved, total_bought, total_used) VALUES (?, 0, 0, 0, 0)`,
		userID)
	if err != nil {
		return fmt.Errorf("open ticket account: %w", err)
	}
	return nil
}

// Get returns the account for the user or ErrNotFound.
func (r *TicketRepo) Get(ctx context.Context, userID uint64) (model.TicketAccount, error) {
	var a model.TicketAccount
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT user_id, balance, reserved, total_bought, total_used, updated_at FROM ticket_accounts WHERE user_id = ?`,
		userID).Scan(&a.UserID, &a.Balance, &a.Reserved, &a.TotalBought, &a.TotalUsed, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, fmt.Errorf("get ticket account: %w", err)
	}
	return a, nil
}

// Reserve moves amount tickets from balance to reserved.  It returns
// ErrInsufficientBalance when the balance is too low and ErrNotFound when
// the user has no account.
func (r *TicketRepo) Reserve(ctx context.Context, userID uint64, amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	res, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE ticket_accounts SET balance = balance - ?, reserved = reserved + ? WHERE user_id = ? AND balance >= ?`,
		amount, amount, userID, amount)
	if err != nil {
		return fmt.Errorf("reserve tickets: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return r.missing(ctx, userID, ErrInsufficientBalance)
	}
	return nil
}

// Commit consumes a reservation: reserved -= amount, total_used += amount.
// When less than amount is reserved the account is clamped (the whole
// remaining reservation is consumed) and clamped is true.
func (r *TicketRepo) Commit(ctx context.Context, userID uint64, amount int) (clamped bool, err error) {
	return r.settle(ctx, userID, amount,
		`UPDATE ticket_accounts SET reserved = reserved - ?, total_used = total_used + ? WHERE user_id = ? AND reserved >= ?`,
		`UPDATE ticket_accounts SET total_used = total_used + reserved, reserved = 0 WHERE user_id = ?`)
}

// Release refunds a reservation: reserved -= amount, balance += amount.
// When less than amount is reserved only the remaining reservation is
// refunded and clamped is true.
func (r *TicketRepo) Release(ctx context.Context, userID uint64, amount int) (clamped bool, err error) {
	return r.settle(ctx, userID, amount,
		`UPDATE ticket_accounts SET reserved = reserved - ?, balance = balance + ? WHERE user_id = ? AND reserved >= ?`,
		`UPDATE ticket_accounts SET balance = balance + reserved, reserved = 0 WHERE user_id = ?`)
}

func (r *TicketRepo) settle(ctx context.Context, userID uint64, amount int, exact, clamp string) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	q := conn(ctx, r.db)
	res, err := q.ExecContext(ctx, exact, amount, amount, userID, amount)
	if err != nil {
		return false, fmt.Errorf("settle reservation: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	// Reservation smaller than amount: bookkeeping drift.  Clamp at zero.
	res, err = q.ExecContext(ctx, clamp, userID)
	if err != nil {
		return false, fmt.Errorf("clamp reservation: %w", err)
	}
	if n, err = affected(res); err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrNotFound
	}
	return true, nil
}

// Grant credits amount tickets (admin credit or subscription renewal),
// creating the account when missing.
func (r *TicketRepo) Grant(ctx context.Context, userID uint64, amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO ticket_accounts (user_id, balance, reserved, total_bought, total_used) VALUES (?, ?, 0, ?, 0)
		 ON DUPLICATE KEY UPDATE balance = balance + VALUES(balance), total_bought = total_bought + VALUES(total_bought)`,
		userID, amount, amount)
	if err != nil {
		return fmt.Errorf("grant tickets: %w", err)
	}
	return nil
}

// missing resolves a zero-row update into ErrNotFound or the given error.
func (r *TicketRepo) missing(ctx context.Context, userID uint64, otherwise error) error {
	var one int
	err := conn(ctx, r.db).QueryRowContext(ctx, `SELECT 1 FROM ticket_accounts WHERE user_id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup ticket account: %w", err)
	}
	return otherwise
}
