package model

import "time"

// TicketAccount is the per-user ticket ledger row (ticket_accounts).
//
// Fields:
//  UserID      – owning user; one account per user.
//  Balance     – tickets available for new reservations; never negative.
//  Reserved    – tickets held by queued or processing requests.
//  TotalBought – lifetime tickets granted.
//  TotalUsed   – lifetime tickets consumed by completed requests.
//  UpdatedAt   – last mutation.
type TicketAccount struct {
	UserID      uint64    `json:"user_id"`
	Balance     int       `json:"balance"`
	Reserved    int       `json:"reserved"`
	TotalBought int       `json:"total_bought"`
	TotalUsed   int       `json:"total_used"`
	UpdatedAt   time.Time `json:"updated_at"`
}
