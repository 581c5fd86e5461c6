package models

import (
	"time"
)

// Wallet holds a user's balance. Created together with the user row and only
// ever mutated through ledger movements.
type Wallet struct {
	ID               int        `json:"id" db:"id"`
	UserID           int        `json:"user_id" db:"user_id"`
	AccountNumber    string     `json:"account_number" db:"account_number"`
	AvailableBalance int64      `json:"available_balance" db:"available_balance"` // in centavos
	LockedBalance    int64      `json:"locked_balance" db:"locked_balance"`       // reserved for holds
	PinHash          *string    `json:"-" db:"pin_hash"`
	PinAttempts      int        `json:"-" db:"pin_attempts"`
	PinLockedUntil   *time.Time `json:"-" db:"pin_locked_until"`
	TotalDeposited   int64      `json:"total_deposited" db:"total_deposited"`
	TotalWithdrawn   int64      `json:"total_withdrawn" db:"total_withdrawn"`
	TotalFeesPaid    int64      `json:"total_fees_paid" db:"total_fees_paid"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// DailyLimit tracks per-user rolling deposit/withdrawal caps, reset lazily
// once per calendar day.
type DailyLimit struct {
	ID                  int       `json:"id" db:"id"`
	UserID              int       `json:"user_id" db:"user_id"`
	DepositLimit        int64     `json:"deposit_limit" db:"deposit_limit"`
	DepositUsedToday    int64     `json:"deposit_used_today" db:"deposit_used_today"`
	WithdrawalLimit     int64     `json:"withdrawal_limit" db:"withdrawal_limit"`
	WithdrawalUsedToday int64     `json:"withdrawal_used_today" db:"withdrawal_used_today"`
	LastResetDate       time.Time `json:"last_reset_date" db:"last_reset_date"`
}
