package models

import (
	"time"
)

const (
	BonusTypeWelcome  = "WELCOME"
	BonusTypeReferral = "REFERRAL"
)

const (
	BonusStatusPending   = "PENDING"
	BonusStatusActivated = "ACTIVATED"
	BonusStatusUsed      = "USED"
	BonusStatusExpired   = "EXPIRED"
)

// Bonus is a promotional credit. A WELCOME bonus is created PENDING at
// registration and only credited on the user's first completed deposit.
type Bonus struct {
	ID          int        `json:"id" db:"id"`
	UserID      int        `json:"user_id" db:"user_id"`
	Type        string     `json:"type" db:"type"`
	Amount      int64      `json:"amount" db:"amount"`
	Status      string     `json:"status" db:"status"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty" db:"activated_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}
