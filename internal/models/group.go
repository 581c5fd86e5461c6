package models

import (
	"time"
)

const (
	GroupStatusActive    = "ACTIVE"
	GroupStatusFull      = "FULL"
	GroupStatusCompleted = "COMPLETED"
	GroupStatusCancelled = "CANCELLED"
)

const (
	FrequencyDaily   = "DAILY"
	FrequencyWeekly  = "WEEKLY"
	FrequencyMonthly = "MONTHLY"
)

// Membership lifecycle. A member who leaves is soft-deactivated, never
// renumbered, so positions stay dense for the members that remain active.
const (
	MemberStatusActive = "ACTIVE"
	MemberStatusLeft   = "LEFT"
)

const (
	CycleStatusPending   = "PENDING"
	CycleStatusPaid      = "PAID"
	CycleStatusMissed    = "MISSED"
	CycleStatusCancelled = "CANCELLED"
)

// Group is a rotating-savings group. Exactly one immutable admin; only the
// admin may mutate group metadata or cancel.
type Group struct {
	ID                  int       `json:"id" db:"id"`
	Name                string    `json:"name" db:"name"`
	AdminID             int       `json:"admin_id" db:"admin_id"`
	CycleValue          int64     `json:"cycle_value" db:"cycle_value"` // contribution per member per cycle
	Frequency           string    `json:"frequency" db:"frequency"`
	MaxParticipants     int       `json:"max_participants" db:"max_participants"`
	CurrentParticipants int       `json:"current_participants" db:"current_participants"`
	PayoutDay           *int      `json:"payout_day,omitempty" db:"payout_day"` // day-of-month anchor for MONTHLY groups
	Status              string    `json:"status" db:"status"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// GroupMember is one (group, member) row carrying the member's position in
// the beneficiary rotation. Positions are 1-based and dense within a group.
type GroupMember struct {
	ID       int       `json:"id" db:"id"`
	GroupID  int       `json:"group_id" db:"group_id"`
	UserID   int       `json:"user_id" db:"user_id"`
	Position int       `json:"position" db:"position"`
	Status   string    `json:"status" db:"status"`
	JoinedAt time.Time `json:"joined_at" db:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty" db:"left_at"`
}

// PaymentCycle is one rotation period. At most one cycle per group is PENDING
// at any time; it is always the earliest PENDING cycle by due date.
type PaymentCycle struct {
	ID                   int        `json:"id" db:"id"`
	GroupID              int        `json:"group_id" db:"group_id"`
	CycleNumber          int        `json:"cycle_number" db:"cycle_number"`
	BeneficiaryID        int        `json:"beneficiary_id" db:"beneficiary_id"`
	Amount               int64      `json:"amount" db:"amount"`
	DueDate              time.Time  `json:"due_date" db:"due_date"`
	ExpectedContributors int        `json:"expected_contributors" db:"expected_contributors"` // active members at generation time
	Status               string     `json:"status" db:"status"`
	PaidAt               *time.Time `json:"paid_at,omitempty" db:"paid_at"`
	TransactionID        *string    `json:"transaction_id,omitempty" db:"transaction_id"` // payout reference
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
}
