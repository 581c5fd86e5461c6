package models

import (
	"time"
)

// Movement types. The sign of a movement's net amount is fixed per type.
const (
	TxTypeDeposit      = "DEPOSIT"
	TxTypeWithdrawal   = "WITHDRAWAL"
	TxTypeTransfer     = "TRANSFER"
	TxTypeGroupPayment = "GROUP_PAYMENT"
	TxTypeGroupReceive = "GROUP_RECEIVE"
	TxTypeFee          = "FEE"
	TxTypeBonus        = "BONUS"
)

const (
	TxStatusPending   = "PENDING"
	TxStatusCompleted = "COMPLETED"
	TxStatusFailed    = "FAILED"
	TxStatusCancelled = "CANCELLED"
)

// Metadata is free-form context stored alongside a transaction (group id,
// cycle id, counterparty, provider reference).
type Metadata map[string]any

// Transaction is an append-only ledger record. Rows are never mutated after
// creation except for the status transition out of PENDING.
type Transaction struct {
	ID            int       `json:"id" db:"id"`
	Reference     string    `json:"reference" db:"reference"`
	UserID        int       `json:"user_id" db:"user_id"`
	Type          string    `json:"type" db:"type"`
	Amount        int64     `json:"amount" db:"amount"`
	Fee           int64     `json:"fee" db:"fee"`
	NetAmount     int64     `json:"net_amount" db:"net_amount"` // signed, applied to the wallet
	BalanceBefore int64     `json:"balance_before" db:"balance_before"`
	BalanceAfter  int64     `json:"balance_after" db:"balance_after"`
	Status        string    `json:"status" db:"status"`
	Metadata      Metadata  `json:"metadata,omitempty" db:"metadata"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
