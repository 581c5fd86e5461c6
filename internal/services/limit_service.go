package services

import (
	"database/sql"
	"log"
	"time"

	"github.com/spf13/viper"
)

const (
	LimitKindDeposit    = "deposit"
	LimitKindWithdrawal = "withdrawal"
)

// LimitService enforces per-user rolling daily caps on deposit and withdrawal
// volume. The calendar-day reset happens lazily inside the reservation check,
// under the same row lock, so it is correct even when the housekeeping job is
// delayed or never runs.
type LimitService struct {
	db *sql.DB
}

func NewLimitService(db *sql.DB) *LimitService {
	viper.SetDefault("limits.daily_deposit", int64(500_000_00))
	viper.SetDefault("limits.daily_withdrawal", int64(200_000_00))
	return &LimitService{db: db}
}

// DefaultDepositLimit returns the system-wide daily deposit cap in centavos.
func DefaultDepositLimit() int64 {
	return viper.GetInt64("limits.daily_deposit")
}

// DefaultWithdrawalLimit returns the system-wide daily withdrawal cap in centavos.
func DefaultWithdrawalLimit() int64 {
	return viper.GetInt64("limits.daily_withdrawal")
}

// ReserveTx checks that amount fits in today's remaining allowance for kind.
// It resets stale counters first (at most once per calendar day) and returns
// the available allowance on rejection. Usage is only consumed later, through
// CommitUsageTx, once the ledger movement succeeded.
func (s *LimitService) ReserveTx(tx *sql.Tx, userID int, kind string, amount int64) (int64, error) {
	var depositLimit, depositUsed, withdrawalLimit, withdrawalUsed int64
	var lastReset time.Time
	err := tx.QueryRow(`
		SELECT deposit_limit, deposit_used_today, withdrawal_limit, withdrawal_used_today, last_reset_date
		FROM daily_limits
		WHERE user_id = $1
		FOR UPDATE`, userID).Scan(&depositLimit, &depositUsed, &withdrawalLimit, &withdrawalUsed, &lastReset)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound("daily limits not found")
	}
	if err != nil {
		return 0, err
	}

	today := time.Now().Format("2006-01-02")
	if lastReset.Format("2006-01-02") < today {
		_, err = tx.Exec(`
			UPDATE daily_limits
			SET deposit_used_today = 0, withdrawal_used_today = 0, last_reset_date = $1
			WHERE user_id = $2`, today, userID)
		if err != nil {
			return 0, err
		}
		depositUsed, withdrawalUsed = 0, 0
		log.Printf("[LIMITS] Daily counters reset for user %d", userID)
	}

	var available int64
	switch kind {
	case LimitKindDeposit:
		available = depositLimit - depositUsed
	case LimitKindWithdrawal:
		available = withdrawalLimit - withdrawalUsed
	default:
		return 0, ErrValidation("unknown limit kind")
	}

	if amount > available {
		return available, ErrLimitExceeded(kind, available)
	}
	return available, nil
}

// CommitUsageTx consumes allowance after the ledger movement for it has been
// applied within the same database transaction.
func (s *LimitService) CommitUsageTx(tx *sql.Tx, userID int, kind string, amount int64) error {
	var query string
	switch kind {
	case LimitKindDeposit:
		query = `UPDATE daily_limits SET deposit_used_today = deposit_used_today + $1 WHERE user_id = $2`
	case LimitKindWithdrawal:
		query = `UPDATE daily_limits SET withdrawal_used_today = withdrawal_used_today + $1 WHERE user_id = $2`
	default:
		return ErrValidation("unknown limit kind")
	}

	result, err := tx.Exec(query, amount, userID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound("daily limits not found")
	}
	return nil
}
