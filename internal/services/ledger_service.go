package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kixikila/backend/internal/audit"
	"github.com/kixikila/backend/internal/models"
)

// LedgerService owns wallet balances. Every balance mutation goes through a
// movement applied under an exclusive row lock on the wallet, producing an
// append-only transaction row with the before/after balance snapshot.
type LedgerService struct {
	db    *sql.DB
	audit *audit.Logger
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{
		db:    db,
		audit: audit.NewLogger(),
	}
}

type walletRow struct {
	ID             int
	UserID         int
	Available      int64
	TotalDeposited int64
	TotalWithdrawn int64
	TotalFeesPaid  int64
}

// movementNet returns the signed net amount a movement applies to the owning
// wallet. Debit movements carry the fee on top of the amount.
func movementNet(movementType string, amount, fee int64) (int64, error) {
	switch movementType {
	case models.TxTypeDeposit, models.TxTypeGroupReceive, models.TxTypeBonus:
		return amount - fee, nil
	case models.TxTypeWithdrawal, models.TxTypeGroupPayment, models.TxTypeFee:
		return -(amount + fee), nil
	default:
		return 0, ErrValidation("unknown movement type")
	}
}

func (s *LedgerService) lockWallet(tx *sql.Tx, userID int) (*walletRow, error) {
	w := &walletRow{UserID: userID}
	err := tx.QueryRow(`
		SELECT id, available_balance, total_deposited, total_withdrawn, total_fees_paid
		FROM wallets
		WHERE user_id = $1
		FOR UPDATE`, userID).Scan(&w.ID, &w.Available, &w.TotalDeposited, &w.TotalWithdrawn, &w.TotalFeesPaid)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound("wallet not found")
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// applyLocked writes the transaction row and the wallet update for an already
// locked wallet. net must satisfy balance_after = balance_before + net.
func (s *LedgerService) applyLocked(tx *sql.Tx, w *walletRow, movementType string, amount, fee, net int64, reference string, meta models.Metadata) (*models.Transaction, error) {
	if net < 0 && w.Available+net < 0 {
		return nil, ErrInsufficientBalance(-(w.Available + net))
	}

	if meta == nil {
		meta = models.Metadata{}
	}
	metadataJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	record := &models.Transaction{
		Reference:     reference,
		UserID:        w.UserID,
		Type:          movementType,
		Amount:        amount,
		Fee:           fee,
		NetAmount:     net,
		BalanceBefore: w.Available,
		BalanceAfter:  w.Available + net,
		Status:        models.TxStatusCompleted,
		Metadata:      meta,
		CreatedAt:     time.Now(),
	}

	err = tx.QueryRow(`
		INSERT INTO transactions
		(reference, user_id, type, amount, fee, net_amount, balance_before, balance_after, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		record.Reference, record.UserID, record.Type, record.Amount, record.Fee,
		record.NetAmount, record.BalanceBefore, record.BalanceAfter, record.Status,
		metadataJSON, record.CreatedAt).Scan(&record.ID)
	if err != nil {
		return nil, err
	}

	deposited, withdrawn, fees := w.TotalDeposited, w.TotalWithdrawn, w.TotalFeesPaid+fee
	switch movementType {
	case models.TxTypeDeposit, models.TxTypeGroupReceive, models.TxTypeBonus:
		deposited += amount
	case models.TxTypeWithdrawal, models.TxTypeGroupPayment:
		withdrawn += amount
	case models.TxTypeTransfer:
		if net < 0 {
			withdrawn += amount
		} else {
			deposited += amount
		}
	}

	_, err = tx.Exec(`
		UPDATE wallets
		SET available_balance = $1, total_deposited = $2, total_withdrawn = $3, total_fees_paid = $4, updated_at = $5
		WHERE id = $6`,
		record.BalanceAfter, deposited, withdrawn, fees, time.Now(), w.ID)
	if err != nil {
		return nil, err
	}

	w.Available = record.BalanceAfter
	w.TotalDeposited, w.TotalWithdrawn, w.TotalFeesPaid = deposited, withdrawn, fees

	s.audit.LogMovement(record.Reference, w.UserID, movementType, amount, record.Status)
	return record, nil
}

// ApplyMovementTx applies a single-wallet movement inside the caller's
// transaction. TRANSFER is a paired movement and goes through TransferTx.
func (s *LedgerService) ApplyMovementTx(tx *sql.Tx, userID int, movementType string, amount, fee int64, meta models.Metadata) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, ErrValidation("amount must be positive")
	}
	if movementType == models.TxTypeTransfer {
		return nil, ErrValidation("transfers require a counterparty")
	}

	net, err := movementNet(movementType, amount, fee)
	if err != nil {
		return nil, err
	}

	w, err := s.lockWallet(tx, userID)
	if err != nil {
		return nil, err
	}

	return s.applyLocked(tx, w, movementType, amount, fee, net, uuid.New().String(), meta)
}

// TransferTx debits the sender and credits the recipient inside one
// transaction. Either both legs exist or neither does.
func (s *LedgerService) TransferTx(tx *sql.Tx, fromUserID, toUserID int, amount, fee int64, meta models.Metadata) (*models.Transaction, *models.Transaction, error) {
	if amount <= 0 {
		return nil, nil, ErrValidation("amount must be positive")
	}
	if fromUserID == toUserID {
		return nil, nil, ErrValidation("cannot transfer to own wallet")
	}

	// Lock wallets in consistent order to prevent deadlocks
	firstLock, secondLock := fromUserID, toUserID
	if fromUserID > toUserID {
		firstLock, secondLock = toUserID, fromUserID
	}

	first, err := s.lockWallet(tx, firstLock)
	if err != nil {
		return nil, nil, err
	}
	second, err := s.lockWallet(tx, secondLock)
	if err != nil {
		return nil, nil, err
	}

	sender, recipient := first, second
	if firstLock != fromUserID {
		sender, recipient = second, first
	}

	debitRef := uuid.New().String()
	creditRef := uuid.New().String()

	debitMeta := models.Metadata{"counterparty_id": toUserID, "paired_reference": creditRef, "direction": "OUT"}
	creditMeta := models.Metadata{"counterparty_id": fromUserID, "paired_reference": debitRef, "direction": "IN"}
	for k, v := range meta {
		debitMeta[k] = v
		creditMeta[k] = v
	}

	debit, err := s.applyLocked(tx, sender, models.TxTypeTransfer, amount, fee, -(amount + fee), debitRef, debitMeta)
	if err != nil {
		return nil, nil, err
	}

	credit, err := s.applyLocked(tx, recipient, models.TxTypeTransfer, amount, 0, amount, creditRef, creditMeta)
	if err != nil {
		return nil, nil, err
	}

	return debit, credit, nil
}

// RecordFailedAttempt stores a FAILED transaction row for an operation whose
// external leg failed before any balance mutation was committed. The snapshot
// shows an unchanged balance.
func (s *LedgerService) RecordFailedAttempt(userID int, movementType string, amount, fee int64, meta models.Metadata, cause string) (*models.Transaction, error) {
	if meta == nil {
		meta = models.Metadata{}
	}
	meta["failure_reason"] = cause

	metadataJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	record := &models.Transaction{
		Reference: uuid.New().String(),
		UserID:    userID,
		Type:      movementType,
		Amount:    amount,
		Fee:       fee,
		Status:    models.TxStatusFailed,
		Metadata:  meta,
		CreatedAt: time.Now(),
	}

	err = s.db.QueryRow(`
		INSERT INTO transactions
		(reference, user_id, type, amount, fee, net_amount, balance_before, balance_after, status, metadata, created_at)
		SELECT $1, $2, $3, $4, $5, 0, available_balance, available_balance, $6, $7, $8
		FROM wallets WHERE user_id = $2
		RETURNING id`,
		record.Reference, userID, movementType, amount, fee,
		models.TxStatusFailed, metadataJSON, record.CreatedAt).Scan(&record.ID)
	if err != nil {
		return nil, err
	}

	s.audit.LogError(record.Reference, userID, ErrGatewayFailure(cause))
	return record, nil
}

// ReverseWithdrawalTx issues the compensating credit for a committed
// withdrawal whose provider leg later reported failure, and marks the
// original row FAILED. The wallet must never stay debited for an operation
// whose external leg failed.
func (s *LedgerService) ReverseWithdrawalTx(tx *sql.Tx, userID int, originalRef string) (*models.Transaction, error) {
	var amount, fee int64
	var status string
	err := tx.QueryRow(`
		SELECT amount, fee, status FROM transactions
		WHERE reference = $1 AND user_id = $2 AND type = $3
		FOR UPDATE`, originalRef, userID, models.TxTypeWithdrawal).Scan(&amount, &fee, &status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound("withdrawal not found")
	}
	if err != nil {
		return nil, err
	}
	if status != models.TxStatusCompleted {
		return nil, ErrConflict("withdrawal is not reversible")
	}

	w, err := s.lockWallet(tx, userID)
	if err != nil {
		return nil, err
	}

	total := amount + fee
	reversalRef := uuid.New().String()
	meta := models.Metadata{"reason": "withdrawal_reversal", "refund_of": originalRef}
	metadataJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	record := &models.Transaction{
		Reference:     reversalRef,
		UserID:        userID,
		Type:          models.TxTypeDeposit,
		Amount:        total,
		NetAmount:     total,
		BalanceBefore: w.Available,
		BalanceAfter:  w.Available + total,
		Status:        models.TxStatusCompleted,
		Metadata:      meta,
		CreatedAt:     time.Now(),
	}

	err = tx.QueryRow(`
		INSERT INTO transactions
		(reference, user_id, type, amount, fee, net_amount, balance_before, balance_after, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		record.Reference, userID, record.Type, record.Amount, record.NetAmount,
		record.BalanceBefore, record.BalanceAfter, record.Status, metadataJSON, record.CreatedAt).Scan(&record.ID)
	if err != nil {
		return nil, err
	}

	// Undo the withdrawal's contribution to the lifetime totals rather than
	// inflating total_deposited.
	_, err = tx.Exec(`
		UPDATE wallets
		SET available_balance = $1, total_withdrawn = total_withdrawn - $2, total_fees_paid = total_fees_paid - $3, updated_at = $4
		WHERE id = $5`,
		record.BalanceAfter, amount, fee, time.Now(), w.ID)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(`UPDATE transactions SET status = $1 WHERE reference = $2`,
		models.TxStatusFailed, originalRef)
	if err != nil {
		return nil, err
	}

	s.audit.LogMovement(reversalRef, userID, "WITHDRAWAL_REVERSAL", total, models.TxStatusCompleted)
	return record, nil
}

// GetWallet reads the wallet without locking it.
func (s *LedgerService) GetWallet(userID int) (*models.Wallet, error) {
	w := &models.Wallet{UserID: userID}
	err := s.db.QueryRow(`
		SELECT id, account_number, available_balance, locked_balance,
		       total_deposited, total_withdrawn, total_fees_paid, created_at, updated_at
		FROM wallets
		WHERE user_id = $1`, userID).Scan(
		&w.ID, &w.AccountNumber, &w.AvailableBalance, &w.LockedBalance,
		&w.TotalDeposited, &w.TotalWithdrawn, &w.TotalFeesPaid, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound("wallet not found")
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// GetStatement returns the newest ledger rows for a user.
func (s *LedgerService) GetStatement(userID, limit int) ([]models.Transaction, error) {
	rows, err := s.db.Query(`
		SELECT id, reference, type, amount, fee, net_amount, balance_before, balance_after, status, metadata, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	statement := []models.Transaction{}
	for rows.Next() {
		record := models.Transaction{UserID: userID}
		var metadataJSON []byte
		err := rows.Scan(&record.ID, &record.Reference, &record.Type, &record.Amount,
			&record.Fee, &record.NetAmount, &record.BalanceBefore, &record.BalanceAfter,
			&record.Status, &metadataJSON, &record.CreatedAt)
		if err != nil {
			return nil, err
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &record.Metadata); err != nil {
				return nil, fmt.Errorf("transaction %s: corrupt metadata: %w", record.Reference, err)
			}
		}
		statement = append(statement, record)
	}

	return statement, rows.Err()
}
