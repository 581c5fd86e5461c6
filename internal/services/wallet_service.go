package services

import (
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kixikila/backend/internal/gateway"
	"github.com/kixikila/backend/internal/models"
	"github.com/spf13/viper"
)

// WalletService exposes the wallet operation surface. Every operation runs
// its guard pipeline in a fixed order: validate, limits, PIN, then the ledger
// movement. External gateway legs complete before the ledger commits.
type WalletService struct {
	db        *sql.DB
	ledger    *LedgerService
	limits    *LimitService
	pins      *PinService
	gateways  *gateway.Registry
	notifier  *Notifier
	validator *ValidationHelper

	feePercentage float64
	feeFixed      int64
	currency      string
}

func NewWalletService(db *sql.DB, ledger *LedgerService, limits *LimitService, pins *PinService, gateways *gateway.Registry, notifier *Notifier) *WalletService {
	viper.SetDefault("fees.withdrawal_percentage", 0.5)
	viper.SetDefault("fees.withdrawal_fixed", int64(50))
	viper.SetDefault("wallet.currency", "AOA")

	return &WalletService{
		db:            db,
		ledger:        ledger,
		limits:        limits,
		pins:          pins,
		gateways:      gateways,
		notifier:      notifier,
		validator:     NewValidationHelper(),
		feePercentage: viper.GetFloat64("fees.withdrawal_percentage"),
		feeFixed:      viper.GetInt64("fees.withdrawal_fixed"),
		currency:      viper.GetString("wallet.currency"),
	}
}

func (s *WalletService) calculateFee(amount int64) int64 {
	fee := int64(float64(amount) * s.feePercentage / 100)
	return fee + s.feeFixed
}

func userIDFromRequest(r *http.Request) (int, bool) {
	raw, ok := r.Context().Value("userID").(string)
	if !ok || raw == "" {
		return 0, false
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return id, true
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return ErrValidation("invalid request body")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ErrValidation("request body must only contain a single JSON object")
	}
	return nil
}

type DepositRequest struct {
	Amount      int64             `json:"amount" validate:"required,gt=0"`
	Method      string            `json:"method" validate:"required"`
	Destination map[string]string `json:"destination"`
}

// Deposit credits the wallet after the payment provider confirmed the leg.
// @Summary Deposit funds
// @Description Deposit funds into the authenticated user's wallet via a payment method
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body DepositRequest true "Deposit request"
// @Success 201 {object} models.Transaction
// @Router /wallet/deposit [post]
func (s *WalletService) Deposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req DepositRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		WriteAppError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	method, err := s.gateways.Get(req.Method)
	if err != nil {
		WriteAppError(w, ErrValidation("unknown payment method"))
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		log.Printf("[WALLET] Failed to begin deposit transaction: %v", err)
		WriteAppError(w, ErrInternal())
		return
	}
	defer tx.Rollback()

	if _, err := s.limits.ReserveTx(tx, userID, LimitKindDeposit, req.Amount); err != nil {
		WriteAppError(w, err)
		return
	}

	// The provider leg completes before the ledger commits: a failed attempt
	// never mutates the balance.
	result, err := method.Execute(r.Context(), gateway.ExecuteRequest{
		Reference:   "DEP-" + strconv.FormatInt(time.Now().UnixNano(), 10),
		Amount:      req.Amount,
		Currency:    s.currency,
		Destination: req.Destination,
	})
	if err != nil || !result.Success {
		tx.Rollback()
		cause := "provider unreachable"
		if err == nil {
			cause = result.Error
		}
		if _, recErr := s.ledger.RecordFailedAttempt(userID, models.TxTypeDeposit, req.Amount, 0, models.Metadata{"method": req.Method}, cause); recErr != nil {
			log.Printf("[WALLET] Failed to record failed deposit attempt for user %d: %v", userID, recErr)
		}
		WriteAppError(w, ErrGatewayFailure(cause))
		return
	}

	record, err := s.ledger.ApplyMovementTx(tx, userID, models.TxTypeDeposit, req.Amount, 0, models.Metadata{
		"method":             req.Method,
		"provider_reference": result.ProviderReference,
	})
	if err != nil {
		WriteAppError(w, err)
		return
	}

	if err := s.limits.CommitUsageTx(tx, userID, LimitKindDeposit, req.Amount); err != nil {
		WriteAppError(w, err)
		return
	}

	bonus, err := s.activateWelcomeBonusTx(tx, userID)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[WALLET] Failed to commit deposit for user %d: %v", userID, err)
		WriteAppError(w, ErrInternal())
		return
	}

	s.notifier.Publish(EventDepositCompleted, map[string]any{
		"user_id":   userID,
		"amount":    req.Amount,
		"reference": record.Reference,
	})
	if bonus != nil {
		s.notifier.Publish(EventBonusActivated, map[string]any{
			"user_id": userID,
			"amount":  bonus.Amount,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success":     true,
		"transaction": record,
	})
}

// activateWelcomeBonusTx credits a PENDING welcome bonus on the user's first
// completed deposit. Reversal credits do not count as deposits.
func (s *WalletService) activateWelcomeBonusTx(tx *sql.Tx, userID int) (*models.Bonus, error) {
	var bonus models.Bonus
	err := tx.QueryRow(`
		SELECT id, amount FROM bonuses
		WHERE user_id = $1 AND type = $2 AND status = $3
		FOR UPDATE`, userID, models.BonusTypeWelcome, models.BonusStatusPending).Scan(&bonus.ID, &bonus.Amount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var depositCount int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM transactions
		WHERE user_id = $1 AND type = $2 AND status = $3 AND NOT (metadata ? 'refund_of')`,
		userID, models.TxTypeDeposit, models.TxStatusCompleted).Scan(&depositCount)
	if err != nil {
		return nil, err
	}
	if depositCount != 1 {
		return nil, nil
	}

	if _, err := s.ledger.ApplyMovementTx(tx, userID, models.TxTypeBonus, bonus.Amount, 0, models.Metadata{
		"bonus_id":   bonus.ID,
		"bonus_type": models.BonusTypeWelcome,
	}); err != nil {
		return nil, err
	}

	_, err = tx.Exec(`
		UPDATE bonuses SET status = $1, activated_at = $2 WHERE id = $3`,
		models.BonusStatusActivated, time.Now(), bonus.ID)
	if err != nil {
		return nil, err
	}

	log.Printf("[WALLET] Welcome bonus of %d activated for user %d", bonus.Amount, userID)
	return &bonus, nil
}

type WithdrawRequest struct {
	Amount      int64             `json:"amount" validate:"required,gt=0"`
	Method      string            `json:"method" validate:"required"`
	Pin         string            `json:"pin" validate:"required,len=4,numeric"`
	Destination map[string]string `json:"destination"`
}

// Withdraw debits amount plus fee, then runs the provider leg before the
// debit is committed. A provider decline rolls the debit back entirely.
// @Summary Withdraw funds
// @Description Withdraw funds from the wallet to an external destination
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body WithdrawRequest true "Withdrawal request"
// @Success 201 {object} models.Transaction
// @Router /wallet/withdraw [post]
func (s *WalletService) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req WithdrawRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		WriteAppError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	method, err := s.gateways.Get(req.Method)
	if err != nil {
		WriteAppError(w, ErrValidation("unknown payment method"))
		return
	}

	if err := s.pins.Verify(userID, req.Pin); err != nil {
		WriteAppError(w, err)
		return
	}

	fee := s.calculateFee(req.Amount)

	tx, err := s.db.Begin()
	if err != nil {
		log.Printf("[WALLET] Failed to begin withdrawal transaction: %v", err)
		WriteAppError(w, ErrInternal())
		return
	}
	defer tx.Rollback()

	if _, err := s.limits.ReserveTx(tx, userID, LimitKindWithdrawal, req.Amount); err != nil {
		WriteAppError(w, err)
		return
	}

	record, err := s.ledger.ApplyMovementTx(tx, userID, models.TxTypeWithdrawal, req.Amount, fee, models.Metadata{
		"method": req.Method,
	})
	if err != nil {
		WriteAppError(w, err)
		return
	}

	if err := s.limits.CommitUsageTx(tx, userID, LimitKindWithdrawal, req.Amount); err != nil {
		WriteAppError(w, err)
		return
	}

	result, err := method.Execute(r.Context(), gateway.ExecuteRequest{
		Reference:   record.Reference,
		Amount:      req.Amount,
		Currency:    s.currency,
		Destination: req.Destination,
	})
	if err != nil || !result.Success {
		tx.Rollback()
		cause := "provider unreachable"
		if err == nil {
			cause = result.Error
		}
		if _, recErr := s.ledger.RecordFailedAttempt(userID, models.TxTypeWithdrawal, req.Amount, fee, models.Metadata{"method": req.Method}, cause); recErr != nil {
			log.Printf("[WALLET] Failed to record failed withdrawal attempt for user %d: %v", userID, recErr)
		}
		WriteAppError(w, ErrGatewayFailure(cause))
		return
	}

	fragment, err := json.Marshal(models.Metadata{"provider_reference": result.ProviderReference})
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}
	_, err = tx.Exec(`UPDATE transactions SET metadata = metadata || $1::jsonb WHERE reference = $2`,
		fragment, record.Reference)
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[WALLET] Failed to commit withdrawal for user %d: %v", userID, err)
		WriteAppError(w, ErrInternal())
		return
	}

	s.notifier.Publish(EventWithdrawalCompleted, map[string]any{
		"user_id":   userID,
		"amount":    req.Amount,
		"fee":       fee,
		"reference": record.Reference,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success":     true,
		"transaction": record,
	})
}

// ReverseWithdrawal issues the compensating credit for a committed withdrawal
// whose provider later reported failure.
// @Summary Reverse a withdrawal
// @Description Refund a committed withdrawal after a provider failure report
// @Tags wallet
// @Produce json
// @Param reference path string true "Withdrawal reference"
// @Success 200 {object} models.Transaction
// @Router /wallet/withdrawals/{reference}/reverse [post]
func (s *WalletService) ReverseWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	reference := pathParam(r, "reference")
	if reference == "" {
		WriteAppError(w, ErrValidation("reference is required"))
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}
	defer tx.Rollback()

	record, err := s.ledger.ReverseWithdrawalTx(tx, userID, reference)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[WALLET] Failed to commit withdrawal reversal %s: %v", reference, err)
		WriteAppError(w, ErrInternal())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":     true,
		"transaction": record,
	})
}

type TransferRequest struct {
	RecipientAccountNumber string `json:"recipientAccountNumber" validate:"required,len=10,numeric"`
	Amount                 int64  `json:"amount" validate:"required,gt=0"`
	Pin                    string `json:"pin" validate:"required,len=4,numeric"`
	Description            string `json:"description" validate:"max=200"`
}

// Transfer moves funds between two wallets as a paired debit and credit.
// @Summary Transfer funds
// @Description Transfer funds to another member's wallet by account number
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body TransferRequest true "Transfer request"
// @Success 201 {object} object{debit=models.Transaction,credit=models.Transaction}
// @Router /wallet/transfer [post]
func (s *WalletService) Transfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req TransferRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		WriteAppError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := s.pins.Verify(userID, req.Pin); err != nil {
		WriteAppError(w, err)
		return
	}

	var recipientID int
	err := s.db.QueryRow(`
		SELECT w.user_id FROM wallets w
		JOIN users u ON u.id = w.user_id
		WHERE w.account_number = $1 AND u.active = true`, req.RecipientAccountNumber).Scan(&recipientID)
	if err == sql.ErrNoRows {
		WriteAppError(w, ErrNotFound("recipient not found"))
		return
	}
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}

	fee := s.calculateFee(req.Amount)

	tx, err := s.db.Begin()
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}
	defer tx.Rollback()

	debit, credit, err := s.ledger.TransferTx(tx, userID, recipientID, req.Amount, fee, models.Metadata{
		"description": req.Description,
	})
	if err != nil {
		WriteAppError(w, err)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[WALLET] Failed to commit transfer from user %d: %v", userID, err)
		WriteAppError(w, ErrInternal())
		return
	}

	s.notifier.Publish(EventTransferCompleted, map[string]any{
		"from_user_id": userID,
		"to_user_id":   recipientID,
		"amount":       req.Amount,
		"reference":    debit.Reference,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"debit":   debit,
		"credit":  credit,
	})
}

// GetBalance returns the wallet snapshot.
// @Summary Get wallet balance
// @Tags wallet
// @Produce json
// @Success 200 {object} models.Wallet
// @Router /wallet [get]
func (s *WalletService) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	wallet, err := s.ledger.GetWallet(userID)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wallet)
}

// GetStatement lists the newest ledger rows for the wallet.
// @Summary Get wallet statement
// @Tags wallet
// @Produce json
// @Param limit query int false "Number of rows (default 50, max 200)"
// @Success 200 {object} object{transactions=[]models.Transaction,count=int}
// @Router /wallet/statement [get]
func (s *WalletService) GetStatement(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	statement, err := s.ledger.GetStatement(userID, limit)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": statement,
		"count":        len(statement),
	})
}

type SetPinRequest struct {
	Pin string `json:"pin" validate:"required,len=4,numeric"`
}

type ChangePinRequest struct {
	CurrentPin string `json:"currentPin" validate:"required,len=4,numeric"`
	NewPin     string `json:"newPin" validate:"required,len=4,numeric"`
}

type VerifyPinRequest struct {
	Pin string `json:"pin" validate:"required,len=4,numeric"`
}

// SetPin stores the wallet's first transaction PIN.
// @Summary Set transaction PIN
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body SetPinRequest true "PIN"
// @Success 200 {object} map[string]bool
// @Router /wallet/pin [post]
func (s *WalletService) SetPin(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req SetPinRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		WriteAppError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := s.pins.SetPin(userID, req.Pin); err != nil {
		WriteAppError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// ChangePin replaces the PIN after verifying the current one.
// @Summary Change transaction PIN
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body ChangePinRequest true "PIN change"
// @Success 200 {object} map[string]bool
// @Router /wallet/pin [put]
func (s *WalletService) ChangePin(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req ChangePinRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		WriteAppError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := s.pins.ChangePin(userID, req.CurrentPin, req.NewPin); err != nil {
		WriteAppError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// VerifyPin checks the PIN without performing any movement.
// @Summary Verify transaction PIN
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body VerifyPinRequest true "PIN"
// @Success 200 {object} map[string]bool
// @Router /wallet/pin/verify [post]
func (s *WalletService) VerifyPin(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req VerifyPinRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		WriteAppError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := s.pins.Verify(userID, req.Pin); err != nil {
		WriteAppError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"valid": true})
}
