package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/kixikila/backend/internal/gateway"
	"github.com/kixikila/backend/internal/models"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

type stubMethod struct {
	name   string
	result *gateway.Result
	err    error
}

func (s *stubMethod) Name() string { return s.name }

func (s *stubMethod) Execute(ctx context.Context, req gateway.ExecuteRequest) (*gateway.Result, error) {
	return s.result, s.err
}

func walletTestConfig() {
	pinTestConfig()
	viper.Set("fees.withdrawal_percentage", 0.5)
	viper.Set("fees.withdrawal_fixed", int64(50))
	viper.Set("wallet.currency", "AOA")
}

func TestWalletService_Deposit(t *testing.T) {
	walletTestConfig()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	okGateway := &stubMethod{
		name:   "MULTICAIXA_EXPRESS",
		result: &gateway.Result{Success: true, ProviderReference: "MCX-1", Status: "ACCEPTED"},
	}
	service := NewWalletService(db, NewLedgerService(db), NewLimitService(db), NewPinService(db), gateway.NewRegistry(okGateway), NewNotifier(nil))

	depositBody := func(amount int64) []byte {
		body, _ := json.Marshal(DepositRequest{
			Amount:      amount,
			Method:      "MULTICAIXA_EXPRESS",
			Destination: map[string]string{"phone": "+244923000000"},
		})
		return body
	}

	t.Run("first deposit credits the wallet and activates the welcome bonus", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT deposit_limit, deposit_used_today, withdrawal_limit, withdrawal_used_today, last_reset_date").
			WithArgs(1).
			WillReturnRows(limitRows(500_000_00, 0, 200_000_00, 0, time.Now()))
		mock.ExpectQuery("SELECT id, available_balance, total_deposited, total_withdrawn, total_fees_paid").
			WithArgs(1).
			WillReturnRows(walletRows(10, 0, 0, 0, 0))
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
		mock.ExpectExec("UPDATE wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE daily_limits").
			WillReturnResult(sqlmock.NewResult(0, 1))
		// Welcome bonus: one PENDING row, and this is the first real deposit.
		mock.ExpectQuery("SELECT id, amount FROM bonuses").
			WillReturnRows(sqlmock.NewRows([]string{"id", "amount"}).AddRow(5, int64(100000)))
		mock.ExpectQuery("SELECT COUNT").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectQuery("SELECT id, available_balance, total_deposited, total_withdrawn, total_fees_paid").
			WithArgs(1).
			WillReturnRows(walletRows(10, 10000, 10000, 0, 0))
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
		mock.ExpectExec("UPDATE wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE bonuses").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		w := httptest.NewRecorder()
		service.Deposit(w, groupRequest("POST", "/wallet/deposit", depositBody(10000), "1", ""))

		assert.Equal(t, http.StatusCreated, w.Code)
		var response struct {
			Success     bool               `json:"success"`
			Transaction models.Transaction `json:"transaction"`
		}
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.True(t, response.Success)
		assert.Equal(t, int64(10000), response.Transaction.NetAmount)
		assert.Equal(t, "MCX-1", response.Transaction.Metadata["provider_reference"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("later deposits do not touch the bonus", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT deposit_limit, deposit_used_today, withdrawal_limit, withdrawal_used_today, last_reset_date").
			WithArgs(1).
			WillReturnRows(limitRows(500_000_00, 10000, 200_000_00, 0, time.Now()))
		mock.ExpectQuery("SELECT id, available_balance, total_deposited, total_withdrawn, total_fees_paid").
			WithArgs(1).
			WillReturnRows(walletRows(10, 110000, 110000, 0, 0))
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
		mock.ExpectExec("UPDATE wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE daily_limits").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT id, amount FROM bonuses").
			WillReturnRows(sqlmock.NewRows([]string{"id", "amount"})) // already activated
		mock.ExpectCommit()

		w := httptest.NewRecorder()
		service.Deposit(w, groupRequest("POST", "/wallet/deposit", depositBody(5000), "1", ""))

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("daily limit rejection happens before the provider call", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT deposit_limit, deposit_used_today, withdrawal_limit, withdrawal_used_today, last_reset_date").
			WithArgs(1).
			WillReturnRows(limitRows(500_000_00, 499_999_00, 200_000_00, 0, time.Now()))
		mock.ExpectRollback()

		w := httptest.NewRecorder()
		service.Deposit(w, groupRequest("POST", "/wallet/deposit", depositBody(10000), "1", ""))

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		var resp struct {
			Code string `json:"code"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, CodeLimitExceeded, resp.Code)
	})

	t.Run("unknown payment method", func(t *testing.T) {
		body, _ := json.Marshal(DepositRequest{Amount: 1000, Method: "CARRIER_PIGEON"})
		w := httptest.NewRecorder()
		service.Deposit(w, groupRequest("POST", "/wallet/deposit", body, "1", ""))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("negative amount fails validation", func(t *testing.T) {
		body, _ := json.Marshal(DepositRequest{Amount: -5, Method: "MULTICAIXA_EXPRESS"})
		w := httptest.NewRecorder()
		service.Deposit(w, groupRequest("POST", "/wallet/deposit", body, "1", ""))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestWalletService_Deposit_GatewayFailure(t *testing.T) {
	walletTestConfig()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	declined := &stubMethod{
		name:   "MULTICAIXA_EXPRESS",
		result: &gateway.Result{Success: false, Status: "DECLINED", Error: "provider declined the operation"},
	}
	service := NewWalletService(db, NewLedgerService(db), NewLimitService(db), NewPinService(db), gateway.NewRegistry(declined), NewNotifier(nil))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT deposit_limit, deposit_used_today, withdrawal_limit, withdrawal_used_today, last_reset_date").
		WithArgs(1).
		WillReturnRows(limitRows(500_000_00, 0, 200_000_00, 0, time.Now()))
	mock.ExpectRollback()
	// The failed attempt is recorded outside the rolled-back transaction, with
	// an unchanged balance snapshot.
	mock.ExpectQuery("INSERT INTO transactions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))

	body, _ := json.Marshal(DepositRequest{
		Amount:      10000,
		Method:      "MULTICAIXA_EXPRESS",
		Destination: map[string]string{"phone": "+244923000000"},
	})
	w := httptest.NewRecorder()
	service.Deposit(w, groupRequest("POST", "/wallet/deposit", body, "1", ""))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var resp struct {
		Code string `json:"code"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	assert.Equal(t, CodeGatewayFailure, resp.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWalletService_Withdraw(t *testing.T) {
	walletTestConfig()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	okGateway := &stubMethod{
		name:   "BANK_TRANSFER",
		result: &gateway.Result{Success: true, ProviderReference: "IBK-1", Status: "ACCEPTED"},
	}
	service := NewWalletService(db, NewLedgerService(db), NewLimitService(db), NewPinService(db), gateway.NewRegistry(okGateway), NewNotifier(nil))
	hash, err := hashSecret("1234")
	assert.NoError(t, err)

	withdrawBody := func(pin string) []byte {
		body, _ := json.Marshal(WithdrawRequest{
			Amount:      10000,
			Method:      "BANK_TRANSFER",
			Pin:         pin,
			Destination: map[string]string{"iban": "AO06004400006729503010102"},
		})
		return body
	}

	t.Run("wrong PIN blocks the withdrawal before any movement", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT pin_hash, pin_attempts, pin_locked_until").
			WithArgs(1).
			WillReturnRows(pinRows(&hash, 0, nil))
		mock.ExpectExec("UPDATE wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		w := httptest.NewRecorder()
		service.Withdraw(w, groupRequest("POST", "/wallet/withdraw", withdrawBody("9999"), "1", ""))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		var resp struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, CodePinInvalid, resp.Code)
		assert.Equal(t, float64(4), resp.Details["attempts_left"])
	})

	t.Run("successful withdrawal debits amount plus fee", func(t *testing.T) {
		// PIN check.
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT pin_hash, pin_attempts, pin_locked_until").
			WithArgs(1).
			WillReturnRows(pinRows(&hash, 0, nil))
		mock.ExpectExec("UPDATE wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		// Movement.
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT deposit_limit, deposit_used_today, withdrawal_limit, withdrawal_used_today, last_reset_date").
			WithArgs(1).
			WillReturnRows(limitRows(500_000_00, 0, 200_000_00, 0, time.Now()))
		mock.ExpectQuery("SELECT id, available_balance, total_deposited, total_withdrawn, total_fees_paid").
			WithArgs(1).
			WillReturnRows(walletRows(10, 20000, 20000, 0, 0))
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
		mock.ExpectExec("UPDATE wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE daily_limits").
			WillReturnResult(sqlmock.NewResult(0, 1))
		// Provider reference merged as a bound jsonb fragment.
		mock.ExpectExec("UPDATE transactions SET metadata").
			WithArgs([]byte(`{"provider_reference":"IBK-1"}`), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		w := httptest.NewRecorder()
		service.Withdraw(w, groupRequest("POST", "/wallet/withdraw", withdrawBody("1234"), "1", ""))

		assert.Equal(t, http.StatusCreated, w.Code)
		var response struct {
			Transaction models.Transaction `json:"transaction"`
		}
		json.Unmarshal(w.Body.Bytes(), &response)
		// 0.5% of 10000 plus 50 fixed.
		assert.Equal(t, int64(100), response.Transaction.Fee)
		assert.Equal(t, int64(-10100), response.Transaction.NetAmount)
		assert.Equal(t, int64(9900), response.Transaction.BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWalletService_Withdraw_GatewayFailureRollsBack(t *testing.T) {
	walletTestConfig()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	declined := &stubMethod{
		name:   "BANK_TRANSFER",
		result: &gateway.Result{Success: false, Status: "DECLINED", Error: "bank rejected the credit transfer"},
	}
	service := NewWalletService(db, NewLedgerService(db), NewLimitService(db), NewPinService(db), gateway.NewRegistry(declined), NewNotifier(nil))
	hash, err := hashSecret("1234")
	assert.NoError(t, err)

	// PIN check.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pin_hash, pin_attempts, pin_locked_until").
		WithArgs(1).
		WillReturnRows(pinRows(&hash, 0, nil))
	mock.ExpectExec("UPDATE wallets").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	// Movement rolled back when the provider declines.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT deposit_limit, deposit_used_today, withdrawal_limit, withdrawal_used_today, last_reset_date").
		WithArgs(1).
		WillReturnRows(limitRows(500_000_00, 0, 200_000_00, 0, time.Now()))
	mock.ExpectQuery("SELECT id, available_balance, total_deposited, total_withdrawn, total_fees_paid").
		WithArgs(1).
		WillReturnRows(walletRows(10, 20000, 20000, 0, 0))
	mock.ExpectQuery("INSERT INTO transactions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectExec("UPDATE wallets").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE daily_limits").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()
	// FAILED attempt row outside the transaction.
	mock.ExpectQuery("INSERT INTO transactions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))

	body, _ := json.Marshal(WithdrawRequest{
		Amount:      10000,
		Method:      "BANK_TRANSFER",
		Pin:         "1234",
		Destination: map[string]string{"iban": "AO06004400006729503010102"},
	})
	w := httptest.NewRecorder()
	service.Withdraw(w, groupRequest("POST", "/wallet/withdraw", body, "1", ""))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWalletService_Transfer(t *testing.T) {
	walletTestConfig()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db, NewLedgerService(db), NewLimitService(db), NewPinService(db), gateway.NewRegistry(), NewNotifier(nil))
	hash, err := hashSecret("1234")
	assert.NoError(t, err)

	t.Run("transfer produces paired legs", func(t *testing.T) {
		// PIN check.
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT pin_hash, pin_attempts, pin_locked_until").
			WithArgs(5).
			WillReturnRows(pinRows(&hash, 0, nil))
		mock.ExpectExec("UPDATE wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		// Recipient lookup by account number.
		mock.ExpectQuery("SELECT w.user_id FROM wallets").
			WithArgs("8812340000").
			WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(2))
		// Paired movement, locking ascending by user id.
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, available_balance, total_deposited, total_withdrawn, total_fees_paid").
			WithArgs(2).
			WillReturnRows(walletRows(20, 1000, 1000, 0, 0))
		mock.ExpectQuery("SELECT id, available_balance, total_deposited, total_withdrawn, total_fees_paid").
			WithArgs(5).
			WillReturnRows(walletRows(50, 50000, 50000, 0, 0))
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(21))
		mock.ExpectExec("UPDATE wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(22))
		mock.ExpectExec("UPDATE wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		body, _ := json.Marshal(TransferRequest{
			RecipientAccountNumber: "8812340000",
			Amount:                 10000,
			Pin:                    "1234",
			Description:            "kixikila share",
		})
		w := httptest.NewRecorder()
		service.Transfer(w, groupRequest("POST", "/wallet/transfer", body, "5", ""))

		assert.Equal(t, http.StatusCreated, w.Code)
		var response struct {
			Debit  models.Transaction `json:"debit"`
			Credit models.Transaction `json:"credit"`
		}
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, int64(-10100), response.Debit.NetAmount)
		assert.Equal(t, int64(10000), response.Credit.NetAmount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown recipient", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT pin_hash, pin_attempts, pin_locked_until").
			WithArgs(5).
			WillReturnRows(pinRows(&hash, 0, nil))
		mock.ExpectExec("UPDATE wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		mock.ExpectQuery("SELECT w.user_id FROM wallets").
			WithArgs("0000000000").
			WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

		body, _ := json.Marshal(TransferRequest{
			RecipientAccountNumber: "0000000000",
			Amount:                 10000,
			Pin:                    "1234",
		})
		w := httptest.NewRecorder()
		service.Transfer(w, groupRequest("POST", "/wallet/transfer", body, "5", ""))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestWalletService_GetBalance(t *testing.T) {
	walletTestConfig()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db, NewLedgerService(db), NewLimitService(db), NewPinService(db), gateway.NewRegistry(), NewNotifier(nil))

	now := time.Now()
	mock.ExpectQuery("SELECT id, account_number, available_balance, locked_balance").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_number", "available_balance", "locked_balance", "total_deposited", "total_withdrawn", "total_fees_paid", "created_at", "updated_at"}).
			AddRow(10, "8812340000", 15000, 0, 20000, 5000, 100, now, now))

	w := httptest.NewRecorder()
	service.GetBalance(w, groupRequest("GET", "/wallet", nil, "1", ""))

	assert.Equal(t, http.StatusOK, w.Code)
	var wallet models.Wallet
	json.Unmarshal(w.Body.Bytes(), &wallet)
	assert.Equal(t, int64(15000), wallet.AvailableBalance)
	assert.Equal(t, "8812340000", wallet.AccountNumber)
}

func TestWalletService_Unauthorized(t *testing.T) {
	walletTestConfig()

	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewWalletService(db, NewLedgerService(db), NewLimitService(db), NewPinService(db), gateway.NewRegistry(), NewNotifier(nil))

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/wallet", nil) // no user in context
	service.GetBalance(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
