package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func pinTestConfig() {
	viper.Set("argon2.salt_length", 16)
	viper.Set("argon2.time", 1)
	viper.Set("argon2.memory", 64*1024)
	viper.Set("argon2.threads", 4)
	viper.Set("argon2.key_length", 32)
	viper.Set("pin.max_attempts", 5)
	viper.Set("pin.lock_minutes", 30)
}

func pinRows(hash *string, attempts int, lockedUntil *time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"pin_hash", "pin_attempts", "pin_locked_until"}).
		AddRow(hash, attempts, lockedUntil)
}

func TestPinService_SetPin(t *testing.T) {
	pinTestConfig()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewPinService(db)

	t.Run("first PIN is stored", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT pin_hash FROM wallets").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash"}).AddRow(nil))
		mock.ExpectExec("UPDATE wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		assert.NoError(t, service.SetPin(1, "1234"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("existing PIN is never overwritten", func(t *testing.T) {
		existing, _ := hashSecret("1234")
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT pin_hash FROM wallets").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash"}).AddRow(existing))
		mock.ExpectRollback()

		err := service.SetPin(1, "5678")
		appErr, ok := AsAppError(err)
		assert.True(t, ok)
		assert.Equal(t, CodeConflict, appErr.Code)
	})
}

func TestPinService_Verify_LockoutSequence(t *testing.T) {
	pinTestConfig()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewPinService(db)
	hash, err := hashSecret("1234")
	assert.NoError(t, err)

	// Five wrong attempts in a row. The fifth sets the lock.
	for attempt := 0; attempt < 5; attempt++ {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT pin_hash, pin_attempts, pin_locked_until").
			WithArgs(1).
			WillReturnRows(pinRows(&hash, attempt, nil))
		mock.ExpectExec("UPDATE wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := service.Verify(1, "0000")
		appErr, ok := AsAppError(err)
		assert.True(t, ok)
		assert.Equal(t, CodePinInvalid, appErr.Code)
		assert.Equal(t, 5-(attempt+1), appErr.Details["attempts_left"])
	}

	// Sixth attempt while locked: rejected immediately, counter untouched.
	lockedUntil := time.Now().Add(20 * time.Minute)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pin_hash, pin_attempts, pin_locked_until").
		WithArgs(1).
		WillReturnRows(pinRows(&hash, 5, &lockedUntil))
	mock.ExpectRollback()

	err = service.Verify(1, "1234")
	appErr, ok := AsAppError(err)
	assert.True(t, ok)
	assert.Equal(t, CodePinLocked, appErr.Code)
	retryAfter := appErr.Details["retry_after_seconds"].(int)
	assert.Greater(t, retryAfter, 0)
	assert.LessOrEqual(t, retryAfter, int((20 * time.Minute).Seconds()))

	// Correct PIN after the window expired: lock cleared lazily, counter reset.
	expired := time.Now().Add(-time.Minute)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pin_hash, pin_attempts, pin_locked_until").
		WithArgs(1).
		WillReturnRows(pinRows(&hash, 5, &expired))
	mock.ExpectExec("UPDATE wallets").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, service.Verify(1, "1234"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPinService_Verify(t *testing.T) {
	pinTestConfig()

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewPinService(db)

	t.Run("no PIN set", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT pin_hash, pin_attempts, pin_locked_until").
			WithArgs(1).
			WillReturnRows(pinRows(nil, 0, nil))
		mock.ExpectRollback()

		err := service.Verify(1, "1234")
		appErr, ok := AsAppError(err)
		assert.True(t, ok)
		assert.Equal(t, CodePinNotSet, appErr.Code)
	})

	t.Run("correct PIN resets the attempt counter", func(t *testing.T) {
		hash, _ := hashSecret("4321")
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT pin_hash, pin_attempts, pin_locked_until").
			WithArgs(1).
			WillReturnRows(pinRows(&hash, 3, nil))
		mock.ExpectExec("UPDATE wallets").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		assert.NoError(t, service.Verify(1, "4321"))
	})

	t.Run("unknown wallet", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT pin_hash, pin_attempts, pin_locked_until").
			WithArgs(99).
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash", "pin_attempts", "pin_locked_until"}))
		mock.ExpectRollback()

		err := service.Verify(99, "1234")
		appErr, ok := AsAppError(err)
		assert.True(t, ok)
		assert.Equal(t, CodeNotFound, appErr.Code)
	})
}

func TestHashSecretRoundTrip(t *testing.T) {
	pinTestConfig()

	hash, err := hashSecret("1234")
	assert.NoError(t, err)
	assert.True(t, verifySecret("1234", hash))
	assert.False(t, verifySecret("1235", hash))
	assert.False(t, verifySecret("1234", "not$a$valid$hash"))
}
