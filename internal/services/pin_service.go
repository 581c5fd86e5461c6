package services

import (
	cryptorand "crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"
)

// PinService is the second-factor gate in front of withdrawals, transfers and
// group payments. Wrong attempts are counted on the wallet row; the fifth
// failure locks verification for a configurable window. The lock expires
// passively, it is never cleared by a background job.
type PinService struct {
	db           *sql.DB
	maxAttempts  int
	lockDuration time.Duration
}

func NewPinService(db *sql.DB) *PinService {
	viper.SetDefault("pin.max_attempts", 5)
	viper.SetDefault("pin.lock_minutes", 30)

	return &PinService{
		db:           db,
		maxAttempts:  viper.GetInt("pin.max_attempts"),
		lockDuration: time.Duration(viper.GetInt("pin.lock_minutes")) * time.Minute,
	}
}

// SetPin stores the first PIN. An existing PIN is never silently overwritten;
// callers go through ChangePin instead.
func (s *PinService) SetPin(userID int, pin string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var pinHash *string
	err = tx.QueryRow(`SELECT pin_hash FROM wallets WHERE user_id = $1 FOR UPDATE`, userID).Scan(&pinHash)
	if err == sql.ErrNoRows {
		return ErrNotFound("wallet not found")
	}
	if err != nil {
		return err
	}

	if pinHash != nil {
		return ErrConflict("PIN already set")
	}

	hash, err := hashSecret(pin)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		UPDATE wallets
		SET pin_hash = $1, pin_attempts = 0, pin_locked_until = NULL, updated_at = $2
		WHERE user_id = $3`, hash, time.Now(), userID)
	if err != nil {
		return err
	}

	log.Printf("[PIN] PIN set for user %d", userID)
	return tx.Commit()
}

// ChangePin replaces the PIN after verifying the current one.
func (s *PinService) ChangePin(userID int, currentPin, newPin string) error {
	if err := s.Verify(userID, currentPin); err != nil {
		return err
	}

	hash, err := hashSecret(newPin)
	if err != nil {
		return err
	}

	result, err := s.db.Exec(`
		UPDATE wallets
		SET pin_hash = $1, pin_attempts = 0, pin_locked_until = NULL, updated_at = $2
		WHERE user_id = $3`, hash, time.Now(), userID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound("wallet not found")
	}

	log.Printf("[PIN] PIN changed for user %d", userID)
	return nil
}

// Verify checks the PIN against the stored hash. While locked every attempt
// is rejected immediately with the remaining lockout duration, without
// consuming an attempt. A correct PIN resets the counter and clears any
// expired lock.
func (s *PinService) Verify(userID int, pin string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var pinHash *string
	var attempts int
	var lockedUntil *time.Time
	err = tx.QueryRow(`
		SELECT pin_hash, pin_attempts, pin_locked_until
		FROM wallets
		WHERE user_id = $1
		FOR UPDATE`, userID).Scan(&pinHash, &attempts, &lockedUntil)
	if err == sql.ErrNoRows {
		return ErrNotFound("wallet not found")
	}
	if err != nil {
		return err
	}

	if pinHash == nil {
		return ErrPinNotSet()
	}

	now := time.Now()
	if lockedUntil != nil && now.Before(*lockedUntil) {
		return ErrPinLocked(lockedUntil.Sub(now))
	}

	if verifySecret(pin, *pinHash) {
		_, err = tx.Exec(`
			UPDATE wallets
			SET pin_attempts = 0, pin_locked_until = NULL, updated_at = $1
			WHERE user_id = $2`, now, userID)
		if err != nil {
			return err
		}
		return tx.Commit()
	}

	attempts++
	var newLock *time.Time
	if attempts >= s.maxAttempts {
		lockUntil := now.Add(s.lockDuration)
		newLock = &lockUntil
		log.Printf("[PIN] User %d locked out until %s after %d failed attempts", userID, lockUntil.Format(time.RFC3339), attempts)
	}

	_, err = tx.Exec(`
		UPDATE wallets
		SET pin_attempts = $1, pin_locked_until = $2, updated_at = $3
		WHERE user_id = $4`, attempts, newLock, now, userID)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	attemptsLeft := s.maxAttempts - attempts
	if attemptsLeft < 0 {
		attemptsLeft = 0
	}
	return ErrPinInvalid(attemptsLeft)
}

// hashSecret derives an argon2id hash, salt and digest base64-joined the same
// way the password layer stores credentials.
func hashSecret(secret string) (string, error) {
	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)

	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(secret), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifySecret(secret, stored string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(secret), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return string(hash) == string(computedHash)
}
