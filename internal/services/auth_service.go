package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/kixikila/backend/internal/models"
	"github.com/spf13/viper"
)

type AuthService struct {
	db        *sql.DB
	redis     *redis.Client
	validator *ValidationHelper
}

func NewAuthService(db *sql.DB, redisClient *redis.Client) *AuthService {
	viper.SetDefault("bonuses.welcome_amount", int64(1000_00))

	return &AuthService{
		db:        db,
		redis:     redisClient,
		validator: NewValidationHelper(),
	}
}

// RegisterRequest represents the registration request payload
// @Description Registration request structure
type RegisterRequest struct {
	Email       string `json:"email" validate:"required,email" example:"user@example.com"`
	Password    string `json:"password" validate:"required,min=6" example:"password123"`
	FirstName   string `json:"firstName" validate:"required,min=2" example:"Adilson"`
	LastName    string `json:"lastName" validate:"required,min=2" example:"Domingos"`
	PhoneNumber string `json:"phoneNumber" validate:"required,e164" example:"+244923000000"`
}

// LoginRequest represents the login request payload
// @Description Login request structure
type LoginRequest struct {
	PhoneNumber string `json:"phoneNumber" validate:"required" example:"+244923000000"`
	Password    string `json:"password" validate:"required,min=6" example:"password123"`
}

// AuthResponse represents the authentication response
// @Description Authentication response structure
type AuthResponse struct {
	Token         string      `json:"token"`
	User          models.User `json:"user"`
	AccountNumber string      `json:"accountNumber" example:"1234567890"`
}

// Register creates the user with their wallet, daily limit counters and a
// PENDING welcome bonus in one transaction. The bonus only becomes spendable
// on the first completed deposit.
// @Summary Register a new user
// @Description Register a new user and provision their wallet
// @Tags auth
// @Accept json
// @Produce json
// @Param request body RegisterRequest true "Registration request"
// @Success 201 {object} AuthResponse "Registration successful"
// @Failure 400 {string} string "Invalid request"
// @Failure 409 {string} string "Account already exists"
// @Router /auth/register [post]
func (s *AuthService) Register(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Registration attempt from IP: %s", r.RemoteAddr)

	var req RegisterRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		WriteAppError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		log.Printf("[AUTH] Registration validation failed: %v", err)
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	hashedPassword, err := hashSecret(req.Password)
	if err != nil {
		log.Printf("[AUTH] Password hashing failed for %s: %v", req.Email, err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	accountNumber := generateAccountNumber()
	now := time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		log.Printf("[AUTH] Transaction start failed for %s: %v", req.Email, err)
		SendErrorResponse(w, "Failed to create user", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	var userID int
	err = tx.QueryRow(`
		INSERT INTO users (email, password, first_name, last_name, phone_number, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, true, $6, $7)
		RETURNING id`,
		strings.ToLower(req.Email), hashedPassword, req.FirstName, req.LastName,
		req.PhoneNumber, now, now).Scan(&userID)
	if err != nil {
		log.Printf("[AUTH] User creation failed for %s: %v", req.Email, err)
		SendErrorResponse(w, "Account Already Exists", http.StatusConflict, nil)
		return
	}

	_, err = tx.Exec(`
		INSERT INTO wallets (user_id, account_number, available_balance, locked_balance, total_deposited, total_withdrawn, total_fees_paid, created_at, updated_at)
		VALUES ($1, $2, 0, 0, 0, 0, 0, $3, $4)`,
		userID, accountNumber, now, now)
	if err != nil {
		log.Printf("[AUTH] Wallet creation failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to create wallet", http.StatusInternalServerError, nil)
		return
	}

	_, err = tx.Exec(`
		INSERT INTO daily_limits (user_id, deposit_limit, deposit_used_today, withdrawal_limit, withdrawal_used_today, last_reset_date)
		VALUES ($1, $2, 0, $3, 0, $4)`,
		userID, DefaultDepositLimit(), DefaultWithdrawalLimit(), now)
	if err != nil {
		log.Printf("[AUTH] Daily limit setup failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to create wallet", http.StatusInternalServerError, nil)
		return
	}

	_, err = tx.Exec(`
		INSERT INTO bonuses (user_id, type, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		userID, models.BonusTypeWelcome, viper.GetInt64("bonuses.welcome_amount"),
		models.BonusStatusPending, now)
	if err != nil {
		log.Printf("[AUTH] Welcome bonus setup failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to create wallet", http.StatusInternalServerError, nil)
		return
	}

	if err = tx.Commit(); err != nil {
		log.Printf("[AUTH] Transaction commit failed for %s: %v", req.Email, err)
		SendErrorResponse(w, "Failed to create user", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] User created successfully - ID: %d, Email: %s", userID, req.Email)

	token, err := generateJWT(userID)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	response := AuthResponse{
		Token: token,
		User: models.User{
			ID:          userID,
			Email:       strings.ToLower(req.Email),
			FirstName:   req.FirstName,
			LastName:    req.LastName,
			PhoneNumber: req.PhoneNumber,
			Active:      true,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		AccountNumber: accountNumber,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(response)
}

// Login authenticates by phone number and password.
// @Summary Login user
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login request"
// @Success 200 {object} AuthResponse "Login successful"
// @Failure 401 {string} string "Invalid credentials"
// @Router /auth/login [post]
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Login attempt from IP: %s", r.RemoteAddr)

	var req LoginRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		WriteAppError(w, err)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		log.Printf("[AUTH] Login validation failed: %v", err)
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var user models.User
	var hashedPassword string
	var accountNumber string
	err := s.db.QueryRow(`
		SELECT u.id, u.email, u.first_name, u.last_name, u.password, u.active, w.account_number
		FROM users u
		JOIN wallets w ON w.user_id = u.id
		WHERE u.phone_number = $1`, req.PhoneNumber).Scan(
		&user.ID, &user.Email, &user.FirstName, &user.LastName, &hashedPassword, &user.Active, &accountNumber)
	if err != nil {
		log.Printf("[AUTH] User not found for phone number: %s", req.PhoneNumber)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	if !user.Active {
		SendErrorResponse(w, "Account is disabled", http.StatusUnauthorized, nil)
		return
	}

	if !verifySecret(req.Password, hashedPassword) {
		log.Printf("[AUTH] Invalid password for user: %s", req.PhoneNumber)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	token, err := generateJWT(user.ID)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for user %d: %v", user.ID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	now := time.Now()
	if _, err := s.db.Exec(`UPDATE users SET last_login = $1 WHERE id = $2`, now, user.ID); err != nil {
		log.Printf("[AUTH] Failed to record last login for user %d: %v", user.ID, err)
	}
	user.PhoneNumber = req.PhoneNumber
	user.LastLogin = &now

	log.Printf("[AUTH] Login successful for user %d", user.ID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AuthResponse{
		Token:         token,
		User:          user,
		AccountNumber: accountNumber,
	})
}

// Logout blacklists the presented token until its natural expiry.
// @Summary Logout user
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]string "Logout successful"
// @Router /auth/logout [post]
func (s *AuthService) Logout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token != "" && len(token) > 7 {
		token = token[7:] // Remove "Bearer " prefix

		if s.redis != nil {
			ctx := context.Background()
			key := fmt.Sprintf("blacklist:%s", token)
			expiry := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
			if err := s.redis.Set(ctx, key, "1", expiry).Err(); err != nil {
				log.Printf("[AUTH] Failed to blacklist token: %v", err)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Logout successful"})
}

// GetAccount returns the authenticated user's profile and account number.
// @Summary Get user account details
// @Tags auth
// @Produce json
// @Success 200 {object} AuthResponse "User account details"
// @Failure 401 {string} string "Unauthorized"
// @Router /auth/account [get]
func (s *AuthService) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var user models.User
	var accountNumber string
	err := s.db.QueryRow(`
		SELECT u.id, u.email, u.first_name, u.last_name, u.phone_number, u.active, u.last_login, u.created_at, u.updated_at, w.account_number
		FROM users u
		JOIN wallets w ON w.user_id = u.id
		WHERE u.id = $1`, userID).Scan(
		&user.ID, &user.Email, &user.FirstName, &user.LastName, &user.PhoneNumber,
		&user.Active, &user.LastLogin, &user.CreatedAt, &user.UpdatedAt, &accountNumber)
	if err == sql.ErrNoRows {
		WriteAppError(w, ErrNotFound("user not found"))
		return
	}
	if err != nil {
		WriteAppError(w, ErrInternal())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"user":          user,
		"accountNumber": accountNumber,
	})
}

func generateJWT(userID int) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"nameid":  userID,
		"exp":     time.Now().Add(time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour).Unix(),
	})

	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

func generateAccountNumber() string {
	const digits = "0123456789"
	b := make([]byte, 10)
	for i := range b {
		b[i] = digits[rand.Intn(len(digits))]
	}
	return string(b)
}
