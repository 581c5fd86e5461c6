package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/kixikila/backend/internal/database"
	"github.com/kixikila/backend/internal/gateway"
	"github.com/kixikila/backend/internal/handlers"
	mW "github.com/kixikila/backend/internal/middleware"
	"github.com/kixikila/backend/internal/services"
	"github.com/spf13/viper"
)

// @title Kixikila Backend API
// @version 1.0
// @description API for rotating savings groups with wallet, PIN and payment gateway integration
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.BindEnv("pin.max_attempts", "PIN_MAX_ATTEMPTS")
	viper.BindEnv("pin.lock_minutes", "PIN_LOCK_MINUTES")
	viper.BindEnv("limits.daily_deposit", "LIMITS_DAILY_DEPOSIT")
	viper.BindEnv("limits.daily_withdrawal", "LIMITS_DAILY_WITHDRAWAL")
	viper.BindEnv("fees.withdrawal_percentage", "FEES_WITHDRAWAL_PERCENTAGE")
	viper.BindEnv("fees.withdrawal_fixed", "FEES_WITHDRAWAL_FIXED")
	viper.BindEnv("bonuses.welcome_amount", "BONUSES_WELCOME_AMOUNT")
	viper.BindEnv("gateway.failure_rate", "GATEWAY_FAILURE_RATE")
	viper.BindEnv("gateway.max_latency_ms", "GATEWAY_MAX_LATENCY_MS")
	viper.BindEnv("gateway.bank_bic", "GATEWAY_BANK_BIC")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	viper.SetDefault("gateway.failure_rate", 0.05)
	viper.SetDefault("gateway.max_latency_ms", 1500)
	viper.SetDefault("gateway.bank_bic", "BAIPAOLU")

	// Initialize storage
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Payment gateway simulation
	attempts := gateway.NewAttemptStore()
	failureRate := viper.GetFloat64("gateway.failure_rate")
	maxLatency := time.Duration(viper.GetInt("gateway.max_latency_ms")) * time.Millisecond
	gateways := gateway.NewRegistry(
		gateway.NewMulticaixaExpress(attempts, failureRate, maxLatency, nil),
		gateway.NewBankTransfer(attempts, viper.GetString("gateway.bank_bic"), failureRate, maxLatency, nil),
		gateway.NewEWallet(attempts, failureRate, nil),
	)
	log.Printf("Payment methods enabled: %v", gateways.Names())

	// Core services
	notifier := services.NewNotifier(redisClient)
	ledgerService := services.NewLedgerService(db)
	limitService := services.NewLimitService(db)
	pinService := services.NewPinService(db)
	walletService := services.NewWalletService(db, ledgerService, limitService, pinService, gateways, notifier)
	groupService := services.NewGroupService(db, ledgerService, pinService, notifier)
	authService := services.NewAuthService(db, redisClient)
	qrService := services.NewQRService(db, redisClient)
	qrHandler := handlers.NewQRHandler(qrService)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.Auth(redisClient))

			r.Get("/auth/account", authService.GetAccount)

			// Wallet
			r.Get("/wallet", walletService.GetBalance)
			r.Get("/wallet/statement", walletService.GetStatement)
			r.Post("/wallet/deposit", walletService.Deposit)
			r.Post("/wallet/withdraw", walletService.Withdraw)
			r.Post("/wallet/withdrawals/{reference}/reverse", walletService.ReverseWithdrawal)
			r.Post("/wallet/transfer", walletService.Transfer)

			// Transaction PIN
			r.Post("/wallet/pin", walletService.SetPin)
			r.Put("/wallet/pin", walletService.ChangePin)
			r.Post("/wallet/pin/verify", walletService.VerifyPin)

			// Savings groups
			r.Post("/groups", groupService.CreateGroup)
			r.Get("/groups/{groupID}", groupService.GetGroup)
			r.Delete("/groups/{groupID}", groupService.CancelGroup)
			r.Post("/groups/{groupID}/join", groupService.JoinGroup)
			r.Post("/groups/{groupID}/leave", groupService.LeaveGroup)
			r.Post("/groups/{groupID}/first-beneficiary", groupService.SetFirstBeneficiary)
			r.Post("/groups/{groupID}/contribute", groupService.Contribute)
			r.Get("/groups/{groupID}/cycles", groupService.ListCycles)

			// QR endpoints
			r.Post("/qr/generate", qrHandler.GenerateQR)
			r.Post("/qr/process", qrHandler.ProcessQR)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
