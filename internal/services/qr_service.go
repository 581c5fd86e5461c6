package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"
)

// QRService issues short-lived receive-money codes: a member shows the QR,
// the payer scans it and the app turns it into a wallet transfer.
type QRService struct {
	db    *sql.DB
	redis *redis.Client
}

func NewQRService(db *sql.DB, redisClient *redis.Client) *QRService {
	return &QRService{
		db:    db,
		redis: redisClient,
	}
}

// GenerateReceiveCode encodes the wallet's account number plus an optional
// requested amount, stores the nonce for five minutes and returns the code
// with its PNG rendering.
func (s *QRService) GenerateReceiveCode(ctx context.Context, userID int, amount int64) (string, string, error) {
	var accountNumber string
	err := s.db.QueryRow(`SELECT account_number FROM wallets WHERE user_id = $1`, userID).Scan(&accountNumber)
	if err == sql.ErrNoRows {
		return "", "", ErrNotFound("wallet not found")
	}
	if err != nil {
		return "", "", err
	}

	qrData := map[string]any{
		"userId":        userID,
		"accountNumber": accountNumber,
		"amount":        amount,
		"timestamp":     time.Now().Unix(),
		"nonce":         s.generateNonce(),
	}

	jsonData, err := json.Marshal(qrData)
	if err != nil {
		return "", "", err
	}

	code := base64.URLEncoding.EncodeToString(jsonData)

	if s.redis != nil {
		key := fmt.Sprintf("qr:%s", code)
		if err := s.redis.Set(ctx, key, jsonData, 5*time.Minute).Err(); err != nil {
			return "", "", err
		}
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	qrImage := base64.StdEncoding.EncodeToString(buf.Bytes())

	return code, qrImage, nil
}

// ConsumeReceiveCode resolves a scanned code back into its payment details
// and invalidates the nonce so a code pays out at most once.
func (s *QRService) ConsumeReceiveCode(ctx context.Context, code string) (map[string]any, error) {
	if s.redis == nil {
		return nil, ErrNotFound("invalid or expired QR code")
	}

	key := fmt.Sprintf("qr:%s", code)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound("invalid or expired QR code")
	}
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	s.redis.Del(ctx, key)

	return result, nil
}

func (s *QRService) generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
