package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func jsonDecode(w *httptest.ResponseRecorder, dst any) error {
	return json.Unmarshal(w.Body.Bytes(), dst)
}

func TestAppErrorStatusMapping(t *testing.T) {
	tests := []struct {
		err    *AppError
		code   string
		status int
	}{
		{ErrValidation("bad input"), CodeValidation, http.StatusBadRequest},
		{ErrInsufficientBalance(100), CodeInsufficientBalance, http.StatusUnprocessableEntity},
		{ErrLimitExceeded("deposit", 500), CodeLimitExceeded, http.StatusUnprocessableEntity},
		{ErrPinNotSet(), CodePinNotSet, http.StatusPreconditionFailed},
		{ErrPinInvalid(2), CodePinInvalid, http.StatusUnauthorized},
		{ErrPinLocked(10 * time.Minute), CodePinLocked, http.StatusLocked},
		{ErrConflict("duplicate"), CodeConflict, http.StatusConflict},
		{ErrNotFound("missing"), CodeNotFound, http.StatusNotFound},
		{ErrGatewayFailure("down"), CodeGatewayFailure, http.StatusBadGateway},
		{ErrInternal(), CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, tt.err.Code)
		assert.Equal(t, tt.status, tt.err.Status)
		assert.Contains(t, tt.err.Error(), tt.code)
	}
}

func TestAsAppError(t *testing.T) {
	appErr, ok := AsAppError(ErrConflict("nope"))
	assert.True(t, ok)
	assert.Equal(t, CodeConflict, appErr.Code)

	wrapped := fmt.Errorf("while joining: %w", ErrNotFound("group not found"))
	appErr, ok = AsAppError(wrapped)
	assert.True(t, ok)
	assert.Equal(t, CodeNotFound, appErr.Code)

	_, ok = AsAppError(errors.New("plain"))
	assert.False(t, ok)
}

func TestWriteAppError(t *testing.T) {
	t.Run("typed failures keep their code and status", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteAppError(w, ErrPinLocked(30*time.Minute))

		assert.Equal(t, http.StatusLocked, w.Code)
		var body struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		}
		assert.NoError(t, jsonDecode(w, &body))
		assert.Equal(t, CodePinLocked, body.Code)
		assert.Equal(t, float64(1800), body.Details["retry_after_seconds"])
	})

	t.Run("unexpected errors are masked as internal", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteAppError(w, errors.New("pq: connection refused"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		var body struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		assert.NoError(t, jsonDecode(w, &body))
		assert.Equal(t, CodeInternal, body.Code)
		assert.NotContains(t, body.Error, "pq:")
	})
}
