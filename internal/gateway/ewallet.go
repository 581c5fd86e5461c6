package gateway

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EWallet simulates a partner wallet rail addressed by wallet id. It settles
// instantly and only declines at the simulated failure rate.
type EWallet struct {
	store       *AttemptStore
	failureRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewEWallet(store *AttemptStore, failureRate float64, rng *rand.Rand) *EWallet {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &EWallet{
		store:       store,
		failureRate: failureRate,
		rng:         rng,
	}
}

func (w *EWallet) Name() string {
	return "E_WALLET"
}

func (w *EWallet) Execute(ctx context.Context, req ExecuteRequest) (*Result, error) {
	if req.Destination["wallet_id"] == "" {
		return nil, fmt.Errorf("e-wallet requires a destination wallet id")
	}

	w.mu.Lock()
	roll := w.rng.Float64()
	w.mu.Unlock()

	result := &Result{
		ProviderReference: "EWL-" + uuid.New().String(),
		Success:           roll >= w.failureRate,
		Status:            "ACCEPTED",
	}
	if !result.Success {
		result.Status = "DECLINED"
		result.Error = "wallet provider declined the operation"
	}

	w.store.Record(req.Reference, result)
	log.Printf("[GATEWAY] e-wallet %s -> %s (ref %s)", req.Reference, result.Status, result.ProviderReference)
	return result, nil
}
