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

// MulticaixaExpress simulates the Multicaixa Express mobile rail: a short
// provider round trip that occasionally declines or times out.
type MulticaixaExpress struct {
	store       *AttemptStore
	failureRate float64
	maxLatency  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewMulticaixaExpress(store *AttemptStore, failureRate float64, maxLatency time.Duration, rng *rand.Rand) *MulticaixaExpress {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &MulticaixaExpress{
		store:       store,
		failureRate: failureRate,
		maxLatency:  maxLatency,
		rng:         rng,
	}
}

func (m *MulticaixaExpress) Name() string {
	return "MULTICAIXA_EXPRESS"
}

func (m *MulticaixaExpress) Execute(ctx context.Context, req ExecuteRequest) (*Result, error) {
	if req.Destination["phone"] == "" {
		return nil, fmt.Errorf("multicaixa express requires a destination phone")
	}

	m.mu.Lock()
	roll := m.rng.Float64()
	latency := time.Duration(m.rng.Int63n(int64(m.maxLatency) + 1))
	m.mu.Unlock()

	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	result := &Result{
		ProviderReference: "MCX-" + uuid.New().String(),
		Success:           roll >= m.failureRate,
		Status:            "ACCEPTED",
	}
	if !result.Success {
		result.Status = "DECLINED"
		result.Error = "provider declined the operation"
	}

	m.store.Record(req.Reference, result)
	log.Printf("[GATEWAY] multicaixa %s -> %s (ref %s)", req.Reference, result.Status, result.ProviderReference)
	return result, nil
}
