package gateway

import (
	"context"
	"fmt"
	"sync"
)

// ExecuteRequest carries one payment leg to a provider.
type ExecuteRequest struct {
	Reference   string            // ledger reference for the movement
	Amount      int64             // centavos
	Currency    string            // ISO 4217, e.g. AOA
	Destination map[string]string // method-specific: phone, iban, wallet_id
}

// Result is what the ledger consumes from a provider: an outcome plus a
// provider reference. Nothing else crosses the boundary.
type Result struct {
	Success           bool   `json:"success"`
	ProviderReference string `json:"provider_reference"`
	Status            string `json:"status"` // ACCEPTED, DECLINED, TIMEOUT
	Error             string `json:"error,omitempty"`
}

// Method is one payment rail. The ledger depends only on this interface and
// never dispatches on method name strings.
type Method interface {
	Name() string
	Execute(ctx context.Context, req ExecuteRequest) (*Result, error)
}

// Registry holds the closed set of configured payment methods.
type Registry struct {
	methods map[string]Method
}

func NewRegistry(methods ...Method) *Registry {
	r := &Registry{methods: make(map[string]Method, len(methods))}
	for _, m := range methods {
		r.methods[m.Name()] = m
	}
	return r
}

func (r *Registry) Get(name string) (Method, error) {
	m, ok := r.methods[name]
	if !ok {
		return nil, fmt.Errorf("unknown payment method %q", name)
	}
	return m, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	return names
}

// AttemptStore keeps the simulated provider-side record of every attempt.
// It is owned by the adapters that write to it, never shared global state.
type AttemptStore struct {
	mu       sync.Mutex
	attempts map[string]*Result
}

func NewAttemptStore() *AttemptStore {
	return &AttemptStore{attempts: make(map[string]*Result)}
}

func (s *AttemptStore) Record(reference string, result *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[reference] = result
}

func (s *AttemptStore) Get(reference string) (*Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.attempts[reference]
	return result, ok
}
