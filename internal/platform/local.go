package platform

import (
	"context"
	"sync"
)

// LocalService accepts every order without leaving the register. It is used
// for standalone registers with no platform and in tests.
type LocalService struct {
	mu     sync.Mutex
	orders map[string]OrderPayload
}

// NewLocalService creates the local adapter
func NewLocalService() *LocalService {
	return &LocalService{orders: make(map[string]OrderPayload)}
}

func (s *LocalService) Name() string {
	return AdapterLocal
}

// CreateOrder records the payload and echoes the idempotency key as the platform id.
// Resubmitting the same key returns the same id.
func (s *LocalService) CreateOrder(_ context.Context, payload OrderPayload) (*CreateOrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[payload.IdempotencyKey] = payload
	return &CreateOrderResult{PlatformOrderID: "local-" + payload.IdempotencyKey}, nil
}

// Count returns how many distinct orders were accepted
func (s *LocalService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}
