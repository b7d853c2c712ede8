// Package driver provides a stand-in ERPDriver/BusinessStore pair for
// wiring the server when no real browser-automation driver is configured.
// The actual driver (login flow, page scraping, PDF download mechanics) is
// a non-goal of this repository and lives outside it; Mock exists so
// cmd/opqueue-server can start end-to-end without one, grounded on the
// teacher's cmd/vire-mcp hand-written fakes rather than a generated mock.
package driver

import (
	"context"
	"fmt"
	"sync"
)

// Mock implements interfaces.ERPDriver without talking to any real ERP.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Login(ctx context.Context, userID string) error { return nil }

func (m *Mock) DownloadPDF(ctx context.Context, userID, kind string) ([]byte, error) {
	return nil, fmt.Errorf("driver: no ERP automation configured for %s download", kind)
}

func (m *Mock) SubmitOrder(ctx context.Context, userID string, payload []byte) (string, error) {
	return "", fmt.Errorf("driver: no ERP automation configured for order submission")
}

func (m *Mock) CreateCustomer(ctx context.Context, userID string, payload []byte) (string, error) {
	return "", fmt.Errorf("driver: no ERP automation configured for customer creation")
}

func (m *Mock) SendToRemote(ctx context.Context, userID string, payload []byte) (string, error) {
	return "", fmt.Errorf("driver: no ERP automation configured for remote send")
}

func (m *Mock) SyncSnapshot(ctx context.Context, userID, kind string) ([]byte, error) {
	return nil, fmt.Errorf("driver: no ERP automation configured for %s sync", kind)
}

// MemStore implements interfaces.BusinessStore with an in-process map,
// standing in for the real ERP-facing business database (a non-goal).
type MemStore struct {
	mu   sync.Mutex
	rows map[string][]byte
}

func NewMemStore() *MemStore { return &MemStore{rows: make(map[string][]byte)} }

func (s *MemStore) Upsert(ctx context.Context, userID, kind string, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[userID+":"+kind] = data
	return len(data), nil
}
