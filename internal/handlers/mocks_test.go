package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrelops/opqueue/internal/interfaces"
)

// --- mockERPDriver ---

type mockERPDriver struct {
	loginFn          func(ctx context.Context, userID string) error
	downloadPDFFn    func(ctx context.Context, userID, kind string) ([]byte, error)
	submitOrderFn    func(ctx context.Context, userID string, payload []byte) (string, error)
	createCustomerFn func(ctx context.Context, userID string, payload []byte) (string, error)
	sendToRemoteFn   func(ctx context.Context, userID string, payload []byte) (string, error)
	syncSnapshotFn   func(ctx context.Context, userID, kind string) ([]byte, error)
}

func (m *mockERPDriver) Login(ctx context.Context, userID string) error {
	if m.loginFn != nil {
		return m.loginFn(ctx, userID)
	}
	return nil
}

func (m *mockERPDriver) DownloadPDF(ctx context.Context, userID, kind string) ([]byte, error) {
	if m.downloadPDFFn != nil {
		return m.downloadPDFFn(ctx, userID, kind)
	}
	return []byte("pdf-bytes"), nil
}

func (m *mockERPDriver) SubmitOrder(ctx context.Context, userID string, payload []byte) (string, error) {
	if m.submitOrderFn != nil {
		return m.submitOrderFn(ctx, userID, payload)
	}
	return "confirm-1", nil
}

func (m *mockERPDriver) CreateCustomer(ctx context.Context, userID string, payload []byte) (string, error) {
	if m.createCustomerFn != nil {
		return m.createCustomerFn(ctx, userID, payload)
	}
	return "confirm-1", nil
}

func (m *mockERPDriver) SendToRemote(ctx context.Context, userID string, payload []byte) (string, error) {
	if m.sendToRemoteFn != nil {
		return m.sendToRemoteFn(ctx, userID, payload)
	}
	return "confirm-1", nil
}

func (m *mockERPDriver) SyncSnapshot(ctx context.Context, userID, kind string) ([]byte, error) {
	if m.syncSnapshotFn != nil {
		return m.syncSnapshotFn(ctx, userID, kind)
	}
	return []byte(`[]`), nil
}

var _ interfaces.ERPDriver = (*mockERPDriver)(nil)

// --- mockBusinessStore ---

type mockBusinessStore struct {
	mu       sync.Mutex
	upserts  []upsertCall
	upsertFn func(ctx context.Context, userID, kind string, data []byte) (int, error)
}

type upsertCall struct {
	userID string
	kind   string
	data   []byte
}

func (m *mockBusinessStore) Upsert(ctx context.Context, userID, kind string, data []byte) (int, error) {
	m.mu.Lock()
	m.upserts = append(m.upserts, upsertCall{userID, kind, data})
	m.mu.Unlock()
	if m.upsertFn != nil {
		return m.upsertFn(ctx, userID, kind, data)
	}
	return len(data), nil
}

var _ interfaces.BusinessStore = (*mockBusinessStore)(nil)

var errDriverUnavailable = fmt.Errorf("automation session unavailable")
