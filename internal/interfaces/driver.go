package interfaces

import "context"

// ERPDriver is the opaque browser-automation collaborator named as a
// non-goal in spec §1. The core only depends on this interface; the actual
// driver (login flow, page scraping, PDF download mechanics) lives outside
// the core's scope.
type ERPDriver interface {
	// Login establishes or refreshes the automation session for userID.
	Login(ctx context.Context, userID string) error

	// DownloadPDF fetches the named document kind ("orders", "customers",
	// "products", "prices", "ddt", "invoices") and returns its raw bytes.
	DownloadPDF(ctx context.Context, userID string, kind string) ([]byte, error)

	// SubmitOrder pushes an order payload into the ERP and returns the
	// ERP's own confirmation identifier.
	SubmitOrder(ctx context.Context, userID string, payload []byte) (confirmationID string, err error)

	// CreateCustomer pushes a new customer record into the ERP.
	CreateCustomer(ctx context.Context, userID string, payload []byte) (confirmationID string, err error)

	// SendToRemote forwards an arbitrary payload to the configured remote
	// endpoint the ERP exposes for inter-branch transfers.
	SendToRemote(ctx context.Context, userID string, payload []byte) (confirmationID string, err error)

	// SyncSnapshot pulls the current server-side listing for the given
	// entity kind ("orders", "customers", "products", "prices", "ddt",
	// "invoices"), to be diffed and upserted by the caller's BusinessStore.
	SyncSnapshot(ctx context.Context, userID string, kind string) ([]byte, error)
}

// BusinessStore is the opaque collaborator handlers call to persist parsed
// PDF and sync results. Schema and delta/hash logic are a non-goal per
// spec §1; the core only requires transactional upserts.
type BusinessStore interface {
	// Upsert transactionally writes rows of the given entity kind, scoped
	// to userID. data is whatever shape the handler and store agree on.
	Upsert(ctx context.Context, userID, kind string, data []byte) (rowsWritten int, err error)
}
