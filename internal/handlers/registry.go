// Package handlers implements the Handler Registry (spec §4.4) and the
// concrete Handler functions for each OperationType. It generalizes the
// teacher's executeJob type-switch dispatch
// (internal/services/jobmanager/executor.go) from a single fixed-table
// switch into a registrable map, so the handler set can be extended
// without touching the Processor.
package handlers

import (
	"sync"

	"github.com/kestrelops/opqueue/internal/interfaces"
	"github.com/kestrelops/opqueue/internal/models"
)

// Registry is the in-process map-based implementation of interfaces.Registry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.OperationType]interfaces.Handler
	policies map[models.OperationType]models.HandlerPolicy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[models.OperationType]interfaces.Handler),
		policies: make(map[models.OperationType]models.HandlerPolicy),
	}
}

var _ interfaces.Registry = (*Registry)(nil)

// Register implements interfaces.Registry.
func (r *Registry) Register(opType models.OperationType, policy models.HandlerPolicy, h interfaces.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[opType] = h
	r.policies[opType] = policy
}

// Lookup implements interfaces.Registry.
func (r *Registry) Lookup(opType models.OperationType) (interfaces.Handler, models.HandlerPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[opType]
	if !ok {
		return nil, models.HandlerPolicy{}, false
	}
	return h, r.policies[opType], true
}

// RegisterDefaults wires every OperationType named in spec §6 against its
// driver-backed handler and default HandlerPolicy. Callers that need to
// override a policy (e.g. from OPERATION_TIMEOUTS_JSON) should call
// Register again after this for the types they want to adjust.
func RegisterDefaults(r *Registry, driver interfaces.ERPDriver, store interfaces.BusinessStore) {
	policies := models.DefaultPolicies()
	set := func(t models.OperationType, h interfaces.Handler) { r.Register(t, policies[t], h) }

	set(models.OpSubmitOrder, SubmitOrderHandler(driver))
	set(models.OpCreateCustomer, CreateCustomerHandler(driver))
	set(models.OpSendToRemote, SendToRemoteHandler(driver))

	set(models.OpDownloadOrders, DownloadPDFHandler(driver, "orders"))
	set(models.OpDownloadCust, DownloadPDFHandler(driver, "customers"))
	set(models.OpDownloadProd, DownloadPDFHandler(driver, "products"))
	set(models.OpDownloadPrices, DownloadPDFHandler(driver, "prices"))
	set(models.OpDownloadDDT, DownloadPDFHandler(driver, "ddt"))
	set(models.OpDownloadInvoice, DownloadPDFHandler(driver, "invoices"))

	set(models.OpSyncOrders, SyncHandler(driver, store, "orders"))
	set(models.OpSyncCustomers, SyncHandler(driver, store, "customers"))
	set(models.OpSyncProducts, SyncHandler(driver, store, "products"))
	set(models.OpSyncPrices, SyncHandler(driver, store, "prices"))
	set(models.OpSyncDDT, SyncHandler(driver, store, "ddt"))
	set(models.OpSyncInvoices, SyncHandler(driver, store, "invoices"))
}
