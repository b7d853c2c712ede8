// Package models defines the data types shared across the operation queue.
package models

import (
	"encoding/json"
	"time"
)

// OperationType is the closed enumeration of work the queue accepts.
type OperationType string

const (
	OpSubmitOrder     OperationType = "submit-order"
	OpCreateCustomer  OperationType = "create-customer"
	OpSendToRemote    OperationType = "send-to-remote"
	OpDownloadOrders  OperationType = "download-pdf-orders"
	OpDownloadCust    OperationType = "download-pdf-customers"
	OpDownloadProd    OperationType = "download-pdf-products"
	OpDownloadPrices  OperationType = "download-pdf-prices"
	OpDownloadDDT     OperationType = "download-pdf-ddt"
	OpDownloadInvoice OperationType = "download-pdf-invoices"
	OpSyncOrders      OperationType = "sync-orders"
	OpSyncCustomers   OperationType = "sync-customers"
	OpSyncProducts    OperationType = "sync-products"
	OpSyncPrices      OperationType = "sync-prices"
	OpSyncDDT         OperationType = "sync-ddt"
	OpSyncInvoices    OperationType = "sync-invoices"
)

// PriorityTier orders operations for Agent Lock preemption decisions.
// Higher value wins; same-tier jobs never preempt each other.
type PriorityTier int

const (
	TierBackground PriorityTier = iota // scheduled syncs
	TierDownload                       // interactive user-triggered downloads
	TierWrite                          // submit-order, create-customer, send-to-remote
)

// DedupMode selects how the Queue coalesces concurrent enqueues of the same id.
type DedupMode int

const (
	DedupNone DedupMode = iota
	DedupSimple
	DedupThrottle
)

// JobState is the lifecycle state of a Job as tracked by the Queue.
type JobState string

const (
	StatePending            JobState = "pending"
	StateDelayed            JobState = "delayed"
	StateActive             JobState = "active"
	StateCompleted          JobState = "completed"
	StateFailed             JobState = "failed"
	StatePreemptedRequeued  JobState = "preempted-requeued"
)

// Job is one unit of work the Queue owns end-to-end.
type Job struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	Type           OperationType   `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	Priority       PriorityTier    `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	BackoffBase    time.Duration   `json:"backoffBase"`
	BackoffMax     time.Duration   `json:"backoffMax"`
	LastError      string          `json:"lastError,omitempty"`
	State          JobState        `json:"state"`

	// LeaseToken is the opaque renewal token handed back by Queue.Lease.
	// Empty unless the job is currently active under this process's view.
	LeaseToken string `json:"-"`

	// DedupKey is the token this job claimed at enqueue time, if any. Kept
	// on the job so Ack knows whether to release it on terminal states. It
	// must round-trip through storage (unlike LeaseToken) since finish
	// reads it back from a freshly loaded Job.
	DedupKey string `json:"dedupKey,omitempty"`

	// DedupMode and DedupTTL record which coalescing rule DedupKey was
	// claimed under, so a terminal Ack can tell simple mode (release the
	// key immediately) from throttle mode (leave it to expire on its own,
	// keeping the id deduped for DedupTTL after this job finishes).
	DedupMode DedupMode     `json:"dedupMode"`
	DedupTTL  time.Duration `json:"dedupTTL,omitempty"`
}

// HandlerPolicy is the static configuration attached to an OperationType.
type HandlerPolicy struct {
	Type            OperationType
	Priority        PriorityTier
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	HandlerTimeout  time.Duration
	DedupMode       DedupMode
	DedupTTL        time.Duration // only meaningful when DedupMode == DedupThrottle
}

// DefaultPolicies returns the policy table described in spec §6, keyed by
// OperationType. Callers may override entries (e.g. via OPERATION_TIMEOUTS_JSON)
// after loading this table.
func DefaultPolicies() map[OperationType]HandlerPolicy {
	writePolicy := func(t OperationType) HandlerPolicy {
		return HandlerPolicy{
			Type:           t,
			Priority:       TierWrite,
			MaxAttempts:    3,
			BackoffBase:    2 * time.Second,
			BackoffMax:     30 * time.Second,
			HandlerTimeout: 120 * time.Second,
			DedupMode:      DedupThrottle,
			DedupTTL:       30 * time.Second,
		}
	}
	downloadPolicy := func(t OperationType, timeout time.Duration) HandlerPolicy {
		return HandlerPolicy{
			Type:           t,
			Priority:       TierDownload,
			MaxAttempts:    1,
			BackoffBase:    0,
			BackoffMax:     0,
			HandlerTimeout: timeout,
			DedupMode:      DedupNone,
		}
	}
	syncPolicy := func(t OperationType) HandlerPolicy {
		return HandlerPolicy{
			Type:           t,
			Priority:       TierBackground,
			MaxAttempts:    3,
			BackoffBase:    1 * time.Second,
			BackoffMax:     60 * time.Second,
			HandlerTimeout: 300 * time.Second,
			DedupMode:      DedupSimple,
		}
	}

	policies := map[OperationType]HandlerPolicy{
		OpSubmitOrder:    writePolicy(OpSubmitOrder),
		OpCreateCustomer: writePolicy(OpCreateCustomer),
		OpSendToRemote:   writePolicy(OpSendToRemote),

		OpDownloadOrders:  downloadPolicy(OpDownloadOrders, 60*time.Second),
		OpDownloadCust:    downloadPolicy(OpDownloadCust, 60*time.Second),
		OpDownloadProd:    downloadPolicy(OpDownloadProd, 60*time.Second),
		OpDownloadPrices:  downloadPolicy(OpDownloadPrices, 60*time.Second),
		OpDownloadDDT:     downloadPolicy(OpDownloadDDT, 120*time.Second),
		OpDownloadInvoice: downloadPolicy(OpDownloadInvoice, 120*time.Second),

		OpSyncOrders:    syncPolicy(OpSyncOrders),
		OpSyncCustomers: syncPolicy(OpSyncCustomers),
		OpSyncProducts:  syncPolicy(OpSyncProducts),
		OpSyncPrices:    syncPolicy(OpSyncPrices),
		OpSyncDDT:       syncPolicy(OpSyncDDT),
		OpSyncInvoices:  syncPolicy(OpSyncInvoices),
	}
	return policies
}

// DedupID returns the key the Queue uses to coalesce enqueues of this job,
// or "" if the operation type is not deduplicated.
func DedupID(t OperationType, userID, idempotencyKey string) string {
	switch {
	case isSyncType(t):
		return string(t) + ":" + userID
	case idempotencyKey != "" && (t == OpSubmitOrder || t == OpCreateCustomer || t == OpSendToRemote):
		return string(t) + ":" + userID + ":" + idempotencyKey
	default:
		return ""
	}
}

func isSyncType(t OperationType) bool {
	switch t {
	case OpSyncOrders, OpSyncCustomers, OpSyncProducts, OpSyncPrices, OpSyncDDT, OpSyncInvoices:
		return true
	default:
		return false
	}
}
