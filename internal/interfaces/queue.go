// Package interfaces defines the contracts the core's components satisfy,
// so the Processor, Handler Registry, and Real-Time Hub depend on behavior
// rather than concrete storage or transport choices.
package interfaces

import (
	"context"
	"time"

	"github.com/kestrelops/opqueue/internal/models"
)

// EnqueueOptions configures a single Enqueue call.
type EnqueueOptions struct {
	IdempotencyKey    string
	PriorityOverride  *models.PriorityTier
}

// Outcome is the terminal or retry disposition a Processor reports back to
// the Queue via Ack.
type Outcome struct {
	Kind  OutcomeKind
	Delay time.Duration // only meaningful for OutcomeFailedRetry
	Err   error         // the classified error, if any
}

// OutcomeKind enumerates the dispositions Ack accepts.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeFailedPermanent
	OutcomeFailedRetry
)

// Queue is the durable, ordered, at-least-once delivery contract described
// in spec §4.1.
type Queue interface {
	// Enqueue persists a new Job (or coalesces into an existing one per the
	// type's DedupMode) and returns its id.
	Enqueue(ctx context.Context, userID string, opType models.OperationType, payload []byte, opts EnqueueOptions) (jobID string, err error)

	// Lease blocks until a Job is available for the given partition key and
	// atomically moves it to active, returning a renewable lease token.
	Lease(ctx context.Context, partition string) (*models.Job, string, error)

	// RenewLease extends the lease deadline for an active job. Called at
	// roughly half the lease duration.
	RenewLease(ctx context.Context, jobID, leaseToken string) error

	// Ack reports the terminal or retry disposition of a leased Job.
	Ack(ctx context.Context, jobID, leaseToken string, outcome Outcome) error

	// Cancel requests cancellation of a Job. Pending/delayed jobs are
	// removed outright; active jobs are only signalled — their Ack path
	// determines the final state.
	Cancel(ctx context.Context, jobID string) error

	// RequeuePreempted returns a Job to a high-priority position in its
	// user's pending queue without counting the eviction as an attempt.
	RequeuePreempted(ctx context.Context, job *models.Job, leaseToken string) error

	// Get returns the current state of a Job for REST status checks.
	Get(ctx context.Context, jobID string) (*models.Job, error)
}

// CancelRegistry holds per-job cancellation callbacks for active jobs.
// *processor.Processor implements it and fires a job's callback from
// CancelActive, which the REST cancel route calls alongside Queue.Cancel;
// Queue.Cancel itself does not consult the registry.
type CancelRegistry interface {
	RegisterCancelFunc(jobID string, cancel func())
	UnregisterCancelFunc(jobID string)
}
