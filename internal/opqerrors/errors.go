// Package opqerrors implements the error taxonomy from spec §7 as a closed
// set of typed errors, so the Processor classifies outcomes by type instead
// of matching on strings.
package opqerrors

import "fmt"

// Validation indicates bad input at enqueue time. Never enqueued; surfaced
// to the caller as a 400.
type Validation struct {
	Reason string
}

func (e *Validation) Error() string { return "validation: " + e.Reason }

// DedupCoalesced indicates an enqueue matched a live dedup token; the
// existing job is returned to the caller instead of a new one.
type DedupCoalesced struct {
	ExistingJobID string
}

func (e *DedupCoalesced) Error() string {
	return fmt.Sprintf("dedup coalesced into job %s", e.ExistingJobID)
}

// TransientHandlerFailure is a retryable failure: network blip, ERP timeout
// mid-operation, parse failure on one batch.
type TransientHandlerFailure struct {
	Cause error
}

func (e *TransientHandlerFailure) Error() string { return "transient: " + e.Cause.Error() }
func (e *TransientHandlerFailure) Unwrap() error  { return e.Cause }
func (e *TransientHandlerFailure) Retryable() bool { return true }

// PermanentHandlerFailure is a non-retryable failure: business rule
// rejection, missing credentials, malformed payload discovered in flight.
type PermanentHandlerFailure struct {
	Cause error
}

func (e *PermanentHandlerFailure) Error() string { return "permanent: " + e.Cause.Error() }
func (e *PermanentHandlerFailure) Unwrap() error  { return e.Cause }
func (e *PermanentHandlerFailure) Retryable() bool { return false }

// Cancelled marks a terminal, non-retryable user/operator cancellation.
type Cancelled struct{}

func (e *Cancelled) Error() string   { return "cancelled" }
func (e *Cancelled) Retryable() bool { return false }

// Preempted marks eviction by a higher-priority job. Not a failure: the
// Processor requeues without incrementing attempts.
type Preempted struct{}

func (e *Preempted) Error() string   { return "preempted" }
func (e *Preempted) Retryable() bool { return false }

// Timeout marks a handler that exceeded its per-type budget. Treated as
// PermanentHandlerFailure so a hung workflow is never retried.
type Timeout struct {
	Budget string
}

func (e *Timeout) Error() string   { return "timeout after " + e.Budget }
func (e *Timeout) Retryable() bool { return false }

// StalledLease marks a processor that lost its lease; the queue reclaims
// the job via expiry rather than through an explicit Ack.
type StalledLease struct{}

func (e *StalledLease) Error() string { return "stalled lease" }

// QueueUnavailable wraps a backing-store outage. Bubbled to the enqueue
// caller; never retried internally.
type QueueUnavailable struct {
	Cause error
}

func (e *QueueUnavailable) Error() string { return "queue unavailable: " + e.Cause.Error() }
func (e *QueueUnavailable) Unwrap() error  { return e.Cause }

// Retryable reports whether err should be retried by the Processor, given
// the handler's own classification. Errors that don't implement the
// Retryable() method (programmer errors, unexpected panics-turned-errors)
// are treated as permanent.
func Retryable(err error) bool {
	type retryabler interface{ Retryable() bool }
	if r, ok := err.(retryabler); ok {
		return r.Retryable()
	}
	return false
}
