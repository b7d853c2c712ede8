package interfaces

import "github.com/kestrelops/opqueue/internal/models"

// AcquireResult is the outcome of a non-blocking AgentLock.Acquire call.
type AcquireResult int

const (
	Acquired AcquireResult = iota
	Busy
	Preemptable
)

// LockIncumbent describes the job currently holding a user's Agent Lock.
type LockIncumbent struct {
	JobID    string
	Type     models.OperationType
	Priority models.PriorityTier
}

// AgentLock names which job currently owns the browser-automation seat for
// a given user and mediates preemption, per spec §4.2.
type AgentLock interface {
	// Acquire is non-blocking. It returns Acquired, Busy(incumbent), or
	// Preemptable(incumbent) per the priority-tier comparison rules.
	Acquire(userID, jobID string, opType models.OperationType, priority models.PriorityTier, requestCancel func()) (AcquireResult, *LockIncumbent)

	// RequestCancel invokes the incumbent's registered requestCancel
	// callback. Idempotent; a no-op if nothing is held.
	RequestCancel(userID string)

	// Release releases the lock only if the holder matches (userID, jobID).
	Release(userID, jobID string)

	// Holder returns the current incumbent for userID, or nil if unheld.
	Holder(userID string) *LockIncumbent
}
