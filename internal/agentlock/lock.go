// Package agentlock implements the per-user exclusive-ownership primitive
// that names the job currently permitted to use the browser automation seat,
// per spec §4.2. It generalizes the teacher's heavy-job semaphore
// (internal/services/jobmanager.JobManager.heavySem) from a fixed-capacity
// counting gate into a per-user single-holder map with priority-aware
// preemption decisions.
package agentlock

import (
	"sync"

	"github.com/kestrelops/opqueue/internal/interfaces"
	"github.com/kestrelops/opqueue/internal/models"
)

type holder struct {
	jobID         string
	opType        models.OperationType
	priority      models.PriorityTier
	requestCancel func()
}

// Lock is the process-wide Agent Lock. One Lock instance is shared by every
// Processor goroutine; it is safe for concurrent use.
type Lock struct {
	mu      sync.Mutex
	holders map[string]*holder // userID -> current holder, absent if unheld
}

// New creates an empty Agent Lock.
func New() *Lock {
	return &Lock{holders: make(map[string]*holder)}
}

var _ interfaces.AgentLock = (*Lock)(nil)

// Acquire is non-blocking and mutates state only on a successful acquire.
func (l *Lock) Acquire(userID, jobID string, opType models.OperationType, priority models.PriorityTier, requestCancel func()) (interfaces.AcquireResult, *interfaces.LockIncumbent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, held := l.holders[userID]
	if !held {
		l.holders[userID] = &holder{jobID: jobID, opType: opType, priority: priority, requestCancel: requestCancel}
		return interfaces.Acquired, nil
	}

	if cur.jobID == jobID {
		// Re-entrant acquire by the same job (e.g. a poll retry) — already held.
		return interfaces.Acquired, nil
	}

	incumbent := &interfaces.LockIncumbent{JobID: cur.jobID, Type: cur.opType, Priority: cur.priority}

	if priority > cur.priority {
		return interfaces.Preemptable, incumbent
	}
	return interfaces.Busy, incumbent
}

// RequestCancel is idempotent: calling it with nothing held, or after the
// incumbent already released, does nothing.
func (l *Lock) RequestCancel(userID string) {
	l.mu.Lock()
	cur, held := l.holders[userID]
	l.mu.Unlock()
	if held && cur.requestCancel != nil {
		cur.requestCancel()
	}
}

// Release only clears the lock if the current holder matches (userID, jobID).
func (l *Lock) Release(userID, jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, held := l.holders[userID]; held && cur.jobID == jobID {
		delete(l.holders, userID)
	}
}

// Holder returns the current incumbent for userID, or nil if unheld.
func (l *Lock) Holder(userID string) *interfaces.LockIncumbent {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, held := l.holders[userID]
	if !held {
		return nil
	}
	return &interfaces.LockIncumbent{JobID: cur.jobID, Type: cur.opType, Priority: cur.priority}
}
