package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kestrelops/opqueue/internal/agentlock"
	"github.com/kestrelops/opqueue/internal/common"
	"github.com/kestrelops/opqueue/internal/interfaces"
	"github.com/kestrelops/opqueue/internal/models"
	"github.com/kestrelops/opqueue/internal/opqerrors"
)

func agentlockNew() *agentlock.Lock { return agentlock.New() }

// --- fakeQueue ---

type fakeQueue struct {
	mu      sync.Mutex
	jobs    []*models.Job
	leased  map[string]string // jobID -> leaseToken
	acks    []interfaces.Outcome
	requeue []string
	closed  bool
}

func newFakeQueue(jobs ...*models.Job) *fakeQueue {
	return &fakeQueue{jobs: jobs, leased: make(map[string]string)}
}

func (f *fakeQueue) Enqueue(ctx context.Context, userID string, opType models.OperationType, payload []byte, opts interfaces.EnqueueOptions) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeQueue) Lease(ctx context.Context, partition string) (*models.Job, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		<-ctx.Done()
		return nil, "", ctx.Err()
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	token := job.ID + "-lease"
	f.leased[job.ID] = token
	return job, token, nil
}

func (f *fakeQueue) RenewLease(ctx context.Context, jobID, leaseToken string) error { return nil }

func (f *fakeQueue) Ack(ctx context.Context, jobID, leaseToken string, outcome interfaces.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, outcome)
	return nil
}

func (f *fakeQueue) Cancel(ctx context.Context, jobID string) error { return nil }

func (f *fakeQueue) RequeuePreempted(ctx context.Context, job *models.Job, leaseToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeue = append(f.requeue, job.ID)
	return nil
}

func (f *fakeQueue) Get(ctx context.Context, jobID string) (*models.Job, error) { return nil, nil }

// --- fakeHub ---

type fakeHub struct {
	mu     sync.Mutex
	events []models.LifecycleEvent
}

func (h *fakeHub) Publish(e models.LifecycleEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}
func (h *fakeHub) BroadcastAll(e models.LifecycleEvent) {}

func (h *fakeHub) kinds() []models.EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []models.EventKind
	for _, e := range h.events {
		out = append(out, e.Kind)
	}
	return out
}

func newTestLogger() *common.Logger {
	return common.NewSilentLogger()
}

func testRegistry(opType models.OperationType, handler interfaces.Handler) interfaces.Registry {
	return staticRegistry{opType: opType, handler: handler, policy: models.DefaultPolicies()[opType]}
}

type staticRegistry struct {
	opType  models.OperationType
	handler interfaces.Handler
	policy  models.HandlerPolicy
}

func (r staticRegistry) Register(models.OperationType, models.HandlerPolicy, interfaces.Handler) {}
func (r staticRegistry) Lookup(opType models.OperationType) (interfaces.Handler, models.HandlerPolicy, bool) {
	if opType != r.opType {
		return nil, models.HandlerPolicy{}, false
	}
	return r.handler, r.policy, true
}

func TestHandleJob_SuccessAcksCompleted(t *testing.T) {
	job := &models.Job{ID: "j1", UserID: "u1", Type: models.OpSyncOrders, State: models.StatePending, MaxAttempts: 3}
	q := newFakeQueue(job)
	hub := &fakeHub{}
	lock := agentlockNew()
	handler := func(ctx context.Context, job *models.Job, progress interfaces.ProgressReporter) error {
		progress("phase-1", 50, "halfway")
		return nil
	}
	p := New(q, lock, testRegistry(models.OpSyncOrders, handler), hub, newTestLogger(), Config{Workers: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, token, err := q.Lease(ctx, "")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	p.handleJob(context.Background(), job, token)

	if len(q.acks) != 1 || q.acks[0].Kind != interfaces.OutcomeCompleted {
		t.Fatalf("expected one Completed ack, got %+v", q.acks)
	}
	kinds := hub.kinds()
	if len(kinds) < 2 || kinds[0] != models.EventStarted {
		t.Fatalf("expected started event first, got %v", kinds)
	}
}

func TestHandleJob_NoHandlerAcksPermanentFailure(t *testing.T) {
	job := &models.Job{ID: "j1", UserID: "u1", Type: models.OpSyncOrders, State: models.StatePending}
	q := newFakeQueue(job)
	p := New(q, agentlockNew(), emptyRegistry{}, &fakeHub{}, newTestLogger(), Config{Workers: 1})

	p.handleJob(context.Background(), job, "tok")

	if len(q.acks) != 1 || q.acks[0].Kind != interfaces.OutcomeFailedPermanent {
		t.Fatalf("expected permanent failure ack for missing handler, got %+v", q.acks)
	}
}

type emptyRegistry struct{}

func (emptyRegistry) Register(models.OperationType, models.HandlerPolicy, interfaces.Handler) {}
func (emptyRegistry) Lookup(models.OperationType) (interfaces.Handler, models.HandlerPolicy, bool) {
	return nil, models.HandlerPolicy{}, false
}

func TestHandleJob_RetryableErrorAcksFailedRetry(t *testing.T) {
	job := &models.Job{ID: "j1", UserID: "u1", Type: models.OpSyncOrders, State: models.StatePending, Attempts: 0, MaxAttempts: 3}
	q := newFakeQueue(job)
	handler := func(ctx context.Context, job *models.Job, progress interfaces.ProgressReporter) error {
		return &opqerrors.TransientHandlerFailure{Cause: errors.New("temporary glitch")}
	}
	p := New(q, agentlockNew(), testRegistry(models.OpSyncOrders, handler), &fakeHub{}, newTestLogger(), Config{Workers: 1})

	p.handleJob(context.Background(), job, "tok")

	if len(q.acks) != 1 || q.acks[0].Kind != interfaces.OutcomeFailedRetry {
		t.Fatalf("expected FailedRetry ack, got %+v", q.acks)
	}
}

func TestHandleJob_BusyLockAcksFailedRetryImmediately(t *testing.T) {
	job := &models.Job{ID: "j2", UserID: "u1", Type: models.OpSyncCustomers, State: models.StatePending, MaxAttempts: 3}
	q := newFakeQueue(job)
	lock := agentlockNew()
	// Pre-occupy the lock at the same tier so the new job is Busy, not Preemptable.
	lock.Acquire("u1", "holder-job", models.OpSyncOrders, models.TierBackground, func() {})

	p := New(q, lock, testRegistry(models.OpSyncCustomers, func(ctx context.Context, job *models.Job, progress interfaces.ProgressReporter) error {
		t.Fatal("handler must not run when the lock is busy")
		return nil
	}), &fakeHub{}, newTestLogger(), Config{Workers: 1, RetryBusyDelay: time.Millisecond})

	p.handleJob(context.Background(), job, "tok")

	if len(q.acks) != 1 || q.acks[0].Kind != interfaces.OutcomeFailedRetry {
		t.Fatalf("expected FailedRetry ack for busy lock, got %+v", q.acks)
	}
}

func TestCancelActive_SignalsRegisteredJob(t *testing.T) {
	p := New(newFakeQueue(), agentlockNew(), emptyRegistry{}, &fakeHub{}, newTestLogger(), Config{})
	called := false
	p.RegisterCancelFunc("j1", func() { called = true })

	if !p.CancelActive("j1") {
		t.Fatal("expected CancelActive to find the registered job")
	}
	if !called {
		t.Fatal("expected the registered cancel func to run")
	}
	if p.CancelActive("unknown") {
		t.Fatal("expected CancelActive to report false for an unregistered job")
	}
}
