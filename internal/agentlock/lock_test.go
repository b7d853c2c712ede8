package agentlock

import (
	"testing"

	"github.com/kestrelops/opqueue/internal/interfaces"
	"github.com/kestrelops/opqueue/internal/models"
)

func TestAcquire_FirstCallerAcquires(t *testing.T) {
	l := New()
	res, incumbent := l.Acquire("u1", "job-1", models.OpSyncOrders, models.TierBackground, func() {})
	if res != interfaces.Acquired {
		t.Fatalf("expected Acquired, got %v", res)
	}
	if incumbent != nil {
		t.Fatalf("expected no incumbent on first acquire, got %+v", incumbent)
	}
}

func TestAcquire_SameTierIsBusy(t *testing.T) {
	l := New()
	l.Acquire("u1", "job-1", models.OpSyncOrders, models.TierBackground, func() {})

	res, incumbent := l.Acquire("u1", "job-2", models.OpSyncCustomers, models.TierBackground, func() {})
	if res != interfaces.Busy {
		t.Fatalf("expected Busy for same-tier contender, got %v", res)
	}
	if incumbent == nil || incumbent.JobID != "job-1" {
		t.Fatalf("expected incumbent job-1, got %+v", incumbent)
	}
}

func TestAcquire_HigherTierIsPreemptable(t *testing.T) {
	l := New()
	l.Acquire("u1", "sync-1", models.OpSyncCustomers, models.TierBackground, func() {})

	res, incumbent := l.Acquire("u1", "order-1", models.OpSubmitOrder, models.TierWrite, func() {})
	if res != interfaces.Preemptable {
		t.Fatalf("expected Preemptable, got %v", res)
	}
	if incumbent == nil || incumbent.JobID != "sync-1" {
		t.Fatalf("expected incumbent sync-1, got %+v", incumbent)
	}
}

func TestAcquire_LowerTierIsBusyNotPreemptable(t *testing.T) {
	l := New()
	l.Acquire("u1", "order-1", models.OpSubmitOrder, models.TierWrite, func() {})

	res, _ := l.Acquire("u1", "sync-1", models.OpSyncCustomers, models.TierBackground, func() {})
	if res != interfaces.Busy {
		t.Fatalf("expected Busy, a lower-tier job must not be told it can preempt, got %v", res)
	}
}

func TestRequestCancel_InvokesIncumbentCallback(t *testing.T) {
	l := New()
	called := false
	l.Acquire("u1", "sync-1", models.OpSyncCustomers, models.TierBackground, func() { called = true })

	l.RequestCancel("u1")
	if !called {
		t.Fatal("expected RequestCancel to invoke the incumbent's requestCancel callback")
	}
}

func TestRequestCancel_NoopWhenUnheld(t *testing.T) {
	l := New()
	l.RequestCancel("nobody-holds-this") // must not panic
}

func TestRelease_OnlyClearsMatchingHolder(t *testing.T) {
	l := New()
	l.Acquire("u1", "job-1", models.OpSyncOrders, models.TierBackground, func() {})

	l.Release("u1", "job-2") // mismatched id, no-op
	if h := l.Holder("u1"); h == nil || h.JobID != "job-1" {
		t.Fatalf("release with wrong jobID must not clear the lock, holder=%+v", h)
	}

	l.Release("u1", "job-1")
	if h := l.Holder("u1"); h != nil {
		t.Fatalf("expected lock released, got holder %+v", h)
	}
}

func TestAcquire_PerUserIndependence(t *testing.T) {
	l := New()
	res1, _ := l.Acquire("u1", "job-1", models.OpSubmitOrder, models.TierWrite, func() {})
	res2, _ := l.Acquire("u2", "job-2", models.OpSubmitOrder, models.TierWrite, func() {})
	if res1 != interfaces.Acquired || res2 != interfaces.Acquired {
		t.Fatalf("expected both users to acquire independently, got %v and %v", res1, res2)
	}
}
