package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/kestrelops/opqueue/internal/interfaces"
	"github.com/kestrelops/opqueue/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := NewRedisQueue(rdb, models.DefaultPolicies(), 5*time.Second, nil)
	return q, mr
}

func TestEnqueueAndLease(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, "user-1", models.OpSubmitOrder, []byte(`{"sku":"abc"}`), interfaces.EnqueueOptions{IdempotencyKey: "order-1"})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	leaseCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	job, token, err := q.Lease(leaseCtx, "")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, jobID, job.ID)
	require.Equal(t, models.StateActive, job.State)
}

func TestLease_PriorityOrdering(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "user-1", models.OpSyncOrders, []byte(`{}`), interfaces.EnqueueOptions{})
	require.NoError(t, err)
	writeID, err := q.Enqueue(ctx, "user-1", models.OpSubmitOrder, []byte(`{}`), interfaces.EnqueueOptions{IdempotencyKey: "k1"})
	require.NoError(t, err)

	leaseCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	job, _, err := q.Lease(leaseCtx, "")
	require.NoError(t, err)
	require.Equal(t, writeID, job.ID, "a write-tier job must be leased before a background sync job for the same user")
}

func TestEnqueue_ThrottleDedupCoalesces(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, "user-1", models.OpSubmitOrder, []byte(`{}`), interfaces.EnqueueOptions{IdempotencyKey: "dup"})
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "user-1", models.OpSubmitOrder, []byte(`{}`), interfaces.EnqueueOptions{IdempotencyKey: "dup"})
	require.Error(t, err)

	coalesced, ok := err.(interface{ Error() string })
	require.True(t, ok)
	_ = coalesced
	require.Contains(t, err.Error(), id1)
}

func TestAck_CompletedClearsSimpleDedup(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// Sync operations dedup in "simple" mode: one outstanding sync per
	// user, released as soon as it reaches a terminal state.
	jobID, err := q.Enqueue(ctx, "user-1", models.OpSyncOrders, []byte(`{}`), interfaces.EnqueueOptions{})
	require.NoError(t, err)

	leaseCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	job, token, err := q.Lease(leaseCtx, "")
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, job.ID, token, interfaces.Outcome{Kind: interfaces.OutcomeCompleted}))

	got, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, got.State)

	// Simple mode releases its dedup key on completion, so the next sync
	// for this user is accepted as fresh work.
	_, err = q.Enqueue(ctx, "user-1", models.OpSyncOrders, []byte(`{}`), interfaces.EnqueueOptions{})
	require.NoError(t, err)
}

func TestAck_CompletedKeepsThrottleDedupUntilTTL(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// submit-order dedups in "throttle" mode: the id stays coalesced for
	// DedupTTL after completion, not just until completion.
	jobID, err := q.Enqueue(ctx, "user-1", models.OpSubmitOrder, []byte(`{}`), interfaces.EnqueueOptions{IdempotencyKey: "k1"})
	require.NoError(t, err)

	leaseCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	job, token, err := q.Lease(leaseCtx, "")
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, job.ID, token, interfaces.Outcome{Kind: interfaces.OutcomeCompleted}))

	got, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, got.State)

	// A near-simultaneous duplicate click must still coalesce against the
	// completed job instead of resubmitting to the ERP.
	_, err = q.Enqueue(ctx, "user-1", models.OpSubmitOrder, []byte(`{}`), interfaces.EnqueueOptions{IdempotencyKey: "k1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), jobID)
}

func TestAck_RetryReschedulesIntoDelayed(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, "user-1", models.OpSyncOrders, []byte(`{}`), interfaces.EnqueueOptions{})
	require.NoError(t, err)

	leaseCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	job, token, err := q.Lease(leaseCtx, "")
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, job.ID, token, interfaces.Outcome{
		Kind: interfaces.OutcomeFailedRetry,
		Err:  assertableErr{"transient blip"},
	}))

	got, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.StateDelayed, got.State)
	require.Equal(t, 1, got.Attempts)
}

func TestAck_RetryExhaustionBecomesPermanentFailure(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	policies := models.DefaultPolicies()
	p := policies[models.OpDownloadOrders]
	p.MaxAttempts = 1
	policies[models.OpDownloadOrders] = p

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q = NewRedisQueue(rdb, policies, 5*time.Second, nil)

	jobID, err := q.Enqueue(ctx, "user-1", models.OpDownloadOrders, []byte(`{}`), interfaces.EnqueueOptions{})
	require.NoError(t, err)

	leaseCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	job, token, err := q.Lease(leaseCtx, "")
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, job.ID, token, interfaces.Outcome{
		Kind: interfaces.OutcomeFailedRetry,
		Err:  assertableErr{"no more retries left"},
	}))

	got, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.StateFailed, got.State)
}

func TestRequeuePreempted_DoesNotCountAsAttempt(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, "user-1", models.OpSyncOrders, []byte(`{}`), interfaces.EnqueueOptions{})
	require.NoError(t, err)

	leaseCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	job, token, err := q.Lease(leaseCtx, "")
	require.NoError(t, err)

	require.NoError(t, q.RequeuePreempted(ctx, job, token))

	got, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.StatePreemptedRequeued, got.State)
	require.Equal(t, 0, got.Attempts)

	leaseCtx2, cancel2 := context.WithTimeout(ctx, 2*time.Second)
	defer cancel2()
	again, _, err := q.Lease(leaseCtx2, "")
	require.NoError(t, err)
	require.Equal(t, jobID, again.ID)
}

func TestCancel_PendingJobIsRemovedImmediately(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, "user-1", models.OpSyncOrders, []byte(`{}`), interfaces.EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, jobID))

	got, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.StateFailed, got.State)
}

func TestLease_ConcurrentWorkersNeverLoseOrDuplicateAJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	const jobCount = 20
	ids := make(map[string]bool, jobCount)
	for i := 0; i < jobCount; i++ {
		id, err := q.Enqueue(ctx, fmt.Sprintf("user-%d", i%4), models.OpSyncOrders, []byte(`{}`), interfaces.EnqueueOptions{})
		require.NoError(t, err)
		ids[id] = true
	}

	type claimed struct {
		id string
	}
	results := make(chan claimed, jobCount)

	const workers = 5
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				leaseCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
				job, _, err := q.Lease(leaseCtx, "")
				cancel()
				if err != nil {
					return
				}
				results <- claimed{id: job.ID}
			}
		}()
	}

	got := make(map[string]int, jobCount)
	for i := 0; i < jobCount; i++ {
		c := <-results
		got[c.id]++
	}
	wg.Wait()
	close(results)

	require.Len(t, got, jobCount, "every enqueued job must be claimed exactly once, none lost or duplicated")
	for id := range ids {
		require.Equal(t, 1, got[id], "job %s claimed %d times", id, got[id])
	}
}

func TestReclaimStalled_RequeuesExpiredLeaseToPending(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, "user-1", models.OpSyncOrders, []byte(`{}`), interfaces.EnqueueOptions{})
	require.NoError(t, err)

	leaseCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	job, _, err := q.Lease(leaseCtx, "")
	require.NoError(t, err)
	require.Equal(t, jobID, job.ID)

	// Simulate a crashed worker: the lease key's Redis TTL (leaseTTL*2,
	// the safety buffer over the renewal deadline) lapses without a
	// renewal.
	mr.FastForward(11 * time.Second)

	require.NoError(t, q.reclaimStalled(ctx))

	got, err := q.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.StatePending, got.State)

	leaseCtx2, cancel2 := context.WithTimeout(ctx, 2*time.Second)
	defer cancel2()
	again, _, err := q.Lease(leaseCtx2, "")
	require.NoError(t, err)
	require.Equal(t, jobID, again.ID)
}

type assertableErr struct{ msg string }

func (e assertableErr) Error() string { return e.msg }
