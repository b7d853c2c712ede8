package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// tryDedup attempts to claim dedupID for jobID. It returns acquired=true and
// the same jobID when the claim succeeds. When another live job already
// holds the token it returns acquired=false and that job's id, so the
// caller can report DedupCoalesced instead of enqueueing a duplicate.
//
// Simple mode holds the token until the owning job reaches a terminal
// state (released explicitly by releaseDedup). Throttle mode instead lets
// the token expire on its own after ttl, coalescing any enqueue that lands
// inside the window even after the first job completes.
func tryDedup(ctx context.Context, rdb *redis.Client, dedupID, jobID string, ttl time.Duration) (acquired bool, existingJobID string, err error) {
	key := dedupKey(dedupID)

	var ok bool
	if ttl > 0 {
		ok, err = rdb.SetNX(ctx, key, jobID, ttl).Result()
	} else {
		ok, err = rdb.SetNX(ctx, key, jobID, 0).Result()
	}
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, jobID, nil
	}

	existing, err := rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Token expired between the failed SetNX and this Get; it is free
		// again, so claim it afresh rather than coalescing into no job.
		return tryDedup(ctx, rdb, dedupID, jobID, ttl)
	}
	if err != nil {
		return false, "", err
	}
	return false, existing, nil
}

// releaseDedup clears a simple-mode dedup token so a subsequent enqueue is
// treated as fresh work. Throttle-mode tokens are left to expire on their
// own TTL and must not be cleared early.
func releaseDedup(ctx context.Context, rdb *redis.Client, dedupID string) error {
	if dedupID == "" {
		return nil
	}
	return rdb.Del(ctx, dedupKey(dedupID)).Err()
}

func dedupKey(dedupID string) string {
	return "opq:dedup:" + dedupID
}
