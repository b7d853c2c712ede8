package realtime

import (
	"sync"
	"time"

	"github.com/kestrelops/opqueue/internal/models"
)

// ringBuffer retains a user's non-transient Lifecycle Events for reconnect
// replay, bounded by both count and age per spec §4.5.
type ringBuffer struct {
	mu     sync.Mutex
	events []models.LifecycleEvent
}

func (rb *ringBuffer) add(e models.LifecycleEvent, cfg Config) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.events = append(rb.events, e)
	rb.evictLocked(cfg)
}

func (rb *ringBuffer) evictLocked(cfg Config) {
	cutoff := time.Now().Add(-cfg.BufferMaxAge)
	start := 0
	for start < len(rb.events) && rb.events[start].Timestamp.Before(cutoff) {
		start++
	}
	rb.events = rb.events[start:]

	if over := len(rb.events) - cfg.BufferMaxCount; over > 0 {
		rb.events = rb.events[over:]
	}
}

// after returns buffered events strictly newer than resumeAfter, in order.
func (rb *ringBuffer) after(resumeAfter time.Time) []models.LifecycleEvent {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]models.LifecycleEvent, 0, len(rb.events))
	for _, e := range rb.events {
		if e.Timestamp.After(resumeAfter) {
			out = append(out, e)
		}
	}
	return out
}
