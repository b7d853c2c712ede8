// Package processor implements the Operation Processor main loop (spec
// §4.3): a fixed pool of worker goroutines, each of which leases a job from
// the shared queue, wins
// the Agent Lock (preempting a lower-priority incumbent if necessary),
// wraps the Handler in a combined cancellation source, and reports the
// terminal outcome back to the Queue. It generalizes the teacher's
// safeGo/processLoop pattern (internal/services/jobmanager/manager.go)
// from a single fixed job-type dispatch into a policy- and priority-driven
// loop over an arbitrary Handler Registry.
package processor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kestrelops/opqueue/internal/common"
	"github.com/kestrelops/opqueue/internal/interfaces"
	"github.com/kestrelops/opqueue/internal/models"
	"github.com/kestrelops/opqueue/internal/opqerrors"
)

// Config holds the timing knobs named in spec §6.
type Config struct {
	Workers            int
	LeaseDuration      time.Duration
	PreemptionPoll     time.Duration
	PreemptionDeadline time.Duration
	RetryBusyDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.PreemptionPoll <= 0 {
		c.PreemptionPoll = 500 * time.Millisecond
	}
	if c.PreemptionDeadline <= 0 {
		c.PreemptionDeadline = 30 * time.Second
	}
	if c.RetryBusyDelay <= 0 {
		c.RetryBusyDelay = 2 * time.Second
	}
	return c
}

// Processor owns the worker pool and the active-job cancellation registry.
type Processor struct {
	queue    interfaces.Queue
	lock     interfaces.AgentLock
	registry interfaces.Registry
	hub      interfaces.Hub
	logger   *common.Logger
	cfg      Config

	mu          sync.Mutex
	cancelFuncs map[string]context.CancelFunc // jobID -> abort trigger

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a Processor. Call Start to launch its worker pool.
func New(queue interfaces.Queue, lock interfaces.AgentLock, registry interfaces.Registry, hub interfaces.Hub, logger *common.Logger, cfg Config) *Processor {
	return &Processor{
		queue:       queue,
		lock:        lock,
		registry:    registry,
		hub:         hub,
		logger:      logger,
		cfg:         cfg.withDefaults(),
		cancelFuncs: make(map[string]context.CancelFunc),
	}
}

var _ interfaces.CancelRegistry = (*Processor)(nil)

// RegisterCancelFunc implements interfaces.CancelRegistry.
func (p *Processor) RegisterCancelFunc(jobID string, cancel func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelFuncs[jobID] = cancel
}

// UnregisterCancelFunc implements interfaces.CancelRegistry.
func (p *Processor) UnregisterCancelFunc(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cancelFuncs, jobID)
}

// CancelActive signals the abort source for an in-flight job, if any is
// running under this process. Returns false when the job isn't active
// here (it may be pending/delayed — the caller should also try
// Queue.Cancel for that case).
func (p *Processor) CancelActive(jobID string) bool {
	p.mu.Lock()
	cancel, ok := p.cancelFuncs[jobID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// safeGo launches fn with panic recovery and tracks it in the pool's
// WaitGroup, per the teacher's goroutine-hygiene convention.
func (p *Processor) safeGo(name string, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in processor goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the worker pool. Safe to call once; call Stop before
// starting again.
func (p *Processor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.runCancel = cancel

	for i := 0; i < p.cfg.Workers; i++ {
		name := fmt.Sprintf("processor-%d", i)
		p.safeGo(name, func() { p.workerLoop(ctx) })
	}
	p.logger.Info().Int("workers", p.cfg.Workers).Msg("operation processor started")
}

// Stop cancels every worker loop and waits for in-flight jobs to wind down.
func (p *Processor) Stop() {
	if p.runCancel != nil {
		p.runCancel()
		p.runCancel = nil
	}
	p.wg.Wait()
	p.logger.Info().Msg("operation processor stopped")
}

func (p *Processor) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, leaseToken, err := p.queue.Lease(ctx, "")
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn().Err(err).Msg("processor: lease error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		p.handleJob(ctx, job, leaseToken)
	}
}

// handleJob runs the full 10-step lifecycle for one leased job.
func (p *Processor) handleJob(workerCtx context.Context, job *models.Job, leaseToken string) {
	// Step 1: handler lookup.
	handler, policy, ok := p.registry.Lookup(job.Type)
	if !ok {
		p.ack(workerCtx, job, leaseToken, interfaces.Outcome{
			Kind: interfaces.OutcomeFailedPermanent,
			Err:  &opqerrors.PermanentHandlerFailure{Cause: fmt.Errorf("no handler registered for %q", job.Type)},
		})
		return
	}

	// Step 4-5 (built early so the real preemption callback, not a
	// placeholder, is what Acquire stores against this job's holder entry).
	jobCtx, abort := context.WithCancel(workerCtx)
	defer abort()
	trigger := &cancelTrigger{}
	onPreempt := func() { trigger.set(reasonPreempted); abort() }

	// Steps 2-3: acquire the Agent Lock, preempting if permitted.
	acquired := p.acquireOrPreempt(workerCtx, job, policy, onPreempt)
	switch acquired {
	case lockBusy:
		p.ack(workerCtx, job, leaseToken, interfaces.Outcome{
			Kind:  interfaces.OutcomeFailedRetry,
			Delay: p.cfg.RetryBusyDelay,
			Err:   &opqerrors.TransientHandlerFailure{Cause: fmt.Errorf("agent lock busy for user %s", job.UserID)},
		})
		return
	case lockPreemptDeadlineExceeded:
		p.ack(workerCtx, job, leaseToken, interfaces.Outcome{
			Kind:  interfaces.OutcomeFailedRetry,
			Delay: p.cfg.PreemptionDeadline,
			Err:   &opqerrors.TransientHandlerFailure{Cause: fmt.Errorf("preemption deadline exceeded for user %s", job.UserID)},
		})
		return
	case lockAcquired:
		// proceed
	}
	defer p.lock.Release(job.UserID, job.ID)

	p.RegisterCancelFunc(job.ID, func() { trigger.set(reasonUserCancel); abort() })
	defer p.UnregisterCancelFunc(job.ID)

	timeout := policy.HandlerTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	timer := time.AfterFunc(timeout, func() { trigger.set(reasonTimeout); abort() })
	defer timer.Stop()

	// Step 6: background lease renewal at half lease duration.
	renewStop := make(chan struct{})
	p.safeGo("lease-renew:"+job.ID, func() { p.renewLeaseLoop(jobCtx, job.ID, leaseToken, renewStop) })
	defer close(renewStop)

	// Step 7: started event.
	p.publish(job, models.EventStarted, "", 0, "")

	// Step 8-9: invoke handler, race completion against the abort signal.
	resultErr := p.runHandler(jobCtx, handler, job)

	reason := trigger.get()
	p.finalize(workerCtx, job, leaseToken, resultErr, reason)
}

type lockDecision int

const (
	lockAcquired lockDecision = iota
	lockBusy
	lockPreemptDeadlineExceeded
)

// acquireOrPreempt implements spec §4.3 steps 2-3. onPreempt is stored
// against this job's holder entry the moment Acquire succeeds, so a later
// preemptor's RequestCancel reaches the real abort source rather than a
// placeholder.
func (p *Processor) acquireOrPreempt(ctx context.Context, job *models.Job, policy models.HandlerPolicy, onPreempt func()) lockDecision {
	res, _ := p.lock.Acquire(job.UserID, job.ID, job.Type, policy.Priority, onPreempt)
	switch res {
	case interfaces.Acquired:
		return lockAcquired
	case interfaces.Busy:
		return lockBusy
	case interfaces.Preemptable:
		p.lock.RequestCancel(job.UserID)
		deadline := time.Now().Add(p.cfg.PreemptionDeadline)
		ticker := time.NewTicker(p.cfg.PreemptionPoll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return lockPreemptDeadlineExceeded
			case <-ticker.C:
				res, _ := p.lock.Acquire(job.UserID, job.ID, job.Type, policy.Priority, onPreempt)
				if res == interfaces.Acquired {
					return lockAcquired
				}
				if time.Now().After(deadline) {
					return lockPreemptDeadlineExceeded
				}
			}
		}
	default:
		return lockBusy
	}
}

func (p *Processor) renewLeaseLoop(ctx context.Context, jobID, leaseToken string, stop <-chan struct{}) {
	renewEvery := p.cfg.LeaseDuration / 2
	if renewEvery <= 0 {
		renewEvery = 10 * time.Second
	}
	ticker := time.NewTicker(renewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := p.queue.RenewLease(ctx, jobID, leaseToken); err != nil {
				p.logger.Warn().Str("job_id", jobID).Err(err).Msg("lease renewal failed")
				return
			}
		}
	}
}

func (p *Processor) runHandler(ctx context.Context, handler interfaces.Handler, job *models.Job) error {
	progress := func(phase string, pct int, msg string) {
		p.publish(job, models.EventProgress, phase, pct, msg)
	}
	return handler(ctx, job, progress)
}

type cancelReason int

const (
	reasonNone cancelReason = iota
	reasonUserCancel
	reasonPreempted
	reasonTimeout
)

type cancelTrigger struct {
	mu     sync.Mutex
	reason cancelReason
}

func (t *cancelTrigger) set(r cancelReason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reason == reasonNone {
		t.reason = r
	}
}

func (t *cancelTrigger) get() cancelReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// finalize implements spec §4.3 step 9-10: classify the outcome, Ack it,
// and always release the Agent Lock (handled by the caller's defer).
func (p *Processor) finalize(ctx context.Context, job *models.Job, leaseToken string, resultErr error, reason cancelReason) {
	switch {
	case reason == reasonPreempted:
		if err := p.queue.RequeuePreempted(ctx, job, leaseToken); err != nil {
			p.logger.Warn().Str("job_id", job.ID).Err(err).Msg("failed to requeue preempted job")
		}
		p.publish(job, models.EventRequeued, "", 0, "preempted by higher-priority job")
		return

	case reason == reasonTimeout:
		p.publish(job, models.EventFailed, "", 0, "timeout")
		p.ack(ctx, job, leaseToken, interfaces.Outcome{
			Kind: interfaces.OutcomeFailedPermanent,
			Err:  &opqerrors.Timeout{Budget: "handler timeout"},
		})
		return

	case reason == reasonUserCancel:
		p.publish(job, models.EventFailed, "", 0, "cancelled")
		p.ack(ctx, job, leaseToken, interfaces.Outcome{
			Kind: interfaces.OutcomeFailedPermanent,
			Err:  &opqerrors.Cancelled{},
		})
		return

	case resultErr == nil:
		p.publish(job, models.EventCompleted, "", 100, "")
		p.ack(ctx, job, leaseToken, interfaces.Outcome{Kind: interfaces.OutcomeCompleted})
		return

	case opqerrors.Retryable(resultErr):
		p.publish(job, models.EventFailed, "", 0, resultErr.Error())
		p.ack(ctx, job, leaseToken, interfaces.Outcome{Kind: interfaces.OutcomeFailedRetry, Err: resultErr})
		return

	default:
		p.publish(job, models.EventFailed, "", 0, resultErr.Error())
		p.ack(ctx, job, leaseToken, interfaces.Outcome{Kind: interfaces.OutcomeFailedPermanent, Err: resultErr})
	}
}

func (p *Processor) ack(ctx context.Context, job *models.Job, leaseToken string, outcome interfaces.Outcome) {
	if err := p.queue.Ack(ctx, job.ID, leaseToken, outcome); err != nil {
		p.logger.Warn().Str("job_id", job.ID).Err(err).Msg("ack failed")
	}
}

func (p *Processor) publish(job *models.Job, kind models.EventKind, phase string, pct int, msg string) {
	if p.hub == nil {
		return
	}
	p.hub.Publish(models.LifecycleEvent{
		UserID:    job.UserID,
		JobID:     job.ID,
		Type:      job.Type,
		Kind:      kind,
		Phase:     phase,
		Pct:       pct,
		Message:   msg,
		Timestamp: time.Now(),
	})
}
