package interfaces

import (
	"context"

	"github.com/kestrelops/opqueue/internal/models"
)

// ProgressReporter lets a Handler surface progress at meaningful phase
// boundaries. Each call is published as a transient JOB_PROGRESS event and
// is never buffered for replay (spec §4.5).
type ProgressReporter func(phase string, pct int, msg string)

// Handler implements the work for one OperationType, per the contract in
// spec §4.4: it must probe ctx for cancellation between coarse operations
// and inside tight inner loops, report progress at phase boundaries, and
// classify its own errors into internal/opqerrors Transient/Permanent.
type Handler func(ctx context.Context, job *models.Job, progress ProgressReporter) error

// Registry maps OperationType to a Handler and its static HandlerPolicy.
type Registry interface {
	Register(opType models.OperationType, policy models.HandlerPolicy, h Handler)
	Lookup(opType models.OperationType) (Handler, models.HandlerPolicy, bool)
}
