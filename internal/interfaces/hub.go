package interfaces

import "github.com/kestrelops/opqueue/internal/models"

// Hub delivers Lifecycle Events to connected clients and replays buffered
// events to reconnecting ones, per spec §4.5.
type Hub interface {
	// Publish appends the event to the user's ring buffer (unless its kind
	// is transient) and pushes it to every open connection for that user.
	Publish(event models.LifecycleEvent)

	// BroadcastAll pushes a system-wide notice to every connected client
	// regardless of user.
	BroadcastAll(event models.LifecycleEvent)
}
