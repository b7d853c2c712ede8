package models

import "time"

// EventKind classifies a LifecycleEvent. Progress events are transient and
// excluded from replay buffering; the rest are retained for reconnect replay.
type EventKind string

const (
	EventStarted   EventKind = "JOB_STARTED"
	EventProgress  EventKind = "JOB_PROGRESS"
	EventCompleted EventKind = "JOB_COMPLETED"
	EventFailed    EventKind = "JOB_FAILED"
	EventRequeued  EventKind = "JOB_REQUEUED" // neutral note on preemption, non-transient
)

// Transient reports whether events of this kind are excluded from the
// replay ring buffer (spec §4.5: "high-frequency in-flight progress").
func (k EventKind) Transient() bool {
	return k == EventProgress
}

// LifecycleEvent is a single state-change or progress notification about a Job.
type LifecycleEvent struct {
	UserID    string        `json:"userId"`
	Type      OperationType `json:"type"`
	JobID     string        `json:"jobId"`
	Kind      EventKind     `json:"kind"`
	Phase     string        `json:"phase,omitempty"`
	Pct       int           `json:"pct,omitempty"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Payload   interface{}   `json:"payload,omitempty"`
}

// Envelope is the wire shape delivered to WebSocket clients, matching spec §6's
// `{ type, payload, timestamp }` real-time event envelope.
type Envelope struct {
	Type      EventKind   `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// ToEnvelope projects a LifecycleEvent into the wire envelope, folding the
// job identity into the payload alongside any handler-supplied progress data.
func (e LifecycleEvent) ToEnvelope() Envelope {
	payload := map[string]interface{}{
		"jobId":  e.JobID,
		"opType": e.Type,
	}
	if e.Phase != "" {
		payload["phase"] = e.Phase
	}
	if e.Pct != 0 {
		payload["pct"] = e.Pct
	}
	if e.Message != "" {
		payload["message"] = e.Message
	}
	if e.Payload != nil {
		payload["data"] = e.Payload
	}
	return Envelope{
		Type:      e.Kind,
		Payload:   payload,
		Timestamp: e.Timestamp,
	}
}
