// Package events provides event types and utilities for the runtime
// event system. Events feed the websocket gateway and telemetry; when
// NATS is configured they also mirror to the cluster.
package events

// Event types for tasks
const (
	TaskCreated       = "task.created"
	TaskStatusChanged = "task.status_changed"
	TaskCompleted     = "task.completed"
	TaskDeferred      = "task.deferred"
)

// Event types for thoughts
const (
	ThoughtCreated       = "thought.created"
	ThoughtStatusChanged = "thought.status_changed"
)

// Event types for the agent lifecycle
const (
	StateTransition = "state.transition"
	ProcessorRound  = "processor.round"
	ProcessorPaused = "processor.paused"
)

// Event types for the ingress pipeline
const (
	ObservationReceived = "observation.received"
	FeedbackReceived    = "feedback.received"
)

// Event types for resources and audit
const (
	ResourceSignal = "resource.signal"
	AuditEntry     = "audit.entry"
	CircuitChanged = "circuit.state_changed"
)

// BuildTaskSubject scopes a task event to one task id.
func BuildTaskSubject(eventType, taskID string) string {
	return eventType + "." + taskID
}

// BuildChannelSubject scopes an observation event to one channel.
func BuildChannelSubject(eventType, channelID string) string {
	return eventType + "." + channelID
}

// WildcardSubject subscribes to every event of one type.
func WildcardSubject(eventType string) string {
	return eventType + ".*"
}
