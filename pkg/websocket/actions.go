package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Subscription actions (client -> server). Subjects are event
	// types, NATS-style wildcards allowed ("task.*", ">").
	ActionEventSubscribe   = "event.subscribe"
	ActionEventUnsubscribe = "event.unsubscribe"

	// Runtime queries
	ActionRuntimeStatus = "runtime.status"
	ActionQueueStatus   = "runtime.queue"

	// Notification actions (server -> client)
	ActionRuntimeEvent = "runtime.event"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
