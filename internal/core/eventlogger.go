package core

// EventLogger is the subset of the observability event log that core
// services need. Defining it here avoids importing the observability package.
type EventLogger interface {
	LogEvent(eventType string, data map[string]any) error
}

// Audit event types written by core.
const (
	EventTaskCreated       = "task.created"
	EventTaskClaimed       = "task.claimed"
	EventTaskCompleted     = "task.completed"
	EventTaskRequeued      = "task.requeued"
	EventTaskBlocked       = "task.blocked"
	EventTaskUnblocked     = "task.unblocked"
	EventRetryExhausted    = "task.retry_exhausted"
	EventMessagePublished  = "message.published"
	EventProjectRegistered = "project.registered"
	EventProjectStatus     = "project.status_changed"
	EventInvalidTransition = "task.invalid_transition"
)

type nopEventLogger struct{}

func (nopEventLogger) LogEvent(string, map[string]any) error { return nil }
