package models

import "time"

// MessagePriority orders messages for consumers that care about urgency.
type MessagePriority string

const (
	MessageCritical MessagePriority = "CRITICAL"
	MessageHigh     MessagePriority = "HIGH"
	MessageNormal   MessagePriority = "NORMAL"
	MessageLow      MessagePriority = "LOW"
)

// Valid reports whether p is a known message priority.
func (p MessagePriority) Valid() bool {
	switch p {
	case MessageCritical, MessageHigh, MessageNormal, MessageLow:
		return true
	}
	return false
}

// Well-known channels and payload "type" values.
const (
	MsgTaskAvailable        = "task_available"
	MsgTaskClaimed          = "task_claimed"
	MsgTaskCompleted        = "task_completed"
	MsgTaskFailed           = "task_failed"
	MsgTaskBlocked          = "task_blocked"
	MsgVerificationRequired = "verification_required"
	MsgSubtasksCreated      = "subtasks_created"
	MsgBlockingTaskExists   = "blocking_task_exists"
	MsgProjectRegistered    = "project_registered"
	MsgProjectStatusChanged = "project_status_changed"
	MsgAgentStarted         = "agent_started"
	MsgAgentStopped         = "agent_stopped"
)

// Message is an immutable bus record. Exactly one of Channel and Recipient
// is set.
type Message struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
	Sender    string          `json:"sender"`
	Priority  MessagePriority `json:"priority"`
	Payload   map[string]any  `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Direct reports whether the message was addressed to a single agent.
func (m *Message) Direct() bool {
	return m.Recipient != ""
}

// Consumption marks a message as handled by one subscriber.
type Consumption struct {
	Subscriber string    `json:"subscriber"`
	MessageID  string    `json:"message_id"`
	Time       time.Time `json:"time"`
}
