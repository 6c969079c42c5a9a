package observability

import (
	"fmt"
	"time"
)

// Metrics aggregates the audit trail over a time window.
type Metrics struct {
	TasksCreated       int `json:"tasks_created"`
	TasksClaimed       int `json:"tasks_claimed"`
	TasksCompleted     int `json:"tasks_completed"`
	TasksRequeued      int `json:"tasks_requeued"`
	TasksBlocked       int `json:"tasks_blocked"`
	TasksUnblocked     int `json:"tasks_unblocked"`
	RetryExhaustions   int `json:"retry_exhaustions"`
	InvalidTransitions int `json:"invalid_transitions"`
	MessagesPublished  int `json:"messages_published"`
	ProjectsRegistered int `json:"projects_registered"`

	TasksByKind        map[string]int `json:"tasks_by_kind"`
	TasksByPriority    map[string]int `json:"tasks_by_priority"`
	CompletedByAgent   map[string]int `json:"completed_by_agent"`
	CompletedByProject map[string]int `json:"completed_by_project"`

	// MeanCycleTime is the average time from the last claim of a task to
	// its completion, over tasks whose claim falls inside the window.
	MeanCycleTime time.Duration `json:"mean_cycle_time_ns"`

	EventCount  int        `json:"event_count"`
	OldestEvent *time.Time `json:"oldest_event,omitempty"`
	NewestEvent *time.Time `json:"newest_event,omitempty"`
}

// MetricsCalculator derives metrics from the event log.
type MetricsCalculator interface {
	Calculate(since time.Time) (*Metrics, error)
}

type metricsCalculator struct {
	eventLog EventLog
}

// NewMetricsCalculator creates a MetricsCalculator reading from eventLog.
func NewMetricsCalculator(eventLog EventLog) MetricsCalculator {
	return &metricsCalculator{eventLog: eventLog}
}

func (mc *metricsCalculator) Calculate(since time.Time) (*Metrics, error) {
	events, err := mc.eventLog.Read(EventFilter{Since: &since})
	if err != nil {
		return nil, fmt.Errorf("reading events for metrics: %w", err)
	}

	m := &Metrics{
		TasksByKind:        map[string]int{},
		TasksByPriority:    map[string]int{},
		CompletedByAgent:   map[string]int{},
		CompletedByProject: map[string]int{},
		EventCount:         len(events),
	}

	claimedAt := map[string]time.Time{}
	var (
		cycleTotal time.Duration
		cycles     int
	)

	for i, event := range events {
		ts := event.Time
		if i == 0 {
			m.OldestEvent = &ts
		}
		m.NewestEvent = &ts

		switch event.Type {
		case "task.created":
			m.TasksCreated++
			if kind, ok := event.Data["kind"].(string); ok {
				m.TasksByKind[kind]++
			}
			if p, ok := event.Data["priority"].(string); ok {
				m.TasksByPriority[p]++
			}
		case "task.claimed":
			m.TasksClaimed++
			if key := event.TaskKey(); key != "" {
				claimedAt[key] = event.Time
			}
		case "task.completed":
			m.TasksCompleted++
			if agent, ok := event.Data["agent"].(string); ok && agent != "" {
				m.CompletedByAgent[agent]++
			}
			if p := event.ProjectID(); p != "" {
				m.CompletedByProject[p]++
			}
			if start, ok := claimedAt[event.TaskKey()]; ok {
				cycleTotal += event.Time.Sub(start)
				cycles++
				delete(claimedAt, event.TaskKey())
			}
		case "task.requeued":
			m.TasksRequeued++
		case "task.blocked":
			m.TasksBlocked++
		case "task.unblocked":
			m.TasksUnblocked++
		case "task.retry_exhausted":
			m.RetryExhaustions++
		case "task.invalid_transition":
			m.InvalidTransitions++
		case "message.published":
			m.MessagesPublished++
		case "project.registered":
			m.ProjectsRegistered++
		}
	}

	if cycles > 0 {
		m.MeanCycleTime = cycleTotal / time.Duration(cycles)
	}
	return m, nil
}
