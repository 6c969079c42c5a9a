package models

import "time"

// ProjectStatus is the lifecycle state of a registered project.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
	ProjectArchived  ProjectStatus = "archived"
)

// Valid reports whether s is a known project status.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectActive, ProjectPaused, ProjectCompleted, ProjectArchived:
		return true
	}
	return false
}

// Project is a registry record. Priority 1 is the most important.
type Project struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Path           string            `json:"path"`
	Status         ProjectStatus     `json:"status"`
	Priority       int               `json:"priority"`
	AgentsAssigned []string          `json:"agents_assigned"`
	Tags           []string          `json:"tags,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivity   time.Time         `json:"last_activity"`
}

// Health summarises whether a project can make progress.
type Health string

const (
	HealthIdle     Health = "idle"
	HealthActive   Health = "active"
	HealthStalled  Health = "stalled"
	HealthComplete Health = "complete"
)

// Describe returns the operator-facing wording of h.
func (h Health) Describe() string {
	if h == HealthStalled {
		return "blocked, not idle"
	}
	return string(h)
}

// ChecklistSummary counts one checklist's tasks.
type ChecklistSummary struct {
	ProjectName     string             `json:"project_name"`
	Total           int                `json:"total"`
	ByStatus        map[TaskStatus]int `json:"by_status"`
	ByPriority      map[Priority]int   `json:"by_priority"`
	Blocking        int                `json:"blocking"`
	Eligible        int                `json:"eligible"`
	InFlight        int                `json:"in_flight"`
	PercentComplete float64            `json:"percent_complete"`
	Coverage        TestCoverage       `json:"coverage"`
	Health          Health             `json:"health"`
}
