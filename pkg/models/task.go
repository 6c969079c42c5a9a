package models

import (
	"fmt"
	"strings"
	"time"
)

// TaskKind is the closed set of work categories a task can belong to.
type TaskKind string

const (
	KindImplementation TaskKind = "implementation"
	KindVerification   TaskKind = "verification"
	KindTesting        TaskKind = "testing"
	KindRemediation    TaskKind = "remediation"
	KindDocumentation  TaskKind = "documentation"
	KindReview         TaskKind = "review"
)

// AllTaskKinds lists every valid TaskKind.
var AllTaskKinds = []TaskKind{
	KindImplementation,
	KindVerification,
	KindTesting,
	KindRemediation,
	KindDocumentation,
	KindReview,
}

// RequiredPayloadKeys lists the payload keys a kind must carry at creation.
var RequiredPayloadKeys = map[TaskKind][]string{
	KindVerification: {"target_task"},
	KindRemediation:  {"reason"},
}

// Valid reports whether k is one of the known kinds.
func (k TaskKind) Valid() bool {
	for _, known := range AllTaskKinds {
		if k == known {
			return true
		}
	}
	return false
}

// TaskStatus represents the current lifecycle state of a task.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusDone       TaskStatus = "done"
	StatusBlocked    TaskStatus = "blocked"
)

// AllStatuses lists statuses in display order.
var AllStatuses = []TaskStatus{StatusInProgress, StatusTodo, StatusBlocked, StatusDone}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// Priority represents the urgency level of a task.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// AllPriorities lists priorities from most to least urgent.
var AllPriorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// Rank returns the sort rank of p; lower ranks are served first.
// Unknown priorities sort after LOW.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() < 4
}

// ParsePriority accepts a priority name in any case.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q, must be one of: CRITICAL, HIGH, MEDIUM, LOW", s)
	}
	return p, nil
}

// CoverageKind names one bucket of TestCoverage.
type CoverageKind string

const (
	CoverageUnit        CoverageKind = "unit"
	CoverageIntegration CoverageKind = "integration"
	CoverageE2E         CoverageKind = "e2e"
	CoverageAPI         CoverageKind = "api"
)

// TestCoverage counts tests written for a task per category.
type TestCoverage struct {
	Unit        int `yaml:"unit" json:"unit"`
	Integration int `yaml:"integration" json:"integration"`
	E2E         int `yaml:"e2e" json:"e2e"`
	API         int `yaml:"api" json:"api"`
}

// Set stores count under kind.
func (c *TestCoverage) Set(kind CoverageKind, count int) error {
	if count < 0 {
		return fmt.Errorf("coverage count must be non-negative, got %d", count)
	}
	switch kind {
	case CoverageUnit:
		c.Unit = count
	case CoverageIntegration:
		c.Integration = count
	case CoverageE2E:
		c.E2E = count
	case CoverageAPI:
		c.API = count
	default:
		return fmt.Errorf("unknown coverage kind %q, must be one of: unit, integration, e2e, api", kind)
	}
	return nil
}

// Total sums all buckets.
func (c TestCoverage) Total() int {
	return c.Unit + c.Integration + c.E2E + c.API
}

// Subtask is a checklist item nested under a task. Subtasks never block.
type Subtask struct {
	ID        string     `yaml:"id" json:"id"`
	ParentID  string     `yaml:"parent_id" json:"parent_id"`
	Title     string     `yaml:"title" json:"title"`
	Status    TaskStatus `yaml:"status" json:"status"`
	CreatedAt time.Time  `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time  `yaml:"updated_at" json:"updated_at"`
}

// Note is a timestamped annotation on a task. Transition is set when the
// note was written by a status change, e.g. "todo->in_progress".
type Note struct {
	Time       time.Time `yaml:"time" json:"time"`
	Agent      string    `yaml:"agent,omitempty" json:"agent,omitempty"`
	Text       string    `yaml:"text" json:"text"`
	Transition string    `yaml:"transition,omitempty" json:"transition,omitempty"`
}

// Task is a unit of work owned by exactly one project checklist.
type Task struct {
	ID            string         `yaml:"id" json:"id"`
	Seq           int            `yaml:"seq" json:"seq"`
	Title         string         `yaml:"title" json:"title"`
	Description   string         `yaml:"description,omitempty" json:"description,omitempty"`
	Kind          TaskKind       `yaml:"kind" json:"kind"`
	Payload       map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
	Capability    string         `yaml:"capability,omitempty" json:"capability,omitempty"`
	Status        TaskStatus     `yaml:"status" json:"status"`
	Priority      Priority       `yaml:"priority" json:"priority"`
	Blocking      bool           `yaml:"blocking" json:"blocking"`
	Dependencies  []string       `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	AssignedAgent string         `yaml:"assigned_agent,omitempty" json:"assigned_agent,omitempty"`
	RetryCount    int            `yaml:"retry_count" json:"retry_count"`
	Subtasks      []Subtask      `yaml:"subtasks,omitempty" json:"subtasks,omitempty"`
	TestCoverage  TestCoverage   `yaml:"test_coverage" json:"test_coverage"`
	Notes         []Note         `yaml:"notes,omitempty" json:"notes,omitempty"`
	CreatedAt     time.Time      `yaml:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `yaml:"updated_at" json:"updated_at"`
	StartedAt     *time.Time     `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt   *time.Time     `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// PercentComplete reports subtask progress. A task without subtasks is
// either 0 or 100 depending on whether it is done.
func (t *Task) PercentComplete() float64 {
	if len(t.Subtasks) == 0 {
		if t.Status == StatusDone {
			return 100
		}
		return 0
	}
	done := 0
	for _, st := range t.Subtasks {
		if st.Status == StatusDone {
			done++
		}
	}
	return float64(done) * 100 / float64(len(t.Subtasks))
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Subtasks = append([]Subtask(nil), t.Subtasks...)
	c.Notes = append([]Note(nil), t.Notes...)
	if t.Payload != nil {
		c.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			c.Payload[k] = v
		}
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// TaskSpec describes a task to be created. DependsOnTitles lets a bulk
// initialisation reference tasks declared earlier in the same batch.
type TaskSpec struct {
	Title           string         `yaml:"title" json:"title"`
	Description     string         `yaml:"description,omitempty" json:"description,omitempty"`
	Kind            TaskKind       `yaml:"kind" json:"kind"`
	Priority        Priority       `yaml:"priority" json:"priority"`
	Blocking        bool           `yaml:"blocking,omitempty" json:"blocking,omitempty"`
	Capability      string         `yaml:"capability,omitempty" json:"capability,omitempty"`
	Dependencies    []string       `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	DependsOnTitles []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Payload         map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
	Subtasks        []string       `yaml:"subtasks,omitempty" json:"subtasks,omitempty"`
}

// TaskRef addresses a task across projects. Task ids are only unique
// within their own checklist.
type TaskRef struct {
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id"`
}

// String renders the ref as "project:task".
func (r TaskRef) String() string {
	return r.ProjectID + ":" + r.TaskID
}

// ParseTaskRef parses the "project:task" form produced by TaskRef.String.
func ParseTaskRef(s string) (TaskRef, error) {
	project, task, ok := strings.Cut(s, ":")
	if !ok || project == "" || task == "" {
		return TaskRef{}, fmt.Errorf("invalid task reference %q, expected <project>:<task>", s)
	}
	return TaskRef{ProjectID: project, TaskID: task}, nil
}
