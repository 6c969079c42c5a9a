package models

import "time"

// ChecklistSchemaVersion is the schema_version written by this build.
// Files with a higher version are still read; unknown fields are ignored.
const ChecklistSchemaVersion = 1

// Session records one stretch of agent work against a checklist.
type Session struct {
	Name      string     `yaml:"name" json:"name"`
	Agent     string     `yaml:"agent,omitempty" json:"agent,omitempty"`
	StartedAt time.Time  `yaml:"started_at" json:"started_at"`
	EndedAt   *time.Time `yaml:"ended_at,omitempty" json:"ended_at,omitempty"`
	Notes     []string   `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// Checklist is the durable per-project task record.
type Checklist struct {
	SchemaVersion int       `yaml:"schema_version" json:"schema_version"`
	ProjectName   string    `yaml:"project_name" json:"project_name"`
	CreatedAt     time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt     time.Time `yaml:"updated_at" json:"updated_at"`
	NextID        int       `yaml:"next_id" json:"next_id"`
	Tasks         []*Task   `yaml:"tasks" json:"tasks"`
	Sessions      []Session `yaml:"sessions,omitempty" json:"sessions,omitempty"`
}

// Task returns the task with the given id, or nil.
func (c *Checklist) Task(id string) *Task {
	for _, t := range c.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// CurrentSession returns the most recent session that has not ended.
func (c *Checklist) CurrentSession() *Session {
	for i := len(c.Sessions) - 1; i >= 0; i-- {
		if c.Sessions[i].EndedAt == nil {
			return &c.Sessions[i]
		}
	}
	return nil
}
