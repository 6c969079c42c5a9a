package observability

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event levels.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Event is one audit record.
type Event struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Type    string         `json:"type"` // e.g. "task.claimed", "message.published"
	Message string         `json:"msg"`
	Data    map[string]any `json:"data,omitempty"`
}

// ProjectID returns the project the event belongs to, if any.
func (e Event) ProjectID() string {
	s, _ := e.Data["project_id"].(string)
	return s
}

// TaskKey identifies the task an event is about as "project:task", or ""
// when the event carries no task id.
func (e Event) TaskKey() string {
	task, _ := e.Data["task_id"].(string)
	if task == "" {
		return ""
	}
	return e.ProjectID() + ":" + task
}

// EventFilter selects events. Zero fields match everything.
type EventFilter struct {
	Since     *time.Time
	Until     *time.Time
	Types     []string
	Level     string
	ProjectID string
}

// EventLog appends and reads audit events.
type EventLog interface {
	Write(event Event) error
	Read(filter EventFilter) ([]Event, error)
	Path() string
	Close() error
}

type jsonlEventLog struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewJSONLEventLog opens (creating if needed) the JSONL event log at path.
func NewJSONLEventLog(path string) (EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	return &jsonlEventLog{path: path, file: f}, nil
}

func (l *jsonlEventLog) Path() string {
	return l.path
}

// Write appends event as a single line. O_APPEND keeps concurrent writers
// from different processes from interleaving within a line.
func (l *jsonlEventLog) Write(event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("event log %s is closed", l.path)
	}
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

// Read returns matching events in log order. Malformed lines are skipped.
func (l *jsonlEventLog) Read(filter EventFilter) ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening event log for reading: %w", err)
	}
	defer func() { _ = f.Close() }()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if filter.matches(event) {
			events = append(events, event)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning event log: %w", err)
	}
	return events, nil
}

func (l *jsonlEventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("closing event log: %w", err)
	}
	return nil
}

func (f EventFilter) matches(event Event) bool {
	if f.Since != nil && event.Time.Before(*f.Since) {
		return false
	}
	if f.Until != nil && event.Time.After(*f.Until) {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Level != "" && event.Level != f.Level {
		return false
	}
	if f.ProjectID != "" && event.ProjectID() != f.ProjectID {
		return false
	}
	return true
}

// Recorder adapts an EventLog to the LogEvent interface the task services
// write to. Every event it records is stamped with project_id when one is
// set.
type Recorder struct {
	log       EventLog
	projectID string
	now       func() time.Time
}

// NewRecorder returns a Recorder writing to log.
func NewRecorder(log EventLog) *Recorder {
	return &Recorder{log: log, now: func() time.Time { return time.Now().UTC() }}
}

// ForProject returns a Recorder that tags events with projectID.
func (r *Recorder) ForProject(projectID string) *Recorder {
	c := *r
	c.projectID = projectID
	return &c
}

// LogEvent records one event. A nil Recorder or log discards it.
func (r *Recorder) LogEvent(eventType string, data map[string]any) error {
	if r == nil || r.log == nil {
		return nil
	}
	if r.projectID != "" {
		tagged := make(map[string]any, len(data)+1)
		for k, v := range data {
			tagged[k] = v
		}
		tagged["project_id"] = r.projectID
		data = tagged
	}
	return r.log.Write(Event{
		Time:    r.now(),
		Level:   levelFor(eventType),
		Type:    eventType,
		Message: eventType,
		Data:    data,
	})
}

func levelFor(eventType string) string {
	switch eventType {
	case "task.invalid_transition":
		return LevelError
	case "task.blocked", "task.retry_exhausted":
		return LevelWarn
	}
	return LevelInfo
}
