package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/valter-silva-au/agent-army/internal/errors"
	"github.com/valter-silva-au/agent-army/internal/logging"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

// TransitionOpts annotates a status change.
type TransitionOpts struct {
	Agent string
	Note  string
}

// TaskFilter selects tasks for ListTasks. All set fields must match.
type TaskFilter struct {
	Status       []models.TaskStatus
	Priority     []models.Priority
	Kind         []models.TaskKind
	Agent        string
	BlockingOnly bool
}

func (f TaskFilter) matches(t *models.Task) bool {
	if len(f.Status) > 0 && !containsValue(f.Status, t.Status) {
		return false
	}
	if len(f.Priority) > 0 && !containsValue(f.Priority, t.Priority) {
		return false
	}
	if len(f.Kind) > 0 && !containsValue(f.Kind, t.Kind) {
		return false
	}
	if f.Agent != "" && t.AssignedAgent != f.Agent {
		return false
	}
	if f.BlockingOnly && !t.Blocking {
		return false
	}
	return true
}

func containsValue[T comparable](haystack []T, needle T) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// ChecklistManager owns one project's checklist. Every mutation is a
// single locked read-modify-write of the checklist file.
type ChecklistManager interface {
	Path() string
	Snapshot(ctx context.Context) (*models.Checklist, error)

	Initialize(ctx context.Context, projectName string, specs []models.TaskSpec) ([]*models.Task, error)
	CreateTask(ctx context.Context, spec models.TaskSpec) (*models.Task, error)

	Transition(ctx context.Context, taskID string, to models.TaskStatus, opts TransitionOpts) (*models.Task, error)
	Claim(ctx context.Context, taskID, agent string) (*models.Task, error)
	Complete(ctx context.Context, taskID, agent, note string) (*models.Task, error)
	Release(ctx context.Context, taskID, agent, reason string) (*models.Task, error)
	Block(ctx context.Context, taskID, agent, reason string) (*models.Task, error)
	Unblock(ctx context.Context, taskID, note string) (*models.Task, error)

	SetBlocking(ctx context.Context, taskID string, blocking bool) (*models.Task, error)
	AddDependency(ctx context.Context, taskID, dependsOn string) (*models.Task, error)
	AddSubtask(ctx context.Context, parentID, title string) (*models.Subtask, error)
	UpdateSubtaskStatus(ctx context.Context, parentID, subtaskID string, status models.TaskStatus) (*models.Task, error)
	UpdateTestCoverage(ctx context.Context, taskID string, kind models.CoverageKind, count int) (*models.Task, error)
	AddNote(ctx context.Context, taskID, agent, text string) (*models.Task, error)

	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)
	GetNextEligible(ctx context.Context, filter EligibilityFilter) (*models.Task, error)
	Eligible(ctx context.Context, filter EligibilityFilter) ([]*models.Task, error)
	ExportProjection(ctx context.Context) (string, error)

	StartSession(ctx context.Context, name, agent string) (*models.Session, error)
	EndSession(ctx context.Context, notes []string) (*models.Session, error)
	Summary(ctx context.Context) (*models.ChecklistSummary, error)
}

// ChecklistOptions configures a ChecklistManager. Zero values fall back to
// DefaultConfig.
type ChecklistOptions struct {
	MaxRetries     int
	IDPrefix       string
	IDPadWidth     int
	ProjectionPath string
	Logger         *logging.Logger
	Events         EventLogger
	Now            func() time.Time
}

// ChecklistOptionsFromConfig derives manager options for a project directory.
func ChecklistOptionsFromConfig(cfg *models.ArmyConfig, projectDir string, logger *logging.Logger, events EventLogger) ChecklistOptions {
	opts := ChecklistOptions{
		MaxRetries: cfg.MaxRetries,
		IDPrefix:   cfg.TaskIDPrefix,
		IDPadWidth: cfg.TaskIDPadWidth,
		Logger:     logger,
		Events:     events,
	}
	if cfg.ProjectionFile != "" {
		opts.ProjectionPath = filepath.Join(projectDir, cfg.ProjectionFile)
	}
	return opts
}

type checklistManager struct {
	file           ChecklistFile
	maxRetries     int
	idPrefix       string
	idPadWidth     int
	projectionPath string
	logger         *logging.Logger
	events         EventLogger
	now            func() time.Time
}

// NewChecklistManager creates a ChecklistManager over file. When
// opts.ProjectionPath is set the markdown projection is rewritten after
// every committed mutation.
func NewChecklistManager(file ChecklistFile, opts ChecklistOptions) ChecklistManager {
	def := DefaultConfig()
	m := &checklistManager{
		file:           file,
		maxRetries:     opts.MaxRetries,
		idPrefix:       opts.IDPrefix,
		idPadWidth:     opts.IDPadWidth,
		projectionPath: opts.ProjectionPath,
		logger:         opts.Logger,
		events:         opts.Events,
		now:            opts.Now,
	}
	if m.idPrefix == "" {
		m.idPrefix = def.TaskIDPrefix
		m.idPadWidth = def.TaskIDPadWidth
	}
	if m.logger == nil {
		m.logger = logging.NopLogger()
	}
	if m.events == nil {
		m.events = nopEventLogger{}
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	if m.projectionPath != "" {
		file.OnCommit(m.writeProjection)
	}
	return m
}

func (m *checklistManager) Path() string {
	return m.file.Path()
}

func (m *checklistManager) Snapshot(ctx context.Context) (*models.Checklist, error) {
	cl, err := m.file.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading checklist: %w", err)
	}
	return cl, nil
}

func (m *checklistManager) writeProjection(cl *models.Checklist) {
	if err := os.WriteFile(m.projectionPath, []byte(RenderProjection(cl)), 0o644); err != nil {
		m.logger.Warn("writing checklist projection", "path", m.projectionPath, "error", err)
	}
}

func (m *checklistManager) logEvent(eventType string, data map[string]any) {
	if err := m.events.LogEvent(eventType, data); err != nil {
		m.logger.Warn("writing audit event", "type", eventType, "error", err)
	}
}

// updateTask runs fn on one task inside a locked update and returns a copy
// of the task as committed.
func (m *checklistManager) updateTask(ctx context.Context, taskID string, fn func(cl *models.Checklist, t *models.Task) error) (*models.Task, error) {
	var out *models.Task
	_, err := m.file.Update(ctx, func(cl *models.Checklist) error {
		t := cl.Task(taskID)
		if t == nil {
			return errors.NotFound("task", taskID)
		}
		if err := fn(cl, t); err != nil {
			return err
		}
		out = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- creation ---

func (m *checklistManager) Initialize(ctx context.Context, projectName string, specs []models.TaskSpec) ([]*models.Task, error) {
	var created []*models.Task
	_, err := m.file.Update(ctx, func(cl *models.Checklist) error {
		if len(cl.Tasks) > 0 {
			return errors.Validation("initialize", "checklist already holds %d tasks", len(cl.Tasks))
		}
		if projectName != "" {
			cl.ProjectName = projectName
		}
		byTitle := map[string]string{}
		for i, spec := range specs {
			for _, title := range spec.DependsOnTitles {
				id, ok := byTitle[title]
				if !ok {
					return errors.Validation("initialize", "task %d (%q) depends on unknown title %q", i+1, spec.Title, title)
				}
				spec.Dependencies = append(spec.Dependencies, id)
			}
			t, err := m.insertTask(cl, spec)
			if err != nil {
				return fmt.Errorf("task %d (%q): %w", i+1, spec.Title, err)
			}
			byTitle[t.Title] = t.ID
			created = append(created, t.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("initializing checklist: %w", err)
	}
	for _, t := range created {
		m.logEvent(EventTaskCreated, taskEventData(t, ""))
	}
	m.logger.Info("checklist initialized", "path", m.Path(), "tasks", len(created))
	return created, nil
}

func (m *checklistManager) CreateTask(ctx context.Context, spec models.TaskSpec) (*models.Task, error) {
	var created *models.Task
	_, err := m.file.Update(ctx, func(cl *models.Checklist) error {
		t, err := m.insertTask(cl, spec)
		if err != nil {
			return err
		}
		created = t.Clone()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	m.logEvent(EventTaskCreated, taskEventData(created, ""))
	return created, nil
}

// insertTask validates spec against cl and appends the new task.
func (m *checklistManager) insertTask(cl *models.Checklist, spec models.TaskSpec) (*models.Task, error) {
	if err := validateSpec(cl, &spec); err != nil {
		return nil, err
	}

	now := m.now()
	cl.NextID++
	t := &models.Task{
		ID:           formatTaskID(m.idPrefix, m.idPadWidth, cl.NextID),
		Seq:          cl.NextID,
		Title:        strings.TrimSpace(spec.Title),
		Description:  spec.Description,
		Kind:         spec.Kind,
		Payload:      spec.Payload,
		Capability:   spec.Capability,
		Status:       models.StatusTodo,
		Priority:     spec.Priority,
		Blocking:     spec.Blocking,
		Dependencies: spec.Dependencies,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i, title := range spec.Subtasks {
		t.Subtasks = append(t.Subtasks, models.Subtask{
			ID:        fmt.Sprintf("%s.%d", t.ID, i+1),
			ParentID:  t.ID,
			Title:     title,
			Status:    models.StatusTodo,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	cl.Tasks = append(cl.Tasks, t)
	return t, nil
}

// validateSpec normalises spec in place and rejects anything malformed.
// Missing kind and priority default to implementation and MEDIUM.
func validateSpec(cl *models.Checklist, spec *models.TaskSpec) error {
	var errs []string

	if strings.TrimSpace(spec.Title) == "" {
		errs = append(errs, "title must not be empty")
	}
	if spec.Kind == "" {
		spec.Kind = models.KindImplementation
	}
	if !spec.Kind.Valid() {
		errs = append(errs, fmt.Sprintf("unknown kind %q", spec.Kind))
	}
	if spec.Priority == "" {
		spec.Priority = models.PriorityMedium
	}
	if !spec.Priority.Valid() {
		errs = append(errs, fmt.Sprintf("unknown priority %q", spec.Priority))
	}
	for _, key := range models.RequiredPayloadKeys[spec.Kind] {
		if _, ok := spec.Payload[key]; !ok {
			errs = append(errs, fmt.Sprintf("%s tasks require payload key %q", spec.Kind, key))
		}
	}

	deps := make([]string, 0, len(spec.Dependencies))
	seen := map[string]bool{}
	for _, d := range spec.Dependencies {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		if cl.Task(d) == nil {
			errs = append(errs, fmt.Sprintf("unknown dependency %q", d))
		}
		deps = append(deps, d)
	}
	sort.Strings(deps)
	if len(deps) == 0 {
		deps = nil
	}
	spec.Dependencies = deps

	if len(errs) > 0 {
		return errors.Validation("create task", "%s", strings.Join(errs, "; "))
	}
	return nil
}

// --- transitions ---

func (m *checklistManager) Transition(ctx context.Context, taskID string, to models.TaskStatus, opts TransitionOpts) (*models.Task, error) {
	return m.transition(ctx, taskID, to, opts, nil)
}

// transition applies one state machine edge. guard, when set, runs against
// the locked state before the edge is applied.
func (m *checklistManager) transition(ctx context.Context, taskID string, to models.TaskStatus, opts TransitionOpts, guard func(*models.Task) error) (*models.Task, error) {
	var (
		from      models.TaskStatus
		exhausted bool
	)
	t, err := m.updateTask(ctx, taskID, func(cl *models.Checklist, t *models.Task) error {
		if guard != nil {
			if err := guard(t); err != nil {
				return err
			}
		}
		from = t.Status
		var err error
		exhausted, err = applyTransition(cl, t, transitionInput{
			to:         to,
			agent:      opts.Agent,
			note:       opts.Note,
			now:        m.now(),
			maxRetries: m.maxRetries,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, errors.ErrInvalidTransition) {
			m.logger.Error("invalid transition", "path", m.Path(), "task_id", taskID, "to", to, "error", err)
			m.logEvent(EventInvalidTransition, map[string]any{"task_id": taskID, "to": string(to), "error": err.Error()})
		}
		return nil, err
	}

	m.logEvent(transitionEvent(from, t.Status), taskEventData(t, opts.Note))
	if exhausted {
		m.logger.Warn("retry limit exhausted, task blocked", "path", m.Path(), "task_id", t.ID, "retries", t.RetryCount)
		m.logEvent(EventRetryExhausted, taskEventData(t, opts.Note))
		return t, errors.E(errors.ErrRetryExhausted, "requeue", t.ID, "blocked after %d retries", t.RetryCount)
	}
	return t, nil
}

func transitionEvent(from, to models.TaskStatus) string {
	switch {
	case to == models.StatusInProgress:
		return EventTaskClaimed
	case to == models.StatusDone:
		return EventTaskCompleted
	case to == models.StatusBlocked:
		return EventTaskBlocked
	case from == models.StatusBlocked:
		return EventTaskUnblocked
	default:
		return EventTaskRequeued
	}
}

func taskEventData(t *models.Task, note string) map[string]any {
	data := map[string]any{
		"task_id":     t.ID,
		"status":      string(t.Status),
		"priority":    string(t.Priority),
		"kind":        string(t.Kind),
		"blocking":    t.Blocking,
		"retry_count": t.RetryCount,
	}
	if t.AssignedAgent != "" {
		data["agent"] = t.AssignedAgent
	}
	if note != "" {
		data["note"] = note
	}
	return data
}

func (m *checklistManager) Claim(ctx context.Context, taskID, agent string) (*models.Task, error) {
	return m.Transition(ctx, taskID, models.StatusInProgress, TransitionOpts{Agent: agent})
}

func (m *checklistManager) Complete(ctx context.Context, taskID, agent, note string) (*models.Task, error) {
	return m.Transition(ctx, taskID, models.StatusDone, TransitionOpts{Agent: agent, Note: note})
}

// Release hands an in-progress task back to the queue. Past the retry
// limit the task is blocked instead and ErrRetryExhausted is returned
// together with the blocked task.
func (m *checklistManager) Release(ctx context.Context, taskID, agent, reason string) (*models.Task, error) {
	return m.transition(ctx, taskID, models.StatusTodo, TransitionOpts{Agent: agent, Note: reason}, func(t *models.Task) error {
		if t.Status != models.StatusInProgress {
			return errors.InvalidTransition(taskID, t.Status, "todo (release)")
		}
		return nil
	})
}

func (m *checklistManager) Block(ctx context.Context, taskID, agent, reason string) (*models.Task, error) {
	return m.Transition(ctx, taskID, models.StatusBlocked, TransitionOpts{Agent: agent, Note: reason})
}

// Unblock is the operator's way out of blocked. It resets the retry count.
func (m *checklistManager) Unblock(ctx context.Context, taskID, note string) (*models.Task, error) {
	return m.transition(ctx, taskID, models.StatusTodo, TransitionOpts{Note: note}, func(t *models.Task) error {
		if t.Status != models.StatusBlocked {
			return errors.InvalidTransition(taskID, t.Status, "todo (unblock)")
		}
		return nil
	})
}

// --- other mutators ---

func (m *checklistManager) SetBlocking(ctx context.Context, taskID string, blocking bool) (*models.Task, error) {
	return m.updateTask(ctx, taskID, func(_ *models.Checklist, t *models.Task) error {
		if t.Status == models.StatusDone {
			return errors.Validation("set blocking", "task %s is already done", taskID)
		}
		t.Blocking = blocking
		t.UpdatedAt = m.now()
		return nil
	})
}

func (m *checklistManager) AddDependency(ctx context.Context, taskID, depID string) (*models.Task, error) {
	return m.updateTask(ctx, taskID, func(cl *models.Checklist, t *models.Task) error {
		if t.Status == models.StatusDone {
			return errors.Validation("add dependency", "task %s is already done", taskID)
		}
		if cl.Task(depID) == nil {
			return errors.NotFound("task", depID)
		}
		if containsString(t.Dependencies, depID) {
			return nil
		}
		if depID == taskID || dependsOn(cl, depID, taskID) {
			return errors.E(errors.ErrDependencyCycle, "add dependency", taskID, "%s already depends on %s", depID, taskID)
		}
		t.Dependencies = append(t.Dependencies, depID)
		sort.Strings(t.Dependencies)
		t.UpdatedAt = m.now()
		return nil
	})
}

func (m *checklistManager) AddSubtask(ctx context.Context, parentID, title string) (*models.Subtask, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.Validation("add subtask", "title must not be empty")
	}
	var sub models.Subtask
	_, err := m.updateTask(ctx, parentID, func(_ *models.Checklist, t *models.Task) error {
		now := m.now()
		sub = models.Subtask{
			ID:        fmt.Sprintf("%s.%d", t.ID, len(t.Subtasks)+1),
			ParentID:  t.ID,
			Title:     title,
			Status:    models.StatusTodo,
			CreatedAt: now,
			UpdatedAt: now,
		}
		t.Subtasks = append(t.Subtasks, sub)
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpdateSubtaskStatus sets a subtask's status. Subtasks never block, and
// finishing all of them does not complete the parent.
func (m *checklistManager) UpdateSubtaskStatus(ctx context.Context, parentID, subtaskID string, status models.TaskStatus) (*models.Task, error) {
	if status != models.StatusTodo && status != models.StatusInProgress && status != models.StatusDone {
		return nil, errors.Validation("update subtask", "subtask status must be todo, in_progress or done, got %q", status)
	}
	return m.updateTask(ctx, parentID, func(_ *models.Checklist, t *models.Task) error {
		for i := range t.Subtasks {
			if t.Subtasks[i].ID == subtaskID {
				now := m.now()
				t.Subtasks[i].Status = status
				t.Subtasks[i].UpdatedAt = now
				t.UpdatedAt = now
				return nil
			}
		}
		return errors.NotFound("subtask", subtaskID)
	})
}

func (m *checklistManager) UpdateTestCoverage(ctx context.Context, taskID string, kind models.CoverageKind, count int) (*models.Task, error) {
	return m.updateTask(ctx, taskID, func(_ *models.Checklist, t *models.Task) error {
		if err := t.TestCoverage.Set(kind, count); err != nil {
			return errors.Validation("update coverage", "%s", err.Error())
		}
		t.UpdatedAt = m.now()
		return nil
	})
}

func (m *checklistManager) AddNote(ctx context.Context, taskID, agent, text string) (*models.Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.Validation("add note", "note must not be empty")
	}
	return m.updateTask(ctx, taskID, func(_ *models.Checklist, t *models.Task) error {
		now := m.now()
		t.Notes = append(t.Notes, models.Note{Time: now, Agent: agent, Text: text})
		t.UpdatedAt = now
		return nil
	})
}

// --- queries ---

func (m *checklistManager) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	cl, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	t := cl.Task(taskID)
	if t == nil {
		return nil, errors.NotFound("task", taskID)
	}
	return t, nil
}

func (m *checklistManager) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	cl, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var out []*models.Task
	for _, t := range cl.Tasks {
		if filter.matches(t) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// GetNextEligible returns the task a worker matching filter should take
// next, or nil when nothing is claimable. It does not claim.
func (m *checklistManager) GetNextEligible(ctx context.Context, filter EligibilityFilter) (*models.Task, error) {
	tasks, err := m.Eligible(ctx, filter)
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	return tasks[0], nil
}

func (m *checklistManager) Eligible(ctx context.Context, filter EligibilityFilter) ([]*models.Task, error) {
	cl, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return eligibleTasks(cl, filter), nil
}

func (m *checklistManager) ExportProjection(ctx context.Context) (string, error) {
	cl, err := m.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	return RenderProjection(cl), nil
}

// --- sessions ---

// StartSession opens a work session, closing any session left open.
func (m *checklistManager) StartSession(ctx context.Context, name, agent string) (*models.Session, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.Validation("start session", "name must not be empty")
	}
	var out models.Session
	_, err := m.file.Update(ctx, func(cl *models.Checklist) error {
		now := m.now()
		if open := cl.CurrentSession(); open != nil {
			open.EndedAt = &now
			open.Notes = append(open.Notes, "superseded by "+name)
		}
		cl.Sessions = append(cl.Sessions, models.Session{Name: name, Agent: agent, StartedAt: now})
		out = cl.Sessions[len(cl.Sessions)-1]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}
	return &out, nil
}

func (m *checklistManager) EndSession(ctx context.Context, notes []string) (*models.Session, error) {
	var out models.Session
	_, err := m.file.Update(ctx, func(cl *models.Checklist) error {
		open := cl.CurrentSession()
		if open == nil {
			return errors.NotFound("session", "open")
		}
		now := m.now()
		open.EndedAt = &now
		open.Notes = append(open.Notes, notes...)
		out = *open
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ending session: %w", err)
	}
	return &out, nil
}

func (m *checklistManager) Summary(ctx context.Context) (*models.ChecklistSummary, error) {
	cl, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return Summarize(cl), nil
}

// Summarize computes counts and health for a checklist snapshot.
func Summarize(cl *models.Checklist) *models.ChecklistSummary {
	s := &models.ChecklistSummary{
		ProjectName: cl.ProjectName,
		Total:       len(cl.Tasks),
		ByStatus:    map[models.TaskStatus]int{},
		ByPriority:  map[models.Priority]int{},
	}
	for _, t := range cl.Tasks {
		s.ByStatus[t.Status]++
		s.ByPriority[t.Priority]++
		if t.Blocking && t.Status != models.StatusDone {
			s.Blocking++
		}
		if t.Status == models.StatusInProgress {
			s.InFlight++
		}
		s.Coverage.Unit += t.TestCoverage.Unit
		s.Coverage.Integration += t.TestCoverage.Integration
		s.Coverage.E2E += t.TestCoverage.E2E
		s.Coverage.API += t.TestCoverage.API
	}
	s.Eligible = len(eligibleTasks(cl, EligibilityFilter{}))
	if s.Total > 0 {
		s.PercentComplete = float64(s.ByStatus[models.StatusDone]) * 100 / float64(s.Total)
	}

	switch {
	case s.Total == 0:
		s.Health = models.HealthIdle
	case s.ByStatus[models.StatusDone] == s.Total:
		s.Health = models.HealthComplete
	case s.InFlight > 0 || s.Eligible > 0:
		s.Health = models.HealthActive
	default:
		// Work remains but nothing can start: blocked, not idle.
		s.Health = models.HealthStalled
	}
	return s
}
