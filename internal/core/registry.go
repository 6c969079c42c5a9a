package core

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"github.com/valter-silva-au/agent-army/internal/errors"
	"github.com/valter-silva-au/agent-army/internal/logging"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

// ProjectFilter narrows List. Empty fields match everything.
type ProjectFilter struct {
	Status []models.ProjectStatus
	Tag    string
}

// ProjectReport pairs a project with its checklist summary and load score.
type ProjectReport struct {
	Project  *models.Project          `json:"project"`
	Summary  *models.ChecklistSummary `json:"summary"`
	Workload float64                  `json:"workload"`
}

// RegistrySummary aggregates every registered project.
type RegistrySummary struct {
	Projects        int                          `json:"projects"`
	ByStatus        map[models.ProjectStatus]int `json:"by_status"`
	Tasks           int                          `json:"tasks"`
	TasksByStatus   map[models.TaskStatus]int    `json:"tasks_by_status"`
	CompletionRate  float64                      `json:"completion_rate"`
	StalledProjects []string                     `json:"stalled_projects,omitempty"`
	Agents          int                          `json:"agents"`
}

// ProjectRegistry tracks projects and aggregates their checklists.
type ProjectRegistry interface {
	Register(ctx context.Context, name, path string, priority int) (*models.Project, error)
	Get(ctx context.Context, id string) (*models.Project, error)
	GetByPath(ctx context.Context, path string) (*models.Project, error)
	List(ctx context.Context, filter ProjectFilter) ([]*models.Project, error)
	UpdateStatus(ctx context.Context, id string, status models.ProjectStatus) (*models.Project, error)
	AssignAgent(ctx context.Context, id, agentID string) (*models.Project, error)
	UnassignAgent(ctx context.Context, id, agentID string) (*models.Project, error)
	Touch(ctx context.Context, id string) error
	AddTag(ctx context.Context, id, tag string) (*models.Project, error)
	SetMetadata(ctx context.Context, id, key, value string) (*models.Project, error)

	Checklist(p *models.Project) ChecklistManager
	SyncQueue(ctx context.Context, q TaskQueue) error
	ComputeWorkload(ctx context.Context) (map[string]float64, error)
	Report(ctx context.Context) ([]ProjectReport, error)
	Summary(ctx context.Context) (*RegistrySummary, error)
}

// RegistryOptions configures a ProjectRegistry.
type RegistryOptions struct {
	Weights     models.WorkloadWeights
	Concurrency int
	Logger      *logging.Logger
	Events      EventLogger
	Now         func() time.Time
}

type projectRegistry struct {
	store       ProjectStore
	open        ChecklistOpener
	bus         MessageBus
	weights     models.WorkloadWeights
	concurrency int
	logger      *logging.Logger
	events      EventLogger
	now         func() time.Time
}

// NewProjectRegistry creates a ProjectRegistry. open builds the checklist
// manager for a project; bus may be nil.
func NewProjectRegistry(store ProjectStore, open ChecklistOpener, bus MessageBus, opts RegistryOptions) ProjectRegistry {
	r := &projectRegistry{
		store:       store,
		open:        open,
		bus:         bus,
		weights:     opts.Weights,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
		events:      opts.Events,
		now:         opts.Now,
	}
	if r.weights == nil {
		r.weights = DefaultConfig().WorkloadWeights
	}
	if r.concurrency < 1 {
		r.concurrency = 8
	}
	if r.logger == nil {
		r.logger = logging.NopLogger()
	}
	if r.events == nil {
		r.events = nopEventLogger{}
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

func (r *projectRegistry) Register(ctx context.Context, name, path string, priority int) (*models.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.Validation("register", "project name must not be empty")
	}
	if path == "" {
		return nil, errors.Validation("register", "project path must not be empty")
	}
	if priority < 1 {
		return nil, errors.Validation("register", "priority must be at least 1, got %d", priority)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving project path: %w", err)
	}

	now := r.now()
	p := &models.Project{
		ID:             "proj-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8],
		Name:           name,
		Path:           filepath.Clean(abs),
		Status:         models.ProjectActive,
		Priority:       priority,
		AgentsAssigned: []string{},
		CreatedAt:      now,
		LastActivity:   now,
	}
	if err := r.store.Insert(ctx, p); err != nil {
		return nil, err
	}

	r.logger.WithProject(p.ID).Info("project registered", "name", p.Name, "path", p.Path)
	r.logEvent(EventProjectRegistered, map[string]any{"project_id": p.ID, "name": p.Name, "path": p.Path})
	r.publish(ctx, models.MsgProjectRegistered, p, nil)
	return p, nil
}

func (r *projectRegistry) Get(ctx context.Context, id string) (*models.Project, error) {
	return r.store.Get(ctx, id)
}

func (r *projectRegistry) GetByPath(ctx context.Context, path string) (*models.Project, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving project path: %w", err)
	}
	return r.store.GetByPath(ctx, filepath.Clean(abs))
}

// List returns matching projects by priority, then most recent activity.
func (r *projectRegistry) List(ctx context.Context, filter ProjectFilter) ([]*models.Project, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*models.Project
	for _, p := range all {
		if len(filter.Status) > 0 && !containsValue(filter.Status, p.Status) {
			continue
		}
		if filter.Tag != "" && !containsString(p.Tags, filter.Tag) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// mutate applies fn to the stored project as one atomic read-modify-write
// and bumps its last activity.
func (r *projectRegistry) mutate(ctx context.Context, id string, fn func(p *models.Project) error) (*models.Project, error) {
	return r.store.Update(ctx, id, func(p *models.Project) error {
		if err := fn(p); err != nil {
			return err
		}
		p.LastActivity = r.now()
		return nil
	})
}

// UpdateStatus only checks the status is known; any status may follow any
// other.
func (r *projectRegistry) UpdateStatus(ctx context.Context, id string, status models.ProjectStatus) (*models.Project, error) {
	if !status.Valid() {
		return nil, errors.Validation("update status", "unknown project status %q, must be one of: active, paused, completed, archived", status)
	}
	var old models.ProjectStatus
	p, err := r.mutate(ctx, id, func(p *models.Project) error {
		old = p.Status
		p.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logEvent(EventProjectStatus, map[string]any{"project_id": id, "from": string(old), "to": string(status)})
	r.publish(ctx, models.MsgProjectStatusChanged, p, map[string]any{"from": string(old)})
	return p, nil
}

func (r *projectRegistry) AssignAgent(ctx context.Context, id, agentID string) (*models.Project, error) {
	if agentID == "" {
		return nil, errors.Validation("assign agent", "agent id must not be empty")
	}
	return r.mutate(ctx, id, func(p *models.Project) error {
		if !containsString(p.AgentsAssigned, agentID) {
			p.AgentsAssigned = append(p.AgentsAssigned, agentID)
		}
		return nil
	})
}

func (r *projectRegistry) UnassignAgent(ctx context.Context, id, agentID string) (*models.Project, error) {
	return r.mutate(ctx, id, func(p *models.Project) error {
		kept := p.AgentsAssigned[:0]
		for _, a := range p.AgentsAssigned {
			if a != agentID {
				kept = append(kept, a)
			}
		}
		p.AgentsAssigned = kept
		return nil
	})
}

func (r *projectRegistry) Touch(ctx context.Context, id string) error {
	_, err := r.mutate(ctx, id, func(*models.Project) error { return nil })
	return err
}

func (r *projectRegistry) AddTag(ctx context.Context, id, tag string) (*models.Project, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil, errors.Validation("add tag", "tag must not be empty")
	}
	return r.mutate(ctx, id, func(p *models.Project) error {
		if !containsString(p.Tags, tag) {
			p.Tags = append(p.Tags, tag)
			sort.Strings(p.Tags)
		}
		return nil
	})
}

func (r *projectRegistry) SetMetadata(ctx context.Context, id, key, value string) (*models.Project, error) {
	if key == "" {
		return nil, errors.Validation("set metadata", "key must not be empty")
	}
	return r.mutate(ctx, id, func(p *models.Project) error {
		if p.Metadata == nil {
			p.Metadata = map[string]string{}
		}
		if value == "" {
			delete(p.Metadata, key)
		} else {
			p.Metadata[key] = value
		}
		return nil
	})
}

func (r *projectRegistry) Checklist(p *models.Project) ChecklistManager {
	return r.open(p)
}

// SyncQueue makes the active projects exactly the queue's sources.
func (r *projectRegistry) SyncQueue(ctx context.Context, q TaskQueue) error {
	projects, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing projects: %w", err)
	}
	active := map[string]bool{}
	for _, p := range projects {
		if p.Status == models.ProjectActive {
			active[p.ID] = true
			if _, err := q.Source(p.ID); err != nil {
				q.AddSource(p.ID, r.open(p))
			}
		}
	}
	for _, id := range q.Sources() {
		if !active[id] {
			q.RemoveSource(id)
		}
	}
	return nil
}

// workload is the weighted count of eligible tasks minus in-flight tasks.
func (r *projectRegistry) workload(cl *models.Checklist) float64 {
	score := 0.0
	for _, t := range eligibleTasks(cl, EligibilityFilter{}) {
		score += r.weights[t.Priority]
	}
	for _, t := range cl.Tasks {
		if t.Status == models.StatusInProgress {
			score--
		}
	}
	return score
}

// ComputeWorkload scores every active project. It only reads.
func (r *projectRegistry) ComputeWorkload(ctx context.Context) (map[string]float64, error) {
	reports, err := r.collect(ctx, ProjectFilter{Status: []models.ProjectStatus{models.ProjectActive}})
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(reports))
	for _, rep := range reports {
		out[rep.Project.ID] = rep.Workload
	}
	return out, nil
}

func (r *projectRegistry) Report(ctx context.Context) ([]ProjectReport, error) {
	return r.collect(ctx, ProjectFilter{})
}

// collect reads the checklists of matching projects concurrently and
// returns reports in List order.
func (r *projectRegistry) collect(ctx context.Context, filter ProjectFilter) ([]ProjectReport, error) {
	projects, err := r.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	p := pool.NewWithResults[ProjectReport]().WithContext(ctx).WithMaxGoroutines(r.concurrency)
	for _, proj := range projects {
		p.Go(func(ctx context.Context) (ProjectReport, error) {
			cl, err := r.open(proj).Snapshot(ctx)
			if err != nil {
				return ProjectReport{}, fmt.Errorf("reading checklist of %s: %w", proj.ID, err)
			}
			return ProjectReport{Project: proj, Summary: Summarize(cl), Workload: r.workload(cl)}, nil
		})
	}
	results, err := p.Wait()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]ProjectReport, len(results))
	for _, rep := range results {
		byID[rep.Project.ID] = rep
	}
	out := make([]ProjectReport, 0, len(projects))
	for _, proj := range projects {
		out = append(out, byID[proj.ID])
	}
	return out, nil
}

func (r *projectRegistry) Summary(ctx context.Context) (*RegistrySummary, error) {
	reports, err := r.Report(ctx)
	if err != nil {
		return nil, err
	}
	s := &RegistrySummary{
		ByStatus:      map[models.ProjectStatus]int{},
		TasksByStatus: map[models.TaskStatus]int{},
	}
	agents := map[string]bool{}
	for _, rep := range reports {
		s.Projects++
		s.ByStatus[rep.Project.Status]++
		for _, a := range rep.Project.AgentsAssigned {
			agents[a] = true
		}
		s.Tasks += rep.Summary.Total
		for st, n := range rep.Summary.ByStatus {
			s.TasksByStatus[st] += n
		}
		if rep.Summary.Health == models.HealthStalled {
			s.StalledProjects = append(s.StalledProjects, rep.Project.ID)
		}
	}
	s.Agents = len(agents)
	if s.Tasks > 0 {
		s.CompletionRate = float64(s.TasksByStatus[models.StatusDone]) * 100 / float64(s.Tasks)
	}
	return s, nil
}

func (r *projectRegistry) logEvent(eventType string, data map[string]any) {
	if err := r.events.LogEvent(eventType, data); err != nil {
		r.logger.Warn("writing audit event", "type", eventType, "error", err)
	}
}

func (r *projectRegistry) publish(ctx context.Context, msgType string, p *models.Project, extra map[string]any) {
	if r.bus == nil {
		return
	}
	payload := map[string]any{
		"type":       msgType,
		"project_id": p.ID,
		"name":       p.Name,
		"status":     string(p.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := r.bus.Publish(ctx, msgType, payload, "registry", models.MessageNormal); err != nil {
		r.logger.WithProject(p.ID).Warn("publishing registry event", "type", msgType, "error", err)
	}
}
