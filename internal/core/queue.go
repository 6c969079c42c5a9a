package core

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/valter-silva-au/agent-army/internal/errors"
	"github.com/valter-silva-au/agent-army/internal/logging"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

// Claim is a task a worker now owns.
type Claim struct {
	Ref  models.TaskRef `json:"ref"`
	Task *models.Task   `json:"task"`
}

// Candidate is an eligible task seen during a scan.
type Candidate struct {
	Ref  models.TaskRef `json:"ref"`
	Task *models.Task   `json:"task"`
}

// TaskQueue is a priority view over one or more project checklists. It
// keeps no task state of its own: every dequeue re-reads the checklists and
// the checklist lock arbitrates competing claims.
type TaskQueue interface {
	AddSource(projectID string, checklist ChecklistManager)
	RemoveSource(projectID string)
	Source(projectID string) (ChecklistManager, error)
	Sources() []string

	Enqueue(ctx context.Context, projectID string, spec models.TaskSpec) (*models.Task, error)
	Peek(ctx context.Context, filter EligibilityFilter) ([]Candidate, error)
	DequeueFor(ctx context.Context, agentID string, filter EligibilityFilter) (*Claim, error)
	Requeue(ctx context.Context, ref models.TaskRef, agentID, reason string) (*models.Task, error)
	ReportSuccess(ctx context.Context, ref models.TaskRef, agentID, notes string) (*models.Task, error)
	ReportFailure(ctx context.Context, ref models.TaskRef, agentID, reason string, recoverable bool) (*models.Task, error)
	Unblock(ctx context.Context, ref models.TaskRef, note string) (*models.Task, error)
	Status(ctx context.Context) (map[string]*models.ChecklistSummary, error)
}

// QueueOptions configures a TaskQueue.
type QueueOptions struct {
	MaxScanAttempts       int
	RemediateOnExhaustion bool
	Logger                *logging.Logger
}

type taskQueue struct {
	bus        MessageBus
	maxScan    int
	remediate  bool
	logger     *logging.Logger
	mu         sync.RWMutex
	checklists map[string]ChecklistManager
}

// NewTaskQueue creates a TaskQueue that announces state changes on bus.
// bus may be nil, in which case nothing is published.
func NewTaskQueue(bus MessageBus, opts QueueOptions) TaskQueue {
	q := &taskQueue{
		bus:        bus,
		maxScan:    opts.MaxScanAttempts,
		remediate:  opts.RemediateOnExhaustion,
		logger:     opts.Logger,
		checklists: make(map[string]ChecklistManager),
	}
	if q.maxScan < 1 {
		q.maxScan = DefaultConfig().MaxScanAttempts
	}
	if q.logger == nil {
		q.logger = logging.NopLogger()
	}
	return q
}

func (q *taskQueue) AddSource(projectID string, checklist ChecklistManager) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.checklists[projectID] = checklist
}

func (q *taskQueue) RemoveSource(projectID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.checklists, projectID)
}

func (q *taskQueue) Source(projectID string) (ChecklistManager, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	cl, ok := q.checklists[projectID]
	if !ok {
		return nil, errors.NotFound("project", projectID)
	}
	return cl, nil
}

func (q *taskQueue) Sources() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	ids := make([]string, 0, len(q.checklists))
	for id := range q.checklists {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (q *taskQueue) Enqueue(ctx context.Context, projectID string, spec models.TaskSpec) (*models.Task, error) {
	src, err := q.Source(projectID)
	if err != nil {
		return nil, err
	}
	t, err := src.CreateTask(ctx, spec)
	if err != nil {
		return nil, err
	}

	ref := models.TaskRef{ProjectID: projectID, TaskID: t.ID}
	q.publish(ctx, models.MsgTaskAvailable, ref, t, nil)
	if t.Blocking {
		q.publish(ctx, models.MsgBlockingTaskExists, ref, t, nil)
	}
	if t.Kind == models.KindVerification {
		q.publish(ctx, models.MsgVerificationRequired, ref, t, nil)
	}
	return t, nil
}

// Peek returns every eligible task across all sources in dequeue order.
// Sources that cannot be read are logged and skipped.
func (q *taskQueue) Peek(ctx context.Context, filter EligibilityFilter) ([]Candidate, error) {
	var out []Candidate
	for _, projectID := range q.Sources() {
		src, err := q.Source(projectID)
		if err != nil {
			continue
		}
		tasks, err := src.Eligible(ctx, filter)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			q.logger.WithProject(projectID).Error("scanning checklist", "error", err)
			continue
		}
		for _, t := range tasks {
			out = append(out, Candidate{Ref: models.TaskRef{ProjectID: projectID, TaskID: t.ID}, Task: t})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return candidateLess(out[i], out[j]) })
	return out, nil
}

// candidateLess orders across projects: blocking first, then priority,
// then creation time, with project and per-store sequence breaking ties.
func candidateLess(a, b Candidate) bool {
	ta, tb := a.Task, b.Task
	if ta.Blocking != tb.Blocking {
		return ta.Blocking
	}
	if ra, rb := ta.Priority.Rank(), tb.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if !ta.CreatedAt.Equal(tb.CreatedAt) {
		return ta.CreatedAt.Before(tb.CreatedAt)
	}
	if a.Ref.ProjectID != b.Ref.ProjectID {
		return a.Ref.ProjectID < b.Ref.ProjectID
	}
	return ta.Seq < tb.Seq
}

// DequeueFor claims the best eligible task for agentID. Losing a claim race
// moves on to the next candidate; a full pass with no win triggers a
// rescan, up to the configured number of attempts. It returns nil, nil
// when nothing is eligible.
func (q *taskQueue) DequeueFor(ctx context.Context, agentID string, filter EligibilityFilter) (*Claim, error) {
	if agentID == "" {
		return nil, errors.Validation("dequeue", "agent id must not be empty")
	}
	log := q.logger.WithAgent(agentID)

	for attempt := 1; attempt <= q.maxScan; attempt++ {
		candidates, err := q.Peek(ctx, filter)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		for _, c := range candidates {
			src, err := q.Source(c.Ref.ProjectID)
			if err != nil {
				continue
			}
			t, err := src.Claim(ctx, c.Ref.TaskID, agentID)
			if err == nil {
				log.Info("task claimed", "project_id", c.Ref.ProjectID, "task_id", t.ID, "attempt", attempt)
				q.publish(ctx, models.MsgTaskClaimed, c.Ref, t, map[string]any{"agent": agentID})
				return &Claim{Ref: c.Ref, Task: t}, nil
			}
			if errors.IsExpected(err) {
				log.Debug("lost claim race", "project_id", c.Ref.ProjectID, "task_id", c.Ref.TaskID)
				continue
			}
			return nil, fmt.Errorf("claiming %s: %w", c.Ref, err)
		}
	}
	return nil, nil
}

// Requeue releases a claimed task. When the retry limit is exceeded the
// task is blocked, ErrRetryExhausted is returned and, if configured, a
// blocking remediation task is created in the same project.
func (q *taskQueue) Requeue(ctx context.Context, ref models.TaskRef, agentID, reason string) (*models.Task, error) {
	src, err := q.Source(ref.ProjectID)
	if err != nil {
		return nil, err
	}
	t, err := src.Release(ctx, ref.TaskID, agentID, reason)
	if err != nil && !errors.Is(err, errors.ErrRetryExhausted) {
		return nil, err
	}
	q.announceRelease(ctx, ref, t, reason, err)
	return t, err
}

// announceRelease publishes the outcome of a committed release: the task
// is available again, or it was blocked because its retries ran out.
func (q *taskQueue) announceRelease(ctx context.Context, ref models.TaskRef, t *models.Task, reason string, releaseErr error) {
	if !errors.Is(releaseErr, errors.ErrRetryExhausted) {
		q.publish(ctx, models.MsgTaskAvailable, ref, t, nil)
		return
	}
	q.publish(ctx, models.MsgTaskBlocked, ref, t, map[string]any{"reason": "retries exhausted: " + reason})
	if q.remediate {
		if _, rerr := q.Enqueue(ctx, ref.ProjectID, remediationSpec(t, reason)); rerr != nil {
			q.logger.WithProject(ref.ProjectID).Error("creating remediation task", "task_id", t.ID, "error", rerr)
		}
	}
}

func remediationSpec(t *models.Task, reason string) models.TaskSpec {
	return models.TaskSpec{
		Title:       fmt.Sprintf("Remediate %s: %s", t.ID, t.Title),
		Description: fmt.Sprintf("%s exhausted %d retries. Last failure: %s", t.ID, t.RetryCount, reason),
		Kind:        models.KindRemediation,
		Priority:    models.PriorityCritical,
		Blocking:    true,
		Capability:  t.Capability,
		Payload: map[string]any{
			"reason":      reason,
			"source_task": t.ID,
		},
	}
}

func (q *taskQueue) ReportSuccess(ctx context.Context, ref models.TaskRef, agentID, notes string) (*models.Task, error) {
	src, err := q.Source(ref.ProjectID)
	if err != nil {
		return nil, err
	}
	t, err := src.Complete(ctx, ref.TaskID, agentID, notes)
	if err != nil {
		return nil, err
	}
	q.publish(ctx, models.MsgTaskCompleted, ref, t, map[string]any{"agent": agentID, "notes": notes})
	return t, nil
}

// ReportFailure records a failed attempt. Recoverable failures requeue the
// task; anything else blocks it. task_failed is announced only once the
// transition has been committed.
func (q *taskQueue) ReportFailure(ctx context.Context, ref models.TaskRef, agentID, reason string, recoverable bool) (*models.Task, error) {
	src, err := q.Source(ref.ProjectID)
	if err != nil {
		return nil, err
	}
	var t *models.Task
	if recoverable {
		t, err = src.Release(ctx, ref.TaskID, agentID, reason)
	} else {
		t, err = src.Block(ctx, ref.TaskID, agentID, reason)
	}
	if err != nil && !errors.Is(err, errors.ErrRetryExhausted) {
		return nil, err
	}

	q.publish(ctx, models.MsgTaskFailed, ref, t, map[string]any{
		"agent":       agentID,
		"reason":      reason,
		"recoverable": recoverable,
	})
	if recoverable {
		q.announceRelease(ctx, ref, t, reason, err)
	} else {
		q.publish(ctx, models.MsgTaskBlocked, ref, t, map[string]any{"reason": reason})
	}
	return t, err
}

// Unblock returns a blocked task to the queue with a fresh retry budget.
func (q *taskQueue) Unblock(ctx context.Context, ref models.TaskRef, note string) (*models.Task, error) {
	src, err := q.Source(ref.ProjectID)
	if err != nil {
		return nil, err
	}
	t, err := src.Unblock(ctx, ref.TaskID, note)
	if err != nil {
		return nil, err
	}
	q.publish(ctx, models.MsgTaskAvailable, ref, t, map[string]any{"unblocked": true})
	return t, nil
}

func (q *taskQueue) Status(ctx context.Context) (map[string]*models.ChecklistSummary, error) {
	out := make(map[string]*models.ChecklistSummary)
	for _, projectID := range q.Sources() {
		src, err := q.Source(projectID)
		if err != nil {
			continue
		}
		s, err := src.Summary(ctx)
		if err != nil {
			return nil, fmt.Errorf("summarising %s: %w", projectID, err)
		}
		out[projectID] = s
	}
	return out, nil
}

// publish announces a queue event. Bus failures are logged, never returned:
// the checklist change they describe is already committed.
func (q *taskQueue) publish(ctx context.Context, msgType string, ref models.TaskRef, t *models.Task, extra map[string]any) {
	if q.bus == nil {
		return
	}
	payload := map[string]any{
		"type":       msgType,
		"project_id": ref.ProjectID,
		"task_id":    ref.TaskID,
	}
	if t != nil {
		payload["status"] = string(t.Status)
		payload["priority"] = string(t.Priority)
		payload["blocking"] = t.Blocking
		payload["title"] = t.Title
	}
	for k, v := range extra {
		payload[k] = v
	}
	priority := models.MessageNormal
	if t != nil && (t.Blocking || t.Priority == models.PriorityCritical) {
		priority = models.MessageHigh
	}
	if _, err := q.bus.Publish(ctx, msgType, payload, "queue", priority); err != nil {
		q.logger.WithProject(ref.ProjectID).Warn("publishing queue event", "type", msgType, "task_id", ref.TaskID, "error", err)
	}
}
