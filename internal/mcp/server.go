// Package mcp provides an MCP (Model Context Protocol) server that lets AI
// agents join the army: claim work, report results and exchange messages
// through MCP tool calls instead of the CLI.
package mcp

import (
	"context"
	"fmt"
	"sort"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/valter-silva-au/agent-army/internal/core"
	"github.com/valter-silva-au/agent-army/internal/errors"
	"github.com/valter-silva-au/agent-army/internal/observability"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

// Server exposes the task queue, message bus and registry as MCP tools.
type Server struct {
	server      *gomcp.Server
	queue       core.TaskQueue
	bus         core.MessageBus
	registry    core.ProjectRegistry
	metricsCalc observability.MetricsCalculator
	alertEngine observability.AlertEngine
}

// Deps groups the services a Server calls into. Registry, Metrics and
// Alerts may be nil; the tools that need them then report an error.
type Deps struct {
	Queue    core.TaskQueue
	Bus      core.MessageBus
	Registry core.ProjectRegistry
	Metrics  observability.MetricsCalculator
	Alerts   observability.AlertEngine
}

// NewServer creates a new MCP server over deps.
func NewServer(deps Deps, version string) *Server {
	if version == "" {
		version = "dev"
	}

	s := &Server{
		queue:       deps.Queue,
		bus:         deps.Bus,
		registry:    deps.Registry,
		metricsCalc: deps.Metrics,
		alertEngine: deps.Alerts,
	}

	s.server = gomcp.NewServer(
		&gomcp.Implementation{Name: "army", Version: version},
		nil,
	)

	s.registerTools()

	return s
}

// Run serves MCP over stdio until the client disconnects or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying mcp.Server for testing purposes.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

// --- Tool input/output types ---

type taskRefInput struct {
	ProjectID string `json:"project_id" jsonschema:"required,the project that owns the task"`
	TaskID    string `json:"task_id" jsonschema:"required,the task identifier within its project (e.g. TASK-0003)"`
}

type claimNextInput struct {
	AgentID      string   `json:"agent_id" jsonschema:"required,identifier of the claiming agent"`
	Capabilities []string `json:"capabilities,omitempty" jsonschema:"capabilities the agent offers; tasks requiring others are skipped"`
	Kinds        []string `json:"kinds,omitempty" jsonschema:"task kinds the agent accepts (implementation, verification, testing, remediation, documentation, review)"`
}

type claimNextOutput struct {
	Claimed   bool        `json:"claimed"`
	ProjectID string      `json:"project_id,omitempty"`
	Task      *taskOutput `json:"task,omitempty"`
}

type completeTaskInput struct {
	ProjectID string `json:"project_id" jsonschema:"required,the project that owns the task"`
	TaskID    string `json:"task_id" jsonschema:"required,the task identifier"`
	AgentID   string `json:"agent_id" jsonschema:"required,the agent that holds the claim"`
	Notes     string `json:"notes,omitempty" jsonschema:"completion notes recorded on the task"`
}

type failTaskInput struct {
	ProjectID   string `json:"project_id" jsonschema:"required,the project that owns the task"`
	TaskID      string `json:"task_id" jsonschema:"required,the task identifier"`
	AgentID     string `json:"agent_id" jsonschema:"required,the agent that holds the claim"`
	Reason      string `json:"reason" jsonschema:"required,why the attempt failed"`
	Recoverable bool   `json:"recoverable,omitempty" jsonschema:"requeue the task for another attempt instead of blocking it"`
}

type taskResultOutput struct {
	Task             taskOutput `json:"task"`
	RetriesExhausted bool       `json:"retries_exhausted,omitempty"`
	Message          string     `json:"message"`
}

type taskOutput struct {
	ProjectID       string   `json:"project_id"`
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Kind            string   `json:"kind"`
	Status          string   `json:"status"`
	Priority        string   `json:"priority"`
	Blocking        bool     `json:"blocking"`
	Capability      string   `json:"capability,omitempty"`
	Dependencies    []string `json:"dependencies,omitempty"`
	AssignedAgent   string   `json:"assigned_agent,omitempty"`
	RetryCount      int      `json:"retry_count"`
	PercentComplete float64  `json:"percent_complete"`
	Created         string   `json:"created"`
	Updated         string   `json:"updated"`
}

type listTasksInput struct {
	ProjectID string `json:"project_id,omitempty" jsonschema:"limit to one project; all registered sources when empty"`
	Status    string `json:"status,omitempty" jsonschema:"filter by status (todo, in_progress, blocked, done)"`
	Agent     string `json:"agent,omitempty" jsonschema:"filter by assigned agent"`
}

type listTasksOutput struct {
	Tasks []taskOutput `json:"tasks"`
	Count int          `json:"count"`
}

type publishInput struct {
	Channel  string         `json:"channel" jsonschema:"required,channel name (e.g. task_completed)"`
	Sender   string         `json:"sender" jsonschema:"required,identifier of the sending agent"`
	Payload  map[string]any `json:"payload,omitempty" jsonschema:"message body"`
	Priority string         `json:"priority,omitempty" jsonschema:"CRITICAL, HIGH, NORMAL or LOW (default NORMAL)"`
}

type sendDirectInput struct {
	Recipient string         `json:"recipient" jsonschema:"required,agent that should receive the message"`
	Sender    string         `json:"sender" jsonschema:"required,identifier of the sending agent"`
	Payload   map[string]any `json:"payload,omitempty" jsonschema:"message body"`
	Priority  string         `json:"priority,omitempty" jsonschema:"CRITICAL, HIGH, NORMAL or LOW (default NORMAL)"`
}

type messageOutput struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel,omitempty"`
	Recipient string         `json:"recipient,omitempty"`
	Sender    string         `json:"sender"`
	Priority  string         `json:"priority"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp"`
}

type inboxInput struct {
	AgentID string `json:"agent_id" jsonschema:"required,agent whose direct messages to read"`
	Ack     bool   `json:"ack,omitempty" jsonschema:"mark the returned messages consumed"`
}

type inboxOutput struct {
	Messages []messageOutput `json:"messages"`
	Count    int             `json:"count"`
}

type getWorkloadInput struct{}

type projectLoadOutput struct {
	ProjectID string  `json:"project_id"`
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	Health    string  `json:"health"`
	Eligible  int     `json:"eligible"`
	InFlight  int     `json:"in_flight"`
	Percent   float64 `json:"percent_complete"`
	Workload  float64 `json:"workload"`
}

type getWorkloadOutput struct {
	Projects []projectLoadOutput `json:"projects"`
}

type getMetricsInput struct {
	Since string `json:"since,omitempty" jsonschema:"time window such as 7d or 24h (default 7d)"`
}

type metricsOutput struct {
	TasksCreated      int            `json:"tasks_created"`
	TasksClaimed      int            `json:"tasks_claimed"`
	TasksCompleted    int            `json:"tasks_completed"`
	TasksRequeued     int            `json:"tasks_requeued"`
	TasksBlocked      int            `json:"tasks_blocked"`
	RetryExhaustions  int            `json:"retry_exhaustions"`
	MessagesPublished int            `json:"messages_published"`
	TasksByKind       map[string]int `json:"tasks_by_kind"`
	CompletedByAgent  map[string]int `json:"completed_by_agent"`
	MeanCycleTime     string         `json:"mean_cycle_time"`
	EventCount        int            `json:"event_count"`
	OldestEvent       string         `json:"oldest_event,omitempty"`
	NewestEvent       string         `json:"newest_event,omitempty"`
}

type getAlertsInput struct{}

type alertOutput struct {
	ID          string `json:"id"`
	Condition   string `json:"condition"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
	TriggeredAt string `json:"triggered_at"`
}

type getAlertsOutput struct {
	Alerts []alertOutput `json:"alerts"`
	Count  int           `json:"count"`
}

// --- Tool registration ---

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "claim_next",
		Description: "Claim the highest-priority eligible task across all projects. Blocking tasks are always served first.",
	}, s.handleClaimNext)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "complete_task",
		Description: "Mark a claimed task done and announce it on the task_completed channel.",
	}, s.handleCompleteTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "fail_task",
		Description: "Report a failed attempt. Recoverable failures requeue the task until its retries run out; others block it.",
	}, s.handleFailTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_task",
		Description: "Get a single task from a project checklist.",
	}, s.handleGetTask)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_tasks",
		Description: "List tasks across projects, optionally filtered by project, status or agent.",
	}, s.handleListTasks)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "publish",
		Description: "Publish a message to a bus channel.",
	}, s.handlePublish)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "send_direct",
		Description: "Send a message to a single agent's inbox.",
	}, s.handleSendDirect)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "inbox",
		Description: "Read unconsumed direct messages for an agent, most urgent first.",
	}, s.handleInbox)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_workload",
		Description: "Report per-project health and workload scores.",
	}, s.handleGetWorkload)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_metrics",
		Description: "Get queue and bus metrics derived from the audit log.",
	}, s.handleGetMetrics)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_alerts",
		Description: "Evaluate alert conditions such as stuck claims, exhausted retries and stalled projects.",
	}, s.handleGetAlerts)
}

// --- Tool handlers ---

func (s *Server) handleClaimNext(ctx context.Context, _ *gomcp.CallToolRequest, input claimNextInput) (*gomcp.CallToolResult, claimNextOutput, error) {
	if input.AgentID == "" {
		return errorResult("agent_id is required"), claimNextOutput{}, nil
	}
	filter := core.EligibilityFilter{Capabilities: input.Capabilities}
	for _, k := range input.Kinds {
		kind := models.TaskKind(k)
		if !kind.Valid() {
			return errorResult(fmt.Sprintf("unknown task kind %q", k)), claimNextOutput{}, nil
		}
		filter.Kinds = append(filter.Kinds, kind)
	}

	claim, err := s.queue.DequeueFor(ctx, input.AgentID, filter)
	if err != nil {
		return errorResult(fmt.Sprintf("claiming next task: %s", err)), claimNextOutput{}, nil
	}
	if claim == nil {
		return nil, claimNextOutput{}, nil
	}
	out := taskToOutput(claim.Ref.ProjectID, claim.Task)
	return nil, claimNextOutput{Claimed: true, ProjectID: claim.Ref.ProjectID, Task: &out}, nil
}

func (s *Server) handleCompleteTask(ctx context.Context, _ *gomcp.CallToolRequest, input completeTaskInput) (*gomcp.CallToolResult, taskResultOutput, error) {
	ref := models.TaskRef{ProjectID: input.ProjectID, TaskID: input.TaskID}
	t, err := s.queue.ReportSuccess(ctx, ref, input.AgentID, input.Notes)
	if err != nil {
		return errorResult(fmt.Sprintf("completing %s: %s", ref, err)), taskResultOutput{}, nil
	}
	return nil, taskResultOutput{
		Task:    taskToOutput(ref.ProjectID, t),
		Message: fmt.Sprintf("task %s completed", ref),
	}, nil
}

func (s *Server) handleFailTask(ctx context.Context, _ *gomcp.CallToolRequest, input failTaskInput) (*gomcp.CallToolResult, taskResultOutput, error) {
	if input.Reason == "" {
		return errorResult("reason is required"), taskResultOutput{}, nil
	}
	ref := models.TaskRef{ProjectID: input.ProjectID, TaskID: input.TaskID}
	t, err := s.queue.ReportFailure(ctx, ref, input.AgentID, input.Reason, input.Recoverable)
	if errors.Is(err, errors.ErrRetryExhausted) && t != nil {
		return nil, taskResultOutput{
			Task:             taskToOutput(ref.ProjectID, t),
			RetriesExhausted: true,
			Message:          fmt.Sprintf("task %s blocked after %d retries", ref, t.RetryCount),
		}, nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("failing %s: %s", ref, err)), taskResultOutput{}, nil
	}
	msg := fmt.Sprintf("task %s blocked", ref)
	if t.Status == models.StatusTodo {
		msg = fmt.Sprintf("task %s requeued (retry %d)", ref, t.RetryCount)
	}
	return nil, taskResultOutput{Task: taskToOutput(ref.ProjectID, t), Message: msg}, nil
}

func (s *Server) handleGetTask(ctx context.Context, _ *gomcp.CallToolRequest, input taskRefInput) (*gomcp.CallToolResult, taskOutput, error) {
	src, err := s.queue.Source(input.ProjectID)
	if err != nil {
		return errorResult(fmt.Sprintf("looking up project: %s", err)), taskOutput{}, nil
	}
	t, err := src.GetTask(ctx, input.TaskID)
	if err != nil {
		return errorResult(fmt.Sprintf("getting task %s: %s", input.TaskID, err)), taskOutput{}, nil
	}
	return nil, taskToOutput(input.ProjectID, t), nil
}

func (s *Server) handleListTasks(ctx context.Context, _ *gomcp.CallToolRequest, input listTasksInput) (*gomcp.CallToolResult, listTasksOutput, error) {
	filter := core.TaskFilter{Agent: input.Agent}
	if input.Status != "" {
		status := models.TaskStatus(input.Status)
		if !status.Valid() {
			return errorResult(fmt.Sprintf("invalid status %q: must be one of todo, in_progress, blocked, done", input.Status)), listTasksOutput{}, nil
		}
		filter.Status = []models.TaskStatus{status}
	}

	projects := s.queue.Sources()
	if input.ProjectID != "" {
		projects = []string{input.ProjectID}
	}

	out := listTasksOutput{Tasks: []taskOutput{}}
	for _, projectID := range projects {
		src, err := s.queue.Source(projectID)
		if err != nil {
			return errorResult(fmt.Sprintf("looking up project: %s", err)), listTasksOutput{}, nil
		}
		tasks, err := src.ListTasks(ctx, filter)
		if err != nil {
			return errorResult(fmt.Sprintf("listing tasks in %s: %s", projectID, err)), listTasksOutput{}, nil
		}
		for _, t := range tasks {
			out.Tasks = append(out.Tasks, taskToOutput(projectID, t))
		}
	}
	out.Count = len(out.Tasks)
	return nil, out, nil
}

func (s *Server) handlePublish(ctx context.Context, _ *gomcp.CallToolRequest, input publishInput) (*gomcp.CallToolResult, messageOutput, error) {
	msg, err := s.bus.Publish(ctx, input.Channel, input.Payload, input.Sender, models.MessagePriority(input.Priority))
	if err != nil {
		return errorResult(fmt.Sprintf("publishing to %s: %s", input.Channel, err)), messageOutput{}, nil
	}
	return nil, messageToOutput(msg), nil
}

func (s *Server) handleSendDirect(ctx context.Context, _ *gomcp.CallToolRequest, input sendDirectInput) (*gomcp.CallToolResult, messageOutput, error) {
	msg, err := s.bus.SendDirect(ctx, input.Recipient, input.Payload, input.Sender, models.MessagePriority(input.Priority))
	if err != nil {
		return errorResult(fmt.Sprintf("sending to %s: %s", input.Recipient, err)), messageOutput{}, nil
	}
	return nil, messageToOutput(msg), nil
}

func (s *Server) handleInbox(ctx context.Context, _ *gomcp.CallToolRequest, input inboxInput) (*gomcp.CallToolResult, inboxOutput, error) {
	msgs, err := s.bus.Poll(ctx, input.AgentID)
	if err != nil {
		return errorResult(fmt.Sprintf("reading inbox: %s", err)), inboxOutput{}, nil
	}
	out := inboxOutput{Messages: make([]messageOutput, 0, len(msgs)), Count: len(msgs)}
	for _, m := range msgs {
		out.Messages = append(out.Messages, messageToOutput(m))
		if input.Ack {
			if err := s.bus.MarkConsumed(ctx, input.AgentID, m.ID); err != nil {
				return errorResult(fmt.Sprintf("acknowledging %s: %s", m.ID, err)), inboxOutput{}, nil
			}
		}
	}
	return nil, out, nil
}

func (s *Server) handleGetWorkload(ctx context.Context, _ *gomcp.CallToolRequest, _ getWorkloadInput) (*gomcp.CallToolResult, getWorkloadOutput, error) {
	if s.registry == nil {
		return errorResult("project registry not available"), getWorkloadOutput{}, nil
	}
	reports, err := s.registry.Report(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("building workload report: %s", err)), getWorkloadOutput{}, nil
	}
	out := getWorkloadOutput{Projects: make([]projectLoadOutput, 0, len(reports))}
	for _, r := range reports {
		load := projectLoadOutput{
			ProjectID: r.Project.ID,
			Name:      r.Project.Name,
			Status:    string(r.Project.Status),
			Workload:  r.Workload,
		}
		if r.Summary != nil {
			load.Health = r.Summary.Health.Describe()
			load.Eligible = r.Summary.Eligible
			load.InFlight = r.Summary.InFlight
			load.Percent = r.Summary.PercentComplete
		}
		out.Projects = append(out.Projects, load)
	}
	sort.SliceStable(out.Projects, func(i, j int) bool {
		return out.Projects[i].Workload > out.Projects[j].Workload
	})
	return nil, out, nil
}

func (s *Server) handleGetMetrics(_ context.Context, _ *gomcp.CallToolRequest, input getMetricsInput) (*gomcp.CallToolResult, metricsOutput, error) {
	if s.metricsCalc == nil {
		return errorResult("metrics calculator not available (observability may be disabled)"), emptyMetricsOutput(), nil
	}

	sinceStr := input.Since
	if sinceStr == "" {
		sinceStr = "7d"
	}

	sinceTime, err := ParseSince(sinceStr, time.Now().UTC())
	if err != nil {
		return errorResult(fmt.Sprintf("parsing since duration: %s", err)), emptyMetricsOutput(), nil
	}

	metrics, err := s.metricsCalc.Calculate(sinceTime)
	if err != nil {
		return errorResult(fmt.Sprintf("calculating metrics: %s", err)), emptyMetricsOutput(), nil
	}

	out := metricsOutput{
		TasksCreated:      metrics.TasksCreated,
		TasksClaimed:      metrics.TasksClaimed,
		TasksCompleted:    metrics.TasksCompleted,
		TasksRequeued:     metrics.TasksRequeued,
		TasksBlocked:      metrics.TasksBlocked,
		RetryExhaustions:  metrics.RetryExhaustions,
		MessagesPublished: metrics.MessagesPublished,
		TasksByKind:       metrics.TasksByKind,
		CompletedByAgent:  metrics.CompletedByAgent,
		MeanCycleTime:     metrics.MeanCycleTime.String(),
		EventCount:        metrics.EventCount,
	}
	if metrics.OldestEvent != nil {
		out.OldestEvent = metrics.OldestEvent.Format(time.RFC3339)
	}
	if metrics.NewestEvent != nil {
		out.NewestEvent = metrics.NewestEvent.Format(time.RFC3339)
	}

	return nil, out, nil
}

func (s *Server) handleGetAlerts(ctx context.Context, _ *gomcp.CallToolRequest, _ getAlertsInput) (*gomcp.CallToolResult, getAlertsOutput, error) {
	if s.alertEngine == nil {
		return errorResult("alert engine not available (observability may be disabled)"), getAlertsOutput{}, nil
	}

	alerts, err := s.alertEngine.Evaluate(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("evaluating alerts: %s", err)), getAlertsOutput{}, nil
	}

	out := getAlertsOutput{
		Alerts: make([]alertOutput, len(alerts)),
		Count:  len(alerts),
	}
	for i, a := range alerts {
		out.Alerts[i] = alertOutput{
			ID:          a.ID,
			Condition:   a.Condition,
			Severity:    string(a.Severity),
			Message:     a.Message,
			TriggeredAt: a.TriggeredAt.Format(time.RFC3339),
		}
	}

	return nil, out, nil
}

// --- Helpers ---

func taskToOutput(projectID string, t *models.Task) taskOutput {
	return taskOutput{
		ProjectID:       projectID,
		ID:              t.ID,
		Title:           t.Title,
		Description:     t.Description,
		Kind:            string(t.Kind),
		Status:          string(t.Status),
		Priority:        string(t.Priority),
		Blocking:        t.Blocking,
		Capability:      t.Capability,
		Dependencies:    t.Dependencies,
		AssignedAgent:   t.AssignedAgent,
		RetryCount:      t.RetryCount,
		PercentComplete: t.PercentComplete(),
		Created:         t.CreatedAt.Format(time.RFC3339),
		Updated:         t.UpdatedAt.Format(time.RFC3339),
	}
}

func messageToOutput(m *models.Message) messageOutput {
	return messageOutput{
		ID:        m.ID,
		Channel:   m.Channel,
		Recipient: m.Recipient,
		Sender:    m.Sender,
		Priority:  string(m.Priority),
		Payload:   m.Payload,
		Timestamp: m.Timestamp.Format(time.RFC3339),
	}
}

func emptyMetricsOutput() metricsOutput {
	return metricsOutput{
		TasksByKind:      make(map[string]int),
		CompletedByAgent: make(map[string]int),
	}
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}

// ParseSince turns a human-friendly window like "7d", "30d" or "24h" into
// the instant that far before now.
func ParseSince(s string, now time.Time) (time.Time, error) {
	if len(s) < 2 {
		return time.Time{}, fmt.Errorf("invalid duration %q", s)
	}

	suffix := s[len(s)-1]
	numStr := s[:len(s)-1]
	var num int
	if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil {
		return time.Time{}, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	switch suffix {
	case 'd':
		return now.AddDate(0, 0, -num), nil
	case 'h':
		return now.Add(-time.Duration(num) * time.Hour), nil
	case 'm':
		return now.Add(-time.Duration(num) * time.Minute), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported duration suffix %q (use d, h or m)", string(suffix))
	}
}
