package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/valter-silva-au/agent-army/internal/errors"
	"github.com/valter-silva-au/agent-army/internal/logging"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

// wakeChannels are the bus channels that can make new work eligible.
const wakeChannels = "task_{available,completed}"

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Kinds        []models.TaskKind
	Registry     ProjectRegistry
	PollInterval time.Duration
	Logger       *logging.Logger
}

// Worker is the API an agent process uses: claim work, report results and
// talk to other agents. It remembers which tasks it holds.
type Worker struct {
	agentID  string
	filter   EligibilityFilter
	queue    TaskQueue
	bus      MessageBus
	registry ProjectRegistry
	poll     time.Duration
	logger   *logging.Logger

	mu     sync.Mutex
	claims map[string]models.TaskRef
}

// NewWorker creates a Worker for agentID. An empty capability list accepts
// tasks with any capability requirement.
func NewWorker(agentID string, capabilities []string, queue TaskQueue, bus MessageBus, opts WorkerOptions) *Worker {
	w := &Worker{
		agentID:  agentID,
		filter:   EligibilityFilter{Capabilities: capabilities, Kinds: opts.Kinds},
		queue:    queue,
		bus:      bus,
		registry: opts.Registry,
		poll:     opts.PollInterval,
		logger:   opts.Logger,
		claims:   make(map[string]models.TaskRef),
	}
	if w.poll <= 0 {
		w.poll = DefaultConfig().WorkerPollInterval
	}
	if w.logger == nil {
		w.logger = logging.NopLogger()
	}
	w.logger = w.logger.WithAgent(agentID)
	return w
}

// AgentID returns the worker's agent id.
func (w *Worker) AgentID() string { return w.agentID }

// ClaimNext claims the best eligible task, or returns nil when there is none.
func (w *Worker) ClaimNext(ctx context.Context) (*Claim, error) {
	claim, err := w.queue.DequeueFor(ctx, w.agentID, w.filter)
	if err != nil || claim == nil {
		return nil, err
	}
	w.mu.Lock()
	w.claims[claim.Ref.String()] = claim.Ref
	w.mu.Unlock()
	w.touch(ctx, claim.Ref.ProjectID)
	return claim, nil
}

// Complete reports success for a claimed task.
func (w *Worker) Complete(ctx context.Context, ref models.TaskRef, notes string) (*models.Task, error) {
	t, err := w.queue.ReportSuccess(ctx, ref, w.agentID, notes)
	if err != nil {
		return nil, err
	}
	w.forget(ref)
	w.touch(ctx, ref.ProjectID)
	return t, nil
}

// Fail reports a recoverable failure; the task goes back to the queue
// until its retries run out.
func (w *Worker) Fail(ctx context.Context, ref models.TaskRef, reason string) (*models.Task, error) {
	return w.report(ctx, ref, reason, true)
}

// Abandon reports an unrecoverable failure and blocks the task.
func (w *Worker) Abandon(ctx context.Context, ref models.TaskRef, reason string) (*models.Task, error) {
	return w.report(ctx, ref, reason, false)
}

func (w *Worker) report(ctx context.Context, ref models.TaskRef, reason string, recoverable bool) (*models.Task, error) {
	t, err := w.queue.ReportFailure(ctx, ref, w.agentID, reason, recoverable)
	if err != nil && !errors.Is(err, errors.ErrRetryExhausted) {
		return nil, err
	}
	w.forget(ref)
	w.touch(ctx, ref.ProjectID)
	return t, err
}

// Claims lists the tasks this worker currently holds.
func (w *Worker) Claims() []models.TaskRef {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.TaskRef, 0, len(w.claims))
	for _, ref := range w.claims {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (w *Worker) forget(ref models.TaskRef) {
	w.mu.Lock()
	delete(w.claims, ref.String())
	w.mu.Unlock()
}

func (w *Worker) touch(ctx context.Context, projectID string) {
	if w.registry == nil {
		return
	}
	if err := w.registry.Touch(ctx, projectID); err != nil {
		w.logger.Debug("touching project", "project_id", projectID, "error", err)
	}
}

// Subscribe registers handler on channels matching pattern.
func (w *Worker) Subscribe(pattern string, handler Handler) (string, error) {
	return w.bus.Subscribe(pattern, handler)
}

// Publish sends payload to channel as this agent.
func (w *Worker) Publish(ctx context.Context, channel string, payload map[string]any) (*models.Message, error) {
	return w.bus.Publish(ctx, channel, payload, w.agentID, models.MessageNormal)
}

// Send delivers payload to a single agent.
func (w *Worker) Send(ctx context.Context, recipient string, payload map[string]any, priority models.MessagePriority) (*models.Message, error) {
	return w.bus.SendDirect(ctx, recipient, payload, w.agentID, priority)
}

// Inbox returns unconsumed direct messages for this agent.
func (w *Worker) Inbox(ctx context.Context) ([]*models.Message, error) {
	return w.bus.Poll(ctx, w.agentID)
}

// Ack marks a direct message as consumed by this agent.
func (w *Worker) Ack(ctx context.Context, messageID string) error {
	return w.bus.MarkConsumed(ctx, w.agentID, messageID)
}

// WaitForWork blocks until it claims a task or ctx ends. It wakes on bus
// announcements from this process, on writes to any watched checklist file
// from other processes, and otherwise every poll interval.
func (w *Worker) WaitForWork(ctx context.Context, watch []string) (*Claim, error) {
	wake := make(chan struct{}, 1)
	signal := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	if w.bus != nil {
		subID, err := w.bus.Subscribe(wakeChannels, func(context.Context, *models.Message) { signal() })
		if err != nil {
			return nil, err
		}
		defer w.bus.Unsubscribe(subID)
	}
	if len(watch) > 0 {
		stop, err := watchFiles(watch, signal, w.logger)
		if err != nil {
			w.logger.Warn("file watching unavailable, polling only", "error", err)
		} else {
			defer stop()
		}
	}

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		claim, err := w.ClaimNext(ctx)
		if err != nil && !errors.IsRetryable(err) {
			return nil, err
		}
		if claim != nil {
			return claim, nil
		}
		if err != nil {
			w.logger.Debug("checklist busy, backing off", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}
