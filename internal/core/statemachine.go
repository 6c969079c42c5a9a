package core

import (
	"fmt"
	"time"

	"github.com/valter-silva-au/agent-army/internal/errors"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

// allowedTransitions is the complete task state machine. Nothing leaves done.
var allowedTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.StatusTodo:       {models.StatusInProgress},
	models.StatusInProgress: {models.StatusDone, models.StatusTodo, models.StatusBlocked},
	models.StatusBlocked:    {models.StatusTodo},
	models.StatusDone:       {},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to models.TaskStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitionInput carries everything applyTransition needs besides the state.
type transitionInput struct {
	to         models.TaskStatus
	agent      string
	note       string
	now        time.Time
	maxRetries int
}

// applyTransition moves task to in.to inside cl, which must be the fresh
// state read under the checklist lock. A release that would push the retry
// count past maxRetries commits the task as blocked and reports
// exhausted=true with a nil error so the caller still writes the state.
func applyTransition(cl *models.Checklist, task *models.Task, in transitionInput) (exhausted bool, err error) {
	from := task.Status
	if !in.to.Valid() {
		return false, errors.Validation("transition", "unknown status %q", in.to)
	}

	if in.to == models.StatusInProgress {
		if in.agent == "" {
			return false, errors.Validation("claim", "agent must not be empty")
		}
		if reason := ineligibility(cl, task, EligibilityFilter{}); reason != "" {
			return false, errors.NotEligible(task.ID, reason)
		}
	} else if !CanTransition(from, in.to) {
		return false, errors.InvalidTransition(task.ID, from, in.to)
	}

	to := in.to
	text := in.note
	switch {
	case to == models.StatusInProgress:
		task.AssignedAgent = in.agent
		started := in.now
		task.StartedAt = &started
		task.CompletedAt = nil
		if text == "" {
			text = "claimed by " + in.agent
		}

	case to == models.StatusDone:
		completed := in.now
		task.CompletedAt = &completed
		if text == "" {
			text = "completed"
		}

	case from == models.StatusInProgress && to == models.StatusTodo:
		if task.RetryCount+1 > in.maxRetries {
			to = models.StatusBlocked
			exhausted = true
			text = fmt.Sprintf("retry limit %d exhausted: %s", in.maxRetries, orDefault(in.note, "released"))
		} else {
			task.RetryCount++
			task.AssignedAgent = ""
			task.StartedAt = nil
			text = fmt.Sprintf("requeued (retry %d/%d): %s", task.RetryCount, in.maxRetries, orDefault(in.note, "released"))
		}

	case from == models.StatusBlocked && to == models.StatusTodo:
		task.RetryCount = 0
		task.AssignedAgent = ""
		task.StartedAt = nil
		text = "unblocked: " + orDefault(in.note, "manual unblock")

	case to == models.StatusBlocked:
		text = "blocked: " + orDefault(in.note, "unrecoverable failure")
	}

	task.Status = to
	task.UpdatedAt = in.now
	task.Notes = append(task.Notes, models.Note{
		Time:       in.now,
		Agent:      in.agent,
		Text:       text,
		Transition: fmt.Sprintf("%s->%s", from, to),
	})
	return exhausted, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
