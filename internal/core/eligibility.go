package core

import (
	"fmt"
	"sort"

	"github.com/valter-silva-au/agent-army/pkg/models"
)

// EligibilityFilter narrows the tasks a worker is willing to take. Empty
// fields match everything.
type EligibilityFilter struct {
	Capabilities []string
	Kinds        []models.TaskKind
}

func (f EligibilityFilter) matches(t *models.Task) bool {
	if t.Capability != "" && len(f.Capabilities) > 0 && !containsString(f.Capabilities, t.Capability) {
		return false
	}
	if len(f.Kinds) > 0 {
		for _, k := range f.Kinds {
			if k == t.Kind {
				return true
			}
		}
		return false
	}
	return true
}

// unresolvedBlocking returns the first blocking task that is not done.
func unresolvedBlocking(cl *models.Checklist) *models.Task {
	for _, t := range cl.Tasks {
		if t.Blocking && t.Status != models.StatusDone {
			return t
		}
	}
	return nil
}

// ineligibility explains why task cannot be claimed right now, or returns
// "" when it can. The same rules drive both scanning and claiming.
func ineligibility(cl *models.Checklist, task *models.Task, filter EligibilityFilter) string {
	if task.Status != models.StatusTodo {
		return fmt.Sprintf("status is %s", task.Status)
	}
	for _, depID := range task.Dependencies {
		dep := cl.Task(depID)
		if dep == nil {
			return fmt.Sprintf("dependency %s does not exist", depID)
		}
		if dep.Status != models.StatusDone {
			return fmt.Sprintf("waiting on dependency %s (%s)", depID, dep.Status)
		}
	}
	if !task.Blocking {
		if b := unresolvedBlocking(cl); b != nil {
			return fmt.Sprintf("blocking task %s is unresolved", b.ID)
		}
	}
	if !filter.matches(task) {
		return "does not match worker filter"
	}
	return ""
}

// queueLess orders tasks: blocking first, then priority, then creation.
func queueLess(a, b *models.Task) bool {
	if a.Blocking != b.Blocking {
		return a.Blocking
	}
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// eligibleTasks returns every claimable task in queue order.
func eligibleTasks(cl *models.Checklist, filter EligibilityFilter) []*models.Task {
	var out []*models.Task
	for _, t := range cl.Tasks {
		if ineligibility(cl, t, filter) == "" {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return queueLess(out[i], out[j]) })
	return out
}

// dependsOn reports whether from reaches target through dependency edges.
func dependsOn(cl *models.Checklist, from, target string) bool {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if t := cl.Task(id); t != nil {
			stack = append(stack, t.Dependencies...)
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
