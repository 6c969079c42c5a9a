package observability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/valter-silva-au/agent-army/pkg/models"
)

// AlertSeverity represents the urgency of an alert.
type AlertSeverity string

const (
	SeverityHigh   AlertSeverity = "high"
	SeverityMedium AlertSeverity = "medium"
	SeverityLow    AlertSeverity = "low"
)

func (s AlertSeverity) rank() int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	}
	return 2
}

// Alert conditions.
const (
	ConditionStuckClaim      = "claim_stuck"
	ConditionRetryExhausted  = "retries_exhausted"
	ConditionStalledProjects = "projects_stalled"
)

// Alert represents a triggered alert condition.
type Alert struct {
	ID          string        `json:"id"`
	ProjectID   string        `json:"project_id,omitempty"`
	Condition   string        `json:"condition"`
	Severity    AlertSeverity `json:"severity"`
	Message     string        `json:"message"`
	TriggeredAt time.Time     `json:"triggered_at"`
}

// AlertThresholds configures when alerts fire. A zero threshold disables
// its rule.
type AlertThresholds struct {
	StuckClaimHours  int `json:"stuck_claim_hours"`
	StalledProjects  int `json:"stalled_projects"`
	RetryExhaustions int `json:"retry_exhaustions"`
}

// DefaultAlertThresholds returns the thresholds used when none are configured.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{StuckClaimHours: 4, StalledProjects: 1, RetryExhaustions: 1}
}

// ThresholdsFromConfig converts the alerts section of the configuration.
func ThresholdsFromConfig(cfg models.AlertConfig) AlertThresholds {
	return AlertThresholds{
		StuckClaimHours:  cfg.StuckClaimHours,
		StalledProjects:  cfg.StalledProjects,
		RetryExhaustions: cfg.RetryExhaustions,
	}
}

// StalledSource lists the ids of projects that have work left but nothing
// that can start.
type StalledSource func(ctx context.Context) ([]string, error)

// AlertEngine evaluates alert conditions.
type AlertEngine interface {
	Evaluate(ctx context.Context) ([]Alert, error)
}

type alertEngine struct {
	eventLog   EventLog
	thresholds AlertThresholds
	stalled    StalledSource
	now        func() time.Time
}

// NewAlertEngine creates an AlertEngine over eventLog. stalled may be nil,
// which disables the stalled project rule.
func NewAlertEngine(eventLog EventLog, thresholds AlertThresholds, stalled StalledSource) AlertEngine {
	return &alertEngine{
		eventLog:   eventLog,
		thresholds: thresholds,
		stalled:    stalled,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate checks every rule and returns alerts most severe first.
func (ae *alertEngine) Evaluate(ctx context.Context) ([]Alert, error) {
	now := ae.now()

	states, err := ae.lastTaskEvents()
	if err != nil {
		return nil, fmt.Errorf("reading task events: %w", err)
	}

	var alerts []Alert
	alerts = append(alerts, ae.checkStuckClaims(states, now)...)
	alerts = append(alerts, ae.checkExhausted(states, now)...)

	stalled, err := ae.checkStalled(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("checking stalled projects: %w", err)
	}
	alerts = append(alerts, stalled...)

	sort.SliceStable(alerts, func(i, j int) bool {
		if ri, rj := alerts[i].Severity.rank(), alerts[j].Severity.rank(); ri != rj {
			return ri < rj
		}
		return alerts[i].ID < alerts[j].ID
	})
	return alerts, nil
}

var lifecycleEvents = []string{
	"task.claimed", "task.completed", "task.requeued",
	"task.blocked", "task.unblocked", "task.retry_exhausted",
}

// lastTaskEvents returns the most recent lifecycle event per task.
func (ae *alertEngine) lastTaskEvents() (map[string]Event, error) {
	events, err := ae.eventLog.Read(EventFilter{Types: lifecycleEvents})
	if err != nil {
		return nil, err
	}
	last := make(map[string]Event)
	for _, event := range events {
		if key := event.TaskKey(); key != "" {
			last[key] = event
		}
	}
	return last, nil
}

// checkStuckClaims flags tasks claimed longer ago than the threshold with
// no completion, release or block since.
func (ae *alertEngine) checkStuckClaims(states map[string]Event, now time.Time) []Alert {
	if ae.thresholds.StuckClaimHours <= 0 {
		return nil
	}
	threshold := time.Duration(ae.thresholds.StuckClaimHours) * time.Hour
	var alerts []Alert
	for key, event := range states {
		if event.Type != "task.claimed" || now.Sub(event.Time) <= threshold {
			continue
		}
		agent, _ := event.Data["agent"].(string)
		alerts = append(alerts, Alert{
			ID:        "stuck-" + key,
			ProjectID: states[key].ProjectID(),
			Condition: ConditionStuckClaim,
			Severity:  SeverityHigh,
			Message: fmt.Sprintf("task %s has been claimed by %s for more than %d hours",
				key, orUnknown(agent), ae.thresholds.StuckClaimHours),
			TriggeredAt: now,
		})
	}
	return alerts
}

// checkExhausted flags tasks still blocked by retry exhaustion once their
// number reaches the threshold.
func (ae *alertEngine) checkExhausted(states map[string]Event, now time.Time) []Alert {
	if ae.thresholds.RetryExhaustions <= 0 {
		return nil
	}
	var keys []string
	for key, event := range states {
		if event.Type == "task.retry_exhausted" {
			keys = append(keys, key)
		}
	}
	if len(keys) < ae.thresholds.RetryExhaustions {
		return nil
	}
	alerts := make([]Alert, 0, len(keys))
	for _, key := range keys {
		retries, _ := states[key].Data["retry_count"].(float64)
		alerts = append(alerts, Alert{
			ID:          "exhausted-" + key,
			ProjectID:   states[key].ProjectID(),
			Condition:   ConditionRetryExhausted,
			Severity:    SeverityHigh,
			Message:     fmt.Sprintf("task %s is blocked after %d retries and needs an operator", key, int(retries)),
			TriggeredAt: now,
		})
	}
	return alerts
}

func (ae *alertEngine) checkStalled(ctx context.Context, now time.Time) ([]Alert, error) {
	if ae.stalled == nil || ae.thresholds.StalledProjects <= 0 {
		return nil, nil
	}
	ids, err := ae.stalled(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) < ae.thresholds.StalledProjects {
		return nil, nil
	}
	alerts := make([]Alert, 0, len(ids))
	for _, id := range ids {
		alerts = append(alerts, Alert{
			ID:          "stalled-" + id,
			ProjectID:   id,
			Condition:   ConditionStalledProjects,
			Severity:    SeverityMedium,
			Message:     fmt.Sprintf("project %s is blocked, not idle: work remains but no task can start", id),
			TriggeredAt: now,
		})
	}
	return alerts, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "an unknown agent"
	}
	return s
}
