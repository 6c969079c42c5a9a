package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pgregory.net/rapid"
)

var metricEventTypes = []string{
	"task.created", "task.claimed", "task.completed", "task.requeued",
	"task.blocked", "task.unblocked", "task.retry_exhausted", "message.published",
}

// Feature: agent-army, Property 8: Metrics Mirror The Audit Trail
// For any sequence of audit events, every per-type counter equals the number
// of events of that type and EventCount equals the total.
func TestProperty_MetricsMirrorAuditTrail(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dir, err := os.MkdirTemp("", "metrics-property-*")
		if err != nil {
			rt.Fatalf("creating temp dir: %v", err)
		}
		defer os.RemoveAll(dir)

		el, err := NewJSONLEventLog(filepath.Join(dir, "events.jsonl"))
		if err != nil {
			rt.Fatalf("creating event log: %v", err)
		}
		defer el.Close()

		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		n := rapid.IntRange(0, 40).Draw(rt, "n")
		want := map[string]int{}
		for i := 0; i < n; i++ {
			typ := rapid.SampledFrom(metricEventTypes).Draw(rt, fmt.Sprintf("type_%d", i))
			want[typ]++
			if err := el.Write(Event{
				Time: base.Add(time.Duration(i) * time.Minute),
				Type: typ,
				Data: map[string]any{"project_id": "proj-a", "task_id": fmt.Sprintf("T-%04d", i%5)},
			}); err != nil {
				rt.Fatalf("writing event: %v", err)
			}
		}

		m, err := NewMetricsCalculator(el).Calculate(base)
		if err != nil {
			rt.Fatalf("calculating metrics: %v", err)
		}

		got := map[string]int{
			"task.created":         m.TasksCreated,
			"task.claimed":         m.TasksClaimed,
			"task.completed":       m.TasksCompleted,
			"task.requeued":        m.TasksRequeued,
			"task.blocked":         m.TasksBlocked,
			"task.unblocked":       m.TasksUnblocked,
			"task.retry_exhausted": m.RetryExhaustions,
			"message.published":    m.MessagesPublished,
		}
		for _, typ := range metricEventTypes {
			if got[typ] != want[typ] {
				rt.Errorf("%s: got %d, want %d", typ, got[typ], want[typ])
			}
		}
		if m.EventCount != n {
			rt.Errorf("EventCount = %d, want %d", m.EventCount, n)
		}
		if m.MeanCycleTime < 0 {
			rt.Errorf("MeanCycleTime negative: %s", m.MeanCycleTime)
		}
	})
}
