package core

import (
	"context"
	"sync"
	"testing"

	"github.com/valter-silva-au/agent-army/internal/errors"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

func TestBus_PublishWithoutSubscribersIsReplayable(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)

	msg, err := bus.Publish(ctx, "deploys", map[string]any{"version": "1.2.0"}, "release-bot", "")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if msg.Priority != models.MessageNormal {
		t.Errorf("default priority = %q, want NORMAL", msg.Priority)
	}

	var replayed []*models.Message
	next, err := bus.Replay(ctx, 0, func(_ int, m *models.Message) error {
		replayed = append(replayed, m)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(replayed) != 1 || replayed[0].ID != msg.ID || replayed[0].Payload["version"] != "1.2.0" {
		t.Fatalf("replayed = %+v", replayed)
	}
	if next != 1 {
		t.Errorf("next offset = %d, want 1", next)
	}

	count := 0
	if _, err := bus.Replay(ctx, next, func(int, *models.Message) error { count++; return nil }); err != nil {
		t.Fatalf("Replay from %d: %v", next, err)
	}
	if count != 0 {
		t.Errorf("replay from the end delivered %d messages", count)
	}
}

func TestBus_GlobSubscriptions(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(name string) Handler {
		return func(_ context.Context, m *models.Message) {
			mu.Lock()
			defer mu.Unlock()
			got[name] = append(got[name], m.Channel)
		}
	}
	if _, err := bus.Subscribe("task_*", record("tasks")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := bus.Subscribe("", record("all")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := bus.Subscribe("task_{claimed,completed}", record("progress")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for _, ch := range []string{"task_available", "task_completed", "project_registered"} {
		if _, err := bus.Publish(ctx, ch, nil, "test", models.MessageNormal); err != nil {
			t.Fatalf("Publish(%s): %v", ch, err)
		}
	}

	if len(got["tasks"]) != 2 {
		t.Errorf("task_* received %v", got["tasks"])
	}
	if len(got["all"]) != 3 {
		t.Errorf("* received %v", got["all"])
	}
	if len(got["progress"]) != 1 || got["progress"][0] != "task_completed" {
		t.Errorf("brace pattern received %v", got["progress"])
	}
}

func TestBus_SubscribeValidation(t *testing.T) {
	bus := newTestBus(t)
	if _, err := bus.Subscribe("task_[", func(context.Context, *models.Message) {}); !errors.Is(err, errors.ErrValidation) {
		t.Errorf("bad glob: expected ErrValidation, got %v", err)
	}
	if _, err := bus.Subscribe("*", nil); !errors.Is(err, errors.ErrValidation) {
		t.Errorf("nil handler: expected ErrValidation, got %v", err)
	}
	if _, err := bus.Publish(context.Background(), " ", nil, "x", ""); !errors.Is(err, errors.ErrValidation) {
		t.Errorf("empty channel: expected ErrValidation, got %v", err)
	}
	if _, err := bus.Publish(context.Background(), "c", nil, "x", "LOUD"); !errors.Is(err, errors.ErrValidation) {
		t.Errorf("bad priority: expected ErrValidation, got %v", err)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	calls := 0
	id, err := bus.Subscribe("*", func(context.Context, *models.Message) { calls++ })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	bus.Publish(ctx, "a", nil, "x", "")
	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe returned false for a live subscription")
	}
	if bus.Unsubscribe(id) {
		t.Error("second Unsubscribe should return false")
	}
	bus.Publish(ctx, "a", nil, "x", "")
	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
}

func TestBus_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	delivered := false
	bus.Subscribe("*", func(context.Context, *models.Message) { panic("boom") })
	bus.Subscribe("*", func(context.Context, *models.Message) { delivered = true })

	if _, err := bus.Publish(ctx, "alerts", nil, "x", ""); err != nil {
		t.Fatalf("Publish should not fail on handler panic: %v", err)
	}
	if !delivered {
		t.Error("subscriber after the panicking one was not called")
	}
}

func TestBus_DirectMessages(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)

	var pushed []string
	bus.RegisterRecipient("agent-b", func(_ context.Context, m *models.Message) { pushed = append(pushed, m.ID) })
	channelCalls := 0
	bus.Subscribe("*", func(context.Context, *models.Message) { channelCalls++ })

	low, err := bus.SendDirect(ctx, "agent-b", map[string]any{"n": 1}, "agent-a", models.MessageLow)
	if err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	crit, _ := bus.SendDirect(ctx, "agent-b", map[string]any{"n": 2}, "agent-a", models.MessageCritical)
	bus.SendDirect(ctx, "agent-c", nil, "agent-a", "")

	if len(pushed) != 2 {
		t.Errorf("agent-b handler got %d messages, want 2", len(pushed))
	}
	if channelCalls != 0 {
		t.Errorf("direct messages leaked to channel subscribers %d times", channelCalls)
	}

	inbox, err := bus.Poll(ctx, "agent-b")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(inbox) != 2 || inbox[0].ID != crit.ID || inbox[1].ID != low.ID {
		t.Fatalf("inbox order wrong: %+v", inbox)
	}

	if err := bus.MarkConsumed(ctx, "agent-b", crit.ID); err != nil {
		t.Fatalf("MarkConsumed: %v", err)
	}
	inbox, _ = bus.Poll(ctx, "agent-b")
	if len(inbox) != 1 || inbox[0].ID != low.ID {
		t.Errorf("after consuming, inbox = %+v", inbox)
	}

	if _, err := bus.SendDirect(ctx, "", nil, "a", ""); !errors.Is(err, errors.ErrValidation) {
		t.Errorf("empty recipient: expected ErrValidation, got %v", err)
	}
}

func TestBus_Channels(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	bus.Publish(ctx, "a", nil, "x", "")
	bus.Publish(ctx, "a", nil, "x", "")
	bus.Publish(ctx, "b", nil, "x", "")
	bus.SendDirect(ctx, "agent", nil, "x", "")

	counts, err := bus.Channels(ctx)
	if err != nil {
		t.Fatalf("Channels: %v", err)
	}
	if len(counts) != 2 || counts["a"] != 2 || counts["b"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
