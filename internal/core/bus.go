package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/valter-silva-au/agent-army/internal/errors"
	"github.com/valter-silva-au/agent-army/internal/logging"
	"github.com/valter-silva-au/agent-army/pkg/models"
)

// Handler receives bus messages. Handlers run synchronously on the
// publishing goroutine and must not block for long.
type Handler func(ctx context.Context, msg *models.Message)

// MessageBus is channel pub/sub plus point-to-point delivery over an
// append-only log. Publishing to a channel nobody listens on still
// persists the message for later replay.
type MessageBus interface {
	Publish(ctx context.Context, channel string, payload map[string]any, sender string, priority models.MessagePriority) (*models.Message, error)
	SendDirect(ctx context.Context, recipient string, payload map[string]any, sender string, priority models.MessagePriority) (*models.Message, error)
	Subscribe(pattern string, handler Handler) (string, error)
	Unsubscribe(id string) bool
	RegisterRecipient(agentID string, handler Handler) string
	Replay(ctx context.Context, offset int, fn func(offset int, msg *models.Message) error) (int, error)
	Poll(ctx context.Context, recipient string) ([]*models.Message, error)
	MarkConsumed(ctx context.Context, subscriber, messageID string) error
	Channels(ctx context.Context) (map[string]int, error)
}

// BusOptions configures a MessageBus.
type BusOptions struct {
	Logger *logging.Logger
	Events EventLogger
	Now    func() time.Time
}

type subscription struct {
	id        string
	pattern   string
	matcher   glob.Glob
	recipient string
	handler   Handler
}

type messageBus struct {
	store  MessageStore
	logger *logging.Logger
	events EventLogger
	now    func() time.Time

	mu     sync.RWMutex
	subs   map[string]*subscription
	nextID int
}

// NewMessageBus creates a MessageBus persisting to store.
func NewMessageBus(store MessageStore, opts BusOptions) MessageBus {
	b := &messageBus{
		store:  store,
		logger: opts.Logger,
		events: opts.Events,
		now:    opts.Now,
		subs:   make(map[string]*subscription),
	}
	if b.logger == nil {
		b.logger = logging.NopLogger()
	}
	if b.events == nil {
		b.events = nopEventLogger{}
	}
	if b.now == nil {
		b.now = func() time.Time { return time.Now().UTC() }
	}
	return b
}

func (b *messageBus) Publish(ctx context.Context, channel string, payload map[string]any, sender string, priority models.MessagePriority) (*models.Message, error) {
	if strings.TrimSpace(channel) == "" {
		return nil, errors.Validation("publish", "channel must not be empty")
	}
	msg, err := b.newMessage(payload, sender, priority)
	if err != nil {
		return nil, err
	}
	msg.Channel = channel
	if err := b.deliver(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (b *messageBus) SendDirect(ctx context.Context, recipient string, payload map[string]any, sender string, priority models.MessagePriority) (*models.Message, error) {
	if strings.TrimSpace(recipient) == "" {
		return nil, errors.Validation("send direct", "recipient must not be empty")
	}
	msg, err := b.newMessage(payload, sender, priority)
	if err != nil {
		return nil, err
	}
	msg.Recipient = recipient
	if err := b.deliver(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (b *messageBus) newMessage(payload map[string]any, sender string, priority models.MessagePriority) (*models.Message, error) {
	if priority == "" {
		priority = models.MessageNormal
	}
	if !priority.Valid() {
		return nil, errors.Validation("publish", "unknown message priority %q", priority)
	}
	return &models.Message{
		ID:        uuid.New().String(),
		Sender:    sender,
		Priority:  priority,
		Payload:   payload,
		Timestamp: b.now(),
	}, nil
}

// deliver persists msg, then fans it out. A message that failed to persist
// is never delivered.
func (b *messageBus) deliver(ctx context.Context, msg *models.Message) error {
	if err := b.store.Append(ctx, msg); err != nil {
		return fmt.Errorf("persisting message: %w", err)
	}
	target := msg.Channel
	if msg.Direct() {
		target = "@" + msg.Recipient
	}
	if err := b.events.LogEvent(EventMessagePublished, map[string]any{
		"message_id": msg.ID,
		"target":     target,
		"sender":     msg.Sender,
		"priority":   string(msg.Priority),
	}); err != nil {
		b.logger.Warn("writing audit event", "type", EventMessagePublished, "error", err)
	}

	b.mu.RLock()
	var targets []*subscription
	for _, s := range b.subs {
		if msg.Direct() {
			if s.recipient == msg.Recipient {
				targets = append(targets, s)
			}
		} else if s.matcher != nil && s.matcher.Match(msg.Channel) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, s := range targets {
		b.safeCall(ctx, s, msg)
	}
	return nil
}

// safeCall isolates the bus from handler panics.
func (b *messageBus) safeCall(ctx context.Context, s *subscription, msg *models.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked", "subscription", s.id, "pattern", s.pattern, "message_id", msg.ID, "panic", fmt.Sprint(r))
		}
	}()
	s.handler(ctx, msg)
}

// Subscribe registers handler for every channel matching pattern, a glob
// such as "task_*" or "*".
func (b *messageBus) Subscribe(pattern string, handler Handler) (string, error) {
	if handler == nil {
		return "", errors.Validation("subscribe", "handler must not be nil")
	}
	if pattern == "" {
		pattern = "*"
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return "", errors.Validation("subscribe", "invalid channel pattern %q: %v", pattern, err)
	}
	return b.add(&subscription{pattern: pattern, matcher: g, handler: handler}), nil
}

// RegisterRecipient registers handler for direct messages to agentID.
func (b *messageBus) RegisterRecipient(agentID string, handler Handler) string {
	return b.add(&subscription{pattern: "@" + agentID, recipient: agentID, handler: handler})
}

func (b *messageBus) add(s *subscription) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s.id = fmt.Sprintf("sub-%06d", b.nextID)
	b.subs[s.id] = s
	return s.id
}

func (b *messageBus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

// Replay feeds fn every message from offset on and returns the offset to
// resume from.
func (b *messageBus) Replay(ctx context.Context, offset int, fn func(int, *models.Message) error) (int, error) {
	next, err := b.store.ReadFrom(ctx, offset, fn)
	if err != nil {
		return next, fmt.Errorf("replaying messages: %w", err)
	}
	return next, nil
}

// Poll returns direct messages for recipient it has not marked consumed,
// most urgent first.
func (b *messageBus) Poll(ctx context.Context, recipient string) ([]*models.Message, error) {
	consumed, err := b.store.Consumed(ctx, recipient)
	if err != nil {
		return nil, fmt.Errorf("loading consumption markers: %w", err)
	}
	var inbox []*models.Message
	if _, err := b.store.ReadFrom(ctx, 0, func(_ int, m *models.Message) error {
		if m.Recipient == recipient && !consumed[m.ID] {
			inbox = append(inbox, m)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("reading inbox: %w", err)
	}
	sort.SliceStable(inbox, func(i, j int) bool {
		return messageRank(inbox[i].Priority) < messageRank(inbox[j].Priority)
	})
	return inbox, nil
}

func messageRank(p models.MessagePriority) int {
	switch p {
	case models.MessageCritical:
		return 0
	case models.MessageHigh:
		return 1
	case models.MessageNormal:
		return 2
	}
	return 3
}

func (b *messageBus) MarkConsumed(ctx context.Context, subscriber, messageID string) error {
	if subscriber == "" || messageID == "" {
		return errors.Validation("mark consumed", "subscriber and message id are required")
	}
	return b.store.MarkConsumed(ctx, models.Consumption{Subscriber: subscriber, MessageID: messageID, Time: b.now()})
}

// Channels counts logged messages per channel.
func (b *messageBus) Channels(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{}
	if _, err := b.store.ReadFrom(ctx, 0, func(_ int, m *models.Message) error {
		if !m.Direct() {
			counts[m.Channel]++
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("counting channels: %w", err)
	}
	return counts, nil
}
