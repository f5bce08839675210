// ABOUTME: In-memory fan-out broadcaster for task lifecycle events
// ABOUTME: Lets the coordinator and status stream observe queue transitions without polling

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entropy-playground/entropy-core/internal/store"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Type identifies a task lifecycle transition.
type Type string

const (
	TaskEnqueued  Type = "enqueued"
	TaskAssigned  Type = "assigned"
	TaskStarted   Type = "started"
	TaskCompleted Type = "completed"
	TaskFailed    Type = "failed"
	TaskReaped    Type = "reaped"
)

// TaskEvent describes one task transition as it happened.
type TaskEvent struct {
	Type     Type
	TaskID   string
	Kind     store.TaskKind
	AgentID  string // empty for coordinator-driven transitions
	Terminal bool   // set on failed events when attempts are exhausted
	Time     time.Time
}

// Broadcaster provides in-process pub/sub for task lifecycle events.
// Subscribers receive events as the queue records them; delivery is
// best-effort and events are dropped for subscribers that fall behind.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan *TaskEvent
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan *TaskEvent),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber for all task events. Returns a channel
// that receives events and a subscription ID for later unsubscription. The
// subscription is automatically cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan *TaskEvent, string) {
	subID := uuid.New().String()
	ch := make(chan *TaskEvent, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers. Non-blocking: events are
// dropped for subscribers whose channels are full.
//
// Sends happen under the read lock. Unsubscribe and Close take the write
// lock before closing a channel, so a send can never land on a closed
// channel; the sends never block, so holding the lock is cheap.
func (b *Broadcaster) Publish(event *TaskEvent) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"type", event.Type,
				"task_id", event.TaskID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}

	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}

	b.logger.Debug("broadcaster closed")
}
