package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nicebuild/jarvis/pkg/models"
)

// ringSize is how many recent events a topic retains for catch-up on
// subscribe. Progress streams are short; 64 covers a full task.
const ringSize = 64

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls behind loses intermediate events, never the newest.
const subscriberBuffer = 16

// closedTopicTTL keeps a terminal topic around so clients that connect
// right after completion still get the full history.
const closedTopicTTL = 5 * time.Minute

// Bus is the per-task progress fan-out. Publishing never blocks on
// slow subscribers.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	logger *slog.Logger

	// test seam for the delayed topic removal
	afterFunc func(d time.Duration, f func()) *time.Timer
}

type topic struct {
	ring   []models.ProgressEvent
	closed bool
	subs   map[int]chan models.ProgressEvent
	nextID int
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		topics:    make(map[string]*topic),
		logger:    logger.With("component", "event_bus"),
		afterFunc: time.AfterFunc,
	}
}

// Publish records an event and delivers it to the task's subscribers.
// A terminal event closes the topic: subscriber channels close after
// delivery and the history stays available for a grace period.
func (b *Bus) Publish(ev models.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.TaskID]
	if !ok {
		t = &topic{subs: make(map[int]chan models.ProgressEvent)}
		b.topics[ev.TaskID] = t
	}
	if t.closed {
		// Terminal states are absorbing; drop anything published after.
		b.logger.Warn("event published after terminal state, dropped",
			"task_id", ev.TaskID, "state", ev.State)
		return
	}

	t.ring = append(t.ring, ev)
	if len(t.ring) > ringSize {
		t.ring = t.ring[len(t.ring)-ringSize:]
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Full buffer: evict the oldest queued event so the
			// newest state always gets through.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}

	if ev.Terminal() {
		t.closed = true
		for _, ch := range t.subs {
			close(ch)
		}
		t.subs = make(map[int]chan models.ProgressEvent)
		taskID := ev.TaskID
		b.afterFunc(closedTopicTTL, func() { b.Forget(taskID) })
	}
}

// Subscribe returns the retained history followed by a live channel.
// For a topic already terminal, history holds everything and the
// channel is closed. cancel must be called when the subscriber leaves.
func (b *Bus) Subscribe(taskID string) (history []models.ProgressEvent, ch <-chan models.ProgressEvent, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &topic{subs: make(map[int]chan models.ProgressEvent)}
		b.topics[taskID] = t
	}

	history = make([]models.ProgressEvent, len(t.ring))
	copy(history, t.ring)

	c := make(chan models.ProgressEvent, subscriberBuffer)
	if t.closed {
		close(c)
		return history, c, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = c

	return history, c, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.topics[taskID]; ok {
			if sub, live := cur.subs[id]; live {
				delete(cur.subs, id)
				close(sub)
			}
		}
	}
}

// Forget drops a topic and its history. Safe to call for unknown ids.
func (b *Bus) Forget(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		return
	}
	for _, ch := range t.subs {
		close(ch)
	}
	delete(b.topics, taskID)
}

// TopicCount reports retained topics, for health introspection.
func (b *Bus) TopicCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
