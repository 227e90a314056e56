// ABOUTME: In-process event bus mirroring conversation turns to downstream consumers
// ABOUTME: Bounded outbound queue with key-sharded workers for per-session ordering

package bus

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/trovia/chat-gateway/internal/store"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Event is one mirrored turn half: an inbound user message or an outbound
// assistant reply. Carries the minimum audit contract plus assistant extras.
type Event struct {
	MessageID string           `json:"message_id"`
	SessionID string           `json:"session_id"`
	Owner     store.Owner      `json:"owner_identity"`
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Products  []map[string]any `json:"products,omitempty"`
	Intent    string           `json:"intent,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// envelope is a queued publish awaiting dispatch.
type envelope struct {
	topic string
	key   string
	event Event
}

// Bus provides at-least-once, fire-and-forget event delivery with ordering
// per partition key. Publish never blocks the caller: events enter a bounded
// queue drained by workers, and each key maps to exactly one worker so a
// single session's events are observed downstream in send order. Events for
// different keys may interleave arbitrarily.
//
// Publish failures (queue full, slow subscriber) are logged and counted, never
// surfaced to the publishing turn.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // topic -> subID -> ch
	shards      []chan envelope
	logger      *slog.Logger
	wg          sync.WaitGroup
	closed      bool
	dropped     atomic.Int64
}

// New creates a bus with the given per-shard queue size and worker count.
// Pass nil logger for default.
func New(queueSize, workers int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if workers < 1 {
		workers = 1
	}

	b := &Bus{
		subscribers: make(map[string]map[string]chan Event),
		shards:      make([]chan envelope, workers),
		logger:      logger.With("component", "bus"),
	}
	for i := range b.shards {
		b.shards[i] = make(chan envelope, queueSize)
		b.wg.Add(1)
		go b.dispatch(b.shards[i])
	}
	return b
}

// Publish enqueues an event for delivery on the given topic, partitioned by
// key. It never blocks and never fails the caller: if the shard queue is full
// or the bus is closed, the event is dropped, logged, and counted.
func (b *Bus) Publish(topic, key string, event Event) {
	// The read lock covers the shard send so Close cannot close the shard
	// channel between the closed check and the send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.dropped.Add(1)
		b.logger.Warn("publish on closed bus", "topic", topic, "key", key)
		return
	}

	shard := b.shards[shardFor(key, len(b.shards))]
	select {
	case shard <- envelope{topic: topic, key: key, event: event}:
	default:
		b.dropped.Add(1)
		b.logger.Warn("outbound queue full, dropping event",
			"topic", topic,
			"key", key,
			"message_id", event.MessageID)
	}
}

// Dropped returns the number of events lost to full queues or slow
// subscribers since the bus was created.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribe registers a subscriber for events on the given topic. Returns a
// channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan Event)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// Close stops accepting publishes, drains the queues, and closes all
// subscriber channels. Safe to call once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	for _, shard := range b.shards {
		close(shard)
	}
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}

	b.logger.Debug("bus closed", "dropped", b.dropped.Load())
}

// dispatch drains one shard queue, delivering each event to every subscriber
// of its topic in queue order.
func (b *Bus) dispatch(shard <-chan envelope) {
	defer b.wg.Done()

	for env := range shard {
		b.deliver(env)
	}
}

// deliver fans one event out to the topic's subscribers. A subscriber whose
// buffer is full loses this event; delivery to the others continues. Sends
// happen under the read lock so Unsubscribe cannot close a channel mid-send.
func (b *Bus) deliver(env envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers[env.topic] {
		select {
		case ch <- env.event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("dropped event for slow subscriber",
				"topic", env.topic,
				"subscriber", id,
				"message_id", env.event.MessageID)
		}
	}
}

// shardFor maps a partition key to a worker index.
func shardFor(key string, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}
