// ABOUTME: Audit consumer that drains bus topics into the turn audit log.
// ABOUTME: Persistence failures are logged and skipped, never fatal.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trovia/chat-gateway/internal/store"
)

// saveTimeout bounds each audit write so one slow insert cannot stall
// the consumer behind it.
const saveTimeout = 5 * time.Second

// Subscriber is the bus surface the consumer needs.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan Event, string)
}

// AuditSink persists consumed turn records.
type AuditSink interface {
	SaveTurnAudit(ctx context.Context, rec *store.TurnAudit) error
}

// AuditConsumer subscribes to conversation topics and writes each event
// into the turn audit log.
type AuditConsumer struct {
	bus    Subscriber
	sink   AuditSink
	logger *slog.Logger
}

func NewAuditConsumer(b Subscriber, sink AuditSink, logger *slog.Logger) *AuditConsumer {
	return &AuditConsumer{
		bus:    b,
		sink:   sink,
		logger: logger.With("component", "audit-consumer"),
	}
}

// Run consumes the given topics until ctx is cancelled. It blocks, so
// callers typically run it in its own goroutine.
func (c *AuditConsumer) Run(ctx context.Context, topics ...string) {
	var wg sync.WaitGroup
	for _, topic := range topics {
		ch, subID := c.bus.Subscribe(ctx, topic)
		c.logger.Info("consuming topic", "topic", topic, "subscriber", subID)

		wg.Add(1)
		go func(topic string, ch <-chan Event) {
			defer wg.Done()
			c.consume(ctx, topic, ch)
		}(topic, ch)
	}
	wg.Wait()
}

func (c *AuditConsumer) consume(ctx context.Context, topic string, ch <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.save(topic, ev)
		}
	}
}

// save writes one event under its own timeout. The parent ctx may already
// be cancelled during shutdown; the write still gets a chance to land.
func (c *AuditConsumer) save(topic string, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	rec := &store.TurnAudit{
		Topic:      topic,
		MessageID:  ev.MessageID,
		SessionID:  ev.SessionID,
		Owner:      ev.Owner,
		Role:       ev.Role,
		Content:    ev.Content,
		Intent:     ev.Intent,
		RecordedAt: ev.Timestamp,
	}
	if err := c.sink.SaveTurnAudit(ctx, rec); err != nil {
		c.logger.Error("failed to persist turn audit",
			"topic", topic,
			"message_id", ev.MessageID,
			"error", err)
	}
}
