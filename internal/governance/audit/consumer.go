package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	inats "github.com/aiox-platform/aigov/internal/nats"
)

const consumerName = "governance-audit-persister"

var errMalformed = errors.New("malformed audit event")

// Consumer listens on the audit event NATS subject and persists entries to the database.
type Consumer struct {
	store       Store
	consumerMgr *inats.ConsumerManager
}

// NewConsumer creates a new audit event Consumer.
func NewConsumer(store Store, consumerMgr *inats.ConsumerManager) *Consumer {
	return &Consumer{
		store:       store,
		consumerMgr: consumerMgr,
	}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.consumerMgr.Ensure(ctx, inats.Durable{
		Stream:  inats.StreamEvents,
		Name:    consumerName,
		Subject: inats.SubjectAuditEvent,
	})
	if err != nil {
		return err
	}

	slog.Info("audit consumer started", "consumer", consumerName)

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(inats.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("audit consumer: fetching events", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handle(ctx, msg)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg jetstream.Msg) {
	err := c.persist(ctx, msg.Data())
	switch {
	case err == nil:
		_ = msg.Ack()
	case errors.Is(err, errMalformed):
		slog.Error("audit consumer: dropping event", "error", err)
		_ = msg.Term()
	default:
		slog.Error("audit consumer: persisting audit log", "error", err)
		_ = msg.Nak()
	}
}

// persist decodes one event payload and stores it.
func (c *Consumer) persist(ctx context.Context, data []byte) error {
	var event inats.AuditEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if event.EventType == "" {
		return fmt.Errorf("%w: missing event_type", errMalformed)
	}

	log := FromEvent(event)
	if err := c.store.Insert(ctx, log); err != nil {
		return err
	}

	slog.Debug("audit consumer: persisted event",
		"event_type", event.EventType,
		"actor", event.ActorID,
		"resource_id", event.ResourceID,
	)
	return nil
}
