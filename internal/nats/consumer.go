package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Durable describes a pull consumer bound to one subject of a stream.
// MaxDeliver and AckWait fall back to 5 attempts and 30s when zero.
type Durable struct {
	Stream     string
	Name       string
	Subject    string
	MaxDeliver int
	AckWait    time.Duration
}

func (d Durable) config() jetstream.ConsumerConfig {
	maxDeliver := d.MaxDeliver
	if maxDeliver == 0 {
		maxDeliver = 5
	}
	ackWait := d.AckWait
	if ackWait == 0 {
		ackWait = 30 * time.Second
	}
	return jetstream.ConsumerConfig{
		Durable:       d.Name,
		FilterSubject: d.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    maxDeliver,
		AckWait:       ackWait,
		// Back off between redeliveries of a message the store keeps refusing.
		BackOff: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
	}
}

// ConsumerManager creates durable consumers on the governance streams.
type ConsumerManager struct {
	js jetstream.JetStream
}

func NewConsumerManager(js jetstream.JetStream) *ConsumerManager {
	return &ConsumerManager{js: js}
}

// Ensure creates the durable or updates it in place when its settings changed.
func (cm *ConsumerManager) Ensure(ctx context.Context, d Durable) (jetstream.Consumer, error) {
	consumer, err := cm.js.CreateOrUpdateConsumer(ctx, d.Stream, d.config())
	if err != nil {
		return nil, fmt.Errorf("ensuring consumer %s on %s: %w", d.Name, d.Stream, err)
	}
	return consumer, nil
}
