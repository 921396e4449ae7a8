package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rpattn/journaled/internal/domain"

	"github.com/twmb/franz-go/pkg/kgo"
)

// DefaultTopic receives activity events when no topic is configured.
const DefaultTopic = "journal.activity"

// producer is the subset of *kgo.Client the publisher uses.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaPublisher publishes activity events as JSON records keyed by entity
// reference, so the events of one entity stay on one partition in version
// order.
type KafkaPublisher struct {
	client producer
	topic  string
}

// NewKafkaPublisher connects to brokers. Extra client options are appended
// after the defaults.
func NewKafkaPublisher(brokers []string, topic string, opts ...kgo.Opt) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka publisher needs at least one broker", domain.ErrValidation)
	}
	if topic == "" {
		topic = DefaultTopic
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ClientID("journaled"),
		kgo.AllowAutoTopicCreation(),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaPublisher{client: client, topic: topic}, nil
}

func newKafkaPublisherWithClient(client producer, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{client: client, topic: topic}
}

// Topic returns the destination topic.
func (p *KafkaPublisher) Topic() string {
	return p.topic
}

// Notify produces one record and waits for the broker acknowledgement.
func (p *KafkaPublisher) Notify(ctx context.Context, event domain.ActivityEvent) error {
	record, err := newRecord(p.topic, event)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("publish %s version %d: %w", event.Entity, event.Version, err)
	}
	return nil
}

// Close flushes nothing further and releases the client.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}

func newRecord(topic string, event domain.ActivityEvent) (*kgo.Record, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode activity event: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(event.Entity.String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "entity_kind", Value: []byte(event.Entity.Kind)},
			{Key: "version", Value: []byte(strconv.FormatInt(event.Version, 10))},
		},
		Timestamp: event.Timestamp,
	}, nil
}
