// Package kafka ships audit events to a Kafka topic so external consumers
// (SIEM, compliance archival) can follow the referral trail.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	id "tally/pkg/domain"
	"tally/pkg/platform/audit"
	"tally/pkg/platform/sentinel"
)

// DefaultTopic is where audit events land unless configured otherwise.
const DefaultTopic = "tally.audit.events"

// Sink produces audit events to Kafka. It satisfies audit.Store so it can be
// teed behind the publisher; it is write-only, reads go to the primary store.
type Sink struct {
	client *kgo.Client
	topic  string
}

// New connects to the brokers and ensures the topic exists.
func New(ctx context.Context, brokers []string, topic string) (*Sink, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopics(ctx, 1, 1, nil, topic)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create audit topic: %w", err)
	}
	for _, res := range resp {
		if res.Err != nil && !errors.Is(res.Err, kerr.TopicAlreadyExists) {
			client.Close()
			return nil, fmt.Errorf("create audit topic %s: %w", res.Topic, res.Err)
		}
	}

	return &Sink{client: client, topic: topic}, nil
}

func (s *Sink) Append(ctx context.Context, event audit.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(event.UserID.String()),
		Value: payload,
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

// ListByUser is unsupported; Kafka is a sink, the primary store serves reads.
func (s *Sink) ListByUser(context.Context, id.UserID) ([]audit.Event, error) {
	return nil, fmt.Errorf("kafka sink is write-only: %w", sentinel.ErrUnavailable)
}

func (s *Sink) Close() {
	s.client.Close()
}
