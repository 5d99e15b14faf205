// AngelaMos | 2026
// events.go

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/erisrwa/portal/internal/config"
	"github.com/erisrwa/portal/internal/metrics"
)

const (
	TypeLoggedIn     = "session.logged_in"
	TypeRoleSelected = "session.role_selected"
	TypeLoggedOut    = "session.logged_out"
)

type Event struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"sessionId"`
	UserID     string    `json:"userId,omitempty"`
	Role       string    `json:"role,omitempty"`
	Source     string    `json:"source,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// New returns a Kafka-backed publisher, or a no-op one when no brokers are
// configured.
func New(cfg config.KafkaConfig, logger *slog.Logger) (Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return Noop{}, nil
	}

	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return NewKafka(producer, cfg.Topic, logger), nil
}

type Kafka struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

func NewKafka(producer sarama.SyncProducer, topic string, logger *slog.Logger) *Kafka {
	return &Kafka{producer: producer, topic: topic, logger: logger}
}

// Publish keys messages by session id so one session's events stay ordered
// on a single partition.
func (k *Kafka) Publish(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(ev.SessionID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(ev.Type)},
		},
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(ev.Type, "error").Inc()
		return fmt.Errorf("send event: %w", err)
	}
	metrics.EventsPublished.WithLabelValues(ev.Type, "ok").Inc()

	k.logger.DebugContext(ctx, "session event published",
		"type", ev.Type,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

func (k *Kafka) Close() error {
	return k.producer.Close()
}

type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

func (Noop) Close() error { return nil }
