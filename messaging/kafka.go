package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultCommitInterval is how often consumer offsets are committed.
// A crash between processing and commit replays at most this window.
const DefaultCommitInterval = 5 * time.Second

// KafkaBroker creates publishers and group consumers backed by a Kafka
// cluster. Publishes require acknowledgement from all in-sync replicas.
type KafkaBroker struct {
	brokers        []string
	commitInterval time.Duration
	logger         *slog.Logger
}

// KafkaOption customizes a KafkaBroker.
type KafkaOption func(*KafkaBroker)

// WithKafkaCommitInterval overrides the offset auto-commit interval.
func WithKafkaCommitInterval(d time.Duration) KafkaOption {
	return func(b *KafkaBroker) {
		if d > 0 {
			b.commitInterval = d
		}
	}
}

// WithKafkaLogger sets the logger used for transport-level warnings.
func WithKafkaLogger(l *slog.Logger) KafkaOption {
	return func(b *KafkaBroker) { b.logger = l }
}

// NewKafkaBroker creates a broker over the given bootstrap addresses.
func NewKafkaBroker(brokers []string, opts ...KafkaOption) *KafkaBroker {
	b := &KafkaBroker{
		brokers:        brokers,
		commitInterval: DefaultCommitInterval,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publisher returns a publisher whose Publish blocks until the write is
// acknowledged by all replicas.
func (b *KafkaBroker) Publisher() Publisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(b.brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchBytes:             MaxMessageBytes,
		AllowAutoTopicCreation: true,
	}
	return &kafkaPublisher{w: w}
}

type kafkaPublisher struct {
	w *kafka.Writer
}

func (p *kafkaPublisher) Publish(ctx context.Context, topic string, env *Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return &DeliveryError{Topic: topic, MessageID: env.ID, Err: err}
	}
	if len(data) > MaxMessageBytes {
		return &DeliveryError{Topic: topic, MessageID: env.ID, Err: ErrPayloadTooLarge}
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(env.Key()),
		Value: data,
		Time:  env.CreatedAt,
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return &DeliveryError{Topic: topic, MessageID: env.ID, Err: err}
	}
	return nil
}

func (p *kafkaPublisher) Close() error { return p.w.Close() }

// Consumer joins the given consumer group across the topics. Instances
// sharing a group id receive disjoint partitions (competing consumers).
func (b *KafkaBroker) Consumer(topics []string, group string) (Consumer, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one topic")
	}
	if group == "" {
		return nil, fmt.Errorf("kafka consumer requires a group id")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        b.brokers,
		GroupID:        group,
		GroupTopics:    topics,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: b.commitInterval,
		MaxBytes:       MaxMessageBytes,
	})
	return &kafkaConsumer{r: r, logger: b.logger}, nil
}

type kafkaConsumer struct {
	r      *kafka.Reader
	logger *slog.Logger
}

func (c *kafkaConsumer) Next(ctx context.Context) (*Envelope, error) {
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			return nil, err
		}
		env, err := UnmarshalEnvelope(m.Value)
		if err != nil {
			// A malformed record must not wedge the partition.
			c.logger.Warn("skipping malformed message",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.Any("err", err))
			continue
		}
		return env, nil
	}
}

func (c *kafkaConsumer) Close() error { return c.r.Close() }
