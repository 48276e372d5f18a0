package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const requeuedHeader = "x-requeued"

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig holds the Kafka connection settings
type KafkaConfig struct {
	Brokers []string
	GroupID string
}

// Kafka consumes from and publishes to Kafka topics. Queue names and routing
// keys are used as topic names.
type Kafka struct {
	cfg       KafkaConfig
	writer    kafkaWriter
	newReader func(topic string) kafkaReader
	logger    zerolog.Logger
}

// NewKafka configures a Kafka reader factory and a writer. No connection is
// made until the first fetch or write.
func NewKafka(cfg KafkaConfig, logger zerolog.Logger) *Kafka {
	k := &Kafka{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		logger: logger.With().Str("component", "kafka").Logger(),
	}
	k.newReader = func(topic string) kafkaReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6, // 10MB
		})
	}
	return k
}

// Publish writes msg as JSON to topic and waits for all in-sync replicas
func (k *Kafka) Publish(ctx context.Context, topic string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal message: %v", ErrPublish, err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Value: body,
		Headers: []kafka.Header{
			{Key: "message-id", Value: []byte(uuid.NewString())},
			{Key: "content-type", Value: []byte("application/json")},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	return nil
}

// Consume reads topic in the configured consumer group. Ack and Drop commit
// the offset; Requeue produces the message again to the end of the topic
// before committing.
func (k *Kafka) Consume(ctx context.Context, topic string, handler Handler) error {
	reader := k.newReader(topic)
	defer func() {
		if err := reader.Close(); err != nil {
			k.logger.Warn().Err(err).Msg("failed to close Kafka reader")
		}
	}()

	k.logger.Info().Str("topic", topic).Str("group", k.cfg.GroupID).Msg("consuming")

	jobCtx := context.WithoutCancel(ctx)
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// worker is stopping
				return nil
			}
			if errors.Is(err, io.EOF) {
				return ErrConsumerClosed
			}
			k.logger.Error().Err(err).Msg("error reading message")
			time.Sleep(time.Second)
			continue
		}
		if ctx.Err() != nil {
			// not committed, the group hands it to the next consumer
			return nil
		}

		d := Delivery{
			ID:          Fingerprint(m.Value),
			Body:        m.Value,
			Redelivered: hasHeader(m, requeuedHeader),
		}
		decision := safeHandle(jobCtx, k.logger, handler, d)

		if decision == Requeue {
			again := kafka.Message{
				Topic:   m.Topic,
				Key:     m.Key,
				Value:   m.Value,
				Headers: withHeader(m.Headers, requeuedHeader, "true"),
			}
			if err := k.writer.WriteMessages(jobCtx, again); err != nil {
				// leave the offset uncommitted so the group redelivers after restart
				return fmt.Errorf("failed to requeue message at offset %d: %w", m.Offset, err)
			}
		}

		if err := reader.CommitMessages(jobCtx, m); err != nil {
			k.logger.Error().Err(err).Int64("offset", m.Offset).Msg("failed to commit message")
		}
	}
}

// Close flushes and closes the writer
func (k *Kafka) Close() {
	if err := k.writer.Close(); err != nil {
		k.logger.Warn().Err(err).Msg("failed to close Kafka writer")
	}
}

func hasHeader(m kafka.Message, key string) bool {
	for _, h := range m.Headers {
		if h.Key == key {
			return true
		}
	}
	return false
}

func withHeader(headers []kafka.Header, key, value string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key != key {
			out = append(out, h)
		}
	}
	return append(out, kafka.Header{Key: key, Value: []byte(value)})
}
