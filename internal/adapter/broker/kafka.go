package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/rl1809/stock-saga/internal/core/domain"
	"github.com/rl1809/stock-saga/internal/port"
)

var (
	_ port.Dispatcher = (*Kafka)(nil)
	_ port.Subscriber = (*Kafka)(nil)
)

// Kafka maps every queue onto a topic of the same name. Writes wait for all
// in-sync replicas.
type Kafka struct {
	brokers []string
	groupID string
	writer  *kafka.Writer
	logger  zerolog.Logger
}

func NewKafka(brokers []string, groupID string, logger zerolog.Logger) *Kafka {
	return &Kafka{
		brokers: brokers,
		groupID: groupID,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}
}

func (k *Kafka) Dispatch(ctx context.Context, queue string, env domain.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic: queue,
		Key:   []byte(env.MessageID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "messageId", Value: []byte(env.MessageID)},
			{Key: "type", Value: []byte(env.Type)},
			{Key: "traceId", Value: []byte(env.TraceID)},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", domain.ErrDispatchFailed, env.MessageID, err)
	}
	return nil
}

// Subscribe reads queue as part of the consumer group until ctx is done.
// Offsets are committed whatever the handler returns; unconfirmed messages
// come back through the outbox retry scheduler.
func (k *Kafka) Subscribe(ctx context.Context, queue string, handler port.EnvelopeHandler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: k.brokers,
		Topic:   queue,
		GroupID: k.groupID,
	})
	defer reader.Close()

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch %s: %w", queue, err)
		}

		var env domain.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			k.logger.Error().Err(err).Str("queue", queue).Int64("offset", m.Offset).Msg("drop malformed envelope")
		} else if err := handler(ctx, env); err != nil {
			k.logger.Warn().Err(err).Str("queue", queue).Str("message_id", env.MessageID).
				Str("trace_id", env.TraceID).Msg("handle envelope failed")
		}

		if err := reader.CommitMessages(ctx, m); err != nil && !errors.Is(err, context.Canceled) {
			k.logger.Warn().Err(err).Str("queue", queue).Int64("offset", m.Offset).Msg("commit offset failed")
		}
	}
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
