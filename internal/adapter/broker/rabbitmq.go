package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/rl1809/stock-saga/internal/core/domain"
	"github.com/rl1809/stock-saga/internal/port"
)

const (
	ExchangeName = "stock_saga"
	ExchangeType = "direct"

	dialAttempts  = 5
	prefetchCount = 16
)

// Queues are declared on connect and bound with their own name as the
// routing key.
var Queues = []string{
	domain.QueueStockDeducted,
	domain.QueueStockCompensated,
	domain.QueueOrderPaid,
	domain.QueueOrderCompensation,
}

var (
	_ port.Dispatcher = (*RabbitMQ)(nil)
	_ port.Subscriber = (*RabbitMQ)(nil)
)

// RabbitMQ publishes on a confirm-mode channel, so Dispatch only returns nil
// once the broker has taken responsibility for the message.
type RabbitMQ struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger zerolog.Logger
}

func DialRabbitMQ(url string, logger zerolog.Logger) (*RabbitMQ, error) {
	var conn *amqp.Connection
	var err error

	for i := 0; i < dialAttempts; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.Warn().Err(err).Int("attempt", i+1).Msg("rabbitmq dial failed")
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	if err := declareTopology(ch); err != nil {
		conn.Close()
		return nil, err
	}

	return &RabbitMQ{conn: conn, ch: ch, logger: logger}, nil
}

func declareTopology(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		ExchangeName, // name
		ExchangeType, // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	for _, q := range Queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
		if err := ch.QueueBind(q, q, ExchangeName, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q, err)
		}
	}
	return nil
}

func (r *RabbitMQ) Dispatch(ctx context.Context, queue string, env domain.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	confirm, err := r.ch.PublishWithDeferredConfirmWithContext(ctx,
		ExchangeName, // exchange
		queue,        // routing key
		true,         // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.MessageID,
			Type:         string(env.Type),
			Timestamp:    time.Now(),
			Headers:      amqp.Table{"traceId": env.TraceID},
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("%w: publish %s: %v", domain.ErrDispatchFailed, env.MessageID, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: await confirm %s: %v", domain.ErrDispatchFailed, env.MessageID, err)
	}
	if !acked {
		return fmt.Errorf("%w: broker nacked %s", domain.ErrDispatchFailed, env.MessageID)
	}
	return nil
}

// Subscribe consumes queue on its own channel until ctx is done. Failed
// deliveries are rejected without requeue: the message stays unconfirmed in
// the outbox and the retry scheduler sends it again.
func (r *RabbitMQ) Subscribe(ctx context.Context, queue string, handler port.EnvelopeHandler) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		queue, // queue
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consume %s: delivery channel closed", queue)
			}
			r.handle(ctx, queue, d, handler)
		}
	}
}

func (r *RabbitMQ) handle(ctx context.Context, queue string, d amqp.Delivery, handler port.EnvelopeHandler) {
	var env domain.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		r.logger.Error().Err(err).Str("queue", queue).Str("message_id", d.MessageId).Msg("drop malformed envelope")
		d.Reject(false)
		return
	}

	if err := handler(ctx, env); err != nil {
		r.logger.Warn().Err(err).Str("queue", queue).Str("message_id", env.MessageID).
			Str("trace_id", env.TraceID).Msg("handle envelope failed")
		d.Reject(false)
		return
	}
	if err := d.Ack(false); err != nil {
		r.logger.Warn().Err(err).Str("message_id", env.MessageID).Msg("ack delivery failed")
	}
}

func (r *RabbitMQ) Close() error {
	return errors.Join(r.ch.Close(), r.conn.Close())
}
