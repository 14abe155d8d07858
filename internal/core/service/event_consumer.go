package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/stock-saga/internal/core/domain"
	"github.com/rl1809/stock-saga/internal/port"
)

// EventConsumer processes the envelopes this service publishes. Compensation
// requests restore stock; every handled message is confirmed in the outbox.
type EventConsumer struct {
	stock      *StockService
	outbox     *OutboxPublisher
	store      port.Store
	subscriber port.Subscriber
	logger     zerolog.Logger
}

func NewEventConsumer(stock *StockService, outbox *OutboxPublisher, store port.Store, subscriber port.Subscriber, logger zerolog.Logger) *EventConsumer {
	return &EventConsumer{
		stock:      stock,
		outbox:     outbox,
		store:      store,
		subscriber: subscriber,
		logger:     logger,
	}
}

// Run subscribes to every queue until ctx is done or a subscription fails.
func (c *EventConsumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, queue := range []string{
		domain.QueueOrderCompensation,
		domain.QueueStockDeducted,
		domain.QueueStockCompensated,
		domain.QueueOrderPaid,
	} {
		queue := queue
		g.Go(func() error {
			return c.subscriber.Subscribe(gctx, queue, c.Handle)
		})
	}
	return g.Wait()
}

// Handle processes one envelope. Messages already confirmed are skipped, so
// redelivery has no effect.
func (c *EventConsumer) Handle(ctx context.Context, env domain.Envelope) error {
	log := c.logger.With().
		Str("message_id", env.MessageID).
		Str("type", string(env.Type)).
		Str("trace_id", env.TraceID).
		Logger()

	msg, err := c.store.Repositories().Outbox.GetMessage(ctx, env.MessageID)
	switch {
	case errors.Is(err, domain.ErrMessageNotFound):
		log.Warn().Msg("envelope without outbox row")
	case err != nil:
		return err
	case msg.Status == domain.MessageStatusConfirmed:
		log.Debug().Msg("duplicate envelope skipped")
		return nil
	}

	if env.Type == domain.MessageOrderCompensation {
		if err := c.compensate(ctx, env); err != nil {
			return err
		}
	}

	if msg == nil {
		return nil
	}
	if err := c.outbox.MarkConfirmed(ctx, env.MessageID); err != nil {
		return fmt.Errorf("confirm %s: %w", env.MessageID, err)
	}
	log.Debug().Msg("envelope confirmed")
	return nil
}

func (c *EventConsumer) compensate(ctx context.Context, env domain.Envelope) error {
	var ev domain.OrderCompensationEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		return fmt.Errorf("decode compensation %s: %w", env.MessageID, err)
	}

	_, err := c.stock.Compensate(ctx, CompensateCommand{
		SkuID:      ev.SkuID,
		Quantity:   ev.Quantity,
		BusinessID: ev.CompensationID,
		Reason:     ev.CompensationReason,
		TraceID:    ev.TraceID,
	})
	if err != nil {
		return fmt.Errorf("compensate order %s: %w", ev.OrderID, err)
	}
	return nil
}
