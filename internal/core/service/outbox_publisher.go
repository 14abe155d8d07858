package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-saga/internal/core/domain"
	"github.com/rl1809/stock-saga/internal/port"
)

type OutboxConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	DispatchTimeout time.Duration
}

func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		MaxRetries:      5,
		InitialDelay:    30 * time.Second,
		DispatchTimeout: 5 * time.Second,
	}
}

// OutboxPublisher stores outbound messages before they are sent. Sending is
// best effort: a failed dispatch leaves the message for the RetryScheduler.
type OutboxPublisher struct {
	store      port.Store
	dispatcher port.Dispatcher
	cfg        OutboxConfig
	logger     zerolog.Logger
	now        func() time.Time
}

func NewOutboxPublisher(store port.Store, dispatcher port.Dispatcher, cfg OutboxConfig, logger zerolog.Logger) *OutboxPublisher {
	return &OutboxPublisher{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Stage inserts the PENDING message for ev through repo. Pass the
// transaction's repository so the message commits with the business change.
func (p *OutboxPublisher) Stage(ctx context.Context, repo port.OutboxRepository, ev domain.Event) (domain.OutboxMessage, error) {
	msg, err := domain.NewOutboxMessage(ev, p.cfg.MaxRetries, p.now())
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	if err := repo.InsertMessage(ctx, msg); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("stage %s: %w", ev.Type, err)
	}
	return msg, nil
}

// Publish stores ev on its own and dispatches it. Only the store write can
// fail the call.
func (p *OutboxPublisher) Publish(ctx context.Context, ev domain.Event) (domain.OutboxMessage, error) {
	msg, err := p.Stage(ctx, p.store.Repositories().Outbox, ev)
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	p.Dispatch(ctx, msg)
	return msg, nil
}

// Dispatch sends an already stored message and reports whether the broker
// took it. Failures are logged, never returned.
func (p *OutboxPublisher) Dispatch(ctx context.Context, msg domain.OutboxMessage) bool {
	if err := p.send(ctx, msg); err != nil {
		event := p.logger.Warn()
		if errors.Is(err, domain.ErrBrokerDisabled) {
			event = p.logger.Debug()
		}
		event.Err(err).
			Str("message_id", msg.MessageID).
			Str("type", string(msg.Type)).
			Str("trace_id", msg.TraceID).
			Msg("dispatch failed, message left for retry")
		return false
	}
	return true
}

// send dispatches msg and moves it to SENT. Only the dispatch error is
// returned; a failed status update just means the message is sent again.
func (p *OutboxPublisher) send(ctx context.Context, msg domain.OutboxMessage) error {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.DispatchTimeout)
	defer cancel()

	if err := p.dispatcher.Dispatch(dctx, msg.TargetQueue, msg.Envelope()); err != nil {
		return err
	}

	next := p.now().Add(domain.RetryDelay(p.cfg.InitialDelay, msg.DeliveryCount+1))
	if err := p.store.Repositories().Outbox.MarkSent(ctx, msg.MessageID, next); err != nil {
		p.logger.Warn().Err(err).Str("message_id", msg.MessageID).Msg("mark sent failed")
	}
	return nil
}

func (p *OutboxPublisher) Get(ctx context.Context, messageID string) (*domain.OutboxMessage, error) {
	return p.store.Repositories().Outbox.GetMessage(ctx, messageID)
}

// MarkSent records a broker acknowledgement for messageID.
func (p *OutboxPublisher) MarkSent(ctx context.Context, messageID string) error {
	outbox := p.store.Repositories().Outbox
	msg, err := outbox.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	next := p.now().Add(domain.RetryDelay(p.cfg.InitialDelay, msg.DeliveryCount+1))
	return outbox.MarkSent(ctx, messageID, next)
}

// MarkConfirmed records that a consumer processed messageID.
func (p *OutboxPublisher) MarkConfirmed(ctx context.Context, messageID string) error {
	return p.store.Repositories().Outbox.MarkConfirmed(ctx, messageID)
}

// MarkFailedAndRetry counts a failed delivery and schedules the next one. The
// returned message is FAILED once its retries are used up.
func (p *OutboxPublisher) MarkFailedAndRetry(ctx context.Context, messageID, errMsg string) (*domain.OutboxMessage, error) {
	msg, err := p.store.Repositories().Outbox.MarkDeliveryFailed(ctx, messageID, errMsg, p.now(), p.cfg.InitialDelay)
	if err != nil {
		return nil, err
	}
	if msg.Status == domain.MessageStatusFailed {
		p.logger.Error().
			Err(domain.ErrMaxRetriesExceeded).
			Str("message_id", msg.MessageID).
			Str("type", string(msg.Type)).
			Int("delivery_count", msg.DeliveryCount).
			Str("trace_id", msg.TraceID).
			Msg("outbox message failed permanently")
	}
	return msg, nil
}
