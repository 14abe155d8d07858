package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-saga/internal/core/domain"
	"github.com/rl1809/stock-saga/internal/port"
)

const retryLockResource = "outbox:retry"

type SchedulerConfig struct {
	Interval     time.Duration
	InitialDelay time.Duration
	BatchSize    int
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:     30 * time.Second,
		InitialDelay: 5 * time.Second,
		BatchSize:    100,
	}
}

// TickStats summarizes one scheduler pass.
type TickStats struct {
	Skipped   bool
	Due       int
	Sent      int
	Failed    int
	Exhausted int
}

// RetryScheduler periodically re-dispatches outbox messages that were not
// delivered or not confirmed in time.
type RetryScheduler struct {
	store     port.Store
	publisher *OutboxPublisher
	guard     port.ConcurrencyGuard
	cfg       SchedulerConfig
	logger    zerolog.Logger
	now       func() time.Time

	tickMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRetryScheduler(store port.Store, publisher *OutboxPublisher, guard port.ConcurrencyGuard, cfg SchedulerConfig, logger zerolog.Logger) *RetryScheduler {
	return &RetryScheduler{
		store:     store,
		publisher: publisher,
		guard:     guard,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Start runs the scheduler in the background until Stop is called or ctx
// is done. Starting twice is a no-op.
func (s *RetryScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		s.Run(ctx)
	}(s.done)
}

// Stop cancels the loop and waits for the running tick to finish.
func (s *RetryScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run blocks, ticking every Interval after InitialDelay, until ctx is done.
func (s *RetryScheduler) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("retry scheduler started")
	defer s.logger.Info().Msg("retry scheduler stopped")

	timer := time.NewTimer(s.cfg.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("retry tick failed")
		}
		timer.Reset(s.cfg.Interval)
	}
}

// Tick performs one pass. It is skipped when another tick holds the retry
// lock, in this process or elsewhere.
func (s *RetryScheduler) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	if !s.tickMu.TryLock() {
		stats.Skipped = true
		return stats, nil
	}
	defer s.tickMu.Unlock()

	lease, err := s.guard.TryLock(ctx, retryLockResource, 0, s.cfg.Interval)
	if errors.Is(err, domain.ErrLockContended) {
		s.logger.Debug().Msg("retry tick held elsewhere, skipping")
		stats.Skipped = true
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("acquire retry lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Msg("release retry lock failed")
		}
	}()

	outbox := s.store.Repositories().Outbox
	now := s.now()

	due, err := outbox.FindDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("find due messages: %w", err)
	}
	stats.Due = len(due)

	for _, msg := range due {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := s.publisher.send(ctx, msg); err != nil {
			stats.Failed++
			updated, ferr := s.publisher.MarkFailedAndRetry(ctx, msg.MessageID, err.Error())
			if ferr != nil {
				s.logger.Warn().Err(ferr).Str("message_id", msg.MessageID).Msg("record delivery failure failed")
				continue
			}
			if updated.Status == domain.MessageStatusFailed {
				stats.Exhausted++
			}
			continue
		}
		stats.Sent++
	}

	expired, err := outbox.FindExhausted(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("find unconfirmed messages: %w", err)
	}
	for _, msg := range expired {
		reason := fmt.Sprintf("not confirmed after %d deliveries", msg.DeliveryCount)
		if err := outbox.MarkExhausted(ctx, msg.MessageID, reason); err != nil {
			s.logger.Warn().Err(err).Str("message_id", msg.MessageID).Msg("mark exhausted failed")
			continue
		}
		stats.Exhausted++
		s.logger.Error().
			Err(domain.ErrMaxRetriesExceeded).
			Str("message_id", msg.MessageID).
			Str("trace_id", msg.TraceID).
			Msg("outbox message never confirmed")
	}

	if stats.Due > 0 || stats.Exhausted > 0 {
		s.logger.Info().
			Int("due", stats.Due).
			Int("sent", stats.Sent).
			Int("failed", stats.Failed).
			Int("exhausted", stats.Exhausted).
			Msg("retry tick finished")
	}
	return stats, nil
}
