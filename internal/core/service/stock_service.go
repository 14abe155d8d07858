package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-saga/internal/core/domain"
	"github.com/rl1809/stock-saga/internal/port"
)

// Outcome is the closed set of results reported to API callers.
type Outcome string

const (
	OutcomeSuccess            Outcome = "SUCCESS"
	OutcomeInsufficientStock  Outcome = "INSUFFICIENT_STOCK"
	OutcomeLockContended      Outcome = "LOCK_CONTENDED"
	OutcomeOptimisticConflict Outcome = "OPTIMISTIC_CONFLICT"
	OutcomeNotFound           Outcome = "NOT_FOUND"
	OutcomeError              Outcome = "ERROR"
)

// OutcomeOf maps an error returned by StockService onto its outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, domain.ErrInsufficientStock):
		return OutcomeInsufficientStock
	case errors.Is(err, domain.ErrLockContended):
		return OutcomeLockContended
	case errors.Is(err, domain.ErrOptimisticConflict):
		return OutcomeOptimisticConflict
	case errors.Is(err, domain.ErrStockNotFound):
		return OutcomeNotFound
	default:
		return OutcomeError
	}
}

// Result describes a ledger operation. Replayed is set when the operation
// had already been applied and nothing changed; the snapshot is then the one
// recorded by the original application.
type Result struct {
	Outcome     Outcome
	Replayed    bool
	SkuID       int64
	BusinessID  string
	Quantity    int
	StockBefore int
	StockAfter  int
	MessageID   string
}

type DeductCommand struct {
	SkuID      int64
	Quantity   int
	BusinessID string
	TraceID    string
}

type CompensateCommand struct {
	SkuID      int64
	Quantity   int
	BusinessID string
	Reason     domain.CompensationReason
	TraceID    string
}

type StockConfig struct {
	LockWait        time.Duration
	LockLease       time.Duration
	IdempotencyTTL  time.Duration
	ConflictRetries int
}

func DefaultStockConfig() StockConfig {
	return StockConfig{
		LockWait:        3 * time.Second,
		LockLease:       10 * time.Second,
		IdempotencyTTL:  time.Hour,
		ConflictRetries: 3,
	}
}

// StockService applies deductions and compensations to the ledger at most
// once per (business id, operation type).
type StockService struct {
	store  port.Store
	guard  port.ConcurrencyGuard
	outbox *OutboxPublisher
	cfg    StockConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewStockService(store port.Store, guard port.ConcurrencyGuard, outbox *OutboxPublisher, cfg StockConfig, logger zerolog.Logger) *StockService {
	return &StockService{
		store:  store,
		guard:  guard,
		outbox: outbox,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// ledgerChange is the common shape of a deduction and a compensation.
type ledgerChange struct {
	opType     domain.OperationType
	skuID      int64
	quantity   int
	businessID string
	reason     domain.CompensationReason
	traceID    string
}

func (c ledgerChange) delta() int {
	if c.opType == domain.OperationDeduct {
		return -c.quantity
	}
	return c.quantity
}

func (s *StockService) Deduct(ctx context.Context, cmd DeductCommand) (Result, error) {
	return s.apply(ctx, ledgerChange{
		opType:     domain.OperationDeduct,
		skuID:      cmd.SkuID,
		quantity:   cmd.Quantity,
		businessID: cmd.BusinessID,
		traceID:    cmd.TraceID,
	})
}

func (s *StockService) Compensate(ctx context.Context, cmd CompensateCommand) (Result, error) {
	return s.apply(ctx, ledgerChange{
		opType:     domain.OperationCompensate,
		skuID:      cmd.SkuID,
		quantity:   cmd.Quantity,
		businessID: cmd.BusinessID,
		reason:     cmd.Reason,
		traceID:    cmd.TraceID,
	})
}

func (s *StockService) GetStock(ctx context.Context, skuID int64) (*domain.Stock, error) {
	return s.store.Repositories().Stock.GetStock(ctx, skuID)
}

// HasApplied reports whether the ledger recorded op for businessID.
func (s *StockService) HasApplied(ctx context.Context, businessID string, op domain.OperationType) (bool, error) {
	rec, err := s.store.Repositories().Operations.GetOperation(ctx, businessID, op)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

func (s *StockService) apply(ctx context.Context, ch ledgerChange) (Result, error) {
	res := Result{SkuID: ch.skuID, BusinessID: ch.businessID, Quantity: ch.quantity}
	if ch.quantity <= 0 {
		return s.fail(res, domain.ErrInvalidQuantity)
	}
	if ch.businessID == "" {
		return s.fail(res, domain.ErrMissingBusinessID)
	}

	log := s.logger.With().
		Str("op", string(ch.opType)).
		Int64("sku_id", ch.skuID).
		Str("business_id", ch.businessID).
		Str("trace_id", ch.traceID).
		Logger()

	applied, err := s.guard.IsApplied(ctx, ch.businessID, ch.opType)
	if err != nil {
		// the ledger row still rejects a second application
		log.Warn().Err(err).Msg("idempotency lookup failed")
	}
	if applied {
		res, _, err = s.replay(ctx, res, ch)
		if err != nil {
			return s.fail(res, err)
		}
		log.Info().Msg("operation already applied")
		return res, nil
	}

	lease, err := s.guard.TryLock(ctx, "stock:"+strconv.FormatInt(ch.skuID, 10), s.cfg.LockWait, s.cfg.LockLease)
	if err != nil {
		if errors.Is(err, domain.ErrLockContended) {
			log.Info().Msg("stock lock contended")
		}
		return s.fail(res, err)
	}
	release := func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("release stock lock failed")
		}
	}
	defer release()

	var staged *domain.OutboxMessage
	for attempt := 0; ; attempt++ {
		res, staged, err = s.applyOnce(ctx, res, ch)
		if !errors.Is(err, domain.ErrOptimisticConflict) || attempt >= s.cfg.ConflictRetries {
			break
		}
		log.Debug().Int("attempt", attempt+1).Msg("version conflict, retrying")
	}
	if err != nil {
		if auditable(err) {
			s.auditFailure(ctx, res, ch, err)
		}
		if errors.Is(err, domain.ErrDataIntegrity) {
			log.Error().Err(err).Msg("ledger constraint violated")
		}
		return s.fail(res, err)
	}

	if _, err := s.guard.MarkApplied(ctx, ch.businessID, ch.opType, s.cfg.IdempotencyTTL); err != nil {
		log.Warn().Err(err).Msg("mark idempotency key failed")
	}
	release()

	if res.Replayed {
		log.Info().Msg("operation already applied")
		return res, nil
	}
	log.Info().Int("stock_before", res.StockBefore).Int("stock_after", res.StockAfter).Msg("stock updated")

	if staged != nil {
		s.outbox.Dispatch(ctx, *staged)
	}
	return res, nil
}

// applyOnce reads the stock row and applies the change in one transaction
// together with its operation record, audit row and outbox message.
func (s *StockService) applyOnce(ctx context.Context, res Result, ch ledgerChange) (Result, *domain.OutboxMessage, error) {
	repos := s.store.Repositories()
	stock, err := repos.Stock.GetStock(ctx, ch.skuID)
	if err != nil {
		return res, nil, err
	}
	res.StockBefore = stock.AvailableStock
	res.StockAfter = stock.AvailableStock

	if ch.opType == domain.OperationDeduct && stock.AvailableStock < ch.quantity {
		// a lost idempotency key must not turn an applied deduction into a rejection
		if done, err := s.HasApplied(ctx, ch.businessID, ch.opType); err == nil && done {
			return s.replay(ctx, res, ch)
		}
		return res, nil, domain.ErrInsufficientStock
	}

	now := s.now()
	after := stock.AvailableStock + ch.delta()
	replayed := false
	var staged domain.OutboxMessage

	err = s.store.RunInTx(ctx, func(tx port.Repositories) error {
		inserted, err := tx.Operations.RecordOperation(ctx, domain.StockOperation{
			BusinessID:  ch.businessID,
			Type:        ch.opType,
			SkuID:       ch.skuID,
			Quantity:    ch.quantity,
			StockBefore: stock.AvailableStock,
			StockAfter:  after,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			replayed = true
			return nil
		}

		if err := tx.Stock.ApplyDelta(ctx, ch.skuID, ch.delta(), stock.Version); err != nil {
			return err
		}
		if err := tx.Audit.AppendLog(ctx, s.logEntry(ch, stock.AvailableStock, after, domain.OperationSucceeded, "")); err != nil {
			return err
		}
		staged, err = s.outbox.Stage(ctx, tx.Outbox, s.event(ch, stock.AvailableStock, after, now))
		return err
	})
	if err != nil {
		return res, nil, err
	}
	if replayed {
		return s.replay(ctx, res, ch)
	}

	res.Outcome = OutcomeSuccess
	res.StockAfter = after
	res.MessageID = staged.MessageID
	return res, &staged, nil
}

// replay reports an operation that was applied earlier, using the snapshot
// recorded with it when the ledger still has it.
func (s *StockService) replay(ctx context.Context, res Result, ch ledgerChange) (Result, *domain.OutboxMessage, error) {
	res.Outcome = OutcomeSuccess
	res.Replayed = true

	rec, err := s.store.Repositories().Operations.GetOperation(ctx, ch.businessID, ch.opType)
	if err != nil {
		return res, nil, err
	}
	if rec != nil {
		res.StockBefore = rec.StockBefore
		res.StockAfter = rec.StockAfter
		return res, nil, nil
	}
	if stock, err := s.store.Repositories().Stock.GetStock(ctx, ch.skuID); err == nil {
		res.StockBefore = stock.AvailableStock
		res.StockAfter = stock.AvailableStock
	}
	return res, nil, nil
}

func (s *StockService) fail(res Result, err error) (Result, error) {
	res.Outcome = OutcomeOf(err)
	return res, fmt.Errorf("%s stock %d: %w", res.BusinessID, res.SkuID, err)
}

func auditable(err error) bool {
	return errors.Is(err, domain.ErrInsufficientStock) ||
		errors.Is(err, domain.ErrOptimisticConflict) ||
		errors.Is(err, domain.ErrDataIntegrity)
}

func (s *StockService) auditFailure(ctx context.Context, res Result, ch ledgerChange, cause error) {
	entry := s.logEntry(ch, res.StockBefore, res.StockBefore, domain.OperationFailed, cause.Error())
	if err := s.store.Repositories().Audit.AppendLog(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("business_id", ch.businessID).Msg("write audit row failed")
	}
}

func (s *StockService) logEntry(ch ledgerChange, before, after int, status domain.OperationStatus, errMsg string) domain.StockOperationLog {
	return domain.StockOperationLog{
		BusinessID:         ch.businessID,
		SkuID:              ch.skuID,
		Type:               ch.opType,
		Quantity:           ch.quantity,
		StockBefore:        before,
		StockAfter:         after,
		Status:             status,
		CompensationReason: string(ch.reason),
		ErrorMessage:       errMsg,
		TraceID:            ch.traceID,
		CreatedAt:          s.now(),
	}
}

func (s *StockService) event(ch ledgerChange, before, after int, now time.Time) domain.Event {
	if ch.opType == domain.OperationDeduct {
		return domain.Event{
			Type:        domain.MessageStockDeducted,
			TargetQueue: domain.QueueStockDeducted,
			BusinessKey: ch.businessID + "/" + string(ch.opType),
			TraceID:     ch.traceID,
			Payload: domain.StockDeductedEvent{
				BusinessID:  ch.businessID,
				SkuID:       ch.skuID,
				Quantity:    ch.quantity,
				StockBefore: before,
				StockAfter:  after,
				TraceID:     ch.traceID,
				Timestamp:   now.UnixMilli(),
			},
		}
	}
	return domain.Event{
		Type:        domain.MessageStockCompensated,
		TargetQueue: domain.QueueStockCompensated,
		BusinessKey: ch.businessID + "/" + string(ch.opType),
		TraceID:     ch.traceID,
		Payload: domain.StockCompensatedEvent{
			BusinessID:         ch.businessID,
			SkuID:              ch.skuID,
			Quantity:           ch.quantity,
			StockBefore:        before,
			StockAfter:         after,
			CompensationReason: string(ch.reason),
			TraceID:            ch.traceID,
			Timestamp:          now.UnixMilli(),
		},
	}
}
