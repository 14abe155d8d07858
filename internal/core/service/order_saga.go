package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-saga/internal/core/domain"
	"github.com/rl1809/stock-saga/internal/port"
)

type SagaConfig struct {
	LockWait  time.Duration
	LockLease time.Duration
}

func DefaultSagaConfig() SagaConfig {
	return SagaConfig{
		LockWait:  3 * time.Second,
		LockLease: 30 * time.Second,
	}
}

type SubmitCommand struct {
	OrderID  string // optional, generated when empty
	UserID   string
	SkuID    int64
	Quantity int
	Amount   decimal.Decimal
	TraceID  string
}

// OrderSaga drives an order from submission through payment and fulfilment.
// Stock given back on failure is restored asynchronously through an
// ORDER_COMPENSATION message.
type OrderSaga struct {
	store    port.Store
	stock    *StockService
	outbox   *OutboxPublisher
	payments port.PaymentGateway
	guard    port.ConcurrencyGuard
	cfg      SagaConfig
	logger   zerolog.Logger
	now      func() time.Time
}

func NewOrderSaga(store port.Store, stock *StockService, outbox *OutboxPublisher, payments port.PaymentGateway, guard port.ConcurrencyGuard, cfg SagaConfig, logger zerolog.Logger) *OrderSaga {
	return &OrderSaga{
		store:    store,
		stock:    stock,
		outbox:   outbox,
		payments: payments,
		guard:    guard,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *OrderSaga) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.store.Repositories().Orders.GetOrder(ctx, orderID)
}

// Submit creates the order and reserves its stock. An order whose deduction
// fails is CANCELLED and the deduction error is returned with it.
func (s *OrderSaga) Submit(ctx context.Context, cmd SubmitCommand) (*domain.Order, error) {
	if cmd.Quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	if cmd.UserID == "" || cmd.Amount.IsNegative() {
		return nil, fmt.Errorf("submit order: user and non-negative amount required: %w", domain.ErrInvalidOrder)
	}

	unlock, err := s.lock(ctx, fmt.Sprintf("order:create:%s:%d", cmd.UserID, cmd.SkuID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	orderID := cmd.OrderID
	if orderID == "" {
		orderID = domain.NewOrderID(now)
	}
	// held until the order leaves PENDING so Cancel cannot run mid-deduction
	unlockOrder, err := s.lock(ctx, "order:"+orderID)
	if err != nil {
		return nil, err
	}
	defer unlockOrder()

	orders := s.store.Repositories().Orders
	if cmd.OrderID != "" {
		existing, err := orders.GetOrder(ctx, cmd.OrderID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, domain.ErrOrderNotFound) {
			return nil, err
		}
	}

	order := domain.Order{
		OrderID:   orderID,
		UserID:    cmd.UserID,
		SkuID:     cmd.SkuID,
		Quantity:  cmd.Quantity,
		Amount:    cmd.Amount,
		Status:    domain.OrderStatusPending,
		TraceID:   cmd.TraceID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := orders.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, domain.ErrOrderExists) {
			return orders.GetOrder(ctx, order.OrderID)
		}
		return nil, err
	}

	log := s.orderLogger(&order, cmd.TraceID)
	_, derr := s.stock.Deduct(ctx, DeductCommand{
		SkuID:      order.SkuID,
		Quantity:   order.Quantity,
		BusinessID: order.OrderID,
		TraceID:    cmd.TraceID,
	})
	if derr != nil {
		if err := s.persist(ctx, orders, &order, domain.OrderStatusCancelled); err != nil {
			log.Error().Err(err).Msg("cancel order after failed deduction")
		}
		log.Info().Err(derr).Msg("order cancelled, stock not reserved")
		return &order, fmt.Errorf("submit order %s: %w", order.OrderID, derr)
	}

	if err := s.persist(ctx, orders, &order, domain.OrderStatusStockDeducted); err != nil {
		log.Error().Err(err).Msg("record deduction failed, giving stock back")
		if cerr := s.releaseDeduction(ctx, order.OrderID, cmd.TraceID); cerr != nil {
			log.Error().Err(cerr).Msg("give back stock of abandoned order")
		}
		return &order, err
	}
	log.Info().Msg("order submitted")
	return &order, nil
}

// Pay charges an order whose stock is reserved. A declined payment moves it
// to PAYMENT_FAILED and stages one compensation for the reserved quantity.
// Paying again from PAYMENT_FAILED reserves the stock again first.
func (s *OrderSaga) Pay(ctx context.Context, orderID, traceID string) (*domain.Order, error) {
	unlock, err := s.lock(ctx, "order:"+orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.CanTransitionTo(domain.OrderStatusPaid) {
		return order, invalidTransition(order, domain.OrderStatusPaid)
	}
	log := s.orderLogger(order, traceID)

	attempt := order.PaymentAttempts
	if order.Status == domain.OrderStatusPaymentFailed {
		_, err := s.stock.Deduct(ctx, DeductCommand{
			SkuID:      order.SkuID,
			Quantity:   order.Quantity,
			BusinessID: order.OrderID + "_PAY" + strconv.Itoa(attempt),
			TraceID:    traceID,
		})
		if err != nil {
			return order, fmt.Errorf("reserve stock for payment retry of %s: %w", order.OrderID, err)
		}
	}

	approved, err := s.payments.ProcessPayment(ctx, order.OrderID, order.Amount)
	if err != nil {
		return order, fmt.Errorf("process payment for %s: %w", order.OrderID, err)
	}
	order.PaymentAttempts = attempt + 1

	if approved {
		msg, err := s.transitionWithEvent(ctx, order, domain.OrderStatusPaid, &domain.Event{
			Type:        domain.MessageOrderPaid,
			TargetQueue: domain.QueueOrderPaid,
			BusinessKey: order.OrderID + "/" + string(domain.MessageOrderPaid),
			TraceID:     traceID,
			Payload: domain.OrderPaidEvent{
				OrderID:   order.OrderID,
				SkuID:     order.SkuID,
				Quantity:  order.Quantity,
				Amount:    order.Amount.StringFixed(2),
				TraceID:   traceID,
				Timestamp: s.now().UnixMilli(),
			},
		})
		if err != nil {
			return order, err
		}
		s.outbox.Dispatch(ctx, *msg)
		log.Info().Msg("order paid")
		return order, nil
	}

	compensationID := fmt.Sprintf("%s_COMP_%s_%d", order.OrderID, domain.ReasonPaymentFailed, attempt)
	msg, err := s.transitionWithEvent(ctx, order, domain.OrderStatusPaymentFailed,
		s.compensationEvent(order, compensationID, order.Quantity, domain.ReasonPaymentFailed, traceID,
			fmt.Sprintf("%s/%s/%d", order.OrderID, domain.ReasonPaymentFailed, attempt)))
	if err != nil {
		return order, err
	}
	s.outbox.Dispatch(ctx, *msg)
	log.Warn().Int("attempt", order.PaymentAttempts).Msg("payment declined, compensation issued")
	return order, fmt.Errorf("pay order %s: %w", order.OrderID, domain.ErrPaymentFailed)
}

// Cancel gives the reserved stock back, at most once per order.
func (s *OrderSaga) Cancel(ctx context.Context, orderID, traceID string) (*domain.Order, error) {
	unlock, err := s.lock(ctx, "order:"+orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.CanTransitionTo(domain.OrderStatusCancelled) {
		return order, invalidTransition(order, domain.OrderStatusCancelled)
	}

	businessKey := order.OrderID + "/" + string(domain.ReasonOrderCancelled)
	issued, err := s.store.Repositories().Outbox.ExistsByBusinessKey(ctx, businessKey)
	if err != nil {
		return order, err
	}

	compensate := !issued
	if compensate && order.Status == domain.OrderStatusPending {
		// a PENDING order only holds stock if submission crashed after deducting
		compensate, err = s.stock.HasApplied(ctx, order.OrderID, domain.OperationDeduct)
		if err != nil {
			return order, err
		}
	}

	var ev *domain.Event
	if compensate {
		ev = s.compensationEvent(order, order.OrderID+"_COMP_"+string(domain.ReasonOrderCancelled),
			order.Quantity, domain.ReasonOrderCancelled, traceID, businessKey)
	}
	msg, err := s.transitionWithEvent(ctx, order, domain.OrderStatusCancelled, ev)
	if err != nil {
		return order, err
	}
	if msg != nil {
		s.outbox.Dispatch(ctx, *msg)
	}
	log := s.orderLogger(order, traceID)
	log.Info().Bool("compensated", compensate).Msg("order cancelled")
	return order, nil
}

// Return restocks returnQty units of a delivered order and reports the
// pro-rata refund.
func (s *OrderSaga) Return(ctx context.Context, orderID string, returnQty int, traceID string) (*domain.Order, decimal.Decimal, error) {
	unlock, err := s.lock(ctx, "order:"+orderID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	defer unlock()

	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if order.Status != domain.OrderStatusDelivered {
		return order, decimal.Zero, invalidTransition(order, domain.OrderStatusReturned)
	}
	if returnQty <= 0 || returnQty > order.Quantity {
		return order, decimal.Zero, fmt.Errorf("return %d of %d units: %w", returnQty, order.Quantity, domain.ErrInvalidQuantity)
	}

	refund := order.Amount.
		Mul(decimal.NewFromInt(int64(returnQty))).
		Div(decimal.NewFromInt(int64(order.Quantity))).
		Round(2)

	order.ReturnedQuantity = returnQty
	businessKey := order.OrderID + "/" + string(domain.ReasonOrderReturned)
	msg, err := s.transitionWithEvent(ctx, order, domain.OrderStatusReturned,
		s.compensationEvent(order, order.OrderID+"_COMP_"+string(domain.ReasonOrderReturned),
			returnQty, domain.ReasonOrderReturned, traceID, businessKey))
	if err != nil {
		return order, decimal.Zero, err
	}
	s.outbox.Dispatch(ctx, *msg)

	log := s.orderLogger(order, traceID)
	log.Info().
		Int("returned", returnQty).
		Str("refund", refund.StringFixed(2)).
		Msg("order returned")
	return order, refund, nil
}

// MarkShipped is called by fulfilment once a PAID order left the warehouse.
func (s *OrderSaga) MarkShipped(ctx context.Context, orderID, traceID string) (*domain.Order, error) {
	return s.advance(ctx, orderID, domain.OrderStatusShipped, traceID)
}

// MarkDelivered is called by fulfilment once a SHIPPED order arrived.
func (s *OrderSaga) MarkDelivered(ctx context.Context, orderID, traceID string) (*domain.Order, error) {
	return s.advance(ctx, orderID, domain.OrderStatusDelivered, traceID)
}

func (s *OrderSaga) advance(ctx context.Context, orderID string, next domain.OrderStatus, traceID string) (*domain.Order, error) {
	unlock, err := s.lock(ctx, "order:"+orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, s.store.Repositories().Orders, order, next); err != nil {
		return order, err
	}
	log := s.orderLogger(order, traceID)
	log.Info().Msg("order advanced")
	return order, nil
}

// releaseDeduction stages the ORDER_CANCELLED compensation for an order
// whose deduction succeeded but which could not be moved to STOCK_DEDUCTED.
// A PENDING order is cancelled in the same transaction. The compensation id
// matches the one Cancel uses, so the stock comes back at most once.
func (s *OrderSaga) releaseDeduction(ctx context.Context, orderID, traceID string) error {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return err
	}
	businessKey := order.OrderID + "/" + string(domain.ReasonOrderCancelled)
	issued, err := s.store.Repositories().Outbox.ExistsByBusinessKey(ctx, businessKey)
	if err != nil || issued {
		return err
	}
	ev := s.compensationEvent(order, order.OrderID+"_COMP_"+string(domain.ReasonOrderCancelled),
		order.Quantity, domain.ReasonOrderCancelled, traceID, businessKey)

	var msg *domain.OutboxMessage
	switch order.Status {
	case domain.OrderStatusPending:
		msg, err = s.transitionWithEvent(ctx, order, domain.OrderStatusCancelled, ev)
	case domain.OrderStatusCancelled:
		var staged domain.OutboxMessage
		staged, err = s.outbox.Stage(ctx, s.store.Repositories().Outbox, *ev)
		msg = &staged
	default:
		// the status write landed after all
		return nil
	}
	if err != nil {
		return err
	}
	s.outbox.Dispatch(ctx, *msg)
	return nil
}

// transitionWithEvent moves order to next and stages ev, if any, in the same
// transaction. order is updated only when the transaction commits.
func (s *OrderSaga) transitionWithEvent(ctx context.Context, order *domain.Order, next domain.OrderStatus, ev *domain.Event) (*domain.OutboxMessage, error) {
	var staged *domain.OutboxMessage
	updated := *order
	err := s.store.RunInTx(ctx, func(tx port.Repositories) error {
		if err := s.persist(ctx, tx.Orders, &updated, next); err != nil {
			return err
		}
		if ev == nil {
			return nil
		}
		msg, err := s.outbox.Stage(ctx, tx.Outbox, *ev)
		if err != nil {
			return err
		}
		staged = &msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	*order = updated
	return staged, nil
}

// persist writes order with status next, conditional on its current status.
// Staying in the same status only updates the counters.
func (s *OrderSaga) persist(ctx context.Context, orders port.OrderRepository, order *domain.Order, next domain.OrderStatus) error {
	from := order.Status
	if next != from && !from.CanTransitionTo(next) {
		return invalidTransition(order, next)
	}
	updated := *order
	updated.Status = next
	updated.UpdatedAt = s.now()
	if err := orders.UpdateOrder(ctx, updated, from); err != nil {
		return err
	}
	*order = updated
	return nil
}

func (s *OrderSaga) compensationEvent(order *domain.Order, compensationID string, qty int, reason domain.CompensationReason, traceID, businessKey string) *domain.Event {
	return &domain.Event{
		Type:        domain.MessageOrderCompensation,
		TargetQueue: domain.QueueOrderCompensation,
		BusinessKey: businessKey,
		TraceID:     traceID,
		Payload: domain.OrderCompensationEvent{
			OrderID:            order.OrderID,
			CompensationID:     compensationID,
			SkuID:              order.SkuID,
			Quantity:           qty,
			CompensationReason: reason,
			TraceID:            traceID,
			Timestamp:          s.now().UnixMilli(),
		},
	}
}

func (s *OrderSaga) lock(ctx context.Context, resource string) (func(), error) {
	lease, err := s.guard.TryLock(ctx, resource, s.cfg.LockWait, s.cfg.LockLease)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", resource, err)
	}
	return func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Str("resource", resource).Msg("release order lock failed")
		}
	}, nil
}

func (s *OrderSaga) orderLogger(order *domain.Order, traceID string) zerolog.Logger {
	return s.logger.With().
		Str("order_id", order.OrderID).
		Str("status", string(order.Status)).
		Int64("sku_id", order.SkuID).
		Str("trace_id", traceID).
		Logger()
}

func invalidTransition(order *domain.Order, next domain.OrderStatus) error {
	return fmt.Errorf("order %s %s -> %s: %w", order.OrderID, order.Status, next, domain.ErrInvalidTransition)
}
