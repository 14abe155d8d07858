package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "PENDING"
	MessageStatusSent      MessageStatus = "SENT"
	MessageStatusConfirmed MessageStatus = "CONFIRMED"
	MessageStatusFailed    MessageStatus = "FAILED"
)

// Terminal reports whether the scheduler must leave the message alone.
func (s MessageStatus) Terminal() bool {
	return s == MessageStatusConfirmed || s == MessageStatusFailed
}

type MessageType string

const (
	MessageStockDeducted     MessageType = "STOCK_DEDUCTED"
	MessageStockCompensated  MessageType = "STOCK_COMPENSATED"
	MessageOrderPaid         MessageType = "ORDER_PAID"
	MessageOrderCompensation MessageType = "ORDER_COMPENSATION"
)

const (
	QueueStockDeducted     = "stock.deduct.queue"
	QueueStockCompensated  = "stock.compensate.queue"
	QueueOrderPaid         = "order.paid.queue"
	QueueOrderCompensation = "order.compensation.queue"
)

// Event is an outbound fact produced by a business operation, before it has
// been given a message id.
type Event struct {
	Type        MessageType
	TargetQueue string
	// BusinessKey lets callers ask whether an event was already issued for a
	// business operation (e.g. "ORDER_1/ORDER_CANCELLED").
	BusinessKey string
	TraceID     string
	Payload     any
}

// OutboxMessage is a durable outbound message. Fields other than the delivery
// state are fixed once the row is stored.
type OutboxMessage struct {
	MessageID     string
	Type          MessageType
	Payload       json.RawMessage
	Status        MessageStatus
	DeliveryCount int
	MaxRetries    int
	NextRetryTime time.Time
	TargetQueue   string
	TraceID       string
	ErrorMessage  string
	BusinessKey   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewOutboxMessage builds the PENDING message for ev, due immediately.
func NewOutboxMessage(ev Event, maxRetries int, now time.Time) (OutboxMessage, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal %s payload: %w", ev.Type, err)
	}
	return OutboxMessage{
		MessageID:     uuid.NewString(),
		Type:          ev.Type,
		Payload:       payload,
		Status:        MessageStatusPending,
		DeliveryCount: 0,
		MaxRetries:    maxRetries,
		NextRetryTime: now,
		TargetQueue:   ev.TargetQueue,
		TraceID:       ev.TraceID,
		BusinessKey:   ev.BusinessKey,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Envelope is what travels over the broker. Consumers dedupe on MessageID.
type Envelope struct {
	MessageID string          `json:"messageId"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	TraceID   string          `json:"traceId"`
}

func (m OutboxMessage) Envelope() Envelope {
	return Envelope{
		MessageID: m.MessageID,
		Type:      m.Type,
		Payload:   m.Payload,
		TraceID:   m.TraceID,
	}
}

// DeliveryFailed returns m after one more failed delivery attempt. Once the
// retries are used up the message is FAILED and its retry time stays put.
func (m OutboxMessage) DeliveryFailed(errMsg string, now time.Time, initialDelay time.Duration) OutboxMessage {
	if m.Status.Terminal() {
		return m
	}
	m.DeliveryCount++
	m.ErrorMessage = errMsg
	m.UpdatedAt = now
	if m.DeliveryCount >= m.MaxRetries {
		m.Status = MessageStatusFailed
		return m
	}
	m.NextRetryTime = now.Add(RetryDelay(initialDelay, m.DeliveryCount))
	return m
}

const maxBackoffShift = 16

// RetryDelay returns initial * 2^deliveryCount, with the exponent capped.
func RetryDelay(initial time.Duration, deliveryCount int) time.Duration {
	if deliveryCount < 0 {
		deliveryCount = 0
	}
	if deliveryCount > maxBackoffShift {
		deliveryCount = maxBackoffShift
	}
	return initial * time.Duration(1<<uint(deliveryCount))
}

type StockDeductedEvent struct {
	BusinessID  string `json:"businessId"`
	SkuID       int64  `json:"skuId"`
	Quantity    int    `json:"quantity"`
	StockBefore int    `json:"stockBefore"`
	StockAfter  int    `json:"stockAfter"`
	TraceID     string `json:"traceId"`
	Timestamp   int64  `json:"timestamp"`
}

type StockCompensatedEvent struct {
	BusinessID         string `json:"businessId"`
	SkuID              int64  `json:"skuId"`
	Quantity           int    `json:"quantity"`
	StockBefore        int    `json:"stockBefore"`
	StockAfter         int    `json:"stockAfter"`
	CompensationReason string `json:"compensationReason"`
	TraceID            string `json:"traceId"`
	Timestamp          int64  `json:"timestamp"`
}

// OrderCompensationEvent asks the stock side to restore Quantity units.
// CompensationID is the idempotency key used for the ledger operation.
type OrderCompensationEvent struct {
	OrderID            string             `json:"orderId"`
	CompensationID     string             `json:"compensationId"`
	SkuID              int64              `json:"skuId"`
	Quantity           int                `json:"quantity"`
	CompensationReason CompensationReason `json:"compensationReason"`
	TraceID            string             `json:"traceId"`
	Timestamp          int64              `json:"timestamp"`
}

type OrderPaidEvent struct {
	OrderID   string `json:"orderId"`
	SkuID     int64  `json:"skuId"`
	Quantity  int    `json:"quantity"`
	Amount    string `json:"amount"`
	TraceID   string `json:"traceId"`
	Timestamp int64  `json:"timestamp"`
}
