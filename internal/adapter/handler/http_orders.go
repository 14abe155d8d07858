package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/rl1809/stock-saga/internal/core/domain"
	"github.com/rl1809/stock-saga/internal/core/service"
)

type SubmitOrderRequest struct {
	OrderID  string          `json:"order_id,omitempty"`
	UserID   string          `json:"user_id"`
	SkuID    int64           `json:"sku_id"`
	Quantity int             `json:"quantity"`
	Amount   decimal.Decimal `json:"amount"`
}

type ReturnOrderRequest struct {
	Quantity int `json:"quantity"`
}

type OrderResponse struct {
	Success          bool      `json:"success"`
	Code             string    `json:"code"`
	Message          string    `json:"message"`
	OrderID          string    `json:"order_id"`
	UserID           string    `json:"user_id"`
	SkuID            int64     `json:"sku_id"`
	Quantity         int       `json:"quantity"`
	Amount           string    `json:"amount"`
	Status           string    `json:"status"`
	PaymentAttempts  int       `json:"payment_attempts"`
	ReturnedQuantity int       `json:"returned_quantity,omitempty"`
	Refund           string    `json:"refund,omitempty"`
	TraceID          string    `json:"trace_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type OutboxFailRequest struct {
	Error string `json:"error"`
}

type OutboxResponse struct {
	MessageID     string `json:"message_id"`
	Status        string `json:"status"`
	DeliveryCount int    `json:"delivery_count"`
	TraceID       string `json:"trace_id"`
}

func (h *HTTPHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.saga.Submit(r.Context(), service.SubmitCommand{
		OrderID:  req.OrderID,
		UserID:   req.UserID,
		SkuID:    req.SkuID,
		Quantity: req.Quantity,
		Amount:   req.Amount,
		TraceID:  traceIDFrom(r.Context()),
	})
	h.writeOrder(w, r, http.StatusCreated, order, err)
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.saga.Get(r.Context(), chi.URLParam(r, "id"))
	h.writeOrder(w, r, http.StatusOK, order, err)
}

func (h *HTTPHandler) PayOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.saga.Pay(r.Context(), chi.URLParam(r, "id"), traceIDFrom(r.Context()))
	h.writeOrder(w, r, http.StatusOK, order, err)
}

func (h *HTTPHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.saga.Cancel(r.Context(), chi.URLParam(r, "id"), traceIDFrom(r.Context()))
	h.writeOrder(w, r, http.StatusOK, order, err)
}

func (h *HTTPHandler) ShipOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.saga.MarkShipped(r.Context(), chi.URLParam(r, "id"), traceIDFrom(r.Context()))
	h.writeOrder(w, r, http.StatusOK, order, err)
}

func (h *HTTPHandler) DeliverOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.saga.MarkDelivered(r.Context(), chi.URLParam(r, "id"), traceIDFrom(r.Context()))
	h.writeOrder(w, r, http.StatusOK, order, err)
}

func (h *HTTPHandler) ReturnOrder(w http.ResponseWriter, r *http.Request) {
	var req ReturnOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, refund, err := h.saga.Return(r.Context(), chi.URLParam(r, "id"), req.Quantity, traceIDFrom(r.Context()))
	if err != nil {
		h.writeOrder(w, r, http.StatusOK, order, err)
		return
	}
	resp := orderResponse(order, traceIDFrom(r.Context()))
	resp.Refund = refund.StringFixed(2)
	writeJSON(w, http.StatusOK, resp)
}

// writeOrder reports order, or maps err onto a status code. Some failures
// still carry the order, e.g. a declined payment.
func (h *HTTPHandler) writeOrder(w http.ResponseWriter, r *http.Request, okStatus int, order *domain.Order, err error) {
	if err == nil {
		writeJSON(w, okStatus, orderResponse(order, traceIDFrom(r.Context())))
		return
	}

	var status int
	var code, message string
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		status, code, message = http.StatusNotFound, "ORDER_NOT_FOUND", "order not found"
	case errors.Is(err, domain.ErrInvalidTransition):
		status, code, message = http.StatusConflict, "INVALID_TRANSITION", "order cannot move to the requested status"
	case errors.Is(err, domain.ErrInvalidQuantity), errors.Is(err, domain.ErrInvalidOrder):
		status, code, message = http.StatusBadRequest, "INVALID_REQUEST", "invalid order request"
	case errors.Is(err, domain.ErrPaymentFailed):
		status, code, message = http.StatusPaymentRequired, "PAYMENT_FAILED", "payment declined"
	case errors.Is(err, domain.ErrInsufficientStock):
		status, code, message = http.StatusGone, string(service.OutcomeInsufficientStock), "sold out"
	case errors.Is(err, domain.ErrStockNotFound):
		status, code, message = http.StatusNotFound, string(service.OutcomeNotFound), "stock not found"
	case errors.Is(err, domain.ErrLockContended):
		status, code, message = http.StatusServiceUnavailable, string(service.OutcomeLockContended), "order busy, retry later"
	case errors.Is(err, domain.ErrOptimisticConflict):
		status, code, message = http.StatusConflict, string(service.OutcomeOptimisticConflict), "concurrent update, retry later"
	default:
		h.internalError(w, r, err)
		return
	}

	if order == nil {
		h.writeError(w, r, status, code, message)
		return
	}
	resp := orderResponse(order, traceIDFrom(r.Context()))
	resp.Success, resp.Code, resp.Message = false, code, message
	writeJSON(w, status, resp)
}

func orderResponse(order *domain.Order, traceID string) OrderResponse {
	return OrderResponse{
		Success:          true,
		Code:             string(service.OutcomeSuccess),
		Message:          "ok",
		OrderID:          order.OrderID,
		UserID:           order.UserID,
		SkuID:            order.SkuID,
		Quantity:         order.Quantity,
		Amount:           order.Amount.StringFixed(2),
		Status:           string(order.Status),
		PaymentAttempts:  order.PaymentAttempts,
		ReturnedQuantity: order.ReturnedQuantity,
		TraceID:          traceID,
		CreatedAt:        order.CreatedAt,
		UpdatedAt:        order.UpdatedAt,
	}
}

// MarkSent records a broker acknowledgement reported by an external relay.
func (h *HTTPHandler) MarkSent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.outbox.MarkSent(r.Context(), id); err != nil {
		h.writeOutboxError(w, r, err)
		return
	}
	h.writeOutbox(w, r, id)
}

// MarkConfirmed records that a downstream consumer processed the message.
func (h *HTTPHandler) MarkConfirmed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.outbox.MarkConfirmed(r.Context(), id); err != nil {
		h.writeOutboxError(w, r, err)
		return
	}
	h.writeOutbox(w, r, id)
}

func (h *HTTPHandler) MarkFailed(w http.ResponseWriter, r *http.Request) {
	var req OutboxFailRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Error == "" {
		req.Error = "reported by consumer"
	}

	msg, err := h.outbox.MarkFailedAndRetry(r.Context(), chi.URLParam(r, "id"), req.Error)
	if err != nil {
		h.writeOutboxError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OutboxResponse{
		MessageID:     msg.MessageID,
		Status:        string(msg.Status),
		DeliveryCount: msg.DeliveryCount,
		TraceID:       traceIDFrom(r.Context()),
	})
}

func (h *HTTPHandler) writeOutbox(w http.ResponseWriter, r *http.Request, id string) {
	msg, err := h.outbox.Get(r.Context(), id)
	if err != nil {
		h.writeOutboxError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OutboxResponse{
		MessageID:     msg.MessageID,
		Status:        string(msg.Status),
		DeliveryCount: msg.DeliveryCount,
		TraceID:       traceIDFrom(r.Context()),
	})
}

func (h *HTTPHandler) writeOutboxError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, domain.ErrMessageNotFound) {
		h.writeError(w, r, http.StatusNotFound, "MESSAGE_NOT_FOUND", "outbox message not found")
		return
	}
	h.internalError(w, r, err)
}
