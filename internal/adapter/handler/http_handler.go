package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rl1809/stock-saga/internal/core/domain"
	"github.com/rl1809/stock-saga/internal/core/service"
)

const traceHeader = "X-Trace-Id"

type traceKey struct{}

type HTTPHandler struct {
	stock  *service.StockService
	saga   *service.OrderSaga
	outbox *service.OutboxPublisher
	logger zerolog.Logger
}

type StockHTTPRequest struct {
	SkuID      int64  `json:"sku_id"`
	Quantity   int    `json:"quantity"`
	BusinessID string `json:"business_id"`
	Reason     string `json:"reason,omitempty"`
}

type StockHTTPResponse struct {
	Success     bool   `json:"success"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	SkuID       int64  `json:"sku_id,omitempty"`
	BusinessID  string `json:"business_id,omitempty"`
	Replayed    bool   `json:"replayed,omitempty"`
	StockBefore int    `json:"stock_before"`
	StockAfter  int    `json:"stock_after"`
	TraceID     string `json:"trace_id"`
}

type StockLevelResponse struct {
	SkuID          int64 `json:"sku_id"`
	TotalStock     int   `json:"total_stock"`
	AvailableStock int   `json:"available_stock"`
	LockedStock    int   `json:"locked_stock"`
	Version        int64 `json:"version"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id"`
}

func NewHTTPHandler(stock *service.StockService, saga *service.OrderSaga, outbox *service.OutboxPublisher, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{stock: stock, saga: saga, outbox: outbox, logger: logger}
}

func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withTraceID)

	r.Get("/health", h.HealthCheck)
	r.Route("/api", func(r chi.Router) {
		r.Post("/stock/deduct", h.Deduct)
		r.Post("/stock/compensate", h.Compensate)
		r.Get("/stock/{skuID}", h.GetStock)

		r.Post("/orders", h.SubmitOrder)
		r.Get("/orders/{id}", h.GetOrder)
		r.Post("/orders/{id}/pay", h.PayOrder)
		r.Post("/orders/{id}/cancel", h.CancelOrder)
		r.Post("/orders/{id}/return", h.ReturnOrder)
		r.Post("/orders/{id}/ship", h.ShipOrder)
		r.Post("/orders/{id}/deliver", h.DeliverOrder)

		r.Post("/outbox/{id}/sent", h.MarkSent)
		r.Post("/outbox/{id}/confirm", h.MarkConfirmed)
		r.Post("/outbox/{id}/fail", h.MarkFailed)
	})
	return r
}

// withTraceID takes the caller's trace id or issues one, and echoes it back.
func withTraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(traceHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set(traceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), traceKey{}, traceID)))
	})
}

func traceIDFrom(ctx context.Context) string {
	traceID, _ := ctx.Value(traceKey{}).(string)
	return traceID
}

func (h *HTTPHandler) Deduct(w http.ResponseWriter, r *http.Request) {
	var req StockHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	traceID := traceIDFrom(r.Context())
	res, err := h.stock.Deduct(r.Context(), service.DeductCommand{
		SkuID:      req.SkuID,
		Quantity:   req.Quantity,
		BusinessID: req.BusinessID,
		TraceID:    traceID,
	})
	h.writeStockResult(w, r, res, err)
}

func (h *HTTPHandler) Compensate(w http.ResponseWriter, r *http.Request) {
	var req StockHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	reason := domain.CompensationReason(req.Reason)
	if reason == "" {
		reason = domain.ReasonSystemException
	}
	res, err := h.stock.Compensate(r.Context(), service.CompensateCommand{
		SkuID:      req.SkuID,
		Quantity:   req.Quantity,
		BusinessID: req.BusinessID,
		Reason:     reason,
		TraceID:    traceIDFrom(r.Context()),
	})
	h.writeStockResult(w, r, res, err)
}

func (h *HTTPHandler) GetStock(w http.ResponseWriter, r *http.Request) {
	skuID, err := strconv.ParseInt(chi.URLParam(r, "skuID"), 10, 64)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "invalid sku id")
		return
	}

	stock, err := h.stock.GetStock(r.Context(), skuID)
	if err != nil {
		if errors.Is(err, domain.ErrStockNotFound) {
			h.writeError(w, r, http.StatusNotFound, string(service.OutcomeNotFound), "stock not found")
			return
		}
		h.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, StockLevelResponse{
		SkuID:          stock.SkuID,
		TotalStock:     stock.TotalStock,
		AvailableStock: stock.AvailableStock,
		LockedStock:    stock.LockedStock,
		Version:        stock.Version,
	})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeStockResult(w http.ResponseWriter, r *http.Request, res service.Result, err error) {
	traceID := traceIDFrom(r.Context())
	status, message := http.StatusOK, "ok"
	if res.Replayed {
		message = "already applied"
	}

	if err != nil {
		switch res.Outcome {
		case service.OutcomeInsufficientStock:
			status, message = http.StatusGone, "sold out"
		case service.OutcomeLockContended:
			status, message = http.StatusServiceUnavailable, "stock busy, retry later"
		case service.OutcomeOptimisticConflict:
			status, message = http.StatusConflict, "concurrent update, retry later"
		case service.OutcomeNotFound:
			status, message = http.StatusNotFound, "stock not found"
		default:
			status, message = http.StatusInternalServerError, "internal error"
			if errors.Is(err, domain.ErrInvalidQuantity) || errors.Is(err, domain.ErrMissingBusinessID) {
				status, message = http.StatusBadRequest, "quantity and business_id are required"
			} else {
				h.logger.Error().Err(err).Str("trace_id", traceID).Msg("stock operation failed")
			}
		}
	}

	writeJSON(w, status, StockHTTPResponse{
		Success:     err == nil,
		Code:        string(res.Outcome),
		Message:     message,
		SkuID:       res.SkuID,
		BusinessID:  res.BusinessID,
		Replayed:    res.Replayed,
		StockBefore: res.StockBefore,
		StockAfter:  res.StockAfter,
		TraceID:     traceID,
	})
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return false
	}
	return true
}

func (h *HTTPHandler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	traceID := traceIDFrom(r.Context())
	h.logger.Error().Err(err).Str("trace_id", traceID).Str("path", r.URL.Path).Msg("request failed")
	h.writeError(w, r, http.StatusInternalServerError, string(service.OutcomeError), "internal error")
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Success: false,
		Code:    code,
		Message: message,
		TraceID: traceIDFrom(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
