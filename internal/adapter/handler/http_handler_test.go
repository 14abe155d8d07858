package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-saga/internal/adapter/broker"
	"github.com/rl1809/stock-saga/internal/adapter/payment"
	"github.com/rl1809/stock-saga/internal/adapter/storage"
	"github.com/rl1809/stock-saga/internal/core/domain"
	"github.com/rl1809/stock-saga/internal/core/service"
)

type testServer struct {
	store  *storage.MemoryAdapter
	outbox *service.OutboxPublisher
	router http.Handler
}

func newTestServer(t *testing.T, failureRate float64) *testServer {
	t.Helper()
	logger := zerolog.Nop()
	store := storage.NewMemoryAdapter()
	guard := storage.NewLocalGuard()

	outbox := service.NewOutboxPublisher(store, broker.NewMemory(), service.DefaultOutboxConfig(), logger)
	stock := service.NewStockService(store, guard, outbox, service.DefaultStockConfig(), logger)
	saga := service.NewOrderSaga(store, stock, outbox, payment.NewSimulated(failureRate, logger), guard, service.DefaultSagaConfig(), logger)

	require.NoError(t, store.SeedStock(context.Background(), domain.Stock{SkuID: 1001, TotalStock: 100, AvailableStock: 100}))
	return &testServer{
		store:  store,
		outbox: outbox,
		router: NewHTTPHandler(stock, saga, outbox, logger).Routes(),
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(traceHeader, "trace-test")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestHTTP_DeductAndReplay(t *testing.T) {
	srv := newTestServer(t, 0)
	body := StockHTTPRequest{SkuID: 1001, Quantity: 10, BusinessID: "A"}

	var first StockHTTPResponse
	rec := srv.do(t, http.MethodPost, "/api/stock/deduct", body, &first)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "trace-test", rec.Header().Get(traceHeader))
	assert.True(t, first.Success)
	assert.Equal(t, "SUCCESS", first.Code)
	assert.Equal(t, 100, first.StockBefore)
	assert.Equal(t, 90, first.StockAfter)
	assert.Equal(t, "trace-test", first.TraceID)

	var second StockHTTPResponse
	rec = srv.do(t, http.MethodPost, "/api/stock/deduct", body, &second)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, second.Replayed)
	assert.Equal(t, 90, second.StockAfter)

	var level StockLevelResponse
	rec = srv.do(t, http.MethodGet, "/api/stock/1001", nil, &level)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 90, level.AvailableStock)
	assert.Equal(t, 100, level.TotalStock)
}

func TestHTTP_DeductOutcomes(t *testing.T) {
	srv := newTestServer(t, 0)

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"sold out", StockHTTPRequest{SkuID: 1001, Quantity: 101, BusinessID: "B"}, http.StatusGone, "INSUFFICIENT_STOCK"},
		{"unknown sku", StockHTTPRequest{SkuID: 4040, Quantity: 1, BusinessID: "C"}, http.StatusNotFound, "NOT_FOUND"},
		{"zero quantity", StockHTTPRequest{SkuID: 1001, Quantity: 0, BusinessID: "D"}, http.StatusBadRequest, "ERROR"},
		{"missing business id", StockHTTPRequest{SkuID: 1001, Quantity: 1}, http.StatusBadRequest, "ERROR"},
		{"malformed body", "not an object", http.StatusBadRequest, "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp StockHTTPResponse
			rec := srv.do(t, http.MethodPost, "/api/stock/deduct", tt.body, &resp)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.NotContains(t, resp.Message, "stock 1001")
		})
	}
}

func TestHTTP_CompensateAboveTotalIsNotEchoed(t *testing.T) {
	srv := newTestServer(t, 0)

	var resp StockHTTPResponse
	rec := srv.do(t, http.MethodPost, "/api/stock/compensate",
		StockHTTPRequest{SkuID: 1001, Quantity: 1, BusinessID: "X", Reason: "ORDER_CANCELLED"}, &resp)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "ERROR", resp.Code)
	assert.Equal(t, "internal error", resp.Message)
}

func TestHTTP_GetStockNotFound(t *testing.T) {
	srv := newTestServer(t, 0)

	var resp ErrorResponse
	rec := srv.do(t, http.MethodGet, "/api/stock/4040", nil, &resp)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", resp.Code)

	rec = srv.do(t, http.MethodGet, "/api/stock/abc", nil, &resp)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTP_OrderLifecycle(t *testing.T) {
	srv := newTestServer(t, 0)

	var order OrderResponse
	rec := srv.do(t, http.MethodPost, "/api/orders", map[string]any{
		"user_id": "u-1", "sku_id": 1001, "quantity": 3, "amount": "30.00",
	}, &order)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "STOCK_DEDUCTED", order.Status)
	assert.Equal(t, "30.00", order.Amount)
	id := order.OrderID

	for _, step := range []struct{ path, status string }{
		{"/pay", "PAID"},
		{"/ship", "SHIPPED"},
		{"/deliver", "DELIVERED"},
	} {
		rec = srv.do(t, http.MethodPost, "/api/orders/"+id+step.path, nil, &order)
		require.Equal(t, http.StatusOK, rec.Code, step.path)
		assert.Equal(t, step.status, order.Status)
	}

	rec = srv.do(t, http.MethodPost, "/api/orders/"+id+"/return", ReturnOrderRequest{Quantity: 1}, &order)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RETURNED", order.Status)
	assert.Equal(t, "10.00", order.Refund)

	rec = srv.do(t, http.MethodGet, "/api/orders/"+id, nil, &order)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, order.ReturnedQuantity)

	var errResp OrderResponse
	rec = srv.do(t, http.MethodPost, "/api/orders/"+id+"/cancel", nil, &errResp)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", errResp.Code)
	assert.Equal(t, "RETURNED", errResp.Status)
}

func TestHTTP_PaymentDeclined(t *testing.T) {
	srv := newTestServer(t, 1)

	var order OrderResponse
	rec := srv.do(t, http.MethodPost, "/api/orders", map[string]any{
		"order_id": "ORDER_HTTP", "user_id": "u-1", "sku_id": 1001, "quantity": 2, "amount": 20,
	}, &order)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/orders/ORDER_HTTP/pay", nil, &order)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "PAYMENT_FAILED", order.Code)
	assert.Equal(t, "PAYMENT_FAILED", order.Status)
	assert.Equal(t, 1, order.PaymentAttempts)
}

func TestHTTP_OrderErrors(t *testing.T) {
	srv := newTestServer(t, 0)

	var resp ErrorResponse
	rec := srv.do(t, http.MethodGet, "/api/orders/ORDER_NONE", nil, &resp)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ORDER_NOT_FOUND", resp.Code)

	rec = srv.do(t, http.MethodPost, "/api/orders", map[string]any{"sku_id": 1001, "quantity": 1}, &resp)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", resp.Code)

	var order OrderResponse
	rec = srv.do(t, http.MethodPost, "/api/orders", map[string]any{
		"user_id": "u-1", "sku_id": 1001, "quantity": 500, "amount": "1",
	}, &order)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "CANCELLED", order.Status)
}

func TestHTTP_OutboxDeliveryState(t *testing.T) {
	srv := newTestServer(t, 0)
	ctx := context.Background()

	msg, err := srv.outbox.Publish(ctx, domain.Event{
		Type:        domain.MessageStockDeducted,
		TargetQueue: domain.QueueStockDeducted,
		Payload:     domain.StockDeductedEvent{BusinessID: "M", SkuID: 1001, Quantity: 1},
	})
	require.NoError(t, err)

	var resp OutboxResponse
	rec := srv.do(t, http.MethodPost, "/api/outbox/"+msg.MessageID+"/fail", OutboxFailRequest{Error: "consumer crashed"}, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SENT", resp.Status)
	assert.Equal(t, 2, resp.DeliveryCount)

	rec = srv.do(t, http.MethodPost, "/api/outbox/"+msg.MessageID+"/confirm", nil, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CONFIRMED", resp.Status)

	var errResp ErrorResponse
	rec = srv.do(t, http.MethodPost, "/api/outbox/missing/confirm", nil, &errResp)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "MESSAGE_NOT_FOUND", errResp.Code)
}

func TestHTTP_HealthCheckIssuesTraceID(t *testing.T) {
	srv := newTestServer(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(traceHeader))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
