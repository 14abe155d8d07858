package handler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stock-saga/internal/core/domain"
	"github.com/rl1809/stock-saga/internal/core/service"
)

// JSONCodecName is the content subtype clients select with
// grpc.CallContentSubtype to talk to StockService.
const JSONCodecName = "json"

const traceMetadataKey = "x-trace-id"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

type DeductRequest struct {
	SkuID      int64  `json:"skuId"`
	Quantity   int    `json:"quantity"`
	BusinessID string `json:"businessId"`
	TraceID    string `json:"traceId,omitempty"`
}

type CompensateRequest struct {
	SkuID              int64  `json:"skuId"`
	Quantity           int    `json:"quantity"`
	BusinessID         string `json:"businessId"`
	CompensationReason string `json:"compensationReason,omitempty"`
	TraceID            string `json:"traceId,omitempty"`
}

type GetStockRequest struct {
	SkuID int64 `json:"skuId"`
}

type StockReply struct {
	Success        bool   `json:"success"`
	Code           string `json:"code"`
	Message        string `json:"message"`
	SkuID          int64  `json:"skuId"`
	BusinessID     string `json:"businessId,omitempty"`
	Replayed       bool   `json:"replayed,omitempty"`
	StockBefore    int    `json:"stockBefore"`
	StockAfter     int    `json:"stockAfter"`
	AvailableStock *int   `json:"availableStock,omitempty"`
	TotalStock     int    `json:"totalStock,omitempty"`
	TraceID        string `json:"traceId"`
}

type StockServiceServer interface {
	Deduct(context.Context, *DeductRequest) (*StockReply, error)
	Compensate(context.Context, *CompensateRequest) (*StockReply, error)
	GetStock(context.Context, *GetStockRequest) (*StockReply, error)
}

type GRPCHandler struct {
	stock  *service.StockService
	logger zerolog.Logger
}

var _ StockServiceServer = (*GRPCHandler)(nil)

func NewGRPCHandler(stock *service.StockService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{stock: stock, logger: logger}
}

// Register exposes h as stocksaga.v1.StockService on s.
func (h *GRPCHandler) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&stockServiceDesc, h)
}

func (h *GRPCHandler) Deduct(ctx context.Context, req *DeductRequest) (*StockReply, error) {
	traceID := grpcTraceID(ctx, req.TraceID)
	res, err := h.stock.Deduct(ctx, service.DeductCommand{
		SkuID:      req.SkuID,
		Quantity:   req.Quantity,
		BusinessID: req.BusinessID,
		TraceID:    traceID,
	})
	return h.reply(res, err, traceID), nil
}

func (h *GRPCHandler) Compensate(ctx context.Context, req *CompensateRequest) (*StockReply, error) {
	traceID := grpcTraceID(ctx, req.TraceID)
	reason := domain.CompensationReason(req.CompensationReason)
	if reason == "" {
		reason = domain.ReasonSystemException
	}
	res, err := h.stock.Compensate(ctx, service.CompensateCommand{
		SkuID:      req.SkuID,
		Quantity:   req.Quantity,
		BusinessID: req.BusinessID,
		Reason:     reason,
		TraceID:    traceID,
	})
	return h.reply(res, err, traceID), nil
}

func (h *GRPCHandler) GetStock(ctx context.Context, req *GetStockRequest) (*StockReply, error) {
	stock, err := h.stock.GetStock(ctx, req.SkuID)
	if errors.Is(err, domain.ErrStockNotFound) {
		return nil, status.Errorf(codes.NotFound, "stock %d not found", req.SkuID)
	}
	if err != nil {
		h.logger.Error().Err(err).Int64("sku_id", req.SkuID).Msg("get stock failed")
		return nil, status.Error(codes.Internal, "internal error")
	}
	return &StockReply{
		Success:        true,
		Code:           string(service.OutcomeSuccess),
		Message:        "ok",
		SkuID:          stock.SkuID,
		StockBefore:    stock.AvailableStock,
		StockAfter:     stock.AvailableStock,
		AvailableStock: &stock.AvailableStock,
		TotalStock:     stock.TotalStock,
		TraceID:        grpcTraceID(ctx, ""),
	}, nil
}

// reply reports business outcomes in the message, not as RPC errors.
func (h *GRPCHandler) reply(res service.Result, err error, traceID string) *StockReply {
	message := "ok"
	if res.Replayed {
		message = "already applied"
	}
	if err != nil {
		switch res.Outcome {
		case service.OutcomeInsufficientStock:
			message = "sold out"
		case service.OutcomeLockContended:
			message = "stock busy, retry later"
		case service.OutcomeOptimisticConflict:
			message = "concurrent update, retry later"
		case service.OutcomeNotFound:
			message = "stock not found"
		default:
			message = "internal error"
			h.logger.Error().Err(err).Str("trace_id", traceID).Msg("stock operation failed")
		}
	}
	reply := &StockReply{
		Success:     err == nil,
		Code:        string(res.Outcome),
		Message:     message,
		SkuID:       res.SkuID,
		BusinessID:  res.BusinessID,
		Replayed:    res.Replayed,
		StockBefore: res.StockBefore,
		StockAfter:  res.StockAfter,
		TraceID:     traceID,
	}
	// only these outcomes read the stock row
	if err == nil || res.Outcome == service.OutcomeInsufficientStock {
		available := res.StockAfter
		reply.AvailableStock = &available
	}
	return reply
}

// grpcTraceID prefers the request field, then x-trace-id metadata.
func grpcTraceID(ctx context.Context, fromRequest string) string {
	if fromRequest != "" {
		return fromRequest
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(traceMetadataKey); len(ids) > 0 && ids[0] != "" {
			return ids[0]
		}
	}
	return uuid.NewString()
}

func _StockService_Deduct_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DeductRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StockServiceServer).Deduct(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/stocksaga.v1.StockService/Deduct"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StockServiceServer).Deduct(ctx, req.(*DeductRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _StockService_Compensate_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CompensateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StockServiceServer).Compensate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/stocksaga.v1.StockService/Compensate"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StockServiceServer).Compensate(ctx, req.(*CompensateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _StockService_GetStock_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetStockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StockServiceServer).GetStock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/stocksaga.v1.StockService/GetStock"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StockServiceServer).GetStock(ctx, req.(*GetStockRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var stockServiceDesc = grpc.ServiceDesc{
	ServiceName: "stocksaga.v1.StockService",
	HandlerType: (*StockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deduct", Handler: _StockService_Deduct_Handler},
		{MethodName: "Compensate", Handler: _StockService_Compensate_Handler},
		{MethodName: "GetStock", Handler: _StockService_GetStock_Handler},
	},
	Streams: []grpc.StreamDesc{},
}

// LoggingInterceptor logs every unary call with its duration.
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.Str("method", info.FullMethod).Dur("took", time.Since(start)).Msg("grpc call")
		return resp, err
	}
}
