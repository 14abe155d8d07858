package domain

import "time"

type OperationType string

const (
	OperationDeduct     OperationType = "DEDUCT"
	OperationCompensate OperationType = "COMPENSATE"
)

// StockOperation is the idempotency record of an applied ledger mutation.
// (BusinessID, Type) is unique; the row is written in the same transaction
// as the stock update it describes.
type StockOperation struct {
	BusinessID  string
	Type        OperationType
	SkuID       int64
	Quantity    int
	StockBefore int
	StockAfter  int
	CreatedAt   time.Time
}

type OperationStatus string

const (
	OperationSucceeded OperationStatus = "SUCCESS"
	OperationFailed    OperationStatus = "FAILED"
)

// StockOperationLog is an append-only audit row written for every deduction
// or compensation attempt. It is never read for control flow.
type StockOperationLog struct {
	ID                 int64
	BusinessID         string
	SkuID              int64
	Type               OperationType
	Quantity           int
	StockBefore        int
	StockAfter         int
	Status             OperationStatus
	CompensationReason string
	ErrorMessage       string
	TraceID            string
	CreatedAt          time.Time
}
