package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/stock-saga/internal/core/domain"
	"github.com/rl1809/stock-saga/internal/port"
)

const (
	mysqlErrDuplicateEntry  = 1062
	mysqlErrCheckConstraint = 3819
)

//go:embed schema.sql
var schemaSQL string

var (
	_ port.Store            = (*MySQLAdapter)(nil)
	_ port.StockProvisioner = (*MySQLAdapter)(nil)
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// ApplySchema creates the ledger, outbox and order tables if missing.
func ApplySchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) Repositories() port.Repositories {
	return mysqlRepositories(m.db)
}

func (m *MySQLAdapter) RunInTx(ctx context.Context, fn func(repos port.Repositories) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(mysqlRepositories(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) SeedStock(ctx context.Context, stock domain.Stock) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO stock (sku_id, total_stock, available_stock, locked_stock, version)
		VALUES (?, ?, ?, ?, 0)
		ON DUPLICATE KEY UPDATE
			total_stock = VALUES(total_stock),
			available_stock = VALUES(available_stock),
			locked_stock = VALUES(locked_stock),
			version = version + 1`,
		stock.SkuID, stock.TotalStock, stock.AvailableStock, stock.LockedStock,
	)
	if err != nil {
		return fmt.Errorf("seed stock %d: %w", stock.SkuID, classify(err))
	}
	return nil
}

func mysqlRepositories(q querier) port.Repositories {
	r := &mysqlRepo{q: q}
	return port.Repositories{
		Stock:      r,
		Operations: r,
		Audit:      r,
		Outbox:     r,
		Orders:     r,
	}
}

// mysqlRepo implements every repository port against one querier, so the
// same code runs inside and outside a transaction.
type mysqlRepo struct {
	q querier
}

func (r *mysqlRepo) GetStock(ctx context.Context, skuID int64) (*domain.Stock, error) {
	var s domain.Stock
	err := r.q.QueryRowContext(ctx, `
		SELECT sku_id, total_stock, available_stock, locked_stock, version, created_at, updated_at
		FROM stock WHERE sku_id = ?`, skuID,
	).Scan(&s.SkuID, &s.TotalStock, &s.AvailableStock, &s.LockedStock, &s.Version, &s.CreatedAt, &s.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrStockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query stock: %w", err)
	}
	return &s, nil
}

func (r *mysqlRepo) ApplyDelta(ctx context.Context, skuID int64, delta int, expectedVersion int64) error {
	result, err := r.q.ExecContext(ctx, `
		UPDATE stock
		SET available_stock = available_stock + ?, version = version + 1, updated_at = NOW(3)
		WHERE sku_id = ? AND version = ?`,
		delta, skuID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update stock: %w", classify(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}
	if rows == 0 {
		return domain.ErrOptimisticConflict
	}
	return nil
}

func (r *mysqlRepo) RecordOperation(ctx context.Context, op domain.StockOperation) (bool, error) {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO stock_operation (business_id, operation_type, sku_id, quantity, stock_before, stock_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.BusinessID, op.Type, op.SkuID, op.Quantity, op.StockBefore, op.StockAfter, op.CreatedAt,
	)
	if isDuplicate(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert stock operation: %w", err)
	}
	return true, nil
}

func (r *mysqlRepo) GetOperation(ctx context.Context, businessID string, opType domain.OperationType) (*domain.StockOperation, error) {
	var op domain.StockOperation
	err := r.q.QueryRowContext(ctx, `
		SELECT business_id, operation_type, sku_id, quantity, stock_before, stock_after, created_at
		FROM stock_operation WHERE business_id = ? AND operation_type = ?`, businessID, opType,
	).Scan(&op.BusinessID, &op.Type, &op.SkuID, &op.Quantity, &op.StockBefore, &op.StockAfter, &op.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query stock operation: %w", err)
	}
	return &op, nil
}

func (r *mysqlRepo) AppendLog(ctx context.Context, entry domain.StockOperationLog) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO stock_operation_log (business_id, sku_id, operation_type, quantity, stock_before, stock_after,
			status, compensation_reason, error_message, trace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.BusinessID, entry.SkuID, entry.Type, entry.Quantity, entry.StockBefore, entry.StockAfter,
		entry.Status, nullString(entry.CompensationReason), nullString(truncate(entry.ErrorMessage, 512)),
		nullString(entry.TraceID), entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert stock operation log: %w", err)
	}
	return nil
}

// classify maps ledger constraint violations onto domain errors.
func classify(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlErrCheckConstraint {
		return fmt.Errorf("%w: %s", domain.ErrDataIntegrity, myErr.Message)
	}
	return err
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlErrDuplicateEntry
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
