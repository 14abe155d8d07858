package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rl1809/stock-saga/internal/core/domain"
)

func (r *mysqlRepo) CreateOrder(ctx context.Context, order domain.Order) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO orders (order_id, user_id, sku_id, quantity, amount, status, payment_attempts,
			returned_quantity, trace_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.OrderID, order.UserID, order.SkuID, order.Quantity, order.Amount, order.Status,
		order.PaymentAttempts, order.ReturnedQuantity, nullString(order.TraceID), order.CreatedAt, order.UpdatedAt,
	)
	if isDuplicate(err) {
		return domain.ErrOrderExists
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *mysqlRepo) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var o domain.Order
	err := r.q.QueryRowContext(ctx, `
		SELECT order_id, user_id, sku_id, quantity, amount, status, payment_attempts, returned_quantity,
			COALESCE(trace_id, ''), created_at, updated_at
		FROM orders WHERE order_id = ?`, orderID,
	).Scan(&o.OrderID, &o.UserID, &o.SkuID, &o.Quantity, &o.Amount, &o.Status, &o.PaymentAttempts,
		&o.ReturnedQuantity, &o.TraceID, &o.CreatedAt, &o.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

func (r *mysqlRepo) UpdateOrder(ctx context.Context, order domain.Order, from domain.OrderStatus) error {
	result, err := r.q.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, payment_attempts = ?, returned_quantity = ?, updated_at = ?
		WHERE order_id = ? AND status = ?`,
		order.Status, order.PaymentAttempts, order.ReturnedQuantity, order.UpdatedAt,
		order.OrderID, from,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if rows > 0 {
		return nil
	}
	if _, err := r.GetOrder(ctx, order.OrderID); err != nil {
		return err
	}
	return fmt.Errorf("order %s is no longer %s: %w", order.OrderID, from, domain.ErrInvalidTransition)
}
