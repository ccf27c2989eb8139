// Package db
package db

import (
	"context"
	"database/sql"

	"github.com/amirphl/order-store/internal/order"
)

// OrderStorage persists brokerage orders.
//
// Reads return order.ErrNotFound when nothing matches and a wrapped error on failure.
// Status writes return order.ErrNotFound when no row was affected.
type OrderStorage interface {
	GetOrder(ctx context.Context, orderID string) (*order.Order, error)
	GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*order.Order, error)
	GetAllOrders(ctx context.Context) ([]order.Order, error)
	GetOrdersByStatus(ctx context.Context, status order.Status) ([]order.Order, error)
	GetOpenOrders(ctx context.Context) ([]order.Order, error)
	InsertOrder(ctx context.Context, o order.Order, brokerOrderID string) error
	CancelOrder(ctx context.Context, orderID string) error
	UpdateOrder(ctx context.Context, orderID string, status order.Status) error
}

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB
	OrderStorage
}

var (
	_ Storage = (*Default)(nil)
	_ Storage = (*MemoryStorage)(nil)
)
