package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/order-store/internal/order"
	"github.com/rs/zerolog"
)

// MemoryStorage keeps orders in process. It mirrors the Postgres semantics
// and backs tests and dry runs.
type MemoryStorage struct {
	mu sync.RWMutex

	// Orders by ID
	orders map[string]order.Order

	log zerolog.Logger
}

func NewMemory(log zerolog.Logger) *MemoryStorage {
	return &MemoryStorage{
		orders: make(map[string]order.Order),
		log:    log.With().Str("component", "memory_order_storage").Logger(),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

func sortOrders(orders []order.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].Timestamp.Equal(orders[j].Timestamp) {
			return orders[i].Timestamp.Before(orders[j].Timestamp)
		}
		return orders[i].ID < orders[j].ID
	})
}

func (m *MemoryStorage) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.orders[orderID]; ok {
		oo := o
		return &oo, nil
	}
	m.log.Info().Str("order_id", orderID).Msg("no order found")
	return nil, fmt.Errorf("order %s: %w", orderID, order.ErrNotFound)
}

func (m *MemoryStorage) GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matches []order.Order
	for _, o := range m.orders {
		if o.BrokerOrderID == brokerOrderID {
			matches = append(matches, o)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("broker order %s: %w", brokerOrderID, order.ErrNotFound)
	}
	sortOrders(matches)
	return &matches[0], nil
}

func (m *MemoryStorage) GetAllOrders(ctx context.Context) ([]order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]order.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sortOrders(out)
	return out, nil
}

func (m *MemoryStorage) GetOrdersByStatus(ctx context.Context, status order.Status) ([]order.Order, error) {
	status, err := order.ParseStatus(string(status))
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []order.Order{}
	for _, o := range m.orders {
		if o.Status == status {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out, nil
}

func (m *MemoryStorage) GetOpenOrders(ctx context.Context) ([]order.Order, error) {
	return m.GetOrdersByStatus(ctx, order.StatusSubmitted)
}

func (m *MemoryStorage) InsertOrder(ctx context.Context, o order.Order, brokerOrderID string) error {
	if err := o.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("failed to insert order %s: %w", o.ID, order.ErrDuplicateOrder)
	}
	o.BrokerOrderID = brokerOrderID
	// Same precision as a Postgres timestamptz column
	o.Timestamp = o.Timestamp.UTC().Truncate(time.Microsecond)
	m.orders[o.ID] = o
	m.log.Info().Str("order_id", o.ID).Str("broker_order_id", brokerOrderID).Msg("order inserted")
	return nil
}

func (m *MemoryStorage) CancelOrder(ctx context.Context, orderID string) error {
	return m.setStatus(orderID, order.StatusCancelled)
}

func (m *MemoryStorage) UpdateOrder(ctx context.Context, orderID string, status order.Status) error {
	status, err := order.ParseStatus(string(status))
	if err != nil {
		return err
	}
	return m.setStatus(orderID, status)
}

func (m *MemoryStorage) setStatus(orderID string, status order.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		m.log.Warn().Str("order_id", orderID).Str("status", string(status)).Msg("order not found, no rows updated")
		return fmt.Errorf("order %s: %w", orderID, order.ErrNotFound)
	}
	o.Status = status
	m.orders[orderID] = o
	m.log.Info().Str("order_id", orderID).Str("status", string(status)).Msg("order status updated")
	return nil
}
