package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/order-store/internal/db/conf"
	"github.com/amirphl/order-store/internal/order"
	"github.com/amirphl/order-store/internal/sqlerr"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

const orderColumns = `id, timestamp, symbol, qty, side, type, limit_price, status, alpaca_order_id`

// Default is the Postgres backed storage.
type Default struct {
	db  *sql.DB
	log zerolog.Logger
}

func New(c conf.Config, log zerolog.Logger) (*Default, error) {
	if c.DB == nil {
		return nil, errors.New("database handle is nil")
	}
	return &Default{db: c.DB, log: log.With().Str("component", "order_storage").Logger()}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanOrder rebuilds an order from a row selected with orderColumns.
func scanOrder(sc rowScanner) (order.Order, error) {
	var (
		o                 order.Order
		side, typ, status string
		qty               decimal.Decimal
		limitPrice        decimal.NullDecimal
	)
	if err := sc.Scan(&o.ID, &o.Timestamp, &o.Symbol, &qty, &side, &typ, &limitPrice, &status, &o.BrokerOrderID); err != nil {
		return order.Order{}, fmt.Errorf("failed to scan order: %w", err)
	}

	var err error
	if o.Side, err = order.ParseSide(side); err != nil {
		return order.Order{}, fmt.Errorf("order %s: %w", o.ID, err)
	}
	if o.Type, err = order.ParseType(typ); err != nil {
		return order.Order{}, fmt.Errorf("order %s: %w", o.ID, err)
	}
	if o.Status, err = order.ParseStatus(status); err != nil {
		return order.Order{}, fmt.Errorf("order %s: %w", o.ID, err)
	}
	o.Qty = qty
	o.LimitPrice = limitPrice
	o.Timestamp = o.Timestamp.UTC()
	return o, nil
}

func (p *Default) queryOrders(ctx context.Context, query string, args ...any) ([]order.Order, error) {
	rows, err := p.queryWithTransaction(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := []order.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate orders: %w", err)
	}
	return orders, nil
}

func (p *Default) queryOne(ctx context.Context, query string, arg string) (*order.Order, error) {
	orders, err := p.queryOrders(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, order.ErrNotFound
	}
	return &orders[0], nil
}

func (p *Default) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	p.log.Debug().Str("order_id", orderID).Msg("fetching order")

	o, err := p.queryOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID)
	switch {
	case errors.Is(err, order.ErrNotFound):
		p.log.Info().Str("order_id", orderID).Msg("no order found")
		return nil, fmt.Errorf("order %s: %w", orderID, err)
	case err != nil:
		p.log.Error().Err(err).Str("order_id", orderID).Msg("failed to fetch order")
		return nil, err
	}
	return o, nil
}

func (p *Default) GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*order.Order, error) {
	p.log.Debug().Str("broker_order_id", brokerOrderID).Msg("fetching order by broker id")

	o, err := p.queryOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE alpaca_order_id=$1 ORDER BY timestamp ASC, id ASC LIMIT 1`, brokerOrderID)
	switch {
	case errors.Is(err, order.ErrNotFound):
		p.log.Info().Str("broker_order_id", brokerOrderID).Msg("no order found for broker id")
		return nil, fmt.Errorf("broker order %s: %w", brokerOrderID, err)
	case err != nil:
		p.log.Error().Err(err).Str("broker_order_id", brokerOrderID).Msg("failed to fetch order by broker id")
		return nil, err
	}
	return o, nil
}

func (p *Default) GetAllOrders(ctx context.Context) ([]order.Order, error) {
	orders, err := p.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to fetch all orders")
		return nil, err
	}
	p.log.Debug().Int("count", len(orders)).Msg("fetched all orders")
	return orders, nil
}

func (p *Default) GetOrdersByStatus(ctx context.Context, status order.Status) ([]order.Order, error) {
	status, err := order.ParseStatus(string(status))
	if err != nil {
		return nil, err
	}
	orders, err := p.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE upper(status)=$1 ORDER BY timestamp ASC, id ASC`, string(status))
	if err != nil {
		p.log.Error().Err(err).Str("status", string(status)).Msg("failed to fetch orders by status")
		return nil, err
	}
	p.log.Debug().Str("status", string(status)).Int("count", len(orders)).Msg("fetched orders by status")
	return orders, nil
}

func (p *Default) GetOpenOrders(ctx context.Context) ([]order.Order, error) {
	return p.GetOrdersByStatus(ctx, order.StatusSubmitted)
}

func (p *Default) InsertOrder(ctx context.Context, o order.Order, brokerOrderID string) error {
	if err := o.Validate(); err != nil {
		return err
	}

	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			o.ID, o.Timestamp.UTC().Truncate(time.Microsecond), o.Symbol, o.Qty, string(o.Side), string(o.Type), o.LimitPrice, string(o.Status), brokerOrderID)
		if err != nil {
			if sqlerr.IsUniqueViolation(err) {
				return fmt.Errorf("failed to insert order %s: %w: %w", o.ID, order.ErrDuplicateOrder, sqlerr.Convert(err))
			}
			return fmt.Errorf("failed to insert order %s: %w", o.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.log.Info().Str("order_id", o.ID).Str("broker_order_id", brokerOrderID).Str("symbol", o.Symbol).
		Str("status", string(o.Status)).Msg("order inserted")
	return nil
}

func (p *Default) CancelOrder(ctx context.Context, orderID string) error {
	p.log.Debug().Str("order_id", orderID).Msg("cancelling order")
	return p.setStatus(ctx, orderID, order.StatusCancelled)
}

func (p *Default) UpdateOrder(ctx context.Context, orderID string, status order.Status) error {
	status, err := order.ParseStatus(string(status))
	if err != nil {
		return err
	}
	p.log.Debug().Str("order_id", orderID).Str("status", string(status)).Msg("updating order status")
	return p.setStatus(ctx, orderID, status)
}

func (p *Default) setStatus(ctx context.Context, orderID string, status order.Status) error {
	var affected int64
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE orders SET status=$1 WHERE id=$2`, string(status), orderID)
		if err != nil {
			return fmt.Errorf("failed to update order %s: %w", orderID, err)
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected for order %s: %w", orderID, err)
		}
		return nil
	})
	if err != nil {
		p.log.Error().Err(err).Str("order_id", orderID).Str("status", string(status)).Msg("order status update failed")
		return err
	}

	if affected == 0 {
		p.log.Warn().Str("order_id", orderID).Str("status", string(status)).Msg("order not found, no rows updated")
		return fmt.Errorf("order %s: %w", orderID, order.ErrNotFound)
	}

	p.log.Info().Str("order_id", orderID).Str("status", string(status)).Int64("rows_affected", affected).Msg("order status updated")
	return nil
}
