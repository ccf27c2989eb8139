package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amirphl/order-store/internal/order"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOrder(id string, status order.Status, ts time.Time) order.Order {
	return order.Order{
		ID:        id,
		Timestamp: ts,
		Symbol:    "AAPL",
		Qty:       decimal.NewFromInt(10),
		Side:      order.SideBuy,
		Type:      order.TypeMarket,
		Status:    status,
	}
}

func requireOrderEqual(t *testing.T, want order.Order, brokerOrderID string, got *order.Order) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
	assert.True(t, want.Timestamp.Equal(got.Timestamp), "timestamp: want %s, got %s", want.Timestamp, got.Timestamp)
	assert.Equal(t, want.Symbol, got.Symbol)
	assert.True(t, want.Qty.Equal(got.Qty), "qty: want %s, got %s", want.Qty, got.Qty)
	assert.Equal(t, want.Side, got.Side)
	assert.Equal(t, want.Type, got.Type)
	assert.Equal(t, want.LimitPrice.Valid, got.LimitPrice.Valid)
	if want.LimitPrice.Valid {
		assert.True(t, want.LimitPrice.Decimal.Equal(got.LimitPrice.Decimal), "limit price: want %s, got %s", want.LimitPrice.Decimal, got.LimitPrice.Decimal)
	}
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, brokerOrderID, got.BrokerOrderID)
}

func orderIDs(orders []order.Order) []string {
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	return ids
}

// runOrderStorageSuite checks the storage contract. newStorage must return an empty store.
func runOrderStorageSuite(t *testing.T, newStorage func(t *testing.T) OrderStorage) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 14, 30, 0, 123456000, time.UTC)

	t.Run("insert then get round trips", func(t *testing.T) {
		s := newStorage(t)

		market := testOrder("1", order.StatusSubmitted, base)
		limit := testOrder("2", order.StatusPartiallyFilled, base.Add(time.Second))
		limit.Symbol = "MSFT"
		limit.Side = order.SideSell
		limit.Type = order.TypeLimit
		limit.Qty = decimal.RequireFromString("2.5")
		limit.LimitPrice = decimal.NewNullDecimal(decimal.RequireFromString("412.37"))
		// The broker id argument wins over whatever the caller left on the struct
		limit.BrokerOrderID = "ignored"

		require.NoError(t, s.InsertOrder(ctx, market, "bkr-1"))
		require.NoError(t, s.InsertOrder(ctx, limit, "bkr-2"))

		got, err := s.GetOrder(ctx, "1")
		require.NoError(t, err)
		requireOrderEqual(t, market, "bkr-1", got)

		got, err = s.GetOrder(ctx, "2")
		require.NoError(t, err)
		requireOrderEqual(t, limit, "bkr-2", got)
	})

	t.Run("timestamps are truncated to microseconds", func(t *testing.T) {
		s := newStorage(t)

		ts := time.Date(2024, 3, 1, 14, 30, 0, 999999500, time.UTC)
		require.NoError(t, s.InsertOrder(ctx, testOrder("ns", order.StatusSubmitted, ts), "bkr-ns"))

		got, err := s.GetOrder(ctx, "ns")
		require.NoError(t, err)
		want := time.Date(2024, 3, 1, 14, 30, 0, 999999000, time.UTC)
		assert.True(t, want.Equal(got.Timestamp), "timestamp: want %s, got %s", want, got.Timestamp)
	})

	t.Run("get missing order is not found", func(t *testing.T) {
		s := newStorage(t)

		got, err := s.GetOrder(ctx, "does-not-exist")
		assert.Nil(t, got)
		require.Error(t, err)
		assert.True(t, errors.Is(err, order.ErrNotFound))

		_, err = s.GetOrderByBrokerID(ctx, "bkr-missing")
		assert.ErrorIs(t, err, order.ErrNotFound)
	})

	t.Run("get by broker id", func(t *testing.T) {
		s := newStorage(t)
		o := testOrder("7", order.StatusSubmitted, base)
		require.NoError(t, s.InsertOrder(ctx, o, "bkr-7"))

		got, err := s.GetOrderByBrokerID(ctx, "bkr-7")
		require.NoError(t, err)
		requireOrderEqual(t, o, "bkr-7", got)
	})

	t.Run("duplicate insert fails", func(t *testing.T) {
		s := newStorage(t)
		o := testOrder("dup", order.StatusSubmitted, base)
		require.NoError(t, s.InsertOrder(ctx, o, "bkr-a"))

		err := s.InsertOrder(ctx, o, "bkr-b")
		require.Error(t, err)
		assert.ErrorIs(t, err, order.ErrDuplicateOrder)

		got, err := s.GetOrder(ctx, "dup")
		require.NoError(t, err)
		assert.Equal(t, "bkr-a", got.BrokerOrderID)
	})

	t.Run("invalid order is rejected", func(t *testing.T) {
		s := newStorage(t)
		o := testOrder("bad", order.StatusSubmitted, base)
		o.Type = order.TypeLimit

		err := s.InsertOrder(ctx, o, "bkr-bad")
		assert.ErrorIs(t, err, order.ErrInvalidOrder)

		_, err = s.GetOrder(ctx, "bad")
		assert.ErrorIs(t, err, order.ErrNotFound)
	})

	t.Run("cancel from any status", func(t *testing.T) {
		s := newStorage(t)
		for i, status := range order.Statuses() {
			o := testOrder(string(status), status, base.Add(time.Duration(i)*time.Second))
			require.NoError(t, s.InsertOrder(ctx, o, "bkr-"+o.ID))

			require.NoError(t, s.CancelOrder(ctx, o.ID))
			got, err := s.GetOrder(ctx, o.ID)
			require.NoError(t, err)
			assert.Equal(t, order.StatusCancelled, got.Status, "prior status %s", status)

			// Cancelling twice is a no-op success
			require.NoError(t, s.CancelOrder(ctx, o.ID))
		}
	})

	t.Run("cancel missing order is not found", func(t *testing.T) {
		s := newStorage(t)
		assert.ErrorIs(t, s.CancelOrder(ctx, "nope"), order.ErrNotFound)
	})

	t.Run("update to every status", func(t *testing.T) {
		s := newStorage(t)
		o := testOrder("u1", order.StatusSubmitted, base)
		require.NoError(t, s.InsertOrder(ctx, o, "bkr-u1"))

		for _, status := range order.Statuses() {
			require.NoError(t, s.UpdateOrder(ctx, o.ID, status))
			got, err := s.GetOrder(ctx, o.ID)
			require.NoError(t, err)
			assert.Equal(t, status, got.Status)
			assert.Equal(t, "bkr-u1", got.BrokerOrderID)
		}

		// Same value again still reports the row as updated
		require.NoError(t, s.UpdateOrder(ctx, o.ID, order.StatusExpired))
	})

	t.Run("update rejects unknown status and missing order", func(t *testing.T) {
		s := newStorage(t)
		o := testOrder("u2", order.StatusSubmitted, base)
		require.NoError(t, s.InsertOrder(ctx, o, "bkr-u2"))

		assert.ErrorIs(t, s.UpdateOrder(ctx, o.ID, order.Status("OPEN")), order.ErrInvalidOrder)
		assert.ErrorIs(t, s.UpdateOrder(ctx, "missing", order.StatusFilled), order.ErrNotFound)

		got, err := s.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusSubmitted, got.Status)
	})

	t.Run("open orders are exactly the submitted ones", func(t *testing.T) {
		s := newStorage(t)

		open, err := s.GetOpenOrders(ctx)
		require.NoError(t, err)
		assert.Empty(t, open)

		require.NoError(t, s.InsertOrder(ctx, testOrder("a", order.StatusSubmitted, base), "bkr-a"))
		require.NoError(t, s.InsertOrder(ctx, testOrder("b", order.StatusFilled, base.Add(time.Second)), "bkr-b"))
		require.NoError(t, s.InsertOrder(ctx, testOrder("c", order.StatusSubmitted, base.Add(2*time.Second)), "bkr-c"))
		require.NoError(t, s.InsertOrder(ctx, testOrder("d", order.StatusCancelled, base.Add(3*time.Second)), "bkr-d"))
		require.NoError(t, s.InsertOrder(ctx, testOrder("e", order.StatusPartiallyFilled, base.Add(4*time.Second)), "bkr-e"))

		open, err = s.GetOpenOrders(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "c"}, orderIDs(open))
		for _, o := range open {
			assert.True(t, o.IsOpen())
		}

		require.NoError(t, s.UpdateOrder(ctx, "c", order.StatusFilled))
		require.NoError(t, s.UpdateOrder(ctx, "d", order.StatusSubmitted))

		open, err = s.GetOpenOrders(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "d"}, orderIDs(open))

		filled, err := s.GetOrdersByStatus(ctx, order.StatusFilled)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"b", "c"}, orderIDs(filled))

		_, err = s.GetOrdersByStatus(ctx, order.Status("bogus"))
		assert.ErrorIs(t, err, order.ErrInvalidOrder)
	})

	t.Run("get all orders returns domain orders", func(t *testing.T) {
		s := newStorage(t)

		all, err := s.GetAllOrders(ctx)
		require.NoError(t, err)
		assert.NotNil(t, all)
		assert.Empty(t, all)

		second := testOrder("x2", order.StatusFilled, base.Add(time.Minute))
		first := testOrder("x1", order.StatusSubmitted, base)
		require.NoError(t, s.InsertOrder(ctx, second, "bkr-x2"))
		require.NoError(t, s.InsertOrder(ctx, first, "bkr-x1"))

		all, err = s.GetAllOrders(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		requireOrderEqual(t, first, "bkr-x1", &all[0])
		requireOrderEqual(t, second, "bkr-x2", &all[1])
	})

	t.Run("lifecycle scenario", func(t *testing.T) {
		s := newStorage(t)

		o := order.Order{
			ID:        "1",
			Timestamp: base,
			Symbol:    "AAPL",
			Qty:       decimal.NewFromInt(10),
			Side:      order.SideBuy,
			Type:      order.TypeMarket,
			Status:    order.StatusSubmitted,
		}
		require.NoError(t, s.InsertOrder(ctx, o, "bkr-1"))

		got, err := s.GetOrder(ctx, "1")
		require.NoError(t, err)
		requireOrderEqual(t, o, "bkr-1", got)
		assert.False(t, got.LimitPrice.Valid)

		open, err := s.GetOpenOrders(ctx)
		require.NoError(t, err)
		assert.Contains(t, orderIDs(open), "1")

		require.NoError(t, s.CancelOrder(ctx, "1"))

		got, err = s.GetOrder(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, order.StatusCancelled, got.Status)

		open, err = s.GetOpenOrders(ctx)
		require.NoError(t, err)
		assert.NotContains(t, orderIDs(open), "1")
	})
}
