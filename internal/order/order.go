// Package order
package order

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no order matches the requested id.
	ErrNotFound = errors.New("order not found")
	// ErrInvalidOrder is returned for orders or statuses that fail validation.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrDuplicateOrder is returned when an order with the same id already exists.
	ErrDuplicateOrder = errors.New("order already exists")
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Type is the execution type of an order.
type Type string

const (
	TypeMarket    Type = "MARKET"
	TypeLimit     Type = "LIMIT"
	TypeStop      Type = "STOP"
	TypeStopLimit Type = "STOP_LIMIT"
)

// Status is the lifecycle state of an order. Any status may follow any other.
type Status string

const (
	StatusSubmitted       Status = "SUBMITTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusRejected        Status = "REJECTED"
	StatusExpired         Status = "EXPIRED"
)

var (
	sides    = []Side{SideBuy, SideSell}
	types    = []Type{TypeMarket, TypeLimit, TypeStop, TypeStopLimit}
	statuses = []Status{StatusSubmitted, StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected, StatusExpired}
)

// Order is a persisted brokerage order.
type Order struct {
	ID            string              `json:"id" validate:"required"`
	Timestamp     time.Time           `json:"timestamp" validate:"required"`
	Symbol        string              `json:"symbol" validate:"required"`
	Qty           decimal.Decimal     `json:"qty"`
	Side          Side                `json:"side" validate:"oneof=BUY SELL"`
	Type          Type                `json:"type" validate:"oneof=MARKET LIMIT STOP STOP_LIMIT"`
	LimitPrice    decimal.NullDecimal `json:"limit_price"` // only meaningful for LIMIT and STOP_LIMIT
	Status        Status              `json:"status" validate:"oneof=SUBMITTED PARTIALLY_FILLED FILLED CANCELLED REJECTED EXPIRED"`
	BrokerOrderID string              `json:"alpaca_order_id"` // set once at insert time
}

// New builds a SUBMITTED order with a fresh id and the current time.
// Timestamps are kept at microsecond precision, the resolution Postgres stores.
func New(symbol string, qty decimal.Decimal, side Side, typ Type, limitPrice decimal.NullDecimal) Order {
	return Order{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC().Truncate(time.Microsecond),
		Symbol:     symbol,
		Qty:        qty,
		Side:       side,
		Type:       typ,
		LimitPrice: limitPrice,
		Status:     StatusSubmitted,
	}
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks that the order can be persisted.
func (o *Order) Validate() error {
	if err := getValidator().Struct(o); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if !o.Qty.IsPositive() {
		return fmt.Errorf("%w: qty must be positive, got %s", ErrInvalidOrder, o.Qty)
	}
	if o.Type.NeedsLimitPrice() {
		if !o.LimitPrice.Valid || !o.LimitPrice.Decimal.IsPositive() {
			return fmt.Errorf("%w: %s order requires a positive limit price", ErrInvalidOrder, o.Type)
		}
	}
	return nil
}

// IsOpen reports whether the order still waits on the broker.
func (o *Order) IsOpen() bool {
	return o.Status.IsOpen()
}

// NeedsLimitPrice reports whether orders of this type carry a limit price.
func (t Type) NeedsLimitPrice() bool {
	return t == TypeLimit || t == TypeStopLimit
}

// IsOpen is true only for SUBMITTED.
func (s Status) IsOpen() bool {
	return s == StatusSubmitted
}

func (s Side) String() string   { return string(s) }
func (t Type) String() string   { return string(t) }
func (s Status) String() string { return string(s) }

// ParseSide converts a stored or user supplied value into a Side.
func ParseSide(v string) (Side, error) {
	return parseEnum(v, sides, "side")
}

// ParseType converts a stored or user supplied value into a Type.
func ParseType(v string) (Type, error) {
	return parseEnum(v, types, "type")
}

// ParseStatus converts a stored or user supplied value into a Status.
func ParseStatus(v string) (Status, error) {
	return parseEnum(v, statuses, "status")
}

// Statuses returns every known status.
func Statuses() []Status {
	out := make([]Status, len(statuses))
	copy(out, statuses)
	return out
}

func parseEnum[T ~string](v string, known []T, kind string) (T, error) {
	norm := strings.ToUpper(strings.TrimSpace(v))
	for _, k := range known {
		if string(k) == norm {
			return k, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: unknown %s %q", ErrInvalidOrder, kind, v)
}
