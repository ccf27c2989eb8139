// Package sqlerr classifies database driver errors.
//
// Both lib/pq and pgx report Postgres failures with a SQLSTATE code.
// This package maps that code onto a small enum so callers can branch on
// constraint violations without importing a driver.
package sqlerr

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Code is a driver independent error category.
type Code string

const (
	Other               Code = "other"
	UniqueViolation     Code = "unique_violation"
	ForeignKeyViolation Code = "foreign_key_violation"
	NotNullViolation    Code = "not_null_violation"
	CheckViolation      Code = "check_violation"
)

// Error is a normalized Postgres error.
type Error struct {
	Code           Code
	DatabaseCode   string // raw SQLSTATE
	Message        string
	TableName      string
	ColumnName     string
	ConstraintName string
	driverErr      error
}

func (e *Error) Error() string {
	if e.ConstraintName != "" {
		return fmt.Sprintf("%s (SQLSTATE %s, constraint %s)", e.Message, e.DatabaseCode, e.ConstraintName)
	}
	return fmt.Sprintf("%s (SQLSTATE %s)", e.Message, e.DatabaseCode)
}

func (e *Error) Unwrap() error {
	return e.driverErr
}

// MapCode maps a SQLSTATE onto a Code.
func MapCode(sqlState string) Code {
	switch sqlState {
	case "23505":
		return UniqueViolation
	case "23503":
		return ForeignKeyViolation
	case "23502":
		return NotNullViolation
	case "23514":
		return CheckViolation
	default:
		return Other
	}
}

// Convert extracts a normalized error from a pq or pgx error chain.
// It returns nil when err carries no Postgres error.
func Convert(err error) *Error {
	if err == nil {
		return nil
	}

	var normalized *Error
	if errors.As(err, &normalized) {
		return normalized
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return &Error{
			Code:           MapCode(string(pqErr.Code)),
			DatabaseCode:   string(pqErr.Code),
			Message:        pqErr.Message,
			TableName:      pqErr.Table,
			ColumnName:     pqErr.Column,
			ConstraintName: pqErr.Constraint,
			driverErr:      pqErr,
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &Error{
			Code:           MapCode(pgErr.Code),
			DatabaseCode:   pgErr.Code,
			Message:        pgErr.Message,
			TableName:      pgErr.TableName,
			ColumnName:     pgErr.ColumnName,
			ConstraintName: pgErr.ConstraintName,
			driverErr:      pgErr,
		}
	}

	return nil
}

// ErrCode reports the Code of err, or Other when err is not a Postgres error.
func ErrCode(err error) Code {
	if e := Convert(err); e != nil {
		return e.Code
	}
	return Other
}

// IsUniqueViolation reports whether err is a duplicate key error.
func IsUniqueViolation(err error) bool {
	return ErrCode(err) == UniqueViolation
}
