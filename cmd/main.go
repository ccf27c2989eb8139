package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/amirphl/order-store/internal/config"
	"github.com/amirphl/order-store/internal/db"
	"github.com/amirphl/order-store/internal/db/conf"
	"github.com/amirphl/order-store/internal/db/schema"
	"github.com/amirphl/order-store/internal/order"
	"github.com/amirphl/order-store/internal/utils"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func main() {
	os.Exit(runMain())
}

// runMain wires the command and returns the process exit code once every
// deferred close has run.
func runMain() int {
	cfg := config.MustLoadConfig()

	logger, closer, err := utils.NewLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		utils.GetLogger().Error().Err(err).Msg("failed to set up logger")
		return 1
	}
	defer closer.Close()

	logger.Info().Str("mode", cfg.Mode).Str("driver", cfg.DBDriver).Msg("starting order store")

	// Set up context with cancellation
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if cfg.RunMigration || cfg.Mode == config.ModeMigrate {
		if err := runMigrations(ctx, cfg, logger); err != nil {
			logger.Error().Err(err).Msg("failed to run migrations")
			return 1
		}
		if cfg.Mode == config.ModeMigrate {
			return 0
		}
	}

	dbConfig, err := conf.NewConfig(cfg.DBDriver, cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle, cfg.DBConnMaxLifetime)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create DB config")
		return 1
	}
	defer dbConfig.Close()

	storage, err := db.New(*dbConfig, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize database")
		return 1
	}
	logger.Debug().Str("database", dbConfig.Name).Msg("connected to postgres")

	err = run(ctx, cfg, storage, os.Stdout)
	code := exitCode(err)
	switch code {
	case 0:
	case 2:
		logger.Warn().Err(err).Msg("nothing matched")
	default:
		logger.Error().Err(err).Msg("command failed")
	}
	return code
}

// exitCode maps a command result to the process status: 2 when nothing
// matched, 1 for any other failure.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, order.ErrNotFound):
		return 2
	default:
		return 1
	}
}

// run executes the command selected by cfg.Mode and writes the result as JSON to out.
func run(ctx context.Context, cfg config.Config, storage db.OrderStorage, out io.Writer) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	switch cfg.Mode {
	case config.ModeMigrate:
		return nil

	case config.ModeGet:
		var (
			o   *order.Order
			err error
		)
		switch {
		case cfg.OrderID != "":
			o, err = storage.GetOrder(ctx, cfg.OrderID)
		case cfg.BrokerOrderID != "":
			o, err = storage.GetOrderByBrokerID(ctx, cfg.BrokerOrderID)
		default:
			return errors.New("get requires -id or -broker-id")
		}
		if err != nil {
			return err
		}
		return enc.Encode(o)

	case config.ModeList:
		orders, err := storage.GetAllOrders(ctx)
		if err != nil {
			return err
		}
		return enc.Encode(orders)

	case config.ModeOpen:
		orders, err := storage.GetOpenOrders(ctx)
		if err != nil {
			return err
		}
		return enc.Encode(orders)

	case config.ModeInsert:
		o, err := orderFromConfig(cfg)
		if err != nil {
			return err
		}
		if cfg.BrokerOrderID == "" {
			return errors.New("insert requires -broker-id")
		}
		if err := storage.InsertOrder(ctx, o, cfg.BrokerOrderID); err != nil {
			return err
		}
		o.BrokerOrderID = cfg.BrokerOrderID
		return enc.Encode(o)

	case config.ModeCancel:
		if cfg.OrderID == "" {
			return errors.New("cancel requires -id")
		}
		if err := storage.CancelOrder(ctx, cfg.OrderID); err != nil {
			return err
		}
		return enc.Encode(map[string]string{"id": cfg.OrderID, "status": string(order.StatusCancelled)})

	case config.ModeUpdate:
		if cfg.OrderID == "" {
			return errors.New("update requires -id")
		}
		status, err := order.ParseStatus(cfg.Status)
		if err != nil {
			return err
		}
		if err := storage.UpdateOrder(ctx, cfg.OrderID, status); err != nil {
			return err
		}
		return enc.Encode(map[string]string{"id": cfg.OrderID, "status": string(status)})

	default:
		return fmt.Errorf("unsupported mode: %s", cfg.Mode)
	}
}

// orderFromConfig builds a new SUBMITTED order from the insert flags.
func orderFromConfig(cfg config.Config) (order.Order, error) {
	side, err := order.ParseSide(cfg.Side)
	if err != nil {
		return order.Order{}, err
	}
	typ, err := order.ParseType(cfg.OrderType)
	if err != nil {
		return order.Order{}, err
	}
	qty, err := decimal.NewFromString(cfg.Qty)
	if err != nil {
		return order.Order{}, fmt.Errorf("%w: bad qty %q: %v", order.ErrInvalidOrder, cfg.Qty, err)
	}
	var limitPrice decimal.NullDecimal
	if cfg.LimitPrice != "" {
		price, err := decimal.NewFromString(cfg.LimitPrice)
		if err != nil {
			return order.Order{}, fmt.Errorf("%w: bad limit price %q: %v", order.ErrInvalidOrder, cfg.LimitPrice, err)
		}
		limitPrice = decimal.NewNullDecimal(price)
	}

	o := order.New(strings.ToUpper(cfg.Symbol), qty, side, typ, limitPrice)
	if cfg.OrderID != "" {
		o.ID = cfg.OrderID
	}
	if err := o.Validate(); err != nil {
		return order.Order{}, err
	}
	return o, nil
}

// runMigrations creates the database if it doesn't exist and applies the orders schema
func runMigrations(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	logger.Info().Msg("running database migrations")

	if err := ensureDatabase(ctx, cfg, logger); err != nil {
		return err
	}

	dbConfig, err := conf.NewConfig(cfg.DBDriver, cfg.DBConnStr, 1, 1, 0)
	if err != nil {
		return err
	}
	defer dbConfig.Close()

	if err := schema.Apply(ctx, dbConfig.DB); err != nil {
		return err
	}

	logger.Info().Msg("database migrations completed successfully")
	return nil
}

// ensureDatabase creates the target database through the postgres maintenance
// database. Keyword/value connection strings are left alone.
func ensureDatabase(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	u, err := url.Parse(cfg.DBConnStr)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		logger.Debug().Msg("connection string is not a URL, skipping database creation")
		return nil
	}

	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return fmt.Errorf("database name not found in connection string")
	}

	base := *u
	base.Path = "/postgres"

	baseDB, err := sql.Open(cfg.DBDriver, base.String())
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer baseDB.Close()

	var exists bool
	err = baseDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}

	if !exists {
		logger.Info().Str("database", dbName).Msg("creating database")
		if _, err := baseDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}
	return nil
}
