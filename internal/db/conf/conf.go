// Package conf
package conf

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/amirphl/order-store/internal/db/schema"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

const (
	DriverPQ  = "postgres"
	DriverPGX = "pgx"
)

// Config holds a database handle and its metadata.
type Config struct {
	Name    string // database the pool is connected to
	Driver  string
	DB      *sql.DB
	ConnStr string
	AdminDB *sql.DB // maintenance connection, set only by NewTestConfig
}

// NewConfig opens a pooled connection with the given driver and verifies it with a ping.
func NewConfig(driver, connStr string, maxOpen, maxIdle int, maxLifetime time.Duration) (*Config, error) {
	if driver == "" {
		driver = DriverPQ
	}
	if driver != DriverPQ && driver != DriverPGX {
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if connStr == "" {
		return nil, fmt.Errorf("database connection string is empty")
	}

	db, err := sql.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	if maxLifetime > 0 {
		db.SetConnMaxLifetime(maxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	var name string
	if err := db.QueryRowContext(ctx, "SELECT current_database()").Scan(&name); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read database name: %w", err)
	}

	return &Config{Name: name, Driver: driver, DB: db, ConnStr: connStr}, nil
}

// Close releases the pool.
func (c *Config) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// NewTestConfig creates a new database with a random name and applies the schema.
// It skips the test when PostgreSQL is not reachable.
func NewTestConfig(t *testing.T) (*Config, func()) {
	t.Helper()

	const (
		// Default connection parameters for test database
		testHost     = "localhost"
		testPort     = 5432
		testUser     = "postgres"
		testPassword = "postgres" // Change this if your local postgres has a different password
	)

	adminConnStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=postgres sslmode=disable",
		testHost, testPort, testUser, testPassword)

	adminDB, err := sql.Open(DriverPQ, adminConnStr)
	if err != nil {
		t.Fatalf("Failed to connect to postgres: %v", err)
	}

	if err := adminDB.Ping(); err != nil {
		adminDB.Close()
		t.Skipf("Skipping test: PostgreSQL is not running or not accessible: %v", err)
		return nil, func() {}
	}

	// Random name so parallel packages do not collide
	dbName := fmt.Sprintf("test_orders_%d", rand.Int31())

	if _, err := adminDB.Exec(fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))); err != nil {
		adminDB.Close()
		t.Fatalf("Failed to create test database: %v", err)
	}

	dbConnStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		testHost, testPort, testUser, testPassword, dbName)

	db, err := sql.Open(DriverPQ, dbConnStr)
	if err != nil {
		adminDB.Close()
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := schema.Apply(context.Background(), db); err != nil {
		db.Close()
		adminDB.Close()
		t.Fatalf("Failed to apply schema: %v", err)
	}

	testDB := &Config{
		Name:    dbName,
		Driver:  DriverPQ,
		DB:      db,
		ConnStr: dbConnStr,
		AdminDB: adminDB,
	}

	cleanup := func() {
		testDB.DB.Close()

		_, err := testDB.AdminDB.Exec(fmt.Sprintf("DROP DATABASE %s WITH (FORCE)", pq.QuoteIdentifier(testDB.Name)))
		if err != nil {
			t.Logf("Warning: Failed to drop test database %s: %v", testDB.Name, err)
		}

		testDB.AdminDB.Close()
	}

	return testDB, cleanup
}
