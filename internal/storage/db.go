// Package storage persists the account fields the security core owns:
// password hash, failed-login counter, lock expiry and ban flag.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

// Config represents database configuration
type Config struct {
	Driver             string        `mapstructure:"driver" yaml:"driver"`
	DSN                string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns       int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns       int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime    time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold" yaml:"slow_query_threshold"`
}

// DB wraps the connection pool and the dialect differences between drivers.
type DB struct {
	logger *zap.Logger
	db     *sql.DB
	driver string
	slow   time.Duration
}

// Open connects, checks the connection and creates the schema.
func Open(ctx context.Context, logger *zap.Logger, config Config) (*DB, error) {
	driver := config.Driver
	switch driver {
	case "sqlite", "sqlite3":
		driver = "sqlite3"
	case "postgres", "postgresql":
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}
	if config.DSN == "" {
		return nil, errors.New("database dsn is required")
	}

	db, err := sql.Open(driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	// an in-memory sqlite database lives as long as its connection
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else if driver == "postgres" {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slow := config.SlowQueryThreshold
	if slow <= 0 {
		slow = 100 * time.Millisecond
	}

	d := &DB{
		logger: logger.Named("storage"),
		db:     db,
		driver: driver,
		slow:   slow,
	}
	if err := d.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.logger.Info("Database connected", zap.String("driver", driver))
	return d, nil
}

// Close closes the pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Driver returns the normalized driver name.
func (d *DB) Driver() string {
	return d.driver
}

// rebind rewrites ? placeholders to $n for postgres.
func (d *DB) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := d.db.ExecContext(ctx, d.rebind(query), args...)
	d.observe(query, start)
	return result, err
}

func (d *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := d.db.QueryContext(ctx, d.rebind(query), args...)
	d.observe(query, start)
	return rows, err
}

func (d *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := d.db.QueryRowContext(ctx, d.rebind(query), args...)
	d.observe(query, start)
	return row
}

func (d *DB) observe(query string, start time.Time) {
	if took := time.Since(start); took > d.slow {
		d.logger.Warn("Slow query",
			zap.String("query", query),
			zap.Duration("duration", took),
		)
	}
}

const accountsTable = `CREATE TABLE IF NOT EXISTS accounts (
	identity           TEXT PRIMARY KEY,
	password_hash      TEXT NOT NULL,
	failed_login_count INTEGER NOT NULL DEFAULT 0,
	locked_until       BIGINT NOT NULL DEFAULT 0,
	is_banned          BOOLEAN NOT NULL DEFAULT FALSE,
	created_at         BIGINT NOT NULL,
	updated_at         BIGINT NOT NULL
)`

func (d *DB) initializeSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := d.db.ExecContext(ctx, accountsTable); err != nil {
		return err
	}
	return nil
}
