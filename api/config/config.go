// Package config holds process configuration and the shared ClickHouse
// connection pool.
package config

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// DB is the global ClickHouse connection pool.
var DB driver.Conn

// CHConfig holds the ClickHouse configuration.
type CHConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

var cfg CHConfig

// Database returns the configured database name.
func Database() string {
	return cfg.Database
}

// MemoryDSN returns the conversation memory DSN: a postgres:// URL, a SQLite
// file path, or ":memory:" (the default) for ephemeral sessions.
func MemoryDSN() string {
	if dsn := os.Getenv("MEMORY_DSN"); dsn != "" {
		return dsn
	}
	return ":memory:"
}

// Load initializes configuration from environment variables and creates the
// connection pool. The session is opened with readonly=1; the agent only
// ever issues read statements.
func Load() error {
	cfg.Addr = os.Getenv("CLICKHOUSE_ADDR_TCP")
	if cfg.Addr == "" {
		cfg.Addr = "localhost:9000"
	}

	cfg.Database = os.Getenv("CLICKHOUSE_DATABASE")
	if cfg.Database == "" {
		cfg.Database = "default"
	}

	cfg.Username = os.Getenv("CLICKHOUSE_USERNAME")
	if cfg.Username == "" {
		cfg.Username = "default"
	}

	cfg.Password = os.Getenv("CLICKHOUSE_PASSWORD")

	secure := os.Getenv("CLICKHOUSE_SECURE") == "true"

	slog.Info("connecting to clickhouse",
		"addr", cfg.Addr, "database", cfg.Database, "username", cfg.Username, "secure", secure)

	opts := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"readonly": 1,
		},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
	if secure {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to create clickhouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	DB = conn
	slog.Info("connected to clickhouse")
	return nil
}

// Close closes the ClickHouse connection pool.
func Close() error {
	if DB != nil {
		return DB.Close()
	}
	return nil
}
