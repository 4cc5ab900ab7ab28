package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Source is the connection handle to the legacy accounting database
type Source struct {
	db      *sqlx.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open connects to the source database. Pooling is left to database/sql:
// each repository call checks a connection out and returns it before the call ends
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*Source, error) {
	dialect, err := LookupDialect(driver)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", dialect.Name, err)
	}

	// Legacy Firebird servers handle few concurrent attachments well
	if dialect.Name == "firebird" || dialect.Name == "sqlite" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s ping failed: %w", dialect.Name, err)
	}

	logger.Info("Connected to source database", "dialect", dialect.Name)

	return &Source{db: db, dialect: dialect, logger: logger}, nil
}

// NewSource wraps an already open handle. Mostly useful for tests
func NewSource(db *sqlx.DB, dialect Dialect, logger *slog.Logger) *Source {
	return &Source{db: db, dialect: dialect, logger: logger}
}

// DB exposes the underlying handle
func (s *Source) DB() *sqlx.DB {
	return s.db
}

func (s *Source) Dialect() Dialect {
	return s.dialect
}

// Close gracefully shuts down the connection pool
func (s *Source) Close() error {
	s.logger.Info("Closing source database connection pool", "dialect", s.dialect.Name)
	return s.db.Close()
}

// txOptions returns ReadCommitted for Firebird and the driver default elsewhere
func (s *Source) txOptions() *sql.TxOptions {
	if s.dialect.Name == "firebird" {
		return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}
	return nil
}

// rebind converts '?' placeholders to the driver's bind style
func (s *Source) rebind(query string) string {
	return s.db.Rebind(query)
}

// chunk splits keys into slices of at most size elements
func chunk[T any](keys []T, size int) [][]T {
	if size <= 0 {
		size = len(keys)
	}
	var chunks [][]T
	for start := 0; start < len(keys); start += size {
		end := min(start+size, len(keys))
		chunks = append(chunks, keys[start:end])
	}
	return chunks
}
