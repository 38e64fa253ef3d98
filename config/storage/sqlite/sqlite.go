// Package sqlite provides the single-node SQLite connection backing the task store.
package sqlite

import (
	"context"
	_ "embed"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// DB wraps a gorm handle on a SQLite file
type DB struct {
	*gorm.DB
}

// New opens (creating if needed) the database file at path
func New(ctx context.Context, path string, logger *zap.Logger) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	gdb, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}, &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, err
	}
	if err := gdb.WithContext(ctx).Exec(`PRAGMA journal_mode=WAL;`).Error; err != nil {
		return nil, err
	}
	if err := gdb.WithContext(ctx).Exec(`PRAGMA busy_timeout=5000;`).Error; err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	// one writer at a time keeps the conditional updates serialized
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	logger.Debug("Opened sqlite database", zap.String("path", path))
	return &DB{gdb}, nil
}

// Migrate applies the embedded schema; statements are idempotent
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// DBHealth checks the underlying connection
func (db *DB) DBHealth(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
