// Package postgres provides the PostgreSQL connection backing the task store.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	zaptracer "github.com/jackc/pgx-zap"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/yeepay/aigc-broker/config/storage/postgresql/migrations"
	config "github.com/yeepay/aigc-broker/config/utils"
	"go.uber.org/zap"
)

// DB wraps the pgxpool connection together with a squirrel builder using
// dollar placeholders.
type DB struct {
	*pgxpool.Pool
	QueryBuilder *squirrel.StatementBuilderType
	url          string
}

// setPoolConfig parses the url and traces every query through the zap logger
func setPoolConfig(url string, maxConns int32, logger *zap.Logger) (*pgxpool.Config, error) {
	dbCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	dbCfg.MaxConns = maxConns
	dbCfg.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   zaptracer.NewLogger(logger),
		LogLevel: tracelog.LogLevelInfo,
	}
	dbCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec
	dbCfg.ConnConfig.StatementCacheCapacity = 0

	return dbCfg, nil
}

// URL renders the connection url for the config
func URL(config *config.DB) string {
	return fmt.Sprintf("%s://%s:%s@%s:%s/%s?sslmode=disable",
		config.Connection,
		config.User,
		config.Password,
		config.Host,
		config.Port,
		config.Name,
	)
}

// New creates a new PostgreSQL database instance
func New(ctx context.Context, config *config.DB, logger *zap.Logger) (*DB, error) {
	return Open(ctx, URL(config), config.MaxConns, logger)
}

// Open connects to the database at url
func Open(ctx context.Context, url string, maxConns int32, logger *zap.Logger) (*DB, error) {
	dbCfg, err := setPoolConfig(url, maxConns, logger)
	if err != nil {
		return nil, err
	}

	// create concurrent connection pool
	db, err := pgxpool.NewWithConfig(ctx, dbCfg)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(ctx); err != nil {
		return nil, err
	}

	psql := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

	return &DB{
		db,
		&psql,
		url,
	}, nil
}

// Migrate runs the database migration
func (db *DB) Migrate() error {
	driver, err := iofs.New(migrations.MigrationsFS, ".")
	if err != nil {
		return err
	}

	migrations, err := migrate.NewWithSourceInstance("iofs", driver, db.url)
	if err != nil {
		return err
	}

	defer migrations.Close()

	if err := migrations.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

// DBHealth Check DB health
func (db *DB) DBHealth(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return err
	}
	return nil
}

// ErrorCode returns the postgres error code of the given error, empty when it carries none
func ErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// Close closes the database connection
func (db *DB) Close() {
	db.Pool.Close()
}
