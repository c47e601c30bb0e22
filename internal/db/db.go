// Package db opens the durable Postgres connection, applies embedded goose
// migrations, and exposes repository methods over the execution fabric's
// gorm models.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	// Registers the "pgx" database/sql driver name used by sql.Open below.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds what's needed to open and migrate the durable-state database.
type Config struct {
	DSN    string
	Logger *slog.Logger
}

// DB wraps a *gorm.DB with the repository methods the fabric needs.
type DB struct {
	gorm   *gorm.DB
	logger *slog.Logger
}

// New opens the connection, applies pending migrations, and returns a
// ready-to-use DB.
func New(cfg Config) (*DB, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	sqlDB, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := runMigrations(sqlDB, cfg.Logger); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: newSlogGORMLogger(cfg.Logger),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm: %w", err)
	}

	return &DB{gorm: gormDB, logger: cfg.Logger}, nil
}

// NewWithGorm wraps an already-open *gorm.DB directly, skipping connection
// and migration setup. Exported for other packages' tests to wire a DB
// against a sqlmock-backed gorm.DB without a real Postgres instance.
func NewWithGorm(gormDB *gorm.DB, logger *slog.Logger) *DB {
	if logger == nil {
		logger = slog.Default()
	}
	return &DB{gorm: gormDB, logger: logger}
}

// Ping verifies the connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Gorm exposes the underlying *gorm.DB for repository methods that need
// advanced query building this package doesn't wrap directly.
func (d *DB) Gorm() *gorm.DB { return d.gorm }

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	return sqlDB.Close()
}

func runMigrations(sqlDB *sql.DB, logger *slog.Logger) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("database migrations applied")
	return nil
}

// gormSlogLogger adapts gorm's logger.Interface to log/slog so the fabric
// has one logging convention across every package.
type gormSlogLogger struct {
	logger *slog.Logger
	level  gormlogger.LogLevel
}

func newSlogGORMLogger(logger *slog.Logger) gormlogger.Interface {
	return &gormSlogLogger{logger: logger, level: gormlogger.Warn}
}

func (l *gormSlogLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *gormSlogLogger) Info(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *gormSlogLogger) Warn(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *gormSlogLogger) Error(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *gormSlogLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	sql, rows := fc()
	elapsed := time.Since(begin)
	attrs := []any{"elapsed", elapsed, "rows", rows, "sql", sql}
	switch {
	case err != nil && l.level >= gormlogger.Error:
		l.logger.ErrorContext(ctx, "gorm query error", append(attrs, "error", err)...)
	case elapsed > 200*time.Millisecond && l.level >= gormlogger.Warn:
		l.logger.WarnContext(ctx, "slow gorm query", attrs...)
	case l.level >= gormlogger.Info:
		l.logger.DebugContext(ctx, "gorm query", attrs...)
	}
}
