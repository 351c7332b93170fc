package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tyemirov/timecapsule/internal/model"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Models lists every table the service owns, in migration order.
func Models() []any {
	return []any{
		&model.User{},
		&model.APIToken{},
		&model.PasswordResetCode{},
		&model.Capsule{},
		&model.CapsuleContent{},
		&model.CapsuleRecipient{},
		&model.DeliveryLog{},
		&model.Notification{},
	}
}

// Open connects to the configured database without touching the schema.
func Open(driver string, dsn string, logger *slog.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	logger.Info("Opening database", "driver", driver)
	database, err := gorm.Open(dialector, &gorm.Config{
		Logger:  &slogGormLogger{logger: logger},
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s failed: %w", driver, err)
	}
	if driver == DriverSQLite || driver == "" {
		// SQLite serializes writers; one connection avoids "database is locked" under the worker.
		sqlDB, err := database.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return database, nil
}

// Migrate creates or updates every table in Models.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// InitDB opens the database and auto-migrates schema.
func InitDB(driver string, dsn string, logger *slog.Logger) (*gorm.DB, error) {
	database, err := Open(driver, dsn, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(database); err != nil {
		return nil, err
	}
	return database, nil
}

type slogGormLogger struct {
	logger *slog.Logger
}

var _ logger.Interface = (*slogGormLogger)(nil)

func (l *slogGormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return l
}

func (l *slogGormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.logger.InfoContext(ctx, fmt.Sprintf(msg, data...))
}

func (l *slogGormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.logger.WarnContext(ctx, fmt.Sprintf(msg, data...))
}

func (l *slogGormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.logger.ErrorContext(ctx, fmt.Sprintf(msg, data...))
}

// Trace logs failed queries only. Missing rows are an expected outcome, not an error.
func (l *slogGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return
	}
	sql, rows := fc()
	l.logger.ErrorContext(ctx, "gorm_query_failed",
		"error", err,
		"sql", sql,
		"rows", rows,
		"elapsed", time.Since(begin),
	)
}
