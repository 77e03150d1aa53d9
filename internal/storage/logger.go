package storage

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm/logger"
)

// GormLogger routes GORM logs to zap
type GormLogger struct {
	log      *zap.Logger
	LogLevel logger.LogLevel
}

// NewGormLogger creates a GormLogger at warn level
func NewGormLogger(l *zap.Logger) *GormLogger {
	return &GormLogger{
		log:      l.Named("gorm"),
		LogLevel: logger.Warn,
	}
}

// LogMode sets the log level
func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Info {
		l.log.Sugar().Infof(msg, data...)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Warn {
		l.log.Sugar().Warnf(msg, data...)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Error {
		l.log.Sugar().Errorf(msg, data...)
	}
}

// Trace logs each SQL statement, slow queries at warn
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", elapsed),
	}

	switch {
	case err != nil && l.LogLevel >= logger.Error && err != logger.ErrRecordNotFound:
		l.log.Error("sql failed", append(fields, zap.Error(err))...)
	case elapsed > time.Second && l.LogLevel >= logger.Warn:
		l.log.Warn("slow sql", fields...)
	case l.LogLevel == logger.Info:
		l.log.Debug("sql", fields...)
	}
}
