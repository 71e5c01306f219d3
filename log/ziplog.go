// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package log

import (
	"context"
	"log/slog"

	"github.com/luxfi/log"
	"go.uber.org/zap"
)

// ZapLogger is a log.Logger backed by a real zap.Logger, for use outside
// of tests (NoLog remains the right choice there). It follows the same
// method surface as NoLog, substituting actual zap calls for the leveled
// logging methods.
type ZapLogger struct {
	z *zap.Logger
}

// NewZapLogger wraps z as a log.Logger.
func NewZapLogger(z *zap.Logger) log.Logger {
	return &ZapLogger{z: z}
}

// NewProductionLogger builds a ZapLogger using zap's production config
// (JSON encoding, info level), the default for cmd/ouisyncd.
func NewProductionLogger() (log.Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return NewZapLogger(z), nil
}

func toFields(ctx []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(ctx))
	for _, c := range ctx {
		if f, ok := c.(zap.Field); ok {
			fields = append(fields, f)
			continue
		}
		fields = append(fields, zap.Any("arg", c))
	}
	return fields
}

func (l *ZapLogger) With(ctx ...interface{}) log.Logger {
	return &ZapLogger{z: l.z.With(toFields(ctx)...)}
}

func (l *ZapLogger) New(ctx ...interface{}) log.Logger { return l.With(ctx...) }

func (l *ZapLogger) Log(level slog.Level, msg string, ctx ...interface{}) {
	switch {
	case level >= slog.LevelError:
		l.z.Error(msg, toFields(ctx)...)
	case level >= slog.LevelWarn:
		l.z.Warn(msg, toFields(ctx)...)
	case level >= slog.LevelInfo:
		l.z.Info(msg, toFields(ctx)...)
	default:
		l.z.Debug(msg, toFields(ctx)...)
	}
}

func (l *ZapLogger) Trace(msg string, ctx ...interface{}) { l.z.Debug(msg, toFields(ctx)...) }
func (l *ZapLogger) Debug(msg string, ctx ...interface{}) { l.z.Debug(msg, toFields(ctx)...) }
func (l *ZapLogger) Info(msg string, ctx ...interface{})  { l.z.Info(msg, toFields(ctx)...) }
func (l *ZapLogger) Warn(msg string, ctx ...interface{})  { l.z.Warn(msg, toFields(ctx)...) }
func (l *ZapLogger) Error(msg string, ctx ...interface{}) { l.z.Error(msg, toFields(ctx)...) }
func (l *ZapLogger) Crit(msg string, ctx ...interface{})  { l.z.Error(msg, toFields(ctx)...) }

func (l *ZapLogger) WriteLog(level slog.Level, msg string, attrs ...any) {
	l.Log(level, msg, attrs...)
}

func (l *ZapLogger) Enabled(ctx context.Context, level slog.Level) bool { return true }

func (l *ZapLogger) Handler() slog.Handler { return nil }

func (l *ZapLogger) Fatal(msg string, fields ...zap.Field) { l.z.Fatal(msg, fields...) }
func (l *ZapLogger) Verbo(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }

func (l *ZapLogger) WithFields(fields ...zap.Field) log.Logger {
	return &ZapLogger{z: l.z.With(fields...)}
}

func (l *ZapLogger) WithOptions(opts ...zap.Option) log.Logger {
	return &ZapLogger{z: l.z.WithOptions(opts...)}
}

func (l *ZapLogger) SetLevel(level slog.Level)        {}
func (l *ZapLogger) GetLevel() slog.Level             { return slog.LevelInfo }
func (l *ZapLogger) EnabledLevel(lvl slog.Level) bool { return true }

func (l *ZapLogger) StopOnPanic() {}

func (l *ZapLogger) RecoverAndPanic(f func()) { f() }

func (l *ZapLogger) RecoverAndExit(f, exit func()) { f() }

func (l *ZapLogger) Stop() { _ = l.z.Sync() }

func (l *ZapLogger) Write(p []byte) (n int, err error) {
	l.z.Info(string(p))
	return len(p), nil
}
