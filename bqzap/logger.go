// Package bqzap adapts go.uber.org/zap to bq.Logger, the way the franz-go
// family's plugin/kzap package adapts zap for kgo.Logger.
package bqzap

import (
	"github.com/balanced-queue/balanced-queue/bq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a *zap.Logger as a bq.Logger.
type Logger struct {
	z     *zap.Logger
	level bq.LogLevel
}

// New builds a bq.Logger backed by z, logging at most level.
func New(z *zap.Logger, level bq.LogLevel) *Logger {
	return &Logger{z: z, level: level}
}

func (l *Logger) Level() bq.LogLevel { return l.level }

func (l *Logger) Log(level bq.LogLevel, msg string, keyvals ...any) {
	fields := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, keyvals[i+1]))
	}
	if ce := l.z.Check(toZapLevel(level), msg); ce != nil {
		ce.Write(fields...)
	}
}

func toZapLevel(level bq.LogLevel) zapcore.Level {
	switch level {
	case bq.LogLevelError:
		return zapcore.ErrorLevel
	case bq.LogLevelWarn:
		return zapcore.WarnLevel
	case bq.LogLevelInfo:
		return zapcore.InfoLevel
	case bq.LogLevelDebug:
		return zapcore.DebugLevel
	default:
		return zapcore.DebugLevel
	}
}
