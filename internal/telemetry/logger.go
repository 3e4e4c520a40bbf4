// Package telemetry provides structured logging, health reporting and
// tracing for every sync-core component. The API shape (bounded fields,
// deterministic ordering, Service/Level options) is kept from the
// teacher's stdlib-only logger; the backing implementation is
// go.uber.org/zap with an optional lumberjack-rotated file sink.
package telemetry

import (
	"context"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

const (
	MaxFields     = 64
	MaxKeyLen     = 64
	MaxValLen     = 512
	MaxMessageLen = 1024
	MaxServiceLen = 64
)

// Options configures the logger.
type Options struct {
	Service string
	Level   Level

	// FilePath, when set, writes rotated JSON lines via lumberjack in
	// addition to stdout. Empty means stdout only.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger wraps a zap.Logger with the sanitize/bound discipline the
// teacher's hand-rolled logger enforced by hand.
type Logger struct {
	z       *zap.Logger
	service string
}

// Nop is a safe no-op logger.
var Nop = &Logger{z: zap.NewNop(), service: ""}

func zapLevel(l Level) zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a Logger writing JSON lines to stdout, and additionally to
// a rotated file when Options.FilePath is set.
func New(opt Options) *Logger {
	opt.Service = strings.TrimSpace(opt.Service)
	if len(opt.Service) > MaxServiceLen {
		opt.Service = opt.Service[:MaxServiceLen]
	}
	if opt.Level == "" {
		opt.Level = LevelInfo
	}

	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		NameKey:        "logger",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	})

	level := zapLevel(opt.Level)
	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), level),
	}
	if strings.TrimSpace(opt.FilePath) != "" {
		rotator := &lumberjack.Logger{
			Filename:   opt.FilePath,
			MaxSize:    orDefault(opt.MaxSizeMB, 100),
			MaxBackups: orDefault(opt.MaxBackups, 5),
			MaxAge:     orDefault(opt.MaxAgeDays, 28),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(rotator), level))
	}

	core := zapcore.NewTee(cores...)
	z := zap.New(core).With(zap.String("service", opt.Service))
	return &Logger{z: z, service: opt.Service}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (l *Logger) zapOf() *zap.Logger {
	if l == nil || l.z == nil {
		return zap.NewNop()
	}
	return l.z
}

// toFields bounds and sorts the field map deterministically, mirroring
// the teacher's MaxFields/MaxKeyLen/MaxValLen discipline.
func toFields(fields map[string]any) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > MaxFields {
		keys = keys[:MaxFields]
	}
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		kk := boundLen(k, MaxKeyLen)
		out = append(out, zap.Any(kk, boundAny(fields[k])))
	}
	return out
}

func boundLen(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

func boundAny(v any) any {
	if s, ok := v.(string); ok {
		return boundLen(s, MaxValLen)
	}
	return v
}

func (l *Logger) log(ctx context.Context, level Level, msg string, fields map[string]any) {
	_ = ctx
	msg = boundLen(strings.TrimSpace(msg), MaxMessageLen)
	zf := toFields(fields)
	if span := SpanFromContext(ctx); span != "" {
		zf = append(zf, zap.String("trace_id", span))
	}
	switch level {
	case LevelDebug:
		l.zapOf().Debug(msg, zf...)
	case LevelWarn:
		l.zapOf().Warn(msg, zf...)
	case LevelError:
		l.zapOf().Error(msg, zf...)
	default:
		l.zapOf().Info(msg, zf...)
	}
}

func (l *Logger) Debug(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, LevelDebug, msg, fields)
}
func (l *Logger) Info(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, LevelInfo, msg, fields)
}
func (l *Logger) Warn(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, LevelWarn, msg, fields)
}
func (l *Logger) Error(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, LevelError, msg, fields)
}

// Sync flushes any buffered log entries; call on shutdown.
func (l *Logger) Sync() error {
	if l == nil || l.z == nil {
		return nil
	}
	return l.z.Sync()
}
