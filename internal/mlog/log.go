package mlog

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Logger is the common interface every component logs through.
type Logger interface {
	Info(args ...any)
	Infof(format string, args ...any)
	Infoln(args ...any)

	Error(args ...any)
	Errorf(format string, args ...any)
	Errorln(args ...any)

	Warn(args ...any)
	Warnf(format string, args ...any)
	Warnln(args ...any)

	Debug(args ...any)
	Debugf(format string, args ...any)
	Debugln(args ...any)

	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Fatalln(args ...any)

	WithFields(fields ...any) Logger

	Sync() error
}

// Level represents the severity of a log record.
type Level int8

const (
	PanicLevel Level = iota
	FatalLevel
	ErrorLevel
	WarnLevel
	InfoLevel
	DebugLevel
)

// ParseLevel takes a string level and returns a Level constant.
func ParseLevel(lvl string) (Level, error) {
	switch strings.ToLower(lvl) {
	case "fatal":
		return FatalLevel, nil
	case "error":
		return ErrorLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "info":
		return InfoLevel, nil
	case "debug":
		return DebugLevel, nil
	}

	var l Level

	return l, fmt.Errorf("not a valid log level: %q", lvl)
}

// GoLogger is a dependency-free stdlib-backed Logger, used in tests and
// as a fallback before the zap-backed logger is wired up.
type GoLogger struct {
	fields []any
	Level  Level
}

func (l *GoLogger) enabled(level Level) bool { return l.Level >= level }

func (l *GoLogger) Info(args ...any) {
	if l.enabled(InfoLevel) {
		log.Print(args...)
	}
}

func (l *GoLogger) Infof(format string, args ...any) {
	if l.enabled(InfoLevel) {
		log.Printf(format, args...)
	}
}

func (l *GoLogger) Infoln(args ...any) {
	if l.enabled(InfoLevel) {
		log.Println(args...)
	}
}

func (l *GoLogger) Error(args ...any) {
	if l.enabled(ErrorLevel) {
		log.Print(args...)
	}
}

func (l *GoLogger) Errorf(format string, args ...any) {
	if l.enabled(ErrorLevel) {
		log.Printf(format, args...)
	}
}

func (l *GoLogger) Errorln(args ...any) {
	if l.enabled(ErrorLevel) {
		log.Println(args...)
	}
}

func (l *GoLogger) Warn(args ...any) {
	if l.enabled(WarnLevel) {
		log.Print(args...)
	}
}

func (l *GoLogger) Warnf(format string, args ...any) {
	if l.enabled(WarnLevel) {
		log.Printf(format, args...)
	}
}

func (l *GoLogger) Warnln(args ...any) {
	if l.enabled(WarnLevel) {
		log.Println(args...)
	}
}

func (l *GoLogger) Debug(args ...any) {
	if l.enabled(DebugLevel) {
		log.Print(args...)
	}
}

func (l *GoLogger) Debugf(format string, args ...any) {
	if l.enabled(DebugLevel) {
		log.Printf(format, args...)
	}
}

func (l *GoLogger) Debugln(args ...any) {
	if l.enabled(DebugLevel) {
		log.Println(args...)
	}
}

func (l *GoLogger) Fatal(args ...any) {
	if l.enabled(FatalLevel) {
		log.Print(args...)
	}
}

func (l *GoLogger) Fatalf(format string, args ...any) {
	if l.enabled(FatalLevel) {
		log.Printf(format, args...)
	}
}

func (l *GoLogger) Fatalln(args ...any) {
	if l.enabled(FatalLevel) {
		log.Println(args...)
	}
}

//nolint:ireturn
func (l *GoLogger) WithFields(fields ...any) Logger {
	return &GoLogger{Level: l.Level, fields: append(append([]any{}, l.fields...), fields...)}
}

func (l *GoLogger) Sync() error { return nil }

type loggerContextKey string

const loggerKey loggerContextKey = "logger"

// ContextWithLogger attaches a Logger to ctx.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// NewLoggerFromContext extracts the Logger from ctx, or a no-op Logger.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) Logger {
	if logger := ctx.Value(loggerKey); logger != nil {
		if l, ok := logger.(Logger); ok {
			return l
		}
	}

	return &NoneLogger{}
}
