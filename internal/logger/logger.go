// Package logger is a leveled, module-tagged logger on top of log/slog.
// Messages render through tint as "<time> <LVL> <message> module=<Module>".
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case SILENT:
		return "SILENT"
	}
	return "UNKNOWN"
}

// slogLevel maps a LogLevel onto the slog scale. SILENT sits above every
// level slog emits.
func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case INFO:
		return slog.LevelInfo
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	}
	return slog.LevelError + 4
}

// ParseLevel accepts the config spellings of a level, case-insensitively.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "silent", "none":
		return SILENT, nil
	}
	return INFO, fmt.Errorf("invalid log level: %s", s)
}

// Logger writes module-tagged records through a tint handler.
type Logger struct {
	level   atomic.Int32
	leveler slog.LevelVar
	slog    *slog.Logger
}

// New creates a Logger writing to output (stderr when nil).
func New(level LogLevel, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}
	l := &Logger{}
	l.SetLevel(level)
	l.slog = slog.New(tint.NewHandler(output, &tint.Options{
		Level:      &l.leveler,
		TimeFormat: "2006/01/02 15:04:05.000000",
		NoColor:    !useColor,
	}))
	return l
}

func (l *Logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
	l.leveler.Set(level.slogLevel())
}

func (l *Logger) Level() LogLevel {
	return LogLevel(l.level.Load())
}

// Slog exposes the underlying structured logger for libraries that take one.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

func (l *Logger) log(level LogLevel, module, format string, args ...any) {
	lvl := level.slogLevel()
	ctx := context.Background()
	if !l.slog.Enabled(ctx, lvl) {
		return
	}
	record := slog.NewRecord(time.Now(), lvl, fmt.Sprintf(format, args...), 0)
	if module != "" {
		record.AddAttrs(slog.String("module", module))
	}
	_ = l.slog.Handler().Handle(ctx, record)
}

func (l *Logger) Debug(module, format string, args ...any) { l.log(DEBUG, module, format, args...) }
func (l *Logger) Info(module, format string, args ...any)  { l.log(INFO, module, format, args...) }
func (l *Logger) Warn(module, format string, args ...any)  { l.log(WARN, module, format, args...) }
func (l *Logger) Error(module, format string, args ...any) { l.log(ERROR, module, format, args...) }

var (
	initOnce      sync.Once
	defaultLogger atomic.Pointer[Logger]
)

func init() {
	// Until Init runs, package-level calls are discarded.
	defaultLogger.Store(New(SILENT, io.Discard, false))
}

// Init installs the global logger. Only the first call has an effect.
func Init(level LogLevel, output io.Writer, useColor bool) {
	initOnce.Do(func() {
		defaultLogger.Store(New(level, output, useColor))
	})
}

// Default returns the global logger.
func Default() *Logger { return defaultLogger.Load() }

func SetLevel(level LogLevel) { Default().SetLevel(level) }
func Slog() *slog.Logger      { return Default().Slog() }

func Debug(module, format string, args ...any) { Default().Debug(module, format, args...) }
func Info(module, format string, args ...any)  { Default().Info(module, format, args...) }
func Warn(module, format string, args ...any)  { Default().Warn(module, format, args...) }
func Error(module, format string, args ...any) { Default().Error(module, format, args...) }
