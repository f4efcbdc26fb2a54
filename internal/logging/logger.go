// Package logging provides structured logging for the bulk-transfer
// engine: one logger per component, carrying bound fields (peer, op id,
// transfer direction) the way a request-scoped logger would in an RPC
// server.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Logger wraps stdlib log with level support, an optional JSON output
// mode, and a set of fields bound once via With* and carried into every
// subsequent call.
type Logger struct {
	logger  *log.Logger
	level   LogLevel
	format  string
	noColor bool
	fields  []any
	mu      *sync.Mutex
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logging configuration
type Config struct {
	Level LogLevel
	// Format is "text" (default) or "json".
	Format  string
	Output  io.Writer
	Sync    bool
	NoColor bool
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	format := config.Format
	if format == "" {
		format = "text"
	}
	flags := log.LstdFlags
	if config.Sync {
		flags |= log.Lmicroseconds
	}
	return &Logger{
		logger:  log.New(output, "", flags),
		level:   config.Level,
		format:  format,
		noColor: config.NoColor,
		mu:      &sync.Mutex{},
	}
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// with returns a derived Logger carrying key/value appended to l's
// existing bound fields. The underlying *log.Logger and mutex are
// shared so writes from the parent and every child still serialize.
func (l *Logger) with(key string, value any) *Logger {
	fields := make([]any, len(l.fields), len(l.fields)+2)
	copy(fields, l.fields)
	fields = append(fields, key, value)
	return &Logger{logger: l.logger, level: l.level, format: l.format, noColor: l.noColor, fields: fields, mu: l.mu}
}

// WithPeer binds the remote peer's address string to every message this
// logger emits.
func (l *Logger) WithPeer(addr string) *Logger { return l.with("peer", addr) }

// WithTransfer binds an op id string, identifying the Transfer call a
// message belongs to.
func (l *Logger) WithTransfer(opID string) *Logger { return l.with("op_id", opID) }

// WithOp binds the direction (push/pull) of a transfer.
func (l *Logger) WithOp(op string) *Logger { return l.with("op", op) }

// WithError binds err's message so every subsequent message on this
// logger includes it, the way a handler-scoped logger tags the failure
// it is unwinding from.
func (l *Logger) WithError(err error) *Logger { return l.with("error", err.Error()) }

// formatArgs converts key-value pairs (bound fields followed by
// call-site args) to a trailing " k=v k=v" string for text mode.
func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%v=%v", args[i], args[i+1])
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return " " + b.String()
}

func levelName(level LogLevel) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l *Logger) log(level LogLevel, msg string, args ...any) {
	if level < l.level {
		return
	}
	all := make([]any, 0, len(l.fields)+len(args))
	all = append(all, l.fields...)
	all = append(all, args...)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.format == "json" {
		l.logger.Printf("%s", jsonLine(level, msg, all))
		return
	}
	l.logger.Printf("[%s] %s%s", levelName(level), msg, formatArgs(all))
}

// jsonLine renders a single-line, hand-rolled JSON object (not
// encoding/json: every value here is already a string, number, or
// error, so a small builder avoids reflecting over an intermediate
// map for every log line on the hot path).
func jsonLine(level LogLevel, msg string, fields []any) string {
	var b strings.Builder
	b.WriteByte('{')
	fmt.Fprintf(&b, "%q:%q", "level", levelName(level))
	fmt.Fprintf(&b, ",%q:%q", "msg", msg)
	for i := 0; i < len(fields); i += 2 {
		if i+1 >= len(fields) {
			break
		}
		fmt.Fprintf(&b, ",%q:%q", fmt.Sprint(fields[i]), fmt.Sprint(fields[i+1]))
	}
	b.WriteByte('}')
	return b.String()
}

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }

// Printf-style logging
func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, fmt.Sprintf(format, args...)) }

// Printf for compatibility
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
