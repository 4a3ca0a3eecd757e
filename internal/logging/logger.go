// Package logging provides the structured logger every subsystem named in
// the component design uses: a chainable Logger exposing
// WithComponent/WithField/WithError/WithDuration, whose JSON sink is
// backed by zerolog so log lines on disk match the rest of the pack's
// structured-logging conventions.
package logging

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Level represents log severity levels.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case INFO:
		return zerolog.InfoLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	case FATAL:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// Logger is a structured, component-scoped logger. Its JSON output path
// delegates to an embedded zerolog.Logger; its text output path matches
// the teacher's original hand-rolled writer for local/dev readability.
type Logger struct {
	mu          *sync.Mutex
	errorCount  *int64
	zl          zerolog.Logger
	output      io.Writer
	level       Level
	component   string
	traceID     string
	fields      map[string]interface{}
	includeFile bool
	jsonFormat  bool
}

// Config holds logger configuration.
type Config struct {
	Level       string `json:"level"`
	Output      string `json:"output"` // "stdout", "stderr", or file path
	Component   string `json:"component"`
	IncludeFile bool   `json:"include_file"`
	JSONFormat  bool   `json:"json_format"`
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// New creates a new logger with the given configuration.
func New(cfg *Config) *Logger {
	var output io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		output = os.Stderr
	} else if cfg.Output != "" && cfg.Output != "stdout" {
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			output = file
		}
	}

	level := ParseLevel(cfg.Level)
	zl := zerolog.New(output).Level(level.zerologLevel()).With().
		Timestamp().
		Str("component", cfg.Component).
		Logger()

	var errCount int64
	return &Logger{
		mu:          &sync.Mutex{},
		errorCount:  &errCount,
		zl:          zl,
		output:      output,
		level:       level,
		component:   cfg.Component,
		includeFile: cfg.IncludeFile,
		jsonFormat:  cfg.JSONFormat,
		fields:      make(map[string]interface{}),
	}
}

// Default returns the default logger instance.
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(&Config{
			Level:      "INFO",
			Output:     "stdout",
			Component:  "app",
			JSONFormat: true,
		})
	})
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// ErrorCount returns the number of ERROR/FATAL lines logged through this
// logger (and its ancestors via WithX chaining share the same counter).
// A component's health().error_count comes from its health.Tracker, not
// from this counter.
func (l *Logger) ErrorCount() int64 {
	return atomic.LoadInt64(l.errorCount)
}

func (l *Logger) clone() *Logger {
	fields := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	return &Logger{
		mu:          l.mu,
		errorCount:  l.errorCount,
		zl:          l.zl,
		output:      l.output,
		level:       l.level,
		component:   l.component,
		traceID:     l.traceID,
		fields:      fields,
		includeFile: l.includeFile,
		jsonFormat:  l.jsonFormat,
	}
}

// WithComponent returns a new logger scoped to component.
func (l *Logger) WithComponent(component string) *Logger {
	nl := l.clone()
	nl.component = component
	nl.zl = l.zl.With().Str("component", component).Logger()
	return nl
}

// WithTraceID returns a new logger with the specified trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	nl := l.clone()
	nl.traceID = traceID
	return nl
}

// WithField returns a new logger with an additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	nl := l.clone()
	nl.fields[key] = value
	return nl
}

// WithFields returns a new logger with additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	nl := l.clone()
	for k, v := range fields {
		nl.fields[k] = v
	}
	return nl
}

// WithError returns a new logger with an error field.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	nl := l.clone()
	nl.fields["error"] = err.Error()
	return nl
}

// WithDuration returns a new logger with a duration field.
func (l *Logger) WithDuration(d time.Duration) *Logger {
	nl := l.clone()
	nl.fields["duration"] = d.String()
	return nl
}

func (l *Logger) log(level Level, msg string, args ...interface{}) {
	if level < l.level {
		return
	}
	if level >= ERROR {
		atomic.AddInt64(l.errorCount, 1)
	}

	fields := make(map[string]interface{}, len(l.fields)+len(args)/2)
	for k, v := range l.fields {
		fields[k] = v
	}

	if len(args) >= 2 && len(args)%2 == 0 {
		if _, ok := args[0].(string); ok {
			for i := 0; i < len(args); i += 2 {
				key, ok := args[i].(string)
				if !ok {
					continue
				}
				if err, isErr := args[i+1].(error); isErr {
					if err != nil {
						fields[key] = err.Error()
					} else {
						fields[key] = nil
					}
				} else {
					fields[key] = args[i+1]
				}
			}
		} else {
			msg = fmt.Sprintf(msg, args...)
		}
	} else if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	var file string
	var line int
	if l.includeFile {
		_, f, ln, ok := runtime.Caller(2)
		if ok {
			parts := strings.Split(f, "/")
			file = parts[len(parts)-1]
			line = ln
		}
	}

	if l.jsonFormat {
		ev := l.zl.WithLevel(level.zerologLevel())
		if l.traceID != "" {
			ev = ev.Str("trace_id", l.traceID)
		}
		if file != "" {
			ev = ev.Str("file", file).Int("line", line)
		}
		ev.Fields(fields).Msg(msg)
		return
	}

	l.writeText(level, msg, fields, file, line)
}

func (l *Logger) writeText(level Level, msg string, fields map[string]interface{}, file string, line int) {
	var b strings.Builder
	b.WriteString(time.Now().UTC().Format("2006-01-02T15:04:05"))
	b.WriteString(" ")
	b.WriteString(fmt.Sprintf("[%-5s]", level.String()))
	b.WriteString(" ")
	if l.component != "" {
		b.WriteString("[")
		b.WriteString(l.component)
		b.WriteString("] ")
	}
	if l.traceID != "" {
		n := l.traceID
		if len(n) > 8 {
			n = n[:8]
		}
		b.WriteString("{")
		b.WriteString(n)
		b.WriteString("} ")
	}
	b.WriteString(msg)
	if len(fields) > 0 {
		b.WriteString(" | ")
		first := true
		for k, v := range fields {
			if !first {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(fmt.Sprintf("%v", v))
			first = false
		}
	}
	if file != "" {
		b.WriteString(fmt.Sprintf(" (%s:%d)", file, line))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.output, b.String())
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.log(DEBUG, msg, args...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log(INFO, msg, args...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log(WARN, msg, args...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log(ERROR, msg, args...) }

func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.log(FATAL, msg, args...)
	os.Exit(1)
}

// Package-level convenience functions using the default logger.

func Debug(msg string, args ...interface{}) { Default().Debug(msg, args...) }
func Info(msg string, args ...interface{})  { Default().Info(msg, args...) }
func Warn(msg string, args ...interface{})  { Default().Warn(msg, args...) }
func Error(msg string, args ...interface{}) { Default().Error(msg, args...) }
func Fatal(msg string, args ...interface{}) { Default().Fatal(msg, args...) }

func WithComponent(component string) *Logger           { return Default().WithComponent(component) }
func WithTraceID(traceID string) *Logger               { return Default().WithTraceID(traceID) }
func WithField(key string, value interface{}) *Logger  { return Default().WithField(key, value) }
func WithFields(fields map[string]interface{}) *Logger { return Default().WithFields(fields) }
func WithError(err error) *Logger                      { return Default().WithError(err) }
