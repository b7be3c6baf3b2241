package nls

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging
type Logger struct {
	logger zerolog.Logger
}

// LogLevel represents the logging level
type LogLevel int

const (
	TraceLevel LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
	PanicLevel
	Disabled
)

var logLevelNames = map[string]LogLevel{
	"TRACE":    TraceLevel,
	"DEBUG":    DebugLevel,
	"INFO":     InfoLevel,
	"WARN":     WarnLevel,
	"WARNING":  WarnLevel,
	"ERROR":    ErrorLevel,
	"FATAL":    FatalLevel,
	"PANIC":    PanicLevel,
	"OFF":      Disabled,
	"DISABLED": Disabled,
}

// lookupLogLevel matches s case-insensitively against the level names.
func lookupLogLevel(s string) (LogLevel, bool) {
	l, ok := logLevelNames[strings.ToUpper(s)]
	return l, ok
}

// ParseLogLevel maps a config string to a level. Unknown names map to
// InfoLevel.
func ParseLogLevel(s string) LogLevel {
	if l, ok := lookupLogLevel(s); ok {
		return l
	}
	return InfoLevel
}

// LogConfig represents the configuration for logging
type LogConfig struct {
	Level     LogLevel
	Pretty    bool
	Output    io.Writer
	AddSource bool
	Fields    map[string]interface{}
}

// DefaultLogConfig returns a default logging configuration
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:  InfoLevel,
		Pretty: false,
		Output: os.Stderr,
		Fields: map[string]interface{}{"service": "nls-sdk"},
	}
}

// NewLogger creates a new structured logger
func NewLogger(config *LogConfig) *Logger {
	if config == nil {
		config = DefaultLogConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	var logger zerolog.Logger
	if config.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(out)
	}

	switch config.Level {
	case TraceLevel:
		logger = logger.Level(zerolog.TraceLevel)
	case DebugLevel:
		logger = logger.Level(zerolog.DebugLevel)
	case InfoLevel:
		logger = logger.Level(zerolog.InfoLevel)
	case WarnLevel:
		logger = logger.Level(zerolog.WarnLevel)
	case ErrorLevel:
		logger = logger.Level(zerolog.ErrorLevel)
	case FatalLevel:
		logger = logger.Level(zerolog.FatalLevel)
	case PanicLevel:
		logger = logger.Level(zerolog.PanicLevel)
	case Disabled:
		logger = logger.Level(zerolog.Disabled)
	}

	logger = logger.With().Timestamp().Logger()

	if config.AddSource {
		logger = logger.With().Caller().Logger()
	}

	if len(config.Fields) > 0 {
		logger = logger.With().Fields(config.Fields).Logger()
	}

	return &Logger{logger: logger}
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// Zerolog returns the underlying logger for packages that take it
// directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}

// WithComponent adds a component field to the logger
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{logger: l.logger.With().Str("component", component).Logger()}
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

// WithFields adds multiple fields to the logger
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{logger: l.logger.With().Fields(fields).Logger()}
}

// WithError adds an error field to the logger
func (l *Logger) WithError(err error) *Logger {
	return &Logger{logger: l.logger.With().Err(err).Logger()}
}

// WithConn tags entries with a connection id.
func (l *Logger) WithConn(id ConnID) *Logger {
	return &Logger{logger: l.logger.With().Uint64("conn_id", uint64(id)).Logger()}
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l *Logger) Error(msg string) {
	l.logger.Error().Msg(msg)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

// Fatal logs a fatal level message and exits
func (l *Logger) Fatal(msg string) {
	l.logger.Fatal().Msg(msg)
}

// LogConnectionEvent logs a connection transition at debug level.
func (l *Logger) LogConnectionEvent(event string, id ConnID, status Status, fields map[string]interface{}) {
	e := l.logger.Debug().
		Str("event_type", "connection").
		Str("event", event).
		Uint64("conn_id", uint64(id)).
		Str("status", status.String())
	if len(fields) > 0 {
		e = e.Fields(fields)
	}
	e.Msg("Connection event")
}

// LogError logs an Error with structured fields
func (l *Logger) LogError(err *Error) {
	event := l.logger.Error().
		Str("error_code", err.Code).
		Int("status", err.Status).
		Time("timestamp", err.Timestamp)
	if len(err.Details) > 0 {
		event = event.Fields(err.Details)
	}
	if err.err != nil {
		event = event.AnErr("cause", err.err)
	}
	event.Msg(err.Message)
}
