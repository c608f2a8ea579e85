// Package logging provides structured logging using zerolog with configurable
// levels and output formats including JSON and console modes.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with additional context for wxhistory
type Logger struct {
	logger zerolog.Logger
}

// LogEvent represents a history or reporting event type
type LogEvent string

const (
	EventQueryRecorded    LogEvent = "query_recorded"
	EventHistoryLoaded    LogEvent = "history_loaded"
	EventHistoryPersisted LogEvent = "history_persisted"
	EventHistoryCleared   LogEvent = "history_cleared"
	EventReportGenerated  LogEvent = "report_generated"
	EventReportExported   LogEvent = "report_exported"
	EventConfigReload     LogEvent = "config_reload"
	EventServerStart      LogEvent = "server_start"
	EventServerStop       LogEvent = "server_stop"
)

// LogComponent represents a component of the application
type LogComponent string

const (
	ComponentHistory   LogComponent = "history"
	ComponentStorage   LogComponent = "storage"
	ComponentReport    LogComponent = "report"
	ComponentExport    LogComponent = "export"
	ComponentFavorites LogComponent = "favorites"
	ComponentFetch     LogComponent = "fetch"
	ComponentAPI       LogComponent = "api"
	ComponentConfig    LogComponent = "config"
	ComponentMetrics   LogComponent = "metrics"
)

// Config represents logging configuration
type Config struct {
	Level  string            `yaml:"level" mapstructure:"level"`
	Format string            `yaml:"format" mapstructure:"format"` // json or text
	Output string            `yaml:"output" mapstructure:"output"` // stdout, stderr, or file path
	Fields map[string]string `yaml:"fields" mapstructure:"fields"` // Additional fields for all logs
}

// InitLogger initializes the global logger
func InitLogger(config Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	switch strings.ToLower(config.Output) {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		output = file
	}

	logger := newLogger(output, config.Format, config.Fields)

	// Set as global logger
	log.Logger = logger.logger

	return logger, nil
}

// NewWithWriter builds a logger writing to w without touching the global
// logger or level.
func NewWithWriter(w io.Writer, format string) *Logger {
	return newLogger(w, format, nil)
}

func newLogger(output io.Writer, format string, fields map[string]string) *Logger {
	var logger zerolog.Logger
	switch strings.ToLower(format) {
	case "text", "console":
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		})
	default:
		logger = zerolog.New(output)
	}

	logger = logger.With().
		Timestamp().
		Str("service", "wxhistory").
		Logger()

	for key, value := range fields {
		logger = logger.With().Str(key, value).Logger()
	}

	return &Logger{logger: logger}
}

// WithComponent adds component context to the logger
func (l *Logger) WithComponent(component LogComponent) *Logger {
	return &Logger{
		logger: l.logger.With().Str("component", string(component)).Logger(),
	}
}

// WithLocation adds location context to the logger
func (l *Logger) WithLocation(location, queryType string) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("location", location).
			Str("query_type", queryType).
			Logger(),
	}
}

// WithEvent adds event context to the logger
func (l *Logger) WithEvent(event LogEvent) *Logger {
	return &Logger{
		logger: l.logger.With().Str("event", string(event)).Logger(),
	}
}

// WithError adds error context to the logger
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		logger: l.logger.With().AnErr("error", err).Logger(),
	}
}

// WithFields adds multiple fields to the logger
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	event := l.logger.With()
	for key, value := range fields {
		switch v := value.(type) {
		case string:
			event = event.Str(key, v)
		case int:
			event = event.Int(key, v)
		case int64:
			event = event.Int64(key, v)
		case float64:
			event = event.Float64(key, v)
		case bool:
			event = event.Bool(key, v)
		case time.Duration:
			event = event.Dur(key, v)
		case time.Time:
			event = event.Time(key, v)
		default:
			event = event.Interface(key, v)
		}
	}
	return &Logger{logger: event.Logger()}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) {
	l.logger.Error().Msg(msg)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

// QueryRecorded logs an appended history record with structured data
func (l *Logger) QueryRecorded(id, location, queryType string, temperature float64, historySize int, err error) {
	event := l.logger.Info()
	if err != nil {
		event = l.logger.Warn().AnErr("error", err)
	}

	event = event.
		Str("event", string(EventQueryRecorded)).
		Str("component", string(ComponentHistory)).
		Str("id", id).
		Str("location", location).
		Str("query_type", queryType).
		Float64("temperature", temperature).
		Int("history_size", historySize)

	if err != nil {
		event.Msg("Query recorded but not persisted")
	} else {
		event.Msg("Query recorded")
	}
}

// ReportEvent logs report generation and export events
func (l *Logger) ReportEvent(event LogEvent, kind string, rows int, duration time.Duration) {
	l.logger.Info().
		Str("event", string(event)).
		Str("component", string(ComponentReport)).
		Str("kind", kind).
		Int("rows", rows).
		Dur("duration_ms", duration).
		Msg("Report " + strings.TrimPrefix(string(event), "report_"))
}

// ConfigEvent logs configuration-related events
func (l *Logger) ConfigEvent(event LogEvent, msg string, fields map[string]interface{}) {
	logEvent := l.logger.Info().
		Str("event", string(event)).
		Str("component", string(ComponentConfig))

	for key, value := range fields {
		switch v := value.(type) {
		case string:
			logEvent = logEvent.Str(key, v)
		case int:
			logEvent = logEvent.Int(key, v)
		case bool:
			logEvent = logEvent.Bool(key, v)
		default:
			logEvent = logEvent.Interface(key, v)
		}
	}

	logEvent.Msg(msg)
}
