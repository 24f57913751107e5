package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// Field keys shared by every service log line.
const (
	FieldService        = "service"
	FieldTraceID        = "trace_id"
	FieldSpanID         = "span_id"
	FieldNotificationID = "notification_id"
	FieldRecipientID    = "recipient_id"
	FieldConversationID = "conversation_id"
)

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	base    *logrus.Logger
}

// LogEntry is a single log line being built up before it is emitted
type LogEntry struct {
	entry *logrus.Entry
}

// New creates a new structured logger for the given service, writing JSON to stdout
func New(service string) *Logger {
	return NewWithWriter(service, os.Stdout)
}

// NewWithWriter creates a logger that writes JSON lines to w
func NewWithWriter(service string, w io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "msg",
		},
	})
	return &Logger{service: service, base: base}
}

// SetLevel changes the minimum level that is written
func (l *Logger) SetLevel(level LogLevel) error {
	lvl, err := logrus.ParseLevel(string(level))
	if err != nil {
		return err
	}
	l.base.SetLevel(lvl)
	return nil
}

func (l *Logger) newEntry() *LogEntry {
	e := logrus.NewEntry(l.base)
	if l.service != "" {
		e = e.WithField(FieldService, l.service)
	}
	return &LogEntry{entry: e}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.newEntry()
	e.entry = e.entry.WithContext(ctx)

	sc := oteltrace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		e.entry = e.entry.WithFields(logrus.Fields{
			FieldTraceID: sc.TraceID().String(),
			FieldSpanID:  sc.SpanID().String(),
		})
	}
	return e
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.newEntry().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.newEntry()
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	return e.WithField(FieldTraceID, traceID)
}

// WithNotification sets the notification ID for the log entry
func (e *LogEntry) WithNotification(notificationID string) *LogEntry {
	return e.WithField(FieldNotificationID, notificationID)
}

// WithRecipient sets the recipient ID for the log entry
func (e *LogEntry) WithRecipient(recipientID string) *LogEntry {
	return e.WithField(FieldRecipientID, recipientID)
}

// WithConversation sets the conversation ID for the log entry
func (e *LogEntry) WithConversation(conversationID string) *LogEntry {
	if conversationID == "" {
		return e
	}
	return e.WithField(FieldConversationID, conversationID)
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	return &LogEntry{entry: e.entry.WithField(key, value)}
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if len(fields) == 0 {
		return e
	}
	return &LogEntry{entry: e.entry.WithFields(logrus.Fields(fields))}
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err == nil {
		return e
	}
	return &LogEntry{entry: e.entry.WithError(err)}
}

func (e *LogEntry) Debug(message string)              { e.entry.Debug(message) }
func (e *LogEntry) Debugf(format string, args ...any) { e.entry.Debugf(format, args...) }
func (e *LogEntry) Info(message string)               { e.entry.Info(message) }
func (e *LogEntry) Infof(format string, args ...any)  { e.entry.Infof(format, args...) }
func (e *LogEntry) Warn(message string)               { e.entry.Warn(message) }
func (e *LogEntry) Warnf(format string, args ...any)  { e.entry.Warnf(format, args...) }
func (e *LogEntry) Error(message string)              { e.entry.Error(message) }
func (e *LogEntry) Errorf(format string, args ...any) { e.entry.Errorf(format, args...) }

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) { e.entry.Fatal(message) }

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) { e.entry.Fatalf(format, args...) }

// Global convenience functions

var defaultLogger = New("harbornotify")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}
