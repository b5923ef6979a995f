package domain

import (
	"time"

	"github.com/google/uuid"
)

// LogRepository defines the interface for persisting notifications emitted by the redirector.
type LogRepository interface {
	// InsertLog saves a new log entry to the repository.
	InsertLog(log *Log) error
	// GetLogs retrieves all log entries from the repository.
	GetLogs() ([]*Log, error)
}

// Log represents a single log entry, typically a notification raised by a redirection rule.
type Log struct {
	ID        uuid.UUID      // Unique identifier for the log entry.
	Timestamp time.Time      // The time at which the log entry was created.
	Level     string         // The severity level of the log (DEBUG, INFO, WARN, ERROR, FATAL).
	Source    string         // The component that raised the entry, e.g. "Redirector#0".
	Message   string         // The main content of the log message.
	Urgent    bool           // Set when the notification was surfaced as a blocking alert.
	Context   map[string]any // A map of additional key-value data for structured logging.
	RequestID *uuid.UUID     // An optional ID of an associated HTTP request, for context.
}
