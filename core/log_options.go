package core

import (
	"github.com/google/uuid"
	"github.com/tfkr-ae/redirector/domain"
)

// LogOption customizes a log entry before it is queued for the database.
type LogOption func(log *domain.Log) error

// LogWithContext is an option to add a context map to a log entry.
func LogWithContext(context map[string]any) LogOption {
	return func(log *domain.Log) error {
		log.Context = context
		return nil
	}
}

// LogWithReqResID is an option to associate a log entry with a request/response ID.
func LogWithReqResID(id uuid.UUID) LogOption {
	return func(log *domain.Log) error {
		log.RequestID = &id
		return nil
	}
}

// LogWithSource is an option to name the component that raised the entry.
func LogWithSource(source string) LogOption {
	return func(log *domain.Log) error {
		log.Source = source
		return nil
	}
}

// LogAsUrgent marks the entry as one that was surfaced as a blocking alert.
func LogAsUrgent() LogOption {
	return func(log *domain.Log) error {
		log.Urgent = true
		return nil
	}
}
