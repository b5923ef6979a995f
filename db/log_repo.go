package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tfkr-ae/redirector/domain"
)

var _ domain.LogRepository = (*Repository)(nil)

// dbLog represents a log entry as stored in the database.
type dbLog struct {
	ID        uuid.UUID      `db:"id"`
	Timestamp time.Time      `db:"timestamp"`
	Level     string         `db:"level"`
	Source    string         `db:"source"`
	Message   string         `db:"message"`
	Urgent    bool           `db:"urgent"`
	Context   Metadata       `db:"context"`
	RequestID sql.NullString `db:"request_id"`
}

func toDomainLog(dbLog *dbLog) *domain.Log {
	log := &domain.Log{
		ID:        dbLog.ID,
		Timestamp: dbLog.Timestamp,
		Level:     dbLog.Level,
		Source:    dbLog.Source,
		Message:   dbLog.Message,
		Urgent:    dbLog.Urgent,
		Context:   map[string]any(dbLog.Context),
	}

	if dbLog.RequestID.Valid {
		if id, err := uuid.Parse(dbLog.RequestID.String); err == nil {
			log.RequestID = &id
		}
	}

	return log
}

func fromDomainLog(log *domain.Log) *dbLog {
	dbLog := &dbLog{
		ID:        log.ID,
		Timestamp: log.Timestamp,
		Level:     log.Level,
		Source:    log.Source,
		Message:   log.Message,
		Urgent:    log.Urgent,
		Context:   Metadata(log.Context),
	}

	if log.RequestID != nil {
		dbLog.RequestID = sql.NullString{String: log.RequestID.String(), Valid: true}
	}

	return dbLog
}

// InsertLog saves a new log entry to the database.
func (repo *Repository) InsertLog(log *domain.Log) error {
	query := `INSERT INTO logs (id, timestamp, level, source, message, urgent, context, request_id)
	          VALUES (:id, :timestamp, :level, :source, :message, :urgent, :context, :request_id)`

	_, err := repo.dbConn.NamedExec(query, fromDomainLog(log))
	if err != nil {
		return fmt.Errorf("inserting log %s : %w", log.ID, err)
	}
	return nil
}

// GetLogs retrieves all log entries, oldest first.
func (repo *Repository) GetLogs() ([]*domain.Log, error) {
	var dbLogs []*dbLog
	query := `SELECT id, timestamp, level, source, message, urgent, context, request_id FROM logs ORDER BY timestamp`

	err := repo.dbConn.Select(&dbLogs, query)
	if err != nil {
		return nil, fmt.Errorf("fetching all logs : %w", err)
	}

	domainLogs := make([]*domain.Log, len(dbLogs))
	for i, dbLog := range dbLogs {
		domainLogs[i] = toDomainLog(dbLog)
	}
	return domainLogs, nil
}
