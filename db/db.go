package db

import (
	"embed"
	"fmt"

	_ "github.com/tfkr-ae/redirector/db/migrations"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql migrations/*.go
var embedMigrations embed.FS

// Repository implements the repository interfaces of the domain package on top of a single
// sqlite connection.
type Repository struct {
	dbConn *sqlx.DB
}

// NewRepository wraps an open connection returned by New.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{
		dbConn: db,
	}
}

// Close terminates the database connection.
func (repo *Repository) Close() error {
	err := repo.dbConn.Close()
	if err != nil {
		return fmt.Errorf("closing repo : %w", err)
	}
	return nil
}

// New opens the sqlite database at name and applies all pending migrations.
// WAL mode and foreign keys are enabled; the pool is limited to one connection so that
// configuration writes are serialized.
func New(name string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite", fmt.Sprintf("%s?_journal=WAL&_timeout=5000&_fk=true", name))
	if err != nil {
		return nil, fmt.Errorf("connecting to db : %w", err)
	}

	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(string(goose.DialectSQLite3)); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting dialect for migrations : %w", err)
	}

	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying migration : %w", err)
	}
	return db, nil
}
