package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/tfkr-ae/redirector/domain"
)

var _ domain.ResolutionRepository = (*Repository)(nil)

// ErrNoResolutionConfig is returned when the app row holding the configuration is missing
var ErrNoResolutionConfig = errors.New("hostname resolution configuration not found")

// GetHostnameResolution implements the domain.ResolutionRepository interface.
// It returns the serialized hostname resolution document stored in the 'app' table.
// A NULL column is returned as an empty blob.
func (repo *Repository) GetHostnameResolution() ([]byte, error) {
	var blob sql.NullString
	query := `SELECT hostname_resolution FROM app WHERE id = 1`

	err := repo.dbConn.Get(&blob, query)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoResolutionConfig
		}
		return nil, fmt.Errorf("getting hostname resolution : %w", err)
	}

	if !blob.Valid {
		return []byte{}, nil
	}
	return []byte(blob.String), nil
}

// SetHostnameResolution implements the domain.ResolutionRepository interface.
// The document is replaced in a single UPDATE.
func (repo *Repository) SetHostnameResolution(blob []byte) error {
	query := `UPDATE app SET hostname_resolution = ? WHERE id = 1`

	result, err := repo.dbConn.Exec(query, string(blob))
	if err != nil {
		return fmt.Errorf("updating hostname resolution : %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking hostname resolution update : %w", err)
	}
	if affected == 0 {
		return ErrNoResolutionConfig
	}
	return nil
}
