package migrations

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upSeedResolution, downSeedResolution)
}

type resolutionDocument struct {
	ProjectOptions struct {
		Connections struct {
			HostnameResolution []json.RawMessage `json:"hostname_resolution"`
		} `json:"connections"`
	} `json:"project_options"`
}

// upSeedResolution replaces an empty hostname resolution column with an empty document so
// readers always get a parsable configuration.
func upSeedResolution(ctx context.Context, tx *sql.Tx) error {
	var current sql.NullString
	err := tx.QueryRowContext(ctx, "SELECT hostname_resolution FROM app WHERE id = 1").Scan(&current)
	if err != nil {
		return fmt.Errorf("reading hostname resolution : %w", err)
	}

	if current.Valid && current.String != "" {
		var doc resolutionDocument
		if err := json.Unmarshal([]byte(current.String), &doc); err == nil {
			return nil
		}
	}

	var empty resolutionDocument
	empty.ProjectOptions.Connections.HostnameResolution = []json.RawMessage{}
	seed, err := json.Marshal(empty)
	if err != nil {
		return fmt.Errorf("marshalling seed document : %w", err)
	}

	_, err = tx.ExecContext(ctx, "UPDATE app SET hostname_resolution = ? WHERE id = 1", string(seed))
	if err != nil {
		return fmt.Errorf("seeding hostname resolution : %w", err)
	}
	return nil
}

func downSeedResolution(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "UPDATE app SET hostname_resolution = NULL WHERE id = 1")
	if err != nil {
		return fmt.Errorf("clearing hostname resolution : %w", err)
	}
	return nil
}
