package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Metadata is a JSON encoded key-value column.
type Metadata map[string]any

// Scan implements the sql.Scanner interface.
func (m *Metadata) Scan(value any) error {
	*m = make(Metadata)
	if value == nil {
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T", v)
	}

	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, m); err != nil {
		return fmt.Errorf("unmarshalling metadata : %w", err)
	}
	return nil
}

// Value implements the driver.Valuer interface.
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	blob, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshalling metadata : %w", err)
	}
	return string(blob), nil
}
