package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks that the audit schema matches what the store expects
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every structural check
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range []string{"connection_events", "auth_lockouts", "schema_migrations"} {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure verifies column names and declared types
// TECHNICAL DISCOVERY: Timestamps are epoch-millisecond INTEGERs, matching the
// in-memory limiters, so no driver time parsing is involved
func (v *SchemaValidator) ValidateTableStructure() error {
	events := map[string]string{
		"id":            "INTEGER",
		"kind":          "TEXT",
		"conn_id":       "TEXT",
		"role":          "TEXT",
		"client_id":     "TEXT",
		"client_ip":     "TEXT",
		"scope":         "TEXT",
		"reason":        "TEXT",
		"created_at_ms": "INTEGER",
	}
	if err := v.validateColumns("connection_events", events); err != nil {
		return fmt.Errorf("connection_events table structure invalid: %w", err)
	}

	lockouts := map[string]string{
		"id":           "INTEGER",
		"client_ip":    "TEXT",
		"scope":        "TEXT",
		"lockout_ms":   "INTEGER",
		"locked_at_ms": "INTEGER",
	}
	if err := v.validateColumns("auth_lockouts", lockouts); err != nil {
		return fmt.Errorf("auth_lockouts table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes verifies that the retention and lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range []string{
		"idx_connection_events_created",
		"idx_connection_events_conn",
		"idx_auth_lockouts_locked",
		"idx_auth_lockouts_ip",
	} {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, wantType := range expected {
		gotType, ok := found[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if gotType != wantType {
			return fmt.Errorf("column %s has type %s, expected %s", col, gotType, wantType)
		}
	}
	return nil
}
