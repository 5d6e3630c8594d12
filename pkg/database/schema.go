package database

import (
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// SchemaValidator checks a migrated database against the registry schema
// ARCHITECTURAL DISCOVERY: Separate from the migration system so startup and
// tests can verify a database they did not migrate themselves
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range append([]string{"schema_migrations"}, requiredTables...) {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure verifies column types match what the manager scans
func (v *SchemaValidator) ValidateTableStructure() error {
	snapshotColumns := map[string]string{
		"id":       "INTEGER",
		"version":  "INTEGER",
		"document": "TEXT",
		"saved_at": "DATETIME",
	}
	if err := v.validateColumns("registry_snapshot", snapshotColumns); err != nil {
		return fmt.Errorf("registry_snapshot table structure invalid: %w", err)
	}

	eventColumns := map[string]string{
		"id":          "TEXT",
		"class_id":    "TEXT",
		"student_id":  "TEXT",
		"present":     "INTEGER",
		"cause":       "TEXT",
		"occurred_at": "DATETIME",
	}
	if err := v.validateColumns("attendance_events", eventColumns); err != nil {
		return fmt.Errorf("attendance_events table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes verifies that the history lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

// ValidateConstraints verifies the snapshot table stays single-row and the
// event cause is restricted. It runs inside a transaction that is rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT INTO registry_snapshot (id, version, document, saved_at) VALUES (2, 2, '{}', ?)`, time.Now())
	if err == nil {
		return fmt.Errorf("check constraint not enforced: registry_snapshot.id")
	}

	_, err = tx.Exec(`
		INSERT INTO attendance_events (id, class_id, student_id, present, cause, occurred_at)
		VALUES ('constraint-check', 'C', '1', 1, 'teleport', ?)
	`, time.Now())
	if err == nil {
		return fmt.Errorf("check constraint not enforced: attendance_events.cause")
	}
	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name, typ    string
			notNull, pk  int
			defaultValue interface{}
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = typ
	}
	if err := rows.Err(); err != nil {
		return err
	}

	columns := make([]string, 0, len(expected))
	for column := range expected {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	for _, column := range columns {
		typ, exists := found[column]
		if !exists {
			return fmt.Errorf("column %s not found", column)
		}
		if typ != expected[column] {
			return fmt.Errorf("column %s has type %s, expected %s", column, typ, expected[column])
		}
	}
	return nil
}
