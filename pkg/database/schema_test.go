package database

import "testing"

func migratedTestDB(t *testing.T) *SchemaValidator {
	t.Helper()
	db, _ := openTestDB(t)
	if err := NewMigrationManager(db, "").ApplyMigrations(); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return NewSchemaValidator(db)
}

func TestSchemaValidator_EmptyDatabase(t *testing.T) {
	db, _ := openTestDB(t)
	validator := NewSchemaValidator(db)

	if err := validator.ValidateTablesExist(); err == nil {
		t.Error("ValidateTablesExist should fail on empty database")
	}
	if err := validator.ValidateIndexes(); err == nil {
		t.Error("ValidateIndexes should fail on empty database")
	}
}

func TestSchemaValidator_MigratedDatabase(t *testing.T) {
	validator := migratedTestDB(t)

	checks := map[string]func() error{
		"tables":      validator.ValidateTablesExist,
		"structure":   validator.ValidateTableStructure,
		"indexes":     validator.ValidateIndexes,
		"constraints": validator.ValidateConstraints,
	}
	for name, check := range checks {
		t.Run(name, func(t *testing.T) {
			if err := check(); err != nil {
				t.Errorf("%s validation failed: %v", name, err)
			}
		})
	}
}

func TestSchemaValidator_ConstraintsLeaveNoRows(t *testing.T) {
	validator := migratedTestDB(t)
	if err := validator.ValidateConstraints(); err != nil {
		t.Fatalf("ValidateConstraints failed: %v", err)
	}

	var count int
	if err := validator.db.QueryRow("SELECT COUNT(*) FROM attendance_events").Scan(&count); err != nil {
		t.Fatalf("Failed to count events: %v", err)
	}
	if count != 0 {
		t.Errorf("Constraint checks left %d rows behind", count)
	}
}
