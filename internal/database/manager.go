package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"presence/pkg/interfaces"
	dbconfig "presence/pkg/database"
	"presence/pkg/types"
)

// Manager is the sqlite-backed snapshot store and attendance history
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // single writer for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // protects closed
	retryDelay   time.Duration
}

type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

// NewManager opens the database, applies migrations and starts the writer
func NewManager(config *dbconfig.Config) (*Manager, error) {
	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	migrations := dbconfig.NewMigrationManager(db, config.MigrationsPath)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database schema invalid: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   100 * time.Millisecond,
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write
	// contention between snapshot saves and history inserts
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			// FUNCTIONAL DISCOVERY: One quick retry absorbs a busy database
			// without holding the registry lock for long
			err := op.operation(op.ctx, m.db)
			if err != nil && op.ctx.Err() == nil {
				log.Printf("Database write failed, retrying: %v", err)
				select {
				case <-time.After(m.retryDelay):
					err = op.operation(op.ctx, m.db)
				case <-op.ctx.Done():
					err = op.ctx.Err()
				}
				if err != nil {
					log.Printf("Database write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Println("Database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrWriteTimeout, ctx.Err())
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// SaveSnapshot replaces the single registry row
func (m *Manager) SaveSnapshot(ctx context.Context, snapshot *types.Snapshot) error {
	document, err := dbconfig.EncodeSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	savedAt := snapshot.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}

	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO registry_snapshot (id, version, document, saved_at)
			VALUES (1, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				version = excluded.version,
				document = excluded.document,
				saved_at = excluded.saved_at
		`, types.SnapshotVersion, string(document), savedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}
		return nil
	})
}

// LoadSnapshot reads and decodes the registry row
func (m *Manager) LoadSnapshot(ctx context.Context) (*types.Snapshot, error) {
	var document string
	err := m.db.QueryRowContext(ctx, `SELECT document FROM registry_snapshot WHERE id = 1`).Scan(&document)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}

	snapshot, err := dbconfig.DecodeSnapshot([]byte(document))
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// RecordTransitions appends presence changes to the history table
// FUNCTIONAL DISCOVERY: Student IDs are reused after removal, so a removal
// transition deletes the student's rows instead of being stored
func (m *Manager) RecordTransitions(ctx context.Context, transitions []types.Transition) error {
	if len(transitions) == 0 {
		return nil
	}

	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO attendance_events (id, class_id, student_id, present, cause, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare event insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		purge, err := tx.PrepareContext(ctx, `DELETE FROM attendance_events WHERE class_id = ? AND student_id = ?`)
		if err != nil {
			return fmt.Errorf("failed to prepare history purge: %w", err)
		}
		defer func() { _ = purge.Close() }()

		for _, tr := range transitions {
			if tr.Cause == types.CauseRemoval {
				if _, err := purge.ExecContext(ctx, tr.ClassID, tr.StudentID); err != nil {
					return fmt.Errorf("failed to purge history: %w", err)
				}
				continue
			}
			id := tr.ID
			if id == "" {
				id = uuid.NewString()
			}
			if _, err := stmt.ExecContext(ctx, id, tr.ClassID, tr.StudentID, tr.Present, string(tr.Cause), tr.At.UTC()); err != nil {
				return fmt.Errorf("failed to insert event: %w", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit events: %w", err)
		}
		return nil
	})
}

// GetHistory returns a student's transitions since the given time, oldest first
func (m *Manager) GetHistory(ctx context.Context, classID, studentID string, since time.Time) ([]types.Transition, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, class_id, student_id, present, cause, occurred_at
		FROM attendance_events
		WHERE class_id = ? AND student_id = ? AND occurred_at >= ?
		ORDER BY occurred_at ASC, rowid ASC
	`, classID, studentID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var history []types.Transition
	for rows.Next() {
		var tr types.Transition
		var cause string
		if err := rows.Scan(&tr.ID, &tr.ClassID, &tr.StudentID, &tr.Present, &cause, &tr.At); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		tr.Cause = types.Cause(cause)
		history = append(history, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return history, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM registry_snapshot").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close shuts down the writer and the connection pool
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
