package interfaces

import (
	"context"
	"time"

	"presence/pkg/types"
)

// SnapshotStore persists the whole registry as one document
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// lets sqlite and redis backends swap without touching the registry
type SnapshotStore interface {
	// SaveSnapshot replaces the stored document
	// FUNCTIONAL DISCOVERY: Called inside the registry critical section, so a
	// return means the mutation that triggered it is durable
	SaveSnapshot(ctx context.Context, snapshot *types.Snapshot) error

	// LoadSnapshot returns the stored document, or ErrSnapshotNotFound when
	// nothing has been saved yet
	LoadSnapshot(ctx context.Context) (*types.Snapshot, error)

	// HealthCheck verifies the backend is reachable
	HealthCheck(ctx context.Context) error

	// Close releases backend resources
	Close() error
}

// TransitionRecorder keeps the arrival/departure history
// TECHNICAL DISCOVERY: Separate from SnapshotStore because only the sqlite
// backend keeps an append-only table
type TransitionRecorder interface {
	RecordTransitions(ctx context.Context, transitions []types.Transition) error
	GetHistory(ctx context.Context, classID, studentID string, since time.Time) ([]types.Transition, error)
}
