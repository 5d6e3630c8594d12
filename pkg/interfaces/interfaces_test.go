package interfaces_test

import (
	"context"
	"testing"
	"time"

	"presence/pkg/interfaces"
	"presence/pkg/types"
)

// Mock implementations for testing

type mockConnection struct{}

func (m *mockConnection) WriteJSON(v interface{}) error { return nil }
func (m *mockConnection) Close() error                  { return nil }
func (m *mockConnection) GetClientID() string           { return "" }
func (m *mockConnection) GetClassFilter() string        { return "" }

type mockStore struct{}

func (m *mockStore) SaveSnapshot(ctx context.Context, snapshot *types.Snapshot) error { return nil }
func (m *mockStore) LoadSnapshot(ctx context.Context) (*types.Snapshot, error) {
	return nil, interfaces.ErrSnapshotNotFound
}
func (m *mockStore) HealthCheck(ctx context.Context) error { return nil }
func (m *mockStore) Close() error                          { return nil }

type mockRecorder struct{}

func (m *mockRecorder) RecordTransitions(ctx context.Context, transitions []types.Transition) error {
	return nil
}
func (m *mockRecorder) GetHistory(ctx context.Context, classID, studentID string, since time.Time) ([]types.Transition, error) {
	return nil, nil
}

type mockSource struct{}

func (m *mockSource) Discover(ctx context.Context, timeout time.Duration) ([]types.Device, error) {
	return nil, nil
}

type mockPublisher struct {
	published []types.Transition
}

func (m *mockPublisher) Publish(transitions []types.Transition) {
	m.published = append(m.published, transitions...)
}

// Architectural Validation Tests - Ensure interfaces are properly defined

func TestInterfaces_Compliance(t *testing.T) {
	var _ interfaces.Connection = (*mockConnection)(nil)
	var _ interfaces.SnapshotStore = (*mockStore)(nil)
	var _ interfaces.TransitionRecorder = (*mockRecorder)(nil)
	var _ interfaces.DeviceSource = (*mockSource)(nil)
	var _ interfaces.TransitionPublisher = (*mockPublisher)(nil)
}

func TestInterfaces_SnapshotNotFoundSentinel(t *testing.T) {
	store := &mockStore{}
	_, err := store.LoadSnapshot(context.Background())
	if err != interfaces.ErrSnapshotNotFound {
		t.Errorf("Expected ErrSnapshotNotFound, got %v", err)
	}
}
