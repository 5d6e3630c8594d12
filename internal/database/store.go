package database

import (
	"fmt"

	"presence/pkg/interfaces"
	dbconfig "presence/pkg/database"
)

// Open builds the configured snapshot store. The recorder is nil when the
// backend keeps no history.
func Open(config *dbconfig.Config) (interfaces.SnapshotStore, interfaces.TransitionRecorder, error) {
	if err := config.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid storage configuration: %w", err)
	}
	switch config.Backend {
	case dbconfig.BackendRedis:
		return NewRedisStore(config), nil, nil
	default:
		manager, err := NewManager(config)
		if err != nil {
			return nil, nil, err
		}
		return manager, manager, nil
	}
}
