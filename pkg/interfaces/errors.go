package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
)
