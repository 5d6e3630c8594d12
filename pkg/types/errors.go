package types

import "errors"

// ARCHITECTURAL DISCOVERY: Validation errors are sentinels so every layer can
// classify them with errors.Is no matter how much context was wrapped on.
var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrDuplicateClass = errors.New("class already exists")
)

var (
	ErrEmptyClassName     = errors.New("class name cannot be empty")
	ErrClassNameTooLong   = errors.New("class name must be at most 100 characters")
	ErrEmptyStudentName   = errors.New("student name is required")
	ErrEmptyDeviceID      = errors.New("device ID cannot be empty")
	ErrInvalidDeviceID    = errors.New("device ID must be at most 64 characters without whitespace")
	ErrInvalidInterval    = errors.New("scan interval must be a positive number of seconds")
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)
