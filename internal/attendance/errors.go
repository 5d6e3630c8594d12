package attendance

import "errors"

// Registry errors beyond the shared validation sentinels
var (
	ErrUnknownClassCode = errors.New("unrecognized course code")
	ErrNotBlacklisted   = errors.New("device is not blacklisted")
)
