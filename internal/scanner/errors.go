package scanner

import "errors"

// Scanner errors
var (
	ErrStopTimeout        = errors.New("scan loop did not stop in time")
	ErrAdapterUnavailable = errors.New("bluetooth adapter unavailable")
	ErrNoFrames           = errors.New("replay file has no frames")
)
