package database

import "errors"

// Storage errors
var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
	ErrRedisDown     = errors.New("redis is unreachable")
)
