package domain

import "errors"

var (
	ErrStoreUnavailable = errors.New("metrics store unavailable")
	ErrWorkerNotFound   = errors.New("worker not found")
	ErrInvalidState     = errors.New("invalid worker state")
	ErrDatabaseError    = errors.New("database error")
)
