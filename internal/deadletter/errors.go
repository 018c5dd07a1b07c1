package deadletter

import "errors"

// Dead-letter errors.
var (
	ErrRecordNotFound  = errors.New("dead letter record not found")
	ErrAlreadyResolved = errors.New("dead letter record already resolved")
	ErrNotRetryable    = errors.New("dead letter record cannot be retried as is, use fix_and_retry")
	ErrInvalidAction   = errors.New("invalid resolution action")
)
