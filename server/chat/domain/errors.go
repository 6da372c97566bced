package domain

import "errors"

var (
	ErrInvalidMessage   = errors.New("invalid message")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("message not found")
	ErrTransientBroker  = errors.New("message log unavailable")
	ErrConsumerEviction = errors.New("consumer evicted from partition")
)
