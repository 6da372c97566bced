package domain

import "errors"

var (
	ErrNotFound        = errors.New("tenant not found")
	ErrAlreadyExists   = errors.New("tenant already exists")
	ErrDuplicateDomain = errors.New("domain is already bound to another tenant")
	ErrInvalidTenant   = errors.New("invalid tenant")
	ErrSuspended       = errors.New("tenant is suspended")
)
