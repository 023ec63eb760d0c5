package domain

import "errors"

// Error kinds. Callers wrap them with context and HTTP handlers map them to
// status codes with errors.Is.
var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrAuthentication = errors.New("invalid signature")
	ErrUpstream       = errors.New("upstream failure")
	ErrReconciliation = errors.New("reconciliation failed")
)
