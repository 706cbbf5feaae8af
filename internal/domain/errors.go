package domain

import "errors"

var (
	ErrValidation        = errors.New("validation error")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrStaleTransition   = errors.New("stale transition")
	ErrClassifierTimeout = errors.New("classifier timeout")
)
