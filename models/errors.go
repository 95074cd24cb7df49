package models

import "errors"

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflicting concurrent modification")
	ErrValidation = errors.New("validation failed")
)
