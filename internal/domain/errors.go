package domain

import "errors"

var (
	ErrValidation  = errors.New("validation error")
	ErrEmptyResult = errors.New("no valid recipients")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
)
